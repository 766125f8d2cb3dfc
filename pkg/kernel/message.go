// Package kernel defines the WebSocket wire protocol spoken on /kernel:
// command frames, event frames, error codes, and the command dispatcher.
package kernel

import (
	"encoding/json"
	"fmt"
)

// Command is a single client frame. Frames are flat JSON objects carrying the
// command name in "type", a correlation "id", and command-specific fields at
// the top level:
//
//	{"type":"process.spawn","id":"…","name":"coder","goal":"…"}
type Command struct {
	Type string
	ID   string
	raw  json.RawMessage
}

type commandHeader struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// ParseCommand decodes a raw client frame into a Command.
func ParseCommand(data []byte) (*Command, error) {
	var hdr commandHeader
	if err := json.Unmarshal(data, &hdr); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if hdr.Type == "" {
		return nil, fmt.Errorf("frame missing type")
	}
	return &Command{Type: hdr.Type, ID: hdr.ID, raw: append(json.RawMessage(nil), data...)}, nil
}

// Decode unmarshals the full frame into the given request struct. Unknown
// fields (including "type" and "id") are ignored.
func (c *Command) Decode(v any) error {
	if len(c.raw) == 0 {
		return nil
	}
	return json.Unmarshal(c.raw, v)
}

// Raw returns the original frame bytes.
func (c *Command) Raw() json.RawMessage {
	return c.raw
}

// Event is a server frame: either a correlated response or an unsolicited
// broadcast. Like commands, events are flat JSON objects with the event name
// in "type".
type Event struct {
	Type   string
	ID     string
	Fields map[string]any
}

// NewEvent builds a broadcast event frame.
func NewEvent(eventType string, fields map[string]any) *Event {
	return &Event{Type: eventType, Fields: fields}
}

// OK builds the success response for a command.
func OK(id string, data any) *Event {
	return &Event{Type: TypeResponseOK, ID: id, Fields: map[string]any{"data": data}}
}

// Err builds the error response for a command.
func Err(id string, kerr *Error) *Event {
	return &Event{Type: TypeResponseError, ID: id, Fields: map[string]any{"error": kerr}}
}

// MarshalJSON flattens Fields next to "type" and "id".
func (e *Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+2)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["type"] = e.Type
	if e.ID != "" {
		out["id"] = e.ID
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores Type, ID, and the remaining flat fields. Used by
// test clients; the server only marshals.
func (e *Event) UnmarshalJSON(data []byte) error {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if t, ok := fields["type"].(string); ok {
		e.Type = t
	}
	if id, ok := fields["id"].(string); ok {
		e.ID = id
	}
	delete(fields, "type")
	delete(fields, "id")
	e.Fields = fields
	return nil
}

// Response frame types.
const (
	TypeResponseOK    = "response.ok"
	TypeResponseError = "response.error"
)
