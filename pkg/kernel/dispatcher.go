package kernel

import (
	"context"
)

// Caller identifies the authenticated user behind a command.
type Caller struct {
	UserID   string
	Username string
	Role     string // system role: admin or user
}

type callerKey struct{}

// WithCaller attaches the authenticated caller to the context.
func WithCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the authenticated caller, or nil.
func CallerFrom(ctx context.Context) *Caller {
	c, _ := ctx.Value(callerKey{}).(*Caller)
	return c
}

// HandlerFunc processes one command and returns the response payload. A
// returned *Error travels to the client verbatim; any other error is mapped
// to code "internal".
type HandlerFunc func(ctx context.Context, cmd *Command) (any, error)

// Dispatcher routes commands to handlers by command type and enforces the
// authentication boundary: every command except auth.login and auth.register
// requires an authenticated caller in the context.
type Dispatcher struct {
	handlers map[string]HandlerFunc
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]HandlerFunc)}
}

// Register registers a handler for a command type.
func (d *Dispatcher) Register(cmdType string, handler HandlerFunc) {
	d.handlers[cmdType] = handler
}

// Has reports whether a handler is registered for the command type.
func (d *Dispatcher) Has(cmdType string) bool {
	_, ok := d.handlers[cmdType]
	return ok
}

// exempt from authentication.
func authExempt(cmdType string) bool {
	return cmdType == CmdAuthLogin || cmdType == CmdAuthRegister
}

// Dispatch runs the handler for cmd and returns exactly one response frame.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd *Command) *Event {
	handler, ok := d.handlers[cmd.Type]
	if !ok {
		return Err(cmd.ID, E(CodeUnknownCommand, "unknown command: %s", cmd.Type))
	}
	if !authExempt(cmd.Type) && CallerFrom(ctx) == nil {
		return Err(cmd.ID, Unauthorized("authentication required"))
	}
	data, err := handler(ctx, cmd)
	if err != nil {
		return Err(cmd.ID, AsError(err))
	}
	return OK(cmd.ID, data)
}
