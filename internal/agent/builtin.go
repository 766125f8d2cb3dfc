package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aether-os/aether/internal/state"
	"github.com/aether-os/aether/internal/tools"
	"github.com/aether-os/aether/internal/vfs"
)

const (
	shellTimeout = 120 * time.Second
	httpTimeout  = 30 * time.Second
)

// ChildSpec describes a child agent requested via the process.spawn tool.
type ChildSpec struct {
	Name string
	Role string
	Goal string
}

// Spawner lets agents start child processes.
type Spawner interface {
	SpawnChild(ctx context.Context, parentPID uint64, uid, ownerUID string, spec ChildSpec) (uint64, error)
}

// Messenger lets agents send IPC messages.
type Messenger interface {
	SendIPC(ctx context.Context, fromPID, toPID uint64, channel, payload string) (bool, error)
}

// BuiltinDeps wires the kernel services the built-in tools reach into.
type BuiltinDeps struct {
	FS        *vfs.FS
	Store     *state.Store
	Spawner   Spawner
	Messenger Messenger
}

func strArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func objectSchema(required []string, props map[string]any) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// BuiltinTools returns the kernel's built-in tool set.
func BuiltinTools(deps BuiltinDeps) []tools.Tool {
	strProp := func(desc string) map[string]any {
		return map[string]any{"type": "string", "description": desc}
	}

	list := []tools.Tool{
		&tools.Func{
			ToolName:        "fs.read",
			ToolDescription: "Read a file from the agent's filesystem",
			Schema:          objectSchema([]string{"path"}, map[string]any{"path": strProp("File path")}),
			Fn: func(ctx context.Context, args map[string]any, tc tools.Context) (string, error) {
				data, err := deps.FS.Read(ctx, tc.UID, strArg(args, "path"))
				if err != nil {
					return "", err
				}
				return string(data), nil
			},
		},
		&tools.Func{
			ToolName:        "fs.write",
			ToolDescription: "Write content to a file, creating parent directories",
			Schema: objectSchema([]string{"path", "content"}, map[string]any{
				"path":    strProp("File path"),
				"content": strProp("File content"),
			}),
			Fn: func(ctx context.Context, args map[string]any, tc tools.Context) (string, error) {
				p := strArg(args, "path")
				if err := deps.FS.Write(ctx, tc.UID, p, []byte(strArg(args, "content"))); err != nil {
					return "", err
				}
				return "wrote " + p, nil
			},
		},
		&tools.Func{
			ToolName:        "fs.ls",
			ToolDescription: "List a directory",
			Schema:          objectSchema(nil, map[string]any{"path": strProp("Directory path, default cwd")}),
			Fn: func(ctx context.Context, args map[string]any, tc tools.Context) (string, error) {
				p := strArg(args, "path")
				if p == "" {
					p = tc.Cwd
				}
				entries, err := deps.FS.List(ctx, tc.UID, p)
				if err != nil {
					return "", err
				}
				var b strings.Builder
				for _, e := range entries {
					fmt.Fprintf(&b, "%s\t%s\t%d\n", e.Type, e.Name, e.Size)
				}
				return b.String(), nil
			},
		},
		&tools.Func{
			ToolName:        "fs.mkdir",
			ToolDescription: "Create a directory (and parents)",
			Schema:          objectSchema([]string{"path"}, map[string]any{"path": strProp("Directory path")}),
			Fn: func(ctx context.Context, args map[string]any, tc tools.Context) (string, error) {
				p := strArg(args, "path")
				if err := deps.FS.Mkdir(ctx, tc.UID, p); err != nil {
					return "", err
				}
				return "created " + p, nil
			},
		},
		&tools.Func{
			ToolName:        "shell.exec",
			ToolDescription: "Run a shell command in the agent's working directory",
			Schema:          objectSchema([]string{"command"}, map[string]any{"command": strProp("Command line")}),
			Fn: func(ctx context.Context, args map[string]any, tc tools.Context) (string, error) {
				runCtx, cancel := context.WithTimeout(ctx, shellTimeout)
				defer cancel()
				hostCwd, err := deps.FS.HostPath(tc.UID, tc.Cwd)
				if err != nil {
					return "", err
				}
				cmd := exec.CommandContext(runCtx, "sh", "-c", strArg(args, "command"))
				cmd.Dir = hostCwd
				out, err := cmd.CombinedOutput()
				if err != nil {
					return "", fmt.Errorf("command failed: %w: %s", err, strings.TrimSpace(string(out)))
				}
				return string(out), nil
			},
		},
		&tools.Func{
			ToolName:        "process.spawn",
			ToolDescription: "Spawn a child agent with its own goal",
			Schema: objectSchema([]string{"goal"}, map[string]any{
				"name": strProp("Process name"),
				"role": strProp("Agent role"),
				"goal": strProp("Agent goal"),
			}),
			Fn: func(ctx context.Context, args map[string]any, tc tools.Context) (string, error) {
				pid, err := deps.Spawner.SpawnChild(ctx, tc.PID, tc.UID, tc.OwnerUID, ChildSpec{
					Name: strArg(args, "name"),
					Role: strArg(args, "role"),
					Goal: strArg(args, "goal"),
				})
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("spawned pid %d", pid), nil
			},
		},
		&tools.Func{
			ToolName:        "ipc.send",
			ToolDescription: "Send a message to another process's mailbox",
			Schema: objectSchema([]string{"toPid", "payload"}, map[string]any{
				"toPid":   map[string]any{"type": "number", "description": "Target pid"},
				"channel": strProp("Channel name"),
				"payload": strProp("Message payload"),
			}),
			Fn: func(ctx context.Context, args map[string]any, tc tools.Context) (string, error) {
				toPid, _ := args["toPid"].(float64)
				ok, err := deps.Messenger.SendIPC(ctx, tc.PID, uint64(toPid),
					strArg(args, "channel"), strArg(args, "payload"))
				if err != nil {
					return "", err
				}
				if !ok {
					return "target process not found", nil
				}
				return "delivered", nil
			},
		},
		&tools.Func{
			ToolName:        "memory.save",
			ToolDescription: "Save a memory entry for later recall",
			Schema: objectSchema([]string{"content"}, map[string]any{
				"content":    strProp("Memory content"),
				"layer":      strProp("episodic, semantic or procedural"),
				"tags":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"importance": map[string]any{"type": "number"},
			}),
			Fn: func(ctx context.Context, args map[string]any, tc tools.Context) (string, error) {
				layer := strArg(args, "layer")
				if layer == "" {
					layer = "episodic"
				}
				importance := 0.5
				if v, ok := args["importance"].(float64); ok {
					importance = v
				}
				tags, _ := json.Marshal(args["tags"])
				rec := &state.MemoryRecord{
					ID:         uuid.New().String(),
					AgentUID:   tc.UID,
					Layer:      layer,
					Content:    strArg(args, "content"),
					Tags:       string(tags),
					Importance: importance,
					SourcePID:  tc.PID,
					CreatedAt:  time.Now().UTC(),
				}
				if err := deps.Store.InsertMemory(ctx, rec); err != nil {
					return "", err
				}
				return "saved " + rec.ID, nil
			},
		},
		&tools.Func{
			ToolName:        "memory.search",
			ToolDescription: "Search saved memories by content",
			Schema: objectSchema([]string{"query"}, map[string]any{
				"query": strProp("Substring to search for"),
				"layer": strProp("Restrict to one layer"),
				"limit": map[string]any{"type": "number"},
			}),
			Fn: func(ctx context.Context, args map[string]any, tc tools.Context) (string, error) {
				limit := 10
				if v, ok := args["limit"].(float64); ok && v > 0 {
					limit = int(v)
				}
				recs, err := deps.Store.SearchMemory(ctx, tc.UID, strArg(args, "layer"), strArg(args, "query"), limit)
				if err != nil {
					return "", err
				}
				var b strings.Builder
				for _, r := range recs {
					fmt.Fprintf(&b, "[%s %.2f] %s\n", r.Layer, r.Importance, r.Content)
				}
				if b.Len() == 0 {
					return "no matches", nil
				}
				return b.String(), nil
			},
		},
		&tools.Func{
			ToolName:        "http.request",
			ToolDescription: "Perform an HTTP request to an external service",
			Schema: objectSchema([]string{"url"}, map[string]any{
				"method": strProp("HTTP method, default GET"),
				"url":    strProp("Request URL"),
				"body":   strProp("Request body"),
			}),
			Fn: func(ctx context.Context, args map[string]any, _ tools.Context) (string, error) {
				method := strings.ToUpper(strArg(args, "method"))
				if method == "" {
					method = http.MethodGet
				}
				reqCtx, cancel := context.WithTimeout(ctx, httpTimeout)
				defer cancel()
				req, err := http.NewRequestWithContext(reqCtx, method, strArg(args, "url"),
					strings.NewReader(strArg(args, "body")))
				if err != nil {
					return "", err
				}
				resp, err := http.DefaultClient.Do(req)
				if err != nil {
					return "", fmt.Errorf("request failed: %w", err)
				}
				defer resp.Body.Close()
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
				return fmt.Sprintf("HTTP %d\n%s", resp.StatusCode, body), nil
			},
		},
	}
	return list
}

// networkTools flags built-in tools with external network side effects.
var networkTools = map[string]bool{
	"http.request": true,
}

// writesOutsideCwd reports whether a fs.write call leaves the agent's
// working directory.
func writesOutsideCwd(tool string, args map[string]any, cwd string) bool {
	if tool != "fs.write" {
		return false
	}
	target := path.Clean("/" + strings.TrimPrefix(strArg(args, "path"), "/"))
	root := path.Clean("/" + strings.TrimPrefix(cwd, "/"))
	if root == "/" {
		return false
	}
	return target != root && !strings.HasPrefix(target, root+"/")
}
