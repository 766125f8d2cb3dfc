package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/aether-os/aether/internal/auth"
	"github.com/aether-os/aether/internal/mcp"
	"github.com/aether-os/aether/internal/plugins"
	"github.com/aether-os/aether/internal/proc"
	"github.com/aether-os/aether/internal/sandbox"
	"github.com/aether-os/aether/internal/scheduler"
	"github.com/aether-os/aether/internal/state"
	"github.com/aether-os/aether/internal/tty"
	"github.com/aether-os/aether/internal/vfs"
	"github.com/aether-os/aether/pkg/kernel"
)

// Deps carries every manager the command handlers reach into. Container and
// Router may be nil (no docker substrate, standalone mode).
type Deps struct {
	Auth      *auth.Manager
	Store     *state.Store
	Proc      *proc.Manager
	FS        *vfs.FS
	TTY       *tty.Manager
	Sched     *scheduler.Scheduler
	Plugins   *plugins.Manager
	MCP       *mcp.Manager
	Container sandbox.ContainerBackend
	Router    *scheduler.Router
	StartedAt time.Time
	Version   string

	// Clients reports connected client count; bound by the gateway.
	Clients func() int
}

// requirePerm runs the RBAC check for a command. An optional orgId field on
// the frame scopes the check to that org's membership role.
func (d Deps) requirePerm(ctx context.Context, cmd *kernel.Command, permission string) error {
	caller := kernel.CallerFrom(ctx)
	if caller == nil {
		return kernel.Unauthorized("authentication required")
	}
	var scope struct {
		OrgID string `json:"orgId"`
	}
	_ = cmd.Decode(&scope)
	ok, err := d.Auth.HasPermission(ctx, caller.UserID, permission, scope.OrgID)
	if err != nil {
		return err
	}
	if !ok {
		return kernel.Forbidden("permission denied: " + permission)
	}
	return nil
}

// RegisterHandlers wires every kernel command to its manager.
func RegisterHandlers(d *kernel.Dispatcher, deps Deps) {
	registerAuthHandlers(d, deps)
	registerProcessHandlers(d, deps)
	registerFSHandlers(d, deps)
	registerTTYHandlers(d, deps)
	registerVNCHandlers(d, deps)
	registerScheduleHandlers(d, deps)
	registerPluginHandlers(d, deps)
	registerMCPHandlers(d, deps)
	registerKernelHandlers(d, deps)
}

func registerAuthHandlers(d *kernel.Dispatcher, deps Deps) {
	d.Register(kernel.CmdAuthLogin, func(ctx context.Context, cmd *kernel.Command) (any, error) {
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := cmd.Decode(&req); err != nil {
			return nil, kernel.InvalidArgument("bad login payload: %v", err)
		}
		token, user, err := deps.Auth.Login(ctx, req.Username, req.Password)
		if err != nil {
			return nil, err
		}
		return map[string]any{"token": token, "user": user}, nil
	})

	d.Register(kernel.CmdAuthRegister, func(ctx context.Context, cmd *kernel.Command) (any, error) {
		var req struct {
			Username    string `json:"username"`
			Password    string `json:"password"`
			DisplayName string `json:"displayName"`
		}
		if err := cmd.Decode(&req); err != nil {
			return nil, kernel.InvalidArgument("bad register payload: %v", err)
		}
		user, err := deps.Auth.CreateUser(ctx, req.Username, req.Password, req.DisplayName, "user")
		if err != nil {
			return nil, err
		}
		token, _, err := deps.Auth.Login(ctx, req.Username, req.Password)
		if err != nil {
			return nil, err
		}
		return map[string]any{"token": token, "user": user}, nil
	})

	d.Register(kernel.CmdAuthValidate, func(ctx context.Context, cmd *kernel.Command) (any, error) {
		var req struct {
			Token string `json:"token"`
		}
		if err := cmd.Decode(&req); err != nil {
			return nil, kernel.InvalidArgument("bad validate payload: %v", err)
		}
		user, err := deps.Auth.ValidateToken(ctx, req.Token)
		if err != nil {
			return nil, err
		}
		if user == nil {
			return map[string]any{"valid": false}, nil
		}
		return map[string]any{"valid": true, "user": user}, nil
	})
}

func registerProcessHandlers(d *kernel.Dispatcher, deps Deps) {
	d.Register(kernel.CmdProcessSpawn, func(ctx context.Context, cmd *kernel.Command) (any, error) {
		if err := deps.requirePerm(ctx, cmd, auth.PermAgentsSpawn); err != nil {
			return nil, err
		}
		caller := kernel.CallerFrom(ctx)
		var cfg proc.SpawnConfig
		if err := cmd.Decode(&cfg); err != nil {
			return nil, kernel.InvalidArgument("bad spawn payload: %v", err)
		}
		if cfg.Goal == "" && !cfg.NoAgent {
			return nil, kernel.InvalidArgument("spawn requires a goal")
		}
		pid, err := deps.Proc.Spawn(ctx, cfg, 0, caller.UserID, caller.UserID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"pid": pid}, nil
	})

	d.Register(kernel.CmdProcessSignal, func(ctx context.Context, cmd *kernel.Command) (any, error) {
		if err := deps.requirePerm(ctx, cmd, auth.PermAgentsSpawn); err != nil {
			return nil, err
		}
		var req struct {
			PID    uint64 `json:"pid"`
			Signal string `json:"signal"`
		}
		if err := cmd.Decode(&req); err != nil {
			return nil, kernel.InvalidArgument("bad signal payload: %v", err)
		}
		if err := deps.Proc.Signal(ctx, req.PID, req.Signal); err != nil {
			return nil, err
		}
		return map[string]any{"pid": req.PID, "signal": req.Signal}, nil
	})

	d.Register(kernel.CmdProcessList, func(ctx context.Context, cmd *kernel.Command) (any, error) {
		if err := deps.requirePerm(ctx, cmd, auth.PermAgentsView); err != nil {
			return nil, err
		}
		return map[string]any{"processes": deps.Proc.List()}, nil
	})

	d.Register(kernel.CmdProcessInfo, func(ctx context.Context, cmd *kernel.Command) (any, error) {
		if err := deps.requirePerm(ctx, cmd, auth.PermAgentsView); err != nil {
			return nil, err
		}
		var req struct {
			PID uint64 `json:"pid"`
		}
		if err := cmd.Decode(&req); err != nil {
			return nil, kernel.InvalidArgument("bad info payload: %v", err)
		}
		if mp, ok := deps.Proc.Get(req.PID); ok {
			rec := mp.Record()
			return map[string]any{"process": &rec}, nil
		}
		rec, err := deps.Store.GetProcess(ctx, req.PID)
		if err != nil {
			if err == state.ErrNotFound {
				return nil, kernel.NotFound("no such process: %d", req.PID)
			}
			return nil, err
		}
		return map[string]any{"process": rec}, nil
	})

	d.Register(kernel.CmdProcessApprove, func(ctx context.Context, cmd *kernel.Command) (any, error) {
		if err := deps.requirePerm(ctx, cmd, auth.PermAgentsSpawn); err != nil {
			return nil, err
		}
		var req struct {
			PID uint64 `json:"pid"`
		}
		if err := cmd.Decode(&req); err != nil {
			return nil, kernel.InvalidArgument("bad approve payload: %v", err)
		}
		if err := deps.Proc.Approve(ctx, req.PID); err != nil {
			return nil, err
		}
		return map[string]any{"pid": req.PID, "approved": true}, nil
	})

	d.Register(kernel.CmdProcessReject, func(ctx context.Context, cmd *kernel.Command) (any, error) {
		if err := deps.requirePerm(ctx, cmd, auth.PermAgentsSpawn); err != nil {
			return nil, err
		}
		var req struct {
			PID    uint64 `json:"pid"`
			Reason string `json:"reason"`
		}
		if err := cmd.Decode(&req); err != nil {
			return nil, kernel.InvalidArgument("bad reject payload: %v", err)
		}
		if err := deps.Proc.Reject(ctx, req.PID, req.Reason); err != nil {
			return nil, err
		}
		return map[string]any{"pid": req.PID, "rejected": true}, nil
	})

	signalAlias := func(sig string) kernel.HandlerFunc {
		return func(ctx context.Context, cmd *kernel.Command) (any, error) {
			if err := deps.requirePerm(ctx, cmd, auth.PermAgentsSpawn); err != nil {
				return nil, err
			}
			var req struct {
				PID uint64 `json:"pid"`
			}
			if err := cmd.Decode(&req); err != nil {
				return nil, kernel.InvalidArgument("bad payload: %v", err)
			}
			if err := deps.Proc.Signal(ctx, req.PID, sig); err != nil {
				return nil, err
			}
			return map[string]any{"pid": req.PID}, nil
		}
	}
	d.Register(kernel.CmdAgentPause, signalAlias("SIGSTOP"))
	d.Register(kernel.CmdAgentResume, signalAlias("SIGCONT"))

	// agent.continue resolves a pending approval when the agent is waiting,
	// otherwise it behaves like resume.
	d.Register(kernel.CmdAgentContinue, func(ctx context.Context, cmd *kernel.Command) (any, error) {
		if err := deps.requirePerm(ctx, cmd, auth.PermAgentsSpawn); err != nil {
			return nil, err
		}
		var req struct {
			PID uint64 `json:"pid"`
		}
		if err := cmd.Decode(&req); err != nil {
			return nil, kernel.InvalidArgument("bad continue payload: %v", err)
		}
		if mp, ok := deps.Proc.Get(req.PID); ok && mp.Record().State == state.StateWaiting {
			if err := deps.Proc.Approve(ctx, req.PID); err != nil {
				return nil, err
			}
			return map[string]any{"pid": req.PID, "approved": true}, nil
		}
		if err := deps.Proc.Signal(ctx, req.PID, "SIGCONT"); err != nil {
			return nil, err
		}
		return map[string]any{"pid": req.PID}, nil
	})
}

func registerFSHandlers(d *kernel.Dispatcher, deps Deps) {
	type pathReq struct {
		Path string `json:"path"`
	}

	d.Register(kernel.CmdFSRead, func(ctx context.Context, cmd *kernel.Command) (any, error) {
		if err := deps.requirePerm(ctx, cmd, auth.PermFSRead); err != nil {
			return nil, err
		}
		var req pathReq
		if err := cmd.Decode(&req); err != nil {
			return nil, kernel.InvalidArgument("bad fs payload: %v", err)
		}
		data, err := deps.FS.Read(ctx, kernel.CallerFrom(ctx).UserID, req.Path)
		if err != nil {
			return nil, err
		}
		return map[string]any{"path": req.Path, "content": string(data)}, nil
	})

	d.Register(kernel.CmdFSWrite, func(ctx context.Context, cmd *kernel.Command) (any, error) {
		if err := deps.requirePerm(ctx, cmd, auth.PermFSWrite); err != nil {
			return nil, err
		}
		var req struct {
			Path    string `json:"path"`
			Content string `json:"content"`
		}
		if err := cmd.Decode(&req); err != nil {
			return nil, kernel.InvalidArgument("bad fs payload: %v", err)
		}
		if err := deps.FS.Write(ctx, kernel.CallerFrom(ctx).UserID, req.Path, []byte(req.Content)); err != nil {
			return nil, err
		}
		return map[string]any{"path": req.Path, "size": len(req.Content)}, nil
	})

	d.Register(kernel.CmdFSLs, func(ctx context.Context, cmd *kernel.Command) (any, error) {
		if err := deps.requirePerm(ctx, cmd, auth.PermFSRead); err != nil {
			return nil, err
		}
		var req pathReq
		if err := cmd.Decode(&req); err != nil {
			return nil, kernel.InvalidArgument("bad fs payload: %v", err)
		}
		entries, err := deps.FS.List(ctx, kernel.CallerFrom(ctx).UserID, req.Path)
		if err != nil {
			return nil, err
		}
		return map[string]any{"path": req.Path, "entries": entries}, nil
	})

	d.Register(kernel.CmdFSStat, func(ctx context.Context, cmd *kernel.Command) (any, error) {
		if err := deps.requirePerm(ctx, cmd, auth.PermFSRead); err != nil {
			return nil, err
		}
		var req pathReq
		if err := cmd.Decode(&req); err != nil {
			return nil, kernel.InvalidArgument("bad fs payload: %v", err)
		}
		entry, err := deps.FS.Stat(ctx, kernel.CallerFrom(ctx).UserID, req.Path)
		if err != nil {
			return nil, err
		}
		return map[string]any{"entry": entry}, nil
	})

	d.Register(kernel.CmdFSMkdir, func(ctx context.Context, cmd *kernel.Command) (any, error) {
		if err := deps.requirePerm(ctx, cmd, auth.PermFSWrite); err != nil {
			return nil, err
		}
		var req pathReq
		if err := cmd.Decode(&req); err != nil {
			return nil, kernel.InvalidArgument("bad fs payload: %v", err)
		}
		if err := deps.FS.Mkdir(ctx, kernel.CallerFrom(ctx).UserID, req.Path); err != nil {
			return nil, err
		}
		return map[string]any{"path": req.Path, "created": true}, nil
	})

	d.Register(kernel.CmdFSRm, func(ctx context.Context, cmd *kernel.Command) (any, error) {
		if err := deps.requirePerm(ctx, cmd, auth.PermFSWrite); err != nil {
			return nil, err
		}
		var req struct {
			Path      string `json:"path"`
			Recursive bool   `json:"recursive"`
		}
		if err := cmd.Decode(&req); err != nil {
			return nil, kernel.InvalidArgument("bad fs payload: %v", err)
		}
		if err := deps.FS.Remove(ctx, kernel.CallerFrom(ctx).UserID, req.Path, req.Recursive); err != nil {
			return nil, err
		}
		return map[string]any{"path": req.Path, "removed": true}, nil
	})
}

func registerTTYHandlers(d *kernel.Dispatcher, deps Deps) {
	d.Register(kernel.CmdTTYOpen, func(ctx context.Context, cmd *kernel.Command) (any, error) {
		if err := deps.requirePerm(ctx, cmd, auth.PermAgentsSpawn); err != nil {
			return nil, err
		}
		caller := kernel.CallerFrom(ctx)
		var req struct {
			PID     uint64          `json:"pid"`
			Cwd     string          `json:"cwd"`
			Cols    uint16          `json:"cols"`
			Rows    uint16          `json:"rows"`
			Sandbox *sandbox.Config `json:"sandbox"`
		}
		if err := cmd.Decode(&req); err != nil {
			return nil, kernel.InvalidArgument("bad tty payload: %v", err)
		}
		if req.Cols == 0 {
			req.Cols = 80
		}
		if req.Rows == 0 {
			req.Rows = 24
		}

		cwd := req.Cwd
		sandboxCfg := sandbox.Config{Kind: sandbox.KindPTY}
		if req.Sandbox != nil {
			sandboxCfg = *req.Sandbox
		}

		// A zero pid opens a standalone shell backed by a bare record.
		if req.PID == 0 {
			pid, err := deps.Proc.Spawn(ctx, proc.SpawnConfig{
				Name:    "shell",
				Cwd:     cwd,
				Sandbox: &sandboxCfg,
				NoAgent: true,
			}, 0, caller.UserID, caller.UserID)
			if err != nil {
				return nil, err
			}
			req.PID = pid
		} else if mp, ok := deps.Proc.Get(req.PID); ok {
			rec := mp.Record()
			if cwd == "" {
				cwd = rec.Cwd
			}
			if req.Sandbox == nil && rec.Sandbox != "" {
				var cfg sandbox.Config
				if err := json.Unmarshal([]byte(rec.Sandbox), &cfg); err == nil {
					sandboxCfg = cfg
				}
			}
		}
		if cwd == "" {
			root, err := deps.FS.UserRoot(caller.UserID)
			if err != nil {
				return nil, err
			}
			cwd = root
		}

		session, err := deps.TTY.Open(ctx, req.PID, cwd, req.Cols, req.Rows, sandboxCfg)
		if err != nil {
			return nil, err
		}
		return map[string]any{"tty": session}, nil
	})

	d.Register(kernel.CmdTTYInput, func(ctx context.Context, cmd *kernel.Command) (any, error) {
		if err := deps.requirePerm(ctx, cmd, auth.PermAgentsSpawn); err != nil {
			return nil, err
		}
		var req struct {
			TTYID string `json:"ttyId"`
			Data  string `json:"data"`
		}
		if err := cmd.Decode(&req); err != nil {
			return nil, kernel.InvalidArgument("bad tty payload: %v", err)
		}
		ok := deps.TTY.Write(req.TTYID, []byte(req.Data))
		return map[string]any{"ok": ok}, nil
	})

	d.Register(kernel.CmdTTYResize, func(ctx context.Context, cmd *kernel.Command) (any, error) {
		if err := deps.requirePerm(ctx, cmd, auth.PermAgentsSpawn); err != nil {
			return nil, err
		}
		var req struct {
			TTYID string `json:"ttyId"`
			Cols  uint16 `json:"cols"`
			Rows  uint16 `json:"rows"`
		}
		if err := cmd.Decode(&req); err != nil {
			return nil, kernel.InvalidArgument("bad tty payload: %v", err)
		}
		ok := deps.TTY.Resize(req.TTYID, req.Cols, req.Rows)
		return map[string]any{"ok": ok}, nil
	})

	d.Register(kernel.CmdTTYClose, func(ctx context.Context, cmd *kernel.Command) (any, error) {
		if err := deps.requirePerm(ctx, cmd, auth.PermAgentsSpawn); err != nil {
			return nil, err
		}
		var req struct {
			TTYID string `json:"ttyId"`
		}
		if err := cmd.Decode(&req); err != nil {
			return nil, kernel.InvalidArgument("bad tty payload: %v", err)
		}
		ok := deps.TTY.Close(req.TTYID)
		return map[string]any{"ok": ok}, nil
	})
}

func registerVNCHandlers(d *kernel.Dispatcher, deps Deps) {
	d.Register(kernel.CmdVNCInfo, func(ctx context.Context, cmd *kernel.Command) (any, error) {
		if err := deps.requirePerm(ctx, cmd, auth.PermAgentsView); err != nil {
			return nil, err
		}
		var req struct {
			PID uint64 `json:"pid"`
		}
		if err := cmd.Decode(&req); err != nil {
			return nil, kernel.InvalidArgument("bad vnc payload: %v", err)
		}
		if deps.Container == nil {
			return map[string]any{"pid": req.PID, "available": false}, nil
		}
		display, _, err := deps.Container.Exec(ctx, req.PID, []string{"sh", "-c", "echo -n $DISPLAY"}, 5*time.Second)
		if err != nil {
			return map[string]any{"pid": req.PID, "available": false}, nil
		}
		return map[string]any{"pid": req.PID, "available": display != "", "display": display}, nil
	})

	d.Register(kernel.CmdVNCExec, func(ctx context.Context, cmd *kernel.Command) (any, error) {
		if err := deps.requirePerm(ctx, cmd, auth.PermAgentsSpawn); err != nil {
			return nil, err
		}
		var req struct {
			PID       uint64   `json:"pid"`
			Cmd       []string `json:"cmd"`
			TimeoutMS int64    `json:"timeoutMs"`
		}
		if err := cmd.Decode(&req); err != nil {
			return nil, kernel.InvalidArgument("bad vnc payload: %v", err)
		}
		if deps.Container == nil {
			return nil, kernel.E(kernel.CodeSandboxUnavailable, "no container substrate")
		}
		if len(req.Cmd) == 0 {
			return nil, kernel.InvalidArgument("vnc.exec requires cmd")
		}
		timeout := 25 * time.Second
		if req.TimeoutMS > 0 {
			timeout = time.Duration(req.TimeoutMS) * time.Millisecond
		}
		output, exitCode, err := deps.Container.Exec(ctx, req.PID, req.Cmd, timeout)
		if err != nil {
			return nil, kernel.E(kernel.CodeSandboxUnavailable, "exec failed: %v", err)
		}
		return map[string]any{"output": output, "exitCode": exitCode}, nil
	})
}

func registerScheduleHandlers(d *kernel.Dispatcher, deps Deps) {
	d.Register(kernel.CmdCronList, func(ctx context.Context, cmd *kernel.Command) (any, error) {
		if err := deps.requirePerm(ctx, cmd, auth.PermAgentsView); err != nil {
			return nil, err
		}
		jobs, err := deps.Sched.ListCronJobs(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"jobs": jobs}, nil
	})

	d.Register(kernel.CmdCronCreate, func(ctx context.Context, cmd *kernel.Command) (any, error) {
		if err := deps.requirePerm(ctx, cmd, auth.PermAgentsSpawn); err != nil {
			return nil, err
		}
		var req struct {
			Name           string          `json:"name"`
			CronExpression string          `json:"cronExpression"`
			AgentConfig    json.RawMessage `json:"agentConfig"`
		}
		if err := cmd.Decode(&req); err != nil {
			return nil, kernel.InvalidArgument("bad cron payload: %v", err)
		}
		job, err := deps.Sched.CreateCronJob(ctx, req.Name, req.CronExpression, string(req.AgentConfig), kernel.CallerFrom(ctx).UserID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"job": job}, nil
	})

	d.Register(kernel.CmdCronDelete, func(ctx context.Context, cmd *kernel.Command) (any, error) {
		if err := deps.requirePerm(ctx, cmd, auth.PermAgentsSpawn); err != nil {
			return nil, err
		}
		var req struct {
			ID string `json:"id"`
		}
		if err := cmd.Decode(&req); err != nil {
			return nil, kernel.InvalidArgument("bad cron payload: %v", err)
		}
		if err := deps.Sched.DeleteCronJob(ctx, req.ID); err != nil {
			return nil, err
		}
		return map[string]any{"id": req.ID, "deleted": true}, nil
	})

	cronToggle := func(enabled bool) kernel.HandlerFunc {
		return func(ctx context.Context, cmd *kernel.Command) (any, error) {
			if err := deps.requirePerm(ctx, cmd, auth.PermAgentsSpawn); err != nil {
				return nil, err
			}
			var req struct {
				ID string `json:"id"`
			}
			if err := cmd.Decode(&req); err != nil {
				return nil, kernel.InvalidArgument("bad cron payload: %v", err)
			}
			if err := deps.Sched.SetCronJobEnabled(ctx, req.ID, enabled); err != nil {
				return nil, err
			}
			return map[string]any{"id": req.ID, "enabled": enabled}, nil
		}
	}
	d.Register(kernel.CmdCronEnable, cronToggle(true))
	d.Register(kernel.CmdCronDisable, cronToggle(false))

	d.Register(kernel.CmdTriggerList, func(ctx context.Context, cmd *kernel.Command) (any, error) {
		if err := deps.requirePerm(ctx, cmd, auth.PermAgentsView); err != nil {
			return nil, err
		}
		triggers, err := deps.Sched.ListTriggers(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"triggers": triggers}, nil
	})

	d.Register(kernel.CmdTriggerCreate, func(ctx context.Context, cmd *kernel.Command) (any, error) {
		if err := deps.requirePerm(ctx, cmd, auth.PermAgentsSpawn); err != nil {
			return nil, err
		}
		var req struct {
			Name        string          `json:"name"`
			EventType   string          `json:"eventType"`
			EventFilter json.RawMessage `json:"eventFilter"`
			CooldownMS  int64           `json:"cooldownMs"`
			AgentConfig json.RawMessage `json:"agentConfig"`
		}
		if err := cmd.Decode(&req); err != nil {
			return nil, kernel.InvalidArgument("bad trigger payload: %v", err)
		}
		trigger, err := deps.Sched.CreateTrigger(ctx, req.Name, req.EventType, string(req.EventFilter), req.CooldownMS, string(req.AgentConfig), kernel.CallerFrom(ctx).UserID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"trigger": trigger}, nil
	})

	d.Register(kernel.CmdTriggerDelete, func(ctx context.Context, cmd *kernel.Command) (any, error) {
		if err := deps.requirePerm(ctx, cmd, auth.PermAgentsSpawn); err != nil {
			return nil, err
		}
		var req struct {
			ID string `json:"id"`
		}
		if err := cmd.Decode(&req); err != nil {
			return nil, kernel.InvalidArgument("bad trigger payload: %v", err)
		}
		if err := deps.Sched.DeleteTrigger(ctx, req.ID); err != nil {
			return nil, err
		}
		return map[string]any{"id": req.ID, "deleted": true}, nil
	})
}

func registerPluginHandlers(d *kernel.Dispatcher, deps Deps) {
	d.Register(kernel.CmdPluginRegistryList, func(ctx context.Context, cmd *kernel.Command) (any, error) {
		if err := deps.requirePerm(ctx, cmd, auth.PermAgentsView); err != nil {
			return nil, err
		}
		recs, err := deps.Plugins.List(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"plugins": recs}, nil
	})

	d.Register(kernel.CmdPluginRegistryInstall, func(ctx context.Context, cmd *kernel.Command) (any, error) {
		if err := deps.requirePerm(ctx, cmd, auth.PermPluginsManage); err != nil {
			return nil, err
		}
		var req struct {
			Manifest *plugins.Manifest `json:"manifest"`
			Handlers map[string]string `json:"handlers"`
			Source   string            `json:"source"`
		}
		if err := cmd.Decode(&req); err != nil {
			return nil, kernel.InvalidArgument("bad plugin payload: %v", err)
		}
		if req.Manifest == nil {
			return nil, kernel.InvalidArgument("plugin install requires manifest")
		}
		if req.Source == "" {
			req.Source = "local"
		}
		id, err := deps.Plugins.Install(ctx, 0, kernel.CallerFrom(ctx).UserID, req.Manifest, req.Handlers, req.Source)
		if err != nil {
			return nil, err
		}
		return map[string]any{"pluginId": id, "name": req.Manifest.Name}, nil
	})

	d.Register(kernel.CmdPluginRegistryUninstall, func(ctx context.Context, cmd *kernel.Command) (any, error) {
		if err := deps.requirePerm(ctx, cmd, auth.PermPluginsManage); err != nil {
			return nil, err
		}
		var req struct {
			Name string `json:"name"`
		}
		if err := cmd.Decode(&req); err != nil {
			return nil, kernel.InvalidArgument("bad plugin payload: %v", err)
		}
		if err := deps.Plugins.Uninstall(ctx, kernel.CallerFrom(ctx).UserID, req.Name); err != nil {
			return nil, err
		}
		return map[string]any{"name": req.Name, "uninstalled": true}, nil
	})

	pluginToggle := func(enabled bool) kernel.HandlerFunc {
		return func(ctx context.Context, cmd *kernel.Command) (any, error) {
			if err := deps.requirePerm(ctx, cmd, auth.PermPluginsManage); err != nil {
				return nil, err
			}
			var req struct {
				ID string `json:"id"`
			}
			if err := cmd.Decode(&req); err != nil {
				return nil, kernel.InvalidArgument("bad plugin payload: %v", err)
			}
			if err := deps.Store.SetPluginEnabled(ctx, req.ID, enabled); err != nil {
				if err == state.ErrNotFound {
					return nil, kernel.NotFound("no such plugin: %s", req.ID)
				}
				return nil, err
			}
			return map[string]any{"id": req.ID, "enabled": enabled}, nil
		}
	}
	d.Register(kernel.CmdPluginRegistryEnable, pluginToggle(true))
	d.Register(kernel.CmdPluginRegistryDisable, pluginToggle(false))
}

func registerMCPHandlers(d *kernel.Dispatcher, deps Deps) {
	d.Register(kernel.CmdMCPServerConnect, func(ctx context.Context, cmd *kernel.Command) (any, error) {
		if err := deps.requirePerm(ctx, cmd, auth.PermPluginsManage); err != nil {
			return nil, err
		}
		var spec mcp.ServerSpec
		if err := cmd.Decode(&spec); err != nil {
			return nil, kernel.InvalidArgument("bad mcp payload: %v", err)
		}
		if spec.ID == "" {
			spec.ID = uuid.New().String()
		}
		if err := deps.MCP.Connect(ctx, spec); err != nil {
			return nil, err
		}
		return map[string]any{"serverId": spec.ID, "connected": true}, nil
	})

	d.Register(kernel.CmdMCPServerDisconnect, func(ctx context.Context, cmd *kernel.Command) (any, error) {
		if err := deps.requirePerm(ctx, cmd, auth.PermPluginsManage); err != nil {
			return nil, err
		}
		var req struct {
			ServerID string `json:"serverId"`
		}
		if err := cmd.Decode(&req); err != nil {
			return nil, kernel.InvalidArgument("bad mcp payload: %v", err)
		}
		if err := deps.MCP.Disconnect(ctx, req.ServerID); err != nil {
			return nil, err
		}
		return map[string]any{"serverId": req.ServerID, "connected": false}, nil
	})

	d.Register(kernel.CmdMCPServerList, func(ctx context.Context, cmd *kernel.Command) (any, error) {
		if err := deps.requirePerm(ctx, cmd, auth.PermAgentsView); err != nil {
			return nil, err
		}
		recs, err := deps.MCP.ListServers(ctx)
		if err != nil {
			return nil, err
		}
		servers := make([]map[string]any, 0, len(recs))
		for _, rec := range recs {
			servers = append(servers, map[string]any{
				"server":    rec,
				"connected": deps.MCP.IsConnected(rec.ID),
			})
		}
		return map[string]any{"servers": servers}, nil
	})
}

func registerKernelHandlers(d *kernel.Dispatcher, deps Deps) {
	d.Register(kernel.CmdKernelStatus, func(ctx context.Context, cmd *kernel.Command) (any, error) {
		status := map[string]any{
			"version":       deps.Version,
			"uptimeSeconds": int(time.Since(deps.StartedAt).Seconds()),
			"processes":     deps.Proc.LiveCount(),
			"docker":        false,
			"containers":    0,
		}
		if deps.Clients != nil {
			status["clients"] = deps.Clients()
		}
		if deps.Container != nil {
			if err := deps.Container.Ping(ctx); err == nil {
				status["docker"] = true
				if n, err := deps.Container.Count(ctx); err == nil {
					status["containers"] = n
				}
			}
		}
		if deps.Router != nil {
			status["cluster"] = map[string]any{
				"hub":   deps.Router.IsHub(),
				"nodes": deps.Router.Nodes(),
			}
		}
		return status, nil
	})
}
