// Package httpapi serves the REST plane next to the /kernel WebSocket:
// health, history queries, plugin registry access, uploads, and raw file
// streaming. All /api routes except auth require a Bearer token.
package httpapi

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aether-os/aether/internal/auth"
	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/integrations"
	"github.com/aether-os/aether/internal/mcp"
	"github.com/aether-os/aether/internal/plugins"
	"github.com/aether-os/aether/internal/proc"
	"github.com/aether-os/aether/internal/sandbox"
	"github.com/aether-os/aether/internal/scheduler"
	"github.com/aether-os/aether/internal/state"
	"github.com/aether-os/aether/internal/vfs"
	"github.com/aether-os/aether/pkg/kernel"
)

// Server registers the REST routes. Container and Router may be nil.
type Server struct {
	Auth         *auth.Manager
	Store        *state.Store
	Proc         *proc.Manager
	FS           *vfs.FS
	Plugins      *plugins.Manager
	MCP          *mcp.Manager
	Container    sandbox.ContainerBackend
	Router       *scheduler.Router
	Integrations *integrations.Manager
	GPU          *GPUProbe
	StartedAt    time.Time
	Version      string

	logger *logger.Logger
}

// New creates the REST server.
func New(log *logger.Logger) *Server {
	return &Server{
		GPU:    NewGPUProbe(),
		logger: log.WithFields(zap.String("component", "httpapi")),
	}
}

// SetupRoutes adds all REST routes to the Gin engine.
func (s *Server) SetupRoutes(router *gin.Engine) {
	router.GET("/health", s.handleHealth)

	api := router.Group("/api")
	api.POST("/auth/login", s.handleLogin)
	api.POST("/auth/register", s.handleRegister)

	authed := api.Group("")
	authed.Use(s.authMiddleware())
	authed.GET("/processes", s.handleProcesses)
	authed.GET("/kernel", s.handleKernel)
	authed.GET("/history/processes", s.handleHistoryProcesses)
	authed.GET("/history/logs", s.handleHistoryLogs)
	authed.GET("/history/logs/:pid", s.handleHistoryLogsForPID)
	authed.GET("/history/files", s.handleHistoryFiles)
	authed.GET("/history/metrics", s.handleHistoryMetrics)
	authed.GET("/plugins/:pid", s.handlePluginsForPID)
	authed.POST("/plugins/:pid/install", s.handlePluginInstall)
	authed.GET("/cluster", s.handleCluster)
	authed.GET("/gpu", s.handleGPU)
	authed.GET("/gpu/stats", s.handleGPUStats)
	authed.POST("/fs/upload", s.handleUpload)
	authed.GET("/fs/raw", s.handleRaw)
	s.setupIntegrationRoutes(authed)
}

// CORSMiddleware allows any origin; OPTIONS preflight returns 204.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

const callerKey = "kernel.caller"

// authMiddleware resolves the Bearer token and aborts with 401 on failure.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token == "" {
			token = c.Query("token")
		}
		user, err := s.Auth.ValidateToken(c.Request.Context(), token)
		if err != nil {
			s.abortError(c, err)
			return
		}
		if user == nil {
			s.abortError(c, kernel.Unauthorized("authentication required"))
			return
		}
		c.Set(callerKey, &kernel.Caller{UserID: user.ID, Username: user.Username, Role: user.Role})
		c.Next()
	}
}

func (s *Server) caller(c *gin.Context) *kernel.Caller {
	v, _ := c.Get(callerKey)
	caller, _ := v.(*kernel.Caller)
	return caller
}

// httpStatus maps the wire error taxonomy onto HTTP status codes.
func httpStatus(code string) int {
	switch code {
	case kernel.CodeUnauthorized:
		return http.StatusUnauthorized
	case kernel.CodeForbidden:
		return http.StatusForbidden
	case kernel.CodeNotFound:
		return http.StatusNotFound
	case kernel.CodeConflict:
		return http.StatusConflict
	case kernel.CodeInvalidArgument, kernel.CodeUnknownCommand:
		return http.StatusBadRequest
	case kernel.CodeTimeout:
		return http.StatusGatewayTimeout
	case kernel.CodeSandboxUnavailable:
		return http.StatusServiceUnavailable
	case kernel.CodeNetworkError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) abortError(c *gin.Context, err error) {
	kerr := kernel.AsError(err)
	c.AbortWithStatusJSON(httpStatus(kerr.Code), gin.H{"error": kerr})
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx := c.Request.Context()
	docker := false
	containers := 0
	if s.Container != nil {
		if err := s.Container.Ping(ctx); err == nil {
			docker = true
			if n, err := s.Container.Count(ctx); err == nil {
				containers = n
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"version":    s.Version,
		"uptime":     int(time.Since(s.StartedAt).Seconds()),
		"processes":  s.Proc.LiveCount(),
		"docker":     docker,
		"containers": containers,
	})
}

func (s *Server) handleLogin(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortError(c, kernel.InvalidArgument("bad login payload: %v", err))
		return
	}
	token, user, err := s.Auth.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "user": user})
}

func (s *Server) handleRegister(c *gin.Context) {
	var req struct {
		Username    string `json:"username"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortError(c, kernel.InvalidArgument("bad register payload: %v", err))
		return
	}
	user, err := s.Auth.CreateUser(c.Request.Context(), req.Username, req.Password, req.DisplayName, "user")
	if err != nil {
		s.abortError(c, err)
		return
	}
	token, _, err := s.Auth.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"token": token, "user": user})
}

func (s *Server) handleProcesses(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"processes": s.Proc.List()})
}

func (s *Server) handleKernel(c *gin.Context) {
	ctx := c.Request.Context()
	status := gin.H{
		"version":       s.Version,
		"uptimeSeconds": int(time.Since(s.StartedAt).Seconds()),
		"processes":     s.Proc.LiveCount(),
		"docker":        false,
		"containers":    0,
	}
	if s.Container != nil {
		if err := s.Container.Ping(ctx); err == nil {
			status["docker"] = true
			if n, err := s.Container.Count(ctx); err == nil {
				status["containers"] = n
			}
		}
	}
	if s.Router != nil {
		status["cluster"] = gin.H{"hub": s.Router.IsHub(), "nodes": s.Router.Nodes()}
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleHistoryProcesses(c *gin.Context) {
	recs, err := s.Store.GetAllProcesses(c.Request.Context())
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"processes": recs})
}

func (s *Server) handleHistoryLogs(c *gin.Context) {
	limit := intQuery(c, "limit", 200)
	logs, err := s.Store.GetAllAgentLogs(c.Request.Context(), limit)
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

func (s *Server) handleHistoryLogsForPID(c *gin.Context) {
	pid, err := strconv.ParseUint(c.Param("pid"), 10, 64)
	if err != nil {
		s.abortError(c, kernel.InvalidArgument("bad pid: %s", c.Param("pid")))
		return
	}
	logs, err := s.Store.GetAgentLogs(c.Request.Context(), pid)
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pid": pid, "logs": logs})
}

func (s *Server) handleHistoryFiles(c *gin.Context) {
	files, err := s.Store.GetAllFiles(c.Request.Context())
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": files})
}

func (s *Server) handleHistoryMetrics(c *gin.Context) {
	limit := intQuery(c, "limit", 100)
	metrics, err := s.Store.GetRecentMetrics(c.Request.Context(), limit)
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"metrics": metrics})
}

// handlePluginsForPID lists the plugin surface visible to one process: the
// owner's installed plugins plus the shared MCP tool set.
func (s *Server) handlePluginsForPID(c *gin.Context) {
	pid, err := strconv.ParseUint(c.Param("pid"), 10, 64)
	if err != nil {
		s.abortError(c, kernel.InvalidArgument("bad pid: %s", c.Param("pid")))
		return
	}
	recs, err := s.Plugins.List(c.Request.Context())
	if err != nil {
		s.abortError(c, err)
		return
	}
	ownerUID := s.ownerOf(c, pid)
	owned := make([]*state.PluginRecord, 0, len(recs))
	for _, rec := range recs {
		if rec.OwnerUID == ownerUID {
			owned = append(owned, rec)
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"pid":      pid,
		"plugins":  owned,
		"mcpTools": s.MCP.GetTools(),
	})
}

func (s *Server) handlePluginInstall(c *gin.Context) {
	pid, err := strconv.ParseUint(c.Param("pid"), 10, 64)
	if err != nil {
		s.abortError(c, kernel.InvalidArgument("bad pid: %s", c.Param("pid")))
		return
	}
	var req struct {
		Manifest *plugins.Manifest `json:"manifest"`
		Handlers map[string]string `json:"handlers"`
		Source   string            `json:"source"`
		URL      string            `json:"url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || (req.Manifest == nil && req.URL == "") {
		s.abortError(c, kernel.InvalidArgument("plugin install requires manifest or url"))
		return
	}
	if req.URL != "" {
		id, err := s.Plugins.InstallFromArchive(c.Request.Context(), pid, s.ownerOf(c, pid), req.URL)
		if err != nil {
			s.abortError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"pluginId": id, "url": req.URL})
		return
	}
	if req.Source == "" {
		req.Source = "local"
	}
	id, err := s.Plugins.Install(c.Request.Context(), pid, s.ownerOf(c, pid), req.Manifest, req.Handlers, req.Source)
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"pluginId": id, "name": req.Manifest.Name})
}

// ownerOf resolves the uid owning a pid, falling back to the caller.
func (s *Server) ownerOf(c *gin.Context, pid uint64) string {
	if mp, ok := s.Proc.Get(pid); ok {
		return mp.Record().OwnerUID
	}
	if rec, err := s.Store.GetProcess(c.Request.Context(), pid); err == nil {
		return rec.OwnerUID
	}
	return s.caller(c).UserID
}

func (s *Server) handleCluster(c *gin.Context) {
	if s.Router == nil {
		c.JSON(http.StatusOK, gin.H{"mode": "standalone", "nodes": []any{}})
		return
	}
	mode := "node"
	if s.Router.IsHub() {
		mode = "hub"
	}
	c.JSON(http.StatusOK, gin.H{"mode": mode, "nodes": s.Router.Nodes()})
}

func (s *Server) handleGPU(c *gin.Context) {
	devices, err := s.GPU.Devices(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"available": false, "gpus": []any{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"available": len(devices) > 0, "gpus": devices})
}

func (s *Server) handleGPUStats(c *gin.Context) {
	stats, err := s.GPU.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"available": false, "stats": []any{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"available": len(stats) > 0, "stats": stats})
}

func (s *Server) handleUpload(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		s.abortError(c, kernel.InvalidArgument("upload requires path"))
		return
	}
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, 64<<20))
	if err != nil {
		s.abortError(c, err)
		return
	}
	if err := s.FS.Upload(c.Request.Context(), s.caller(c).UserID, path, data); err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"path": path, "size": len(data)})
}

func (s *Server) handleRaw(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		s.abortError(c, kernel.InvalidArgument("raw requires path"))
		return
	}
	data, err := s.FS.Read(c.Request.Context(), s.caller(c).UserID, path)
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", data)
}

func intQuery(c *gin.Context, name string, def int) int {
	if v := c.Query(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
