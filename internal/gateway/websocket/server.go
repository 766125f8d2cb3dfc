package websocket

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/pkg/kernel"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Gateway ties the hub, the dispatcher, and the upgrade handler together.
type Gateway struct {
	Hub        *Hub
	Dispatcher *kernel.Dispatcher

	auth    Authenticator
	version string
	logger  *logger.Logger
}

// NewGateway creates the kernel gateway and registers all command handlers.
func NewGateway(deps Deps, version string, log *logger.Logger) *Gateway {
	dispatcher := kernel.NewDispatcher()
	hub := NewHub(dispatcher, log)
	deps.Clients = hub.ClientCount
	RegisterHandlers(dispatcher, deps)
	return &Gateway{
		Hub:        hub,
		Dispatcher: dispatcher,
		auth:       deps.Auth,
		version:    version,
		logger:     log.WithFields(zap.String("component", "kernel-gateway")),
	}
}

// SetupRoutes adds the /kernel route to the Gin engine.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/kernel", g.HandleConnection)
}

// HandleConnection upgrades HTTP to WebSocket and runs the client pumps.
// A valid ?token= (or Bearer header) binds the caller at upgrade time;
// without one the peer must auth.login on the socket.
func (g *Gateway) HandleConnection(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}

	var caller *kernel.Caller
	if token != "" {
		user, err := g.auth.ValidateToken(c.Request.Context(), token)
		if err != nil {
			g.logger.Error("token validation failed", zap.Error(err))
		}
		if user != nil {
			caller = &kernel.Caller{UserID: user.ID, Username: user.Username, Role: user.Role}
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	g.logger.Debug("kernel connection established",
		zap.String("client_id", clientID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	client := NewClient(clientID, conn, g.Hub, g.auth, caller, g.logger)
	g.Hub.Register(client)

	client.SendEvent(kernel.NewEvent(kernel.EvtKernelReady, map[string]any{
		"version":   g.version,
		"timestamp": time.Now().UTC(),
	}))

	go client.WritePump()
	client.ReadPump(context.Background())
}
