package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/state"
	"github.com/aether-os/aether/pkg/kernel"
)

const (
	// Time allowed to write a frame to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB

	// Ceiling for one command round trip
	rpcTimeout = 30 * time.Second
)

// Authenticator resolves tokens to users. Implemented by auth.Manager.
type Authenticator interface {
	ValidateToken(ctx context.Context, token string) (*state.User, error)
}

// Client represents a single kernel WebSocket connection.
type Client struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte
	auth Authenticator

	mu     sync.RWMutex
	caller *kernel.Caller

	logger *logger.Logger
}

// NewClient creates a client. caller may be nil until the peer logs in.
func NewClient(id string, conn *websocket.Conn, hub *Hub, auth Authenticator, caller *kernel.Caller, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, 256),
		auth:   auth,
		caller: caller,
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

// Caller returns the authenticated caller behind this connection, or nil.
func (c *Client) Caller() *kernel.Caller {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.caller
}

func (c *Client) setCaller(caller *kernel.Caller) {
	c.mu.Lock()
	c.caller = caller
	c.mu.Unlock()
}

// ReadPump pumps frames from the WebSocket connection into the dispatcher.
// Each command runs on its own worker; the pump never blocks on a handler.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			break
		}

		cmd, err := kernel.ParseCommand(message)
		if err != nil {
			c.SendEvent(kernel.Err("", kernel.InvalidArgument("malformed frame: %v", err)))
			continue
		}

		go c.handleCommand(ctx, cmd)
	}
}

// handleCommand dispatches one command under the RPC ceiling and sends
// exactly one response frame.
func (c *Client) handleCommand(ctx context.Context, cmd *kernel.Command) {
	c.logger.Debug("received command",
		zap.String("type", cmd.Type),
		zap.String("cmd_id", cmd.ID))

	cmdCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	if caller := c.Caller(); caller != nil {
		cmdCtx = kernel.WithCaller(cmdCtx, caller)
	}

	done := make(chan *kernel.Event, 1)
	go func() {
		done <- c.hub.dispatcher.Dispatch(cmdCtx, cmd)
	}()

	select {
	case resp := <-done:
		c.bindAuth(ctx, cmd, resp)
		c.SendEvent(resp)
	case <-cmdCtx.Done():
		c.SendEvent(kernel.Err(cmd.ID, kernel.E(kernel.CodeTimeout, "command timed out: %s", cmd.Type)))
	}
}

// bindAuth promotes the connection to authenticated after a successful
// auth.login or auth.register by resolving the token the handler returned.
func (c *Client) bindAuth(ctx context.Context, cmd *kernel.Command, resp *kernel.Event) {
	if resp.Type != kernel.TypeResponseOK {
		return
	}
	if cmd.Type != kernel.CmdAuthLogin && cmd.Type != kernel.CmdAuthRegister {
		return
	}
	data, ok := resp.Fields["data"].(map[string]any)
	if !ok {
		return
	}
	token, ok := data["token"].(string)
	if !ok || token == "" {
		return
	}
	user, err := c.auth.ValidateToken(ctx, token)
	if err != nil || user == nil {
		return
	}
	c.setCaller(&kernel.Caller{UserID: user.ID, Username: user.Username, Role: user.Role})
	c.logger.Debug("connection authenticated", zap.String("username", user.Username))
}

// SendEvent marshals and queues one frame for this client.
func (c *Client) SendEvent(event *kernel.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		c.logger.Error("failed to marshal frame", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client send buffer full")
	}
}

// WritePump pumps queued frames to the WebSocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
