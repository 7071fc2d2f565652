package portal

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// reconnectFloor and reconnectCeiling bound the channel's reconnect
// backoff. The system this gateway is modeled on reconnects on a flat
// 10-second sleep; this instead holds a 10-second linear step for the
// first minute, then grows exponentially past repeated failures instead
// of hammering a portal that's actually down, capping at reconnectCeiling.
const (
	reconnectFloor     = 10 * time.Second
	reconnectLinearFor = time.Minute
	reconnectCeiling   = 5 * time.Minute
)

type inboundMessage struct {
	Type    string          `json:"type"`
	Command json.RawMessage `json:"command"`
}

type authMessage struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// Command is a remote instruction pushed down the channel.
type Command struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Channel maintains a persistent WebSocket connection to the portal for
// push notifications: configuration updates and remote commands.
type Channel struct {
	URL    string
	APIKey string
	Logger *slog.Logger

	// OnConfigUpdate fires when the portal pushes a config_update
	// message, so the caller can trigger an out-of-band sync.
	OnConfigUpdate func()

	// OnCommand fires for every command message the portal pushes.
	OnCommand func(Command)

	dialer *websocket.Dialer
}

// NewChannel returns a Channel with default dial settings.
func NewChannel(url, apiKey string, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		URL:    url,
		APIKey: apiKey,
		Logger: logger,
		dialer: &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
	}
}

// Run dials the portal and processes messages until ctx is cancelled,
// reconnecting with backoff on every disconnect.
func (c *Channel) Run(ctx context.Context) {
	if c.URL == "" {
		return
	}

	wait := reconnectFloor
	elapsed := time.Duration(0)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.connectAndServe(ctx); err != nil {
			c.Logger.Warn("websocket channel disconnected, reconnecting", "error", err, "wait", wait)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		elapsed += wait
		wait = nextReconnectWait(wait, elapsed)
	}
}

// nextReconnectWait advances the backoff by reconnectFloor linear steps
// while the channel has been retrying for under reconnectLinearFor, then
// switches to doubling the wait, capped at reconnectCeiling.
func nextReconnectWait(wait, elapsed time.Duration) time.Duration {
	if elapsed < reconnectLinearFor {
		wait += reconnectFloor
	} else {
		wait *= 2
	}
	if wait > reconnectCeiling {
		wait = reconnectCeiling
	}
	return wait
}

// connectAndServe dials once and blocks until the connection drops or ctx
// is cancelled. It returns nil only on ctx cancellation; any other return
// is a disconnect. Run does not reset its backoff after a successful
// connection, so the wait keeps growing across reconnects.
func (c *Channel) connectAndServe(ctx context.Context) error {
	header := http.Header{}
	conn, _, err := c.dialer.DialContext(ctx, c.URL, header)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.WriteJSON(authMessage{Type: "auth", Token: c.APIKey}); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		conn.Close()
		close(done)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}

		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.Logger.Warn("malformed websocket message", "error", err)
			continue
		}
		c.dispatch(conn, msg)
	}
}

func (c *Channel) dispatch(conn *websocket.Conn, msg inboundMessage) {
	switch msg.Type {
	case "auth_success":
		c.Logger.Info("websocket authenticated")
	case "config_update":
		c.Logger.Info("configuration update pushed")
		if c.OnConfigUpdate != nil {
			c.OnConfigUpdate()
		}
	case "command":
		var cmd Command
		if err := json.Unmarshal(msg.Command, &cmd); err != nil {
			c.Logger.Warn("malformed command payload", "error", err)
			return
		}
		c.Logger.Info("received command", "type", cmd.Type)
		if c.OnCommand != nil {
			c.OnCommand(cmd)
		}
	case "ping":
		_ = conn.WriteJSON(map[string]string{"type": "pong"})
	case "pong":
		// heartbeat ack from the portal; nothing to do.
	default:
		c.Logger.Debug("unhandled websocket message type", "type", msg.Type)
	}
}
