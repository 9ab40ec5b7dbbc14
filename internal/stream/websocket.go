package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lalithlochan/relay/internal/identity"
)

const (
	writeWait = 10 * time.Second
	readLimit = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWebSocket upgrades the request and runs the same loop as Serve over
// text frames of the form {"event": ..., "data": ...}. Heartbeats are sent as
// heartbeat events followed by a ping. Inbound frames are discarded; a read
// error ends the stream.
func ServeWebSocket(w http.ResponseWriter, r *http.Request, hub *Hub, heartbeat time.Duration, logger *zap.Logger) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		return fmt.Errorf("websocket upgrade: %w", err)
	}
	defer conn.Close()

	sub := hub.SubscribeTenant(identity.TenantID(r.Context()))
	defer hub.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadLimit(readLimit)
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(ev Event) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(ev); err != nil {
			return err
		}
		if ev.Name == HeartbeatEvent {
			return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
		}
		return nil
	}

	err = run(ctx, sub, heartbeat, send)
	if isDisconnect(err) || errors.Is(err, websocket.ErrCloseSent) {
		logger.Debug("websocket client disconnected", zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		return nil
	}
	return err
}
