package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/relay/internal/identity"
)

// HeartbeatEvent is the event name written when the heartbeat interval passes.
const HeartbeatEvent = "heartbeat"

// Serve streams hub events to w as server-sent events until the request
// context ends or a write fails. The subscription is scoped to the tenant of
// the request identity and is always released.
func Serve(w http.ResponseWriter, r *http.Request, hub *Hub, heartbeat time.Duration, logger *zap.Logger) error {
	rc := http.NewResponseController(w)
	// streams outlive the server's WriteTimeout
	_ = rc.SetWriteDeadline(time.Time{})

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return fmt.Errorf("flush stream headers: %w", err)
	}

	sub := hub.SubscribeTenant(identity.TenantID(r.Context()))
	defer hub.Unsubscribe(sub)

	send := func(ev Event) error {
		if err := writeSSE(w, ev); err != nil {
			return err
		}
		return rc.Flush()
	}

	err := run(r.Context(), sub, heartbeat, send)
	if isDisconnect(err) {
		logger.Debug("stream client disconnected", zap.Error(err))
		return nil
	}
	return err
}

// run is the dispatch loop shared by the SSE and WebSocket transports.
// Queued events are sent immediately and a heartbeat is sent whenever the
// interval passes without one.
func run(ctx context.Context, sub *Subscription, heartbeat time.Duration, send func(Event) error) error {
	timer := time.NewTimer(heartbeat)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-sub.Ready():
			for {
				ev, ok, err := sub.Pop()
				if err != nil {
					return err
				}
				if !ok {
					break
				}
				if err := send(ev); err != nil {
					return err
				}
			}
			resetTimer(timer, heartbeat)

		case <-timer.C:
			if err := send(Event{Name: HeartbeatEvent, Data: []byte(`{}`)}); err != nil {
				return err
			}
			timer.Reset(heartbeat)
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

var eventNameCleaner = strings.NewReplacer("\r", "", "\n", "")

// writeSSE frames ev as one server-sent event. Line breaks are stripped from
// the name, and each line of the data gets its own data field so a payload
// cannot end the event early.
func writeSSE(w io.Writer, ev Event) error {
	var b strings.Builder
	b.WriteString("event: ")
	b.WriteString(eventNameCleaner.Replace(ev.Name))
	b.WriteByte('\n')

	data := strings.ReplaceAll(string(ev.Data), "\r\n", "\n")
	data = strings.ReplaceAll(data, "\r", "\n")
	for _, line := range strings.Split(data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')

	_, err := io.WriteString(w, b.String())
	return err
}

func isDisconnect(err error) bool {
	return err == nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrUnsubscribed)
}
