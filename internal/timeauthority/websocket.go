package timeauthority

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"racesync/internal/station"
)

// WebSocketAuthority keeps one connection open to the hub and asks for the
// time over it. The connection is dialed in Prepare, before the estimator
// samples T0, so the handshake does not inflate the round trip.
type WebSocketAuthority struct {
	url    string
	dialer *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

var (
	_ station.TimeAuthority = (*WebSocketAuthority)(nil)
	_ station.Preparer      = (*WebSocketAuthority)(nil)
)

// NewWebSocketAuthority creates an authority for a ws:// or wss:// url.
func NewWebSocketAuthority(url string) *WebSocketAuthority {
	return &WebSocketAuthority{
		url:    url,
		dialer: websocket.DefaultDialer,
	}
}

// Prepare dials the connection if none is open.
func (a *WebSocketAuthority) Prepare(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dialLocked(ctx)
}

func (a *WebSocketAuthority) dialLocked(ctx context.Context) error {
	if a.conn != nil {
		return nil
	}
	conn, _, err := a.dialer.DialContext(ctx, a.url, nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: dialing %s: %w", station.ErrTimeout, a.url, err)
		}
		return fmt.Errorf("%w: dialing %s: %w", station.ErrNetwork, a.url, err)
	}
	a.conn = conn
	return nil
}

// ServerTime sends one time request and waits for the reply. Any failure
// drops the connection; the next call redials.
func (a *WebSocketAuthority) ServerTime(ctx context.Context) (time.Time, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.dialLocked(ctx); err != nil {
		return time.Time{}, err
	}
	conn := a.conn

	deadline, _ := ctx.Deadline()
	conn.SetWriteDeadline(deadline)
	conn.SetReadDeadline(deadline)

	// Unblock the read if ctx is cancelled without a deadline.
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if err := conn.WriteJSON(TimeRequest{Type: requestTypeTime}); err != nil {
		a.dropLocked()
		return time.Time{}, a.wrap(ctx, "sending time request", err)
	}

	var tr TimeResponse
	if err := conn.ReadJSON(&tr); err != nil {
		a.dropLocked()
		return time.Time{}, a.wrap(ctx, "reading time response", err)
	}
	if tr.Error != "" {
		return time.Time{}, fmt.Errorf("time authority error: %s", tr.Error)
	}
	if tr.UnixMs <= 0 {
		return time.Time{}, fmt.Errorf("time response has no unix_ms")
	}
	return tr.Time(), nil
}

// Close closes the connection if one is open.
func (a *WebSocketAuthority) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	err := a.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	a.dropLocked()
	return err
}

func (a *WebSocketAuthority) dropLocked() {
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
}

func (a *WebSocketAuthority) wrap(ctx context.Context, doing string, err error) error {
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s: %w", station.ErrTimeout, doing, err)
		}
		return fmt.Errorf("%s: %w", doing, ctx.Err())
	}
	return fmt.Errorf("%w: %s: %w", station.ErrNetwork, doing, err)
}
