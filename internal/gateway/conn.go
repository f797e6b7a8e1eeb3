package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
	"github.com/loqalabs/loqa-transcribe/internal/session"
)

// maxCloseReason is the payload limit of a close frame minus the status code.
const maxCloseReason = 123

// wsConn adapts a websocket to session.Conn. Binary frames are audio;
// text frames are ignored.
type wsConn struct {
	conn         *websocket.Conn
	idleTimeout  time.Duration
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newWSConn(conn *websocket.Conn, idleTimeout, writeTimeout time.Duration) *wsConn {
	return &wsConn{
		conn:         conn,
		idleTimeout:  idleTimeout,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

func (c *wsConn) Receive(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", session.ErrDisconnected, err)
		}
		var deadline time.Time
		if c.idleTimeout > 0 {
			deadline = time.Now().Add(c.idleTimeout)
		}
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return nil, fmt.Errorf("%w: %w", session.ErrDisconnected, err)
		}

		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				c.Abort(session.ClosePolicyViolation, "idle timeout")
				return nil, session.ErrIdleTimeout
			}
			return nil, fmt.Errorf("%w: %w", session.ErrDisconnected, err)
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

func (c *wsConn) Send(ctx context.Context, evt protocol.StreamEvent) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return session.ErrDisconnected
	default:
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return fmt.Errorf("%w: %w", session.ErrDisconnected, err)
	}
	if err := c.conn.WriteJSON(evt); err != nil {
		return fmt.Errorf("%w: %w", session.ErrDisconnected, err)
	}
	return nil
}

// Abort sends a close frame with code and drops the connection. Only the
// first call has an effect.
func (c *wsConn) Abort(code int, reason string) {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, closeReason(reason))
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
		_ = c.conn.Close()
		close(c.done)
	})
}

func (c *wsConn) close() {
	c.Abort(websocket.CloseNormalClosure, "")
}

// keepAlive pings the peer until the connection is closed.
func (c *wsConn) keepAlive(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				return
			}
		}
	}
}

// closeReason cuts reason to fit a close frame without splitting a rune.
func closeReason(reason string) string {
	if len(reason) <= maxCloseReason {
		return reason
	}
	end := maxCloseReason
	for end > 0 && !utf8.RuneStart(reason[end]) {
		end--
	}
	return reason[:end]
}
