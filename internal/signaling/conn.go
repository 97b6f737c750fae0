package signaling

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const maxMessageSize = 128 << 10

// Conn is one authenticated websocket. Exactly one goroutine (writePump) writes to ws.
type Conn struct {
	id     string
	userID string
	role   string

	ws   *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
	log       *slog.Logger
}

func newConn(ws *websocket.Conn, userID, role string, buffer int, log *slog.Logger) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:     id,
		userID: userID,
		role:   role,
		ws:     ws,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		log:    log.With(slog.String("conn_id", id), slog.String("user_id", userID)),
	}
}

func (c *Conn) ID() string     { return c.id }
func (c *Conn) UserID() string { return c.userID }
func (c *Conn) Role() string   { return c.role }

// enqueue never blocks. A full queue or closed connection is a failed delivery.
func (c *Conn) enqueue(frame []byte) error {
	select {
	case <-c.done:
		return ErrDeliveryFailed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrDeliveryFailed
	}
}

// closeAfterFlush lets queued frames go out, then closes with a normal close frame.
func (c *Conn) closeAfterFlush() {
	if err := c.enqueue(nil); err != nil {
		c.close()
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// writePump drains send. A nil frame means close after everything before it was written.
func (c *Conn) writePump(pingInterval, writeTimeout time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if frame == nil {
				_ = c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session replaced"))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug("websocket write failed", slog.Any("err", err))
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Debug("websocket ping failed", slog.Any("err", err))
				return
			}

		case <-c.done:
			return
		}
	}
}
