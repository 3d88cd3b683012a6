package ws

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Time allowed to write a frame to the peer.
const writeWait = 10 * time.Second

// Client is one websocket connection. The identity and room fields are
// guarded by the hub's mutex.
type Client struct {
	id      string
	hub     *Hub
	conn    *websocket.Conn
	limiter *rate.Limiter

	// Buffered outbound frames. A nil frame asks the write pump to send a
	// close message and stop.
	send chan []byte
	ping chan struct{}
	done chan struct{}

	closeOnce     sync.Once
	lastSeen      atomic.Int64
	authenticated atomic.Bool
	authTimer     *time.Timer

	email string
	name  string
	room  string
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	c := &Client{
		id:      uuid.NewString(),
		hub:     h,
		conn:    conn,
		limiter: rate.NewLimiter(h.opts.RateLimit, h.opts.RateBurst),
		send:    make(chan []byte, h.opts.SendBuffer),
		ping:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	c.touch()
	return c
}

func (c *Client) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *Client) lastSeenAt() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// close tears the connection down. Safe to call from any goroutine.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.authTimer != nil {
			c.authTimer.Stop()
		}
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// enqueue queues frame without blocking. A client whose buffer is full is
// disconnected.
func (c *Client) enqueue(frame []byte) bool {
	if c.closed() {
		return false
	}
	select {
	case c.send <- frame:
		c.hub.stats.framesSent.Add(1)
		c.hub.metrics.FramesSent.Inc()
		return true
	default:
		c.hub.log.Warn("send buffer full, closing connection", "conn", c.id)
		c.hub.metrics.SlowConsumers.Inc()
		c.close()
		return false
	}
}

// closeWith sends frame followed by a close message, then ends the
// connection.
func (c *Client) closeWith(frame []byte) {
	if !c.enqueue(frame) {
		return
	}
	select {
	case c.send <- nil:
	default:
		c.close()
	}
}

func (c *Client) requestPing() {
	select {
	case c.ping <- struct{}{}:
	default:
	}
}

func (c *Client) readPump(s *session) {
	defer func() {
		c.hub.unregisterClient(c)
		c.close()
	}()

	c.conn.SetReadLimit(c.hub.opts.MaxFrameBytes)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.hub.log.Debug("read error", "conn", c.id, "err", err)
			}
			return
		}
		c.touch()
		s.handle(data)
	}
}

func (c *Client) writePump() {
	defer c.close()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if frame == nil {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-c.ping:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// ServeWS upgrades the request and starts the connection's pumps. Origins
// outside the allow-list are refused with 403 before any frame is exchanged.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	c := newClient(h, conn)
	s := newSession(h, c)
	c.authTimer = time.AfterFunc(h.opts.AuthTimeout, func() {
		if c.authenticated.Load() {
			return
		}
		h.log.Info("authentication timeout", "conn", c.id)
		if frame, err := encodeFrame(eventError, errorPayload{Message: "Authentication timeout", Code: codeUnauthenticated}); err == nil {
			c.closeWith(frame)
		} else {
			c.close()
		}
	})
	if !h.registerClient(c) {
		c.close()
		return
	}
	h.log.Info("new connection", "conn", c.id, "remote", r.RemoteAddr)

	go c.writePump()
	go c.readPump(s)
}
