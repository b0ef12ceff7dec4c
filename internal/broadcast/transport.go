package broadcast

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// wsTransport implements Sender over a single upgraded websocket
// connection, with a buffered send channel drained by a dedicated write
// pump goroutine.
type wsTransport struct {
	conn   net.Conn
	send   chan []byte
	closed int32
}

func newWSTransport(conn net.Conn) *wsTransport {
	return &wsTransport{conn: conn, send: make(chan []byte, 256)}
}

// Send enqueues payload for the write pump. Non-blocking: a full buffer
// means a slow client, so Send fails fast rather than stalling the
// broadcaster.
func (t *wsTransport) Send(payload []byte) error {
	if atomic.LoadInt32(&t.closed) == 1 {
		return net.ErrClosed
	}
	select {
	case t.send <- payload:
		return nil
	default:
		return errSendBufferFull
	}
}

var errSendBufferFull = errors.New("send buffer full")

func (t *wsTransport) close() {
	if atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		close(t.send)
	}
}

// writePump batches queued frames and flushes them in one syscall,
// pinging on an idle timer.
func (t *wsTransport) writePump(logger zerolog.Logger) {
	writer := bufio.NewWriter(t.conn)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		t.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-t.send:
			if !ok {
				wsutil.WriteServerMessage(t.conn, ws.OpClose, nil)
				return
			}
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(writer, ws.OpText, msg); err != nil {
				return
			}
			n := len(t.send)
			for i := 0; i < n; i++ {
				msg = <-t.send
				if err := wsutil.WriteServerMessage(writer, ws.OpText, msg); err != nil {
					return
				}
			}
			if err := writer.Flush(); err != nil {
				return
			}
		case <-ticker.C:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(t.conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains and discards client frames (this pipeline has no
// client→server protocol beyond keepalive), detecting disconnects.
func (t *wsTransport) readPump(manager *Manager, id string, logger zerolog.Logger) {
	defer func() {
		manager.Disconnect(id)
		t.close()
	}()

	t.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		_, op, err := wsutil.ReadClientData(t.conn)
		if err != nil {
			return
		}
		t.conn.SetReadDeadline(time.Now().Add(pongWait))
		if op == ws.OpClose {
			return
		}
	}
}

// Server upgrades incoming HTTP requests to websocket connections and
// registers each as a Manager subscriber, rejecting attempts that exceed
// the connection rate limiter.
type Server struct {
	manager *Manager
	limiter *ConnectionRateLimiter
	logger  zerolog.Logger
}

// NewServer builds an upgrade handler bound to manager, rate-limited by
// limiter (pass nil to disable rate limiting, e.g. in tests).
func NewServer(manager *Manager, limiter *ConnectionRateLimiter, logger zerolog.Logger) *Server {
	return &Server{manager: manager, limiter: limiter, logger: logger}
}

// ServeHTTP upgrades the connection and starts its read/write pumps.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow(r.RemoteAddr) {
		http.Error(w, "connection rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	id := "ws-" + uuid.NewString()
	t := newWSTransport(conn)
	s.manager.Connect(id, t)

	go t.writePump(s.logger)
	go t.readPump(s.manager, id, s.logger)
}
