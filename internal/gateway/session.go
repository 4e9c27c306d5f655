package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	outboundBuffer   = 16
	writeTimeout     = 5 * time.Second
	pingWriteTimeout = 5 * time.Second
)

// session wraps one duplex connection. All writes go through the out
// channel and a single writer goroutine, so handlers never block on a
// stalled peer: trySend is best-effort and drops on backpressure.
type session struct {
	conn *websocket.Conn
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newSession(conn *websocket.Conn) *session {
	return &session{
		conn: conn,
		out:  make(chan []byte, outboundBuffer),
		done: make(chan struct{}),
	}
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// trySend queues a frame for the writer. Returns false when the
// session is closed or its outbound buffer is full; the caller treats
// both as a routing miss.
func (s *session) trySend(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- frame:
		return true
	default:
		return false
	}
}

// writeLoop drains the outbound channel and keeps the transport-level
// ping going. Runs until the session closes or a write fails.
func (s *session) writeLoop(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case frame := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.close()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(pingWriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		}
	}
}
