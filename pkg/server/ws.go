package server

import (
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The chat protocol carries no credentials or cookies, so cross-origin
	// browser clients are allowed.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn adapts a WebSocket connection to the Conn interface: every write
// becomes one text message. gorilla/websocket allows only one concurrent
// writer, so writes are serialized the same way SafeConn serializes TCP
// writes.
type wsConn struct {
	conn      *websocket.Conn
	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (wc *wsConn) WriteString(text string) error {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	return wc.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

func (wc *wsConn) Close() error {
	wc.closeOnce.Do(func() {
		wc.closeErr = wc.conn.Close()
	})
	return wc.closeErr
}

func (wc *wsConn) RemoteAddr() string {
	return wc.conn.RemoteAddr().String()
}

// HandleWebSocket upgrades an HTTP request and serves the same line
// protocol over it: each inbound text message is treated as one or more
// protocol lines, and responses come back as text messages. WebSocket
// sessions live in the same registry as TCP sessions, so broadcasts and
// private deliveries reach them the same way.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		debugLog.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	// Joining the WaitGroup after shutdown began could race Stop's Wait
	select {
	case <-s.shutdown:
		conn.Close()
		return
	default:
	}
	s.wg.Add(1)
	defer s.wg.Done()

	sess := s.sessions.Register(&wsConn{conn: conn})
	log.Printf("Start client (addr:%s ws)", sess.Key)

	defer func() {
		s.sessions.Unregister(sess.Key)
		log.Printf("Stop client (addr:%s ws)", sess.Key)
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			debugLog.Printf("Session %s ws read ended: %v", sess.Key, err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		for _, line := range strings.Split(string(data), "\n") {
			s.dispatchLine(sess, line)
		}

		select {
		case <-s.shutdown:
			return
		default:
		}
	}
}
