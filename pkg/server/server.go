package server

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/aeolun/linechat/pkg/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the chat server: one accept loop feeding per-session read
// loops, two background reapers, and a snapshot written on shutdown.
type Server struct {
	config   Config
	users    *store.UserDirectory
	messages *store.MessageStore
	sessions *SessionManager
	metrics  *Metrics

	listener        net.Listener
	httpListener    net.Listener
	metricsListener net.Listener

	shutdown  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	startTime time.Time
}

// NewServer creates a server with empty state.
func NewServer(config Config) *Server {
	users := store.NewUserDirectory()
	metrics := NewMetrics()
	sessions := NewSessionManager(users)
	sessions.SetMetrics(metrics)

	return &Server{
		config:   config,
		users:    users,
		messages: store.NewMessageStore(),
		sessions: sessions,
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}
}

// RestoreFromSnapshot replaces the server's state with the snapshot on
// disk. Must be called before Start; a missing or unreadable snapshot is a
// startup error.
func (s *Server) RestoreFromSnapshot() error {
	path, err := s.config.GetSnapshotPath()
	if err != nil {
		return err
	}
	users, messages, err := store.Load(path)
	if err != nil {
		return fmt.Errorf("failed to restore snapshot: %w", err)
	}
	s.users = users
	s.messages = messages
	s.sessions = NewSessionManager(users)
	s.sessions.SetMetrics(s.metrics)
	return nil
}

// Start binds the listeners and spawns the accept loop and both reapers.
// It returns once the server is serving; errors binding any listener are
// fatal and nothing is left running.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Host, fmt.Sprintf("%d", s.config.TCPPort))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.startTime = time.Now()
	log.Printf("Start server (host:%s port:%d)", s.config.Host, s.config.TCPPort)

	// Internal metrics server - never expose publicly
	if s.config.MetricsPort > 0 {
		if err := s.startMetricsServer(); err != nil {
			listener.Close()
			return err
		}
	}

	// Public HTTP server for the WebSocket transport
	if s.config.HTTPPort > 0 {
		if err := s.startHTTPServer(); err != nil {
			listener.Close()
			if s.metricsListener != nil {
				s.metricsListener.Close()
			}
			return err
		}
	}

	s.wg.Add(1)
	go s.readMessageReaperLoop()

	s.wg.Add(1)
	go s.rateLimitReaperLoop()

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the address the chat listener is bound to. Useful when the
// configured port is 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// HTTPAddr returns the address of the public HTTP listener, if running.
func (s *Server) HTTPAddr() string {
	if s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

func (s *Server) startMetricsServer() error {
	addr := fmt.Sprintf(":%d", s.config.MetricsPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on metrics port %s: %w", addr, err)
	}
	s.metricsListener = listener

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.HealthHandler)

	go func() {
		log.Printf("Metrics server listening on %s (/metrics, /health) - INTERNAL ONLY", addr)
		if err := http.Serve(listener, mux); err != nil {
			select {
			case <-s.shutdown:
			default:
				log.Printf("Metrics server error: %v", err)
			}
		}
	}()
	return nil
}

func (s *Server) startHTTPServer() error {
	addr := net.JoinHostPort(s.config.Host, fmt.Sprintf("%d", s.config.HTTPPort))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on HTTP port %s: %w", addr, err)
	}
	s.httpListener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)

	go func() {
		log.Printf("Public HTTP server listening on %s (/ws)", addr)
		if err := http.Serve(listener, mux); err != nil {
			select {
			case <-s.shutdown:
			default:
				log.Printf("Public HTTP server error: %v", err)
			}
		}
	}()
	return nil
}

// HealthHandler reports liveness plus a few state counters.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "ok\nuptime: %s\nsessions: %d\nusers: %d\npublic_messages: %d\nprivate_messages: %d\n",
		time.Since(s.startTime).Round(time.Second),
		s.sessions.Count(),
		s.users.Count(),
		s.messages.PublicCount(),
		s.messages.PrivateCount())
}

// Stop gracefully stops the server: no new connections, every session
// closed, both reapers cancelled, then one synchronous snapshot of the
// quiesced state. Calling Stop more than once is harmless.
func (s *Server) Stop() error {
	var saveErr error
	s.stopOnce.Do(func() {
		log.Printf("Stop server (host:%s port:%d)", s.config.Host, s.config.TCPPort)
		close(s.shutdown)

		if s.listener != nil {
			s.listener.Close()
		}
		if s.httpListener != nil {
			s.httpListener.Close()
		}
		if s.metricsListener != nil {
			s.metricsListener.Close()
		}

		s.sessions.CloseAll()
		s.wg.Wait()

		path, err := s.config.GetSnapshotPath()
		if err != nil {
			saveErr = err
			return
		}
		if err := store.Save(path, s.users, s.messages); err != nil {
			errorLog.Printf("Snapshot save failed: %v", err)
			saveErr = err
			return
		}
		s.metrics.RecordSnapshotSave()
		log.Printf("Server save state")
	})
	return saveErr
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				log.Printf("Accept error: %v", err)
				continue
			}
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection registers a session for the connection and runs its read
// loop until the peer goes away or quits. Session goroutines are tracked in
// the WaitGroup so Stop's snapshot never races an in-flight command.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	sess := s.sessions.Register(NewSafeConn(conn))
	log.Printf("Start client (addr:%s)", sess.Key)

	s.readLoop(sess, conn)
}

// readLoop feeds the dispatcher one line at a time. Commands from one
// session are processed strictly in arrival order. Any read error or EOF is
// an implicit quit.
func (s *Server) readLoop(sess *Session, r io.Reader) {
	defer func() {
		s.sessions.Unregister(sess.Key)
		log.Printf("Stop client (addr:%s)", sess.Key)
	}()

	scanner := newLineScanner(r)
	for scanner.Scan() {
		s.dispatchLine(sess, scanner.Text())

		select {
		case <-s.shutdown:
			return
		default:
		}
	}
	if err := scanner.Err(); err != nil {
		debugLog.Printf("Session %s read loop ended: %v", sess.Key, err)
	}
}

// newLineScanner wraps a connection in a line splitter. The protocol has
// no framing beyond newlines, so splitting is best effort; a command line
// longer than the buffer cap ends the session.
func newLineScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)
	return scanner
}

// readMessageReaperLoop periodically removes private messages whose
// post-read TTL has expired. Best effort: a missed pass only delays expiry.
func (s *Server) readMessageReaperLoop() {
	defer s.wg.Done()

	log.Printf("Start delete read messages task")
	ticker := time.NewTicker(s.config.ReadSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			removed := s.messages.SweepExpired(time.Now(), s.config.ReadTTL)
			for _, msg := range removed {
				log.Printf("Delete message: From: %s To: %s Text: %s", msg.Sender, msg.Recipient, msg.Text)
			}
			if len(removed) > 0 {
				s.metrics.RecordReaped(len(removed))
			}
		}
	}
}

// rateLimitReaperLoop periodically resets rate windows that have run their
// full duration.
func (s *Server) rateLimitReaperLoop() {
	defer s.wg.Done()

	log.Printf("Start reset limit sent messages task")
	ticker := time.NewTicker(s.config.RateResetInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			if n := s.users.ResetExpiredWindows(time.Now(), s.config.RateWindow); n > 0 {
				log.Printf("Reset limit send messages for %d users", n)
				s.metrics.RecordWindowsReset(n)
			}
		}
	}
}
