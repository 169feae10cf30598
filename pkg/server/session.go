package server

import (
	"sync"
	"time"

	"github.com/aeolun/linechat/pkg/store"
)

// Session represents one live client connection plus its authentication
// state. Sessions are keyed by the connection's remote address and are
// never persisted.
type Session struct {
	Key  string // remote address, unique per live connection
	Conn Conn

	mu       sync.RWMutex // Protects userName
	userName string       // set by a successful login, empty until then
}

// UserName returns the name this session is authenticated as, or "" if the
// session has not logged in.
func (s *Session) UserName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.userName
}

// setUserName binds the session to a user name.
func (s *Session) setUserName(name string) {
	s.mu.Lock()
	s.userName = name
	s.mu.Unlock()
}

// SessionManager owns the address→Session mapping. It is shared between the
// session goroutines, the broadcast path, and the control path's CloseAll,
// so the map has its own lock.
type SessionManager struct {
	users    *store.UserDirectory
	mu       sync.RWMutex
	sessions map[string]*Session
	metrics  *Metrics
}

// NewSessionManager creates a new session manager
func NewSessionManager(users *store.UserDirectory) *SessionManager {
	return &SessionManager{
		users:    users,
		sessions: make(map[string]*Session),
	}
}

// SetMetrics attaches metrics to the session manager
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

// Register creates a session for the connection, keyed by its remote
// address.
func (sm *SessionManager) Register(conn Conn) *Session {
	sess := &Session{
		Key:  conn.RemoteAddr(),
		Conn: conn,
	}

	sm.mu.Lock()
	sm.sessions[sess.Key] = sess
	count := len(sm.sessions)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(count)
		sm.metrics.RecordSessionCreated()
	}

	return sess
}

// Get returns the session with the given key
func (sm *SessionManager) Get(key string) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sess, ok := sm.sessions[key]
	return sess, ok
}

// GetAll returns all live sessions. Order follows map iteration at call
// time; broadcast delivery order across sessions is not guaranteed.
func (sm *SessionManager) GetAll() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// Count returns the number of live sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	return len(sm.sessions)
}

// Unregister removes the session, closes its connection and, if the session
// was authenticated, stamps the user's exit time and clears the session
// binding. Future unread judgments for that user are made against the new
// exit time. Calling it twice is a no-op the second time.
func (sm *SessionManager) Unregister(key string) {
	sm.mu.Lock()
	sess, ok := sm.sessions[key]
	if !ok {
		sm.mu.Unlock()
		return
	}
	delete(sm.sessions, key)
	count := len(sm.sessions)
	sm.mu.Unlock()

	sess.Conn.Close()

	if name := sess.UserName(); name != "" {
		sm.users.ReleaseSession(name, key, time.Now())
	}

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(count)
		sm.metrics.RecordSessionClosed()
	}
}

// CloseAll unregisters every live session. Used on shutdown.
func (sm *SessionManager) CloseAll() {
	sm.mu.RLock()
	keys := make([]string, 0, len(sm.sessions))
	for key := range sm.sessions {
		keys = append(keys, key)
	}
	sm.mu.RUnlock()

	for _, key := range keys {
		sm.Unregister(key)
	}
}
