package store

import (
	"sync"
	"time"
)

// User is a persistent identity keyed by its claimed name. It outlives any
// particular connection: the record is created on first login and survives
// until the server process ends (or is restored from a snapshot).
type User struct {
	Name        string
	ExitTime    int64  // when the user's last session closed (ms, 0 = never)
	BanUntil    int64  // absolute ban expiry (ms, 0 = not banned)
	BanStrikes  int    // warnings accumulated toward the next ban
	SessionKey  string // remote address of the session logged in as this user ("" = offline)
	SentCount   int    // messages sent in the current rate window
	WindowStart int64  // when the current rate window began (ms, 0 = no window)
}

// UserDirectory owns every User record. The map itself is guarded by mu;
// ban fields and rate fields each have their own category lock shared
// across all users. Callers never mutate a User's ban/rate fields directly,
// they go through the directory so the right lock is always taken.
type UserDirectory struct {
	mu     sync.RWMutex
	banMu  sync.Mutex
	rateMu sync.Mutex
	users  map[string]*User
}

// NewUserDirectory creates an empty directory.
func NewUserDirectory() *UserDirectory {
	return &UserDirectory{
		users: make(map[string]*User),
	}
}

// GetOrCreate returns the user with the given name, creating a zero-valued
// record on first sight. The second result reports whether a new record was
// created.
func (d *UserDirectory) GetOrCreate(name string) (*User, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if u, ok := d.users[name]; ok {
		return u, false
	}
	u := &User{Name: name}
	d.users[name] = u
	return u, true
}

// Get returns the user with the given name, if present.
func (d *UserDirectory) Get(name string) (*User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	u, ok := d.users[name]
	return u, ok
}

// Exists reports whether a user with the given name has been seen.
func (d *UserDirectory) Exists(name string) bool {
	_, ok := d.Get(name)
	return ok
}

// All returns every user record. The slice is a copy, the pointers are live.
func (d *UserDirectory) All() []*User {
	d.mu.RLock()
	defer d.mu.RUnlock()

	users := make([]*User, 0, len(d.users))
	for _, u := range d.users {
		users = append(users, u)
	}
	return users
}

// Count returns the number of known users.
func (d *UserDirectory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.users)
}

// BindSession records which session currently claims the user. Re-login from
// a new connection simply replaces the previous binding.
func (d *UserDirectory) BindSession(name, sessionKey string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if u, ok := d.users[name]; ok {
		u.SessionKey = sessionKey
	}
}

// ReleaseSession clears the session binding and stamps the user's exit time,
// but only if the departing session still owns the binding (a re-login may
// have replaced it already).
func (d *UserDirectory) ReleaseSession(name, sessionKey string, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	u, ok := d.users[name]
	if !ok || u.SessionKey != sessionKey {
		return
	}
	u.SessionKey = ""
	u.ExitTime = now.UnixMilli()
}

// ActiveSession returns the session key currently bound to the user, if any.
func (d *UserDirectory) ActiveSession(name string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	u, ok := d.users[name]
	if !ok || u.SessionKey == "" {
		return "", false
	}
	return u.SessionKey, true
}

// restore inserts a user record loaded from a snapshot. Session bindings are
// never persisted, so the restored record is always offline.
func (d *UserDirectory) restore(u *User) {
	d.mu.Lock()
	defer d.mu.Unlock()

	u.SessionKey = ""
	d.users[u.Name] = u
}
