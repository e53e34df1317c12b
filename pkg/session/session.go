// Package session implements the server-side web session shared across the
// multi-step browser login flow. The session is an explicit handle passed
// down to the tenant resolver, the BFF service, and the flow dispatcher;
// there is no ambient global session state.
//
// A session is identified by an opaque cookie and backed by a Store. All
// state-mutating operations for a given session id are serialized behind a
// per-session mutex so two in-flight requests never observe a half
// invalidated session.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"sync"
	"time"
)

// CookieName is the browser session cookie.
const CookieName = "gh_session"

// ErrNotFound is returned by stores when a session id has no record.
var ErrNotFound = errors.New("session: not found")

// Store persists session data keyed by session id.
type Store interface {
	// Get returns the data for id, or ErrNotFound.
	Get(ctx context.Context, id string) (map[string]string, error)
	// Save writes the full data map for id with the given TTL.
	Save(ctx context.Context, id string, data map[string]string, ttl time.Duration) error
	// Delete removes the record for id. Deleting an absent id is not an error.
	Delete(ctx context.Context, id string) error
}

// Manager loads, saves, and invalidates sessions.
type Manager struct {
	store  Store
	ttl    time.Duration
	secure bool

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a session manager on the given store.
func NewManager(store Store, ttl time.Duration, secure bool) *Manager {
	return &Manager{
		store:  store,
		ttl:    ttl,
		secure: secure,
		locks:  make(map[string]*sync.Mutex),
	}
}

// lockFor returns the mutex serializing mutations of one session id.
func (m *Manager) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

func (m *Manager) releaseLock(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, id)
}

// Session is a mutable view over one browser session. It is request-scoped;
// call Save to persist changes before the response is written.
type Session struct {
	manager *Manager
	id      string
	data    map[string]string
	fresh   bool
}

// Load resolves the session referenced by the request cookie, or starts a
// fresh one when the cookie is absent or stale. The fresh session is not
// persisted until Save is called.
func (m *Manager) Load(ctx context.Context, r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(CookieName)
	if err == nil && cookie.Value != "" {
		data, err := m.store.Get(ctx, cookie.Value)
		if err == nil {
			return &Session{manager: m, id: cookie.Value, data: data}, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return m.newSession(), nil
}

func (m *Manager) newSession() *Session {
	return &Session{
		manager: m,
		id:      newID(),
		data:    make(map[string]string),
		fresh:   true,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// IsFresh reports whether the session was created during this request and
// has never been persisted.
func (s *Session) IsFresh() bool { return s.fresh }

// Get returns the value bound to key, or "".
func (s *Session) Get(key string) string { return s.data[key] }

// Set binds a value to key. The change is not persisted until Save.
func (s *Session) Set(key, value string) { s.data[key] = value }

// Take returns the value bound to key and removes it (single use). The
// removal is persisted immediately, under the per-session lock, so a
// concurrent request replaying the same key always misses.
func (s *Session) Take(ctx context.Context, key string) (string, error) {
	lock := s.manager.lockFor(s.id)
	lock.Lock()
	defer lock.Unlock()

	stored, err := s.manager.store.Get(ctx, s.id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	value, ok := stored[key]
	if !ok {
		return "", nil
	}
	delete(stored, key)
	if err := s.manager.store.Save(ctx, s.id, stored, s.manager.ttl); err != nil {
		return "", err
	}
	s.data = stored
	return value, nil
}

// Save persists the session and returns the cookie to set on the response.
func (s *Session) Save(ctx context.Context, w http.ResponseWriter) error {
	lock := s.manager.lockFor(s.id)
	lock.Lock()
	defer lock.Unlock()

	if err := s.manager.store.Save(ctx, s.id, s.data, s.manager.ttl); err != nil {
		return err
	}
	s.fresh = false
	http.SetCookie(w, s.manager.cookie(s.id, int(s.manager.ttl.Seconds())))
	return nil
}

// Invalidate deletes the session server-side, clears its cookie, and returns
// a fresh, unbound replacement session.
func (s *Session) Invalidate(ctx context.Context, w http.ResponseWriter) (*Session, error) {
	lock := s.manager.lockFor(s.id)
	lock.Lock()
	err := s.manager.store.Delete(ctx, s.id)
	lock.Unlock()
	s.manager.releaseLock(s.id)
	if err != nil {
		return nil, err
	}
	http.SetCookie(w, s.manager.cookie("", -1))
	return s.manager.newSession(), nil
}

func (m *Manager) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	}
}

func newID() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure is unrecoverable
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
