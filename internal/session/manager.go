package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/safesats/safesats/internal/domain"
)

// Factory builds an unopened session for a user.
type Factory func(userID string) (*Session, error)

// Manager keeps at most one open session per user. Opening and closing a
// user's session is serialised per user; other users are never blocked by it.
type Manager struct {
	factory     Factory
	idleTimeout time.Duration
	logger      *zap.Logger
	now         func() time.Time

	opens singleflight.Group

	mu       sync.Mutex
	sessions map[string]*Session
	locks    map[string]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

// NewManager creates a manager. A non-positive idleTimeout disables reaping.
func NewManager(factory Factory, idleTimeout time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		factory:     factory,
		idleTimeout: idleTimeout,
		logger:      logger,
		now:         time.Now,
		sessions:    make(map[string]*Session),
		locks:       make(map[string]*userLock),
	}
}

// Open opens a fresh session for userID. A session already open for the user
// is fully closed first so that no two handler sets apply the same events.
func (m *Manager) Open(ctx context.Context, userID string) (*Session, error) {
	unlock := m.lockUser(userID)
	defer unlock()

	m.mu.Lock()
	prev, ok := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()

	if ok {
		prev.Close()
	}
	return m.open(ctx, userID)
}

// Get returns the user's open session, opening one if needed. Concurrent
// callers for the same user share a single open.
func (m *Manager) Get(ctx context.Context, userID string) (*Session, error) {
	if s, ok := m.lookup(userID); ok {
		return s, nil
	}

	v, err, _ := m.opens.Do(userID, func() (any, error) {
		unlock := m.lockUser(userID)
		defer unlock()

		if s, ok := m.lookup(userID); ok {
			return s, nil
		}
		return m.open(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (m *Manager) lookup(userID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	if !ok || s.Closed() {
		return nil, false
	}
	return s, true
}

// open builds and opens a session; the caller holds the user's lock.
func (m *Manager) open(ctx context.Context, userID string) (*Session, error) {
	s, err := m.factory(userID)
	if err != nil {
		return nil, err
	}
	if err := s.Open(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[userID] = s
	m.mu.Unlock()
	return s, nil
}

// lockUser takes the per-user lock. Lock entries are dropped once unused.
func (m *Manager) lockUser(userID string) (unlock func()) {
	m.mu.Lock()
	l, ok := m.locks[userID]
	if !ok {
		l = &userLock{}
		m.locks[userID] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, userID)
		}
		m.mu.Unlock()
	}
}

// Close closes the user's session. It fails with domain.ErrNotFound when none is open.
func (m *Manager) Close(userID string) error {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()

	if !ok {
		return errors.Wrapf(domain.ErrNotFound, "session of %s", userID)
	}
	s.Close()
	return nil
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Run reaps idle sessions until ctx is done, then closes every session.
func (m *Manager) Run(ctx context.Context) error {
	defer m.CloseAll()

	if m.idleTimeout <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(m.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.ReapIdle()
		}
	}
}

// ReapIdle closes sessions without viewers that were inactive for the idle timeout.
func (m *Manager) ReapIdle() int {
	if m.idleTimeout <= 0 {
		return 0
	}
	deadline := m.now().Add(-m.idleTimeout)

	m.mu.Lock()
	var idle []*Session
	for userID, s := range m.sessions {
		if s.Closed() || (s.Viewers() == 0 && s.LastActive().Before(deadline)) {
			idle = append(idle, s)
			delete(m.sessions, userID)
		}
	}
	m.mu.Unlock()

	for _, s := range idle {
		s.Close()
		m.logger.Info("idle session reaped", zap.String("user", s.UserID()))
	}
	return len(idle)
}

// CloseAll closes every session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for userID, s := range m.sessions {
		all = append(all, s)
		delete(m.sessions, userID)
	}
	m.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
}
