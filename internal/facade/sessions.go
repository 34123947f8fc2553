package facade

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/kitchenops/internal/catalog"
	"github.com/onnwee/kitchenops/internal/datacache"
	"github.com/onnwee/kitchenops/internal/geolocation"
	"github.com/onnwee/kitchenops/internal/location"
	"github.com/onnwee/kitchenops/internal/preference"
	"github.com/onnwee/kitchenops/internal/selector"
)

// DefaultIdleTTL is how long a session without requests is kept.
const DefaultIdleTTL = 30 * time.Minute

// SessionsConfig configures the per-user session registry.
type SessionsConfig struct {
	Selector    selector.Config
	Cache       datacache.Config
	Preferences preference.Factory
	// IdleTTL drops sessions unused for this long. Zero uses DefaultIdleTTL.
	IdleTTL time.Duration
	Logger  *slog.Logger
	Now     func() time.Time
}

// Session is the location state of one user.
type Session struct {
	*Facade
	UserID string
	// Positions receives the device positions the client reports.
	Positions *geolocation.Mailbox

	// Guarded by Sessions.mu.
	lastSeen time.Time
	attached int
}

// Sessions keeps one Facade per user. The catalog is shared; every session
// owns its selector and data cache.
type Sessions struct {
	catalog *catalog.Catalog
	fetcher datacache.Fetcher
	cfg     SessionsConfig

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessions creates an empty registry.
func NewSessions(cat *catalog.Catalog, fetcher datacache.Fetcher, cfg SessionsConfig) *Sessions {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Preferences == nil {
		cfg.Preferences = preference.InMemoryFactory()
	}
	if cfg.Selector.Logger == nil {
		cfg.Selector.Logger = cfg.Logger
	}
	if cfg.Cache.Logger == nil {
		cfg.Cache.Logger = cfg.Logger
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Sessions{
		catalog:  cat,
		fetcher:  fetcher,
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// Acquire returns the session of grant.UserID, creating it on first use, and
// applies the grant.
func (s *Sessions) Acquire(ctx context.Context, grant location.Grant) *Session {
	s.mu.Lock()
	sess, ok := s.sessions[grant.UserID]
	if !ok {
		sess = s.newSession(grant.UserID)
		s.sessions[grant.UserID] = sess
	}
	sess.lastSeen = s.cfg.Now()
	s.mu.Unlock()

	if !ok {
		s.cfg.Logger.InfoContext(ctx, "location session started", "user_id", grant.UserID)
	}
	sess.SyncGrant(ctx, grant)
	return sess
}

func (s *Sessions) newSession(userID string) *Session {
	mailbox := geolocation.NewMailbox()
	sel := selector.New(s.catalog, s.cfg.Preferences(userID), mailbox, s.cfg.Selector)
	cache := datacache.New(s.fetcher, sel, s.cfg.Cache)
	return &Session{
		Facade:    New(s.catalog, sel, cache, s.cfg.Logger.With("user_id", userID)),
		UserID:    userID,
		Positions: mailbox,
	}
}

// Lookup returns an existing session.
func (s *Sessions) Lookup(userID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	return sess, ok
}

// Attach marks sess as held by a long-lived connection until the returned
// function is called. Attached sessions are never pruned.
func (s *Sessions) Attach(sess *Session) (detach func()) {
	s.mu.Lock()
	sess.attached++
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			sess.attached--
			sess.lastSeen = s.cfg.Now()
			s.mu.Unlock()
		})
	}
}

// Prune removes sessions that saw no request for IdleTTL and are not
// attached. Users keep their persisted preference. It returns the number of
// sessions removed.
func (s *Sessions) Prune(ctx context.Context) int {
	cutoff := s.cfg.Now().Add(-s.cfg.IdleTTL)

	s.mu.Lock()
	var idle []*Session
	for userID, sess := range s.sessions {
		if sess.attached == 0 && sess.lastSeen.Before(cutoff) {
			idle = append(idle, sess)
			delete(s.sessions, userID)
		}
	}
	s.mu.Unlock()

	for _, sess := range idle {
		sess.Close()
		s.cfg.Logger.InfoContext(ctx, "idle location session dropped", "user_id", sess.UserID)
	}
	return len(idle)
}

// End logs the user out and removes the session.
func (s *Sessions) End(ctx context.Context, userID string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[userID]
	delete(s.sessions, userID)
	s.mu.Unlock()
	if !ok {
		return false
	}
	sess.Logout(ctx)
	sess.Close()
	s.cfg.Logger.InfoContext(ctx, "location session ended", "user_id", userID)
	return true
}

// Len returns the number of live sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close detaches every session without logging users out.
func (s *Sessions) Close() {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
}
