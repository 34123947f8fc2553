// Package selector owns the single active location of a user session.
//
// It reconciles the user's location grant, the persisted preference and an
// optional geolocation suggestion under a fixed priority order, and moves
// through the states uninitialized, resolving, resolved and blocked.
package selector

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/onnwee/kitchenops/internal/geolocation"
	"github.com/onnwee/kitchenops/internal/location"
	"github.com/onnwee/kitchenops/internal/preference"
)

const (
	// DefaultProximityThresholdKm is the largest distance at which a
	// location is suggested.
	DefaultProximityThresholdKm = 50.0

	// DefaultGeolocationTimeout bounds one position request.
	DefaultGeolocationTimeout = 10 * time.Second
)

// Status is the resolution state of a selector.
type Status string

const (
	StatusUninitialized Status = "uninitialized"
	StatusResolving     Status = "resolving"
	StatusResolved      Status = "resolved"
	StatusBlocked       Status = "blocked"
)

// CatalogReader is the part of the location catalog the selector needs.
type CatalogReader interface {
	ByCode(code string) (location.Record, bool)
	Loaded() bool
}

// Config holds selector settings. Zero values take the defaults.
type Config struct {
	ProximityThresholdKm float64
	GeolocationTimeout   time.Duration
	// DefaultLocationCode replaces an empty grant when set.
	DefaultLocationCode string
	Logger              *slog.Logger
}

// State is an immutable snapshot of the selector.
type State struct {
	Status          Status
	UserID          string
	Granted         []string
	ActiveCode      string
	SuggestedCode   string
	HasRequestedGeo bool
	Locating        bool
	// Err is set when the grant could not be determined.
	Err error
}

func (s State) clone() State {
	s.Granted = slices.Clone(s.Granted)
	return s
}

// Event is delivered to subscribers after every state change.
type Event struct {
	Previous State
	Current  State
}

// ActiveChanged reports whether the event switched the active location.
func (e Event) ActiveChanged() bool {
	return e.Previous.ActiveCode != e.Current.ActiveCode
}

// Selector derives and holds the active location of one session.
// All mutations are serialized; readers always see a complete State.
type Selector struct {
	catalog CatalogReader
	prefs   preference.Store
	locator geolocation.Locator
	cfg     Config
	logger  *slog.Logger

	// writeMu serializes mutations, mu guards state for readers.
	writeMu   sync.Mutex
	mu        sync.RWMutex
	state     State
	session   uint64
	geoDone   chan struct{}
	geoCancel context.CancelFunc

	subsMu  sync.Mutex
	subs    map[int]func(Event)
	nextSub int

	wg sync.WaitGroup
}

// New creates a selector. A nil prefs uses an in-memory store; a nil
// locator disables suggestions; a nil catalog disables catalog filtering and
// suggestions.
func New(catalog CatalogReader, prefs preference.Store, locator geolocation.Locator, cfg Config) *Selector {
	if cfg.ProximityThresholdKm <= 0 {
		cfg.ProximityThresholdKm = DefaultProximityThresholdKm
	}
	if cfg.GeolocationTimeout <= 0 {
		cfg.GeolocationTimeout = DefaultGeolocationTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if prefs == nil {
		prefs = preference.NewInMemoryStore()
	}
	return &Selector{
		catalog: catalog,
		prefs:   prefs,
		locator: locator,
		cfg:     cfg,
		logger:  cfg.Logger,
		state:   State{Status: StatusUninitialized},
		subs:    make(map[int]func(Event)),
	}
}

// SetGrant applies the user's grant and re-runs resolution. Calling it again
// with an unchanged grant is a no-op.
func (s *Selector) SetGrant(ctx context.Context, grant location.Grant) State {
	s.writeMu.Lock()
	codes := s.effectiveCodes(grant)

	s.mu.Lock()
	prev := s.state.clone()
	if prev.Status != StatusUninitialized && prev.Err == nil &&
		prev.UserID == grant.UserID && slices.Equal(prev.Granted, codes) {
		s.mu.Unlock()
		s.writeMu.Unlock()
		return prev
	}
	if prev.UserID != grant.UserID {
		s.startSessionLocked()
	}
	s.state.UserID = grant.UserID
	s.state.Granted = codes
	s.state.Err = nil

	active := s.state.ActiveCode
	needDefault := false
	switch {
	case len(codes) == 0:
		s.state.Status = StatusBlocked
		s.state.ActiveCode = ""
		s.logger.Warn("no granted locations, selector blocked", "user_id", grant.UserID)
	case len(codes) == 1:
		s.state.Status = StatusResolved
		s.state.ActiveCode = codes[0]
	case active != "" && slices.Contains(codes, active):
		s.state.Status = StatusResolved
	case active != "":
		s.state.Status = StatusBlocked
		s.state.ActiveCode = ""
		s.logger.Warn("active location no longer granted, selector blocked",
			"user_id", grant.UserID, "location_code", active)
	default:
		s.state.Status = StatusResolving
		needDefault = true
	}
	s.mu.Unlock()

	if needDefault {
		code := s.resolveDefault(ctx, codes)
		s.mu.Lock()
		s.state.Status = StatusResolved
		s.state.ActiveCode = code
		s.mu.Unlock()
	}

	s.mu.Lock()
	if sc := s.state.SuggestedCode; sc != "" && (sc == s.state.ActiveCode || !slices.Contains(codes, sc)) {
		s.state.SuggestedCode = ""
	}
	var (
		geoCtx  context.Context
		geoDone chan struct{}
	)
	if s.locator != nil && !s.state.HasRequestedGeo && s.geoDone == nil && len(codes) > 1 {
		geoCtx, geoDone = s.beginGeoLocked(context.WithoutCancel(ctx))
	}
	cur := s.state.clone()
	session := s.session
	s.mu.Unlock()
	s.writeMu.Unlock()

	if geoDone != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runGeo(geoCtx, session, geoDone)
		}()
	}
	s.notify(prev, cur)
	return cur
}

// FailGrant records that the user's grant could not be determined. The
// selector blocks as it would for an empty grant.
func (s *Selector) FailGrant(userID string, err error) State {
	s.writeMu.Lock()
	s.mu.Lock()
	prev := s.state.clone()
	if prev.UserID != userID {
		s.startSessionLocked()
	}
	s.state.UserID = userID
	s.state.Status = StatusBlocked
	s.state.Granted = nil
	s.state.ActiveCode = ""
	s.state.SuggestedCode = ""
	s.state.Err = fmt.Errorf("%w: %w", location.ErrGrantResolution, err)
	cur := s.state.clone()
	s.mu.Unlock()
	s.writeMu.Unlock()

	s.logger.Error("grant resolution failed", "user_id", userID, "error", err)
	s.notify(prev, cur)
	return cur
}

// Reset returns the selector to uninitialized and clears the persisted
// preference. It is called on logout.
func (s *Selector) Reset(ctx context.Context) {
	s.writeMu.Lock()
	if err := s.prefs.Clear(ctx); err != nil {
		s.logger.Warn("failed to clear location preference", "error", err)
	}
	s.mu.Lock()
	prev := s.state.clone()
	s.startSessionLocked()
	cur := s.state.clone()
	s.mu.Unlock()
	s.writeMu.Unlock()

	s.notify(prev, cur)
}

// SetActive switches to code and persists the choice. Codes outside the
// grant are logged and ignored; the return value reports whether the switch
// was applied.
func (s *Selector) SetActive(ctx context.Context, code string) bool {
	s.writeMu.Lock()
	s.mu.RLock()
	granted := slices.Contains(s.state.Granted, code)
	userID := s.state.UserID
	s.mu.RUnlock()

	if !granted {
		s.writeMu.Unlock()
		s.logger.Warn("ignoring location switch",
			"user_id", userID, "location_code", code, "error", location.ErrInvalidLocationSwitch)
		return false
	}

	if err := s.prefs.Set(ctx, code); err != nil {
		s.logger.Warn("failed to persist location preference", "location_code", code, "error", err)
	}

	s.mu.Lock()
	prev := s.state.clone()
	s.state.Status = StatusResolved
	s.state.ActiveCode = code
	s.state.SuggestedCode = ""
	cur := s.state.clone()
	s.mu.Unlock()
	s.writeMu.Unlock()

	if prev.ActiveCode != code {
		s.logger.Info("active location switched",
			"user_id", userID, "from", prev.ActiveCode, "location_code", code)
	}
	s.notify(prev, cur)
	return true
}

// AcceptSuggestion switches to the suggested location. It returns false when
// there is no suggestion or it can no longer be applied.
func (s *Selector) AcceptSuggestion(ctx context.Context) bool {
	s.mu.RLock()
	code := s.state.SuggestedCode
	s.mu.RUnlock()
	if code == "" {
		return false
	}
	if s.SetActive(ctx, code) {
		return true
	}
	s.DismissSuggestion()
	return false
}

// DismissSuggestion clears the suggestion without switching.
func (s *Selector) DismissSuggestion() {
	s.writeMu.Lock()
	s.mu.Lock()
	prev := s.state.clone()
	s.state.SuggestedCode = ""
	cur := s.state.clone()
	s.mu.Unlock()
	s.writeMu.Unlock()
	s.notify(prev, cur)
}

// State returns a snapshot.
func (s *Selector) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

// ActiveCode returns the active location code, or "" when unresolved.
func (s *Selector) ActiveCode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.ActiveCode
}

// IsGranted reports whether code is in the effective grant.
func (s *Selector) IsGranted(code string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Contains(s.state.Granted, code)
}

// CanSwitch reports whether the grant holds more than one location.
func (s *Selector) CanSwitch() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state.Granted) > 1
}

// IsBlocked reports whether the selector is blocked.
func (s *Selector) IsBlocked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Status == StatusBlocked
}

// Subscribe registers fn for state changes and returns a function that
// removes it. fn runs on the goroutine that made the change.
func (s *Selector) Subscribe(fn func(Event)) func() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		delete(s.subs, id)
	}
}

// Wait blocks until background geolocation requests have finished.
func (s *Selector) Wait() {
	s.wg.Wait()
}

// Close cancels a running geolocation request and waits for it to finish.
func (s *Selector) Close() {
	s.mu.Lock()
	if s.geoCancel != nil {
		s.geoCancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// effectiveCodes applies catalog filtering and the default location.
func (s *Selector) effectiveCodes(grant location.Grant) []string {
	codes := location.NewGrant(grant.UserID, grant.Codes).Codes
	if s.catalog != nil && s.catalog.Loaded() {
		kept := codes[:0]
		for _, c := range codes {
			if _, ok := s.catalog.ByCode(c); ok {
				kept = append(kept, c)
				continue
			}
			s.logger.Warn("dropping granted location missing from catalog",
				"user_id", grant.UserID, "location_code", c)
		}
		codes = kept
	}
	if len(codes) == 0 && s.cfg.DefaultLocationCode != "" {
		codes = []string{s.cfg.DefaultLocationCode}
	}
	return codes
}

// resolveDefault picks the persisted preference if granted, else the first
// granted code.
func (s *Selector) resolveDefault(ctx context.Context, codes []string) string {
	pref, err := s.prefs.Get(ctx)
	if err != nil {
		s.logger.Warn("failed to read location preference", "error", err)
		return codes[0]
	}
	if pref != "" && slices.Contains(codes, pref) {
		return pref
	}
	return codes[0]
}

// startSessionLocked discards all per-session state and cancels a running
// geolocation request. s.mu must be held.
func (s *Selector) startSessionLocked() {
	s.state = State{Status: StatusUninitialized}
	s.session++
	s.geoDone = nil
	if s.geoCancel != nil {
		s.geoCancel()
		s.geoCancel = nil
	}
}

func (s *Selector) notify(prev, cur State) {
	if prev.Status == cur.Status && prev.ActiveCode == cur.ActiveCode &&
		prev.SuggestedCode == cur.SuggestedCode && prev.UserID == cur.UserID &&
		slices.Equal(prev.Granted, cur.Granted) && prev.Err == cur.Err {
		return
	}
	s.subsMu.Lock()
	fns := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subsMu.Unlock()

	ev := Event{Previous: prev, Current: cur}
	for _, fn := range fns {
		fn(ev)
	}
}
