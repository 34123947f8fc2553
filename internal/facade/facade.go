// Package facade merges the location catalog, selector and data cache into
// one read model. It is the contract the rest of the application consumes.
package facade

import (
	"context"
	"log/slog"

	"github.com/onnwee/kitchenops/internal/catalog"
	"github.com/onnwee/kitchenops/internal/datacache"
	"github.com/onnwee/kitchenops/internal/location"
	"github.com/onnwee/kitchenops/internal/selector"
)

// Location is a granted location as shown to a user.
type Location struct {
	Code        string                `json:"code"`
	Name        string                `json:"name"`
	FullPath    string                `json:"fullPath,omitempty"`
	Depth       int                   `json:"depth"`
	Coordinates *location.Coordinates `json:"coordinates,omitempty"`
}

// State is the merged read model.
type State struct {
	ActiveLocation     *Location        `json:"activeLocation"`
	AvailableLocations []Location       `json:"availableLocations"`
	CanSwitchLocations bool             `json:"canSwitchLocations"`
	IsLocationBlocked  bool             `json:"isLocationBlocked"`
	SuggestedLocation  *Location        `json:"suggestedLocation"`
	ActiveLocationData *location.Bundle `json:"activeLocationData"`
	IsLoading          bool             `json:"isLoading"`
	Error              string           `json:"error,omitempty"`

	// Err is the first non-nil of the catalog, grant and bundle errors.
	Err error `json:"-"`
}

// CacheReport describes the data cache of a session.
type CacheReport struct {
	datacache.Stats
	Statuses map[string]datacache.Status `json:"statuses"`
}

// Facade composes the three location components of one session.
type Facade struct {
	catalog  *catalog.Catalog
	selector *selector.Selector
	cache    *datacache.Cache
	logger   *slog.Logger

	unsubscribe func()
}

// New creates a facade. A location switch warms the new location's bundle.
func New(cat *catalog.Catalog, sel *selector.Selector, cache *datacache.Cache, logger *slog.Logger) *Facade {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Facade{
		catalog:  cat,
		selector: sel,
		cache:    cache,
		logger:   logger,
	}
	f.unsubscribe = sel.Subscribe(func(e selector.Event) {
		if e.ActiveChanged() && e.Previous.ActiveCode != "" && e.Current.ActiveCode != "" {
			cache.Warm(e.Current.ActiveCode)
		}
	})
	return f
}

// SyncGrant loads the catalog on first use or once its TTL has expired, then
// applies the user's grant. A failed catalog is not refetched here; it stays
// failed until RetryCatalog. The failure is reported through State and the
// grant is still applied.
func (f *Facade) SyncGrant(ctx context.Context, grant location.Grant) {
	if f.catalog.Status() != catalog.StatusFailed {
		if _, err := f.catalog.Load(ctx); err != nil {
			f.logger.WarnContext(ctx, "applying grant without a loaded catalog",
				"user_id", grant.UserID, "error", err)
		}
	}
	f.selector.SetGrant(ctx, grant)
}

// FailGrant blocks the session because the grant could not be determined.
func (f *Facade) FailGrant(userID string, err error) {
	f.selector.FailGrant(userID, err)
}

// State returns the read model, fetching the active bundle if it is not
// cached yet.
func (f *Facade) State(ctx context.Context) State {
	st := f.snapshot()
	if st.IsLocationBlocked || st.ActiveLocation == nil {
		return st
	}
	b, err := f.cache.ActiveBundle(ctx)
	st.ActiveLocationData = &b
	st.IsLoading = f.isLoading()
	if st.Err == nil && err != nil {
		st.Err = err
		st.Error = err.Error()
	}
	return st
}

// Snapshot returns the read model without fetching. A bundle that is not
// cached yet is reported as an empty bundle keyed to the active code.
func (f *Facade) Snapshot() State {
	st := f.snapshot()
	if st.IsLocationBlocked || st.ActiveLocation == nil {
		return st
	}
	b := f.cache.CurrentBundle()
	st.ActiveLocationData = &b
	return st
}

func (f *Facade) snapshot() State {
	sel := f.selector.State()
	// A failed refresh keeps serving the records of the last good load.
	catalogDown := f.catalog.Status() == catalog.StatusFailed && !f.catalog.Loaded()

	st := State{
		AvailableLocations: make([]Location, 0, len(sel.Granted)),
		CanSwitchLocations: len(sel.Granted) > 1,
		IsLocationBlocked:  sel.Status == selector.StatusBlocked || catalogDown,
		IsLoading:          f.isLoadingWith(sel),
	}
	for _, code := range sel.Granted {
		st.AvailableLocations = append(st.AvailableLocations, f.describe(code))
	}
	if sel.ActiveCode != "" {
		loc := f.describe(sel.ActiveCode)
		st.ActiveLocation = &loc
	}
	if sel.SuggestedCode != "" {
		loc := f.describe(sel.SuggestedCode)
		st.SuggestedLocation = &loc
	}

	st.Err = firstError(f.catalog.Err(), sel.Err, f.cache.ActiveError())
	if st.Err != nil {
		st.Error = st.Err.Error()
	}
	return st
}

func (f *Facade) describe(code string) Location {
	rec, ok := f.catalog.ByCode(code)
	if !ok {
		return Location{Code: code, Name: code}
	}
	return Location{
		Code:        rec.Code,
		Name:        rec.Name,
		FullPath:    rec.FullPath,
		Depth:       rec.Depth,
		Coordinates: rec.Coordinates,
	}
}

func (f *Facade) isLoading() bool {
	return f.isLoadingWith(f.selector.State())
}

func (f *Facade) isLoadingWith(sel selector.State) bool {
	return f.catalog.Status() == catalog.StatusLoading ||
		sel.Status == selector.StatusResolving ||
		f.cache.IsLoading()
}

// SetActiveLocation switches the active location. Codes outside the grant
// are ignored and reported as false.
func (f *Facade) SetActiveLocation(ctx context.Context, code string) bool {
	return f.selector.SetActive(ctx, code)
}

// RequestLocationPermission runs a geolocation request and returns the
// resulting suggestion, if any.
func (f *Facade) RequestLocationPermission(ctx context.Context) *Location {
	sel := f.selector.RequestGeoPermission(ctx)
	if sel.SuggestedCode == "" {
		return nil
	}
	loc := f.describe(sel.SuggestedCode)
	return &loc
}

// AcceptSuggestedLocation switches to the suggested location.
func (f *Facade) AcceptSuggestedLocation(ctx context.Context) bool {
	return f.selector.AcceptSuggestion(ctx)
}

// DismissSuggestedLocation drops the suggestion.
func (f *Facade) DismissSuggestedLocation() {
	f.selector.DismissSuggestion()
}

// PrefetchLocationData warms the bundle of a granted location.
func (f *Facade) PrefetchLocationData(ctx context.Context, code string) error {
	return f.cache.Prefetch(ctx, code)
}

// InvalidateLocationData marks the bundles of codes stale, or all bundles
// when no code is given.
func (f *Facade) InvalidateLocationData(codes ...string) {
	f.cache.Invalidate(codes...)
}

// RetryCatalog reloads the catalog and re-applies the current grant so
// codes missing from the catalog are filtered again.
func (f *Facade) RetryCatalog(ctx context.Context) error {
	f.catalog.Invalidate()
	_, err := f.catalog.Load(ctx)
	sel := f.selector.State()
	if sel.UserID != "" && sel.Err == nil {
		f.selector.SetGrant(ctx, location.Grant{UserID: sel.UserID, Codes: sel.Granted})
	}
	return err
}

// CacheReport returns the cache contents and per-code freshness.
func (f *Facade) CacheReport() CacheReport {
	stats := f.cache.Stats()
	statuses := make(map[string]datacache.Status, len(stats.Codes))
	for _, code := range stats.Codes {
		statuses[code] = f.cache.Status(code)
	}
	return CacheReport{Stats: stats, Statuses: statuses}
}

// Subscribe registers fn for selector changes.
func (f *Facade) Subscribe(fn func(selector.Event)) func() {
	return f.selector.Subscribe(fn)
}

// Logout resets the selector and evicts every cached bundle.
func (f *Facade) Logout(ctx context.Context) {
	f.selector.Reset(ctx)
	f.cache.Clear()
}

// Close detaches the facade from its selector, cancels a running
// geolocation request and waits for background work.
func (f *Facade) Close() {
	f.unsubscribe()
	f.selector.Close()
	f.cache.Wait()
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
