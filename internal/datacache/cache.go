// Package datacache caches the seven-collection data bundle of each location
// code with stale-while-revalidate freshness. Bundles are keyed by the code
// they were fetched for and never mix rows of different locations.
package datacache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/kitchenops/internal/location"
	"github.com/onnwee/kitchenops/internal/tracing"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultActiveTTL is the freshness window of active-location reads.
	DefaultActiveTTL = 2 * time.Minute

	// DefaultPrefetchTTL is the freshness window of prefetched bundles.
	DefaultPrefetchTTL = 5 * time.Minute
)

// Status classifies a cached bundle.
type Status string

const (
	StatusFresh   Status = "fresh"
	StatusStale   Status = "stale"
	StatusMissing Status = "missing"
)

// Fetcher queries one collection filtered by a single location code.
type Fetcher interface {
	ListCollection(ctx context.Context, c location.Collection, code string, q location.Query) ([]location.Row, error)
}

// ActiveSource tells the cache which location is active and which are
// granted. It is satisfied by *selector.Selector.
type ActiveSource interface {
	ActiveCode() string
	IsGranted(code string) bool
}

// Config configures a Cache. Zero values take the defaults.
type Config struct {
	ActiveTTL   time.Duration
	PrefetchTTL time.Duration
	// MaxEntries bounds the number of cached bundles. Zero is unbounded.
	MaxEntries int
	// RowLimit overrides the per-collection row limit when positive.
	RowLimit int
	Logger   *slog.Logger
	Metrics  *Metrics
	Now      func() time.Time
}

// Stats describes the cache contents.
type Stats struct {
	Size      int      `json:"size"`
	Codes     []string `json:"codes"`
	Evictions uint64   `json:"evictions"`
}

type entry struct {
	bundle location.Bundle
	// window is the shortest freshness window of the accesses that shared
	// the fetch of the bundle.
	window      time.Duration
	invalidated bool
	lastUse     uint64
}

// Cache holds bundles per location code. All methods are safe for
// concurrent use.
type Cache struct {
	fetcher Fetcher
	active  ActiveSource
	cfg     Config
	logger  *slog.Logger
	group   singleflight.Group

	mu         sync.Mutex
	entries    map[string]*entry
	errs       map[string]error
	inflight   map[string]int
	refreshing map[string]bool
	generation uint64
	useSeq     uint64
	evictions  uint64

	// Invalidate calls are numbered so a fetch that overlaps one stores
	// its bundle stale.
	invalSeq  uint64
	invalAll  uint64
	invalCode map[string]uint64

	wg sync.WaitGroup
}

// New creates a cache reading collections from fetcher.
func New(fetcher Fetcher, active ActiveSource, cfg Config) *Cache {
	if cfg.ActiveTTL <= 0 {
		cfg.ActiveTTL = DefaultActiveTTL
	}
	if cfg.PrefetchTTL <= 0 {
		cfg.PrefetchTTL = DefaultPrefetchTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Cache{
		fetcher:    fetcher,
		active:     active,
		cfg:        cfg,
		logger:     cfg.Logger,
		entries:    make(map[string]*entry),
		errs:       make(map[string]error),
		inflight:   make(map[string]int),
		refreshing: make(map[string]bool),
		invalCode:  make(map[string]uint64),
	}
}

// ActiveBundle returns the bundle of the active location, or an empty bundle
// when no location is active. A missing bundle is fetched before returning.
// A stale bundle is returned immediately while a background refresh runs.
//
// The error is the last whole-bundle failure of the active code. Stale data
// is still returned alongside it; a failed first load returns an empty
// bundle keyed to the code.
func (c *Cache) ActiveBundle(ctx context.Context) (location.Bundle, error) {
	code := c.active.ActiveCode()
	if code == "" {
		return location.EmptyBundle(""), nil
	}

	c.mu.Lock()
	if e, ok := c.entries[code]; ok {
		c.touchLocked(e)
		st := c.statusLocked(e, c.cfg.ActiveTTL)
		b := cloneBundle(e.bundle)
		err := c.errs[code]
		c.mu.Unlock()

		if st == StatusFresh {
			c.cfg.Metrics.IncReads(readHit)
			return b, err
		}
		c.cfg.Metrics.IncReads(readStale)
		c.refresh(code)
		return b, err
	}
	c.mu.Unlock()

	c.cfg.Metrics.IncReads(readMiss)
	b, err := c.fetchActive(ctx, code)
	if err != nil {
		return location.EmptyBundle(code), err
	}
	return b, nil
}

// CurrentBundle returns the cached bundle of the active location without
// fetching, or an empty bundle keyed to the active code.
func (c *Cache) CurrentBundle() location.Bundle {
	code := c.active.ActiveCode()
	if b, ok := c.Bundle(code); ok {
		return b
	}
	return location.EmptyBundle(code)
}

// Bundle returns the cached bundle for code without fetching.
func (c *Cache) Bundle(code string) (location.Bundle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[code]
	if !ok {
		return location.Bundle{}, false
	}
	c.touchLocked(e)
	return cloneBundle(e.bundle), true
}

// Prefetch warms the cache for code with the prefetch freshness window.
// Codes outside the grant return an error wrapping
// location.ErrLocationNotGranted; fetch failures are logged and dropped.
func (c *Cache) Prefetch(ctx context.Context, code string) error {
	if !c.active.IsGranted(code) {
		return fmt.Errorf("%w: %s", location.ErrLocationNotGranted, code)
	}

	c.mu.Lock()
	if e, ok := c.entries[code]; ok && c.statusLocked(e, c.cfg.PrefetchTTL) == StatusFresh {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if _, err := c.fetch(ctx, code, c.cfg.PrefetchTTL); err != nil {
		c.logger.WarnContext(ctx, "location prefetch failed", "location_code", code, "error", err)
	}
	return nil
}

// Warm starts a background fetch for code unless a fresh bundle is cached.
// It is used right after a location switch.
func (c *Cache) Warm(code string) {
	if code == "" {
		return
	}
	c.mu.Lock()
	e, ok := c.entries[code]
	fresh := ok && c.statusLocked(e, c.cfg.ActiveTTL) == StatusFresh
	c.mu.Unlock()
	if !fresh {
		c.refresh(code)
	}
}

// Invalidate marks the bundles of codes stale, or every bundle when no code
// is given. Cached data stays readable until replaced. A fetch in flight
// for an invalidated code stores its result stale.
func (c *Cache) Invalidate(codes ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalSeq++
	if len(codes) == 0 {
		c.invalAll = c.invalSeq
		for _, e := range c.entries {
			e.invalidated = true
		}
		return
	}
	for _, code := range codes {
		c.invalCode[code] = c.invalSeq
		if e, ok := c.entries[code]; ok {
			e.invalidated = true
		}
	}
}

// Clear evicts every bundle. Fetches started before Clear do not repopulate
// the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.Metrics.AddEntries(-len(c.entries))
	c.entries = make(map[string]*entry)
	c.errs = make(map[string]error)
	c.generation++
}

// Stats returns the cached codes in sorted order.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	codes := make([]string, 0, len(c.entries))
	for code := range c.entries {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return Stats{Size: len(codes), Codes: codes, Evictions: c.evictions}
}

// Status classifies the bundle of code against the window it was fetched
// with.
func (c *Cache) Status(code string) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[code]
	if !ok {
		return StatusMissing
	}
	return c.statusLocked(e, e.window)
}

// ActiveError returns the last whole-bundle failure of the active code.
func (c *Cache) ActiveError() error {
	code := c.active.ActiveCode()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errs[code]
}

// IsLoading reports whether a fetch for the active code is in flight.
func (c *Cache) IsLoading() bool {
	code := c.active.ActiveCode()
	if code == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight[code] > 0
}

// Wait blocks until background refreshes have finished.
func (c *Cache) Wait() {
	c.wg.Wait()
}

func (c *Cache) fetchActive(ctx context.Context, code string) (location.Bundle, error) {
	b, err := c.fetch(ctx, code, c.cfg.ActiveTTL)
	c.mu.Lock()
	switch {
	case err == nil:
		delete(c.errs, code)
	case ctx.Err() == nil:
		c.errs[code] = err
	}
	c.mu.Unlock()
	return b, err
}

// refresh starts at most one background active-path refresh per code.
func (c *Cache) refresh(code string) {
	c.mu.Lock()
	if c.refreshing[code] {
		c.mu.Unlock()
		return
	}
	c.refreshing[code] = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.refreshing, code)
			c.mu.Unlock()
		}()
		_, _ = c.fetchActive(context.Background(), code)
	}()
}

// fetch loads the bundle of code, sharing one in-flight fetch per code.
// A caller whose ctx ends stops waiting; the shared fetch still completes
// and populates the cache.
func (c *Cache) fetch(ctx context.Context, code string, window time.Duration) (location.Bundle, error) {
	ch := c.group.DoChan(code, func() (any, error) {
		c.mu.Lock()
		c.inflight[code]++
		c.mu.Unlock()
		defer func() {
			c.mu.Lock()
			c.inflight[code]--
			if c.inflight[code] == 0 {
				delete(c.inflight, code)
			}
			c.mu.Unlock()
		}()
		return c.load(context.WithoutCancel(ctx), code, window)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			<-ch
		}()
		return location.Bundle{}, ctx.Err()
	}
	if res.Err != nil {
		return location.Bundle{}, res.Err
	}

	b := res.Val.(location.Bundle)
	c.mu.Lock()
	if e, ok := c.entries[code]; ok && e.bundle.FetchedAt.Equal(b.FetchedAt) && window < e.window {
		e.window = window
	}
	c.mu.Unlock()
	return cloneBundle(b), nil
}

// load runs the seven collection queries concurrently. Each collection
// settles on its own: a failing query leaves that collection empty. The
// bundle fails only when every collection fails.
func (c *Cache) load(ctx context.Context, code string, window time.Duration) (b location.Bundle, err error) {
	ctx, endSpan := tracing.StartLocationSpan(ctx, "datacache.fetch", code)
	defer func() { endSpan(err) }()

	c.mu.Lock()
	gen, inval := c.generation, c.invalSeq
	c.mu.Unlock()

	start := c.cfg.Now()
	rows := make([][]location.Row, len(location.Collections))
	errs := make([]error, len(location.Collections))

	var g errgroup.Group
	for i, col := range location.Collections {
		g.Go(func() error {
			rows[i], errs[i] = c.fetchCollection(ctx, col, code)
			return nil
		})
	}
	_ = g.Wait()

	b = location.EmptyBundle(code)
	failed := 0
	for i, col := range location.Collections {
		if errs[i] != nil {
			failed++
			errs[i] = fmt.Errorf("%s: %w", col, errs[i])
			continue
		}
		b.Set(col, rows[i])
	}
	b.FetchedAt = c.cfg.Now()
	c.cfg.Metrics.ObserveFetchDuration(b.FetchedAt.Sub(start).Seconds())

	if failed == len(location.Collections) {
		c.cfg.Metrics.IncFetches(outcomeError)
		err = fmt.Errorf("%w: %s: %w", location.ErrBundleFetch, code, errors.Join(errs...))
		c.logger.ErrorContext(ctx, "location bundle fetch failed", "location_code", code, "error", err)
		return location.Bundle{}, err
	}

	activeCode := c.active.ActiveCode()

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		c.cfg.Metrics.IncFetches(outcomeDiscarded)
		c.logger.DebugContext(ctx, "discarding bundle fetched before clear", "location_code", code)
		return b, nil
	}
	if _, ok := c.entries[code]; !ok {
		c.cfg.Metrics.AddEntries(1)
	}
	c.useSeq++
	c.entries[code] = &entry{
		bundle:      b,
		window:      window,
		invalidated: c.invalAll > inval || c.invalCode[code] > inval,
		lastUse:     c.useSeq,
	}
	c.evictLocked(activeCode)
	c.cfg.Metrics.IncFetches(outcomeSuccess)
	return b, nil
}

func (c *Cache) fetchCollection(ctx context.Context, col location.Collection, code string) ([]location.Row, error) {
	q := location.DefaultQuery(col)
	if c.cfg.RowLimit > 0 {
		q.Limit = c.cfg.RowLimit
	}

	fetched, err := c.fetcher.ListCollection(ctx, col, code, q)
	if err != nil {
		c.cfg.Metrics.IncCollectionFailures(string(col))
		c.logger.WarnContext(ctx, "collection fetch failed",
			"location_code", code, "collection", string(col), "error", err)
		return nil, err
	}

	kept := make([]location.Row, 0, len(fetched))
	for _, row := range fetched {
		if row.LocationCode == code {
			kept = append(kept, row)
		}
	}
	if dropped := len(fetched) - len(kept); dropped > 0 {
		c.cfg.Metrics.AddRowsDropped(string(col), dropped)
		c.logger.WarnContext(ctx, "dropped rows of another location",
			"location_code", code, "collection", string(col), "rows", dropped)
	}
	return kept, nil
}

func (c *Cache) statusLocked(e *entry, window time.Duration) Status {
	if e.invalidated || c.cfg.Now().Sub(e.bundle.FetchedAt) >= window {
		return StatusStale
	}
	return StatusFresh
}

func (c *Cache) touchLocked(e *entry) {
	c.useSeq++
	e.lastUse = c.useSeq
}

// evictLocked drops least recently used bundles above MaxEntries. The active
// code is never evicted.
func (c *Cache) evictLocked(activeCode string) {
	if c.cfg.MaxEntries <= 0 {
		return
	}
	for len(c.entries) > c.cfg.MaxEntries {
		victim := ""
		var oldest uint64
		for code, e := range c.entries {
			if code == activeCode {
				continue
			}
			if victim == "" || e.lastUse < oldest {
				victim, oldest = code, e.lastUse
			}
		}
		if victim == "" {
			return
		}
		delete(c.entries, victim)
		delete(c.errs, victim)
		c.evictions++
		c.cfg.Metrics.IncEvictions()
		c.cfg.Metrics.AddEntries(-1)
		c.logger.Debug("evicted location bundle", "location_code", victim)
	}
}

func cloneBundle(b location.Bundle) location.Bundle {
	out := b
	for _, col := range location.Collections {
		out.Set(col, slices.Clone(b.Rows(col)))
	}
	return out
}
