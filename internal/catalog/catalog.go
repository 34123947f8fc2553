// Package catalog holds the location hierarchy: every active location record,
// loaded once and served from memory for a long freshness window.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/kitchenops/internal/location"
	"github.com/onnwee/kitchenops/internal/tracing"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a loaded catalog is served without refetching.
// Hierarchy changes are rare operational events, not user actions.
const DefaultTTL = 30 * time.Minute

// Status is the load state of the catalog.
type Status string

// Catalog load states. StatusLoaded with zero records means "loaded empty".
const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusLoaded  Status = "loaded"
	StatusFailed  Status = "failed"
)

// Source fetches the active location records.
type Source interface {
	ListActiveLocations(ctx context.Context) ([]location.Record, error)
}

// Config configures a Catalog.
type Config struct {
	// TTL is the freshness window of a successful load. Zero uses DefaultTTL.
	TTL time.Duration
	// Logger for catalog activity. Nil uses slog.Default().
	Logger *slog.Logger
	// Metrics is optional.
	Metrics *Metrics
	// Now is the clock. Nil uses time.Now.
	Now func() time.Time
}

// Catalog is a read-through cache of the location hierarchy.
// After a load it is read-only shared state; all methods are safe for
// concurrent use.
type Catalog struct {
	source Source
	cfg    Config
	group  singleflight.Group

	mu       sync.RWMutex
	records  []location.Record
	byCode   map[string]int
	byID     map[string]int
	loadedAt time.Time
	loaded   bool
	status   Status
	err      error
}

// New creates a catalog reading from source.
func New(source Source, cfg Config) *Catalog {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Catalog{
		source: source,
		cfg:    cfg,
		byCode: make(map[string]int),
		byID:   make(map[string]int),
		status: StatusIdle,
	}
}

// Load returns the active records ordered by depth then name, fetching them
// only when the cached set is missing or older than the TTL. Concurrent
// callers share a single fetch. A failed fetch keeps any previously loaded
// records and returns an error wrapping location.ErrCatalogLoad.
func (c *Catalog) Load(ctx context.Context) ([]location.Record, error) {
	if c.fresh() {
		return c.Records(), nil
	}

	_, err, _ := c.group.Do("catalog", func() (any, error) {
		if c.fresh() {
			return nil, nil
		}
		return nil, c.fetch(context.WithoutCancel(ctx))
	})

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.copyRecords(), err
}

func (c *Catalog) fresh() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status == StatusLoaded && !c.loadedAt.IsZero() && c.cfg.Now().Sub(c.loadedAt) < c.cfg.TTL
}

func (c *Catalog) fetch(ctx context.Context) (err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "catalog.load")
	defer func() { endSpan(err) }()

	c.mu.Lock()
	c.status = StatusLoading
	c.mu.Unlock()

	start := c.cfg.Now()
	fetched, fetchErr := c.source.ListActiveLocations(ctx)
	if fetchErr != nil {
		err = fmt.Errorf("%w: %w", location.ErrCatalogLoad, fetchErr)
		c.mu.Lock()
		c.status = StatusFailed
		c.err = err
		c.mu.Unlock()
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.IncLoads(outcomeError)
		}
		c.cfg.Logger.ErrorContext(ctx, "location catalog load failed", "error", fetchErr)
		return err
	}

	records := make([]location.Record, 0, len(fetched))
	for _, r := range fetched {
		if r.IsActive {
			records = append(records, r)
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Depth != records[j].Depth {
			return records[i].Depth < records[j].Depth
		}
		return records[i].Name < records[j].Name
	})

	byCode := make(map[string]int, len(records))
	byID := make(map[string]int, len(records))
	for i, r := range records {
		byCode[r.Code] = i
		byID[r.ID] = i
	}

	c.mu.Lock()
	c.records = records
	c.byCode = byCode
	c.byID = byID
	c.loadedAt = c.cfg.Now()
	c.loaded = true
	c.status = StatusLoaded
	c.err = nil
	c.mu.Unlock()

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.IncLoads(outcomeSuccess)
		c.cfg.Metrics.SetRecords(float64(len(records)))
		c.cfg.Metrics.ObserveLoadDuration(c.cfg.Now().Sub(start).Seconds())
	}
	c.cfg.Logger.InfoContext(ctx, "location catalog loaded", "records", len(records))
	return nil
}

// Invalidate forces the next Load to refetch. Loaded records stay readable.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadedAt = time.Time{}
}

// Status returns the current load state.
func (c *Catalog) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Err returns the last load error, or nil after a successful load.
func (c *Catalog) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Loaded reports whether records from a successful load are available.
func (c *Catalog) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

// Records returns a copy of the loaded records.
func (c *Catalog) Records() []location.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.copyRecords()
}

// ByCode returns the record for code.
func (c *Catalog) ByCode(code string) (location.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.byCode[code]
	if !ok {
		return location.Record{}, false
	}
	return c.records[i], true
}

// Coordinates returns the stored coordinates of code, if any.
func (c *Catalog) Coordinates(code string) (location.Coordinates, bool) {
	r, ok := c.ByCode(code)
	if !ok || r.Coordinates == nil {
		return location.Coordinates{}, false
	}
	return *r.Coordinates, true
}

// Ancestors returns the records above id, root first. The walk stops after
// depth+1 steps so a corrupted parent chain cannot loop.
func (c *Catalog) Ancestors(id string) []location.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	i, ok := c.byID[id]
	if !ok {
		return nil
	}
	current := c.records[i]

	var chain []location.Record
	for steps := 0; current.ParentID != nil && steps <= c.records[i].Depth; steps++ {
		pi, ok := c.byID[*current.ParentID]
		if !ok {
			break
		}
		current = c.records[pi]
		chain = append(chain, current)
	}

	for l, r := 0, len(chain)-1; l < r; l, r = l+1, r-1 {
		chain[l], chain[r] = chain[r], chain[l]
	}
	return chain
}

// Descendants returns every record below id: those whose full path extends
// the target's path and whose depth is strictly greater.
func (c *Catalog) Descendants(id string) []location.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	i, ok := c.byID[id]
	if !ok {
		return nil
	}
	target := c.records[i]
	prefix := target.FullPath + PathSeparator

	var out []location.Record
	for _, r := range c.records {
		if r.Depth > target.Depth && strings.HasPrefix(r.FullPath, prefix) {
			out = append(out, r)
		}
	}
	return out
}

// PathSeparator joins the segments of a record's full path.
const PathSeparator = " > "

func (c *Catalog) copyRecords() []location.Record {
	out := make([]location.Record, len(c.records))
	copy(out, c.records)
	return out
}
