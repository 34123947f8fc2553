package remote

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/onnwee/kitchenops/internal/location"
)

// InMemoryFetcher is an in-memory Fetcher for development and tests.
// Collection failures and call counts are observable so callers can
// exercise partial-failure and coalescing behaviour.
// Thread-safe via RWMutex.
type InMemoryFetcher struct {
	mu         sync.RWMutex
	locations  []location.Record
	rows       map[location.Collection][]location.Row
	failures   map[location.Collection]error
	catalogErr error
	gate       chan struct{}

	catalogCalls    int
	collectionCalls map[string]int // "collection:code" -> calls
}

// NewInMemoryFetcher creates an empty in-memory fetcher.
func NewInMemoryFetcher() *InMemoryFetcher {
	return &InMemoryFetcher{
		rows:            make(map[location.Collection][]location.Row),
		failures:        make(map[location.Collection]error),
		collectionCalls: make(map[string]int),
	}
}

// AddLocation adds a catalog record. A missing ID is filled with a UUID.
func (f *InMemoryFetcher) AddLocation(r location.Record) location.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	f.locations = append(f.locations, r)
	return r
}

// AddRow appends a row to a collection. A missing ID is filled with a UUID.
func (f *InMemoryFetcher) AddRow(c location.Collection, row location.Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row.ID == "" {
		row.ID = uuid.New().String()
	}
	f.rows[c] = append(f.rows[c], row)
}

// FailCollection makes every fetch of c return err. A nil err clears it.
func (f *InMemoryFetcher) FailCollection(c location.Collection, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, c)
		return
	}
	f.failures[c] = err
}

// FailCatalog makes ListActiveLocations return err. A nil err clears it.
func (f *InMemoryFetcher) FailCatalog(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.catalogErr = err
}

// Hold makes every collection fetch wait until Release is called.
func (f *InMemoryFetcher) Hold() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gate == nil {
		f.gate = make(chan struct{})
	}
}

// Release unblocks fetches waiting on Hold.
func (f *InMemoryFetcher) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gate != nil {
		close(f.gate)
		f.gate = nil
	}
}

// CatalogCalls returns the number of ListActiveLocations calls.
func (f *InMemoryFetcher) CatalogCalls() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.catalogCalls
}

// CollectionCalls returns the number of fetches of c for code.
func (f *InMemoryFetcher) CollectionCalls(c location.Collection, code string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.collectionCalls[string(c)+":"+code]
}

// ListActiveLocations returns active records as stored.
func (f *InMemoryFetcher) ListActiveLocations(ctx context.Context) ([]location.Record, error) {
	f.mu.Lock()
	f.catalogCalls++
	err := f.catalogErr
	records := make([]location.Record, 0, len(f.locations))
	for _, r := range f.locations {
		if r.IsActive {
			records = append(records, r)
		}
	}
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return records, nil
}

// ListCollection returns rows of c for code, ordered by row ID and truncated
// to q.Limit. Ordering by arbitrary columns is not modelled in memory.
func (f *InMemoryFetcher) ListCollection(ctx context.Context, c location.Collection, code string, q location.Query) ([]location.Row, error) {
	if !c.Valid() {
		return nil, ErrUnknownCollection
	}

	f.mu.Lock()
	f.collectionCalls[string(c)+":"+code]++
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if err := f.failures[c]; err != nil {
		return nil, err
	}

	var out []location.Row
	for _, row := range f.rows[c] {
		if row.LocationCode == code {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if q.Descending {
			return out[i].ID > out[j].ID
		}
		return out[i].ID < out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}
