package datacache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/onnwee/kitchenops/internal/location"
	"github.com/onnwee/kitchenops/internal/remote"
)

type fakeActive struct {
	mu      sync.RWMutex
	code    string
	granted []string
}

func (f *fakeActive) ActiveCode() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.code
}

func (f *fakeActive) IsGranted(code string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return slices.Contains(f.granted, code)
}

func (f *fakeActive) set(code string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.code = code
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// seedRows adds n rows per collection for each code.
func seedRows(f *remote.InMemoryFetcher, n int, codes ...string) {
	for _, code := range codes {
		for _, col := range location.Collections {
			for i := 0; i < n; i++ {
				f.AddRow(col, location.Row{
					ID:           fmt.Sprintf("%s-%s-%d", code, col, i),
					LocationCode: code,
					Data:         []byte(`{"n":1}`),
				})
			}
		}
	}
}

type harness struct {
	fetcher *remote.InMemoryFetcher
	active  *fakeActive
	clock   *clock
	metrics *Metrics
	cache   *Cache
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		fetcher: remote.NewInMemoryFetcher(),
		active:  &fakeActive{code: "menton", granted: []string{"menton", "lyon", "paris"}},
		clock:   newClock(),
		metrics: NewMetrics(),
	}
	seedRows(h.fetcher, 1, "menton", "lyon", "paris")
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg.Metrics = h.metrics
	cfg.Now = h.clock.Now
	h.cache = New(h.fetcher, h.active, cfg)
	return h
}

func assertScoped(t *testing.T, b location.Bundle, code string) {
	t.Helper()
	if b.Code != code {
		t.Fatalf("expected bundle for %q, got %q", code, b.Code)
	}
	for _, col := range location.Collections {
		for _, row := range b.Rows(col) {
			if row.LocationCode != code {
				t.Fatalf("%s: row %s belongs to %q, bundle is %q", col, row.ID, row.LocationCode, code)
			}
		}
	}
}

func counterValue(t *testing.T, cv *prometheus.CounterVec, label string) float64 {
	t.Helper()
	var m dto.Metric
	if err := cv.WithLabelValues(label).Write(&m); err != nil {
		t.Fatalf("failed to read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestActiveBundle_FetchesOnceAndCaches(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	b, err := h.cache.ActiveBundle(ctx)
	if err != nil {
		t.Fatalf("ActiveBundle() error: %v", err)
	}
	assertScoped(t, b, "menton")
	for _, col := range location.Collections {
		if len(b.Rows(col)) != 1 {
			t.Errorf("%s: expected 1 row, got %d", col, len(b.Rows(col)))
		}
	}
	if !b.FetchedAt.Equal(h.clock.Now()) {
		t.Errorf("expected FetchedAt %v, got %v", h.clock.Now(), b.FetchedAt)
	}

	if _, err := h.cache.ActiveBundle(ctx); err != nil {
		t.Fatalf("second ActiveBundle() error: %v", err)
	}
	for _, col := range location.Collections {
		if n := h.fetcher.CollectionCalls(col, "menton"); n != 1 {
			t.Errorf("%s: expected 1 fetch, got %d", col, n)
		}
	}
	if got := counterValue(t, h.metrics.reads, readHit); got != 1 {
		t.Errorf("expected 1 hit, got %v", got)
	}
	if got := counterValue(t, h.metrics.reads, readMiss); got != 1 {
		t.Errorf("expected 1 miss, got %v", got)
	}
}

func TestActiveBundle_NoActiveLocation(t *testing.T) {
	h := newHarness(t, Config{})
	h.active.set("")

	b, err := h.cache.ActiveBundle(context.Background())
	if err != nil {
		t.Fatalf("ActiveBundle() error: %v", err)
	}
	if b.Code != "" || b.Closures == nil || len(b.Closures) != 0 {
		t.Errorf("expected an empty placeholder bundle, got %+v", b)
	}
	if h.fetcher.CollectionCalls(location.CollectionClosures, "") != 0 {
		t.Error("expected no fetch without an active location")
	}
}

func TestBundle_NoCrossLocationLeakage(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	if _, err := h.cache.ActiveBundle(ctx); err != nil {
		t.Fatalf("ActiveBundle() error: %v", err)
	}
	before, _ := h.cache.Bundle("menton")

	if err := h.cache.Prefetch(ctx, "lyon"); err != nil {
		t.Fatalf("Prefetch() error: %v", err)
	}

	after, ok := h.cache.Bundle("menton")
	if !ok {
		t.Fatal("menton bundle disappeared")
	}
	assertScoped(t, after, "menton")
	if !after.FetchedAt.Equal(before.FetchedAt) || len(after.Orders) != len(before.Orders) {
		t.Error("fetching lyon mutated the menton entry")
	}
	lyon, _ := h.cache.Bundle("lyon")
	assertScoped(t, lyon, "lyon")
}

// leakyFetcher ignores the code filter for one collection.
type leakyFetcher struct {
	*remote.InMemoryFetcher
	leak location.Collection
}

func (f leakyFetcher) ListCollection(ctx context.Context, c location.Collection, code string, q location.Query) ([]location.Row, error) {
	rows, err := f.InMemoryFetcher.ListCollection(ctx, c, code, q)
	if err != nil || c != f.leak {
		return rows, err
	}
	return append(rows, location.Row{ID: "stray", LocationCode: "lyon"}), nil
}

func TestLoad_DropsRowsOfOtherLocations(t *testing.T) {
	h := newHarness(t, Config{})
	h.cache = New(leakyFetcher{h.fetcher, location.CollectionOrders}, h.active, Config{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics: h.metrics,
		Now:     h.clock.Now,
	})

	b, err := h.cache.ActiveBundle(context.Background())
	if err != nil {
		t.Fatalf("ActiveBundle() error: %v", err)
	}
	assertScoped(t, b, "menton")
	if len(b.Orders) != 1 {
		t.Errorf("expected the stray order dropped, got %d orders", len(b.Orders))
	}
	if got := counterValue(t, h.metrics.rowsDropped, string(location.CollectionOrders)); got != 1 {
		t.Errorf("expected 1 dropped row, got %v", got)
	}
}

func TestLoad_PartialFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.fetcher.FailCollection(location.CollectionSuppliers, errors.New("suppliers down"))

	b, err := h.cache.ActiveBundle(context.Background())
	if err != nil {
		t.Fatalf("expected no bundle error, got %v", err)
	}
	if b.Suppliers == nil || len(b.Suppliers) != 0 {
		t.Errorf("expected empty suppliers, got %v", b.Suppliers)
	}
	for _, col := range location.Collections {
		if col == location.CollectionSuppliers {
			continue
		}
		if len(b.Rows(col)) != 1 {
			t.Errorf("%s: expected 1 row, got %d", col, len(b.Rows(col)))
		}
	}
	if st := h.cache.Status("menton"); st != StatusFresh {
		t.Errorf("expected fresh, got %s", st)
	}
	if h.cache.ActiveError() != nil {
		t.Errorf("expected no active error, got %v", h.cache.ActiveError())
	}
	if got := counterValue(t, h.metrics.collectionFailures, string(location.CollectionSuppliers)); got != 1 {
		t.Errorf("expected 1 collection failure, got %v", got)
	}
}

func TestLoad_WholeBundleFailure(t *testing.T) {
	h := newHarness(t, Config{})
	for _, col := range location.Collections {
		h.fetcher.FailCollection(col, errors.New("database unavailable"))
	}

	b, err := h.cache.ActiveBundle(context.Background())
	if !errors.Is(err, location.ErrBundleFetch) {
		t.Fatalf("expected ErrBundleFetch, got %v", err)
	}
	if b.Code != "menton" || len(b.Orders) != 0 {
		t.Errorf("expected empty bundle keyed to menton, got %+v", b)
	}
	if !errors.Is(h.cache.ActiveError(), location.ErrBundleFetch) {
		t.Errorf("expected ActiveError to carry the failure, got %v", h.cache.ActiveError())
	}
	if st := h.cache.Status("menton"); st != StatusMissing {
		t.Errorf("expected missing after a failed first load, got %s", st)
	}

	for _, col := range location.Collections {
		h.fetcher.FailCollection(col, nil)
	}
	if _, err := h.cache.ActiveBundle(context.Background()); err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if h.cache.ActiveError() != nil {
		t.Errorf("expected error cleared after success, got %v", h.cache.ActiveError())
	}
}

func TestActiveBundle_StaleWhileRevalidate(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	first, _ := h.cache.ActiveBundle(ctx)
	h.clock.Advance(3 * time.Minute)
	if st := h.cache.Status("menton"); st != StatusStale {
		t.Fatalf("expected stale, got %s", st)
	}

	h.fetcher.Hold()
	done := make(chan location.Bundle, 1)
	go func() {
		b, _ := h.cache.ActiveBundle(ctx)
		done <- b
	}()

	select {
	case b := <-done:
		if !b.FetchedAt.Equal(first.FetchedAt) {
			t.Error("expected the stale bundle to be served")
		}
	case <-time.After(time.Second):
		t.Fatal("stale read blocked on the refresh")
	}

	h.fetcher.Release()
	h.cache.Wait()

	if st := h.cache.Status("menton"); st != StatusFresh {
		t.Errorf("expected fresh after refresh, got %s", st)
	}
	b, _ := h.cache.Bundle("menton")
	if !b.FetchedAt.Equal(h.clock.Now()) {
		t.Errorf("expected refreshed FetchedAt %v, got %v", h.clock.Now(), b.FetchedAt)
	}
	if n := h.fetcher.CollectionCalls(location.CollectionOrders, "menton"); n != 2 {
		t.Errorf("expected 2 fetches, got %d", n)
	}
}

func TestActiveBundle_StaleDataKeptOnRefreshFailure(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	first, _ := h.cache.ActiveBundle(ctx)
	h.clock.Advance(3 * time.Minute)
	for _, col := range location.Collections {
		h.fetcher.FailCollection(col, errors.New("database unavailable"))
	}

	if _, err := h.cache.ActiveBundle(ctx); err != nil {
		t.Fatalf("expected stale read without error, got %v", err)
	}
	h.cache.Wait()

	b, err := h.cache.ActiveBundle(ctx)
	h.cache.Wait()
	if !errors.Is(err, location.ErrBundleFetch) {
		t.Fatalf("expected the refresh failure annotated, got %v", err)
	}
	if !b.FetchedAt.Equal(first.FetchedAt) || len(b.Orders) != 1 {
		t.Error("expected stale data alongside the error")
	}
}

func TestActiveBundle_SwitchVisibility(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	if _, err := h.cache.ActiveBundle(ctx); err != nil {
		t.Fatalf("ActiveBundle() error: %v", err)
	}

	h.fetcher.Hold()
	h.active.set("lyon")

	placeholder := h.cache.CurrentBundle()
	if placeholder.Code != "lyon" || len(placeholder.Orders) != 0 {
		t.Fatalf("expected empty lyon placeholder, got %+v", placeholder)
	}

	done := make(chan location.Bundle, 1)
	go func() {
		b, _ := h.cache.ActiveBundle(ctx)
		done <- b
	}()
	time.Sleep(10 * time.Millisecond)
	if !h.cache.IsLoading() {
		t.Error("expected IsLoading during the first lyon fetch")
	}
	h.fetcher.Release()

	select {
	case b := <-done:
		assertScoped(t, b, "lyon")
		if len(b.Orders) != 1 {
			t.Errorf("expected lyon orders, got %d", len(b.Orders))
		}
	case <-time.After(time.Second):
		t.Fatal("ActiveBundle did not complete")
	}

	h.active.set("menton")
	if b := h.cache.CurrentBundle(); b.Code != "menton" || len(b.Orders) != 1 {
		t.Errorf("expected cached menton bundle after switching back, got %+v", b)
	}
}

func TestFetch_CoalescesSameCode(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.fetcher.Hold()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.cache.ActiveBundle(ctx); err != nil {
				t.Errorf("ActiveBundle() error: %v", err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	h.fetcher.Release()
	wg.Wait()

	for _, col := range location.Collections {
		if n := h.fetcher.CollectionCalls(col, "menton"); n != 1 {
			t.Errorf("%s: expected 1 fetch, got %d", col, n)
		}
	}
}

func TestPrefetch(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects ungranted codes", func(t *testing.T) {
		h := newHarness(t, Config{})
		err := h.cache.Prefetch(ctx, "nice")
		if !errors.Is(err, location.ErrLocationNotGranted) {
			t.Fatalf("expected ErrLocationNotGranted, got %v", err)
		}
		if h.fetcher.CollectionCalls(location.CollectionOrders, "nice") != 0 {
			t.Error("expected no fetch for an ungranted code")
		}
	})

	t.Run("uses the prefetch window", func(t *testing.T) {
		h := newHarness(t, Config{})
		if err := h.cache.Prefetch(ctx, "lyon"); err != nil {
			t.Fatalf("Prefetch() error: %v", err)
		}
		h.clock.Advance(3 * time.Minute)
		if st := h.cache.Status("lyon"); st != StatusFresh {
			t.Errorf("expected prefetched bundle fresh at 3m, got %s", st)
		}
		if err := h.cache.Prefetch(ctx, "lyon"); err != nil {
			t.Fatalf("Prefetch() error: %v", err)
		}
		if n := h.fetcher.CollectionCalls(location.CollectionOrders, "lyon"); n != 1 {
			t.Errorf("expected a fresh prefetch to skip fetching, got %d fetches", n)
		}
		h.clock.Advance(3 * time.Minute)
		if st := h.cache.Status("lyon"); st != StatusStale {
			t.Errorf("expected stale at 6m, got %s", st)
		}
	})

	t.Run("discards failures", func(t *testing.T) {
		h := newHarness(t, Config{})
		for _, col := range location.Collections {
			h.fetcher.FailCollection(col, errors.New("down"))
		}
		if err := h.cache.Prefetch(ctx, "lyon"); err != nil {
			t.Fatalf("expected prefetch failure discarded, got %v", err)
		}
		if st := h.cache.Status("lyon"); st != StatusMissing {
			t.Errorf("expected missing, got %s", st)
		}
		if h.cache.ActiveError() != nil {
			t.Error("prefetch failure leaked into the active error")
		}
	})
}

func TestInvalidate(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	_, _ = h.cache.ActiveBundle(ctx)
	_ = h.cache.Prefetch(ctx, "lyon")

	h.cache.Invalidate("lyon")
	if st := h.cache.Status("lyon"); st != StatusStale {
		t.Errorf("expected lyon stale, got %s", st)
	}
	if st := h.cache.Status("menton"); st != StatusFresh {
		t.Errorf("expected menton untouched, got %s", st)
	}
	if _, ok := h.cache.Bundle("lyon"); !ok {
		t.Error("expected invalidated data to stay readable")
	}

	h.cache.Invalidate()
	if st := h.cache.Status("menton"); st != StatusStale {
		t.Errorf("expected menton stale, got %s", st)
	}

	_, _ = h.cache.ActiveBundle(ctx)
	h.cache.Wait()
	if n := h.fetcher.CollectionCalls(location.CollectionOrders, "menton"); n != 2 {
		t.Errorf("expected a refetch after invalidation, got %d fetches", n)
	}
	if st := h.cache.Status("menton"); st != StatusFresh {
		t.Errorf("expected fresh after refetch, got %s", st)
	}
}

func TestClear(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	_, _ = h.cache.ActiveBundle(ctx)

	h.cache.Clear()
	if s := h.cache.Stats(); s.Size != 0 || len(s.Codes) != 0 {
		t.Fatalf("expected empty cache, got %+v", s)
	}

	h.fetcher.Hold()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.cache.Prefetch(ctx, "lyon")
	}()
	deadline := time.Now().Add(time.Second)
	for h.fetcher.CollectionCalls(location.CollectionOrders, "lyon") == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	h.cache.Clear()
	h.fetcher.Release()
	<-done

	if st := h.cache.Status("lyon"); st != StatusMissing {
		t.Errorf("expected a fetch started before Clear to be discarded, got %s", st)
	}
}

func TestMaxEntries_EvictsLeastRecentlyUsed(t *testing.T) {
	h := newHarness(t, Config{MaxEntries: 2})
	ctx := context.Background()

	_, _ = h.cache.ActiveBundle(ctx)
	h.clock.Advance(time.Second)
	_ = h.cache.Prefetch(ctx, "lyon")
	h.clock.Advance(time.Second)
	_ = h.cache.Prefetch(ctx, "paris")

	s := h.cache.Stats()
	if !slices.Equal(s.Codes, []string{"menton", "paris"}) {
		t.Errorf("expected menton and paris kept, got %v", s.Codes)
	}
	if s.Evictions != 1 {
		t.Errorf("expected 1 eviction, got %d", s.Evictions)
	}

	_, _ = h.cache.Bundle("paris")
	_ = h.cache.Prefetch(ctx, "lyon")
	s = h.cache.Stats()
	if !slices.Equal(s.Codes, []string{"lyon", "menton"}) {
		t.Errorf("expected the active code kept, got %v", s.Codes)
	}
}

func TestStats_SortedCodes(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	_ = h.cache.Prefetch(ctx, "paris")
	_ = h.cache.Prefetch(ctx, "lyon")

	s := h.cache.Stats()
	if s.Size != 2 || !slices.Equal(s.Codes, []string{"lyon", "paris"}) {
		t.Errorf("unexpected stats %+v", s)
	}
	if st := h.cache.Status("menton"); st != StatusMissing {
		t.Errorf("expected menton missing, got %s", st)
	}
}

func TestRowLimit(t *testing.T) {
	h := newHarness(t, Config{RowLimit: 2})
	seedRows(h.fetcher, 4, "menton")

	b, _ := h.cache.ActiveBundle(context.Background())
	if len(b.Orders) != 2 {
		t.Errorf("expected 2 orders with RowLimit 2, got %d", len(b.Orders))
	}
}

func TestBundle_ReturnsCopies(t *testing.T) {
	h := newHarness(t, Config{})
	b, _ := h.cache.ActiveBundle(context.Background())
	b.Orders[0].ID = "mutated"

	cached, _ := h.cache.Bundle("menton")
	if cached.Orders[0].ID == "mutated" {
		t.Error("caller mutation reached the cache")
	}
}

func TestMetrics_EntriesGauge(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	_ = h.cache.Prefetch(ctx, "lyon")
	_ = h.cache.Prefetch(ctx, "paris")
	h.cache.Invalidate("paris")
	_ = h.cache.Prefetch(ctx, "paris")

	var m dto.Metric
	if err := h.metrics.entries.Write(&m); err != nil {
		t.Fatalf("failed to read gauge: %v", err)
	}
	if got := m.GetGauge().GetValue(); got != 2 {
		t.Errorf("expected 2 entries, got %v", got)
	}

	h.cache.Clear()
	m.Reset()
	if err := h.metrics.entries.Write(&m); err != nil {
		t.Fatalf("failed to read gauge: %v", err)
	}
	if got := m.GetGauge().GetValue(); got != 0 {
		t.Errorf("expected 0 entries after clear, got %v", got)
	}
}

// waitForFetch blocks until a held fetch of code has reached the fetcher.
func waitForFetch(t *testing.T, f *remote.InMemoryFetcher, code string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for f.CollectionCalls(location.CollectionOrders, code) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("fetch of %s never started", code)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestInvalidate_DuringFetch(t *testing.T) {
	tests := []struct {
		name  string
		codes []string
	}{
		{name: "single code", codes: []string{"menton"}},
		{name: "every code"},
		{name: "other code only", codes: []string{"lyon"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			ctx := context.Background()
			h.fetcher.Hold()

			done := make(chan error, 1)
			go func() {
				_, err := h.cache.ActiveBundle(ctx)
				done <- err
			}()
			waitForFetch(t, h.fetcher, "menton")

			h.cache.Invalidate(tt.codes...)
			h.fetcher.Release()
			if err := <-done; err != nil {
				t.Fatalf("ActiveBundle() error: %v", err)
			}

			wantStale := len(tt.codes) == 0 || slices.Contains(tt.codes, "menton")
			want := StatusFresh
			if wantStale {
				want = StatusStale
			}
			if st := h.cache.Status("menton"); st != want {
				t.Fatalf("expected %s after invalidation during the fetch, got %s", want, st)
			}

			_, _ = h.cache.ActiveBundle(ctx)
			h.cache.Wait()
			wantCalls := 1
			if wantStale {
				wantCalls = 2
			}
			if n := h.fetcher.CollectionCalls(location.CollectionOrders, "menton"); n != wantCalls {
				t.Errorf("expected %d fetches, got %d", wantCalls, n)
			}
		})
	}
}

func TestFetch_SharedFetchKeepsShortestWindow(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.fetcher.Hold()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = h.cache.Prefetch(ctx, "menton")
	}()
	waitForFetch(t, h.fetcher, "menton")
	go func() {
		defer wg.Done()
		_, _ = h.cache.ActiveBundle(ctx)
	}()
	time.Sleep(20 * time.Millisecond)
	h.fetcher.Release()
	wg.Wait()

	if n := h.fetcher.CollectionCalls(location.CollectionOrders, "menton"); n != 1 {
		t.Fatalf("expected the reads to share one fetch, got %d", n)
	}
	h.clock.Advance(3 * time.Minute)
	if st := h.cache.Status("menton"); st != StatusStale {
		t.Errorf("expected the active window to apply, got %s", st)
	}
}

func TestActiveBundle_CallerCancellation(t *testing.T) {
	h := newHarness(t, Config{})
	h.fetcher.Hold()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.cache.ActiveBundle(ctx)
		done <- err
	}()
	waitForFetch(t, h.fetcher, "menton")
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("ActiveBundle ignored the cancelled context")
	}
	if err := h.cache.ActiveError(); err != nil {
		t.Errorf("expected no active error for an abandoned read, got %v", err)
	}

	h.fetcher.Release()
	h.cache.Wait()
	if st := h.cache.Status("menton"); st != StatusFresh {
		t.Errorf("expected the shared fetch to populate the cache, got %s", st)
	}
}
