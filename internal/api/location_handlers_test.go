package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/kitchenops/internal/auth"
	"github.com/onnwee/kitchenops/internal/catalog"
	"github.com/onnwee/kitchenops/internal/facade"
	"github.com/onnwee/kitchenops/internal/location"
	"github.com/onnwee/kitchenops/internal/remote"
	"github.com/onnwee/kitchenops/internal/selector"
)

const testSecret = "api-test-secret"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func strPtr(s string) *string { return &s }

func newFetcher() *remote.InMemoryFetcher {
	f := remote.NewInMemoryFetcher()
	at := func(lat, lng float64) *location.Coordinates {
		return &location.Coordinates{Latitude: lat, Longitude: lng}
	}
	f.AddLocation(location.Record{ID: "fr", Code: "fr", Name: "France", FullPath: "France", IsActive: true})
	f.AddLocation(location.Record{ID: "menton", Code: "menton", Name: "Menton", Depth: 1, ParentID: strPtr("fr"), FullPath: "France > Menton", Coordinates: at(43.7764, 7.5048), IsActive: true})
	f.AddLocation(location.Record{ID: "lyon", Code: "lyon", Name: "Lyon", Depth: 1, ParentID: strPtr("fr"), FullPath: "France > Lyon", Coordinates: at(45.7640, 4.8357), IsActive: true})
	f.AddLocation(location.Record{ID: "paris", Code: "paris", Name: "Paris", Depth: 1, ParentID: strPtr("fr"), FullPath: "France > Paris", Coordinates: at(48.8566, 2.3522), IsActive: true})
	for _, code := range []string{"menton", "lyon", "paris"} {
		for _, col := range location.Collections {
			f.AddRow(col, location.Row{LocationCode: code, Data: []byte(`{}`)})
		}
	}
	return f
}

type harness struct {
	t        *testing.T
	fetcher  *remote.InMemoryFetcher
	sessions *facade.Sessions
	jwt      *auth.JWTService
	handlers *LocationHandlers
	router   http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	f := newFetcher()
	cat := catalog.New(f, catalog.Config{Logger: quietLogger()})
	sessions := facade.NewSessions(cat, f, facade.SessionsConfig{
		Selector: selector.Config{GeolocationTimeout: 200 * time.Millisecond},
		Logger:   quietLogger(),
	})
	t.Cleanup(sessions.Close)

	svc := auth.NewJWTService(testSecret)
	handlers := NewLocationHandlers(sessions, nil, quietLogger())
	return &harness{
		t:        t,
		fetcher:  f,
		sessions: sessions,
		jwt:      svc,
		handlers: handlers,
		router: NewRouter(RouterConfig{
			Locations: handlers,
			Health:    NewHealthHandlers(HealthHandlersConfig{}),
			Auth:      auth.Middleware(svc),
		}),
	}
}

func (h *harness) token(userID string, codes ...string) string {
	h.t.Helper()
	tok, err := h.jwt.GenerateAccessToken(userID, codes)
	if err != nil {
		h.t.Fatalf("GenerateAccessToken() error: %v", err)
	}
	return tok
}

func (h *harness) do(method, path, body, token string) *httptest.ResponseRecorder {
	h.t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	return rr
}

func decodeState(t *testing.T, rr *httptest.ResponseRecorder) facade.State {
	t.Helper()
	var st facade.State
	if err := json.Unmarshal(rr.Body.Bytes(), &st); err != nil {
		t.Fatalf("invalid state body %q: %v", rr.Body.String(), err)
	}
	return st
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid error body %q: %v", rr.Body.String(), err)
	}
	return resp.Error.Code
}

func TestLocationRoutes_RequireAuth(t *testing.T) {
	h := newHarness(t)

	rr := h.do(http.MethodGet, "/location", "", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if code := errorCode(t, rr); code != "auth_required" {
		t.Errorf("expected auth_required, got %q", code)
	}
	if h.sessions.Len() != 0 {
		t.Error("unauthenticated request must not create a session")
	}
}

func TestGetState(t *testing.T) {
	h := newHarness(t)

	rr := h.do(http.MethodGet, "/location", "", h.token("u1", "lyon", "menton"))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	st := decodeState(t, rr)
	if st.ActiveLocation == nil || st.ActiveLocation.Code != "lyon" {
		t.Fatalf("expected lyon active, got %+v", st.ActiveLocation)
	}
	if len(st.AvailableLocations) != 2 || !st.CanSwitchLocations || st.IsLocationBlocked {
		t.Errorf("unexpected state %+v", st)
	}
	if st.ActiveLocationData == nil || st.ActiveLocationData.Code != "lyon" || len(st.ActiveLocationData.Orders) != 1 {
		t.Errorf("expected lyon bundle, got %+v", st.ActiveLocationData)
	}
}

func TestGetState_GrantFollowsToken(t *testing.T) {
	h := newHarness(t)
	h.do(http.MethodGet, "/location", "", h.token("u1", "lyon", "menton"))

	st := decodeState(t, h.do(http.MethodGet, "/location", "", h.token("u1", "menton")))
	if st.ActiveLocation == nil || st.ActiveLocation.Code != "menton" {
		t.Fatalf("expected menton after grant shrink, got %+v", st.ActiveLocation)
	}
	if st.CanSwitchLocations {
		t.Error("expected no switching with a single grant")
	}

	st = decodeState(t, h.do(http.MethodGet, "/location", "", h.token("u1")))
	if !st.IsLocationBlocked || st.ActiveLocation != nil {
		t.Errorf("expected blocked with empty grant, got %+v", st)
	}
}

func TestSetActive(t *testing.T) {
	h := newHarness(t)
	tok := h.token("u1", "lyon", "menton")

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
		wantActive string
	}{
		{"granted code", `{"code":"menton"}`, http.StatusOK, "", "menton"},
		{"ungranted code", `{"code":"paris"}`, http.StatusForbidden, ErrCodeLocationNotGranted, ""},
		{"empty code", `{"code":" "}`, http.StatusBadRequest, ErrCodeValidation, ""},
		{"malformed code", `{"code":"la turbie"}`, http.StatusBadRequest, ErrCodeValidation, ""},
		{"malformed body", `{"code":`, http.StatusBadRequest, ErrCodeBadRequest, ""},
		{"unknown field", `{"location":"nice"}`, http.StatusBadRequest, ErrCodeBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := h.do(http.MethodPut, "/location/active", tt.body, tok)
			if rr.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rr.Code, rr.Body.String())
			}
			if tt.wantCode != "" {
				if code := errorCode(t, rr); code != tt.wantCode {
					t.Errorf("expected %s, got %s", tt.wantCode, code)
				}
				return
			}
			if st := decodeState(t, rr); st.ActiveLocation == nil || st.ActiveLocation.Code != tt.wantActive {
				t.Errorf("expected %s active, got %+v", tt.wantActive, st.ActiveLocation)
			}
		})
	}

	st := decodeState(t, h.do(http.MethodGet, "/location", "", tok))
	if st.ActiveLocation == nil || st.ActiveLocation.Code != "menton" {
		t.Errorf("rejected switches must keep menton active, got %+v", st.ActiveLocation)
	}
}

func TestReportPosition_SuggestAndAccept(t *testing.T) {
	h := newHarness(t)
	tok := h.token("u1", "lyon", "menton")

	// Monaco is a few kilometres from Menton.
	rr := h.do(http.MethodPost, "/location/position", `{"latitude":43.7384,"longitude":7.4246}`, tok)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp PositionResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if resp.SuggestedLocation == nil || resp.SuggestedLocation.Code != "menton" {
		t.Fatalf("expected menton suggested, got %+v", resp.SuggestedLocation)
	}

	rr = h.do(http.MethodPost, "/location/suggestion/accept", "", tok)
	if rr.Code != http.StatusOK {
		t.Fatalf("accept: expected 200, got %d", rr.Code)
	}
	st := decodeState(t, rr)
	if st.ActiveLocation == nil || st.ActiveLocation.Code != "menton" || st.SuggestedLocation != nil {
		t.Errorf("expected menton active without suggestion, got %+v", st)
	}

	rr = h.do(http.MethodPost, "/location/suggestion/accept", "", tok)
	if rr.Code != http.StatusConflict || errorCode(t, rr) != ErrCodeNoSuggestion {
		t.Errorf("expected 409 no_suggestion, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestReportPosition_Validation(t *testing.T) {
	h := newHarness(t)
	tok := h.token("u1", "lyon", "menton")

	rr := h.do(http.MethodPost, "/location/position", `{"latitude":123,"longitude":7}`, tok)
	if rr.Code != http.StatusBadRequest || errorCode(t, rr) != ErrCodeValidation {
		t.Errorf("expected 400 validation_error, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestDismissSuggestion(t *testing.T) {
	h := newHarness(t)
	tok := h.token("u1", "lyon", "menton")
	h.do(http.MethodPost, "/location/position", `{"latitude":43.7384,"longitude":7.4246}`, tok)

	if rr := h.do(http.MethodPost, "/location/suggestion/dismiss", "", tok); rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	st := decodeState(t, h.do(http.MethodGet, "/location", "", tok))
	if st.SuggestedLocation != nil {
		t.Errorf("expected suggestion dismissed, got %+v", st.SuggestedLocation)
	}
	if st.ActiveLocation == nil || st.ActiveLocation.Code != "lyon" {
		t.Errorf("dismiss must not switch, got %+v", st.ActiveLocation)
	}
}

func TestPrefetchInvalidateAndCacheReport(t *testing.T) {
	h := newHarness(t)
	tok := h.token("u1", "lyon", "menton")
	h.do(http.MethodGet, "/location", "", tok)

	if rr := h.do(http.MethodPost, "/location/prefetch", `{"code":"menton"}`, tok); rr.Code != http.StatusAccepted {
		t.Fatalf("prefetch: expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	rr := h.do(http.MethodPost, "/location/prefetch", `{"code":"paris"}`, tok)
	if rr.Code != http.StatusForbidden || errorCode(t, rr) != ErrCodeLocationNotGranted {
		t.Errorf("ungranted prefetch: expected 403, got %d %s", rr.Code, rr.Body.String())
	}

	report := func() facade.CacheReport {
		rr := h.do(http.MethodGet, "/location/cache", "", tok)
		if rr.Code != http.StatusOK {
			t.Fatalf("cache: expected 200, got %d", rr.Code)
		}
		var rep facade.CacheReport
		if err := json.Unmarshal(rr.Body.Bytes(), &rep); err != nil {
			t.Fatalf("invalid cache body: %v", err)
		}
		return rep
	}

	rep := report()
	if rep.Size != 2 || rep.Statuses["menton"] != "fresh" || rep.Statuses["lyon"] != "fresh" {
		t.Fatalf("unexpected cache report %+v", rep)
	}

	if rr := h.do(http.MethodPost, "/location/invalidate", `{"code":"menton"}`, tok); rr.Code != http.StatusNoContent {
		t.Fatalf("invalidate: expected 204, got %d", rr.Code)
	}
	if rep := report(); rep.Statuses["menton"] != "stale" || rep.Statuses["lyon"] != "fresh" {
		t.Errorf("expected only menton stale, got %+v", rep.Statuses)
	}

	if rr := h.do(http.MethodPost, "/location/invalidate", "", tok); rr.Code != http.StatusNoContent {
		t.Fatalf("invalidate all: expected 204, got %d", rr.Code)
	}
	if rep := report(); rep.Statuses["lyon"] != "stale" {
		t.Errorf("expected lyon stale, got %+v", rep.Statuses)
	}

	if rr := h.do(http.MethodPost, "/location/invalidate", `{"code":"no such"}`, tok); rr.Code != http.StatusBadRequest {
		t.Errorf("invalidate malformed code: expected 400, got %d", rr.Code)
	}
}

func TestReloadCatalog(t *testing.T) {
	h := newHarness(t)
	tok := h.token("u1", "lyon", "menton")

	h.fetcher.FailCatalog(errors.New("connection refused"))
	rr := h.do(http.MethodPost, "/location/catalog/reload", "", tok)
	if rr.Code != http.StatusServiceUnavailable || errorCode(t, rr) != ErrCodeCatalogUnavailable {
		t.Fatalf("expected 503 catalog_unavailable, got %d %s", rr.Code, rr.Body.String())
	}

	h.fetcher.FailCatalog(nil)
	rr = h.do(http.MethodPost, "/location/catalog/reload", "", tok)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 after recovery, got %d: %s", rr.Code, rr.Body.String())
	}
	if st := decodeState(t, rr); st.IsLocationBlocked {
		t.Errorf("expected unblocked after reload, got %+v", st)
	}
}

func TestLogout(t *testing.T) {
	h := newHarness(t)
	tok := h.token("u1", "lyon", "menton")
	h.do(http.MethodPut, "/location/active", `{"code":"menton"}`, tok)

	if rr := h.do(http.MethodDelete, "/session", "", tok); rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if h.sessions.Len() != 0 {
		t.Errorf("expected session removed, got %d", h.sessions.Len())
	}

	// The persisted preference was cleared, so resolution falls back to the
	// first granted code.
	st := decodeState(t, h.do(http.MethodGet, "/location", "", tok))
	if st.ActiveLocation == nil || st.ActiveLocation.Code != "lyon" {
		t.Errorf("expected lyon after logout, got %+v", st.ActiveLocation)
	}
}

func TestRouter_NotFound(t *testing.T) {
	h := newHarness(t)
	rr := h.do(http.MethodGet, "/nope", "", "")
	if rr.Code != http.StatusNotFound || errorCode(t, rr) != ErrCodeNotFound {
		t.Errorf("expected 404 not_found, got %d %s", rr.Code, rr.Body.String())
	}
}
