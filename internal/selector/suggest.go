package selector

import (
	"context"
	"math"

	"github.com/onnwee/kitchenops/internal/geo"
	"github.com/onnwee/kitchenops/internal/geolocation"
)

// RequestGeoPermission asks the locator for the current position and
// updates the suggestion. Only one request runs at a time; a concurrent
// caller waits for the running one. Failures leave no suggestion.
func (s *Selector) RequestGeoPermission(ctx context.Context) State {
	if s.locator == nil {
		return s.State()
	}
	s.mu.Lock()
	if len(s.state.Granted) == 0 {
		s.mu.Unlock()
		return s.State()
	}
	if done := s.geoDone; done != nil {
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return s.State()
	}
	geoCtx, done := s.beginGeoLocked(ctx)
	session := s.session
	s.mu.Unlock()

	s.runGeo(geoCtx, session, done)
	return s.State()
}

// beginGeoLocked marks a request as in flight and returns the context it
// runs under, cancelled when the session ends. s.mu must be held.
func (s *Selector) beginGeoLocked(ctx context.Context) (context.Context, chan struct{}) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.geoDone = done
	s.geoCancel = cancel
	s.state.HasRequestedGeo = true
	s.state.Locating = true
	return ctx, done
}

func (s *Selector) runGeo(ctx context.Context, session uint64, done chan struct{}) {
	code, ok := s.locate(ctx)
	s.finishGeo(session, done, code, ok)
}

// locate returns the nearest granted location within the threshold.
func (s *Selector) locate(ctx context.Context) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.GeolocationTimeout)
	defer cancel()

	pos, err := s.locator.CurrentPosition(ctx)
	if err != nil {
		s.logger.Debug("geolocation unavailable", "error", err)
		return "", false
	}
	if err := pos.Validate(); err != nil {
		s.logger.Debug("geolocation unavailable", "error", err)
		return "", false
	}

	s.mu.RLock()
	codes := s.state.Granted
	s.mu.RUnlock()

	code, km, found := s.nearest(pos, codes)
	if !found {
		s.logger.Debug("no granted location has coordinates",
			"geohash", geo.Encode(pos.Latitude, pos.Longitude, geo.DefaultPrecision))
		return "", false
	}
	s.logger.Debug("nearest granted location",
		"geohash", geo.Encode(pos.Latitude, pos.Longitude, geo.DefaultPrecision),
		"location_code", code, "distance_km", km)
	return code, km <= s.cfg.ProximityThresholdKm
}

// nearest returns the granted location with coordinates closest to pos.
// Ties keep grant order.
func (s *Selector) nearest(pos geolocation.Position, codes []string) (string, float64, bool) {
	if s.catalog == nil {
		return "", 0, false
	}
	best, bestKm := "", math.Inf(1)
	for _, c := range codes {
		rec, ok := s.catalog.ByCode(c)
		if !ok || rec.Coordinates == nil {
			continue
		}
		km := geo.HaversineKm(pos.Latitude, pos.Longitude, rec.Coordinates.Latitude, rec.Coordinates.Longitude)
		if km < bestKm {
			best, bestKm = c, km
		}
	}
	return best, bestKm, best != ""
}

func (s *Selector) finishGeo(session uint64, done chan struct{}, code string, ok bool) {
	defer close(done)

	s.writeMu.Lock()
	s.mu.Lock()
	if s.session != session {
		s.mu.Unlock()
		s.writeMu.Unlock()
		return
	}
	prev := s.state.clone()
	if s.geoDone == done {
		s.geoDone = nil
		s.geoCancel()
		s.geoCancel = nil
		s.state.Locating = false
	}
	if ok && code != s.state.ActiveCode {
		s.state.SuggestedCode = code
	} else {
		s.state.SuggestedCode = ""
	}
	cur := s.state.clone()
	s.mu.Unlock()
	s.writeMu.Unlock()

	s.notify(prev, cur)
}
