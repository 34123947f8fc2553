// Package geolocation provides the position capability used for nearby
// location suggestions.
package geolocation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/onnwee/kitchenops/internal/location"
)

// ErrInvalidPosition is returned for coordinates outside the WGS84 range.
var ErrInvalidPosition = errors.New("invalid position")

// Position is a reported device position in decimal degrees.
type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Validate checks the WGS84 bounds.
func (p Position) Validate() error {
	if p.Latitude < -90 || p.Latitude > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidPosition, p.Latitude)
	}
	if p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidPosition, p.Longitude)
	}
	return nil
}

// Locator returns the current position of the user's device.
// Implementations must honor ctx cancellation.
type Locator interface {
	CurrentPosition(ctx context.Context) (Position, error)
}

// LocatorFunc adapts a function to Locator.
type LocatorFunc func(ctx context.Context) (Position, error)

// CurrentPosition calls f.
func (f LocatorFunc) CurrentPosition(ctx context.Context) (Position, error) {
	return f(ctx)
}

// Static always returns the same result.
type Static struct {
	Position Position
	Err      error
}

// CurrentPosition returns s.Position, or s.Err if set.
func (s Static) CurrentPosition(ctx context.Context) (Position, error) {
	if s.Err != nil {
		return Position{}, s.Err
	}
	return s.Position, nil
}

// Mailbox is a Locator fed by positions the client reports out of band.
// CurrentPosition returns the latest report, or waits for one until ctx is
// done.
type Mailbox struct {
	mu       sync.Mutex
	latest   *Position
	reported chan struct{}
}

// NewMailbox creates an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{reported: make(chan struct{})}
}

// Report records p and wakes any waiting CurrentPosition call.
func (m *Mailbox) Report(p Position) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latest = &p
	close(m.reported)
	m.reported = make(chan struct{})
	return nil
}

// Forget drops the latest report.
func (m *Mailbox) Forget() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latest = nil
}

// CurrentPosition implements Locator.
func (m *Mailbox) CurrentPosition(ctx context.Context) (Position, error) {
	m.mu.Lock()
	if m.latest != nil {
		p := *m.latest
		m.mu.Unlock()
		return p, nil
	}
	wait := m.reported
	m.mu.Unlock()

	select {
	case <-wait:
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.latest == nil {
			return Position{}, location.ErrGeolocationUnavailable
		}
		return *m.latest, nil
	case <-ctx.Done():
		return Position{}, fmt.Errorf("%w: %w", location.ErrGeolocationUnavailable, ctx.Err())
	}
}
