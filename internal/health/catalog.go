package health

import (
	"context"
	"errors"
)

var errNotLoaded = errors.New("location catalog not loaded yet")

// CatalogState is the part of the location catalog readiness looks at.
type CatalogState interface {
	Loaded() bool
	Err() error
}

// CatalogChecker fails while the location catalog has never loaded
// successfully. A later failed refresh keeps serving the previous records
// and does not fail readiness.
type CatalogChecker struct {
	catalog CatalogState
}

// NewCatalogChecker creates a catalog readiness checker.
func NewCatalogChecker(c CatalogState) *CatalogChecker {
	return &CatalogChecker{catalog: c}
}

// HealthCheck implements api.HealthChecker.
func (c *CatalogChecker) HealthCheck(ctx context.Context) error {
	if c.catalog.Loaded() {
		return nil
	}
	if err := c.catalog.Err(); err != nil {
		return err
	}
	return errNotLoaded
}
