// Package remote provides the data-fetch capability the location core reads
// from: the catalog of active locations and location-filtered collection rows.
package remote

import (
	"context"
	"errors"

	"github.com/onnwee/kitchenops/internal/location"
)

// ErrUnknownCollection is returned for a collection the fetcher cannot serve.
var ErrUnknownCollection = errors.New("unknown collection")

// Fetcher is the remote data capability.
type Fetcher interface {
	// ListActiveLocations returns every active location record.
	ListActiveLocations(ctx context.Context) ([]location.Record, error)

	// ListCollection returns rows of c whose location equals code.
	ListCollection(ctx context.Context, c location.Collection, code string, q location.Query) ([]location.Row, error)
}
