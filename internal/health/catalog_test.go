package health

import (
	"context"
	"errors"
	"testing"
)

type fakeCatalog struct {
	loaded bool
	err    error
}

func (f fakeCatalog) Loaded() bool { return f.loaded }
func (f fakeCatalog) Err() error   { return f.err }

func TestCatalogChecker(t *testing.T) {
	refused := errors.New("connection refused")
	tests := []struct {
		name    string
		catalog fakeCatalog
		wantErr bool
	}{
		{"loaded", fakeCatalog{loaded: true}, false},
		{"loaded with failed refresh", fakeCatalog{loaded: true, err: refused}, false},
		{"never loaded", fakeCatalog{}, true},
		{"first load failed", fakeCatalog{err: refused}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewCatalogChecker(tt.catalog).HealthCheck(context.Background())
			if (err != nil) != tt.wantErr {
				t.Errorf("HealthCheck() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.catalog.err != nil && tt.wantErr && !errors.Is(err, refused) {
				t.Errorf("expected load error to surface, got %v", err)
			}
		})
	}
}
