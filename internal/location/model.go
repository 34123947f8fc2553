// Package location defines the shared types of the location core: catalog
// records, user grants, per-location data bundles and the error taxonomy
// used by the catalog, selector, data cache and facade packages.
package location

import (
	"encoding/json"
	"strings"
	"time"
)

// Coordinates is a WGS84 position in decimal degrees.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Record is one row of the location hierarchy.
// Code is the stable address of a location throughout the system; ID is an
// opaque identifier used only for parent references.
type Record struct {
	ID          string       `json:"id"`
	Code        string       `json:"code"`
	Name        string       `json:"name"`
	Depth       int          `json:"depth"`
	ParentID    *string      `json:"parent_id,omitempty"`
	FullPath    string       `json:"full_path"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
	IsActive    bool         `json:"is_active"`
}

// Grant is the set of location codes an authenticated user may access.
type Grant struct {
	UserID string   `json:"user_id"`
	Codes  []string `json:"codes"`
}

// NewGrant builds a grant, dropping blank and duplicate codes while keeping
// the first-seen order.
func NewGrant(userID string, codes []string) Grant {
	seen := make(map[string]bool, len(codes))
	clean := make([]string, 0, len(codes))
	for _, c := range codes {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		clean = append(clean, c)
	}
	return Grant{UserID: userID, Codes: clean}
}

// Contains reports whether code is granted.
func (g Grant) Contains(code string) bool {
	for _, c := range g.Codes {
		if c == code {
			return true
		}
	}
	return false
}

// Equal reports whether both grants list the same codes in the same order.
func (g Grant) Equal(other Grant) bool {
	if g.UserID != other.UserID || len(g.Codes) != len(other.Codes) {
		return false
	}
	for i := range g.Codes {
		if g.Codes[i] != other.Codes[i] {
			return false
		}
	}
	return true
}

// Row is one opaque record of a location-scoped collection.
type Row struct {
	ID           string          `json:"id"`
	LocationCode string          `json:"location"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// Bundle holds the per-location query results for one code.
type Bundle struct {
	Code        string    `json:"code"`
	Closures    []Row     `json:"closures"`
	Inventories []Row     `json:"inventories"`
	Equipment   []Row     `json:"equipment"`
	Chats       []Row     `json:"chats"`
	Orders      []Row     `json:"orders"`
	Suppliers   []Row     `json:"suppliers"`
	Messages    []Row     `json:"messages"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// EmptyBundle returns an all-empty bundle keyed to code.
func EmptyBundle(code string) Bundle {
	b := Bundle{Code: code}
	for _, c := range Collections {
		b.Set(c, nil)
	}
	return b
}

// Rows returns the rows of one collection.
func (b *Bundle) Rows(c Collection) []Row {
	switch c {
	case CollectionClosures:
		return b.Closures
	case CollectionInventories:
		return b.Inventories
	case CollectionEquipment:
		return b.Equipment
	case CollectionChats:
		return b.Chats
	case CollectionOrders:
		return b.Orders
	case CollectionSuppliers:
		return b.Suppliers
	case CollectionMessages:
		return b.Messages
	}
	return nil
}

// Set replaces the rows of one collection. A nil slice is stored as empty.
func (b *Bundle) Set(c Collection, rows []Row) {
	if rows == nil {
		rows = []Row{}
	}
	switch c {
	case CollectionClosures:
		b.Closures = rows
	case CollectionInventories:
		b.Inventories = rows
	case CollectionEquipment:
		b.Equipment = rows
	case CollectionChats:
		b.Chats = rows
	case CollectionOrders:
		b.Orders = rows
	case CollectionSuppliers:
		b.Suppliers = rows
	case CollectionMessages:
		b.Messages = rows
	}
}
