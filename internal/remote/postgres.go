package remote

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/onnwee/kitchenops/internal/location"
	"github.com/onnwee/kitchenops/internal/tracing"
)

// collectionTables maps each collection to its table.
var collectionTables = map[location.Collection]string{
	location.CollectionClosures:    "cash_closures",
	location.CollectionInventories: "inventories",
	location.CollectionEquipment:   "equipment",
	location.CollectionChats:       "chats",
	location.CollectionOrders:      "orders",
	location.CollectionSuppliers:   "suppliers",
	location.CollectionMessages:    "messages",
}

// orderColumns lists the columns a collection query may order by.
var orderColumns = map[string]bool{
	"created_at": true,
	"updated_at": true,
	"name":       true,
}

// PostgresFetcher implements Fetcher using PostgreSQL.
// Every collection table carries a text "location" column holding the
// location code; rows are returned whole as JSON in Row.Data.
type PostgresFetcher struct {
	db *sql.DB
}

// NewPostgresFetcher creates a new PostgresFetcher.
func NewPostgresFetcher(db *sql.DB) *PostgresFetcher {
	return &PostgresFetcher{db: db}
}

// ListActiveLocations returns active locations ordered by depth then name.
func (f *PostgresFetcher) ListActiveLocations(ctx context.Context) (records []location.Record, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "locations")
	defer func() { endSpan(err) }()

	query := `
		SELECT id::text, code, name, depth, parent_id::text, full_path,
		       latitude, longitude, is_active
		FROM locations
		WHERE is_active = true
		ORDER BY depth, name
	`

	rows, err := f.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list locations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r        location.Record
			parentID sql.NullString
			lat, lng sql.NullFloat64
		)
		if err := rows.Scan(&r.ID, &r.Code, &r.Name, &r.Depth, &parentID, &r.FullPath, &lat, &lng, &r.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan location: %w", err)
		}
		if parentID.Valid {
			p := parentID.String
			r.ParentID = &p
		}
		if lat.Valid && lng.Valid {
			r.Coordinates = &location.Coordinates{Latitude: lat.Float64, Longitude: lng.Float64}
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate locations: %w", err)
	}
	return records, nil
}

// ListCollection returns rows of c filtered by location code.
func (f *PostgresFetcher) ListCollection(ctx context.Context, c location.Collection, code string, q location.Query) (out []location.Row, err error) {
	query, err := collectionQuery(c, q)
	if err != nil {
		return nil, err
	}

	ctx, endSpan := tracing.StartDBSpan(ctx, collectionTables[c])
	defer func() { endSpan(err) }()

	limit := q.Limit
	if limit <= 0 {
		limit = location.DefaultRowLimit
	}

	rows, err := f.db.QueryContext(ctx, query, code, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", c, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			row  location.Row
			data []byte
		)
		if err := rows.Scan(&row.ID, &row.LocationCode, &data); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", c, err)
		}
		row.Data = data
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", c, err)
	}
	return out, nil
}

// collectionQuery builds the SELECT for a collection. Table and order column
// come from fixed allow-lists; only code and limit are parameters.
func collectionQuery(c location.Collection, q location.Query) (string, error) {
	table, ok := collectionTables[c]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownCollection, c)
	}

	orderBy := q.OrderBy
	if orderBy == "" {
		orderBy = "created_at"
	}
	if !orderColumns[orderBy] {
		return "", fmt.Errorf("cannot order %s by %q", c, orderBy)
	}
	dir := "ASC"
	if q.Descending {
		dir = "DESC"
	}

	return fmt.Sprintf(`
		SELECT t.id::text, t.location, row_to_json(t)::text
		FROM %s t
		WHERE t.location = $1
		ORDER BY t.%s %s
		LIMIT $2
	`, pq.QuoteIdentifier(table), pq.QuoteIdentifier(orderBy), dir), nil
}
