package location

// Collection names one of the location-scoped data sets cached per bundle.
type Collection string

// The seven collections of a bundle.
const (
	CollectionClosures    Collection = "closures"
	CollectionInventories Collection = "inventories"
	CollectionEquipment   Collection = "equipment"
	CollectionChats       Collection = "chats"
	CollectionOrders      Collection = "orders"
	CollectionSuppliers   Collection = "suppliers"
	CollectionMessages    Collection = "messages"
)

// Collections lists every collection in bundle order.
var Collections = []Collection{
	CollectionClosures,
	CollectionInventories,
	CollectionEquipment,
	CollectionChats,
	CollectionOrders,
	CollectionSuppliers,
	CollectionMessages,
}

// Query narrows a collection fetch. Filtering by location code is implied.
type Query struct {
	OrderBy    string
	Descending bool
	Limit      int
}

// DefaultRowLimit caps the rows fetched per collection when no limit is set.
const DefaultRowLimit = 100

// DefaultQuery returns the ordering used for a collection by default.
func DefaultQuery(c Collection) Query {
	switch c {
	case CollectionEquipment, CollectionSuppliers:
		return Query{OrderBy: "name", Limit: DefaultRowLimit}
	case CollectionChats:
		return Query{OrderBy: "updated_at", Descending: true, Limit: DefaultRowLimit}
	case CollectionMessages:
		return Query{OrderBy: "created_at", Descending: true, Limit: 50}
	default:
		return Query{OrderBy: "created_at", Descending: true, Limit: DefaultRowLimit}
	}
}

// Valid reports whether c is one of the known collections.
func (c Collection) Valid() bool {
	for _, known := range Collections {
		if c == known {
			return true
		}
	}
	return false
}
