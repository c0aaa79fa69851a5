package store

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Stock is the stock status of a price sample where known. A nil *Stock
// means "unknown" (the adapter could not determine stock status); this
// mirrors spec.md §3.1's nullable tri-valued stock column directly, so the
// in-memory representation matches the stored integer one for one.
type Stock int

const (
	// StockOut means the item is out of stock.
	StockOut Stock = 0
	// StockIn means the item is in stock.
	StockIn Stock = 1
)

// EventType identifies the kind of transition an Event records.
type EventType string

// The five event types the core can emit.
const (
	EventBackInStock          EventType = "back_in_stock"
	EventCrawlFailure         EventType = "crawl_failure"
	EventDataRetrievalFailure EventType = "data_retrieval_failure"
	EventLowestPrice          EventType = "lowest_price"
	EventPriceDrop            EventType = "price_drop"
)

// RebuildableEventTypes are the event types backfill can regenerate from
// price_history alone.
var RebuildableEventTypes = []EventType{EventLowestPrice, EventPriceDrop}

// Item is a monitored storefront listing.
type Item struct {
	ID            int64
	ItemKey       string
	Name          string
	Store         string
	URL           string
	ThumbURL      string
	SearchKeyword string
	SearchCond    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Sample is one price_history row: a single hour-bucket observation.
type Sample struct {
	ItemID      int64
	Price       *int64
	Stock       *Stock
	CrawlStatus int
	Time        time.Time
}

// Event is one events row.
type Event struct {
	ID            int64
	ItemID        int64
	EventType     EventType
	Price         *int64
	OldPrice      *int64
	ThresholdDays *int
	URL           string
	Notified      bool
	CreatedAt     time.Time
}

// ItemKey derives the stable external key for a URL-addressable item:
// truncate(sha256(url), 12) hex chars, per spec.md §3.1.
func ItemKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])[:12]
}

// SearchItemKey derives the stable external key for a search-based item
// (flea markets, keyword search). Store name MUST participate so the same
// keyword across stores yields distinct keys, per spec.md §3.1.
func SearchItemKey(storeName, searchKeyword string) string {
	sum := sha256.Sum256([]byte(storeName + "|" + searchKeyword))
	return hex.EncodeToString(sum[:])[:12]
}

// PtrInt64 is a convenience constructor for optional int64 fields.
func PtrInt64(v int64) *int64 { return &v }

// StockPtr is a convenience constructor for optional Stock fields.
func StockPtr(v Stock) *Stock { return &v }
