// Package ingest implements Sample Ingest (C3): it merges a newly
// acquired sample into the History Store under the hourly-bucket policy,
// running the event detectors against a pre-ingest snapshot in between,
// and handing any resulting events to the Notification Gateway.
package ingest

import (
	"context"
	"fmt"
	"time"

	"price-watch/internal/detect"
	"price-watch/internal/logger"
	"price-watch/internal/store"
)

// CheckedItem is the normalized acquisition result an adapter hands to
// the core, per spec.md §6.1. Adapters themselves are out of scope; only
// this contract is.
type CheckedItem struct {
	Name          string
	Store         string
	URL           string
	Price         *int64
	Stock         store.Stock
	StockKnown    bool // false means UNKNOWN; spec.md §6.1's tri-valued stock field
	CrawlStatus   int  // 1 success, 0 failure
	PriceUnit     string
	ThumbURL      string
	SearchKeyword string
	SearchCond    string
}

// ItemKey derives the item's stable key, URL-addressable when a URL is
// present, search-based (store participates) otherwise. Per spec.md §3.1.
func (c CheckedItem) ItemKey() string {
	if c.URL != "" {
		return store.ItemKey(c.URL)
	}
	return store.SearchItemKey(c.Store, c.SearchKeyword)
}

// Thresholds bundles the configuration C2's detectors are gated by.
// Resolved once per ingest call by the caller (internal/config owns
// parsing); kept separate from store/detect so those packages stay
// config-format agnostic.
type Thresholds struct {
	IgnoreHours          float64
	MinOutOfStockHours   float64
	DataRetrievalMinHours float64
	LowestConfig         detect.LowestConfig
	DropWindows          []detect.PriceDropWindow
	CurrencyRate         float64
}

// Notifier is the C4 contract consumed by Ingest: dispatch a detected,
// should-notify event and report whether the transport delivered it.
type Notifier interface {
	Notify(ctx context.Context, result detect.Result, item store.Item) (notified bool)
}

// Ingest runs one full C3 cycle for a single acquisition result: upsert
// the item, snapshot pre-ingest state, run the ordered detectors, merge
// the sample under the hourly policy, then dispatch any firing events.
//
// Ordering guarantee (spec.md §4.3): the snapshot is read in full before
// InsertSample writes, so thresholds are always computed against prior
// state, never against the sample being ingested.
func Ingest(ctx context.Context, s *store.Store, n Notifier, checked CheckedItem, th Thresholds, now time.Time) ([]detect.Result, error) {
	itemKey := checked.ItemKey()
	itemID, err := s.UpsertItem(itemKey, checked.Name, checked.Store, checked.URL, checked.ThumbURL, checked.SearchKeyword, checked.SearchCond)
	if err != nil {
		return nil, fmt.Errorf("upsert item: %w", err)
	}

	prior, err := s.Latest(itemID)
	if err != nil {
		return nil, fmt.Errorf("snapshot latest: %w", err)
	}

	var results []detect.Result

	if checked.CrawlStatus == 1 && checked.StockKnown && checked.Stock == store.StockIn && checked.Price != nil {
		outageHours, err := s.OutOfStockDurationHours(itemID, now)
		if err != nil {
			return nil, fmt.Errorf("snapshot out-of-stock duration: %w", err)
		}
		var priorStock *store.Stock
		if prior != nil {
			priorStock = prior.Stock
		}
		hasRecent, err := s.HasEventInHours(itemID, store.EventBackInStock, th.IgnoreHours, now)
		if err != nil {
			return nil, fmt.Errorf("dedup lookup back_in_stock: %w", err)
		}
		if r := detect.BackInStock(detect.BackInStockInput{
			CurrentStock:            checked.Stock,
			PriorStock:              priorStock,
			OutOfStockDurationHours: outageHours,
			MinOutOfStockHours:      th.MinOutOfStockHours,
			HasRecentEvent:          hasRecent,
		}); r != nil {
			results = append(results, *r)
		}

		allTimeMin, err := s.LowestInPeriod(itemID, nil)
		if err != nil {
			return nil, fmt.Errorf("snapshot all-time min: %w", err)
		}
		lastLowestEvent, err := s.LastEvent(itemID, store.EventLowestPrice)
		if err != nil {
			return nil, fmt.Errorf("snapshot last lowest_price event: %w", err)
		}
		baseline := allTimeMin
		if lastLowestEvent != nil && lastLowestEvent.Price != nil {
			baseline = lastLowestEvent.Price
		}
		hasRecentLow, err := s.HasEventInHours(itemID, store.EventLowestPrice, th.IgnoreHours, now)
		if err != nil {
			return nil, fmt.Errorf("dedup lookup lowest_price: %w", err)
		}
		// A new low must beat the all-time minimum outright; the rate/value
		// gate inside LowestPrice is then measured against the baseline.
		if r := detect.LowestPrice(detect.LowestPriceInput{
			CurrentPrice:   *checked.Price,
			Baseline:       baseline,
			CurrencyRate:   th.CurrencyRate,
			Config:         th.LowestConfig,
			HasRecentEvent: hasRecentLow,
		}); r != nil && allTimeMin != nil && *checked.Price < *allTimeMin {
			results = append(results, *r)
		}

		windowMins := make([]*int64, len(th.DropWindows))
		for i, w := range th.DropWindows {
			days := w.Days
			min, err := s.LowestInPeriodBefore(itemID, days, now)
			if err != nil {
				return nil, fmt.Errorf("snapshot window min (days=%d): %w", days, err)
			}
			windowMins[i] = min
		}
		hasRecentDrop, err := s.HasEventInHours(itemID, store.EventPriceDrop, th.IgnoreHours, now)
		if err != nil {
			return nil, fmt.Errorf("dedup lookup price_drop: %w", err)
		}
		if r := detect.PriceDrop(detect.PriceDropInput{
			CurrentPrice:   *checked.Price,
			Windows:        th.DropWindows,
			WindowMins:     windowMins,
			CurrencyRate:   th.CurrencyRate,
			HasRecentEvent: hasRecentDrop,
		}); r != nil {
			results = append(results, *r)
		}
	}

	if checked.CrawlStatus == 0 {
		hasSuccessful, err := s.HasSuccessfulCrawlInHours(itemID, 24, now)
		if err != nil {
			return nil, fmt.Errorf("snapshot successful crawl check: %w", err)
		}
		hasRecent, err := s.HasEventInHours(itemID, store.EventCrawlFailure, 24, now)
		if err != nil {
			return nil, fmt.Errorf("dedup lookup crawl_failure: %w", err)
		}
		if r := detect.CrawlFailure(detect.CrawlFailureInput{
			HasSuccessfulCrawlIn24h: hasSuccessful,
			HasRecentEvent:          hasRecent,
		}); r != nil {
			results = append(results, *r)
		}
	} else if checked.Price == nil || !checked.StockKnown {
		noDataHours, err := s.NoDataDurationHours(itemID, now)
		if err != nil {
			return nil, fmt.Errorf("snapshot no-data duration: %w", err)
		}
		hasRecent, err := s.HasEventInHours(itemID, store.EventDataRetrievalFailure, th.IgnoreHours, now)
		if err != nil {
			return nil, fmt.Errorf("dedup lookup data_retrieval_failure: %w", err)
		}
		if r := detect.DataRetrievalFailure(detect.DataRetrievalFailureInput{
			NoDataDurationHours: noDataHours,
			MinHours:            th.DataRetrievalMinHours,
			HasRecentEvent:      hasRecent,
		}); r != nil {
			results = append(results, *r)
		}
	}

	var stockArg *store.Stock
	if checked.StockKnown {
		s := checked.Stock
		stockArg = &s
	}
	if err := s.InsertSample(itemID, checked.Price, stockArg, checked.CrawlStatus, now); err != nil {
		return nil, fmt.Errorf("insert sample: %w", err)
	}

	item, err := s.ItemByID(itemID)
	if err != nil {
		return nil, fmt.Errorf("reload item: %w", err)
	}

	for _, r := range results {
		if !r.ShouldNotify {
			// spec.md §4.3 step 5: only should_notify=true results are
			// handed to C4. A deduped result is returned to the caller
			// (so tests/logs can observe it) but never persisted or
			// dispatched.
			continue
		}
		notified := n.Notify(ctx, r, item)
		if _, err := s.InsertEvent(itemID, r.Type, r.Price, r.OldPrice, r.ThresholdDays, checked.URL, notified, now); err != nil {
			return nil, fmt.Errorf("insert event: %w", err)
		}
		if notified {
			logger.Success("Ingest", fmt.Sprintf("%s: %s notified", item.Name, r.Type))
		} else {
			logger.Warn("Ingest", fmt.Sprintf("%s: %s detected but not notified", item.Name, r.Type))
		}
	}

	return results, nil
}
