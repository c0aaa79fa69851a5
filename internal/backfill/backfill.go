// Package backfill implements Backfill / Rebuild (C5): replaying price
// history through the same detector logic C2 uses, to re-derive the
// rebuildable event types (lowest_price, price_drop) for every item.
// Grounded on original_source/scripts/backfill_events.py.
package backfill

import (
	"fmt"
	"time"

	"price-watch/internal/detect"
	"price-watch/internal/logger"
	"price-watch/internal/store"
)

// Config bundles the configuration backfill replay needs, mirroring
// ingest.Thresholds but scoped per store so currency_rate can vary by
// item (backfill walks every item, across stores, in one run).
type Config struct {
	IgnoreHours  float64
	LowestConfig detect.LowestConfig
	DropWindows  []detect.PriceDropWindow
	// CurrencyRate resolves a store's price_unit to a base-currency
	// multiplier, per original_source/scripts/backfill_events.py's
	// get_currency_rate. Returns 1.0 for an unconfigured unit.
	CurrencyRate func(priceUnit string) float64
}

// Stats summarizes one backfill or rebuild run.
type Stats struct {
	ItemsScanned    int
	LowestPriceFound int
	PriceDropFound   int
	AlreadyRecorded  int
}

// Backfiller drives replay over every item in the store.
type Backfiller struct {
	store *store.Store
	cfg   Config
}

// New constructs a Backfiller.
func New(s *store.Store, cfg Config) *Backfiller {
	if cfg.CurrencyRate == nil {
		cfg.CurrencyRate = func(string) float64 { return 1.0 }
	}
	return &Backfiller{store: s, cfg: cfg}
}

// Run performs supplementary backfill: for every item, replay its
// successful in-stock samples in ascending time order, synthesizing any
// lowest_price/price_drop events the live path would have produced,
// de-duped against events that already exist near each sample's own
// timestamp. It does not delete anything first; callers wanting a full
// rebuild should call Rebuild instead.
func (b *Backfiller) Run() (Stats, error) {
	var stats Stats

	items, err := b.store.AllItems()
	if err != nil {
		return stats, fmt.Errorf("list items: %w", err)
	}

	for _, item := range items {
		stats.ItemsScanned++
		itemStats, err := b.processItem(item)
		if err != nil {
			return stats, fmt.Errorf("process item %d: %w", item.ID, err)
		}
		stats.LowestPriceFound += itemStats.LowestPriceFound
		stats.PriceDropFound += itemStats.PriceDropFound
		stats.AlreadyRecorded += itemStats.AlreadyRecorded
	}

	logger.Stats("Items scanned", stats.ItemsScanned)
	logger.Stats("lowest_price synthesized", stats.LowestPriceFound)
	logger.Stats("price_drop synthesized", stats.PriceDropFound)
	return stats, nil
}

// Rebuild is the "full rebuild" mode (spec.md §4.5): delete every
// lowest_price and price_drop event for every item, then run
// supplementary backfill from scratch.
func (b *Backfiller) Rebuild() (Stats, error) {
	deleted, err := b.store.DeleteRebuildableEvents()
	if err != nil {
		return Stats{}, fmt.Errorf("clear rebuildable events: %w", err)
	}
	logger.Info("Backfill", fmt.Sprintf("Cleared %d rebuildable events", deleted))
	return b.Run()
}

// existingEvent is the minimal shape process/dedup logic needs, kept
// separate from store.Event so in-memory synthesized events (not yet
// persisted) can be appended to the same slice the persisted ones came
// from, exactly as original_source's process_item appends to
// existing_events immediately after synthesizing.
type existingEvent struct {
	eventType store.EventType
	price     *int64
	createdAt time.Time
}

func (b *Backfiller) processItem(item store.Item) (Stats, error) {
	var stats Stats

	records, err := b.store.SuccessfulInStockHistory(item.ID)
	if err != nil {
		return stats, fmt.Errorf("history: %w", err)
	}
	if len(records) < 2 {
		return stats, nil
	}

	persisted, err := b.store.ItemEvents(item.ID)
	if err != nil {
		return stats, fmt.Errorf("existing events: %w", err)
	}
	existing := make([]existingEvent, 0, len(persisted))
	var lastLowestEventPrice *int64
	for _, e := range persisted {
		existing = append(existing, existingEvent{eventType: e.EventType, price: e.Price, createdAt: e.CreatedAt})
		if e.EventType == store.EventLowestPrice && e.Price != nil {
			p := *e.Price
			lastLowestEventPrice = &p
		}
	}

	currencyRate := b.cfg.CurrencyRate(item.Store)

	var runningMin *int64
	for _, record := range records {
		current := *record.Price

		if runningMin == nil {
			// First record: seed the baseline without emitting, matching
			// the live detector's first-sample suppression (spec.md §9).
			runningMin = &current
			continue
		}

		if price, oldPrice, fires := checkLowestPriceBackfill(current, *runningMin, lastLowestEventPrice, b.cfg.LowestConfig, currencyRate); fires {
			if hasEventNear(existing, store.EventLowestPrice, record.Time, b.cfg.IgnoreHours) {
				stats.AlreadyRecorded++
			} else {
				if _, err := b.store.InsertEvent(item.ID, store.EventLowestPrice, &price, &oldPrice, nil, item.URL, false, record.Time); err != nil {
					return stats, fmt.Errorf("insert lowest_price: %w", err)
				}
				existing = append(existing, existingEvent{eventType: store.EventLowestPrice, price: &price, createdAt: record.Time})
				lastLowestEventPrice = &price
				stats.LowestPriceFound++
			}
		}

		if len(b.cfg.DropWindows) > 0 {
			windowMins := make([]*int64, len(b.cfg.DropWindows))
			for i, w := range b.cfg.DropWindows {
				min, err := b.store.LowestInPeriodBefore(item.ID, w.Days, record.Time)
				if err != nil {
					return stats, fmt.Errorf("window min (days=%d): %w", w.Days, err)
				}
				windowMins[i] = min
			}
			hasNearDrop := hasEventNear(existing, store.EventPriceDrop, record.Time, b.cfg.IgnoreHours)
			if r := detect.PriceDrop(detect.PriceDropInput{
				CurrentPrice: current,
				Windows:      b.cfg.DropWindows,
				WindowMins:   windowMins,
				CurrencyRate: currencyRate,
			}); r != nil {
				if hasNearDrop {
					stats.AlreadyRecorded++
				} else {
					if _, err := b.store.InsertEvent(item.ID, store.EventPriceDrop, r.Price, r.OldPrice, r.ThresholdDays, item.URL, false, record.Time); err != nil {
						return stats, fmt.Errorf("insert price_drop: %w", err)
					}
					existing = append(existing, existingEvent{eventType: store.EventPriceDrop, price: r.Price, createdAt: record.Time})
					stats.PriceDropFound++
				}
			}
		}

		if current < *runningMin {
			runningMin = &current
		}
	}

	return stats, nil
}

// checkLowestPriceBackfill mirrors check_lowest_price_backfill's two-stage
// gate, the same one live ingest applies around detect.LowestPrice: a
// backfilled lowest_price event requires the sample to beat the running
// all-time minimum outright, not merely the last reported baseline. Only once that
// cheap gate passes does the rate/value threshold apply, computed against
// the baseline (last lowest_price event's price if one exists, else the
// running minimum) rather than against runningMin itself.
func checkLowestPriceBackfill(current, runningMin int64, lastLowestEventPrice *int64, cfg detect.LowestConfig, currencyRate float64) (price, oldPrice int64, fires bool) {
	if current >= runningMin {
		return 0, 0, false
	}

	baseline := runningMin
	if lastLowestEventPrice != nil {
		baseline = *lastLowestEventPrice
	}
	dropAmount := baseline - current
	if dropAmount <= 0 {
		return 0, 0, false
	}

	rate := currencyRate
	if rate == 0 {
		rate = 1.0
	}
	effectiveDrop := int64(float64(dropAmount) * rate)
	ratePercent := detect.DropRatePercent(baseline, current)

	if !detect.ThresholdMet(cfg.Rate, cfg.Value, ratePercent, effectiveDrop) {
		return 0, 0, false
	}
	return current, baseline, true
}

// hasEventNear mirrors original_source/scripts/backfill_events.py's
// has_event_near: window = record_time ± ignoreHours, distinct from the
// live path's "now - ignore_hours..now" (spec.md §9).
func hasEventNear(existing []existingEvent, eventType store.EventType, recordTime time.Time, ignoreHours float64) bool {
	window := time.Duration(ignoreHours * float64(time.Hour))
	start := recordTime.Add(-window)
	end := recordTime.Add(window)
	for _, e := range existing {
		if e.eventType != eventType {
			continue
		}
		if !e.createdAt.Before(start) && !e.createdAt.After(end) {
			return true
		}
	}
	return false
}

// BackfillEventURLs fills any events missing a url snapshot from their
// item's current URL, per original_source/scripts/backfill_events.py's
// ensure_url_column/backfill_urls CLI mode.
func (b *Backfiller) BackfillEventURLs() (int64, error) {
	n, err := b.store.BackfillEventURLs()
	if err != nil {
		return 0, fmt.Errorf("backfill event urls: %w", err)
	}
	return n, nil
}
