// Package detect implements the event detectors of the core: pure
// functions mapping a read-only snapshot of prior history plus the
// current sample to an optional event. None of these functions touch the
// database directly; callers (internal/ingest, internal/backfill) supply
// everything a detector needs to decide, which keeps the detectors
// trivially testable and guarantees the "snapshot before write" ordering
// spec.md §9 requires.
package detect

import (
	"price-watch/internal/store"
)

// Result is what a detector returns: nil means no event fired.
type Result struct {
	Type          store.EventType
	ShouldNotify  bool
	Price         *int64
	OldPrice      *int64
	ThresholdDays *int
}

// PriceDropWindow is one entry of the ordered price_drop window list
// (spec.md §6.3 check.drop.windows[]).
type PriceDropWindow struct {
	Days  int
	Rate  *float64 // percent, e.g. 10.0 = 10%
	Value *int64   // absolute amount in base currency, compared against drop × currency rate
}

// LowestConfig gates lowest_price firing (spec.md §4.2.4).
type LowestConfig struct {
	Rate  *float64
	Value *int64
}

// ThresholdMet reports whether a drop satisfies a rate/value gate. Either
// clause being nil means that clause is unconfigured; both nil means fire
// unconditionally. Exported so internal/backfill's replay-specific
// lowest_price gating (which does not call LowestPrice, see spec.md §9)
// can apply the identical rule.
func ThresholdMet(rate *float64, value *int64, actualRatePercent float64, effectiveDrop int64) bool {
	return thresholdMet(rate, value, actualRatePercent, effectiveDrop)
}

// DropRatePercent is the exported form of dropRatePercent, for the same
// reason as ThresholdMet.
func DropRatePercent(baseline, current int64) float64 {
	return dropRatePercent(baseline, current)
}

func thresholdMet(rate *float64, value *int64, actualRatePercent float64, effectiveDrop int64) bool {
	if rate == nil && value == nil {
		return true
	}
	if rate != nil && actualRatePercent >= *rate {
		return true
	}
	if value != nil && effectiveDrop >= *value {
		return true
	}
	return false
}

func dropRatePercent(baseline, current int64) float64 {
	if baseline == 0 {
		return 0
	}
	return (float64(baseline) - float64(current)) / float64(baseline) * 100
}

// BackInStockInput is the snapshot BackInStock needs.
type BackInStockInput struct {
	CurrentStock           store.Stock
	PriorStock             *store.Stock // nil = unknown, suppresses the transition
	OutOfStockDurationHours *float64
	MinOutOfStockHours      float64 // default 3.0
	HasRecentEvent          bool    // event of this type within ignore_hours of now
}

// BackInStock implements spec.md §4.2.1.
func BackInStock(in BackInStockInput) *Result {
	if in.CurrentStock != store.StockIn {
		return nil
	}
	if in.PriorStock == nil || *in.PriorStock != store.StockOut {
		return nil
	}
	minHours := in.MinOutOfStockHours
	if minHours <= 0 {
		minHours = 3.0
	}
	if in.OutOfStockDurationHours == nil || *in.OutOfStockDurationHours < minHours {
		return nil
	}
	return &Result{
		Type:         store.EventBackInStock,
		ShouldNotify: !in.HasRecentEvent,
	}
}

// CrawlFailureInput is the snapshot CrawlFailure needs.
type CrawlFailureInput struct {
	HasSuccessfulCrawlIn24h bool
	HasRecentEvent          bool
}

// CrawlFailure implements spec.md §4.2.2: fires when the last 24 hours
// contain zero successful samples. De-dup window is 24 hours.
func CrawlFailure(in CrawlFailureInput) *Result {
	if in.HasSuccessfulCrawlIn24h {
		return nil
	}
	return &Result{
		Type:         store.EventCrawlFailure,
		ShouldNotify: !in.HasRecentEvent,
	}
}

// DataRetrievalFailureInput is the snapshot DataRetrievalFailure needs.
type DataRetrievalFailureInput struct {
	NoDataDurationHours *float64
	MinHours            float64 // default 6.0
	HasRecentEvent      bool
}

// DataRetrievalFailure implements spec.md §4.2.3: fires when
// no_data_duration_hours >= 6.0.
func DataRetrievalFailure(in DataRetrievalFailureInput) *Result {
	minHours := in.MinHours
	if minHours <= 0 {
		minHours = 6.0
	}
	if in.NoDataDurationHours == nil || *in.NoDataDurationHours < minHours {
		return nil
	}
	return &Result{
		Type:         store.EventDataRetrievalFailure,
		ShouldNotify: !in.HasRecentEvent,
	}
}

// LowestPriceInput is the snapshot LowestPrice needs.
type LowestPriceInput struct {
	CurrentPrice int64
	// Baseline is the price of the most recent prior lowest_price event
	// if any; else the all-time minimum (excluding the current sample).
	// Deliberately NOT the running minimum once an event exists — see
	// spec.md §9's anti-spam rationale.
	Baseline       *int64
	CurrencyRate   float64 // defaults to 1.0 if zero
	Config         LowestConfig
	HasRecentEvent bool
}

// LowestPrice implements spec.md §4.2.4's baseline comparison and
// threshold gate. It does not check the all-time minimum; callers only
// act on its result when the current price is below that minimum.
func LowestPrice(in LowestPriceInput) *Result {
	if in.Baseline == nil {
		// No prior minimum: the very first observation never fires a
		// new low, matching backfill's running_min seeding. (§9 open
		// question, resolved: both paths must agree.)
		return nil
	}
	if in.CurrentPrice >= *in.Baseline {
		return nil
	}
	dropAmount := *in.Baseline - in.CurrentPrice

	rate := in.CurrencyRate
	if rate == 0 {
		rate = 1.0
	}
	effectiveDrop := int64(float64(dropAmount) * rate)
	ratePercent := dropRatePercent(*in.Baseline, in.CurrentPrice)

	if !thresholdMet(in.Config.Rate, in.Config.Value, ratePercent, effectiveDrop) {
		return nil
	}

	old := *in.Baseline
	cur := in.CurrentPrice
	return &Result{
		Type:         store.EventLowestPrice,
		ShouldNotify: !in.HasRecentEvent,
		Price:        &cur,
		OldPrice:     &old,
	}
}

// PriceDropInput is the snapshot PriceDrop needs. WindowMins holds the lowest
// price observed within each window's day span, looked up by the caller
// (live ingest looks back from now; backfill looks back from the sample's
// own timestamp — spec.md §4.5's critical distinction) and supplied here
// already resolved so the detector stays a pure function.
type PriceDropInput struct {
	CurrentPrice int64
	Windows      []PriceDropWindow
	WindowMins   []*int64 // parallel to Windows
	CurrencyRate float64
	// HasRecentEvent is a single flag applied to whichever window fires,
	// since de-dup is keyed by event type+item, not by window.
	HasRecentEvent bool
}

// PriceDrop implements spec.md §4.2.5: iterates windows ascending by
// days (the caller is responsible for pre-sorting, matching
// original_source/config.py's DropConfig.parse), returns the first
// matching window's event.
func PriceDrop(in PriceDropInput) *Result {
	for i, w := range in.Windows {
		min := in.WindowMins[i]
		if min == nil || in.CurrentPrice >= *min {
			continue
		}
		dropAmount := *min - in.CurrentPrice

		rate := in.CurrencyRate
		if rate == 0 {
			rate = 1.0
		}
		effectiveDrop := int64(float64(dropAmount) * rate)
		ratePercent := dropRatePercent(*min, in.CurrentPrice)

		if !thresholdMet(w.Rate, w.Value, ratePercent, effectiveDrop) {
			continue
		}

		old := *min
		cur := in.CurrentPrice
		days := w.Days
		return &Result{
			Type:          store.EventPriceDrop,
			ShouldNotify:  !in.HasRecentEvent,
			Price:         &cur,
			OldPrice:      &old,
			ThresholdDays: &days,
		}
	}
	return nil
}
