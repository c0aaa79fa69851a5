package ingest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"price-watch/internal/detect"
	"price-watch/internal/store"
)

type fakeNotifier struct {
	calls int
	ok    bool
}

func (f *fakeNotifier) Notify(ctx context.Context, result detect.Result, item store.Item) bool {
	f.calls++
	return f.ok
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.OpenPath(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func defaultThresholds() Thresholds {
	return Thresholds{
		IgnoreHours:           24,
		MinOutOfStockHours:    3,
		DataRetrievalMinHours: 6,
		CurrencyRate:          1,
	}
}

func checkedItem(price *int64, stockKnown bool, stock store.Stock, crawlStatus int) CheckedItem {
	return CheckedItem{
		Name:        "Widget",
		Store:       "example",
		URL:         "https://example.test/widget",
		Price:       price,
		Stock:       stock,
		StockKnown:  stockKnown,
		CrawlStatus: crawlStatus,
	}
}

// Scenario 1: first observation, zero events.
func TestScenarioFirstObservation(t *testing.T) {
	s := openTestStore(t)
	n := &fakeNotifier{ok: true}
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	results, err := Ingest(context.Background(), s, n, checkedItem(store.PtrInt64(1000), true, store.StockIn, 1), defaultThresholds(), t0)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected zero events on first observation, got %+v", results)
	}
}

// Scenario 2: new all-time low two hours later.
func TestScenarioNewAllTimeLow(t *testing.T) {
	s := openTestStore(t)
	n := &fakeNotifier{ok: true}
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if _, err := Ingest(context.Background(), s, n, checkedItem(store.PtrInt64(1000), true, store.StockIn, 1), defaultThresholds(), t0); err != nil {
		t.Fatalf("ingest 1: %v", err)
	}
	results, err := Ingest(context.Background(), s, n, checkedItem(store.PtrInt64(900), true, store.StockIn, 1), defaultThresholds(), t0.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("ingest 2: %v", err)
	}
	found := false
	for _, r := range results {
		if r.Type == store.EventLowestPrice {
			found = true
			if *r.Price != 900 || *r.OldPrice != 1000 {
				t.Fatalf("got price=%v old_price=%v, want 900/1000", *r.Price, *r.OldPrice)
			}
			if !r.ShouldNotify {
				t.Fatal("expected ShouldNotify=true")
			}
		}
	}
	if !found {
		t.Fatalf("expected a lowest_price event, got %+v", results)
	}
}

// Scenario 3: below-low within the same hour bucket; detector still sees
// the pre-ingest snapshot.
func TestScenarioBelowLowWithinSameHour(t *testing.T) {
	s := openTestStore(t)
	n := &fakeNotifier{ok: true}
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if _, err := Ingest(context.Background(), s, n, checkedItem(store.PtrInt64(1000), true, store.StockIn, 1), defaultThresholds(), t0); err != nil {
		t.Fatalf("ingest 1: %v", err)
	}
	results, err := Ingest(context.Background(), s, n, checkedItem(store.PtrInt64(800), true, store.StockIn, 1), defaultThresholds(), t0.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("ingest 2: %v", err)
	}

	var ev *detect.Result
	for i := range results {
		if results[i].Type == store.EventLowestPrice {
			ev = &results[i]
		}
	}
	if ev == nil {
		t.Fatalf("expected a lowest_price event, got %+v", results)
	}
	if *ev.Price != 800 || *ev.OldPrice != 1000 {
		t.Fatalf("got price=%v old_price=%v, want 800/1000", *ev.Price, *ev.OldPrice)
	}

	// Storage should show the merged bucket value (800), confirming the
	// detector read the pre-ingest snapshot, not the post-write value.
	item, err := s.ItemByKey(store.ItemKey("https://example.test/widget"))
	if err != nil {
		t.Fatalf("lookup item: %v", err)
	}
	latest, err := s.Latest(item.ID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if *latest.Price != 800 {
		t.Fatalf("expected stored price 800, got %v", *latest.Price)
	}
}

// Scenario 4: a stock flicker shorter than the minimum does not fire
// back_in_stock.
func TestScenarioStockFlickerSuppressed(t *testing.T) {
	s := openTestStore(t)
	n := &fakeNotifier{ok: true}
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	th := defaultThresholds()

	if _, err := Ingest(context.Background(), s, n, checkedItem(store.PtrInt64(1000), true, store.StockIn, 1), th, t0); err != nil {
		t.Fatalf("ingest t0: %v", err)
	}
	if _, err := Ingest(context.Background(), s, n, CheckedItem{
		Name: "Widget", Store: "example", URL: "https://example.test/widget",
		Price: nil, Stock: store.StockOut, StockKnown: true, CrawlStatus: 1,
	}, th, t0.Add(1*time.Hour)); err != nil {
		t.Fatalf("ingest t1: %v", err)
	}
	results, err := Ingest(context.Background(), s, n, checkedItem(store.PtrInt64(1000), true, store.StockIn, 1), th, t0.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("ingest t2: %v", err)
	}
	for _, r := range results {
		if r.Type == store.EventBackInStock {
			t.Fatalf("expected no back_in_stock event on a short flicker, got %+v", r)
		}
	}
}

// Scenario 5: a sustained outage followed by restock fires exactly one
// back_in_stock event.
func TestScenarioBackInStock(t *testing.T) {
	s := openTestStore(t)
	n := &fakeNotifier{ok: true}
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	th := defaultThresholds()

	if _, err := Ingest(context.Background(), s, n, checkedItem(store.PtrInt64(1000), true, store.StockIn, 1), th, t0); err != nil {
		t.Fatalf("ingest t0: %v", err)
	}
	for h := 1; h <= 5; h++ {
		if _, err := Ingest(context.Background(), s, n, CheckedItem{
			Name: "Widget", Store: "example", URL: "https://example.test/widget",
			Stock: store.StockOut, StockKnown: true, CrawlStatus: 1,
		}, th, t0.Add(time.Duration(h)*time.Hour)); err != nil {
			t.Fatalf("ingest outage t%d: %v", h, err)
		}
	}
	results, err := Ingest(context.Background(), s, n, checkedItem(store.PtrInt64(1000), true, store.StockIn, 1), th, t0.Add(6*time.Hour))
	if err != nil {
		t.Fatalf("ingest restock: %v", err)
	}
	count := 0
	for _, r := range results {
		if r.Type == store.EventBackInStock {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one back_in_stock event, got %d (results=%+v)", count, results)
	}
}

// Scenario 6: ordered price_drop windows, first matching window wins.
func TestScenarioPriceDropFirstWindowWins(t *testing.T) {
	s := openTestStore(t)
	n := &fakeNotifier{ok: true}
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rate7, rate30 := 10.0, 5.0
	th := defaultThresholds()
	th.DropWindows = []detect.PriceDropWindow{
		{Days: 7, Rate: &rate7},
		{Days: 30, Rate: &rate30},
	}

	for d := 0; d < 10; d++ {
		if _, err := Ingest(context.Background(), s, n, checkedItem(store.PtrInt64(1000), true, store.StockIn, 1), th, t0.Add(time.Duration(d)*24*time.Hour)); err != nil {
			t.Fatalf("ingest day %d: %v", d, err)
		}
	}
	results, err := Ingest(context.Background(), s, n, checkedItem(store.PtrInt64(890), true, store.StockIn, 1), th, t0.Add(11*24*time.Hour))
	if err != nil {
		t.Fatalf("ingest day 11: %v", err)
	}
	var drop *detect.Result
	for i := range results {
		if results[i].Type == store.EventPriceDrop {
			drop = &results[i]
		}
	}
	if drop == nil {
		t.Fatalf("expected a price_drop event, got %+v", results)
	}
	if *drop.ThresholdDays != 7 {
		t.Fatalf("ThresholdDays = %d, want 7 (first matching window)", *drop.ThresholdDays)
	}
}
