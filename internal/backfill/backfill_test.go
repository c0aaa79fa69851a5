package backfill

import (
	"path/filepath"
	"testing"
	"time"

	"price-watch/internal/detect"
	"price-watch/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.OpenPath(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertSuccessfulSample(t *testing.T, s *store.Store, itemID int64, price int64, at time.Time) {
	t.Helper()
	in := store.StockIn
	if err := s.InsertSample(itemID, store.PtrInt64(price), &in, 1, at); err != nil {
		t.Fatalf("insert sample: %v", err)
	}
}

// TestBackfillSkipsItemsWithFewerThanTwoSamples matches
// original_source/scripts/backfill_events.py's process_item early return.
func TestBackfillSkipsItemsWithFewerThanTwoSamples(t *testing.T) {
	s := openTestStore(t)
	id, err := s.UpsertItem(store.ItemKey("https://example.test/1"), "Widget", "example", "https://example.test/1", "", "", "")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	insertSuccessfulSample(t, s, id, 1000, time.Now().Add(-48*time.Hour))

	b := New(s, Config{IgnoreHours: 24})
	stats, err := b.Run()
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.LowestPriceFound != 0 {
		t.Fatalf("expected no events for a single-sample item, got %+v", stats)
	}
}

// TestBackfillFirstSampleSeedsWithoutEvent matches the live path's
// first-sample suppression (spec.md §9): the seed sample itself never
// fires, only a strictly-lower sample after it does.
func TestBackfillFirstSampleSeedsWithoutEvent(t *testing.T) {
	s := openTestStore(t)
	id, err := s.UpsertItem(store.ItemKey("https://example.test/2"), "Widget", "example", "https://example.test/2", "", "", "")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	base := time.Now().Add(-30 * 24 * time.Hour)
	insertSuccessfulSample(t, s, id, 1000, base)
	insertSuccessfulSample(t, s, id, 900, base.Add(24*time.Hour))

	b := New(s, Config{IgnoreHours: 24})
	stats, err := b.Run()
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.LowestPriceFound != 1 {
		t.Fatalf("expected exactly one synthesized lowest_price event, got %+v", stats)
	}

	events, err := s.ItemEvents(id)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 || events[0].EventType != store.EventLowestPrice {
		t.Fatalf("expected a single lowest_price event, got %+v", events)
	}
	if *events[0].Price != 900 || *events[0].OldPrice != 1000 {
		t.Fatalf("got price=%v old_price=%v, want 900/1000", *events[0].Price, *events[0].OldPrice)
	}
}

// TestBackfillStrictAllTimeLowGate exercises the gate documented in
// checkLowestPriceBackfill: after a new low of 500, a later 850 sample
// sits above the running minimum and must not fire, so only the 500
// sample produces a lowest_price event.
func TestBackfillStrictAllTimeLowGate(t *testing.T) {
	s := openTestStore(t)
	id, err := s.UpsertItem(store.ItemKey("https://example.test/3"), "Widget", "example", "https://example.test/3", "", "", "")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	base := time.Now().Add(-90 * 24 * time.Hour)
	insertSuccessfulSample(t, s, id, 1000, base)
	insertSuccessfulSample(t, s, id, 500, base.Add(24*time.Hour))
	insertSuccessfulSample(t, s, id, 850, base.Add(48*time.Hour))

	b := New(s, Config{IgnoreHours: 24})
	if _, err := b.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}

	events, err := s.ItemEvents(id)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	count := 0
	for _, e := range events {
		if e.EventType == store.EventLowestPrice {
			count++
			if *e.Price == 850 {
				t.Fatalf("the 850 sample must not fire: it beats no prior baseline (500 < 850), only the running min gate matters")
			}
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one lowest_price event (for 500), got %d", count)
	}
}

// TestRebuildIdempotent is P6: running a full rebuild twice in a row
// produces the same set of synthesized events.
func TestRebuildIdempotent(t *testing.T) {
	s := openTestStore(t)
	id, err := s.UpsertItem(store.ItemKey("https://example.test/4"), "Widget", "example", "https://example.test/4", "", "", "")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	base := time.Now().Add(-10 * 24 * time.Hour)
	prices := []int64{1000, 950, 1100, 800, 1200, 780}
	for i, p := range prices {
		insertSuccessfulSample(t, s, id, p, base.Add(time.Duration(i)*24*time.Hour))
	}

	cfg := Config{
		IgnoreHours: 24,
		DropWindows: []detect.PriceDropWindow{{Days: 7, Rate: ratePtr(1)}},
	}
	b := New(s, cfg)

	if _, err := b.Rebuild(); err != nil {
		t.Fatalf("rebuild 1: %v", err)
	}
	first, err := s.ItemEvents(id)
	if err != nil {
		t.Fatalf("events after first rebuild: %v", err)
	}

	if _, err := b.Rebuild(); err != nil {
		t.Fatalf("rebuild 2: %v", err)
	}
	second, err := s.ItemEvents(id)
	if err != nil {
		t.Fatalf("events after second rebuild: %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("expected idempotent rebuild, got %d events then %d", len(first), len(second))
	}
	for i := range first {
		if first[i].EventType != second[i].EventType || !equalPtr(first[i].Price, second[i].Price) {
			t.Fatalf("event %d differs across rebuilds: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func equalPtr(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func ratePtr(v float64) *float64 { return &v }
