package store

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := OpenPath(path)
	if err != nil {
		t.Fatalf("OpenPath: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s1, err := OpenPath(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	s1.Close()

	s2, err := OpenPath(path)
	if err != nil {
		t.Fatalf("second open (re-migrate): %v", err)
	}
	s2.Close()
}

func TestUpsertItemReturnsExistingID(t *testing.T) {
	s := openTestStore(t)
	key := ItemKey("https://example.test/item/1")

	id1, err := s.UpsertItem(key, "Widget", "example", "https://example.test/item/1", "", "", "")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	id2, err := s.UpsertItem(key, "Widget (renamed)", "example", "https://example.test/item/1", "", "", "")
	if err != nil {
		t.Fatalf("upsert again: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected stable id across upserts, got %d then %d", id1, id2)
	}

	item, err := s.ItemByID(id2)
	if err != nil {
		t.Fatalf("item by id: %v", err)
	}
	if item.Name != "Widget (renamed)" {
		t.Fatalf("expected refreshed name, got %q", item.Name)
	}
}

func TestSearchItemKeyIncludesStore(t *testing.T) {
	a := SearchItemKey("storeA", "keyword")
	b := SearchItemKey("storeB", "keyword")
	if a == b {
		t.Fatal("expected distinct keys for the same keyword across different stores")
	}
}

// TestInsertSampleAtMostOneRowPerBucket is P1.
func TestInsertSampleAtMostOneRowPerBucket(t *testing.T) {
	s := openTestStore(t)
	id, err := s.UpsertItem(ItemKey("https://example.test/2"), "Widget", "example", "https://example.test/2", "", "", "")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	in := StockIn
	if err := s.InsertSample(id, PtrInt64(1000), &in, 1, base); err != nil {
		t.Fatalf("insert 1: %v", err)
	}
	if err := s.InsertSample(id, PtrInt64(900), &in, 1, base.Add(20*time.Minute)); err != nil {
		t.Fatalf("insert 2: %v", err)
	}
	if err := s.InsertSample(id, PtrInt64(800), &in, 1, base.Add(50*time.Minute)); err != nil {
		t.Fatalf("insert 3: %v", err)
	}

	history, err := s.History(id)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected exactly one bucketed row, got %d", len(history))
	}
	// P3: the minimum stock=1 price in the bucket wins.
	if *history[0].Price != 800 {
		t.Fatalf("expected minimum price 800, got %v", *history[0].Price)
	}
}

// TestInsertSampleFailurePreservesPrior implements spec.md §4.1 rule 2.
func TestInsertSampleFailurePreservesPrior(t *testing.T) {
	s := openTestStore(t)
	id, err := s.UpsertItem(ItemKey("https://example.test/3"), "Widget", "example", "https://example.test/3", "", "", "")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	in := StockIn
	if err := s.InsertSample(id, PtrInt64(1000), &in, 1, base); err != nil {
		t.Fatalf("insert success: %v", err)
	}
	if err := s.InsertSample(id, nil, nil, 0, base.Add(10*time.Minute)); err != nil {
		t.Fatalf("insert failure: %v", err)
	}

	latest, err := s.Latest(id)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Price == nil || *latest.Price != 1000 {
		t.Fatalf("expected prior successful price preserved, got %+v", latest)
	}
	if latest.CrawlStatus != 1 {
		t.Fatalf("expected crawl_status to remain 1, got %d", latest.CrawlStatus)
	}
}

// TestInsertSampleCrawlStatusZeroImpliesNullFields is P2.
func TestInsertSampleCrawlStatusZeroImpliesNullFields(t *testing.T) {
	s := openTestStore(t)
	id, err := s.UpsertItem(ItemKey("https://example.test/4"), "Widget", "example", "https://example.test/4", "", "", "")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.InsertSample(id, nil, nil, 0, time.Now()); err != nil {
		t.Fatalf("insert: %v", err)
	}
	latest, err := s.Latest(id)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Price != nil || latest.Stock != nil {
		t.Fatalf("expected nil price and stock on failure, got %+v", latest)
	}
}

// TestLowestInPeriodMonotonic is P4.
func TestLowestInPeriodMonotonic(t *testing.T) {
	s := openTestStore(t)
	id, err := s.UpsertItem(ItemKey("https://example.test/5"), "Widget", "example", "https://example.test/5", "", "", "")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	in := StockIn
	base := time.Now().Add(-60 * 24 * time.Hour)
	prices := []int64{1000, 900, 1100, 800}
	for i, p := range prices {
		if err := s.InsertSample(id, PtrInt64(p), &in, 1, base.Add(time.Duration(i)*20*24*time.Hour)); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	d7, d30, dAll := 7, 30, 365
	low7, _ := s.LowestInPeriod(id, &d7)
	low30, _ := s.LowestInPeriod(id, &d30)
	lowAll, _ := s.LowestInPeriod(id, &dAll)

	var v7, v30, vAll int64 = 1<<62, 1<<62, 1<<62
	if low7 != nil {
		v7 = *low7
	}
	if low30 != nil {
		v30 = *low30
	}
	if lowAll != nil {
		vAll = *lowAll
	}
	if v7 < v30 || v30 < vAll {
		t.Fatalf("expected monotonic non-increase as days grows: 7d=%v 30d=%v all=%v", v7, v30, vAll)
	}
}

func TestOutOfStockDurationHours(t *testing.T) {
	s := openTestStore(t)
	id, err := s.UpsertItem(ItemKey("https://example.test/6"), "Widget", "example", "https://example.test/6", "", "", "")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	in, out := StockIn, StockOut
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := s.InsertSample(id, PtrInt64(1000), &in, 1, base); err != nil {
		t.Fatal(err)
	}
	for h := 1; h <= 5; h++ {
		if err := s.InsertSample(id, nil, &out, 1, base.Add(time.Duration(h)*time.Hour)); err != nil {
			t.Fatal(err)
		}
	}
	now := base.Add(5 * time.Hour)
	hours, err := s.OutOfStockDurationHours(id, now)
	if err != nil {
		t.Fatalf("duration: %v", err)
	}
	if hours == nil || *hours < 3.9 {
		t.Fatalf("expected ~4h out-of-stock run, got %v", hours)
	}
}

func TestDeleteRebuildableEvents(t *testing.T) {
	s := openTestStore(t)
	id, err := s.UpsertItem(ItemKey("https://example.test/7"), "Widget", "example", "https://example.test/7", "", "", "")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	now := time.Now()
	if _, err := s.InsertEvent(id, EventLowestPrice, PtrInt64(900), PtrInt64(1000), nil, "", true, now); err != nil {
		t.Fatal(err)
	}
	if _, err := s.InsertEvent(id, EventBackInStock, nil, nil, nil, "", true, now); err != nil {
		t.Fatal(err)
	}
	n, err := s.DeleteRebuildableEvents()
	if err != nil {
		t.Fatalf("delete rebuildable: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row deleted (lowest_price only), got %d", n)
	}
	events, err := s.ItemEvents(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].EventType != EventBackInStock {
		t.Fatalf("expected back_in_stock event to survive, got %+v", events)
	}
}
