package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InsertEvent inserts an event row. notified reflects whether the
// transport acknowledged delivery (spec.md §4.4); it is persisted
// regardless, so the event table is the system-of-record for "what was
// detected" independent of delivery success.
func (s *Store) InsertEvent(itemID int64, eventType EventType, price, oldPrice *int64, thresholdDays *int, url string, notified bool, createdAt time.Time) (int64, error) {
	res, err := s.sql.Exec(
		`INSERT INTO events (item_id, event_type, price, old_price, threshold_days, url, notified, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		itemID, string(eventType), priceArg(price), priceArg(oldPrice), thresholdDaysArg(thresholdDays), url, boolArg(notified), createdAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return res.LastInsertId()
}

func thresholdDaysArg(days *int) any {
	if days == nil {
		return nil
	}
	return *days
}

func boolArg(b bool) int {
	if b {
		return 1
	}
	return 0
}

func scanEvent(row interface {
	Scan(dest ...any) error
}) (Event, error) {
	var e Event
	var price, oldPrice, thresholdDays sql.NullInt64
	var notified int
	var createdAt string
	err := row.Scan(&e.ID, &e.ItemID, (*string)(&e.EventType), &price, &oldPrice, &thresholdDays, &e.URL, &notified, &createdAt)
	if err != nil {
		return Event{}, err
	}
	e.Price = scanNullableInt64(price)
	e.OldPrice = scanNullableInt64(oldPrice)
	if thresholdDays.Valid {
		d := int(thresholdDays.Int64)
		e.ThresholdDays = &d
	}
	e.Notified = notified != 0
	e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return e, nil
}

const eventColumns = `id, item_id, event_type, price, old_price, threshold_days, url, notified, created_at`

// LastEvent returns the most recent event of the given type for an item,
// or nil if none exists.
func (s *Store) LastEvent(itemID int64, eventType EventType) (*Event, error) {
	row := s.sql.QueryRow(
		`SELECT `+eventColumns+` FROM events
		  WHERE item_id = ? AND event_type = ?
		  ORDER BY created_at DESC LIMIT 1`,
		itemID, string(eventType),
	)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last event: %w", err)
	}
	return &e, nil
}

// HasEventInHours reports whether an event of the given type exists for
// the item within the last `hours` hours of `now`. Used by the live
// detection path's de-dup window (spec.md §4.2, "now - ignore_hours..now").
func (s *Store) HasEventInHours(itemID int64, eventType EventType, hours float64, now time.Time) (bool, error) {
	cutoff := now.Add(-time.Duration(hours * float64(time.Hour))).UTC().Format(time.RFC3339)
	var count int
	err := s.sql.QueryRow(
		`SELECT COUNT(*) FROM events WHERE item_id = ? AND event_type = ? AND created_at >= ?`,
		itemID, string(eventType), cutoff,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("has event in hours: %w", err)
	}
	return count > 0, nil
}

// HasEventNear reports whether an event of the given type exists within
// ignoreHours of centerTime (i.e. centerTime ± ignoreHours). This is the
// replay-centered de-dup window used by backfill (spec.md §9), distinct
// from HasEventInHours's "now - ignore_hours..now" used by live ingest.
func (s *Store) HasEventNear(itemID int64, eventType EventType, centerTime time.Time, ignoreHours float64) (bool, error) {
	window := time.Duration(ignoreHours * float64(time.Hour))
	start := centerTime.Add(-window).UTC().Format(time.RFC3339)
	end := centerTime.Add(window).UTC().Format(time.RFC3339)
	var count int
	err := s.sql.QueryRow(
		`SELECT COUNT(*) FROM events WHERE item_id = ? AND event_type = ? AND created_at >= ? AND created_at <= ?`,
		itemID, string(eventType), start, end,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("has event near: %w", err)
	}
	return count > 0, nil
}

// MarkNotified sets the notified flag on an event row.
func (s *Store) MarkNotified(eventID int64) error {
	_, err := s.sql.Exec(`UPDATE events SET notified = 1 WHERE id = ?`, eventID)
	if err != nil {
		return fmt.Errorf("mark notified: %w", err)
	}
	return nil
}

// ItemEvents returns every event for an item, ordered by created_at
// ascending.
func (s *Store) ItemEvents(itemID int64) ([]Event, error) {
	rows, err := s.sql.Query(
		`SELECT `+eventColumns+` FROM events WHERE item_id = ? ORDER BY created_at ASC`,
		itemID,
	)
	if err != nil {
		return nil, fmt.Errorf("item events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecentEvents returns the most recent events across all items, newest
// first, bounded by limit.
func (s *Store) RecentEvents(limit int) ([]Event, error) {
	rows, err := s.sql.Query(
		`SELECT `+eventColumns+` FROM events ORDER BY created_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteRebuildableEvents deletes every lowest_price and price_drop event
// for every item, per spec.md §4.5's full rebuild mode. Returns the
// number of rows deleted.
func (s *Store) DeleteRebuildableEvents() (int64, error) {
	res, err := s.sql.Exec(
		`DELETE FROM events WHERE event_type IN (?, ?)`,
		string(EventLowestPrice), string(EventPriceDrop),
	)
	if err != nil {
		return 0, fmt.Errorf("delete rebuildable events: %w", err)
	}
	return res.RowsAffected()
}

// BackfillEventURLs fills in a NULL/empty url column on event rows from
// their item's current URL, per original_source/scripts/backfill_events.py's
// backfill_urls CLI mode.
func (s *Store) BackfillEventURLs() (int64, error) {
	res, err := s.sql.Exec(`
		UPDATE events SET url = (SELECT url FROM items WHERE items.id = events.item_id)
		WHERE (url IS NULL OR url = '')
		  AND EXISTS (SELECT 1 FROM items WHERE items.id = events.item_id AND items.url != '')
	`)
	if err != nil {
		return 0, fmt.Errorf("backfill event urls: %w", err)
	}
	return res.RowsAffected()
}
