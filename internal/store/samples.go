package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func hourBucket(t time.Time) time.Time {
	return t.Truncate(time.Hour)
}

func scanNullableInt64(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	return &n.Int64
}

func scanNullableStock(n sql.NullInt64) *Stock {
	if !n.Valid {
		return nil
	}
	v := Stock(n.Int64)
	return &v
}

func stockArg(stock *Stock) any {
	if stock == nil {
		return nil
	}
	return int64(*stock)
}

func priceArg(price *int64) any {
	if price == nil {
		return nil
	}
	return *price
}

// InsertSample implements spec.md §4.1's insert_sample and its
// hourly-merge policy: at most one row per (item, hour-bucket), with the
// merge rules governing which of the new and existing samples "win" for
// that bucket.
func (s *Store) InsertSample(itemID int64, price *int64, stock *Stock, crawlStatus int, now time.Time) error {
	bucket := hourBucket(now)
	nowStr := now.UTC().Format(time.RFC3339)

	row := s.sql.QueryRow(
		`SELECT price, stock, crawl_status FROM price_history
		  WHERE item_id = ? AND time >= ?
		  ORDER BY time DESC LIMIT 1`,
		itemID, bucket.UTC().Format(time.RFC3339),
	)
	var existingPrice, existingStock sql.NullInt64
	var existingCrawlStatus int
	err := row.Scan(&existingPrice, &existingStock, &existingCrawlStatus)

	if errors.Is(err, sql.ErrNoRows) {
		_, err := s.sql.Exec(
			`INSERT INTO price_history (item_id, price, stock, crawl_status, time) VALUES (?, ?, ?, ?, ?)`,
			itemID, priceArg(price), stockArg(stock), crawlStatus, nowStr,
		)
		if err != nil {
			return fmt.Errorf("insert sample: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup bucket sample: %w", err)
	}

	finalPrice := scanNullableInt64(existingPrice)
	finalStock := scanNullableStock(existingStock)
	finalCrawlStatus := existingCrawlStatus

	switch {
	case crawlStatus == 0:
		// New sample failed. If the existing bucket already holds a
		// successful observation, preserve it in full; only the time
		// advances either way. (spec.md §4.1 rule 2)
		// finalPrice/finalStock/finalCrawlStatus already default to
		// the existing row's values, which is correct for both branches.
	case finalCrawlStatus == 0:
		// New sample succeeded where the existing bucket had only a
		// failure: overwrite fully. (rule 3)
		finalPrice, finalStock, finalCrawlStatus = price, stock, crawlStatus
	case stock != nil && *stock == StockIn && finalPrice != nil && price != nil:
		// Both successful, new sample in stock with a price on both
		// sides: keep the minimum observed price for this bucket.
		// (rule 4)
		if *price < *finalPrice {
			finalPrice, finalStock, finalCrawlStatus = price, stock, crawlStatus
		}
	default:
		// Both successful but the new sample is not a priced in-stock
		// observation: the latest stock state wins for the bucket.
		// (rule 5)
		finalPrice, finalStock, finalCrawlStatus = price, stock, crawlStatus
	}

	_, err = s.sql.Exec(
		`UPDATE price_history SET price = ?, stock = ?, crawl_status = ?, time = ?
		  WHERE item_id = ? AND time >= ?`,
		priceArg(finalPrice), stockArg(finalStock), finalCrawlStatus, nowStr,
		itemID, bucket.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("update sample bucket: %w", err)
	}
	return nil
}

// Latest returns the most recent sample for an item by time, per
// spec.md §4.1's latest(item_ref).
func (s *Store) Latest(itemID int64) (*Sample, error) {
	row := s.sql.QueryRow(
		`SELECT price, stock, crawl_status, time FROM price_history
		  WHERE item_id = ? ORDER BY time DESC LIMIT 1`,
		itemID,
	)
	var price, stock sql.NullInt64
	var crawlStatus int
	var t string
	if err := row.Scan(&price, &stock, &crawlStatus, &t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest sample: %w", err)
	}
	parsedTime, _ := time.Parse(time.RFC3339, t)
	return &Sample{
		ItemID:      itemID,
		Price:       scanNullableInt64(price),
		Stock:       scanNullableStock(stock),
		CrawlStatus: crawlStatus,
		Time:        parsedTime,
	}, nil
}

// LowestInPeriod returns the lowest price over the last `days` days
// (nil = all history) among successful, in-stock, priced samples, per
// spec.md §4.1. Returns nil if no such sample exists.
func (s *Store) LowestInPeriod(itemID int64, days *int) (*int64, error) {
	return s.lowestInPeriodBefore(itemID, days, nil)
}

// LowestInPeriodBefore is LowestInPeriod but the window ends at `before`
// instead of now, and spans `days` days immediately preceding it. Used by
// backfill replay (spec.md §4.5), which computes thresholds relative to a
// historical sample's timestamp rather than wall-clock now, and by live
// ingest, which passes its own `now`.
func (s *Store) LowestInPeriodBefore(itemID int64, days int, before time.Time) (*int64, error) {
	d := days
	return s.lowestInPeriodBefore(itemID, &d, &before)
}

func (s *Store) lowestInPeriodBefore(itemID int64, days *int, before *time.Time) (*int64, error) {
	query := `SELECT MIN(price) FROM price_history
	           WHERE item_id = ? AND crawl_status = 1 AND stock = 1 AND price IS NOT NULL`
	args := []any{itemID}

	end := time.Now()
	if before != nil {
		end = *before
		query += ` AND time < ?`
		args = append(args, end.UTC().Format(time.RFC3339))
	}
	if days != nil {
		start := end.AddDate(0, 0, -*days)
		query += ` AND time >= ?`
		args = append(args, start.UTC().Format(time.RFC3339))
	}

	var min sql.NullInt64
	if err := s.sql.QueryRow(query, args...).Scan(&min); err != nil {
		return nil, fmt.Errorf("lowest in period: %w", err)
	}
	return scanNullableInt64(min), nil
}

// History returns every sample for an item, ordered ascending by time.
// Used by backfill replay (§4.5).
func (s *Store) History(itemID int64) ([]Sample, error) {
	rows, err := s.sql.Query(
		`SELECT price, stock, crawl_status, time FROM price_history
		  WHERE item_id = ? ORDER BY time ASC`,
		itemID,
	)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var price, stock sql.NullInt64
		var crawlStatus int
		var t string
		if err := rows.Scan(&price, &stock, &crawlStatus, &t); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		parsedTime, _ := time.Parse(time.RFC3339, t)
		out = append(out, Sample{
			ItemID:      itemID,
			Price:       scanNullableInt64(price),
			Stock:       scanNullableStock(stock),
			CrawlStatus: crawlStatus,
			Time:        parsedTime,
		})
	}
	return out, rows.Err()
}

// SuccessfulInStockHistory returns, ascending by time, only the samples
// backfill replay cares about: successful crawls, in stock, priced.
// Grounded on original_source/scripts/backfill_events.py's
// get_price_history_asc.
func (s *Store) SuccessfulInStockHistory(itemID int64) ([]Sample, error) {
	rows, err := s.sql.Query(
		`SELECT price, stock, crawl_status, time FROM price_history
		  WHERE item_id = ? AND crawl_status = 1 AND stock = 1 AND price IS NOT NULL
		  ORDER BY time ASC`,
		itemID,
	)
	if err != nil {
		return nil, fmt.Errorf("successful in-stock history: %w", err)
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var price, stock sql.NullInt64
		var crawlStatus int
		var t string
		if err := rows.Scan(&price, &stock, &crawlStatus, &t); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		parsedTime, _ := time.Parse(time.RFC3339, t)
		out = append(out, Sample{
			ItemID:      itemID,
			Price:       scanNullableInt64(price),
			Stock:       scanNullableStock(stock),
			CrawlStatus: crawlStatus,
			Time:        parsedTime,
		})
	}
	return out, rows.Err()
}

// OutOfStockDurationHours walks samples newest to oldest over
// crawl_status=1 rows only and returns the hours elapsed since the oldest
// contiguous stock=0 row, or nil if the most recent successful run does
// not currently show out-of-stock. Per spec.md §4.1.
func (s *Store) OutOfStockDurationHours(itemID int64, now time.Time) (*float64, error) {
	rows, err := s.sql.Query(
		`SELECT stock, time FROM price_history
		  WHERE item_id = ? AND crawl_status = 1
		  ORDER BY time DESC`,
		itemID,
	)
	if err != nil {
		return nil, fmt.Errorf("out of stock duration: %w", err)
	}
	defer rows.Close()

	var oldestOutOfStock *time.Time
	first := true
	for rows.Next() {
		var stock sql.NullInt64
		var t string
		if err := rows.Scan(&stock, &t); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		parsed, _ := time.Parse(time.RFC3339, t)
		s := scanNullableStock(stock)
		if s == nil || *s != StockOut {
			if first {
				return nil, nil
			}
			break
		}
		oldestOutOfStock = &parsed
		first = false
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if oldestOutOfStock == nil {
		return nil, nil
	}
	hours := now.Sub(*oldestOutOfStock).Hours()
	return &hours, nil
}

// NoDataDurationHours walks newest to oldest over all samples and returns
// the hours elapsed since the oldest contiguous run where either the
// crawl failed or it succeeded without yielding a stock value. Per
// spec.md §4.1.
func (s *Store) NoDataDurationHours(itemID int64, now time.Time) (*float64, error) {
	rows, err := s.sql.Query(
		`SELECT stock, crawl_status, time FROM price_history
		  WHERE item_id = ? ORDER BY time DESC`,
		itemID,
	)
	if err != nil {
		return nil, fmt.Errorf("no data duration: %w", err)
	}
	defer rows.Close()

	var oldestNoData *time.Time
	for rows.Next() {
		var stock sql.NullInt64
		var crawlStatus int
		var t string
		if err := rows.Scan(&stock, &crawlStatus, &t); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		parsed, _ := time.Parse(time.RFC3339, t)
		isNoData := crawlStatus == 0 || (crawlStatus == 1 && !stock.Valid)
		if !isNoData {
			break
		}
		oldestNoData = &parsed
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if oldestNoData == nil {
		return nil, nil
	}
	hours := now.Sub(*oldestNoData).Hours()
	return &hours, nil
}

// HasSuccessfulCrawlInHours reports whether any crawl_status=1 sample
// exists within the last `hours` hours.
func (s *Store) HasSuccessfulCrawlInHours(itemID int64, hours float64, now time.Time) (bool, error) {
	cutoff := now.Add(-time.Duration(hours * float64(time.Hour))).UTC().Format(time.RFC3339)
	var count int
	err := s.sql.QueryRow(
		`SELECT COUNT(*) FROM price_history WHERE item_id = ? AND crawl_status = 1 AND time >= ?`,
		itemID, cutoff,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("has successful crawl: %w", err)
	}
	return count > 0, nil
}

// ItemStats is a convenience read combining commonly needed aggregates
// for a single item, grounded on original_source's get_stats/
// get_item_stats. It folds several C1 primitives into one call rather
// than exposing a broader read API (the full read API is out of scope
// per spec.md §1).
type ItemStats struct {
	Latest       *Sample
	LowestAllTime *int64
	SampleCount  int
	SuccessCount int
}

// Stats returns a combined snapshot of an item's recent history.
func (s *Store) Stats(itemID int64, days *int) (ItemStats, error) {
	var stats ItemStats

	latest, err := s.Latest(itemID)
	if err != nil {
		return stats, err
	}
	stats.Latest = latest

	lowest, err := s.LowestInPeriod(itemID, days)
	if err != nil {
		return stats, err
	}
	stats.LowestAllTime = lowest

	query := `SELECT COUNT(*), COUNT(CASE WHEN crawl_status = 1 THEN 1 END) FROM price_history WHERE item_id = ?`
	args := []any{itemID}
	if days != nil {
		query += ` AND time >= ?`
		args = append(args, time.Now().AddDate(0, 0, -*days).UTC().Format(time.RFC3339))
	}
	if err := s.sql.QueryRow(query, args...).Scan(&stats.SampleCount, &stats.SuccessCount); err != nil {
		return stats, fmt.Errorf("item stats counts: %w", err)
	}
	return stats, nil
}

// DeleteOutlierSamples is the one explicit admin deletion operation
// spec.md §1/§4.5 permits beyond rebuild: it removes price_history rows
// whose price looks like a scrape glitch (below thresholdRatio of the
// median price over the item's successful, priced samples, whatever their
// stock state), grounded on
// original_source/scripts/remove_outlier_prices.py.
func (s *Store) DeleteOutlierSamples(itemID int64, thresholdRatio float64) (int64, error) {
	prices, err := s.successfulPrices(itemID)
	if err != nil {
		return 0, err
	}
	if len(prices) == 0 {
		return 0, nil
	}
	median := medianInt64(prices)
	cutoff := int64(float64(median) * thresholdRatio)

	res, err := s.sql.Exec(
		`DELETE FROM price_history WHERE item_id = ? AND crawl_status = 1 AND price IS NOT NULL AND price < ?`,
		itemID, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete outlier samples: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) successfulPrices(itemID int64) ([]int64, error) {
	rows, err := s.sql.Query(
		`SELECT price FROM price_history WHERE item_id = ? AND crawl_status = 1 AND price IS NOT NULL`,
		itemID,
	)
	if err != nil {
		return nil, fmt.Errorf("successful prices: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var p int64
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func medianInt64(values []int64) int64 {
	sorted := append([]int64(nil), values...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
