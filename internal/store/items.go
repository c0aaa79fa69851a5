package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertItem implements spec.md §4.1's upsert_item: returns the existing
// item id on key collision, refreshing display fields (name, thumbnail)
// when they differ; creates a new row otherwise.
func (s *Store) UpsertItem(itemKey, name, storeName, url, thumbURL, searchKeyword, searchCond string) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	var id int64
	var existingName, existingThumb string
	err := s.sql.QueryRow(
		`SELECT id, name, thumb_url FROM items WHERE item_key = ?`, itemKey,
	).Scan(&id, &existingName, &existingThumb)

	if errors.Is(err, sql.ErrNoRows) {
		res, err := s.sql.Exec(
			`INSERT INTO items (item_key, name, store, url, thumb_url, search_keyword, search_cond, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			itemKey, name, storeName, url, thumbURL, searchKeyword, searchCond, now, now,
		)
		if err != nil {
			return 0, fmt.Errorf("insert item: %w", err)
		}
		return res.LastInsertId()
	}
	if err != nil {
		return 0, fmt.Errorf("lookup item: %w", err)
	}

	if existingName != name || existingThumb != thumbURL {
		if _, err := s.sql.Exec(
			`UPDATE items SET name = ?, thumb_url = ?, updated_at = ? WHERE id = ?`,
			name, thumbURL, now, id,
		); err != nil {
			return 0, fmt.Errorf("refresh item: %w", err)
		}
	}
	return id, nil
}

// ItemByID returns a single item by internal id.
func (s *Store) ItemByID(id int64) (Item, error) {
	var it Item
	var createdAt, updatedAt string
	err := s.sql.QueryRow(
		`SELECT id, item_key, name, store, url, thumb_url, search_keyword, search_cond, created_at, updated_at
		   FROM items WHERE id = ?`, id,
	).Scan(&it.ID, &it.ItemKey, &it.Name, &it.Store, &it.URL, &it.ThumbURL, &it.SearchKeyword, &it.SearchCond, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, ErrItemNotFound
	}
	if err != nil {
		return Item{}, fmt.Errorf("item by id: %w", err)
	}
	it.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	it.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return it, nil
}

// ItemByKey returns a single item by its stable external key.
func (s *Store) ItemByKey(itemKey string) (Item, error) {
	var id int64
	if err := s.sql.QueryRow(`SELECT id FROM items WHERE item_key = ?`, itemKey).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Item{}, ErrItemNotFound
		}
		return Item{}, fmt.Errorf("item by key: %w", err)
	}
	return s.ItemByID(id)
}

// AllItems returns every monitored item, ordered by id.
func (s *Store) AllItems() ([]Item, error) {
	rows, err := s.sql.Query(
		`SELECT id, item_key, name, store, url, thumb_url, search_keyword, search_cond, created_at, updated_at
		   FROM items ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("all items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		var createdAt, updatedAt string
		if err := rows.Scan(&it.ID, &it.ItemKey, &it.Name, &it.Store, &it.URL, &it.ThumbURL, &it.SearchKeyword, &it.SearchCond, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		it.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		it.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		items = append(items, it)
	}
	return items, rows.Err()
}
