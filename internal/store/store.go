// Package store is the History Store: the sole source of truth for items,
// price samples, and events. It owns the SQLite connection, schema
// migrations, and every read/write the rest of price-watch needs against
// that state.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"price-watch/internal/logger"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database connection holding items, price_history,
// and events.
type Store struct {
	sql *sql.DB
}

// Errors returned by Store operations that callers may want to match on.
var (
	// ErrItemNotFound is returned when an item lookup by key or id misses.
	ErrItemNotFound = errors.New("store: item not found")
	// ErrDuplicateSample indicates an attempted insert into an (item, hour)
	// slot already holding a row, bypassing the merge policy. This is a
	// caller bug, not an expected runtime condition.
	ErrDuplicateSample = errors.New("store: duplicate sample for hour bucket")
)

func dbPath() string {
	if wd, err := os.Getwd(); err == nil {
		return filepath.Join(wd, "price-watch.db")
	}
	exe, _ := os.Executable()
	return filepath.Join(filepath.Dir(exe), "price-watch.db")
}

// Open opens (or creates) the SQLite database at the default path and runs
// migrations.
func Open() (*Store, error) {
	return OpenPath(dbPath())
}

// OpenPath opens (or creates) the SQLite database at path and runs
// migrations. Exposed separately from Open so tests can point at a temp
// file or ":memory:".
func OpenPath(path string) (*Store, error) {
	sqlDB, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	s := &Store{sql: sqlDB}
	if err := s.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	logger.Success("Store", fmt.Sprintf("Opened %s", path))
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.sql.Close()
}

func (s *Store) migrate() error {
	version := 0
	s.sql.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)

	if version < 1 {
		_, err := s.sql.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

			CREATE TABLE IF NOT EXISTS items (
				id             INTEGER PRIMARY KEY AUTOINCREMENT,
				item_key       TEXT NOT NULL UNIQUE,
				name           TEXT NOT NULL,
				store          TEXT NOT NULL,
				url            TEXT NOT NULL DEFAULT '',
				thumb_url      TEXT NOT NULL DEFAULT '',
				search_keyword TEXT NOT NULL DEFAULT '',
				search_cond    TEXT NOT NULL DEFAULT '',
				created_at     TEXT NOT NULL,
				updated_at     TEXT NOT NULL
			);
			CREATE UNIQUE INDEX IF NOT EXISTS idx_items_key ON items(item_key);

			CREATE TABLE IF NOT EXISTS price_history (
				item_id      INTEGER NOT NULL REFERENCES items(id),
				price        INTEGER,
				stock        INTEGER,
				crawl_status INTEGER NOT NULL DEFAULT 1,
				time         TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_price_history_item_time ON price_history(item_id, time);

			CREATE TABLE IF NOT EXISTS events (
				id             INTEGER PRIMARY KEY AUTOINCREMENT,
				item_id        INTEGER NOT NULL REFERENCES items(id),
				event_type     TEXT NOT NULL,
				price          INTEGER,
				old_price      INTEGER,
				threshold_days INTEGER,
				url            TEXT NOT NULL DEFAULT '',
				notified       INTEGER NOT NULL DEFAULT 0,
				created_at     TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_events_item_type_created ON events(item_id, event_type, created_at);

			INSERT OR IGNORE INTO schema_version (version) VALUES (1);
		`)
		if err != nil {
			return fmt.Errorf("migration v1: %w", err)
		}
		logger.Info("Store", "Applied migration v1 (items, price_history, events)")
	}

	if version < 2 {
		if err := s.migrateLegacyURLHash(); err != nil {
			return fmt.Errorf("migration v2: %w", err)
		}
		_, err := s.sql.Exec(`INSERT OR IGNORE INTO schema_version (version) VALUES (2)`)
		if err != nil {
			return fmt.Errorf("migration v2: %w", err)
		}
		logger.Info("Store", "Applied migration v2 (legacy url_hash rename)")
	}

	// Defensive column backfills, matching spec.md §6.5(a)-(c). These are
	// no-ops on a database created by v1/v2 above and only fire when a
	// price-history table was hand-migrated from an even older shape
	// without going through migrateLegacyURLHash.
	if err := s.ensureTableColumn("items", "search_keyword", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return fmt.Errorf("ensure items.search_keyword: %w", err)
	}
	if err := s.ensureTableColumn("items", "search_cond", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return fmt.Errorf("ensure items.search_cond: %w", err)
	}
	if err := s.ensureTableColumn("price_history", "crawl_status", "INTEGER NOT NULL DEFAULT 1"); err != nil {
		return fmt.Errorf("ensure price_history.crawl_status: %w", err)
	}
	if err := s.ensureTableColumn("events", "url", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return fmt.Errorf("ensure events.url: %w", err)
	}

	return nil
}

// migrateLegacyURLHash detects the pre-normalization schema where
// price_history carried a url_hash column directly (no items table) and
// migrates it into the normalized items+price_history shape, per
// spec.md §6.5(d). It is idempotent: if items/price_history already look
// like the current shape, or price_history doesn't exist at all yet, it
// does nothing.
func (s *Store) migrateLegacyURLHash() error {
	exists, err := s.tableExists("price_history")
	if err != nil || !exists {
		return err
	}
	hasURLHash, err := s.columnExists("price_history", "url_hash")
	if err != nil || !hasURLHash {
		return err
	}
	hasItemID, err := s.columnExists("price_history", "item_id")
	if err != nil {
		return err
	}
	if hasItemID {
		// Already migrated in a prior partial run.
		return nil
	}

	tx, err := s.sql.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS items (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			item_key       TEXT NOT NULL UNIQUE,
			name           TEXT NOT NULL,
			store          TEXT NOT NULL,
			url            TEXT NOT NULL DEFAULT '',
			thumb_url      TEXT NOT NULL DEFAULT '',
			search_keyword TEXT NOT NULL DEFAULT '',
			search_cond    TEXT NOT NULL DEFAULT '',
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL
		)
	`); err != nil {
		return err
	}

	rows, err := tx.Query(`SELECT DISTINCT url_hash, url, name, store FROM price_history`)
	if err != nil {
		return err
	}
	itemIDs := map[string]int64{}
	type legacyItem struct{ urlHash, url, name, store string }
	var legacyItems []legacyItem
	for rows.Next() {
		var li legacyItem
		if err := rows.Scan(&li.urlHash, &li.url, &li.name, &li.store); err != nil {
			rows.Close()
			return err
		}
		legacyItems = append(legacyItems, li)
	}
	rows.Close()

	insertItem, err := tx.Prepare(`
		INSERT INTO items (item_key, name, store, url, created_at, updated_at)
		VALUES (?, ?, ?, ?, datetime('now'), datetime('now'))
		ON CONFLICT(item_key) DO NOTHING
	`)
	if err != nil {
		return err
	}
	defer insertItem.Close()
	for _, li := range legacyItems {
		if _, err := insertItem.Exec(li.urlHash, li.name, li.store, li.url); err != nil {
			return err
		}
		var id int64
		if err := tx.QueryRow(`SELECT id FROM items WHERE item_key = ?`, li.urlHash).Scan(&id); err != nil {
			return err
		}
		itemIDs[li.urlHash] = id
	}

	if _, err := tx.Exec(`ALTER TABLE price_history RENAME TO price_history_legacy`); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		CREATE TABLE price_history (
			item_id      INTEGER NOT NULL REFERENCES items(id),
			price        INTEGER,
			stock        INTEGER,
			crawl_status INTEGER NOT NULL DEFAULT 1,
			time         TEXT NOT NULL
		)
	`); err != nil {
		return err
	}

	legacyRows, err := tx.Query(`SELECT url_hash, price, stock, crawl_status, time FROM price_history_legacy`)
	if err != nil {
		return err
	}
	insertSample, err := tx.Prepare(`INSERT INTO price_history (item_id, price, stock, crawl_status, time) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		legacyRows.Close()
		return err
	}
	defer insertSample.Close()
	for legacyRows.Next() {
		var urlHash string
		var price, stock sql.NullInt64
		var crawlStatus int
		var t string
		if err := legacyRows.Scan(&urlHash, &price, &stock, &crawlStatus, &t); err != nil {
			legacyRows.Close()
			return err
		}
		id, ok := itemIDs[urlHash]
		if !ok {
			continue
		}
		if _, err := insertSample.Exec(id, nullableInt64(price), nullableInt64(stock), crawlStatus, t); err != nil {
			legacyRows.Close()
			return err
		}
	}
	legacyRows.Close()

	if _, err := tx.Exec(`DROP TABLE price_history_legacy`); err != nil {
		return err
	}
	if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_price_history_item_time ON price_history(item_id, time)`); err != nil {
		return err
	}

	return tx.Commit()
}

func nullableInt64(n sql.NullInt64) any {
	if !n.Valid {
		return nil
	}
	return n.Int64
}

func (s *Store) tableExists(tableName string) (bool, error) {
	var name string
	err := s.sql.QueryRow(
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ? LIMIT 1`,
		tableName,
	).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) columnExists(tableName, columnName string) (bool, error) {
	rows, err := s.sql.Query("PRAGMA table_info(" + tableName + ")")
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, typ string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return false, err
		}
		if strings.EqualFold(name, columnName) {
			return true, nil
		}
	}
	return false, rows.Err()
}

func (s *Store) ensureTableColumn(tableName, columnName, columnDef string) error {
	exists, err := s.tableExists(tableName)
	if err != nil || !exists {
		return err
	}
	has, err := s.columnExists(tableName, columnName)
	if err != nil || has {
		return err
	}
	_, err = s.sql.Exec("ALTER TABLE " + tableName + " ADD COLUMN " + columnName + " " + columnDef)
	return err
}
