package kvstore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteBackend is the preferred durable backend.
// The database is opened with:
// - WAL mode for concurrent reads during writes
// - a single writer connection (SQLite does not support multiple writers)
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the backing database under dataDir.
func OpenSQLite(dataDir string) (*SQLiteBackend, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "driftline.db")

	// modernc.org/sqlite is pure Go, no CGO
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		partition TEXT NOT NULL,
		key       TEXT NOT NULL,
		value     BLOB NOT NULL,
		PRIMARY KEY (partition, key)
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create kv table: %w", err)
	}

	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Name() string { return "sqlite" }

func (b *SQLiteBackend) Get(partition, key string) ([]byte, bool, error) {
	var value []byte
	err := b.db.QueryRow(
		"SELECT value FROM kv WHERE partition = ? AND key = ?", partition, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (b *SQLiteBackend) Set(partition, key string, value []byte) error {
	_, err := b.db.Exec(
		"INSERT INTO kv (partition, key, value) VALUES (?, ?, ?) "+
			"ON CONFLICT(partition, key) DO UPDATE SET value = excluded.value",
		partition, key, value,
	)
	return err
}

func (b *SQLiteBackend) Delete(partition, key string) error {
	_, err := b.db.Exec("DELETE FROM kv WHERE partition = ? AND key = ?", partition, key)
	return err
}

func (b *SQLiteBackend) Keys(partition string) ([]string, error) {
	rows, err := b.db.Query("SELECT key FROM kv WHERE partition = ? ORDER BY key", partition)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (b *SQLiteBackend) Clear(partition string) error {
	_, err := b.db.Exec("DELETE FROM kv WHERE partition = ?", partition)
	return err
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
