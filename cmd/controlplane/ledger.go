package main

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	ledgerDirPerm = 0o750
	ledgerTimeout = 3 * time.Second
	ledgerSchema  = `CREATE TABLE IF NOT EXISTS issued_keys(
	id TEXT PRIMARY KEY,
	tailnet TEXT NOT NULL,
	description TEXT,
	tags TEXT,
	key_hash TEXT NOT NULL,
	reusable INTEGER,
	ephemeral INTEGER,
	preauthorized INTEGER,
	created INTEGER,
	expires INTEGER
);
CREATE INDEX IF NOT EXISTS idx_issued_keys_tailnet ON issued_keys(tailnet);`
)

// KeyRecord is one issued auth key. The key itself is never stored, only
// its hash.
type KeyRecord struct {
	Created       time.Time `json:"created"`
	Expires       time.Time `json:"expires"`
	ID            string    `json:"id"`
	Tailnet       string    `json:"tailnet"`
	Description   string    `json:"description,omitempty"`
	KeyHash       string    `json:"keyHash"`
	Tags          []string  `json:"tags"`
	Reusable      bool      `json:"reusable"`
	Ephemeral     bool      `json:"ephemeral"`
	Preauthorized bool      `json:"preauthorized"`
}

// Ledger records issued keys in sqlite.
type Ledger struct {
	db *sql.DB
}

// OpenLedger opens or creates the ledger database at path.
func OpenLedger(ctx context.Context, path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), ledgerDirPerm); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}
	dsn := "file:" + path + "?_pragma=busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(ctx, ledgerTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	if _, err := db.ExecContext(ctx, ledgerSchema); err != nil {
		_ = db.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}
	log.Printf("[INFO] Key ledger opened at %s", path)
	return &Ledger{db: db}, nil
}

// HashKey returns the value stored in place of a key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Record stores rec.
func (l *Ledger) Record(ctx context.Context, rec KeyRecord) error {
	tags, err := json.Marshal(rec.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, ledgerTimeout)
	defer cancel()
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO issued_keys(id, tailnet, description, tags, key_hash, reusable, ephemeral, preauthorized, created, expires)
		VALUES(?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.Tailnet, rec.Description, string(tags), rec.KeyHash,
		rec.Reusable, rec.Ephemeral, rec.Preauthorized, rec.Created.Unix(), rec.Expires.Unix())
	if err != nil {
		return fmt.Errorf("failed to record key %s: %w", rec.ID, err)
	}
	return nil
}

// List returns the keys issued for tailnet, oldest first.
func (l *Ledger) List(ctx context.Context, tailnet string) ([]KeyRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, ledgerTimeout)
	defer cancel()
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, tailnet, description, tags, key_hash, reusable, ephemeral, preauthorized, created, expires
		FROM issued_keys WHERE tailnet = ? ORDER BY created, id`, tailnet)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer func() { _ = rows.Close() }() //nolint:errcheck // read-only query

	records := []KeyRecord{}
	for rows.Next() {
		var rec KeyRecord
		var tags string
		var created, expires int64
		if err := rows.Scan(&rec.ID, &rec.Tailnet, &rec.Description, &tags, &rec.KeyHash,
			&rec.Reusable, &rec.Ephemeral, &rec.Preauthorized, &created, &expires); err != nil {
			return nil, fmt.Errorf("failed to read key record: %w", err)
		}
		if err := json.Unmarshal([]byte(tags), &rec.Tags); err != nil {
			log.Printf("[WARN] Key %s has unreadable tags: %v", rec.ID, err)
		}
		rec.Created = time.Unix(created, 0).UTC()
		rec.Expires = time.Unix(expires, 0).UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	return records, nil
}

// Count returns the number of issued keys across all tailnets.
func (l *Ledger) Count(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, ledgerTimeout)
	defer cancel()
	var count int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM issued_keys`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count keys: %w", err)
	}
	return count, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}
