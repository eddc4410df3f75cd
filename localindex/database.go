package localindex

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the app data dir.
	DefaultDBFileName = "index.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
	// DefaultSeenRetention controls automatic pruning of seen-reference rows.
	DefaultSeenRetention = 90 * 24 * time.Hour
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("localindex: record not found")
	// ErrInvalidTransition indicates a payment status move the one-shot
	// pending transition does not permit.
	ErrInvalidTransition = errors.New("localindex: invalid payment status transition")
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS messages (
  id             TEXT PRIMARY KEY,
  sender         TEXT NOT NULL,
  recipient      TEXT NOT NULL,
  content_ref    TEXT NOT NULL,
  key_envelope   TEXT NOT NULL,
  signature      BLOB,
  payment_ref    TEXT,
  timestamp_sent INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_sender
ON messages (sender, timestamp_sent DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_recipient
ON messages (recipient, timestamp_sent DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_time
ON messages (timestamp_sent DESC, id);
`,
	`
CREATE TABLE IF NOT EXISTS delivery_records (
  message_id      TEXT NOT NULL REFERENCES messages(id),
  observer        TEXT NOT NULL,
  state           TEXT NOT NULL CHECK(state IN ('referenced','fetching','decrypting','verified','rejected')),
  delivered       INTEGER NOT NULL DEFAULT 0,
  read            INTEGER NOT NULL DEFAULT 0,
  failure_reason  TEXT NOT NULL DEFAULT '',
  sequence_number INTEGER NOT NULL DEFAULT 0,
  committed_at    INTEGER NOT NULL,
  PRIMARY KEY (message_id, observer)
);
`,
	`
CREATE TABLE IF NOT EXISTS payments (
  transaction_ref TEXT PRIMARY KEY,
  sender          TEXT NOT NULL,
  recipient       TEXT NOT NULL,
  amount          INTEGER NOT NULL,
  asset_kind      TEXT NOT NULL CHECK(asset_kind IN ('native','token')),
  status          TEXT NOT NULL CHECK(status IN ('pending','confirmed','failed')) DEFAULT 'pending',
  failure_reason  TEXT NOT NULL DEFAULT ''
);
`,
	`
CREATE TABLE IF NOT EXISTS seen_references (
  content_ref TEXT NOT NULL,
  sender      TEXT NOT NULL,
  recipient   TEXT NOT NULL,
  tx_id       TEXT NOT NULL,
  seen_at     INTEGER NOT NULL,
  PRIMARY KEY (content_ref, sender, recipient)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_seen_references_seen_at
ON seen_references (seen_at);
`,
}

// Index is the durable local view of messages, delivery records, and payment
// statuses. It is the only mutable shared resource in the system; all writes
// go through its methods, which are safe under concurrent use.
type Index struct {
	db *sql.DB

	walCheckpointInterval time.Duration
	walCheckpointStop     chan struct{}
	walCheckpointWG       sync.WaitGroup
	closeOnce             sync.Once
}

// Open opens (or creates) index.db under the given data directory and runs
// schema migrations.
func Open(dataDir string) (*Index, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create index directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	index, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}

	return index, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Index, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	index := &Index{
		db:                    db,
		walCheckpointInterval: DefaultWALCheckpointInterval,
		walCheckpointStop:     make(chan struct{}),
	}
	if err := index.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := index.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := index.checkpointWAL(); err != nil {
		_ = db.Close()
		return nil, err
	}
	index.startWALCheckpointLoop()

	return index, nil
}

// Close closes the SQLite connection.
func (x *Index) Close() error {
	if x == nil || x.db == nil {
		return nil
	}
	var closeErr error
	x.closeOnce.Do(func() {
		if x.walCheckpointStop != nil {
			close(x.walCheckpointStop)
			x.walCheckpointWG.Wait()
		}
		closeErr = x.db.Close()
		x.db = nil
	})
	return closeErr
}

func (x *Index) applyMigrations() error {
	var version int
	if err := x.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := x.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func (x *Index) enableWALMode() error {
	var journalMode string
	if err := x.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (x *Index) checkpointWAL() error {
	if _, err := x.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

func (x *Index) startWALCheckpointLoop() {
	interval := x.walCheckpointInterval
	if interval <= 0 || x.walCheckpointStop == nil {
		return
	}

	x.walCheckpointWG.Add(1)
	go func() {
		defer x.walCheckpointWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = x.checkpointWAL()
			case <-x.walCheckpointStop:
				return
			}
		}
	}()
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
