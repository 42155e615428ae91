package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"trendict/logger"
	"trendict/models"
)

// SQLiteKV persists the engine's durable slots in a local SQLite database.
// It also keeps the quotation snapshot history the five-minute poller
// records.
type SQLiteKV struct {
	db  *sql.DB
	mu  sync.Mutex
	log *logger.Log
}

// NewSQLiteKV opens (or creates) the database and runs migrations.
func NewSQLiteKV(dbPath string) (*SQLiteKV, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL mode so dashboard reads do not block stream writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &SQLiteKV{db: db, log: logger.GetLogger()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s.log.WithComponent("sqlite_store").WithFields(logger.Fields{"path": dbPath}).Info("sqlite store opened")
	return s, nil
}

func (s *SQLiteKV) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS slots (
			key        TEXT PRIMARY KEY,
			value      BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS quote_snapshots (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			batch_id      TEXT,
			symbol        TEXT NOT NULL,
			price         REAL,
			change        REAL,
			change_rate   REAL,
			business_date TEXT,
			recorded_at   INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_quote_ts ON quote_snapshots(recorded_at)`,
		`CREATE INDEX IF NOT EXISTS idx_quote_symbol ON quote_snapshots(symbol)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

func (s *SQLiteKV) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var value []byte
	err := s.db.QueryRow("SELECT value FROM slots WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get slot '%s': %w", key, err)
	}
	return value, true, nil
}

func (s *SQLiteKV) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO slots(key, value, updated_at) VALUES(?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("set slot '%s': %w", key, err)
	}
	return nil
}

func (s *SQLiteKV) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM slots WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete slot '%s': %w", key, err)
	}
	return nil
}

// RecordQuoteSnapshot appends one pulled quotation to the snapshot history.
func (s *SQLiteKV) RecordQuoteSnapshot(snap models.QuoteSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO quote_snapshots(batch_id, symbol, price, change, change_rate, business_date, recorded_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), snap.Symbol, snap.Price, snap.Change, snap.ChangeRate,
		snap.BusinessDate, snap.RetrievedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("record quote snapshot: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteKV) Close() error {
	return s.db.Close()
}
