package pricing

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"pricing_sync/pkg/apperrors"
)

// QuoteSnapshot is a session-scoped capture of quote-level pricing state.
// Snapshots are a browsing convenience, never authoritative; restored state
// stays provisional until the next hydration or event.
type QuoteSnapshot struct {
	QuoteID           string                      `json:"quote_id"`
	Items             map[string]ItemPricingState `json:"items"`
	LastSubtotalDelta *decimal.Decimal            `json:"last_subtotal_delta,omitempty"`
	TakenAt           time.Time                   `json:"taken_at"`
}

// SnapshotStore caches quote snapshots for the duration of a session.
type SnapshotStore interface {
	Save(ctx context.Context, snap *QuoteSnapshot) error
	Load(ctx context.Context, quoteID string) (*QuoteSnapshot, error)
	Delete(ctx context.Context, quoteID string) error
}

// MemorySnapshotStore implements SnapshotStore in memory.
type MemorySnapshotStore struct {
	mu    sync.RWMutex
	snaps map[string]*QuoteSnapshot
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snaps: make(map[string]*QuoteSnapshot)}
}

func (s *MemorySnapshotStore) Save(ctx context.Context, snap *QuoteSnapshot) error {
	if snap == nil || snap.QuoteID == "" {
		return fmt.Errorf("snapshot must carry a quote id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[snap.QuoteID] = snap
	return nil
}

func (s *MemorySnapshotStore) Load(ctx context.Context, quoteID string) (*QuoteSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[quoteID]
	if !ok {
		return nil, apperrors.ErrSnapshotNotFound
	}
	return snap, nil
}

func (s *MemorySnapshotStore) Delete(ctx context.Context, quoteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snaps, quoteID)
	return nil
}

// SQLiteSnapshotStore implements SnapshotStore on a local SQLite file, so a
// reloaded tab within the same session can resume without a summary fetch.
type SQLiteSnapshotStore struct {
	db *sql.DB
}

func NewSQLiteSnapshotStore(dbPath string) (*SQLiteSnapshotStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	schema := `CREATE TABLE IF NOT EXISTS pricing_snapshot (
		quote_id   TEXT PRIMARY KEY,
		data       TEXT NOT NULL,
		checksum   BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteSnapshotStore{db: db}, nil
}

func (s *SQLiteSnapshotStore) Save(ctx context.Context, snap *QuoteSnapshot) error {
	if snap == nil || snap.QuoteID == "" {
		return fmt.Errorf("snapshot must carry a quote id")
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	// Validate JSON (round-trip test)
	var check QuoteSnapshot
	if err := json.Unmarshal(data, &check); err != nil {
		return fmt.Errorf("snapshot validation failed: %w", err)
	}

	checksum := sha256.Sum256(data)
	query := `INSERT OR REPLACE INTO pricing_snapshot (quote_id, data, checksum, updated_at) VALUES (?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, query, snap.QuoteID, string(data), checksum[:], time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to write snapshot to db: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteSnapshotStore) Load(ctx context.Context, quoteID string) (*QuoteSnapshot, error) {
	query := `SELECT data, checksum FROM pricing_snapshot WHERE quote_id = ?`
	var data string
	var storedChecksum []byte
	err := s.db.QueryRowContext(ctx, query, quoteID).Scan(&data, &storedChecksum)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("failed to read snapshot from db: %w", err)
	}

	computed := sha256.Sum256([]byte(data))
	if len(storedChecksum) != len(computed) {
		return nil, fmt.Errorf("checksum length mismatch: expected %d, got %d", len(computed), len(storedChecksum))
	}
	for i := range computed {
		if storedChecksum[i] != computed[i] {
			return nil, fmt.Errorf("checksum verification failed: data corruption detected")
		}
	}

	var snap QuoteSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

func (s *SQLiteSnapshotStore) Delete(ctx context.Context, quoteID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pricing_snapshot WHERE quote_id = ?`, quoteID)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteSnapshotStore) Close() error {
	return s.db.Close()
}
