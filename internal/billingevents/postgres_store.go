package billingevents

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore is the durable Store backing, an append-only table unique
// on request_id.
type PostgresStore struct {
	db        *sql.DB
	ownsDB    bool
	tableName string
}

// NewPostgresStore opens a dedicated connection and creates the billing
// events table if it does not already exist.
func NewPostgresStore(connectionString string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("billingevents: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("billingevents: ping postgres: %w", err)
	}

	store := &PostgresStore{db: db, ownsDB: true, tableName: "billing_events"}
	if err := store.createTable(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithDB adapts an existing shared connection pool.
func NewPostgresStoreWithDB(db *sql.DB) (*PostgresStore, error) {
	store := &PostgresStore{db: db, ownsDB: false, tableName: "billing_events"}
	if err := store.createTable(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) createTable() error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			request_id     TEXT PRIMARY KEY,
			method         TEXT NOT NULL,
			key_id         TEXT NOT NULL DEFAULT '',
			reservation_id TEXT NOT NULL DEFAULT '',
			amount_micro   BIGINT NOT NULL,
			success        BOOLEAN NOT NULL,
			recorded_at    TIMESTAMPTZ NOT NULL
		)
	`, s.tableName)
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("billingevents: create table: %w", err)
	}
	indexQuery := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_key ON %s (key_id)`, s.tableName, s.tableName)
	if _, err := s.db.Exec(indexQuery); err != nil {
		return fmt.Errorf("billingevents: create key index: %w", err)
	}
	return nil
}

// InsertEvent inserts e, or does nothing if request_id was already
// recorded.
func (s *PostgresStore) InsertEvent(ctx context.Context, e Event) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (request_id, method, key_id, reservation_id, amount_micro, success, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (request_id) DO NOTHING
	`, s.tableName)
	_, err := s.db.ExecContext(ctx, query,
		e.RequestID, e.Method, e.KeyID, e.ReservationID, e.AmountMicro, e.Success, e.RecordedAt)
	if err != nil {
		return fmt.Errorf("billingevents: insert event: %w", err)
	}
	return nil
}

// Close closes the underlying connection iff this store owns it.
func (s *PostgresStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}
