package audit

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore is the durable Store backing, an append-only table keyed
// by the caller-assigned, strictly increasing seq.
type PostgresStore struct {
	db        *sql.DB
	ownsDB    bool
	tableName string
}

// NewPostgresStore opens a dedicated connection and creates the audit
// table if it does not already exist.
func NewPostgresStore(connectionString string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("audit: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: ping postgres: %w", err)
	}

	store := &PostgresStore{db: db, ownsDB: true, tableName: "audit_records"}
	if err := store.createTable(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithDB adapts an existing shared connection pool.
func NewPostgresStoreWithDB(db *sql.DB) (*PostgresStore, error) {
	store := &PostgresStore{db: db, ownsDB: false, tableName: "audit_records"}
	if err := store.createTable(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) createTable() error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			seq          BIGINT PRIMARY KEY,
			prev_hash    TEXT NOT NULL,
			record_hash  TEXT NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL,
			job_id       TEXT NOT NULL DEFAULT '',
			template_id  TEXT NOT NULL DEFAULT '',
			action       TEXT NOT NULL,
			phase        TEXT NOT NULL,
			data         JSONB NOT NULL
		)
	`, s.tableName)
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("audit: create table: %w", err)
	}
	return nil
}

// Append inserts r. seq is the primary key, so an attempt to append a
// seq that already exists (a bug in the caller's single-writer
// invariant) fails loudly instead of silently overwriting history.
func (s *PostgresStore) Append(ctx context.Context, r Record) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (seq, prev_hash, record_hash, created_at, job_id, template_id, action, phase, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, s.tableName)
	_, err := s.db.ExecContext(ctx, query,
		r.Seq, r.PrevHash, r.RecordHash, r.Timestamp, r.JobID, r.TemplateID, r.Action, string(r.Phase), []byte(r.Data))
	if err != nil {
		return fmt.Errorf("audit: append record: %w", err)
	}
	return nil
}

// Stream reads every record ordered by seq and calls visit for each.
func (s *PostgresStore) Stream(ctx context.Context, visit func(Record) error) error {
	query := fmt.Sprintf(`
		SELECT seq, prev_hash, record_hash, created_at, job_id, template_id, action, phase, data
		FROM %s ORDER BY seq ASC
	`, s.tableName)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("audit: stream records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r Record
		var phase string
		var data []byte
		if err := rows.Scan(&r.Seq, &r.PrevHash, &r.RecordHash, &r.Timestamp,
			&r.JobID, &r.TemplateID, &r.Action, &phase, &data); err != nil {
			return fmt.Errorf("audit: scan record: %w", err)
		}
		r.Phase = Phase(phase)
		r.Data = data
		if err := visit(r); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("audit: stream records: %w", err)
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
