package apikey

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db        *sql.DB
	ownsDB    bool
	tableName string
}

// NewPostgresStore opens a dedicated connection and creates the apikey
// table if it does not already exist.
func NewPostgresStore(connectionString string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("apikey: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apikey: ping postgres: %w", err)
	}

	store := &PostgresStore{db: db, ownsDB: true, tableName: "api_keys"}
	if err := store.createTable(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithDB adapts an existing shared connection pool, so the
// apikey store does not need its own pool.
func NewPostgresStoreWithDB(db *sql.DB) (*PostgresStore, error) {
	store := &PostgresStore{db: db, ownsDB: false, tableName: "api_keys"}
	if err := store.createTable(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) createTable() error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key_id         TEXT PRIMARY KEY,
			tenant_id      TEXT NOT NULL,
			lookup_hash    TEXT NOT NULL UNIQUE,
			secret_hash    TEXT NOT NULL,
			balance_micro  BIGINT NOT NULL DEFAULT 0,
			revoked        BOOLEAN NOT NULL DEFAULT FALSE,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`, s.tableName)
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("apikey: create table: %w", err)
	}
	indexQuery := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_tenant ON %s (tenant_id)`, s.tableName, s.tableName)
	if _, err := s.db.Exec(indexQuery); err != nil {
		return fmt.Errorf("apikey: create tenant index: %w", err)
	}
	return nil
}

// Insert stores a newly minted key. Lookup hash collisions (astronomically
// unlikely for a 256-bit HMAC) surface as a generic insert error.
func (s *PostgresStore) Insert(ctx context.Context, key ApiKey) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (key_id, tenant_id, lookup_hash, secret_hash, balance_micro, revoked, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, s.tableName)
	_, err := s.db.ExecContext(ctx, query,
		key.KeyID, key.TenantID, key.LookupHash, key.SecretHash, key.BalanceMicro, key.Revoked, key.CreatedAt)
	if err != nil {
		return fmt.Errorf("apikey: insert: %w", err)
	}
	return nil
}

func (s *PostgresStore) scanRow(row *sql.Row) (ApiKey, error) {
	var key ApiKey
	err := row.Scan(&key.KeyID, &key.TenantID, &key.LookupHash, &key.SecretHash,
		&key.BalanceMicro, &key.Revoked, &key.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ApiKey{}, ErrNotFound
	}
	if err != nil {
		return ApiKey{}, fmt.Errorf("apikey: scan: %w", err)
	}
	return key, nil
}

// GetByLookupHash fetches a key by its HMAC lookup hash.
func (s *PostgresStore) GetByLookupHash(ctx context.Context, lookupHash string) (ApiKey, error) {
	query := fmt.Sprintf(`
		SELECT key_id, tenant_id, lookup_hash, secret_hash, balance_micro, revoked, created_at
		FROM %s WHERE lookup_hash = $1
	`, s.tableName)
	return s.scanRow(s.db.QueryRowContext(ctx, query, lookupHash))
}

// GetByID fetches a key by its public identifier.
func (s *PostgresStore) GetByID(ctx context.Context, keyID string) (ApiKey, error) {
	query := fmt.Sprintf(`
		SELECT key_id, tenant_id, lookup_hash, secret_hash, balance_micro, revoked, created_at
		FROM %s WHERE key_id = $1
	`, s.tableName)
	return s.scanRow(s.db.QueryRowContext(ctx, query, keyID))
}

// Revoke flips the revoked flag. Idempotent: revoking an already-revoked
// key succeeds without error.
func (s *PostgresStore) Revoke(ctx context.Context, keyID string) error {
	query := fmt.Sprintf(`UPDATE %s SET revoked = TRUE WHERE key_id = $1`, s.tableName)
	res, err := s.db.ExecContext(ctx, query, keyID)
	if err != nil {
		return fmt.Errorf("apikey: revoke: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("apikey: revoke rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// SetBalanceMicro overwrites the denormalized balance cache field.
func (s *PostgresStore) SetBalanceMicro(ctx context.Context, keyID string, balanceMicro int64) error {
	query := fmt.Sprintf(`UPDATE %s SET balance_micro = $2 WHERE key_id = $1`, s.tableName)
	res, err := s.db.ExecContext(ctx, query, keyID, balanceMicro)
	if err != nil {
		return fmt.Errorf("apikey: set balance: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("apikey: set balance rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
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
