// ABOUTME: SQLite implementation of the credential Store using modernc.org/sqlite
// ABOUTME: Schema is created on open; blobs are optionally sealed at rest

package credential

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	sealer *Sealer // nil means blobs are stored as-is
	logger *slog.Logger
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithSealer enables at-rest encryption of session blobs.
func WithSealer(s *Sealer) Option {
	return func(st *SQLiteStore) { st.sealer = s }
}

// NewSQLiteStore opens (or creates) the credential database at path.
// Parent directories are created if needed.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "credential-store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL for concurrent readers across tenants
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("credential store initialized", "path", path, "sealed", s.sealer != nil)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS credentials (
			tenant_id         TEXT PRIMARY KEY,
			connection_id     TEXT NOT NULL,
			connection_secret TEXT NOT NULL,
			session_blob      BLOB,
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS tenant_aliases (
			alias     TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_tenant_aliases_tenant
			ON tenant_aliases(tenant_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Resolve maps a legacy alias to its canonical tenant id. Names without an
// alias row resolve to themselves, so callers can resolve unconditionally.
func (s *SQLiteStore) Resolve(ctx context.Context, name string) (string, error) {
	var tenantID string
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id FROM tenant_aliases WHERE alias = ?`, name,
	).Scan(&tenantID)
	if err == sql.ErrNoRows {
		return name, nil
	}
	if err != nil {
		return "", unavailable("resolving tenant alias", err)
	}
	return tenantID, nil
}

// PutAlias records a legacy alias for a canonical tenant id.
func (s *SQLiteStore) PutAlias(ctx context.Context, alias, tenantID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenant_aliases (alias, tenant_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(alias) DO UPDATE SET tenant_id = excluded.tenant_id
	`, alias, tenantID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return unavailable("inserting tenant alias", err)
	}
	return nil
}

// Get returns the credential for a tenant, or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, tenantID string) (*Credential, error) {
	query := `
		SELECT tenant_id, connection_id, connection_secret, session_blob, created_at, updated_at
		FROM credentials
		WHERE tenant_id = ?
	`

	var cred Credential
	var blob []byte
	var createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx, query, tenantID).Scan(
		&cred.TenantID,
		&cred.ConnectionID,
		&cred.ConnectionSecret,
		&blob,
		&createdAt,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("querying credential", err)
	}

	if cred.SessionBlob, err = s.openBlob(blob); err != nil {
		return nil, fmt.Errorf("credential %s: %w", tenantID, err)
	}
	cred.CreatedAt = parseTime(createdAt, tenantID, "created_at")
	cred.UpdatedAt = parseTime(updatedAt, tenantID, "updated_at")

	return &cred, nil
}

// Put upserts a tenant's credential. Last-writer-wins; CreatedAt of an existing
// row is preserved.
func (s *SQLiteStore) Put(ctx context.Context, cred *Credential) error {
	if err := cred.Validate(); err != nil {
		return fmt.Errorf("invalid credential: %w", err)
	}

	blob, err := s.sealBlob(cred.SessionBlob)
	if err != nil {
		return fmt.Errorf("sealing blob for %s: %w", cred.TenantID, err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credentials (tenant_id, connection_id, connection_secret, session_blob, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			connection_id     = excluded.connection_id,
			connection_secret = excluded.connection_secret,
			session_blob      = excluded.session_blob,
			updated_at        = excluded.updated_at
	`,
		cred.TenantID,
		cred.ConnectionID,
		cred.ConnectionSecret,
		blob,
		now.Format(time.RFC3339),
		now.Format(time.RFC3339),
	)
	if err != nil {
		return unavailable("upserting credential", err)
	}

	s.logger.Debug("stored credential", "tenant_id", cred.TenantID, "blob_bytes", len(cred.SessionBlob))
	return nil
}

// List returns all stored credentials, ordered by tenant id. Used at startup to
// warm pre-provisioned tenants.
func (s *SQLiteStore) List(ctx context.Context) ([]*Credential, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, connection_id, connection_secret, session_blob, created_at, updated_at
		FROM credentials
		ORDER BY tenant_id
	`)
	if err != nil {
		return nil, unavailable("listing credentials", err)
	}
	defer func() { _ = rows.Close() }()

	var creds []*Credential
	for rows.Next() {
		var cred Credential
		var blob []byte
		var createdAt, updatedAt string

		if err := rows.Scan(
			&cred.TenantID,
			&cred.ConnectionID,
			&cred.ConnectionSecret,
			&blob,
			&createdAt,
			&updatedAt,
		); err != nil {
			return nil, unavailable("scanning credential row", err)
		}

		if cred.SessionBlob, err = s.openBlob(blob); err != nil {
			return nil, fmt.Errorf("credential %s: %w", cred.TenantID, err)
		}
		cred.CreatedAt = parseTime(createdAt, cred.TenantID, "created_at")
		cred.UpdatedAt = parseTime(updatedAt, cred.TenantID, "updated_at")

		creds = append(creds, &cred)
	}

	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating credential rows", err)
	}
	return creds, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) sealBlob(blob []byte) ([]byte, error) {
	if s.sealer == nil {
		return blob, nil
	}
	return s.sealer.Seal(blob)
}

func (s *SQLiteStore) openBlob(blob []byte) ([]byte, error) {
	if s.sealer == nil {
		return blob, nil
	}
	return s.sealer.Open(blob)
}

// unavailable wraps a storage error so callers can detect it as retryable.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(ErrStoreUnavailable, err))
}

func parseTime(value, tenantID, field string) time.Time {
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		slog.Warn("failed to parse credential timestamp", "tenant_id", tenantID, "field", field, "error", err)
		return time.Time{}
	}
	return parsed
}

var _ Store = (*SQLiteStore)(nil)
