// Package registry is the Postgres-backed Server directory: the
// source of truth for which hosts are monitored and how to
// authenticate to them. It doubles as the sshpool.CredentialResolver
// the Pool calls on every dial.
package registry

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/cwatcher/cwatcher/internal/config"
	"github.com/cwatcher/cwatcher/internal/model"
	"github.com/cwatcher/cwatcher/internal/sshpool"
	"github.com/cwatcher/cwatcher/internal/vault"
)

// ErrServerNotFound is returned when no active server matches an ID.
var ErrServerNotFound = errors.New("registry: server not found")

// DB wraps the pooled Postgres connection, mirroring the teacher's
// database.DB embedding of *sql.DB.
type DB struct {
	*sql.DB
}

// Open connects to Postgres using cfg's DSN and verifies the connection.
func Open(cfg *config.Config) (*DB, error) {
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{db}, nil
}

// Close closes the underlying pool.
func (db *DB) Close() error { return db.DB.Close() }

// HealthCheck runs a trivial round trip to confirm the database is
// responsive, not merely connected.
func (db *DB) HealthCheck(ctx context.Context) error {
	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("registry health check: %w", err)
	}
	return nil
}

// Registry is the Server directory, backed by a `cwatcher.servers`
// table. It is also the CredentialResolver the SSH Pool uses to turn a
// server ID into a decrypted credential at dial time.
type Registry struct {
	db    *DB
	vault *vault.Vault
}

// New constructs a Registry over an already-open *DB and the Credential
// Vault used to decrypt stored secrets.
func New(db *DB, v *vault.Vault) *Registry {
	return &Registry{db: db, vault: v}
}

// ListActive returns every server with monitoring enabled and no
// deletion timestamp, for the Scheduler to seed at startup and poll
// for membership changes.
func (r *Registry) ListActive(ctx context.Context) ([]model.Server, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, host, port, username, auth_kind, secret_algorithm,
		       secret_salt, secret_nonce, secret_ciphertext, secret_kdf_iterations, tags
		FROM cwatcher.servers
		WHERE monitoring_enabled = true AND deleted_at IS NULL
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list active servers: %w", err)
	}
	defer rows.Close()

	var servers []model.Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, srv)
	}
	return servers, rows.Err()
}

// Get fetches one non-deleted server by ID; a soft-deleted or unknown
// ID yields ErrServerNotFound.
func (r *Registry) Get(ctx context.Context, serverID string) (model.Server, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, host, port, username, auth_kind, secret_algorithm,
		       secret_salt, secret_nonce, secret_ciphertext, secret_kdf_iterations, tags
		FROM cwatcher.servers
		WHERE id = $1 AND deleted_at IS NULL`, serverID)

	srv, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Server{}, ErrServerNotFound
	}
	if err != nil {
		return model.Server{}, fmt.Errorf("get server %s: %w", serverID, err)
	}
	return srv, nil
}

// ListAll returns every non-deleted server regardless of monitoring
// state, for the in-process ListServers contract the REST adapter
// calls — unlike ListActive, it is not filtered to what the Scheduler
// should be polling.
func (r *Registry) ListAll(ctx context.Context) ([]model.Server, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, host, port, username, auth_kind, secret_algorithm,
		       secret_salt, secret_nonce, secret_ciphertext, secret_kdf_iterations, tags
		FROM cwatcher.servers
		WHERE deleted_at IS NULL
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer rows.Close()

	var servers []model.Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, srv)
	}
	return servers, rows.Err()
}

// Create inserts a new server record, encrypting secret with the
// Vault before it ever reaches the database.
func (r *Registry) Create(ctx context.Context, srv model.Server, secret []byte) (model.Server, error) {
	encrypted, err := r.vault.Encrypt(secret)
	if err != nil {
		return model.Server{}, fmt.Errorf("encrypt secret for new server %s: %w", srv.ID, err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO cwatcher.servers
			(id, name, host, port, username, auth_kind, secret_algorithm,
			 secret_salt, secret_nonce, secret_ciphertext, secret_kdf_iterations,
			 tags, monitoring_enabled)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		srv.ID, srv.Name, srv.Host, srv.Port, srv.Username, srv.AuthKind, encrypted.Algorithm,
		base64.StdEncoding.EncodeToString(encrypted.Salt),
		base64.StdEncoding.EncodeToString(encrypted.Nonce),
		base64.StdEncoding.EncodeToString(encrypted.Ciphertext),
		encrypted.KDFIterations, joinTags(srv.Tags), srv.MonitoringEnabled)
	if err != nil {
		return model.Server{}, fmt.Errorf("insert server %s: %w", srv.ID, err)
	}

	srv.Secret = encrypted
	return srv, nil
}

// Update rewrites a server's connection facts. If secret is non-nil it
// is re-encrypted and replaces the stored credential; a nil secret
// leaves the existing one untouched.
func (r *Registry) Update(ctx context.Context, srv model.Server, secret []byte) (model.Server, error) {
	if secret == nil {
		_, err := r.db.ExecContext(ctx, `
			UPDATE cwatcher.servers
			SET name=$2, host=$3, port=$4, username=$5, tags=$6, monitoring_enabled=$7
			WHERE id=$1 AND deleted_at IS NULL`,
			srv.ID, srv.Name, srv.Host, srv.Port, srv.Username, joinTags(srv.Tags), srv.MonitoringEnabled)
		if err != nil {
			return model.Server{}, fmt.Errorf("update server %s: %w", srv.ID, err)
		}
		return r.Get(ctx, srv.ID)
	}

	encrypted, err := r.vault.Encrypt(secret)
	if err != nil {
		return model.Server{}, fmt.Errorf("encrypt secret for server %s: %w", srv.ID, err)
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE cwatcher.servers
		SET name=$2, host=$3, port=$4, username=$5, tags=$6, monitoring_enabled=$7,
		    secret_algorithm=$8, secret_salt=$9, secret_nonce=$10, secret_ciphertext=$11,
		    secret_kdf_iterations=$12
		WHERE id=$1 AND deleted_at IS NULL`,
		srv.ID, srv.Name, srv.Host, srv.Port, srv.Username, joinTags(srv.Tags), srv.MonitoringEnabled,
		encrypted.Algorithm,
		base64.StdEncoding.EncodeToString(encrypted.Salt),
		base64.StdEncoding.EncodeToString(encrypted.Nonce),
		base64.StdEncoding.EncodeToString(encrypted.Ciphertext),
		encrypted.KDFIterations)
	if err != nil {
		return model.Server{}, fmt.Errorf("update server %s: %w", srv.ID, err)
	}
	return r.Get(ctx, srv.ID)
}

// Delete soft-deletes a server; the Scheduler's next registry poll
// drops it from rotation.
func (r *Registry) Delete(ctx context.Context, serverID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE cwatcher.servers SET deleted_at = now()
		WHERE id = $1 AND deleted_at IS NULL`, serverID)
	if err != nil {
		return fmt.Errorf("delete server %s: %w", serverID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete server %s: %w", serverID, err)
	}
	if n == 0 {
		return ErrServerNotFound
	}
	return nil
}

func joinTags(tags []string) string {
	out := ""
	for i, t := range tags {
		if i > 0 {
			out += ","
		}
		out += t
	}
	return out
}

// rowScanner covers both *sql.Row and *sql.Rows' Scan method.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanServer(row rowScanner) (model.Server, error) {
	var srv model.Server
	var saltB64, nonceB64, ciphertextB64 string
	var tags sql.NullString

	err := row.Scan(
		&srv.ID, &srv.Name, &srv.Host, &srv.Port, &srv.Username, &srv.AuthKind,
		&srv.Secret.Algorithm, &saltB64, &nonceB64, &ciphertextB64, &srv.Secret.KDFIterations,
		&tags,
	)
	if err != nil {
		return model.Server{}, err
	}

	srv.MonitoringEnabled = true
	if tags.Valid && tags.String != "" {
		srv.Tags = splitTags(tags.String)
	}

	srv.Secret.Salt, err = base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return model.Server{}, fmt.Errorf("decode secret salt: %w", err)
	}
	srv.Secret.Nonce, err = base64.StdEncoding.DecodeString(nonceB64)
	if err != nil {
		return model.Server{}, fmt.Errorf("decode secret nonce: %w", err)
	}
	srv.Secret.Ciphertext, err = base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return model.Server{}, fmt.Errorf("decode secret ciphertext: %w", err)
	}

	return srv, nil
}

func splitTags(csv string) []string {
	var tags []string
	start := 0
	for i := 0; i <= len(csv); i++ {
		if i == len(csv) || csv[i] == ',' {
			if i > start {
				tags = append(tags, csv[start:i])
			}
			start = i + 1
		}
	}
	return tags
}

// Resolve implements sshpool.CredentialResolver: it looks up the
// server and decrypts its stored secret with the Vault. The decrypted
// secret is returned directly to the Pool, which discards it after
// building the SSH auth method — it is never logged or persisted in
// plaintext outside this call.
func (r *Registry) Resolve(ctx context.Context, serverID string) (sshpool.Credential, error) {
	srv, err := r.Get(ctx, serverID)
	if err != nil {
		return sshpool.Credential{}, err
	}
	plaintext, err := r.vault.Decrypt(srv.Secret)
	if err != nil {
		return sshpool.Credential{}, fmt.Errorf("decrypt secret for server %s: %w", serverID, err)
	}
	return sshpool.Credential{Server: srv, Secret: plaintext}, nil
}
