package postgresdb

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jrazmi/stratum/core/migrate"
)

// ledgerTable is the per-namespace table recording applied migrations.
const ledgerTable = "schema_migrations"

// Namespace names become schema identifiers, so they are restricted to
// lowercase identifier characters rather than relying on quoting alone.
var namespacePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithGatewayLogger sets a custom logger for the gateway.
func WithGatewayLogger(log *slog.Logger) GatewayOption {
	return func(g *Gateway) {
		g.log = log
	}
}

// Gateway implements migrate.Gateway on a dedicated session connection.
//
// A single connection is held for the gateway's lifetime because both
// search_path scoping and advisory locks are session state: statements
// issued through a pool at large would land on arbitrary connections.
type Gateway struct {
	conn *pgxpool.Conn
	log  *slog.Logger

	// sanitized schema identifier, set by EnsureNamespace
	ident string
}

// NewGateway acquires a dedicated connection from the pool. The caller owns
// the gateway's lifecycle and must Close it to return the connection.
func NewGateway(ctx context.Context, pool *pgxpool.Pool, opts ...GatewayOption) (*Gateway, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	g := &Gateway{conn: conn}
	for _, opt := range opts {
		opt(g)
	}
	if g.log == nil {
		g.log = slog.Default()
	}
	return g, nil
}

// Close releases the session connection back to the pool. Any advisory lock
// still held by the session is released by the server.
func (g *Gateway) Close() {
	g.conn.Release()
}

// EnsureNamespace idempotently creates the schema and its ledger table, and
// directs all subsequent statements on this session at that schema.
func (g *Gateway) EnsureNamespace(ctx context.Context, namespace string) error {
	if !namespacePattern.MatchString(namespace) {
		return fmt.Errorf("invalid namespace name %q", namespace)
	}
	ident := pgx.Identifier{namespace}.Sanitize()

	if _, err := g.conn.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+ident); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := g.conn.Exec(ctx, "SET search_path TO "+ident); err != nil {
		return fmt.Errorf("set search path: %w", err)
	}

	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.%s (
			version BIGINT PRIMARY KEY,
			name TEXT NOT NULL,
			checksum TEXT NOT NULL,
			run_id TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`, ident, ledgerTable)
	if _, err := g.conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create ledger table: %w", err)
	}

	g.ident = ident
	g.log.DebugContext(ctx, "namespace ready", "namespace", namespace)
	return nil
}

// lockKey derives a stable advisory lock key from the namespace name.
func lockKey(namespace string) int64 {
	h := fnv.New64a()
	h.Write([]byte("stratum:" + namespace))
	return int64(h.Sum64())
}

// Lock blocks until this session holds the namespace's advisory lock,
// serializing concurrent runner invocations against the same namespace.
func (g *Gateway) Lock(ctx context.Context, namespace string) error {
	if _, err := g.conn.Exec(ctx, "SELECT pg_advisory_lock($1)", lockKey(namespace)); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}
	return nil
}

// Unlock releases the namespace's advisory lock.
func (g *Gateway) Unlock(ctx context.Context, namespace string) error {
	if _, err := g.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", lockKey(namespace)); err != nil {
		return fmt.Errorf("release advisory lock: %w", err)
	}
	return nil
}

// Applied returns the namespace's ledger ordered by version.
func (g *Gateway) Applied(ctx context.Context) ([]migrate.Entry, error) {
	if g.ident == "" {
		return nil, fmt.Errorf("namespace not set: call EnsureNamespace first")
	}

	query := fmt.Sprintf(
		"SELECT version, name, checksum, run_id, applied_at FROM %s.%s ORDER BY version",
		g.ident, ledgerTable,
	)
	rows, err := g.conn.Query(ctx, query)
	if err != nil {
		return nil, HandlePgError(err)
	}
	defer rows.Close()

	var entries []migrate.Entry
	for rows.Next() {
		var e migrate.Entry
		if err := rows.Scan(&e.Version, &e.Name, &e.Checksum, &e.RunID, &e.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read ledger rows: %w", err)
	}
	return entries, nil
}

// Begin opens a transaction on the session connection.
func (g *Gateway) Begin(ctx context.Context) (migrate.GatewayTx, error) {
	if g.ident == "" {
		return nil, fmt.Errorf("namespace not set: call EnsureNamespace first")
	}
	tx, err := g.conn.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &gatewayTx{tx: tx, ident: g.ident}, nil
}

// gatewayTx implements migrate.GatewayTx over a pgx transaction.
type gatewayTx struct {
	tx    pgx.Tx
	ident string
}

func (t *gatewayTx) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := t.tx.Exec(ctx, sql, args...)
	return err
}

func (t *gatewayTx) RecordApplied(ctx context.Context, entry migrate.Entry) error {
	query := fmt.Sprintf(
		"INSERT INTO %s.%s (version, name, checksum, run_id, applied_at) VALUES ($1, $2, $3, $4, $5)",
		t.ident, ledgerTable,
	)
	_, err := t.tx.Exec(ctx, query, entry.Version, entry.Name, entry.Checksum, entry.RunID, entry.AppliedAt)
	return HandlePgError(err)
}

func (t *gatewayTx) RemoveApplied(ctx context.Context, version int) error {
	query := fmt.Sprintf("DELETE FROM %s.%s WHERE version = $1", t.ident, ledgerTable)
	_, err := t.tx.Exec(ctx, query, version)
	return err
}

func (t *gatewayTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *gatewayTx) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}
