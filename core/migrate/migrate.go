// Package migrate applies versioned, checksum-verified schema migrations.
//
// A Runner owns one namespace's migration history. On every invocation it
// discovers migrations from its sources, verifies that already-applied
// migrations are untouched, rejects any numbering that would skip a version,
// and applies each pending migration inside its own transaction, recording
// the ledger row in that same transaction. The first failure halts the run;
// re-invoking resumes at the failed version because its ledger row was never
// written.
//
// The Runner talks to the database through the Gateway interface so the
// caller owns connection lifecycle and tests can substitute a fake.
package migrate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Entry is one row of the per-namespace migration ledger.
type Entry struct {
	Version   int
	Name      string
	Checksum  string
	RunID     string
	AppliedAt time.Time
}

// Pending identifies a discovered migration that has not been applied yet.
type Pending struct {
	Version int
	Name    string
}

// Status reports a namespace's ledger against its discovered migrations.
type Status struct {
	Namespace string
	Applied   []Entry
	Pending   []Pending
}

// Tx is the transactional handle a migration executes its statements against.
type Tx interface {
	Exec(ctx context.Context, sql string, args ...any) error
}

// GatewayTx is the gateway-side transaction consumed by the Runner. The
// ledger write and the migration's statements share one transaction so the
// ledger never disagrees with the schema.
type GatewayTx interface {
	Tx
	RecordApplied(ctx context.Context, entry Entry) error
	RemoveApplied(ctx context.Context, version int) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Gateway is the database access surface the Runner depends on. A gateway is
// scoped to one session: EnsureNamespace directs all subsequent statements at
// the named schema, and Lock serializes concurrent runners against it.
type Gateway interface {
	EnsureNamespace(ctx context.Context, namespace string) error
	Lock(ctx context.Context, namespace string) error
	Unlock(ctx context.Context, namespace string) error
	Applied(ctx context.Context) ([]Entry, error)
	Begin(ctx context.Context) (GatewayTx, error)
}

// Migration is one versioned schema change unit.
type Migration interface {
	Version() int
	Name() string
	Checksum() (string, error)
	Up(ctx context.Context, tx Tx) error
	Down(ctx context.Context, tx Tx) error
}

// Source produces migrations for a namespace, freshly on every load.
type Source interface {
	Load(ctx context.Context) ([]Migration, error)
}

// options holds the internal runner configuration.
type options struct {
	sources []Source
	log     *slog.Logger
	runID   string
	now     func() time.Time
}

// Option is a function that configures the runner options.
type Option func(*options)

// WithSource adds a migration source. Sources are merged and ordered by
// version; a version appearing in two sources is a sequence violation.
func WithSource(s Source) Option {
	return func(o *options) {
		o.sources = append(o.sources, s)
	}
}

// WithLogger sets a custom logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// WithRunID overrides the generated run identifier recorded on ledger rows.
func WithRunID(id string) Option {
	return func(o *options) {
		o.runID = id
	}
}

// WithClock overrides the time source for ledger timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// Runner applies migrations for a single namespace.
type Runner struct {
	gateway   Gateway
	namespace string
	sources   []Source
	log       *slog.Logger
	runID     string
	now       func() time.Time
}

// New creates a runner for the given namespace on an already-opened gateway.
func New(gateway Gateway, namespace string, opts ...Option) *Runner {
	o := &options{
		now: time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	if o.runID == "" {
		o.runID = uuid.NewString()
	}

	return &Runner{
		gateway:   gateway,
		namespace: namespace,
		sources:   o.sources,
		log:       o.log,
		runID:     o.runID,
		now:       o.now,
	}
}

// Up applies all pending migrations in version order and returns the ledger
// entries written. The run is fail-stop: the first failing migration rolls
// back and nothing after it is attempted. Entries already returned were
// committed and stay committed.
func (r *Runner) Up(ctx context.Context) ([]Entry, error) {
	if err := r.gateway.EnsureNamespace(ctx, r.namespace); err != nil {
		return nil, fmt.Errorf("ensure namespace %s: %w", r.namespace, err)
	}
	if err := r.gateway.Lock(ctx, r.namespace); err != nil {
		return nil, fmt.Errorf("lock namespace %s: %w", r.namespace, err)
	}
	defer r.unlock(ctx)

	migrations, applied, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := pendingSet(migrations, applied)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		r.log.DebugContext(ctx, "no pending migrations", "namespace", r.namespace)
		return nil, nil
	}

	var written []Entry
	for _, m := range pending {
		entry, err := r.apply(ctx, m)
		if err != nil {
			return written, err
		}
		written = append(written, entry)
		r.log.InfoContext(ctx, "applied migration",
			"namespace", r.namespace,
			"version", entry.Version,
			"name", entry.Name,
			"checksum", shortSum(entry.Checksum),
		)
	}

	return written, nil
}

// Down rolls back the highest applied migration in its own transaction,
// removing its ledger row in that same transaction. Migrations without a
// down counterpart fail with ErrIrreversible.
func (r *Runner) Down(ctx context.Context) (*Entry, error) {
	if err := r.gateway.EnsureNamespace(ctx, r.namespace); err != nil {
		return nil, fmt.Errorf("ensure namespace %s: %w", r.namespace, err)
	}
	if err := r.gateway.Lock(ctx, r.namespace); err != nil {
		return nil, fmt.Errorf("lock namespace %s: %w", r.namespace, err)
	}
	defer r.unlock(ctx)

	migrations, applied, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	if len(applied) == 0 {
		return nil, ErrNothingToRollback
	}

	last := applied[len(applied)-1]
	m := findByName(migrations, last.Name)
	if m == nil {
		// load already verified integrity, but keep the invariant local
		return nil, &IntegrityError{Version: last.Version, Name: last.Name, Missing: true}
	}

	tx, err := r.gateway.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	if err := m.Down(ctx, tx); err != nil {
		_ = tx.Rollback(ctx)
		return nil, &ApplyError{Version: last.Version, Name: last.Name, Err: err}
	}
	if err := tx.RemoveApplied(ctx, last.Version); err != nil {
		_ = tx.Rollback(ctx)
		return nil, &ApplyError{Version: last.Version, Name: last.Name, Err: err}
	}
	if err := tx.Commit(ctx); err != nil {
		_ = tx.Rollback(ctx)
		return nil, &ApplyError{Version: last.Version, Name: last.Name, Err: err}
	}

	r.log.InfoContext(ctx, "rolled back migration",
		"namespace", r.namespace,
		"version", last.Version,
		"name", last.Name,
	)
	return &last, nil
}

// Status reports applied and pending migrations without enforcing integrity
// or sequencing, so a broken state can still be inspected.
func (r *Runner) Status(ctx context.Context) (*Status, error) {
	if err := r.gateway.EnsureNamespace(ctx, r.namespace); err != nil {
		return nil, fmt.Errorf("ensure namespace %s: %w", r.namespace, err)
	}

	migrations, err := r.loadSources(ctx)
	if err != nil {
		return nil, err
	}
	applied, err := r.gateway.Applied(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}

	appliedVersions := make(map[int]bool, len(applied))
	for _, e := range applied {
		appliedVersions[e.Version] = true
	}

	status := Status{Namespace: r.namespace, Applied: applied}
	for _, m := range migrations {
		if !appliedVersions[m.Version()] {
			status.Pending = append(status.Pending, Pending{Version: m.Version(), Name: m.Name()})
		}
	}
	return &status, nil
}

// Verify checks every applied ledger entry against its source migration and
// returns the first integrity violation found.
func (r *Runner) Verify(ctx context.Context) error {
	if err := r.gateway.EnsureNamespace(ctx, r.namespace); err != nil {
		return fmt.Errorf("ensure namespace %s: %w", r.namespace, err)
	}
	_, _, err := r.load(ctx)
	return err
}

// load merges the sources, reads the ledger, and verifies integrity. Both
// Up and Down refuse to touch a namespace whose history cannot be trusted.
func (r *Runner) load(ctx context.Context) ([]Migration, []Entry, error) {
	migrations, err := r.loadSources(ctx)
	if err != nil {
		return nil, nil, err
	}
	applied, err := r.gateway.Applied(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load ledger: %w", err)
	}
	if err := verifyIntegrity(migrations, applied); err != nil {
		return nil, nil, err
	}
	return migrations, applied, nil
}

// loadSources merges all sources into one version-ordered sequence and
// rejects duplicate versions.
func (r *Runner) loadSources(ctx context.Context) ([]Migration, error) {
	var migrations []Migration
	for _, s := range r.sources {
		ms, err := s.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("load migrations: %w", err)
		}
		migrations = append(migrations, ms...)
	}

	sort.SliceStable(migrations, func(i, j int) bool {
		return migrations[i].Version() < migrations[j].Version()
	})

	for i := 1; i < len(migrations); i++ {
		if migrations[i].Version() == migrations[i-1].Version() {
			return nil, &SequenceError{
				Version:  migrations[i].Version(),
				Name:     migrations[i].Name(),
				Conflict: migrations[i-1].Name(),
			}
		}
	}

	return migrations, nil
}

// verifyIntegrity confirms every applied migration still exists in the
// sources with the content hash recorded at application time.
func verifyIntegrity(migrations []Migration, applied []Entry) error {
	for _, entry := range applied {
		m := findByName(migrations, entry.Name)
		if m == nil {
			return &IntegrityError{Version: entry.Version, Name: entry.Name, Missing: true}
		}
		sum, err := m.Checksum()
		if err != nil {
			return fmt.Errorf("checksum migration %s: %w", entry.Name, err)
		}
		if sum != entry.Checksum {
			return &IntegrityError{
				Version: entry.Version,
				Name:    entry.Name,
				Want:    entry.Checksum,
				Got:     sum,
			}
		}
	}
	return nil
}

// pendingSet returns the unapplied migrations in order and rejects any set
// that would skip a version relative to the ledger.
func pendingSet(migrations []Migration, applied []Entry) ([]Migration, error) {
	appliedVersions := make(map[int]bool, len(applied))
	maxApplied := 0
	for _, e := range applied {
		appliedVersions[e.Version] = true
		if e.Version > maxApplied {
			maxApplied = e.Version
		}
	}

	var pending []Migration
	for _, m := range migrations {
		if !appliedVersions[m.Version()] {
			pending = append(pending, m)
		}
	}

	expected := maxApplied + 1
	for i, m := range pending {
		if m.Version() != expected+i {
			return nil, &SequenceError{Expected: expected + i, Version: m.Version(), Name: m.Name()}
		}
	}

	return pending, nil
}

// apply runs one migration and its ledger insert inside a single transaction.
func (r *Runner) apply(ctx context.Context, m Migration) (Entry, error) {
	checksum, err := m.Checksum()
	if err != nil {
		return Entry{}, &ApplyError{Version: m.Version(), Name: m.Name(), Err: err}
	}

	tx, err := r.gateway.Begin(ctx)
	if err != nil {
		return Entry{}, fmt.Errorf("begin transaction: %w", err)
	}

	entry := Entry{
		Version:   m.Version(),
		Name:      m.Name(),
		Checksum:  checksum,
		RunID:     r.runID,
		AppliedAt: r.now().UTC(),
	}

	if err := m.Up(ctx, tx); err != nil {
		_ = tx.Rollback(ctx)
		return Entry{}, &ApplyError{Version: m.Version(), Name: m.Name(), Err: err}
	}
	if err := tx.RecordApplied(ctx, entry); err != nil {
		_ = tx.Rollback(ctx)
		return Entry{}, &ApplyError{Version: m.Version(), Name: m.Name(), Err: fmt.Errorf("record ledger entry: %w", err)}
	}
	if err := tx.Commit(ctx); err != nil {
		_ = tx.Rollback(ctx)
		return Entry{}, &ApplyError{Version: m.Version(), Name: m.Name(), Err: fmt.Errorf("commit transaction: %w", err)}
	}

	return entry, nil
}

func (r *Runner) unlock(ctx context.Context) {
	if err := r.gateway.Unlock(ctx, r.namespace); err != nil {
		r.log.WarnContext(ctx, "unlock namespace", "namespace", r.namespace, "err", err)
	}
}

func shortSum(sum string) string {
	if len(sum) > 8 {
		return sum[:8]
	}
	return sum
}

func findByName(migrations []Migration, name string) Migration {
	for _, m := range migrations {
		if m.Name() == name {
			return m
		}
	}
	return nil
}
