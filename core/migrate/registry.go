package migrate

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
)

// GoMigration is a migration compiled into the binary rather than loaded
// from a .sql file. Up is required; a nil Down makes it irreversible.
//
// Fingerprint participates in the recorded checksum. It declares the logic
// version of the migration: change it and an already-applied migration is
// reported as tampered, exactly like editing an applied .sql file.
type GoMigration struct {
	Version     int
	Name        string
	Fingerprint string
	Up          func(ctx context.Context, tx Tx) error
	Down        func(ctx context.Context, tx Tx) error
}

// Registry collects GoMigrations registered at startup. It implements Source
// so compiled and file-based migrations merge into one history.
type Registry struct {
	migrations map[int]GoMigration
}

func NewRegistry() *Registry {
	return &Registry{migrations: make(map[int]GoMigration)}
}

// Register adds a migration. Versions must be positive and unique within the
// registry; registration is expected at package init or startup, before the
// runner loads.
func (r *Registry) Register(m GoMigration) error {
	if m.Version < 1 {
		return fmt.Errorf("register migration %q: version must be positive, got %d", m.Name, m.Version)
	}
	if m.Name == "" {
		return fmt.Errorf("register migration version %d: name is required", m.Version)
	}
	if m.Up == nil {
		return fmt.Errorf("register migration %q: up function is required", m.Name)
	}
	if existing, ok := r.migrations[m.Version]; ok {
		return &SequenceError{Version: m.Version, Name: m.Name, Conflict: existing.Name}
	}
	r.migrations[m.Version] = m
	return nil
}

// MustRegister is Register for static migration lists, panicking on
// programmer error.
func (r *Registry) MustRegister(m GoMigration) {
	if err := r.Register(m); err != nil {
		panic(err)
	}
}

// Load returns the registered migrations ordered by version.
func (r *Registry) Load(ctx context.Context) ([]Migration, error) {
	versions := make([]int, 0, len(r.migrations))
	for v := range r.migrations {
		versions = append(versions, v)
	}
	sort.Ints(versions)

	migrations := make([]Migration, 0, len(versions))
	for _, v := range versions {
		m := r.migrations[v]
		migrations = append(migrations, &registered{m: m})
	}
	return migrations, nil
}

// registered adapts a GoMigration to the Migration interface.
type registered struct {
	m GoMigration
}

func (g *registered) Version() int { return g.m.Version }
func (g *registered) Name() string { return g.m.Name }

func (g *registered) Checksum() (string, error) {
	payload := fmt.Sprintf("go-migration:%d:%s:%s", g.m.Version, g.m.Name, g.m.Fingerprint)
	return fmt.Sprintf("%x", sha256.Sum256([]byte(payload))), nil
}

func (g *registered) Up(ctx context.Context, tx Tx) error {
	return g.m.Up(ctx, tx)
}

func (g *registered) Down(ctx context.Context, tx Tx) error {
	if g.m.Down == nil {
		return fmt.Errorf("%s: %w", g.m.Name, ErrIrreversible)
	}
	return g.m.Down(ctx, tx)
}
