package migrate

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
)

// ParseVersion extracts the numeric version from a migration filename. A
// valid name is a leading run of digits followed by a separator ('-' or '_'),
// e.g. 001_create_users.sql. Names without that shape are not migrations.
func ParseVersion(name string) (int, bool) {
	i := 0
	version := 0
	for i < len(name) && name[i] >= '0' && name[i] <= '9' {
		version = version*10 + int(name[i]-'0')
		if version > 1<<31 {
			return 0, false
		}
		i++
	}
	if i == 0 || i >= len(name) {
		return 0, false
	}
	if name[i] != '-' && name[i] != '_' {
		return 0, false
	}
	if version < 1 {
		return 0, false
	}
	return version, true
}

// sqlMigration is a migration loaded from a .sql file. Its up body is the
// file's entire text, executed verbatim; an optional .down.sql counterpart
// provides the rollback body.
type sqlMigration struct {
	version int
	name    string
	up      []byte
	down    []byte
	hasDown bool
}

func (m *sqlMigration) Version() int { return m.version }
func (m *sqlMigration) Name() string { return m.name }

func (m *sqlMigration) Checksum() (string, error) {
	return fmt.Sprintf("%x", sha256.Sum256(m.up)), nil
}

func (m *sqlMigration) Up(ctx context.Context, tx Tx) error {
	return tx.Exec(ctx, string(m.up))
}

func (m *sqlMigration) Down(ctx context.Context, tx Tx) error {
	if !m.hasDown {
		return fmt.Errorf("%s: %w", m.name, ErrIrreversible)
	}
	return tx.Exec(ctx, string(m.down))
}

const downSuffix = ".down.sql"

// FSSource loads .sql migrations from a directory in an fs.FS, typically an
// embedded filesystem.
type FSSource struct {
	FS  fs.FS
	Dir string
}

// Load reads every version-prefixed .sql file under Dir. Entries without a
// parseable version prefix are not migrations and are skipped. Files named
// <name>.down.sql attach as the rollback body of their up counterpart.
func (s FSSource) Load(ctx context.Context) ([]Migration, error) {
	entries, err := fs.ReadDir(s.FS, s.Dir)
	if err != nil {
		return nil, fmt.Errorf("read migration directory %s: %w", s.Dir, err)
	}

	var migrations []Migration
	downs := make(map[int][]byte)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		if strings.HasSuffix(name, downSuffix) {
			version, valid := ParseVersion(name)
			if !valid {
				continue
			}
			content, err := fs.ReadFile(s.FS, path.Join(s.Dir, name))
			if err != nil {
				return nil, fmt.Errorf("read migration file %s: %w", name, err)
			}
			downs[version] = content
			continue
		}

		if path.Ext(name) != ".sql" {
			continue
		}
		version, valid := ParseVersion(name)
		if !valid {
			continue
		}
		content, err := fs.ReadFile(s.FS, path.Join(s.Dir, name))
		if err != nil {
			return nil, fmt.Errorf("read migration file %s: %w", name, err)
		}
		migrations = append(migrations, &sqlMigration{
			version: version,
			name:    name,
			up:      content,
		})
	}

	for _, m := range migrations {
		sm := m.(*sqlMigration)
		if down, ok := downs[sm.version]; ok {
			sm.down = down
			sm.hasDown = true
		}
	}

	return migrations, nil
}

// DirSource loads .sql migrations from a directory on disk. A missing
// directory is created and treated as the valid "no migrations yet" state.
type DirSource struct {
	Dir string
}

func (s DirSource) Load(ctx context.Context) ([]Migration, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create migration directory %s: %w", s.Dir, err)
	}
	return FSSource{FS: os.DirFS(s.Dir), Dir: "."}.Load(ctx)
}
