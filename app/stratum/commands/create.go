package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jrazmi/stratum/core/migrate"
	"github.com/jrazmi/stratum/sdk/logger"
	"github.com/jrazmi/stratum/sdk/validation"
)

// Create scaffolds the next-version migration file pair in dir. The up file
// is required for the migration to exist; the down file ships empty and may
// be deleted to make the migration irreversible.
func Create(ctx context.Context, log *logger.Logger, dir, description string) error {
	slug := validation.Slugify(description)
	if slug == "" {
		return fmt.Errorf("description %q produces an empty name", description)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create migration directory %s: %w", dir, err)
	}

	next, err := nextVersion(dir)
	if err != nil {
		return err
	}

	upName := fmt.Sprintf("%03d_%s.sql", next, slug)
	downName := fmt.Sprintf("%03d_%s.down.sql", next, slug)

	upBody := fmt.Sprintf("-- %s\n\n", slug)
	if err := writeNew(filepath.Join(dir, upName), upBody); err != nil {
		return err
	}
	downBody := fmt.Sprintf("-- revert %s\n\n", slug)
	if err := writeNew(filepath.Join(dir, downName), downBody); err != nil {
		return err
	}

	log.InfoContext(ctx, "created migration", "version", next, "up", upName, "down", downName)
	return nil
}

// nextVersion scans dir for the highest version prefix and returns the next.
func nextVersion(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read migration directory %s: %w", dir, err)
	}

	max := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if version, ok := migrate.ParseVersion(entry.Name()); ok && version > max {
			max = version
		}
	}
	return max + 1, nil
}

func writeNew(path, body string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create migration file %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(body); err != nil {
		return fmt.Errorf("write migration file %s: %w", path, err)
	}
	return nil
}
