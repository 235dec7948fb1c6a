package migrate

import (
	"errors"
	"fmt"
)

var (
	// ErrIrreversible marks a migration with no down counterpart.
	ErrIrreversible = errors.New("migration is irreversible")

	// ErrNothingToRollback is returned by Down on an empty ledger.
	ErrNothingToRollback = errors.New("no applied migrations to roll back")
)

// SequenceError reports a discovered migration set that would skip a version,
// or two migrations claiming the same version. Nothing is applied from a run
// that produces one.
type SequenceError struct {
	Expected int
	Version  int
	Name     string
	Conflict string
}

func (e *SequenceError) Error() string {
	if e.Conflict != "" {
		return fmt.Sprintf("migration sequence violation: version %d claimed by both %s and %s", e.Version, e.Conflict, e.Name)
	}
	return fmt.Sprintf("migration sequence violation: expected version %d, found %s (version %d)", e.Expected, e.Name, e.Version)
}

// IntegrityError reports an applied migration whose source is gone or was
// edited after application. History can no longer be trusted, so the run is
// aborted before any new migration is attempted.
type IntegrityError struct {
	Version int
	Name    string
	Missing bool
	Want    string
	Got     string
}

func (e *IntegrityError) Error() string {
	if e.Missing {
		return fmt.Sprintf("integrity violation: applied migration %s (version %d) is missing from the source", e.Name, e.Version)
	}
	return fmt.Sprintf("integrity violation: applied migration %s (version %d) was modified after application (checksum %s, recorded %s)", e.Name, e.Version, shortSum(e.Got), shortSum(e.Want))
}

// ApplyError reports a migration whose execution failed. Its transaction was
// rolled back in full and no later migration was attempted.
type ApplyError struct {
	Version int
	Name    string
	Err     error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply migration %s (version %d): %v", e.Name, e.Version, e.Err)
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}
