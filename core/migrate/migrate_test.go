package migrate_test

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/jrazmi/stratum/core/migrate"
)

// ============================================================================
// Fake Gateway
// ============================================================================

type fakeGateway struct {
	ledger    []migrate.Entry
	committed []string // statements from committed transactions only
	ensured   []string
	locks     int
	unlocks   int
	failOn    string // substring that makes Exec fail
}

func (g *fakeGateway) EnsureNamespace(ctx context.Context, namespace string) error {
	g.ensured = append(g.ensured, namespace)
	return nil
}

func (g *fakeGateway) Lock(ctx context.Context, namespace string) error {
	g.locks++
	return nil
}

func (g *fakeGateway) Unlock(ctx context.Context, namespace string) error {
	g.unlocks++
	return nil
}

func (g *fakeGateway) Applied(ctx context.Context) ([]migrate.Entry, error) {
	out := make([]migrate.Entry, len(g.ledger))
	copy(out, g.ledger)
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (g *fakeGateway) Begin(ctx context.Context) (migrate.GatewayTx, error) {
	return &fakeTx{g: g}, nil
}

// fakeTx buffers all effects and only publishes them to the gateway on
// Commit, mirroring real transaction semantics.
type fakeTx struct {
	g       *fakeGateway
	stmts   []string
	entries []migrate.Entry
	removed []int
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) error {
	if t.g.failOn != "" && strings.Contains(sql, t.g.failOn) {
		return fmt.Errorf("statement failed near %q", t.g.failOn)
	}
	t.stmts = append(t.stmts, sql)
	return nil
}

func (t *fakeTx) RecordApplied(ctx context.Context, entry migrate.Entry) error {
	t.entries = append(t.entries, entry)
	return nil
}

func (t *fakeTx) RemoveApplied(ctx context.Context, version int) error {
	t.removed = append(t.removed, version)
	return nil
}

func (t *fakeTx) Commit(ctx context.Context) error {
	t.g.committed = append(t.g.committed, t.stmts...)
	t.g.ledger = append(t.g.ledger, t.entries...)
	for _, v := range t.removed {
		for i, e := range t.g.ledger {
			if e.Version == v {
				t.g.ledger = append(t.g.ledger[:i], t.g.ledger[i+1:]...)
				break
			}
		}
	}
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	return nil
}

// ============================================================================
// Helpers
// ============================================================================

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRunner(gw migrate.Gateway, dir string) *migrate.Runner {
	return migrate.New(gw, "main",
		migrate.WithSource(migrate.DirSource{Dir: dir}),
		migrate.WithLogger(quietLogger()),
	)
}

func writeMigration(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("writing migration %s: %v", name, err)
	}
}

func checksumOf(content string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(content)))
}

// assertContiguous verifies the ledger order invariant: applied versions,
// sorted, form a contiguous run starting from the minimum.
func assertContiguous(t *testing.T, gw *fakeGateway) {
	t.Helper()
	applied, _ := gw.Applied(context.Background())
	for i := 1; i < len(applied); i++ {
		if applied[i].Version != applied[i-1].Version+1 {
			t.Fatalf("ledger has a gap between versions %d and %d", applied[i-1].Version, applied[i].Version)
		}
	}
}

// ============================================================================
// Up
// ============================================================================

func TestUpFreshNamespace(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "001-create-table.sql", "CREATE TABLE widgets (id INT)")
	writeMigration(t, dir, "002-add-column.sql", "ALTER TABLE widgets ADD COLUMN name TEXT")

	gw := &fakeGateway{}
	runner := newRunner(gw, dir)

	entries, err := runner.Up(context.Background())
	if err != nil {
		t.Fatalf("up: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Version != 1 || entries[1].Version != 2 {
		t.Fatalf("expected versions 1,2 got %d,%d", entries[0].Version, entries[1].Version)
	}
	if entries[0].Checksum != checksumOf("CREATE TABLE widgets (id INT)") {
		t.Fatalf("entry 1 checksum does not match file content")
	}
	if entries[1].Checksum != checksumOf("ALTER TABLE widgets ADD COLUMN name TEXT") {
		t.Fatalf("entry 2 checksum does not match file content")
	}
	if len(gw.committed) != 2 {
		t.Fatalf("expected 2 committed statements, got %d", len(gw.committed))
	}
	if gw.ensured[0] != "main" {
		t.Fatalf("expected namespace main ensured, got %v", gw.ensured)
	}
	if gw.locks != 1 || gw.unlocks != 1 {
		t.Fatalf("expected lock/unlock once, got %d/%d", gw.locks, gw.unlocks)
	}
	assertContiguous(t, gw)
}

func TestUpIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "001_first.sql", "CREATE TABLE a (id INT)")
	writeMigration(t, dir, "002_second.sql", "CREATE TABLE b (id INT)")

	gw := &fakeGateway{}
	runner := newRunner(gw, dir)

	if _, err := runner.Up(context.Background()); err != nil {
		t.Fatalf("first up: %v", err)
	}
	before, _ := gw.Applied(context.Background())

	entries, err := runner.Up(context.Background())
	if err != nil {
		t.Fatalf("second up: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("second run applied %d migrations, want 0", len(entries))
	}

	after, _ := gw.Applied(context.Background())
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("ledger changed across an idempotent run")
	}
}

func TestUpSkipRejection(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "001_a.sql", "CREATE TABLE a (id INT)")
	writeMigration(t, dir, "002_b.sql", "CREATE TABLE b (id INT)")

	gw := &fakeGateway{}
	runner := newRunner(gw, dir)
	if _, err := runner.Up(context.Background()); err != nil {
		t.Fatalf("seed up: %v", err)
	}

	writeMigration(t, dir, "004_d.sql", "CREATE TABLE d (id INT)")
	committedBefore := len(gw.committed)

	_, err := runner.Up(context.Background())
	var seqErr *migrate.SequenceError
	if !errors.As(err, &seqErr) {
		t.Fatalf("expected SequenceError, got %v", err)
	}
	if seqErr.Expected != 3 || seqErr.Version != 4 {
		t.Fatalf("expected version 3, found 4; got expected=%d version=%d", seqErr.Expected, seqErr.Version)
	}
	if len(gw.committed) != committedBefore {
		t.Fatalf("migrations were applied despite sequence error")
	}
}

func TestUpDuplicateVersion(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "001_a.sql", "CREATE TABLE a (id INT)")
	writeMigration(t, dir, "1_b.sql", "CREATE TABLE b (id INT)")

	gw := &fakeGateway{}
	runner := newRunner(gw, dir)

	_, err := runner.Up(context.Background())
	var seqErr *migrate.SequenceError
	if !errors.As(err, &seqErr) {
		t.Fatalf("expected SequenceError, got %v", err)
	}
	if seqErr.Version != 1 || seqErr.Conflict == "" {
		t.Fatalf("expected duplicate version 1 report, got %+v", seqErr)
	}
	if len(gw.committed) != 0 {
		t.Fatalf("migrations were applied despite duplicate versions")
	}
}

func TestUpTamperDetection(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "001_a.sql", "CREATE TABLE a (id INT)")

	gw := &fakeGateway{}
	runner := newRunner(gw, dir)
	if _, err := runner.Up(context.Background()); err != nil {
		t.Fatalf("seed up: %v", err)
	}

	writeMigration(t, dir, "001_a.sql", "CREATE TABLE a (id BIGINT)")
	writeMigration(t, dir, "002_b.sql", "CREATE TABLE b (id INT)")
	committedBefore := len(gw.committed)

	_, err := runner.Up(context.Background())
	var intErr *migrate.IntegrityError
	if !errors.As(err, &intErr) {
		t.Fatalf("expected IntegrityError, got %v", err)
	}
	if intErr.Missing {
		t.Fatalf("expected content mismatch, got missing file")
	}
	if intErr.Version != 1 {
		t.Fatalf("expected version 1 flagged, got %d", intErr.Version)
	}
	if len(gw.committed) != committedBefore {
		t.Fatalf("migrations were applied despite integrity error")
	}
}

func TestUpMissingFile(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "001_a.sql", "CREATE TABLE a (id INT)")

	gw := &fakeGateway{}
	runner := newRunner(gw, dir)
	if _, err := runner.Up(context.Background()); err != nil {
		t.Fatalf("seed up: %v", err)
	}

	if err := os.Remove(filepath.Join(dir, "001_a.sql")); err != nil {
		t.Fatalf("removing migration: %v", err)
	}

	_, err := runner.Up(context.Background())
	var intErr *migrate.IntegrityError
	if !errors.As(err, &intErr) {
		t.Fatalf("expected IntegrityError, got %v", err)
	}
	if !intErr.Missing {
		t.Fatalf("expected missing file, got content mismatch")
	}
	if intErr.Name != "001_a.sql" {
		t.Fatalf("expected 001_a.sql flagged, got %s", intErr.Name)
	}
}

func TestUpPartialFailureAndResume(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "001_ok.sql", "CREATE TABLE a (id INT)")

	gw := &fakeGateway{failOn: "BOOM"}
	runner := newRunner(gw, dir)
	if _, err := runner.Up(context.Background()); err != nil {
		t.Fatalf("seed up: %v", err)
	}

	writeMigration(t, dir, "002_bad.sql", "BOOM this is not sql")
	writeMigration(t, dir, "003_ok.sql", "CREATE TABLE c (id INT)")

	_, err := runner.Up(context.Background())
	var applyErr *migrate.ApplyError
	if !errors.As(err, &applyErr) {
		t.Fatalf("expected ApplyError, got %v", err)
	}
	if applyErr.Version != 2 || applyErr.Name != "002_bad.sql" {
		t.Fatalf("expected migration 002_bad.sql flagged, got %+v", applyErr)
	}

	// Atomicity: the failed migration left no ledger row and no committed
	// statements, and version 3 was never attempted.
	applied, _ := gw.Applied(context.Background())
	if len(applied) != 1 || applied[0].Version != 1 {
		t.Fatalf("ledger should hold only version 1, got %+v", applied)
	}
	for _, stmt := range gw.committed {
		if strings.Contains(stmt, "BOOM") || strings.Contains(stmt, "TABLE c") {
			t.Fatalf("failed or later migration leaked into committed statements: %q", stmt)
		}
	}
	if gw.locks != gw.unlocks {
		t.Fatalf("lock leaked on failed run: %d locks, %d unlocks", gw.locks, gw.unlocks)
	}

	// Fix the bad migration; the next run resumes at version 2.
	writeMigration(t, dir, "002_bad.sql", "CREATE TABLE b (id INT)")
	entries, err := runner.Up(context.Background())
	if err != nil {
		t.Fatalf("resume up: %v", err)
	}
	if len(entries) != 2 || entries[0].Version != 2 || entries[1].Version != 3 {
		t.Fatalf("expected resume to apply versions 2,3; got %+v", entries)
	}
	applied, _ = gw.Applied(context.Background())
	if len(applied) != 3 {
		t.Fatalf("expected 3 ledger rows after resume, got %d", len(applied))
	}
	assertContiguous(t, gw)
}

func TestUpRecordsRunID(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "001_a.sql", "CREATE TABLE a (id INT)")
	writeMigration(t, dir, "002_b.sql", "CREATE TABLE b (id INT)")

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	gw := &fakeGateway{}
	runner := migrate.New(gw, "main",
		migrate.WithSource(migrate.DirSource{Dir: dir}),
		migrate.WithLogger(quietLogger()),
		migrate.WithRunID("test-run"),
		migrate.WithClock(func() time.Time { return fixed }),
	)

	entries, err := runner.Up(context.Background())
	if err != nil {
		t.Fatalf("up: %v", err)
	}
	for _, e := range entries {
		if e.RunID != "test-run" {
			t.Fatalf("expected run id test-run, got %q", e.RunID)
		}
		if !e.AppliedAt.Equal(fixed) {
			t.Fatalf("expected applied_at %v, got %v", fixed, e.AppliedAt)
		}
	}
}

// ============================================================================
// Down
// ============================================================================

func TestDownRollsBackLatest(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "001_a.sql", "CREATE TABLE a (id INT)")
	writeMigration(t, dir, "002_b.sql", "CREATE TABLE b (id INT)")
	writeMigration(t, dir, "002_b.down.sql", "DROP TABLE b")

	gw := &fakeGateway{}
	runner := newRunner(gw, dir)
	if _, err := runner.Up(context.Background()); err != nil {
		t.Fatalf("up: %v", err)
	}

	entry, err := runner.Down(context.Background())
	if err != nil {
		t.Fatalf("down: %v", err)
	}
	if entry.Version != 2 {
		t.Fatalf("expected rollback of version 2, got %d", entry.Version)
	}

	applied, _ := gw.Applied(context.Background())
	if len(applied) != 1 || applied[0].Version != 1 {
		t.Fatalf("expected only version 1 in ledger, got %+v", applied)
	}

	found := false
	for _, stmt := range gw.committed {
		if strings.Contains(stmt, "DROP TABLE b") {
			found = true
		}
	}
	if !found {
		t.Fatalf("down statement was not committed")
	}
}

func TestDownIrreversible(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "001_a.sql", "CREATE TABLE a (id INT)")

	gw := &fakeGateway{}
	runner := newRunner(gw, dir)
	if _, err := runner.Up(context.Background()); err != nil {
		t.Fatalf("up: %v", err)
	}

	_, err := runner.Down(context.Background())
	if !errors.Is(err, migrate.ErrIrreversible) {
		t.Fatalf("expected ErrIrreversible, got %v", err)
	}

	applied, _ := gw.Applied(context.Background())
	if len(applied) != 1 {
		t.Fatalf("ledger changed on failed rollback: %+v", applied)
	}
}

func TestDownEmptyLedger(t *testing.T) {
	gw := &fakeGateway{}
	runner := newRunner(gw, t.TempDir())

	_, err := runner.Down(context.Background())
	if !errors.Is(err, migrate.ErrNothingToRollback) {
		t.Fatalf("expected ErrNothingToRollback, got %v", err)
	}
}

// ============================================================================
// Status & Verify
// ============================================================================

func TestStatusReportsAppliedAndPending(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "001_a.sql", "CREATE TABLE a (id INT)")

	gw := &fakeGateway{}
	runner := newRunner(gw, dir)
	if _, err := runner.Up(context.Background()); err != nil {
		t.Fatalf("up: %v", err)
	}

	writeMigration(t, dir, "002_b.sql", "CREATE TABLE b (id INT)")

	status, err := runner.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Namespace != "main" {
		t.Fatalf("expected namespace main, got %s", status.Namespace)
	}
	if len(status.Applied) != 1 || status.Applied[0].Version != 1 {
		t.Fatalf("expected 1 applied entry, got %+v", status.Applied)
	}
	if len(status.Pending) != 1 || status.Pending[0].Version != 2 || status.Pending[0].Name != "002_b.sql" {
		t.Fatalf("expected 002_b.sql pending, got %+v", status.Pending)
	}
}

func TestVerifyCleanLedger(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "001_a.sql", "CREATE TABLE a (id INT)")

	gw := &fakeGateway{}
	runner := newRunner(gw, dir)
	if _, err := runner.Up(context.Background()); err != nil {
		t.Fatalf("up: %v", err)
	}

	if err := runner.Verify(context.Background()); err != nil {
		t.Fatalf("verify on clean ledger: %v", err)
	}

	writeMigration(t, dir, "001_a.sql", "CREATE TABLE a (id BIGINT)")
	var intErr *migrate.IntegrityError
	if err := runner.Verify(context.Background()); !errors.As(err, &intErr) {
		t.Fatalf("expected IntegrityError after edit, got %v", err)
	}
}
