package integrity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"smartchapter/manager/internal/chapter"
	"smartchapter/manager/internal/manifest"
)

type fixture struct {
	root     string
	manifest *manifest.Manifest
	store    *chapter.Store
	checker  *Checker
}

func newFixture(t *testing.T, manifestText string, files map[string]string) *fixture {
	t.Helper()
	root := t.TempDir()
	chaptersDir := filepath.Join(root, "chapters")
	for name, content := range files {
		path := filepath.Join(chaptersDir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	manifestPath := filepath.Join(root, "manifest.json")
	if err := os.WriteFile(manifestPath, []byte(manifestText), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	m, err := manifest.Load(manifestPath, nil)
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	store := chapter.NewStore(chaptersDir, nil)
	return &fixture{root: root, manifest: m, store: store, checker: New(m, store, nil).WithWorkers(2)}
}

func (f *fixture) reload(t *testing.T) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Load(f.manifest.Path(), nil)
	if err != nil {
		t.Fatalf("reload manifest: %v", err)
	}
	return m
}

// blockManifest puts a directory in place of the manifest so every Persist fails
// at the final rename.
func (f *fixture) blockManifest(t *testing.T) {
	t.Helper()
	if err := os.Remove(f.manifest.Path()); err != nil {
		t.Fatalf("remove manifest: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(f.manifest.Path(), "blocker"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
}

func content(class, name string) string {
	return `{"class": "` + class + `", "chapter": "` + name + `", "sessionDates": [], "quiz": [], "exercises": []}`
}

const duplicateManifest = `{
  "tcs": [{"id": "x", "file": "tcs/tcs_x.json", "isActive": true, "version": ""}],
  "bsm": [{"id": "x", "file": "bsm/bsm_x.json", "isActive": true, "version": ""}]
}`

func TestDuplicateIDsScan(t *testing.T) {
	f := newFixture(t, duplicateManifest, map[string]string{
		"tcs/tcs_x.json": content("tcs", "X"),
		"bsm/bsm_x.json": content("bsm", "X"),
	})

	check := f.checker.DuplicateIDs(context.Background())
	if check.Status != StatusFail || check.Count != 1 {
		t.Fatalf("unexpected check %+v", check)
	}
	if got := check.Findings[0].Groups; len(got) != 2 || got[0] != "tcs" || got[1] != "bsm" {
		t.Fatalf("unexpected duplicate groups %v", got)
	}
}

func TestRepairDuplicatesNeedsConfirmation(t *testing.T) {
	f := newFixture(t, duplicateManifest, nil)
	if _, err := f.checker.RepairDuplicates(context.Background(), false); !errors.Is(err, ErrNotConfirmed) {
		t.Fatalf("expected ErrNotConfirmed, got %v", err)
	}
	if _, ok := f.manifest.Entry("bsm", "x"); !ok {
		t.Fatal("unconfirmed repair must not touch the manifest")
	}
}

func TestRepairDuplicatesRenamesLaterGroups(t *testing.T) {
	f := newFixture(t, duplicateManifest, map[string]string{
		"tcs/tcs_x.json": content("tcs", "X"),
		"bsm/bsm_x.json": `{"id": "x", "class": "bsm", "chapter": "X"}`,
	})

	check, err := f.checker.RepairDuplicates(context.Background(), true)
	if err != nil {
		t.Fatalf("RepairDuplicates() error = %v", err)
	}
	if check.Status != StatusFixed {
		t.Fatalf("unexpected check %+v", check)
	}

	m := f.reload(t)
	if _, ok := m.Entry("tcs", "x"); !ok {
		t.Fatal("first-seen id must stay unchanged")
	}
	if _, ok := m.Entry("bsm", "bsm-x"); !ok {
		t.Fatalf("expected bsm-x, manifest = %+v", m.Groups())
	}
	if again := New(m, f.store, nil).DuplicateIDs(context.Background()); again.Count != 0 {
		t.Fatalf("ids still duplicated: %+v", again)
	}

	raw, _ := os.ReadFile(filepath.Join(f.store.Root(), "bsm", "bsm_x.json"))
	if !strings.Contains(string(raw), `"id": "bsm-x"`) {
		t.Fatalf("declared id not rewritten:\n%s", raw)
	}
}

func TestRepairDuplicatesRollsBackFileWhenManifestWriteFails(t *testing.T) {
	f := newFixture(t, duplicateManifest, map[string]string{
		"tcs/tcs_x.json": content("tcs", "X"),
		"bsm/bsm_x.json": `{"id": "x", "class": "bsm", "chapter": "X"}`,
	})
	original, _ := os.ReadFile(filepath.Join(f.store.Root(), "bsm", "bsm_x.json"))
	f.blockManifest(t)

	check, err := f.checker.RepairDuplicates(context.Background(), true)
	if err != nil {
		t.Fatalf("RepairDuplicates() error = %v", err)
	}
	if check.Status != StatusFail || check.Findings[0].Outcome != OutcomeError {
		t.Fatalf("expected failed rename, got %+v", check)
	}
	if _, ok := f.manifest.Entry("bsm", "x"); !ok {
		t.Fatal("in-memory manifest should be restored")
	}
	after, _ := os.ReadFile(filepath.Join(f.store.Root(), "bsm", "bsm_x.json"))
	if string(after) != string(original) {
		t.Fatalf("content file should be restored:\n%s", after)
	}
}

func TestRepairDuplicatesKeepsFirstRowInSameGroup(t *testing.T) {
	manifestText := `{"tcs": [
    {"id": "x", "file": "tcs/a.json", "isActive": true, "version": ""},
    {"id": "x", "file": "tcs/b.json", "isActive": true, "version": ""},
    {"id": "tcs-x", "file": "tcs/c.json", "isActive": true, "version": ""}
  ]}`
	f := newFixture(t, manifestText, map[string]string{
		"tcs/a.json": content("tcs", "A"),
		"tcs/b.json": content("tcs", "B"),
		"tcs/c.json": content("tcs", "C"),
	})

	scan := f.checker.DuplicateIDs(context.Background())
	if scan.Count != 1 || !strings.Contains(scan.Findings[0].Message, "same group") {
		t.Fatalf("unexpected scan %+v", scan)
	}
	dups := f.checker.Duplicates()
	if len(dups) != 1 || len(dups[0].Rows) != 2 || dups[0].Rows[0] != (Row{Group: "tcs", Index: 0}) || dups[0].Rows[1] != (Row{Group: "tcs", Index: 1}) {
		t.Fatalf("unexpected rows %+v", dups)
	}

	check, err := f.checker.RepairDuplicates(context.Background(), true)
	if err != nil {
		t.Fatalf("RepairDuplicates() error = %v", err)
	}
	if check.Status != StatusFixed || check.Findings[0].ID != "tcs-x-2" {
		t.Fatalf("unexpected check %+v", check)
	}

	entries, _ := f.reload(t).Entries("tcs")
	got := map[string]string{}
	for _, e := range entries {
		got[e.File] = e.ID
	}
	if got["tcs/a.json"] != "x" || got["tcs/b.json"] != "tcs-x-2" || got["tcs/c.json"] != "tcs-x" {
		t.Fatalf("unexpected rows after repair %v", got)
	}
	if entries[0].File != "tcs/a.json" || entries[1].File != "tcs/b.json" {
		t.Fatalf("row order changed: %+v", entries)
	}
}

func TestMissingFilesAndUnknownGroups(t *testing.T) {
	f := newFixture(t, duplicateManifest, map[string]string{
		"tcs/tcs_x.json": content("tcs", "X"),
	})
	missing := f.checker.MissingFiles(context.Background())
	if missing.Count != 1 || missing.Findings[0].File != "bsm/bsm_x.json" {
		t.Fatalf("unexpected missing check %+v", missing)
	}
	unknown := f.checker.UnknownGroups(context.Background())
	if unknown.Count != 1 || unknown.Findings[0].Group != "bsm" {
		t.Fatalf("unexpected unknown group check %+v", unknown)
	}
}

func TestGroupMismatchReportAndFix(t *testing.T) {
	manifestText := `{"tcs": [
    {"id": "a", "file": "tcs/a.json", "isActive": true, "version": ""},
    {"id": "b", "file": "tcs/b.json", "isActive": true, "version": ""}
  ]}`
	f := newFixture(t, manifestText, map[string]string{
		"tcs/a.json": content("TCS", "A"),
		"tcs/b.json": content("1bse", "B"),
	})

	report := f.checker.GroupMismatch(context.Background(), false)
	if report.Count != 1 || report.Findings[0].ID != "b" {
		t.Fatalf("unexpected report %+v", report)
	}

	fixed := f.checker.GroupMismatch(context.Background(), true)
	if fixed.Status != StatusFixed {
		t.Fatalf("unexpected fix result %+v", fixed)
	}
	doc := chapter.FromEntry(manifest.Entry{ID: "b", File: "tcs/b.json"}, "tcs")
	if err := f.store.Load(doc); err != nil {
		t.Fatalf("load: %v", err)
	}
	if doc.Class != "tcs" {
		t.Fatalf("class = %q", doc.Class)
	}
	entry, _ := f.reload(t).Entry("tcs", "b")
	if entry.Version != doc.Version {
		t.Fatalf("manifest version %q, file version %q", entry.Version, doc.Version)
	}
	if again := f.checker.GroupMismatch(context.Background(), false); again.Count != 0 {
		t.Fatalf("mismatch remains: %+v", again)
	}
}

func TestGroupMismatchFixRollsBackWhenManifestWriteFails(t *testing.T) {
	manifestText := `{"tcs": [{"id": "b", "file": "tcs/b.json", "isActive": true, "version": "v2.0.0-000000"}]}`
	f := newFixture(t, manifestText, map[string]string{
		"tcs/b.json": content("1bse", "B"),
	})
	path := filepath.Join(f.store.Root(), "tcs", "b.json")
	original, _ := os.ReadFile(path)
	f.blockManifest(t)

	check := f.checker.GroupMismatch(context.Background(), true)
	if check.Status != StatusFail || len(check.Findings) != 1 || check.Findings[0].Outcome != OutcomeError {
		t.Fatalf("expected a failed fix, got %+v", check)
	}
	after, _ := os.ReadFile(path)
	if string(after) != string(original) {
		t.Fatalf("content file should be restored:\n%s", after)
	}
	entry, ok := f.manifest.Entry("tcs", "b")
	if !ok || entry.Version != "v2.0.0-000000" {
		t.Fatalf("in-memory manifest should be restored, got %+v", entry)
	}
}

func TestReorganizeRollsBackWhenManifestWriteFails(t *testing.T) {
	manifestText := `{"tcs": [{"id": "a", "file": "tcs_a.json", "isActive": true, "version": ""}]}`
	f := newFixture(t, manifestText, map[string]string{
		"tcs_a.json": content("tcs", "A"),
	})
	source := filepath.Join(f.store.Root(), "tcs_a.json")
	original, _ := os.ReadFile(source)
	f.blockManifest(t)

	check := f.checker.Reorganize(context.Background(), true)
	if check.Status != StatusFail || len(check.Findings) != 1 || check.Findings[0].Outcome != OutcomeError {
		t.Fatalf("expected a failed move, got %+v", check)
	}
	after, err := os.ReadFile(source)
	if err != nil || string(after) != string(original) {
		t.Fatalf("file should be back at its original path: %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.store.Root(), "tcs", "tcs_a.json")); !os.IsNotExist(err) {
		t.Fatalf("target should not exist, stat err = %v", err)
	}
	if entry, _ := f.manifest.Entry("tcs", "a"); entry.File != "tcs_a.json" {
		t.Fatalf("in-memory manifest should be restored, got %+v", entry)
	}
}

func TestReorganizeIsIdempotent(t *testing.T) {
	manifestText := `{"tcs": [
    {"id": "a", "file": "tcs_a.json", "isActive": true, "version": ""},
    {"id": "b", "file": "tcs/tcs_b.json", "isActive": true, "version": ""}
  ]}`
	f := newFixture(t, manifestText, map[string]string{
		"tcs_a.json":     content("tcs", "A"),
		"tcs/tcs_b.json": content("tcs", "B"),
	})

	dry := f.checker.Reorganize(context.Background(), false)
	if dry.Count != 1 || !strings.Contains(dry.Findings[0].Message, "would move") {
		t.Fatalf("unexpected dry run %+v", dry)
	}
	if _, err := os.Stat(filepath.Join(f.store.Root(), "tcs_a.json")); err != nil {
		t.Fatal("dry run must not move files")
	}

	first := f.checker.Reorganize(context.Background(), true)
	if first.Status != StatusFixed {
		t.Fatalf("unexpected first run %+v", first)
	}
	if _, err := os.Stat(filepath.Join(f.store.Root(), "tcs", "tcs_a.json")); err != nil {
		t.Fatalf("file not moved: %v", err)
	}
	entry, _ := f.reload(t).Entry("tcs", "a")
	if entry.File != "tcs/tcs_a.json" {
		t.Fatalf("manifest not rewritten: %+v", entry)
	}

	second := f.checker.Reorganize(context.Background(), true)
	if second.Status != StatusPass || second.Count != 0 {
		t.Fatalf("second run should be a no-op, got %+v", second)
	}
	for _, finding := range second.Findings {
		if finding.Message != "already organized" {
			t.Fatalf("unexpected finding %+v", finding)
		}
	}
}

func TestVersionDrift(t *testing.T) {
	manifestText := `{"tcs": [
    {"id": "a", "file": "tcs/a.json", "isActive": true, "version": ""},
    {"id": "b", "file": "tcs/b.json", "isActive": true, "version": ""},
    {"id": "c", "file": "tcs/c.json", "isActive": true, "version": ""}
  ]}`
	f := newFixture(t, manifestText, map[string]string{
		"tcs/a.json": content("tcs", "A"),
		"tcs/b.json": content("tcs", "B"),
		"tcs/c.json": "{broken",
	})
	for _, id := range []string{"a", "b"} {
		_, entry, _ := f.manifest.EntryFor(id)
		doc := chapter.FromEntry(entry, "tcs")
		if err := f.store.Load(doc); err != nil {
			t.Fatalf("load %s: %v", id, err)
		}
		if _, err := f.store.Save(doc); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
		if err := f.manifest.UpsertEntry("tcs", doc.Entry()); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	path := filepath.Join(f.store.Root(), "tcs", "b.json")
	raw, _ := os.ReadFile(path)
	if err := os.WriteFile(path, []byte(strings.Replace(string(raw), `"B"`, `"B edited"`, 1)), 0o644); err != nil {
		t.Fatalf("edit: %v", err)
	}

	var calls int
	f.checker.OnProgress(func(check string, done, total int) {
		if check == CheckVersionDrift {
			calls++
		}
	})
	check := f.checker.VersionDrift(context.Background())
	if calls != 3 {
		t.Fatalf("expected 3 progress calls, got %d", calls)
	}
	if len(check.Findings) != 2 {
		t.Fatalf("expected drift for b and an error for c, got %+v", check.Findings)
	}
	if check.Findings[0].ID != "b" || check.Findings[0].Outcome != OutcomeViolation {
		t.Fatalf("unexpected first finding %+v", check.Findings[0])
	}
	if check.Findings[1].ID != "c" || check.Findings[1].Outcome != OutcomeError {
		t.Fatalf("unexpected second finding %+v", check.Findings[1])
	}
	if raw, _ := os.ReadFile(filepath.Join(f.store.Root(), "tcs", "c.json")); string(raw) != "{broken" {
		t.Fatal("drift scan must not write")
	}
}

func TestRunAllStopsOnCancel(t *testing.T) {
	f := newFixture(t, duplicateManifest, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := f.checker.RunAll(ctx, Options{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(report.Checks) != 0 {
		t.Fatalf("no check should run after cancel, got %d", len(report.Checks))
	}
}

func TestRunAllComposes(t *testing.T) {
	manifestText := `{
  "tcs": [{"id": "x", "file": "tcs_x.json", "isActive": true, "version": ""}],
  "1bse": [{"id": "x", "file": "1bse/1bse_x.json", "isActive": false, "version": ""}]
}`
	f := newFixture(t, manifestText, map[string]string{
		"tcs_x.json":       content("1bse", "X"),
		"1bse/1bse_x.json": content("1bse", "X"),
	})

	opts := Options{FixDuplicates: true, ConfirmDuplicates: true, FixGroupMismatch: true, Reorganize: true}
	report, err := f.checker.RunAll(context.Background(), opts)
	if err != nil {
		t.Fatalf("RunAll() error = %v", err)
	}
	if report.RunID == "" || len(report.Checks) != 6 {
		t.Fatalf("unexpected report %+v", report)
	}

	second, err := New(f.reload(t), f.store, nil).RunAll(context.Background(), opts)
	if err != nil {
		t.Fatalf("second RunAll() error = %v", err)
	}
	for _, check := range second.Checks {
		if check.Name == CheckVersionDrift {
			continue
		}
		if check.Count != 0 {
			t.Fatalf("check %s still reports %+v", check.Name, check)
		}
	}
}
