package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"smartchapter/manager/internal/apperr"
)

const sampleManifest = `{
  "2bsm": [
    {"id": "limites", "file": "2bsm/2bsm_limites.json", "isActive": true, "version": "v2.0.0-aaaaaa"}
  ],
  "tcs": [
    {"id": "ensembles", "file": "tcs_ensembles.json", "isActive": false, "version": "v1.1.0-123456"},
    {"id": "calcul-vectoriel", "file": "tcs/tcs_calcul_vectoriel.json", "isActive": true, "version": ""}
  ],
  "1bse": []
}
`

func writeManifest(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "manifest.json")
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func TestLoadPreservesGroupAndRowOrder(t *testing.T) {
	m, err := Load(writeManifest(t, sampleManifest), nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	groups := m.Groups()
	keys := make([]string, len(groups))
	for i, g := range groups {
		keys[i] = g.Key
	}
	if strings.Join(keys, ",") != "2bsm,tcs,1bse" {
		t.Fatalf("unexpected group order %v", keys)
	}
	tcs, _ := m.Entries("tcs")
	if len(tcs) != 2 || tcs[0].ID != "ensembles" || tcs[1].ID != "calcul-vectoriel" {
		t.Fatalf("unexpected tcs rows %+v", tcs)
	}
	group, entry, ok := m.EntryFor("limites")
	if !ok || group != "2bsm" || !entry.IsActive {
		t.Fatalf("EntryFor(limites) = %q %+v %v", group, entry, ok)
	}
}

func TestUpsertEntryRewritesInPlace(t *testing.T) {
	path := writeManifest(t, sampleManifest)
	m, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if err := m.UpsertEntry("tcs", Entry{ID: "ensembles", File: "tcs/tcs_ensembles.json", IsActive: true, Version: "v2.0.0-bbbbbb"}); err != nil {
		t.Fatalf("UpsertEntry() error = %v", err)
	}
	if err := m.Persist(); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}

	reloaded, err := Load(path, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	tcs, _ := reloaded.Entries("tcs")
	if tcs[0].ID != "ensembles" || tcs[0].File != "tcs/tcs_ensembles.json" || !tcs[0].IsActive || tcs[0].Version != "v2.0.0-bbbbbb" {
		t.Fatalf("row not updated in place: %+v", tcs[0])
	}
	if tcs[1].ID != "calcul-vectoriel" {
		t.Fatalf("other rows moved: %+v", tcs)
	}
	raw, _ := os.ReadFile(path)
	text := string(raw)
	if strings.Index(text, `"2bsm"`) > strings.Index(text, `"tcs"`) {
		t.Fatalf("group order lost on persist:\n%s", text)
	}
	if !strings.Contains(text, "\n  \"2bsm\": [\n    {\n      \"id\": \"limites\",") {
		t.Fatalf("unexpected layout:\n%s", text)
	}
}

func TestUpsertUnknownEntryIsAnError(t *testing.T) {
	m, err := Load(writeManifest(t, sampleManifest), nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	err = m.UpsertEntry("tcs", Entry{ID: "nope", File: "x.json"})
	if !errors.Is(err, apperr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if _, _, ok := m.EntryFor("nope"); ok {
		t.Fatal("upsert must not insert")
	}
}

func TestAppendRenameRemove(t *testing.T) {
	m, err := Load(writeManifest(t, sampleManifest), nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if err := m.Append("tcs", Entry{ID: "limites", File: "tcs/tcs_limites.json"}); !errors.Is(err, apperr.Conflict) {
		t.Fatalf("expected Conflict for id used in another group, got %v", err)
	}
	if err := m.Append("2bse", Entry{ID: "derivation", File: "2bse/2bse_derivation.json", IsActive: true}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	groups := m.Groups()
	if groups[len(groups)-1].Key != "2bse" {
		t.Fatalf("new group should be appended last, got %+v", groups)
	}

	if err := m.Rename("tcs", "ensembles", "limites"); !errors.Is(err, apperr.Conflict) {
		t.Fatalf("expected Conflict on rename, got %v", err)
	}
	if err := m.Rename("tcs", "ensembles", "tcs-ensembles"); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	if _, ok := m.Entry("tcs", "tcs-ensembles"); !ok {
		t.Fatal("renamed entry missing")
	}

	removed, err := m.Remove("2bse", "derivation")
	if err != nil || removed.File != "2bse/2bse_derivation.json" {
		t.Fatalf("Remove() = %+v, %v", removed, err)
	}
	if _, err := m.Remove("2bse", "derivation"); !errors.Is(err, apperr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestSnapshotRestore(t *testing.T) {
	m, err := Load(writeManifest(t, sampleManifest), nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	before := m.Groups()
	if err := m.Rename("tcs", "ensembles", "tcs-ensembles"); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	if before[1].Entries[0].ID != "ensembles" {
		t.Fatal("Groups() must return a copy")
	}
	m.Restore(before)
	if _, ok := m.Entry("tcs", "ensembles"); !ok {
		t.Fatal("restore did not bring back the old id")
	}
}

func TestLoadRepairsCorruptManifest(t *testing.T) {
	broken := "{\n  'tcs': [\n    {\"id\": \"a\", \"file\": \"tcs/a.json\", \"isActive\": True, \"version\": \"\"},\n  ],\n}\n"
	path := writeManifest(t, broken)

	m, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	entry, ok := m.Entry("tcs", "a")
	if !ok || !entry.IsActive {
		t.Fatalf("unexpected entry %+v", entry)
	}

	backup, err := os.ReadFile(filepath.Join(filepath.Dir(path), "manifest.corrupted.json"))
	if err != nil {
		t.Fatalf("backup missing: %v", err)
	}
	if string(backup) != broken {
		t.Fatal("backup must hold the original text")
	}
	if _, err := Load(path, nil); err != nil {
		t.Fatalf("repaired manifest should load cleanly: %v", err)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json"), nil); !errors.Is(err, apperr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	path := writeManifest(t, `{tcs: [`)
	if _, err := Load(path, nil); !errors.Is(err, apperr.RepairFailed) {
		t.Fatalf("expected RepairFailed, got %v", err)
	}
	if raw, _ := os.ReadFile(path); string(raw) != `{tcs: [` {
		t.Fatal("failed repair must leave the file untouched")
	}
	if _, err := Load(writeManifest(t, `["tcs"]`), nil); !errors.Is(err, apperr.ParseError) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestNewEmptyAndLabels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	m := NewEmpty(path)
	if err := m.Persist(); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	reloaded, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(reloaded.Groups()) != len(KnownGroups) {
		t.Fatalf("expected %d groups", len(KnownGroups))
	}
	if !IsKnownGroup("2bse") || IsKnownGroup("bsm") {
		t.Fatal("unexpected group membership")
	}
	if Label("tcs") != "Tronc Commun Scientifique" || Label("bsm") != "bsm" {
		t.Fatal("unexpected labels")
	}
	if CorruptedBackupPath("/x/manifest.json") != "/x/manifest.corrupted.json" {
		t.Fatal("unexpected backup path")
	}
}
