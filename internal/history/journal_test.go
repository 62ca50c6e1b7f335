package history

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"smartchapter/manager/internal/apperr"
)

func TestJournalLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	journal := New(tempDir)

	first := []byte("{\n  \"chapter\": \"Suites\",\n  \"version\": \"v2.0.0-aaaaaa\"\n}\n")
	rev, recorded, err := journal.Record("suites", first, "Samira El Idrissi", "save suites v2.0.0-aaaaaa")
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if !recorded || rev.Hash == "" || rev.Author != "Samira El Idrissi" {
		t.Fatalf("unexpected first revision %+v recorded=%v", rev, recorded)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "suites", ".git")); err != nil {
		t.Fatalf("repo missing: %v", err)
	}

	same, recorded, err := journal.Record("suites", first, "Samira El Idrissi", "save again")
	if err != nil {
		t.Fatalf("Record() same content error = %v", err)
	}
	if recorded || same.Hash != rev.Hash {
		t.Fatalf("identical content should not create a revision: %+v", same)
	}

	second := []byte("{\n  \"chapter\": \"Suites numériques\",\n  \"version\": \"v2.0.0-bbbbbb\"\n}\n")
	rev2, recorded, err := journal.Record("suites", second, "", "save suites v2.0.0-bbbbbb")
	if err != nil {
		t.Fatalf("Record() second error = %v", err)
	}
	if !recorded || rev2.Hash == rev.Hash || rev2.Author != "contentctl" {
		t.Fatalf("unexpected second revision %+v", rev2)
	}

	revisions, err := journal.History("suites", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(revisions) != 2 || revisions[0].Hash != rev2.Hash || revisions[1].Hash != rev.Hash {
		t.Fatalf("unexpected history %+v", revisions)
	}
	limited, err := journal.History("suites", 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("History(limit 1) = %+v, %v", limited, err)
	}

	old, err := journal.ContentAt("suites", rev.Hash)
	if err != nil {
		t.Fatalf("ContentAt() error = %v", err)
	}
	if string(old) != string(first) {
		t.Fatalf("unexpected old content %s", old)
	}
}

func TestHistoryOfUnknownChapterIsEmpty(t *testing.T) {
	journal := New(t.TempDir())
	revisions, err := journal.History("nothing", 5)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(revisions) != 0 {
		t.Fatalf("expected no revisions, got %+v", revisions)
	}
	if _, err := journal.ContentAt("nothing", "abc1234"); !errors.Is(err, apperr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestJournalRejectsIDsOutsideBaseDir(t *testing.T) {
	base := filepath.Join(t.TempDir(), "history")
	journal := New(base)
	for _, id := range []string{"", ".", "..", "../escape", "a/b", `a\b`} {
		if _, _, err := journal.Record(id, []byte("{}\n"), "", "save"); !errors.Is(err, apperr.Invalid) {
			t.Errorf("Record(%q) error = %v, want invalid", id, err)
		}
		if _, err := journal.History(id, 5); !errors.Is(err, apperr.Invalid) {
			t.Errorf("History(%q) error = %v, want invalid", id, err)
		}
		if _, err := journal.ContentAt(id, "abc1234"); !errors.Is(err, apperr.Invalid) {
			t.Errorf("ContentAt(%q) error = %v, want invalid", id, err)
		}
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(base), "escape")); !os.IsNotExist(err) {
		t.Fatalf("nothing should be created outside the journal, stat err = %v", err)
	}
}

func TestConcurrentRecordsOnDifferentChapters(t *testing.T) {
	journal := New(t.TempDir())
	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("chapter-%d", i)
			if _, _, err := journal.Record(id, []byte(fmt.Sprintf(`{"n":%d}`, i)), "tester", "save"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Record() error = %v", err)
	}
}

func TestSanitizeEmail(t *testing.T) {
	if got := sanitizeEmail("Ana-María_B"); got != "Ana.Mara.B" {
		t.Fatalf("sanitizeEmail() = %q", got)
	}
	if got := sanitizeEmail("!!!"); got != "user" {
		t.Fatalf("sanitizeEmail() = %q", got)
	}
}
