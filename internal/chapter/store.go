package chapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"smartchapter/manager/internal/apperr"
	"smartchapter/manager/internal/atomicfile"
	"smartchapter/manager/internal/canonical"
	"smartchapter/manager/internal/jsonrepair"
	"smartchapter/manager/internal/logger"
	"smartchapter/manager/internal/version"
)

// Store reads and writes content files under one chapters directory.
type Store struct {
	root     string
	log      *logger.Logger
	repairer *jsonrepair.Repairer
}

func NewStore(root string, log *logger.Logger) *Store {
	return &Store{root: root, log: logger.OrNop(log), repairer: jsonrepair.New()}
}

// WithRepairer swaps the repair rules used by Load.
func (s *Store) WithRepairer(r *jsonrepair.Repairer) *Store {
	s.repairer = r
	return s
}

func (s *Store) Root() string { return s.root }

// Path resolves a manifest file location against the chapters directory.
func (s *Store) Path(file string) string {
	return filepath.Join(s.root, filepath.FromSlash(file))
}

// Exists reports whether the document's content file is present.
func (s *Store) Exists(doc *Document) bool {
	info, err := os.Stat(s.Path(doc.File))
	return err == nil && !info.IsDir()
}

// Load reads the content file into doc. A file that fails strict parsing goes
// through the repair rules once; a successful repair is written back before the
// document is loaded from it. A failed repair leaves the file untouched.
func (s *Store) Load(doc *Document) error {
	return s.load(doc, true)
}

// Inspect loads doc like Load but never writes: malformed files fail with ParseError.
func (s *Store) Inspect(doc *Document) error {
	return s.load(doc, false)
}

func (s *Store) load(doc *Document, allowRepair bool) error {
	path := s.Path(doc.File)
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s.fail(doc, apperr.New(apperr.NotFound, "load chapter", doc.File, err))
		}
		return s.fail(doc, apperr.New(apperr.IOError, "load chapter", doc.File, err))
	}

	if !json.Valid(raw) {
		if !allowRepair {
			return s.fail(doc, apperr.New(apperr.ParseError, "load chapter", doc.File, errors.New("content is not valid JSON")))
		}
		result, ok := s.repairer.Repair(string(raw))
		if !ok {
			return s.fail(doc, apperr.New(apperr.RepairFailed, "load chapter", doc.File, errors.New("content is not valid JSON and could not be repaired")))
		}
		repaired, err := canonical.IndentRaw([]byte(result.Text))
		if err != nil {
			return s.fail(doc, apperr.New(apperr.RepairFailed, "load chapter", doc.File, err))
		}
		if err := atomicfile.Write(path, repaired, atomicfile.ValidJSON); err != nil {
			return s.fail(doc, err)
		}
		s.log.Warn("repaired malformed content file", "file", doc.File, "rules", result.Applied)
		return s.load(doc, false)
	}

	content, err := parseContent(raw)
	if err != nil {
		return s.fail(doc, apperr.New(apperr.ParseError, "load chapter", doc.File, err))
	}
	s.apply(doc, content)
	return nil
}

func (s *Store) apply(doc *Document, content contentFile) {
	if content.Class != nil {
		doc.Class = *content.Class
	} else {
		doc.Class = doc.Group
	}
	if content.Chapter != nil {
		doc.Name = *content.Chapter
	} else {
		doc.Name = DefaultName(doc.ID)
	}
	doc.sessionDates = slices.Clone(content.SessionDates)
	slices.Sort(doc.sessionDates)
	doc.quiz = decodeItems(content.Quiz, "quiz", doc.File, decodeQuizItem, s.log)
	doc.exercises = decodeItems(content.Exercises, "exercise", doc.File, decodeExercise, s.log)
	doc.extra = content.Extra
	if content.Version != "" {
		doc.Version = content.Version
	}
	doc.state = Loaded
	doc.loadErr = nil
}

func (s *Store) fail(doc *Document, err error) error {
	doc.state = Failed
	doc.loadErr = err
	s.log.Error("load chapter failed", "id", doc.ID, "file", doc.File, "error", err)
	return err
}

// HasDiverged reports whether the in-memory document differs from its file.
// A missing or unreadable file counts as diverged.
func (s *Store) HasDiverged(doc *Document) bool {
	diverged, reason := s.divergence(doc)
	if diverged {
		s.log.Debug("chapter differs from disk", "id", doc.ID, "reason", reason)
	}
	return diverged
}

func (s *Store) divergence(doc *Document) (bool, string) {
	raw, err := os.ReadFile(s.Path(doc.File))
	if err != nil {
		return true, "file unreadable: " + err.Error()
	}
	var onDisk struct {
		Class        *string         `json:"class"`
		Chapter      *string         `json:"chapter"`
		SessionDates []string        `json:"sessionDates"`
		Quiz         json.RawMessage `json:"quiz"`
		Exercises    json.RawMessage `json:"exercises"`
	}
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		return true, "file unparsable: " + err.Error()
	}

	current := doc.versioned()
	if onDisk.Class == nil || *onDisk.Class != current.Class {
		return true, "class"
	}
	if onDisk.Chapter == nil || *onDisk.Chapter != current.Chapter {
		return true, "chapter"
	}
	dates := slices.Clone(onDisk.SessionDates)
	slices.Sort(dates)
	if !slices.Equal(nonNil(dates), current.SessionDates) {
		return true, "sessionDates"
	}
	if !canonical.Equal(orEmptyArray(onDisk.Quiz), current.Quiz) {
		return true, "quiz"
	}
	if !canonical.Equal(orEmptyArray(onDisk.Exercises), current.Exercises) {
		return true, "exercises"
	}
	return false, ""
}

func orEmptyArray(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("[]")
	}
	return raw
}

// Save normalizes doc, recomputes its version and atomically replaces the content
// file. The version only moves when the versioned content changed. It reports
// whether the version moved. On failure doc keeps its previous version.
func (s *Store) Save(doc *Document) (bool, error) {
	if doc.File == "" {
		return false, apperr.Newf(apperr.Invalid, "save chapter", "chapter %q has no file location", doc.ID)
	}
	switch doc.state {
	case Failed:
		return false, apperr.New(apperr.Invalid, "save chapter", doc.File, fmt.Errorf("chapter failed to load: %w", doc.loadErr))
	case Unloaded:
		return false, apperr.New(apperr.Invalid, "save chapter", doc.File, errors.New("chapter content was never loaded"))
	}

	doc.normalize()
	payload, err := doc.canonicalBytes()
	if err != nil {
		return false, apperr.New(apperr.ValidationFailed, "save chapter", doc.File, err)
	}
	next, changed := version.Next(doc.Version, payload)
	encoded, err := doc.encode(next)
	if err != nil {
		return false, apperr.New(apperr.ValidationFailed, "save chapter", doc.File, err)
	}
	if err := atomicfile.Write(s.Path(doc.File), encoded, validateContent); err != nil {
		s.log.Error("save chapter failed", "id", doc.ID, "file", doc.File, "error", err)
		return false, err
	}

	doc.Version = next
	if changed {
		s.log.Info("chapter version updated", "id", doc.ID, "file", doc.File, "version", next)
	} else {
		s.log.Debug("chapter unchanged, version kept", "id", doc.ID, "version", next)
	}
	return changed, nil
}

func validateContent(data []byte) error {
	content, err := parseContent(data)
	if err != nil {
		return err
	}
	if content.Version == "" {
		return errors.New("written content has no version")
	}
	return nil
}

// Restore puts raw back as the content of doc's file. It undoes a Save whose
// paired manifest update failed.
func (s *Store) Restore(doc *Document, raw []byte) error {
	return atomicfile.Write(s.Path(doc.File), raw, nil)
}

// ReadRaw returns the file bytes of doc.
func (s *Store) ReadRaw(doc *Document) ([]byte, error) {
	raw, err := os.ReadFile(s.Path(doc.File))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperr.New(apperr.NotFound, "read chapter", doc.File, err)
		}
		return nil, apperr.New(apperr.IOError, "read chapter", doc.File, err)
	}
	return raw, nil
}

// Remove deletes the content file. A file that is already gone is not an error.
func (s *Store) Remove(doc *Document) error {
	if err := os.Remove(s.Path(doc.File)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return apperr.New(apperr.IOError, "remove chapter", doc.File, err)
	}
	return nil
}

// Relocate moves the content file to file and points doc at it.
func (s *Store) Relocate(doc *Document, file string) error {
	if err := atomicfile.Move(s.Path(doc.File), s.Path(file)); err != nil {
		return err
	}
	doc.File = file
	return nil
}
