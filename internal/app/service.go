package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"smartchapter/manager/internal/apperr"
	"smartchapter/manager/internal/chapter"
	"smartchapter/manager/internal/config"
	"smartchapter/manager/internal/history"
	"smartchapter/manager/internal/integrity"
	"smartchapter/manager/internal/logger"
	"smartchapter/manager/internal/manifest"
	"smartchapter/manager/internal/notify"
)

type GroupView struct {
	Key      string           `json:"key"`
	Label    string           `json:"label"`
	Known    bool             `json:"known"`
	Chapters []manifest.Entry `json:"chapters"`
}

type ChapterView struct {
	ID           string             `json:"id"`
	Group        string             `json:"group"`
	GroupLabel   string             `json:"groupLabel"`
	Class        string             `json:"class"`
	Name         string             `json:"chapter"`
	File         string             `json:"file"`
	Active       bool               `json:"isActive"`
	Version      string             `json:"version"`
	SessionDates []string           `json:"sessionDates"`
	Quiz         []chapter.QuizItem `json:"quiz"`
	Exercises    []chapter.Exercise `json:"exercises"`
}

// ChapterPatch carries the fields an editor wants to change. Nil fields are left alone.
type ChapterPatch struct {
	Name         *string             `json:"chapter,omitempty"`
	Class        *string             `json:"class,omitempty"`
	Active       *bool               `json:"isActive,omitempty"`
	SessionDates *[]string           `json:"sessionDates,omitempty"`
	Quiz         *[]chapter.QuizItem `json:"quiz,omitempty"`
	Exercises    *[]chapter.Exercise `json:"exercises,omitempty"`
}

type SaveResult struct {
	ID       string            `json:"id"`
	Version  string            `json:"version"`
	Changed  bool              `json:"changed"`
	Revision *history.Revision `json:"revision,omitempty"`
}

type SaveFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

type SaveAllResult struct {
	Saved     []SaveResult  `json:"saved"`
	Unchanged int           `json:"unchanged"`
	Failed    []SaveFailure `json:"failed"`
}

type journal interface {
	Record(string, []byte, string, string) (history.Revision, bool, error)
	History(string, int) ([]history.Revision, error)
	ContentAt(string, string) ([]byte, error)
}

type publisher interface {
	Publish(context.Context, notify.Event) error
	Ping(context.Context) error
}

// Service is the single writer over one content tree. Every operation holds mu
// for its whole load-mutate-save cycle.
type Service struct {
	cfg       config.Config
	log       *logger.Logger
	store     *chapter.Store
	journal   journal
	publisher publisher

	mu       sync.Mutex
	manifest *manifest.Manifest
	docs     map[string]*chapter.Document
}

func New(cfg config.Config, log *logger.Logger) *Service {
	log = logger.OrNop(log)
	return &Service{
		cfg:   cfg,
		log:   log,
		store: chapter.NewStore(cfg.ChaptersPath(), log),
		docs:  make(map[string]*chapter.Document),
	}
}

func (s *Service) WithJournal(j journal) *Service {
	s.journal = j
	return s
}

func (s *Service) WithPublisher(p publisher) *Service {
	s.publisher = p
	return s
}

// Init creates an empty manifest with every known group when none exists yet.
func (s *Service) Init() (bool, error) {
	path := s.cfg.ManifestPath()
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, apperr.New(apperr.IOError, "init", path, err)
	}
	if err := os.MkdirAll(s.cfg.ChaptersPath(), 0o755); err != nil {
		return false, apperr.New(apperr.IOError, "init", s.cfg.ChaptersPath(), err)
	}
	if err := manifest.NewEmpty(path).Persist(); err != nil {
		return false, err
	}
	s.log.Info("manifest created", "path", path)
	return true, nil
}

// Open loads the manifest and forgets every cached document.
func (s *Service) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := manifest.Load(s.cfg.ManifestPath(), s.log)
	if err != nil {
		return err
	}
	s.manifest = m
	s.docs = make(map[string]*chapter.Document)
	s.log.Info("content tree opened", "manifest", m.Path(), "groups", len(m.Groups()))
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	if s.publisher == nil {
		return nil
	}
	return s.publisher.Ping(ctx)
}

// Tree lists every group in manifest order with its entries.
func (s *Service) Tree() ([]GroupView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return nil, err
	}
	groups := s.manifest.Groups()
	out := make([]GroupView, 0, len(groups))
	for _, g := range groups {
		entries := g.Entries
		if entries == nil {
			entries = []manifest.Entry{}
		}
		out = append(out, GroupView{
			Key:      g.Key,
			Label:    manifest.Label(g.Key),
			Known:    manifest.IsKnownGroup(g.Key),
			Chapters: entries,
		})
	}
	return out, nil
}

func (s *Service) Get(id string) (ChapterView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.document(id)
	if err != nil {
		return ChapterView{}, err
	}
	return viewOf(doc), nil
}

// Update applies patch to the in-memory chapter. Nothing is written until Save.
func (s *Service) Update(id string, patch ChapterPatch) (ChapterView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.document(id)
	if err != nil {
		return ChapterView{}, err
	}
	if patch.SessionDates != nil {
		if err := doc.SetSessionDates(*patch.SessionDates); err != nil {
			return ChapterView{}, err
		}
	}
	if patch.Class != nil {
		if *patch.Class == "" {
			return ChapterView{}, apperr.Newf(apperr.Invalid, "update chapter", "class must not be empty")
		}
		doc.Class = *patch.Class
	}
	if patch.Name != nil {
		doc.Name = *patch.Name
	}
	if patch.Active != nil {
		doc.Active = *patch.Active
	}
	if patch.Quiz != nil {
		doc.SetQuiz(*patch.Quiz)
	}
	if patch.Exercises != nil {
		doc.SetExercises(*patch.Exercises)
	}
	return viewOf(doc), nil
}

func (s *Service) AddSessionDate(id, date string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.document(id)
	if err != nil {
		return false, err
	}
	return doc.AddSessionDate(date)
}

func (s *Service) RemoveSessionDate(id, date string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.document(id)
	if err != nil {
		return false, err
	}
	return doc.RemoveSessionDate(date), nil
}

// HasChanged reports whether the chapter differs from what is on disk, either in
// its content file or in its manifest row.
func (s *Service) HasChanged(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.document(id)
	if err != nil {
		return false, err
	}
	return s.changed(doc), nil
}

func (s *Service) changed(doc *chapter.Document) bool {
	if s.store.HasDiverged(doc) {
		return true
	}
	entry, ok := s.manifest.Entry(doc.Group, doc.ID)
	return !ok || entry != doc.Entry()
}

// Save writes the chapter file and its manifest row together. When the manifest
// cannot be written the content file is put back as it was.
func (s *Service) Save(ctx context.Context, id, author string) (SaveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.document(id)
	if err != nil {
		return SaveResult{}, err
	}
	snap, err := s.saveFile(doc)
	if err != nil {
		return SaveResult{}, err
	}
	if snap.entryChanged {
		if err := s.manifest.Persist(); err != nil {
			s.rollback(snap)
			return SaveResult{}, err
		}
	}
	return s.afterSave(ctx, doc, snap, author), nil
}

// SaveAll saves every chapter whose HasChanged is true and persists the manifest
// once. A chapter that fails is reported and the others still save.
func (s *Service) SaveAll(ctx context.Context, author string, progress func(done, total int)) (SaveAllResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return SaveAllResult{}, err
	}

	var ids []string
	for _, g := range s.manifest.Groups() {
		for _, e := range g.Entries {
			ids = append(ids, e.ID)
		}
	}

	result := SaveAllResult{Saved: []SaveResult{}, Failed: []SaveFailure{}}
	var snaps []saveSnapshot
	var saved []*chapter.Document
	persist := false
	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			break
		}
		if progress != nil {
			progress(i+1, len(ids))
		}
		doc, err := s.document(id)
		if err != nil {
			result.Failed = append(result.Failed, SaveFailure{ID: id, Error: err.Error()})
			continue
		}
		if !s.changed(doc) {
			result.Unchanged++
			continue
		}
		snap, err := s.saveFile(doc)
		if err != nil {
			result.Failed = append(result.Failed, SaveFailure{ID: id, Error: err.Error()})
			continue
		}
		persist = persist || snap.entryChanged
		snaps = append(snaps, snap)
		saved = append(saved, doc)
	}

	if persist {
		if err := s.manifest.Persist(); err != nil {
			for i := len(snaps) - 1; i >= 0; i-- {
				s.rollback(snaps[i])
			}
			return SaveAllResult{}, err
		}
	}
	for i, doc := range saved {
		result.Saved = append(result.Saved, s.afterSave(ctx, doc, snaps[i], author))
	}
	s.log.Info("save all finished", "saved", len(result.Saved), "unchanged", result.Unchanged, "failed", len(result.Failed))
	return result, ctx.Err()
}

// Create adds a new empty chapter under group: its file and its manifest row land together.
func (s *Service) Create(ctx context.Context, group, name, author string) (ChapterView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return ChapterView{}, err
	}
	if !manifest.IsKnownGroup(group) {
		return ChapterView{}, apperr.Newf(apperr.Invalid, "create chapter", "unknown group %q", group)
	}
	doc, err := chapter.New(group, name)
	if err != nil {
		return ChapterView{}, err
	}
	if g, _, exists := s.manifest.EntryFor(doc.ID); exists {
		return ChapterView{}, apperr.New(apperr.Conflict, "create chapter", doc.ID, fmt.Errorf("id already used in group %q", g))
	}
	if s.store.Exists(doc) {
		return ChapterView{}, apperr.New(apperr.Conflict, "create chapter", doc.File, errors.New("content file already exists"))
	}

	before := s.manifest.Groups()
	if _, err := s.store.Save(doc); err != nil {
		return ChapterView{}, err
	}
	if err := s.manifest.Append(group, doc.Entry()); err != nil {
		_ = s.store.Remove(doc)
		return ChapterView{}, err
	}
	if err := s.manifest.Persist(); err != nil {
		s.manifest.Restore(before)
		if rmErr := s.store.Remove(doc); rmErr != nil {
			s.log.Error("rollback of new chapter file failed", "file", doc.File, "error", rmErr)
		}
		return ChapterView{}, err
	}
	s.docs[doc.ID] = doc
	s.log.Info("chapter created", "id", doc.ID, "group", group, "file", doc.File)
	s.afterSave(ctx, doc, saveSnapshot{doc: doc, versionChanged: true, entryChanged: true}, author)
	return viewOf(doc), nil
}

// Delete removes the chapter's manifest row and its content file. The revision
// journal is kept.
func (s *Service) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return err
	}
	group, entry, ok := s.manifest.EntryFor(id)
	if !ok {
		return apperr.New(apperr.NotFound, "delete chapter", id, errors.New("no manifest entry"))
	}
	doc := chapter.FromEntry(entry, group)
	raw, readErr := s.store.ReadRaw(doc)
	if readErr != nil && !errors.Is(readErr, apperr.NotFound) {
		return readErr
	}

	before := s.manifest.Groups()
	if _, err := s.manifest.Remove(group, id); err != nil {
		return err
	}
	if err := s.store.Remove(doc); err != nil {
		s.manifest.Restore(before)
		return err
	}
	if err := s.manifest.Persist(); err != nil {
		s.manifest.Restore(before)
		if raw != nil {
			if restoreErr := s.store.Restore(doc, raw); restoreErr != nil {
				s.log.Error("rollback of deleted chapter file failed", "file", doc.File, "error", restoreErr)
			}
		}
		return err
	}
	delete(s.docs, id)
	s.log.Info("chapter deleted", "id", id, "group", group, "file", entry.File)
	s.publish(ctx, notify.Event{ID: id, Group: group, File: entry.File, Version: entry.Version, Deleted: true})
	return nil
}

// RunConsistencyCheck runs the whole-tree checks. A repair run is refused while
// any loaded chapter has unsaved edits; after it, cached chapters are dropped
// since repairs rewrite files and manifest rows.
func (s *Service) RunConsistencyCheck(ctx context.Context, opts integrity.Options, progress integrity.Progress) (integrity.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return integrity.Report{}, err
	}
	if opts.FixDuplicates || opts.FixGroupMismatch || opts.Reorganize {
		if id, dirty := s.firstUnsaved(); dirty {
			return integrity.Report{}, apperr.New(apperr.Conflict, "consistency check", id,
				errors.New("chapter has unsaved changes; save it before running a repair"))
		}
	}
	checker := integrity.New(s.manifest, s.store, s.log).WithWorkers(s.cfg.ScanWorkers).OnProgress(progress)
	report, err := checker.RunAll(ctx, opts)
	if opts.FixDuplicates || opts.FixGroupMismatch || opts.Reorganize {
		s.docs = make(map[string]*chapter.Document)
	}
	return report, err
}

// firstUnsaved returns the first chapter, in manifest order, whose loaded copy
// differs from disk.
func (s *Service) firstUnsaved() (string, bool) {
	for _, g := range s.manifest.Groups() {
		for _, e := range g.Entries {
			if doc, ok := s.docs[e.ID]; ok && doc.State() == chapter.Loaded && s.changed(doc) {
				return e.ID, true
			}
		}
	}
	return "", false
}

var errHistoryDisabled = domainError(http.StatusServiceUnavailable, "HISTORY_DISABLED", "Revision history is disabled", nil)

func (s *Service) History(id string, limit int) ([]history.Revision, error) {
	if err := s.historyTarget(id); err != nil {
		return nil, err
	}
	return s.journal.History(id, limit)
}

func (s *Service) RevisionContent(id, hash string) ([]byte, error) {
	if err := s.historyTarget(id); err != nil {
		return nil, err
	}
	return s.journal.ContentAt(id, hash)
}

// historyTarget only lets ids registered in the manifest reach the journal.
func (s *Service) historyTarget(id string) error {
	if s.journal == nil {
		return errHistoryDisabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return err
	}
	if _, _, ok := s.manifest.EntryFor(id); !ok {
		return apperr.Newf(apperr.NotFound, "history", "chapter %q not found", id)
	}
	return nil
}

func (s *Service) ready() error {
	if s.manifest == nil {
		return apperr.Newf(apperr.Invalid, "service", "content tree is not open")
	}
	return nil
}

// document returns the loaded chapter for id, loading it on first use. A chapter
// that failed to load is retried from its manifest row.
func (s *Service) document(id string) (*chapter.Document, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if doc, ok := s.docs[id]; ok && doc.State() == chapter.Loaded {
		return doc, nil
	}
	group, entry, ok := s.manifest.EntryFor(id)
	if !ok {
		return nil, apperr.New(apperr.NotFound, "open chapter", id, errors.New("no manifest entry"))
	}
	doc := chapter.FromEntry(entry, group)
	if err := s.store.Load(doc); err != nil {
		return nil, err
	}
	s.docs[id] = doc
	return doc, nil
}

type saveSnapshot struct {
	doc            *chapter.Document
	raw            []byte
	version        string
	manifest       []manifest.Group
	versionChanged bool
	entryChanged   bool
}

// saveFile writes doc's content file and updates its manifest row in memory.
func (s *Service) saveFile(doc *chapter.Document) (saveSnapshot, error) {
	snap := saveSnapshot{doc: doc, version: doc.Version, manifest: s.manifest.Groups()}
	raw, err := s.store.ReadRaw(doc)
	if err != nil && !errors.Is(err, apperr.NotFound) {
		return snap, err
	}
	snap.raw = raw

	changed, err := s.store.Save(doc)
	if err != nil {
		return snap, err
	}
	snap.versionChanged = changed

	current, _ := s.manifest.Entry(doc.Group, doc.ID)
	if current != doc.Entry() {
		if err := s.manifest.UpsertEntry(doc.Group, doc.Entry()); err != nil {
			s.rollback(snap)
			return snap, err
		}
		snap.entryChanged = true
	}
	return snap, nil
}

func (s *Service) rollback(snap saveSnapshot) {
	s.manifest.Restore(snap.manifest)
	snap.doc.Version = snap.version
	var err error
	if snap.raw != nil {
		err = s.store.Restore(snap.doc, snap.raw)
	} else {
		err = s.store.Remove(snap.doc)
	}
	if err != nil {
		s.log.Error("rollback of chapter file failed", "id", snap.doc.ID, "file", snap.doc.File, "error", err)
	}
}

// afterSave records the revision and announces the new version. Neither is part
// of the save itself, so failures are only logged.
func (s *Service) afterSave(ctx context.Context, doc *chapter.Document, snap saveSnapshot, author string) SaveResult {
	result := SaveResult{ID: doc.ID, Version: doc.Version, Changed: snap.versionChanged}
	if s.journal != nil && snap.versionChanged {
		raw, err := s.store.ReadRaw(doc)
		if err == nil {
			var rev history.Revision
			var recorded bool
			rev, recorded, err = s.journal.Record(doc.ID, raw, author, fmt.Sprintf("save %s %s", doc.ID, doc.Version))
			if recorded {
				result.Revision = &rev
			}
		}
		if err != nil {
			s.log.Warn("revision not recorded", "id", doc.ID, "error", err)
		}
	}
	if snap.versionChanged || snap.entryChanged {
		s.publish(ctx, notify.Event{ID: doc.ID, Group: doc.Group, File: doc.File, Version: doc.Version, Active: doc.Active})
	}
	return result
}

func (s *Service) publish(ctx context.Context, event notify.Event) {
	if s.publisher == nil {
		return
	}
	event.At = time.Now().UTC()
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.log.Warn("version event not published", "id", event.ID, "error", err)
	}
}

func viewOf(doc *chapter.Document) ChapterView {
	return ChapterView{
		ID:           doc.ID,
		Group:        doc.Group,
		GroupLabel:   manifest.Label(doc.Group),
		Class:        doc.Class,
		Name:         doc.Name,
		File:         doc.File,
		Active:       doc.Active,
		Version:      doc.Version,
		SessionDates: doc.SessionDates(),
		Quiz:         doc.Quiz(),
		Exercises:    doc.Exercises(),
	}
}
