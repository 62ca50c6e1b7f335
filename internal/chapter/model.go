// Package chapter holds the chapter document model and the store that loads,
// diffs and saves one content file at a time.
package chapter

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"smartchapter/manager/internal/apperr"
	"smartchapter/manager/internal/manifest"
	"smartchapter/manager/internal/version"
)

type QuizKind string

const (
	MultipleChoice QuizKind = "mcq"
	Ordering       QuizKind = "ordering"
)

type Option struct {
	Text        string `json:"text"`
	IsCorrect   bool   `json:"isCorrect"`
	Explanation string `json:"explanation,omitempty"`
}

// Known reports whether items of this kind are modelled. Empty means multiple choice.
func (k QuizKind) Known() bool {
	return k == MultipleChoice || k == Ordering || k == ""
}

// QuizItem is either a multiple-choice question or an ordering question. Ordering
// questions also expose their steps as Options, the first one correct and carrying
// the explanation, so both kinds can be edited through one shape.
//
// Items of any other type are kept as read: only ID, Kind and Question are
// exposed and the original object is written back unchanged.
type QuizItem struct {
	ID       string   `json:"id"`
	Kind     QuizKind `json:"type"`
	Question string   `json:"question"`
	Options  []Option `json:"options"`
	Steps    []string `json:"steps,omitempty"`

	raw json.RawMessage
}

// Explanation returns the explanation carried by the first correct option.
func (q QuizItem) Explanation() string {
	for _, opt := range q.Options {
		if opt.IsCorrect && opt.Explanation != "" {
			return opt.Explanation
		}
	}
	return ""
}

type SubQuestion struct {
	Text string `json:"text"`
}

type Exercise struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	Statement    string        `json:"statement"`
	SubQuestions []SubQuestion `json:"sub_questions"`
}

type State string

const (
	Unloaded State = "unloaded"
	Loaded   State = "loaded"
	Failed   State = "failed"
)

// Document is one chapter. Group is where the manifest files it; Class is the
// group the content file declares for itself. They normally agree.
type Document struct {
	ID      string
	Group   string
	Class   string
	Name    string
	File    string
	Active  bool
	Version string

	sessionDates []string
	quiz         []QuizItem
	exercises    []Exercise
	// top-level keys of the content file this package does not model
	extra map[string]json.RawMessage

	state   State
	loadErr error
}

// FromEntry hydrates a document from its manifest row without touching the file.
func FromEntry(entry manifest.Entry, group string) *Document {
	v := entry.Version
	if v == "" {
		v = version.Unversioned
	}
	return &Document{
		ID:      entry.ID,
		Group:   group,
		Class:   group,
		File:    entry.File,
		Active:  entry.IsActive,
		Version: v,
		state:   Unloaded,
	}
}

// New returns an empty, active document ready to be saved for the first time.
func New(group, name string) (*Document, error) {
	id := Slug(name)
	if id == "" {
		return nil, apperr.Newf(apperr.Invalid, "new chapter", "name %q has no usable characters", name)
	}
	return &Document{
		ID:      id,
		Group:   group,
		Class:   group,
		Name:    strings.TrimSpace(name),
		File:    FileFor(group, id),
		Active:  true,
		Version: version.Unversioned,
		state:   Loaded,
	}, nil
}

func (d *Document) State() State { return d.state }

// Err is the error of the last failed load, if any.
func (d *Document) Err() error { return d.loadErr }

// Entry projects the document onto its manifest row.
func (d *Document) Entry() manifest.Entry {
	return manifest.Entry{ID: d.ID, File: d.File, IsActive: d.Active, Version: d.Version}
}

// Quiz returns an owned copy of the quiz items.
func (d *Document) Quiz() []QuizItem { return cloneQuiz(d.quiz) }

// SetQuiz replaces the quiz items with a copy of items. An item of an unmodelled
// kind that comes back without its original object picks it up again from the
// current item with the same id and kind.
func (d *Document) SetQuiz(items []QuizItem) {
	next := cloneQuiz(items)
	for i := range next {
		if next[i].raw != nil || next[i].Kind.Known() {
			continue
		}
		for _, prev := range d.quiz {
			if prev.raw != nil && prev.ID == next[i].ID && prev.Kind == next[i].Kind {
				next[i].raw = slices.Clone(prev.raw)
				break
			}
		}
	}
	d.quiz = next
}

// AppendQuiz adds one item at the end.
func (d *Document) AppendQuiz(item QuizItem) {
	d.quiz = append(d.quiz, cloneQuiz([]QuizItem{item})...)
}

// Exercises returns an owned copy of the exercises.
func (d *Document) Exercises() []Exercise { return cloneExercises(d.exercises) }

func (d *Document) SetExercises(items []Exercise) { d.exercises = cloneExercises(items) }

func (d *Document) AppendExercise(item Exercise) {
	d.exercises = append(d.exercises, cloneExercises([]Exercise{item})...)
}

// SessionDates returns the dates in sorted order.
func (d *Document) SessionDates() []string {
	out := slices.Clone(d.sessionDates)
	slices.Sort(out)
	return out
}

// SetSessionDates validates every value before replacing the set.
func (d *Document) SetSessionDates(dates []string) error {
	next := make([]string, 0, len(dates))
	for _, raw := range dates {
		date, err := parseSessionDate(raw)
		if err != nil {
			return err
		}
		next = append(next, date)
	}
	d.sessionDates = sortedUnique(next)
	return nil
}

// AddSessionDate adds an ISO-8601 timestamp. It reports false when the date was already present.
func (d *Document) AddSessionDate(raw string) (bool, error) {
	date, err := parseSessionDate(raw)
	if err != nil {
		return false, err
	}
	if slices.Contains(d.sessionDates, date) {
		return false, nil
	}
	d.sessionDates = sortedUnique(append(d.sessionDates, date))
	return true, nil
}

func (d *Document) RemoveSessionDate(raw string) bool {
	date := strings.TrimSpace(raw)
	idx := slices.Index(d.sessionDates, date)
	if idx < 0 {
		return false
	}
	d.sessionDates = slices.Delete(d.sessionDates, idx, idx+1)
	return true
}

// DeclaredID returns the top-level "id" field of the content file, when it has one.
func (d *Document) DeclaredID() (string, bool) {
	raw, ok := d.extra["id"]
	if !ok {
		return "", false
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", false
	}
	return id, true
}

// SetDeclaredID rewrites the in-file "id" field. Files without one are left without one.
func (d *Document) SetDeclaredID(id string) bool {
	if _, ok := d.extra["id"]; !ok {
		return false
	}
	encoded, _ := json.Marshal(id)
	d.extra["id"] = encoded
	return true
}

// ComputeVersion returns the version the document would get if saved now.
func (d *Document) ComputeVersion() (string, error) {
	payload, err := d.canonicalBytes()
	if err != nil {
		return "", err
	}
	return version.Of(payload), nil
}

var sessionDateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

func parseSessionDate(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	for _, layout := range sessionDateLayouts {
		if _, err := time.Parse(layout, value); err == nil {
			return value, nil
		}
	}
	return "", apperr.New(apperr.Invalid, "parse session date", "", fmt.Errorf("%q is not an ISO-8601 timestamp", raw))
}

func sortedUnique(values []string) []string {
	out := slices.Clone(values)
	slices.Sort(out)
	return slices.Compact(out)
}

func cloneQuiz(items []QuizItem) []QuizItem {
	if items == nil {
		return nil
	}
	out := make([]QuizItem, len(items))
	for i, item := range items {
		item.Options = slices.Clone(item.Options)
		item.Steps = slices.Clone(item.Steps)
		item.raw = slices.Clone(item.raw)
		out[i] = item
	}
	return out
}

func cloneExercises(items []Exercise) []Exercise {
	if items == nil {
		return nil
	}
	out := make([]Exercise, len(items))
	for i, item := range items {
		item.SubQuestions = slices.Clone(item.SubQuestions)
		out[i] = item
	}
	return out
}
