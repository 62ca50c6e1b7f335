package chapter

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"smartchapter/manager/internal/canonical"
	"smartchapter/manager/internal/logger"
)

var knownKeys = []string{"class", "chapter", "sessionDates", "quiz", "exercises", "version"}

// contentFile is a parsed content file before it is applied to a Document.
// Class and Chapter are nil when the file does not carry them.
type contentFile struct {
	Class        *string
	Chapter      *string
	SessionDates []string
	Quiz         []json.RawMessage
	Exercises    []json.RawMessage
	Version      string
	Extra        map[string]json.RawMessage
}

func parseContent(raw []byte) (contentFile, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return contentFile{}, fmt.Errorf("content file is not a JSON object: %w", err)
	}
	if fields == nil {
		return contentFile{}, errors.New("content file is null")
	}

	var out contentFile
	var class, chapter string
	if ok, err := decodeField(fields, "class", &class); err != nil {
		return contentFile{}, err
	} else if ok {
		out.Class = &class
	}
	if ok, err := decodeField(fields, "chapter", &chapter); err != nil {
		return contentFile{}, err
	} else if ok {
		out.Chapter = &chapter
	}
	if _, err := decodeField(fields, "sessionDates", &out.SessionDates); err != nil {
		return contentFile{}, err
	}
	if _, err := decodeField(fields, "quiz", &out.Quiz); err != nil {
		return contentFile{}, err
	}
	if _, err := decodeField(fields, "exercises", &out.Exercises); err != nil {
		return contentFile{}, err
	}
	if _, err := decodeField(fields, "version", &out.Version); err != nil {
		return contentFile{}, err
	}

	for key, value := range fields {
		if slices.Contains(knownKeys, key) {
			continue
		}
		if out.Extra == nil {
			out.Extra = make(map[string]json.RawMessage)
		}
		out.Extra[key] = value
	}
	return out, nil
}

// decodeField treats a missing key and an explicit null the same way.
func decodeField(fields map[string]json.RawMessage, key string, target any) (bool, error) {
	raw, ok := fields[key]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return false, nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return false, fmt.Errorf("field %q: %w", key, err)
	}
	return true, nil
}

type quizWire struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"`
	Question    string   `json:"question"`
	Options     []Option `json:"options"`
	Steps       []string `json:"steps"`
	Explanation string   `json:"explanation"`
}

func decodeQuizItem(raw json.RawMessage) (QuizItem, error) {
	var wire quizWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return QuizItem{}, err
	}
	item := QuizItem{ID: wire.ID, Question: wire.Question}
	switch QuizKind(wire.Type) {
	case MultipleChoice, "":
		item.Kind = MultipleChoice
		explanation := wire.Explanation
		for _, opt := range wire.Options {
			if opt.IsCorrect && opt.Explanation != "" {
				explanation = opt.Explanation
				break
			}
		}
		item.Options = make([]Option, len(wire.Options))
		attached := false
		for i, opt := range wire.Options {
			item.Options[i] = Option{Text: opt.Text, IsCorrect: opt.IsCorrect}
			if opt.IsCorrect && !attached {
				item.Options[i].Explanation = explanation
				attached = true
			}
		}
	case Ordering:
		item.Kind = Ordering
		item.Steps = slices.Clone(wire.Steps)
		item.Options = projectSteps(item.Steps, wire.Explanation)
	default:
		item.Kind = QuizKind(wire.Type)
		item.raw = slices.Clone(raw)
	}
	return item, nil
}

func projectSteps(steps []string, explanation string) []Option {
	options := make([]Option, len(steps))
	for i, step := range steps {
		options[i] = Option{Text: step, IsCorrect: i == 0}
		if i == 0 {
			options[i].Explanation = explanation
		}
	}
	return options
}

func decodeExercise(raw json.RawMessage) (Exercise, error) {
	var item Exercise
	if err := json.Unmarshal(raw, &item); err != nil {
		return Exercise{}, err
	}
	return item, nil
}

// decodeItems keeps every entry that decodes and logs the rest.
func decodeItems[T any](raws []json.RawMessage, kind, file string, decode func(json.RawMessage) (T, error), log *logger.Logger) []T {
	items := make([]T, 0, len(raws))
	for i, raw := range raws {
		item, err := decode(raw)
		if err != nil {
			log.Warn("skipping malformed item", "file", file, "kind", kind, "index", i, "error", err)
			continue
		}
		items = append(items, item)
	}
	return items
}

// normalizeQuizItem returns the item as it will be saved: an id, a kind, and for
// multiple choice exactly one correct option holding the explanation.
func normalizeQuizItem(q QuizItem) QuizItem {
	if q.raw != nil {
		return q
	}
	q.Options = slices.Clone(q.Options)
	q.Steps = slices.Clone(q.Steps)
	if q.ID == "" {
		q.ID = defaultQuizID(q.Question)
	}
	if q.Kind == "" {
		q.Kind = MultipleChoice
	}
	explanation := q.Explanation()

	switch q.Kind {
	case Ordering:
		if len(q.Steps) == 0 {
			for _, opt := range q.Options {
				q.Steps = append(q.Steps, opt.Text)
			}
		}
		q.Options = projectSteps(q.Steps, explanation)
	default:
		q.Steps = nil
		correct := slices.IndexFunc(q.Options, func(o Option) bool { return o.IsCorrect })
		if correct < 0 && len(q.Options) > 0 {
			correct = 0
		}
		for i := range q.Options {
			q.Options[i].IsCorrect = i == correct
			q.Options[i].Explanation = ""
		}
		if correct >= 0 {
			q.Options[correct].Explanation = explanation
		}
	}
	return q
}

func normalizeExercise(e Exercise) Exercise {
	e.SubQuestions = slices.Clone(e.SubQuestions)
	if e.ID == "" {
		e.ID = defaultExerciseID(e.Title)
	}
	return e
}

type mcqRecord struct {
	ID       string   `json:"id"`
	Type     QuizKind `json:"type"`
	Question string   `json:"question"`
	Options  []Option `json:"options"`
}

type orderingRecord struct {
	ID          string   `json:"id"`
	Type        QuizKind `json:"type"`
	Question    string   `json:"question"`
	Steps       []string `json:"steps"`
	Explanation string   `json:"explanation,omitempty"`
}

func quizRecord(q QuizItem) any {
	if q.raw != nil {
		return q.raw
	}
	q = normalizeQuizItem(q)
	if q.Kind == Ordering {
		return orderingRecord{
			ID:          q.ID,
			Type:        q.Kind,
			Question:    q.Question,
			Steps:       nonNil(q.Steps),
			Explanation: q.Explanation(),
		}
	}
	return mcqRecord{ID: q.ID, Type: q.Kind, Question: q.Question, Options: nonNil(q.Options)}
}

func exerciseRecord(e Exercise) Exercise {
	e = normalizeExercise(e)
	e.SubQuestions = nonNil(e.SubQuestions)
	return e
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

// records renders quiz and exercises exactly as they are written to disk.
func (d *Document) records() ([]any, []Exercise) {
	quiz := make([]any, len(d.quiz))
	for i, item := range d.quiz {
		quiz[i] = quizRecord(item)
	}
	exercises := make([]Exercise, len(d.exercises))
	for i, item := range d.exercises {
		exercises[i] = exerciseRecord(item)
	}
	return quiz, exercises
}

// versionedFields is everything that feeds the version hash. isActive, the
// version itself and unmodelled top-level keys stay out.
type versionedFields struct {
	Class        string     `json:"class"`
	Chapter      string     `json:"chapter"`
	SessionDates []string   `json:"sessionDates"`
	Quiz         []any      `json:"quiz"`
	Exercises    []Exercise `json:"exercises"`
}

func (d *Document) versioned() versionedFields {
	quiz, exercises := d.records()
	return versionedFields{
		Class:        d.Class,
		Chapter:      d.Name,
		SessionDates: nonNil(sortedUnique(d.sessionDates)),
		Quiz:         quiz,
		Exercises:    exercises,
	}
}

func (d *Document) canonicalBytes() ([]byte, error) {
	return canonical.Marshal(d.versioned())
}

// encode renders the storage form: known keys first in a fixed order, then any
// preserved keys sorted by name.
func (d *Document) encode(ver string) ([]byte, error) {
	fields := d.versioned()
	object := []canonical.Field{
		{Key: "class", Value: fields.Class},
		{Key: "chapter", Value: fields.Chapter},
		{Key: "sessionDates", Value: fields.SessionDates},
		{Key: "quiz", Value: fields.Quiz},
		{Key: "exercises", Value: fields.Exercises},
		{Key: "version", Value: ver},
	}
	extraKeys := make([]string, 0, len(d.extra))
	for key := range d.extra {
		extraKeys = append(extraKeys, key)
	}
	slices.Sort(extraKeys)
	for _, key := range extraKeys {
		object = append(object, canonical.Field{Key: key, Value: d.extra[key]})
	}
	compact, err := canonical.Object(object)
	if err != nil {
		return nil, err
	}
	return canonical.IndentRaw(compact)
}

// normalize applies the save-time rules to the in-memory state so it matches
// what encode writes.
func (d *Document) normalize() {
	for i := range d.quiz {
		d.quiz[i] = normalizeQuizItem(d.quiz[i])
	}
	for i := range d.exercises {
		d.exercises[i] = normalizeExercise(d.exercises[i])
	}
	d.sessionDates = sortedUnique(d.sessionDates)
}
