// Package manifest reads and writes the chapter index: a JSON object mapping each
// group key to an ordered list of entries. Group order and row order are kept
// exactly as found on disk.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"smartchapter/manager/internal/apperr"
	"smartchapter/manager/internal/atomicfile"
	"smartchapter/manager/internal/canonical"
	"smartchapter/manager/internal/jsonrepair"
	"smartchapter/manager/internal/logger"
)

type Entry struct {
	ID       string `json:"id"`
	File     string `json:"file"`
	IsActive bool   `json:"isActive"`
	Version  string `json:"version"`
}

type Group struct {
	Key     string  `json:"key"`
	Entries []Entry `json:"entries"`
}

type GroupInfo struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

// KnownGroups is the closed set of classes, in display order.
var KnownGroups = []GroupInfo{
	{Key: "tcs", Label: "Tronc Commun Scientifique"},
	{Key: "1bse", Label: "1ère Bac Sciences Expérimentales"},
	{Key: "1bsm", Label: "1ère Bac Sciences Mathématiques"},
	{Key: "2bse", Label: "2ème Bac Sciences Expérimentales"},
	{Key: "2bsm", Label: "2ème Bac Sciences Mathématiques"},
}

func IsKnownGroup(key string) bool {
	return slices.ContainsFunc(KnownGroups, func(g GroupInfo) bool { return g.Key == key })
}

// Label returns the display label of a group, or the key itself for unknown groups.
func Label(key string) string {
	for _, g := range KnownGroups {
		if g.Key == key {
			return g.Label
		}
	}
	return key
}

type Manifest struct {
	path   string
	groups []Group
}

// NewEmpty returns a manifest at path with every known group and no entries.
func NewEmpty(path string) *Manifest {
	m := &Manifest{path: path}
	for _, g := range KnownGroups {
		m.groups = append(m.groups, Group{Key: g.Key, Entries: []Entry{}})
	}
	return m
}

// Load reads the manifest at path. A manifest that fails strict parsing is run
// through the repair rules; on success the original text is kept next to it as
// <name>.corrupted.json and the repaired form replaces it.
func Load(path string, log *logger.Logger) (*Manifest, error) {
	log = logger.OrNop(log)
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperr.New(apperr.NotFound, "load manifest", path, err)
		}
		return nil, apperr.New(apperr.IOError, "load manifest", path, err)
	}

	if !json.Valid(raw) {
		result, ok := jsonrepair.New().Repair(string(raw))
		if !ok {
			return nil, apperr.New(apperr.RepairFailed, "load manifest", path, errors.New("manifest is not valid JSON and could not be repaired"))
		}
		groups, err := decodeGroups([]byte(result.Text))
		if err != nil {
			return nil, apperr.New(apperr.RepairFailed, "load manifest", path, err)
		}
		backup := CorruptedBackupPath(path)
		if err := atomicfile.Write(backup, raw, nil); err != nil {
			return nil, err
		}
		m := &Manifest{path: path, groups: groups}
		if err := m.Persist(); err != nil {
			return nil, err
		}
		log.Warn("repaired malformed manifest", "path", path, "backup", backup, "rules", result.Applied)
		return m, nil
	}

	groups, err := decodeGroups(raw)
	if err != nil {
		return nil, apperr.New(apperr.ParseError, "load manifest", path, err)
	}
	return &Manifest{path: path, groups: groups}, nil
}

// CorruptedBackupPath maps "manifest.json" to "manifest.corrupted.json".
func CorruptedBackupPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + ".corrupted.json"
}

// decodeGroups walks the top-level object token by token so group order survives.
func decodeGroups(raw []byte) ([]Group, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	token, err := decoder.Token()
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	if delim, ok := token.(json.Delim); !ok || delim != '{' {
		return nil, errors.New("manifest must be a JSON object")
	}

	var groups []Group
	for decoder.More() {
		token, err := decoder.Token()
		if err != nil {
			return nil, fmt.Errorf("read group key: %w", err)
		}
		key, ok := token.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token %v", token)
		}
		var entries []Entry
		if err := decoder.Decode(&entries); err != nil {
			return nil, fmt.Errorf("group %q: %w", key, err)
		}
		if entries == nil {
			entries = []Entry{}
		}
		if idx := slices.IndexFunc(groups, func(g Group) bool { return g.Key == key }); idx >= 0 {
			return nil, fmt.Errorf("group %q appears twice", key)
		}
		groups = append(groups, Group{Key: key, Entries: entries})
	}
	if _, err := decoder.Token(); err != nil {
		return nil, fmt.Errorf("read manifest end: %w", err)
	}
	if _, err := decoder.Token(); err != io.EOF {
		return nil, errors.New("trailing data after manifest object")
	}
	return groups, nil
}

func (m *Manifest) Path() string { return m.path }

// Groups returns a deep copy of every group in file order.
func (m *Manifest) Groups() []Group {
	out := make([]Group, len(m.groups))
	for i, g := range m.groups {
		out[i] = Group{Key: g.Key, Entries: slices.Clone(g.Entries)}
	}
	return out
}

// Restore replaces the in-memory state with a copy taken from Groups.
func (m *Manifest) Restore(groups []Group) {
	m.groups = make([]Group, len(groups))
	for i, g := range groups {
		m.groups[i] = Group{Key: g.Key, Entries: slices.Clone(g.Entries)}
	}
}

// Entries returns the rows of one group.
func (m *Manifest) Entries(group string) ([]Entry, bool) {
	idx := m.groupIndex(group)
	if idx < 0 {
		return nil, false
	}
	return slices.Clone(m.groups[idx].Entries), true
}

// EntryFor finds id in file order and returns the group it is filed under.
func (m *Manifest) EntryFor(id string) (string, Entry, bool) {
	for _, g := range m.groups {
		for _, e := range g.Entries {
			if e.ID == id {
				return g.Key, e, true
			}
		}
	}
	return "", Entry{}, false
}

func (m *Manifest) Entry(group, id string) (Entry, bool) {
	gi, ei := m.locate(group, id)
	if ei < 0 {
		return Entry{}, false
	}
	return m.groups[gi].Entries[ei], true
}

// UpsertEntry rewrites file, isActive and version of the existing row for e.ID in
// group. The row keeps its position. Entries are only ever created through Append,
// so an unknown id is an error.
func (m *Manifest) UpsertEntry(group string, e Entry) error {
	gi, ei := m.locate(group, e.ID)
	if ei < 0 {
		return apperr.New(apperr.NotFound, "upsert manifest entry", m.path, fmt.Errorf("no entry %q in group %q", e.ID, group))
	}
	row := &m.groups[gi].Entries[ei]
	row.File = e.File
	row.IsActive = e.IsActive
	row.Version = e.Version
	return nil
}

// Append adds a row at the end of group, creating the group if needed. Ids are
// unique across all groups.
func (m *Manifest) Append(group string, e Entry) error {
	if owner, _, ok := m.EntryFor(e.ID); ok {
		return apperr.New(apperr.Conflict, "append manifest entry", m.path, fmt.Errorf("id %q already exists in group %q", e.ID, owner))
	}
	gi := m.groupIndex(group)
	if gi < 0 {
		m.groups = append(m.groups, Group{Key: group})
		gi = len(m.groups) - 1
	}
	m.groups[gi].Entries = append(m.groups[gi].Entries, e)
	return nil
}

// Remove drops the row for id in group and returns it.
func (m *Manifest) Remove(group, id string) (Entry, error) {
	gi, ei := m.locate(group, id)
	if ei < 0 {
		return Entry{}, apperr.New(apperr.NotFound, "remove manifest entry", m.path, fmt.Errorf("no entry %q in group %q", id, group))
	}
	removed := m.groups[gi].Entries[ei]
	m.groups[gi].Entries = slices.Delete(m.groups[gi].Entries, ei, ei+1)
	return removed, nil
}

// EntryAt returns the row at position index of group.
func (m *Manifest) EntryAt(group string, index int) (Entry, bool) {
	gi := m.groupIndex(group)
	if gi < 0 || index < 0 || index >= len(m.groups[gi].Entries) {
		return Entry{}, false
	}
	return m.groups[gi].Entries[index], true
}

// Rename changes the id of the first row holding oldID in group.
func (m *Manifest) Rename(group, oldID, newID string) error {
	_, ei := m.locate(group, oldID)
	if ei < 0 {
		return apperr.New(apperr.NotFound, "rename manifest entry", m.path, fmt.Errorf("no entry %q in group %q", oldID, group))
	}
	return m.RenameAt(group, ei, newID)
}

// RenameAt changes the id of the row at position index of group. Rows that share
// an id are told apart by position.
func (m *Manifest) RenameAt(group string, index int, newID string) error {
	gi := m.groupIndex(group)
	if gi < 0 || index < 0 || index >= len(m.groups[gi].Entries) {
		return apperr.New(apperr.NotFound, "rename manifest entry", m.path, fmt.Errorf("no row %d in group %q", index, group))
	}
	if owner, _, ok := m.EntryFor(newID); ok {
		return apperr.New(apperr.Conflict, "rename manifest entry", m.path, fmt.Errorf("id %q already exists in group %q", newID, owner))
	}
	m.groups[gi].Entries[index].ID = newID
	return nil
}

// Persist writes the manifest atomically, groups and rows in their current order.
func (m *Manifest) Persist() error {
	payload, err := m.encode()
	if err != nil {
		return apperr.New(apperr.ValidationFailed, "persist manifest", m.path, err)
	}
	return atomicfile.Write(m.path, payload, func(data []byte) error {
		_, err := decodeGroups(data)
		return err
	})
}

func (m *Manifest) encode() ([]byte, error) {
	fields := make([]canonical.Field, len(m.groups))
	for i, g := range m.groups {
		entries := g.Entries
		if entries == nil {
			entries = []Entry{}
		}
		fields[i] = canonical.Field{Key: g.Key, Value: entries}
	}
	compact, err := canonical.Object(fields)
	if err != nil {
		return nil, err
	}
	return canonical.IndentRaw(compact)
}

func (m *Manifest) groupIndex(group string) int {
	return slices.IndexFunc(m.groups, func(g Group) bool { return g.Key == group })
}

func (m *Manifest) locate(group, id string) (int, int) {
	gi := m.groupIndex(group)
	if gi < 0 {
		return -1, -1
	}
	return gi, slices.IndexFunc(m.groups[gi].Entries, func(e Entry) bool { return e.ID == id })
}
