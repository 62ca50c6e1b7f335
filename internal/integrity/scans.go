package integrity

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync/atomic"

	"smartchapter/manager/internal/chapter"
	"smartchapter/manager/internal/manifest"

	"golang.org/x/sync/errgroup"
)

// MissingFiles reports every entry whose file does not exist. Nothing is fixed:
// dropping a dangling entry is left to a person.
func (c *Checker) MissingFiles(ctx context.Context) Check {
	check := newCheck(CheckMissingFiles)
	rows := c.rows()
	for i, r := range rows {
		if err := ctx.Err(); err != nil {
			return check.abort(err)
		}
		doc := chapter.FromEntry(r.entry, r.group)
		if !c.store.Exists(doc) {
			check.add(Finding{Group: r.group, ID: r.entry.ID, File: r.entry.File, Message: "referenced file does not exist"})
		}
		c.report(CheckMissingFiles, i+1, len(rows))
	}
	return check.finish()
}

// UnknownGroups reports manifest groups outside the known set. They are kept as-is.
func (c *Checker) UnknownGroups(ctx context.Context) Check {
	check := newCheck(CheckUnknownGroups)
	for _, g := range c.manifest.Groups() {
		if err := ctx.Err(); err != nil {
			return check.abort(err)
		}
		if !manifest.IsKnownGroup(g.Key) {
			check.add(Finding{Group: g.Key, Message: fmt.Sprintf("unknown group with %d entries", len(g.Entries))})
		}
	}
	return check.finish()
}

// Row identifies one manifest row by its position in a group.
type Row struct {
	Group string
	Index int
}

type Duplicate struct {
	ID string
	// Groups names the group of every row holding ID, in manifest order. A group
	// appears once per row, so it repeats when one group lists ID twice.
	Groups []string
	// Rows[0] is the first-seen row.
	Rows []Row
}

// SameGroup reports whether some group lists the id more than once.
func (d Duplicate) SameGroup() bool {
	seen := map[string]bool{}
	for _, g := range d.Groups {
		if seen[g] {
			return true
		}
		seen[g] = true
	}
	return false
}

// Duplicates returns every id held by more than one manifest row.
func (c *Checker) Duplicates() []Duplicate {
	seen := map[string]int{}
	var out []Duplicate
	for _, g := range c.manifest.Groups() {
		for i, e := range g.Entries {
			row := Row{Group: g.Key, Index: i}
			idx, ok := seen[e.ID]
			if !ok {
				seen[e.ID] = len(out)
				out = append(out, Duplicate{ID: e.ID, Groups: []string{g.Key}, Rows: []Row{row}})
				continue
			}
			out[idx].Groups = append(out[idx].Groups, g.Key)
			out[idx].Rows = append(out[idx].Rows, row)
		}
	}
	dups := out[:0]
	for _, d := range out {
		if len(d.Rows) > 1 {
			dups = append(dups, d)
		}
	}
	return dups
}

func (c *Checker) DuplicateIDs(ctx context.Context) Check {
	check := newCheck(CheckDuplicateIDs)
	if err := ctx.Err(); err != nil {
		return check.abort(err)
	}
	for _, d := range c.Duplicates() {
		message := fmt.Sprintf("id used by %d groups", len(d.Groups))
		if d.SameGroup() {
			message = fmt.Sprintf("id held by %d rows, some in the same group", len(d.Rows))
		}
		check.add(Finding{Group: d.Groups[0], ID: d.ID, Groups: d.Groups, Message: message})
	}
	return check.finish()
}

// RepairDuplicates renames every row holding a duplicate id to "<group>-<id>",
// except the first-seen row. When that name is taken too, a numeric suffix is
// added. The manifest row is renamed and, when the content file declares its own
// top-level id, that field is rewritten too. Each rename lands with its file
// rewrite or not at all.
func (c *Checker) RepairDuplicates(ctx context.Context, confirmed bool) (Check, error) {
	if !confirmed {
		return Check{}, ErrNotConfirmed
	}
	check := newCheck(CheckDuplicateIDs)
	dups := c.Duplicates()
	for i, d := range dups {
		for _, row := range d.Rows[1:] {
			if err := ctx.Err(); err != nil {
				return check.abort(err), nil
			}
			newID := c.freeID(row.Group + "-" + d.ID)
			if err := c.renameEntry(row, d.ID, newID); err != nil {
				check.add(Finding{Group: row.Group, ID: d.ID, Groups: d.Groups, Message: err.Error(), Outcome: OutcomeError})
				continue
			}
			c.log.Info("renamed duplicate id", "group", row.Group, "row", row.Index, "from", d.ID, "to", newID)
			check.add(Finding{Group: row.Group, ID: newID, Groups: d.Groups, Message: fmt.Sprintf("renamed %q to %q", d.ID, newID), Outcome: OutcomeFixed})
		}
		c.report(CheckDuplicateIDs, i+1, len(dups))
	}
	return check.finish(), nil
}

func (c *Checker) freeID(base string) string {
	id := base
	for n := 2; ; n++ {
		if _, _, taken := c.manifest.EntryFor(id); !taken {
			return id
		}
		id = fmt.Sprintf("%s-%d", base, n)
	}
}

func (c *Checker) renameEntry(row Row, oldID, newID string) error {
	entry, ok := c.manifest.EntryAt(row.Group, row.Index)
	if !ok || entry.ID != oldID {
		return fmt.Errorf("row %d of group %q no longer holds %q", row.Index, row.Group, oldID)
	}
	before := c.manifest.Groups()
	if err := c.manifest.RenameAt(row.Group, row.Index, newID); err != nil {
		return err
	}

	var undo func() error
	doc := chapter.FromEntry(entry, row.Group)
	if err := c.store.Inspect(doc); err == nil {
		if _, declared := doc.DeclaredID(); declared {
			original, err := c.store.ReadRaw(doc)
			if err != nil {
				c.manifest.Restore(before)
				return err
			}
			doc.SetDeclaredID(newID)
			doc.ID = newID
			if _, err := c.store.Save(doc); err != nil {
				c.manifest.Restore(before)
				return err
			}
			if err := c.manifest.UpsertEntry(row.Group, doc.Entry()); err != nil {
				c.manifest.Restore(before)
				_ = c.store.Restore(doc, original)
				return err
			}
			undo = func() error { return c.store.Restore(doc, original) }
		}
	}
	return c.commit(before, undo)
}

// GroupMismatch reports documents whose declared class differs from the group
// the manifest files them under. The comparison ignores case. With fix set, the
// in-file class is rewritten to the manifest group.
func (c *Checker) GroupMismatch(ctx context.Context, fix bool) Check {
	check := newCheck(CheckGroupMismatch)
	rows := c.rows()
	for i, r := range rows {
		if err := ctx.Err(); err != nil {
			return check.abort(err)
		}
		c.report(CheckGroupMismatch, i+1, len(rows))

		doc := chapter.FromEntry(r.entry, r.group)
		if !c.store.Exists(doc) {
			continue
		}
		if err := c.store.Inspect(doc); err != nil {
			check.add(Finding{Group: r.group, ID: r.entry.ID, File: r.entry.File, Message: "cannot read content: " + err.Error(), Outcome: OutcomeError})
			continue
		}
		if strings.EqualFold(doc.Class, r.group) {
			continue
		}
		finding := Finding{Group: r.group, ID: r.entry.ID, File: r.entry.File, Message: fmt.Sprintf("file declares class %q", doc.Class)}
		if fix {
			if err := c.fixClass(doc, r.group); err != nil {
				finding.Message += ": " + err.Error()
				finding.Outcome = OutcomeError
			} else {
				finding.Message += fmt.Sprintf(", rewritten to %q", r.group)
				finding.Outcome = OutcomeFixed
			}
		}
		check.add(finding)
	}
	return check.finish()
}

func (c *Checker) fixClass(doc *chapter.Document, group string) error {
	original, err := c.store.ReadRaw(doc)
	if err != nil {
		return err
	}
	before := c.manifest.Groups()
	doc.Class = group
	if _, err := c.store.Save(doc); err != nil {
		return err
	}
	undo := func() error { return c.store.Restore(doc, original) }
	if err := c.manifest.UpsertEntry(group, doc.Entry()); err != nil {
		_ = undo()
		return err
	}
	c.log.Info("rewrote declared class", "id", doc.ID, "file", doc.File, "class", group, "version", doc.Version)
	return c.commit(before, undo)
}

// Reorganize puts every file under "<group>/<name>". Entries already there are
// reported as organized, so running it twice changes nothing. Without apply it
// only reports the moves it would make.
func (c *Checker) Reorganize(ctx context.Context, apply bool) Check {
	check := newCheck(CheckReorganize)
	rows := c.rows()
	for i, r := range rows {
		if err := ctx.Err(); err != nil {
			return check.abort(err)
		}
		c.report(CheckReorganize, i+1, len(rows))

		finding := Finding{Group: r.group, ID: r.entry.ID, File: r.entry.File}
		if strings.HasPrefix(r.entry.File, r.group+"/") {
			finding.Message = "already organized"
			finding.Outcome = OutcomeOK
			check.add(finding)
			continue
		}
		target := r.group + "/" + path.Base(r.entry.File)
		doc := chapter.FromEntry(r.entry, r.group)
		if !c.store.Exists(doc) {
			finding.Message = "cannot move, file does not exist"
			finding.Outcome = OutcomeError
			check.add(finding)
			continue
		}
		if !apply {
			finding.Message = "would move to " + target
			check.add(finding)
			continue
		}
		if err := c.relocate(doc, r.group, target); err != nil {
			finding.Message = "move failed: " + err.Error()
			finding.Outcome = OutcomeError
		} else {
			finding.Message = "moved to " + target
			finding.Outcome = OutcomeFixed
		}
		check.add(finding)
	}
	return check.finish()
}

func (c *Checker) relocate(doc *chapter.Document, group, target string) error {
	source := doc.File
	before := c.manifest.Groups()
	if err := c.store.Relocate(doc, target); err != nil {
		return err
	}
	undo := func() error { return c.store.Relocate(doc, source) }
	if err := c.manifest.UpsertEntry(group, doc.Entry()); err != nil {
		_ = undo()
		return err
	}
	c.log.Info("moved chapter file", "id", doc.ID, "from", source, "to", target)
	return c.commit(before, undo)
}

// VersionDrift recomputes the version of every readable document and reports
// the ones whose content no longer matches the version on file, and manifest
// rows whose cached version lags the file. It never writes; files are read in
// parallel, findings keep manifest order.
func (c *Checker) VersionDrift(ctx context.Context) Check {
	check := newCheck(CheckVersionDrift)
	rows := c.rows()
	results := make([][]Finding, len(rows))
	var done atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i, r := range rows {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = c.driftOf(r)
			c.report(CheckVersionDrift, int(done.Add(1)), len(rows))
			return nil
		})
	}
	err := g.Wait()
	for _, findings := range results {
		for _, f := range findings {
			check.add(f)
		}
	}
	if err != nil {
		return check.abort(err)
	}
	return check.finish()
}

func (c *Checker) driftOf(r row) []Finding {
	doc := chapter.FromEntry(r.entry, r.group)
	if !c.store.Exists(doc) {
		return nil
	}
	if err := c.store.Inspect(doc); err != nil {
		return []Finding{{Group: r.group, ID: r.entry.ID, File: r.entry.File, Message: "cannot read content: " + err.Error(), Outcome: OutcomeError}}
	}
	computed, err := doc.ComputeVersion()
	if err != nil {
		return []Finding{{Group: r.group, ID: r.entry.ID, File: r.entry.File, Message: err.Error(), Outcome: OutcomeError}}
	}
	var out []Finding
	if computed != doc.Version {
		out = append(out, Finding{
			Group: r.group, ID: r.entry.ID, File: r.entry.File,
			Message: fmt.Sprintf("content hashes to %s but file records %s", computed, doc.Version),
		})
	}
	if r.entry.Version != doc.Version {
		out = append(out, Finding{
			Group: r.group, ID: r.entry.ID, File: r.entry.File,
			Message: fmt.Sprintf("manifest caches %s but file records %s", r.entry.Version, doc.Version),
		})
	}
	return out
}
