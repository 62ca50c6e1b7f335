// Package integrity checks a content tree against its manifest and repairs what
// can be repaired: dangling references, duplicate ids, class mismatches, file
// layout and version drift.
package integrity

import (
	"context"
	"sync"
	"time"

	"smartchapter/manager/internal/apperr"
	"smartchapter/manager/internal/chapter"
	"smartchapter/manager/internal/logger"
	"smartchapter/manager/internal/manifest"

	"github.com/google/uuid"
)

// ErrNotConfirmed is returned by destructive repairs run without confirmation.
var ErrNotConfirmed = apperr.Newf(apperr.Invalid, "repair", "destructive repair requires explicit confirmation")

// Progress is called after each document a check visits.
type Progress func(check string, done, total int)

type Options struct {
	// FixDuplicates renames duplicate ids; ConfirmDuplicates must also be set.
	FixDuplicates     bool
	ConfirmDuplicates bool
	FixGroupMismatch  bool
	// Reorganize moves files into their group directory. Without it the check only reports.
	Reorganize bool
}

type Checker struct {
	manifest *manifest.Manifest
	store    *chapter.Store
	log      *logger.Logger
	workers  int

	progressMu sync.Mutex
	progress   Progress
}

func New(m *manifest.Manifest, store *chapter.Store, log *logger.Logger) *Checker {
	return &Checker{manifest: m, store: store, log: logger.OrNop(log), workers: 4}
}

// WithWorkers bounds the parallelism of read-only scans.
func (c *Checker) WithWorkers(n int) *Checker {
	if n > 0 {
		c.workers = n
	}
	return c
}

func (c *Checker) OnProgress(fn Progress) *Checker {
	c.progress = fn
	return c
}

// RunAll runs every check in a fixed order and stops early if ctx is done.
// Repairs only run when opts asks for them.
func (c *Checker) RunAll(ctx context.Context, opts Options) (Report, error) {
	report := Report{RunID: uuid.NewString(), CheckedAt: time.Now().UTC()}
	log := c.log.With("run_id", report.RunID)
	log.Info("consistency check started", "manifest", c.manifest.Path())

	steps := []func(context.Context) Check{
		c.MissingFiles,
		c.UnknownGroups,
		func(ctx context.Context) Check {
			if !opts.FixDuplicates {
				return c.DuplicateIDs(ctx)
			}
			check, err := c.RepairDuplicates(ctx, opts.ConfirmDuplicates)
			if err != nil {
				out := newCheck(CheckDuplicateIDs)
				return out.abort(err)
			}
			return check
		},
		func(ctx context.Context) Check { return c.GroupMismatch(ctx, opts.FixGroupMismatch) },
		func(ctx context.Context) Check { return c.Reorganize(ctx, opts.Reorganize) },
		c.VersionDrift,
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			report.Status = summarize(report.Checks)
			return report, err
		}
		check := step(ctx)
		log.Info("check finished", "check", check.Name, "status", check.Status, "count", check.Count)
		report.Checks = append(report.Checks, check)
	}
	report.Status = summarize(report.Checks)
	log.Info("consistency check finished", "status", report.Status)
	return report, ctx.Err()
}

type row struct {
	group string
	entry manifest.Entry
}

// rows snapshots every manifest entry in file order.
func (c *Checker) rows() []row {
	var out []row
	for _, g := range c.manifest.Groups() {
		for _, e := range g.Entries {
			out = append(out, row{group: g.Key, entry: e})
		}
	}
	return out
}

func (c *Checker) report(check string, done, total int) {
	if c.progress == nil {
		return
	}
	c.progressMu.Lock()
	defer c.progressMu.Unlock()
	c.progress(check, done, total)
}

// commit persists the manifest after a file change. If that fails the manifest
// is restored in memory and undo puts the file back.
func (c *Checker) commit(before []manifest.Group, undo func() error) error {
	err := c.manifest.Persist()
	if err == nil {
		return nil
	}
	c.manifest.Restore(before)
	if undo != nil {
		if undoErr := undo(); undoErr != nil {
			c.log.Error("rollback failed after manifest write error", "error", undoErr, "manifest_error", err)
		}
	}
	return err
}
