package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"smartchapter/manager/internal/app"
	"smartchapter/manager/internal/history"
	"smartchapter/manager/internal/integrity"

	"gopkg.in/yaml.v3"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

func validFormat(format string) bool {
	switch format {
	case formatText, formatJSON, formatYAML:
		return true
	}
	return false
}

func writeReport(w io.Writer, report integrity.Report, format string) error {
	switch format {
	case formatJSON:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		encoder.SetEscapeHTML(false)
		return encoder.Encode(report)
	case formatYAML:
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		if err := encoder.Encode(report); err != nil {
			return fmt.Errorf("encode yaml report: %w", err)
		}
		return encoder.Close()
	}

	fmt.Fprintf(w, "run %s at %s: %s\n", report.RunID, report.CheckedAt.Format("2006-01-02 15:04:05Z07:00"), strings.ToUpper(report.Status))
	for _, check := range report.Checks {
		fmt.Fprintf(w, "\n[%s] %s (%d)\n", strings.ToUpper(check.Status), check.Name, check.Count)
		if check.Error != "" {
			fmt.Fprintf(w, "  error: %s\n", check.Error)
		}
		for _, f := range check.Findings {
			if f.Outcome == integrity.OutcomeOK {
				continue
			}
			where := f.Group + "/" + f.ID
			if len(f.Groups) > 0 {
				where = f.ID + " in " + strings.Join(f.Groups, ", ")
			}
			fmt.Fprintf(w, "  - %-9s %s: %s\n", f.Outcome, where, f.Message)
		}
	}
	return nil
}

func writeTree(w io.Writer, tree []app.GroupView) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, group := range tree {
		label := group.Label
		if !group.Known {
			label += " (unknown group)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d chapters\n", group.Key, label, len(group.Chapters))
		for _, entry := range group.Chapters {
			active := "active"
			if !entry.IsActive {
				active = "inactive"
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", entry.ID, entry.File, entry.Version, active)
		}
	}
	_ = tw.Flush()
}

func writeSaveResult(w io.Writer, result app.SaveResult) {
	state := "unchanged"
	if result.Changed {
		state = "new version"
	}
	fmt.Fprintf(w, "%s: %s (%s)", result.ID, result.Version, state)
	if result.Revision != nil {
		fmt.Fprintf(w, " revision %s", result.Revision.Hash)
	}
	fmt.Fprintln(w)
}

func writeRevisions(w io.Writer, revisions []history.Revision) {
	if len(revisions) == 0 {
		fmt.Fprintln(w, "no revisions recorded")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, rev := range revisions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", rev.Hash, rev.CreatedAt.Format("2006-01-02 15:04"), rev.Author, strings.TrimSpace(rev.Message))
	}
	_ = tw.Flush()
}
