package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"smartchapter/manager/internal/app"
	"smartchapter/manager/internal/history"
	"smartchapter/manager/internal/integrity"
	"smartchapter/manager/internal/manifest"

	"gopkg.in/yaml.v3"
)

func sampleReport() integrity.Report {
	return integrity.Report{
		RunID:     "run-1",
		Status:    integrity.StatusFail,
		CheckedAt: time.Date(2025, 3, 1, 14, 0, 0, 0, time.UTC),
		Checks: []integrity.Check{
			{Name: integrity.CheckMissingFiles, Status: integrity.StatusPass},
			{
				Name:   integrity.CheckDuplicateIDs,
				Status: integrity.StatusFail,
				Count:  1,
				Findings: []integrity.Finding{
					{ID: "x", Groups: []string{"tcs", "bsm"}, Message: "id used in 2 groups", Outcome: integrity.OutcomeViolation},
				},
			},
			{
				Name:   integrity.CheckReorganize,
				Status: integrity.StatusPass,
				Findings: []integrity.Finding{
					{Group: "tcs", ID: "suites", Message: "already organized", Outcome: integrity.OutcomeOK},
				},
			},
		},
	}
}

func TestWriteReportText(t *testing.T) {
	var buf bytes.Buffer
	if err := writeReport(&buf, sampleReport(), formatText); err != nil {
		t.Fatalf("writeReport() error = %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "run run-1") || !strings.Contains(out, "FAIL") {
		t.Fatalf("missing header:\n%s", out)
	}
	if !strings.Contains(out, "x in tcs, bsm: id used in 2 groups") {
		t.Fatalf("missing duplicate finding:\n%s", out)
	}
	if strings.Contains(out, "already organized") {
		t.Fatalf("ok findings should be hidden:\n%s", out)
	}
}

func TestWriteReportJSONAndYAML(t *testing.T) {
	var jsonBuf bytes.Buffer
	if err := writeReport(&jsonBuf, sampleReport(), formatJSON); err != nil {
		t.Fatalf("writeReport(json) error = %v", err)
	}
	var decoded integrity.Report
	if err := json.Unmarshal(jsonBuf.Bytes(), &decoded); err != nil {
		t.Fatalf("decode json report: %v", err)
	}
	if decoded.RunID != "run-1" || len(decoded.Checks) != 3 {
		t.Fatalf("unexpected json report %+v", decoded)
	}

	var yamlBuf bytes.Buffer
	if err := writeReport(&yamlBuf, sampleReport(), formatYAML); err != nil {
		t.Fatalf("writeReport(yaml) error = %v", err)
	}
	var generic map[string]any
	if err := yaml.Unmarshal(yamlBuf.Bytes(), &generic); err != nil {
		t.Fatalf("decode yaml report: %v", err)
	}
	if generic["run_id"] != "run-1" || generic["status"] != integrity.StatusFail {
		t.Fatalf("unexpected yaml report:\n%s", yamlBuf.String())
	}
}

func TestValidFormat(t *testing.T) {
	for _, format := range []string{formatText, formatJSON, formatYAML} {
		if !validFormat(format) {
			t.Errorf("%q should be valid", format)
		}
	}
	if validFormat("xml") {
		t.Error("xml should be rejected")
	}
}

func TestWriteTreeAndRevisions(t *testing.T) {
	var buf bytes.Buffer
	writeTree(&buf, []app.GroupView{
		{Key: "tcs", Label: "Tronc Commun Scientifique", Known: true, Chapters: []manifest.Entry{
			{ID: "suites", File: "tcs/tcs_suites.json", IsActive: true, Version: "v2.0.0-abcdef"},
		}},
		{Key: "bsm", Label: "bsm", Chapters: []manifest.Entry{}},
	})
	out := buf.String()
	if !strings.Contains(out, "suites") || !strings.Contains(out, "(unknown group)") {
		t.Fatalf("unexpected tree output:\n%s", out)
	}

	buf.Reset()
	writeRevisions(&buf, nil)
	if !strings.Contains(buf.String(), "no revisions") {
		t.Fatalf("unexpected empty history output %q", buf.String())
	}
	buf.Reset()
	writeRevisions(&buf, []history.Revision{{Hash: "abc1234", Author: "Samira", Message: "save suites\n"}})
	if !strings.Contains(buf.String(), "abc1234") {
		t.Fatalf("unexpected history output %q", buf.String())
	}
}
