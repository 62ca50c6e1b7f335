package integrity

import (
	"time"
)

const (
	CheckMissingFiles  = "missing_files"
	CheckUnknownGroups = "unknown_groups"
	CheckDuplicateIDs  = "duplicate_ids"
	CheckGroupMismatch = "group_mismatch"
	CheckReorganize    = "reorganize"
	CheckVersionDrift  = "version_drift"
)

const (
	StatusPass  = "pass"
	StatusFail  = "fail"
	StatusFixed = "fixed"
	StatusError = "error"
)

// Finding outcomes. OutcomeOK findings are informational and never counted.
const (
	OutcomeViolation = "violation"
	OutcomeFixed     = "fixed"
	OutcomeError     = "error"
	OutcomeOK        = "ok"
)

type Finding struct {
	Group   string   `json:"group" yaml:"group"`
	ID      string   `json:"id" yaml:"id"`
	File    string   `json:"file,omitempty" yaml:"file,omitempty"`
	Groups  []string `json:"groups,omitempty" yaml:"groups,omitempty"`
	Message string   `json:"message" yaml:"message"`
	Outcome string   `json:"outcome" yaml:"outcome"`
}

type Check struct {
	Name     string    `json:"name" yaml:"name"`
	Status   string    `json:"status" yaml:"status"`
	Count    int       `json:"count" yaml:"count"`
	Findings []Finding `json:"findings,omitempty" yaml:"findings,omitempty"`
	Error    string    `json:"error,omitempty" yaml:"error,omitempty"`
}

type Report struct {
	RunID     string    `json:"run_id" yaml:"run_id"`
	Status    string    `json:"status" yaml:"status"`
	CheckedAt time.Time `json:"checked_at" yaml:"checked_at"`
	Checks    []Check   `json:"checks" yaml:"checks"`
}

func newCheck(name string) *Check {
	return &Check{Name: name, Status: StatusPass}
}

func (c *Check) add(f Finding) {
	if f.Outcome == "" {
		f.Outcome = OutcomeViolation
	}
	c.Findings = append(c.Findings, f)
}

// abort marks the check as interrupted, keeping the findings gathered so far.
func (c *Check) abort(err error) Check {
	out := c.finish()
	out.Status = StatusError
	out.Error = err.Error()
	return out
}

func (c *Check) finish() Check {
	c.Count = 0
	fixed := false
	failed := false
	for _, f := range c.Findings {
		switch f.Outcome {
		case OutcomeOK:
			continue
		case OutcomeFixed:
			fixed = true
		default:
			failed = true
		}
		c.Count++
	}
	switch {
	case failed:
		c.Status = StatusFail
	case fixed:
		c.Status = StatusFixed
	default:
		c.Status = StatusPass
	}
	return *c
}

// Violations returns the findings that still need attention.
func (c Check) Violations() []Finding {
	var out []Finding
	for _, f := range c.Findings {
		if f.Outcome == OutcomeViolation || f.Outcome == OutcomeError {
			out = append(out, f)
		}
	}
	return out
}

func summarize(checks []Check) string {
	status := StatusPass
	for _, check := range checks {
		switch check.Status {
		case StatusFail, StatusError:
			return StatusFail
		case StatusFixed:
			status = StatusFixed
		}
	}
	return status
}
