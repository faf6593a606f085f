package pipeline

import (
	"fmt"
	"time"
)

// StepKind identifies one step of a repository pipeline.
type StepKind string

const (
	StepClone    StepKind = "clone"
	StepBranch   StepKind = "branch"
	StepPatch    StepKind = "patch"
	StepCommit   StepKind = "commit"
	StepPush     StepKind = "push"
	StepCreatePR StepKind = "create_pr"
)

// Steps is the fixed pipeline order. It is not configurable.
var Steps = []StepKind{StepClone, StepBranch, StepPatch, StepCommit, StepPush, StepCreatePR}

// Index returns the position of k in Steps, or -1 if k is not a known step.
func (k StepKind) Index() int {
	for i, s := range Steps {
		if s == k {
			return i
		}
	}
	return -1
}

// Valid reports whether k is one of the six pipeline steps.
func (k StepKind) Valid() bool {
	return k.Index() >= 0
}

func (k StepKind) String() string {
	return string(k)
}

// Status is the persisted state of a single step.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusNotStarted, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

// Outcome is the recorded result of one step for one repository.
type Outcome struct {
	Status    Status `json:"status"`
	Reason    string `json:"reason,omitempty"` // set only when Status is failed
	Detail    string `json:"detail,omitempty"` // executor diagnostics, e.g. the PR URL
	UpdatedAt string `json:"updated_at,omitempty"`
}

// NotStarted returns the zero outcome for a step that has never run.
func NotStarted() Outcome {
	return Outcome{Status: StatusNotStarted}
}

// Succeeded returns a successful outcome carrying detail.
func Succeeded(detail string) Outcome {
	return Outcome{Status: StatusSucceeded, Detail: detail}
}

// Failed returns a failed outcome with the given reason.
func Failed(reason string) Outcome {
	return Outcome{Status: StatusFailed, Reason: reason}
}

// SourceKind tags the variant of a ChangeSource.
type SourceKind string

const (
	SourceDiff   SourceKind = "diff"
	SourceScript SourceKind = "script"
)

// ChangeSource is the change applied to every repository: either a unified
// diff file or an executable script.
type ChangeSource struct {
	Kind SourceKind `json:"kind"`
	Path string     `json:"path"`
}

// DiffFile returns a ChangeSource for a unified diff.
func DiffFile(path string) ChangeSource {
	return ChangeSource{Kind: SourceDiff, Path: path}
}

// Script returns a ChangeSource for an executable script.
func Script(path string) ChangeSource {
	return ChangeSource{Kind: SourceScript, Path: path}
}

// IsZero reports whether no change source has been set.
func (c ChangeSource) IsZero() bool {
	return c.Kind == "" && c.Path == ""
}

func (c ChangeSource) String() string {
	return fmt.Sprintf("%s %s", c.Kind, c.Path)
}

// Meta is the run-level parameter snapshot. Once a repository has made
// progress under one Meta, later invocations must present the same values.
type Meta struct {
	Branch        string       `json:"branch"`
	Source        ChangeSource `json:"change_source"`
	CommitMessage string       `json:"commit_message"`
}

// IsZero reports whether m carries no values.
func (m Meta) IsZero() bool {
	return m == Meta{}
}

// Diff lists the fields in which m and other disagree.
func (m Meta) Diff(other Meta) []string {
	var fields []string
	if m.Branch != other.Branch {
		fields = append(fields, fmt.Sprintf("branch %q != %q", m.Branch, other.Branch))
	}
	if m.Source != other.Source {
		fields = append(fields, fmt.Sprintf("change source %q != %q", m.Source, other.Source))
	}
	if m.CommitMessage != other.CommitMessage {
		fields = append(fields, fmt.Sprintf("commit message %q != %q", m.CommitMessage, other.CommitMessage))
	}
	return fields
}

// StepRecord pairs a step with its outcome in the persisted state.
type StepRecord struct {
	Step StepKind `json:"step"`
	Outcome
}

// RepoState is the persisted pipeline state for one repository.
type RepoState struct {
	Target string       `json:"target"`
	Meta   Meta         `json:"meta"`
	Steps  []StepRecord `json:"steps"`
}

// newRepoState returns a RepoState with all six steps not started.
func newRepoState(target Target) *RepoState {
	rs := &RepoState{Target: target.String(), Steps: make([]StepRecord, len(Steps))}
	for i, s := range Steps {
		rs.Steps[i] = StepRecord{Step: s, Outcome: NotStarted()}
	}
	return rs
}

// Outcome returns the outcome recorded for step.
func (rs *RepoState) Outcome(step StepKind) Outcome {
	i := step.Index()
	if i < 0 || i >= len(rs.Steps) {
		return NotStarted()
	}
	return rs.Steps[i].Outcome
}

// Started reports whether any step has an outcome other than not started.
func (rs *RepoState) Started() bool {
	for _, s := range rs.Steps {
		if s.Status != StatusNotStarted {
			return true
		}
	}
	return false
}

// Complete reports whether every step succeeded.
func (rs *RepoState) Complete() bool {
	for _, s := range rs.Steps {
		if s.Status != StatusSucceeded {
			return false
		}
	}
	return true
}

// NextStep returns the first step that has not succeeded, or "" when complete.
func (rs *RepoState) NextStep() StepKind {
	for _, s := range rs.Steps {
		if s.Status != StatusSucceeded {
			return s.Step
		}
	}
	return ""
}

// validate checks the ordering invariants: all six steps present in order,
// succeeded steps form a prefix, and at most one step is failed.
func (rs *RepoState) validate() error {
	if len(rs.Steps) != len(Steps) {
		return fmt.Errorf("repo %s: want %d steps, found %d", rs.Target, len(Steps), len(rs.Steps))
	}
	seenOpen := false
	failed := 0
	for i, s := range rs.Steps {
		if s.Step != Steps[i] {
			return fmt.Errorf("repo %s: step %d is %q, want %q", rs.Target, i, s.Step, Steps[i])
		}
		if !s.Status.Valid() {
			return fmt.Errorf("repo %s: step %s has unknown status %q", rs.Target, s.Step, s.Status)
		}
		if s.Status == StatusFailed {
			failed++
		}
		if s.Status != StatusSucceeded {
			seenOpen = true
		} else if seenOpen {
			return fmt.Errorf("repo %s: step %s succeeded after an unfinished step", rs.Target, s.Step)
		}
	}
	if failed > 1 {
		return fmt.Errorf("repo %s: %d failed steps, at most one allowed", rs.Target, failed)
	}
	return nil
}

// clone returns a deep copy of rs.
func (rs *RepoState) clone() *RepoState {
	cp := *rs
	cp.Steps = append([]StepRecord(nil), rs.Steps...)
	return &cp
}

// stateVersion is the current state file format version.
const stateVersion = 1

// RunState is the top-level persisted state shared by every invocation that
// uses the same state file.
type RunState struct {
	Version   int                   `json:"version"`
	RunID     string                `json:"run_id"`
	Meta      Meta                  `json:"meta"`
	CreatedAt string                `json:"created_at"`
	UpdatedAt string                `json:"updated_at"`
	Repos     map[string]*RepoState `json:"repos"`
}

// StepEvent describes one finished step, for observers such as metrics and
// the event log.
type StepEvent struct {
	RunID    string
	Target   Target
	Step     StepKind
	Outcome  Outcome
	Duration time.Duration
}
