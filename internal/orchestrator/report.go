package orchestrator

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"
	"unicode/utf8"

	"github.com/lucasnoah/batchpatch/internal/engine"
)

// Report aggregates the results of one run.
type Report struct {
	Results  []engine.RepoResult // in input order
	Orphaned []string            // in the state file but not in the list
	Skipped  []string            // list lines dropped by --skip-invalid
	NoPush   bool
	Elapsed  time.Duration
}

// Counts tallies results per status.
func (r *Report) Counts() map[engine.RepoStatus]int {
	counts := make(map[engine.RepoStatus]int)
	for _, res := range r.Results {
		counts[res.Status]++
	}
	return counts
}

// OK reports whether every repository reached its intended terminal state:
// complete, or committed when the run was no-push.
func (r *Report) OK() bool {
	for _, res := range r.Results {
		switch {
		case res.Status == engine.StatusComplete:
		case res.Status == engine.StatusCommitted && r.NoPush:
		default:
			return false
		}
	}
	return true
}

var statusOrder = []engine.RepoStatus{
	engine.StatusComplete,
	engine.StatusCommitted,
	engine.StatusFailed,
	engine.StatusDrift,
	engine.StatusInterrupted,
}

// Write prints a per-repository table followed by a one-line summary.
func (r *Report) Write(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REPO\tSTATUS\tSTEP\tDETAIL")
	for _, res := range r.Results {
		detail := res.Detail
		if res.Reason != "" {
			detail = res.Reason
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", res.Target, res.Status, orDash(string(res.Step)), oneLine(detail, 100))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	counts := r.Counts()
	var parts []string
	for _, s := range statusOrder {
		if n := counts[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, s))
		}
	}
	fmt.Fprintf(w, "\n%d repositories: %s (%s)\n", len(r.Results), strings.Join(parts, ", "), r.Elapsed.Round(time.Second))

	if len(r.Skipped) > 0 {
		fmt.Fprintf(w, "Skipped list lines: %s\n", strings.Join(r.Skipped, "; "))
	}
	if len(r.Orphaned) > 0 {
		fmt.Fprintf(w, "Not in list, left untouched in state: %s\n", strings.Join(r.Orphaned, ", "))
	}
	if r.NoPush && counts[engine.StatusCommitted] > 0 {
		fmt.Fprintln(w, "No-push mode: rerun without --no-push to push and open pull requests.")
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// oneLine collapses whitespace and truncates s to n runes.
func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) > n {
		return string([]rune(s)[:n-3]) + "..."
	}
	return s
}
