// Package repolist reads the plain-text list of repositories a run targets.
package repolist

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/lucasnoah/batchpatch/internal/pipeline"
)

// ErrInput marks a repository list that cannot be used. It is fatal before
// any repository is processed.
var ErrInput = errors.New("invalid repository list")

// LineError describes one line that failed to parse.
type LineError struct {
	Line int
	Text string
	Err  error
}

func (e LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

// Options controls how strictly a list is read.
type Options struct {
	// SkipInvalid drops malformed lines instead of failing. Skipped lines
	// are returned in Result.Skipped.
	SkipInvalid bool
}

// Result is a parsed repository list.
type Result struct {
	Targets []pipeline.Target
	Skipped []LineError
}

// ReadFile parses the list at path.
func ReadFile(path string, opts Options) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrInput, path, err)
	}
	defer f.Close()
	return Read(f, opts)
}

// Read parses one owner/name (or github URL) per line. Blank lines and lines
// starting with # are ignored. Duplicate entries are always an error.
func Read(r io.Reader, opts Options) (*Result, error) {
	res := &Result{}
	var bad []LineError
	seen := make(map[string]int)

	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		t, err := pipeline.ParseTarget(line)
		if err != nil {
			bad = append(bad, LineError{Line: lineNo, Text: line, Err: err})
			continue
		}
		if first, ok := seen[t.String()]; ok {
			return nil, fmt.Errorf("%w: line %d: %s duplicates line %d", ErrInput, lineNo, t, first)
		}
		seen[t.String()] = lineNo
		res.Targets = append(res.Targets, t)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: read: %v", ErrInput, err)
	}

	if len(bad) > 0 {
		if !opts.SkipInvalid {
			msgs := make([]string, len(bad))
			for i, b := range bad {
				msgs[i] = b.Error()
			}
			return nil, fmt.Errorf("%w: %d malformed lines: %s", ErrInput, len(bad), strings.Join(msgs, "; "))
		}
		res.Skipped = bad
	}
	if len(res.Targets) == 0 {
		return nil, fmt.Errorf("%w: no repositories listed", ErrInput)
	}
	return res, nil
}
