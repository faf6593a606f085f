package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// ErrCorruptState is returned by Load when the state file exists but cannot be
// trusted. It is fatal for the whole run.
var ErrCorruptState = errors.New("corrupt state file")

// Store is the durable record of step outcomes keyed by (repository, step).
// Every mutation persists the whole RunState before returning. A Store
// assumes it is the only writer of its file for the duration of a run.
type Store struct {
	mu    sync.Mutex
	path  string // empty for an in-memory store
	clock clockwork.Clock
	state *RunState
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) { s.clock = c }
}

func newRunState(now string) *RunState {
	return &RunState{
		Version:   stateVersion,
		RunID:     uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
		Repos:     make(map[string]*RepoState),
	}
}

// Load reads the state file at path, or starts an empty RunState if the file
// does not exist. The file is not created until the first mutation.
func Load(path string, opts ...Option) (*Store, error) {
	s := &Store{path: path, clock: clockwork.NewRealClock()}
	for _, o := range opts {
		o(s)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.state = newRunState(s.now())
			return s, nil
		}
		return nil, fmt.Errorf("read state %s: %w", path, err)
	}

	var rs RunState
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptState, path, err)
	}
	if err := validateRunState(&rs); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptState, path, err)
	}
	if rs.Repos == nil {
		rs.Repos = make(map[string]*RepoState)
	}
	s.state = &rs
	return s, nil
}

// NewMemoryStore returns a Store that never touches disk.
func NewMemoryStore(opts ...Option) *Store {
	s := &Store{clock: clockwork.NewRealClock()}
	for _, o := range opts {
		o(s)
	}
	s.state = newRunState(s.now())
	return s
}

func validateRunState(rs *RunState) error {
	if rs.Version != stateVersion {
		return fmt.Errorf("unsupported state version %d", rs.Version)
	}
	for key, repo := range rs.Repos {
		if repo == nil {
			return fmt.Errorf("repo %s: empty record", key)
		}
		t, err := ParseTarget(key)
		if err != nil {
			return err
		}
		if repo.Target != t.String() {
			return fmt.Errorf("repo %s: record names %q", key, repo.Target)
		}
		if err := repo.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) now() string {
	return s.clock.Now().UTC().Format(time.RFC3339)
}

// Path returns the state file path, or "" for an in-memory store.
func (s *Store) Path() string {
	return s.path
}

// RunID returns the identifier generated when the state was first created.
func (s *Store) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.RunID
}

// Meta returns the run-level parameter snapshot. It is zero before InitMeta.
func (s *Store) Meta() Meta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Meta
}

// InitMeta records the run-level snapshot if none is recorded yet.
func (s *Store) InitMeta(m Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Meta.IsZero() {
		return nil
	}
	s.state.Meta = m
	if err := s.persistLocked(); err != nil {
		s.state.Meta = Meta{}
		return err
	}
	return nil
}

// Repo returns a copy of the recorded state for target.
func (s *Store) Repo(target Target) (RepoState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.state.Repos[target.String()]
	if !ok {
		return RepoState{}, false
	}
	return *rs.clone(), true
}

// Repos returns copies of every recorded repository, sorted by target.
func (s *Store) Repos() []RepoState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RepoState, 0, len(s.state.Repos))
	for _, rs := range s.state.Repos {
		out = append(out, *rs.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

// OutcomeOf returns the outcome of step for target, or NotStarted if unseen.
func (s *Store) OutcomeOf(target Target, step StepKind) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.state.Repos[target.String()]
	if !ok {
		return NotStarted()
	}
	return rs.Outcome(step)
}

// BindMeta records the parameter snapshot a repository runs under.
func (s *Store) BindMeta(target Target, m Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutateLocked(target, func(rs *RepoState) error {
		rs.Meta = m
		return nil
	})
}

// RecordOutcome stores the outcome of step for target and persists the whole
// state before returning. If persisting fails the in-memory change is undone.
func (s *Store) RecordOutcome(target Target, step StepKind, o Outcome) error {
	if !step.Valid() {
		return fmt.Errorf("unknown step %q", step)
	}
	if !o.Status.Valid() {
		return fmt.Errorf("unknown status %q", o.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutateLocked(target, func(rs *RepoState) error {
		o.UpdatedAt = s.now()
		if o.Status != StatusFailed {
			o.Reason = ""
		}
		rs.Steps[step.Index()].Outcome = o
		return rs.validate()
	})
}

// mutateLocked applies fn to a copy of target's record and persists it,
// keeping the previous record if fn or the write fails.
func (s *Store) mutateLocked(target Target, fn func(*RepoState) error) error {
	key := target.String()
	prev, existed := s.state.Repos[key]

	var next *RepoState
	if existed {
		next = prev.clone()
	} else {
		next = newRepoState(target)
	}
	if err := fn(next); err != nil {
		return err
	}

	prevUpdated := s.state.UpdatedAt
	s.state.Repos[key] = next
	if err := s.persistLocked(); err != nil {
		if existed {
			s.state.Repos[key] = prev
		} else {
			delete(s.state.Repos, key)
		}
		s.state.UpdatedAt = prevUpdated
		return err
	}
	return nil
}

func (s *Store) persistLocked() error {
	s.state.UpdatedAt = s.now()
	if s.path == "" {
		return nil
	}
	if err := WriteJSON(s.path, s.state); err != nil {
		return fmt.Errorf("persist state %s: %w", s.path, err)
	}
	return nil
}
