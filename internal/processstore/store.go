// Package processstore is the canonical in-memory process table of
// spec.md §4.3: keyed by pid, with secondary indices by creator,
// target server, and state. The Engine is the single writer; readers
// see a consistent snapshot of any single process because every
// mutation replaces the *model.Process pointer under the table's lock
// rather than mutating fields in place.
package processstore

import (
	"context"
	"fmt"
	"sync"

	"hackbackend/internal/durable"
	"hackbackend/internal/model"
)

// Store is the process table plus write-through durability.
type Store struct {
	mu    sync.RWMutex
	byPID map[string]*model.Process

	byCreator map[string]map[string]bool
	byTarget  map[string]map[string]bool
	byState   map[model.State]map[string]bool

	durable durable.Store
}

// New constructs an empty Store backed by d for write-through.
func New(d durable.Store) *Store {
	return &Store{
		byPID:     make(map[string]*model.Process),
		byCreator: make(map[string]map[string]bool),
		byTarget:  make(map[string]map[string]bool),
		byState:   make(map[model.State]map[string]bool),
		durable:   d,
	}
}

// Put installs p into the table (insert or replace), updates indices,
// and write-throughs the mutation. The caller is acknowledged only
// after the durable store accepts the write, per spec.md §4.3.
func (s *Store) Put(ctx context.Context, p *model.Process) error {
	row := toRow(p)
	if err := s.durable.UpsertProcess(ctx, row); err != nil {
		return fmt.Errorf("write-through process %s: %w", p.PID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.byPID[p.PID]; ok {
		s.unindexLocked(old)
	}
	s.byPID[p.PID] = p
	s.indexLocked(p)
	return nil
}

func (s *Store) indexLocked(p *model.Process) {
	addTo(s.byCreator, p.CreatorID, p.PID)
	addTo(s.byTarget, p.TargetServerID, p.PID)
	if s.byState[p.State] == nil {
		s.byState[p.State] = make(map[string]bool)
	}
	s.byState[p.State][p.PID] = true
}

func (s *Store) unindexLocked(p *model.Process) {
	removeFrom(s.byCreator, p.CreatorID, p.PID)
	removeFrom(s.byTarget, p.TargetServerID, p.PID)
	if set, ok := s.byState[p.State]; ok {
		delete(set, p.PID)
	}
}

func addTo(idx map[string]map[string]bool, key, pid string) {
	if idx[key] == nil {
		idx[key] = make(map[string]bool)
	}
	idx[key][pid] = true
}

func removeFrom(idx map[string]map[string]bool, key, pid string) {
	if set, ok := idx[key]; ok {
		delete(set, pid)
	}
}

// Get returns the process for pid, or ok=false if absent. The
// returned pointer is the table's live pointer; callers that read
// across a potential concurrent mutation should treat it as a
// point-in-time snapshot, not mutate it.
func (s *Store) Get(pid string) (*model.Process, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byPID[pid]
	return p, ok
}

// ByCreator returns every pid created by playerID.
func (s *Store) ByCreator(playerID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return keys(s.byCreator[playerID])
}

// ByTarget returns every pid targeting serverID.
func (s *Store) ByTarget(serverID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return keys(s.byTarget[serverID])
}

// ByState returns every pid currently in st.
func (s *Store) ByState(st model.State) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return keys(s.byState[st])
}

// NonTerminal returns every pid not in a terminal state.
func (s *Store) NonTerminal() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for pid, p := range s.byPID {
		if !p.State.Terminal() {
			out = append(out, pid)
		}
	}
	return out
}

func keys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

// LoadFromDurable rebuilds the table from the durable store's
// non-terminal rows, for crash recovery (spec.md §4.3 / P9). It
// recomputes accumulated_worked_seconds using only stored values —
// it never extrapolates across the crash gap.
func (s *Store) LoadFromDurable(ctx context.Context) ([]*model.Process, error) {
	rows, err := s.durable.LoadNonTerminal(ctx)
	if err != nil {
		return nil, fmt.Errorf("load non-terminal rows: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*model.Process, 0, len(rows))
	for _, row := range rows {
		p := fromRow(row)
		s.byPID[p.PID] = p
		s.indexLocked(p)
		out = append(out, p)
	}
	return out, nil
}

func toRow(p *model.Process) durable.ProcessRow {
	return durable.ProcessRow{
		PID:                   p.PID,
		CreatorID:             p.CreatorID,
		TargetServerID:        p.TargetServerID,
		Action:                p.Action,
		SoftwareID:            p.SoftwareID,
		Request:               p.Request,
		StartTime:             p.StartTime,
		IdealDurationSeconds:  p.IdealDurationSeconds,
		AccumulatedWorkedSecs: p.AccumulatedWorkedSecs,
		State:                 p.State,
		FailReason:            p.FailReason,
		Priority:              p.Priority,
		StealthLevel:          p.StealthLevel,
		ParentPID:             p.ParentPID,
		Payload:               p.Payload,
	}
}

func fromRow(row durable.ProcessRow) *model.Process {
	return &model.Process{
		PID:                   row.PID,
		CreatorID:             row.CreatorID,
		TargetServerID:        row.TargetServerID,
		Action:                row.Action,
		SoftwareID:            row.SoftwareID,
		Request:               row.Request,
		StartTime:             row.StartTime,
		IdealDurationSeconds:  row.IdealDurationSeconds,
		AccumulatedWorkedSecs: row.AccumulatedWorkedSecs,
		State:                 row.State,
		FailReason:            row.FailReason,
		Priority:              row.Priority,
		StealthLevel:          row.StealthLevel,
		ParentPID:             row.ParentPID,
		Payload:               row.Payload,
	}
}
