package engine

import (
	"context"
	"sync"

	"hackbackend/internal/durable"
	"hackbackend/internal/model"
)

// fakeStore is a minimal in-memory durable.Store for exercising the
// engine without a real SQLite/PostgreSQL backend.
type fakeStore struct {
	mu       sync.Mutex
	rows     map[string]durable.ProcessRow
	applied  map[string]bool
	balances map[string]model.Money
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rows:     make(map[string]durable.ProcessRow),
		applied:  make(map[string]bool),
		balances: make(map[string]model.Money),
	}
}

func (s *fakeStore) LoadNonTerminal(ctx context.Context) ([]durable.ProcessRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []durable.ProcessRow
	for _, r := range s.rows {
		if !r.State.Terminal() {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeStore) UpsertProcess(ctx context.Context, row durable.ProcessRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[row.PID] = row
	return nil
}

func (s *fakeStore) BeginEffectTx(ctx context.Context) (durable.EffectTx, error) {
	return &fakeTx{s: s}, nil
}

func (s *fakeStore) Ping(ctx context.Context) error { return nil }
func (s *fakeStore) Close() error                   { return nil }

type fakeTx struct {
	s         *fakeStore
	committed bool
}

func (t *fakeTx) CommitProcessTerminal(row durable.ProcessRow) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.rows[row.PID] = row
	return nil
}

func (t *fakeTx) AdjustBalance(accountID string, delta model.Money, transferID string) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.balances[accountID] += delta
	return nil
}

func (t *fakeTx) AdvanceMissionObjective(playerID, missionKey string, objectiveIndex, delta int) error {
	return nil
}

func (t *fakeTx) AppendLog(entry model.LogEntry) error { return nil }

func (t *fakeTx) AlreadyApplied(pid string) (bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.s.applied[pid], nil
}

func (t *fakeTx) MarkApplied(pid string) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.applied[pid] = true
	return nil
}

func (t *fakeTx) Commit() error   { t.committed = true; return nil }
func (t *fakeTx) Rollback() error { return nil }
