package effect

import (
	"context"
	"sync"
	"testing"

	"hackbackend/internal/durable"
	"hackbackend/internal/model"
	"hackbackend/internal/world"
)

// fakeStore/fakeTx is a package-local in-memory durable.Store, the same
// shape as the engine package's own fake, kept separate since Go test
// doubles are not exported across packages.
type fakeStore struct {
	mu       sync.Mutex
	rows     map[string]durable.ProcessRow
	applied  map[string]bool
	balances map[string]model.Money
	logs     []model.LogEntry
	missionAdvances []missionAdvance
}

type missionAdvance struct {
	playerID       string
	missionKey     string
	objectiveIndex int
	delta          int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rows:     make(map[string]durable.ProcessRow),
		applied:  make(map[string]bool),
		balances: make(map[string]model.Money),
	}
}

func (s *fakeStore) LoadNonTerminal(ctx context.Context) ([]durable.ProcessRow, error) { return nil, nil }
func (s *fakeStore) UpsertProcess(ctx context.Context, row durable.ProcessRow) error    { return nil }
func (s *fakeStore) BeginEffectTx(ctx context.Context) (durable.EffectTx, error) {
	return &fakeTx{s: s}, nil
}
func (s *fakeStore) Ping(ctx context.Context) error { return nil }
func (s *fakeStore) Close() error                   { return nil }

type fakeTx struct {
	s          *fakeStore
	rolledBack bool
	committed  bool
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
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.missionAdvances = append(t.s.missionAdvances, missionAdvance{playerID, missionKey, objectiveIndex, delta})
	return nil
}

func (t *fakeTx) AppendLog(entry model.LogEntry) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.logs = append(t.s.logs, entry)
	return nil
}

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
func (t *fakeTx) Rollback() error { t.rolledBack = true; return nil }

func newTestLayer() (*Layer, *fakeStore, *world.Registry) {
	store := newFakeStore()
	w := world.NewRegistry()
	w.PutServer(&model.Server{ServerID: "srv-1", IP: "10.0.0.1", Online: true})
	layer := NewLayer(store, w, map[string]model.MissionTemplate{})
	return layer, store, w
}

func TestApplyIsNoOpWhenAlreadyApplied(t *testing.T) {
	layer, store, _ := newTestLayer()
	store.applied["pid-1"] = true

	p := &model.Process{PID: "pid-1", CreatorID: "player-1", TargetServerID: "srv-1", State: model.StateCompletedOK}
	events, err := layer.Apply(context.Background(), p, "crack", durable.ProcessRow{PID: "pid-1"})
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if events != nil {
		t.Fatalf("expected no events on an already-applied pid, got %v", events)
	}
	if len(store.logs) != 0 {
		t.Fatal("expected no mutations to run once AlreadyApplied short-circuits")
	}
}

func TestApplyAlwaysPublishesProcessCompleteOnTerminalApplication(t *testing.T) {
	layer, _, _ := newTestLayer()

	p := &model.Process{PID: "pid-1", CreatorID: "player-1", TargetServerID: "srv-1", Action: model.ActionPortScan, State: model.StateCompletedFail}
	events, err := layer.Apply(context.Background(), p, "port_scan", durable.ProcessRow{PID: "pid-1", State: model.StateCompletedFail})
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if len(events) != 1 || events[0].Frame.Type != "process_complete" {
		t.Fatalf("expected exactly one process_complete event even on failure, got %+v", events)
	}
}

func TestEffectTransferFundsDebitsAndCreditsBothLegsAtomically(t *testing.T) {
	layer, store, _ := newTestLayer()

	p := &model.Process{
		PID: "pid-transfer", CreatorID: "player-1", TargetServerID: "srv-1",
		Action: model.ActionTransferFunds, State: model.StateCompletedOK,
		Payload: map[string]string{
			"source_account_id": "acct-src",
			"dest_account_id":   "acct-dst",
			"amount":            "500",
		},
	}

	events, err := layer.Apply(context.Background(), p, "transfer_funds", durable.ProcessRow{PID: p.PID, State: model.StateCompletedOK})
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}

	if store.balances["acct-src"] != -500 {
		t.Fatalf("expected source debited by 500, got %v", store.balances["acct-src"])
	}
	if store.balances["acct-dst"] != 500 {
		t.Fatalf("expected dest credited by 500, got %v", store.balances["acct-dst"])
	}
	if !store.applied[p.PID] {
		t.Fatal("expected transfer to be marked applied")
	}

	foundStats := false
	for _, e := range events {
		if e.Frame.Type == "stats_update" {
			foundStats = true
		}
	}
	if !foundStats {
		t.Fatalf("expected a stats_update event alongside process_complete, got %+v", events)
	}
}

func TestEffectTransferFundsRejectsInvalidPayloadWithoutPartialMutation(t *testing.T) {
	layer, store, _ := newTestLayer()

	p := &model.Process{
		PID: "pid-bad-transfer", CreatorID: "player-1", TargetServerID: "srv-1",
		Action: model.ActionTransferFunds, State: model.StateCompletedOK,
		Payload: map[string]string{"source_account_id": "acct-src", "amount": "500"},
	}

	_, err := layer.Apply(context.Background(), p, "transfer_funds", durable.ProcessRow{PID: p.PID})
	if err == nil {
		t.Fatal("expected missing dest_account_id to fail the transfer")
	}
	if store.balances["acct-src"] != 0 {
		t.Fatal("expected no debit to have been committed on a rejected transfer")
	}
	if store.applied[p.PID] {
		t.Fatal("a rejected transfer must not be marked applied, so it can be retried")
	}
}

func TestSecondApplyOfSamePidDoesNotDoubleTransfer(t *testing.T) {
	layer, store, _ := newTestLayer()

	p := &model.Process{
		PID: "pid-transfer", CreatorID: "player-1", TargetServerID: "srv-1",
		Action: model.ActionTransferFunds, State: model.StateCompletedOK,
		Payload: map[string]string{
			"source_account_id": "acct-src",
			"dest_account_id":   "acct-dst",
			"amount":            "500",
		},
	}

	if _, err := layer.Apply(context.Background(), p, "transfer_funds", durable.ProcessRow{PID: p.PID}); err != nil {
		t.Fatalf("first apply failed: %v", err)
	}
	if _, err := layer.Apply(context.Background(), p, "transfer_funds", durable.ProcessRow{PID: p.PID}); err != nil {
		t.Fatalf("second apply (replay) failed: %v", err)
	}

	if store.balances["acct-src"] != -500 {
		t.Fatalf("expected replay to be a no-op, source still -500, got %v", store.balances["acct-src"])
	}
	if store.balances["acct-dst"] != 500 {
		t.Fatalf("expected replay to be a no-op, dest still 500, got %v", store.balances["acct-dst"])
	}
}

func TestEffectCrackGrantsCredentialAndAdvancesMission(t *testing.T) {
	layer, store, _ := newTestLayer()

	p := &model.Process{
		PID: "pid-crack", CreatorID: "player-1", TargetServerID: "srv-1",
		Action: model.ActionCrack, State: model.StateCompletedOK,
		Payload: map[string]string{"mission_key": "mission-hack-corp"},
	}

	events, err := layer.Apply(context.Background(), p, "crack", durable.ProcessRow{PID: p.PID})
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}

	if len(store.missionAdvances) != 1 {
		t.Fatalf("expected exactly one mission advance, got %d", len(store.missionAdvances))
	}
	adv := store.missionAdvances[0]
	if adv.playerID != "player-1" || adv.missionKey != "mission-hack-corp" || adv.delta != 1 {
		t.Fatalf("unexpected mission advance recorded: %+v", adv)
	}

	foundCredentialLog := false
	for _, l := range store.logs {
		if l.Message == "credential granted" {
			foundCredentialLog = true
		}
	}
	if !foundCredentialLog {
		t.Fatal("expected a credential-granted log entry")
	}

	foundNotification := false
	for _, e := range events {
		if e.Frame.Type == "notification" {
			foundNotification = true
		}
	}
	if !foundNotification {
		t.Fatalf("expected a mission-progress notification event, got %+v", events)
	}
}

func TestEffectCrackWithoutMissionKeySkipsAdvancement(t *testing.T) {
	layer, store, _ := newTestLayer()

	p := &model.Process{
		PID: "pid-crack-no-mission", CreatorID: "player-1", TargetServerID: "srv-1",
		Action: model.ActionCrack, State: model.StateCompletedOK,
	}

	if _, err := layer.Apply(context.Background(), p, "crack", durable.ProcessRow{PID: p.PID}); err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if len(store.missionAdvances) != 0 {
		t.Fatalf("expected no mission advance without a mission_key, got %d", len(store.missionAdvances))
	}
}

func TestEffectInstallFirewallIncrementsTargetFirewallLevel(t *testing.T) {
	layer, _, w := newTestLayer()

	p := &model.Process{
		PID: "pid-firewall", CreatorID: "player-1", TargetServerID: "srv-1",
		Action: model.ActionInstallFirewall, State: model.StateCompletedOK,
	}
	if _, err := layer.Apply(context.Background(), p, "install_firewall", durable.ProcessRow{PID: p.PID}); err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}

	s, _ := w.Server("srv-1")
	if s.FirewallLevel != 1 {
		t.Fatalf("expected firewall level incremented to 1, got %d", s.FirewallLevel)
	}
}
