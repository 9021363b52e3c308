package engine

import (
	"context"
	"testing"
	"time"

	"hackbackend/internal/clock"
	"hackbackend/internal/durable"
	"hackbackend/internal/effect"
	"hackbackend/internal/model"
	"hackbackend/internal/processstore"
	"hackbackend/internal/resource"
	"hackbackend/internal/world"
)

func durableRunningRow(pid, serverID string, startTime time.Time, idealDuration, accumulatedWorked float64) durable.ProcessRow {
	return durable.ProcessRow{
		PID:                   pid,
		CreatorID:             "player-1",
		TargetServerID:        serverID,
		Action:                model.ActionCrack,
		Request:               model.ResourceTriple{CPU: 0.2, RAM: 0.1, NET: 0.1},
		StartTime:             startTime,
		IdealDurationSeconds:  idealDuration,
		AccumulatedWorkedSecs: accumulatedWorked,
		State:                 model.StateRunning,
		Priority:              5,
	}
}

func newTestEngine(t *testing.T) (*Engine, *world.Registry, []effect.Event) {
	t.Helper()
	w := world.NewRegistry()
	w.PutServer(&model.Server{
		ServerID:     "srv-1",
		IP:           "10.0.0.1",
		Online:       true,
		PasswordHash: "hashed",
		Capacity:     model.ResourceTriple{CPU: 1, RAM: 1, NET: 1},
	})

	accountant := resource.New()
	accountant.SetCapacity("srv-1", model.ResourceTriple{CPU: 1, RAM: 1, NET: 1})

	wheel := clock.NewWheel(clock.RealClock{})
	store := newFakeStore()
	pstore := processstore.New(store)
	effects := effect.NewLayer(store, w, nil)
	registry := NewRegistry()

	var events []effect.Event
	eng := New(registry, accountant, wheel, pstore, store, effects, w, func(ev effect.Event) {
		events = append(events, ev)
	})
	return eng, w, events
}

func TestDoStartAdmitsAndRunsProcess(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	p, err := eng.doStart(ctx, startArgs{
		creatorID: "player-1", targetID: "srv-1", action: model.ActionCrack,
		priority: 5, request: model.ResourceTriple{CPU: 0.4, RAM: 0.1, NET: 0.1},
		payload: map[string]string{"effectiveness": "50", "target_strength": "40"},
	})
	if err != nil {
		t.Fatalf("doStart returned error: %v", err)
	}
	if p.State != model.StateRunning {
		t.Fatalf("expected RUNNING, got %v (fail reason %v)", p.State, p.FailReason)
	}
	if p.IdealDurationSeconds != 600 {
		t.Fatalf("expected scenario-1 ideal duration 600s, got %v", p.IdealDurationSeconds)
	}

	free := eng.accountant.Free("srv-1")
	if free.CPU != 0.6 {
		t.Fatalf("expected 0.6 free CPU after admission, got %v", free.CPU)
	}
}

func TestDoStartFailsNoResourcesOnRAMDeficit(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	p, err := eng.doStart(ctx, startArgs{
		creatorID: "player-1", targetID: "srv-1", action: model.ActionCrack,
		priority: 5, request: model.ResourceTriple{CPU: 0.1, RAM: 2, NET: 0.1},
		payload: map[string]string{"effectiveness": "50", "target_strength": "40"},
	})
	if err != nil {
		t.Fatalf("doStart returned error: %v", err)
	}
	if p.State != model.StateCompletedFail {
		t.Fatalf("expected COMPLETED_FAIL, got %v", p.State)
	}
	if p.FailReason != model.FailNoResources {
		t.Fatalf("expected FailNoResources, got %v", p.FailReason)
	}
}

func TestAdmissionTimeEvictionPausesLowerPriority(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	low, err := eng.doStart(ctx, startArgs{
		creatorID: "player-low", targetID: "srv-1", action: model.ActionCrack,
		priority: 1, request: model.ResourceTriple{CPU: 0.8, RAM: 0.1, NET: 0.1},
		payload: map[string]string{"effectiveness": "50", "target_strength": "40"},
	})
	if err != nil || low.State != model.StateRunning {
		t.Fatalf("expected low-priority process to start running: %+v err=%v", low, err)
	}

	high, err := eng.doStart(ctx, startArgs{
		creatorID: "player-high", targetID: "srv-1", action: model.ActionCrack,
		priority: 9, request: model.ResourceTriple{CPU: 0.5, RAM: 0.1, NET: 0.1},
		payload: map[string]string{"effectiveness": "50", "target_strength": "40"},
	})
	if err != nil {
		t.Fatalf("doStart returned error: %v", err)
	}
	if high.State != model.StateRunning {
		t.Fatalf("expected high-priority process to be admitted via eviction, got %v", high.State)
	}

	reloaded, ok := eng.store.Get(low.PID)
	if !ok {
		t.Fatal("expected low-priority process still present")
	}
	if reloaded.State != model.StatePaused {
		t.Fatalf("expected low-priority process to be paused by eviction, got %v", reloaded.State)
	}
	if reloaded.PauseReason != model.PauseResource {
		t.Fatalf("expected RESOURCE pause reason, got %v", reloaded.PauseReason)
	}
}

func TestAdmissionTimeEvictionNeverPausesEqualOrHigherPriority(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	first, err := eng.doStart(ctx, startArgs{
		creatorID: "player-a", targetID: "srv-1", action: model.ActionCrack,
		priority: 5, request: model.ResourceTriple{CPU: 0.8, RAM: 0.1, NET: 0.1},
		payload: map[string]string{"effectiveness": "50", "target_strength": "40"},
	})
	if err != nil || first.State != model.StateRunning {
		t.Fatalf("setup: expected first process running: %+v err=%v", first, err)
	}

	second, err := eng.doStart(ctx, startArgs{
		creatorID: "player-b", targetID: "srv-1", action: model.ActionCrack,
		priority: 5, request: model.ResourceTriple{CPU: 0.5, RAM: 0.1, NET: 0.1},
		payload: map[string]string{"effectiveness": "50", "target_strength": "40"},
	})
	if err != nil {
		t.Fatalf("doStart returned error: %v", err)
	}
	if second.State != model.StateCompletedFail {
		t.Fatalf("equal-priority request must not evict; expected COMPLETED_FAIL, got %v", second.State)
	}

	reloaded, _ := eng.store.Get(first.PID)
	if reloaded.State != model.StateRunning {
		t.Fatalf("first process must remain RUNNING, got %v", reloaded.State)
	}
}

func TestDoPauseAccumulatesWorkedSecondsAndReleasesCPUNET(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	p, err := eng.doStart(ctx, startArgs{
		creatorID: "player-1", targetID: "srv-1", action: model.ActionCrack,
		priority: 5, request: model.ResourceTriple{CPU: 0.4, RAM: 0.1, NET: 0.1},
		payload: map[string]string{"effectiveness": "50", "target_strength": "40"},
	})
	if err != nil {
		t.Fatalf("doStart returned error: %v", err)
	}

	// Backdate StartTime to simulate 10 elapsed seconds of work.
	p.StartTime = p.StartTime.Add(-10 * time.Second)
	if err := eng.store.Put(ctx, p); err != nil {
		t.Fatalf("backdate persist failed: %v", err)
	}

	if err := eng.doPause(ctx, p.PID, model.PauseManual); err != nil {
		t.Fatalf("doPause returned error: %v", err)
	}

	paused, ok := eng.store.Get(p.PID)
	if !ok {
		t.Fatal("expected process still present after pause")
	}
	if paused.State != model.StatePaused {
		t.Fatalf("expected PAUSED, got %v", paused.State)
	}
	if paused.AccumulatedWorkedSecs < 9.5 || paused.AccumulatedWorkedSecs > 11 {
		t.Fatalf("expected ~10s accumulated worked seconds, got %v", paused.AccumulatedWorkedSecs)
	}
	if paused.AutoResume {
		t.Fatal("a manually paused process must not be marked AutoResume")
	}

	free := eng.accountant.Free("srv-1")
	if free.CPU != 1 || free.NET != 1 {
		t.Fatalf("expected CPU/NET fully released on pause, got %+v", free)
	}
	if free.RAM != 0.9 {
		t.Fatalf("expected RAM to remain reserved while paused, got free RAM %v", free.RAM)
	}
}

func TestDoCancelReleasesResourcesAndAppliesEffect(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	p, err := eng.doStart(ctx, startArgs{
		creatorID: "player-1", targetID: "srv-1", action: model.ActionCrack,
		priority: 5, request: model.ResourceTriple{CPU: 0.4, RAM: 0.1, NET: 0.1},
		payload: map[string]string{"effectiveness": "50", "target_strength": "40"},
	})
	if err != nil {
		t.Fatalf("doStart returned error: %v", err)
	}

	if err := eng.doCancel(ctx, p.PID); err != nil {
		t.Fatalf("doCancel returned error: %v", err)
	}

	cancelled, ok := eng.store.Get(p.PID)
	if !ok || cancelled.State != model.StateCancelled {
		t.Fatalf("expected CANCELLED, got %+v ok=%v", cancelled, ok)
	}

	free := eng.accountant.Free("srv-1")
	if free != (model.ResourceTriple{CPU: 1, RAM: 1, NET: 1}) {
		t.Fatalf("expected full capacity restored after cancel, got %+v", free)
	}
}

func TestCancelOfTerminalProcessFails(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	p, _ := eng.doStart(ctx, startArgs{
		creatorID: "player-1", targetID: "srv-1", action: model.ActionCrack,
		priority: 5, request: model.ResourceTriple{CPU: 0.4, RAM: 0.1, NET: 0.1},
		payload: map[string]string{"effectiveness": "50", "target_strength": "40"},
	})
	if err := eng.doCancel(ctx, p.PID); err != nil {
		t.Fatalf("first cancel failed: %v", err)
	}
	if err := eng.doCancel(ctx, p.PID); err == nil {
		t.Fatal("expected second cancel of an already-terminal process to fail")
	}
}

func TestCompleteProcessAppliesEffectAndPublishes(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	p, err := eng.doStart(ctx, startArgs{
		creatorID: "player-1", targetID: "srv-1", action: model.ActionCrack,
		priority: 5, request: model.ResourceTriple{CPU: 0.4, RAM: 0.1, NET: 0.1},
		payload: map[string]string{"effectiveness": "50", "target_strength": "40"},
	})
	if err != nil {
		t.Fatalf("doStart returned error: %v", err)
	}

	var published []effect.Event
	eng.publish = func(ev effect.Event) { published = append(published, ev) }

	eng.completeProcess(ctx, p)

	done, ok := eng.store.Get(p.PID)
	if !ok || done.State != model.StateCompletedOK {
		t.Fatalf("expected COMPLETED_OK, got %+v ok=%v", done, ok)
	}
	if len(published) == 0 {
		t.Fatal("expected at least one published event on completion")
	}

	free := eng.accountant.Free("srv-1")
	if free != (model.ResourceTriple{CPU: 1, RAM: 1, NET: 1}) {
		t.Fatalf("expected full capacity restored after completion, got %+v", free)
	}
}

func TestTryAutoResumeResumesHighestPriorityFirst(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	// Capacity is just under double one process's CPU share: both can
	// be reserved and paused independently (pausing frees CPU), but
	// only one can actually resume at a time.
	eng.accountant.SetCapacity("srv-1", model.ResourceTriple{CPU: 0.9, RAM: 1, NET: 1})

	lowPaused := &model.Process{
		PID: "paused-low", CreatorID: "p-low", TargetServerID: "srv-1",
		Action: model.ActionCrack, Priority: 2, AutoResume: true,
		PauseReason: model.PauseResource, State: model.StatePaused,
		Request:        model.ResourceTriple{CPU: 0.5, RAM: 0.01, NET: 0.1},
		FirstStartTime: time.Now().Add(-time.Minute),
	}
	highPaused := &model.Process{
		PID: "paused-high", CreatorID: "p-high", TargetServerID: "srv-1",
		Action: model.ActionCrack, Priority: 8, AutoResume: true,
		PauseReason: model.PauseResource, State: model.StatePaused,
		Request:        model.ResourceTriple{CPU: 0.5, RAM: 0.01, NET: 0.1},
		FirstStartTime: time.Now(),
	}
	for _, p := range []*model.Process{lowPaused, highPaused} {
		if res := eng.accountant.TryAdmit("srv-1", p.PID, p.Priority, time.Now(), p.Request); !res.OK {
			t.Fatalf("setup: failed to reserve %s: %+v", p.PID, res)
		}
		eng.accountant.MarkPaused("srv-1", p.PID)
		if err := eng.store.Put(ctx, p); err != nil {
			t.Fatalf("seed paused process failed: %v", err)
		}
	}

	eng.tryAutoResume(ctx, "srv-1")

	resumedHigh, _ := eng.store.Get("paused-high")
	resumedLow, _ := eng.store.Get("paused-low")
	if resumedHigh.State != model.StateRunning {
		t.Fatalf("expected higher-priority paused process to resume first, got %v", resumedHigh.State)
	}
	if resumedLow.State != model.StatePaused {
		t.Fatalf("expected lower-priority paused process to remain paused (insufficient CPU), got %v", resumedLow.State)
	}
}

func TestRecoverDoesNotExtrapolateAcrossDowntimeGap(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	longAgo := time.Now().Add(-48 * time.Hour)
	eng.durable.UpsertProcess(ctx, durableRunningRow("pid-recovered", "srv-1", longAgo, 600, 100))

	if err := eng.Recover(ctx); err != nil {
		t.Fatalf("Recover returned error: %v", err)
	}

	recovered, ok := eng.store.Get("pid-recovered")
	if !ok {
		t.Fatal("expected recovered process to be present in the process store")
	}
	if recovered.AccumulatedWorkedSecs != 100 {
		t.Fatalf("expected accumulated worked seconds to carry over unchanged, got %v", recovered.AccumulatedWorkedSecs)
	}
	if recovered.StartTime.Before(time.Now().Add(-time.Minute)) {
		t.Fatalf("expected StartTime reset to ~now on recovery, got %v", recovered.StartTime)
	}

	deadline, ok := eng.wheel.NextDeadline()
	if !ok {
		t.Fatal("expected a rescheduled completion timer after recovery")
	}
	expectedRemaining := 500 * time.Second // 600 ideal - 100 already worked
	if d := deadline.Sub(time.Now()); d < expectedRemaining-time.Second || d > expectedRemaining+time.Second {
		t.Fatalf("expected ~%v remaining, got %v", expectedRemaining, d)
	}
}
