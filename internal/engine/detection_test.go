package engine

import (
	"context"
	"testing"

	"hackbackend/internal/model"
)

func TestRollDetectionSkipsNPCTargetsWithoutOwner(t *testing.T) {
	eng, w, _ := newTestEngine(t)
	w.PutServer(&model.Server{ServerID: "npc-1", MonitoringLevel: 10})

	p := &model.Process{
		PID: "pid-npc", CreatorID: "player-1", TargetServerID: "npc-1",
		Action: model.ActionPortScan, StealthLevel: 0.01, State: model.StateRunning,
	}
	eng.store.Put(context.Background(), p)

	// An NPC server (OwnerPlayerID == "") has no victim to notify; the
	// roll must be a pure no-op regardless of how unlucky the dice are.
	eng.rollDetection(context.Background(), p)

	got, ok := eng.store.Get("pid-npc")
	if !ok {
		t.Fatal("expected process to remain in the store")
	}
	if got.DetectionRisk != 0 {
		t.Fatalf("expected no detection_risk change against an NPC target, got %v", got.DetectionRisk)
	}
}

func TestRollDetectionSkipsActionsWithZeroSensitivity(t *testing.T) {
	eng, w, _ := newTestEngine(t)
	w.PutServer(&model.Server{ServerID: "srv-owned", OwnerPlayerID: "victim-1", MonitoringLevel: 10})

	p := &model.Process{
		PID: "pid-research", CreatorID: "player-1", TargetServerID: "srv-owned",
		Action: model.ActionResearch, StealthLevel: 0.01, State: model.StateRunning,
	}
	eng.store.Put(context.Background(), p)

	eng.rollDetection(context.Background(), p)

	got, _ := eng.store.Get("pid-research")
	if got.DetectionRisk != 0 {
		t.Fatalf("expected research (zero sensitivity) to never roll detection, got %v", got.DetectionRisk)
	}
}
