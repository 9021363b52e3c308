package engine

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"hackbackend/internal/bus"
	"hackbackend/internal/effect"
	"hackbackend/internal/model"
)

// detectionTickInterval bounds how often the engine rolls detection
// against running processes; spec.md §4.4 leaves the rate
// implementation-defined ("any implementation-defined bounded rate").
const detectionTickInterval = 15 * time.Second

// detectionTick rolls detection once for every RUNNING process,
// grounded on spec.md §4.4: "every running process has a per-tick
// detection roll derived from its stealth_level, target's
// monitoring_level, and action sensitivity; on trigger the Engine
// emits a SecurityEvent ... and raises detection_risk. Detection never
// pauses or cancels a process by itself."
func (e *Engine) detectionTick(ctx context.Context) {
	for _, pid := range e.store.ByState(model.StateRunning) {
		p, ok := e.store.Get(pid)
		if !ok {
			continue
		}
		e.rollDetection(ctx, p)
	}
}

func (e *Engine) rollDetection(ctx context.Context, p *model.Process) {
	srv, ok := e.world.Server(p.TargetServerID)
	if !ok || srv.OwnerPlayerID == "" {
		return // NPC targets have no victim to notify
	}

	spec, ok := e.registry.Spec(p.Action)
	if !ok || spec.DetectionSensitivity <= 0 {
		return
	}

	stealth := p.StealthLevel
	if stealth <= 0 {
		stealth = 0.1
	}
	chance := spec.DetectionSensitivity * (1 + float64(srv.MonitoringLevel)/10) / stealth
	if chance <= 0 {
		return
	}
	if chance > 0.95 {
		chance = 0.95
	}

	if rand.Float64() >= chance {
		return
	}

	next := cloneProcess(p)
	next.DetectionRisk += chance
	if next.DetectionRisk > 1 {
		next.DetectionRisk = 1
	}
	e.persist(ctx, next)

	if e.publish == nil {
		return
	}
	severity := "low"
	if next.DetectionRisk > 0.5 {
		severity = "high"
	}
	e.publish(effect.Event{
		Channel: fmt.Sprintf("user:%s", srv.OwnerPlayerID),
		Frame: bus.OutFrame{Type: bus.FrameSecurity, Payload: bus.SecurityEventPayload{
			PID:      next.PID,
			Action:   string(next.Action),
			Severity: severity,
		}},
	})
}
