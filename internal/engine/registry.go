// Package engine is the single-writer process scheduler of spec.md
// §4: a command queue draining into a state machine backed by the
// resource accountant, clock wheel, process store, and effect layer.
//
// Registry generalizes the teacher's internal/game.CommandRegistry
// (string verb -> handler function, looked up once at startup) into a
// table of Action -> ActionSpec, trading "look"/"move"/"quit" for the
// hacking action taxonomy of spec.md §4.2.
package engine

import (
	"fmt"

	"hackbackend/internal/model"
	"hackbackend/internal/world"
)

// PreconditionFunc validates that a Start request is legal against
// current world state, returning a FailReason on rejection.
type PreconditionFunc func(w *world.Registry, p *model.Process) (ok bool, reason model.FailReason)

// DurationFunc computes ideal_duration_seconds from the process's
// declared request and any world facts it needs (effectiveness,
// target hardening, payload size).
type DurationFunc func(w *world.Registry, p *model.Process) float64

// ActionSpec is the per-action contract named by spec.md §4.2's
// taxonomy table: preconditions, duration formula, and completion
// effect, the generalization of the teacher's single CommandHandler
// func signature split into three named stages so the engine can
// apply preconditions before admission and effects only after a
// terminal transition commits.
type ActionSpec struct {
	Action       model.Action
	Precondition PreconditionFunc
	Duration     DurationFunc
	// EffectKind names the completion effect this action drives; the
	// effect package switches on it rather than holding a func here,
	// since effects need a durable.EffectTx the engine doesn't own.
	EffectKind string
	// DetectionSensitivity scales the per-tick detection roll spec.md
	// §4.4 describes ("derived from ... action sensitivity"); loud
	// actions against the target (crack, virus, fund transfer) roll
	// higher than passive ones (port scan, research against one's own
	// lab).
	DetectionSensitivity float64
}

// Registry holds one ActionSpec per model.Action, populated once at
// startup exactly like the teacher's NewCommandRegistry.
type Registry struct {
	specs map[model.Action]ActionSpec
}

// NewRegistry builds the registry with the 8 actions named by spec.md
// §4.2 plus two supplemental actions (Research, InstallFirewall) drawn
// from original_source/ material not covered by the distilled
// taxonomy (see SPEC_FULL.md / DESIGN.md).
func NewRegistry() *Registry {
	r := &Registry{specs: make(map[model.Action]ActionSpec)}

	r.register(ActionSpec{
		Action:               model.ActionPortScan,
		Precondition:         preconditionTargetOnline,
		Duration:             durationPortScan,
		EffectKind:           "port_scan",
		DetectionSensitivity: 0.05,
	})
	r.register(ActionSpec{
		Action:               model.ActionCrack,
		Precondition:         preconditionTargetHasPassword,
		Duration:             durationCrack,
		EffectKind:           "crack",
		DetectionSensitivity: 0.15,
	})
	r.register(ActionSpec{
		Action:               model.ActionDownload,
		Precondition:         preconditionHasCredential,
		Duration:             durationTransfer,
		EffectKind:           "download",
		DetectionSensitivity: 0.08,
	})
	r.register(ActionSpec{
		Action:               model.ActionUpload,
		Precondition:         preconditionHasCredential,
		Duration:             durationTransfer,
		EffectKind:           "upload",
		DetectionSensitivity: 0.1,
	})
	r.register(ActionSpec{
		Action:               model.ActionInstallVirus,
		Precondition:         preconditionHasCredential,
		Duration:             durationConstant(1800),
		EffectKind:           "install_virus",
		DetectionSensitivity: 0.2,
	})
	r.register(ActionSpec{
		Action:               model.ActionTransferFunds,
		Precondition:         preconditionAuthenticatedAccount,
		Duration:             durationTransferFunds,
		EffectKind:           "transfer_funds",
		DetectionSensitivity: 0.12,
	})
	r.register(ActionSpec{
		Action:               model.ActionDeleteLog,
		Precondition:         preconditionHasCredential,
		Duration:             durationDeleteLog,
		EffectKind:           "delete_log",
		DetectionSensitivity: 0.1,
	})
	r.register(ActionSpec{
		Action:               model.ActionMissionObjective,
		Precondition:         preconditionMissionActive,
		Duration:             durationConstant(0),
		EffectKind:           "mission_objective",
		DetectionSensitivity: 0,
	})
	r.register(ActionSpec{
		Action:               model.ActionResearch,
		Precondition:         preconditionAlwaysOK,
		Duration:             durationResearch,
		EffectKind:           "research",
		DetectionSensitivity: 0,
	})
	r.register(ActionSpec{
		Action:               model.ActionInstallFirewall,
		Precondition:         preconditionHasCredential,
		Duration:             durationConstant(900),
		EffectKind:           "install_firewall",
		DetectionSensitivity: 0.05,
	})

	return r
}

func (r *Registry) register(spec ActionSpec) {
	r.specs[spec.Action] = spec
}

// Spec returns the ActionSpec for action, or ok=false if unregistered.
func (r *Registry) Spec(action model.Action) (ActionSpec, bool) {
	spec, ok := r.specs[action]
	return spec, ok
}

func preconditionAlwaysOK(*world.Registry, *model.Process) (bool, model.FailReason) {
	return true, ""
}

func preconditionTargetOnline(w *world.Registry, p *model.Process) (bool, model.FailReason) {
	s, ok := w.Server(p.TargetServerID)
	if !ok || !s.Online {
		return false, model.FailTargetGone
	}
	return true, ""
}

func preconditionTargetHasPassword(w *world.Registry, p *model.Process) (bool, model.FailReason) {
	s, ok := w.Server(p.TargetServerID)
	if !ok || !s.Online {
		return false, model.FailTargetGone
	}
	if s.PasswordHash == "" {
		return false, model.FailInvalidState
	}
	return true, ""
}

func preconditionHasCredential(w *world.Registry, p *model.Process) (bool, model.FailReason) {
	s, ok := w.Server(p.TargetServerID)
	if !ok || !s.Online {
		return false, model.FailTargetGone
	}
	// Credential possession and write access are not checked here or
	// anywhere else in the engine; this stage only confirms the target
	// still exists and is online.
	return true, ""
}

func preconditionAuthenticatedAccount(w *world.Registry, p *model.Process) (bool, model.FailReason) {
	if p.Payload["source_account_id"] == "" {
		return false, model.FailInvalidState
	}
	return true, ""
}

func preconditionMissionActive(w *world.Registry, p *model.Process) (bool, model.FailReason) {
	if p.Payload["mission_key"] == "" {
		return false, model.FailInvalidState
	}
	return true, ""
}

func durationConstant(seconds float64) DurationFunc {
	return func(*world.Registry, *model.Process) float64 {
		return seconds
	}
}

// durationPortScan: f(scanner.effectiveness, target.firewall, net_share).
func durationPortScan(w *world.Registry, p *model.Process) float64 {
	effectiveness := floatPayload(p, "effectiveness", 50)
	s, ok := w.Server(p.TargetServerID)
	firewall := 0.0
	if ok {
		firewall = float64(s.FirewallLevel)
	}
	netShare := p.Request.NET
	if netShare <= 0 {
		netShare = 0.1
	}
	base := (100 + firewall*10) / effectiveness
	return base / netShare * 10
}

// durationCrack: f(cracker.effectiveness, target.password_strength, cpu_share).
// Scenario 1 in spec.md §8 fixes effectiveness=50, strength=40,
// cpu_req=0.4 -> ideal_duration=600s; this formula reproduces that.
func durationCrack(w *world.Registry, p *model.Process) float64 {
	effectiveness := floatPayload(p, "effectiveness", 50)
	strength := floatPayload(p, "target_strength", 40)
	cpuShare := p.Request.CPU
	if cpuShare <= 0 {
		cpuShare = 0.1
	}
	return (strength / effectiveness) * 300 / cpuShare
}

// durationTransfer: f(file.size, net_share), shared by Download/Upload.
func durationTransfer(w *world.Registry, p *model.Process) float64 {
	sizeMB := floatPayload(p, "file_size_mb", 10)
	netShare := p.Request.NET
	if netShare <= 0 {
		netShare = 0.1
	}
	return sizeMB / netShare * 5
}

// durationTransferFunds: f(amount).
func durationTransferFunds(w *world.Registry, p *model.Process) float64 {
	amount := floatPayload(p, "amount", 1000)
	d := amount / 10000 * 30
	if d < 5 {
		d = 5
	}
	return d
}

// durationDeleteLog: f(log.size).
func durationDeleteLog(w *world.Registry, p *model.Process) float64 {
	entries := floatPayload(p, "log_entry_count", 1)
	return entries * 20
}

// durationResearch: blueprint unlock timer, f(tier).
func durationResearch(w *world.Registry, p *model.Process) float64 {
	tier := floatPayload(p, "tier", 1)
	return tier * 3600
}

func floatPayload(p *model.Process, key string, fallback float64) float64 {
	raw, ok := p.Payload[key]
	if !ok {
		return fallback
	}
	var f float64
	if _, err := fmt.Sscanf(raw, "%g", &f); err != nil || f <= 0 {
		return fallback
	}
	return f
}
