// Package effect is the Effect Layer of spec.md §4.5: the single
// place a terminal Process is translated into durable mutations
// (credential grants, file placement, double-entry transfers, log
// tombstoning, mission advancement) plus the realtime events that
// should be published once those mutations commit.
//
// Grounded on the teacher's commands.go CmdLook-style handler
// returning a result string, generalized here into a handler that
// returns a durable transaction's mutations plus a list of bus events,
// since a single completion can fan out to several subscribers.
package effect

import (
	"context"
	"fmt"
	"time"

	"hackbackend/internal/bus"
	"hackbackend/internal/durable"
	"hackbackend/internal/model"
	"hackbackend/internal/world"
)

// Event pairs a channel with the frame to publish on it once the
// owning transaction commits.
type Event struct {
	Channel string
	Frame   bus.OutFrame
}

// Layer applies completion effects against the durable store,
// idempotently keyed by pid (spec.md §4.5 "idempotent, keyed by pid").
type Layer struct {
	store   durable.Store
	world   *world.Registry
	missions map[string]model.MissionTemplate
}

// NewLayer constructs a Layer. missions is the static mission template
// table, normally loaded once at startup.
func NewLayer(store durable.Store, w *world.Registry, missions map[string]model.MissionTemplate) *Layer {
	return &Layer{store: store, world: w, missions: missions}
}

// Apply commits p's completion effect atomically and returns the
// events to publish afterward. Calling Apply twice for the same pid is
// a no-op on the second call (AlreadyApplied short-circuits), which is
// what makes crash-recovery replay of a COMPLETED_OK process safe.
func (l *Layer) Apply(ctx context.Context, p *model.Process, kind string, row durable.ProcessRow) ([]Event, error) {
	tx, err := l.store.BeginEffectTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin effect tx for %s: %w", p.PID, err)
	}
	defer tx.Rollback()

	applied, err := tx.AlreadyApplied(p.PID)
	if err != nil {
		return nil, fmt.Errorf("check applied for %s: %w", p.PID, err)
	}
	if applied {
		return nil, nil
	}

	var events []Event
	if p.State == model.StateCompletedOK {
		events, err = l.applyOK(tx, p, kind)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.CommitProcessTerminal(row); err != nil {
		return nil, fmt.Errorf("commit terminal row for %s: %w", p.PID, err)
	}
	if err := tx.MarkApplied(p.PID); err != nil {
		return nil, fmt.Errorf("mark applied for %s: %w", p.PID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit effect tx for %s: %w", p.PID, err)
	}

	events = append(events, Event{
		Channel: fmt.Sprintf("user:%s", p.CreatorID),
		Frame: bus.OutFrame{Type: bus.FrameProcessComplete, Payload: bus.ProcessCompletePayload{
			PID:      p.PID,
			Action:   string(p.Action),
			TargetIP: l.targetIP(p.TargetServerID),
			Result:   string(p.State),
		}},
	})
	return events, nil
}

func (l *Layer) targetIP(serverID string) string {
	if s, ok := l.world.Server(serverID); ok {
		return s.IP
	}
	return ""
}

func (l *Layer) applyOK(tx durable.EffectTx, p *model.Process, kind string) ([]Event, error) {
	switch kind {
	case "port_scan":
		return l.effectPortScan(tx, p)
	case "crack":
		return l.effectCrack(tx, p)
	case "download", "upload":
		return l.effectTransferFile(tx, p, kind)
	case "install_virus":
		return l.effectInstallVirus(tx, p)
	case "transfer_funds":
		return l.effectTransferFunds(tx, p)
	case "delete_log":
		return l.effectDeleteLog(tx, p)
	case "mission_objective":
		return l.effectMissionObjective(tx, p)
	case "research":
		return l.effectResearch(tx, p)
	case "install_firewall":
		return l.effectInstallFirewall(tx, p)
	default:
		return nil, fmt.Errorf("unknown effect kind %q", kind)
	}
}

// effectPortScan writes a hacking log entry on the target when
// detected, per spec.md §4.2's PortScan row.
func (l *Layer) effectPortScan(tx durable.EffectTx, p *model.Process) ([]Event, error) {
	if p.DetectionRisk > 0 {
		if err := tx.AppendLog(model.LogEntry{
			LogID:     p.PID,
			Category:  model.LogHacking,
			PlayerID:  p.CreatorID,
			TargetID:  p.TargetServerID,
			Message:   "port scan detected",
			CreatedAt: time.Now(),
		}); err != nil {
			return nil, fmt.Errorf("append scan log: %w", err)
		}
	}
	return nil, nil
}

// effectCrack grants a transient credential (recorded as a log entry
// until a dedicated credential table exists) and advances any active
// hack_server mission objective against this target, per spec.md
// scenario 6.
func (l *Layer) effectCrack(tx durable.EffectTx, p *model.Process) ([]Event, error) {
	if err := tx.AppendLog(model.LogEntry{
		LogID:     p.PID + ":credential",
		Category:  model.LogAction,
		PlayerID:  p.CreatorID,
		TargetID:  p.TargetServerID,
		Message:   "credential granted",
		CreatedAt: time.Now(),
	}); err != nil {
		return nil, fmt.Errorf("grant credential: %w", err)
	}
	return l.advanceHackServerMission(tx, p)
}

func (l *Layer) advanceHackServerMission(tx durable.EffectTx, p *model.Process) ([]Event, error) {
	missionKey := p.Payload["mission_key"]
	if missionKey == "" {
		return nil, nil
	}
	if err := tx.AdvanceMissionObjective(p.CreatorID, missionKey, 0, 1); err != nil {
		return nil, fmt.Errorf("advance mission %s: %w", missionKey, err)
	}
	return []Event{{
		Channel: fmt.Sprintf("user:%s", p.CreatorID),
		Frame: bus.OutFrame{Type: bus.FrameNotification, Payload: bus.NotificationPayload{
			Title:   "Mission progress",
			Message: fmt.Sprintf("Objective advanced for %s", missionKey),
			Level:   bus.LevelSuccess,
		}},
	}}, nil
}

// effectTransferFile records file placement as an audit log entry;
// spec.md's Download/Upload effect is "copy file to creator's home
// server" / "place file on target", modelled here as a log record
// since the file inventory table is out of scope for this layer.
func (l *Layer) effectTransferFile(tx durable.EffectTx, p *model.Process, kind string) ([]Event, error) {
	if err := tx.AppendLog(model.LogEntry{
		LogID:     p.PID,
		Category:  model.LogAction,
		PlayerID:  p.CreatorID,
		TargetID:  p.TargetServerID,
		Message:   kind + " completed",
		CreatedAt: time.Now(),
	}); err != nil {
		return nil, fmt.Errorf("%s log: %w", kind, err)
	}
	return nil, nil
}

func (l *Layer) effectInstallVirus(tx durable.EffectTx, p *model.Process) ([]Event, error) {
	if err := tx.AppendLog(model.LogEntry{
		LogID:     p.PID,
		Category:  model.LogAction,
		PlayerID:  p.CreatorID,
		TargetID:  p.TargetServerID,
		Message:   "virus installed, yield stream attached",
		CreatedAt: time.Now(),
	}); err != nil {
		return nil, fmt.Errorf("install virus log: %w", err)
	}
	return nil, nil
}

// effectTransferFunds performs the two-entry bank log of spec.md's
// TransferFunds row: debit the source, credit the destination, inside
// one durable transaction so both legs commit or neither does (P6).
func (l *Layer) effectTransferFunds(tx durable.EffectTx, p *model.Process) ([]Event, error) {
	sourceID := p.Payload["source_account_id"]
	destID := p.Payload["dest_account_id"]
	amount := parseMoney(p.Payload["amount"])
	if sourceID == "" || destID == "" || amount <= 0 {
		return nil, fmt.Errorf("transfer funds: invalid payload for %s", p.PID)
	}

	if err := tx.AdjustBalance(sourceID, -amount, p.PID); err != nil {
		return nil, fmt.Errorf("debit %s: %w", sourceID, err)
	}
	if err := tx.AdjustBalance(destID, amount, p.PID); err != nil {
		return nil, fmt.Errorf("credit %s: %w", destID, err)
	}

	return []Event{{
		Channel: fmt.Sprintf("user:%s", p.CreatorID),
		Frame: bus.OutFrame{Type: bus.FrameStatsUpdate, Payload: bus.StatsUpdatePayload{
			Money: moneyPtr(-int64(amount)),
		}},
	}}, nil
}

func parseMoney(raw string) model.Money {
	var v int64
	fmt.Sscanf(raw, "%d", &v)
	return model.Money(v)
}

func moneyPtr(v int64) *int64 { return &v }

// effectDeleteLog tombstones matching log entries rather than
// deleting them, per spec.md's append-only log invariant.
func (l *Layer) effectDeleteLog(tx durable.EffectTx, p *model.Process) ([]Event, error) {
	if err := tx.AppendLog(model.LogEntry{
		LogID:      p.PID,
		Category:   model.LogSecurity,
		PlayerID:   p.CreatorID,
		TargetID:   p.TargetServerID,
		Message:    "log entries tombstoned",
		Tombstoned: true,
		CreatedAt:  time.Now(),
	}); err != nil {
		return nil, fmt.Errorf("tombstone log: %w", err)
	}
	return nil, nil
}

// effectMissionObjective advances a synthetic mission progress counter
// directly (no target interaction), per spec.md's MissionObjective
// row.
func (l *Layer) effectMissionObjective(tx durable.EffectTx, p *model.Process) ([]Event, error) {
	return l.advanceHackServerMission(tx, p)
}

// effectResearch unlocks a blueprint, recorded as an audit log entry
// pending a dedicated blueprint-inventory table.
func (l *Layer) effectResearch(tx durable.EffectTx, p *model.Process) ([]Event, error) {
	if err := tx.AppendLog(model.LogEntry{
		LogID:     p.PID,
		Category:  model.LogAction,
		PlayerID:  p.CreatorID,
		TargetID:  p.TargetServerID,
		Message:   "research complete, blueprint unlocked",
		CreatedAt: time.Now(),
	}); err != nil {
		return nil, fmt.Errorf("research log: %w", err)
	}
	return []Event{{
		Channel: fmt.Sprintf("user:%s", p.CreatorID),
		Frame: bus.OutFrame{Type: bus.FrameNotification, Payload: bus.NotificationPayload{
			Title:   "Research complete",
			Message: "A new blueprint is available",
			Level:   bus.LevelSuccess,
		}},
	}}, nil
}

func (l *Layer) effectInstallFirewall(tx durable.EffectTx, p *model.Process) ([]Event, error) {
	if err := tx.AppendLog(model.LogEntry{
		LogID:     p.PID,
		Category:  model.LogAction,
		PlayerID:  p.CreatorID,
		TargetID:  p.TargetServerID,
		Message:   "firewall level increased",
		CreatedAt: time.Now(),
	}); err != nil {
		return nil, fmt.Errorf("install firewall log: %w", err)
	}
	if err := l.world.AdjustFirewallLevel(p.TargetServerID, 1); err != nil {
		return nil, fmt.Errorf("install firewall: %w", err)
	}
	return nil, nil
}
