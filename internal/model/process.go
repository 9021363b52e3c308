package model

import "time"

// State is a Process's position in the state machine of spec.md §4.4.
type State string

const (
	StatePending        State = "PENDING"
	StateRunning        State = "RUNNING"
	StatePaused         State = "PAUSED"
	StateCompletedOK    State = "COMPLETED_OK"
	StateCompletedFail  State = "COMPLETED_FAIL"
	StateCancelled      State = "CANCELLED"
)

// Terminal reports whether no further transitions are permitted.
func (s State) Terminal() bool {
	switch s {
	case StateCompletedOK, StateCompletedFail, StateCancelled:
		return true
	}
	return false
}

// Action is the taxonomy of process actions from spec.md §4.4 plus the
// Research and InstallFirewall supplements.
type Action string

const (
	ActionPortScan        Action = "PortScan"
	ActionCrack           Action = "Crack"
	ActionDownload        Action = "Download"
	ActionUpload          Action = "Upload"
	ActionInstallVirus    Action = "InstallVirus"
	ActionTransferFunds   Action = "TransferFunds"
	ActionDeleteLog       Action = "DeleteLog"
	ActionMissionObjective Action = "MissionObjective"
	ActionResearch        Action = "Research"
	ActionInstallFirewall Action = "InstallFirewall"
)

// FailReason classifies a COMPLETED_FAIL terminal state. Fatal reasons
// can never be retried by the creator; retryable ones can.
type FailReason string

const (
	FailNone                   FailReason = ""
	FailNoResources            FailReason = "NoResources"
	FailInvalidState           FailReason = "InvalidState"
	FailTargetGone             FailReason = "TargetGone"
	FailSoftwareUninstalled    FailReason = "SoftwareUninstalled"
	FailPasswordChanged        FailReason = "PasswordChanged"
	FailTransientNetwork       FailReason = "TransientNetwork"
	FailDurableStoreUnavailable FailReason = "DurableStoreUnavailable"
)

// Fatal reports whether a FailReason can never be resolved by simply
// re-issuing the same Start command.
func (r FailReason) Fatal() bool {
	switch r {
	case FailInvalidState, FailTargetGone, FailSoftwareUninstalled:
		return true
	}
	return false
}

// PauseReason records why a RUNNING process was paused, which governs
// whether the engine will auto-resume it later.
type PauseReason string

const (
	PauseManual   PauseReason = "MANUAL"
	PauseSecurity PauseReason = "SECURITY"
	PauseResource PauseReason = "RESOURCE"
)

// AutoResumable reports whether the engine may resume this pause
// without an explicit Resume command.
func (r PauseReason) AutoResumable() bool {
	return r == PauseResource
}

// Process is a scheduled long-running game action. The engine is the
// exclusive writer of State, AccumulatedWorkedSeconds, and the
// resource reservation for the lifetime of a non-terminal process.
type Process struct {
	PID           string
	CreatorID     string
	TargetServerID string
	Action        Action
	SoftwareID    string
	Request       ResourceTriple

	StartTime              time.Time // instant the current RUNNING run began
	FirstStartTime         time.Time // instant PENDING -> RUNNING first happened
	IdealDurationSeconds   float64
	AccumulatedWorkedSecs  float64

	State       State
	FailReason  FailReason
	PauseReason PauseReason
	AutoResume  bool

	ParentPID      string
	Priority       int // 1..10
	StealthLevel   float64
	DetectionRisk  float64

	Payload map[string]string

	CreatedAt   time.Time
	CompletedAt time.Time
}

// Progress is the derived 0..1 completion fraction, per spec.md's
// "progress = min(1, accumulated_worked_seconds / ideal_duration)".
func (p *Process) Progress() float64 {
	if p.IdealDurationSeconds <= 0 {
		return 1
	}
	frac := p.AccumulatedWorkedSecs / p.IdealDurationSeconds
	if frac > 1 {
		return 1
	}
	if frac < 0 {
		return 0
	}
	return frac
}

// SecondsRemaining returns the estimated wall-clock seconds left on a
// RUNNING process; for any other state it returns the ideal duration
// minus the stored worked seconds (floored at 0).
func (p *Process) SecondsRemaining(now time.Time) float64 {
	if p.State != StateRunning {
		remaining := p.IdealDurationSeconds - p.AccumulatedWorkedSecs
		if remaining < 0 {
			remaining = 0
		}
		return remaining
	}
	worked := p.AccumulatedWorkedSecs + now.Sub(p.StartTime).Seconds()
	remaining := p.IdealDurationSeconds - worked
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// ProjectedCompletion returns the instant a RUNNING process is
// expected to finish, used as the timer wheel's fire time.
func (p *Process) ProjectedCompletion() time.Time {
	remaining := p.IdealDurationSeconds - p.AccumulatedWorkedSecs
	if remaining < 0 {
		remaining = 0
	}
	return p.StartTime.Add(time.Duration(remaining * float64(time.Second)))
}

// Snapshot is the wire-shape for GET /processes/active per spec.md §6.
type Snapshot struct {
	PID             string  `json:"pid"`
	Action          Action  `json:"action"`
	TargetIP        string  `json:"target_ip"`
	State           State   `json:"state"`
	Progress        float64 `json:"progress"`
	SecondsRemaining float64 `json:"seconds_remaining"`
	CPUShare        float64 `json:"cpu_share"`
	NetShare        float64 `json:"net_share"`
	RAMShare        float64 `json:"ram_share"`
	Priority        int     `json:"priority"`
}
