// Engine is the single-writer scheduler of spec.md §5: one goroutine
// drains a command channel, owns the Accountant and Wheel exclusively,
// and is the only writer of Process.State transitions. Every public
// method enqueues a command and blocks on a reply channel — the same
// shape as the teacher's Server.Run() select loop over
// register/unregister/broadcast channels, generalized to a richer
// command set with reply correlation.
package engine

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"hackbackend/internal/clock"
	"hackbackend/internal/durable"
	"hackbackend/internal/effect"
	"hackbackend/internal/metrics"
	"hackbackend/internal/model"
	"hackbackend/internal/processstore"
	"hackbackend/internal/resource"
	"hackbackend/internal/world"

	"github.com/google/uuid"
)

// PublishFunc is the engine's narrow bus capability: forward an
// already-built effect.Event to the hub. Kept as a plain func (rather
// than depending on *bus.Hub directly) so tests can observe published
// events without standing up a real Hub.
type PublishFunc func(effect.Event)

type commandKind int

const (
	cmdStart commandKind = iota
	cmdPause
	cmdResume
	cmdCancel
	cmdTick
)

type command struct {
	kind    commandKind
	pid     string
	start   startArgs
	reply   chan result
}

type startArgs struct {
	creatorID  string
	targetID   string
	action     model.Action
	softwareID string
	payload    map[string]string
	priority   int
	stealth    float64
	request    model.ResourceTriple
}

type result struct {
	pid string
	err error
	p   *model.Process
}

// Engine is the process scheduler.
type Engine struct {
	registry   *Registry
	accountant *resource.Accountant
	wheel      *clock.Wheel
	store      *processstore.Store
	durable    durable.Store
	effects    *effect.Layer
	world      *world.Registry
	publish    PublishFunc

	cmds chan command
	stop chan struct{}
}

// New constructs an Engine. It does not start the run loop; call Run
// in its own goroutine.
func New(
	registry *Registry,
	accountant *resource.Accountant,
	wheel *clock.Wheel,
	store *processstore.Store,
	durableStore durable.Store,
	effects *effect.Layer,
	w *world.Registry,
	publish PublishFunc,
) *Engine {
	return &Engine{
		registry:   registry,
		accountant: accountant,
		wheel:      wheel,
		store:      store,
		durable:    durableStore,
		effects:    effects,
		world:      w,
		publish:    publish,
		cmds:       make(chan command, 64),
		stop:       make(chan struct{}),
	}
}

// Stop terminates the run loop at the next opportunity.
func (e *Engine) Stop() { close(e.stop) }

// Run is the single-writer loop. It must run in exactly one goroutine
// for the lifetime of the Engine.
func (e *Engine) Run(ctx context.Context) {
	detectionTicker := time.NewTicker(detectionTickInterval)
	defer detectionTicker.Stop()

	for {
		wait := 5 * time.Second
		if deadline, ok := e.wheel.NextDeadline(); ok {
			if d := time.Until(deadline); d > 0 {
				wait = d
			} else {
				wait = 0
			}
		}
		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-e.stop:
			timer.Stop()
			return
		case c := <-e.cmds:
			timer.Stop()
			metrics.QueueDepth.Set(float64(len(e.cmds)))
			e.handle(ctx, c)
		case <-e.wheel.Wake():
			timer.Stop()
		case <-detectionTicker.C:
			timer.Stop()
			e.detectionTick(ctx)
		case <-timer.C:
		}

		e.drainTimers(ctx)
	}
}

func (e *Engine) handle(ctx context.Context, c command) {
	switch c.kind {
	case cmdStart:
		p, err := e.doStart(ctx, c.start)
		c.reply <- result{p: p, err: err}
	case cmdPause:
		err := e.doPause(ctx, c.pid, model.PauseManual)
		c.reply <- result{err: err}
	case cmdResume:
		err := e.doResume(ctx, c.pid)
		c.reply <- result{err: err}
	case cmdCancel:
		err := e.doCancel(ctx, c.pid)
		c.reply <- result{err: err}
	}
}

// Start enqueues a new process. Blocking: returns once the engine has
// admitted or rejected it.
func (e *Engine) Start(ctx context.Context, creatorID, targetID string, action model.Action, softwareID string, payload map[string]string, priority int, stealth float64, request model.ResourceTriple) (*model.Process, error) {
	reply := make(chan result, 1)
	e.cmds <- command{kind: cmdStart, start: startArgs{
		creatorID: creatorID, targetID: targetID, action: action, softwareID: softwareID,
		payload: payload, priority: priority, stealth: stealth, request: request,
	}, reply: reply}
	select {
	case r := <-reply:
		return r.p, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pause enqueues a manual pause request for pid.
func (e *Engine) Pause(ctx context.Context, pid string) error {
	return e.syncCommand(ctx, cmdPause, pid)
}

// Resume enqueues a manual resume request for pid.
func (e *Engine) Resume(ctx context.Context, pid string) error {
	return e.syncCommand(ctx, cmdResume, pid)
}

// Cancel enqueues a cancel request for pid.
func (e *Engine) Cancel(ctx context.Context, pid string) error {
	return e.syncCommand(ctx, cmdCancel, pid)
}

func (e *Engine) syncCommand(ctx context.Context, kind commandKind, pid string) error {
	reply := make(chan result, 1)
	e.cmds <- command{kind: kind, pid: pid, reply: reply}
	select {
	case r := <-reply:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) doStart(ctx context.Context, args startArgs) (*model.Process, error) {
	spec, ok := e.registry.Spec(args.action)
	if !ok {
		return nil, fmt.Errorf("unregistered action %q", args.action)
	}

	now := time.Now()
	p := &model.Process{
		PID:            uuid.NewString(),
		CreatorID:      args.creatorID,
		TargetServerID: args.targetID,
		Action:         args.action,
		SoftwareID:     args.softwareID,
		Request:        args.request,
		Priority:       args.priority,
		StealthLevel:   args.stealth,
		Payload:        args.payload,
		State:          model.StatePending,
		CreatedAt:      now,
	}

	if ok, reason := spec.Precondition(e.world, p); !ok {
		p.State = model.StateCompletedFail
		p.FailReason = reason
		p.CompletedAt = now
		e.persist(ctx, p)
		return p, nil
	}

	p.IdealDurationSeconds = spec.Duration(e.world, p)

	admitted, deficit := e.admitWithEviction(ctx, p, now)
	if !admitted {
		p.State = model.StateCompletedFail
		p.FailReason = model.FailNoResources
		p.CompletedAt = now
		e.persist(ctx, p)
		metrics.AdmissionFailuresTotal.WithLabelValues(string(deficit)).Inc()
		metrics.ProcessesCompletedTotal.WithLabelValues(string(p.Action), string(p.State)).Inc()
		return p, nil
	}

	p.State = model.StateRunning
	p.StartTime = now
	p.FirstStartTime = now
	e.persist(ctx, p)
	e.wheel.Schedule(p.ProjectedCompletion(), clock.Key(p.PID))
	return p, nil
}

// admitWithEviction tries TryAdmit; on resource deficit it pauses
// eviction candidates of strictly lower priority than the incoming
// request, lowest priority first and oldest first within a priority
// tier, until admission succeeds or no more candidates remain, per
// spec.md §4.2's admission-time eviction and scenario 2. On failure it
// also returns the dimension of the last deficit.
func (e *Engine) admitWithEviction(ctx context.Context, p *model.Process, now time.Time) (bool, resource.Dimension) {
	res := e.accountant.TryAdmit(p.TargetServerID, p.PID, p.Priority, now, p.Request)
	if res.OK {
		return true, ""
	}
	if res.Dimension == resource.DimensionRAM {
		// RAM deficits can never be resolved by eviction.
		return false, res.Dimension
	}

	candidates := e.accountant.ListByPriority(p.TargetServerID)
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].StartTime.Before(candidates[j].StartTime)
	})
	for _, cand := range candidates {
		if cand.Paused || cand.Priority >= p.Priority {
			continue
		}
		e.pauseForResource(ctx, cand.PID)
		res = e.accountant.TryAdmit(p.TargetServerID, p.PID, p.Priority, now, p.Request)
		if res.OK {
			return true, ""
		}
		if res.Dimension == resource.DimensionRAM {
			return false, res.Dimension
		}
	}
	return false, res.Dimension
}

func (e *Engine) pauseForResource(ctx context.Context, pid string) {
	victim, ok := e.store.Get(pid)
	if !ok || victim.State != model.StateRunning {
		return
	}
	e.transitionToPaused(ctx, victim, model.PauseResource)
}

func (e *Engine) doPause(ctx context.Context, pid string, reason model.PauseReason) error {
	p, ok := e.store.Get(pid)
	if !ok {
		return fmt.Errorf("process %s not found", pid)
	}
	if p.State != model.StateRunning {
		return fmt.Errorf("process %s not running", pid)
	}
	e.transitionToPaused(ctx, p, reason)
	return nil
}

func (e *Engine) transitionToPaused(ctx context.Context, p *model.Process, reason model.PauseReason) {
	now := time.Now()
	worked := p.AccumulatedWorkedSecs + now.Sub(p.StartTime).Seconds()

	next := cloneProcess(p)
	next.AccumulatedWorkedSecs = worked
	next.State = model.StatePaused
	next.PauseReason = reason
	next.AutoResume = reason.AutoResumable()

	e.accountant.MarkPaused(p.TargetServerID, p.PID)
	e.wheel.Cancel(clock.Key(p.PID))
	e.persist(ctx, next)
}

func (e *Engine) doResume(ctx context.Context, pid string) error {
	p, ok := e.store.Get(pid)
	if !ok {
		return fmt.Errorf("process %s not found", pid)
	}
	if p.State != model.StatePaused {
		return fmt.Errorf("process %s not paused", pid)
	}
	res := e.accountant.MarkResumed(p.TargetServerID, p.PID)
	if !res.OK {
		return fmt.Errorf("cannot resume %s: insufficient %s", pid, res.Dimension)
	}
	e.resumeLocked(ctx, p)
	return nil
}

func (e *Engine) resumeLocked(ctx context.Context, p *model.Process) {
	now := time.Now()
	next := cloneProcess(p)
	next.State = model.StateRunning
	next.StartTime = now

	e.persist(ctx, next)
	e.wheel.Schedule(next.ProjectedCompletion(), clock.Key(next.PID))
}

func (e *Engine) doCancel(ctx context.Context, pid string) error {
	p, ok := e.store.Get(pid)
	if !ok {
		return fmt.Errorf("process %s not found", pid)
	}
	if p.State.Terminal() {
		return fmt.Errorf("process %s already terminal", pid)
	}

	now := time.Now()
	worked := p.AccumulatedWorkedSecs
	if p.State == model.StateRunning {
		worked += now.Sub(p.StartTime).Seconds()
	}

	next := cloneProcess(p)
	next.AccumulatedWorkedSecs = worked
	next.State = model.StateCancelled
	next.CompletedAt = now

	e.accountant.Release(p.TargetServerID, p.PID)
	e.wheel.Cancel(clock.Key(p.PID))
	e.persist(ctx, next)
	e.applyTerminalEffect(ctx, next)
	e.tryAutoResume(ctx, p.TargetServerID)
	metrics.ProcessesCompletedTotal.WithLabelValues(string(next.Action), string(next.State)).Inc()
	return nil
}

// drainTimers services every timer the wheel has fired since the last
// pass, completing the corresponding process and then attempting
// auto-resume of any RESOURCE-paused process on the same server, per
// spec.md scenario 2's "New completes -> engine auto-resumes".
func (e *Engine) drainTimers(ctx context.Context) {
	touchedServers := make(map[string]bool)
	for {
		fired, ok := e.wheel.NextFire()
		if !ok {
			break
		}
		pid := string(fired.Key)
		p, ok := e.store.Get(pid)
		if !ok || p.State != model.StateRunning {
			continue
		}
		e.completeProcess(ctx, p)
		touchedServers[p.TargetServerID] = true
	}
	for serverID := range touchedServers {
		e.tryAutoResume(ctx, serverID)
	}
}

func (e *Engine) completeProcess(ctx context.Context, p *model.Process) {
	now := time.Now()
	worked := p.AccumulatedWorkedSecs + now.Sub(p.StartTime).Seconds()

	next := cloneProcess(p)
	next.AccumulatedWorkedSecs = worked
	next.State = model.StateCompletedOK
	next.CompletedAt = now

	e.accountant.Release(p.TargetServerID, p.PID)
	e.persist(ctx, next)
	e.applyTerminalEffect(ctx, next)
	metrics.ProcessesCompletedTotal.WithLabelValues(string(next.Action), string(next.State)).Inc()
}

// tryAutoResume walks serverID's paused-by-resource processes,
// highest priority first, stopping at the first one that fails to
// reclaim capacity rather than letting a lower-priority process behind
// it jump the queue.
func (e *Engine) tryAutoResume(ctx context.Context, serverID string) {
	pids := e.store.ByState(model.StatePaused)
	sort.Strings(pids) // deterministic order before priority sort below

	var onServer []*model.Process
	for _, pid := range pids {
		p, ok := e.store.Get(pid)
		if !ok || p.TargetServerID != serverID || !p.AutoResume {
			continue
		}
		onServer = append(onServer, p)
	}
	sort.Slice(onServer, func(i, j int) bool {
		if onServer[i].Priority != onServer[j].Priority {
			return onServer[i].Priority > onServer[j].Priority
		}
		return onServer[i].FirstStartTime.Before(onServer[j].FirstStartTime)
	})

	for _, p := range onServer {
		res := e.accountant.MarkResumed(serverID, p.PID)
		if !res.OK {
			break
		}
		e.resumeLocked(ctx, p)
	}
}

func (e *Engine) applyTerminalEffect(ctx context.Context, p *model.Process) {
	spec, ok := e.registry.Spec(p.Action)
	kind := ""
	if ok {
		kind = spec.EffectKind
	}
	row := toRow(p)
	events, err := e.effects.Apply(ctx, p, kind, row)
	if err != nil {
		log.Printf("engine: effect apply failed for %s: %v", p.PID, err)
		return
	}
	if e.publish == nil {
		return
	}
	for _, ev := range events {
		e.publish(ev)
	}
}

func (e *Engine) persist(ctx context.Context, p *model.Process) {
	if err := e.store.Put(ctx, p); err != nil {
		log.Printf("engine: persist %s failed: %v", p.PID, err)
	}
}

func cloneProcess(p *model.Process) *model.Process {
	next := *p
	if p.Payload != nil {
		next.Payload = make(map[string]string, len(p.Payload))
		for k, v := range p.Payload {
			next.Payload[k] = v
		}
	}
	return &next
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

// Recover reloads every non-terminal process from the durable store
// and reschedules its completion timer, without extrapolating worked
// time across the crash gap (spec.md §4.3 / P9): a RUNNING process's
// StartTime is reset to now and only its already-accumulated worked
// seconds carry forward, so the timer fires at
// now + (ideal_duration - accumulated_worked_seconds).
func (e *Engine) Recover(ctx context.Context) error {
	rows, err := e.store.LoadFromDurable(ctx)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	now := time.Now()
	for _, p := range rows {
		if p.State == model.StateRunning {
			p.StartTime = now
			e.accountant.TryAdmit(p.TargetServerID, p.PID, p.Priority, now, p.Request)
			e.wheel.Schedule(p.ProjectedCompletion(), clock.Key(p.PID))
		} else if p.State == model.StatePaused {
			e.accountant.TryAdmit(p.TargetServerID, p.PID, p.Priority, now, p.Request)
			e.accountant.MarkPaused(p.TargetServerID, p.PID)
		}
	}
	return nil
}
