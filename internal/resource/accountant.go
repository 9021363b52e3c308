// Package resource implements the per-server CPU/RAM/NET budget and
// admission decisions of spec.md §4.2. The accountant never pauses a
// process on its own: it only reports pressure, leaving eviction
// policy to the engine (spec.md "the accountant does not unilaterally
// pause processes").
//
// The admission outcome vocabulary and the priority-ordered eviction
// list are grounded on the retrieved Tutu-Engine scheduler's
// back-pressure levels and priority queues (internal/infra/scheduler),
// adapted from a 5-tier cluster queue into the strict per-server
// triple budget spec.md requires.
package resource

import (
	"sort"
	"sync"
	"time"

	"hackbackend/internal/model"
)

// Dimension names a single resource axis for an INSUFFICIENT report.
type Dimension string

const (
	DimensionCPU Dimension = "cpu"
	DimensionRAM Dimension = "ram"
	DimensionNET Dimension = "net"
)

// AdmitResult is the outcome of a try_admit call.
type AdmitResult struct {
	OK        bool
	Dimension Dimension
	Deficit   float64
}

// reservation tracks one process's live allocation plus bookkeeping
// needed for priority ordering and pause semantics.
type reservation struct {
	pid       string
	priority  int
	startTime time.Time
	request   model.ResourceTriple
	// paused reservations keep RAM but have CPU/NET released to zero,
	// per spec.md "RAM is treated as non-preemptible".
	paused bool
}

func (r reservation) cpuHeld() float64 {
	if r.paused {
		return 0
	}
	return r.request.CPU
}

func (r reservation) netHeld() float64 {
	if r.paused {
		return 0
	}
	return r.request.NET
}

// serverBooks is the per-server ledger of total capacity and live
// reservations.
type serverBooks struct {
	capacity     model.ResourceTriple
	reservations map[string]*reservation // pid -> reservation
}

// Accountant is a pure function of engine-supplied state: server
// capacities and process reservations. It needs no external locking
// beyond its own mutex (spec.md §5 "the Resource Accountant is a pure
// function of engine state and needs no external locking").
type Accountant struct {
	mu      sync.Mutex
	servers map[string]*serverBooks
}

// New creates an empty Accountant.
func New() *Accountant {
	return &Accountant{servers: make(map[string]*serverBooks)}
}

// SetCapacity registers or updates a server's total budget. Existing
// reservations are left untouched; a capacity shrink below current
// usage is the caller's responsibility to reconcile.
func (a *Accountant) SetCapacity(serverID string, cap model.ResourceTriple) {
	a.mu.Lock()
	defer a.mu.Unlock()
	books := a.booksLocked(serverID)
	books.capacity = cap
}

func (a *Accountant) booksLocked(serverID string) *serverBooks {
	b, ok := a.servers[serverID]
	if !ok {
		b = &serverBooks{reservations: make(map[string]*reservation)}
		a.servers[serverID] = b
	}
	return b
}

// TryAdmit attempts to reserve request on serverID for pid at the
// given priority and startTime. RAM is checked first and, if
// insufficient, the call fails outright — RAM can never be freed by
// eviction because paused processes retain it.
func (a *Accountant) TryAdmit(serverID, pid string, priority int, startTime time.Time, request model.ResourceTriple) AdmitResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	books := a.booksLocked(serverID)
	freeCPU, freeRAM, freeNET := a.freeLocked(books)

	if request.RAM > freeRAM {
		return AdmitResult{OK: false, Dimension: DimensionRAM, Deficit: request.RAM - freeRAM}
	}
	if request.CPU > freeCPU {
		return AdmitResult{OK: false, Dimension: DimensionCPU, Deficit: request.CPU - freeCPU}
	}
	if request.NET > freeNET {
		return AdmitResult{OK: false, Dimension: DimensionNET, Deficit: request.NET - freeNET}
	}

	books.reservations[pid] = &reservation{
		pid:       pid,
		priority:  priority,
		startTime: startTime,
		request:   request,
	}
	return AdmitResult{OK: true}
}

// Release returns pid's reservation on serverID in full, regardless of
// whether it was paused.
func (a *Accountant) Release(serverID, pid string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	books := a.booksLocked(serverID)
	delete(books.reservations, pid)
}

// MarkPaused releases pid's CPU and NET share while retaining its RAM
// reservation, per spec.md's pause accounting.
func (a *Accountant) MarkPaused(serverID, pid string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	books := a.booksLocked(serverID)
	if r, ok := books.reservations[pid]; ok {
		r.paused = true
	}
}

// MarkResumed re-admits pid's CPU and NET share, if available, leaving
// paused=false on success. It fails without mutating state if the
// server cannot currently satisfy the CPU/NET request.
func (a *Accountant) MarkResumed(serverID, pid string) AdmitResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	books := a.booksLocked(serverID)
	r, ok := books.reservations[pid]
	if !ok {
		return AdmitResult{OK: false, Dimension: DimensionCPU}
	}
	freeCPU, _, freeNET := a.freeLocked(books)
	if r.request.CPU > freeCPU {
		return AdmitResult{OK: false, Dimension: DimensionCPU, Deficit: r.request.CPU - freeCPU}
	}
	if r.request.NET > freeNET {
		return AdmitResult{OK: false, Dimension: DimensionNET, Deficit: r.request.NET - freeNET}
	}
	r.paused = false
	return AdmitResult{OK: true}
}

// Free returns the server's current free capacity triple.
func (a *Accountant) Free(serverID string) model.ResourceTriple {
	a.mu.Lock()
	defer a.mu.Unlock()
	books := a.booksLocked(serverID)
	cpu, ram, net := a.freeLocked(books)
	return model.ResourceTriple{CPU: cpu, RAM: ram, NET: net}
}

func (a *Accountant) freeLocked(books *serverBooks) (cpu, ram, net float64) {
	cpu, ram, net = books.capacity.CPU, books.capacity.RAM, books.capacity.NET
	for _, r := range books.reservations {
		cpu -= r.cpuHeld()
		ram -= r.request.RAM // RAM always held, paused or not
		net -= r.netHeld()
	}
	return
}

// PriorityEntry is one row of ListByPriority's eviction-order output.
type PriorityEntry struct {
	PID       string
	Priority  int
	Paused    bool
	StartTime time.Time
}

// ListByPriority returns every non-terminal process on serverID
// ordered by (priority desc, start_time asc) — the eviction order of
// spec.md §4.2.
func (a *Accountant) ListByPriority(serverID string) []PriorityEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	books := a.booksLocked(serverID)

	entries := make([]PriorityEntry, 0, len(books.reservations))
	for pid, r := range books.reservations {
		entries = append(entries, PriorityEntry{PID: pid, Priority: r.priority, Paused: r.paused, StartTime: r.startTime})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority > entries[j].Priority
		}
		return entries[i].StartTime.Before(entries[j].StartTime)
	})
	return entries
}

// Reservation reports whether pid currently holds any reservation on
// serverID and its request triple, for diagnostics and snapshotting.
func (a *Accountant) Reservation(serverID, pid string) (model.ResourceTriple, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	books := a.booksLocked(serverID)
	r, ok := books.reservations[pid]
	if !ok {
		return model.ResourceTriple{}, false
	}
	return r.request, true
}
