// Package durable is the write-through boundary between in-memory
// engine state and persistent storage. It mirrors the teacher's
// internal/database package (a single DB-type switch selecting SQLite
// or PostgreSQL at Initialize time) but speaks in terms of the
// process/effect vocabulary of spec.md §4.3 and §4.5 instead of rooms.
package durable

import (
	"context"
	"time"

	"hackbackend/internal/model"
)

// ProcessRow is the durable column set for a Process, per spec.md §3's
// "all state-machine columns".
type ProcessRow struct {
	PID                   string
	CreatorID             string
	TargetServerID        string
	Action                model.Action
	SoftwareID            string
	Request               model.ResourceTriple
	StartTime             time.Time
	IdealDurationSeconds  float64
	AccumulatedWorkedSecs float64
	State                 model.State
	FailReason            model.FailReason
	Priority              int
	StealthLevel          float64
	ParentPID             string
	Payload               map[string]string
}

// EffectTx is one atomic write unit handed to the Effect Layer. All
// methods called on an EffectTx either all take effect on Commit or
// none do on Rollback.
type EffectTx interface {
	// CommitProcessTerminal writes the terminal process row.
	CommitProcessTerminal(row ProcessRow) error
	// AdjustBalance mutates a bank account balance by delta (may be
	// negative) and appends a linked BankTransaction.
	AdjustBalance(accountID string, delta model.Money, transferID string) error
	// AdvanceMissionObjective adds delta to a user mission's objective
	// counter. It does not change the mission's status, even when every
	// objective is now met.
	AdvanceMissionObjective(playerID, missionKey string, objectiveIndex, delta int) error
	// AppendLog appends one immutable audit record.
	AppendLog(entry model.LogEntry) error
	// AlreadyApplied reports whether effects for pid were already
	// committed by a prior attempt, for idempotent replay after crash
	// recovery (spec.md §4.5).
	AlreadyApplied(pid string) (bool, error)
	// MarkApplied records that pid's effects have now been applied,
	// inside the same transaction as the mutations above.
	MarkApplied(pid string) error

	Commit() error
	Rollback() error
}

// Store is the narrow capability interface the Process Store and
// Effect Layer depend on. Concrete implementations are sqlitestore
// (dev, mattn/go-sqlite3) and pgstore (production, lib/pq), selected
// by DB_TYPE exactly as the teacher's database.Initialize switches.
type Store interface {
	// LoadNonTerminal returns every process not yet in a terminal
	// state, for crash recovery (spec.md §4.3).
	LoadNonTerminal(ctx context.Context) ([]ProcessRow, error)
	// UpsertProcess write-throughs a non-terminal process mutation.
	UpsertProcess(ctx context.Context, row ProcessRow) error
	// BeginEffectTx starts one atomic transaction for the Effect
	// Layer's terminal-transition write.
	BeginEffectTx(ctx context.Context) (EffectTx, error)
	// Ping verifies connectivity.
	Ping(ctx context.Context) error
	// Close releases underlying resources.
	Close() error
}
