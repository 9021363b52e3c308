// Package sqlitestore is the SQLite-backed durable.Store used for
// local development and tests. Grounded on the teacher's
// internal/database.initializeSQLite: same PRAGMA foreign_keys /
// journal_mode=WAL setup, same "ensure data dir exists" step before
// opening the file.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"hackbackend/internal/auth"
	"hackbackend/internal/durable"
	"hackbackend/internal/model"
)

// Store is a durable.Store backed by a single SQLite file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at path and
// ensures the schema exists.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processes (
			pid TEXT PRIMARY KEY,
			creator_id TEXT NOT NULL,
			target_server_id TEXT NOT NULL,
			action TEXT NOT NULL,
			software_id TEXT,
			cpu_req REAL NOT NULL,
			ram_req REAL NOT NULL,
			net_req REAL NOT NULL,
			start_time TIMESTAMP NOT NULL,
			ideal_duration_seconds REAL NOT NULL,
			accumulated_worked_seconds REAL NOT NULL,
			state TEXT NOT NULL,
			fail_reason TEXT,
			priority INTEGER NOT NULL,
			stealth_level REAL NOT NULL,
			parent_pid TEXT,
			payload TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_processes_state ON processes(state)`,
		`CREATE INDEX IF NOT EXISTS idx_processes_creator ON processes(creator_id)`,
		`CREATE INDEX IF NOT EXISTS idx_processes_target ON processes(target_server_id)`,
		`CREATE TABLE IF NOT EXISTS bank_accounts (
			account_id TEXT PRIMARY KEY,
			owner_player_id TEXT NOT NULL,
			balance INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS bank_transactions (
			transaction_id TEXT PRIMARY KEY,
			transfer_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			amount INTEGER NOT NULL,
			fee INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS mission_progress (
			player_id TEXT NOT NULL,
			mission_key TEXT NOT NULL,
			objective_index INTEGER NOT NULL,
			completed INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (player_id, mission_key, objective_index)
		)`,
		`CREATE TABLE IF NOT EXISTS user_missions (
			user_mission_id TEXT PRIMARY KEY,
			player_id TEXT NOT NULL,
			mission_key TEXT NOT NULL,
			status TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS logs (
			log_id TEXT PRIMARY KEY,
			category TEXT NOT NULL,
			player_id TEXT NOT NULL,
			target_id TEXT,
			message TEXT,
			tombstoned INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_player ON logs(player_id)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_target ON logs(target_id)`,
		`CREATE TABLE IF NOT EXISTS applied_effects (
			pid TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS credentials (
			player_id TEXT PRIMARY KEY,
			login TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			totp_secret TEXT NOT NULL DEFAULT ''
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Ping verifies the underlying connection is alive.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close releases the underlying *sql.DB.
func (s *Store) Close() error { return s.db.Close() }

// LoadNonTerminal returns every process row not in a terminal state,
// used to rebuild in-memory state after a restart (spec.md §4.3).
func (s *Store) LoadNonTerminal(ctx context.Context) ([]durable.ProcessRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pid, creator_id, target_server_id, action, software_id,
		       cpu_req, ram_req, net_req, start_time, ideal_duration_seconds,
		       accumulated_worked_seconds, state, fail_reason, priority,
		       stealth_level, parent_pid, payload
		FROM processes
		WHERE state NOT IN ('COMPLETED_OK', 'COMPLETED_FAIL', 'CANCELLED')`)
	if err != nil {
		return nil, fmt.Errorf("load non-terminal processes: %w", err)
	}
	defer rows.Close()

	var out []durable.ProcessRow
	for rows.Next() {
		var r durable.ProcessRow
		var softwareID, failReason, parentPID, payload sql.NullString
		if err := rows.Scan(&r.PID, &r.CreatorID, &r.TargetServerID, &r.Action, &softwareID,
			&r.Request.CPU, &r.Request.RAM, &r.Request.NET, &r.StartTime, &r.IdealDurationSeconds,
			&r.AccumulatedWorkedSecs, &r.State, &failReason, &r.Priority, &r.StealthLevel,
			&parentPID, &payload); err != nil {
			return nil, fmt.Errorf("scan process row: %w", err)
		}
		r.SoftwareID = softwareID.String
		r.FailReason = model.FailReason(failReason.String)
		r.ParentPID = parentPID.String
		if payload.Valid && payload.String != "" {
			_ = json.Unmarshal([]byte(payload.String), &r.Payload)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertProcess write-throughs a process mutation, terminal or not.
func (s *Store) UpsertProcess(ctx context.Context, row durable.ProcessRow) error {
	payload, err := json.Marshal(row.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO processes (pid, creator_id, target_server_id, action, software_id,
			cpu_req, ram_req, net_req, start_time, ideal_duration_seconds,
			accumulated_worked_seconds, state, fail_reason, priority, stealth_level,
			parent_pid, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pid) DO UPDATE SET
			state = excluded.state,
			fail_reason = excluded.fail_reason,
			start_time = excluded.start_time,
			accumulated_worked_seconds = excluded.accumulated_worked_seconds,
			cpu_req = excluded.cpu_req,
			ram_req = excluded.ram_req,
			net_req = excluded.net_req`,
		row.PID, row.CreatorID, row.TargetServerID, row.Action, row.SoftwareID,
		row.Request.CPU, row.Request.RAM, row.Request.NET, row.StartTime, row.IdealDurationSeconds,
		row.AccumulatedWorkedSecs, row.State, string(row.FailReason), row.Priority, row.StealthLevel,
		row.ParentPID, string(payload))
	if err != nil {
		return fmt.Errorf("upsert process %s: %w", row.PID, err)
	}
	return nil
}

// BeginEffectTx starts a SQL transaction wrapped as a durable.EffectTx.
func (s *Store) BeginEffectTx(ctx context.Context) (durable.EffectTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin effect tx: %w", err)
	}
	return &effectTx{tx: tx, ctx: ctx}, nil
}

type effectTx struct {
	tx  *sql.Tx
	ctx context.Context
}

func (e *effectTx) CommitProcessTerminal(row durable.ProcessRow) error {
	payload, err := json.Marshal(row.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = e.tx.ExecContext(e.ctx, `
		INSERT INTO processes (pid, creator_id, target_server_id, action, software_id,
			cpu_req, ram_req, net_req, start_time, ideal_duration_seconds,
			accumulated_worked_seconds, state, fail_reason, priority, stealth_level,
			parent_pid, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pid) DO UPDATE SET
			state = excluded.state,
			fail_reason = excluded.fail_reason,
			accumulated_worked_seconds = excluded.accumulated_worked_seconds`,
		row.PID, row.CreatorID, row.TargetServerID, row.Action, row.SoftwareID,
		row.Request.CPU, row.Request.RAM, row.Request.NET, row.StartTime, row.IdealDurationSeconds,
		row.AccumulatedWorkedSecs, row.State, string(row.FailReason), row.Priority, row.StealthLevel,
		row.ParentPID, string(payload))
	if err != nil {
		return fmt.Errorf("commit terminal process %s: %w", row.PID, err)
	}
	return nil
}

func (e *effectTx) AdjustBalance(accountID string, delta model.Money, transferID string) error {
	res, err := e.tx.ExecContext(e.ctx, `UPDATE bank_accounts SET balance = balance + ? WHERE account_id = ?`, int64(delta), accountID)
	if err != nil {
		return fmt.Errorf("adjust balance %s: %w", accountID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := e.tx.ExecContext(e.ctx, `INSERT INTO bank_accounts (account_id, owner_player_id, balance) VALUES (?, '', ?)`, accountID, int64(delta)); err != nil {
			return fmt.Errorf("seed account %s: %w", accountID, err)
		}
	}
	var balance int64
	if err := e.tx.QueryRowContext(e.ctx, `SELECT balance FROM bank_accounts WHERE account_id = ?`, accountID).Scan(&balance); err != nil {
		return fmt.Errorf("read balance %s: %w", accountID, err)
	}
	if balance < 0 {
		return fmt.Errorf("account %s would go negative without overdraft", accountID)
	}
	_, err = e.tx.ExecContext(e.ctx, `
		INSERT INTO bank_transactions (transaction_id, transfer_id, account_id, amount, fee, created_at)
		VALUES (?, ?, ?, ?, 0, ?)`,
		fmt.Sprintf("%s:%s", transferID, accountID), transferID, accountID, int64(delta), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append bank transaction: %w", err)
	}
	return nil
}

func (e *effectTx) AdvanceMissionObjective(playerID, missionKey string, objectiveIndex, delta int) error {
	_, err := e.tx.ExecContext(e.ctx, `
		INSERT INTO mission_progress (player_id, mission_key, objective_index, completed)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(player_id, mission_key, objective_index) DO UPDATE SET
			completed = completed + excluded.completed`,
		playerID, missionKey, objectiveIndex, delta)
	if err != nil {
		return fmt.Errorf("advance mission objective: %w", err)
	}
	return nil
}

func (e *effectTx) AppendLog(entry model.LogEntry) error {
	_, err := e.tx.ExecContext(e.ctx, `
		INSERT INTO logs (log_id, category, player_id, target_id, message, tombstoned, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.LogID, string(entry.Category), entry.PlayerID, entry.TargetID, entry.Message,
		boolToInt(entry.Tombstoned), entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

func (e *effectTx) AlreadyApplied(pid string) (bool, error) {
	var seen string
	err := e.tx.QueryRowContext(e.ctx, `SELECT pid FROM applied_effects WHERE pid = ?`, pid).Scan(&seen)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check applied effects: %w", err)
	}
	return true, nil
}

func (e *effectTx) MarkApplied(pid string) error {
	_, err := e.tx.ExecContext(e.ctx, `INSERT INTO applied_effects (pid, applied_at) VALUES (?, ?)
		ON CONFLICT(pid) DO NOTHING`, pid, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark applied: %w", err)
	}
	return nil
}

func (e *effectTx) Commit() error   { return e.tx.Commit() }
func (e *effectTx) Rollback() error { return e.tx.Rollback() }

// CredentialByLogin implements auth.CredentialStore.
func (s *Store) CredentialByLogin(login string) (auth.Credential, error) {
	var c auth.Credential
	err := s.db.QueryRow(`SELECT player_id, password_hash, totp_secret FROM credentials WHERE login = ?`, login).
		Scan(&c.PlayerID, &c.PasswordHash, &c.TOTPSecret)
	if err != nil {
		return auth.Credential{}, fmt.Errorf("credential for %s: %w", login, err)
	}
	return c, nil
}

// SetTOTPSecret implements auth.CredentialStore.
func (s *Store) SetTOTPSecret(playerID, secret string) error {
	_, err := s.db.Exec(`UPDATE credentials SET totp_secret = ? WHERE player_id = ?`, secret, playerID)
	if err != nil {
		return fmt.Errorf("set totp secret for %s: %w", playerID, err)
	}
	return nil
}

// CreateCredential inserts a new login/password pair, used by account
// registration.
func (s *Store) CreateCredential(playerID, login, passwordHash string) error {
	_, err := s.db.Exec(`INSERT INTO credentials (player_id, login, password_hash) VALUES (?, ?, ?)`,
		playerID, login, passwordHash)
	if err != nil {
		return fmt.Errorf("create credential for %s: %w", login, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
