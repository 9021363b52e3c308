// Package pgstore is the PostgreSQL-backed durable.Store used in
// production, selected via DB_TYPE=postgres exactly as the teacher's
// internal/database.initializePostgreSQL switches on cfg.DBType.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"hackbackend/internal/auth"
	"hackbackend/internal/durable"
	"hackbackend/internal/model"
)

// Config is the connection parameter set, mirroring the teacher's
// Config.GetConnectionString fields.
type Config struct {
	Host     string
	Port     int
	DBName   string
	User     string
	Password string
	SSLMode  string
}

func (c Config) connString() string {
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.DBName, c.User, c.Password, sslmode)
}

// Store is a durable.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open opens a PostgreSQL connection pool and ensures the schema
// exists.
func Open(cfg Config, maxOpen, maxIdle int) (*Store, error) {
	db, err := sql.Open("postgres", cfg.connString())
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)

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
			cpu_req DOUBLE PRECISION NOT NULL,
			ram_req DOUBLE PRECISION NOT NULL,
			net_req DOUBLE PRECISION NOT NULL,
			start_time TIMESTAMPTZ NOT NULL,
			ideal_duration_seconds DOUBLE PRECISION NOT NULL,
			accumulated_worked_seconds DOUBLE PRECISION NOT NULL,
			state TEXT NOT NULL,
			fail_reason TEXT,
			priority INTEGER NOT NULL,
			stealth_level DOUBLE PRECISION NOT NULL,
			parent_pid TEXT,
			payload JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_processes_state ON processes(state)`,
		`CREATE TABLE IF NOT EXISTS bank_accounts (
			account_id TEXT PRIMARY KEY,
			owner_player_id TEXT NOT NULL,
			balance BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS bank_transactions (
			transaction_id TEXT PRIMARY KEY,
			transfer_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			amount BIGINT NOT NULL,
			fee BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS mission_progress (
			player_id TEXT NOT NULL,
			mission_key TEXT NOT NULL,
			objective_index INTEGER NOT NULL,
			completed INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (player_id, mission_key, objective_index)
		)`,
		`CREATE TABLE IF NOT EXISTS logs (
			log_id TEXT PRIMARY KEY,
			category TEXT NOT NULL,
			player_id TEXT NOT NULL,
			target_id TEXT,
			message TEXT,
			tombstoned BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS applied_effects (
			pid TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL
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

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *Store) Close() error                   { return s.db.Close() }

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
		var softwareID, failReason, parentPID sql.NullString
		var payload []byte
		if err := rows.Scan(&r.PID, &r.CreatorID, &r.TargetServerID, &r.Action, &softwareID,
			&r.Request.CPU, &r.Request.RAM, &r.Request.NET, &r.StartTime, &r.IdealDurationSeconds,
			&r.AccumulatedWorkedSecs, &r.State, &failReason, &r.Priority, &r.StealthLevel,
			&parentPID, &payload); err != nil {
			return nil, fmt.Errorf("scan process row: %w", err)
		}
		r.SoftwareID = softwareID.String
		r.FailReason = model.FailReason(failReason.String)
		r.ParentPID = parentPID.String
		if len(payload) > 0 {
			_ = json.Unmarshal(payload, &r.Payload)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

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
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (pid) DO UPDATE SET
			state = EXCLUDED.state,
			fail_reason = EXCLUDED.fail_reason,
			start_time = EXCLUDED.start_time,
			accumulated_worked_seconds = EXCLUDED.accumulated_worked_seconds,
			cpu_req = EXCLUDED.cpu_req,
			ram_req = EXCLUDED.ram_req,
			net_req = EXCLUDED.net_req`,
		row.PID, row.CreatorID, row.TargetServerID, row.Action, row.SoftwareID,
		row.Request.CPU, row.Request.RAM, row.Request.NET, row.StartTime, row.IdealDurationSeconds,
		row.AccumulatedWorkedSecs, row.State, string(row.FailReason), row.Priority, row.StealthLevel,
		row.ParentPID, payload)
	if err != nil {
		return fmt.Errorf("upsert process %s: %w", row.PID, err)
	}
	return nil
}

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
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (pid) DO UPDATE SET
			state = EXCLUDED.state,
			fail_reason = EXCLUDED.fail_reason,
			accumulated_worked_seconds = EXCLUDED.accumulated_worked_seconds`,
		row.PID, row.CreatorID, row.TargetServerID, row.Action, row.SoftwareID,
		row.Request.CPU, row.Request.RAM, row.Request.NET, row.StartTime, row.IdealDurationSeconds,
		row.AccumulatedWorkedSecs, row.State, string(row.FailReason), row.Priority, row.StealthLevel,
		row.ParentPID, payload)
	if err != nil {
		return fmt.Errorf("commit terminal process %s: %w", row.PID, err)
	}
	return nil
}

func (e *effectTx) AdjustBalance(accountID string, delta model.Money, transferID string) error {
	res, err := e.tx.ExecContext(e.ctx, `UPDATE bank_accounts SET balance = balance + $1 WHERE account_id = $2`, int64(delta), accountID)
	if err != nil {
		return fmt.Errorf("adjust balance %s: %w", accountID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := e.tx.ExecContext(e.ctx, `INSERT INTO bank_accounts (account_id, owner_player_id, balance) VALUES ($1, '', $2)`, accountID, int64(delta)); err != nil {
			return fmt.Errorf("seed account %s: %w", accountID, err)
		}
	}
	var balance int64
	if err := e.tx.QueryRowContext(e.ctx, `SELECT balance FROM bank_accounts WHERE account_id = $1`, accountID).Scan(&balance); err != nil {
		return fmt.Errorf("read balance %s: %w", accountID, err)
	}
	if balance < 0 {
		return fmt.Errorf("account %s would go negative without overdraft", accountID)
	}
	_, err = e.tx.ExecContext(e.ctx, `
		INSERT INTO bank_transactions (transaction_id, transfer_id, account_id, amount, fee, created_at)
		VALUES ($1, $2, $3, $4, 0, $5)`,
		fmt.Sprintf("%s:%s", transferID, accountID), transferID, accountID, int64(delta), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append bank transaction: %w", err)
	}
	return nil
}

func (e *effectTx) AdvanceMissionObjective(playerID, missionKey string, objectiveIndex, delta int) error {
	_, err := e.tx.ExecContext(e.ctx, `
		INSERT INTO mission_progress (player_id, mission_key, objective_index, completed)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (player_id, mission_key, objective_index) DO UPDATE SET
			completed = mission_progress.completed + EXCLUDED.completed`,
		playerID, missionKey, objectiveIndex, delta)
	if err != nil {
		return fmt.Errorf("advance mission objective: %w", err)
	}
	return nil
}

func (e *effectTx) AppendLog(entry model.LogEntry) error {
	_, err := e.tx.ExecContext(e.ctx, `
		INSERT INTO logs (log_id, category, player_id, target_id, message, tombstoned, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.LogID, string(entry.Category), entry.PlayerID, entry.TargetID, entry.Message,
		entry.Tombstoned, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

func (e *effectTx) AlreadyApplied(pid string) (bool, error) {
	var seen string
	err := e.tx.QueryRowContext(e.ctx, `SELECT pid FROM applied_effects WHERE pid = $1`, pid).Scan(&seen)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check applied effects: %w", err)
	}
	return true, nil
}

func (e *effectTx) MarkApplied(pid string) error {
	_, err := e.tx.ExecContext(e.ctx, `INSERT INTO applied_effects (pid, applied_at) VALUES ($1, $2)
		ON CONFLICT (pid) DO NOTHING`, pid, time.Now().UTC())
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
	err := s.db.QueryRow(`SELECT player_id, password_hash, totp_secret FROM credentials WHERE login = $1`, login).
		Scan(&c.PlayerID, &c.PasswordHash, &c.TOTPSecret)
	if err != nil {
		return auth.Credential{}, fmt.Errorf("credential for %s: %w", login, err)
	}
	return c, nil
}

// SetTOTPSecret implements auth.CredentialStore.
func (s *Store) SetTOTPSecret(playerID, secret string) error {
	_, err := s.db.Exec(`UPDATE credentials SET totp_secret = $1 WHERE player_id = $2`, secret, playerID)
	if err != nil {
		return fmt.Errorf("set totp secret for %s: %w", playerID, err)
	}
	return nil
}

// CreateCredential inserts a new login/password pair.
func (s *Store) CreateCredential(playerID, login, passwordHash string) error {
	_, err := s.db.Exec(`INSERT INTO credentials (player_id, login, password_hash) VALUES ($1, $2, $3)`,
		playerID, login, passwordHash)
	if err != nil {
		return fmt.Errorf("create credential for %s: %w", login, err)
	}
	return nil
}
