// Package db holds all sqlite persistence: agents, sessions, participant
// bindings, and the append-only action log.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/apexgames-io/arbiter/internal/model"
)

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("conflict")
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Agents

func (s *Store) InsertAgent(ctx context.Context, agent model.Agent) error {
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}
	err := retryOnContention(func() error {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO agents(agent_id, bearer_secret, claim_secret, claimed, created_at)
VALUES (?, ?, ?, ?, ?)
`, agent.AgentID, nullableStr(agent.BearerSecret), agent.ClaimSecret, boolToInt(agent.Claimed), ts(agent.CreatedAt))
		return err
	})
	if err != nil {
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

// ClaimAgent installs bearerSecret on an unclaimed agent row whose claim
// secret matches and whose registration is no older than notBefore. The
// UPDATE is the atomicity point: zero rows affected means the claim loses,
// whatever the reason.
func (s *Store) ClaimAgent(ctx context.Context, agentID, claimSecret, bearerSecret string, notBefore time.Time) error {
	agent, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.Claimed || agent.ClaimSecret != claimSecret || agent.CreatedAt.Before(notBefore) {
		return ErrNotFound
	}
	var affected int64
	err = retryOnContention(func() error {
		res, err := s.db.ExecContext(ctx, `
UPDATE agents
SET bearer_secret = ?, claimed = 1
WHERE agent_id = ? AND claimed = 0 AND claim_secret = ?
`, bearerSecret, agentID, claimSecret)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("claim agent: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (model.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT agent_id, bearer_secret, claim_secret, claimed, created_at
FROM agents
WHERE agent_id = ?
`, agentID)
	return scanAgent(row)
}

func (s *Store) GetAgentByBearer(ctx context.Context, bearerSecret string) (model.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT agent_id, bearer_secret, claim_secret, claimed, created_at
FROM agents
WHERE bearer_secret = ? AND claimed = 1
`, bearerSecret)
	return scanAgent(row)
}

func scanAgent(row *sql.Row) (model.Agent, error) {
	var (
		agent        model.Agent
		bearerSecret sql.NullString
		claimed      int
		createdAt    string
	)
	if err := row.Scan(&agent.AgentID, &bearerSecret, &agent.ClaimSecret, &claimed, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Agent{}, ErrNotFound
		}
		return model.Agent{}, fmt.Errorf("scan agent: %w", err)
	}
	if bearerSecret.Valid {
		v := bearerSecret.String
		agent.BearerSecret = &v
	}
	agent.Claimed = claimed == 1
	var err error
	agent.CreatedAt, err = parseTS(createdAt)
	if err != nil {
		return model.Agent{}, fmt.Errorf("parse agent created_at: %w", err)
	}
	return agent, nil
}

// Sessions

// CreateSession inserts the session row and its initial participant
// bindings in one transaction.
func (s *Store) CreateSession(ctx context.Context, session model.Session, participants []model.Participant) error {
	err := retryOnContention(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create session tx: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO sessions(session_id, template, state, status, tick, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, session.SessionID, session.Template, string(session.State), string(session.Status), session.Tick, ts(session.CreatedAt), ts(session.UpdatedAt)); err != nil {
			tx.Rollback() //nolint:errcheck
			return err
		}
		for _, p := range participants {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO participants(session_id, agent_id, role)
VALUES (?, ?, ?)
`, p.SessionID, p.AgentID, p.Role); err != nil {
				tx.Rollback() //nolint:errcheck
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		if isForeignKeyErr(err) {
			return ErrNotFound
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (model.Session, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT session_id, template, state, status, tick, created_at, updated_at
FROM sessions
WHERE session_id = ?
`, sessionID)
	return scanSession(row)
}

func (s *Store) ListSessionsForAgent(ctx context.Context, agentID string) ([]model.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT s.session_id, s.template, s.state, s.status, s.tick, s.created_at, s.updated_at
FROM sessions s
JOIN participants p ON s.session_id = p.session_id
WHERE p.agent_id = ?
ORDER BY s.updated_at DESC, s.session_id ASC
`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list sessions for agent: %w", err)
	}
	defer rows.Close()

	out := make([]model.Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter sessions: %w", err)
	}
	return out, nil
}

// AddParticipant binds an open role and updates the session's status in one
// transaction. A concurrent fill of the same role loses on the
// UNIQUE(session_id, role) constraint.
func (s *Store) AddParticipant(ctx context.Context, p model.Participant, status model.SessionStatus, updatedAt time.Time) error {
	err := retryOnContention(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin join tx: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO participants(session_id, agent_id, role)
VALUES (?, ?, ?)
`, p.SessionID, p.AgentID, p.Role); err != nil {
			tx.Rollback() //nolint:errcheck
			return err
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE sessions SET status = ?, updated_at = ? WHERE session_id = ?
`, string(status), ts(updatedAt), p.SessionID); err != nil {
			tx.Rollback() //nolint:errcheck
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		if isForeignKeyErr(err) {
			return ErrNotFound
		}
		return fmt.Errorf("add participant: %w", err)
	}
	return nil
}

func (s *Store) GetParticipant(ctx context.Context, sessionID, agentID string) (model.Participant, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT session_id, agent_id, role
FROM participants
WHERE session_id = ? AND agent_id = ?
`, sessionID, agentID)
	var p model.Participant
	if err := row.Scan(&p.SessionID, &p.AgentID, &p.Role); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Participant{}, ErrNotFound
		}
		return model.Participant{}, fmt.Errorf("scan participant: %w", err)
	}
	return p, nil
}

func (s *Store) ListParticipants(ctx context.Context, sessionID string) ([]model.Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, agent_id, role
FROM participants
WHERE session_id = ?
ORDER BY role ASC
`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	out := make([]model.Participant, 0)
	for rows.Next() {
		var p model.Participant
		if err := rows.Scan(&p.SessionID, &p.AgentID, &p.Role); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter participants: %w", err)
	}
	return out, nil
}

// ApplyTransition commits one accepted state change: the session row moves
// from oldTick to oldTick+1 and the log entry for oldTick is appended, all
// in one transaction. The WHERE tick = oldTick guard makes a lost update
// impossible even if the caller's lock discipline breaks; zero rows
// affected surfaces as ErrConflict.
func (s *Store) ApplyTransition(ctx context.Context, sessionID string, newState json.RawMessage, oldTick int64, status model.SessionStatus, entry model.ActionEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	var conflict bool
	err := retryOnContention(func() error {
		conflict = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
UPDATE sessions
SET state = ?, tick = tick + 1, status = ?, updated_at = ?
WHERE session_id = ? AND tick = ?
`, string(newState), string(status), ts(entry.CreatedAt), sessionID, oldTick)
		if err != nil {
			tx.Rollback() //nolint:errcheck
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			tx.Rollback() //nolint:errcheck
			return err
		}
		if affected == 0 {
			tx.Rollback() //nolint:errcheck
			conflict = true
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO actions(action_id, session_id, agent_id, role, action, tick, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, entry.ActionID, entry.SessionID, entry.AgentID, entry.Role, entry.Action, entry.Tick, ts(entry.CreatedAt)); err != nil {
			tx.Rollback() //nolint:errcheck
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		if isUniqueErr(err) {
			return ErrConflict
		}
		return fmt.Errorf("apply transition: %w", err)
	}
	if conflict {
		return ErrConflict
	}
	return nil
}

func (s *Store) ListActions(ctx context.Context, sessionID string) ([]model.ActionEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT action_id, session_id, agent_id, role, action, tick, created_at
FROM actions
WHERE session_id = ?
ORDER BY tick ASC
`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	out := make([]model.ActionEntry, 0)
	for rows.Next() {
		var (
			entry     model.ActionEntry
			createdAt string
		)
		if err := rows.Scan(&entry.ActionID, &entry.SessionID, &entry.AgentID, &entry.Role, &entry.Action, &entry.Tick, &createdAt); err != nil {
			return nil, fmt.Errorf("scan action entry: %w", err)
		}
		entry.CreatedAt, err = parseTS(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse action created_at: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter actions: %w", err)
	}
	return out, nil
}

func scanSession(scanner interface{ Scan(dest ...any) error }) (model.Session, error) {
	var (
		session   model.Session
		state     string
		status    string
		createdAt string
		updatedAt string
	)
	if err := scanner.Scan(&session.SessionID, &session.Template, &state, &status, &session.Tick, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Session{}, ErrNotFound
		}
		return model.Session{}, fmt.Errorf("scan session: %w", err)
	}
	session.State = json.RawMessage(state)
	session.Status = model.SessionStatus(status)
	var err error
	session.CreatedAt, err = parseTS(createdAt)
	if err != nil {
		return model.Session{}, fmt.Errorf("parse session created_at: %w", err)
	}
	session.UpdatedAt, err = parseTS(updatedAt)
	if err != nil {
		return model.Session{}, fmt.Errorf("parse session updated_at: %w", err)
	}
	return session, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableStr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

// ts uses a fixed-width fraction so stored timestamps sort lexicographically
// (RFC3339Nano trims trailing zeros, which breaks string ORDER BY).
func ts(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsAny(msg,
		"UNIQUE constraint failed",
		"constraint failed: UNIQUE",
	)
}

func isForeignKeyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsAny(msg,
		"FOREIGN KEY constraint failed",
		"constraint failed: FOREIGN KEY",
	)
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(s, p) {
			return true
		}
	}
	return false
}
