// Package sqlite provides a SessionStore backed by database/sql, ported
// through sqlx for its Rebind-based portability between SQLite and
// Postgres placeholder styles. Grounded on
// apps/backend/internal/task/repository/sqlite/session.go's
// query/scan/JSON-column conventions.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver for Postgres mode

	coreerrors "github.com/kandev/kandev/internal/core/errors"
	"github.com/kandev/kandev/internal/core/model"
)

// Schema is the DDL for the sessions table (spec §6), including the
// indexes the Reconciler's stale/expired queries rely on.
const Schema = `
CREATE TABLE IF NOT EXISTS sessions (
	thread_id            TEXT PRIMARY KEY,
	channel_id           TEXT NOT NULL,
	guild_id             TEXT NOT NULL,
	sandbox_id           TEXT NOT NULL DEFAULT '',
	agent_session_id     TEXT NOT NULL DEFAULT '',
	preview_url          TEXT NOT NULL DEFAULT '',
	preview_token        TEXT,
	session_title        TEXT NOT NULL DEFAULT '',
	status               TEXT NOT NULL CHECK (status IN
		('creating','active','pausing','paused','resuming','destroying','destroyed','error')),
	last_activity        TIMESTAMP NOT NULL,
	pause_requested_at   TIMESTAMP,
	paused_at            TIMESTAMP,
	resume_attempted_at  TIMESTAMP,
	resumed_at           TIMESTAMP,
	destroyed_at         TIMESTAMP,
	last_health_ok_at    TIMESTAMP,
	last_error           TEXT,
	resume_fail_count    INTEGER NOT NULL DEFAULT 0,
	created_at           TIMESTAMP NOT NULL,
	updated_at           TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_status_last_activity ON sessions (status, last_activity);
CREATE INDEX IF NOT EXISTS idx_sessions_status_updated_at ON sessions (status, updated_at);

CREATE TABLE IF NOT EXISTS offsets (
	source_id      TEXT PRIMARY KEY,
	last_message_id TEXT NOT NULL,
	updated_at     TIMESTAMP NOT NULL
);
`

// Store is a sqlx-backed SessionStore.
type Store struct {
	db *sqlx.DB
}

// Open opens the database and applies the schema. driver is
// either "sqlite3" or "pgx" (see internal/db/dialect-style portability);
// dsn is the driver-appropriate connection string.
func Open(driver, dsn string) (*Store, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: open %s: %w", driver, err)
	}
	if driver == "sqlite3" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	if _, err := db.Exec(db.Rebind(Schema)); err != nil {
		db.Close()
		return nil, fmt.Errorf("sessionstore: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an already-open sqlx.DB (schema must already be applied).
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Exec runs an arbitrary statement against the underlying database,
// rebinding placeholders for the active driver. Exposed for maintenance
// tasks and reconciler-adjacent tooling that needs raw SQL outside the
// Store interface's typed methods.
func (s *Store) Exec(query string, args ...any) error {
	_, err := s.db.Exec(s.db.Rebind(query), args...)
	return err
}

type row struct {
	ThreadID          string         `db:"thread_id"`
	ChannelID         string         `db:"channel_id"`
	GuildID           string         `db:"guild_id"`
	SandboxID         string         `db:"sandbox_id"`
	AgentSessionID    string         `db:"agent_session_id"`
	PreviewURL        string         `db:"preview_url"`
	PreviewToken      sql.NullString `db:"preview_token"`
	SessionTitle      string         `db:"session_title"`
	Status            string         `db:"status"`
	LastActivity      time.Time      `db:"last_activity"`
	PauseRequestedAt  sql.NullTime   `db:"pause_requested_at"`
	PausedAt          sql.NullTime   `db:"paused_at"`
	ResumeAttemptedAt sql.NullTime   `db:"resume_attempted_at"`
	ResumedAt         sql.NullTime   `db:"resumed_at"`
	DestroyedAt       sql.NullTime   `db:"destroyed_at"`
	LastHealthOkAt    sql.NullTime   `db:"last_health_ok_at"`
	LastError         sql.NullString `db:"last_error"`
	ResumeFailCount   int            `db:"resume_fail_count"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

func toRow(r *model.SessionRecord) row {
	out := row{
		ThreadID:        r.ThreadID,
		ChannelID:       r.ChannelID,
		GuildID:         r.GuildID,
		SandboxID:       r.SandboxID,
		AgentSessionID:  r.AgentSessionID,
		PreviewURL:      r.PreviewURL,
		SessionTitle:    r.SessionTitle,
		Status:          string(r.Status),
		LastActivity:    r.LastActivity,
		ResumeFailCount: r.ResumeFailCount,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.PreviewToken != "" {
		out.PreviewToken = sql.NullString{String: r.PreviewToken, Valid: true}
	}
	out.PauseRequestedAt = nullTime(r.PauseRequestedAt)
	out.PausedAt = nullTime(r.PausedAt)
	out.ResumeAttemptedAt = nullTime(r.ResumeAttemptedAt)
	out.ResumedAt = nullTime(r.ResumedAt)
	out.DestroyedAt = nullTime(r.DestroyedAt)
	out.LastHealthOkAt = nullTime(r.LastHealthOkAt)
	if r.LastError != nil {
		out.LastError = sql.NullString{String: *r.LastError, Valid: true}
	}
	return out
}

func (r row) toModel() *model.SessionRecord {
	out := &model.SessionRecord{
		ThreadID:        r.ThreadID,
		ChannelID:       r.ChannelID,
		GuildID:         r.GuildID,
		SandboxID:       r.SandboxID,
		AgentSessionID:  r.AgentSessionID,
		PreviewURL:      r.PreviewURL,
		SessionTitle:    r.SessionTitle,
		Status:          model.Status(r.Status),
		LastActivity:    r.LastActivity,
		ResumeFailCount: r.ResumeFailCount,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.PreviewToken.Valid {
		out.PreviewToken = r.PreviewToken.String
	}
	out.PauseRequestedAt = fromNullTime(r.PauseRequestedAt)
	out.PausedAt = fromNullTime(r.PausedAt)
	out.ResumeAttemptedAt = fromNullTime(r.ResumeAttemptedAt)
	out.ResumedAt = fromNullTime(r.ResumedAt)
	out.DestroyedAt = fromNullTime(r.DestroyedAt)
	out.LastHealthOkAt = fromNullTime(r.LastHealthOkAt)
	if r.LastError.Valid {
		e := r.LastError.String
		out.LastError = &e
	}
	return out
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func fromNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &coreerrors.StorageError{Op: op, Err: err}
}

// Upsert inserts or updates by ThreadID, touching LastActivity and, when
// active, ResumedAt (I4).
func (s *Store) Upsert(ctx context.Context, rec *model.SessionRecord) error {
	now := time.Now().UTC()
	rec.LastActivity = now
	if rec.Status == model.StatusActive {
		rec.ResumedAt = &now
	}
	rec.UpdatedAt = now
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}

	rr := toRow(rec)

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO sessions (
			thread_id, channel_id, guild_id, sandbox_id, agent_session_id,
			preview_url, preview_token, session_title, status, last_activity,
			pause_requested_at, paused_at, resume_attempted_at, resumed_at,
			destroyed_at, last_health_ok_at, last_error, resume_fail_count,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (thread_id) DO UPDATE SET
			channel_id = excluded.channel_id,
			guild_id = excluded.guild_id,
			sandbox_id = excluded.sandbox_id,
			agent_session_id = excluded.agent_session_id,
			preview_url = excluded.preview_url,
			preview_token = excluded.preview_token,
			session_title = excluded.session_title,
			status = excluded.status,
			last_activity = excluded.last_activity,
			pause_requested_at = excluded.pause_requested_at,
			paused_at = excluded.paused_at,
			resume_attempted_at = excluded.resume_attempted_at,
			resumed_at = excluded.resumed_at,
			destroyed_at = excluded.destroyed_at,
			last_health_ok_at = excluded.last_health_ok_at,
			last_error = excluded.last_error,
			resume_fail_count = excluded.resume_fail_count,
			updated_at = excluded.updated_at
	`), rr.ThreadID, rr.ChannelID, rr.GuildID, rr.SandboxID, rr.AgentSessionID,
		rr.PreviewURL, rr.PreviewToken, rr.SessionTitle, rr.Status, rr.LastActivity,
		rr.PauseRequestedAt, rr.PausedAt, rr.ResumeAttemptedAt, rr.ResumedAt,
		rr.DestroyedAt, rr.LastHealthOkAt, rr.LastError, rr.ResumeFailCount,
		rr.CreatedAt, rr.UpdatedAt)

	return storageErr("upsert", err)
}

func (s *Store) scanOne(ctx context.Context, query string, args ...any) (*model.SessionRecord, error) {
	var rr row
	err := s.db.GetContext(ctx, &rr, s.db.Rebind(query), args...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get", err)
	}
	return rr.toModel(), nil
}

const selectCols = `thread_id, channel_id, guild_id, sandbox_id, agent_session_id,
	preview_url, preview_token, session_title, status, last_activity,
	pause_requested_at, paused_at, resume_attempted_at, resumed_at,
	destroyed_at, last_health_ok_at, last_error, resume_fail_count,
	created_at, updated_at`

func (s *Store) GetByThread(ctx context.Context, threadID string) (*model.SessionRecord, error) {
	return s.scanOne(ctx, `SELECT `+selectCols+` FROM sessions WHERE thread_id = ?`, threadID)
}

func (s *Store) HasTracked(ctx context.Context, threadID string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count, s.db.Rebind(
		`SELECT COUNT(1) FROM sessions WHERE thread_id = ? AND status != ?`),
		threadID, string(model.StatusDestroyed))
	if err != nil {
		return false, storageErr("hasTracked", err)
	}
	return count > 0, nil
}

func (s *Store) GetActive(ctx context.Context, threadID string) (*model.SessionRecord, error) {
	return s.scanOne(ctx, `SELECT `+selectCols+` FROM sessions WHERE thread_id = ? AND status = ?`,
		threadID, string(model.StatusActive))
}

func (s *Store) MarkActivity(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE sessions SET last_activity = ?, updated_at = ? WHERE thread_id = ?`),
		time.Now().UTC(), time.Now().UTC(), threadID)
	return storageErr("markActivity", err)
}

func (s *Store) MarkHealthOk(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE sessions SET last_health_ok_at = ?, updated_at = ? WHERE thread_id = ?`),
		time.Now().UTC(), time.Now().UTC(), threadID)
	return storageErr("markHealthOk", err)
}

// canonicalTimestampColumn returns the one timestamp column a transition
// into status touches, per spec §4.2.
func canonicalTimestampColumn(status model.Status) string {
	switch status {
	case model.StatusPausing:
		return "pause_requested_at"
	case model.StatusPaused:
		return "paused_at"
	case model.StatusResuming:
		return "resume_attempted_at"
	case model.StatusActive:
		return "resumed_at"
	case model.StatusDestroyed:
		return "destroyed_at"
	default:
		return ""
	}
}

func (s *Store) UpdateStatus(ctx context.Context, threadID string, status model.Status, lastError *string) error {
	now := time.Now().UTC()
	col := canonicalTimestampColumn(status)

	var q strings.Builder
	q.WriteString(`UPDATE sessions SET status = ?, updated_at = ?`)
	args := []any{string(status), now}
	if col != "" {
		q.WriteString(fmt.Sprintf(`, %s = ?`, col))
		args = append(args, now)
	}
	if lastError != nil {
		q.WriteString(`, last_error = ?`)
		args = append(args, *lastError)
	}
	q.WriteString(` WHERE thread_id = ?`)
	args = append(args, threadID)

	_, err := s.db.ExecContext(ctx, s.db.Rebind(q.String()), args...)
	return storageErr("updateStatus", err)
}

func (s *Store) IncrementResumeFailure(ctx context.Context, threadID string, lastError string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE sessions SET resume_fail_count = resume_fail_count + 1, last_error = ?, updated_at = ? WHERE thread_id = ?`),
		lastError, time.Now().UTC(), threadID)
	return storageErr("incrementResumeFailure", err)
}

func (s *Store) listBy(ctx context.Context, query string, args ...any) ([]*model.SessionRecord, error) {
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, storageErr("list", err)
	}
	out := make([]*model.SessionRecord, 0, len(rows))
	for _, rr := range rows {
		out = append(out, rr.toModel())
	}
	return out, nil
}

func (s *Store) ListActive(ctx context.Context) ([]*model.SessionRecord, error) {
	return s.listBy(ctx, `SELECT `+selectCols+` FROM sessions WHERE status = ? ORDER BY last_activity DESC`,
		string(model.StatusActive))
}

func (s *Store) ListTracked(ctx context.Context) ([]*model.SessionRecord, error) {
	return s.listBy(ctx, `SELECT `+selectCols+` FROM sessions WHERE status != ? ORDER BY updated_at DESC`,
		string(model.StatusDestroyed))
}

func (s *Store) ListStaleActive(ctx context.Context, olderThanMinutes int) ([]*model.SessionRecord, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(olderThanMinutes) * time.Minute)
	return s.listBy(ctx,
		`SELECT `+selectCols+` FROM sessions WHERE status = ? AND last_activity < ? ORDER BY last_activity DESC`,
		string(model.StatusActive), cutoff)
}

func (s *Store) ListExpiredPaused(ctx context.Context, olderThanMinutes int) ([]*model.SessionRecord, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(olderThanMinutes) * time.Minute)
	return s.listBy(ctx,
		`SELECT `+selectCols+` FROM sessions WHERE status = ? AND paused_at < ? ORDER BY updated_at DESC`,
		string(model.StatusPaused), cutoff)
}
