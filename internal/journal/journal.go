// Package journal persists finalized exchanges and forwarded transcript
// windows to PostgreSQL so a meeting can be reviewed afterwards.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/boardobserver/internal/conversation"
	"github.com/MrWong99/boardobserver/internal/window"
)

// Schema is the SQL DDL for the journal tables. Execute it via
// [Journal.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS meeting_exchanges (
    id           BIGSERIAL PRIMARY KEY,
    meeting_id   TEXT NOT NULL,
    generation   BIGINT NOT NULL DEFAULT 0,
    speaker      TEXT NOT NULL DEFAULT '',
    question     TEXT NOT NULL,
    answer       TEXT NOT NULL DEFAULT '',
    outcome      TEXT NOT NULL,
    direct       BOOLEAN NOT NULL DEFAULT FALSE,
    started_at   TIMESTAMPTZ NOT NULL,
    concluded_at TIMESTAMPTZ NOT NULL,
    answered_at  TIMESTAMPTZ,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_meeting_exchanges_meeting ON meeting_exchanges(meeting_id, started_at);

CREATE TABLE IF NOT EXISTS meeting_windows (
    meeting_id TEXT NOT NULL,
    seq        BIGINT NOT NULL,
    started_at TIMESTAMPTZ NOT NULL,
    ended_at   TIMESTAMPTZ NOT NULL,
    forced     BOOLEAN NOT NULL DEFAULT FALSE,
    speakers   JSONB NOT NULL DEFAULT '[]',
    fragments  INTEGER NOT NULL,
    transcript TEXT NOT NULL,
    PRIMARY KEY (meeting_id, seq)
);
`

// DB is the database interface used by [Journal]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var (
	_ conversation.ExchangeRecorder = (*Journal)(nil)
	_ window.Subscriber             = (*Journal)(nil)
)

// Journal writes exchanges and windows to PostgreSQL.
type Journal struct {
	db   DB
	pool *pgxpool.Pool
}

// New creates a Journal over db. The caller runs [Journal.Migrate].
func New(db DB) *Journal {
	return &Journal{db: db}
}

// Open connects to dsn, verifies the connection and applies [Schema].
func Open(ctx context.Context, dsn string) (*Journal, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("journal: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: ping: %w", err)
	}
	j := &Journal{db: pool, pool: pool}
	if err := j.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return j, nil
}

// Migrate executes [Schema].
func (j *Journal) Migrate(ctx context.Context) error {
	if _, err := j.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("journal: migrate: %w", err)
	}
	return nil
}

// Close releases the pool created by [Open]. It is a no-op for journals
// built with [New].
func (j *Journal) Close() error {
	if j.pool != nil {
		j.pool.Close()
	}
	return nil
}

// Ping checks the database connection.
func (j *Journal) Ping(ctx context.Context) error {
	if j.pool != nil {
		return j.pool.Ping(ctx)
	}
	_, err := j.db.Exec(ctx, "SELECT 1")
	return err
}

// RecordExchange stores one finalized exchange.
func (j *Journal) RecordExchange(ctx context.Context, ex conversation.Exchange) error {
	if ex.MeetingID == "" {
		return errors.New("journal: exchange without meeting ID")
	}
	const query = `
		INSERT INTO meeting_exchanges (
			meeting_id, generation, speaker, question, answer, outcome, direct,
			started_at, concluded_at, answered_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

	_, err := j.db.Exec(ctx, query,
		ex.MeetingID, int64(ex.Generation), ex.Speaker, ex.Question, ex.Answer, ex.Outcome, ex.Direct,
		ex.StartedAt, ex.ConcludedAt, nullTime(ex.AnsweredAt),
	)
	if err != nil {
		return fmt.Errorf("journal: record exchange: %w", err)
	}
	return nil
}

// OnWindow stores a forwarded window. Re-delivery of the same window is
// ignored.
func (j *Journal) OnWindow(ctx context.Context, w window.Window) error {
	speakers, err := json.Marshal(emptySlice(w.Speakers()))
	if err != nil {
		return fmt.Errorf("journal: marshal speakers: %w", err)
	}
	const query = `
		INSERT INTO meeting_windows (
			meeting_id, seq, started_at, ended_at, forced, speakers, fragments, transcript
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (meeting_id, seq) DO NOTHING`

	_, err = j.db.Exec(ctx, query,
		w.MeetingID, int64(w.Seq), w.Start, w.End, w.Forced, speakers, len(w.Fragments), w.Transcript(),
	)
	if err != nil {
		return fmt.Errorf("journal: record window: %w", err)
	}
	return nil
}

// Exchanges returns up to limit exchanges of meetingID, oldest first.
func (j *Journal) Exchanges(ctx context.Context, meetingID string, limit int) ([]conversation.Exchange, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `
		SELECT meeting_id, generation, speaker, question, answer, outcome, direct,
		       started_at, concluded_at, answered_at
		FROM meeting_exchanges
		WHERE meeting_id = $1
		ORDER BY started_at, id
		LIMIT $2`

	rows, err := j.db.Query(ctx, query, meetingID, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: list exchanges: %w", err)
	}
	defer rows.Close()

	var out []conversation.Exchange
	for rows.Next() {
		var (
			ex       conversation.Exchange
			gen      int64
			answered *time.Time
		)
		if err := rows.Scan(
			&ex.MeetingID, &gen, &ex.Speaker, &ex.Question, &ex.Answer, &ex.Outcome, &ex.Direct,
			&ex.StartedAt, &ex.ConcludedAt, &answered,
		); err != nil {
			return nil, fmt.Errorf("journal: scan exchange: %w", err)
		}
		ex.Generation = uint64(gen)
		if answered != nil {
			ex.AnsweredAt = *answered
		}
		out = append(out, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: list exchanges: %w", err)
	}
	return out, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func emptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
