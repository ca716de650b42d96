// Package postgres archives finished sessions and their summaries in a
// PostgreSQL database. The archive is strictly post-session: the live
// transcript path never touches the database.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jcarpenter-uam/calc-translation/internal/artifact"
)

// Schema is the SQL DDL for the archive tables. Execute it via
// [Archive.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS session_archive (
    session_id   TEXT PRIMARY KEY,
    integration  TEXT NOT NULL DEFAULT '',
    vtt_path     TEXT NOT NULL,
    record_count INT NOT NULL DEFAULT 0,
    archived_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_session_archive_integration ON session_archive(integration);

CREATE TABLE IF NOT EXISTS session_summaries (
    session_id TEXT NOT NULL,
    language   TEXT NOT NULL,
    summary    TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (session_id, language)
);
`

// DB is the database interface used by [Archive]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ArchivedSession is one row of the session archive.
type ArchivedSession struct {
	SessionID   string
	Integration string
	VTTPath     string
	RecordCount int
	ArchivedAt  time.Time
}

// Summary is one archived per-language summary.
type Summary struct {
	SessionID string
	Language  string
	Summary   string
	CreatedAt time.Time
}

// Archive stores finished sessions in PostgreSQL.
type Archive struct {
	db DB
}

// Compile-time interface check.
var _ artifact.Store = (*Archive)(nil)

// NewArchive creates an [Archive] over the given connection or pool. The
// caller is responsible for calling [Archive.Migrate] before issuing queries.
func NewArchive(db DB) *Archive {
	return &Archive{db: db}
}

// Migrate executes the [Schema] DDL, creating the archive tables if they do
// not already exist.
func (a *Archive) Migrate(ctx context.Context) error {
	if _, err := a.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("archive: migrate: %w", err)
	}
	return nil
}

// RecordSession upserts the archive row for a finished session. A session
// re-run under the same id replaces its previous artifact reference.
func (a *Archive) RecordSession(ctx context.Context, integration, sessionID, vttPath string, records int) error {
	const query = `
		INSERT INTO session_archive (session_id, integration, vtt_path, record_count)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO UPDATE
		SET integration = EXCLUDED.integration,
		    vtt_path = EXCLUDED.vtt_path,
		    record_count = EXCLUDED.record_count,
		    archived_at = now()`

	if _, err := a.db.Exec(ctx, query, sessionID, integration, vttPath, records); err != nil {
		return fmt.Errorf("archive: record session %q: %w", sessionID, err)
	}
	return nil
}

// RecordSummary upserts one per-language summary for a session.
func (a *Archive) RecordSummary(ctx context.Context, sessionID, language, summary string) error {
	const query = `
		INSERT INTO session_summaries (session_id, language, summary)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id, language) DO UPDATE
		SET summary = EXCLUDED.summary,
		    created_at = now()`

	if _, err := a.db.Exec(ctx, query, sessionID, language, summary); err != nil {
		return fmt.Errorf("archive: record summary %q/%q: %w", sessionID, language, err)
	}
	return nil
}

// ListSessions returns the most recently archived sessions, newest first.
// limit values below one default to 50.
func (a *Archive) ListSessions(ctx context.Context, limit int) ([]ArchivedSession, error) {
	if limit < 1 {
		limit = 50
	}

	const query = `
		SELECT session_id, integration, vtt_path, record_count, archived_at
		FROM session_archive
		ORDER BY archived_at DESC
		LIMIT $1`

	rows, err := a.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: list sessions: %w", err)
	}
	defer rows.Close()

	var out []ArchivedSession
	for rows.Next() {
		var s ArchivedSession
		if err := rows.Scan(&s.SessionID, &s.Integration, &s.VTTPath, &s.RecordCount, &s.ArchivedAt); err != nil {
			return nil, fmt.Errorf("archive: scan session: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: list sessions: %w", err)
	}
	return out, nil
}

// Summaries returns all archived summaries for one session.
func (a *Archive) Summaries(ctx context.Context, sessionID string) ([]Summary, error) {
	const query = `
		SELECT session_id, language, summary, created_at
		FROM session_summaries
		WHERE session_id = $1
		ORDER BY language`

	rows, err := a.db.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("archive: summaries for %q: %w", sessionID, err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.SessionID, &s.Language, &s.Summary, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("archive: scan summary: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: summaries for %q: %w", sessionID, err)
	}
	return out, nil
}

// Ping verifies the database connection, for readiness checks.
func (a *Archive) Ping(ctx context.Context) error {
	var one int
	if err := a.db.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("archive: ping: %w", err)
	}
	return nil
}
