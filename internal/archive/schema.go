// Package archive stores finished intake sessions and their transcripts in
// PostgreSQL.
//
// Usage:
//
//	store, err := archive.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.SaveSession(ctx, rec, entries)
//	entries, _ := store.Transcript(ctx, rec.ID)
package archive

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS intake_sessions (
    id          TEXT         PRIMARY KEY,
    provider    TEXT         NOT NULL DEFAULT '',
    state       TEXT         NOT NULL,
    error       TEXT         NOT NULL DEFAULT '',
    started_at  TIMESTAMPTZ  NOT NULL,
    ended_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_intake_sessions_started_at
    ON intake_sessions (started_at);
`

const ddlTranscripts = `
CREATE TABLE IF NOT EXISTS intake_transcripts (
    session_id  TEXT         NOT NULL REFERENCES intake_sessions (id) ON DELETE CASCADE,
    seq         INTEGER      NOT NULL,
    role        TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    spoken_at   TIMESTAMPTZ  NOT NULL,
    PRIMARY KEY (session_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_intake_transcripts_fts
    ON intake_transcripts USING GIN (to_tsvector('english', text));
`

// Migrate creates the archive tables and indexes if they do not exist. It is
// idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []struct {
		name string
		sql  string
	}{
		{"intake_sessions", ddlSessions},
		{"intake_transcripts", ddlTranscripts},
	} {
		if _, err := pool.Exec(ctx, stmt.sql); err != nil {
			return fmt.Errorf("migrate %s: %w", stmt.name, err)
		}
	}
	return nil
}
