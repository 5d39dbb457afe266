package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("archive: session not found")

// Session describes one finished intake session.
type Session struct {
	ID        string
	Provider  string
	State     string
	Error     string
	StartedAt time.Time
	EndedAt   time.Time
}

// Entry is one archived transcript segment.
type Entry struct {
	Role string
	Text string
	At   time.Time
}

// Hit is a full-text search result.
type Hit struct {
	SessionID string
	Entry     Entry
}

// Store is a PostgreSQL-backed session archive. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, verifies the connection and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// SaveSession writes rec and its transcript in one transaction. Saving the
// same session again replaces its transcript.
func (s *Store) SaveSession(ctx context.Context, rec Session, entries []Entry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("archive: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const upsert = `
		INSERT INTO intake_sessions (id, provider, state, error, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		    SET provider = EXCLUDED.provider,
		        state    = EXCLUDED.state,
		        error    = EXCLUDED.error,
		        ended_at = EXCLUDED.ended_at`
	ended := rec.EndedAt
	if ended.IsZero() {
		ended = time.Now().UTC()
	}
	if _, err := tx.Exec(ctx, upsert, rec.ID, rec.Provider, rec.State, rec.Error, rec.StartedAt, ended); err != nil {
		return fmt.Errorf("archive: save session: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM intake_transcripts WHERE session_id = $1`, rec.ID); err != nil {
		return fmt.Errorf("archive: clear transcript: %w", err)
	}

	if len(entries) > 0 {
		rows := make([][]any, len(entries))
		for i, e := range entries {
			rows[i] = []any{rec.ID, i, e.Role, e.Text, e.At}
		}
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"intake_transcripts"},
			[]string{"session_id", "seq", "role", "text", "spoken_at"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("archive: copy transcript: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("archive: commit: %w", err)
	}
	return nil
}

// Session returns the record for id, or [ErrNotFound].
func (s *Store) Session(ctx context.Context, id string) (Session, error) {
	const q = `
		SELECT id, provider, state, error, started_at, ended_at
		FROM   intake_sessions
		WHERE  id = $1`

	var rec Session
	err := s.pool.QueryRow(ctx, q, id).Scan(&rec.ID, &rec.Provider, &rec.State, &rec.Error, &rec.StartedAt, &rec.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("archive: get session: %w", err)
	}
	return rec, nil
}

// Transcript returns the archived transcript of a session in spoken order.
func (s *Store) Transcript(ctx context.Context, sessionID string) ([]Entry, error) {
	const q = `
		SELECT role, text, spoken_at
		FROM   intake_transcripts
		WHERE  session_id = $1
		ORDER  BY seq`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("archive: transcript: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var e Entry
		err := row.Scan(&e.Role, &e.Text, &e.At)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan transcript: %w", err)
	}
	return entries, nil
}

// Search runs a full-text query over all archived transcripts, newest first.
// limit <= 0 means no limit.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]Hit, error) {
	q := `
		SELECT session_id, role, text, spoken_at
		FROM   intake_transcripts
		WHERE  to_tsvector('english', text) @@ plainto_tsquery('english', $1)
		ORDER  BY spoken_at DESC`
	args := []any{query}
	if limit > 0 {
		q += "\nLIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("archive: search: %w", err)
	}
	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Hit, error) {
		var h Hit
		err := row.Scan(&h.SessionID, &h.Entry.Role, &h.Entry.Text, &h.Entry.At)
		return h, err
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan search: %w", err)
	}
	return hits, nil
}
