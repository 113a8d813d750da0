package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nstogner/qdash/pkg/domain"
	"github.com/nstogner/qdash/pkg/store"
)

// Store implements DraftStore and RunStore using SQLite.
type Store struct {
	db *sql.DB
}

// Verify interface compliance at compile time.
var _ store.DraftStore = (*Store)(nil)
var _ store.RunStore = (*Store)(nil)

// New opens (or creates) a SQLite database at the given path and runs migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS drafts (
		session_id TEXT PRIMARY KEY,
		tree TEXT NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		digest TEXT NOT NULL,
		config TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- DraftStore ---

func (s *Store) SaveDraft(ctx context.Context, sessionID string, tree store.Tree) error {
	b, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("marshal draft: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO drafts (session_id, tree, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET tree=excluded.tree, updated_at=excluded.updated_at`,
		sessionID, string(b), time.Now().UTC(),
	)
	return err
}

func (s *Store) LoadDraft(ctx context.Context, sessionID string) (store.Tree, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT tree FROM drafts WHERE session_id = ?`, sessionID).Scan(&raw)
	if err == sql.ErrNoRows {
		return store.Tree{}, fmt.Errorf("draft not found: %s", sessionID)
	}
	if err != nil {
		return store.Tree{}, err
	}
	var tree store.Tree
	if err := json.Unmarshal([]byte(raw), &tree); err != nil {
		return store.Tree{}, fmt.Errorf("decode draft %s: %w", sessionID, err)
	}
	return tree, nil
}

func (s *Store) ListDrafts(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id FROM drafts ORDER BY session_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) DeleteDraft(ctx context.Context, sessionID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM drafts WHERE session_id=?`, sessionID)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("draft not found: %s", sessionID)
	}
	return nil
}

// --- RunStore ---

func (s *Store) RecordRun(ctx context.Context, run *domain.RunRecord) error {
	if run.Digest == "" {
		d, err := domain.ConfigDigest(run.Config)
		if err != nil {
			return fmt.Errorf("digest run config: %w", err)
		}
		run.Digest = d
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, session_id, digest, config, created_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.SessionID, run.Digest, string(run.Config), run.CreatedAt,
	)
	return err
}

func (s *Store) ListRuns(ctx context.Context, sessionID string) ([]domain.RunRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, digest, config, created_at FROM runs
		 WHERE session_id = ? ORDER BY created_at DESC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.RunRecord
	for rows.Next() {
		var r domain.RunRecord
		var config string
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Digest, &config, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Config = json.RawMessage(config)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *Store) GetRun(ctx context.Context, id string) (*domain.RunRecord, error) {
	r := &domain.RunRecord{}
	var config string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, digest, config, created_at FROM runs WHERE id = ?`, id,
	).Scan(&r.ID, &r.SessionID, &r.Digest, &config, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	r.Config = json.RawMessage(config)
	return r, nil
}
