// Package jsonl implements the draft and run stores on plain files: one
// append-only JSONL journal per session draft, an index.json listing the
// drafts, and a runs.jsonl log of simulation starts. It needs no cgo.
package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/nstogner/qdash/pkg/domain"
	"github.com/nstogner/qdash/pkg/store"
)

// Store implements DraftStore and RunStore using JSONL files.
type Store struct {
	mu       sync.RWMutex
	rootDir  string
	draftDir string
	runsPath string
}

// Verify interface compliance at compile time.
var _ store.DraftStore = (*Store)(nil)
var _ store.RunStore = (*Store)(nil)

// New creates the directory layout under rootDir.
func New(rootDir string) (*Store, error) {
	s := &Store{
		rootDir:  rootDir,
		draftDir: filepath.Join(rootDir, "drafts"),
		runsPath: filepath.Join(rootDir, "runs.jsonl"),
	}
	if err := os.MkdirAll(s.draftDir, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return s, nil
}

// Close is a no-op; files are opened per call.
func (s *Store) Close() error { return nil }

// Index represents the index.json structure.
type Index struct {
	Drafts []DraftMeta `json:"drafts"`
}

type DraftMeta struct {
	SessionID string    `json:"session_id"`
	Path      string    `json:"path"`
	Modified  time.Time `json:"modified"`
}

// draftEntry is one line of a draft journal.
type draftEntry struct {
	SavedAt time.Time  `json:"saved_at"`
	Tree    store.Tree `json:"tree"`
}

func (s *Store) draftPath(sessionID string) string {
	// Session ids come from the backend; escape them into a single file name.
	return filepath.Join(s.draftDir, url.PathEscape(sessionID)+".jsonl")
}

func (s *Store) readIndex() (Index, error) {
	var idx Index
	data, err := os.ReadFile(filepath.Join(s.draftDir, "index.json"))
	if errors.Is(err, fs.ErrNotExist) {
		return idx, nil
	}
	if err != nil {
		return idx, err
	}
	if err := json.Unmarshal(data, &idx); err != nil {
		return idx, fmt.Errorf("parse index: %w", err)
	}
	return idx, nil
}

func (s *Store) writeIndex(idx Index) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.draftDir, "index.json"), data, 0644)
}

// --- DraftStore ---

// SaveDraft appends the tree to the session's journal; the last line wins.
// TODO: compact journals by rewriting them to their last line once they grow past a size threshold.
func (s *Store) SaveDraft(ctx context.Context, sessionID string, tree store.Tree) error {
	if sessionID == "" {
		return fmt.Errorf("save draft: empty session id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	path := s.draftPath(sessionID)
	if err := appendLine(path, draftEntry{SavedAt: now, Tree: tree}); err != nil {
		return fmt.Errorf("append draft: %w", err)
	}

	idx, err := s.readIndex()
	if err != nil {
		return err
	}
	meta := DraftMeta{SessionID: sessionID, Path: filepath.Base(path), Modified: now}
	i := slices.IndexFunc(idx.Drafts, func(d DraftMeta) bool { return d.SessionID == sessionID })
	if i >= 0 {
		idx.Drafts[i] = meta
	} else {
		idx.Drafts = append(idx.Drafts, meta)
	}
	return s.writeIndex(idx)
}

func (s *Store) LoadDraft(ctx context.Context, sessionID string) (store.Tree, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last *draftEntry
	err := scanLines(s.draftPath(sessionID), func(line []byte) {
		var e draftEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return // skip bad lines
		}
		last = &e
	})
	if errors.Is(err, fs.ErrNotExist) || (err == nil && last == nil) {
		return store.Tree{}, fmt.Errorf("draft not found: %s", sessionID)
	}
	if err != nil {
		return store.Tree{}, fmt.Errorf("read draft: %w", err)
	}
	return last.Tree, nil
}

func (s *Store) ListDrafts(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, err := s.readIndex()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(idx.Drafts))
	for _, d := range idx.Drafts {
		ids = append(ids, d.SessionID)
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *Store) DeleteDraft(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.readIndex()
	if err != nil {
		return err
	}
	i := slices.IndexFunc(idx.Drafts, func(d DraftMeta) bool { return d.SessionID == sessionID })
	if i < 0 {
		return fmt.Errorf("draft not found: %s", sessionID)
	}
	idx.Drafts = slices.Delete(idx.Drafts, i, i+1)
	if err := os.Remove(s.draftPath(sessionID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return s.writeIndex(idx)
}

// --- RunStore ---

func (s *Store) RecordRun(ctx context.Context, run *domain.RunRecord) error {
	if run.Digest == "" {
		digest, err := domain.ConfigDigest(run.Config)
		if err != nil {
			return fmt.Errorf("digest config: %w", err)
		}
		run.Digest = digest
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return appendLine(s.runsPath, run)
}

// ListRuns returns the runs of a session, newest first.
func (s *Store) ListRuns(ctx context.Context, sessionID string) ([]domain.RunRecord, error) {
	runs, err := s.readRuns(func(r domain.RunRecord) bool { return r.SessionID == sessionID })
	if err != nil {
		return nil, err
	}
	slices.Reverse(runs)
	return runs, nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*domain.RunRecord, error) {
	runs, err := s.readRuns(func(r domain.RunRecord) bool { return r.ID == id })
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	return &runs[len(runs)-1], nil
}

func (s *Store) readRuns(keep func(domain.RunRecord) bool) ([]domain.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := []domain.RunRecord{}
	err := scanLines(s.runsPath, func(line []byte) {
		var r domain.RunRecord
		if err := json.Unmarshal(line, &r); err != nil {
			return // skip bad lines
		}
		if keep(r) {
			runs = append(runs, r)
		}
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read runs: %w", err)
	}
	return runs, nil
}

func appendLine(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func scanLines(path string, fn func([]byte)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	// Trees with whole-field assignments make long lines.
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		fn(scanner.Bytes())
	}
	return scanner.Err()
}
