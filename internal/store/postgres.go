package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var (
	ErrPageNotFound   = errors.New("store: page not found")
	ErrThreadNotFound = errors.New("store: thread not found")
	ErrThreadExists   = errors.New("store: thread already exists")
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// UpsertPage records that path was written by updatedBy. Called on every page
// save so UpdatedAt tracks the latest commit.
func (s *PostgresStore) UpsertPage(ctx context.Context, path, kind, updatedBy string) (Page, error) {
	const query = `
		INSERT INTO pages (path, kind, updated_by)
		VALUES ($1, $2, $3)
		ON CONFLICT (path) DO UPDATE SET kind=EXCLUDED.kind, updated_by=EXCLUDED.updated_by, updated_at=NOW()
		RETURNING path, kind, updated_by, updated_at
	`
	var page Page
	err := s.db.QueryRowContext(ctx, query, path, kind, updatedBy).
		Scan(&page.Path, &page.Kind, &page.UpdatedBy, &page.UpdatedAt)
	if err != nil {
		return Page{}, fmt.Errorf("upsert page: %w", err)
	}
	return page, nil
}

func (s *PostgresStore) GetPage(ctx context.Context, path string) (Page, error) {
	const query = `SELECT path, kind, updated_by, updated_at FROM pages WHERE path=$1`
	var page Page
	err := s.db.QueryRowContext(ctx, query, path).
		Scan(&page.Path, &page.Kind, &page.UpdatedBy, &page.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Page{}, ErrPageNotFound
	}
	if err != nil {
		return Page{}, fmt.Errorf("get page: %w", err)
	}
	return page, nil
}

func (s *PostgresStore) ListPages(ctx context.Context) ([]Page, error) {
	const query = `SELECT path, kind, updated_by, updated_at FROM pages ORDER BY path`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	defer rows.Close()

	var pages []Page
	for rows.Next() {
		var page Page
		if err := rows.Scan(&page.Path, &page.Kind, &page.UpdatedBy, &page.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		pages = append(pages, page)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pages: %w", err)
	}
	return pages, nil
}

func (s *PostgresStore) CreateThread(ctx context.Context, id, name, createdBy string) (Thread, error) {
	const query = `
		INSERT INTO threads (id, name, status, created_by)
		VALUES ($1, $2, 'open', $3)
		ON CONFLICT (name) DO NOTHING
		RETURNING id, name, status, created_by, created_at, merged_at
	`
	var thread Thread
	err := s.db.QueryRowContext(ctx, query, id, name, createdBy).
		Scan(&thread.ID, &thread.Name, &thread.Status, &thread.CreatedBy, &thread.CreatedAt, &thread.MergedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Thread{}, ErrThreadExists
	}
	if err != nil {
		return Thread{}, fmt.Errorf("create thread: %w", err)
	}
	return thread, nil
}

func (s *PostgresStore) GetThreadByName(ctx context.Context, name string) (Thread, error) {
	const query = `SELECT id, name, status, created_by, created_at, merged_at FROM threads WHERE name=$1`
	var thread Thread
	err := s.db.QueryRowContext(ctx, query, name).
		Scan(&thread.ID, &thread.Name, &thread.Status, &thread.CreatedBy, &thread.CreatedAt, &thread.MergedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Thread{}, ErrThreadNotFound
	}
	if err != nil {
		return Thread{}, fmt.Errorf("get thread: %w", err)
	}
	return thread, nil
}

func (s *PostgresStore) ListThreads(ctx context.Context, status string) ([]Thread, error) {
	query := `SELECT id, name, status, created_by, created_at, merged_at FROM threads`
	args := []any{}
	if status != "" {
		query += ` WHERE status=$1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var threads []Thread
	for rows.Next() {
		var thread Thread
		if err := rows.Scan(&thread.ID, &thread.Name, &thread.Status, &thread.CreatedBy, &thread.CreatedAt, &thread.MergedAt); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		threads = append(threads, thread)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	return threads, nil
}

// MarkThreadMerged flips an open thread to merged. Merging an already-merged
// thread returns ErrThreadNotFound so callers surface a conflict.
func (s *PostgresStore) MarkThreadMerged(ctx context.Context, name string) (Thread, error) {
	const query = `
		UPDATE threads SET status='merged', merged_at=NOW()
		WHERE name=$1 AND status='open'
		RETURNING id, name, status, created_by, created_at, merged_at
	`
	var thread Thread
	err := s.db.QueryRowContext(ctx, query, name).
		Scan(&thread.ID, &thread.Name, &thread.Status, &thread.CreatedBy, &thread.CreatedAt, &thread.MergedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Thread{}, ErrThreadNotFound
	}
	if err != nil {
		return Thread{}, fmt.Errorf("mark thread merged: %w", err)
	}
	return thread, nil
}
