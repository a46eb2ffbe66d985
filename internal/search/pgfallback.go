package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFallback implements Searcher over the pages table when Meilisearch is
// unavailable. Page content lives in git, not Postgres, so the fallback
// matches paths only. Weaker than the real index, but the endpoint stays up.
type PgFallback struct {
	db *sql.DB
}

func NewPgFallback(db *sql.DB) *PgFallback {
	return &PgFallback{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFallback) Healthy() bool {
	return true
}

func (p *PgFallback) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := "path ILIKE $1"
	args := []any{"%" + q.Text + "%"}
	argN := 2
	if q.Kind != "" {
		where += fmt.Sprintf(" AND kind = $%d", argN)
		args = append(args, q.Kind)
		argN++
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM pages WHERE " + where
	if err := p.db.QueryRow(countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pg fallback count: %w", err)
	}

	query := fmt.Sprintf(
		"SELECT path, kind, updated_by FROM pages WHERE %s ORDER BY path LIMIT $%d OFFSET $%d",
		where, argN, argN+1,
	)
	args = append(args, limit, offset)

	rows, err := p.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pg fallback search: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.Path, &r.Kind, &r.UpdatedBy); err != nil {
			return nil, 0, fmt.Errorf("pg fallback scan: %w", err)
		}
		r.Title = TitleOf(r.Path)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("pg fallback iterate: %w", err)
	}
	return results, total, nil
}

// ListPagePaths returns every indexed page path with its kind and last editor,
// used when reindexing Meilisearch from scratch.
func (p *PgFallback) ListPagePaths(ctx context.Context) ([]Result, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT path, kind, updated_by FROM pages ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("list page paths: %w", err)
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.Path, &r.Kind, &r.UpdatedBy); err != nil {
			return nil, fmt.Errorf("scan page path: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate page paths: %w", err)
	}
	return out, nil
}
