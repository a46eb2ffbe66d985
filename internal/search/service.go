package search

import (
	"context"
	"log"
)

// ContentLoader fetches a page's stored content for indexing.
type ContentLoader func(ctx context.Context, path string) (string, error)

// Service is the facade that tries Meilisearch first and falls back to the
// Postgres path match.
type Service struct {
	meili    *Meili
	fallback *PgFallback
}

// NewService creates a search service. meili may be nil if Meilisearch is not
// configured.
func NewService(meili *Meili, fallback *PgFallback) *Service {
	return &Service{meili: meili, fallback: fallback}
}

func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to postgres: %v", err)
	}

	results, total, err := s.fallback.Search(q)
	if err != nil {
		log.Printf("search: postgres fallback error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexPage indexes a page (fire-and-forget to Meilisearch).
func (s *Service) IndexPage(path, kind, content, updatedBy string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	rec := PageRecord{
		ID:        RecordID(path),
		Path:      path,
		Kind:      kind,
		Title:     TitleOf(path),
		Content:   content,
		UpdatedBy: updatedBy,
	}
	go func() {
		if err := s.meili.IndexPage(rec); err != nil {
			log.Printf("search: index page %s: %v", path, err)
		}
	}()
}

// DeletePage removes a page from the search index (fire-and-forget).
func (s *Service) DeletePage(path string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeletePage(path); err != nil {
			log.Printf("search: delete page %s: %v", path, err)
		}
	}()
}

// ReindexAll reads every known page from Postgres, loads its content, and
// pushes the batch to Meilisearch. Called at startup when Meilisearch is
// healthy.
func (s *Service) ReindexAll(ctx context.Context, load ContentLoader) {
	if s.meili == nil || !s.meili.Healthy() || s.fallback == nil {
		return
	}

	rows, err := s.fallback.ListPagePaths(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}

	records := make([]PageRecord, 0, len(rows))
	for _, row := range rows {
		content, err := load(ctx, row.Path)
		if err != nil {
			log.Printf("search: reindex skip %s: %v", row.Path, err)
			continue
		}
		records = append(records, PageRecord{
			ID:        RecordID(row.Path),
			Path:      row.Path,
			Kind:      row.Kind,
			Title:     TitleOf(row.Path),
			Content:   content,
			UpdatedBy: row.UpdatedBy,
		})
	}

	if err := s.meili.IndexPages(records); err != nil {
		log.Printf("search: reindex pages: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
