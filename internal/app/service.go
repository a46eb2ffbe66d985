package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"tandem/api/internal/content"
	"tandem/api/internal/gitstore"
	"tandem/api/internal/search"
	"tandem/api/internal/store"
	"tandem/api/internal/util"
)

type dataStore interface {
	UpsertPage(ctx context.Context, path, kind, updatedBy string) (store.Page, error)
	GetPage(ctx context.Context, path string) (store.Page, error)
	ListPages(ctx context.Context) ([]store.Page, error)
	CreateThread(ctx context.Context, id, name, createdBy string) (store.Thread, error)
	GetThreadByName(ctx context.Context, name string) (store.Thread, error)
	ListThreads(ctx context.Context, status string) ([]store.Thread, error)
	MarkThreadMerged(ctx context.Context, name string) (store.Thread, error)
}

type gitService interface {
	EnsureWiki(author string) error
	EnsureThread(branch, fromBranch string) error
	CommitPage(branch, path, content, author, message string) (gitstore.CommitInfo, error)
	GetPage(branch, path string) (string, gitstore.CommitInfo, error)
	ListPages(branch string) ([]string, error)
	History(branch, path string, limit int) ([]gitstore.CommitInfo, error)
	ChangedPages(branch string) ([]string, error)
	MergeThread(branch, author, message string) (gitstore.CommitInfo, []string, error)
}

type editingRegistry interface {
	Enter(ctx context.Context, identity, participant string) error
	Leave(ctx context.Context, identity, participant string) error
	Editors(ctx context.Context, identity string) ([]string, error)
}

// invalidator pushes the discard-your-replica signal into live rooms after a
// merge bypasses them.
type invalidator interface {
	Invalidate(room string)
}

type searchService interface {
	Search(q search.Query) search.Response
	IndexPage(path, kind, content, updatedBy string)
	DeletePage(path string)
	ReindexAll(ctx context.Context, load search.ContentLoader)
}

// Service holds the API's domain logic: page reads and writes against the
// git-backed store, thread lifecycle, and the editing-aware merge gate.
type Service struct {
	db      *sql.DB
	store   dataStore
	git     gitService
	editing editingRegistry
	rooms   invalidator
	search  searchService
}

func NewService(db *sql.DB, data dataStore, git gitService, editing editingRegistry, rooms invalidator, searchSvc searchService) *Service {
	return &Service{
		db:      db,
		store:   data,
		git:     git,
		editing: editing,
		rooms:   rooms,
		search:  searchSvc,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.db.PingContext(ctx)
}

// Bootstrap seeds the wiki repository and, when search is configured, rebuilds
// the page index from stored content.
func (s *Service) Bootstrap(ctx context.Context) error {
	if err := s.git.EnsureWiki("system"); err != nil {
		return fmt.Errorf("ensure wiki: %w", err)
	}

	pages, err := s.git.ListPages(gitstore.MainBranch)
	if err != nil {
		return fmt.Errorf("list wiki pages: %w", err)
	}
	for _, path := range pages {
		kind, err := content.KindOf(path)
		if err != nil {
			continue
		}
		if _, err := s.store.UpsertPage(ctx, path, string(kind), "system"); err != nil {
			return fmt.Errorf("register page %s: %w", path, err)
		}
	}

	if s.search != nil {
		s.search.ReindexAll(ctx, func(ctx context.Context, path string) (string, error) {
			stored, _, err := s.git.GetPage(gitstore.MainBranch, path)
			return stored, err
		})
	}
	return nil
}

// PageContent is a page's stored content plus its head commit.
type PageContent struct {
	Path    string              `json:"path"`
	Kind    string              `json:"kind"`
	Content string              `json:"content"`
	Commit  gitstore.CommitInfo `json:"commit"`
}

// GetPage reads path at the head of branch (main when empty).
func (s *Service) GetPage(ctx context.Context, branch, path string) (PageContent, error) {
	kind, err := content.KindOf(path)
	if err != nil {
		return PageContent{}, domainError(http.StatusUnprocessableEntity, "UNSUPPORTED_KIND", "Unsupported page type", nil)
	}
	if branch == "" {
		branch = gitstore.MainBranch
	}
	stored, commit, err := s.git.GetPage(branch, path)
	if errors.Is(err, gitstore.ErrPageNotFound) {
		return PageContent{}, domainError(http.StatusNotFound, "PAGE_NOT_FOUND", "Page not found", nil)
	}
	if err != nil {
		return PageContent{}, fmt.Errorf("get page %s: %w", path, err)
	}
	return PageContent{Path: path, Kind: string(kind), Content: stored, Commit: commit}, nil
}

// UpdatePage commits new content for path on branch (main when empty) and
// refreshes the metadata row and search index.
func (s *Service) UpdatePage(ctx context.Context, branch, path, body, author string) (PageContent, error) {
	kind, err := content.KindOf(path)
	if err != nil {
		return PageContent{}, domainError(http.StatusUnprocessableEntity, "UNSUPPORTED_KIND", "Unsupported page type", nil)
	}
	if strings.TrimSpace(author) == "" {
		author = "anonymous"
	}
	if branch == "" {
		branch = gitstore.MainBranch
	}
	if branch != gitstore.MainBranch {
		if _, err := s.store.GetThreadByName(ctx, branch); err != nil {
			if errors.Is(err, store.ErrThreadNotFound) {
				return PageContent{}, domainError(http.StatusNotFound, "THREAD_NOT_FOUND", "Thread not found", nil)
			}
			return PageContent{}, err
		}
	}

	message := fmt.Sprintf("Update %s", path)
	commit, err := s.git.CommitPage(branch, path, body, author, message)
	if err != nil {
		return PageContent{}, fmt.Errorf("commit page %s: %w", path, err)
	}

	if branch == gitstore.MainBranch {
		if _, err := s.store.UpsertPage(ctx, path, string(kind), author); err != nil {
			return PageContent{}, err
		}
		if s.search != nil {
			s.search.IndexPage(path, string(kind), body, author)
		}
	}
	return PageContent{Path: path, Kind: string(kind), Content: body, Commit: commit}, nil
}

func (s *Service) ListPages(ctx context.Context) ([]store.Page, error) {
	pages, err := s.store.ListPages(ctx)
	if err != nil {
		return nil, err
	}
	if pages == nil {
		pages = []store.Page{}
	}
	return pages, nil
}

func (s *Service) History(ctx context.Context, branch, path string, limit int) ([]gitstore.CommitInfo, error) {
	if branch == "" {
		branch = gitstore.MainBranch
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	items, err := s.git.History(branch, path, limit)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", path, err)
	}
	if items == nil {
		items = []gitstore.CommitInfo{}
	}
	return items, nil
}

// SetEditing records or retracts one participant's editing intent on a page.
// Both directions are idempotent.
func (s *Service) SetEditing(ctx context.Context, path, participant string, editing bool) error {
	if strings.TrimSpace(path) == "" || strings.TrimSpace(participant) == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "path and participant are required", nil)
	}
	if editing {
		return s.editing.Enter(ctx, path, participant)
	}
	return s.editing.Leave(ctx, path, participant)
}

func (s *Service) Editors(ctx context.Context, path string) ([]string, error) {
	editors, err := s.editing.Editors(ctx, path)
	if err != nil {
		return nil, err
	}
	if editors == nil {
		editors = []string{}
	}
	return editors, nil
}

func validThreadName(name string) bool {
	if name == "" || name == gitstore.MainBranch || len(name) > 80 {
		return false
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			continue
		}
		return false
	}
	return true
}

// CreateThread opens a named working branch off main.
func (s *Service) CreateThread(ctx context.Context, name, createdBy string) (store.Thread, error) {
	if !validThreadName(name) {
		return store.Thread{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Thread name must be lowercase letters, digits, - or _", nil)
	}
	if err := s.git.EnsureThread(name, gitstore.MainBranch); err != nil {
		return store.Thread{}, fmt.Errorf("ensure thread branch %s: %w", name, err)
	}
	thread, err := s.store.CreateThread(ctx, util.NewID("thr"), name, createdBy)
	if errors.Is(err, store.ErrThreadExists) {
		return store.Thread{}, domainError(http.StatusConflict, "THREAD_EXISTS", "Thread already exists", nil)
	}
	if err != nil {
		return store.Thread{}, err
	}
	return thread, nil
}

func (s *Service) ListThreads(ctx context.Context, status string) ([]store.Thread, error) {
	threads, err := s.store.ListThreads(ctx, status)
	if err != nil {
		return nil, err
	}
	if threads == nil {
		threads = []store.Thread{}
	}
	return threads, nil
}

// MergeResult describes a landed merge.
type MergeResult struct {
	Thread  store.Thread        `json:"thread"`
	Commit  gitstore.CommitInfo `json:"commit"`
	Changed []string            `json:"changedPages"`
}

// MergeThread lands a thread onto main. The merge is refused while any page
// it would change has live editors, because landing it would silently discard
// their in-flight edits; callers retry after editing stops.
func (s *Service) MergeThread(ctx context.Context, name, author string) (MergeResult, error) {
	thread, err := s.store.GetThreadByName(ctx, name)
	if errors.Is(err, store.ErrThreadNotFound) {
		return MergeResult{}, domainError(http.StatusNotFound, "THREAD_NOT_FOUND", "Thread not found", nil)
	}
	if err != nil {
		return MergeResult{}, err
	}
	if thread.Status != store.ThreadOpen {
		return MergeResult{}, domainError(http.StatusConflict, "THREAD_NOT_OPEN", "Thread is not open", nil)
	}

	changed, err := s.git.ChangedPages(name)
	if err != nil {
		return MergeResult{}, fmt.Errorf("inspect thread %s: %w", name, err)
	}

	blocked := map[string][]string{}
	for _, path := range changed {
		editors, err := s.editing.Editors(ctx, path)
		if err != nil {
			return MergeResult{}, fmt.Errorf("check editors for %s: %w", path, err)
		}
		if len(editors) > 0 {
			blocked[path] = editors
		}
	}
	if len(blocked) > 0 {
		return MergeResult{}, domainError(http.StatusConflict, "EDITORS_PRESENT", "Pages are being edited", blocked)
	}

	message := fmt.Sprintf("Merge thread %s", name)
	commit, merged, err := s.git.MergeThread(name, author, message)
	if err != nil {
		return MergeResult{}, fmt.Errorf("merge thread %s: %w", name, err)
	}
	thread, err = s.store.MarkThreadMerged(ctx, name)
	if err != nil {
		return MergeResult{}, err
	}

	for _, path := range merged {
		// Live replicas of these pages are now stale; tell their rooms.
		if s.rooms != nil {
			s.rooms.Invalidate(path)
		}
		kind, kindErr := content.KindOf(path)
		if kindErr != nil {
			continue
		}
		if _, err := s.store.UpsertPage(ctx, path, string(kind), author); err != nil {
			log.Printf("app: register merged page %s: %v", path, err)
			continue
		}
		if s.search != nil {
			stored, _, err := s.git.GetPage(gitstore.MainBranch, path)
			if err != nil {
				log.Printf("app: reindex merged page %s: %v", path, err)
				continue
			}
			s.search.IndexPage(path, string(kind), stored, author)
		}
	}

	if merged == nil {
		merged = []string{}
	}
	return MergeResult{Thread: thread, Commit: commit, Changed: merged}, nil
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

// healthTimeout bounds the readiness database ping.
const healthTimeout = 5 * time.Second
