// Package gitstore keeps the wiki's page content in a git repository: pages
// are plain files at their document path, threads are branches, and merging a
// thread copies its tree onto main as one attributed commit.
package gitstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const MainBranch = "main"

// ErrPageNotFound is returned when a branch head has no file at the path.
var ErrPageNotFound = errors.New("gitstore: page not found")

type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	dir string
	mu  sync.Mutex
}

func New(dir string) *Service {
	return &Service{dir: dir}
}

// EnsureWiki initializes the repository with a seed home page when the
// directory holds no repo yet.
func (s *Service) EnsureWiki(author string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := git.PlainOpen(s.dir); err == nil {
		return nil
	} else if !errors.Is(err, git.ErrRepositoryNotExists) {
		return fmt.Errorf("open repo: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(s.dir, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	seed := "# Home\n\nWelcome to the wiki.\n"
	if err := os.WriteFile(filepath.Join(s.dir, "home.md"), []byte(seed), 0o644); err != nil {
		return fmt.Errorf("write seed page: %w", err)
	}
	if _, err := worktree.Add("home.md"); err != nil {
		return fmt.Errorf("git add seed page: %w", err)
	}
	hash, err := worktree.Commit("Initialize wiki", &git.CommitOptions{
		Author: signature(author),
	})
	if err != nil {
		return fmt.Errorf("commit seed page: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(MainBranch), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(MainBranch))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

// EnsureThread creates branch from fromBranch if it does not already exist.
func (s *Service) EnsureThread(branch, fromBranch string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := git.PlainOpen(s.dir)
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}

	branchRefName := plumbing.NewBranchReferenceName(branch)
	if _, err := repo.Reference(branchRefName, true); err == nil {
		return nil
	}

	fromRef, err := repo.Reference(plumbing.NewBranchReferenceName(fromBranch), true)
	if err != nil {
		return fmt.Errorf("read source branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(branchRefName, fromRef.Hash())); err != nil {
		return fmt.Errorf("create branch ref: %w", err)
	}
	return nil
}

// CommitPage writes content to path on branch as one attributed commit.
func (s *Service) CommitPage(branch, path, content, author, message string) (CommitInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := git.PlainOpen(s.dir)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}
	if err := checkoutBranch(repo, branch); err != nil {
		return CommitInfo{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}

	target := filepath.Join(s.dir, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return CommitInfo{}, fmt.Errorf("create page dir: %w", err)
	}
	if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
		return CommitInfo{}, fmt.Errorf("write page: %w", err)
	}
	if _, err := worktree.Add(path); err != nil {
		return CommitInfo{}, fmt.Errorf("git add page: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{Author: signature(author)})
	if err != nil {
		return CommitInfo{}, fmt.Errorf("commit page: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// GetPage returns the stored content of path at the head of branch.
func (s *Service) GetPage(branch, path string) (string, CommitInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := git.PlainOpen(s.dir)
	if err != nil {
		return "", CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}
	commitObj, err := branchHead(repo, branch)
	if err != nil {
		return "", CommitInfo{}, err
	}
	content, err := readPageFromCommit(commitObj, path)
	if err != nil {
		return "", CommitInfo{}, err
	}
	return content, toCommitInfo(commitObj), nil
}

// ListPages walks the branch head tree and returns every page path.
func (s *Service) ListPages(branch string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := git.PlainOpen(s.dir)
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	commitObj, err := branchHead(repo, branch)
	if err != nil {
		return nil, err
	}
	tree, err := commitObj.Tree()
	if err != nil {
		return nil, fmt.Errorf("load tree: %w", err)
	}

	var paths []string
	err = tree.Files().ForEach(func(f *object.File) error {
		paths = append(paths, f.Name)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk tree: %w", err)
	}
	return paths, nil
}

// History lists commits touching path on branch, newest first.
func (s *Service) History(branch, path string, limit int) ([]CommitInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := git.PlainOpen(s.dir)
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branch, err)
	}

	logOptions := &git.LogOptions{From: ref.Hash()}
	if path != "" {
		logOptions.FileName = &path
	}
	iter, err := repo.Log(logOptions)
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// ChangedPages returns the paths that differ between branch's head and main's
// head. The merge workflow refuses to proceed while any of them has open
// editing sessions.
func (s *Service) ChangedPages(branch string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := git.PlainOpen(s.dir)
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return changedPages(repo, branch)
}

// MergeThread lands branch's tree onto main as one copy-commit and returns
// the merge commit plus the affected page paths.
func (s *Service) MergeThread(branch, author, message string) (CommitInfo, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := git.PlainOpen(s.dir)
	if err != nil {
		return CommitInfo{}, nil, fmt.Errorf("open repo: %w", err)
	}

	changed, err := changedPages(repo, branch)
	if err != nil {
		return CommitInfo{}, nil, err
	}

	sourceHead, err := branchHead(repo, branch)
	if err != nil {
		return CommitInfo{}, nil, err
	}
	sourceTree, err := sourceHead.Tree()
	if err != nil {
		return CommitInfo{}, nil, fmt.Errorf("load source tree: %w", err)
	}

	if err := checkoutBranch(repo, MainBranch); err != nil {
		return CommitInfo{}, nil, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, nil, fmt.Errorf("open worktree: %w", err)
	}

	err = sourceTree.Files().ForEach(func(f *object.File) error {
		contents, err := f.Contents()
		if err != nil {
			return fmt.Errorf("read %s from source branch: %w", f.Name, err)
		}
		target := filepath.Join(s.dir, filepath.FromSlash(f.Name))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create dir for %s: %w", f.Name, err)
		}
		if err := os.WriteFile(target, []byte(contents), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", f.Name, err)
		}
		if _, err := worktree.Add(f.Name); err != nil {
			return fmt.Errorf("git add %s: %w", f.Name, err)
		}
		return nil
	})
	if err != nil {
		return CommitInfo{}, nil, err
	}

	mergeMessage := fmt.Sprintf(
		"%s\n\nmerge: source=%s target=%s actor=%s mode=copy-commit",
		message, branch, MainBranch, author,
	)
	hash, err := worktree.Commit(mergeMessage, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            signature(author),
	})
	if err != nil {
		return CommitInfo{}, nil, fmt.Errorf("commit merge: %w", err)
	}
	merged, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, nil, fmt.Errorf("read merge commit object: %w", err)
	}
	return toCommitInfo(merged), changed, nil
}

func changedPages(repo *git.Repository, branch string) ([]string, error) {
	sourceHead, err := branchHead(repo, branch)
	if err != nil {
		return nil, err
	}
	mainHead, err := branchHead(repo, MainBranch)
	if err != nil {
		return nil, err
	}
	sourceTree, err := sourceHead.Tree()
	if err != nil {
		return nil, fmt.Errorf("load source tree: %w", err)
	}
	mainTree, err := mainHead.Tree()
	if err != nil {
		return nil, fmt.Errorf("load main tree: %w", err)
	}

	diff, err := object.DiffTree(mainTree, sourceTree)
	if err != nil {
		return nil, fmt.Errorf("diff trees: %w", err)
	}

	seen := make(map[string]struct{})
	var paths []string
	for _, change := range diff {
		for _, name := range []string{change.From.Name, change.To.Name} {
			if name == "" {
				continue
			}
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			paths = append(paths, name)
		}
	}
	return paths, nil
}

func branchHead(repo *git.Repository, branch string) (*object.Commit, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	return commitObj, nil
}

func checkoutBranch(repo *git.Repository, branch string) error {
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	branchRef := plumbing.NewBranchReferenceName(branch)
	if _, err := repo.Reference(branchRef, true); err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Create: true}); err != nil {
				return fmt.Errorf("create branch checkout %s: %w", branch, err)
			}
			return nil
		}
		return fmt.Errorf("resolve branch %s: %w", branch, err)
	}

	if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Force: true}); err != nil {
		return fmt.Errorf("checkout branch %s: %w", branch, err)
	}
	return nil
}

func readPageFromCommit(commitObj *object.Commit, path string) (string, error) {
	file, err := commitObj.File(path)
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return "", ErrPageNotFound
		}
		return "", fmt.Errorf("load %s from commit: %w", path, err)
	}
	contents, err := file.Contents()
	if err != nil {
		return "", fmt.Errorf("read page contents: %w", err)
	}
	return contents, nil
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func signature(author string) *object.Signature {
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@local.tandem.dev", sanitizeEmail(author)),
		When:  time.Now(),
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range strings.ToLower(input) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
