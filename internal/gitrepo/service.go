package gitrepo

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

type CommitInfo struct {
	Hash      string    `json:"hash"`
	FullHash  string    `json:"fullHash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// Baseline is the file tree of one commit.
type Baseline struct {
	Files  map[string][]byte
	Commit CommitInfo
}

// Title is the root patch title for a baseline imported from this commit.
func (b Baseline) Title() string {
	return fmt.Sprintf("Published baseline as of %s: %s", b.Commit.CreatedAt.Format("2006-01-02"), b.Commit.Hash)
}

// Paths returns the baseline's file paths in order.
func (b Baseline) Paths() []string {
	out := make([]string, 0, len(b.Files))
	for p := range b.Files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Service reads baselines from and publishes them to one repository.
type Service struct {
	dir         string
	authorName  string
	authorEmail string
	mu          sync.Mutex
}

func New(dir, authorName, authorEmail string) *Service {
	if authorEmail == "" {
		authorEmail = fmt.Sprintf("%s@localhost", sanitizeEmail(authorName))
	}
	return &Service{dir: dir, authorName: authorName, authorEmail: authorEmail}
}

// EnsureRepo creates the repository with initial committed on branch, unless
// a repository already exists.
func (s *Service) EnsureRepo(branch string, initial map[string][]byte) error {
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
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(branch))); err != nil {
		return fmt.Errorf("set HEAD to %s: %w", branch, err)
	}
	if _, err := s.commit(repo, initial, "Import baseline"); err != nil {
		return err
	}
	return nil
}

// Snapshot reads every file of the commit rev names. rev is a branch, tag,
// or full or abbreviated hash.
func (s *Service) Snapshot(rev string) (Baseline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := git.PlainOpen(s.dir)
	if err != nil {
		return Baseline{}, fmt.Errorf("open repo: %w", err)
	}
	hash, err := resolveHash(repo, rev)
	if err != nil {
		return Baseline{}, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Baseline{}, fmt.Errorf("read commit %s: %w", rev, err)
	}
	files, err := readFiles(commitObj)
	if err != nil {
		return Baseline{}, err
	}
	return Baseline{Files: files, Commit: toCommitInfo(commitObj)}, nil
}

// Publish makes branch hold exactly files and commits the change. When the
// branch already matches, its head is returned and nothing is committed.
func (s *Service) Publish(branch string, files map[string][]byte, message string) (CommitInfo, error) {
	for p := range files {
		if err := checkPath(p); err != nil {
			return CommitInfo{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := git.PlainOpen(s.dir)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}
	if err := checkoutBranch(repo, branch); err != nil {
		return CommitInfo{}, err
	}
	hash, err := s.commit(repo, files, message)
	if errors.Is(err, git.ErrEmptyCommit) {
		head, err := repo.Head()
		if err != nil {
			return CommitInfo{}, fmt.Errorf("read head: %w", err)
		}
		hash = head.Hash()
	} else if err != nil {
		return CommitInfo{}, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// commit replaces the worktree's tracked files with files and commits them
// on the checked out branch.
func (s *Service) commit(repo *git.Repository, files map[string][]byte, message string) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}
	repoRoot := worktree.Filesystem.Root()

	if head, err := repo.Head(); err == nil {
		commitObj, err := repo.CommitObject(head.Hash())
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("read head commit: %w", err)
		}
		tracked, err := readFiles(commitObj)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		for p := range tracked {
			if _, keep := files[p]; keep {
				continue
			}
			if err := os.Remove(filepath.Join(repoRoot, filepath.FromSlash(p))); err != nil && !errors.Is(err, os.ErrNotExist) {
				return plumbing.ZeroHash, fmt.Errorf("remove %s: %w", p, err)
			}
		}
	} else if !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return plumbing.ZeroHash, fmt.Errorf("read head: %w", err)
	}

	for p, content := range files {
		full := filepath.Join(repoRoot, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("create dir for %s: %w", p, err)
		}
		if err := os.WriteFile(full, content, 0o644); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("write %s: %w", p, err)
		}
	}
	if err := worktree.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  s.authorName,
			Email: s.authorEmail,
			When:  time.Now(),
		},
	})
	if errors.Is(err, git.ErrEmptyCommit) {
		return plumbing.ZeroHash, err
	}
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit baseline: %w", err)
	}
	return hash, nil
}

func checkoutBranch(repo *git.Repository, branchName string) error {
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	branchRef := plumbing.NewBranchReferenceName(branchName)
	if _, err := repo.Reference(branchRef, true); err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Create: true}); err != nil {
				return fmt.Errorf("create branch checkout %s: %w", branchName, err)
			}
			return nil
		}
		return fmt.Errorf("resolve branch %s: %w", branchName, err)
	}

	if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Force: true}); err != nil {
		return fmt.Errorf("checkout branch %s: %w", branchName, err)
	}
	return nil
}

func readFiles(commitObj *object.Commit) (map[string][]byte, error) {
	iter, err := commitObj.Files()
	if err != nil {
		return nil, fmt.Errorf("list commit files: %w", err)
	}
	defer iter.Close()

	files := make(map[string][]byte)
	err = iter.ForEach(func(file *object.File) error {
		reader, err := file.Reader()
		if err != nil {
			return fmt.Errorf("open %s: %w", file.Name, err)
		}
		defer reader.Close()
		content, err := io.ReadAll(reader)
		if err != nil {
			return fmt.Errorf("read %s: %w", file.Name, err)
		}
		files[file.Name] = content
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// checkPath rejects paths that would land outside the worktree or in .git.
func checkPath(p string) error {
	if p == "" || strings.HasPrefix(p, "/") {
		return fmt.Errorf("publish: bad path %q", p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." || seg == ".git" {
			return fmt.Errorf("publish: bad path %q", p)
		}
	}
	return nil
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		FullHash:  commitObj.Hash.String(),
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	bytes := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			bytes = append(bytes, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			bytes = append(bytes, '.')
		}
	}
	if len(bytes) == 0 {
		return "user"
	}
	return string(bytes)
}

func resolveHash(repo *git.Repository, rev string) (plumbing.Hash, error) {
	if len(rev) == 40 && plumbing.IsHash(rev) {
		return plumbing.NewHash(rev), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve revision %s: %w", rev, err)
	}
	return *resolved, nil
}
