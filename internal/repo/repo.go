// Package repo reads repository state with go-git: current branch, HEAD
// commit, dirty files and commit details for the watcher.
package repo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// ErrNotGitRepo indicates the directory is not inside a Git repository.
var ErrNotGitRepo = errors.New("not a git repository")

// Status is a point-in-time view of a working tree.
type Status struct {
	Root         string    `json:"root"`
	Branch       string    `json:"branch"`
	Head         string    `json:"head,omitempty"`
	HeadMessage  string    `json:"head_message,omitempty"`
	HeadTime     time.Time `json:"head_time,omitempty"`
	Dirty        bool      `json:"dirty"`
	ChangedFiles []string  `json:"changed_files,omitempty"`
}

// Commit describes a single commit.
type Commit struct {
	Hash         string    `json:"hash"`
	Message      string    `json:"message"`
	Author       string    `json:"author"`
	When         time.Time `json:"when"`
	FilesChanged []string  `json:"files_changed,omitempty"`
}

// Inspector answers questions about one repository.
type Inspector struct {
	root string
	repo *git.Repository
}

// Open opens the repository containing path. Worktrees are supported.
func Open(path string) (*Inspector, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", path, err)
	}
	r, err := git.PlainOpenWithOptions(abs, &git.PlainOpenOptions{
		DetectDotGit:          true,
		EnableDotGitCommonDir: true,
	})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%w: %s", ErrNotGitRepo, abs)
		}
		return nil, fmt.Errorf("opening repository: %w", err)
	}
	root := abs
	if wt, err := r.Worktree(); err == nil {
		root = wt.Filesystem.Root()
	}
	return &Inspector{root: root, repo: r}, nil
}

// Root returns the working tree root.
func (i *Inspector) Root() string { return i.root }

// Status reports branch, HEAD and uncommitted files. An unborn HEAD yields
// an empty Head rather than an error.
func (i *Inspector) Status() (Status, error) {
	st := Status{Root: i.root, Branch: "detached"}

	head, err := i.repo.Head()
	switch {
	case errors.Is(err, plumbing.ErrReferenceNotFound):
		if ref, rerr := i.repo.Storer.Reference(plumbing.HEAD); rerr == nil && ref.Type() == plumbing.SymbolicReference {
			st.Branch = ref.Target().Short()
		}
	case err != nil:
		return Status{}, fmt.Errorf("reading HEAD: %w", err)
	default:
		if head.Name().IsBranch() {
			st.Branch = head.Name().Short()
		}
		st.Head = head.Hash().String()
		if c, err := i.repo.CommitObject(head.Hash()); err == nil {
			st.HeadMessage = firstLine(c.Message)
			st.HeadTime = c.Committer.When
		}
	}

	wt, err := i.repo.Worktree()
	if err != nil {
		return Status{}, fmt.Errorf("opening worktree: %w", err)
	}
	ws, err := wt.Status()
	if err != nil {
		return Status{}, fmt.Errorf("reading worktree status: %w", err)
	}
	for path, fs := range ws {
		if fs.Worktree == git.Unmodified && fs.Staging == git.Unmodified {
			continue
		}
		st.ChangedFiles = append(st.ChangedFiles, path)
	}
	sort.Strings(st.ChangedFiles)
	st.Dirty = len(st.ChangedFiles) > 0
	return st, nil
}

// Commit loads a commit and the files it touched relative to its first
// parent. The root commit lists every file in its tree.
func (i *Inspector) Commit(hash string) (Commit, error) {
	c, err := i.repo.CommitObject(plumbing.NewHash(hash))
	if err != nil {
		return Commit{}, fmt.Errorf("loading commit %s: %w", hash, err)
	}
	out := Commit{
		Hash:    c.Hash.String(),
		Message: strings.TrimSpace(c.Message),
		Author:  c.Author.Name,
		When:    c.Committer.When,
	}

	stats, err := c.Stats()
	if err != nil {
		return Commit{}, fmt.Errorf("diffing commit %s: %w", hash, err)
	}
	for _, s := range stats {
		out.FilesChanged = append(out.FilesChanged, s.Name)
	}
	sort.Strings(out.FilesChanged)
	return out, nil
}

// Recent returns up to n commits reachable from HEAD, newest first.
func (i *Inspector) Recent(n int) ([]Commit, error) {
	head, err := i.repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading HEAD: %w", err)
	}
	iter, err := i.repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("walking log: %w", err)
	}
	defer iter.Close()

	var out []Commit
	for len(out) < n {
		c, err := iter.Next()
		if err != nil {
			break
		}
		out = append(out, Commit{
			Hash:    c.Hash.String(),
			Message: firstLine(c.Message),
			Author:  c.Author.Name,
			When:    c.Committer.When,
		})
	}
	return out, nil
}

// GitDir returns the git directory for a working tree path. Handles both
// main repositories and worktrees, where .git is a file pointing elsewhere.
func GitDir(projectPath string) (string, error) {
	gitPath := filepath.Join(projectPath, ".git")
	info, err := os.Stat(gitPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotGitRepo, projectPath)
		}
		return "", fmt.Errorf("stat .git: %w", err)
	}
	if info.IsDir() {
		return gitPath, nil
	}

	content, err := os.ReadFile(gitPath)
	if err != nil {
		return "", fmt.Errorf("reading .git file: %w", err)
	}
	dir := strings.TrimSpace(string(content))
	if !strings.HasPrefix(dir, "gitdir:") {
		return "", fmt.Errorf("%w: invalid .git file format", ErrNotGitRepo)
	}
	dir = strings.TrimSpace(strings.TrimPrefix(dir, "gitdir:"))
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(projectPath, dir)
	}
	return dir, nil
}

func firstLine(msg string) string {
	msg = strings.TrimSpace(msg)
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		return msg[:i]
	}
	return msg
}
