package repo

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initRepo(t *testing.T) (string, *git.Repository) {
	t.Helper()
	dir := t.TempDir()
	r, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	return dir, r
}

func commitFile(t *testing.T, r *git.Repository, dir, name, content, msg string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Join(dir, name)), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	wt, err := r.Worktree()
	require.NoError(t, err)
	_, err = wt.Add(name)
	require.NoError(t, err)
	h, err := wt.Commit(msg, &git.CommitOptions{Author: &object.Signature{
		Name: "dev", Email: "dev@example.com", When: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}})
	require.NoError(t, err)
	return h.String()
}

func TestOpen_NotARepo(t *testing.T) {
	_, err := Open(t.TempDir())
	assert.ErrorIs(t, err, ErrNotGitRepo)
}

func TestStatus_UnbornHead(t *testing.T) {
	dir, _ := initRepo(t)
	in, err := Open(dir)
	require.NoError(t, err)

	st, err := in.Status()
	require.NoError(t, err)
	assert.Equal(t, "master", st.Branch)
	assert.Empty(t, st.Head)
	assert.False(t, st.Dirty)
}

func TestStatus_DirtyAfterEdit(t *testing.T) {
	dir, r := initRepo(t)
	hash := commitFile(t, r, dir, "main.go", "package main\n", "initial commit\n\nbody")

	in, err := Open(filepath.Join(dir))
	require.NoError(t, err)
	st, err := in.Status()
	require.NoError(t, err)
	assert.Equal(t, hash, st.Head)
	assert.Equal(t, "initial commit", st.HeadMessage)
	assert.False(t, st.Dirty)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.go"), []byte("package main\n"), 0o644))
	st, err = in.Status()
	require.NoError(t, err)
	assert.True(t, st.Dirty)
	assert.Equal(t, []string{"main.go", "new.go"}, st.ChangedFiles)
}

func TestCommit_FilesChanged(t *testing.T) {
	dir, r := initRepo(t)
	commitFile(t, r, dir, "a.txt", "a", "first")
	hash := commitFile(t, r, dir, "pkg/b.txt", "b", "second")

	in, err := Open(dir)
	require.NoError(t, err)
	c, err := in.Commit(hash)
	require.NoError(t, err)
	assert.Equal(t, "second", c.Message)
	assert.Equal(t, "dev", c.Author)
	assert.Equal(t, []string{"pkg/b.txt"}, c.FilesChanged)

	recent, err := in.Recent(5)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, hash, recent[0].Hash)
}

func TestGitDir(t *testing.T) {
	dir, _ := initRepo(t)
	got, err := GitDir(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ".git"), got)

	wt := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(wt, ".git"), []byte("gitdir: /main/.git/worktrees/feature\n"), 0o644))
	got, err = GitDir(wt)
	require.NoError(t, err)
	assert.Equal(t, "/main/.git/worktrees/feature", got)

	bad := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bad, ".git"), []byte("nonsense"), 0o644))
	_, err = GitDir(bad)
	assert.ErrorIs(t, err, ErrNotGitRepo)

	_, err = GitDir(t.TempDir())
	assert.ErrorIs(t, err, ErrNotGitRepo)
}
