package vcs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// initTestRepo creates a repository with one committed file on master.
func initTestRepo(t *testing.T) (string, *git.Worktree) {
	t.Helper()

	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("workflow notes\n"), 0o644))

	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	return dir, wt
}

func TestNewGitProviderValidation(t *testing.T) {
	_, err := NewGitProvider("", nil)
	assert.Error(t, err)
}

func TestStateCleanTree(t *testing.T) {
	dir, _ := initTestRepo(t)
	p, err := NewGitProvider(dir, nil)
	require.NoError(t, err)

	st, err := p.State(context.Background())
	require.NoError(t, err)
	assert.Len(t, st.Head, 40)
	assert.Equal(t, "master", st.Branch)
	assert.False(t, st.Uncommitted)
}

func TestStateDirtyTree(t *testing.T) {
	dir, _ := initTestRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scratch.txt"), []byte("wip\n"), 0o644))

	p, err := NewGitProvider(dir, nil)
	require.NoError(t, err)

	st, err := p.State(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Uncommitted)
}

func TestStateNotARepository(t *testing.T) {
	p, err := NewGitProvider(t.TempDir(), nil)
	require.NoError(t, err)

	_, err = p.State(context.Background())
	assert.ErrorIs(t, err, ErrNotRepository)
}

func TestStateNestedPath(t *testing.T) {
	dir, _ := initTestRepo(t)
	nested := filepath.Join(dir, "cmd", "tool")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	p, err := NewGitProvider(nested, nil)
	require.NoError(t, err)

	st, err := p.State(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, st.Head)
}

func TestSignals(t *testing.T) {
	t.Run("clean tree is risk free", func(t *testing.T) {
		dir, _ := initTestRepo(t)
		p, err := NewGitProvider(dir, nil)
		require.NoError(t, err)

		sig := p.Signals(context.Background())
		assert.False(t, sig.UncommittedChanges)
		assert.False(t, sig.Unverified)
	})

	t.Run("dirty tree reports uncommitted changes", func(t *testing.T) {
		dir, _ := initTestRepo(t)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "scratch.txt"), []byte("wip\n"), 0o644))

		p, err := NewGitProvider(dir, nil)
		require.NoError(t, err)
		assert.True(t, p.Signals(context.Background()).UncommittedChanges)
	})

	t.Run("observation failure reports unverified", func(t *testing.T) {
		p, err := NewGitProvider(t.TempDir(), nil)
		require.NoError(t, err)
		assert.True(t, p.Signals(context.Background()).Unverified)
	})
}
