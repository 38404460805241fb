// Package vcs supplies version-control signals for freshness
// classification: whether the working tree has uncommitted changes and
// what the head commit is.
package vcs

import (
	"context"
	"errors"
	"fmt"

	git "github.com/go-git/go-git/v5"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/workflowd/internal/freshness"
)

// ErrNotRepository means the path is not inside a git repository.
var ErrNotRepository = errors.New("not a git repository")

// State is one observation of a repository.
type State struct {
	// Head is the current head commit hash, empty when unborn.
	Head string
	// Branch is the current branch name, or "detached".
	Branch string
	// Uncommitted is true when the working tree is dirty.
	Uncommitted bool
}

// SignalSource produces freshness risk signals for a project path.
type SignalSource interface {
	// Signals observes the repository and reports risk. Observation
	// failures are reported as Unverified, never swallowed.
	Signals(ctx context.Context) freshness.Signals

	// State returns the full observation, including the head commit used
	// as a snapshot reference.
	State(ctx context.Context) (*State, error)
}

// GitProvider reads signals from a local git worktree via go-git.
type GitProvider struct {
	path   string
	logger *zap.Logger
}

// NewGitProvider creates a provider rooted at the given path.
func NewGitProvider(path string, logger *zap.Logger) (*GitProvider, error) {
	if path == "" {
		return nil, errors.New("repository path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GitProvider{path: path, logger: logger}, nil
}

// State observes the repository.
func (p *GitProvider) State(_ context.Context) (*State, error) {
	repo, err := git.PlainOpenWithOptions(p.path, &git.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("%w: %s", ErrNotRepository, p.path)
	}
	if err != nil {
		return nil, fmt.Errorf("opening repository at %s: %w", p.path, err)
	}

	st := &State{Branch: "detached"}

	head, err := repo.Head()
	if err == nil {
		st.Head = head.Hash().String()
		if head.Name().IsBranch() {
			st.Branch = head.Name().Short()
		}
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("opening worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("reading worktree status: %w", err)
	}
	st.Uncommitted = !status.IsClean()

	return st, nil
}

// Signals maps the observation onto freshness risk. An observation error
// yields Unverified so the tracker classifies StaleWithRisk instead of
// silently assuming a clean tree.
func (p *GitProvider) Signals(ctx context.Context) freshness.Signals {
	st, err := p.State(ctx)
	if err != nil {
		p.logger.Debug("vcs signals unverified", zap.String("path", p.path), zap.Error(err))
		return freshness.Signals{Unverified: true}
	}
	return freshness.Signals{UncommittedChanges: st.Uncommitted}
}
