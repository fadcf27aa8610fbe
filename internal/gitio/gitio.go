// Package gitio provides Git repository I/O operations using go-git.
package gitio

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const remoteName = "origin"

// fetchSpecs mirrors every branch and force-updates tags so a tag that was
// moved upstream is seen (and then rejected by the commit check).
var fetchSpecs = []config.RefSpec{
	"+refs/heads/*:refs/remotes/origin/*",
	"+refs/tags/*:refs/tags/*",
}

// Repository wraps a go-git repository.
type Repository struct {
	repo *git.Repository
	path string
}

// Open opens an existing Git repository.
func Open(repoPath string) (*Repository, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return nil, fmt.Errorf("opening repository: %w", err)
	}
	return &Repository{repo: repo, path: repoPath}, nil
}

// Clone clones url into repoPath. With recursive set, submodules are
// cloned to the default recursion depth.
func Clone(ctx context.Context, url, repoPath string, recursive bool) (*Repository, error) {
	opts := &git.CloneOptions{
		URL:               url,
		RemoteName:        remoteName,
		Tags:              git.AllTags,
		RecurseSubmodules: git.NoRecurseSubmodules,
	}
	if recursive {
		opts.RecurseSubmodules = git.DefaultSubmoduleRecursionDepth
	}

	repo, err := git.PlainCloneContext(ctx, repoPath, false, opts)
	if err != nil {
		return nil, err
	}
	return &Repository{repo: repo, path: repoPath}, nil
}

// Path returns the working tree root.
func (r *Repository) Path() string {
	return r.path
}

// Fetch updates remote branches and tags from origin.
func (r *Repository) Fetch(ctx context.Context) error {
	err := r.repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: remoteName,
		RefSpecs:   fetchSpecs,
		Tags:       git.AllTags,
		Force:      true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return err
	}
	return nil
}

// ResolveTag resolves a tag name to the commit it points at, peeling
// annotated tags.
func (r *Repository) ResolveTag(name string) (*object.Commit, error) {
	ref, err := r.repo.Tag(name)
	if err != nil {
		return nil, fmt.Errorf("resolving tag %q: %w", name, err)
	}

	tag, err := r.repo.TagObject(ref.Hash())
	switch {
	case err == nil:
		commit, err := tag.Commit()
		if err != nil {
			return nil, fmt.Errorf("peeling tag %q: %w", name, err)
		}
		return commit, nil
	case errors.Is(err, plumbing.ErrObjectNotFound):
		// Lightweight tag: the ref points straight at the commit.
		return r.repo.CommitObject(ref.Hash())
	default:
		return nil, fmt.Errorf("reading tag %q: %w", name, err)
	}
}

// Commit looks up a commit by its full hex id.
func (r *Repository) Commit(id string) (*object.Commit, error) {
	if !IsCommitID(id) {
		return nil, fmt.Errorf("%q is not a full commit id", id)
	}
	return r.repo.CommitObject(plumbing.NewHash(strings.ToLower(id)))
}

// Checkout force-checks out hash with HEAD detached at it. When recursive
// is set, submodules are initialized and moved to the recorded commits.
func (r *Repository) Checkout(ctx context.Context, hash plumbing.Hash, recursive bool) error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("opening worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: hash, Force: true}); err != nil {
		return fmt.Errorf("checking out %s: %w", hash, err)
	}
	if !recursive {
		return nil
	}

	subs, err := wt.Submodules()
	if err != nil {
		return fmt.Errorf("listing submodules: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}
	err = subs.UpdateContext(ctx, &git.SubmoduleUpdateOptions{
		Init:              true,
		RecurseSubmodules: git.DefaultSubmoduleRecursionDepth,
	})
	if err != nil {
		return fmt.Errorf("updating submodules: %w", err)
	}
	return nil
}

// Head returns the commit HEAD points at and whether HEAD is detached.
func (r *Repository) Head() (plumbing.Hash, bool, error) {
	ref, err := r.repo.Reference(plumbing.HEAD, false)
	if err != nil {
		return plumbing.ZeroHash, false, err
	}
	if ref.Type() == plumbing.HashReference {
		return ref.Hash(), true, nil
	}
	resolved, err := r.repo.Head()
	if err != nil {
		return plumbing.ZeroHash, false, err
	}
	return resolved.Hash(), false, nil
}

// IsCommitID reports whether s is a full 40-character hex object id.
func IsCommitID(s string) bool {
	if len(s) != 40 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// GetCommitHash returns the hash of a commit as a string.
func GetCommitHash(commit *object.Commit) string {
	return commit.Hash.String()
}
