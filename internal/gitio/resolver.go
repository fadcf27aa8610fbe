package gitio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// CloneError reports a failed clone. The source cannot be staged.
type CloneError struct {
	URL string
	Err error
}

func (e *CloneError) Error() string {
	return fmt.Sprintf("cloning %s: %v", e.URL, e.Err)
}

func (e *CloneError) Unwrap() error { return e.Err }

// FetchError reports a failed update of an existing clone.
type FetchError struct {
	Dir string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching into %s: %v", e.Dir, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// CommitNotFoundError reports a declared commit (or the tag naming it)
// that does not exist in the repository after fetching.
type CommitNotFoundError struct {
	Commit string
	Tag    string
	Err    error
}

func (e *CommitNotFoundError) Error() string {
	if e.Tag != "" {
		return fmt.Sprintf("tag %q not found: %v", e.Tag, e.Err)
	}
	return fmt.Sprintf("commit %s not found: %v", e.Commit, e.Err)
}

func (e *CommitNotFoundError) Unwrap() error { return e.Err }

// TagMismatchError reports a tag whose commit differs from the declared
// one. Tags can be moved, so the declared commit id is authoritative.
type TagMismatchError struct {
	Tag      string
	Expected string
	Actual   string
}

func (e *TagMismatchError) Error() string {
	return fmt.Sprintf("tag %q resolves to %s, expected commit %s", e.Tag, e.Actual, e.Expected)
}

// CheckoutError reports a failure to move the working tree to a commit.
type CheckoutError struct {
	Commit string
	Err    error
}

func (e *CheckoutError) Error() string {
	return fmt.Sprintf("checking out %s: %v", e.Commit, e.Err)
}

func (e *CheckoutError) Unwrap() error { return e.Err }

// Request describes one git source to materialize.
type Request struct {
	URL       string
	Commit    string
	Tag       string
	Recursive bool
	// Dir is the working copy location; reused when it already holds a clone.
	Dir string
}

// Resolver clones or updates repositories and checks out pinned commits.
type Resolver struct {
	logger  *slog.Logger
	timeout time.Duration
}

// NewResolver creates a Resolver. A zero timeout means no deadline beyond
// the caller's context.
func NewResolver(logger *slog.Logger, timeout time.Duration) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{logger: logger, timeout: timeout}
}

// Resolve brings req.Dir to a detached checkout of req.Commit and returns
// the working tree path.
func (r *Resolver) Resolve(ctx context.Context, req Request) (string, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	logger := r.logger.With("url", req.URL, "dir", req.Dir)

	repo, err := r.locate(ctx, logger, req)
	if err != nil {
		return "", err
	}

	commit, err := target(repo, req)
	if err != nil {
		return "", err
	}

	logger.Info("checking out", "commit", commit.Hash.String(), "recursive", req.Recursive)
	if err := repo.Checkout(ctx, commit.Hash, req.Recursive); err != nil {
		return "", &CheckoutError{Commit: commit.Hash.String(), Err: err}
	}
	return repo.Path(), nil
}

// locate opens and fetches an existing clone, or clones a fresh one.
func (r *Resolver) locate(ctx context.Context, logger *slog.Logger, req Request) (*Repository, error) {
	repo, err := Open(req.Dir)
	if err == nil {
		logger.Info("updating repository")
		if err := repo.Fetch(ctx); err != nil {
			return nil, &FetchError{Dir: req.Dir, Err: err}
		}
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, &CloneError{URL: req.URL, Err: err}
	}

	logger.Info("cloning repository", "recursive", req.Recursive)
	existed := exists(req.Dir)
	repo, err = Clone(ctx, req.URL, req.Dir, req.Recursive)
	if err != nil {
		if !existed {
			os.RemoveAll(req.Dir)
		}
		return nil, &CloneError{URL: req.URL, Err: err}
	}
	return repo, nil
}

// target resolves the commit to check out. With a tag, the tag's commit
// must equal the declared commit.
func target(repo *Repository, req Request) (*object.Commit, error) {
	if req.Tag == "" {
		commit, err := repo.Commit(req.Commit)
		if err != nil {
			return nil, &CommitNotFoundError{Commit: req.Commit, Err: err}
		}
		return commit, nil
	}

	commit, err := repo.ResolveTag(req.Tag)
	if err != nil {
		return nil, &CommitNotFoundError{Commit: req.Commit, Tag: req.Tag, Err: err}
	}
	actual := GetCommitHash(commit)
	if !strings.EqualFold(actual, req.Commit) {
		return nil, &TagMismatchError{Tag: req.Tag, Expected: strings.ToLower(req.Commit), Actual: actual}
	}
	return commit, nil
}
