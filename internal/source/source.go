// Package source materializes a recipe's declared sources into the
// sources cache and the build work tree.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Lunarequest/faebuild/internal/archive"
	"github.com/Lunarequest/faebuild/internal/cache"
	"github.com/Lunarequest/faebuild/internal/checksum"
	"github.com/Lunarequest/faebuild/internal/gitio"
	"github.com/Lunarequest/faebuild/internal/recipe"
)

// Staging is where sources land.
type Staging struct {
	// SourcesDir persists between builds; downloads and clones are cached here.
	SourcesDir string
	// WorkDir is the build tree archives are extracted into.
	WorkDir string
	// BaseDir holds the recipe; relative local paths resolve against it.
	BaseDir string
}

// Downloader fetches a URL into a file, resuming partial content.
type Downloader interface {
	Fetch(ctx context.Context, url, dest string) error
}

// GitResolver materializes a repository at a pinned commit.
type GitResolver interface {
	Resolve(ctx context.Context, req gitio.Request) (string, error)
}

// Fetcher stages a single source.
type Fetcher struct {
	downloader Downloader
	git        GitResolver
	index      *cache.Index
	logger     *slog.Logger
}

// NewFetcher creates a Fetcher. index memoizes artifact digests and may be
// nil, in which case cached artifacts are rehashed on every check.
func NewFetcher(downloader Downloader, git GitResolver, index *cache.Index, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{downloader: downloader, git: git, index: index, logger: logger}
}

// Fetch stages src (already resolved) and returns the path it produced:
// the repository for git, the work tree for archives, the cached file for
// files and patches. index is the source's position in the recipe.
func (f *Fetcher) Fetch(ctx context.Context, index int, src *recipe.Source, st Staging) (string, error) {
	logger := f.logger.With("source", index, "kind", src.Type.String())

	var (
		path string
		err  error
	)
	switch src.Type {
	case recipe.KindGit:
		path, err = f.fetchGit(ctx, src, st)
	case recipe.KindArchive:
		path, err = f.fetchArchive(ctx, logger, src, st)
	case recipe.KindFile, recipe.KindPatch:
		if src.Remote() {
			path, err = f.fetchRemote(ctx, logger, src, st)
		} else {
			path, err = f.copyLocal(logger, src, st)
		}
	default:
		err = fmt.Errorf("unknown source type %d", src.Type)
	}
	if err != nil {
		return "", fmt.Errorf("source %d (%s): %w", index, src.Type, err)
	}
	logger.Debug("staged", "path", path)
	return path, nil
}

func (f *Fetcher) fetchGit(ctx context.Context, src *recipe.Source, st Staging) (string, error) {
	return f.git.Resolve(ctx, gitio.Request{
		URL:       src.URL,
		Commit:    src.Commit,
		Tag:       src.Tag,
		Recursive: src.IsRecursive(),
		Dir:       filepath.Join(st.SourcesDir, src.Dest),
	})
}

func (f *Fetcher) fetchArchive(ctx context.Context, logger *slog.Logger, src *recipe.Source, st Staging) (string, error) {
	path := filepath.Join(st.SourcesDir, src.Dest)

	if f.cached(logger, src, st) {
		logger.Info("using cached archive", "path", path)
	} else if err := f.download(ctx, logger, src, st); err != nil {
		return "", err
	}

	logger.Info("extracting", "archive", path, "format", src.Format.String(), "dest", st.WorkDir)
	if err := archive.ExtractFormat(src.Format, path, st.WorkDir); err != nil {
		return "", err
	}
	return st.WorkDir, nil
}

// cached reports whether SourcesDir already holds src's artifact with the
// declared digest.
func (f *Fetcher) cached(logger *slog.Logger, src *recipe.Source, st Staging) bool {
	path := filepath.Join(st.SourcesDir, src.Dest)
	if _, err := os.Stat(path); err != nil {
		return false
	}
	digest, err := f.digest(src, st)
	if err != nil {
		logger.Warn("cannot hash cached archive", "path", path, "error", err)
		return false
	}
	if !src.Checksum.Matches(digest) {
		logger.Info("cached archive does not match checksum", "path", path, "expected", src.Checksum.Hex, "actual", digest)
		return false
	}
	return true
}

func (f *Fetcher) fetchRemote(ctx context.Context, logger *slog.Logger, src *recipe.Source, st Staging) (string, error) {
	if err := f.download(ctx, logger, src, st); err != nil {
		return "", err
	}
	return filepath.Join(st.SourcesDir, src.Dest), nil
}

// download fetches src into the cache and verifies it. A resumed download
// that fails verification may have been appended to a stale artifact, so
// it is fetched once more from scratch. An artifact that still fails is
// removed so the next attempt starts over.
func (f *Fetcher) download(ctx context.Context, logger *slog.Logger, src *recipe.Source, st Staging) error {
	path := filepath.Join(st.SourcesDir, src.Dest)
	resumed := false
	if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() && info.Size() > 0 {
		resumed = true
	}

	if err := f.downloader.Fetch(ctx, src.URL, path); err != nil {
		return err
	}
	err := f.verify(src, st)
	var mismatch *checksum.MismatchError
	if resumed && errors.As(err, &mismatch) {
		logger.Info("resumed artifact failed verification, downloading again", "path", path, "actual", mismatch.Actual)
		f.discard(logger, src.Dest, path)
		if err := f.downloader.Fetch(ctx, src.URL, path); err != nil {
			return err
		}
		err = f.verify(src, st)
	}
	if errors.As(err, &mismatch) {
		logger.Warn("removing artifact that failed verification", "path", path, "actual", mismatch.Actual)
		f.discard(logger, src.Dest, path)
	}
	return err
}

func (f *Fetcher) discard(logger *slog.Logger, name, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("cannot remove artifact", "path", path, "error", err)
	}
	f.forget(name)
}

func (f *Fetcher) copyLocal(logger *slog.Logger, src *recipe.Source, st Staging) (string, error) {
	from := src.Path
	if !filepath.IsAbs(from) {
		from = filepath.Join(st.BaseDir, from)
	}
	to := filepath.Join(st.SourcesDir, src.Dest)

	if same, err := samePath(from, to); err != nil {
		return "", err
	} else if !same {
		logger.Info("copying", "from", from, "to", to)
		if err := copyFile(from, to); err != nil {
			return "", err
		}
		f.forget(src.Dest)
	}

	if !src.Checksum.IsZero() {
		if err := f.verify(src, st); err != nil {
			return "", err
		}
	}
	return to, nil
}

func (f *Fetcher) verify(src *recipe.Source, st Staging) error {
	digest, err := f.digest(src, st)
	if err != nil {
		return err
	}
	return src.Checksum.VerifyDigest(filepath.Join(st.SourcesDir, src.Dest), digest)
}

func (f *Fetcher) digest(src *recipe.Source, st Staging) (string, error) {
	if f.index != nil {
		return f.index.Digest(src.Dest, src.Checksum.Algorithm)
	}
	return checksum.DigestWith(src.Checksum.Algorithm, filepath.Join(st.SourcesDir, src.Dest))
}

func (f *Fetcher) forget(name string) {
	if f.index == nil {
		return
	}
	if err := f.index.Forget(name); err != nil {
		f.logger.Debug("cannot drop digest memo", "name", name, "error", err)
	}
}

func samePath(a, b string) (bool, error) {
	ai, err := os.Stat(a)
	if err != nil {
		return false, fmt.Errorf("local source: %w", err)
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false, nil
	}
	return os.SameFile(ai, bi), nil
}

func copyFile(from, to string) error {
	in, err := os.Open(from)
	if err != nil {
		return fmt.Errorf("opening local source: %w", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat local source: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s: %w", from, checksum.ErrNotAFile)
	}

	out, err := os.OpenFile(to, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("creating %s: %w", to, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copying %s: %w", from, err)
	}
	return out.Close()
}
