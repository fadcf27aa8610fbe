// Package build prepares a package directory for compilation: it loads the
// recipe, stages every source and applies the patches.
package build

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Lunarequest/faebuild/internal/cache"
	"github.com/Lunarequest/faebuild/internal/config"
	"github.com/Lunarequest/faebuild/internal/download"
	"github.com/Lunarequest/faebuild/internal/gitio"
	"github.com/Lunarequest/faebuild/internal/patch"
	"github.com/Lunarequest/faebuild/internal/recipe"
	"github.com/Lunarequest/faebuild/internal/source"
)

// Options configures Prepare.
type Options struct {
	// Dir is the package directory holding the recipe (default ".").
	Dir      string
	Config   *config.Config
	Logger   *slog.Logger
	Progress download.Progress
}

// Result describes a prepared work tree.
type Result struct {
	Recipe  *recipe.Recipe
	Staging source.Staging
	Staged  []string
	Patches []string
}

// Prepare loads the recipe in opts.Dir, wipes the work directory, stages
// all sources under the cache lock and applies patches to the work tree.
func Prepare(ctx context.Context, opts Options) (*Result, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.FromEnv()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dir := opts.Dir
	if dir == "" {
		dir = "."
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving package dir: %w", err)
	}

	r, err := recipe.Load(filepath.Join(dir, cfg.RecipeFile))
	if err != nil {
		return nil, err
	}
	logger = logger.With("package", r.Name[0], "version", r.Version)

	st := source.Staging{
		SourcesDir: under(dir, cfg.SourcesDir),
		WorkDir:    under(dir, cfg.WorkDir),
		BaseDir:    dir,
	}
	// The work dir is shared with any concurrent build of this package, so
	// it is only touched while the sources lock is held.
	logger.Debug("locking sources dir", "dir", st.SourcesDir)
	lock, err := cache.LockWithin(ctx, st.SourcesDir, cfg.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	if err := os.RemoveAll(st.WorkDir); err != nil {
		return nil, fmt.Errorf("cleaning work dir: %w", err)
	}
	if err := os.MkdirAll(st.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", st.WorkDir, err)
	}

	idx, err := cache.Open(st.SourcesDir)
	if err != nil {
		return nil, err
	}
	defer idx.Close()

	downloader := download.New(download.Options{
		MaxRedirects: cfg.MaxRedirects,
		Timeout:      cfg.DownloadTimeout,
		Progress:     opts.Progress,
		Logger:       logger,
	})
	resolver := gitio.NewResolver(logger, cfg.GitTimeout)
	stager := source.NewStager(source.NewFetcher(downloader, resolver, idx, logger), logger)

	staged, err := stager.Stage(ctx, r.Sources, st)
	if err != nil {
		return nil, err
	}

	applier := &patch.Applier{Command: cfg.PatchCommand, Logger: logger}
	if err := applier.Apply(ctx, staged.Patches, st.WorkDir); err != nil {
		return nil, err
	}

	logger.Info("work tree ready", "dir", st.WorkDir, "sources", len(staged.Staged), "patches", len(staged.Patches))
	return &Result{
		Recipe:  r,
		Staging: st,
		Staged:  staged.Staged,
		Patches: staged.Patches,
	}, nil
}

func under(base, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}
