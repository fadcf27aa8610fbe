package source

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/Lunarequest/faebuild/internal/recipe"
)

// PatchSet is the ordered list of staged patch files.
type PatchSet []string

// Result is the outcome of staging every source of a recipe.
type Result struct {
	// Staged holds the path each source produced, in declaration order.
	Staged  []string
	Patches PatchSet
}

// Stager stages a recipe's sources in order.
type Stager struct {
	fetcher *Fetcher
	logger  *slog.Logger
}

// NewStager creates a Stager.
func NewStager(fetcher *Fetcher, logger *slog.Logger) *Stager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stager{fetcher: fetcher, logger: logger}
}

// Stage validates every source, then fetches them strictly in declaration
// order. The first failure stops staging; earlier sources stay staged.
func (s *Stager) Stage(ctx context.Context, sources []recipe.Source, st Staging) (*Result, error) {
	for i := range sources {
		if err := sources[i].Resolve(i); err != nil {
			return nil, err
		}
	}

	for _, dir := range []string{st.SourcesDir, st.WorkDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	result := &Result{Staged: make([]string, 0, len(sources))}
	for i := range sources {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		src := &sources[i]
		path, err := s.fetcher.Fetch(ctx, i, src, st)
		if err != nil {
			return result, err
		}
		result.Staged = append(result.Staged, path)
		if src.Type == recipe.KindPatch {
			result.Patches = append(result.Patches, path)
		}
	}

	s.logger.Info("sources staged", "count", len(result.Staged), "patches", len(result.Patches))
	return result, nil
}
