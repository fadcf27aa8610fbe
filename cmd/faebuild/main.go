// Package main provides the faebuild CLI.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Lunarequest/faebuild/internal/build"
	"github.com/Lunarequest/faebuild/internal/cache"
	"github.com/Lunarequest/faebuild/internal/checksum"
	"github.com/Lunarequest/faebuild/internal/config"
	"github.com/Lunarequest/faebuild/internal/failure"
	"github.com/Lunarequest/faebuild/internal/logging"
	"github.com/Lunarequest/faebuild/internal/recipe"
)

// Version is the current faebuild version
var Version = "0.3.0"

var (
	cfg    = config.FromEnv()
	logger = logging.Discard()

	verbose     bool
	checksumAlg string
	gcKeep      []string
	gcDryRun    bool
)

var rootCmd = &cobra.Command{
	Use:           "faebuild",
	Short:         "faebuild - fetch, verify and stage package sources",
	Long:          `faebuild reads a faebuild.yaml recipe, downloads and verifies its sources, and prepares a patched work tree for the package build.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger = logging.New(verbose || cfg.Debug)
		slog.SetDefault(logger)
	},
}

var buildCmd = &cobra.Command{
	Use:     "build [path]",
	Aliases: []string{"b"},
	Short:   "Stage sources and apply patches for the package in path",
	Args:    cobra.MaximumNArgs(1),
	RunE:    runBuild,
}

var checksumCmd = &cobra.Command{
	Use:   "checksum <file>...",
	Short: "Print file digests in recipe format",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runChecksum,
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and clean the sources cache",
}

var cacheLsCmd = &cobra.Command{
	Use:   "ls [path]",
	Short: "List cached artifacts and repositories",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCacheLs,
}

var cacheGCCmd = &cobra.Command{
	Use:   "gc [path]",
	Short: "Remove cached entries the recipe no longer references",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCacheGC,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	checksumCmd.Flags().StringVar(&checksumAlg, "algo", "sha256", "Digest algorithm (sha256 or blake3)")
	cacheGCCmd.Flags().StringSliceVar(&gcKeep, "keep", nil, "Glob of entry names to keep (repeatable)")
	cacheGCCmd.Flags().BoolVar(&gcDryRun, "dry-run", false, "Show what would be removed without deleting")

	cacheCmd.AddCommand(cacheLsCmd, cacheGCCmd)
	rootCmd.AddCommand(buildCmd, checksumCmd, cacheCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "faebuild: %v\n", err)
		os.Exit(failure.ExitCode(err))
	}
}

func packageDir(args []string) string {
	if len(args) == 1 {
		return args[0]
	}
	return "."
}

func runBuild(cmd *cobra.Command, args []string) error {
	res, err := build.Prepare(cmd.Context(), build.Options{
		Dir:      packageDir(args),
		Config:   cfg,
		Logger:   logger,
		Progress: newProgress(logger),
	})
	if err != nil {
		logger.Error("build failed", "class", failure.Classify(err).String(), "retryable", failure.Retryable(err))
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s-%d: %d sources staged, %d patches applied\n",
		res.Recipe.Name[0], res.Recipe.Version, res.Recipe.Rel, len(res.Staged), len(res.Patches))
	fmt.Fprintf(out, "work tree: %s\n", res.Staging.WorkDir)
	return nil
}

func runChecksum(cmd *cobra.Command, args []string) error {
	algo, err := checksum.ParseAlgorithm(checksumAlg)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, path := range args {
		digest, err := checksum.DigestWith(algo, path)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s  %s\n", digest, path)
	}
	return nil
}

func sourcesDir(dir string) (string, error) {
	if filepath.IsAbs(cfg.SourcesDir) {
		return cfg.SourcesDir, nil
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(abs, cfg.SourcesDir), nil
}

func runCacheLs(cmd *cobra.Command, args []string) error {
	dir, err := sourcesDir(packageDir(args))
	if err != nil {
		return err
	}
	entries, err := cache.List(dir)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tKIND\tSIZE\tMODIFIED")
	for _, e := range entries {
		kind := "file"
		if e.Dir {
			kind = "repo"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Name, kind, formatBytes(e.Size), e.ModTime.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func runCacheGC(cmd *cobra.Command, args []string) error {
	pkgDir := packageDir(args)
	r, err := recipe.Load(filepath.Join(pkgDir, cfg.RecipeFile))
	if err != nil {
		return err
	}
	dir, err := sourcesDir(pkgDir)
	if err != nil {
		return err
	}

	lock, err := cache.LockWithin(cmd.Context(), dir, cfg.LockTimeout)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	plan, err := cache.BuildGCPlan(dir, r.Referenced(), cache.GCOptions{Keep: gcKeep, DryRun: gcDryRun})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	verb := "removed"
	if plan.DryRun {
		verb = "would remove"
	}
	for _, e := range plan.Delete {
		fmt.Fprintf(out, "%s %s (%s)\n", verb, e.Name, formatBytes(e.Size))
	}
	if err := cache.Execute(plan); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %d entries, %s\n", verb, len(plan.Delete), formatBytes(plan.BytesReclaimed))
	return nil
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
