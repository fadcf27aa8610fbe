package cache

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Entry is one top-level item in the sources directory.
type Entry struct {
	Name    string
	Size    int64
	Dir     bool
	ModTime time.Time
}

// List returns the cached artifacts and repositories under sourcesDir,
// sorted by name. The bookkeeping directory is omitted.
func List(sourcesDir string) ([]Entry, error) {
	dirents, err := os.ReadDir(sourcesDir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", sourcesDir, err)
	}

	entries := make([]Entry, 0, len(dirents))
	for _, d := range dirents {
		if d.Name() == StateDir {
			continue
		}
		info, err := d.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", d.Name(), err)
		}
		entry := Entry{Name: d.Name(), Size: info.Size(), Dir: d.IsDir(), ModTime: info.ModTime()}
		if entry.Dir {
			entry.Size, err = treeSize(filepath.Join(sourcesDir, d.Name()))
			if err != nil {
				return nil, err
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func treeSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sizing %s: %w", root, err)
	}
	return total, nil
}

// GCOptions configures garbage collection of the sources directory.
type GCOptions struct {
	// Keep lists doublestar globs of entry names that are never collected.
	Keep []string

	// DryRun computes the plan without deleting anything.
	DryRun bool
}

// GCPlan describes what garbage collection would delete.
type GCPlan struct {
	Dir    string
	Delete []Entry
	Kept   []Entry
	DryRun bool

	// Total bytes that will be reclaimed
	BytesReclaimed int64
}

// BuildGCPlan selects the entries of sourcesDir that no recipe source
// references and no keep pattern matches.
func BuildGCPlan(sourcesDir string, referenced []string, opts GCOptions) (*GCPlan, error) {
	for _, pattern := range opts.Keep {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid keep pattern %q", pattern)
		}
	}

	entries, err := List(sourcesDir)
	if err != nil {
		return nil, err
	}

	inUse := make(map[string]bool, len(referenced))
	for _, name := range referenced {
		inUse[name] = true
	}

	plan := &GCPlan{Dir: sourcesDir, DryRun: opts.DryRun}
	for _, e := range entries {
		if inUse[e.Name] || kept(opts.Keep, e.Name) {
			plan.Kept = append(plan.Kept, e)
			continue
		}
		plan.Delete = append(plan.Delete, e)
		plan.BytesReclaimed += e.Size
	}
	return plan, nil
}

func kept(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if ok, _ := doublestar.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// Execute deletes the planned entries and their digest memo rows.
// A dry-run plan is a no-op.
func Execute(plan *GCPlan) error {
	if plan.DryRun || len(plan.Delete) == 0 {
		return nil
	}

	idx, err := Open(plan.Dir)
	if err != nil {
		return err
	}
	defer idx.Close()

	for _, e := range plan.Delete {
		if err := os.RemoveAll(filepath.Join(plan.Dir, e.Name)); err != nil {
			return fmt.Errorf("removing %s: %w", e.Name, err)
		}
		if err := idx.Forget(e.Name); err != nil {
			return fmt.Errorf("forgetting %s: %w", e.Name, err)
		}
	}
	return nil
}
