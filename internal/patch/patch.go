// Package patch applies staged unified-diff patches to a work tree.
package patch

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// Error reports the patch that failed to apply. Patches after it were not
// attempted and the work tree may be partially patched.
type Error struct {
	Path   string
	Output string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("failed to apply %s: %v", e.Path, e.Err)
	if e.Output != "" {
		msg += "\n" + e.Output
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Applier runs the patch tool.
type Applier struct {
	// Command is the patch executable (default "patch").
	Command string
	// Strip is the -p level (default 1).
	Strip  int
	Logger *slog.Logger
}

// Apply applies patches in order against workdir with the default Applier.
func Apply(ctx context.Context, patches []string, workdir string) error {
	return (&Applier{}).Apply(ctx, patches, workdir)
}

// Apply applies patches in order against workdir, stopping at the first
// failure.
func (a *Applier) Apply(ctx context.Context, patches []string, workdir string) error {
	command := a.Command
	if command == "" {
		command = "patch"
	}
	strip := a.Strip
	if strip == 0 {
		strip = 1
	}
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}

	for _, p := range patches {
		logger.Info("applying patch", "patch", p, "workdir", workdir)
		if err := applyOne(ctx, command, strip, p, workdir); err != nil {
			return err
		}
	}
	return nil
}

func applyOne(ctx context.Context, command string, strip int, path, workdir string) error {
	in, err := os.Open(path)
	if err != nil {
		return &Error{Path: path, Err: err}
	}
	defer in.Close()

	var out bytes.Buffer
	// Short options only: -N is accepted by GNU, BSD and busybox patch.
	cmd := exec.CommandContext(ctx, command, fmt.Sprintf("-p%d", strip), "-N")
	cmd.Dir = workdir
	cmd.Stdin = in
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return &Error{Path: path, Output: strings.TrimSpace(out.String()), Err: err}
	}
	return nil
}
