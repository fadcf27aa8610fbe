// Package failure maps errors from the build engine to coarse classes used
// for exit status and retry decisions.
package failure

import (
	"context"
	"errors"
	"os"

	"github.com/Lunarequest/faebuild/internal/archive"
	"github.com/Lunarequest/faebuild/internal/cache"
	"github.com/Lunarequest/faebuild/internal/checksum"
	"github.com/Lunarequest/faebuild/internal/download"
	"github.com/Lunarequest/faebuild/internal/gitio"
	"github.com/Lunarequest/faebuild/internal/patch"
	"github.com/Lunarequest/faebuild/internal/recipe"
)

// Class is a failure category.
type Class int

const (
	Unknown Class = iota
	Config
	Transport
	Checksum
	Archive
	Git
	Patch
	IO
)

func (c Class) String() string {
	switch c {
	case Config:
		return "config"
	case Transport:
		return "transport"
	case Checksum:
		return "checksum"
	case Archive:
		return "archive"
	case Git:
		return "git"
	case Patch:
		return "patch"
	case IO:
		return "io"
	default:
		return "unknown"
	}
}

// ExitConfig is EX_CONFIG from sysexits.h.
const ExitConfig = 78

// Classify returns the class of the most specific known error in err's chain.
func Classify(err error) Class {
	if err == nil {
		return Unknown
	}

	var (
		fieldErr    *recipe.FieldError
		parseErr    *recipe.ParseError
		statusErr   *download.StatusError
		transErr    *download.TransportError
		mismatchErr *checksum.MismatchError
		corruptErr  *archive.CorruptError
		cloneErr    *gitio.CloneError
		fetchErr    *gitio.FetchError
		notFoundErr *gitio.CommitNotFoundError
		tagErr      *gitio.TagMismatchError
		checkoutErr *gitio.CheckoutError
		patchErr    *patch.Error
		ioErr       *checksum.IOError
		lockErr     *cache.LockError
	)

	switch {
	case errors.As(err, &fieldErr), errors.As(err, &parseErr):
		return Config
	case errors.As(err, &mismatchErr):
		return Checksum
	case errors.As(err, &corruptErr), errors.Is(err, archive.ErrUnsupportedFormat):
		return Archive
	case errors.As(err, &patchErr):
		return Patch
	case errors.As(err, &cloneErr), errors.As(err, &fetchErr), errors.As(err, &notFoundErr),
		errors.As(err, &tagErr), errors.As(err, &checkoutErr):
		return Git
	case errors.As(err, &statusErr), errors.As(err, &transErr),
		errors.Is(err, download.ErrMissingContentLength):
		return Transport
	case errors.As(err, &ioErr), errors.As(err, &lockErr), errors.Is(err, checksum.ErrNotAFile):
		return IO
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return Transport
	}

	var pathErr *os.PathError
	var linkErr *os.LinkError
	if errors.As(err, &pathErr) || errors.As(err, &linkErr) {
		return IO
	}
	return Unknown
}

// Retryable reports whether rerunning the build might succeed without
// changing the recipe. Server-side 4xx replies are not retryable.
func Retryable(err error) bool {
	switch Classify(err) {
	case Transport:
		var statusErr *download.StatusError
		if errors.As(err, &statusErr) {
			return statusErr.Code >= 500 || statusErr.Code == 429 || statusErr.Code == 408
		}
		return !errors.Is(err, context.Canceled)
	case IO:
		return true
	}
	var fetchErr *gitio.FetchError
	var cloneErr *gitio.CloneError
	return errors.As(err, &fetchErr) || errors.As(err, &cloneErr)
}

// ExitCode is the process exit status for err.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case Classify(err) == Config:
		return ExitConfig
	default:
		return 1
	}
}
