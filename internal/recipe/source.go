package recipe

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/Lunarequest/faebuild/internal/archive"
	"github.com/Lunarequest/faebuild/internal/checksum"
	"github.com/Lunarequest/faebuild/internal/gitio"
)

// defaultArchiveName is used when an archive URL has no usable last segment.
const defaultArchiveName = "out.tar.gz"

// Source is one entry of a recipe's sources list.
type Source struct {
	Type      Kind   `yaml:"type"`
	URL       string `yaml:"url,omitempty"`
	Path      string `yaml:"path,omitempty"`
	SHA256    string `yaml:"sha256sum,omitempty"`
	B3        string `yaml:"b3sum,omitempty"`
	Commit    string `yaml:"commit,omitempty"`
	Tag       string `yaml:"tag,omitempty"`
	Recursive *bool  `yaml:"recursive,omitempty"`

	// Resolved by Resolve.
	Checksum checksum.Sum   `yaml:"-"`
	Format   archive.Format `yaml:"-"`
	Dest     string         `yaml:"-"`
}

// Remote reports whether the source is fetched over the network.
func (s *Source) Remote() bool { return s.URL != "" }

// IsRecursive reports whether submodules are wanted. Defaults to true.
func (s *Source) IsRecursive() bool {
	return s.Recursive == nil || *s.Recursive
}

// FieldError is a recipe configuration error. Index is the source position,
// or -1 for top-level fields.
type FieldError struct {
	Index   int
	Field   string
	Missing bool
	Err     error
}

func (e *FieldError) Error() string {
	where := "recipe"
	if e.Index >= 0 {
		where = fmt.Sprintf("source %d", e.Index)
	}
	if e.Missing {
		return fmt.Sprintf("%s: missing required field %q", where, e.Field)
	}
	return fmt.Sprintf("%s: invalid field %q: %v", where, e.Field, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

func missing(index int, field string) error {
	return &FieldError{Index: index, Field: field, Missing: true}
}

func invalid(index int, field string, err error) error {
	return &FieldError{Index: index, Field: field, Err: err}
}

// Resolve validates the source at position index and fills Checksum,
// Format and Dest.
func (s *Source) Resolve(index int) error {
	if s.Type == 0 {
		return missing(index, "type")
	}
	if err := s.resolveChecksum(index); err != nil {
		return err
	}

	switch s.Type {
	case KindGit:
		return s.resolveGit(index)
	case KindArchive:
		return s.resolveArchive(index)
	case KindFile, KindPatch:
		return s.resolveFile(index)
	}
	return invalid(index, "type", fmt.Errorf("unknown source type %d", s.Type))
}

func (s *Source) resolveChecksum(index int) error {
	if s.SHA256 != "" && s.B3 != "" {
		return invalid(index, "b3sum", errors.New("only one of sha256sum and b3sum may be set"))
	}
	var err error
	switch {
	case s.SHA256 != "":
		if s.Checksum, err = checksum.Parse(checksum.SHA256, s.SHA256); err != nil {
			return invalid(index, "sha256sum", err)
		}
	case s.B3 != "":
		if s.Checksum, err = checksum.Parse(checksum.BLAKE3, s.B3); err != nil {
			return invalid(index, "b3sum", err)
		}
	}
	return nil
}

func (s *Source) resolveGit(index int) error {
	if s.URL == "" {
		return missing(index, "url")
	}
	if s.Commit == "" {
		return missing(index, "commit")
	}
	if !gitio.IsCommitID(s.Commit) {
		return invalid(index, "commit", fmt.Errorf("%q is not a 40 character commit id", s.Commit))
	}
	s.Commit = strings.ToLower(s.Commit)

	name := repoBasename(s.URL)
	if name == "" || name == "." || name == ".." {
		return invalid(index, "url", fmt.Errorf("cannot derive a repository name from %q", s.URL))
	}
	s.Dest = name
	return nil
}

func (s *Source) resolveArchive(index int) error {
	if s.URL == "" {
		return missing(index, "url")
	}
	if err := checkDownloadURL(s.URL); err != nil {
		return invalid(index, "url", err)
	}
	if s.Checksum.IsZero() {
		return missing(index, "sha256sum")
	}

	field := "url"
	switch {
	case s.Path != "":
		field = "path"
		s.Dest = filepath.Base(s.Path)
	default:
		s.Dest = lastSegment(s.URL)
		if s.Dest == "" {
			s.Dest = defaultArchiveName
		}
	}
	if err := checkDest(s.Dest); err != nil {
		return invalid(index, field, err)
	}

	format, err := archive.FormatFor(s.Dest)
	if err != nil {
		return invalid(index, field, err)
	}
	s.Format = format
	return nil
}

func (s *Source) resolveFile(index int) error {
	if !s.Remote() {
		if s.Path == "" {
			return missing(index, "path")
		}
		s.Dest = filepath.Base(s.Path)
		if err := checkDest(s.Dest); err != nil {
			return invalid(index, "path", err)
		}
		return nil
	}

	if err := checkDownloadURL(s.URL); err != nil {
		return invalid(index, "url", err)
	}
	if s.Checksum.IsZero() {
		return missing(index, "sha256sum")
	}
	field := "url"
	if s.Path != "" {
		field = "path"
		s.Dest = filepath.Base(s.Path)
	} else {
		s.Dest = lastSegment(s.URL)
	}
	if err := checkDest(s.Dest); err != nil {
		return invalid(index, field, err)
	}
	return nil
}

func checkDownloadURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func checkDest(name string) error {
	if name == "" || name == "." || name == ".." || name == "/" {
		return fmt.Errorf("cannot derive a file name (got %q)", name)
	}
	return nil
}

// lastSegment returns the final path segment of a URL, or "" when the
// path is empty or ends in a slash.
func lastSegment(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" || strings.HasSuffix(u.Path, "/") {
		return ""
	}
	return path.Base(u.Path)
}

// repoBasename handles both URL and scp-like ("git@host:org/repo.git")
// remotes.
func repoBasename(raw string) string {
	raw = strings.TrimRight(raw, "/")
	if i := strings.LastIndexAny(raw, "/:"); i >= 0 {
		raw = raw[i+1:]
	}
	return strings.TrimSuffix(raw, ".git")
}
