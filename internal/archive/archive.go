// Package archive unpacks downloaded source archives into a build tree.
//
// The codec is chosen from the archive's file name suffix, checked in a
// fixed precedence: .gz, .xz, .bz2, .zstd (tar streams) and .zip. Archive
// content must have passed checksum verification before it reaches this
// package; entries whose names would land outside the destination are
// rejected as corrupt.
package archive

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedFormat is returned for a file name with no known suffix.
var ErrUnsupportedFormat = errors.New("unsupported archive format")

// Format is a recognized archive container/codec combination.
type Format int

const (
	Unknown Format = iota
	Gzip           // gzip-wrapped tar
	Xz             // xz-wrapped tar
	Bzip2          // bzip2-wrapped tar
	Zstd           // zstd-wrapped tar
	Zip            // zip container
)

// suffixes lists the recognized suffixes in match precedence.
var suffixes = []struct {
	suffix string
	format Format
}{
	{".gz", Gzip},
	{".xz", Xz},
	{".bz2", Bzip2},
	{".zstd", Zstd},
	{".zip", Zip},
}

func (f Format) String() string {
	switch f {
	case Gzip:
		return "tar.gz"
	case Xz:
		return "tar.xz"
	case Bzip2:
		return "tar.bz2"
	case Zstd:
		return "tar.zstd"
	case Zip:
		return "zip"
	default:
		return "unknown"
	}
}

// IsTar reports whether the format is a compressed tar stream.
func (f Format) IsTar() bool {
	return f == Gzip || f == Xz || f == Bzip2 || f == Zstd
}

// FormatFor resolves the format of an archive from its file name.
func FormatFor(name string) (Format, error) {
	for _, s := range suffixes {
		if strings.HasSuffix(name, s.suffix) {
			return s.format, nil
		}
	}
	return Unknown, fmt.Errorf("%s: %w", name, ErrUnsupportedFormat)
}

// CorruptError reports an archive that could not be decoded or unpacked.
type CorruptError struct {
	Path   string
	Format Format
	Err    error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("extracting %s archive %s: %v", e.Format, e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

// Extract unpacks the archive at path into dest, choosing the codec from
// the file name. An unrecognized name fails before dest is touched.
func Extract(path, dest string) error {
	format, err := FormatFor(path)
	if err != nil {
		return err
	}
	return ExtractFormat(format, path, dest)
}

// ExtractFormat unpacks the archive at path into dest using a format that
// was resolved earlier, typically when the recipe was validated.
func ExtractFormat(format Format, path, dest string) error {
	var err error
	switch {
	case format.IsTar():
		err = extractTarFile(format, path, dest)
	case format == Zip:
		err = extractZip(path, dest)
	default:
		return fmt.Errorf("%s: %w", path, ErrUnsupportedFormat)
	}
	if err != nil {
		return &CorruptError{Path: path, Format: format, Err: err}
	}
	return nil
}
