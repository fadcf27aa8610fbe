// Package archivetest builds in-memory archives for tests.
package archivetest

import (
	"archive/tar"
	"bytes"
	"io"
	"path"
	"sort"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/Lunarequest/faebuild/internal/archive"
)

// Build returns an archive of the given format holding files (slash paths
// to contents). Parent directories get their own entries. Bzip2 has no
// encoder in the dependency set; use a checked-in fixture instead.
func Build(t testing.TB, format archive.Format, files map[string]string) []byte {
	t.Helper()

	if format == archive.Zip {
		return buildZip(t, files)
	}

	tarball := buildTar(t, files)
	var out bytes.Buffer
	var w io.WriteCloser
	var err error
	switch format {
	case archive.Gzip:
		w = gzip.NewWriter(&out)
	case archive.Xz:
		w, err = xz.NewWriter(&out)
	case archive.Zstd:
		w, err = zstd.NewWriter(&out)
	default:
		t.Fatalf("archivetest: cannot encode %s", format)
	}
	if err != nil {
		t.Fatalf("archivetest: creating %s writer: %v", format, err)
	}
	if _, err := w.Write(tarball); err != nil {
		t.Fatalf("archivetest: compressing: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("archivetest: closing %s writer: %v", format, err)
	}
	return out.Bytes()
}

func sortedNames(files map[string]string) []string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func parentDirs(names []string) []string {
	seen := make(map[string]bool)
	var dirs []string
	for _, name := range names {
		for dir := path.Dir(name); dir != "." && dir != "/"; dir = path.Dir(dir) {
			if !seen[dir] {
				seen[dir] = true
				dirs = append(dirs, dir)
			}
		}
	}
	sort.Strings(dirs)
	return dirs
}

func buildTar(t testing.TB, files map[string]string) []byte {
	t.Helper()
	names := sortedNames(files)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, dir := range parentDirs(names) {
		hdr := &tar.Header{Name: dir + "/", Typeflag: tar.TypeDir, Mode: 0755}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("archivetest: tar header: %v", err)
		}
	}
	for _, name := range names {
		content := files[name]
		hdr := &tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("archivetest: tar header: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("archivetest: tar body: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("archivetest: closing tar: %v", err)
	}
	return buf.Bytes()
}

func buildZip(t testing.TB, files map[string]string) []byte {
	t.Helper()
	names := sortedNames(files)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, dir := range parentDirs(names) {
		if _, err := zw.Create(dir + "/"); err != nil {
			t.Fatalf("archivetest: zip dir: %v", err)
		}
	}
	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("archivetest: zip entry: %v", err)
		}
		if _, err := io.WriteString(w, files[name]); err != nil {
			t.Fatalf("archivetest: zip body: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("archivetest: closing zip: %v", err)
	}
	return buf.Bytes()
}

// Entry is one raw tar member for BuildTarGz. A non-empty Symlink makes it
// a symbolic link to that target.
type Entry struct {
	Name    string
	Body    string
	Symlink string
}

// BuildTarGz returns a gzip tar holding entries in the given order, with
// no implied parent directories.
func BuildTarGz(t testing.TB, entries ...Entry) []byte {
	t.Helper()

	var tarball bytes.Buffer
	tw := tar.NewWriter(&tarball)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.Name, Typeflag: tar.TypeReg, Mode: 0644, Size: int64(len(e.Body))}
		if e.Symlink != "" {
			hdr = &tar.Header{Name: e.Name, Typeflag: tar.TypeSymlink, Linkname: e.Symlink, Mode: 0777}
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("archivetest: tar header: %v", err)
		}
		if e.Symlink == "" {
			if _, err := tw.Write([]byte(e.Body)); err != nil {
				t.Fatalf("archivetest: tar body: %v", err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("archivetest: closing tar: %v", err)
	}

	var out bytes.Buffer
	gw := gzip.NewWriter(&out)
	if _, err := gw.Write(tarball.Bytes()); err != nil {
		t.Fatalf("archivetest: compressing: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("archivetest: closing gzip writer: %v", err)
	}
	return out.Bytes()
}
