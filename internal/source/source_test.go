package source

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Lunarequest/faebuild/internal/archive"
	"github.com/Lunarequest/faebuild/internal/archive/archivetest"
	"github.com/Lunarequest/faebuild/internal/cache"
	"github.com/Lunarequest/faebuild/internal/checksum"
	"github.com/Lunarequest/faebuild/internal/download"
	"github.com/Lunarequest/faebuild/internal/gitio"
	"github.com/Lunarequest/faebuild/internal/logging"
	"github.com/Lunarequest/faebuild/internal/recipe"
)

// fileServer serves fixed bodies with Content-Length and Range support
// and counts requests.
type fileServer struct {
	*httptest.Server
	hits  atomic.Int64
	files map[string][]byte
}

func newFileServer(t *testing.T, files map[string][]byte) *fileServer {
	t.Helper()
	fs := &fileServer{files: files}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.hits.Add(1)
		body, ok := fs.files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, filepath.Base(r.URL.Path), time.Unix(0, 0), bytes.NewReader(body))
	}))
	t.Cleanup(fs.Close)
	return fs
}

type fakeGit struct {
	requests []gitio.Request
	err      error
}

func (g *fakeGit) Resolve(_ context.Context, req gitio.Request) (string, error) {
	g.requests = append(g.requests, req)
	if g.err != nil {
		return "", g.err
	}
	return req.Dir, nil
}

func sha(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func staging(t *testing.T) Staging {
	t.Helper()
	root := t.TempDir()
	return Staging{
		SourcesDir: filepath.Join(root, "sources"),
		WorkDir:    filepath.Join(root, "work"),
		BaseDir:    root,
	}
}

func newFetcher(t *testing.T, st Staging, git GitResolver) *Fetcher {
	t.Helper()
	if err := os.MkdirAll(st.SourcesDir, 0o755); err != nil {
		t.Fatal(err)
	}
	idx, err := cache.Open(st.SourcesDir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { idx.Close() })
	if git == nil {
		git = &fakeGit{}
	}
	return NewFetcher(download.New(download.Options{Logger: logging.Discard()}), git, idx, logging.Discard())
}

var pkgFiles = map[string]string{
	"pkg-1.0/README":     "hello from pkg\n",
	"pkg-1.0/src/main.c": "int main(void) { return 0; }\n",
	"pkg-1.0/docs/a.txt": "docs\n",
}

func resolved(t *testing.T, src recipe.Source) recipe.Source {
	t.Helper()
	if err := src.Resolve(0); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return src
}

func TestStageArchiveEndToEnd(t *testing.T) {
	tarball := archivetest.Build(t, archive.Gzip, pkgFiles)
	srv := newFileServer(t, map[string][]byte{"/dl/pkg-1.0.tar.gz": tarball})
	st := staging(t)
	stager := NewStager(newFetcher(t, st, nil), logging.Discard())

	sources := []recipe.Source{{
		Type:   recipe.KindArchive,
		URL:    srv.URL + "/dl/pkg-1.0.tar.gz",
		SHA256: sha(tarball),
	}}
	result, err := stager.Stage(context.Background(), sources, st)
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if len(result.Staged) != 1 || result.Staged[0] != st.WorkDir {
		t.Errorf("Staged = %v", result.Staged)
	}

	cached, err := os.ReadFile(filepath.Join(st.SourcesDir, "pkg-1.0.tar.gz"))
	if err != nil || !bytes.Equal(cached, tarball) {
		t.Fatalf("cached archive missing or different: %v", err)
	}
	for name, want := range pkgFiles {
		got, err := os.ReadFile(filepath.Join(st.WorkDir, filepath.FromSlash(name)))
		if err != nil {
			t.Fatalf("%s not extracted: %v", name, err)
		}
		if string(got) != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}
}

func TestArchiveCacheHitMakesNoRequest(t *testing.T) {
	tarball := archivetest.Build(t, archive.Zstd, pkgFiles)
	srv := newFileServer(t, map[string][]byte{"/pkg-1.0.tar.zstd": tarball})
	st := staging(t)
	f := newFetcher(t, st, nil)

	if err := os.WriteFile(filepath.Join(st.SourcesDir, "pkg-1.0.tar.zstd"), tarball, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(st.WorkDir, 0o755); err != nil {
		t.Fatal(err)
	}

	src := resolved(t, recipe.Source{Type: recipe.KindArchive, URL: srv.URL + "/pkg-1.0.tar.zstd", SHA256: sha(tarball)})
	for run := 0; run < 2; run++ {
		if _, err := f.Fetch(context.Background(), 0, &src, st); err != nil {
			t.Fatalf("run %d: %v", run, err)
		}
	}
	if n := srv.hits.Load(); n != 0 {
		t.Errorf("expected no requests for a valid cached archive, got %d", n)
	}
	if _, err := os.Stat(filepath.Join(st.WorkDir, "pkg-1.0", "src", "main.c")); err != nil {
		t.Errorf("cached archive not extracted: %v", err)
	}
}

func TestArchiveMismatchAfterDownloadIsFatal(t *testing.T) {
	served := archivetest.Build(t, archive.Gzip, pkgFiles)
	srv := newFileServer(t, map[string][]byte{"/pkg.tar.gz": served})
	st := staging(t)
	f := newFetcher(t, st, nil)

	cachedPath := filepath.Join(st.SourcesDir, "pkg.tar.gz")
	if err := os.WriteFile(cachedPath, []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}

	declared := sha([]byte("a different tarball"))
	src := resolved(t, recipe.Source{Type: recipe.KindArchive, URL: srv.URL + "/pkg.tar.gz", SHA256: declared})
	_, err := f.Fetch(context.Background(), 4, &src, st)

	var mismatch *checksum.MismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected MismatchError, got %v", err)
	}
	if mismatch.Expected.Hex != declared {
		t.Errorf("Expected = %s", mismatch.Expected.Hex)
	}
	if !strings.Contains(err.Error(), "source 4 (archive)") {
		t.Errorf("error should name the source: %v", err)
	}
	if srv.hits.Load() == 0 {
		t.Error("expected a download after the cached archive failed verification")
	}
	if _, err := os.Stat(cachedPath); !os.IsNotExist(err) {
		t.Error("artifact failing verification should be removed")
	}
	if entries, _ := os.ReadDir(st.WorkDir); len(entries) != 0 {
		t.Error("nothing should be extracted after a mismatch")
	}
}

func TestArchiveResumesPartialDownload(t *testing.T) {
	tarball := archivetest.Build(t, archive.Xz, pkgFiles)
	srv := newFileServer(t, map[string][]byte{"/pkg-1.0.tar.xz": tarball})
	st := staging(t)
	f := newFetcher(t, st, nil)

	half := len(tarball) / 2
	if err := os.WriteFile(filepath.Join(st.SourcesDir, "pkg-1.0.tar.xz"), tarball[:half], 0o644); err != nil {
		t.Fatal(err)
	}
	src := resolved(t, recipe.Source{Type: recipe.KindArchive, URL: srv.URL + "/pkg-1.0.tar.xz", SHA256: sha(tarball)})
	if _, err := f.Fetch(context.Background(), 0, &src, st); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(st.WorkDir, "pkg-1.0", "README")); err != nil {
		t.Errorf("resumed archive not extracted: %v", err)
	}
}

func TestRemoteFileAndPatch(t *testing.T) {
	conf := []byte("key = value\n")
	fix := []byte("--- a/x\n+++ b/x\n")
	srv := newFileServer(t, map[string][]byte{"/files/pkg.conf": conf, "/fix.patch": fix})
	st := staging(t)
	stager := NewStager(newFetcher(t, st, nil), logging.Discard())

	sources := []recipe.Source{
		{Type: recipe.KindFile, URL: srv.URL + "/files/pkg.conf", SHA256: sha(conf)},
		{Type: recipe.KindPatch, URL: srv.URL + "/fix.patch", Path: "0001-fix.patch", SHA256: sha(fix)},
	}
	result, err := stager.Stage(context.Background(), sources, st)
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}

	wantPatch := filepath.Join(st.SourcesDir, "0001-fix.patch")
	if len(result.Patches) != 1 || result.Patches[0] != wantPatch {
		t.Errorf("Patches = %v", result.Patches)
	}
	if result.Staged[0] != filepath.Join(st.SourcesDir, "pkg.conf") {
		t.Errorf("Staged = %v", result.Staged)
	}
	got, err := os.ReadFile(result.Staged[0])
	if err != nil || !bytes.Equal(got, conf) {
		t.Errorf("downloaded file = %q (%v)", got, err)
	}
}

func TestRemotePatchMismatch(t *testing.T) {
	srv := newFileServer(t, map[string][]byte{"/fix.patch": []byte("tampered")})
	st := staging(t)
	f := newFetcher(t, st, nil)

	src := resolved(t, recipe.Source{Type: recipe.KindPatch, URL: srv.URL + "/fix.patch", SHA256: sha([]byte("original"))})
	_, err := f.Fetch(context.Background(), 0, &src, st)
	var mismatch *checksum.MismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected MismatchError, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(st.SourcesDir, "fix.patch")); !os.IsNotExist(err) {
		t.Error("mismatched patch should be removed")
	}
}

func TestLocalFileAndPatch(t *testing.T) {
	st := staging(t)
	if err := os.MkdirAll(filepath.Join(st.BaseDir, "files"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(st.BaseDir, "files", "run.sh"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	patchBody := []byte("--- a/x\n+++ b/x\n")
	absPatch := filepath.Join(t.TempDir(), "local.patch")
	if err := os.WriteFile(absPatch, patchBody, 0o644); err != nil {
		t.Fatal(err)
	}

	stager := NewStager(newFetcher(t, st, nil), logging.Discard())
	sources := []recipe.Source{
		{Type: recipe.KindFile, Path: "files/run.sh"},
		{Type: recipe.KindPatch, Path: absPatch, SHA256: sha(patchBody)},
	}
	result, err := stager.Stage(context.Background(), sources, st)
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}

	info, err := os.Stat(filepath.Join(st.SourcesDir, "run.sh"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Errorf("mode = %v, want 0755", info.Mode().Perm())
	}
	if len(result.Patches) != 1 || result.Patches[0] != filepath.Join(st.SourcesDir, "local.patch") {
		t.Errorf("Patches = %v", result.Patches)
	}

	// Restaging over the copies works.
	if _, err := stager.Stage(context.Background(), sources, st); err != nil {
		t.Fatalf("second Stage failed: %v", err)
	}
}

func TestLocalFileMissing(t *testing.T) {
	st := staging(t)
	f := newFetcher(t, st, nil)
	src := resolved(t, recipe.Source{Type: recipe.KindFile, Path: "nope.txt"})
	if _, err := f.Fetch(context.Background(), 0, &src, st); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}

func TestGitSourceRequest(t *testing.T) {
	st := staging(t)
	git := &fakeGit{}
	f := newFetcher(t, st, git)
	commit := strings.Repeat("ab", 20)

	flat := false
	sources := []recipe.Source{
		{Type: recipe.KindGit, URL: "https://example.com/org/lib.git", Commit: commit, Tag: "v1"},
		{Type: recipe.KindGit, URL: "https://example.com/org/other", Commit: commit, Recursive: &flat},
	}
	result, err := NewStager(f, logging.Discard()).Stage(context.Background(), sources, st)
	if err != nil {
		t.Fatal(err)
	}
	if len(git.requests) != 2 {
		t.Fatalf("expected 2 resolve calls, got %d", len(git.requests))
	}
	first := git.requests[0]
	if first.Dir != filepath.Join(st.SourcesDir, "lib") || !first.Recursive || first.Tag != "v1" || first.Commit != commit {
		t.Errorf("first request = %+v", first)
	}
	if git.requests[1].Recursive {
		t.Error("recursive: false should be passed through")
	}
	if result.Staged[1] != filepath.Join(st.SourcesDir, "other") {
		t.Errorf("Staged = %v", result.Staged)
	}
}

func TestStageValidatesBeforeFetching(t *testing.T) {
	tarball := archivetest.Build(t, archive.Gzip, pkgFiles)
	srv := newFileServer(t, map[string][]byte{"/pkg.tar.gz": tarball})
	st := staging(t)
	stager := NewStager(newFetcher(t, st, nil), logging.Discard())

	sources := []recipe.Source{
		{Type: recipe.KindArchive, URL: srv.URL + "/pkg.tar.gz", SHA256: sha(tarball)},
		{Type: recipe.KindGit, URL: "https://example.com/r.git"},
	}
	_, err := stager.Stage(context.Background(), sources, st)
	var fieldErr *recipe.FieldError
	if !errors.As(err, &fieldErr) || fieldErr.Index != 1 || fieldErr.Field != "commit" {
		t.Fatalf("expected missing commit on source 1, got %v", err)
	}
	if n := srv.hits.Load(); n != 0 {
		t.Errorf("no request should be made before validation passes, got %d", n)
	}
	if _, err := os.Stat(filepath.Join(st.SourcesDir, "pkg.tar.gz")); !os.IsNotExist(err) {
		t.Error("nothing should be downloaded")
	}
}

func TestStageStopsAtFirstFailure(t *testing.T) {
	srv := newFileServer(t, map[string][]byte{})
	st := staging(t)
	if err := os.WriteFile(filepath.Join(st.BaseDir, "later.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	git := &fakeGit{}
	stager := NewStager(newFetcher(t, st, git), logging.Discard())

	sources := []recipe.Source{
		{Type: recipe.KindFile, URL: srv.URL + "/missing.txt", SHA256: sha([]byte("x"))},
		{Type: recipe.KindFile, Path: "later.txt"},
		{Type: recipe.KindGit, URL: "https://example.com/r.git", Commit: strings.Repeat("0", 40)},
	}
	result, err := stager.Stage(context.Background(), sources, st)
	var statusErr *download.StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 StatusError, got %v", err)
	}
	if !strings.Contains(err.Error(), "source 0 (file)") {
		t.Errorf("error should name the source: %v", err)
	}
	if len(result.Staged) != 0 {
		t.Errorf("Staged = %v", result.Staged)
	}
	if _, err := os.Stat(filepath.Join(st.SourcesDir, "later.txt")); !os.IsNotExist(err) {
		t.Error("sources after the failure must not be staged")
	}
	if len(git.requests) != 0 {
		t.Error("git source after the failure must not be resolved")
	}
}

func TestGitFailurePropagates(t *testing.T) {
	st := staging(t)
	git := &fakeGit{err: &gitio.TagMismatchError{Tag: "v1", Expected: "a", Actual: "b"}}
	f := newFetcher(t, st, git)
	src := resolved(t, recipe.Source{Type: recipe.KindGit, URL: "https://x/r.git", Commit: strings.Repeat("a", 40), Tag: "v1"})

	_, err := f.Fetch(context.Background(), 2, &src, st)
	var tagErr *gitio.TagMismatchError
	if !errors.As(err, &tagErr) {
		t.Fatalf("expected TagMismatchError, got %v", err)
	}
	if !strings.Contains(err.Error(), "source 2 (git)") {
		t.Errorf("error should name the source: %v", err)
	}
}

func TestStaleArchiveIsReplaced(t *testing.T) {
	old := archivetest.Build(t, archive.Gzip, map[string]string{"pkg-0.9/README": "old\n"})
	current := archivetest.Build(t, archive.Gzip, pkgFiles)
	if len(old) >= len(current) {
		t.Fatalf("fixture needs a smaller stale archive (%d >= %d)", len(old), len(current))
	}
	srv := newFileServer(t, map[string][]byte{"/": current})
	st := staging(t)
	f := newFetcher(t, st, nil)

	cachedPath := filepath.Join(st.SourcesDir, "out.tar.gz")
	if err := os.WriteFile(cachedPath, old, 0o644); err != nil {
		t.Fatal(err)
	}

	src := resolved(t, recipe.Source{Type: recipe.KindArchive, URL: srv.URL + "/", SHA256: sha(current)})
	if src.Dest != "out.tar.gz" {
		t.Fatalf("Dest = %q", src.Dest)
	}
	if _, err := f.Fetch(context.Background(), 0, &src, st); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	got, err := os.ReadFile(cachedPath)
	if err != nil || !bytes.Equal(got, current) {
		t.Fatalf("cached archive was not replaced with the served one (%v)", err)
	}
	if n := srv.hits.Load(); n != 2 {
		t.Errorf("expected a resumed request then a full one, got %d requests", n)
	}
	if _, err := os.Stat(filepath.Join(st.WorkDir, "pkg-1.0", "README")); err != nil {
		t.Errorf("archive not extracted: %v", err)
	}
}
