package artifact

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"testing"
	"time"

	"orchestrator/pkg/objectstore"
	"orchestrator/pkg/sandbox"
)

func buildTar(t *testing.T, gzipped bool, entries map[string]string, dirs []string) []byte {
	t.Helper()
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	for _, d := range dirs {
		if err := tw.WriteHeader(&tar.Header{Name: d, Typeflag: tar.TypeDir, Mode: 0o755}); err != nil {
			t.Fatalf("write dir header: %v", err)
		}
	}
	for name, content := range entries {
		hdr := &tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("write content: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar writer: %v", err)
	}

	if !gzipped {
		return tarBuf.Bytes()
	}

	var gzBuf bytes.Buffer
	gw := gzip.NewWriter(&gzBuf)
	if _, err := gw.Write(tarBuf.Bytes()); err != nil {
		t.Fatalf("write gzip: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("close gzip writer: %v", err)
	}
	return gzBuf.Bytes()
}

func TestConvertToZipPlainTarStripsDirsAndDotSlash(t *testing.T) {
	raw := buildTar(t, false,
		map[string]string{"./main.go": "package main", "README.md": "hello"},
		[]string{"./subdir/"})

	zipBytes, err := convertToZip(raw)
	if err != nil {
		t.Fatalf("convertToZip failed: %v", err)
	}

	names := readZipNames(t, zipBytes)
	if len(names) != 2 {
		t.Fatalf("zip entries = %v, want 2 regular files", names)
	}
	if !names["main.go"] || !names["README.md"] {
		t.Errorf("zip entries = %v, want main.go and README.md with no leading ./", names)
	}
}

func TestConvertToZipDecompressesGzip(t *testing.T) {
	raw := buildTar(t, true, map[string]string{"a.txt": "content"}, nil)

	zipBytes, err := convertToZip(raw)
	if err != nil {
		t.Fatalf("convertToZip failed: %v", err)
	}
	names := readZipNames(t, zipBytes)
	if !names["a.txt"] {
		t.Errorf("zip entries = %v, want a.txt", names)
	}
}

type fakeSandbox struct {
	archive []byte
	err     error
}

func (s *fakeSandbox) ID() string { return "fake" }
func (s *fakeSandbox) Exec(_ context.Context, _ []string) (sandbox.ExecResult, error) {
	return sandbox.ExecResult{}, nil
}
func (s *fakeSandbox) ReadFile(_ context.Context, _ string) ([]byte, error)     { return nil, nil }
func (s *fakeSandbox) WriteFile(_ context.Context, _ string, _ []byte) error    { return nil }
func (s *fakeSandbox) DownloadDir(_ context.Context, _ string) ([]byte, error) { return s.archive, s.err }
func (s *fakeSandbox) Destroy(_ context.Context) error                         { return nil }
func (s *fakeSandbox) SetTimeout(_ context.Context, _ time.Duration) error     { return nil }
func (s *fakeSandbox) GetHost(port int) (string, error)                       { return fmt.Sprintf("host:%d", port), nil }

type fakeStore struct {
	uploaded map[string][]byte
	failErr  error
}

func newFakeStore() *fakeStore { return &fakeStore{uploaded: make(map[string][]byte)} }

func (s *fakeStore) Upload(_ context.Context, key string, data []byte, _ objectstore.UploadOpts) error {
	if s.failErr != nil {
		return s.failErr
	}
	s.uploaded[key] = data
	return nil
}
func (s *fakeStore) Delete(_ context.Context, _ string) error { return nil }
func (s *fakeStore) GetSignedURL(_ context.Context, _ string, _ time.Duration) (string, error) {
	return "", nil
}
func (s *fakeStore) Exists(_ context.Context, key string) (bool, error) {
	_, ok := s.uploaded[key]
	return ok, nil
}
func (s *fakeStore) GetInfo(_ context.Context, _ string) (*objectstore.Info, error) { return nil, nil }

type recordingRecorder struct {
	outcomes []string
}

func (r *recordingRecorder) ObserveArtifactOutcome(outcome string) {
	r.outcomes = append(r.outcomes, outcome)
}

func TestRunUploadsZipUnderBuildKey(t *testing.T) {
	raw := buildTar(t, false, map[string]string{"main.go": "package main"}, nil)
	sb := &fakeSandbox{archive: raw}
	store := newFakeStore()
	rec := &recordingRecorder{}
	p := New(store, rec)

	key, err := p.Run(context.Background(), "build-1", sb)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if key != "builds/build-1/artifacts.zip" {
		t.Errorf("key = %q, want builds/build-1/artifacts.zip", key)
	}
	if _, ok := store.uploaded[key]; !ok {
		t.Errorf("store has no object at %q", key)
	}
	if len(rec.outcomes) != 1 || rec.outcomes[0] != "success" {
		t.Errorf("outcomes = %v, want [success]", rec.outcomes)
	}
}

func TestRunReportsFailureOnDownloadError(t *testing.T) {
	sb := &fakeSandbox{err: fmt.Errorf("boom")}
	store := newFakeStore()
	rec := &recordingRecorder{}
	p := New(store, rec)

	if _, err := p.Run(context.Background(), "build-2", sb); err == nil {
		t.Error("Run succeeded despite a download error")
	}
	if len(rec.outcomes) != 1 || rec.outcomes[0] != "failure" {
		t.Errorf("outcomes = %v, want [failure]", rec.outcomes)
	}
}

func readZipNames(t *testing.T, zipBytes []byte) map[string]bool {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(zipBytes), int64(len(zipBytes)))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	names := make(map[string]bool, len(zr.File))
	for _, f := range zr.File {
		names[f.Name] = true
	}
	return names
}
