// Package artifact implements the Artifact Pipeline (spec §4.8): capture a
// build's sandbox workspace, convert it from the sandbox's tar/tar.gz
// stream to a zip archive, and upload the result to the object store.
package artifact

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"orchestrator/pkg/logx"
	"orchestrator/pkg/objectstore"
	"orchestrator/pkg/sandbox"
)

// workspacePath is the sandbox directory captured at every terminal
// transition (spec §4.8 step 1).
const workspacePath = "/home/user"

// gzipMagic is the two-byte gzip header spec §4.8 step 2 checks for.
var gzipMagic = [2]byte{0x1F, 0x8B}

// Recorder reports artifact-pipeline upload outcomes, implemented by
// metrics.PrometheusRecorder (spec §4.13's artifact_pipeline_outcomes_total).
type Recorder interface {
	ObserveArtifactOutcome(outcome string)
}

// Pipeline implements pkg/orchestrator's ArtifactPipeline interface.
type Pipeline struct {
	store    objectstore.Store
	recorder Recorder
	logger   *logx.Logger
}

// New constructs a Pipeline. recorder may be nil to disable metrics.
func New(store objectstore.Store, recorder Recorder) *Pipeline {
	return &Pipeline{store: store, recorder: recorder, logger: logx.NewLogger("artifact")}
}

// Run executes spec §4.8 steps 1-4: download the sandbox workspace,
// decompress if needed, re-pack every regular file into a zip, and
// upload it under builds/{buildID}/artifacts.zip. Step 5 (recording the
// key on the Build, destroying the sandbox) is the caller's
// responsibility — pkg/orchestrator performs both after Run returns.
func (p *Pipeline) Run(ctx context.Context, buildID string, sb sandbox.Sandbox) (string, error) {
	raw, err := sb.DownloadDir(ctx, workspacePath)
	if err != nil {
		p.observe("failure")
		p.logger.Warn("build %s: download workspace failed: %v", buildID, err)
		return "", fmt.Errorf("download workspace: %w", err)
	}

	zipBytes, err := convertToZip(raw)
	if err != nil {
		p.observe("failure")
		p.logger.Warn("build %s: convert workspace archive failed: %v", buildID, err)
		return "", fmt.Errorf("convert workspace archive: %w", err)
	}

	key := fmt.Sprintf("builds/%s/artifacts.zip", buildID)
	opts := objectstore.UploadOpts{
		ContentType: "application/zip",
		Metadata: map[string]string{
			"buildId":      buildID,
			"originalPath": workspacePath,
			"createdAt":    time.Now().UTC().Format(time.RFC3339),
		},
	}
	if err := p.store.Upload(ctx, key, zipBytes, opts); err != nil {
		p.observe("failure")
		p.logger.Warn("build %s: upload artifact failed: %v", buildID, err)
		return "", fmt.Errorf("upload artifact: %w", err)
	}

	p.observe("success")
	return key, nil
}

func (p *Pipeline) observe(outcome string) {
	if p.recorder != nil {
		p.recorder.ObserveArtifactOutcome(outcome)
	}
}

// convertToZip implements spec §4.8 steps 2-3: decompress raw if it is
// gzip-compressed, then stream-extract its tar entries into a new zip
// archive, writing only regular files (directories are skipped) at
// their path with any leading "./" stripped.
func convertToZip(raw []byte) ([]byte, error) {
	r := io.Reader(bytes.NewReader(raw))
	if len(raw) >= 2 && raw[0] == gzipMagic[0] && raw[1] == gzipMagic[1] {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("open gzip stream: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		name := strings.TrimPrefix(hdr.Name, "./")
		w, err := zw.Create(name)
		if err != nil {
			return nil, fmt.Errorf("create zip entry %s: %w", name, err)
		}
		if _, err := io.Copy(w, tr); err != nil {
			return nil, fmt.Errorf("write zip entry %s: %w", name, err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close zip writer: %w", err)
	}
	return buf.Bytes(), nil
}
