package sandbox

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"orchestrator/pkg/logx"
)

// localProvider creates sandboxes backed by a plain temp directory and
// direct os/exec, for tests and single-tenant dev use (spec §6).
type localProvider struct{}

func (localProvider) Create(_ context.Context, opts Opts) (Sandbox, error) {
	id := uuid.New().String()
	dir, err := os.MkdirTemp("", "orchestrator-sandbox-"+id)
	if err != nil {
		return nil, fmt.Errorf("create sandbox workspace: %w", err)
	}
	s := &localSandbox{
		id:      id,
		dir:     dir,
		env:     opts.Env,
		logger:  logx.NewLogger("local-sandbox"),
		timeout: time.Duration(opts.TimeoutSeconds) * time.Second,
	}
	return s, nil
}

type localSandbox struct {
	logger  *logx.Logger
	id      string
	dir     string
	env     []string
	timeout time.Duration
}

func (s *localSandbox) ID() string { return s.id }

func (s *localSandbox) Exec(ctx context.Context, cmd []string) (ExecResult, error) {
	if len(cmd) == 0 {
		return ExecResult{}, fmt.Errorf("command cannot be empty")
	}

	start := time.Now()
	execCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	execCmd := exec.CommandContext(execCtx, cmd[0], cmd[1:]...)
	execCmd.Dir = s.dir
	execCmd.Env = append(os.Environ(), s.env...)

	var stdout, stderr strings.Builder
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	runErr := execCmd.Run()
	result := ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("sandbox %s: exec failed to start: %w", s.id, runErr)
	}
	return result, nil
}

func (s *localSandbox) resolve(path string) string {
	return filepath.Join(s.dir, filepath.Clean("/"+path))
}

func (s *localSandbox) ReadFile(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(s.resolve(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("sandbox %s: %s: %w", s.id, path, os.ErrNotExist)
		}
		return nil, logx.Wrap(err, "read file")
	}
	return data, nil
}

func (s *localSandbox) WriteFile(_ context.Context, path string, data []byte) error {
	full := s.resolve(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return logx.Wrap(err, "create parent directories")
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return logx.Wrap(err, "write file")
	}
	return nil
}

func (s *localSandbox) DownloadDir(_ context.Context, path string) ([]byte, error) {
	root := s.resolve(path)
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	walkErr := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		_, err = io.Copy(tw, f)
		return err
	})
	if walkErr != nil {
		return nil, logx.Wrap(walkErr, "archive sandbox directory")
	}
	if err := tw.Close(); err != nil {
		return nil, logx.Wrap(err, "close tar writer")
	}
	if err := gz.Close(); err != nil {
		return nil, logx.Wrap(err, "close gzip writer")
	}
	return buf.Bytes(), nil
}

func (s *localSandbox) Destroy(_ context.Context) error {
	if err := os.RemoveAll(s.dir); err != nil {
		return logx.Wrap(err, "remove sandbox workspace")
	}
	return nil
}

func (s *localSandbox) SetTimeout(_ context.Context, d time.Duration) error {
	s.timeout = d
	return nil
}

// GetHost has no real routing target for a local sandbox; it returns a
// loopback address so preview-link formatting code has something uniform
// to work with in dev/test.
func (s *localSandbox) GetHost(port int) (string, error) {
	return fmt.Sprintf("localhost:%d", port), nil
}
