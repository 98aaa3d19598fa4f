package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"orchestrator/pkg/logx"
)

// dockerProvider creates sandboxes backed by a dedicated, long-running
// container per build (grounded on the teacher's LongRunningDockerExec,
// which keeps one container alive for the life of a story so state
// persists across many tool calls rather than spinning up a fresh
// container per command).
type dockerProvider struct{}

func (dockerProvider) Create(ctx context.Context, opts Opts) (Sandbox, error) {
	logger := logx.NewLogger("docker-sandbox")

	dockerCmd := "docker"
	if _, err := exec.LookPath("podman"); err == nil {
		if _, err := exec.LookPath("docker"); err != nil {
			dockerCmd = "podman"
		}
	}

	image := opts.Image
	if image == "" {
		image = "orchestrator/sandbox:latest"
	}

	id := uuid.New().String()
	containerName := "orchestrator-sandbox-" + id

	args := []string{"run", "-d", "--name", containerName}
	args = append(args, "--security-opt", "no-new-privileges")
	args = append(args, "--tmpfs", "/tmp:exec,nodev,nosuid,size=512m")
	args = append(args, "--tmpfs", "/home:exec,nodev,nosuid,size=512m")
	args = append(args, "--workdir", "/workspace")

	uid := os.Getuid()
	gid := os.Getgid()
	args = append(args, "--user", fmt.Sprintf("%d:%d", uid, gid))

	for _, env := range opts.Env {
		args = append(args, "--env", env)
	}
	args = append(args, image, "sleep", "infinity")

	runCmd := exec.CommandContext(ctx, dockerCmd, args...)
	output, err := runCmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("start sandbox container: %w: %s", err, strings.TrimSpace(string(output)))
	}
	containerID := strings.TrimSpace(string(output))

	timeout := time.Duration(opts.TimeoutSeconds) * time.Second
	s := &dockerSandbox{
		logger:        logger,
		id:            id,
		dockerCmd:     dockerCmd,
		containerName: containerName,
		containerID:   containerID,
	}
	if timeout > 0 {
		s.scheduleDestroy(timeout)
	}
	return s, nil
}

type dockerSandbox struct {
	logger        *logx.Logger
	id            string
	dockerCmd     string
	containerName string
	containerID   string
	destroyTimer  *time.Timer
}

func (s *dockerSandbox) ID() string { return s.id }

func (s *dockerSandbox) Exec(ctx context.Context, cmd []string) (ExecResult, error) {
	if len(cmd) == 0 {
		return ExecResult{}, fmt.Errorf("command cannot be empty")
	}

	start := time.Now()
	args := append([]string{"exec", "-i", s.containerName}, cmd...)
	execCmd := exec.CommandContext(ctx, s.dockerCmd, args...)

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
		s.logger.Warn("sandbox %s: docker exec unreachable: %v", s.id, runErr)
		return result, fmt.Errorf("sandbox %s lost: %w", s.id, runErr)
	}
	return result, nil
}

// ReadFile shells out to `docker exec cat`, avoiding an intermediate
// `docker cp` temp file for the common small-file case.
func (s *dockerSandbox) ReadFile(ctx context.Context, path string) ([]byte, error) {
	res, err := s.Exec(ctx, []string{"cat", path})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("sandbox %s: %s: %w", s.id, path, os.ErrNotExist)
	}
	return []byte(res.Stdout), nil
}

// WriteFile stages data to a host temp file and `docker cp`s it in,
// grounded on the teacher's CpToContainer.
func (s *dockerSandbox) WriteFile(ctx context.Context, path string, data []byte) error {
	tmp, err := os.CreateTemp("", "orchestrator-sandbox-write-*")
	if err != nil {
		return logx.Wrap(err, "create staging file")
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return logx.Wrap(err, "write staging file")
	}
	if err := tmp.Close(); err != nil {
		return logx.Wrap(err, "close staging file")
	}

	if _, err := s.Exec(ctx, []string{"mkdir", "-p", dirname(path)}); err != nil {
		return err
	}

	cpCmd := exec.CommandContext(ctx, s.dockerCmd, "cp", tmp.Name(), s.containerName+":"+path)
	if out, err := cpCmd.CombinedOutput(); err != nil {
		return fmt.Errorf("docker cp into sandbox %s: %w: %s", s.id, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func dirname(path string) string {
	i := strings.LastIndex(path, "/")
	if i <= 0 {
		return "/"
	}
	return path[:i]
}

// DownloadDir captures the workspace by tarring it inside the container
// and streaming the archive out over the exec's stdout.
func (s *dockerSandbox) DownloadDir(ctx context.Context, path string) ([]byte, error) {
	args := []string{"exec", s.containerName, "tar", "czf", "-", "-C", path, "."}
	cmd := exec.CommandContext(ctx, s.dockerCmd, args...)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("archive sandbox %s workspace: %w", s.id, err)
	}
	return out, nil
}

func (s *dockerSandbox) Destroy(ctx context.Context) error {
	if s.destroyTimer != nil {
		s.destroyTimer.Stop()
	}
	stopCmd := exec.CommandContext(ctx, s.dockerCmd, "stop", s.containerName)
	if err := stopCmd.Run(); err != nil {
		s.logger.Debug("sandbox %s: stop failed (may already be gone): %v", s.id, err)
	}
	rmCmd := exec.CommandContext(ctx, s.dockerCmd, "rm", "-f", s.containerName)
	if err := rmCmd.Run(); err != nil {
		s.logger.Debug("sandbox %s: rm failed (may already be gone): %v", s.id, err)
	}
	return nil
}

func (s *dockerSandbox) SetTimeout(_ context.Context, d time.Duration) error {
	if s.destroyTimer != nil {
		s.destroyTimer.Stop()
	}
	s.scheduleDestroy(d)
	return nil
}

func (s *dockerSandbox) scheduleDestroy(d time.Duration) {
	s.destroyTimer = time.AfterFunc(d, func() {
		s.logger.Info("sandbox %s: timeout elapsed, destroying container", s.id)
		if err := s.Destroy(context.Background()); err != nil {
			s.logger.Error("sandbox %s: destroy on timeout failed: %v", s.id, err)
		}
	})
}

// GetHost returns the container's published host port mapping, falling
// back to the container name as a Docker-network-internal hostname when
// no port publishing was configured.
func (s *dockerSandbox) GetHost(port int) (string, error) {
	cmd := exec.Command(s.dockerCmd, "port", s.containerName, strconv.Itoa(port))
	out, err := cmd.Output()
	if err != nil || len(strings.TrimSpace(string(out))) == 0 {
		return fmt.Sprintf("%s:%d", s.containerName, port), nil
	}
	return strings.TrimSpace(string(out)), nil
}
