// Package sandbox provides the remote-execution abstraction the
// Orchestrator drives during a build: a disposable workspace exposing
// exec/readFile/writeFile/downloadDir/destroy/setTimeout/getHost, backed by
// either a local temp directory or a per-build Docker container.
package sandbox

import (
	"context"
	"time"
)

// Kind selects which concrete Sandbox implementation a Provider constructs.
type Kind string

// Supported sandbox kinds.
const (
	KindLocal  Kind = "local"
	KindDocker Kind = "docker"
)

// ExecResult is the outcome of a single command run inside a sandbox.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Opts configures sandbox creation.
type Opts struct {
	// Image is the container image to use (KindDocker only).
	Image string

	// Env contains KEY=VALUE environment entries visible to Exec.
	Env []string

	// TimeoutSeconds is the initial lifetime; SetTimeout extends it. The
	// local sandbox uses it as a per-Exec timeout instead.
	TimeoutSeconds int
}

// Sandbox is the narrow provider surface the Orchestrator consumes (spec
// §6): "exec, readFile, writeFile, downloadDir, destroy, setTimeout, and a
// per-port public hostname". ReadFile/WriteFile satisfy manifest.Workspace
// structurally, so a Sandbox doubles as a build's manifest-file backing
// store without any adapter shim.
type Sandbox interface {
	// ID returns the sandbox's provider-assigned identifier.
	ID() string

	// Exec runs a command inside the sandbox and returns its result.
	// It never returns an error for a non-zero exit code; callers check
	// ExecResult.ExitCode. A returned error indicates the sandbox itself
	// is unreachable (the "Sandbox lost" classification, spec §7).
	Exec(ctx context.Context, cmd []string) (ExecResult, error)

	// ReadFile returns the contents of path. Fails with a not-found error
	// if the file does not exist.
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// WriteFile writes data to path, creating parent directories as needed.
	WriteFile(ctx context.Context, path string, data []byte) error

	// DownloadDir captures the sandbox's workspace directory as a
	// tar.gz archive.
	DownloadDir(ctx context.Context, path string) ([]byte, error)

	// Destroy tears down the sandbox. Idempotent.
	Destroy(ctx context.Context) error

	// SetTimeout extends (or shortens) the sandbox's remaining lifetime. The
	// local sandbox has no lifetime; it applies d as a per-Exec timeout.
	SetTimeout(ctx context.Context, d time.Duration) error

	// GetHost returns the public hostname routing to the given port
	// inside the sandbox, used by preview-server links.
	GetHost(port int) (string, error)
}

// Provider creates sandboxes of a configured kind.
type Provider interface {
	Create(ctx context.Context, opts Opts) (Sandbox, error)
}

// NewProvider returns the Provider for the given kind, grounded on
// config.SandboxMode ("local" | "docker").
func NewProvider(kind Kind) Provider {
	switch kind {
	case KindDocker:
		return dockerProvider{}
	default:
		return localProvider{}
	}
}
