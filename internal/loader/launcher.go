package loader

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/pkarpov/gridhost/internal/logger"
	"github.com/pkarpov/gridhost/internal/modhost"
)

// GenerationSpec describes the package a module host generation must serve.
type GenerationSpec struct {
	// PackageDir is the extracted version directory of the package.
	PackageDir string
	// PrimaryModule is the file name of the package's primary module.
	PrimaryModule string
	// AdapterModule is the file name of the engine adapter module.
	AdapterModule string
}

// Launcher starts module host generations. Production uses ProcessLauncher;
// tests substitute an in-process fake.
type Launcher interface {
	Start(ctx context.Context, spec GenerationSpec) (Generation, error)
}

// Generation is a running, independently retirable module host.
type Generation interface {
	// Client returns the control channel of the generation.
	Client() *modhost.Client
	// Stop retires the generation and releases everything it loaded.
	Stop(ctx context.Context) error
}

const (
	// dialRetryInterval is the delay between handshake dial attempts while
	// the module host is still loading its plugins.
	dialRetryInterval = 50 * time.Millisecond

	// stopGracePeriod is how long Stop waits for a module host to exit
	// after the shutdown request before killing it.
	stopGracePeriod = 5 * time.Second
)

// ProcessLauncher spawns one gridhost-module subprocess per generation.
type ProcessLauncher struct {
	// executablePath is the module host binary; bare names go through PATH.
	executablePath string
	// socketDir is where per-generation control sockets are created.
	socketDir string
	// installDir is the fallback module resolution directory passed to the host.
	installDir string
	// controlTimeout bounds the handshake and each control call.
	controlTimeout time.Duration
	// counter disambiguates socket names across generations of this process.
	counter atomic.Uint64
}

// NewProcessLauncher creates a launcher for the module host executable.
func NewProcessLauncher(executablePath, socketDir, installDir string, controlTimeout time.Duration) *ProcessLauncher {
	return &ProcessLauncher{
		executablePath: executablePath,
		socketDir:      socketDir,
		installDir:     installDir,
		controlTimeout: controlTimeout,
	}
}

// Start spawns a module host for the spec and waits for its handshake.
func (p *ProcessLauncher) Start(ctx context.Context, spec GenerationSpec) (Generation, error) {
	if err := os.MkdirAll(p.socketDir, 0o755); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}

	socketPath := filepath.Join(p.socketDir,
		fmt.Sprintf("gridhost-module-%d-%d.sock", os.Getpid(), p.counter.Add(1)))

	// A crashed previous run may have left the socket file behind.
	_ = os.Remove(socketPath)

	//nolint:gosec // The executable path comes from validated configuration.
	cmd := exec.Command(p.executablePath,
		"--socket", socketPath,
		"--package-dir", spec.PackageDir,
		"--primary", spec.PrimaryModule,
		"--adapter", spec.AdapterModule,
		"--install-dir", p.installDir,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn module host: %w", err)
	}

	logger.InfoKV(ctx, "Module host started",
		"pid", cmd.Process.Pid, "package_dir", spec.PackageDir, "socket", socketPath)

	client, err := p.handshake(ctx, socketPath)
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		_ = os.Remove(socketPath)

		return nil, err
	}

	return &processGeneration{
		cmd:        cmd,
		client:     client,
		socketPath: socketPath,
	}, nil
}

// handshake dials the control socket until the module host answers a ping or
// the control timeout expires.
func (p *ProcessLauncher) handshake(ctx context.Context, socketPath string) (*modhost.Client, error) {
	deadline := time.Now().Add(p.controlTimeout)

	for {
		client, err := modhost.Dial(ctx, socketPath, modhost.WithCallTimeout(p.controlTimeout))
		if err == nil {
			if err = client.Ping(ctx); err == nil {
				return client, nil
			}

			_ = client.Close()
		}

		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("module host handshake on %s: %w", socketPath, err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("module host handshake: %w", ctx.Err())
		case <-time.After(dialRetryInterval):
		}
	}
}

// processGeneration is a Generation backed by a real subprocess.
type processGeneration struct {
	// cmd is the running module host process.
	cmd *exec.Cmd
	// client is the connected control channel.
	client *modhost.Client
	// socketPath is removed once the generation is stopped.
	socketPath string
}

// Client returns the control channel of the generation.
func (g *processGeneration) Client() *modhost.Client {
	return g.client
}

// Stop retires the module host: a graceful shutdown request first, then a
// kill when the process outlives the grace period. Safe to call once per
// generation; the loader never calls it twice.
func (g *processGeneration) Stop(ctx context.Context) error {
	if err := g.client.Shutdown(ctx); err != nil {
		logger.DebugKV(ctx, "Graceful module host shutdown failed", "error", err)
	}

	_ = g.client.Close()

	waited := make(chan error, 1)
	go func() {
		waited <- g.cmd.Wait()
	}()

	select {
	case <-waited:
	case <-time.After(stopGracePeriod):
		logger.WarnKV(ctx, "Module host did not exit in time, killing it", "pid", g.cmd.Process.Pid)

		_ = g.cmd.Process.Kill()
		<-waited
	}

	_ = os.Remove(g.socketPath)

	return nil
}
