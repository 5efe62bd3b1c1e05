package gateway

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/talonhq/talon/internal/config"
)

// execLauncher spawns the gateway binary as a child process, forwarding
// its stdout/stderr lines to the daemon log.
type execLauncher struct {
	cfg    config.GatewayConfig
	logger *slog.Logger
}

func (l *execLauncher) Launch(ctx context.Context, daemonURL string) (Process, error) {
	cmd := exec.CommandContext(ctx, l.cfg.Command, l.cfg.Args...)
	// Context cancellation asks the gateway to exit instead of killing
	// it outright; WaitDelay bounds how long it may linger afterwards.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = time.Duration(l.cfg.StopGraceSeconds) * time.Second
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("TALON_DAEMON_URL=%s", daemonURL),
		fmt.Sprintf("TALON_GATEWAY_PORT=%d", l.cfg.Port),
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start gateway %q: %w", l.cfg.Command, err)
	}

	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			l.logger.Info("gateway stdout", "line", scanner.Text())
		}
	}()
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			l.logger.Warn("gateway stderr", "line", scanner.Text())
		}
	}()

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
		close(done)
	}()

	return &osProcess{cmd: cmd, done: done}, nil
}

// osProcess wraps a started exec.Cmd.
type osProcess struct {
	cmd  *exec.Cmd
	done chan error
}

func (p *osProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *osProcess) Done() <-chan error {
	return p.done
}

// Terminate sends SIGTERM, waits up to grace, then SIGKILLs.
func (p *osProcess) Terminate(grace time.Duration) error {
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if err == os.ErrProcessDone {
			return nil
		}
		return fmt.Errorf("signal gateway: %w", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	}

	if err := p.cmd.Process.Kill(); err != nil && err != os.ErrProcessDone {
		return fmt.Errorf("kill gateway: %w", err)
	}
	<-p.done
	return nil
}
