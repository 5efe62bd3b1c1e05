package smoke

import (
	"bytes"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"
)

// startDaemon launches the daemon in the foreground against the given
// home and addr, registers cleanup, and returns the running command.
func startDaemon(t *testing.T, bin, home, addr string) *exec.Cmd {
	t.Helper()

	cmd := exec.Command(bin, "run")
	cmd.Env = append(os.Environ(),
		"TALON_HOME="+home,
		"TALON_BIND_ADDR="+addr,
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Start(); err != nil {
		t.Fatalf("start daemon: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Signal(syscall.SIGTERM)
		done := make(chan struct{})
		go func() {
			_ = cmd.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		}
	})
	return cmd
}

// waitForPidFile polls until the daemon writes daemon.pid, failing the
// test if it never shows up.
func waitForPidFile(t *testing.T, home string) map[string]any {
	t.Helper()

	pidPath := filepath.Join(home, "daemon", "daemon.pid")
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		raw, err := os.ReadFile(pidPath)
		if err == nil {
			var state map[string]any
			if json.Unmarshal(raw, &state) == nil {
				return state
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("daemon.pid never appeared at %s", pidPath)
	return nil
}

func TestSmoke_DaemonPIDFlow(t *testing.T) {
	bin := buildTalondBinary(t)
	home := t.TempDir()
	addr := pickFreeAddr(t)

	daemon := startDaemon(t, bin, home, addr)

	// PID file appears with the daemon's own PID.
	state := waitForPidFile(t, home)
	pid, _ := state["pid"].(float64)
	if int(pid) != daemon.Process.Pid {
		t.Fatalf("daemon.pid records pid %v, process is %d", state["pid"], daemon.Process.Pid)
	}
	if _, err := os.Stat(filepath.Join(home, "daemon", "daemon.lock")); err != nil {
		t.Fatalf("daemon.lock missing while daemon is running: %v", err)
	}

	// The status command reaches the daemon's health endpoint.
	deadline := time.Now().Add(10 * time.Second)
	var statusOut string
	for time.Now().Before(deadline) {
		s := exec.Command(bin, "status")
		s.Env = append(os.Environ(), "TALON_HOME="+home, "TALON_BIND_ADDR="+addr)
		var buf bytes.Buffer
		s.Stdout = &buf
		s.Stderr = &buf
		if err := s.Run(); err == nil {
			statusOut = buf.String()
			break
		}
		time.Sleep(150 * time.Millisecond)
	}
	if strings.TrimSpace(statusOut) == "" {
		t.Fatalf("status did not become ready in time")
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(statusOut), &body); err != nil {
		t.Fatalf("status output not JSON: %v\nout=%s", err, statusOut)
	}
	if _, ok := body["status"]; !ok {
		t.Fatalf("expected status field in health output: %#v", body)
	}

	// A second instance against the same home must refuse to start.
	second := exec.Command(bin, "run")
	second.Env = append(os.Environ(), "TALON_HOME="+home, "TALON_BIND_ADDR="+pickFreeAddr(t))
	var secondOut bytes.Buffer
	second.Stdout = &secondOut
	second.Stderr = &secondOut
	if err := second.Run(); err == nil {
		t.Fatalf("second daemon instance started against a held lock")
	}
	if !strings.Contains(secondOut.String(), "already running") {
		t.Fatalf("second instance output missing already-running notice: %s", secondOut.String())
	}

	// SIGTERM produces a clean exit with both state files removed.
	if err := daemon.Process.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("signal daemon: %v", err)
	}
	waitDone := make(chan error, 1)
	go func() { waitDone <- daemon.Wait() }()
	select {
	case err := <-waitDone:
		if err != nil {
			t.Fatalf("daemon exited uncleanly: %v", err)
		}
	case <-time.After(8 * time.Second):
		t.Fatalf("daemon did not exit after SIGTERM")
	}

	if _, err := os.Stat(filepath.Join(home, "daemon", "daemon.pid")); !os.IsNotExist(err) {
		t.Fatalf("daemon.pid still present after shutdown (err=%v)", err)
	}
	if _, err := os.Stat(filepath.Join(home, "daemon", "daemon.lock")); !os.IsNotExist(err) {
		t.Fatalf("daemon.lock still present after shutdown (err=%v)", err)
	}
}

func TestSmoke_StaleLockIsReclaimed(t *testing.T) {
	bin := buildTalondBinary(t)
	home := t.TempDir()

	// Forge a lock and PID file for a process that no longer exists.
	stateDir := filepath.Join(home, "daemon")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		t.Fatal(err)
	}
	stale := `{"pid":999999,"startTime":"2026-01-01T00:00:00Z"}`
	if err := os.WriteFile(filepath.Join(stateDir, "daemon.lock"), []byte(stale), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(stateDir, "daemon.pid"), []byte(stale), 0o644); err != nil {
		t.Fatal(err)
	}

	daemon := startDaemon(t, bin, home, pickFreeAddr(t))
	state := waitForPidFile(t, home)
	pid, _ := state["pid"].(float64)
	if int(pid) != daemon.Process.Pid {
		t.Fatalf("stale lock was not reclaimed; pid file holds %v, want %d", state["pid"], daemon.Process.Pid)
	}
}
