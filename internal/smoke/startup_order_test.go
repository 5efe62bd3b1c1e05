package smoke

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestSmoke_StartupPhasesFollowRequiredOrder(t *testing.T) {
	bin := buildTalondBinary(t)
	home := t.TempDir()
	addr := pickFreeAddr(t)

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

	logPath := filepath.Join(home, "logs", "system.jsonl")
	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		data, _ := os.ReadFile(logPath)
		if strings.Contains(string(data), `"phase":"listener_bound"`) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)
	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()
	select {
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		t.Fatalf("daemon did not exit after signal")
	case <-waitDone:
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read logs: %v", err)
	}

	phases := map[string]int{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		phase, _ := entry["phase"].(string)
		if phase == "" {
			continue
		}
		if _, exists := phases[phase]; !exists {
			phases[phase] = lineNo
		}
	}
	required := []string{
		"config_loaded",
		"lock_acquired",
		"schema_migrated",
		"sessions_restored",
		"listener_bound",
	}
	for _, phase := range required {
		if _, ok := phases[phase]; !ok {
			t.Fatalf("missing startup phase %q in logs\noutput=%s", phase, out.String())
		}
	}
	for i := 1; i < len(required); i++ {
		prev := required[i-1]
		cur := required[i]
		if phases[prev] >= phases[cur] {
			t.Fatalf("phase ordering invalid: %s(%d) >= %s(%d)", prev, phases[prev], cur, phases[cur])
		}
	}
}

func TestSmoke_StartupFailureEmitsReasonCode(t *testing.T) {
	bin := buildTalondBinary(t)
	home := t.TempDir()

	// Occupy the bind address so listener setup fails.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("occupy addr: %v", err)
	}
	defer ln.Close()

	cmd := exec.Command(bin, "run")
	cmd.Env = append(os.Environ(),
		"TALON_HOME="+home,
		"TALON_BIND_ADDR="+ln.Addr().String(),
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err == nil {
		t.Fatalf("expected startup failure on occupied bind address")
	}

	logData, _ := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	combined := string(logData) + "\n" + out.String()
	if !strings.Contains(combined, `"reason_code":"E_LISTENER_BIND"`) {
		t.Fatalf("expected E_LISTENER_BIND reason code in output/logs\ncombined=%s", combined)
	}
	if !strings.Contains(combined, "startup failure") {
		t.Fatalf("expected startup failure log message\ncombined=%s", combined)
	}

	// The failed start must not leave a lock behind.
	if _, err := os.Stat(filepath.Join(home, "daemon", "daemon.lock")); !os.IsNotExist(err) {
		t.Fatalf("daemon.lock left behind after failed startup (err=%v)", err)
	}
}
