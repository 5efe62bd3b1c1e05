// Package audit appends daemon lifecycle events to an append-only JSONL
// trail under <home>/logs/audit.jsonl. Writes are best-effort: a failed
// append never blocks or fails the operation being recorded.
package audit

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/talonhq/talon/internal/shared"
)

// Event kinds recorded by the daemon.
const (
	KindDaemonStarted   = "daemon.started"
	KindDaemonStopped   = "daemon.stopped"
	KindLockTakeover    = "lock.takeover"
	KindGatewayStarted  = "gateway.started"
	KindGatewayExited   = "gateway.exited"
	KindGatewayRetry    = "gateway.retry_scheduled"
	KindStealRequested  = "worksteal.requested"
	KindRetryExhausted  = "retry.exhausted"
	KindFatalStartup    = "startup.fatal"
	KindSessionsRestore = "sessions.restored"
)

type entry struct {
	Timestamp string            `json:"timestamp"`
	Kind      string            `json:"kind"`
	Detail    string            `json:"detail,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

var (
	mu         sync.Mutex
	file       *os.File
	path       string
	eventCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	p := filepath.Join(logDir, "audit.jsonl")
	f, err := os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	path = p
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// EventCount returns the total number of events recorded since startup.
func EventCount() int64 {
	return eventCount.Load()
}

// Record appends one event. Detail and field values are redacted before
// persistence.
func Record(kind, detail string, fields map[string]string) {
	eventCount.Add(1)

	detail = shared.Redact(detail)
	var redacted map[string]string
	if len(fields) > 0 {
		redacted = make(map[string]string, len(fields))
		for k, v := range fields {
			redacted[k] = shared.Redact(v)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Kind:      kind,
		Detail:    detail,
		Fields:    redacted,
	}
	b, err := json.Marshal(ev)
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}

// PruneBefore rewrites the trail keeping only entries stamped at or
// after cutoff. Unparseable lines are kept. Returns the number of
// entries removed.
func PruneBefore(cutoff time.Time) (int, error) {
	mu.Lock()
	defer mu.Unlock()
	if path == "" {
		return 0, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	var kept []byte
	removed := 0
	for _, line := range bytes.Split(raw, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var ev entry
		if err := json.Unmarshal(line, &ev); err == nil {
			if ts, terr := time.Parse(time.RFC3339Nano, ev.Timestamp); terr == nil && ts.Before(cutoff) {
				removed++
				continue
			}
		}
		kept = append(kept, line...)
		kept = append(kept, '\n')
	}
	if removed == 0 {
		return 0, nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, kept, 0o644); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, err
	}

	// Reopen the append handle so writes land in the rewritten file.
	if file != nil {
		_ = file.Close()
		file = nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return removed, err
	}
	file = f
	return removed, nil
}
