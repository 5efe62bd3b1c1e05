package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/talonhq/talon/internal/config"
	"github.com/talonhq/talon/internal/persistence"
	"github.com/talonhq/talon/internal/probe"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkHomeDir,
		checkDatabase,
		checkGateway,
		checkBindAddr,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

// Healthy reports whether no check failed.
func (d Diagnosis) Healthy() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return false
		}
	}
	return true
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "Configuration missing (defaults in effect)"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir))}
}

func checkHomeDir(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Home Directory", Status: "SKIP", Message: "Config missing"}
	}
	if err := os.MkdirAll(config.DaemonDir(cfg.HomeDir), 0o755); err != nil {
		return CheckResult{Name: "Home Directory", Status: "FAIL", Message: fmt.Sprintf("Cannot create state dir: %v", err)}
	}
	testFile := fmt.Sprintf("%s/.write_test", cfg.HomeDir)
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Home Directory", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Home Directory", Status: "PASS", Message: "State directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}

	store, err := persistence.Open(config.DatabasePath(cfg.HomeDir))
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	if _, err := store.CountSessionsWithIncompleteTodos(ctx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}

	return CheckResult{Name: "Database", Status: "PASS", Message: "Connection and schema valid"}
}

func checkGateway(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Gateway", Status: "SKIP", Message: "Config missing"}
	}
	if !cfg.Gateway.Enabled {
		return CheckResult{Name: "Gateway", Status: "SKIP", Message: "Gateway disabled"}
	}
	if cfg.Gateway.Command == "" {
		return CheckResult{Name: "Gateway", Status: "FAIL", Message: "Gateway enabled but no command configured"}
	}
	if _, err := exec.LookPath(cfg.Gateway.Command); err != nil {
		return CheckResult{
			Name:    "Gateway",
			Status:  "FAIL",
			Message: fmt.Sprintf("Command %q not found in PATH", cfg.Gateway.Command),
		}
	}

	var missing []string
	for _, key := range cfg.Gateway.RequiredEnv {
		if os.Getenv(key) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return CheckResult{
			Name:    "Gateway",
			Status:  "WARN",
			Message: fmt.Sprintf("%d required env var(s) unset", len(missing)),
			Detail:  fmt.Sprintf("missing: %v", missing),
		}
	}

	return CheckResult{Name: "Gateway", Status: "PASS", Message: fmt.Sprintf("Command %q resolved", cfg.Gateway.Command)}
}

func checkBindAddr(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Bind Address", Status: "SKIP", Message: "Config missing"}
	}

	if probe.TCP(cfg.BindAddr, probe.DefaultTimeout) {
		detail := probe.PortOccupantHint(cfg.BindAddr)
		return CheckResult{
			Name:    "Bind Address",
			Status:  "WARN",
			Message: fmt.Sprintf("%s is already accepting connections (daemon running?)", cfg.BindAddr),
			Detail:  detail,
		}
	}

	return CheckResult{Name: "Bind Address", Status: "PASS", Message: fmt.Sprintf("%s available", cfg.BindAddr)}
}
