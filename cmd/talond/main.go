package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/talonhq/talon/internal/audit"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON:
  %s run                      Run the daemon in the foreground
  %s daemon start             Start the daemon in the background
  %s daemon stop              Stop the running daemon
  %s daemon status            Check whether the daemon is running

SUBCOMMANDS:
  %s status                   Show daemon health (/healthz)
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  TALON_HOME              Data directory (default: ~/.talon)
  TALON_BIND_ADDR         Override the API bind address
  TALON_LOG_LEVEL         Override the log level

EXAMPLES:
  Run in foreground:      %s run
  Start in background:    %s daemon start
  Check daemon health:    %s status
  Run diagnostics:        %s doctor
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
	case "run":
		os.Exit(runDaemon(ctx, stop))
	case "daemon":
		os.Exit(runDaemonCommand(ctx, stop, args[1:]))
	case "status":
		os.Exit(runStatusCommand(ctx, args[1:]))
	case "doctor":
		os.Exit(runDoctorCommand(ctx, args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

func runDaemonCommand(ctx context.Context, stop context.CancelFunc, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: talond daemon <start|stop|status>")
		return 2
	}
	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "start":
		return runDaemonStart(ctx)
	case "stop":
		return runDaemonStop(ctx)
	case "status":
		return runDaemonStatus(ctx)
	case "run":
		// Internal form used by the detached launcher.
		return runDaemon(ctx, stop)
	default:
		fmt.Fprintf(os.Stderr, "unknown daemon action %q\n", args[0])
		return 2
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(audit.KindFatalStartup, message, map[string]string{"reason_code": reasonCode})

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
