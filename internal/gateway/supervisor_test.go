package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/talonhq/talon/internal/bus"
	"github.com/talonhq/talon/internal/config"
)

type fakeProcess struct {
	pid  int
	done chan error

	mu         sync.Mutex
	terminated bool
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, done: make(chan error, 1)}
}

func (p *fakeProcess) PID() int           { return p.pid }
func (p *fakeProcess) Done() <-chan error { return p.done }

func (p *fakeProcess) exit(err error) {
	if err != nil {
		p.done <- err
	}
	close(p.done)
}

func (p *fakeProcess) Terminate(time.Duration) error {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
	p.exit(nil)
	return nil
}

func (p *fakeProcess) wasTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

type fakeLauncher struct {
	mu       sync.Mutex
	fail     bool
	launches int
	last     *fakeProcess
}

func (l *fakeLauncher) Launch(context.Context, string) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches++
	if l.fail {
		return nil, errors.New("spawn gateway: connection refused")
	}
	l.last = newFakeProcess(4000 + l.launches)
	return l.last, nil
}

func (l *fakeLauncher) setFail(fail bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fail = fail
}

func (l *fakeLauncher) launchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

func (l *fakeLauncher) lastProc() *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

func testGatewayConfig() config.GatewayConfig {
	return config.GatewayConfig{
		Enabled:            true,
		Command:            "sh", // always resolvable in PATH
		Port:               0,    // skip port probing unless a test opts in
		RetryBaseSeconds:   1,
		RetryMaxSeconds:    300,
		StopGraceSeconds:   1,
		PreflightTimeoutMs: 100,
	}
}

func newTestSupervisor(t *testing.T, gcfg config.GatewayConfig) (*Supervisor, *fakeLauncher, *bus.Bus) {
	t.Helper()
	l := &fakeLauncher{}
	eb := bus.New()
	s := New(Config{
		Gateway:  gcfg,
		HomeDir:  t.TempDir(),
		Bus:      eb,
		Launcher: l,
		PortOpen: func(string, time.Duration) bool { return false },
	})
	return s, l, eb
}

func TestPreflight_DisabledIsHardIssue(t *testing.T) {
	gcfg := testGatewayConfig()
	gcfg.Enabled = false
	s, _, _ := newTestSupervisor(t, gcfg)

	res := s.Preflight(PreflightOptions{})
	if res.OK {
		t.Fatal("expected preflight failure when disabled")
	}
	if len(res.Issues) == 0 {
		t.Fatal("expected a hard issue")
	}
}

func TestPreflight_MissingCommand(t *testing.T) {
	gcfg := testGatewayConfig()
	gcfg.Command = "definitely-not-a-real-binary-name"
	s, _, _ := newTestSupervisor(t, gcfg)

	res := s.Preflight(PreflightOptions{})
	if res.OK {
		t.Fatal("expected preflight failure for unresolvable command")
	}
}

func TestPreflight_MissingEnvIsBlockingWarning(t *testing.T) {
	gcfg := testGatewayConfig()
	gcfg.RequiredEnv = []string{"TALON_TEST_GATEWAY_TOKEN_UNSET"}
	s, _, _ := newTestSupervisor(t, gcfg)

	res := s.Preflight(PreflightOptions{})
	if res.OK {
		t.Fatal("expected blocking warning to fail preflight")
	}
	if len(res.Warnings) == 0 || len(res.EnvHints) == 0 {
		t.Fatalf("expected warnings and env hints, got %+v", res)
	}

	// Force overrides blocking warnings but not hard issues.
	if forced := s.Preflight(PreflightOptions{Force: true}); !forced.OK {
		t.Fatal("force should override blocking warnings")
	}
}

func TestPreflight_PortOccupied(t *testing.T) {
	gcfg := testGatewayConfig()
	gcfg.Port = 18901
	l := &fakeLauncher{}
	s := New(Config{
		Gateway:  gcfg,
		HomeDir:  t.TempDir(),
		Launcher: l,
		PortOpen: func(string, time.Duration) bool { return true },
	})

	res := s.Preflight(PreflightOptions{CheckPort: true})
	if !res.PortCheckPerformed {
		t.Fatal("expected port check to run")
	}
	if res.OK || len(res.Warnings) == 0 {
		t.Fatalf("expected occupied-port warning, got %+v", res)
	}
}

func TestStart_Success(t *testing.T) {
	s, l, _ := newTestSupervisor(t, testGatewayConfig())
	defer s.Stop()

	if !s.Start(context.Background(), StartOptions{DaemonURL: "http://127.0.0.1:18900"}) {
		t.Fatal("Start returned false")
	}
	st := s.Status()
	if st.State != StateRunning || !st.Running || st.PID == 0 {
		t.Fatalf("status = %+v, want RUNNING with PID", st)
	}
	if st.DaemonURL != "http://127.0.0.1:18900" {
		t.Fatalf("daemonUrl = %q", st.DaemonURL)
	}

	// Second start is a no-op returning true, without a second launch.
	if !s.Start(context.Background(), StartOptions{}) {
		t.Fatal("Start on running supervisor should return true")
	}
	if l.launchCount() != 1 {
		t.Fatalf("launches = %d, want 1", l.launchCount())
	}
}

func TestStart_PreflightFailureDoesNotScheduleRetry(t *testing.T) {
	gcfg := testGatewayConfig()
	gcfg.Enabled = false
	s, l, _ := newTestSupervisor(t, gcfg)

	if s.Start(context.Background(), StartOptions{}) {
		t.Fatal("Start should fail preflight")
	}
	st := s.Status()
	if st.Error == "" {
		t.Fatal("expected lastError to record the preflight issue")
	}
	if st.State == StateRetryScheduled || st.Retries != 0 {
		t.Fatalf("preflight failure must not schedule a retry, status = %+v", st)
	}
	if l.launchCount() != 0 {
		t.Fatal("launcher must not run after failed preflight")
	}
}

func TestStart_LaunchFailureSchedulesCappedBackoffAndResets(t *testing.T) {
	s, l, eb := newTestSupervisor(t, testGatewayConfig())
	defer s.Stop()

	sub := eb.Subscribe(bus.TopicGatewayState)
	defer eb.Unsubscribe(sub)

	l.setFail(true)
	if s.Start(context.Background(), StartOptions{}) {
		t.Fatal("Start should fail when launch fails")
	}

	// First failure: retry in base*2^0 = 1000ms.
	if got := awaitRetryScheduled(t, sub); got != 1000 {
		t.Fatalf("first retry delay = %dms, want 1000", got)
	}

	// The armed timer re-invokes start; still failing: base*2^1 = 2000ms.
	if got := awaitRetryScheduled(t, sub); got != 2000 {
		t.Fatalf("second retry delay = %dms, want 2000", got)
	}

	// Let the next scheduled attempt succeed.
	l.setFail(false)
	awaitState(t, sub, StateRunning)
	if st := s.Status(); st.Retries != 0 {
		t.Fatalf("retries = %d after successful start, want 0 (counter reset)", st.Retries)
	}

	// A fresh crash starts the backoff ladder over at 1000ms.
	l.setFail(true)
	l.lastProc().exit(errors.New("exit status 1"))
	if got := awaitRetryScheduled(t, sub); got != 1000 {
		t.Fatalf("post-reset retry delay = %dms, want 1000", got)
	}
}

func TestStart_LaunchFailurePublishesRetryAttempt(t *testing.T) {
	s, l, eb := newTestSupervisor(t, testGatewayConfig())
	defer s.Stop()

	sub := eb.Subscribe(bus.TopicRetryAttempt)
	defer eb.Unsubscribe(sub)

	l.setFail(true)
	s.Start(context.Background(), StartOptions{})

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub.Ch():
			at, ok := ev.Payload.(bus.RetryAttemptEvent)
			if !ok {
				continue
			}
			if at.Operation != "gateway.start" {
				t.Fatalf("operation = %q, want gateway.start", at.Operation)
			}
			if at.Attempt != 1 {
				t.Fatalf("attempt = %d, want 1", at.Attempt)
			}
			if at.DelayMs != 1000 {
				t.Fatalf("delayMs = %d, want 1000", at.DelayMs)
			}
			// The launcher fails with a connection-refused message.
			if at.Category != "NETWORK" {
				t.Fatalf("category = %q, want NETWORK", at.Category)
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for retry attempt event")
		}
	}
}

func TestStop_CancelsPendingRetry(t *testing.T) {
	s, l, _ := newTestSupervisor(t, testGatewayConfig())

	l.setFail(true)
	s.Start(context.Background(), StartOptions{})
	launched := l.launchCount()

	s.Stop()

	// The pending timer must not fire another start.
	time.Sleep(1500 * time.Millisecond)
	if l.launchCount() != launched {
		t.Fatalf("launches grew from %d to %d after Stop", launched, l.launchCount())
	}
	if st := s.Status(); st.State != StateStopped {
		t.Fatalf("state = %s, want STOPPED", st.State)
	}
}

func TestStop_TerminatesProcess(t *testing.T) {
	s, l, _ := newTestSupervisor(t, testGatewayConfig())

	s.Start(context.Background(), StartOptions{})
	proc := l.lastProc()
	s.Stop()

	if !proc.wasTerminated() {
		t.Fatal("expected managed process to be terminated")
	}
	// Exit after Stop must not flip state away from STOPPED.
	time.Sleep(50 * time.Millisecond)
	if st := s.Status(); st.State != StateStopped {
		t.Fatalf("state = %s after stop, want STOPPED", st.State)
	}
}

func TestStart_AfterStopIsNoop(t *testing.T) {
	s, l, _ := newTestSupervisor(t, testGatewayConfig())
	s.Stop()
	if s.Start(context.Background(), StartOptions{}) {
		t.Fatal("Start after Stop should return false")
	}
	if l.launchCount() != 0 {
		t.Fatal("no launch expected after shutdown")
	}
}

func awaitRetryScheduled(t *testing.T, sub *bus.Subscription) int64 {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub.Ch():
			ge, ok := ev.Payload.(bus.GatewayStateEvent)
			if ok && ge.State == string(StateRetryScheduled) {
				return ge.RetryIn
			}
		case <-deadline:
			t.Fatal("timed out waiting for RETRY_SCHEDULED event")
		}
	}
}

func awaitState(t *testing.T, sub *bus.Subscription, want State) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub.Ch():
			if ge, ok := ev.Payload.(bus.GatewayStateEvent); ok && ge.State == string(want) {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}
