package maintenance_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/talonhq/talon/internal/maintenance"
	"github.com/talonhq/talon/internal/persistence"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "talon.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func backdateSession(t *testing.T, store *persistence.Store, age time.Duration) string {
	t.Helper()
	ctx := context.Background()
	id, err := store.CreateSession(ctx, "expired-"+t.Name(), "worker-1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	stale := time.Now().Add(-age).UTC().Format(time.RFC3339Nano)
	if _, err := store.DB().Exec(`UPDATE sessions SET updated_at = ? WHERE id = ?`, stale, id); err != nil {
		t.Fatalf("backdate session: %v", err)
	}
	return id
}

func TestNewRunner_InvalidExpression(t *testing.T) {
	_, err := maintenance.NewRunner(maintenance.Config{
		Store:    openTestStore(t),
		Schedule: "not a cron expr",
	})
	if err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestRunOnce_PurgesExpiredSessions(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	backdateSession(t, store, 100*24*time.Hour)
	fresh, err := store.CreateSession(ctx, "fresh", "worker-1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	r, err := maintenance.NewRunner(maintenance.Config{
		Store:            store,
		Logger:           slog.Default(),
		SessionRetention: 90 * 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	r.RunOnce(ctx, time.Now())

	sessions, err := store.Sessions(ctx)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != fresh {
		t.Fatalf("expected only the fresh session to survive, got %+v", sessions)
	}
}

func TestRunner_FiresOnSchedule(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	backdateSession(t, store, 100*24*time.Hour)

	// The schedule can be up to a minute away, too long for a unit test.
	// Drive the purge via RunOnce and use the loop only to verify it runs
	// and stops cleanly.
	r, err := maintenance.NewRunner(maintenance.Config{
		Store:            store,
		Logger:           slog.Default(),
		Schedule:         "* * * * *",
		SessionRetention: 90 * 24 * time.Hour,
		PollInterval:     20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	first := r.NextRun()
	if first.IsZero() || !first.After(time.Now().Add(-time.Minute)) {
		t.Fatalf("unexpected initial next run: %v", first)
	}

	r.Start(ctx)
	r.RunOnce(ctx, time.Now())

	waitFor(t, 3*time.Second, func() bool {
		sessions, err := store.Sessions(ctx)
		return err == nil && len(sessions) == 0
	})

	r.Stop()
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	next, err := maintenance.NextRunTime("0 3 * * *", after)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	want := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	if _, err := maintenance.NextRunTime("bogus", after); err == nil {
		t.Fatal("expected error for bogus expression")
	}
}

func TestRunOnce_PrunesAuditTrail(t *testing.T) {
	store := openTestStore(t)

	var gotCutoff time.Time
	runner, err := maintenance.NewRunner(maintenance.Config{
		Store:            store,
		Logger:           slog.Default(),
		SessionRetention: 30 * 24 * time.Hour,
		AuditRetention:   7 * 24 * time.Hour,
		PruneAudit: func(cutoff time.Time) (int, error) {
			gotCutoff = cutoff
			return 3, nil
		},
	})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	now := time.Now()
	runner.RunOnce(context.Background(), now)

	want := now.Add(-7 * 24 * time.Hour)
	if !gotCutoff.Equal(want) {
		t.Fatalf("audit cutoff = %v, want %v", gotCutoff, want)
	}
}

func TestRunOnce_AuditPruneDisabledByZeroRetention(t *testing.T) {
	store := openTestStore(t)

	called := false
	runner, err := maintenance.NewRunner(maintenance.Config{
		Store: store,
		PruneAudit: func(time.Time) (int, error) {
			called = true
			return 0, nil
		},
	})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	runner.RunOnce(context.Background(), time.Now())
	if called {
		t.Fatal("audit prune ran despite zero retention")
	}
}
