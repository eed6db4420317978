package mount

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/graysui/graylink/internal/errkind"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func populatedDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "movie.mp4"), []byte("x"), 0644); err != nil {
		t.Fatalf("writing file: %v", err)
	}
	return dir
}

func TestProbe(t *testing.T) {
	if err := Probe(populatedDir(t)); err != nil {
		t.Errorf("Probe(populated dir) failed: %v", err)
	}

	// An empty mountpoint looks exactly like a mount that never came
	// up, and must be treated as one.
	err := Probe(t.TempDir())
	if err == nil {
		t.Fatal("Probe(empty dir) should fail")
	}
	if !errkind.Is(err, errkind.Mount) {
		t.Errorf("error kind of %v is not Mount", err)
	}

	if err := Probe(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("Probe(missing dir) should fail")
	}
}

func TestMonitorFlagsDeadMount(t *testing.T) {
	good := populatedDir(t)
	bad := t.TempDir() // empty: unmounted

	m := NewMonitor(Config{
		Roots:      []string{good, bad},
		Interval:   time.Hour,
		RetryCount: 2,
		RetryDelay: time.Millisecond,
		Logger:     testLogger(),
	})
	m.Start(context.Background())
	defer m.Stop()

	if !m.Healthy(good) {
		t.Errorf("healthy root %s reported unhealthy", good)
	}
	if m.Healthy(bad) {
		t.Errorf("empty root %s reported healthy", bad)
	}
	if m.AllHealthy() {
		t.Error("AllHealthy() true with a dead mount")
	}

	// The dead root went Healthy -> Degraded -> Failed.
	wantStatus := map[string]Status{good: Healthy, bad: Failed}
	for root, want := range wantStatus {
		if got := m.Statuses()[root]; got != want {
			t.Errorf("status of %s = %v, want %v", root, got, want)
		}
	}
}

func TestMonitorEmitsTransitions(t *testing.T) {
	bad := t.TempDir()
	m := NewMonitor(Config{
		Roots:      []string{bad},
		Interval:   time.Hour,
		RetryCount: 1,
		RetryDelay: time.Millisecond,
		Logger:     testLogger(),
	})
	m.Start(context.Background())
	defer m.Stop()

	var seen []Status
	deadline := time.After(5 * time.Second)
	for len(seen) < 2 {
		select {
		case tr := <-m.Transitions():
			if tr.Root != bad {
				t.Errorf("transition for unexpected root %s", tr.Root)
			}
			seen = append(seen, tr.To)
		case <-deadline:
			t.Fatalf("saw transitions %v, want degraded then failed", seen)
		}
	}
	if seen[0] != Degraded || seen[1] != Failed {
		t.Errorf("transitions = %v, want [degraded failed]", seen)
	}
}

func TestMonitorRecovery(t *testing.T) {
	dir := t.TempDir() // starts empty
	m := NewMonitor(Config{
		Roots:      []string{dir},
		Interval:   time.Hour,
		RetryCount: 0,
		RetryDelay: time.Millisecond,
		Logger:     testLogger(),
	})
	m.Start(context.Background())
	defer m.Stop()

	if m.Healthy(dir) {
		t.Fatal("empty root reported healthy")
	}

	// Mount comes back: next probe restores the gate.
	if err := os.WriteFile(filepath.Join(dir, "movie.mp4"), []byte("x"), 0644); err != nil {
		t.Fatalf("writing file: %v", err)
	}
	m.check(context.Background(), dir)

	if !m.Healthy(dir) {
		t.Error("recovered root still reported unhealthy")
	}
}

func TestUnknownRootIsUnhealthy(t *testing.T) {
	m := NewMonitor(Config{Roots: nil, Interval: time.Hour, Logger: testLogger()})
	if m.Healthy("/never/monitored") {
		t.Error("unknown root reported healthy")
	}
}
