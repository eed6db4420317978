// Package mount watches the health of the mounted remote filesystems.
// A dead FUSE mount does not fail loudly: reads hang or the directory
// simply appears empty, and an empty mount fed to the reconciler as a
// full listing would wipe the store. The monitor's whole job is to
// notice that state before a scan does.
package mount

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/graysui/graylink/internal/errkind"
)

// Status is the health of one monitored root.
type Status int

const (
	// Healthy means the last probe succeeded.
	Healthy Status = iota
	// Degraded means a probe failed and retries are in flight.
	Degraded
	// Failed means the retry budget is exhausted. Ingestion for the
	// root stays gated until a probe succeeds again.
	Failed
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Transition is one status change of one root.
type Transition struct {
	Root string
	From Status
	To   Status
	Err  error
}

// Config configures the monitor.
type Config struct {
	Roots []string
	// Interval is the probe cadence while healthy.
	Interval time.Duration
	// RetryCount is how many extra probes a failing root gets before
	// it is declared Failed.
	RetryCount int
	// RetryDelay is the pause between those retries.
	RetryDelay time.Duration
	Logger     *log.Logger
}

// Monitor probes each root on an interval and publishes transitions.
type Monitor struct {
	cfg         Config
	transitions chan Transition
	done        chan struct{}
	wg          sync.WaitGroup

	mu     sync.Mutex
	status map[string]Status
}

// NewMonitor creates a monitor. Every root starts out Healthy; the
// first probe runs immediately on Start and corrects that if needed.
func NewMonitor(cfg Config) *Monitor {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[mount] ", log.LstdFlags)
	}
	status := make(map[string]Status, len(cfg.Roots))
	for _, root := range cfg.Roots {
		status[root] = Healthy
	}
	return &Monitor{
		cfg:         cfg,
		transitions: make(chan Transition, 16),
		done:        make(chan struct{}),
		status:      status,
	}
}

// Transitions returns the status change stream. Closed on Stop.
func (m *Monitor) Transitions() <-chan Transition { return m.transitions }

// Healthy reports whether the given root is currently usable. Unknown
// roots are unhealthy.
func (m *Monitor) Healthy(root string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.status[root]
	return ok && s == Healthy
}

// AllHealthy reports whether every monitored root is usable.
func (m *Monitor) AllHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.status {
		if s != Healthy {
			return false
		}
	}
	return true
}

// Statuses returns a snapshot of every root's status.
func (m *Monitor) Statuses() map[string]Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Status, len(m.status))
	for root, s := range m.status {
		out[root] = s
	}
	return out
}

// Start probes every root once, then begins the interval loop.
func (m *Monitor) Start(ctx context.Context) {
	m.checkAll(ctx)
	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop halts probing and closes the transition stream.
func (m *Monitor) Stop() {
	close(m.done)
	m.wg.Wait()
	close(m.transitions)
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkAll(ctx)
		}
	}
}

func (m *Monitor) checkAll(ctx context.Context) {
	for _, root := range m.cfg.Roots {
		m.check(ctx, root)
	}
}

// check probes one root, walking it through the state machine.
func (m *Monitor) check(ctx context.Context, root string) {
	err := Probe(root)
	if err == nil {
		m.setStatus(root, Healthy, nil)
		return
	}

	m.setStatus(root, Degraded, err)

	for i := 0; i < m.cfg.RetryCount; i++ {
		select {
		case <-time.After(m.cfg.RetryDelay):
		case <-m.done:
			return
		case <-ctx.Done():
			return
		}
		if err = Probe(root); err == nil {
			m.setStatus(root, Healthy, nil)
			return
		}
	}

	m.setStatus(root, Failed, err)
}

// setStatus records the new status and publishes a transition when it
// actually changed.
func (m *Monitor) setStatus(root string, to Status, err error) {
	m.mu.Lock()
	from := m.status[root]
	m.status[root] = to
	m.mu.Unlock()

	if from == to {
		return
	}

	switch to {
	case Healthy:
		m.cfg.Logger.Printf("mount %s recovered (%s -> healthy)", root, from)
	case Degraded:
		m.cfg.Logger.Printf("mount %s degraded: %v", root, err)
	case Failed:
		m.cfg.Logger.Printf("ALERT: mount %s failed after %d retries: %v", root, m.cfg.RetryCount, err)
	}

	select {
	case m.transitions <- Transition{Root: root, From: from, To: to, Err: err}:
	default:
		// A slow consumer must not stall probing.
	}
}

// Probe checks that root is a live, populated mount. Statfs catches a
// dead FUSE daemon (the syscall errors out); the listing check catches
// the subtler failure where the mountpoint is just an empty local
// directory because the mount never came up.
func Probe(root string) error {
	var st unix.Statfs_t
	if err := unix.Statfs(root, &st); err != nil {
		return errkind.New(errkind.Mount, err).WithPath(root)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return errkind.New(errkind.Mount, err).WithPath(root)
	}
	if len(entries) == 0 {
		return errkind.Newf(errkind.Mount, "mount %s is empty, treating as unmounted", root)
	}
	return nil
}
