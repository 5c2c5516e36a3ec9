package overlay

import (
	"sync"
	"time"
)

const maintenanceInterval = time.Second

// maintenanceTimer drives the once-per-second housekeeping pass: peer finder
// bookkeeping, endpoint advertisement, and auto-connect. Ticks run on the
// overlay's strand so they are serialized with stop dispatch and outbound
// connects.
type maintenanceTimer struct {
	overlay *Overlay

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

func newMaintenanceTimer(o *Overlay) *maintenanceTimer {
	return &maintenanceTimer{overlay: o}
}

func (t *maintenanceTimer) run() {
	t.schedule()
}

func (t *maintenanceTimer) schedule() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.timer = time.AfterFunc(maintenanceInterval, func() {
		t.overlay.strand.post(t.onTick)
	})
}

func (t *maintenanceTimer) onTick() {
	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()
	if stopped || t.overlay.isStopping() {
		t.finish()
		return
	}

	o := t.overlay
	o.finder.OncePerSecond()
	o.sendEndpoints()
	o.autoConnect()

	t.schedule()
}

// stop cancels the pending tick. If the cancel lands before the tick fired,
// the timer unregisters itself immediately; otherwise the in-flight tick
// observes the stopped flag and unregisters from the strand.
func (t *maintenanceTimer) stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	canceled := t.timer == nil || t.timer.Stop()
	t.mu.Unlock()

	if canceled {
		t.overlay.strand.post(t.finish)
	}
}

func (t *maintenanceTimer) finish() {
	t.overlay.removeChild(t)
}
