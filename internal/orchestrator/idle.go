package orchestrator

import (
	"sync"
	"time"
)

// IdleDetector tracks whether the system has actionable work. When there has
// been no work for longer than idleThreshold, pollers should stretch their
// polling interval to avoid unnecessary tracker API calls. Wake() resets the
// detector to the active state, which a forced poll uses to restore the
// normal interval immediately.
//
// The detector is concurrency-safe and is shared between the ingestion loop
// and the status surface.
type IdleDetector struct {
	mu            sync.RWMutex
	hasWork       bool
	workGoneAt    time.Time     // when hasWork last became false
	idleThreshold time.Duration // how long with no work before going idle (0 = immediately)
}

// NewIdleDetector creates an IdleDetector that starts in an active state
// (assuming there may be work until confirmed otherwise).
func NewIdleDetector(idleThreshold time.Duration) *IdleDetector {
	return &IdleDetector{hasWork: true, idleThreshold: idleThreshold}
}

// SetHasWork updates whether there is currently actionable work: queued
// tickets or in-flight items. Called by the ingestion loop after each cycle.
func (d *IdleDetector) SetHasWork(has bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if has {
		d.hasWork = true
		d.workGoneAt = time.Time{}
	} else if d.hasWork {
		// Transition from active to inactive: record the time.
		d.hasWork = false
		d.workGoneAt = time.Now()
	}
	// If already !hasWork, keep the existing workGoneAt.
}

// IsIdle returns true if the system has been without work for at least
// idleThreshold. If idleThreshold is 0, returns true as soon as there is no
// work.
func (d *IdleDetector) IsIdle() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.hasWork {
		return false
	}
	if d.idleThreshold <= 0 {
		return true
	}
	return time.Since(d.workGoneAt) >= d.idleThreshold
}

// AdaptInterval returns normal if the system is not idle, or idle if it is.
// If idle <= normal, the normal interval is always returned (idle mode must
// be slower).
func (d *IdleDetector) AdaptInterval(normal, idle time.Duration) time.Duration {
	if !d.IsIdle() || idle <= normal {
		return normal
	}
	return idle
}

// Wake resets the detector to the active state, ending any idle condition
// until work next disappears for the configured threshold.
func (d *IdleDetector) Wake() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hasWork = true
	d.workGoneAt = time.Time{}
}
