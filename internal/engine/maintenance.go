package engine

import (
	"context"
	"time"
)

const (
	workerInterval  = 15 * time.Second
	cleanerInterval = 120 * time.Second
)

// MaintenanceTicker fires two cooperative callbacks onto a Loop: a
// recurring worker that sweeps orphans and validates every currently
// subscribed object, and a one-shot cleaner that sweeps finished dirType
// objects. Neither blocks the loop for longer than the current object count
// warrants.
type MaintenanceTicker struct {
	loop *Loop
	set  *CacheSet

	// activeSubscriptions returns the ids presently held open by callers,
	// supplied by whatever tracks Subscription handles (the router).
	activeSubscriptions func() []ObjectId
}

// NewMaintenanceTicker returns a MaintenanceTicker for set, dispatching onto
// loop, consulting activeSubscriptions for the worker's validate pass.
func NewMaintenanceTicker(loop *Loop, set *CacheSet, activeSubscriptions func() []ObjectId) *MaintenanceTicker {
	return &MaintenanceTicker{loop: loop, set: set, activeSubscriptions: activeSubscriptions}
}

// Run schedules the worker and cleaner timers until ctx is cancelled.
func (m *MaintenanceTicker) Run(ctx context.Context) {
	workerTicker := time.NewTicker(workerInterval)
	defer workerTicker.Stop()
	cleanerTimer := time.NewTimer(cleanerInterval)
	defer cleanerTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-workerTicker.C:
			m.loop.Post(m.worker)
		case <-cleanerTimer.C:
			m.loop.Post(m.cleaner)
		}
	}
}

func (m *MaintenanceTicker) worker() {
	m.set.cleanupOrphans()
	if m.activeSubscriptions == nil {
		return
	}
	for _, id := range m.activeSubscriptions() {
		if t, _, ok := m.set.resolve(id); ok {
			if obj := t.get(id); obj != nil {
				obj.validate()
			}
		}
	}
}

func (m *MaintenanceTicker) cleaner() {
	m.set.cleanupDirTypes()
}
