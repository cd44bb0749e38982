package router

import (
	"sync"

	"github.com/objcache/filecached/internal/engine"
)

// subscriptionTable tracks currently live Subscription handles so
// MaintenanceTicker's worker pass can validate every pinned object each
// cycle. It is the router-side counterpart of the original's per-caller
// Subscription bookkeeping; the engine itself never sees it.
type subscriptionTable struct {
	mu    sync.Mutex
	byID  map[engine.ObjectId]subscriptionInfo
}

type subscriptionInfo struct {
	typeName string
	path     string
}

func newSubscriptionTable() *subscriptionTable {
	return &subscriptionTable{byID: make(map[engine.ObjectId]subscriptionInfo)}
}

func (t *subscriptionTable) track(id engine.ObjectId, typeName, path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[id] = subscriptionInfo{typeName: typeName, path: path}
}

func (t *subscriptionTable) untrack(id engine.ObjectId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, id)
}

func (t *subscriptionTable) ids() []engine.ObjectId {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]engine.ObjectId, 0, len(t.byID))
	for id := range t.byID {
		ids = append(ids, id)
	}
	return ids
}
