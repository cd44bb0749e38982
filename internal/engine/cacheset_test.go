package engine

import (
	"os"
	"testing"
)

func newTestCacheSet(t *testing.T) *CacheSet {
	t.Helper()
	base := t.TempDir()
	store := NewObjectStore(nil)
	cs, err := NewCacheSet(base, 1<<20, store, Hooks{})
	if err != nil {
		t.Fatalf("NewCacheSet: %v", err)
	}
	return cs
}

func defineTestType(t *testing.T, cs *CacheSet, name string) {
	t.Helper()
	err := cs.DefineType(name, &CacheTypeParams{
		LoWatermark: 10000, HiWatermark: 20000,
		DefaultSize: 100, DefaultCost: 1, DefaultLifetime: 1,
	}, false)
	if err != nil {
		t.Fatalf("DefineType(%s): %v", name, err)
	}
}

func TestWatermarkRejection(t *testing.T) {
	t.Parallel()
	cs := newTestCacheSet(t)
	defineTestType(t, cs, "t")

	err := cs.DefineType("u", &CacheTypeParams{LoWatermark: 0, HiWatermark: 20000, DefaultLifetime: 1}, false)
	if err == nil {
		t.Fatalf("expected error defining type with loWatermark=0")
	}
}

func TestWriteWindowExclusivity(t *testing.T) {
	t.Parallel()
	cs := newTestCacheSet(t)
	defineTestType(t, cs, "t")

	id, path, err := cs.InsertCacheObject("t", "a.ext", 123, 1, 1)
	if err != nil {
		t.Fatalf("InsertCacheObject: %v", err)
	}
	if _, err := cs.SubscribeCacheObject(id); err != nil {
		t.Fatalf("first subscribe: %v", err)
	}

	if _, err := cs.SubscribeCacheObject(id); err == nil {
		t.Fatalf("expected exclusivity error on second subscribe during write window")
	}

	if err := os.WriteFile(path, make([]byte, 50), 0640); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := cs.UnsubscribeCacheObject("t", id); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	size, err := cs.GetObjectSize(id)
	if err != nil {
		t.Fatalf("GetObjectSize: %v", err)
	}
	if size != 50 {
		t.Errorf("size after clamp = %d, want 50", size)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm()&0200 != 0 {
		t.Errorf("expected read-only permissions after finalise, got %v", info.Mode())
	}
}

func TestExpireIdempotence(t *testing.T) {
	t.Parallel()
	cs := newTestCacheSet(t)
	defineTestType(t, cs, "t")

	if err := cs.ExpireCacheObject(999999999); err != nil {
		t.Fatalf("expiring unknown object should succeed, got %v", err)
	}
}

func TestAdmissionAfterCleanup(t *testing.T) {
	t.Parallel()
	cs := newTestCacheSet(t)
	err := cs.DefineType("t", &CacheTypeParams{
		LoWatermark: 2 * blockSize, HiWatermark: 3 * blockSize,
		DefaultSize: 100, DefaultCost: 1, DefaultLifetime: 1,
	}, false)
	if err != nil {
		t.Fatalf("DefineType: %v", err)
	}

	// First insert fits; second should force a cleanup of the first.
	id1, _, err := cs.InsertCacheObject("t", "a.ext", 100, 1, 1)
	if err != nil {
		t.Fatalf("insert 1: %v", err)
	}
	_, _, err = cs.InsertCacheObject("t", "b.ext", 100, 1, 1)
	if err != nil {
		t.Fatalf("insert 2: %v", err)
	}

	tc := cs.types["t"]
	if _, stillPresent := tc.objects[id1]; stillPresent {
		t.Errorf("expected insert 2 to evict object 1 from the LRU tail to stay under hiWatermark")
	}
	if tc.cacheSize >= tc.hiWatermark {
		t.Errorf("cacheSize reached hiWatermark: %d >= %d", tc.cacheSize, tc.hiWatermark)
	}
}

func TestRecoveryEquivalence(t *testing.T) {
	t.Parallel()
	base := t.TempDir()
	store := NewObjectStore(nil)

	cs, err := NewCacheSet(base, 1<<20, store, Hooks{})
	if err != nil {
		t.Fatalf("NewCacheSet: %v", err)
	}
	defineTestType(t, cs, "t")

	id, path, err := cs.InsertCacheObject("t", "a.ext", 100, 5, 10)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := cs.SubscribeCacheObject(id); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := os.WriteFile(path, make([]byte, 100), 0640); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := cs.UnsubscribeCacheObject("t", id); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	cs2, err := NewCacheSet(base, 1<<20, store, Hooks{})
	if err != nil {
		t.Fatalf("second NewCacheSet: %v", err)
	}
	if err := cs2.Recover(); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	size, err := cs2.GetObjectSize(id)
	if err != nil {
		t.Fatalf("GetObjectSize after recovery: %v", err)
	}
	if size != 100 {
		t.Errorf("recovered size = %d, want 100", size)
	}
	name, err := cs2.GetObjectFilename(id)
	if err != nil {
		t.Fatalf("GetObjectFilename after recovery: %v", err)
	}
	if name != "a.ext" {
		t.Errorf("recovered filename = %q, want %q", name, "a.ext")
	}
}

func TestRecoveryDropsUnwrittenObject(t *testing.T) {
	t.Parallel()
	base := t.TempDir()
	store := NewObjectStore(nil)

	cs, err := NewCacheSet(base, 1<<20, store, Hooks{})
	if err != nil {
		t.Fatalf("NewCacheSet: %v", err)
	}
	defineTestType(t, cs, "t")

	id, _, err := cs.InsertCacheObject("t", "a.ext", 100, 1, 1)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	// Left unsubscribed/unwritten, simulating a crash mid-write.

	cs2, err := NewCacheSet(base, 1<<20, store, Hooks{})
	if err != nil {
		t.Fatalf("second NewCacheSet: %v", err)
	}
	if err := cs2.Recover(); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	if _, err := cs2.GetObjectSize(id); err == nil {
		t.Errorf("expected unwritten object to be dropped on recovery")
	}
}
