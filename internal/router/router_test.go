package router

import (
	"context"
	"os"
	"testing"

	"github.com/objcache/filecached/internal/engine"
)

func newTestRouter(t *testing.T) (*Router, func()) {
	t.Helper()
	base := t.TempDir()
	store := engine.NewObjectStore(nil)
	set, err := engine.NewCacheSet(base, 1<<20, store, engine.Hooks{})
	if err != nil {
		t.Fatalf("NewCacheSet: %v", err)
	}

	loop := engine.NewLoop(16)
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)

	r := New(loop, set, nil)
	return r, func() { cancel(); loop.Close() }
}

func TestRouterDefineTypeValidation(t *testing.T) {
	t.Parallel()
	r, stop := newTestRouter(t)
	defer stop()

	err := r.DefineType(Caller{}, "t", engine.CacheTypeParams{LoWatermark: 0, HiWatermark: 100}, false)
	if err == nil {
		t.Fatalf("expected InvalidParams for loWatermark=0")
	}
}

func TestRouterDefineTypeDirTypeRequiresPrivilege(t *testing.T) {
	t.Parallel()
	r, stop := newTestRouter(t)
	defer stop()

	params := engine.CacheTypeParams{LoWatermark: 1000, HiWatermark: 2000, DefaultSize: 8192, DefaultLifetime: 1}
	if err := r.DefineType(Caller{Privileged: false}, "d", params, true); err == nil {
		t.Fatalf("expected Perm error for unprivileged dirType define")
	}
	if err := r.DefineType(Caller{Privileged: true}, "d", params, true); err != nil {
		t.Fatalf("privileged dirType define should succeed: %v", err)
	}
}

func TestRouterInsertAndSubscribeWriteWindow(t *testing.T) {
	t.Parallel()
	r, stop := newTestRouter(t)
	defer stop()

	params := engine.CacheTypeParams{LoWatermark: 10000, HiWatermark: 20000, DefaultSize: 100, DefaultCost: 1, DefaultLifetime: 1}
	if err := r.DefineType(Caller{}, "t", params, false); err != nil {
		t.Fatalf("DefineType: %v", err)
	}

	result, err := r.InsertCacheObject("t", "a.ext", 10, 1, 1, true)
	if err != nil {
		t.Fatalf("InsertCacheObject: %v", err)
	}
	if !result.Subscribed {
		t.Fatalf("expected subscribed=true")
	}

	if _, err := r.SubscribeCacheObject(result.PathName); err == nil {
		t.Fatalf("expected exclusivity error on concurrent subscribe during write window")
	}

	if err := os.WriteFile(result.PathName, []byte("0123456789"), 0640); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Finish the write window via a fresh subscription handle's Cancel,
	// mirroring how a dropped connection unsubscribes.
	id, typeName, perr := r.resolvePath(result.PathName)
	if perr != nil {
		t.Fatalf("resolvePath: %v", perr)
	}
	sub := &Subscription{router: r, id: id, typeName: typeName}
	sub.Cancel()

	size, err := r.GetCacheObjectSize(result.PathName)
	if err != nil {
		t.Fatalf("GetCacheObjectSize: %v", err)
	}
	if size != 10 {
		t.Errorf("size = %d, want 10", size)
	}
}

func TestRouterInvalidFileName(t *testing.T) {
	t.Parallel()
	r, stop := newTestRouter(t)
	defer stop()

	params := engine.CacheTypeParams{LoWatermark: 10000, HiWatermark: 20000, DefaultSize: 100, DefaultLifetime: 1}
	if err := r.DefineType(Caller{}, "t", params, false); err != nil {
		t.Fatalf("DefineType: %v", err)
	}
	if _, err := r.InsertCacheObject("t", "a/b.ext", 10, 1, 1, false); err == nil {
		t.Fatalf("expected InvalidParams for fileName containing '/'")
	}
}
