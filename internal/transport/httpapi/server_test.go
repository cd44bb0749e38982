package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/objcache/filecached/internal/engine"
	"github.com/objcache/filecached/internal/router"
)

func TestStatusForKind(t *testing.T) {
	t.Parallel()
	cases := map[engine.ErrorKind]int{
		engine.KindInvalidParams: http.StatusBadRequest,
		engine.KindArgument:      http.StatusBadRequest,
		engine.KindExists:        http.StatusNotFound,
		engine.KindInUse:         http.StatusConflict,
		engine.KindPerm:          http.StatusForbidden,
		engine.KindConfiguration: http.StatusInternalServerError,
		engine.KindCopy:          http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := statusForKind(kind); got != want {
			t.Errorf("statusForKind(%v) = %d, want %d", kind, got, want)
		}
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	base := t.TempDir()
	store := engine.NewObjectStore(nil)
	set, err := engine.NewCacheSet(base, 1<<20, store, engine.Hooks{})
	if err != nil {
		t.Fatalf("NewCacheSet: %v", err)
	}
	loop := engine.NewLoop(16)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go loop.Run(ctx)
	r := router.New(loop, set, nil)
	return New(r, nil)
}

func TestDefineTypeThenDescribe(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	body, _ := json.Marshal(defineTypeRequest{
		TypeName: "t", LoWatermark: 10000, HiWatermark: 20000,
		Size: 100, Cost: 1, Lifetime: 1,
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/types", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("defineType status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec2 := httptest.NewRecorder()
	s.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/v1/types/t", nil))
	if rec2.Code != http.StatusOK {
		t.Fatalf("describeType status = %d, body = %s", rec2.Code, rec2.Body.String())
	}
}

func TestDefineTypeRejectsBadWatermarks(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	body, _ := json.Marshal(defineTypeRequest{TypeName: "t", LoWatermark: 0, HiWatermark: 100})
	req := httptest.NewRequest(http.MethodPost, "/v1/types", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d, body = %s", rec.Code, http.StatusBadRequest, rec.Body.String())
	}
}
