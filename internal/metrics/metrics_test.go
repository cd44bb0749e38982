package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/objcache/filecached/internal/engine"
)

func TestHooksIncrementCounters(t *testing.T) {
	t.Parallel()
	m := New()
	hooks := m.Hooks()

	hooks.OnInsert("t")
	hooks.OnExpire("t", "requested")
	hooks.OnEvict("t", "watermark")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		`filecached_insert_total{type="t"} 1`,
		`filecached_expire_total{type="t"} 1`,
		`filecached_evictions_total{reason="watermark",type="t"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q\ngot:\n%s", want, body)
		}
	}
}

func TestObserveSetsGauges(t *testing.T) {
	t.Parallel()
	m := New()
	m.Observe("t", engine.CacheTypeStatus{Size: 4096, NumObjects: 3})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, `filecached_cache_size_bytes{type="t"} 4096`) {
		t.Errorf("missing cache size gauge, got:\n%s", body)
	}
	if !strings.Contains(body, `filecached_cache_objects{type="t"} 3`) {
		t.Errorf("missing cache objects gauge, got:\n%s", body)
	}
}
