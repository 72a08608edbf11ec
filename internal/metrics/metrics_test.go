package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	return rec.Body.String()
}

func TestObserve(t *testing.T) {
	Observe("test-op", time.Now(), nil)
	Observe("test-op", time.Now(), errors.New("x"))
	Observe("test-op", time.Now(), errors.New("y"))

	body := scrape(t)
	for _, want := range []string{
		`patchmgr_operations_total{op="test-op",result="ok"} 1`,
		`patchmgr_operations_total{op="test-op",result="error"} 2`,
		`patchmgr_operation_seconds_count{op="test-op"} 3`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestSetPatches(t *testing.T) {
	SetPatches(3)
	if body := scrape(t); !strings.Contains(body, "patchmgr_patches 3") {
		t.Fatalf("metrics output missing gauge")
	}
}
