package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"patchmgr/api/internal/overlay"
	"patchmgr/api/internal/patch"
	"patchmgr/api/internal/preview"
)

type downStore struct {
	*overlay.Memory
}

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func doJSON(t *testing.T, h http.Handler, method, target string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var response map[string]any
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
			t.Fatalf("%s %s: parse response %q: %v", method, target, rr.Body.String(), err)
		}
	}
	return rr, response
}

func TestHealthEndpoint(t *testing.T) {
	server := NewHTTPServer(newTestService(t, nil, nil), "*")
	rr, response := doJSON(t, server.Handler(), http.MethodGet, "/api/health", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	if ok, exists := response["ok"]; !exists || ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected a generated X-Request-ID")
	}
}

func TestReadyEndpoint_StoreDown(t *testing.T) {
	server := NewHTTPServer(newTestService(t, downStore{overlay.NewMemory()}, nil), "*")
	rr, response := doJSON(t, server.Handler(), http.MethodGet, "/api/ready", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	if response["status"] != "not_ready" {
		t.Errorf("expected status=not_ready, got %v", response["status"])
	}
	checks, _ := response["checks"].(map[string]any)
	store, _ := checks["store"].(map[string]any)
	if store["error"] != "connection refused" {
		t.Errorf("expected store error, got %v", store)
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	server := NewHTTPServer(newTestService(t, nil, nil), "https://editor.example")
	req := httptest.NewRequest(http.MethodOptions, "/api/patches", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("expected status 204, got %d", rr.Code)
	}
	if got := rr.Header().Get("X-Request-ID"); got != "req-42" {
		t.Errorf("X-Request-ID = %q", got)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://editor.example" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestPatchLifecycleOverHTTP(t *testing.T) {
	svc := newTestService(t, nil, nil)
	if err := svc.tree.SeedRoot(context.Background(), map[string][]byte{"a.xml": []byte("<a>\n  <b/>\n</a>\n")}); err != nil {
		t.Fatalf("SeedRoot() error = %v", err)
	}
	h := NewHTTPServer(svc, "*").Handler()

	rr, created := doJSON(t, h, http.MethodPost, "/api/patches", map[string]any{"title": "First"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %v", rr.Code, created)
	}
	id, _ := created["id"].(string)
	if created["parent"] != "root" || id == "" {
		t.Fatalf("unexpected patch: %v", created)
	}

	rr, editor := doJSON(t, h, http.MethodGet, "/api/patches/"+id+"/files/a.xml", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("editor: expected 200, got %d", rr.Code)
	}
	if editor["current"] != "<a>\n\t<b/>\n</a>\n" {
		t.Errorf("editor current = %q", editor["current"])
	}

	rr, saved := doJSON(t, h, http.MethodPut, "/api/patches/"+id+"/files/docs/new.xml", map[string]any{"text": "<new/>"})
	if rr.Code != http.StatusOK {
		t.Fatalf("save: expected 200, got %d: %v", rr.Code, saved)
	}
	if saved["path"] != "docs/new.xml" || saved["source"] != id {
		t.Errorf("unexpected save response: %v", saved)
	}

	rr, paths := doJSON(t, h, http.MethodGet, "/api/patches/"+id+"/paths?recursive=true", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("paths: expected 200, got %d", rr.Code)
	}
	if got, _ := paths["paths"].([]any); len(got) != 2 {
		t.Errorf("expected 2 paths, got %v", paths["paths"])
	}

	rr, diff := doJSON(t, h, http.MethodGet, "/api/patches/"+id+"/diff", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("diff: expected 200, got %d", rr.Code)
	}
	diffs, _ := diff["diffs"].([]any)
	if len(diffs) != 1 || diffs[0].(map[string]any)["kind"] != string(patch.Added) {
		t.Errorf("unexpected diffs: %v", diff["diffs"])
	}

	rr, titled := doJSON(t, h, http.MethodPut, "/api/patches/"+id+"/title", map[string]any{"title": "Renamed"})
	if rr.Code != http.StatusOK || titled["title"] != "Renamed" {
		t.Errorf("title: got %d %v", rr.Code, titled)
	}

	rr, parent := doJSON(t, h, http.MethodPost, "/api/patches/"+id+"/merge", nil)
	if rr.Code != http.StatusOK || parent["id"] != "root" {
		t.Fatalf("merge: got %d %v", rr.Code, parent)
	}

	rr, _ = doJSON(t, h, http.MethodGet, "/api/patches/"+id, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("merged patch: expected 404, got %d", rr.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	svc := newTestService(t, nil, nil)
	ctx := context.Background()
	a, err := svc.CreatePatch(ctx, CreatePatchInput{})
	if err != nil {
		t.Fatalf("CreatePatch() error = %v", err)
	}
	if _, err := svc.CreatePatch(ctx, CreatePatchInput{Parent: a.ID}); err != nil {
		t.Fatalf("CreatePatch() error = %v", err)
	}
	h := NewHTTPServer(svc, "*").Handler()

	cases := []struct {
		name   string
		method string
		target string
		body   any
		status int
		code   string
	}{
		{"unknown patch", http.MethodGet, "/api/patches/ghost", nil, http.StatusNotFound, "NOT_FOUND"},
		{"write root", http.MethodPut, "/api/patches/root/files/a.xml", map[string]any{"text": "x"}, http.StatusForbidden, "READ_ONLY"},
		{"write locked ancestor", http.MethodPut, "/api/patches/" + a.ID + "/files/a.xml", map[string]any{"text": "x"}, http.StatusForbidden, "READ_ONLY"},
		{"merge with children", http.MethodPost, "/api/patches/" + a.ID + "/merge", nil, http.StatusConflict, "MERGE_UNSUPPORTED"},
		{"rename onto root", http.MethodPost, "/api/patches/" + a.ID + "/rename", map[string]any{"id": "root"}, http.StatusConflict, "CONFLICT"},
		{"invalid id", http.MethodPost, "/api/patches/" + a.ID + "/rename", map[string]any{"id": "a/b"}, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{"invalid xml", http.MethodPost, "/api/patches/root/preview", map[string]any{"path": "a.xml", "text": "<a>"}, http.StatusUnprocessableEntity, "INVALID_XML"},
		{"git disabled", http.MethodPost, "/api/baseline/import", nil, http.StatusServiceUnavailable, "GIT_UNAVAILABLE"},
		{"unknown route", http.MethodGet, "/api/nope", nil, http.StatusNotFound, "NOT_FOUND"},
		{"wrong method", http.MethodPatch, "/api/patches", nil, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr, response := doJSON(t, h, tc.method, tc.target, tc.body)
			if rr.Code != tc.status {
				t.Fatalf("expected status %d, got %d: %v", tc.status, rr.Code, response)
			}
			if response["code"] != tc.code {
				t.Errorf("expected code %s, got %v", tc.code, response["code"])
			}
		})
	}
}

func TestMapErrorServerError(t *testing.T) {
	status, code, message, _ := mapError(errors.New("disk full"))
	if status != http.StatusInternalServerError || code != "SERVER_ERROR" || message != "Server error" {
		t.Errorf("mapError() = %d %s %s", status, code, message)
	}

	status, _, _, details := mapError(&preview.StructuralError{Path: "b.xml", Err: errors.New("bad")})
	if status != http.StatusUnprocessableEntity {
		t.Errorf("structural error status = %d", status)
	}
	if details.(map[string]any)["path"] != "b.xml" {
		t.Errorf("structural error details = %v", details)
	}
}
