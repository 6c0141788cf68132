package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/funbringer/zenith/internal/config"
	"github.com/funbringer/zenith/internal/server"
)

func testRouter(t *testing.T) (*server.PageServer, http.Handler) {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	ps, err := server.NewPageServer(cfg)
	if err != nil {
		t.Fatalf("Failed to create pageserver: %v", err)
	}
	t.Cleanup(ps.Stop)
	return ps, NewRouter(ps)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var r *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal body: %v", err)
		}
		r = bytes.NewReader(data)
	} else {
		r = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 && rec.Header().Get("Content-Type") == "application/json" {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("Response is not JSON: %v (%s)", err, rec.Body.String())
		}
	}
	return rec, decoded
}

func TestPing(t *testing.T) {
	_, router := testRouter(t)

	rec, body := doJSON(t, router, http.MethodGet, "/api/v1/ping", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if body["status"] != "ok" {
		t.Errorf("Expected status ok, got %v", body["status"])
	}
}

func TestStatus(t *testing.T) {
	_, router := testRouter(t)

	rec, body := doJSON(t, router, http.MethodGet, "/api/v1/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	for _, key := range []string{"applied_lsn", "gc_horizon", "resident_bytes", "chains"} {
		if _, ok := body[key]; !ok {
			t.Errorf("Status response missing %q", key)
		}
	}
}

func TestSnapshotLifecycle(t *testing.T) {
	_, router := testRouter(t)

	rec, body := doJSON(t, router, http.MethodPost, "/api/v1/snapshots/create",
		map[string]any{"description": "test"})
	if rec.Code != http.StatusOK {
		t.Fatalf("Create: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	snap, ok := body["snapshot"].(map[string]any)
	if !ok {
		t.Fatalf("Create response has no snapshot: %v", body)
	}
	id, _ := snap["id"].(string)
	if id == "" {
		t.Fatal("Snapshot has no id")
	}

	rec, body = doJSON(t, router, http.MethodGet, "/api/v1/snapshots/list", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("List: expected 200, got %d", rec.Code)
	}
	if snaps, ok := body["snapshots"].([]any); !ok || len(snaps) != 1 {
		t.Errorf("Expected 1 snapshot in list, got %v", body["snapshots"])
	}

	rec, _ = doJSON(t, router, http.MethodGet, "/api/v1/snapshots/get?id="+id, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("Get: expected 200, got %d", rec.Code)
	}

	rec, _ = doJSON(t, router, http.MethodPost, "/api/v1/snapshots/delete?id="+id, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("Delete: expected 200, got %d", rec.Code)
	}
	rec, _ = doJSON(t, router, http.MethodGet, "/api/v1/snapshots/get?id="+id, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Get after delete: expected 404, got %d", rec.Code)
	}
}

func TestCreateSnapshotAboveWatermark(t *testing.T) {
	_, router := testRouter(t)

	rec, _ := doJSON(t, router, http.MethodPost, "/api/v1/snapshots/create",
		map[string]any{"lsn": 999})
	if rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 for a snapshot above the watermark, got %d", rec.Code)
	}
}

func TestBackupCompleted(t *testing.T) {
	ps, router := testRouter(t)

	rec, _ := doJSON(t, router, http.MethodPost, "/api/v1/backup_completed",
		map[string]any{"lsn": 4242})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if got := ps.Horizon.BackupFloor(); got != 4242 {
		t.Errorf("Expected backup floor 4242, got %s", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, router := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("pageserver_applied_lsn")) {
		t.Error("Metrics exposition missing pageserver gauges")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	_, router := testRouter(t)

	rec, _ := doJSON(t, router, http.MethodPost, "/api/v1/status", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", rec.Code)
	}
}
