package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/funbringer/zenith/internal/server"
	"github.com/funbringer/zenith/pkg/types"
)

// NewRouter builds the admin HTTP surface: status, snapshot management,
// backup acknowledgements and Prometheus metrics.
func NewRouter(ps *server.PageServer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/ping", handlePing())
	mux.HandleFunc("/api/v1/status", handleStatus(ps))
	mux.HandleFunc("/api/v1/compact", handleCompact(ps))
	mux.HandleFunc("/api/v1/backup_completed", handleBackupCompleted(ps))
	mux.HandleFunc("/api/v1/snapshots/create", handleCreateSnapshot(ps))
	mux.HandleFunc("/api/v1/snapshots/list", handleListSnapshots(ps))
	mux.HandleFunc("/api/v1/snapshots/get", handleGetSnapshot(ps))
	mux.HandleFunc("/api/v1/snapshots/delete", handleDeleteSnapshot(ps))
	mux.HandleFunc("/api/v1/snapshots/extract", handleExtractSnapshot(ps))
	mux.Handle("/metrics", ps.Metrics.Handler())
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{
		"status": "error",
		"error":  err.Error(),
	})
}

func snapshotErrorCode(err error) int {
	if errors.Is(err, types.ErrSnapshotNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func handlePing() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func handleStatus(ps *server.PageServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		status := map[string]any{
			"status":          "ok",
			"applied_lsn":     ps.Watermark.Get().String(),
			"gc_horizon":      ps.Horizon.Current().String(),
			"inflight_reads":  ps.InFlight.Count(),
			"resident_bytes":  ps.Store.ResidentBytes(),
			"chains":          len(ps.Store.Pages()),
			"storage_backend": ps.Config.StorageBackend,
		}
		if ps.Pipeline != nil {
			status["ingest_state"] = ps.Pipeline.State().String()
		}
		writeJSON(w, http.StatusOK, status)
	}
}

func handleCompact(ps *server.PageServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ps.Compactor.Kick()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
	}
}

type backupCompletedRequest struct {
	LSN types.Lsn `json:"lsn"`
}

func handleBackupCompleted(ps *server.PageServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req backupCompletedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}

		ps.Horizon.BackupCompleted(req.LSN)
		log.Printf("Backup completed at LSN %s, floor now %s", req.LSN, ps.Horizon.BackupFloor())
		writeJSON(w, http.StatusOK, map[string]string{
			"status":       "ok",
			"backup_floor": ps.Horizon.BackupFloor().String(),
		})
	}
}

type createSnapshotRequest struct {
	LSN         types.Lsn `json:"lsn"`
	Description string    `json:"description"`
}

func handleCreateSnapshot(ps *server.PageServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req createSnapshotRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}

		// Snapshot the current watermark when no LSN is given.
		lsn := req.LSN
		if lsn == types.InvalidLsn {
			lsn = ps.Watermark.Get()
		}
		if lsn > ps.Watermark.Get() {
			writeError(w, http.StatusConflict, types.ErrNotYetIngested)
			return
		}

		snapshot, err := ps.Snapshots.Create(lsn, req.Description)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}

		log.Printf("Snapshot created: id=%s lsn=%s", snapshot.ID, snapshot.LSN)
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "success",
			"snapshot": snapshot,
		})
	}
}

func handleListSnapshots(ps *server.PageServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "success",
			"snapshots": ps.Snapshots.List(),
		})
	}
}

func handleGetSnapshot(ps *server.PageServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "Missing snapshot ID", http.StatusBadRequest)
			return
		}

		snapshot, err := ps.Snapshots.Get(id)
		if err != nil {
			writeError(w, snapshotErrorCode(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "success",
			"snapshot": snapshot,
		})
	}
}

func handleDeleteSnapshot(ps *server.PageServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "Missing snapshot ID", http.StatusBadRequest)
			return
		}

		if err := ps.Snapshots.Delete(id); err != nil {
			writeError(w, snapshotErrorCode(err), err)
			return
		}
		log.Printf("Snapshot deleted: id=%s", id)
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
	}
}

func handleExtractSnapshot(ps *server.PageServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "Missing snapshot ID", http.StatusBadRequest)
			return
		}
		if _, err := ps.Snapshots.Get(id); err != nil {
			writeError(w, snapshotErrorCode(err), err)
			return
		}

		w.Header().Set("Content-Type", "application/octet-stream")
		pages, err := ps.Snapshots.Extract(r.Context(), w, id)
		if err != nil {
			// Headers are already out; all we can do is cut the stream.
			log.Printf("Snapshot extract %s failed after %d pages: %v", id, pages, err)
			return
		}
		log.Printf("Snapshot extract %s: %d pages", id, pages)
	}
}
