package uidsync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/cwgis/entityuid-sync/internal/observability"
	"github.com/cwgis/entityuid-sync/state"
)

var errRunInProgress = errors.New("a run is already in progress")

// HistoryReader exposes recorded runs to the HTTP API.
type HistoryReader interface {
	ListRuns(ctx context.Context, limit int) ([]state.Run, error)
	GetRun(ctx context.Context, runID string) (state.Run, error)
	ListLayerRuns(ctx context.Context, runID string) ([]state.LayerRun, error)
}

type runDetail struct {
	state.Run
	Layers []state.LayerRun `json:"layers"`
}

// NewHTTPHandler wires the run trigger, run history, health and metrics endpoints.
// History endpoints answer 404 when history is nil.
func NewHTTPHandler(runner *Runner, history HistoryReader, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = observability.NewLogger("uidsync.http")
	}
	var running sync.Mutex

	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/api/v1/runs", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var payload Payload
			if err := decodeJSON(r, &payload); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			if !running.TryLock() {
				writeError(w, http.StatusConflict, errRunInProgress)
				return
			}
			// Runs are not cancelled when the client goes away.
			report, err := runner.Run(context.WithoutCancel(r.Context()), payload)
			running.Unlock()
			if err != nil {
				if errors.Is(err, ErrInvalidPayload) {
					writeError(w, http.StatusBadRequest, err)
					return
				}
				logger.Warn("run aborted", "event", "run_aborted", "run_id", report.RunID, "error", err)
				writeJSON(w, http.StatusBadGateway, report)
				return
			}
			writeJSON(w, http.StatusOK, report)
		case http.MethodGet:
			if history == nil {
				http.NotFound(w, r)
				return
			}
			limit := 0
			if raw := r.URL.Query().Get("limit"); raw != "" {
				n, err := strconv.Atoi(raw)
				if err != nil || n < 0 {
					writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
					return
				}
				limit = n
			}
			runs, err := history.ListRuns(r.Context(), limit)
			if err != nil {
				logger.Error("list runs failed", "event", "list_runs_failed", "error", err)
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			if runs == nil {
				runs = []state.Run{}
			}
			writeJSON(w, http.StatusOK, runs)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/api/v1/runs/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		runID := strings.TrimPrefix(r.URL.Path, "/api/v1/runs/")
		if history == nil || runID == "" || strings.Contains(runID, "/") {
			http.NotFound(w, r)
			return
		}
		run, err := history.GetRun(r.Context(), runID)
		if err != nil {
			if errors.Is(err, state.ErrNotFound) {
				writeError(w, http.StatusNotFound, err)
				return
			}
			logger.Error("get run failed", "event", "get_run_failed", "run_id", runID, "error", err)
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		layers, err := history.ListLayerRuns(r.Context(), runID)
		if err != nil {
			logger.Error("list layer runs failed", "event", "list_layer_runs_failed", "run_id", runID, "error", err)
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if layers == nil {
			layers = []state.LayerRun{}
		}
		writeJSON(w, http.StatusOK, runDetail{Run: run, Layers: layers})
	})

	return mux
}

func decodeJSON(r *http.Request, target any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
