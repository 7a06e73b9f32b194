package uidsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cwgis/entityuid-sync/internal/cityworks"
	"github.com/cwgis/entityuid-sync/state"
)

type fakeHistory struct {
	runs   []state.Run
	layers map[string][]state.LayerRun
	limit  int
}

func (h *fakeHistory) ListRuns(ctx context.Context, limit int) ([]state.Run, error) {
	h.limit = limit
	return h.runs, nil
}

func (h *fakeHistory) GetRun(ctx context.Context, runID string) (state.Run, error) {
	for _, run := range h.runs {
		if run.ID == runID {
			return run, nil
		}
	}
	return state.Run{}, fmt.Errorf("%w: run %s", state.ErrNotFound, runID)
}

func (h *fakeHistory) ListLayerRuns(ctx context.Context, runID string) ([]state.LayerRun, error) {
	return h.layers[runID], nil
}

func postRun(t *testing.T, handler http.Handler, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHTTPRunReturnsReport(t *testing.T) {
	markings := newFakeLayer("ENTITYUID", fakeRow{oid: 1, uid: nil})
	cw := &fakeCityworks{wkid: "2277", fields: map[string]string{"AAIRFIELDMARKINGLINE": "ENTITYUID"}}
	fx := newRunnerFixture(t, cw, map[string]*fakeLayer{markingsURL: markings}, false)
	handler := NewHTTPHandler(fx.runner, nil, nil)

	rec := postRun(t, handler, testPayload(LayerConfig{FeatureLyr: markingsURL, EntityType: "AAIRFIELDMARKINGLINE"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var report RunReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.State != state.RunStateDone || len(report.Layers) != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.Layers[0].Rows[0].Candidate != "AAIRFIELDMARKINGLINE1" {
		t.Fatalf("unexpected row %+v", report.Layers[0].Rows[0])
	}
}

func TestHTTPRunAbortedReturnsBadGateway(t *testing.T) {
	cw := &fakeCityworks{authErr: &cityworks.AuthError{Status: 1, Message: "bad login"}}
	fx := newRunnerFixture(t, cw, nil, false)
	handler := NewHTTPHandler(fx.runner, nil, nil)

	rec := postRun(t, handler, testPayload())
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	var report RunReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.State != state.RunStateAborted || report.Error == "" {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestHTTPRunRejectsInvalidPayload(t *testing.T) {
	fx := newRunnerFixture(t, &fakeCityworks{}, nil, false)
	handler := NewHTTPHandler(fx.runner, nil, nil)

	rec := postRun(t, handler, map[string]any{"CityworksURL": "https://cw.example.com"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	rec = postRun(t, handler, map[string]any{"Unknown": true})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rec.Code)
	}
}

func TestHTTPListAndGetRuns(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	history := &fakeHistory{
		runs: []state.Run{{ID: "run_1", State: state.RunStateDone, WKID: "2277", StartedAt: started}},
		layers: map[string][]state.LayerRun{
			"run_1": {{ID: 1, RunID: "run_1", FeatureLayer: markingsURL, EntityType: "WMAIN", Succeeded: 3}},
		},
	}
	handler := NewHTTPHandler(NewRunner(Options{}), history, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs?limit=5", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if history.limit != 5 {
		t.Fatalf("expected limit 5, got %d", history.limit)
	}
	var runs []state.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &runs); err != nil {
		t.Fatalf("decode runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "run_1" {
		t.Fatalf("unexpected runs %+v", runs)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/runs/run_1", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var detail struct {
		ID     string           `json:"id"`
		Layers []state.LayerRun `json:"layers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if detail.ID != "run_1" || len(detail.Layers) != 1 || detail.Layers[0].Succeeded != 3 {
		t.Fatalf("unexpected detail %+v", detail)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/runs/run_404", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHTTPHistoryDisabled(t *testing.T) {
	handler := NewHTTPHandler(NewRunner(Options{}), nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/runs", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHTTPHealthz(t *testing.T) {
	handler := NewHTTPHandler(NewRunner(Options{}), nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHTTPRunOutlivesClientDisconnect(t *testing.T) {
	markings := newFakeLayer("ENTITYUID", fakeRow{oid: 1, uid: nil}, fakeRow{oid: 2, uid: nil})
	cw := &fakeCityworks{wkid: "2277", fields: map[string]string{"AAIRFIELDMARKINGLINE": "ENTITYUID"}}
	fx := newRunnerFixture(t, cw, map[string]*fakeLayer{markingsURL: markings}, false)
	handler := NewHTTPHandler(fx.runner, nil, nil)

	body, err := json.Marshal(testPayload(LayerConfig{FeatureLyr: markingsURL, EntityType: "AAIRFIELDMARKINGLINE"}))
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", bytes.NewReader(body)).WithContext(ctx)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if markings.uid(1) != "AAIRFIELDMARKINGLINE1" || markings.uid(2) != "AAIRFIELDMARKINGLINE2" {
		t.Fatalf("expected both rows updated, got %v and %v", markings.uid(1), markings.uid(2))
	}
	if len(fx.recorder.layers) != 1 || fx.recorder.layers[0].Succeeded != 2 {
		t.Fatalf("expected layer recorded with two successes, got %+v", fx.recorder.layers)
	}
}
