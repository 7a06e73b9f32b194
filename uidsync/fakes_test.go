package uidsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/cwgis/entityuid-sync/internal/arcgis"
	"github.com/cwgis/entityuid-sync/internal/cityworks"
	"github.com/cwgis/entityuid-sync/state"
)

type fakeLayer struct {
	mu           sync.Mutex
	info         arcgis.LayerInfo
	uidField     string
	rows         []map[string]any
	propsErr     error
	queryErr     error
	failUpdate   map[string]error
	failCount    map[string]error            // keyed by candidate
	rejectUpdate map[string]*arcgis.EditError // keyed by object id; answered with success=false
	queries      []string
	updates      []arcgis.Feature
}

type fakeRow struct {
	oid int
	uid any
}

func newFakeLayer(uidField string, rows ...fakeRow) *fakeLayer {
	layer := &fakeLayer{
		info: arcgis.LayerInfo{
			Name:          "Markings",
			ObjectIDField: "OBJECTID",
			Fields: []arcgis.Field{
				{Name: "OBJECTID", Type: "esriFieldTypeOID"},
				{Name: uidField, Type: "esriFieldTypeString"},
			},
		},
		uidField:     uidField,
		failUpdate:   map[string]error{},
		failCount:    map[string]error{},
		rejectUpdate: map[string]*arcgis.EditError{},
	}
	for _, r := range rows {
		layer.rows = append(layer.rows, map[string]any{
			"OBJECTID": json.Number(strconv.Itoa(r.oid)),
			uidField:   r.uid,
		})
	}
	return layer
}

func (l *fakeLayer) Properties(ctx context.Context) (arcgis.LayerInfo, error) {
	if err := ctx.Err(); err != nil {
		return arcgis.LayerInfo{}, err
	}
	if l.propsErr != nil {
		return arcgis.LayerInfo{}, l.propsErr
	}
	return l.info, nil
}

func (l *fakeLayer) Query(ctx context.Context, where, orderBy string) ([]arcgis.Feature, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queries = append(l.queries, where)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.queryErr != nil {
		return nil, l.queryErr
	}
	var out []arcgis.Feature
	for _, r := range l.matching(where) {
		attrs := make(map[string]any, len(r))
		for k, v := range r {
			attrs[k] = v
		}
		out = append(out, arcgis.Feature{Attributes: attrs})
	}
	return out, nil
}

func (l *fakeLayer) Count(ctx context.Context, where string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queries = append(l.queries, where)
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if _, value, ok := strings.Cut(where, " = '"); ok {
		if err := l.failCount[strings.TrimSuffix(value, "'")]; err != nil {
			return 0, err
		}
	}
	return len(l.matching(where)), nil
}

func (l *fakeLayer) UpdateFeatures(ctx context.Context, features []arcgis.Feature) (arcgis.EditResponse, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return arcgis.EditResponse{}, err
	}
	l.updates = append(l.updates, features...)
	var resp arcgis.EditResponse
	for _, feature := range features {
		oid := fmt.Sprint(feature.Attributes["OBJECTID"])
		if err := l.failUpdate[oid]; err != nil {
			return arcgis.EditResponse{}, err
		}
		if editErr := l.rejectUpdate[oid]; editErr != nil {
			resp.UpdateResults = append(resp.UpdateResults, arcgis.EditResult{ObjectID: json.Number(oid), Success: false, Error: editErr})
			continue
		}
		for _, r := range l.rows {
			if fmt.Sprint(r["OBJECTID"]) != oid {
				continue
			}
			for k, v := range feature.Attributes {
				r[k] = v
			}
		}
		resp.UpdateResults = append(resp.UpdateResults, arcgis.EditResult{ObjectID: json.Number(oid), Success: true})
	}
	return resp, nil
}

// matching understands the two where shapes the updater issues.
func (l *fakeLayer) matching(where string) []map[string]any {
	var out []map[string]any
	if field, ok := strings.CutSuffix(where, " IS NULL"); ok {
		for _, r := range l.rows {
			if v, present := r[field]; present && v == nil {
				out = append(out, r)
			}
		}
		return out
	}
	field, value, ok := strings.Cut(where, " = '")
	if !ok {
		return nil
	}
	value = strings.ReplaceAll(strings.TrimSuffix(value, "'"), "''", "'")
	for _, r := range l.rows {
		if r[field] == value {
			out = append(out, r)
		}
	}
	return out
}

func (l *fakeLayer) uid(oid int) any {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.rows {
		if fmt.Sprint(r["OBJECTID"]) == strconv.Itoa(oid) {
			return r[l.uidField]
		}
	}
	return nil
}

type fakeCityworks struct {
	authErr    error
	wkid       string
	wkidErr    error
	fields     map[string]string
	authCalls  int
	fieldCalls int
	sessions   []cityworks.Session
}

func (c *fakeCityworks) Authenticate(ctx context.Context, user, password string) (cityworks.Session, error) {
	c.authCalls++
	if c.authErr != nil {
		return cityworks.Session{}, c.authErr
	}
	return cityworks.Session{Token: "cw-token"}, nil
}

func (c *fakeCityworks) SpatialReference(ctx context.Context, sess cityworks.Session) (string, error) {
	if c.wkidErr != nil {
		return "", c.wkidErr
	}
	return c.wkid, nil
}

func (c *fakeCityworks) EntityUIDField(ctx context.Context, sess cityworks.Session, entityType string) (string, error) {
	c.fieldCalls++
	c.sessions = append(c.sessions, sess)
	field, ok := c.fields[entityType]
	if !ok {
		return "", &cityworks.LookupError{Op: "entity uid field", Key: entityType, Err: cityworks.ErrRejected}
	}
	return field, nil
}

type fakePortal struct {
	connectErr error
}

func (p *fakePortal) Token(ctx context.Context) (string, error) { return "portal-token", nil }

func (p *fakePortal) Connect(ctx context.Context) (arcgis.PortalInfo, error) {
	if p.connectErr != nil {
		return arcgis.PortalInfo{}, p.connectErr
	}
	return arcgis.PortalInfo{ID: "org", Name: "City GIS"}, nil
}

type fakeBackends struct {
	cw     *fakeCityworks
	portal *fakePortal
	layers map[string]*fakeLayer
	opened []string
}

func (b *fakeBackends) Cityworks(baseURL string) Cityworks { return b.cw }

func (b *fakeBackends) Portal(orgURL, username, password string) Portal { return b.portal }

func (b *fakeBackends) Layer(layerURL string, tokens arcgis.TokenProvider) Layer {
	b.opened = append(b.opened, layerURL)
	layer, ok := b.layers[layerURL]
	if !ok {
		layer = &fakeLayer{propsErr: errors.New("layer not found")}
	}
	return layer
}

type memoryLog struct {
	lines []string
}

func (m *memoryLog) Append(entityType, message string) error {
	m.lines = append(m.lines, entityType+"-"+message)
	return nil
}

type recordingRecorder struct {
	transitions []state.RunState
	details     []string
	layers      []state.LayerRun
	rows        [][]state.RowOutcome
	wkid        string
}

func (r *recordingRecorder) CreateRun(ctx context.Context, run state.Run) (state.Run, error) {
	r.transitions = append(r.transitions, run.State)
	return run, nil
}

func (r *recordingRecorder) TransitionRunState(ctx context.Context, runID string, next state.RunState, detail string) error {
	r.transitions = append(r.transitions, next)
	r.details = append(r.details, detail)
	return nil
}

func (r *recordingRecorder) SetRunWKID(ctx context.Context, runID, wkid string) error {
	r.wkid = wkid
	return nil
}

func (r *recordingRecorder) RecordLayerRun(ctx context.Context, layer state.LayerRun, rows []state.RowOutcome) (state.LayerRun, error) {
	r.layers = append(r.layers, layer)
	r.rows = append(r.rows, rows)
	return layer, nil
}

type sequenceIDs struct{ n int }

func (s *sequenceIDs) RunID() string {
	s.n++
	return fmt.Sprintf("run_%d", s.n)
}
