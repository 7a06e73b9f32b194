package uidsync

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cwgis/entityuid-sync/internal/arcgis"
	"github.com/cwgis/entityuid-sync/internal/cityworks"
	"github.com/cwgis/entityuid-sync/state"
)

// Layer is the feature layer surface the updater drives.
type Layer interface {
	Properties(ctx context.Context) (arcgis.LayerInfo, error)
	Query(ctx context.Context, where, orderBy string) ([]arcgis.Feature, error)
	Count(ctx context.Context, where string) (int, error)
	UpdateFeatures(ctx context.Context, features []arcgis.Feature) (arcgis.EditResponse, error)
}

// MetadataSource resolves the identifier field for an entity type.
type MetadataSource interface {
	EntityUIDField(ctx context.Context, sess cityworks.Session, entityType string) (string, error)
}

// Cityworks is the asset-management API used by a run.
type Cityworks interface {
	MetadataSource
	Authenticate(ctx context.Context, user, password string) (cityworks.Session, error)
	SpatialReference(ctx context.Context, sess cityworks.Session) (string, error)
}

// Portal is the ArcGIS organization connection used by a run.
type Portal interface {
	arcgis.TokenProvider
	Connect(ctx context.Context) (arcgis.PortalInfo, error)
}

// Backends builds the remote clients for a payload.
type Backends interface {
	Cityworks(baseURL string) Cityworks
	Portal(orgURL, username, password string) Portal
	Layer(layerURL string, tokens arcgis.TokenProvider) Layer
}

// RemoteBackends talks to real Cityworks and ArcGIS endpoints.
// A positive Timeout replaces each client's default request timeout.
type RemoteBackends struct {
	Timeout time.Duration
}

func (b RemoteBackends) Cityworks(baseURL string) Cityworks {
	client := cityworks.NewClient(baseURL)
	if b.Timeout > 0 {
		client.HTTPClient.Timeout = b.Timeout
	}
	return client
}

func (b RemoteBackends) Portal(orgURL, username, password string) Portal {
	portal := arcgis.NewPortal(orgURL, username, password)
	if b.Timeout > 0 {
		portal.HTTPClient.Timeout = b.Timeout
	}
	return portal
}

func (b RemoteBackends) Layer(layerURL string, tokens arcgis.TokenProvider) Layer {
	layer := arcgis.NewFeatureLayer(layerURL, tokens)
	if b.Timeout > 0 {
		layer.HTTPClient.Timeout = b.Timeout
	}
	return layer
}

// RowLog receives one line per processed row.
type RowLog interface {
	Append(entityType, message string) error
}

// RunLog is the per-process run log file.
type RunLog interface {
	RowLog
	Path() string
	Lines() int64
	Sync() error
}

// Recorder persists run history.
type Recorder interface {
	CreateRun(ctx context.Context, run state.Run) (state.Run, error)
	TransitionRunState(ctx context.Context, runID string, next state.RunState, detail string) error
	SetRunWKID(ctx context.Context, runID, wkid string) error
	RecordLayerRun(ctx context.Context, layer state.LayerRun, rows []state.RowOutcome) (state.LayerRun, error)
}

// NoopRecorder discards history when no database is configured.
type NoopRecorder struct{}

func (NoopRecorder) CreateRun(ctx context.Context, run state.Run) (state.Run, error) {
	return run, nil
}

func (NoopRecorder) TransitionRunState(ctx context.Context, runID string, next state.RunState, detail string) error {
	return nil
}

func (NoopRecorder) SetRunWKID(ctx context.Context, runID, wkid string) error {
	return nil
}

func (NoopRecorder) RecordLayerRun(ctx context.Context, layer state.LayerRun, rows []state.RowOutcome) (state.LayerRun, error) {
	return layer, nil
}

// Archiver copies the run log somewhere durable after a run.
type Archiver interface {
	Archive(ctx context.Context, runID, logPath string) (string, error)
}

// IDGenerator produces run identifiers.
type IDGenerator interface {
	RunID() string
}

// UUIDGenerator produces prefixed random UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) RunID() string { return "run_" + uuid.NewString() }
