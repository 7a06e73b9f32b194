package uidsync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cwgis/entityuid-sync/internal/observability"
	"github.com/cwgis/entityuid-sync/state"
)

// Options configures a Runner. Zero values select defaults.
type Options struct {
	Backends Backends
	Log      RunLog
	Recorder Recorder
	Archiver Archiver
	Metrics  *observability.Metrics
	Logger   *slog.Logger
	IDs      IDGenerator
	DryRun   bool
}

// Runner executes sync runs: connect, authenticate, resolve the spatial reference, then update each layer.
type Runner struct {
	backends Backends
	log      RunLog
	recorder Recorder
	archiver Archiver
	metrics  *observability.Metrics
	logger   *slog.Logger
	ids      IDGenerator
	dryRun   bool
	now      func() time.Time
}

// NewRunner fills unset options with remote backends, a no-op recorder, the
// component logger and UUID run ids.
func NewRunner(opts Options) *Runner {
	if opts.Backends == nil {
		opts.Backends = RemoteBackends{}
	}
	if opts.Recorder == nil {
		opts.Recorder = NoopRecorder{}
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewLogger("uidsync")
	}
	if opts.IDs == nil {
		opts.IDs = UUIDGenerator{}
	}
	return &Runner{
		backends: opts.Backends,
		log:      opts.Log,
		recorder: opts.Recorder,
		archiver: opts.Archiver,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		ids:      opts.IDs,
		dryRun:   opts.DryRun,
		now:      time.Now,
	}
}

type run struct {
	report   RunReport
	logger   *slog.Logger
	// logLines is the run log's line count when the run started.
	logLines int64
}

// Run performs one synchronization pass. A non-nil error means the run aborted
// during setup; the report still describes how far it got. Layer and row
// failures are only reported in the returned RunReport.
func (r *Runner) Run(ctx context.Context, payload Payload) (RunReport, error) {
	current := &run{
		report: RunReport{
			RunID:     r.ids.RunID(),
			State:     state.RunStateStarting,
			DryRun:    r.dryRun,
			StartedAt: r.now().UTC(),
			Layers:    []LayerResult{},
		},
	}
	current.logger = observability.WithRun(r.logger, current.report.RunID)
	if r.log != nil {
		current.report.LogPath = r.log.Path()
		current.logLines = r.log.Lines()
	}

	if _, err := r.recorder.CreateRun(ctx, state.Run{
		ID:           current.report.RunID,
		State:        state.RunStateStarting,
		CityworksURL: payload.CityworksURL,
		ArcGISURL:    payload.ArcGISURL,
		DryRun:       r.dryRun,
	}); err != nil {
		current.logger.Warn("record run failed", "event", "history_failed", "error", err)
	}
	current.logger.Info("run started", "event", "run_started", "layers", len(payload.Configurations), "dry_run", r.dryRun)

	if err := payload.Validate(); err != nil {
		return r.abort(ctx, current, "invalid_payload", err)
	}

	if err := r.advance(ctx, current, state.RunStateConnecting); err != nil {
		return r.abort(ctx, current, "state", err)
	}
	portal := r.backends.Portal(payload.ArcGISURL, payload.ArcGISUsername, payload.ArcGISPassword)
	info, err := portal.Connect(ctx)
	if err != nil {
		return r.abort(ctx, current, "arcgis_connect", fmt.Errorf("error connecting to ArcGIS: %w", err))
	}
	current.report.Portal = info.Name

	if err := r.advance(ctx, current, state.RunStateAuthenticating); err != nil {
		return r.abort(ctx, current, "state", err)
	}
	cw := r.backends.Cityworks(payload.CityworksURL)
	session, err := cw.Authenticate(ctx, payload.CityworksUsername, payload.CityworksPassword)
	if err != nil {
		return r.abort(ctx, current, "cityworks_auth", fmt.Errorf("error authenticating Cityworks: %w", err))
	}
	current.logger.Info("cityworks authenticated", "event", "cityworks_authenticated", "token_hash", observability.TokenHash(session.Token))

	if err := r.advance(ctx, current, state.RunStateAuthenticated); err != nil {
		return r.abort(ctx, current, "state", err)
	}
	if err := r.advance(ctx, current, state.RunStateResolvingSpatialRef); err != nil {
		return r.abort(ctx, current, "state", err)
	}
	wkid, err := cw.SpatialReference(ctx, session)
	if err != nil {
		return r.abort(ctx, current, "spatial_reference", fmt.Errorf("spatial reference not defined: %w", err))
	}
	session.WKID = wkid
	current.report.WKID = wkid
	if err := r.recorder.SetRunWKID(ctx, current.report.RunID, wkid); err != nil {
		current.logger.Warn("record wkid failed", "event", "history_failed", "error", err)
	}

	if err := r.advance(ctx, current, state.RunStateReady); err != nil {
		return r.abort(ctx, current, "state", err)
	}
	if err := r.advance(ctx, current, state.RunStateProcessing); err != nil {
		return r.abort(ctx, current, "state", err)
	}

	updater := NewUpdater(cw, session, func(layerURL string) Layer {
		return r.backends.Layer(layerURL, portal)
	}, r.log, r.metrics, current.logger)
	updater.dryRun = r.dryRun

	for _, cfg := range payload.Configurations {
		result := updater.UpdateLayer(ctx, cfg)
		current.report.Layers = append(current.report.Layers, result)
		r.recordLayer(ctx, current, result)
	}

	if err := r.advance(ctx, current, state.RunStateDone); err != nil {
		return r.abort(ctx, current, "state", err)
	}
	current.report.FinishedAt = r.now().UTC()
	r.archive(ctx, current)
	r.metrics.IncRun(string(state.RunStateDone))
	current.logger.Info("run finished", "event", "run_finished", "layers", len(current.report.Layers), "wkid", wkid)
	return current.report, nil
}

func (r *Runner) advance(ctx context.Context, current *run, next state.RunState) error {
	if err := state.ValidateRunTransition(current.report.RunID, current.report.State, next); err != nil {
		return err
	}
	current.report.State = next
	if err := r.recorder.TransitionRunState(ctx, current.report.RunID, next, ""); err != nil {
		current.logger.Warn("record run state failed", "event", "history_failed", "state", next, "error", err)
	}
	current.logger.Debug("run state changed", "event", "run_state_changed", "state", next)
	return nil
}

func (r *Runner) abort(ctx context.Context, current *run, kind string, cause error) (RunReport, error) {
	current.report.State = state.RunStateAborted
	current.report.Error = cause.Error()
	current.report.FinishedAt = r.now().UTC()
	if err := r.recorder.TransitionRunState(ctx, current.report.RunID, state.RunStateAborted, cause.Error()); err != nil {
		current.logger.Warn("record run state failed", "event", "history_failed", "state", state.RunStateAborted, "error", err)
	}
	r.metrics.IncRun(string(state.RunStateAborted))
	r.metrics.IncFailure(kind)
	current.logger.Error("run aborted", "event", "run_aborted", "reason", kind, "error", cause)
	return current.report, cause
}

func (r *Runner) recordLayer(ctx context.Context, current *run, result LayerResult) {
	rows := make([]state.RowOutcome, 0, len(result.Rows))
	for _, row := range result.Rows {
		rows = append(rows, state.RowOutcome{
			ObjectID:  row.ObjectID,
			Candidate: row.Candidate,
			Outcome:   row.Outcome,
			Message:   row.Message,
		})
	}
	_, err := r.recorder.RecordLayerRun(ctx, state.LayerRun{
		RunID:        current.report.RunID,
		FeatureLayer: result.Config.FeatureLyr,
		EntityType:   result.Config.EntityType,
		UIDField:     result.UIDField,
		Error:        result.Error,
		Succeeded:    result.Count(state.OutcomeSuccess),
		Conflicts:    result.Count(state.OutcomeConflict),
		Failed:       result.Count(state.OutcomeFailed),
		DryRun:       result.Count(state.OutcomeDryRun),
	}, rows)
	if err != nil {
		current.logger.Warn("record layer failed", "event", "history_failed", "feature_layer", result.Config.FeatureLyr, "error", err)
	}
}

func (r *Runner) archive(ctx context.Context, current *run) {
	if r.archiver == nil || r.log == nil || r.log.Lines() == current.logLines {
		return
	}
	if err := r.log.Sync(); err != nil {
		current.logger.Warn("sync run log", "event", "run_log_failed", "error", err)
	}
	uri, err := r.archiver.Archive(ctx, current.report.RunID, r.log.Path())
	if err != nil {
		current.logger.Warn("archive run log", "event", "archive_failed", "error", err)
		return
	}
	current.report.ArchiveURI = uri
	current.logger.Info("run log archived", "event", "run_log_archived", "uri", uri)
}
