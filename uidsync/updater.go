package uidsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/cwgis/entityuid-sync/internal/arcgis"
	"github.com/cwgis/entityuid-sync/internal/cityworks"
	"github.com/cwgis/entityuid-sync/internal/observability"
	"github.com/cwgis/entityuid-sync/state"
)

// Updater assigns EntityUids to rows of configured feature layers for one run.
type Updater struct {
	metadata  MetadataSource
	session   cityworks.Session
	openLayer func(layerURL string) Layer
	log       RowLog
	metrics   *observability.Metrics
	logger    *slog.Logger
	dryRun    bool
}

// NewUpdater binds an updater to an authenticated session.
func NewUpdater(metadata MetadataSource, session cityworks.Session, openLayer func(layerURL string) Layer, log RowLog, metrics *observability.Metrics, logger *slog.Logger) *Updater {
	if logger == nil {
		logger = observability.NewLogger("uidsync.updater")
	}
	return &Updater{
		metadata:  metadata,
		session:   session,
		openLayer: openLayer,
		log:       log,
		metrics:   metrics,
		logger:    logger,
	}
}

// UpdateLayer validates that the layer carries the EntityUid field and repairs rows missing it.
// Errors are reported in the result; they never abort other layers.
func (u *Updater) UpdateLayer(ctx context.Context, cfg LayerConfig) LayerResult {
	result := LayerResult{Config: cfg}
	logger := observability.WithEntityType(observability.WithLayer(u.logger, cfg.FeatureLyr), cfg.EntityType)

	if strings.TrimSpace(cfg.FeatureLyr) == "" || strings.TrimSpace(cfg.EntityType) == "" {
		result.fail(errors.New("configuration requires FeatureLyr and EntityType"))
		u.layerFailed(logger, result, "invalid_config")
		return result
	}

	layer := u.openLayer(cfg.FeatureLyr)
	info, err := layer.Properties(ctx)
	if err != nil {
		result.fail(fmt.Errorf("load feature layer properties: %w", err))
		u.layerFailed(logger, result, "layer_properties")
		return result
	}
	result.ObjectIDField = info.ObjectIDField

	uidField, err := u.metadata.EntityUIDField(ctx, u.session, cfg.EntityType)
	if err != nil {
		result.fail(err)
		u.layerFailed(logger, result, "uid_field_lookup")
		return result
	}

	field, ok := info.FieldByName(uidField)
	if !ok {
		result.fail(&ConfigurationError{FeatureLayer: cfg.FeatureLyr, Field: uidField})
		u.layerFailed(logger, result, "uid_field_missing")
		return result
	}
	result.UIDField = field.Name

	rows, err := u.ProcessRows(ctx, layer, cfg.EntityType, info.ObjectIDField, field.Name)
	result.Rows = rows
	if err != nil {
		result.fail(err)
		u.layerFailed(logger, result, "query_rows")
		return result
	}

	u.metrics.IncLayer("ok")
	logger.Info("layer processed", "event", "layer_processed",
		"uid_field", result.UIDField,
		"rows", len(rows),
		"succeeded", result.Count(state.OutcomeSuccess),
		"conflicts", result.Count(state.OutcomeConflict),
		"failed", result.Count(state.OutcomeFailed))
	return result
}

// ProcessRows assigns "<entityType><objectId>" to every row whose uidField is null.
// Each row is handled independently; only the initial query can fail the call.
func (u *Updater) ProcessRows(ctx context.Context, layer Layer, entityType, oidField, uidField string) ([]RowResult, error) {
	features, err := layer.Query(ctx, arcgis.IsNull(uidField), oidField)
	if err != nil {
		return nil, fmt.Errorf("query rows missing %s: %w", uidField, err)
	}

	results := make([]RowResult, 0, len(features))
	for _, feature := range features {
		row := u.processRow(ctx, layer, feature, entityType, oidField, uidField)
		results = append(results, row)
		u.metrics.IncRow(string(row.Outcome))

		if u.log != nil {
			if err := u.log.Append(entityType, row.Message); err != nil {
				u.logger.Warn("run log append failed", "event", "run_log_failed", "entity_type", entityType, "object_id", row.ObjectID, "error", err)
			}
		}
	}
	return results, nil
}

func (u *Updater) processRow(ctx context.Context, layer Layer, feature arcgis.Feature, entityType, oidField, uidField string) RowResult {
	oid, ok := objectID(feature.Attributes[oidField])
	if !ok {
		return RowResult{
			Outcome: state.OutcomeFailed,
			Message: fmt.Sprintf("Row is missing object id field %s", oidField),
		}
	}

	row := RowResult{ObjectID: oid, Candidate: Candidate(entityType, oid)}

	existing, err := layer.Count(ctx, arcgis.Equals(uidField, row.Candidate))
	if err != nil {
		row.Outcome = state.OutcomeFailed
		row.Message = fmt.Sprintf("Candidate check failed for %s:%s: %v", oidField, oid, err)
		return row
	}
	if existing > 0 {
		row.Outcome = state.OutcomeConflict
		row.Message = fmt.Sprintf("Candidate UID already exists for %s:%s", oidField, oid)
		u.logger.Info("candidate uid already exists", "event", "row_conflict", "entity_type", entityType, "object_id", oid, "candidate", row.Candidate)
		return row
	}

	if u.dryRun {
		row.Outcome = state.OutcomeDryRun
		row.Message = fmt.Sprintf("Dry run: would set %s=%s for %s:%s", uidField, row.Candidate, oidField, oid)
		return row
	}

	update := arcgis.Feature{Attributes: map[string]any{
		oidField: feature.Attributes[oidField],
		uidField: row.Candidate,
	}}
	resp, err := layer.UpdateFeatures(ctx, []arcgis.Feature{update})
	if err != nil {
		row.Outcome = state.OutcomeFailed
		row.Message = err.Error()
		u.logger.Warn("row update failed", "event", "row_update_failed", "entity_type", entityType, "object_id", oid, "error", err)
		return row
	}
	row.Message = resp.String()
	if !resp.Succeeded() {
		row.Outcome = state.OutcomeFailed
		u.logger.Warn("row update rejected", "event", "row_update_failed", "entity_type", entityType, "object_id", oid, "response", row.Message)
		return row
	}
	row.Outcome = state.OutcomeSuccess
	return row
}

func (u *Updater) layerFailed(logger *slog.Logger, result LayerResult, kind string) {
	u.metrics.IncLayer("failed")
	u.metrics.IncFailure(kind)
	logger.Warn("layer update failed", "event", "layer_failed", "reason", kind, "error", result.Err)
}

// Candidate builds the identifier for a row: the entity type immediately followed by the object id.
func Candidate(entityType, objectID string) string {
	return entityType + objectID
}

// objectID renders an object id attribute without float formatting.
func objectID(value any) (string, bool) {
	switch v := value.(type) {
	case json.Number:
		return v.String(), v.String() != ""
	case string:
		return v, v != ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	default:
		return "", false
	}
}
