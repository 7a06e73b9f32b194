package uidsync

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cwgis/entityuid-sync/state"
)

// ErrInvalidPayload is returned when a payload lacks required settings.
var ErrInvalidPayload = errors.New("invalid payload")

// LayerConfig drives one feature layer's update pass.
type LayerConfig struct {
	FeatureLyr string `json:"FeatureLyr" mapstructure:"FeatureLyr"`
	EntityType string `json:"EntityType" mapstructure:"EntityType"`
}

// Payload is the invocation input for a run.
type Payload struct {
	CityworksURL      string        `json:"CityworksURL" mapstructure:"CityworksURL"`
	CityworksUsername string        `json:"CityworksUsername" mapstructure:"CityworksUsername"`
	CityworksPassword string        `json:"CityworksPassword" mapstructure:"CityworksPassword"`
	ArcGISURL         string        `json:"ArcGISURL" mapstructure:"ArcGISURL"`
	ArcGISUsername    string        `json:"ArcGISUsername" mapstructure:"ArcGISUsername"`
	ArcGISPassword    string        `json:"ArcGISPassword" mapstructure:"ArcGISPassword"`
	Configurations    []LayerConfig `json:"Configurations" mapstructure:"Configurations"`
}

// Validate ensures the settings needed before any remote call are present.
// Individual layer configurations are checked when they are processed.
func (p Payload) Validate() error {
	var missing []string
	if strings.TrimSpace(p.CityworksURL) == "" {
		missing = append(missing, "CityworksURL")
	}
	if strings.TrimSpace(p.CityworksUsername) == "" {
		missing = append(missing, "CityworksUsername")
	}
	if strings.TrimSpace(p.ArcGISURL) == "" {
		missing = append(missing, "ArcGISURL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing required settings: %s", ErrInvalidPayload, strings.Join(missing, ", "))
	}
	return nil
}

// ConfigurationError reports that the Cityworks EntityUid field is absent from a layer's schema.
type ConfigurationError struct {
	FeatureLayer string
	Field        string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configured EntityUid field %q is not present in feature layer %s", e.Field, e.FeatureLayer)
}

// IsConfigurationError reports whether err is a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// RowResult is the outcome for a single row that lacked an identifier.
type RowResult struct {
	ObjectID  string        `json:"object_id"`
	Candidate string        `json:"candidate"`
	Outcome   state.Outcome `json:"outcome"`
	Message   string        `json:"message"`
}

// LayerResult is the outcome of one configuration entry.
type LayerResult struct {
	Config        LayerConfig `json:"config"`
	UIDField      string      `json:"uid_field,omitempty"`
	ObjectIDField string      `json:"object_id_field,omitempty"`
	Rows          []RowResult `json:"rows"`
	Error         string      `json:"error,omitempty"`
	Err           error       `json:"-"`
}

func (r *LayerResult) fail(err error) {
	r.Err = err
	r.Error = err.Error()
}

// Count returns how many rows ended with the given outcome.
func (r LayerResult) Count(outcome state.Outcome) int {
	n := 0
	for _, row := range r.Rows {
		if row.Outcome == outcome {
			n++
		}
	}
	return n
}

// RunReport is returned by Runner.Run.
type RunReport struct {
	RunID      string         `json:"run_id"`
	State      state.RunState `json:"state"`
	WKID       string         `json:"wkid,omitempty"`
	Portal     string         `json:"portal,omitempty"`
	Error      string         `json:"error,omitempty"`
	DryRun     bool           `json:"dry_run"`
	LogPath    string         `json:"log_path,omitempty"`
	ArchiveURI string         `json:"archive_uri,omitempty"`
	Layers     []LayerResult  `json:"layers"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}
