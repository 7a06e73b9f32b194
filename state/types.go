package state

import "time"

// Run is one synchronization pass over every configured layer.
type Run struct {
	ID           string     `json:"id"`
	State        RunState   `json:"state"`
	CityworksURL string     `json:"cityworks_url"`
	ArcGISURL    string     `json:"arcgis_url"`
	WKID         string     `json:"wkid,omitempty"`
	Error        string     `json:"error,omitempty"`
	DryRun       bool       `json:"dry_run"`
	StartedAt    time.Time  `json:"started_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// LayerRun summarizes the pass over one configured feature layer.
type LayerRun struct {
	ID           int64     `json:"id"`
	RunID        string    `json:"run_id"`
	FeatureLayer string    `json:"feature_layer"`
	EntityType   string    `json:"entity_type"`
	UIDField     string    `json:"uid_field,omitempty"`
	Error        string    `json:"error,omitempty"`
	Succeeded    int       `json:"succeeded"`
	Conflicts    int       `json:"conflicts"`
	Failed       int       `json:"failed"`
	DryRun       int       `json:"dry_run"`
	CreatedAt    time.Time `json:"created_at"`
}

// RowOutcome is the recorded result for one row lacking an identifier.
type RowOutcome struct {
	ID         int64     `json:"id"`
	LayerRunID int64     `json:"layer_run_id"`
	ObjectID   string    `json:"object_id"`
	Candidate  string    `json:"candidate"`
	Outcome    Outcome   `json:"outcome"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
}
