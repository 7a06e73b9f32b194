package arcgis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Field is a feature layer field definition.
type Field struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Alias string `json:"alias,omitempty"`
}

// LayerInfo holds the layer properties needed to locate and update identifiers.
type LayerInfo struct {
	Name          string  `json:"name"`
	ObjectIDField string  `json:"objectIdField"`
	MaxRecords    int     `json:"maxRecordCount"`
	Fields        []Field `json:"fields"`
}

// FieldByName finds a field, ignoring case.
func (l LayerInfo) FieldByName(name string) (Field, bool) {
	for _, field := range l.Fields {
		if strings.EqualFold(field.Name, name) {
			return field, true
		}
	}
	return Field{}, false
}

// Feature is one row of a feature layer. Numeric attributes decode as json.Number.
type Feature struct {
	Attributes map[string]any `json:"attributes"`
}

// EditError is the per-feature error reported by an edit call.
type EditError struct {
	Code        int    `json:"code"`
	Description string `json:"description"`
}

// EditResult is the outcome of editing a single feature.
type EditResult struct {
	ObjectID json.Number `json:"objectId,omitempty"`
	UniqueID json.Number `json:"uniqueId,omitempty"`
	GlobalID *string     `json:"globalId"`
	Success  bool        `json:"success"`
	Error    *EditError  `json:"error,omitempty"`
}

// EditResponse mirrors the applyEdits-style response of updateFeatures.
type EditResponse struct {
	AddResults    []EditResult `json:"addResults"`
	UpdateResults []EditResult `json:"updateResults"`
	DeleteResults []EditResult `json:"deleteResults"`
}

// Succeeded reports whether every update in the response succeeded.
func (r EditResponse) Succeeded() bool {
	if len(r.UpdateResults) == 0 {
		return false
	}
	for _, result := range r.UpdateResults {
		if !result.Success {
			return false
		}
	}
	return true
}

// String renders the response as compact JSON for run logs.
func (r EditResponse) String() string {
	if r.AddResults == nil {
		r.AddResults = []EditResult{}
	}
	if r.DeleteResults == nil {
		r.DeleteResults = []EditResult{}
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf("%+v", r.UpdateResults)
	}
	return string(data)
}

type queryResponse struct {
	Features              []Feature `json:"features"`
	ExceededTransferLimit bool      `json:"exceededTransferLimit"`
}

type countResponse struct {
	Count int `json:"count"`
}

// FeatureLayer is a client for a single feature service layer.
type FeatureLayer struct {
	URL        string
	tokens     TokenProvider
	HTTPClient *http.Client
}

// NewFeatureLayer builds a layer client. A nil token provider means anonymous access.
func NewFeatureLayer(layerURL string, tokens TokenProvider) *FeatureLayer {
	return &FeatureLayer{
		URL:        strings.TrimRight(layerURL, "/"),
		tokens:     tokens,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Properties fetches the layer definition.
func (l *FeatureLayer) Properties(ctx context.Context) (LayerInfo, error) {
	params, err := l.params(ctx)
	if err != nil {
		return LayerInfo{}, err
	}
	var info LayerInfo
	if err := doJSON(ctx, l.HTTPClient, http.MethodGet, l.URL, params, &info); err != nil {
		return LayerInfo{}, err
	}
	if info.ObjectIDField == "" {
		return LayerInfo{}, errors.New("arcgis layer definition missing objectIdField")
	}
	return info, nil
}

// Query returns every feature matching where, following transfer-limit pagination.
// orderBy keeps paging stable and should name the object id field.
func (l *FeatureLayer) Query(ctx context.Context, where, orderBy string) ([]Feature, error) {
	var features []Feature
	offset := 0
	for {
		params, err := l.params(ctx)
		if err != nil {
			return nil, err
		}
		params.Set("where", where)
		params.Set("outFields", "*")
		params.Set("returnGeometry", "false")
		if orderBy != "" {
			params.Set("orderByFields", orderBy)
		}
		if offset > 0 {
			params.Set("resultOffset", strconv.Itoa(offset))
		}

		var page queryResponse
		if err := doJSON(ctx, l.HTTPClient, http.MethodGet, l.URL+"/query", params, &page); err != nil {
			return nil, err
		}
		features = append(features, page.Features...)
		if !page.ExceededTransferLimit || len(page.Features) == 0 {
			return features, nil
		}
		offset += len(page.Features)
	}
}

// Count returns the number of features matching where.
func (l *FeatureLayer) Count(ctx context.Context, where string) (int, error) {
	params, err := l.params(ctx)
	if err != nil {
		return 0, err
	}
	params.Set("where", where)
	params.Set("returnCountOnly", "true")

	var resp countResponse
	if err := doJSON(ctx, l.HTTPClient, http.MethodGet, l.URL+"/query", params, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// UpdateFeatures submits attribute updates. Features must carry their object id.
func (l *FeatureLayer) UpdateFeatures(ctx context.Context, features []Feature) (EditResponse, error) {
	params, err := l.params(ctx)
	if err != nil {
		return EditResponse{}, err
	}
	payload, err := json.Marshal(features)
	if err != nil {
		return EditResponse{}, err
	}
	params.Set("features", string(payload))
	params.Set("rollbackOnFailure", "true")

	var resp EditResponse
	if err := doJSON(ctx, l.HTTPClient, http.MethodPost, l.URL+"/updateFeatures", params, &resp); err != nil {
		return EditResponse{}, err
	}
	return resp, nil
}

func (l *FeatureLayer) params(ctx context.Context) (url.Values, error) {
	if l == nil || l.URL == "" {
		return nil, errors.New("arcgis feature layer url required")
	}
	params := url.Values{}
	params.Set("f", "json")
	if l.tokens == nil {
		return params, nil
	}
	token, err := l.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	if token != "" {
		params.Set("token", token)
	}
	return params, nil
}

// IsNull builds a where clause selecting rows whose field is null.
func IsNull(field string) string {
	return fmt.Sprintf("%s IS NULL", field)
}

// Equals builds a where clause comparing field to a quoted string literal.
func Equals(field, value string) string {
	return fmt.Sprintf("%s = '%s'", field, strings.ReplaceAll(value, "'", "''"))
}
