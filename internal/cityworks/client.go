package cityworks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	authenticatePath   = "/Services/authentication/authenticate"
	userPreferencePath = "/Services/AMS/Preferences/User"
	entityUIDFieldPath = "/Services/AMS/Entity/EntityUidField"

	statusOK = 0
)

var (
	// ErrFieldMissing is returned when an expected field is absent from a Cityworks response.
	ErrFieldMissing = errors.New("cityworks: expected field missing")
	// ErrMalformed is returned when a Cityworks response cannot be decoded.
	ErrMalformed = errors.New("cityworks: malformed response")
	// ErrRejected is returned when Cityworks answers a lookup with a non-zero status.
	ErrRejected = errors.New("cityworks: request rejected")
)

// APIError captures non-2xx HTTP responses from Cityworks.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cityworks api error: status=%d message=%s", e.StatusCode, e.Message)
}

// AuthError reports a non-zero status from the authentication endpoint.
type AuthError struct {
	Status  int
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("cityworks authentication failed: %d: %s", e.Status, e.Message)
}

// LookupError reports a response that lacks the field a lookup expected.
type LookupError struct {
	Op  string
	Key string
	Err error
}

func (e *LookupError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("cityworks %s %q: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("cityworks %s: %v", e.Op, e.Err)
}

func (e *LookupError) Unwrap() error { return e.Err }

// Session carries the per-run Cityworks state shared by every call after authentication.
type Session struct {
	Token string
	WKID  string
}

// Client is a minimal Cityworks services client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	UserAgent  string
}

// NewClient constructs a Cityworks client for the given site URL.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		UserAgent:  "entityuid-sync",
	}
}

type envelope struct {
	Status  *int            `json:"Status"`
	Message string          `json:"Message"`
	Value   json.RawMessage `json:"Value"`
}

type credentials struct {
	LoginName string `json:"LoginName"`
	Password  string `json:"Password"`
}

type entityTypeRequest struct {
	EntityType string `json:"EntityType"`
}

// Authenticate exchanges credentials for a token and returns a session holding it.
func (c *Client) Authenticate(ctx context.Context, user, password string) (Session, error) {
	var env envelope
	if err := c.get(ctx, authenticatePath, Session{}, credentials{LoginName: user, Password: password}, &env); err != nil {
		return Session{}, err
	}
	if env.Status == nil {
		return Session{}, &LookupError{Op: "authenticate", Err: ErrMalformed}
	}
	if *env.Status != statusOK {
		return Session{}, &AuthError{Status: *env.Status, Message: env.Message}
	}

	var value struct {
		Token string `json:"Token"`
	}
	if !present(env.Value) {
		return Session{}, &LookupError{Op: "authenticate", Err: ErrFieldMissing}
	}
	if err := json.Unmarshal(env.Value, &value); err != nil {
		return Session{}, &LookupError{Op: "authenticate", Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	if value.Token == "" {
		return Session{}, &LookupError{Op: "authenticate", Err: ErrFieldMissing}
	}
	return Session{Token: value.Token}, nil
}

// SpatialReference returns the WKID configured in the authenticated user's preferences.
func (c *Client) SpatialReference(ctx context.Context, sess Session) (string, error) {
	var env envelope
	if err := c.get(ctx, userPreferencePath, sess, struct{}{}, &env); err != nil {
		return "", err
	}
	if !present(env.Value) {
		return "", &LookupError{Op: "spatial reference", Err: ErrFieldMissing}
	}

	var value map[string]json.RawMessage
	if err := json.Unmarshal(env.Value, &value); err != nil {
		return "", &LookupError{Op: "spatial reference", Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	raw, ok := value["SpatialReference"]
	if !ok || !present(raw) {
		return "", &LookupError{Op: "spatial reference", Err: ErrFieldMissing}
	}
	wkid, err := scalarString(raw)
	if err != nil {
		return "", &LookupError{Op: "spatial reference", Err: err}
	}
	if wkid == "" {
		return "", &LookupError{Op: "spatial reference", Err: ErrFieldMissing}
	}
	return wkid, nil
}

// EntityUIDField returns the name of the field that stores unique identifiers for an entity type.
func (c *Client) EntityUIDField(ctx context.Context, sess Session, entityType string) (string, error) {
	var env envelope
	if err := c.get(ctx, entityUIDFieldPath, sess, entityTypeRequest{EntityType: entityType}, &env); err != nil {
		return "", err
	}
	if env.Status != nil && *env.Status != statusOK {
		return "", &LookupError{Op: "entity uid field", Key: entityType, Err: fmt.Errorf("%w: %d: %s", ErrRejected, *env.Status, env.Message)}
	}
	if !present(env.Value) {
		return "", &LookupError{Op: "entity uid field", Key: entityType, Err: ErrFieldMissing}
	}

	var field string
	if err := json.Unmarshal(env.Value, &field); err != nil {
		return "", &LookupError{Op: "entity uid field", Key: entityType, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	field = strings.TrimSpace(field)
	if field == "" {
		return "", &LookupError{Op: "entity uid field", Key: entityType, Err: ErrFieldMissing}
	}
	return field, nil
}

// get issues a Cityworks service call: compact JSON in the data parameter, token when the session has one.
func (c *Client) get(ctx context.Context, path string, sess Session, data any, out any) error {
	if c == nil {
		return errors.New("cityworks client is nil")
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	params := url.Values{}
	if sess.Token != "" {
		params.Set("token", sess.Token)
	}
	params.Set("data", string(payload))

	base := strings.TrimRight(c.BaseURL, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: string(body)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &LookupError{Op: strings.TrimPrefix(path, "/Services/"), Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	return nil
}

func present(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed != "" && trimmed != "null"
}

// scalarString renders a JSON string or number as plain text.
func scalarString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("%w: expected string or number, got %s", ErrMalformed, string(raw))
}
