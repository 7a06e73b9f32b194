package arcgis

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	tokenGracePeriod       = 2 * time.Minute
	tokenExpirationMinutes = 60
	defaultReferer         = "entityuid-sync"
	generateTokenPath      = "/sharing/rest/generateToken"
	portalSelfPath         = "/sharing/rest/portals/self"
)

// TokenProvider returns a token for ArcGIS REST calls. An empty token means anonymous access.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// PortalInfo is the subset of portals/self used to confirm a connection.
type PortalInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	User *struct {
		Username string `json:"username"`
	} `json:"user,omitempty"`
}

// Portal is a connection to an ArcGIS Online organization or Enterprise portal.
type Portal struct {
	baseURL    string
	username   string
	password   string
	referer    string
	HTTPClient *http.Client
	now        func() time.Time

	mu            sync.Mutex
	cachedToken   string
	cachedExpires time.Time
}

// NewPortal builds a portal connection. Empty credentials select anonymous access.
func NewPortal(orgURL, username, password string) *Portal {
	return &Portal{
		baseURL:    strings.TrimRight(orgURL, "/"),
		username:   username,
		password:   password,
		referer:    defaultReferer,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		now:        time.Now,
	}
}

// Connect authenticates (when credentials are set) and confirms the organization answers.
func (p *Portal) Connect(ctx context.Context) (PortalInfo, error) {
	if p == nil || p.baseURL == "" {
		return PortalInfo{}, errors.New("arcgis portal url required")
	}
	token, err := p.Token(ctx)
	if err != nil {
		return PortalInfo{}, err
	}

	params := url.Values{}
	params.Set("f", "json")
	if token != "" {
		params.Set("token", token)
	}
	var info PortalInfo
	if err := doJSON(ctx, p.HTTPClient, http.MethodGet, p.baseURL+portalSelfPath, params, &info); err != nil {
		return PortalInfo{}, fmt.Errorf("connect to %s: %w", p.baseURL, err)
	}
	return info, nil
}

// Token returns a cached token or generates a new one.
func (p *Portal) Token(ctx context.Context) (string, error) {
	if p.username == "" {
		return "", nil
	}

	p.mu.Lock()
	if p.cachedToken != "" && p.cachedExpires.Sub(p.now()) > tokenGracePeriod {
		token := p.cachedToken
		p.mu.Unlock()
		return token, nil
	}
	p.mu.Unlock()

	token, expiresAt, err := p.generateToken(ctx)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	p.cachedToken = token
	p.cachedExpires = expiresAt
	p.mu.Unlock()

	return token, nil
}

type tokenResponse struct {
	Token   string `json:"token"`
	Expires int64  `json:"expires"`
}

func (p *Portal) generateToken(ctx context.Context) (string, time.Time, error) {
	form := url.Values{}
	form.Set("username", p.username)
	form.Set("password", p.password)
	form.Set("client", "referer")
	form.Set("referer", p.referer)
	form.Set("expiration", strconv.Itoa(tokenExpirationMinutes))
	form.Set("f", "json")

	var payload tokenResponse
	if err := doJSON(ctx, p.HTTPClient, http.MethodPost, p.baseURL+generateTokenPath, form, &payload); err != nil {
		return "", time.Time{}, fmt.Errorf("generate token: %w", err)
	}
	if payload.Token == "" {
		return "", time.Time{}, errors.New("arcgis token response missing token")
	}
	expiresAt := time.UnixMilli(payload.Expires)
	if payload.Expires == 0 {
		expiresAt = p.now().Add(tokenExpirationMinutes * time.Minute)
	}
	return payload.Token, expiresAt, nil
}
