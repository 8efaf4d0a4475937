package workos

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/droidpool/droidpool/internal/domain"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultTokenURL is the WorkOS user-management authenticate endpoint
	// Factory's CLI exchanges refresh tokens against.
	DefaultTokenURL = "https://api.workos.com/user_management/authenticate"

	// DefaultOrgURL returns the WorkOS org ids visible to an access token.
	DefaultOrgURL = "https://app.factory.ai/api/cli/org"

	// ClientID is Factory's WorkOS client id.
	ClientID = "client_01HNM792M5G5G1A2THWPXKFMXB"

	defaultExpiry = 8 * time.Hour
)

// TokenResult is the outcome of a successful refresh-token exchange.
type TokenResult struct {
	AccessToken    string
	RefreshToken   string
	ExpiresAt      time.Time
	OrganizationID string
	UserID         string
	OwnerEmail     string
}

type tokenResponse struct {
	AccessToken    string `json:"access_token"`
	RefreshToken   string `json:"refresh_token"`
	ExpiresAt      string `json:"expires_at"`
	ExpiresIn      int64  `json:"expires_in"`
	OrganizationID string `json:"organization_id"`
	User           *struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
}

// Client talks to the WorkOS token endpoint and the Factory org endpoint.
type Client struct {
	httpClient *http.Client
	tokenURL   string
	orgURL     string
	clientID   string
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithTokenURL(tokenURL string) Option {
	return func(c *Client) {
		c.tokenURL = tokenURL
	}
}

func WithOrgURL(orgURL string) Option {
	return func(c *Client) {
		c.orgURL = orgURL
	}
}

func WithClientID(clientID string) Option {
	return func(c *Client) {
		c.clientID = clientID
	}
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		tokenURL:   DefaultTokenURL,
		orgURL:     DefaultOrgURL,
		clientID:   ClientID,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RefreshToken exchanges a refresh token for a fresh access token. The
// organization id is included when known; WorkOS scopes the new token to it.
func (c *Client) RefreshToken(ctx context.Context, refreshToken, organizationID string) (*TokenResult, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", c.clientID)
	if organizationID != "" {
		form.Set("organization_id", organizationID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: token exchange failed: %v", domain.ErrUpstream, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read token response: %v", domain.ErrUpstream, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: token endpoint returned %d: %s", domain.ErrUpstream, resp.StatusCode, truncate(string(body), 256))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("%w: malformed token response: %v", domain.ErrUpstream, err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("%w: token response missing access_token", domain.ErrUpstream)
	}

	result := &TokenResult{
		AccessToken:    tr.AccessToken,
		RefreshToken:   tr.RefreshToken,
		ExpiresAt:      resolveExpiry(tr),
		OrganizationID: tr.OrganizationID,
	}
	if tr.User != nil {
		result.UserID = tr.User.ID
		result.OwnerEmail = tr.User.Email
	}

	log.Debug().Time("expires_at", result.ExpiresAt).Msg("WorkOS token exchange succeeded")
	return result, nil
}

// resolveExpiry picks the new expiry from, in order: an explicit expires_at,
// expires_in, the exp claim of the access token JWT, and finally the 8 hour
// default WorkOS tokens carry.
func resolveExpiry(tr tokenResponse) time.Time {
	if tr.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339, tr.ExpiresAt); err == nil {
			return t.UTC()
		}
	}
	if tr.ExpiresIn > 0 {
		return time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second).UTC()
	}
	if exp, ok := jwtExpiry(tr.AccessToken); ok {
		return exp
	}
	return time.Now().Add(defaultExpiry).UTC()
}

// jwtExpiry extracts the exp claim without verifying the signature; the token
// was just received over TLS from the issuer and is only being inspected for
// its lifetime.
func jwtExpiry(accessToken string) (time.Time, bool) {
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(accessToken, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time.UTC(), true
}

// FetchOrgIDs lists the WorkOS organization ids visible to an access token.
// It doubles as the OAuth liveness probe.
func (c *Client) FetchOrgIDs(ctx context.Context, accessToken string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.orgURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build org request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", domain.FactoryUserAgent)
	req.Header.Set("x-factory-client", domain.FactoryClientName)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: org lookup failed: %v", domain.ErrUpstream, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read org response: %v", domain.ErrUpstream, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: org endpoint returned %d: %s", domain.ErrUpstream, resp.StatusCode, truncate(string(body), 256))
	}

	var orgResp struct {
		WorkOSOrgIDs []string `json:"workosOrgIds"`
	}
	if err := json.Unmarshal(body, &orgResp); err != nil {
		return nil, fmt.Errorf("%w: malformed org response: %v", domain.ErrUpstream, err)
	}

	return orgResp.WorkOSOrgIDs, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
