package domain

import "time"

// AuthKind selects which payload variant a credential record carries.
type AuthKind string

const (
	AuthKindOAuth  AuthKind = "oauth"
	AuthKindAPIKey AuthKind = "api_key"
)

// EndpointType selects which of the Factory API's wire-compatible shapes a
// credential is valid against.
type EndpointType string

const (
	EndpointAnthropic EndpointType = "anthropic"
	EndpointOpenAI    EndpointType = "openai"
	EndpointComm      EndpointType = "comm"
)

func (e EndpointType) Valid() bool {
	switch e {
	case EndpointAnthropic, EndpointOpenAI, EndpointComm:
		return true
	}
	return false
}

// HealthStatus is the last known probe result for a credential.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// KeyStatus is the operator-set state of a single API key entry.
type KeyStatus string

const (
	KeyStatusActive   KeyStatus = "active"
	KeyStatusDisabled KeyStatus = "disabled"
)

// OAuthPayload holds the WorkOS-issued token pair for an OAuth credential.
// Token fields contain ciphertext produced by the secret cipher; plaintext
// exists only transiently in memory while a request is being prepared.
type OAuthPayload struct {
	AccessToken    string     `json:"access_token"`
	RefreshToken   string     `json:"refresh_token"`
	ExpiresAt      time.Time  `json:"expires_at"`
	TokenType      string     `json:"token_type"`
	OwnerEmail     string     `json:"owner_email,omitempty"`
	OrganizationID string     `json:"organization_id,omitempty"`
	UserID         string     `json:"user_id,omitempty"`
	LastRefresh    *time.Time `json:"last_refresh,omitempty"`
}

// APIKeyEntry is one rotatable key inside an API-key credential.
// EncryptedKey is ciphertext; Hash is the SHA-256 of the plaintext key and is
// used only for duplicate detection.
type APIKeyEntry struct {
	ID           string     `json:"id"`
	Hash         string     `json:"hash"`
	EncryptedKey string     `json:"encrypted_key"`
	Status       KeyStatus  `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	UsageCount   uint64     `json:"usage_count"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// APIKeyPayload holds the ordered key set for an API-key credential.
type APIKeyPayload struct {
	Keys []APIKeyEntry `json:"keys"`
}

// ActiveKeys returns the entries currently eligible for use.
func (p *APIKeyPayload) ActiveKeys() []APIKeyEntry {
	active := make([]APIKeyEntry, 0, len(p.Keys))
	for _, k := range p.Keys {
		if k.Status == KeyStatusActive {
			active = append(active, k)
		}
	}
	return active
}

// CredentialRecord is the unit of storage in the pool. Exactly one of OAuth
// and APIKeys is non-nil, determined by AuthKind.
type CredentialRecord struct {
	UUID        string       `json:"uuid"`
	DisplayName string       `json:"display_name,omitempty"`
	AuthKind    AuthKind     `json:"auth_kind"`
	Endpoint    EndpointType `json:"endpoint_type"`

	OAuth   *OAuthPayload  `json:"oauth,omitempty"`
	APIKeys *APIKeyPayload `json:"api_keys,omitempty"`

	IsDisabled   bool         `json:"is_disabled"`
	HealthStatus HealthStatus `json:"health_status"`

	UsageCount          uint64 `json:"usage_count"`
	ErrorCount          uint64 `json:"error_count"`
	ConsecutiveFailures uint64 `json:"consecutive_failures"`
	LastError           string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers can never mutate store-owned state.
func (r *CredentialRecord) Clone() *CredentialRecord {
	if r == nil {
		return nil
	}
	cp := *r
	if r.OAuth != nil {
		oauth := *r.OAuth
		if r.OAuth.LastRefresh != nil {
			t := *r.OAuth.LastRefresh
			oauth.LastRefresh = &t
		}
		cp.OAuth = &oauth
	}
	if r.APIKeys != nil {
		keys := make([]APIKeyEntry, len(r.APIKeys.Keys))
		copy(keys, r.APIKeys.Keys)
		for i := range keys {
			if keys[i].LastUsedAt != nil {
				t := *keys[i].LastUsedAt
				keys[i].LastUsedAt = &t
			}
		}
		cp.APIKeys = &APIKeyPayload{Keys: keys}
	}
	return &cp
}

// Validate checks the exclusive-payload invariant.
func (r *CredentialRecord) Validate() error {
	switch r.AuthKind {
	case AuthKindOAuth:
		if r.OAuth == nil || r.APIKeys != nil {
			return ErrInvalidPayload
		}
		if r.OAuth.AccessToken == "" && r.OAuth.RefreshToken == "" {
			return ErrInvalidPayload
		}
	case AuthKindAPIKey:
		if r.APIKeys == nil || r.OAuth != nil {
			return ErrInvalidPayload
		}
		if len(r.APIKeys.Keys) == 0 {
			return ErrInvalidPayload
		}
	default:
		return ErrInvalidPayload
	}
	if !r.Endpoint.Valid() {
		return ErrInvalidPayload
	}
	return nil
}

const secretPlaceholder = "********"

// RedactedOAuth is the presentation view of an OAuth payload.
type RedactedOAuth struct {
	AccessToken    string     `json:"access_token"`
	RefreshToken   string     `json:"refresh_token"`
	ExpiresAt      time.Time  `json:"expires_at"`
	TokenType      string     `json:"token_type"`
	OwnerEmail     string     `json:"owner_email,omitempty"`
	OrganizationID string     `json:"organization_id,omitempty"`
	UserID         string     `json:"user_id,omitempty"`
	LastRefresh    *time.Time `json:"last_refresh,omitempty"`
}

// RedactedKey is the presentation view of one API key entry.
type RedactedKey struct {
	ID           string     `json:"id"`
	Key          string     `json:"key"`
	Status       KeyStatus  `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	UsageCount   uint64     `json:"usage_count"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// RedactedCredential is what list/get responses expose to the presentation
// layer. Secret fields are always masked; only the acquire path ever returns
// plaintext material.
type RedactedCredential struct {
	UUID                string         `json:"uuid"`
	DisplayName         string         `json:"display_name,omitempty"`
	AuthKind            AuthKind       `json:"auth_kind"`
	Endpoint            EndpointType   `json:"endpoint_type"`
	OAuth               *RedactedOAuth `json:"oauth,omitempty"`
	Keys                []RedactedKey  `json:"keys,omitempty"`
	IsDisabled          bool           `json:"is_disabled"`
	HealthStatus        HealthStatus   `json:"health_status"`
	UsageCount          uint64         `json:"usage_count"`
	ErrorCount          uint64         `json:"error_count"`
	ConsecutiveFailures uint64         `json:"consecutive_failures"`
	LastError           string         `json:"last_error,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// Redacted maps the record to its presentation view.
func (r *CredentialRecord) Redacted() RedactedCredential {
	out := RedactedCredential{
		UUID:                r.UUID,
		DisplayName:         r.DisplayName,
		AuthKind:            r.AuthKind,
		Endpoint:            r.Endpoint,
		IsDisabled:          r.IsDisabled,
		HealthStatus:        r.HealthStatus,
		UsageCount:          r.UsageCount,
		ErrorCount:          r.ErrorCount,
		ConsecutiveFailures: r.ConsecutiveFailures,
		LastError:           r.LastError,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
	if r.OAuth != nil {
		out.OAuth = &RedactedOAuth{
			AccessToken:    secretPlaceholder,
			RefreshToken:   secretPlaceholder,
			ExpiresAt:      r.OAuth.ExpiresAt,
			TokenType:      r.OAuth.TokenType,
			OwnerEmail:     r.OAuth.OwnerEmail,
			OrganizationID: r.OAuth.OrganizationID,
			UserID:         r.OAuth.UserID,
			LastRefresh:    r.OAuth.LastRefresh,
		}
	}
	if r.APIKeys != nil {
		out.Keys = make([]RedactedKey, len(r.APIKeys.Keys))
		for i, k := range r.APIKeys.Keys {
			out.Keys[i] = RedactedKey{
				ID:           k.ID,
				Key:          secretPlaceholder,
				Status:       k.Status,
				CreatedAt:    k.CreatedAt,
				LastUsedAt:   k.LastUsedAt,
				UsageCount:   k.UsageCount,
				ErrorMessage: k.ErrorMessage,
			}
		}
	}
	return out
}
