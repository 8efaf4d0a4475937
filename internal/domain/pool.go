package domain

import (
	"context"
	"time"
)

// SecretCipher is the encryption gateway every secret field passes through.
// It has no knowledge of which field it protects.
type SecretCipher interface {
	Encrypt(plaintext []byte) (string, error)
	Decrypt(ciphertext string) ([]byte, error)
}

// OAuthPatch carries partial updates for an OAuth payload. Nil fields are
// left untouched.
type OAuthPatch struct {
	OwnerEmail     *string
	OrganizationID *string
	UserID         *string
}

// Patch is a partial update applied through the store. Fields belonging to a
// different auth kind than the target record's fail with ErrInvalidPayload.
type Patch struct {
	DisplayName *string
	Endpoint    *EndpointType
	OAuth       *OAuthPatch
	KeyStatus   map[string]KeyStatus // api-key entry id -> new status
}

// CredentialStore owns record lifetime. Records returned are deep copies;
// all writes go through the store so per-record mutation stays serialized.
type CredentialStore interface {
	Add(ctx context.Context, record *CredentialRecord) (string, error)
	Get(ctx context.Context, uuid string) (*CredentialRecord, error)
	List(ctx context.Context) ([]*CredentialRecord, error)
	Update(ctx context.Context, uuid string, patch Patch) (*CredentialRecord, error)
	Delete(ctx context.Context, uuid string) error
	SetDisabled(ctx context.Context, uuid string, disabled bool) error

	// Mutate applies fn to the record under its own lock as a single atomic
	// commit. If fn returns an error nothing is written.
	Mutate(ctx context.Context, uuid string, fn func(*CredentialRecord) error) (*CredentialRecord, error)
}

// RefreshStatus classifies the result of a token refresh.
type RefreshStatus string

const (
	RefreshRefreshed     RefreshStatus = "refreshed"
	RefreshNotApplicable RefreshStatus = "not_applicable"
	RefreshFailed        RefreshStatus = "failed"
)

// RefreshOutcome reports what a refresh attempt did. A Failed outcome is a
// normal result, not an error: the prior token is left in place and the
// failure is recorded against the credential's counters.
type RefreshOutcome struct {
	Status    RefreshStatus `json:"status"`
	NewExpiry time.Time     `json:"new_expiry,omitempty"`
	Reason    string        `json:"reason,omitempty"`
}

// TokenRefresher exchanges a stored refresh token for a fresh access token.
// Refresh is single-flight per uuid.
type TokenRefresher interface {
	Refresh(ctx context.Context, uuid string) (RefreshOutcome, error)
}

// HealthResult is the outcome of an out-of-band liveness probe.
type HealthResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// HealthChecker probes a credential against the provider and writes the
// classification back to the record.
type HealthChecker interface {
	Check(ctx context.Context, uuid string) (HealthResult, error)
}

// SelectedCredential is what Acquire hands to the routing layer: the
// decrypted secret plus everything needed to issue the upstream call.
type SelectedCredential struct {
	UUID        string            `json:"uuid"`
	DisplayName string            `json:"display_name,omitempty"`
	AuthKind    AuthKind          `json:"auth_kind"`
	Endpoint    EndpointType      `json:"endpoint_type"`
	APIKeyID    string            `json:"api_key_id,omitempty"`
	Secret      string            `json:"secret"`
	URL         string            `json:"url"`
	Headers     map[string]string `json:"headers"`
}

// Outcome is the routing layer's feedback after a proxied call completes.
type Outcome struct {
	UUID       string
	Success    bool
	StatusCode int
	Error      string
}

// CredentialPool is the selection entry point called once per outbound call.
type CredentialPool interface {
	Acquire(ctx context.Context, endpoint EndpointType) (*SelectedCredential, error)
	ReportOutcome(ctx context.Context, outcome Outcome) error
	Reset(ctx context.Context, uuid string) error
}
