package managers

import (
	"context"
	"fmt"
	"time"

	"github.com/droidpool/droidpool/internal/crypto"
	"github.com/droidpool/droidpool/internal/domain"
	"github.com/droidpool/droidpool/internal/workos"

	"github.com/rs/xid"
	"github.com/rs/zerolog/log"
)

// CredentialManager sits between the presentation layer and the store: it
// encrypts incoming secrets, enforces the payload invariants and shapes
// redacted responses. It is the only writer of plaintext into the cipher.
type CredentialManager struct {
	store  domain.CredentialStore
	cipher domain.SecretCipher
	workos *workos.Client
}

type CredentialManagerDependencies struct {
	Store  domain.CredentialStore
	Cipher domain.SecretCipher
	WorkOS *workos.Client
}

func NewCredentialManager(deps CredentialManagerDependencies) *CredentialManager {
	return &CredentialManager{
		store:  deps.Store,
		cipher: deps.Cipher,
		workos: deps.WorkOS,
	}
}

// ImportOAuthParams is the structured payload produced by a Droid credential
// file export.
type ImportOAuthParams struct {
	DisplayName    string              `json:"name"`
	Endpoint       domain.EndpointType `json:"endpoint_type"`
	AccessToken    string              `json:"access_token"`
	RefreshToken   string              `json:"refresh_token"`
	ExpiresAt      time.Time           `json:"expires_at"`
	OwnerEmail     string              `json:"owner_email"`
	OrganizationID string              `json:"organization_id"`
	UserID         string              `json:"user_id"`
}

// ImportOAuth encrypts and stores an imported OAuth credential. When the
// payload lacks an organization id, the Factory org endpoint is consulted to
// backfill it; a lookup failure is not fatal to the import.
func (m *CredentialManager) ImportOAuth(ctx context.Context, params ImportOAuthParams) (domain.RedactedCredential, error) {
	if params.AccessToken == "" && params.RefreshToken == "" {
		return domain.RedactedCredential{}, fmt.Errorf("%w: oauth import needs access_token or refresh_token", domain.ErrInvalidPayload)
	}

	endpoint := params.Endpoint
	if endpoint == "" {
		endpoint = domain.EndpointAnthropic
	}

	organizationID := params.OrganizationID
	if organizationID == "" && params.AccessToken != "" {
		if orgIDs, err := m.workos.FetchOrgIDs(ctx, params.AccessToken); err == nil && len(orgIDs) > 0 {
			organizationID = orgIDs[0]
		} else if err != nil {
			log.Warn().Err(err).Msg("Could not backfill organization id during import")
		}
	}

	encAccess, err := m.cipher.Encrypt([]byte(params.AccessToken))
	if err != nil {
		return domain.RedactedCredential{}, fmt.Errorf("failed to encrypt access token: %w", err)
	}
	encRefresh, err := m.cipher.Encrypt([]byte(params.RefreshToken))
	if err != nil {
		return domain.RedactedCredential{}, fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	record := &domain.CredentialRecord{
		DisplayName: params.DisplayName,
		AuthKind:    domain.AuthKindOAuth,
		Endpoint:    endpoint,
		OAuth: &domain.OAuthPayload{
			AccessToken:    encAccess,
			RefreshToken:   encRefresh,
			ExpiresAt:      params.ExpiresAt.UTC(),
			TokenType:      "Bearer",
			OwnerEmail:     params.OwnerEmail,
			OrganizationID: organizationID,
			UserID:         params.UserID,
		},
	}

	id, err := m.store.Add(ctx, record)
	if err != nil {
		return domain.RedactedCredential{}, err
	}

	stored, err := m.store.Get(ctx, id)
	if err != nil {
		return domain.RedactedCredential{}, err
	}
	return stored.Redacted(), nil
}

// CreateAPIKeyParams is the direct-entry payload for one or more plaintext
// keys.
type CreateAPIKeyParams struct {
	DisplayName string              `json:"name"`
	Endpoint    domain.EndpointType `json:"endpoint_type"`
	Keys        []string            `json:"keys"`
}

// CreateAPIKey encrypts and stores a set of API keys as one record.
// Duplicate keys (by hash) collapse to a single entry.
func (m *CredentialManager) CreateAPIKey(ctx context.Context, params CreateAPIKeyParams) (domain.RedactedCredential, error) {
	if len(params.Keys) == 0 {
		return domain.RedactedCredential{}, fmt.Errorf("%w: at least one api key is required", domain.ErrInvalidPayload)
	}

	now := time.Now().UTC()
	seen := make(map[string]bool, len(params.Keys))
	entries := make([]domain.APIKeyEntry, 0, len(params.Keys))
	for _, key := range params.Keys {
		if key == "" {
			return domain.RedactedCredential{}, fmt.Errorf("%w: empty api key", domain.ErrInvalidPayload)
		}
		hash := crypto.HashAPIKey(key)
		if seen[hash] {
			continue
		}
		seen[hash] = true

		encrypted, err := m.cipher.Encrypt([]byte(key))
		if err != nil {
			return domain.RedactedCredential{}, fmt.Errorf("failed to encrypt api key: %w", err)
		}
		entries = append(entries, domain.APIKeyEntry{
			ID:           xid.New().String(),
			Hash:         hash,
			EncryptedKey: encrypted,
			Status:       domain.KeyStatusActive,
			CreatedAt:    now,
		})
	}

	record := &domain.CredentialRecord{
		DisplayName: params.DisplayName,
		AuthKind:    domain.AuthKindAPIKey,
		Endpoint:    params.Endpoint,
		APIKeys:     &domain.APIKeyPayload{Keys: entries},
	}

	id, err := m.store.Add(ctx, record)
	if err != nil {
		return domain.RedactedCredential{}, err
	}

	stored, err := m.store.Get(ctx, id)
	if err != nil {
		return domain.RedactedCredential{}, err
	}
	return stored.Redacted(), nil
}

// List returns every record in insertion order, redacted.
func (m *CredentialManager) List(ctx context.Context) ([]domain.RedactedCredential, error) {
	records, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.RedactedCredential, len(records))
	for i, rec := range records {
		out[i] = rec.Redacted()
	}
	return out, nil
}

// Get returns one record, redacted.
func (m *CredentialManager) Get(ctx context.Context, id string) (domain.RedactedCredential, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return domain.RedactedCredential{}, err
	}
	return rec.Redacted(), nil
}

// Update applies a partial patch and returns the redacted result.
func (m *CredentialManager) Update(ctx context.Context, id string, patch domain.Patch) (domain.RedactedCredential, error) {
	rec, err := m.store.Update(ctx, id, patch)
	if err != nil {
		return domain.RedactedCredential{}, err
	}
	return rec.Redacted(), nil
}
