package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/droidpool/droidpool/internal/domain"
	"github.com/droidpool/droidpool/internal/workos"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Refresher exchanges stored refresh tokens for fresh access tokens and
// persists the result. Refreshes are single-flight per credential: a caller
// arriving while an exchange is in flight joins its outcome instead of
// issuing a duplicate, since WorkOS invalidates the old refresh token on use.
type Refresher struct {
	store   domain.CredentialStore
	cipher  domain.SecretCipher
	workos  *workos.Client
	timeout time.Duration

	group singleflight.Group
}

type Config struct {
	Store   domain.CredentialStore
	Cipher  domain.SecretCipher
	WorkOS  *workos.Client
	Timeout time.Duration
}

func NewRefresher(cfg Config) *Refresher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Refresher{
		store:   cfg.Store,
		cipher:  cfg.Cipher,
		workos:  cfg.WorkOS,
		timeout: cfg.Timeout,
	}
}

// Refresh performs the token exchange for one credential. A Failed outcome
// is returned with a nil error for upstream failures; the error return is
// reserved for caller errors (unknown uuid, corrupted secret).
func (r *Refresher) Refresh(ctx context.Context, id string) (domain.RefreshOutcome, error) {
	v, err, shared := r.group.Do(id, func() (interface{}, error) {
		// Detach from the first caller's cancellation so joiners are not
		// starved by it; the exchange itself stays bounded by the timeout.
		exchangeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		return r.doRefresh(exchangeCtx, id)
	})
	if shared {
		log.Debug().Str("uuid", id).Msg("Joined in-flight token refresh")
	}
	if err != nil {
		return domain.RefreshOutcome{}, err
	}
	return v.(domain.RefreshOutcome), nil
}

func (r *Refresher) doRefresh(ctx context.Context, id string) (domain.RefreshOutcome, error) {
	rec, err := r.store.Get(ctx, id)
	if err != nil {
		return domain.RefreshOutcome{}, err
	}

	if rec.AuthKind != domain.AuthKindOAuth {
		return domain.RefreshOutcome{Status: domain.RefreshNotApplicable}, nil
	}
	if rec.OAuth.RefreshToken == "" {
		return r.recordFailure(ctx, id, "credential has no refresh token")
	}

	refreshToken, err := r.cipher.Decrypt(rec.OAuth.RefreshToken)
	if err != nil {
		if errors.Is(err, domain.ErrIntegrity) {
			// Data corruption: surface loudly and leave the record marked.
			_, _ = r.store.Mutate(ctx, id, func(rec *domain.CredentialRecord) error {
				rec.LastError = err.Error()
				rec.HealthStatus = domain.HealthUnhealthy
				return nil
			})
			log.Error().Err(err).Str("uuid", id).Msg("Stored refresh token failed integrity check")
		}
		return domain.RefreshOutcome{}, err
	}

	result, err := r.workos.RefreshToken(ctx, string(refreshToken), rec.OAuth.OrganizationID)
	if err != nil {
		log.Warn().Err(err).Str("uuid", id).Msg("Token refresh failed")
		return r.recordFailure(ctx, id, err.Error())
	}

	encryptedAccess, err := r.cipher.Encrypt([]byte(result.AccessToken))
	if err != nil {
		return domain.RefreshOutcome{}, fmt.Errorf("failed to encrypt access token: %w", err)
	}

	// WorkOS rotates the refresh token on every exchange; store whatever
	// came back. Keep the old one only when the response omitted it.
	encryptedRefresh := rec.OAuth.RefreshToken
	if result.RefreshToken != "" {
		encryptedRefresh, err = r.cipher.Encrypt([]byte(result.RefreshToken))
		if err != nil {
			return domain.RefreshOutcome{}, fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
	}

	now := time.Now().UTC()
	_, err = r.store.Mutate(ctx, id, func(rec *domain.CredentialRecord) error {
		if rec.AuthKind != domain.AuthKindOAuth {
			return domain.ErrInvalidPayload
		}
		rec.OAuth.AccessToken = encryptedAccess
		rec.OAuth.RefreshToken = encryptedRefresh
		rec.OAuth.ExpiresAt = result.ExpiresAt
		rec.OAuth.LastRefresh = &now
		if result.OrganizationID != "" {
			rec.OAuth.OrganizationID = result.OrganizationID
		}
		if result.UserID != "" {
			rec.OAuth.UserID = result.UserID
		}
		if result.OwnerEmail != "" {
			rec.OAuth.OwnerEmail = result.OwnerEmail
		}
		rec.LastError = ""
		rec.ConsecutiveFailures = 0
		rec.HealthStatus = domain.HealthHealthy
		return nil
	})
	if err != nil {
		return domain.RefreshOutcome{}, err
	}

	log.Info().Str("uuid", id).Time("expires_at", result.ExpiresAt).Msg("Token refreshed")
	return domain.RefreshOutcome{Status: domain.RefreshRefreshed, NewExpiry: result.ExpiresAt}, nil
}

// recordFailure books the failed attempt against the credential without
// discarding the still-potentially-valid stored tokens.
func (r *Refresher) recordFailure(ctx context.Context, id, reason string) (domain.RefreshOutcome, error) {
	_, err := r.store.Mutate(ctx, id, func(rec *domain.CredentialRecord) error {
		rec.ErrorCount++
		rec.LastError = reason
		return nil
	})
	if err != nil {
		return domain.RefreshOutcome{}, err
	}
	return domain.RefreshOutcome{Status: domain.RefreshFailed, Reason: reason}, nil
}

// NeedsRefresh reports whether an OAuth record is inside the skew window
// before expiry (or already expired).
func NeedsRefresh(rec *domain.CredentialRecord, skew time.Duration) bool {
	if rec.AuthKind != domain.AuthKindOAuth {
		return false
	}
	if rec.OAuth.ExpiresAt.IsZero() {
		return true
	}
	return !time.Now().Before(rec.OAuth.ExpiresAt.Add(-skew))
}
