package pool

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/droidpool/droidpool/internal/domain"
	"github.com/droidpool/droidpool/internal/refresh"

	"github.com/rs/zerolog/log"
)

// Pool implements the selection policy the request-routing layer calls once
// per outbound call. Selection reads snapshot copies of record state;
// fairness under contention is approximate, never starving.
type Pool struct {
	store     domain.CredentialStore
	cipher    domain.SecretCipher
	refresher domain.TokenRefresher

	factoryBaseURL     string
	refreshSkew        time.Duration
	unhealthyThreshold uint64
}

type Config struct {
	Store     domain.CredentialStore
	Cipher    domain.SecretCipher
	Refresher domain.TokenRefresher

	FactoryBaseURL string
	// RefreshSkew is the safety margin before expiry at which a proactive
	// refresh is triggered.
	RefreshSkew time.Duration
	// UnhealthyThreshold is the consecutive-failure count at which a
	// credential drops out of rotation.
	UnhealthyThreshold uint64
}

func NewPool(cfg Config) *Pool {
	if cfg.FactoryBaseURL == "" {
		cfg.FactoryBaseURL = domain.FactoryAPIBaseURL
	}
	if cfg.RefreshSkew <= 0 {
		cfg.RefreshSkew = 5 * time.Minute
	}
	if cfg.UnhealthyThreshold == 0 {
		cfg.UnhealthyThreshold = 5
	}
	return &Pool{
		store:              cfg.Store,
		cipher:             cfg.Cipher,
		refresher:          cfg.Refresher,
		factoryBaseURL:     cfg.FactoryBaseURL,
		refreshSkew:        cfg.RefreshSkew,
		unhealthyThreshold: cfg.UnhealthyThreshold,
	}
}

// Acquire selects a usable credential for the endpoint type, refreshing a
// stale OAuth token first. Candidates whose refresh fails are marked
// unhealthy and selection restarts over the remainder, so the retry is
// bounded by the candidate count. A stored secret failing its integrity
// check also marks the record unhealthy; that failure is surfaced when no
// other candidate can serve the request.
func (p *Pool) Acquire(ctx context.Context, endpoint domain.EndpointType) (*domain.SelectedCredential, error) {
	candidates, err := p.eligible(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, domain.ErrPoolExhausted
	}

	var integrityErr error
	for _, candidate := range candidates {
		if refresh.NeedsRefresh(candidate, p.refreshSkew) {
			outcome, err := p.refresher.Refresh(ctx, candidate.UUID)
			if err != nil || outcome.Status == domain.RefreshFailed {
				reason := ""
				if err != nil {
					reason = err.Error()
				} else {
					reason = outcome.Reason
				}
				log.Warn().Str("uuid", candidate.UUID).Str("reason", reason).Msg("Refresh failed during acquire, marking unhealthy")
				_, _ = p.store.Mutate(ctx, candidate.UUID, func(rec *domain.CredentialRecord) error {
					rec.HealthStatus = domain.HealthUnhealthy
					if reason != "" {
						rec.LastError = reason
					}
					return nil
				})
				continue
			}
			fresh, err := p.store.Get(ctx, candidate.UUID)
			if err != nil {
				continue
			}
			candidate = fresh
		}

		selected, err := p.take(ctx, candidate)
		if err != nil {
			if errors.Is(err, domain.ErrIntegrity) {
				// Corrupted stored secret: take the record out of rotation
				// until an operator re-imports it, and keep the error.
				log.Error().Err(err).Str("uuid", candidate.UUID).Msg("Stored secret failed integrity check")
				_, _ = p.store.Mutate(ctx, candidate.UUID, func(rec *domain.CredentialRecord) error {
					rec.HealthStatus = domain.HealthUnhealthy
					rec.LastError = err.Error()
					return nil
				})
				integrityErr = err
				continue
			}
			log.Warn().Err(err).Str("uuid", candidate.UUID).Msg("Candidate unusable, trying next")
			continue
		}
		return selected, nil
	}

	if integrityErr != nil {
		return nil, integrityErr
	}
	return nil, domain.ErrPoolExhausted
}

// eligible filters and orders candidates: enabled, endpoint match, not
// unhealthy, lowest usage first with earliest update as the tie-break.
func (p *Pool) eligible(ctx context.Context, endpoint domain.EndpointType) ([]*domain.CredentialRecord, error) {
	records, err := p.store.List(ctx)
	if err != nil {
		return nil, err
	}

	candidates := make([]*domain.CredentialRecord, 0, len(records))
	for _, rec := range records {
		if rec.IsDisabled || rec.Endpoint != endpoint || rec.HealthStatus == domain.HealthUnhealthy {
			continue
		}
		if rec.AuthKind == domain.AuthKindAPIKey && len(rec.APIKeys.ActiveKeys()) == 0 {
			continue
		}
		candidates = append(candidates, rec)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].UsageCount != candidates[j].UsageCount {
			return candidates[i].UsageCount < candidates[j].UsageCount
		}
		return candidates[i].UpdatedAt.Before(candidates[j].UpdatedAt)
	})

	return candidates, nil
}

// take decrypts the candidate's secret, commits the usage increment and
// builds the ready-to-send request material.
func (p *Pool) take(ctx context.Context, candidate *domain.CredentialRecord) (*domain.SelectedCredential, error) {
	var secret, keyID string

	switch candidate.AuthKind {
	case domain.AuthKindOAuth:
		plaintext, err := p.cipher.Decrypt(candidate.OAuth.AccessToken)
		if err != nil {
			return nil, err
		}
		secret = string(plaintext)

	case domain.AuthKindAPIKey:
		// Spread load inside the record too: least-used active key first.
		active := candidate.APIKeys.ActiveKeys()
		if len(active) == 0 {
			return nil, domain.ErrPoolExhausted
		}
		chosen := active[0]
		for _, k := range active[1:] {
			if k.UsageCount < chosen.UsageCount {
				chosen = k
			}
		}
		plaintext, err := p.cipher.Decrypt(chosen.EncryptedKey)
		if err != nil {
			return nil, err
		}
		secret = string(plaintext)
		keyID = chosen.ID

	default:
		return nil, domain.ErrInvalidPayload
	}

	now := time.Now().UTC()
	rec, err := p.store.Mutate(ctx, candidate.UUID, func(rec *domain.CredentialRecord) error {
		rec.UsageCount++
		if keyID != "" {
			for i := range rec.APIKeys.Keys {
				if rec.APIKeys.Keys[i].ID == keyID {
					rec.APIKeys.Keys[i].UsageCount++
					rec.APIKeys.Keys[i].LastUsedAt = &now
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	tokenType := "Bearer"
	if rec.AuthKind == domain.AuthKindOAuth && rec.OAuth.TokenType != "" {
		tokenType = rec.OAuth.TokenType
	}

	return &domain.SelectedCredential{
		UUID:        rec.UUID,
		DisplayName: rec.DisplayName,
		AuthKind:    rec.AuthKind,
		Endpoint:    rec.Endpoint,
		APIKeyID:    keyID,
		Secret:      secret,
		URL:         p.factoryBaseURL + domain.EndpointPath(rec.Endpoint),
		Headers: map[string]string{
			"Content-Type":     "application/json",
			"Authorization":    tokenType + " " + secret,
			"User-Agent":       domain.FactoryUserAgent,
			"x-factory-client": domain.FactoryClientName,
		},
	}, nil
}

// ReportOutcome books the routing layer's feedback against the credential.
// An authentication-classified failure on an OAuth record additionally
// triggers one reactive refresh attempt (single-flight deduplicates it).
func (p *Pool) ReportOutcome(ctx context.Context, outcome domain.Outcome) error {
	var reactiveRefresh bool

	_, err := p.store.Mutate(ctx, outcome.UUID, func(rec *domain.CredentialRecord) error {
		if outcome.Success {
			rec.ConsecutiveFailures = 0
			rec.LastError = ""
			rec.HealthStatus = domain.HealthHealthy
			return nil
		}

		rec.ErrorCount++
		rec.ConsecutiveFailures++
		if outcome.Error != "" {
			rec.LastError = outcome.Error
		}
		if rec.ConsecutiveFailures >= p.unhealthyThreshold {
			rec.HealthStatus = domain.HealthUnhealthy
			log.Warn().
				Str("uuid", rec.UUID).
				Uint64("consecutive_failures", rec.ConsecutiveFailures).
				Msg("Credential dropped from rotation")
		}

		class := domain.ClassifyStatus(outcome.StatusCode)
		if class.Type == "authentication" && rec.AuthKind == domain.AuthKindOAuth {
			reactiveRefresh = true
		}
		return nil
	})
	if err != nil {
		return err
	}

	if reactiveRefresh {
		if _, err := p.refresher.Refresh(ctx, outcome.UUID); err != nil {
			log.Warn().Err(err).Str("uuid", outcome.UUID).Msg("Reactive refresh failed")
		}
	}
	return nil
}

// Reset clears the counters and health state without touching secret
// material or expiry.
func (p *Pool) Reset(ctx context.Context, id string) error {
	_, err := p.store.Mutate(ctx, id, func(rec *domain.CredentialRecord) error {
		rec.UsageCount = 0
		rec.ErrorCount = 0
		rec.ConsecutiveFailures = 0
		rec.LastError = ""
		rec.HealthStatus = domain.HealthUnknown
		return nil
	})
	return err
}
