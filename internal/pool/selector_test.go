package pool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/droidpool/droidpool/internal/crypto"
	"github.com/droidpool/droidpool/internal/domain"
	"github.com/droidpool/droidpool/internal/refresh"
	"github.com/droidpool/droidpool/internal/store"
	"github.com/droidpool/droidpool/internal/workos"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubRefresher satisfies domain.TokenRefresher for tests that do not
// exercise the refresh path.
type stubRefresher struct {
	mu       sync.Mutex
	calls    int
	outcome  domain.RefreshOutcome
	callback func(id string)
}

func (s *stubRefresher) Refresh(ctx context.Context, id string) (domain.RefreshOutcome, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.callback != nil {
		s.callback(id)
	}
	return s.outcome, nil
}

type fixture struct {
	store     *store.Store
	cipher    *crypto.Cipher
	refresher *stubRefresher
	pool      *Pool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cipher, err := crypto.NewCipher("test-secret")
	require.NoError(t, err)

	s := store.NewStore("")
	refresher := &stubRefresher{outcome: domain.RefreshOutcome{Status: domain.RefreshRefreshed}}

	p := NewPool(Config{
		Store:              s,
		Cipher:             cipher,
		Refresher:          refresher,
		RefreshSkew:        5 * time.Minute,
		UnhealthyThreshold: 5,
	})

	return &fixture{store: s, cipher: cipher, refresher: refresher, pool: p}
}

func (f *fixture) addOAuth(t *testing.T, endpoint domain.EndpointType, expiresAt time.Time) string {
	t.Helper()
	encAccess, err := f.cipher.Encrypt([]byte("access-" + string(endpoint)))
	require.NoError(t, err)
	encRefresh, err := f.cipher.Encrypt([]byte("refresh-" + string(endpoint)))
	require.NoError(t, err)

	id, err := f.store.Add(context.Background(), &domain.CredentialRecord{
		AuthKind: domain.AuthKindOAuth,
		Endpoint: endpoint,
		OAuth: &domain.OAuthPayload{
			AccessToken:  encAccess,
			RefreshToken: encRefresh,
			ExpiresAt:    expiresAt,
			TokenType:    "Bearer",
		},
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) addAPIKeys(t *testing.T, endpoint domain.EndpointType, keys map[string]domain.KeyStatus) string {
	t.Helper()
	entries := make([]domain.APIKeyEntry, 0, len(keys))
	for plain, status := range keys {
		enc, err := f.cipher.Encrypt([]byte(plain))
		require.NoError(t, err)
		entries = append(entries, domain.APIKeyEntry{
			ID:           "key-" + plain,
			Hash:         crypto.HashAPIKey(plain),
			EncryptedKey: enc,
			Status:       status,
			CreatedAt:    time.Now().UTC(),
		})
	}

	id, err := f.store.Add(context.Background(), &domain.CredentialRecord{
		AuthKind: domain.AuthKindAPIKey,
		Endpoint: endpoint,
		APIKeys:  &domain.APIKeyPayload{Keys: entries},
	})
	require.NoError(t, err)
	return id
}

func TestAcquireEmptyPool(t *testing.T) {
	f := newFixture(t)

	_, err := f.pool.Acquire(context.Background(), domain.EndpointAnthropic)
	assert.ErrorIs(t, err, domain.ErrPoolExhausted)
}

func TestAcquireReturnsDecryptedSecretAndHeaders(t *testing.T) {
	f := newFixture(t)
	future := time.Now().Add(time.Hour).UTC()
	id := f.addOAuth(t, domain.EndpointAnthropic, future)

	selected, err := f.pool.Acquire(context.Background(), domain.EndpointAnthropic)
	require.NoError(t, err)

	assert.Equal(t, id, selected.UUID)
	assert.Equal(t, "access-anthropic", selected.Secret)
	assert.Equal(t, domain.FactoryAPIBaseURL+"/a/v1/messages", selected.URL)
	assert.Equal(t, "Bearer access-anthropic", selected.Headers["Authorization"])
	assert.Equal(t, domain.FactoryUserAgent, selected.Headers["User-Agent"])
	assert.Equal(t, "cli", selected.Headers["x-factory-client"])

	rec, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.UsageCount)
}

func TestAcquireSkipsDisabledAndUnhealthy(t *testing.T) {
	f := newFixture(t)
	future := time.Now().Add(time.Hour).UTC()

	disabled := f.addOAuth(t, domain.EndpointAnthropic, future)
	require.NoError(t, f.store.SetDisabled(context.Background(), disabled, true))

	unhealthy := f.addOAuth(t, domain.EndpointAnthropic, future)
	_, err := f.store.Mutate(context.Background(), unhealthy, func(rec *domain.CredentialRecord) error {
		rec.HealthStatus = domain.HealthUnhealthy
		return nil
	})
	require.NoError(t, err)

	_, err = f.pool.Acquire(context.Background(), domain.EndpointAnthropic)
	assert.ErrorIs(t, err, domain.ErrPoolExhausted)
}

func TestAcquireEndpointTypeMismatch(t *testing.T) {
	f := newFixture(t)
	f.addOAuth(t, domain.EndpointAnthropic, time.Now().Add(time.Hour).UTC())

	_, err := f.pool.Acquire(context.Background(), domain.EndpointComm)
	assert.ErrorIs(t, err, domain.ErrPoolExhausted)
}

func TestAcquireLeastUsedFirst(t *testing.T) {
	f := newFixture(t)
	future := time.Now().Add(time.Hour).UTC()

	busy := f.addOAuth(t, domain.EndpointAnthropic, future)
	_, err := f.store.Mutate(context.Background(), busy, func(rec *domain.CredentialRecord) error {
		rec.UsageCount = 5
		return nil
	})
	require.NoError(t, err)

	idle := f.addOAuth(t, domain.EndpointAnthropic, future)

	// Three consecutive acquires: the idle credential catches up before the
	// busy one is touched again.
	for i := 0; i < 3; i++ {
		selected, err := f.pool.Acquire(context.Background(), domain.EndpointAnthropic)
		require.NoError(t, err)
		assert.Equal(t, idle, selected.UUID, "acquire %d", i)
	}
}

func TestAcquireNeverReturnsDisabledKeyWhileActiveExists(t *testing.T) {
	f := newFixture(t)
	f.addAPIKeys(t, domain.EndpointComm, map[string]domain.KeyStatus{
		"sk-active":   domain.KeyStatusActive,
		"sk-disabled": domain.KeyStatusDisabled,
	})

	for i := 0; i < 5; i++ {
		selected, err := f.pool.Acquire(context.Background(), domain.EndpointComm)
		require.NoError(t, err)
		assert.Equal(t, "sk-active", selected.Secret)
		assert.Equal(t, "key-sk-active", selected.APIKeyID)
	}
}

func TestAcquireAPIKeyRecordWithNoActiveKeysIneligible(t *testing.T) {
	f := newFixture(t)
	f.addAPIKeys(t, domain.EndpointComm, map[string]domain.KeyStatus{
		"sk-dead": domain.KeyStatusDisabled,
	})

	_, err := f.pool.Acquire(context.Background(), domain.EndpointComm)
	assert.ErrorIs(t, err, domain.ErrPoolExhausted)
}

func TestAcquireTriggersProactiveRefresh(t *testing.T) {
	// Real refresher against a stub WorkOS endpoint: a token expiring in one
	// minute is inside the skew window and must be exchanged before hand-out.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"access_token": "fresh-access", "refresh_token": "fresh-refresh", "expires_in": 28800}`))
	}))
	defer server.Close()

	cipher, err := crypto.NewCipher("test-secret")
	require.NoError(t, err)
	s := store.NewStore("")
	refresher := refresh.NewRefresher(refresh.Config{
		Store:   s,
		Cipher:  cipher,
		WorkOS:  workos.NewClient(workos.WithTokenURL(server.URL)),
		Timeout: 5 * time.Second,
	})
	p := NewPool(Config{
		Store:              s,
		Cipher:             cipher,
		Refresher:          refresher,
		RefreshSkew:        5 * time.Minute,
		UnhealthyThreshold: 5,
	})

	encAccess, err := cipher.Encrypt([]byte("stale-access"))
	require.NoError(t, err)
	encRefresh, err := cipher.Encrypt([]byte("stale-refresh"))
	require.NoError(t, err)
	id, err := s.Add(context.Background(), &domain.CredentialRecord{
		AuthKind: domain.AuthKindOAuth,
		Endpoint: domain.EndpointAnthropic,
		OAuth: &domain.OAuthPayload{
			AccessToken:  encAccess,
			RefreshToken: encRefresh,
			ExpiresAt:    time.Now().Add(time.Minute).UTC(),
			TokenType:    "Bearer",
		},
	})
	require.NoError(t, err)

	selected, err := p.Acquire(context.Background(), domain.EndpointAnthropic)
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", selected.Secret)

	rec, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, rec.OAuth.ExpiresAt.After(time.Now().Add(time.Hour)))
	assert.NotNil(t, rec.OAuth.LastRefresh)
}

func TestAcquireFailedRefreshFallsBackToNextCandidate(t *testing.T) {
	f := newFixture(t)
	f.refresher.outcome = domain.RefreshOutcome{Status: domain.RefreshFailed, Reason: "invalid_grant"}

	stale := f.addOAuth(t, domain.EndpointAnthropic, time.Now().Add(time.Minute).UTC())
	healthy := f.addAPIKeys(t, domain.EndpointAnthropic, map[string]domain.KeyStatus{
		"sk-backup": domain.KeyStatusActive,
	})

	selected, err := f.pool.Acquire(context.Background(), domain.EndpointAnthropic)
	require.NoError(t, err)
	assert.Equal(t, healthy, selected.UUID)

	rec, err := f.store.Get(context.Background(), stale)
	require.NoError(t, err)
	assert.Equal(t, domain.HealthUnhealthy, rec.HealthStatus)
}

func TestAcquireCorruptedSecretSurfacesIntegrityFailure(t *testing.T) {
	f := newFixture(t)

	id, err := f.store.Add(context.Background(), &domain.CredentialRecord{
		AuthKind: domain.AuthKindOAuth,
		Endpoint: domain.EndpointAnthropic,
		OAuth: &domain.OAuthPayload{
			AccessToken:  "not-ciphertext",
			RefreshToken: "not-ciphertext",
			ExpiresAt:    time.Now().Add(time.Hour).UTC(),
		},
	})
	require.NoError(t, err)

	_, err = f.pool.Acquire(context.Background(), domain.EndpointAnthropic)
	assert.ErrorIs(t, err, domain.ErrIntegrity)

	rec, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.HealthUnhealthy, rec.HealthStatus)
	assert.NotEmpty(t, rec.LastError)

	// Out of rotation from now on; the next acquire sees an empty pool.
	_, err = f.pool.Acquire(context.Background(), domain.EndpointAnthropic)
	assert.ErrorIs(t, err, domain.ErrPoolExhausted)
}

func TestAcquireCorruptedSecretFallsBackToNextCandidate(t *testing.T) {
	f := newFixture(t)
	future := time.Now().Add(time.Hour).UTC()

	corrupted, err := f.store.Add(context.Background(), &domain.CredentialRecord{
		AuthKind: domain.AuthKindOAuth,
		Endpoint: domain.EndpointAnthropic,
		OAuth: &domain.OAuthPayload{
			AccessToken:  "not-ciphertext",
			RefreshToken: "not-ciphertext",
			ExpiresAt:    future,
		},
	})
	require.NoError(t, err)

	healthy := f.addOAuth(t, domain.EndpointAnthropic, future)

	selected, err := f.pool.Acquire(context.Background(), domain.EndpointAnthropic)
	require.NoError(t, err)
	assert.Equal(t, healthy, selected.UUID)

	rec, err := f.store.Get(context.Background(), corrupted)
	require.NoError(t, err)
	assert.Equal(t, domain.HealthUnhealthy, rec.HealthStatus)
}

func TestReportOutcomeFlipsUnhealthyAtThreshold(t *testing.T) {
	f := newFixture(t)
	id := f.addOAuth(t, domain.EndpointAnthropic, time.Now().Add(time.Hour).UTC())

	for i := 0; i < 5; i++ {
		require.NoError(t, f.pool.ReportOutcome(context.Background(), domain.Outcome{
			UUID:       id,
			Success:    false,
			StatusCode: 500,
			Error:      "upstream 500",
		}))
	}

	rec, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.HealthUnhealthy, rec.HealthStatus)
	assert.Equal(t, uint64(5), rec.ErrorCount)
	assert.Equal(t, "upstream 500", rec.LastError)

	_, err = f.pool.Acquire(context.Background(), domain.EndpointAnthropic)
	assert.ErrorIs(t, err, domain.ErrPoolExhausted)
}

func TestReportOutcomeSuccessClearsStreak(t *testing.T) {
	f := newFixture(t)
	id := f.addOAuth(t, domain.EndpointAnthropic, time.Now().Add(time.Hour).UTC())

	for i := 0; i < 4; i++ {
		require.NoError(t, f.pool.ReportOutcome(context.Background(), domain.Outcome{UUID: id, Success: false, StatusCode: 500}))
	}
	require.NoError(t, f.pool.ReportOutcome(context.Background(), domain.Outcome{UUID: id, Success: true}))
	require.NoError(t, f.pool.ReportOutcome(context.Background(), domain.Outcome{UUID: id, Success: false, StatusCode: 500}))

	rec, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.NotEqual(t, domain.HealthUnhealthy, rec.HealthStatus)
	assert.Equal(t, uint64(1), rec.ConsecutiveFailures)
	assert.Equal(t, uint64(5), rec.ErrorCount)
}

func TestReportOutcomeSuccessClearsLastErrorAndRestoresHealth(t *testing.T) {
	f := newFixture(t)
	id := f.addOAuth(t, domain.EndpointAnthropic, time.Now().Add(time.Hour).UTC())

	for i := 0; i < 5; i++ {
		require.NoError(t, f.pool.ReportOutcome(context.Background(), domain.Outcome{
			UUID:       id,
			Success:    false,
			StatusCode: 500,
			Error:      "upstream 500",
		}))
	}

	require.NoError(t, f.pool.ReportOutcome(context.Background(), domain.Outcome{UUID: id, Success: true}))

	rec, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.HealthHealthy, rec.HealthStatus)
	assert.Empty(t, rec.LastError)
	assert.Equal(t, uint64(0), rec.ConsecutiveFailures)
	assert.Equal(t, uint64(5), rec.ErrorCount)
}

func TestReportOutcomeAuthFailureTriggersReactiveRefresh(t *testing.T) {
	f := newFixture(t)
	id := f.addOAuth(t, domain.EndpointAnthropic, time.Now().Add(time.Hour).UTC())

	require.NoError(t, f.pool.ReportOutcome(context.Background(), domain.Outcome{
		UUID:       id,
		Success:    false,
		StatusCode: 401,
		Error:      "token expired",
	}))

	assert.Equal(t, 1, f.refresher.calls)
}

func TestReportOutcomeConcurrentNoLostUpdates(t *testing.T) {
	f := newFixture(t)
	id := f.addOAuth(t, domain.EndpointAnthropic, time.Now().Add(time.Hour).UTC())

	// High threshold so the record stays in rotation during the test.
	f.pool.unhealthyThreshold = 10000

	const n = 200
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			err := f.pool.ReportOutcome(context.Background(), domain.Outcome{
				UUID:       id,
				Success:    false,
				StatusCode: 500,
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	rec, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, uint64(n), rec.ErrorCount)
	assert.Equal(t, uint64(n), rec.ConsecutiveFailures)
}

func TestReportOutcomeUnknownCredential(t *testing.T) {
	f := newFixture(t)
	err := f.pool.ReportOutcome(context.Background(), domain.Outcome{UUID: "missing", Success: true})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestResetClearsCountersKeepsSecrets(t *testing.T) {
	f := newFixture(t)
	expiry := time.Now().Add(time.Hour).UTC()
	id := f.addOAuth(t, domain.EndpointAnthropic, expiry)

	_, err := f.store.Mutate(context.Background(), id, func(rec *domain.CredentialRecord) error {
		rec.UsageCount = 10
		rec.ErrorCount = 3
		rec.ConsecutiveFailures = 3
		rec.LastError = "boom"
		rec.HealthStatus = domain.HealthUnhealthy
		return nil
	})
	require.NoError(t, err)

	before, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)

	require.NoError(t, f.pool.Reset(context.Background(), id))

	rec, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), rec.UsageCount)
	assert.Equal(t, uint64(0), rec.ErrorCount)
	assert.Equal(t, uint64(0), rec.ConsecutiveFailures)
	assert.Empty(t, rec.LastError)
	assert.Equal(t, domain.HealthUnknown, rec.HealthStatus)

	assert.Equal(t, before.OAuth.AccessToken, rec.OAuth.AccessToken)
	assert.Equal(t, before.OAuth.RefreshToken, rec.OAuth.RefreshToken)
	assert.True(t, rec.OAuth.ExpiresAt.Equal(expiry))
}
