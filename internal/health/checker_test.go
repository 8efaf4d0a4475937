package health

import (
	"context"
	"net/http"
	"net/http/httptest"
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

type fixture struct {
	store   *store.Store
	cipher  *crypto.Cipher
	checker *Checker
}

func newFixture(t *testing.T, orgURL, factoryBaseURL string) *fixture {
	t.Helper()

	cipher, err := crypto.NewCipher("test-secret")
	require.NoError(t, err)

	s := store.NewStore("")
	workosClient := workos.NewClient(
		workos.WithOrgURL(orgURL),
		workos.WithTokenURL("http://127.0.0.1:0"),
	)
	refresher := refresh.NewRefresher(refresh.Config{
		Store:   s,
		Cipher:  cipher,
		WorkOS:  workosClient,
		Timeout: 2 * time.Second,
	})

	checker := NewChecker(Config{
		Store:          s,
		Cipher:         cipher,
		Refresher:      refresher,
		WorkOS:         workosClient,
		FactoryBaseURL: factoryBaseURL,
		RefreshSkew:    5 * time.Minute,
		Timeout:        2 * time.Second,
	})

	return &fixture{store: s, cipher: cipher, checker: checker}
}

func (f *fixture) addOAuth(t *testing.T, expiresAt time.Time) string {
	t.Helper()
	encAccess, err := f.cipher.Encrypt([]byte("access-token"))
	require.NoError(t, err)
	encRefresh, err := f.cipher.Encrypt([]byte("refresh-token"))
	require.NoError(t, err)

	id, err := f.store.Add(context.Background(), &domain.CredentialRecord{
		AuthKind: domain.AuthKindOAuth,
		Endpoint: domain.EndpointAnthropic,
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

func (f *fixture) addAPIKey(t *testing.T, endpoint domain.EndpointType) string {
	t.Helper()
	encKey, err := f.cipher.Encrypt([]byte("sk-factory-test"))
	require.NoError(t, err)

	id, err := f.store.Add(context.Background(), &domain.CredentialRecord{
		AuthKind: domain.AuthKindAPIKey,
		Endpoint: endpoint,
		APIKeys: &domain.APIKeyPayload{
			Keys: []domain.APIKeyEntry{
				{ID: "k1", EncryptedKey: encKey, Status: domain.KeyStatusActive, CreatedAt: time.Now().UTC()},
			},
		},
	})
	require.NoError(t, err)
	return id
}

func TestCheckOAuthHealthy(t *testing.T) {
	orgServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer access-token", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"workosOrgIds": ["org_1"]}`))
	}))
	defer orgServer.Close()

	f := newFixture(t, orgServer.URL, "http://127.0.0.1:0")
	id := f.addOAuth(t, time.Now().Add(time.Hour).UTC())

	result, err := f.checker.Check(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, result.Success)

	rec, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.HealthHealthy, rec.HealthStatus)
	assert.Empty(t, rec.LastError)
}

func TestCheckOAuthRejectedToken(t *testing.T) {
	orgServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer orgServer.Close()

	f := newFixture(t, orgServer.URL, "http://127.0.0.1:0")
	id := f.addOAuth(t, time.Now().Add(time.Hour).UTC())

	result, err := f.checker.Check(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Message)

	rec, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.HealthUnhealthy, rec.HealthStatus)
	assert.NotEmpty(t, rec.LastError)
}

func TestCheckTransportFailureIsUnhealthyNotCrash(t *testing.T) {
	// Unroutable org endpoint: the probe must fold the transport error into
	// the message instead of propagating it.
	f := newFixture(t, "http://127.0.0.1:1", "http://127.0.0.1:0")
	id := f.addOAuth(t, time.Now().Add(time.Hour).UTC())

	result, err := f.checker.Check(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Message)
}

func TestCheckAPIKeyAnthropicProbe(t *testing.T) {
	var gotPath, gotAuth string
	factory := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("X-Api-Key") + r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-sonnet-4-20250514",
			"content": [{"type": "text", "text": "ok"}],
			"stop_reason": "max_tokens",
			"usage": {"input_tokens": 1, "output_tokens": 1}
		}`))
	}))
	defer factory.Close()

	f := newFixture(t, "http://127.0.0.1:0", factory.URL)
	id := f.addAPIKey(t, domain.EndpointAnthropic)

	result, err := f.checker.Check(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "/a/v1/messages", gotPath)
	assert.Contains(t, gotAuth, "sk-factory-test")
}

func TestCheckAPIKeyCommProbe(t *testing.T) {
	var gotPath string
	factory := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1", "object": "chat.completion", "model": "gpt-5-2025-08-07",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "ok"}, "finish_reason": "length"}]
		}`))
	}))
	defer factory.Close()

	f := newFixture(t, "http://127.0.0.1:0", factory.URL)
	id := f.addAPIKey(t, domain.EndpointComm)

	result, err := f.checker.Check(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "/o/v1/chat/completions", gotPath)
}

func TestCheckAPIKeyResponsesProbe(t *testing.T) {
	var gotPath, gotAuth string
	factory := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"id": "resp_1", "status": "completed"}`))
	}))
	defer factory.Close()

	f := newFixture(t, "http://127.0.0.1:0", factory.URL)
	id := f.addAPIKey(t, domain.EndpointOpenAI)

	result, err := f.checker.Check(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "/o/v1/responses", gotPath)
	assert.Equal(t, "Bearer sk-factory-test", gotAuth)
}

func TestCheckAPIKeyNoActiveKeys(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:0", "http://127.0.0.1:0")

	encKey, err := f.cipher.Encrypt([]byte("sk-disabled"))
	require.NoError(t, err)
	id, err := f.store.Add(context.Background(), &domain.CredentialRecord{
		AuthKind: domain.AuthKindAPIKey,
		Endpoint: domain.EndpointComm,
		APIKeys: &domain.APIKeyPayload{
			Keys: []domain.APIKeyEntry{{ID: "k1", EncryptedKey: encKey, Status: domain.KeyStatusDisabled}},
		},
	})
	require.NoError(t, err)

	result, err := f.checker.Check(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "no active api keys")
}

func TestCheckUnknownCredential(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:0", "http://127.0.0.1:0")

	_, err := f.checker.Check(context.Background(), "no-such-uuid")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCheckDoesNotTouchUsageCount(t *testing.T) {
	orgServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"workosOrgIds": []}`))
	}))
	defer orgServer.Close()

	f := newFixture(t, orgServer.URL, "http://127.0.0.1:0")
	id := f.addOAuth(t, time.Now().Add(time.Hour).UTC())

	_, err := f.store.Mutate(context.Background(), id, func(rec *domain.CredentialRecord) error {
		rec.UsageCount = 7
		return nil
	})
	require.NoError(t, err)

	_, err = f.checker.Check(context.Background(), id)
	require.NoError(t, err)

	rec, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), rec.UsageCount)
}
