package health

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/droidpool/droidpool/internal/domain"
	"github.com/droidpool/droidpool/internal/refresh"
	"github.com/droidpool/droidpool/internal/workos"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

const probeModelAnthropic = "claude-sonnet-4-20250514"
const probeModelOpenAI = "gpt-5-2025-08-07"

// Checker runs out-of-band liveness probes against the provider and writes
// the classification back to the record. It never touches usage_count.
type Checker struct {
	store     domain.CredentialStore
	cipher    domain.SecretCipher
	refresher domain.TokenRefresher
	workos    *workos.Client

	factoryBaseURL string
	skew           time.Duration
	timeout        time.Duration
	httpClient     *http.Client
}

type Config struct {
	Store          domain.CredentialStore
	Cipher         domain.SecretCipher
	Refresher      domain.TokenRefresher
	WorkOS         *workos.Client
	FactoryBaseURL string
	RefreshSkew    time.Duration
	Timeout        time.Duration
}

func NewChecker(cfg Config) *Checker {
	if cfg.FactoryBaseURL == "" {
		cfg.FactoryBaseURL = domain.FactoryAPIBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Checker{
		store:          cfg.Store,
		cipher:         cfg.Cipher,
		refresher:      cfg.Refresher,
		workos:         cfg.WorkOS,
		factoryBaseURL: cfg.FactoryBaseURL,
		skew:           cfg.RefreshSkew,
		timeout:        cfg.Timeout,
		httpClient:     &http.Client{Timeout: cfg.Timeout},
	}
}

// Check probes one credential and persists the resulting health status.
// Transport-level failures classify as unhealthy with the error folded into
// the message; they are never surfaced as a crash.
func (c *Checker) Check(ctx context.Context, id string) (domain.HealthResult, error) {
	rec, err := c.store.Get(ctx, id)
	if err != nil {
		return domain.HealthResult{}, err
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result := c.probe(probeCtx, rec)

	_, err = c.store.Mutate(ctx, id, func(rec *domain.CredentialRecord) error {
		if result.Success {
			rec.HealthStatus = domain.HealthHealthy
			rec.LastError = ""
			rec.ConsecutiveFailures = 0
		} else {
			rec.HealthStatus = domain.HealthUnhealthy
			rec.LastError = result.Message
		}
		return nil
	})
	if err != nil {
		return domain.HealthResult{}, err
	}

	log.Info().
		Str("uuid", id).
		Bool("success", result.Success).
		Msg("Health check completed")

	return result, nil
}

func (c *Checker) probe(ctx context.Context, rec *domain.CredentialRecord) domain.HealthResult {
	switch rec.AuthKind {
	case domain.AuthKindOAuth:
		return c.probeOAuth(ctx, rec)
	case domain.AuthKindAPIKey:
		return c.probeAPIKey(ctx, rec)
	default:
		return domain.HealthResult{Success: false, Message: "unknown auth kind"}
	}
}

// probeOAuth refreshes the token first when stale, then validates it against
// the Factory org endpoint.
func (c *Checker) probeOAuth(ctx context.Context, rec *domain.CredentialRecord) domain.HealthResult {
	if refresh.NeedsRefresh(rec, c.skew) {
		outcome, err := c.refresher.Refresh(ctx, rec.UUID)
		if err != nil {
			return domain.HealthResult{Success: false, Message: fmt.Sprintf("refresh failed: %v", err)}
		}
		if outcome.Status == domain.RefreshFailed {
			return domain.HealthResult{Success: false, Message: fmt.Sprintf("refresh failed: %s", outcome.Reason)}
		}
		fresh, err := c.store.Get(ctx, rec.UUID)
		if err != nil {
			return domain.HealthResult{Success: false, Message: err.Error()}
		}
		rec = fresh
	}

	accessToken, err := c.cipher.Decrypt(rec.OAuth.AccessToken)
	if err != nil {
		return domain.HealthResult{Success: false, Message: err.Error()}
	}

	orgIDs, err := c.workos.FetchOrgIDs(ctx, string(accessToken))
	if err != nil {
		return domain.HealthResult{Success: false, Message: err.Error()}
	}

	return domain.HealthResult{Success: true, Message: fmt.Sprintf("token valid, %d organization(s)", len(orgIDs))}
}

// probeAPIKey issues a minimal one-token completion against the credential's
// endpoint shape using the first active key.
func (c *Checker) probeAPIKey(ctx context.Context, rec *domain.CredentialRecord) domain.HealthResult {
	active := rec.APIKeys.ActiveKeys()
	if len(active) == 0 {
		return domain.HealthResult{Success: false, Message: "no active api keys"}
	}

	key, err := c.cipher.Decrypt(active[0].EncryptedKey)
	if err != nil {
		return domain.HealthResult{Success: false, Message: err.Error()}
	}

	switch rec.Endpoint {
	case domain.EndpointAnthropic:
		return c.probeAnthropic(ctx, string(key))
	case domain.EndpointComm:
		return c.probeChatCompletions(ctx, string(key))
	case domain.EndpointOpenAI:
		return c.probeResponses(ctx, string(key))
	default:
		return domain.HealthResult{Success: false, Message: "unknown endpoint type"}
	}
}

func (c *Checker) probeAnthropic(ctx context.Context, key string) domain.HealthResult {
	client := anthropic.NewClient(
		option.WithAPIKey(key),
		option.WithBaseURL(c.factoryBaseURL+"/a"),
		option.WithHTTPClient(c.httpClient),
		option.WithHeader("User-Agent", domain.FactoryUserAgent),
		option.WithHeader("x-factory-client", domain.FactoryClientName),
	)

	_, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(probeModelAnthropic),
		MaxTokens: 1,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		},
	})
	if err != nil {
		return domain.HealthResult{Success: false, Message: fmt.Sprintf("anthropic probe failed: %v", err)}
	}
	return domain.HealthResult{Success: true}
}

func (c *Checker) probeChatCompletions(ctx context.Context, key string) domain.HealthResult {
	clientConfig := openai.DefaultConfig(key)
	clientConfig.BaseURL = c.factoryBaseURL + "/o/v1"
	clientConfig.HTTPClient = c.httpClient
	client := openai.NewClientWithConfig(clientConfig)

	_, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     probeModelOpenAI,
		MaxTokens: 1,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "ping"},
		},
	})
	if err != nil {
		return domain.HealthResult{Success: false, Message: fmt.Sprintf("chat completions probe failed: %v", err)}
	}
	return domain.HealthResult{Success: true}
}

// probeResponses targets the Responses API shape, which go-openai does not
// model; a minimal request is sent directly.
func (c *Checker) probeResponses(ctx context.Context, key string) domain.HealthResult {
	payload, err := json.Marshal(map[string]interface{}{
		"model":             probeModelOpenAI,
		"input":             "ping",
		"max_output_tokens": 16,
	})
	if err != nil {
		return domain.HealthResult{Success: false, Message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.factoryBaseURL+domain.EndpointPathOpenAI, bytes.NewReader(payload))
	if err != nil {
		return domain.HealthResult{Success: false, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("User-Agent", domain.FactoryUserAgent)
	req.Header.Set("x-factory-client", domain.FactoryClientName)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.HealthResult{Success: false, Message: fmt.Sprintf("responses probe failed: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.HealthResult{Success: false, Message: fmt.Sprintf("responses probe returned %d: %s", resp.StatusCode, body)}
	}
	return domain.HealthResult{Success: true}
}
