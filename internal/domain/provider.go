package domain

import "strings"

// Factory API constants, shared by the selector, health checker and proxy
// headers.
const (
	FactoryAPIBaseURL = "https://api.factory.ai/api/llm"
	FactoryUserAgent  = "factory-cli/0.32.1"
	FactoryClientName = "cli"

	EndpointPathAnthropic = "/a/v1/messages"
	EndpointPathOpenAI    = "/o/v1/responses"
	EndpointPathComm      = "/o/v1/chat/completions"
)

// EndpointPath returns the request path for an endpoint type.
func EndpointPath(e EndpointType) string {
	switch e {
	case EndpointOpenAI:
		return EndpointPathOpenAI
	case EndpointComm:
		return EndpointPathComm
	default:
		return EndpointPathAnthropic
	}
}

// ModelInfo describes one model reachable through the Droid endpoints.
type ModelInfo struct {
	ID            string `json:"id"`
	DisplayName   string `json:"display_name"`
	Family        string `json:"family,omitempty"`
	ContextLength int    `json:"context_length,omitempty"`
	SupportsTools bool   `json:"supports_tools"`
}

// ListModels returns the static Droid model table.
func ListModels() []ModelInfo {
	return []ModelInfo{
		{ID: "claude-opus-4-1-20250805", DisplayName: "Claude Opus 4.1", Family: "opus", ContextLength: 200000, SupportsTools: true},
		{ID: "claude-sonnet-4-5-20250929", DisplayName: "Claude Sonnet 4.5", Family: "sonnet", ContextLength: 200000, SupportsTools: true},
		{ID: "claude-sonnet-4-20250514", DisplayName: "Claude Sonnet 4", Family: "sonnet", ContextLength: 200000, SupportsTools: true},
		{ID: "gpt-5-2025-08-07", DisplayName: "GPT-5", Family: "gpt", ContextLength: 128000, SupportsTools: true},
	}
}

// SupportsModel reports whether a model id is routable through the pool.
func SupportsModel(model string) bool {
	return strings.HasPrefix(model, "claude-") || strings.HasPrefix(model, "gpt-")
}

// OutcomeClass categorizes an upstream failure so the routing layer can make
// fallback decisions and the pool can trigger reactive refreshes.
type OutcomeClass struct {
	Type            string `json:"type"`
	Retryable       bool   `json:"retryable"`
	CooldownSeconds int    `json:"cooldown_seconds,omitempty"`
}

// ClassifyStatus maps an upstream HTTP status to an outcome class. A zero
// status (transport failure before any response) classifies as a retryable
// server error.
func ClassifyStatus(status int) OutcomeClass {
	switch {
	case status == 401:
		return OutcomeClass{Type: "authentication", Retryable: true}
	case status == 403:
		return OutcomeClass{Type: "authorization", Retryable: false}
	case status == 429:
		return OutcomeClass{Type: "rate_limit", Retryable: true, CooldownSeconds: 60}
	case status >= 500 || status == 0:
		return OutcomeClass{Type: "server_error", Retryable: true, CooldownSeconds: 10}
	default:
		return OutcomeClass{Type: "request_error", Retryable: false}
	}
}
