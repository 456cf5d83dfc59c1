package providers

import "time"

// BaseProviderConfig carries the configuration fields every provider
// shares. Embedding it gives each provider's Config the APIKey, BaseURL,
// Model and Timeout fields without redefining them.
type BaseProviderConfig struct {
	APIKey  string        `json:"api_key" yaml:"api_key"`
	APIKeys []string      `json:"api_keys,omitempty" yaml:"api_keys,omitempty"`
	BaseURL string        `json:"base_url" yaml:"base_url"`
	Model   string        `json:"model,omitempty" yaml:"model,omitempty"`
	Models  []string      `json:"models,omitempty" yaml:"models,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// OpenAIConfig configures the OpenAI provider.
type OpenAIConfig struct {
	BaseProviderConfig `yaml:",inline"`
	Organization       string `json:"organization,omitempty" yaml:"organization,omitempty"`
	UseResponsesAPI    bool   `json:"use_responses_api,omitempty" yaml:"use_responses_api,omitempty"`
}

// ClaudeConfig configures the Anthropic Claude provider.
type ClaudeConfig struct {
	BaseProviderConfig `yaml:",inline"`
	// AuthType selects the authentication header: "api_key" (default,
	// x-api-key) or "bearer" (Authorization: Bearer).
	AuthType string `json:"auth_type,omitempty" yaml:"auth_type,omitempty"`
	// AnthropicVersion overrides the anthropic-version header, default
	// "2023-06-01".
	AnthropicVersion string `json:"anthropic_version,omitempty" yaml:"anthropic_version,omitempty"`
}
