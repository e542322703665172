package providers

import "fmt"

// AnthropicConfig configures the Anthropic adapter.
type AnthropicConfig struct {
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

// DefaultAnthropicConfig returns the production defaults.
func DefaultAnthropicConfig() AnthropicConfig {
	return AnthropicConfig{
		Model:     "claude-haiku-4-5-20251001",
		MaxTokens: 2048,
	}
}

func (c AnthropicConfig) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("anthropic: api key is required")
	}
	return nil
}

// OpenAIConfig configures the OpenAI adapter.
type OpenAIConfig struct {
	APIKey         string  `yaml:"api_key"`
	BaseURL        string  `yaml:"base_url"`
	Model          string  `yaml:"model"`
	EmbeddingModel string  `yaml:"embedding_model"`
	MaxTokens      int     `yaml:"max_tokens"`
	Temperature    float64 `yaml:"temperature"`
}

// DefaultOpenAIConfig returns the production defaults.
func DefaultOpenAIConfig() OpenAIConfig {
	return OpenAIConfig{
		Model:          "gpt-4o-mini",
		EmbeddingModel: "text-embedding-3-small",
		MaxTokens:      2048,
	}
}

func (c OpenAIConfig) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("openai: api key is required")
	}
	return nil
}

// GoogleConfig configures the Google adapter.
type GoogleConfig struct {
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	EmbeddingModel string `yaml:"embedding_model"`
	MaxTokens      int    `yaml:"max_tokens"`
}

// DefaultGoogleConfig returns the production defaults.
func DefaultGoogleConfig() GoogleConfig {
	return GoogleConfig{
		Model:          "gemini-2.0-flash",
		EmbeddingModel: "text-embedding-004",
		MaxTokens:      2048,
	}
}

func (c GoogleConfig) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("google: api key is required")
	}
	return nil
}
