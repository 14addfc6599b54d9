package ai

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Providers understood by NewBackend.
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// BackendConfig selects and configures a backend.
type BackendConfig struct {
	Provider    string
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
	OllamaURL   string
	Logger      zerolog.Logger
}

// NewBackend builds the backend named by cfg.Provider.
func NewBackend(cfg BackendConfig) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", ProviderOpenAI:
		backend, err := NewOpenAIBackend(OpenAIConfig{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: float32(cfg.Temperature),
			Logger:      cfg.Logger,
		})
		if err != nil {
			return nil, err
		}
		return backend, nil
	case ProviderOllama:
		backend, err := NewOllamaBackend(OllamaConfig{
			ServerURL:   cfg.OllamaURL,
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
			Logger:      cfg.Logger,
		})
		if err != nil {
			return nil, err
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("unsupported ai provider %q", cfg.Provider)
	}
}
