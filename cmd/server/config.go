package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/MegaGrindStone/relaychat/internal/observability"
	"github.com/MegaGrindStone/relaychat/internal/relay"
	"github.com/MegaGrindStone/relaychat/internal/services"
	"gopkg.in/yaml.v3"
)

type llmConfig interface {
	llm(logger *slog.Logger) (relay.LLM, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	services.LLMParameters `yaml:",inline"`
}

const (
	storeBolt   = "bolt"
	storeSQLite = "sqlite"
	storeMemory = "memory"

	defaultPort       = "8080"
	defaultOllamaHost = "http://localhost:11434"
)

type config struct {
	Port                 string
	SystemPrompt         string
	MaxHistoryPairs      int
	IdleTimeout          time.Duration
	MaxConcurrentStreams int64

	Store   storeConfig
	LLM     llmConfig
	Log     observability.LogConfig
	Tracing observability.TracingConfig
}

type storeConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	// TrimHistory makes the memory backend keep only the last maxHistoryPairs exchanges of each session.
	// The durable backends always keep the full history.
	TrimHistory bool `yaml:"trimHistory"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
}

type openRouterConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port                 string                      `yaml:"port"`
		SystemPrompt         string                      `yaml:"systemPrompt"`
		MaxHistoryPairs      int                         `yaml:"maxHistoryPairs"`
		IdleTimeout          time.Duration               `yaml:"idleTimeout"`
		MaxConcurrentStreams int64                       `yaml:"maxConcurrentStreams"`
		Store                storeConfig                 `yaml:"store"`
		LLM                  map[string]any              `yaml:"llm"`
		Log                  observability.LogConfig     `yaml:"log"`
		Tracing              observability.TracingConfig `yaml:"tracing"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.SystemPrompt = rawConfig.SystemPrompt
	c.MaxHistoryPairs = rawConfig.MaxHistoryPairs
	c.IdleTimeout = rawConfig.IdleTimeout
	c.MaxConcurrentStreams = rawConfig.MaxConcurrentStreams
	c.Store = rawConfig.Store
	c.Log = rawConfig.Log
	c.Tracing = rawConfig.Tracing

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "openai":
		llm = &openAIConfig{}
	case "ollama":
		llm = &ollamaConfig{}
	case "anthropic":
		llm = &anthropicConfig{}
	case "openrouter":
		llm = &openRouterConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm

	return nil
}

// loadConfig reads the config file at path and fills in defaults. dataDir is where the durable
// stores live when no store path is configured.
func loadConfig(path, dataDir string) (config, error) {
	f, err := os.Open(path)
	if err != nil {
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer f.Close()

	cfg := config{}
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}
	if err := cfg.applyDefaults(dataDir); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (c *config) applyDefaults(dataDir string) error {
	if c.Port == "" {
		c.Port = defaultPort
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = relay.DefaultSystemPrompt
	}
	if c.MaxHistoryPairs <= 0 {
		c.MaxHistoryPairs = relay.DefaultMaxHistoryPairs
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = relay.DefaultIdleTimeout
	}
	if c.MaxConcurrentStreams <= 0 {
		c.MaxConcurrentStreams = relay.DefaultMaxConcurrent
	}
	if c.LLM == nil {
		return errors.New("llm is required")
	}

	switch c.Store.Backend {
	case "":
		c.Store.Backend = storeBolt
		fallthrough
	case storeBolt:
		if c.Store.Path == "" {
			c.Store.Path = filepath.Join(dataDir, "store.db")
		}
	case storeSQLite:
		if c.Store.Path == "" {
			c.Store.Path = filepath.Join(dataDir, "store.sqlite")
		}
	case storeMemory:
	default:
		return fmt.Errorf("unknown store backend: %s", c.Store.Backend)
	}
	return nil
}

func (o openAIConfig) llm(logger *slog.Logger) (relay.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return services.NewOpenAI(apiKey, o.BaseURL, o.Model, o.LLMParameters, logger), nil
}

func (o ollamaConfig) llm(*slog.Logger) (relay.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = defaultOllamaHost
	}
	return services.NewOllama(host, o.Model, o.LLMParameters)
}

func (a anthropicConfig) llm(*slog.Logger) (relay.LLM, error) {
	if a.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if a.MaxTokens == 0 {
		return nil, fmt.Errorf("maxTokens is required")
	}

	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return services.NewAnthropic(apiKey, a.BaseURL, a.Model, a.LLMParameters), nil
}

func (o openRouterConfig) llm(logger *slog.Logger) (relay.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENROUTER_API_KEY")
	}
	return services.NewOpenRouter(apiKey, o.BaseURL, o.Model, o.LLMParameters, logger), nil
}
