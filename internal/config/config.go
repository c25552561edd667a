package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

type Config struct {
	DataDir   string `json:"data_dir"`
	LogLevel  string `json:"log_level"`
	ServerURL string `json:"server_url"`
	HTTP      struct {
		Listen     string `json:"listen"`
		MaxStreams int    `json:"max_streams"`
	} `json:"http"`
	LLM struct {
		Provider    string  `json:"provider"`
		BaseURL     string  `json:"base_url"`
		APIKey      string  `json:"api_key"`
		Model       string  `json:"model"`
		MaxTokens   int     `json:"max_tokens"`
		Temperature float32 `json:"temperature"`
	} `json:"llm"`
	Embedding struct {
		BaseURL string `json:"base_url"`
		APIKey  string `json:"api_key"`
		Model   string `json:"model"`
	} `json:"embedding"`
	VectorStore struct {
		URL        string `json:"url"`
		APIKey     string `json:"api_key"`
		Collection string `json:"collection"`
	} `json:"vector_store"`
	Retrieval struct {
		Threshold       float64 `json:"threshold"`
		Limit           int     `json:"limit"`
		TokenBudget     int     `json:"token_budget"`
		MaxContentChars int     `json:"max_content_chars"`
	} `json:"retrieval"`
	RateLimit struct {
		Turns         int    `json:"turns"`
		WindowMinutes int    `json:"window_minutes"`
		PruneSchedule string `json:"prune_schedule"`
	} `json:"rate_limit"`
	Telegram struct {
		Token string `json:"token"`
	} `json:"telegram"`
}

func Load(path string) (*Config, error) {
	// .env is optional; env vars already set win.
	_ = godotenv.Load()

	cfg := &Config{
		DataDir:   filepath.Join(os.Getenv("HOME"), ".recall"),
		LogLevel:  "info",
		ServerURL: "http://127.0.0.1:8787",
	}
	cfg.HTTP.Listen = "127.0.0.1:8787"
	cfg.HTTP.MaxStreams = 8
	cfg.LLM.Provider = "openai"
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.MaxTokens = 2000
	cfg.LLM.Temperature = 0.7
	cfg.Embedding.BaseURL = "https://api.openai.com/v1"
	cfg.Embedding.Model = "text-embedding-3-small"
	cfg.VectorStore.URL = "http://127.0.0.1:6333"
	cfg.VectorStore.Collection = "posts"
	cfg.Retrieval.Threshold = 0.7
	cfg.Retrieval.Limit = 10
	cfg.Retrieval.TokenBudget = 4000
	cfg.Retrieval.MaxContentChars = 2000
	cfg.RateLimit.Turns = 20
	cfg.RateLimit.WindowMinutes = 60
	cfg.RateLimit.PruneSchedule = "@every 15m"

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		if err := writeDefaults(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		cfg.LLM.APIKey = apiKey
		if cfg.Embedding.APIKey == "" {
			cfg.Embedding.APIKey = apiKey
		}
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.LLM.BaseURL = baseURL
	}
	if key := os.Getenv("QDRANT_API_KEY"); key != "" {
		cfg.VectorStore.APIKey = key
	}
	if url := os.Getenv("QDRANT_URL"); url != "" {
		cfg.VectorStore.URL = url
	}
	if tgToken := os.Getenv("TELEGRAM_BOT_TOKEN"); tgToken != "" {
		cfg.Telegram.Token = tgToken
	}

	return cfg, nil
}

func writeDefaults(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename default config: %w", err)
	}
	return nil
}
