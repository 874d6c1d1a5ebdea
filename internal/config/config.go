package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Ingest  Ingest  `yaml:"ingest"`
	LLM     LLM     `yaml:"llm"`
	Filter  Filter  `yaml:"filter"`
	Extract Extract `yaml:"extract"`
	Cluster Cluster `yaml:"cluster"`
	Verify  Verify  `yaml:"verify"`
	Trend   Trend   `yaml:"trend"`
	Scoring Scoring `yaml:"scoring"`
	Jobs    Jobs    `yaml:"jobs"`
	Output  Output  `yaml:"output"`
	Server  Server  `yaml:"server"`
	Logging Logging `yaml:"logging"`
}

type Ingest struct {
	Dir               string `yaml:"dir"`
	DefaultSampleSize int    `yaml:"default_sample_size"`
}

type LLM struct {
	Provider          string  `yaml:"provider"`
	Model             string  `yaml:"model"`
	OllamaURL         string  `yaml:"ollama_url"`
	EmbeddingModel    string  `yaml:"embedding_model"`
	OpenAIModel       string  `yaml:"openai_model"`
	APIKeyEnv         string  `yaml:"api_key_env"`
	AnthropicModel    string  `yaml:"anthropic_model"`
	AnthropicKeyEnv   string  `yaml:"anthropic_key_env"`
	MaxTokens         int     `yaml:"max_tokens"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	Concurrency       int     `yaml:"concurrency"`
	Retry             Retry   `yaml:"retry"`
}

type Retry struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// Marker is a weighted phrase used by the signal filter.
type Marker struct {
	Phrase   string `yaml:"phrase"`
	Weight   int    `yaml:"weight"`
	Category string `yaml:"category"`
}

type Filter struct {
	MinLength          int      `yaml:"min_length"`
	Cutoff             int      `yaml:"cutoff"`
	MaxComments        int      `yaml:"max_comments"`
	ShortPraiseLength  int      `yaml:"short_praise_length"`
	ShortPraisePenalty int      `yaml:"short_praise_penalty"`
	Markers            []Marker `yaml:"markers"`
}

type Extract struct {
	BatchCharBudget int `yaml:"batch_char_budget"`
}

type Cluster struct {
	Method              string  `yaml:"method"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	DistanceThreshold   float64 `yaml:"distance_threshold"`
}

type Verify struct {
	WindowWords            int           `yaml:"window_words"`
	MinCoverage            float64       `yaml:"min_coverage"`
	ExcerptChars           int           `yaml:"excerpt_chars"`
	SaturatedMinConfidence float64       `yaml:"saturated_min_confidence"`
	Concurrency            int           `yaml:"concurrency"`
	Cache                  string        `yaml:"cache"`
	RedisAddr              string        `yaml:"redis_addr"`
	CacheTTL               time.Duration `yaml:"cache_ttl"`
}

type Trend struct {
	Enabled     bool          `yaml:"enabled"`
	URL         string        `yaml:"url"`
	Timeout     time.Duration `yaml:"timeout"`
	Concurrency int           `yaml:"concurrency"`
}

type Scoring struct {
	Status               StatusWeights `yaml:"status"`
	Trend                TrendWeights  `yaml:"trend"`
	TitlesPerOpportunity int           `yaml:"titles_per_opportunity"`
}

type StatusWeights struct {
	TrueGap        float64 `yaml:"true_gap"`
	UnderExplained float64 `yaml:"under_explained"`
}

type TrendWeights struct {
	Rising  float64 `yaml:"rising"`
	Stable  float64 `yaml:"stable"`
	Falling float64 `yaml:"falling"`
}

type Jobs struct {
	Store         string        `yaml:"store"`
	DatabaseURL   string        `yaml:"database_url"`
	Workers       int           `yaml:"workers"`
	Timeout       time.Duration `yaml:"timeout"`
	StuckAfter    time.Duration `yaml:"stuck_after"`
	SweepSchedule string        `yaml:"sweep_schedule"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

type Server struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type Logging struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// ConfigDir returns the XDG config directory for gapfinder.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "gapfinder")
}

// DataDir returns the XDG data directory for gapfinder.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "gapfinder")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/gapfinder/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'gapfinder init' to create a default config",
		xdgConfig,
	)
}

// LoadEnvFiles loads API keys from .env files: <dir>/.env first, then ./.env.
// Variables already set in the environment win. Missing files are skipped.
func LoadEnvFiles(dir string) error {
	for _, path := range []string{filepath.Join(dir, ".env"), ".env"} {
		if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("loading %s: %w", path, err)
		}
	}
	return nil
}

// Load reads and parses a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// Default returns the configuration with every default applied.
func Default() *Config {
	cfg, err := parse(DefaultConfigYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded default config is invalid: %v", err))
	}
	return cfg
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Ingest: Ingest{DefaultSampleSize: 10},
		LLM: LLM{
			Provider:          "ollama",
			Model:             "qwen2.5:7b",
			OllamaURL:         "http://localhost:11434",
			EmbeddingModel:    "nomic-embed-text",
			OpenAIModel:       "gpt-4o-mini",
			APIKeyEnv:         "OPENAI_API_KEY",
			AnthropicModel:    "claude-3-5-haiku-latest",
			AnthropicKeyEnv:   "ANTHROPIC_API_KEY",
			MaxTokens:         1024,
			RequestsPerSecond: 2,
			Burst:             4,
			Concurrency:       4,
			Retry: Retry{
				MaxAttempts:  3,
				InitialDelay: time.Second,
				MaxDelay:     20 * time.Second,
				Multiplier:   2,
			},
		},
		Filter: Filter{
			MinLength:          15,
			Cutoff:             2,
			MaxComments:        120,
			ShortPraiseLength:  40,
			ShortPraisePenalty: -2,
		},
		Extract: Extract{BatchCharBudget: 6000},
		Cluster: Cluster{
			Method:              "lexical",
			SimilarityThreshold: 0.6,
			DistanceThreshold:   0.9,
		},
		Verify: Verify{
			WindowWords:            120,
			MinCoverage:            0.5,
			ExcerptChars:           1200,
			SaturatedMinConfidence: 0.6,
			Concurrency:            4,
			Cache:                  "memory",
			CacheTTL:               7 * 24 * time.Hour,
		},
		Trend: Trend{
			Timeout:     10 * time.Second,
			Concurrency: 4,
		},
		Scoring: Scoring{
			Status:               StatusWeights{TrueGap: 1.5, UnderExplained: 1.0},
			Trend:                TrendWeights{Rising: 1.25, Stable: 1.0, Falling: 0.8},
			TitlesPerOpportunity: 3,
		},
		Jobs: Jobs{
			Store:         "sqlite",
			Workers:       2,
			Timeout:       30 * time.Minute,
			StuckAfter:    10 * time.Minute,
			SweepSchedule: "@every 1m",
		},
		Server:  Server{Host: "127.0.0.1", Port: 8000},
		Logging: Logging{Level: "info"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

// GetIngestDir returns the directory the ingestion adapter reads from.
func (c *Config) GetIngestDir() string {
	if c.Ingest.Dir != "" {
		return c.Ingest.Dir
	}
	return filepath.Join(c.GetDataDir(), "channels")
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
