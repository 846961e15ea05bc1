package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the report generation service
type Config struct {
	General  GeneralConfig  `mapstructure:"general"`
	Server   ServerConfig   `mapstructure:"server"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Storage  StorageConfig  `mapstructure:"storage"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address       string `mapstructure:"address"`
	StreamEnabled bool   `mapstructure:"stream_enabled"`
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type    string              `mapstructure:"type"` // openai-compatible chat completions
	APIKey  string              `mapstructure:"api_key"`
	BaseURL string              `mapstructure:"base_url"`
	Models  map[string]LLMModel `mapstructure:"models"`
	Timeout time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	Name        string  `mapstructure:"name"`
	APIName     string  `mapstructure:"api_name"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

// LLMRoutingConfig maps the requested model variant to configured models.
// Under the hybrid variant, planning-style stages (questions, title, outline)
// use the deep model and bulk text generation uses the fast model.
type LLMRoutingConfig struct {
	Fast string `mapstructure:"fast"`
	Deep string `mapstructure:"deep"`
}

// PipelineConfig contains stage budgets for the report pipeline.
// The character limits are hard cutoffs applied when a stage forwards a
// previous stage's bulk text; truncation never summarizes.
type PipelineConfig struct {
	QuestionCount        int           `mapstructure:"question_count"`
	QAContextChars       int           `mapstructure:"qa_context_chars"`
	SectionPriorChars    int           `mapstructure:"section_prior_chars"`
	SectionResearchChars int           `mapstructure:"section_research_chars"`
	SummaryReportChars   int           `mapstructure:"summary_report_chars"`
	CompletedTTL         time.Duration `mapstructure:"completed_ttl"`
	ErrorTTL             time.Duration `mapstructure:"error_ttl"`
	SweepInterval        time.Duration `mapstructure:"sweep_interval"`
	SnapshotCacheTTL     time.Duration `mapstructure:"snapshot_cache_ttl"`
}

// Validate checks pipeline budgets are usable.
func (p PipelineConfig) Validate() error {
	if p.QuestionCount <= 0 {
		return fmt.Errorf("pipeline.question_count must be > 0")
	}
	if p.CompletedTTL <= 0 || p.ErrorTTL <= 0 {
		return fmt.Errorf("pipeline.completed_ttl and pipeline.error_ttl must be > 0")
	}
	if p.SweepInterval <= 0 {
		return fmt.Errorf("pipeline.sweep_interval must be > 0")
	}
	return nil
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a postgres connection string from the configured fields.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether a redis snapshot cache is configured at all.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Host) != "" && strings.TrimSpace(r.Port) != ""
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.SetDefault("server.address", ":10030")
	viper.SetDefault("server.stream_enabled", true)
	viper.SetDefault("pipeline.question_count", 5)
	viper.SetDefault("pipeline.qa_context_chars", 3000)
	viper.SetDefault("pipeline.section_prior_chars", 3000)
	viper.SetDefault("pipeline.section_research_chars", 4000)
	viper.SetDefault("pipeline.summary_report_chars", 12000)
	viper.SetDefault("pipeline.completed_ttl", time.Hour)
	viper.SetDefault("pipeline.error_ttl", 10*time.Minute)
	viper.SetDefault("pipeline.sweep_interval", time.Minute)
	viper.SetDefault("pipeline.snapshot_cache_ttl", 24*time.Hour)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("DEEPSCRIBE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// defaults plus env vars are a valid configuration on their own
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			panic(fmt.Errorf("fatal error config file: %w", err))
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	if err := config.Pipeline.Validate(); err != nil {
		panic(err)
	}
	return &config
}
