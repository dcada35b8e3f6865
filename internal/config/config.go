// Package config は環境変数（および .env ファイル）から実行設定を読み込む。
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/hitoshi/crmigrate/internal/model"
	"github.com/hitoshi/crmigrate/internal/transform"
)

// DefaultEnvFiles は起動時に読み込む .env ファイル。既に設定済みの環境変数は上書きしない。
var DefaultEnvFiles = []string{".env", ".env.local"}

// Config はインポート実行全体の設定を保持する。
// 起動時に1回読み込み、CLIフラグで上書きした後はイミュータブルとして扱う。
type Config struct {
	// Destination
	DatabaseURL string `env:"DATABASE_URL"`

	// Source
	Source             string        `env:"SOURCE"`
	SourceEncoding     string        `env:"SOURCE_ENCODING" envDefault:"utf-8"`
	SourceFetchTimeout time.Duration `env:"SOURCE_FETCH_TIMEOUT" envDefault:"60s"`
	RequiredSources    []string      `env:"REQUIRED_SOURCES" envSeparator:","`

	// Sink
	BatchSize        int           `env:"BATCH_SIZE" envDefault:"100"`
	SinkWorkers      int           `env:"SINK_WORKERS" envDefault:"4"`
	SinkTimeout      time.Duration `env:"SINK_TIMEOUT" envDefault:"30s"`
	SinkMaxRetries   int           `env:"SINK_MAX_RETRIES" envDefault:"3"`
	SinkRetryBackoff time.Duration `env:"SINK_RETRY_BACKOFF" envDefault:"500ms"`
	SinkRateLimit    float64       `env:"SINK_RATE_LIMIT" envDefault:"0"`

	// Identity
	IdentityStorePath string `env:"IDENTITY_STORE_PATH" envDefault:"identity.db"`

	// Output
	ReportPath  string `env:"REPORT_PATH"`
	MetricsAddr string `env:"METRICS_ADDR"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	DryRun bool `env:"DRY_RUN"`
}

// LoadEnv は存在する .env ファイルだけを読み込み、読み込んだファイル数を返す。
func LoadEnv(files []string) (int, error) {
	existing := make([]string, 0, len(files))
	for _, f := range files {
		if info, err := os.Stat(f); err == nil && !info.IsDir() {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return 0, nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return 0, fmt.Errorf("failed to load env files: %w", err)
	}
	return len(existing), nil
}

// Load は .env ファイルと環境変数からConfigを読み込む。
// 型変換に失敗した場合は *model.ConfigurationError を返す。必須項目の検証は Validate* で行う。
func Load(envFiles ...string) (*Config, error) {
	if _, err := LoadEnv(envFiles); err != nil {
		return nil, &model.ConfigurationError{Reason: err.Error()}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, &model.ConfigurationError{Reason: err.Error()}
	}
	return cfg, nil
}

// ValidateImport はインポート実行に必要な設定を検証する。
// 未設定の必須項目はすべてまとめて Missing に列挙する。
func (c *Config) ValidateImport() error {
	var missing []string
	if c.Source == "" {
		missing = append(missing, "SOURCE")
	}
	if c.DatabaseURL == "" && !c.DryRun {
		missing = append(missing, "DATABASE_URL")
	}

	var problems []string
	if c.BatchSize <= 0 {
		problems = append(problems, fmt.Sprintf("BATCH_SIZE must be positive, got %d", c.BatchSize))
	}
	if c.SinkWorkers <= 0 {
		problems = append(problems, fmt.Sprintf("SINK_WORKERS must be positive, got %d", c.SinkWorkers))
	}
	if c.SinkMaxRetries < 0 {
		problems = append(problems, fmt.Sprintf("SINK_MAX_RETRIES must not be negative, got %d", c.SinkMaxRetries))
	}
	if c.SinkRateLimit < 0 {
		problems = append(problems, fmt.Sprintf("SINK_RATE_LIMIT must not be negative, got %g", c.SinkRateLimit))
	}
	if _, err := c.RequiredEntities(); err != nil {
		problems = append(problems, err.Error())
	}

	if len(missing) == 0 && len(problems) == 0 {
		return nil
	}
	return &model.ConfigurationError{Missing: missing, Reason: strings.Join(problems, "; ")}
}

// ValidateMigrate はマイグレーション実行に必要な設定を検証する。
func (c *Config) ValidateMigrate() error {
	if c.DatabaseURL == "" {
		return &model.ConfigurationError{Missing: []string{"DATABASE_URL"}}
	}
	return nil
}

// RequiredEntities は REQUIRED_SOURCES をエンティティ種別に変換する。
// エンティティ名（clients）とファイル名（clients.csv）のどちらも受け付ける。
func (c *Config) RequiredEntities() ([]model.EntityType, error) {
	var entities []model.EntityType
	var unknown []string
	for _, name := range c.RequiredSources {
		name = strings.TrimSuffix(strings.TrimSpace(name), ".csv")
		if name == "" {
			continue
		}
		spec, ok := transform.Lookup(model.EntityType(name))
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		entities = append(entities, spec.Entity)
	}
	if len(unknown) > 0 {
		return nil, errors.New("REQUIRED_SOURCES contains unknown entities: " + strings.Join(unknown, ", "))
	}
	return entities, nil
}
