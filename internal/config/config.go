package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/track-enricher/internal/model"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig     `yaml:"store" mapstructure:"store"`
	Log         LogConfig       `yaml:"log" mapstructure:"log"`
	Server      ServerConfig    `yaml:"server" mapstructure:"server"`
	Jina        JinaConfig      `yaml:"jina" mapstructure:"jina"`
	Songlink    SonglinkConfig  `yaml:"songlink" mapstructure:"songlink"`
	Anthropic   AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Enrich      EnrichConfig    `yaml:"enrich" mapstructure:"enrich"`
	Embedding   StrategyConfig  `yaml:"embedding" mapstructure:"embedding"`
	Platforms   StrategyConfig  `yaml:"platforms" mapstructure:"platforms"`
	ReleaseDate StrategyConfig  `yaml:"release_date" mapstructure:"release_date"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the control surface.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// JinaConfig holds Jina embeddings settings.
type JinaConfig struct {
	Key               string `yaml:"key" mapstructure:"key"`
	BaseURL           string `yaml:"base_url" mapstructure:"base_url"`
	Model             string `yaml:"model" mapstructure:"model"`
	Dimensions        int    `yaml:"dimensions" mapstructure:"dimensions"`
	RequestsPerMinute int    `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// SonglinkConfig holds Odesli link resolver settings. The key is optional;
// without one the public rate limit applies.
type SonglinkConfig struct {
	Key               string `yaml:"key" mapstructure:"key"`
	BaseURL           string `yaml:"base_url" mapstructure:"base_url"`
	UserCountry       string `yaml:"user_country" mapstructure:"user_country"`
	RequestsPerMinute int    `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// AnthropicConfig holds Anthropic API settings. Without a key release dates
// come from the genre heuristic only.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// EnrichConfig configures task supervision.
type EnrichConfig struct {
	Continuous              bool     `yaml:"continuous" mapstructure:"continuous"`
	IdleIntervalSecs        int      `yaml:"idle_interval_secs" mapstructure:"idle_interval_secs"`
	TaskRetentionMins       int      `yaml:"task_retention_mins" mapstructure:"task_retention_mins"`
	MaxRestarts             int      `yaml:"max_restarts" mapstructure:"max_restarts"`
	RestartInitialBackoffMs int      `yaml:"restart_initial_backoff_ms" mapstructure:"restart_initial_backoff_ms"`
	RestartMaxBackoffMs     int      `yaml:"restart_max_backoff_ms" mapstructure:"restart_max_backoff_ms"`
	Kinds                   []string `yaml:"kinds" mapstructure:"kinds"`
}

// IdleInterval returns the pause between completed passes.
func (e EnrichConfig) IdleInterval() time.Duration {
	return time.Duration(e.IdleIntervalSecs) * time.Second
}

// TaskRetention returns how long finished tasks stay in memory.
func (e EnrichConfig) TaskRetention() time.Duration {
	return time.Duration(e.TaskRetentionMins) * time.Minute
}

// StrategyConfig holds the pacing parameters of one task kind.
type StrategyConfig struct {
	Enabled        bool `yaml:"enabled" mapstructure:"enabled"`
	BatchSize      int  `yaml:"batch_size" mapstructure:"batch_size"`
	BatchDelayMs   int  `yaml:"batch_delay_ms" mapstructure:"batch_delay_ms"`
	MaxPerInterval int  `yaml:"max_per_interval" mapstructure:"max_per_interval"`
	IntervalSecs   int  `yaml:"interval_secs" mapstructure:"interval_secs"`
}

// Strategy returns the settings for kind.
func (c *Config) Strategy(kind model.TaskKind) StrategyConfig {
	switch kind {
	case model.KindEmbedding:
		return c.Embedding
	case model.KindPlatforms:
		return c.Platforms
	case model.KindReleaseDate:
		return c.ReleaseDate
	}
	return StrategyConfig{}
}

// EnabledKinds returns the kinds to run, in canonical order. enrich.kinds,
// when set, narrows the enabled set further.
func (c *Config) EnabledKinds() []model.TaskKind {
	allow := make(map[model.TaskKind]bool, len(c.Enrich.Kinds))
	for _, k := range c.Enrich.Kinds {
		if kind, ok := model.ParseKind(strings.TrimSpace(k)); ok {
			allow[kind] = true
		}
	}
	var out []model.TaskKind
	for _, kind := range model.AllKinds() {
		if !c.Strategy(kind).Enabled {
			continue
		}
		if len(allow) > 0 && !allow[kind] {
			continue
		}
		out = append(out, kind)
	}
	return out
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ENRICHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("jina.key", "")
	v.SetDefault("jina.base_url", "https://api.jina.ai")
	v.SetDefault("jina.model", "jina-embeddings-v3")
	v.SetDefault("jina.dimensions", 1024)
	v.SetDefault("jina.requests_per_minute", 60)
	v.SetDefault("songlink.key", "")
	v.SetDefault("songlink.base_url", "https://api.song.link")
	v.SetDefault("songlink.user_country", "US")
	v.SetDefault("songlink.requests_per_minute", 10)
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 64)
	v.SetDefault("enrich.continuous", true)
	v.SetDefault("enrich.idle_interval_secs", 300)
	v.SetDefault("enrich.task_retention_mins", 60)
	v.SetDefault("enrich.max_restarts", 10)
	v.SetDefault("enrich.restart_initial_backoff_ms", 1000)
	v.SetDefault("enrich.restart_max_backoff_ms", 300000)
	v.SetDefault("enrich.kinds", []string{})
	v.SetDefault("embedding.enabled", true)
	v.SetDefault("embedding.batch_size", 20)
	v.SetDefault("embedding.batch_delay_ms", 1000)
	v.SetDefault("embedding.max_per_interval", 0)
	v.SetDefault("embedding.interval_secs", 3600)
	v.SetDefault("platforms.enabled", true)
	v.SetDefault("platforms.batch_size", 10)
	v.SetDefault("platforms.batch_delay_ms", 2000)
	v.SetDefault("platforms.max_per_interval", 500)
	v.SetDefault("platforms.interval_secs", 3600)
	v.SetDefault("release_date.enabled", true)
	v.SetDefault("release_date.batch_size", 20)
	v.SetDefault("release_date.batch_delay_ms", 500)
	v.SetDefault("release_date.max_per_interval", 1000)
	v.SetDefault("release_date.interval_secs", 3600)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode needs. Modes: "serve" and
// "enrich" run strategies; "migrate" and "status" only touch the store.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for postgres")
		}
	case "sqlite":
	default:
		errs = append(errs, "store.driver must be postgres or sqlite")
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be > 0 and <= 65535")
		}
		if len(c.EnabledKinds()) == 0 {
			errs = append(errs, "at least one strategy must be enabled")
		}
		errs = append(errs, c.validateStrategies()...)
		if c.Enrich.MaxRestarts < 0 {
			errs = append(errs, "enrich.max_restarts must be >= 0")
		}
	case "enrich":
		errs = append(errs, c.validateStrategies()...)
	case "migrate", "status":
	default:
		errs = append(errs, "unknown mode "+mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateStrategies() []string {
	var errs []string
	for _, kind := range c.EnabledKinds() {
		s := c.Strategy(kind)
		if s.BatchSize <= 0 {
			errs = append(errs, string(kind)+".batch_size must be > 0")
		}
		if s.MaxPerInterval > 0 && s.IntervalSecs <= 0 {
			errs = append(errs, string(kind)+".interval_secs must be > 0 when max_per_interval is set")
		}
	}
	for _, kind := range c.EnabledKinds() {
		if kind == model.KindEmbedding && c.Jina.Key == "" {
			errs = append(errs, "jina.key is required for embedding")
		}
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
