package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Version is the application version, injected at build time via ldflags.
var Version = "dev"

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Emby        EmbyConfig        `mapstructure:"emby"`
	TMDB        TMDBConfig        `mapstructure:"tmdb"`
	Douban      DoubanConfig      `mapstructure:"douban"`
	MoviePilot  MoviePilotConfig  `mapstructure:"moviepilot"`
	AI          AIConfig          `mapstructure:"ai"`
	Proxy       ProxyConfig       `mapstructure:"proxy"`
	Processing  ProcessingConfig  `mapstructure:"processing"`
	Tasks       TasksConfig       `mapstructure:"tasks"`
	Collections CollectionsConfig `mapstructure:"collections"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// EmbyConfig holds Library Server connection settings.
type EmbyConfig struct {
	URL            string `mapstructure:"url"`
	APIKey         string `mapstructure:"api_key"`
	AdminUser      string `mapstructure:"admin_user"`
	AdminPass      string `mapstructure:"admin_pass"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
}

// TMDBConfig holds Metadata Provider settings.
type TMDBConfig struct {
	APIKey         string `mapstructure:"api_key"`
	Language       string `mapstructure:"language"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// DoubanConfig holds Cultural Provider settings.
type DoubanConfig struct {
	Cookie         string `mapstructure:"cookie"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// MoviePilotConfig holds Downloader/Subscription service settings.
type MoviePilotConfig struct {
	URL            string `mapstructure:"url"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	DailyQuota     int    `mapstructure:"daily_quota"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// AIConfig holds AI provider (LLM + embeddings) settings.
type AIConfig struct {
	BaseURL               string `mapstructure:"base_url"`
	APIKey                string `mapstructure:"api_key"`
	ChatModel             string `mapstructure:"chat_model"`
	EmbeddingModel        string `mapstructure:"embedding_model"`
	TranslationMode       string `mapstructure:"translation_mode"` // fast, quality, transliterate
	TimeoutSeconds        int    `mapstructure:"timeout_seconds"`
	RecommendTimeoutSecs  int    `mapstructure:"recommend_timeout_seconds"`
	EnableRecommendations bool   `mapstructure:"enable_recommendations"`
}

// ProxyConfig holds reverse-proxy behavior settings.
type ProxyConfig struct {
	ExternalPort    int      `mapstructure:"external_port"`
	NativeViewIDs   []string `mapstructure:"native_view_ids"`   // empty = all native views
	MergeOrder      string   `mapstructure:"merge_order"`       // "before" or "after" native views
	NativeViewOrder []string `mapstructure:"native_view_order"` // explicit ordering of native views
}

// ProcessingConfig holds metadata-processor settings.
type ProcessingConfig struct {
	ScoreThreshold   float64 `mapstructure:"score_threshold"`
	EnableCovers     bool    `mapstructure:"enable_covers"`
	PersonPoolSize   int     `mapstructure:"person_pool_size"`
	DetailPoolSize   int     `mapstructure:"detail_pool_size"`
	DetailBatchSize  int     `mapstructure:"detail_batch_size"`
	ResolvePoolSize  int     `mapstructure:"resolve_pool_size"`
	PreflightPool    int     `mapstructure:"preflight_pool"`
	PreflightRetries int     `mapstructure:"preflight_retries"`
}

// ChainConfig describes one cron-fired task chain.
type ChainConfig struct {
	Cron              string   `mapstructure:"cron"`
	Sequence          []string `mapstructure:"sequence"`
	MaxRuntimeMinutes int      `mapstructure:"max_runtime_minutes"` // 0 = unbounded
}

// TasksConfig holds the two task chains.
type TasksConfig struct {
	HighFrequency ChainConfig `mapstructure:"high_frequency"`
	LowFrequency  ChainConfig `mapstructure:"low_frequency"`
}

// CollectionsConfig holds custom-collection engine settings.
type CollectionsConfig struct {
	FetcherPath           string `mapstructure:"fetcher_path"` // out-of-process platform fetcher binary
	FetcherTimeoutSeconds int    `mapstructure:"fetcher_timeout_seconds"`
	FontDir               string `mapstructure:"font_dir"`
}

// InternalPort is the fixed port the nginx front-end forwards /emby/* traffic to.
const InternalPort = 7758

// Default returns a Config with default values.
func Default() *Config {
	cfg := &Config{}
	v := viper.New()
	setDefaults(v)
	_ = v.Unmarshal(cfg)
	return cfg
}

// Load reads configuration from file and environment variables.
// Priority: environment variables > config file > defaults
func Load(configPath string) (*Config, error) {
	// Optional .env for secrets during development; absence is not an error.
	_ = godotenv.Load()

	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.castbridge")
	}

	v.SetEnvPrefix("CASTBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, using defaults + env vars
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.TMDB.APIKey == "" {
		cfg.TMDB.APIKey = EmbeddedTMDBKey
	}

	return cfg, nil
}

// Validate reports startup misconfiguration that should abort boot.
func (c *Config) Validate() error {
	if c.Emby.URL == "" {
		return fmt.Errorf("emby.url is required")
	}
	if c.Emby.APIKey == "" {
		return fmt.Errorf("emby.api_key is required")
	}
	if c.TMDB.APIKey == "" {
		return fmt.Errorf("tmdb.api_key is required")
	}
	if c.Proxy.MergeOrder != "before" && c.Proxy.MergeOrder != "after" {
		return fmt.Errorf("proxy.merge_order must be %q or %q", "before", "after")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", InternalPort)

	v.SetDefault("database.path", "./data/castbridge.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.path", "./logs")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("logging.compress", true)

	v.SetDefault("emby.timeout_seconds", 60)
	v.SetDefault("emby.user_agent", "CastBridge/"+Version)

	v.SetDefault("tmdb.language", "zh-CN")
	v.SetDefault("tmdb.timeout_seconds", 60)

	v.SetDefault("douban.timeout_seconds", 60)

	v.SetDefault("moviepilot.daily_quota", 50)
	v.SetDefault("moviepilot.timeout_seconds", 60)

	v.SetDefault("ai.chat_model", "gpt-4o-mini")
	v.SetDefault("ai.embedding_model", "text-embedding-3-small")
	v.SetDefault("ai.translation_mode", "fast")
	v.SetDefault("ai.timeout_seconds", 300)
	v.SetDefault("ai.recommend_timeout_seconds", 600)
	v.SetDefault("ai.enable_recommendations", true)

	v.SetDefault("proxy.external_port", 8097)
	v.SetDefault("proxy.merge_order", "after")

	v.SetDefault("processing.score_threshold", 6.0)
	v.SetDefault("processing.enable_covers", true)
	v.SetDefault("processing.person_pool_size", 5)
	v.SetDefault("processing.detail_pool_size", 5)
	v.SetDefault("processing.detail_batch_size", 200)
	v.SetDefault("processing.resolve_pool_size", 5)
	v.SetDefault("processing.preflight_pool", 5)
	v.SetDefault("processing.preflight_retries", 60)

	v.SetDefault("tasks.high_frequency.cron", "0 */6 * * *")
	v.SetDefault("tasks.high_frequency.sequence", []string{"watchlist", "webhook-backlog"})
	v.SetDefault("tasks.high_frequency.max_runtime_minutes", 60)
	v.SetDefault("tasks.low_frequency.cron", "30 3 * * *")
	v.SetDefault("tasks.low_frequency.sequence", []string{"actor-subscriptions", "collections-sync", "cleanup-scan"})
	v.SetDefault("tasks.low_frequency.max_runtime_minutes", 0)

	v.SetDefault("collections.fetcher_timeout_seconds", 600)
	v.SetDefault("collections.font_dir", "./data/fonts")
}

// Address returns the server address string.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
