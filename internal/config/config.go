package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

// Config holds the full application configuration.
type Config struct {
	App     AppConfig     `json:"app"`
	MySQL   MySQLConfig   `json:"mysql"`
	Redis   RedisConfig   `json:"redis"`
	Sources SourcesConfig `json:"sources"`
	Email   EmailConfig   `json:"email"`
}

// AppConfig carries service-level settings shared by the api and worker
// binaries.
type AppConfig struct {
	Env      string `json:"env"`       // local / prod
	LogLevel string `json:"log_level"` // debug / info / warn / error
	HTTPAddr string `json:"http_addr"` // api listen address

	PriceUpdateInterval time.Duration `json:"price_update_interval"` // full price refresh cadence
	AggregateInterval   time.Duration `json:"aggregate_interval"`    // daily snapshot cadence
	CleanupInterval     time.Duration `json:"cleanup_interval"`      // retention sweep cadence
	RetentionDays       int           `json:"retention_days"`        // raw listing retention
	StaggerDelay        time.Duration `json:"stagger_delay"`         // delay between fanned-out price tasks
	PriceBatchSize      int           `json:"price_batch_size"`      // minifigures per full refresh
	CatalogPageSize     int           `json:"catalog_page_size"`     // catalog entries per sync

	WorkerPoolSize int     `json:"worker_pool_size"` // concurrent task executions
	QueueCapacity  int     `json:"queue_capacity"`   // worker pool buffer
	MaxRetry       int     `json:"max_retry"`        // retries before dead-lettering
	DedupWindow    int     `json:"dedup_window"`     // duplicate submission window (seconds)
	RateLimit      float64 `json:"rate_limit"`       // shared outbound ceiling (req/s), 0 disables
	RateBurst      float64 `json:"rate_burst"`       // shared ceiling burst

	TaskQueueStream string `json:"task_queue_stream"` // redis stream name
	TaskQueueGroup  string `json:"task_queue_group"`  // consumer group name
}

// MySQLConfig identifies the MySQL database.
type MySQLConfig struct {
	DSN string `json:"dsn"`
}

// RedisConfig identifies the Redis instance.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
}

// SourceConfig holds per-source credentials and politeness settings.
type SourceConfig struct {
	BaseURL           string        `json:"base_url"`
	APIKey            string        `json:"api_key"`
	RequestsPerMinute int           `json:"requests_per_minute"`
	MinInterval       time.Duration `json:"min_interval"`
	Enabled           bool          `json:"enabled"`
}

// SourcesConfig groups the marketplace sources.
type SourcesConfig struct {
	Brickset  SourceConfig `json:"brickset"`
	EBay      SourceConfig `json:"ebay"`
	BrickLink SourceConfig `json:"bricklink"`
}

// EmailConfig configures alert mail delivery.
type EmailConfig struct {
	SMTPHost   string `json:"smtp_host"`
	SMTPPort   int    `json:"smtp_port"`
	SMTPUser   string `json:"smtp_user"`
	SMTPPass   string `json:"smtp_pass"`
	FromEmail  string `json:"from_email"`
	AlertEmail string `json:"alert_email"`
}

// Load reads configuration from a JSON file, fills in defaults and applies
// environment overrides. A missing file is not an error; defaults plus the
// environment are used instead.
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// Save writes the configuration back to a JSON file.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:      "local",
			LogLevel: "info",
			HTTPAddr: ":8081",

			PriceUpdateInterval: 6 * time.Hour,
			AggregateInterval:   24 * time.Hour,
			CleanupInterval:     24 * time.Hour,
			RetentionDays:       90,
			StaggerDelay:        2 * time.Second,
			PriceBatchSize:      50,
			CatalogPageSize:     500,

			WorkerPoolSize: 10,
			QueueCapacity:  1000,
			MaxRetry:       3,
			DedupWindow:    600,
			RateLimit:      0,
			RateBurst:      0,

			TaskQueueStream: "figwatch:tasks",
			TaskQueueGroup:  "figwatch_workers",
		},
		MySQL: MySQLConfig{
			DSN: "root:password@tcp(localhost:3306)/figwatch?parseTime=true&loc=UTC",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
		},
		Sources: SourcesConfig{
			Brickset: SourceConfig{
				BaseURL:           "https://brickset.com/api/v3.asmx",
				RequestsPerMinute: 60,
				MinInterval:       time.Second,
				Enabled:           true,
			},
			EBay: SourceConfig{
				BaseURL:           "https://svcs.ebay.com/services/search/FindingService/v1",
				RequestsPerMinute: 100,
				MinInterval:       600 * time.Millisecond,
				Enabled:           true,
			},
			BrickLink: SourceConfig{
				BaseURL:           "https://api.bricklink.com/api/store/v1",
				RequestsPerMinute: 30,
				MinInterval:       2 * time.Second,
				Enabled:           false,
			},
		},
		Email: EmailConfig{
			SMTPHost: "smtp.gmail.com",
			SMTPPort: 587,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = defaults.App.HTTPAddr
	}
	if cfg.App.PriceUpdateInterval == 0 {
		cfg.App.PriceUpdateInterval = defaults.App.PriceUpdateInterval
	}
	if cfg.App.AggregateInterval == 0 {
		cfg.App.AggregateInterval = defaults.App.AggregateInterval
	}
	if cfg.App.CleanupInterval == 0 {
		cfg.App.CleanupInterval = defaults.App.CleanupInterval
	}
	if cfg.App.RetentionDays == 0 {
		cfg.App.RetentionDays = defaults.App.RetentionDays
	}
	if cfg.App.StaggerDelay == 0 {
		cfg.App.StaggerDelay = defaults.App.StaggerDelay
	}
	if cfg.App.PriceBatchSize == 0 {
		cfg.App.PriceBatchSize = defaults.App.PriceBatchSize
	}
	if cfg.App.CatalogPageSize == 0 {
		cfg.App.CatalogPageSize = defaults.App.CatalogPageSize
	}
	if cfg.App.WorkerPoolSize == 0 {
		cfg.App.WorkerPoolSize = defaults.App.WorkerPoolSize
	}
	if cfg.App.QueueCapacity == 0 {
		cfg.App.QueueCapacity = defaults.App.QueueCapacity
	}
	if cfg.App.MaxRetry == 0 {
		cfg.App.MaxRetry = defaults.App.MaxRetry
	}
	if cfg.App.DedupWindow == 0 {
		cfg.App.DedupWindow = defaults.App.DedupWindow
	}
	if cfg.App.TaskQueueStream == "" {
		cfg.App.TaskQueueStream = defaults.App.TaskQueueStream
	}
	if cfg.App.TaskQueueGroup == "" {
		cfg.App.TaskQueueGroup = defaults.App.TaskQueueGroup
	}

	if cfg.MySQL.DSN == "" {
		cfg.MySQL.DSN = defaults.MySQL.DSN
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = defaults.Redis.Addr
	}

	applySourceDefaults(&cfg.Sources.Brickset, &defaults.Sources.Brickset)
	applySourceDefaults(&cfg.Sources.EBay, &defaults.Sources.EBay)
	applySourceDefaults(&cfg.Sources.BrickLink, &defaults.Sources.BrickLink)

	if cfg.Email.SMTPHost == "" {
		cfg.Email.SMTPHost = defaults.Email.SMTPHost
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
}

func applySourceDefaults(src, def *SourceConfig) {
	if src.BaseURL == "" {
		src.BaseURL = def.BaseURL
	}
	if src.RequestsPerMinute == 0 {
		src.RequestsPerMinute = def.RequestsPerMinute
	}
	if src.MinInterval == 0 {
		src.MinInterval = def.MinInterval
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("db_host", "DB_HOST")
	_ = viper.BindEnv("db_password", "DB_PASSWORD")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("smtp_pass", "SMTP_PASS")
	_ = viper.BindEnv("brickset_api_key", "BRICKSET_API_KEY")
	_ = viper.BindEnv("ebay_app_id", "EBAY_APP_ID")
	_ = viper.BindEnv("bricklink_token", "BRICKLINK_TOKEN")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_HTTP_ADDR"); v != "" {
		cfg.App.HTTPAddr = v
	}
	if v := os.Getenv("APP_PRICE_UPDATE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.PriceUpdateInterval = d
		}
	}
	if v := os.Getenv("APP_AGGREGATE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.AggregateInterval = d
		}
	}
	if v := os.Getenv("APP_CLEANUP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.CleanupInterval = d
		}
	}
	if v := os.Getenv("APP_RETENTION_DAYS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.RetentionDays = i
		}
	}
	if v := os.Getenv("APP_STAGGER_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.StaggerDelay = d
		}
	}
	if v := os.Getenv("APP_PRICE_BATCH_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.PriceBatchSize = i
		}
	}
	if v := os.Getenv("APP_CATALOG_PAGE_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.CatalogPageSize = i
		}
	}
	if v := os.Getenv("APP_WORKER_POOL_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.WorkerPoolSize = i
		}
	}
	if v := os.Getenv("APP_QUEUE_CAPACITY"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.QueueCapacity = i
		}
	}
	if v := os.Getenv("APP_MAX_RETRY"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.MaxRetry = i
		}
	}
	if v := os.Getenv("APP_DEDUP_WINDOW"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.DedupWindow = i
		}
	}
	if v := os.Getenv("APP_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.App.RateLimit = f
		}
	}
	if v := os.Getenv("APP_RATE_BURST"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.App.RateBurst = f
		}
	}
	if v := os.Getenv("APP_TASK_QUEUE_STREAM"); v != "" {
		cfg.App.TaskQueueStream = v
	}
	if v := os.Getenv("APP_TASK_QUEUE_GROUP"); v != "" {
		cfg.App.TaskQueueGroup = v
	}

	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.MySQL.DSN = v
	} else if hasAnyEnv("DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME") || viper.GetString("db_host") != "" || viper.GetString("db_password") != "" {
		parsed := parseMySQLDSN(cfg.MySQL.DSN)
		if v := viper.GetString("db_host"); v != "" {
			host := v
			port := getenvDefault("DB_PORT", parsed.Addr, "3306")
			parsed.Addr = host + ":" + port
		} else if v := os.Getenv("DB_PORT"); v != "" {
			host := parsed.Addr
			if strings.Contains(host, ":") {
				host = strings.Split(host, ":")[0]
			}
			parsed.Addr = host + ":" + v
		}
		if v := os.Getenv("DB_USER"); v != "" {
			parsed.User = v
		}
		if v := viper.GetString("db_password"); v != "" {
			parsed.Passwd = v
		}
		if v := os.Getenv("DB_NAME"); v != "" {
			parsed.DBName = v
		}
		cfg.MySQL.DSN = parsed.FormatDSN()
	}

	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}

	if v := viper.GetString("brickset_api_key"); v != "" {
		cfg.Sources.Brickset.APIKey = v
	}
	if v := viper.GetString("ebay_app_id"); v != "" {
		cfg.Sources.EBay.APIKey = v
	}
	if v := viper.GetString("bricklink_token"); v != "" {
		cfg.Sources.BrickLink.APIKey = v
	}
	if v := os.Getenv("BRICKSET_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Sources.Brickset.Enabled = b
		}
	}
	if v := os.Getenv("EBAY_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Sources.EBay.Enabled = b
		}
	}
	if v := os.Getenv("BRICKLINK_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Sources.BrickLink.Enabled = b
		}
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.Email.SMTPHost = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Email.SMTPPort = i
		}
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		cfg.Email.SMTPUser = v
	}
	if v := viper.GetString("smtp_pass"); v != "" {
		cfg.Email.SMTPPass = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		cfg.Email.FromEmail = v
	}
	if v := os.Getenv("ALERT_EMAIL"); v != "" {
		cfg.Email.AlertEmail = v
	}
}

func hasAnyEnv(keys ...string) bool {
	for _, key := range keys {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func getenvDefault(envKey, fallbackAddr, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if fallbackAddr == "" {
		return defaultValue
	}
	if strings.Contains(fallbackAddr, ":") {
		parts := strings.Split(fallbackAddr, ":")
		if len(parts) == 2 && parts[1] != "" {
			return parts[1]
		}
	}
	return defaultValue
}

func parseMySQLDSN(dsn string) *mysql.Config {
	fallback := &mysql.Config{
		User:   "root",
		Passwd: "",
		Net:    "tcp",
		Addr:   "localhost:3306",
		DBName: "figwatch",
		Params: map[string]string{
			"parseTime": "true",
			"loc":       "UTC",
		},
	}
	if dsn == "" {
		return fallback
	}
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return fallback
	}
	return parsed
}

// UnmarshalJSON accepts duration fields as Go duration strings ("6h", "2s").
func (a *AppConfig) UnmarshalJSON(data []byte) error {
	type Alias AppConfig
	aux := &struct {
		PriceUpdateInterval string `json:"price_update_interval"`
		AggregateInterval   string `json:"aggregate_interval"`
		CleanupInterval     string `json:"cleanup_interval"`
		StaggerDelay        string `json:"stagger_delay"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	set := func(field *time.Duration, raw, name string) error {
		if raw == "" {
			return nil
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid %s format: %w", name, err)
		}
		*field = d
		return nil
	}

	if err := set(&a.PriceUpdateInterval, aux.PriceUpdateInterval, "price_update_interval"); err != nil {
		return err
	}
	if err := set(&a.AggregateInterval, aux.AggregateInterval, "aggregate_interval"); err != nil {
		return err
	}
	if err := set(&a.CleanupInterval, aux.CleanupInterval, "cleanup_interval"); err != nil {
		return err
	}
	return set(&a.StaggerDelay, aux.StaggerDelay, "stagger_delay")
}

// MarshalJSON renders duration fields as strings.
func (a AppConfig) MarshalJSON() ([]byte, error) {
	type Alias AppConfig
	return json.Marshal(&struct {
		PriceUpdateInterval string `json:"price_update_interval"`
		AggregateInterval   string `json:"aggregate_interval"`
		CleanupInterval     string `json:"cleanup_interval"`
		StaggerDelay        string `json:"stagger_delay"`
		*Alias
	}{
		PriceUpdateInterval: a.PriceUpdateInterval.String(),
		AggregateInterval:   a.AggregateInterval.String(),
		CleanupInterval:     a.CleanupInterval.String(),
		StaggerDelay:        a.StaggerDelay.String(),
		Alias:               (*Alias)(&a),
	})
}

// UnmarshalJSON accepts min_interval as a Go duration string.
func (s *SourceConfig) UnmarshalJSON(data []byte) error {
	type Alias SourceConfig
	aux := &struct {
		MinInterval string `json:"min_interval"`
		*Alias
	}{
		Alias: (*Alias)(s),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.MinInterval != "" {
		d, err := time.ParseDuration(aux.MinInterval)
		if err != nil {
			return fmt.Errorf("invalid min_interval format: %w", err)
		}
		s.MinInterval = d
	}
	return nil
}

// MarshalJSON renders min_interval as a string.
func (s SourceConfig) MarshalJSON() ([]byte, error) {
	type Alias SourceConfig
	return json.Marshal(&struct {
		MinInterval string `json:"min_interval"`
		*Alias
	}{
		MinInterval: s.MinInterval.String(),
		Alias:       (*Alias)(&s),
	})
}
