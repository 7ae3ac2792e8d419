package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Fetcher   FetcherConfig   `yaml:"fetcher"`
	Browser   BrowserConfig   `yaml:"browser"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Store     StoreConfig     `yaml:"store"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	OutputDir string          `yaml:"output_dir"`
}

type SiteConfig struct {
	BaseURL          string          `yaml:"base_url"`
	MaxPages         int             `yaml:"max_pages"`
	PageParam        string          `yaml:"page_param"`
	Selectors        SelectorsConfig `yaml:"selectors"`
	ChallengeMarkers []string        `yaml:"challenge_markers"`
}

type SelectorsConfig struct {
	Card  string `yaml:"card"`
	Name  string `yaml:"name"`
	Image string `yaml:"image"`
	Price string `yaml:"price"`
}

type FetcherConfig struct {
	Backend    string        `yaml:"backend"` // browser | http
	MaxRetries int           `yaml:"max_retries"`
	Timeout    time.Duration `yaml:"timeout"`
	UserAgent  string        `yaml:"user_agent"`
}

type BrowserConfig struct {
	Headless       bool          `yaml:"headless"`
	ViewportWidth  int           `yaml:"viewport_width"`
	ViewportHeight int           `yaml:"viewport_height"`
	AcceptLanguage string        `yaml:"accept_language"`
	TimezoneID     string        `yaml:"timezone"`
	Locale         string        `yaml:"locale"`
	ProxyServer    string        `yaml:"proxy_server"`
	ChallengeGrace time.Duration `yaml:"challenge_grace"`
}

type RateLimitConfig struct {
	Min time.Duration `yaml:"min"`
	Max time.Duration `yaml:"max"`
}

type StoreConfig struct {
	Backend         string `yaml:"backend"` // local | postgres | drive | none
	FolderID        string `yaml:"folder_id"`
	LocalRoot       string `yaml:"local_root"`
	CredentialsFile string `yaml:"credentials_file"`
	TokenFile       string `yaml:"token_file"`
}

type DatabaseConfig struct {
	URL         string        `yaml:"url"`
	MaxConns    int           `yaml:"max_conns"`
	MaxConnLife time.Duration `yaml:"max_conn_life"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	Host            string        `yaml:"host"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Defaults() *Config {
	return &Config{
		Site: SiteConfig{
			BaseURL:   "https://www.brandsforless.com/en-sa/men/new-arrivals/",
			MaxPages:  99,
			PageParam: "page",
			Selectors: SelectorsConfig{
				Card:  "#product-listing ul li a",
				Name:  "h1",
				Image: "img",
				Price: "span.price.red",
			},
		},
		Fetcher: FetcherConfig{
			Backend:    "browser",
			MaxRetries: 3,
			Timeout:    30 * time.Second,
			UserAgent:  "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		},
		Browser: BrowserConfig{
			Headless:       true,
			ViewportWidth:  1920,
			ViewportHeight: 1080,
			AcceptLanguage: "en-US,en;q=0.9",
			TimezoneID:     "Asia/Riyadh",
			Locale:         "en-US",
			ChallengeGrace: 8 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Min: 2 * time.Second,
			Max: 5 * time.Second,
		},
		Store: StoreConfig{
			Backend:         "local",
			LocalRoot:       "data/store",
			CredentialsFile: "credentials.json",
			TokenFile:       "token.json",
		},
		Database: DatabaseConfig{
			MaxConns: 5,
		},
		Redis: RedisConfig{
			Stream: "stream:catalog_monitor",
		},
		Server: ServerConfig{
			Port:            "8080",
			Host:            "0.0.0.0",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		OutputDir: ".",
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// when one is given, then the environment.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Site.BaseURL = getEnvOrDefault("SITE_BASE_URL", c.Site.BaseURL)
	c.Site.MaxPages = getIntOrDefault("SITE_MAX_PAGES", c.Site.MaxPages)
	c.Site.PageParam = getEnvOrDefault("SITE_PAGE_PARAM", c.Site.PageParam)
	c.Site.Selectors.Card = getEnvOrDefault("SITE_CARD_SELECTOR", c.Site.Selectors.Card)
	c.Site.Selectors.Name = getEnvOrDefault("SITE_NAME_SELECTOR", c.Site.Selectors.Name)
	c.Site.Selectors.Image = getEnvOrDefault("SITE_IMAGE_SELECTOR", c.Site.Selectors.Image)
	c.Site.Selectors.Price = getEnvOrDefault("SITE_PRICE_SELECTOR", c.Site.Selectors.Price)
	c.Site.ChallengeMarkers = getStringSliceOrDefault("SITE_CHALLENGE_MARKERS", c.Site.ChallengeMarkers)

	c.Fetcher.Backend = getEnvOrDefault("FETCHER_BACKEND", c.Fetcher.Backend)
	c.Fetcher.MaxRetries = getIntOrDefault("FETCHER_MAX_RETRIES", c.Fetcher.MaxRetries)
	c.Fetcher.Timeout = getDurationOrDefault("FETCHER_TIMEOUT", c.Fetcher.Timeout)
	c.Fetcher.UserAgent = getEnvOrDefault("FETCHER_USER_AGENT", c.Fetcher.UserAgent)

	c.Browser.Headless = getBoolOrDefault("BROWSER_HEADLESS", c.Browser.Headless)
	c.Browser.ViewportWidth = getIntOrDefault("BROWSER_VIEWPORT_WIDTH", c.Browser.ViewportWidth)
	c.Browser.ViewportHeight = getIntOrDefault("BROWSER_VIEWPORT_HEIGHT", c.Browser.ViewportHeight)
	c.Browser.AcceptLanguage = getEnvOrDefault("BROWSER_ACCEPT_LANGUAGE", c.Browser.AcceptLanguage)
	c.Browser.TimezoneID = getEnvOrDefault("BROWSER_TIMEZONE", c.Browser.TimezoneID)
	c.Browser.Locale = getEnvOrDefault("BROWSER_LOCALE", c.Browser.Locale)
	c.Browser.ProxyServer = getEnvOrDefault("BROWSER_PROXY_SERVER", c.Browser.ProxyServer)
	c.Browser.ChallengeGrace = getDurationOrDefault("BROWSER_CHALLENGE_GRACE", c.Browser.ChallengeGrace)

	c.RateLimit.Min = getDurationOrDefault("RATE_LIMIT_MIN", c.RateLimit.Min)
	c.RateLimit.Max = getDurationOrDefault("RATE_LIMIT_MAX", c.RateLimit.Max)

	c.Store.Backend = getEnvOrDefault("STORE_BACKEND", c.Store.Backend)
	c.Store.FolderID = getEnvOrDefault("STORE_FOLDER_ID", c.Store.FolderID)
	c.Store.LocalRoot = getEnvOrDefault("STORE_LOCAL_ROOT", c.Store.LocalRoot)
	c.Store.CredentialsFile = getEnvOrDefault("DRIVE_CREDENTIALS_FILE", c.Store.CredentialsFile)
	c.Store.TokenFile = getEnvOrDefault("DRIVE_TOKEN_FILE", c.Store.TokenFile)

	c.Database.URL = getEnvOrDefault("DATABASE_URL", c.Database.URL)
	c.Database.MaxConns = getIntOrDefault("DB_MAX_CONNS", c.Database.MaxConns)
	c.Database.MaxConnLife = getDurationOrDefault("DB_MAX_CONN_LIFE", c.Database.MaxConnLife)

	c.Redis.Addr = getEnvOrDefault("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getIntOrDefault("REDIS_DB", c.Redis.DB)
	c.Redis.Stream = getEnvOrDefault("REDIS_STREAM", c.Redis.Stream)

	c.Server.Port = getEnvOrDefault("SERVER_PORT", c.Server.Port)
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.ReadTimeout = getDurationOrDefault("SERVER_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getDurationOrDefault("SERVER_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.ShutdownTimeout = getDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)
	c.Server.AllowedOrigins = getStringSliceOrDefault("SERVER_ALLOWED_ORIGINS", c.Server.AllowedOrigins)

	c.Logging.Level = getEnvOrDefault("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnvOrDefault("LOG_FORMAT", c.Logging.Format)

	c.OutputDir = getEnvOrDefault("OUTPUT_DIR", c.OutputDir)
}

func (c *Config) Validate() error {
	var errs []error

	if u, err := url.Parse(c.Site.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("SITE_BASE_URL must be an absolute url, got %q", c.Site.BaseURL))
	}
	if c.Site.MaxPages < 1 {
		errs = append(errs, fmt.Errorf("SITE_MAX_PAGES must be at least 1"))
	}
	if c.Site.Selectors.Card == "" {
		errs = append(errs, fmt.Errorf("SITE_CARD_SELECTOR is required"))
	}

	switch c.Fetcher.Backend {
	case "browser", "http":
	default:
		errs = append(errs, fmt.Errorf("FETCHER_BACKEND must be browser or http, got %q", c.Fetcher.Backend))
	}

	if c.RateLimit.Min > c.RateLimit.Max {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_MIN cannot be greater than RATE_LIMIT_MAX"))
	}

	switch c.Store.Backend {
	case "none":
	case "local":
		if c.Store.LocalRoot == "" {
			errs = append(errs, fmt.Errorf("STORE_LOCAL_ROOT is required for the local store"))
		}
	case "postgres":
		if c.Database.URL == "" {
			errs = append(errs, fmt.Errorf("DATABASE_URL is required for the postgres store"))
		}
	case "drive":
		if c.Store.FolderID == "" {
			errs = append(errs, fmt.Errorf("STORE_FOLDER_ID is required for the drive store"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be local, postgres, drive or none, got %q", c.Store.Backend))
	}

	return errors.Join(errs...)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getStringSliceOrDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}
