// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. FELLOWCRAWL_CRAWL_BASE_URL.
const EnvPrefix = "FELLOWCRAWL"

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Crawl   CrawlConfig   `mapstructure:"crawl"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Browser BrowserConfig `mapstructure:"browser"`
	LLM     LLMConfig     `mapstructure:"llm"`
	Output  OutputConfig  `mapstructure:"output"`
	DB      DBConfig      `mapstructure:"db"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// CrawlConfig governs the pagination loop and record filtering.
type CrawlConfig struct {
	BaseURL         string   `mapstructure:"base_url"`
	PageParam       string   `mapstructure:"page_param"`
	StartPage       int      `mapstructure:"start_page"`
	MaxPages        int      `mapstructure:"max_pages"`
	NoResultsMarker string   `mapstructure:"no_results_marker"`
	CSSSelector     string   `mapstructure:"css_selector"`
	RequiredKeys    []string `mapstructure:"required_keys"`
	DedupKey        string   `mapstructure:"dedup_key"`
	DelaySeconds    float64  `mapstructure:"delay_seconds"`
	StopOnRepeat    bool     `mapstructure:"stop_on_repeat"`
}

// HTTPConfig configures the plain HTTP probe.
type HTTPConfig struct {
	TimeoutSeconds int               `mapstructure:"timeout_seconds"`
	UserAgent      string            `mapstructure:"user_agent"`
	RespectRobots  bool              `mapstructure:"respect_robots"`
	Headers        map[string]string `mapstructure:"headers"`
}

// BrowserConfig configures the chromedp rendering subsystem.
type BrowserConfig struct {
	Enabled            bool `mapstructure:"enabled"`
	Always             bool `mapstructure:"always"`
	Headless           bool `mapstructure:"headless"`
	NavTimeoutSec      int  `mapstructure:"nav_timeout_seconds"`
	PromotionThreshold int  `mapstructure:"promotion_threshold"`
}

// LLMConfig configures the extraction model.
type LLMConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	MaxTokens   int64   `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
	InputFormat string  `mapstructure:"input_format"`
	Instruction string  `mapstructure:"instruction"`
	ChunkChars  int     `mapstructure:"chunk_chars"`
}

// OutputConfig sets where the CSV is written.
type OutputConfig struct {
	Path      string `mapstructure:"path"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls the optional Postgres record sink.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for the completion notification.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// MetricsConfig sets the optional Prometheus textfile destination.
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile"`
}

// ServerConfig controls the optional status server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// LoadDotEnv loads environment variables from envFile when it exists.
// Variables already set in the process environment win.
func LoadDotEnv(envFile string) error {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}
	return nil
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := v.BindEnv("llm.api_key", EnvPrefix+"_LLM_API_KEY", "ANTHROPIC_API_KEY"); err != nil {
		return Config{}, fmt.Errorf("bind llm.api_key: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawl.base_url", "https://www.uab.edu/medicine/cardiovascular/education/meet-our-people")
	v.SetDefault("crawl.page_param", "page")
	v.SetDefault("crawl.start_page", 1)
	v.SetDefault("crawl.max_pages", 0)
	v.SetDefault("crawl.no_results_marker", "No Results Found")
	v.SetDefault("crawl.css_selector", "h3 + ul")
	v.SetDefault("crawl.required_keys", []string{"name", "PGY"})
	v.SetDefault("crawl.dedup_key", "program_name")
	v.SetDefault("crawl.delay_seconds", 2.0)
	v.SetDefault("crawl.stop_on_repeat", true)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.user_agent", "fellowcrawl/0.1")
	v.SetDefault("http.respect_robots", true)
	v.SetDefault("http.headers", map[string]string{})
	v.SetDefault("browser.enabled", true)
	v.SetDefault("browser.always", false)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.nav_timeout_seconds", 30)
	v.SetDefault("browser.promotion_threshold", 60)
	v.SetDefault("llm.model", "claude-haiku-4-5-20251001")
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.temperature", 0.0)
	v.SetDefault("llm.input_format", "html")
	v.SetDefault("llm.instruction", "")
	v.SetDefault("llm.chunk_chars", 20000)
	v.SetDefault("output.path", "complete_fellowships.csv")
	v.SetDefault("output.prefix", "fellowships")
	v.SetDefault("output.gcs_bucket", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("metrics.textfile", "")
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	u, err := url.Parse(c.Crawl.BaseURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("crawl.base_url must be an absolute URL, got %q", c.Crawl.BaseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("crawl.base_url scheme must be http or https, got %q", u.Scheme)
	}
	if c.Crawl.PageParam == "" {
		return errors.New("crawl.page_param must be set")
	}
	if c.Crawl.StartPage <= 0 {
		return fmt.Errorf("crawl.start_page must be > 0")
	}
	if c.Crawl.MaxPages < 0 {
		return fmt.Errorf("crawl.max_pages must be >= 0")
	}
	if c.Crawl.DelaySeconds < 0 {
		return fmt.Errorf("crawl.delay_seconds must be >= 0")
	}
	if len(c.Crawl.RequiredKeys) == 0 {
		return fmt.Errorf("crawl.required_keys must not be empty")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Browser.Enabled && c.Browser.NavTimeoutSec <= 0 {
		return fmt.Errorf("browser.nav_timeout_seconds must be > 0 when the browser is enabled")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model must be set")
	}
	if c.LLM.MaxTokens <= 0 {
		return fmt.Errorf("llm.max_tokens must be > 0")
	}
	if c.LLM.ChunkChars < 0 {
		return fmt.Errorf("llm.chunk_chars must be >= 0")
	}
	switch c.LLM.InputFormat {
	case "html", "text":
	default:
		return fmt.Errorf("llm.input_format must be html or text, got %q", c.LLM.InputFormat)
	}
	if c.Output.Path == "" {
		return fmt.Errorf("output.path must be set")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0 when the server is enabled")
	}
	return nil
}

// Delay converts the polite delay to a duration.
func (c Config) Delay() time.Duration {
	return time.Duration(c.Crawl.DelaySeconds * float64(time.Second))
}

// HTTPTimeout returns the probe timeout.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// NavTimeout returns the browser navigation timeout.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Browser.NavTimeoutSec) * time.Second
}
