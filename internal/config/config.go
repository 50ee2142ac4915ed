package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EngineStreaming = "streaming"
	EnginePolling   = "polling"
)

type Config struct {
	Server struct {
		Port      int               `yaml:"port"`
		Env       string            `yaml:"env"`       // development | production
		LogLevel  string            `yaml:"logLevel"`  // zerolog level name
		APIKeys   map[string]string `yaml:"apiKeys"`   // tenant -> key, empty = auth disabled
		RateLimit int               `yaml:"rateLimit"` // requests per minute per client
	} `yaml:"server"`

	Database struct {
		Driver   string `yaml:"driver"` // mysql | postgres | "" (no persistence)
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"name"`
		SSLMode  string `yaml:"sslMode"`
	} `yaml:"database"`

	Minio struct {
		Endpoint   string `yaml:"endpoint"` // empty = evidence upload disabled
		AccessKey  string `yaml:"accessKey"`
		SecretKey  string `yaml:"secretKey"`
		BucketName string `yaml:"bucketName"`
		Region     string `yaml:"region"`
		UseSSL     bool   `yaml:"useSSL"`
	} `yaml:"minio"`

	Engine struct {
		Mode             string        `yaml:"mode"`
		CaptureInterval  time.Duration `yaml:"captureInterval"`
		HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`
		ReconnectDelay   time.Duration `yaml:"reconnectDelay"`
		MaxReconnects    int           `yaml:"maxReconnects"`
		HistoryLimit     int           `yaml:"historyLimit"`
	} `yaml:"engine"`

	Live struct {
		URL                string   `yaml:"url"`
		APIKey             string   `yaml:"apiKey"`
		Model              string   `yaml:"model"`
		ResponseModalities []string `yaml:"responseModalities"`
	} `yaml:"live"`

	OpenAI struct {
		APIKey         string        `yaml:"apiKey"`
		BaseURL        string        `yaml:"baseURL"`
		VisionModel    string        `yaml:"visionModel"`
		ReasoningModel string        `yaml:"reasoningModel"`
		HandoffTimeout time.Duration `yaml:"handoffTimeout"`
	} `yaml:"openai"`

	Telemetry struct {
		OTLPEndpoint   string `yaml:"otlpEndpoint"` // host:port, empty = spans stay in-process
		ServiceVersion string `yaml:"serviceVersion"`
	} `yaml:"telemetry"`
}

// Load baca file config.yaml, lalu env override + default
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes yaml, applies env overrides and defaults, then validates.
func Parse(data []byte) (*Config, error) {
	cfg, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode is Parse without validation, for callers that override fields
// (e.g. CLI flags) before calling Validate themselves.
func Decode(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

// secrets and a few deploy-time knobs come from the environment
func (c *Config) applyEnv() {
	setString(&c.OpenAI.APIKey, "OPENAI_API_KEY")
	setString(&c.Live.APIKey, "LIVE_API_KEY")
	setString(&c.Database.Password, "DB_PASSWORD")
	setString(&c.Minio.AccessKey, "MINIO_ACCESS_KEY")
	setString(&c.Minio.SecretKey, "MINIO_SECRET_KEY")
	setString(&c.Engine.Mode, "ENGINE_MODE")
	setString(&c.Server.Env, "APP_ENV")
	setString(&c.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.Port = n
		}
	}
	// API_KEYS=tenant1:key1,tenant2:key2
	if v := os.Getenv("API_KEYS"); v != "" {
		c.Server.APIKeys = map[string]string{}
		for _, pair := range splitList(v) {
			tenant, key, ok := strings.Cut(pair, ":")
			if ok && tenant != "" && key != "" {
				c.Server.APIKeys[tenant] = key
			}
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Env == "" {
		c.Server.Env = "production"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.RateLimit == 0 {
		c.Server.RateLimit = 120
	}
	if c.Engine.Mode == "" {
		c.Engine.Mode = EngineStreaming
	}
	if c.Engine.CaptureInterval <= 0 {
		c.Engine.CaptureInterval = time.Second
	}
	if c.Engine.HandshakeTimeout <= 0 {
		c.Engine.HandshakeTimeout = 15 * time.Second
	}
	if c.Engine.ReconnectDelay <= 0 {
		c.Engine.ReconnectDelay = 2 * time.Second
	}
	if c.Engine.MaxReconnects == 0 {
		c.Engine.MaxReconnects = 3
	}
	if c.Engine.HistoryLimit <= 0 {
		c.Engine.HistoryLimit = 10
	}
	if c.OpenAI.VisionModel == "" {
		c.OpenAI.VisionModel = "gpt-4o"
	}
	if c.OpenAI.ReasoningModel == "" {
		c.OpenAI.ReasoningModel = "o3-2025-04-16"
	}
	if c.OpenAI.HandoffTimeout <= 0 {
		c.OpenAI.HandoffTimeout = 90 * time.Second
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Database.Driver == "postgres" && c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
}

// Validate checks the combination of engine mode and credentials.
func (c *Config) Validate() error {
	var errs []error
	switch c.Engine.Mode {
	case EngineStreaming:
		if c.Live.URL == "" {
			errs = append(errs, errors.New("live.url is required for the streaming engine"))
		}
	case EnginePolling:
		if c.OpenAI.APIKey == "" {
			errs = append(errs, errors.New("openai.apiKey (or OPENAI_API_KEY) is required for the polling engine"))
		}
	default:
		errs = append(errs, fmt.Errorf("engine.mode %q must be %s or %s", c.Engine.Mode, EngineStreaming, EnginePolling))
	}
	switch c.Database.Driver {
	case "", "mysql", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q must be mysql or postgres", c.Database.Driver))
	}
	if c.Engine.MaxReconnects < 0 {
		errs = append(errs, errors.New("engine.maxReconnects must not be negative"))
	}
	return errors.Join(errs...)
}

// Helper untuk build DSN MySQL
func (c *Config) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4&loc=UTC",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
	)
}

// Helper untuk build DSN Postgres
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
