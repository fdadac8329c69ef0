package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	TransportHTTP  = "http"
	TransportStdio = "stdio"
	TransportOff   = "off"

	BusLocal = "local"
	BusRedis = "redis"
)

// Config holds every environment-driven setting of the service.
type Config struct {
	Port        string   `env:"PORT" envDefault:"8080"`
	HTTPEnabled bool     `env:"HTTP_ENABLED" envDefault:"true"`
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:","`

	DatabaseDSN    string `env:"DATABASE_DSN"`
	DatabaseDriver string `env:"DATABASE_DRIVER"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	EventBus     string `env:"EVENT_BUS" envDefault:"local"`
	EventChannel string `env:"EVENT_CHANNEL" envDefault:"expression:events"`

	SessionBuffer       int           `env:"SESSION_BUFFER" envDefault:"16"`
	SessionWriteTimeout time.Duration `env:"SESSION_WRITE_TIMEOUT" envDefault:"5s"`

	MinioEndpoint  string `env:"MINIO_ENDPOINT"`
	MinioAccessKey string `env:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `env:"MINIO_SECRET_KEY"`
	MinioBucket    string `env:"MINIO_BUCKET"`
	MinioUseSSL    bool   `env:"MINIO_USE_SSL" envDefault:"false"`
	MinioPublicURL string `env:"MINIO_PUBLIC_URL"`

	ImageDir       string `env:"EXPRESSION_IMAGE_DIR" envDefault:"./data/expressions"`
	Live2DDir      string `env:"LIVE2D_STORAGE_DIR" envDefault:"./data/live2d"`
	JWTSecret      string `env:"JWT_SECRET"`
	AdminUsername  string `env:"ADMIN_USERNAME" envDefault:"admin"`
	AdminPassword  string `env:"ADMIN_PASSWORD_HASH"`
	CaptchaEnabled bool   `env:"CAPTCHA_ENABLED" envDefault:"false"`
	MCPTransport   string `env:"MCP_TRANSPORT" envDefault:"http"`
	ControllerName string `env:"CONTROLLER_NAME" envDefault:"expression-controller"`
	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat      string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads an optional .env file and parses the environment into Config.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate normalises enumerated values and rejects unusable combinations.
func (c *Config) Validate() error {
	c.DatabaseDSN = strings.TrimSpace(c.DatabaseDSN)
	if c.DatabaseDSN == "" {
		return errors.New("config: DATABASE_DSN environment variable is required")
	}

	c.MCPTransport = strings.ToLower(strings.TrimSpace(c.MCPTransport))
	switch c.MCPTransport {
	case TransportHTTP, TransportStdio, TransportOff:
	default:
		return fmt.Errorf("config: MCP_TRANSPORT %q is not supported", c.MCPTransport)
	}
	if c.MCPTransport == TransportHTTP && !c.HTTPEnabled {
		return errors.New("config: MCP_TRANSPORT=http requires HTTP_ENABLED")
	}
	if !c.HTTPEnabled && c.MCPTransport != TransportStdio {
		return errors.New("config: nothing to serve with HTTP_ENABLED=false and MCP_TRANSPORT != stdio")
	}

	c.EventBus = strings.ToLower(strings.TrimSpace(c.EventBus))
	switch c.EventBus {
	case BusLocal:
	case BusRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			return errors.New("config: EVENT_BUS=redis requires REDIS_ADDR")
		}
	default:
		return fmt.Errorf("config: EVENT_BUS %q is not supported", c.EventBus)
	}

	if c.SessionBuffer <= 0 {
		c.SessionBuffer = 16
	}
	if c.SessionWriteTimeout <= 0 {
		c.SessionWriteTimeout = 5 * time.Second
	}
	return nil
}

// MinioConfigured reports whether all MinIO credentials are present.
func (c *Config) MinioConfigured() bool {
	return strings.TrimSpace(c.MinioEndpoint) != "" &&
		strings.TrimSpace(c.MinioAccessKey) != "" &&
		strings.TrimSpace(c.MinioSecretKey) != "" &&
		strings.TrimSpace(c.MinioBucket) != ""
}
