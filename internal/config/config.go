package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "CHATRELAY_"

type Config struct {
	Addr           string        `yaml:"addr"`
	DB             DBConfig      `yaml:"db"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	AuthTimeout    time.Duration `yaml:"auth_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	HistoryLimit   int           `yaml:"history_limit"`
	SendBuffer     int           `yaml:"send_buffer"`
	MaxFrameBytes  int64         `yaml:"max_frame_bytes"`
	Rate           RateConfig    `yaml:"rate"`
	TokenSecret    string        `yaml:"token_secret"`
	InviteEmails   bool          `yaml:"invite_emails"`
	Log            LogConfig     `yaml:"log"`
	SMTP           SMTPConfig    `yaml:"smtp"`
}

type DBConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type RateConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Addr: ":8080",
		DB: DBConfig{
			Driver: "sqlite3",
			DSN:    "chatrelay.db",
		},
		AllowedOrigins: []string{"http://localhost:3000"},
		AuthTimeout:    30 * time.Second,
		PingInterval:   30 * time.Second,
		SweepInterval:  60 * time.Second,
		IdleTimeout:    5 * time.Minute,
		HistoryLimit:   50,
		SendBuffer:     256,
		MaxFrameBytes:  64 << 10,
		Rate:           RateConfig{RPS: 20, Burst: 40},
		Log:            LogConfig{Level: "info", Format: "text"},
		SMTP:           SMTPConfig{Port: "587"},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, a .env file in the working directory and CHATRELAY_* variables, in
// that order of precedence (later wins).
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Addr = getEnv("ADDR", c.Addr)
	c.DB.Driver = getEnv("DB_DRIVER", c.DB.Driver)
	c.DB.DSN = getEnv("DB_DSN", c.DB.DSN)
	if v, ok := lookupEnv("ALLOWED_ORIGINS"); ok {
		c.AllowedOrigins = splitList(v)
	}
	c.TokenSecret = getEnv("TOKEN_SECRET", c.TokenSecret)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
	c.SMTP.Host = getEnv("SMTP_HOST", c.SMTP.Host)
	c.SMTP.Port = getEnv("SMTP_PORT", c.SMTP.Port)
	c.SMTP.Username = getEnv("SMTP_USERNAME", c.SMTP.Username)
	c.SMTP.Password = getEnv("SMTP_PASSWORD", c.SMTP.Password)
	c.SMTP.From = getEnv("SMTP_FROM", c.SMTP.From)
	c.InviteEmails = getEnvBool("INVITE_EMAILS", c.InviteEmails)

	var err error
	if c.AuthTimeout, err = getEnvDuration("AUTH_TIMEOUT", c.AuthTimeout); err != nil {
		return err
	}
	if c.IdleTimeout, err = getEnvDuration("IDLE_TIMEOUT", c.IdleTimeout); err != nil {
		return err
	}
	if v, ok := lookupEnv("HISTORY_LIMIT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sHISTORY_LIMIT: %w", envPrefix, err)
		}
		c.HistoryLimit = n
	}
	return nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	switch c.DB.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported db driver %q", c.DB.Driver)
	}
	if c.DB.DSN == "" {
		return errors.New("db dsn is required")
	}
	for name, d := range map[string]time.Duration{
		"auth_timeout":   c.AuthTimeout,
		"ping_interval":  c.PingInterval,
		"sweep_interval": c.SweepInterval,
		"idle_timeout":   c.IdleTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.HistoryLimit <= 0 {
		return errors.New("history_limit must be positive")
	}
	if c.SendBuffer <= 0 {
		return errors.New("send_buffer must be positive")
	}
	if c.MaxFrameBytes <= 0 {
		return errors.New("max_frame_bytes must be positive")
	}
	if c.Rate.RPS <= 0 || c.Rate.Burst <= 0 {
		return errors.New("rate.rps and rate.burst must be positive")
	}
	return nil
}

func lookupEnv(key string) (string, bool) {
	return os.LookupEnv(envPrefix + key)
}

func getEnv(key, fallback string) string {
	if value, exists := lookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, exists := lookupEnv(key)
	if !exists || value == "" {
		return fallback
	}

	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value, exists := lookupEnv(key)
	if !exists || value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	return d, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
