package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultPath = "config/config.yaml"

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// Cert/Key が両方あれば TLS で待ち受ける
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type Account struct {
	ID           string `yaml:"id"`
	PasswordHash string `yaml:"password_hash"` // bcrypt
	Role         string `yaml:"role"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
	Accounts  []Account     `yaml:"accounts"`
}

type LendingConfig struct {
	LoanPeriodDays int    `yaml:"loan_period_days"`
	DailyFine      string `yaml:"daily_fine"` // decimal string, e.g. "0.50"
	Timezone       string `yaml:"timezone"`
}

type CORSConfig struct {
	AllowOrigins []string `yaml:"allow_origins"`
}

type Config struct {
	Version string         `yaml:"version"`
	Mode    string         `yaml:"mode"`    // dev | release
	Storage string         `yaml:"storage"` // memory | mysql
	DB      DatabaseConfig `yaml:"database"`
	Server  ServerConfig   `yaml:"server"`
	Auth    AuthConfig     `yaml:"auth"`
	Lending LendingConfig  `yaml:"lending"`
	CORS    CORSConfig     `yaml:"cors"`
}

func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(buf)
}

func Parse(buf []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = "dev"
	}
	if c.Storage == "" {
		c.Storage = "memory"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8443"
	}
	if c.DB.Port == 0 {
		c.DB.Port = 3306
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 24 * time.Hour
	}
	if c.Lending.LoanPeriodDays == 0 {
		c.Lending.LoanPeriodDays = 14
	}
	if c.Lending.DailyFine == "" {
		c.Lending.DailyFine = "0.50"
	}
	if c.Lending.Timezone == "" {
		c.Lending.Timezone = "UTC"
	}
	if len(c.CORS.AllowOrigins) == 0 {
		c.CORS.AllowOrigins = []string{"http://localhost:3000"}
	}
}

func (c *Config) Validate() error {
	if c.Mode != "dev" && c.Mode != "release" {
		return fmt.Errorf("config: mode must be dev or release, got %q", c.Mode)
	}
	if c.Storage != "memory" && c.Storage != "mysql" {
		return fmt.Errorf("config: storage must be memory or mysql, got %q", c.Storage)
	}
	if c.Storage == "mysql" && (c.DB.Host == "" || c.DB.DBName == "") {
		return fmt.Errorf("config: database.host and database.dbname are required for mysql storage")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("config: auth.jwt_secret is required")
	}
	if c.Lending.LoanPeriodDays < 1 {
		return fmt.Errorf("config: lending.loan_period_days must be >= 1")
	}
	if (c.Server.Cert == "") != (c.Server.Key == "") {
		return fmt.Errorf("config: server.cert and server.key must be set together")
	}
	for _, a := range c.Auth.Accounts {
		if a.ID == "" || a.PasswordHash == "" {
			return fmt.Errorf("config: auth.accounts entries need id and password_hash")
		}
		if a.Role != "student" && a.Role != "admin" {
			return fmt.Errorf("config: account %s has unknown role %q", a.ID, a.Role)
		}
	}
	return nil
}

// LoanPeriod is the configured loan period as a duration.
func (l LendingConfig) LoanPeriod() time.Duration {
	return time.Duration(l.LoanPeriodDays) * 24 * time.Hour
}

func (l LendingConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(l.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: lending.timezone: %w", err)
	}
	return loc, nil
}
