package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

const defaultPath = "config/config.yaml"

type Config struct {
	Server struct {
		Address   string   `yaml:"address"`
		JWTSecret string   `yaml:"jwt_secret"`
		Origins   []string `yaml:"allowed_origins"`
		RateLimit struct {
			RPS   float64 `yaml:"rps"`
			Burst int     `yaml:"burst"`
		} `yaml:"rate_limit"`
	} `yaml:"server"`
	Database struct {
		Driver string `yaml:"driver"`
		URL    string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		Addr     string        `yaml:"addr"`
		Password string        `yaml:"password"`
		DB       int           `yaml:"db"`
		SeenTTL  time.Duration `yaml:"seen_ttl"`
	} `yaml:"redis"`
	Store struct {
		BaseURL        string        `yaml:"base_url"`
		IssuerID       string        `yaml:"issuer_id"`
		KeyID          string        `yaml:"key_id"`
		BundleID       string        `yaml:"bundle_id"`
		PrivateKey     string        `yaml:"private_key"`
		AllowUnsigned  bool          `yaml:"allow_unsigned"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
	} `yaml:"store"`
	Purchase struct {
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"purchase"`
	Receipt struct {
		Path string `yaml:"path"`
		S3   struct {
			Endpoint  string `yaml:"endpoint"`
			Region    string `yaml:"region"`
			Bucket    string `yaml:"bucket"`
			AccessKey string `yaml:"access_key"`
			SecretKey string `yaml:"secret_key"`
			Prefix    string `yaml:"prefix"`
		} `yaml:"s3"`
	} `yaml:"receipt"`
	FCM struct {
		ProjectID       string `yaml:"project_id"`
		CredentialsFile string `yaml:"credentials_file"`
		Topic           string `yaml:"topic"`
	} `yaml:"fcm"`
	Reporter struct {
		Interval time.Duration `yaml:"interval"`
	} `yaml:"reporter"`
}

// LoadConfig reads the YAML file named by CONFIG_PATH and applies
// environment overrides.
func LoadConfig() (Config, error) {
	path := strings.TrimSpace(os.Getenv("CONFIG_PATH"))
	if path == "" {
		path = defaultPath
	}
	return Load(path)
}

func Load(path string) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config data: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.Server.JWTSecret, "JWT_SECRET")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setString(&c.Store.BaseURL, "STORE_BASE_URL")
	setString(&c.Store.IssuerID, "STORE_ISSUER_ID")
	setString(&c.Store.KeyID, "STORE_KEY_ID")
	setString(&c.Store.PrivateKey, "STORE_PRIVATE_KEY")
	setString(&c.Receipt.S3.AccessKey, "S3_ACCESS_KEY")
	setString(&c.Receipt.S3.SecretKey, "S3_SECRET_KEY")
	setString(&c.FCM.CredentialsFile, "FCM_CREDENTIALS_FILE")
	if v := strings.TrimSpace(os.Getenv("STORE_ALLOW_UNSIGNED")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Store.AllowUnsigned = b
		}
	}
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		c.Server.Address = ":" + port
	}
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":4001"
	}
	if c.Server.RateLimit.RPS == 0 && c.Server.RateLimit.Burst == 0 {
		c.Server.RateLimit.RPS = 5
		c.Server.RateLimit.Burst = 10
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Receipt.Path == "" {
		c.Receipt.Path = "data/receipt"
	}
	if c.Redis.SeenTTL == 0 {
		c.Redis.SeenTTL = 24 * time.Hour
	}
	if c.Reporter.Interval == 0 {
		c.Reporter.Interval = time.Hour
	}
}

// Validate reports the first missing or inconsistent setting.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "mysql", "pgx":
	default:
		return fmt.Errorf("database.driver must be mysql or pgx, got %q", c.Database.Driver)
	}
	if strings.TrimSpace(c.Database.URL) == "" {
		return errors.New("database.url is required")
	}
	if strings.TrimSpace(c.Server.JWTSecret) == "" {
		return errors.New("server.jwt_secret is required")
	}
	if strings.TrimSpace(c.Store.BaseURL) == "" {
		return errors.New("store.base_url is required")
	}
	if c.Purchase.Timeout < 0 {
		return errors.New("purchase.timeout must not be negative")
	}
	s3 := c.Receipt.S3
	if s3.Bucket != "" && (s3.AccessKey == "" || s3.SecretKey == "") {
		return errors.New("receipt.s3 requires access_key and secret_key")
	}
	if c.FCM.Topic != "" && c.FCM.CredentialsFile == "" {
		return errors.New("fcm.credentials_file is required when fcm.topic is set")
	}
	return nil
}
