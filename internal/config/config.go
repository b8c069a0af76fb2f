package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds the settings shared by the backend and storefront binaries.
// Values come from an optional YAML file and are then overridden by the
// environment.
type Config struct {
	Backend    BackendConfig    `yaml:"backend"`
	Storefront StorefrontConfig `yaml:"storefront"`
	Checkout   CheckoutConfig   `yaml:"checkout"`
	Redis      RedisConfig      `yaml:"redis"`
	Temporal   TemporalConfig   `yaml:"temporal"`
	Mail       MailConfig       `yaml:"mail"`
}

type BackendConfig struct {
	Addr   string `yaml:"addr"`
	DBPath string `yaml:"db_path"`
}

type StorefrontConfig struct {
	Addr       string        `yaml:"addr"`
	BackendURL string        `yaml:"backend_url"`
	JWTSecret  string        `yaml:"jwt_secret"`
	SessionTTL time.Duration `yaml:"session_ttl"`
}

// CheckoutConfig keeps money values as strings so YAML floats never leak
// rounding into prices.
type CheckoutConfig struct {
	FreeShippingThreshold string `yaml:"free_shipping_threshold"`
	HomeDeliveryFee       string `yaml:"home_delivery_fee"`
	Currency              string `yaml:"currency"`
	OrderNumberPrefix     string `yaml:"order_number_prefix"`
}

type RedisConfig struct {
	URL        string        `yaml:"url"`
	RankingTTL time.Duration `yaml:"ranking_ttl"`
}

type TemporalConfig struct {
	Enabled   bool   `yaml:"enabled"`
	HostPort  string `yaml:"host_port"`
	Namespace string `yaml:"namespace"`
}

type MailConfig struct {
	SendGridAPIKey string `yaml:"sendgrid_api_key"`
	From           string `yaml:"from"`
}

// Default returns the values used when neither file nor environment set them.
func Default() Config {
	return Config{
		Backend: BackendConfig{
			Addr:   ":8081",
			DBPath: "backend.db",
		},
		Storefront: StorefrontConfig{
			Addr:       ":8082",
			BackendURL: "http://localhost:8081",
			JWTSecret:  "dev-secret",
			SessionTTL: 30 * time.Minute,
		},
		Checkout: CheckoutConfig{
			FreeShippingThreshold: "199",
			HomeDeliveryFee:       "9.90",
			Currency:              "eur",
			OrderNumberPrefix:     "INF",
		},
		Redis: RedisConfig{
			RankingTTL: 5 * time.Minute,
		},
		Temporal: TemporalConfig{
			HostPort:  "localhost:7233",
			Namespace: "default",
		},
		Mail: MailConfig{
			From: "no-reply@infotech.example",
		},
	}
}

// Load reads path (when non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadEnvFile exports the variables of a dotenv file into the process
// environment without overriding variables that are already set. A missing
// file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.Backend.Addr, "BACKEND_ADDR")
	setString(&c.Backend.DBPath, "BACKEND_DB")
	setString(&c.Storefront.Addr, "STOREFRONT_ADDR")
	setString(&c.Storefront.BackendURL, "BACKEND_URL")
	setString(&c.Storefront.JWTSecret, "JWT_SECRET")
	setString(&c.Checkout.FreeShippingThreshold, "FREE_SHIPPING_THRESHOLD")
	setString(&c.Checkout.HomeDeliveryFee, "HOME_DELIVERY_FEE")
	setString(&c.Checkout.Currency, "CHECKOUT_CURRENCY")
	setString(&c.Redis.URL, "REDIS_URL")
	setString(&c.Temporal.HostPort, "TEMPORAL_HOST_PORT")
	setString(&c.Temporal.Namespace, "TEMPORAL_NAMESPACE")
	setString(&c.Mail.SendGridAPIKey, "SENDGRID_API_KEY")
	setString(&c.Mail.From, "MAIL_FROM")

	if v := os.Getenv("SESSION_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SESSION_TTL: %w", err)
		}
		c.Storefront.SessionTTL = d
	}
	if v := os.Getenv("TEMPORAL_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("TEMPORAL_ENABLED: %w", err)
		}
		c.Temporal.Enabled = enabled
	}
	return nil
}

// Validate checks the money fields parse and are not negative.
func (c Config) Validate() error {
	threshold, err := decimal.NewFromString(c.Checkout.FreeShippingThreshold)
	if err != nil {
		return fmt.Errorf("checkout.free_shipping_threshold: %w", err)
	}
	fee, err := decimal.NewFromString(c.Checkout.HomeDeliveryFee)
	if err != nil {
		return fmt.Errorf("checkout.home_delivery_fee: %w", err)
	}
	if threshold.IsNegative() || fee.IsNegative() {
		return errors.New("checkout amounts must not be negative")
	}
	if c.Checkout.Currency == "" {
		return errors.New("checkout.currency required")
	}
	if c.Storefront.SessionTTL <= 0 {
		return errors.New("storefront.session_ttl must be positive")
	}
	if c.Redis.RankingTTL <= 0 {
		return errors.New("redis.ranking_ttl must be positive")
	}
	return nil
}

// Threshold returns the parsed free-shipping threshold; Validate guarantees it parses.
func (c CheckoutConfig) Threshold() decimal.Decimal {
	return decimal.RequireFromString(c.FreeShippingThreshold)
}

// Fee returns the parsed home-delivery fee.
func (c CheckoutConfig) Fee() decimal.Decimal {
	return decimal.RequireFromString(c.HomeDeliveryFee)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
