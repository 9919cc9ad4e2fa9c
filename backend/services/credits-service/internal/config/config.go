package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	libconfig "communityhub/backend/libs/config"
	"communityhub/backend/services/credits-service/internal/models"
	"communityhub/backend/services/credits-service/internal/service"
)

// Config defines credits service configuration.
type Config struct {
	HTTP struct {
		Port string `yaml:"port" env:"CREDITS_HTTP_PORT"`
	} `yaml:"http"`
	Database struct {
		Driver string `yaml:"driver" env:"CREDITS_DB_DRIVER"`
		DSN    string `yaml:"dsn" env:"CREDITS_DB_DSN"`
	} `yaml:"database"`
	Redis struct {
		Addr     string        `yaml:"addr" env:"CREDITS_REDIS_ADDR"`
		Password string        `yaml:"password" env:"CREDITS_REDIS_PASSWORD"`
		DB       int           `yaml:"db" env:"CREDITS_REDIS_DB"`
		TTL      time.Duration `yaml:"ttl" env:"CREDITS_REDIS_TTL"`
	} `yaml:"redis"`
	JWT struct {
		Secret string `yaml:"secret" env:"CREDITS_JWT_SECRET"`
	} `yaml:"jwt"`
	Log struct {
		Level string `yaml:"level" env:"LOG_LEVEL"`
	} `yaml:"log"`
	Allocation struct {
		ItemTimeout time.Duration `yaml:"itemTimeout" env:"CREDITS_ALLOCATION_ITEM_TIMEOUT"`
		BatchLimit  int           `yaml:"batchLimit" env:"CREDITS_ALLOCATION_BATCH_LIMIT"`
	} `yaml:"allocation"`
	Finance Finance `yaml:"finance"`
}

// Finance holds pricing and credit rules. It is read from YAML only.
type Finance struct {
	Pricing           map[string]models.PricingRule           `yaml:"pricing"`
	Credits           map[models.CreditType]models.CreditRule `yaml:"credits"`
	ChargeableCredits map[string]models.CreditType            `yaml:"chargeableCredits"`
}

// Load configuration from file/env. An empty path falls back to CONFIG_FILE.
func Load(path string) (*Config, error) {
	cfg := defaults()

	var err error
	if strings.TrimSpace(path) == "" {
		err = libconfig.LoadConfig(cfg)
	} else {
		err = libconfig.LoadConfigFrom(path, cfg)
	}
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	cfg := &Config{}
	cfg.HTTP.Port = "8085"
	cfg.Database.Driver = "postgres"
	cfg.Redis.TTL = 5 * time.Minute
	cfg.Log.Level = "info"
	cfg.Allocation.ItemTimeout = 10 * time.Second
	cfg.Allocation.BatchLimit = 1000
	return cfg
}

// Validate checks required settings and cross references between finance rules.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Database.DSN) == "" {
		return errors.New("config: database dsn required")
	}
	if c.RedisEnabled() && c.Redis.TTL <= 0 {
		return errors.New("config: redis ttl must be positive when redis is enabled")
	}

	for name, rule := range c.Finance.Pricing {
		if rule.Rate < 0 {
			return fmt.Errorf("config: pricing %q: rate must not be negative", name)
		}
	}
	for ct, rule := range c.Finance.Credits {
		if !ct.Valid() {
			return fmt.Errorf("config: credits: unknown credit type %q", ct)
		}
		if rule.ValuePerBlock <= 0 {
			return fmt.Errorf("config: credits %q: valuePerBlock must be positive", ct)
		}
		if !rule.Policy.Valid() {
			return fmt.Errorf("config: credits %q: unknown policy %q", ct, rule.Policy)
		}
		if rule.MinutesPerBlock < 0 {
			return fmt.Errorf("config: credits %q: minutesPerBlock must not be negative", ct)
		}
		if rule.MaxBalance < 0 {
			return fmt.Errorf("config: credits %q: maxBalance must not be negative", ct)
		}
	}
	for chargeable, ct := range c.Finance.ChargeableCredits {
		if _, ok := c.Finance.Pricing[chargeable]; !ok {
			return fmt.Errorf("config: chargeableCredits %q: no pricing configured", chargeable)
		}
		if _, ok := c.Finance.Credits[ct]; !ok {
			return fmt.Errorf("config: chargeableCredits %q: credit type %q is not configured", chargeable, ct)
		}
	}
	return nil
}

// PricingConfig converts finance settings for the pricing calculator.
func (c *Config) PricingConfig() service.PricingConfig {
	return service.PricingConfig{
		Rates:             c.Finance.Pricing,
		Credits:           c.Finance.Credits,
		ChargeableCredits: c.Finance.ChargeableCredits,
	}
}

// HTTPAddress returns :port style string.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.HTTP.Port)
	if port == "" {
		port = "8085"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

// RedisEnabled reports whether a balance cache is configured.
func (c *Config) RedisEnabled() bool {
	return strings.TrimSpace(c.Redis.Addr) != ""
}
