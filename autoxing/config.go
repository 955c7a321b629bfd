package autoxing

import (
	"os"
	"strconv"
	"time"
)

// DefaultBaseURL is the vendor's global API endpoint.
const DefaultBaseURL = "https://apiglobal.autoxing.com"

// DefaultTokenTTL is how long a fetched token is reused before a fresh
// one is requested. The vendor issues tokens valid for about an hour;
// 3000 seconds leaves a safety margin.
const DefaultTokenTTL = 3000 * time.Second

// Config holds AutoXing API credentials and endpoint settings.
type Config struct {
	BaseURL   string        `yaml:"base_url"`
	AppID     string        `yaml:"app_id"`
	AppSecret string        `yaml:"app_secret"`
	AppCode   string        `yaml:"app_code"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// DefaultConfig returns a Config with vendor defaults and no credentials.
func DefaultConfig() Config {
	return Config{
		BaseURL:  DefaultBaseURL,
		TokenTTL: DefaultTokenTTL,
	}
}

// ConfigFromEnv builds a Config from AUTOX_* environment variables,
// falling back to defaults for base URL and token TTL.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if v := os.Getenv("AUTOX_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	cfg.AppID = os.Getenv("AUTOX_APP_ID")
	cfg.AppSecret = os.Getenv("AUTOX_APP_SECRET")
	cfg.AppCode = os.Getenv("AUTOX_APP_CODE")
	if v := os.Getenv("AUTOX_TOKEN_TTL_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.TokenTTL = time.Duration(secs) * time.Second
		}
	}
	return cfg
}

// Validate checks that all required credentials are present.
func (c Config) Validate() error {
	if c.AppID == "" || c.AppSecret == "" || c.AppCode == "" {
		return ErrMissingCredentials
	}
	return nil
}

// Merge overlays non-zero fields from other onto c.
func (c Config) Merge(other Config) Config {
	if other.BaseURL != "" {
		c.BaseURL = other.BaseURL
	}
	if other.AppID != "" {
		c.AppID = other.AppID
	}
	if other.AppSecret != "" {
		c.AppSecret = other.AppSecret
	}
	if other.AppCode != "" {
		c.AppCode = other.AppCode
	}
	if other.TokenTTL != 0 {
		c.TokenTTL = other.TokenTTL
	}
	return c
}
