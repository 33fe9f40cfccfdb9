package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Config holds the complete application configuration, loadable from
// environment variables (DISCO_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"HTTP server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (DISCO_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	Shopify     ShopifyConfig
	Progression ProgressionConfig
	CodeFilter  CodeFilterConfig
	RateLimit   RateLimitConfig
	Graceful    GracefulConfig
}

// ShopifyConfig holds the Admin API connection parameters for the shop this
// engine manages discounts on.
type ShopifyConfig struct {
	Endpoint      string        `usage:"Admin GraphQL endpoint, e.g. https://{shop}.myshopify.com/admin/api/2024-10/graphql.json"`
	AccessToken   string        `usage:"Admin API access token (DISCO_SHOPIFY_ACCESS_TOKEN)" flag:"shopify-access-token"`
	WebhookSecret string        `usage:"Shared secret for webhook HMAC verification" flag:"webhook-secret"`
	Timeout       time.Duration `default:"10s" usage:"Per-call Admin API timeout"`
}

// ProgressionConfig tunes the progression coordinator.
type ProgressionConfig struct {
	Reconcile   bool          `default:"false" usage:"Read the platform's applied percentage before each step and adopt it on divergence"`
	CallTimeout time.Duration `default:"10s" usage:"Bound on each gateway and ledger call inside a cycle" flag:"call-timeout"`
}

// CodeFilterConfig sizes the in-memory tracked-code filter.
type CodeFilterConfig struct {
	Capacity        uint          `default:"100000" usage:"Expected number of tracked codes"`
	FalsePositive   float64       `default:"0.01" usage:"Target false positive rate" flag:"filter-fpr"`
	RefreshInterval time.Duration `default:"5m" usage:"How often the filter is rebuilt from the ledger" flag:"filter-refresh"`
}

// RateLimitConfig controls the per-client token bucket rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "DISCO",
		Files:     []string{"config.yaml", "/etc/disco/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required: set DISCO_DATABASE_URL or DATABASE_URL")
	}
	if cfg.Shopify.Endpoint == "" {
		return nil, errors.New("shopify endpoint is required: set DISCO_SHOPIFY_ENDPOINT")
	}

	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's DISCO_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
