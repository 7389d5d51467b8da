package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Config holds the complete application configuration, loadable from
// environment variables (CHECKOUT_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (CHECKOUT_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	Redis       RedisConfig
	Kafka       KafkaConfig
	Courier     CourierConfig
	Gateway     GatewayConfig
	Checkout    CheckoutConfig
	Workers     WorkersConfig
	RateLimit   RateLimitConfig
	CORS        CORSConfig
	Graceful    GracefulConfig
}

// RedisConfig points at the Redis holding quote sessions, callback dedup
// keys and idempotency keys. Without a URL that state is kept in process.
type RedisConfig struct {
	URL string `usage:"Redis URL (CHECKOUT_REDIS_URL or REDIS_URL)" flag:"redis-url"`
}

// KafkaConfig configures notification publishing. Without brokers,
// notifications are only logged.
type KafkaConfig struct {
	Brokers []string `usage:"Kafka bootstrap brokers"`
	Topics  KafkaTopics
}

// KafkaTopics names the published topics.
type KafkaTopics struct {
	OrderStatus string `default:"order.status" usage:"Buyer status notification topic"`
	Payouts     string `default:"seller.payouts" usage:"Seller funds release topic"`
	Alerts      string `default:"checkout.alerts" usage:"Operator alert topic"`
}

// CourierConfig configures the shipping rate provider.
type CourierConfig struct {
	BaseURL  string        `default:"https://api.biteship.com" usage:"Rate provider base URL" flag:"courier-url"`
	APIKey   string        `usage:"Rate provider API key" flag:"courier-api-key"`
	Couriers []string      `default:"jne,jnt,sicepat" usage:"Courier codes to quote"`
	Timeout  time.Duration `default:"5s" usage:"Rate provider call timeout"`
}

// GatewayConfig configures the payment gateway.
type GatewayConfig struct {
	BaseURL     string        `usage:"Payment gateway base URL" flag:"gateway-url"`
	ServerKey   string        `usage:"Payment gateway server key" flag:"gateway-server-key"`
	CallbackURL string        `usage:"Public URL of POST /api/payments/callback" flag:"callback-url"`
	Secret      string        `usage:"Callback signing secret" flag:"callback-secret"`
	SessionTTL  time.Duration `default:"24h" usage:"Payment session lifetime"`
	Timeout     time.Duration `default:"10s" usage:"Gateway call timeout"`
}

// CheckoutConfig tunes the checkout orchestrator.
type CheckoutConfig struct {
	QuoteTTL       time.Duration `default:"30m" usage:"Quote session lifetime"`
	IdempotencyTTL time.Duration `default:"24h" usage:"Idempotency-Key retention"`
	RetryTries     uint          `default:"3" usage:"Attempts per provider call"`
	NumberAttempts int           `default:"5" usage:"Order number generation attempts"`
}

// WorkersConfig sets background job intervals.
type WorkersConfig struct {
	RelayInterval    time.Duration `default:"2s" usage:"Outbox relay interval"`
	RelayLease       time.Duration `default:"1m" usage:"How long a claimed outbox message is hidden from other relays"`
	RelayMaxAttempts int           `default:"10" usage:"Failed deliveries before an outbox message is dead-lettered"`
	RelayRetryMax    time.Duration `default:"30m" usage:"Longest delay between outbox delivery attempts"`
	ExpiryInterval   time.Duration `default:"1m" usage:"Payment expiry sweep interval"`
	CompleteInterval time.Duration `default:"10m" usage:"Auto-complete sweep interval"`
	CompleteAfter    time.Duration `default:"168h" usage:"Delivered orders complete after this long"`
	BatchSize        int           `default:"100" usage:"Orders handled per sweep"`
	MaxBacklog       int           `default:"10000" usage:"Outbox backlog that fails readiness"`
}

// RateLimitConfig controls the per-buyer sliding window limiter on checkout
// routes.
type RateLimitConfig struct {
	Max    int           `default:"30" usage:"Max checkout requests per window"`
	Window time.Duration `default:"1m" usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables and YAML files,
// then applies platform defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "CHECKOUT",
		Files:     []string{"config.yaml", "/etc/checkout/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyPlatformDefaults maps the unprefixed DATABASE_URL, REDIS_URL and
// PORT variables set by hosting platforms.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if c.Redis.URL == "" {
		c.Redis.URL = os.Getenv("REDIS_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}

func (c *Config) validate() error {
	switch {
	case c.DatabaseURL == "":
		return errors.New("database URL is required: set CHECKOUT_DATABASE_URL or DATABASE_URL")
	case c.Gateway.BaseURL == "":
		return errors.New("payment gateway URL is required: set CHECKOUT_GATEWAY_BASE_URL")
	case c.Gateway.Secret == "":
		return errors.New("callback secret is required: set CHECKOUT_GATEWAY_SECRET")
	case c.Workers.BatchSize <= 0:
		return errors.Errorf("workers batch size must be positive, got %d", c.Workers.BatchSize)
	}
	return nil
}
