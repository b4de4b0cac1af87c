package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/PortNumber53/billing-engine/internal/gateway"
)

// Config captures runtime configuration values used by the billing service.
type Config struct {
	// ServerAddress is the host:port pair the HTTP server listens on. Defaults to ":18111".
	ServerAddress string

	// DatabaseURL is the Postgres DSN used by database/sql.
	DatabaseURL string

	// RedisURL enables the cross-instance scheduler lock when set
	// (e.g. "redis://localhost:6379/0").
	RedisURL string

	// OpsAPIToken guards the /api/ops routes. Empty disables them.
	OpsAPIToken string

	// LogLevel is a logrus level name. Defaults to "info".
	LogLevel string

	// LogFormat is "text" or "json". Defaults to "text".
	LogFormat string

	// GatewayProvider selects the payment processor: inicis, iamport or mock.
	GatewayProvider string

	Inicis  gateway.InicisConfig
	Iamport gateway.IamportConfig

	// BillingSchedule and SweepSchedule are five-field cron expressions.
	BillingSchedule string
	SweepSchedule   string

	// BatchSize caps the subscriptions charged per billing run.
	BatchSize int

	// CallInterval is the minimum spacing between gateway calls.
	CallInterval time.Duration

	// TestInterval, when positive, replaces the monthly/yearly billing period.
	TestInterval time.Duration
}

const (
	ProviderInicis  = "inicis"
	ProviderIamport = "iamport"
	ProviderMock    = "mock"
)

const (
	defaultServerAddress   = ":18111"
	defaultLogLevel        = "info"
	defaultLogFormat       = "text"
	defaultProvider        = ProviderInicis
	defaultBillingSchedule = "0 2 * * *"
	defaultSweepSchedule   = "0 * * * *"
	defaultBatchSize       = 10
	defaultCallInterval    = time.Second

	envServerAddress    = "BACKEND_ADDR"
	envDatabaseURL      = "DATABASE_URL"
	envRedisURL         = "REDIS_URL"
	envOpsAPIToken      = "OPS_API_TOKEN"
	envLogLevel         = "LOG_LEVEL"
	envLogFormat        = "LOG_FORMAT"
	envGatewayProvider  = "GATEWAY_PROVIDER"
	envInicisMID        = "INICIS_MID"
	envInicisAPIKey     = "INICIS_API_KEY"
	envInicisHash       = "INICIS_HASH"
	envInicisProduction = "INICIS_PRODUCTION"
	envInicisBaseURL    = "INICIS_BASE_URL"
	envIamportAPIKey    = "IAMPORT_API_KEY"
	envIamportAPISecret = "IAMPORT_API_SECRET"
	envIamportBaseURL   = "IAMPORT_BASE_URL"
	envGatewayClientIP  = "GATEWAY_CLIENT_IP"
	envGatewayReturnURL = "GATEWAY_RETURN_URL"
	envBillingSchedule  = "BILLING_CRON_SCHEDULE"
	envSweepSchedule    = "SWEEP_CRON_SCHEDULE"
	envBatchSize        = "BILLING_BATCH_SIZE"
	envCallInterval     = "BILLING_CALL_INTERVAL"
	envTestInterval     = "BILLING_TEST_INTERVAL"
)

// Load reads configuration from environment variables, applies defaults, and returns
// a Config structure. Required values return an error when missing; gateway
// credentials are required for the selected provider.
func Load() (Config, error) {
	cfg := Config{
		ServerAddress:   firstNonEmpty(os.Getenv(envServerAddress), defaultServerAddress),
		RedisURL:        os.Getenv(envRedisURL),
		OpsAPIToken:     os.Getenv(envOpsAPIToken),
		LogLevel:        firstNonEmpty(os.Getenv(envLogLevel), defaultLogLevel),
		LogFormat:       firstNonEmpty(os.Getenv(envLogFormat), defaultLogFormat),
		GatewayProvider: strings.ToLower(firstNonEmpty(os.Getenv(envGatewayProvider), defaultProvider)),
		BillingSchedule: firstNonEmpty(os.Getenv(envBillingSchedule), defaultBillingSchedule),
		SweepSchedule:   firstNonEmpty(os.Getenv(envSweepSchedule), defaultSweepSchedule),
	}

	var err error
	if cfg.DatabaseURL, err = LoadDatabaseURL(); err != nil {
		return Config{}, err
	}

	if cfg.BatchSize, err = intFromEnv(envBatchSize, defaultBatchSize); err != nil {
		return Config{}, err
	}
	if cfg.CallInterval, err = durationFromEnv(envCallInterval, defaultCallInterval); err != nil {
		return Config{}, err
	}
	if cfg.TestInterval, err = durationFromEnv(envTestInterval, 0); err != nil {
		return Config{}, err
	}

	switch cfg.GatewayProvider {
	case ProviderInicis:
		if cfg.Inicis, err = loadInicis(); err != nil {
			return Config{}, err
		}
	case ProviderIamport:
		cfg.Iamport = gateway.IamportConfig{
			APIKey:    os.Getenv(envIamportAPIKey),
			APISecret: os.Getenv(envIamportAPISecret),
			BaseURL:   os.Getenv(envIamportBaseURL),
		}
		if cfg.Iamport.APIKey == "" {
			return Config{}, fmt.Errorf("%s is required", envIamportAPIKey)
		}
		if cfg.Iamport.APISecret == "" {
			return Config{}, fmt.Errorf("%s is required", envIamportAPISecret)
		}
	case ProviderMock:
	default:
		return Config{}, fmt.Errorf("invalid %s %q: want %s, %s or %s",
			envGatewayProvider, cfg.GatewayProvider, ProviderInicis, ProviderIamport, ProviderMock)
	}

	return cfg, nil
}

// LoadDatabaseURL reads only the database DSN, for tools that never reach a
// payment gateway.
func LoadDatabaseURL() (string, error) {
	dsn := os.Getenv(envDatabaseURL)
	if dsn == "" {
		return "", fmt.Errorf("%s is required", envDatabaseURL)
	}
	return dsn, nil
}

func loadInicis() (gateway.InicisConfig, error) {
	production, err := boolFromEnv(envInicisProduction)
	if err != nil {
		return gateway.InicisConfig{}, err
	}

	baseURL := gateway.InicisTestBaseURL
	if production {
		baseURL = gateway.InicisProductionBaseURL
	}

	cfg := gateway.InicisConfig{
		MerchantID: os.Getenv(envInicisMID),
		APIKey:     os.Getenv(envInicisAPIKey),
		BaseURL:    firstNonEmpty(os.Getenv(envInicisBaseURL), baseURL),
		Hash:       gateway.HashAlgorithm(strings.ToLower(firstNonEmpty(os.Getenv(envInicisHash), string(gateway.HashSHA512)))),
		ClientIP:   os.Getenv(envGatewayClientIP),
		ReturnURL:  os.Getenv(envGatewayReturnURL),
	}

	if cfg.MerchantID == "" {
		return gateway.InicisConfig{}, fmt.Errorf("%s is required", envInicisMID)
	}
	if cfg.APIKey == "" {
		return gateway.InicisConfig{}, fmt.Errorf("%s is required", envInicisAPIKey)
	}
	if cfg.Hash != gateway.HashSHA512 && cfg.Hash != gateway.HashSHA256 {
		return gateway.InicisConfig{}, fmt.Errorf("invalid %s %q: want sha512 or sha256", envInicisHash, cfg.Hash)
	}
	return cfg, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func intFromEnv(env string, def int) (int, error) {
	raw := os.Getenv(env)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s %q: want a positive integer", env, raw)
	}
	return n, nil
}

func durationFromEnv(env string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(env)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid %s %q: want a duration such as 1s or 10m", env, raw)
	}
	return d, nil
}

func boolFromEnv(env string) (bool, error) {
	raw := os.Getenv(env)
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", env, raw, err)
	}
	return b, nil
}
