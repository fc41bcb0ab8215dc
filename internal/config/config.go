// Package config loads and validates the server configuration from the
// environment and an optional .env file using Viper.
package config

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvProduction = "production"

	AccountsMemory   = "memory"
	AccountsDynamoDB = "dynamodb"

	// PolicyIssueSession creates the account on first verification and
	// returns a session immediately.
	PolicyIssueSession = "issue_session"
	// PolicyRequireRegistration returns a registration ticket for new phones
	// instead of a session.
	PolicyRequireRegistration = "require_registration"
)

type Config struct {
	Env         string
	LogLevel    string
	Server      ServerConfig
	DynamoDB    DynamoDBConfig
	Redis       RedisConfig
	Database    DatabaseConfig
	JWT         JWTConfig
	OTP         OTPConfig
	RateLimit   RateLimitConfig
	Idempotency IdempotencyConfig
	Session     SessionConfig
	Telemetry   TelemetryConfig
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// CORSAllowedOrigins lists browser origins allowed to call the API; "*"
	// allows any origin.
	CORSAllowedOrigins []string
	// JanitorInterval is how often expired challenges are purged. Zero
	// disables the purge.
	JanitorInterval    time.Duration
}

type DynamoDBConfig struct {
	Endpoint  string
	Region    string
	TableName string
}

type RedisConfig struct {
	Endpoint string
	Password string
	DB       int
}

type DatabaseConfig struct {
	Driver string
	URL    string
	// Timeout bounds every store call.
	Timeout time.Duration
}

type JWTConfig struct {
	SecretKey     string
	Issuer        string
	AccessExpiry  time.Duration
	RefreshExpiry time.Duration
	// RefreshHashKey is the pepper of the refresh ledger's keyed hash.
	RefreshHashKey []byte
}

type OTPConfig struct {
	Length      int
	Expiry      time.Duration
	MaxAttempts int
	Cooldown    time.Duration
	// ExposeCode returns the plaintext code to the caller instead of sending
	// it. Rejected in production.
	ExposeCode bool
}

type RateLimitConfig struct {
	PhoneMax    int
	PhoneWindow time.Duration
	IPMax       int
	IPWindow    time.Duration
	FailClosed  bool
}

type IdempotencyConfig struct {
	TTL time.Duration
	// LocalFallback serves idempotency from process memory when Redis is
	// down. Rejected in production.
	LocalFallback bool
}

type SessionConfig struct {
	NewUserPolicy   string
	AccountsBackend string
}

type TelemetryConfig struct {
	OTLPEndpoint string
	ServiceName  string
}

// Load reads .env (if present), then builds and validates Config from the
// environment. Env vars override .env.
func Load() (*Config, error) {
	return fromViper(newViper())
}

// LoadDatabase reads only the database settings. Tools that touch the schema
// use it so they run without the server's secrets.
func LoadDatabase() (*DatabaseConfig, error) {
	v := newViper()
	cfg := databaseFromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore missing .env

	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func databaseFromViper(v *viper.Viper) DatabaseConfig {
	return DatabaseConfig{
		Driver:  v.GetString("DATABASE_DRIVER"),
		URL:     v.GetString("DATABASE_URL"),
		Timeout: v.GetDuration("STORE_TIMEOUT"),
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("PORT", "8080")
	v.SetDefault("SERVER_READ_TIMEOUT", 15*time.Second)
	v.SetDefault("SERVER_WRITE_TIMEOUT", 15*time.Second)
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	v.SetDefault("JANITOR_INTERVAL", 10*time.Minute)

	v.SetDefault("DYNAMODB_ENDPOINT", "")
	v.SetDefault("DYNAMODB_REGION", "us-east-1")
	v.SetDefault("DYNAMODB_TABLE_NAME", "PhoneAuthTable")

	v.SetDefault("REDIS_ENDPOINT", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("DATABASE_DRIVER", "sqlite")
	v.SetDefault("DATABASE_URL", "file:phoneauth.db")
	v.SetDefault("STORE_TIMEOUT", 2*time.Second)

	v.SetDefault("JWT_SECRET_KEY", "")
	v.SetDefault("JWT_ISSUER", "phoneauth")
	v.SetDefault("JWT_ACCESS_EXPIRY", 30*time.Minute)
	v.SetDefault("JWT_REFRESH_EXPIRY", 720*time.Hour)
	v.SetDefault("REFRESH_HASH_KEY", "")

	v.SetDefault("OTP_LENGTH", 6)
	v.SetDefault("OTP_EXPIRY", 300*time.Second)
	v.SetDefault("OTP_MAX_ATTEMPTS", 5)
	v.SetDefault("OTP_COOLDOWN", 60*time.Second)
	v.SetDefault("OTP_EXPOSE_CODE", false)

	v.SetDefault("RATE_LIMIT_PHONE_MAX", 5)
	v.SetDefault("RATE_LIMIT_PHONE_WINDOW", time.Hour)
	v.SetDefault("RATE_LIMIT_IP_MAX", 20)
	v.SetDefault("RATE_LIMIT_IP_WINDOW", time.Hour)
	v.SetDefault("RATE_LIMIT_FAIL_CLOSED", false)

	v.SetDefault("IDEMPOTENCY_TTL", 24*time.Hour)
	v.SetDefault("IDEMPOTENCY_LOCAL_FALLBACK", false)

	v.SetDefault("NEW_USER_POLICY", PolicyIssueSession)
	v.SetDefault("ACCOUNTS_BACKEND", AccountsMemory)

	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_SERVICE_NAME", "phoneauth")
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Env:      v.GetString("APP_ENV"),
		LogLevel: v.GetString("LOG_LEVEL"),
		Server: ServerConfig{
			Port:         v.GetString("PORT"),
			ReadTimeout:  v.GetDuration("SERVER_READ_TIMEOUT"),
			WriteTimeout: v.GetDuration("SERVER_WRITE_TIMEOUT"),

			CORSAllowedOrigins: splitList(v.GetString("CORS_ALLOWED_ORIGINS")),
			JanitorInterval:    v.GetDuration("JANITOR_INTERVAL"),
		},
		DynamoDB: DynamoDBConfig{
			Endpoint:  v.GetString("DYNAMODB_ENDPOINT"),
			Region:    v.GetString("DYNAMODB_REGION"),
			TableName: v.GetString("DYNAMODB_TABLE_NAME"),
		},
		Redis: RedisConfig{
			Endpoint: v.GetString("REDIS_ENDPOINT"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		Database: databaseFromViper(v),
		JWT: JWTConfig{
			SecretKey:     v.GetString("JWT_SECRET_KEY"),
			Issuer:        v.GetString("JWT_ISSUER"),
			AccessExpiry:  v.GetDuration("JWT_ACCESS_EXPIRY"),
			RefreshExpiry: v.GetDuration("JWT_REFRESH_EXPIRY"),
		},
		OTP: OTPConfig{
			Length:      v.GetInt("OTP_LENGTH"),
			Expiry:      v.GetDuration("OTP_EXPIRY"),
			MaxAttempts: v.GetInt("OTP_MAX_ATTEMPTS"),
			Cooldown:    v.GetDuration("OTP_COOLDOWN"),
			ExposeCode:  v.GetBool("OTP_EXPOSE_CODE"),
		},
		RateLimit: RateLimitConfig{
			PhoneMax:    v.GetInt("RATE_LIMIT_PHONE_MAX"),
			PhoneWindow: v.GetDuration("RATE_LIMIT_PHONE_WINDOW"),
			IPMax:       v.GetInt("RATE_LIMIT_IP_MAX"),
			IPWindow:    v.GetDuration("RATE_LIMIT_IP_WINDOW"),
			FailClosed:  v.GetBool("RATE_LIMIT_FAIL_CLOSED"),
		},
		Idempotency: IdempotencyConfig{
			TTL:           v.GetDuration("IDEMPOTENCY_TTL"),
			LocalFallback: v.GetBool("IDEMPOTENCY_LOCAL_FALLBACK"),
		},
		Session: SessionConfig{
			NewUserPolicy:   v.GetString("NEW_USER_POLICY"),
			AccountsBackend: v.GetString("ACCOUNTS_BACKEND"),
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
			ServiceName:  v.GetString("OTEL_SERVICE_NAME"),
		},
	}

	if hk := v.GetString("REFRESH_HASH_KEY"); hk != "" {
		cfg.JWT.RefreshHashKey = []byte(hk)
	} else {
		sum := sha256.Sum256([]byte("refresh-ledger:" + cfg.JWT.SecretKey))
		cfg.JWT.RefreshHashKey = sum[:]
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the server must not start with.
func (c *Config) Validate() error {
	if c.JWT.SecretKey == "" {
		return errors.New("config: JWT_SECRET_KEY environment variable is required")
	}
	if len(c.JWT.SecretKey) < 32 {
		return errors.New("config: JWT_SECRET_KEY must be at least 32 bytes (256 bits)")
	}
	if c.JWT.AccessExpiry <= 0 || c.JWT.RefreshExpiry <= 0 {
		return errors.New("config: JWT expiries must be positive")
	}
	if c.OTP.Length < 4 || c.OTP.Length > 8 {
		return fmt.Errorf("config: OTP_LENGTH must be between 4 and 8, got %d", c.OTP.Length)
	}
	if c.OTP.Expiry <= 0 {
		return errors.New("config: OTP_EXPIRY must be positive")
	}
	if c.OTP.MaxAttempts < 1 {
		return errors.New("config: OTP_MAX_ATTEMPTS must be at least 1")
	}
	if err := c.Database.Validate(); err != nil {
		return err
	}
	if c.Session.NewUserPolicy != PolicyIssueSession && c.Session.NewUserPolicy != PolicyRequireRegistration {
		return fmt.Errorf("config: NEW_USER_POLICY must be %s or %s", PolicyIssueSession, PolicyRequireRegistration)
	}
	if c.Session.AccountsBackend != AccountsMemory && c.Session.AccountsBackend != AccountsDynamoDB {
		return fmt.Errorf("config: ACCOUNTS_BACKEND must be %s or %s", AccountsMemory, AccountsDynamoDB)
	}
	if c.IsProduction() {
		if c.OTP.ExposeCode {
			return errors.New("config: OTP_EXPOSE_CODE must not be true when APP_ENV=production")
		}
		if c.Idempotency.LocalFallback {
			return errors.New("config: IDEMPOTENCY_LOCAL_FALLBACK must not be true when APP_ENV=production")
		}
	}
	return nil
}

func (d *DatabaseConfig) Validate() error {
	if d.Driver != "sqlite" && d.Driver != "postgres" {
		return fmt.Errorf("config: DATABASE_DRIVER must be sqlite or postgres, got %q", d.Driver)
	}
	if d.URL == "" {
		return errors.New("config: DATABASE_URL must be set")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Env == EnvProduction
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
