package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultJWTSecret is only good for local development; production refuses it.
const DefaultJWTSecret = "dev-only-change-me"

type Config struct {
	Env         string
	Port        string
	DatabaseURL string

	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	AuditStream     string
	SummaryCacheTTL time.Duration

	JWTSecret      string
	JWTIssuer      string
	AuthDisabled   bool
	AllowedOrigins []string
	RateLimitRPS   float64
	RateLimitBurst int

	AllowNegativeAdjustment bool
	DeviationMinorTolerance int64
	DeviationWarningPct     string

	InvoiceEstablishment string
	InvoiceExpedition    string
	InvoiceRangeEnd      int64

	SeedDemo bool
}

// Load reads an optional .env file in the working directory, then the
// process environment, which wins.
func Load() Config {
	return load(".env")
}

func load(path string) Config {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	v.AutomaticEnv()
	_ = v.ReadInConfig()

	v.SetDefault("APP_ENV", "development")
	v.SetDefault("PORT", "8080")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("AUDIT_STREAM", "cashledger:audit")
	v.SetDefault("SUMMARY_CACHE_TTL", "10m")
	v.SetDefault("JWT_SECRET", DefaultJWTSecret)
	v.SetDefault("AUTH_DISABLED", false)
	v.SetDefault("CORS_ALLOWED_ORIGINS", "http://127.0.0.1:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("ALLOW_NEGATIVE_ADJUSTMENT", false)
	v.SetDefault("DEVIATION_MINOR_TOLERANCE", 1000)
	v.SetDefault("DEVIATION_WARNING_PCT", "2")
	v.SetDefault("INVOICE_ESTABLISHMENT", "001")
	v.SetDefault("INVOICE_EXPEDITION", "001")
	v.SetDefault("INVOICE_RANGE_END", 9999999)
	v.SetDefault("SEED_DEMO", true)

	ttl := v.GetDuration("SUMMARY_CACHE_TTL")
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	return Config{
		Env:                     strings.ToLower(strings.TrimSpace(v.GetString("APP_ENV"))),
		Port:                    v.GetString("PORT"),
		DatabaseURL:             strings.TrimSpace(v.GetString("DATABASE_URL")),
		RedisAddr:               strings.TrimSpace(v.GetString("REDIS_ADDR")),
		RedisPassword:           v.GetString("REDIS_PASSWORD"),
		RedisDB:                 v.GetInt("REDIS_DB"),
		AuditStream:             v.GetString("AUDIT_STREAM"),
		SummaryCacheTTL:         ttl,
		JWTSecret:               strings.TrimSpace(v.GetString("JWT_SECRET")),
		JWTIssuer:               strings.TrimSpace(v.GetString("JWT_ISSUER")),
		AuthDisabled:            v.GetBool("AUTH_DISABLED"),
		AllowedOrigins:          splitList(v.GetString("CORS_ALLOWED_ORIGINS")),
		RateLimitRPS:            v.GetFloat64("RATE_LIMIT_RPS"),
		RateLimitBurst:          v.GetInt("RATE_LIMIT_BURST"),
		AllowNegativeAdjustment: v.GetBool("ALLOW_NEGATIVE_ADJUSTMENT"),
		DeviationMinorTolerance: v.GetInt64("DEVIATION_MINOR_TOLERANCE"),
		DeviationWarningPct:     v.GetString("DEVIATION_WARNING_PCT"),
		InvoiceEstablishment:    v.GetString("INVOICE_ESTABLISHMENT"),
		InvoiceExpedition:       v.GetString("INVOICE_EXPEDITION"),
		InvoiceRangeEnd:         v.GetInt64("INVOICE_RANGE_END"),
		SeedDemo:                v.GetBool("SEED_DEMO"),
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) Production() bool {
	return c.Env == "production" || c.Env == "prod"
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
