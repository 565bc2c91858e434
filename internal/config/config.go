// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// 実行環境
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// 認証モード
const (
	AuthModeLocal = "local"
	AuthModeOIDC  = "oidc"
)

// MinSessionSecretLength はSESSION_SECRETに要求する最小バイト数。
const MinSessionSecretLength = 32

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string `env:"DATABASE_URL, required"`

	// Session
	SessionSecret        string        `env:"SESSION_SECRET, required"`
	SessionPruneInterval time.Duration `env:"SESSION_PRUNE_INTERVAL, default=15m"`
	// workerがPrometheusメトリクスを公開するポート。空なら公開しない
	WorkerMetricsPort string `env:"WORKER_METRICS_PORT, default=9091"`

	// Server
	AppEnv     string `env:"APP_ENV, default=development"`
	AuthMode   string `env:"AUTH_MODE, default=local"`
	ServerPort string `env:"SERVER_PORT, default=8080"`
	LogLevel   string `env:"LOG_LEVEL, default=info"`

	// Cookie / CORS
	CookieDomain       string   `env:"COOKIE_DOMAIN"`
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS, default=http://localhost:3000"`

	// OIDC（AUTH_MODE=oidcの場合のみ使用）
	OIDC OIDCConfig

	// Login throttle
	RedisURL           string        `env:"REDIS_URL"`
	LoginMaxFailures   int           `env:"LOGIN_MAX_FAILURES, default=10"`
	LoginFailureWindow time.Duration `env:"LOGIN_FAILURE_WINDOW, default=15m"`

	// Rate Limit（1分あたりのリクエスト数）
	RateLimitAuth    int `env:"RATE_LIMIT_AUTH, default=20"`
	RateLimitGeneral int `env:"RATE_LIMIT_GENERAL, default=120"`
}

// OIDCConfig はIDプロバイダーの設定。
type OIDCConfig struct {
	IssuerURL    string        `env:"OIDC_ISSUER_URL"`
	ClientID     string        `env:"OIDC_CLIENT_ID"`
	ClientSecret string        `env:"OIDC_CLIENT_SECRET"`
	Domains      []string      `env:"OIDC_DOMAINS"`
	HTTPTimeout  time.Duration `env:"OIDC_HTTP_TIMEOUT, default=10s"`
}

// Load は環境変数からConfigを読み込み、検証する。
func Load(ctx context.Context) (*Config, error) {
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith は指定したLookuperからConfigを読み込み、検証する。
func LoadWith(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	cfg.AppEnv = strings.ToLower(strings.TrimSpace(cfg.AppEnv))
	cfg.AuthMode = strings.ToLower(strings.TrimSpace(cfg.AuthMode))
	cfg.CORSAllowedOrigins = trimAll(cfg.CORSAllowedOrigins)
	cfg.OIDC.Domains = trimAll(cfg.OIDC.Domains)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDotEnv は開発用の.envファイルを環境変数に読み込む。
// 既に設定されている環境変数は上書きしない。ファイルがない場合は何もしない。
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// Validate は設定値の整合性を検証する。問題はまとめて1つのエラーとして返す。
func (c *Config) Validate() error {
	var problems []string

	if len(c.SessionSecret) < MinSessionSecretLength {
		problems = append(problems, fmt.Sprintf("SESSION_SECRET must be at least %d bytes", MinSessionSecretLength))
	}
	if c.AppEnv != EnvDevelopment && c.AppEnv != EnvProduction {
		problems = append(problems, fmt.Sprintf("APP_ENV must be %q or %q", EnvDevelopment, EnvProduction))
	}
	switch c.AuthMode {
	case AuthModeLocal:
	case AuthModeOIDC:
		var missing []string
		if c.OIDC.IssuerURL == "" {
			missing = append(missing, "OIDC_ISSUER_URL")
		}
		if c.OIDC.ClientID == "" {
			missing = append(missing, "OIDC_CLIENT_ID")
		}
		if len(c.OIDC.Domains) == 0 {
			missing = append(missing, "OIDC_DOMAINS")
		}
		if len(missing) > 0 {
			problems = append(problems, fmt.Sprintf("required for AUTH_MODE=oidc: %v", missing))
		}
	default:
		problems = append(problems, fmt.Sprintf("AUTH_MODE must be %q or %q", AuthModeLocal, AuthModeOIDC))
	}
	if c.LoginMaxFailures <= 0 {
		problems = append(problems, "LOGIN_MAX_FAILURES must be positive")
	}
	if c.LoginFailureWindow <= 0 {
		problems = append(problems, "LOGIN_FAILURE_WINDOW must be positive")
	}
	if c.RateLimitAuth <= 0 || c.RateLimitGeneral <= 0 {
		problems = append(problems, "RATE_LIMIT_AUTH and RATE_LIMIT_GENERAL must be positive")
	}
	if c.SessionPruneInterval <= 0 {
		problems = append(problems, "SESSION_PRUNE_INTERVAL must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// IsProduction は本番環境かどうかを返す。
func (c *Config) IsProduction() bool {
	return c.AppEnv == EnvProduction
}

// UsesOIDC はフェデレーション認証モードかどうかを返す。
func (c *Config) UsesOIDC() bool {
	return c.AuthMode == AuthModeOIDC
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
