// Package app はコマンドごとの依存関係のワイヤリングと起動処理を提供する。
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/marceconnect/marceconnect/internal/auth"
	"github.com/marceconnect/marceconnect/internal/config"
	"github.com/marceconnect/marceconnect/internal/database"
	"github.com/marceconnect/marceconnect/internal/handler"
	"github.com/marceconnect/marceconnect/internal/logger"
	"github.com/marceconnect/marceconnect/internal/metrics"
	"github.com/marceconnect/marceconnect/internal/middleware"
	"github.com/marceconnect/marceconnect/internal/repository"
	"github.com/marceconnect/marceconnect/internal/security"
	"github.com/marceconnect/marceconnect/internal/session"
	"github.com/marceconnect/marceconnect/internal/throttle"
	"github.com/marceconnect/marceconnect/internal/user"
	"github.com/marceconnect/marceconnect/internal/worker/cleanup"
)

// shutdownTimeout はグレースフルシャットダウンの待ち時間。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// .envと環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(ctx context.Context, w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. .envと環境変数から設定を読み込む
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. LOG_LEVELを反映する
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	logger.SetupDefault(w, level)

	slog.Info("configuration loaded",
		slog.String("app_env", cfg.AppEnv),
		slog.String("auth_mode", cfg.AuthMode),
		slog.String("port", cfg.ServerPort),
	)
	return cfg, nil
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)
	return db, nil
}

// newMetricsRegistry はGo/プロセスのメトリクスとアプリケーションのCollectorを登録したレジストリを返す。
func newMetricsRegistry() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

// newLoginThrottle はREDIS_URLが設定されていればRedisによるログイン失敗回数制限を返す。
// 戻り値のcloseは常に呼び出してよい。
func newLoginThrottle(ctx context.Context, cfg *config.Config) (auth.LoginThrottle, func(), error) {
	if cfg.RedisURL == "" {
		slog.Warn("REDIS_URL is not set; login failure throttling is disabled")
		return throttle.Noop{}, func() {}, nil
	}
	client, err := throttle.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	limiter := throttle.NewRedisLimiter(client, cfg.LoginMaxFailures, cfg.LoginFailureWindow)
	return limiter, func() { client.Close() }, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// 2. リポジトリとセッション
	userRepo := repository.NewPostgresUserRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	sessions := session.NewManager(sessionRepo, []byte(cfg.SessionSecret), session.PolicyFor(cfg.AppEnv, cfg.CookieDomain))

	// 3. メトリクス
	reg, collector := newMetricsRegistry()

	// 4. ドメインサービス
	hasher := auth.NewPasswordHasher()
	validate := auth.NewValidator()
	userService := user.NewService(userRepo, security.NewProfileSanitizer(), hasher, validate)

	rateLimiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitAuth, cfg.RateLimitGeneral))
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		Logger:             slog.Default(),
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimiter:        rateLimiter,
		Metrics:            collector,
		MetricsHandler:     metrics.Handler(reg),
		HealthChecker:      db,
		Production:         cfg.IsProduction(),
		Sessions:           sessions,
		UserService:        userService,
		Authorizer:         auth.NewAuthorizer(userRepo),
		AdminUsers:         userRepo,
	}

	// 5. 認証モード
	if cfg.UsesOIDC() {
		oidcDeps, err := newOIDCDeps(ctx, cfg, userRepo)
		if err != nil {
			return err
		}
		deps.OIDC = oidcDeps
	} else {
		loginThrottle, closeThrottle, err := newLoginThrottle(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeThrottle()

		deps.Local = &handler.LocalAuthDeps{
			Registrar:     auth.NewRegistrar(userRepo, hasher, validate),
			Authenticator: auth.NewLocalAuthenticator(auth.NewLocalStrategy(userRepo, hasher), loginThrottle),
		}
	}

	router := handler.NewRouter(deps)

	// 6. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
			slog.String("auth_mode", cfg.AuthMode),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// newOIDCDeps はIDプロバイダーのディスカバリを行い、フェデレーション認証の依存関係を組み立てる。
// JWKSキャッシュの更新はctxがキャンセルされるまで続く。
func newOIDCDeps(ctx context.Context, cfg *config.Config, users auth.UserUpserter) (*handler.OIDCDeps, error) {
	domains, err := auth.NewDomainRegistry(cfg.OIDC.Domains)
	if err != nil {
		return nil, err
	}

	provider, err := auth.NewOIDCProvider(ctx, auth.OIDCConfig{
		IssuerURL:    cfg.OIDC.IssuerURL,
		ClientID:     cfg.OIDC.ClientID,
		ClientSecret: cfg.OIDC.ClientSecret,
		HTTPTimeout:  cfg.OIDC.HTTPTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OIDC provider: %w", err)
	}

	strategy := auth.NewFederatedStrategy(provider, users, auth.NewStateCodec([]byte(cfg.SessionSecret)))

	slog.Info("OIDC provider ready",
		slog.String("issuer", cfg.OIDC.IssuerURL),
		slog.Any("domains", domains.Domains()),
	)

	return &handler.OIDCDeps{
		Flow:          strategy,
		Refresher:     strategy,
		Authenticator: auth.NewFederatedAuthenticator(strategy),
		Domains:       domains,
	}, nil
}

// runWorker はワーカーモードで起動する。
// 期限切れセッションの削除ジョブをctxがキャンセルされるまで定期実行する。
// WORKER_METRICS_PORTが設定されていれば削除件数などのメトリクスを/metricsで公開する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	reg, collector := newMetricsRegistry()

	if cfg.WorkerMetricsPort != "" {
		metricsServer := newWorkerMetricsServer(":"+cfg.WorkerMetricsPort, reg)
		go func() {
			slog.Info("worker metrics server starting", slog.String("addr", metricsServer.Addr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("worker metrics server error", slog.String("error", err.Error()))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	job := cleanup.NewCleanupJob(repository.NewPostgresSessionRepo(db), collector, slog.Default())
	job.Interval = cfg.SessionPruneInterval

	slog.Info("worker starting",
		slog.Duration("session_prune_interval", job.Interval),
	)

	// ctxがキャンセルされるまでブロックする
	job.Start(ctx)

	slog.Info("worker stopped gracefully")
	return nil
}

// newWorkerMetricsServer はworkerのメトリクスを公開するHTTPサーバーを返す。
func newWorkerMetricsServer(addr string, gatherer prometheus.Gatherer) *http.Server {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", metrics.Handler(gatherer))
	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// runMigrate はデータベースマイグレーションを実行する。
// rollbackが0の場合は未適用のマイグレーションをすべて適用し、
// 正の場合はその数だけ直近のマイグレーションを取り消す。
func runMigrate(_ context.Context, cfg *config.Config, rollback int) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		slog.Int("rollback", rollback),
	)

	if rollback > 0 {
		if err := database.RollbackMigrations(cfg.DatabaseURL, rollback); err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
	} else if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to read migration version: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// runPromoteAdmin は既存ユーザーに管理者権限を付与する。
// 最初の管理者はこのコマンドで作成する。
func runPromoteAdmin(ctx context.Context, cfg *config.Config, out io.Writer, email string) error {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	svc := user.NewService(
		repository.NewPostgresUserRepo(db),
		security.NewProfileSanitizer(),
		auth.NewPasswordHasher(),
		auth.NewValidator(),
	)

	u, err := svc.PromoteByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, user.ErrUserNotFound) {
			return fmt.Errorf("no user registered with email %q", email)
		}
		return fmt.Errorf("failed to promote user: %w", err)
	}

	slog.Info("user promoted to admin", slog.String("user_id", u.ID))
	fmt.Fprintf(out, "%s (%s) is now an administrator\n", u.Email, u.ID)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(ctx context.Context, port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
