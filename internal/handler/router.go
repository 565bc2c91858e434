package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/marceconnect/marceconnect/internal/auth"
	"github.com/marceconnect/marceconnect/internal/metrics"
	"github.com/marceconnect/marceconnect/internal/middleware"
)

// UserAdminService はプロフィール編集と管理操作の両方を提供するサービス。
type UserAdminService interface {
	UserServiceInterface
	AdminServiceInterface
}

// LocalAuthDeps はローカル認証モードの依存関係。
type LocalAuthDeps struct {
	Registrar     Registrar
	Authenticator auth.Authenticator
}

// OIDCDeps はフェデレーション認証モードの依存関係。
type OIDCDeps struct {
	Flow          FederatedFlow
	Refresher     middleware.TokenRefresher
	Authenticator auth.Authenticator
	Domains       DomainResolver
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
// LocalとOIDCはどちらか一方を指定する。両方指定した場合はOIDCを優先する。
type RouterDeps struct {
	// ミドルウェア依存
	Logger             *slog.Logger
	CORSAllowedOrigins []string
	RateLimiter        *middleware.RateLimiter
	Metrics            metrics.MetricsCollector
	MetricsHandler     http.Handler
	HealthChecker      HealthChecker
	// ProductionはHSTSとstate CookieのSecure属性を有効にする
	Production bool

	// セッション
	Sessions SessionManager

	// 認証
	Local *LocalAuthDeps
	OIDC  *OIDCDeps

	// ユーザー
	UserService UserAdminService
	Authorizer  ModifyAuthorizer
	// AdminUsersは管理者判定のたびにユーザーを取得し直すために使う
	AdminUsers middleware.UserFinder
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Logging → Recovery → Metrics → SecurityHeaders → CORS
//
// 保護ルートではさらに RequireAuth → RateLimit(General) → (RequireAdmin) を適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mc := deps.Metrics
	if mc == nil {
		mc = metrics.Noop{}
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(metrics.Middleware(mc))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.Production))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigins))

	// --- 認証不要のルート ---
	if deps.HealthChecker != nil {
		r.Get("/health", healthHandler(deps.HealthChecker))
	}
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	var refresher middleware.TokenRefresher
	switch {
	case deps.OIDC != nil:
		if deps.OIDC.Refresher != nil {
			refresher = newMeteredRefresher(deps.OIDC.Refresher, mc)
		}
		mountOIDCRoutes(r, deps, mc)
	case deps.Local != nil:
		mountLocalRoutes(r, deps, mc)
	}

	userHandler := NewUserHandler(deps.UserService, deps.Authorizer)
	adminHandler := NewAdminHandler(deps.UserService)

	// --- 認証が必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth(deps.Sessions, refresher))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Get("/api/auth/user", userHandler.CurrentUser)
		r.Put("/api/users/{id}", userHandler.UpdateProfile)

		// 管理者ルート
		r.Route("/api/admin/users", func(r chi.Router) {
			r.Use(middleware.RequireAdmin(deps.AdminUsers))

			r.Get("/", adminHandler.ListUsers)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", adminHandler.GetUser)
				r.Put("/ban", adminHandler.SetBanned)
				r.Put("/admin", adminHandler.SetAdmin)
				r.Put("/password", adminHandler.ResetPassword)
			})
		})
	})

	return r
}

// mountLocalRoutes はローカル認証のルートを登録する。
// 登録とログインはIP単位のレート制限の対象にする。
func mountLocalRoutes(r chi.Router, deps *RouterDeps, mc metrics.MetricsCollector) {
	h := NewAuthHandler(deps.Local.Registrar, deps.Local.Authenticator, deps.Sessions, mc)

	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.AuthMiddleware())
		r.Post("/api/auth/register", h.Register)
		r.Post("/api/auth/login", h.Login)
	})
	r.Get("/api/logout", h.LogoutRedirect)
	r.Post("/api/logout", h.Logout)
}

// mountOIDCRoutes はフェデレーション認証のルートを登録する。
// すべてのルートでリクエストのホストからドメインを解決する。
func mountOIDCRoutes(r chi.Router, deps *RouterDeps, mc metrics.MetricsCollector) {
	h := NewOIDCHandler(deps.OIDC.Flow, deps.OIDC.Authenticator, deps.Sessions, deps.OIDC.Domains, mc, deps.Production)

	r.Group(func(r chi.Router) {
		r.Use(h.DomainMiddleware)
		r.With(deps.RateLimiter.AuthMiddleware()).Get("/api/login", h.Login)
		r.With(deps.RateLimiter.AuthMiddleware()).Get("/api/callback", h.Callback)
		r.Get("/api/logout", h.Logout)
	})
}
