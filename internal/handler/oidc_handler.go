package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/marceconnect/marceconnect/internal/auth"
	"github.com/marceconnect/marceconnect/internal/metrics"
)

const (
	// strategyOIDC はフェデレーション認証のメトリクスラベル。
	// ドメインごとのストラテジー名はラベルにせずログにのみ出す。
	strategyOIDC = "oidc"

	authErrorPath = "/auth/error"
)

// FederatedFlow はOIDCログインの開始とログアウトURLの生成を行う。
type FederatedFlow interface {
	Begin(ds auth.DomainStrategy) (authURL, stateToken string, err error)
	EndSessionURL(postLogoutRedirectURL string) string
}

// DomainResolver はホスト名からDomainStrategyを引く。
type DomainResolver interface {
	Resolve(host string) (auth.DomainStrategy, error)
}

// OIDCHandler はフェデレーション認証（ログイン・コールバック・ログアウト）のHTTPハンドラー。
type OIDCHandler struct {
	flow          FederatedFlow
	authenticator auth.Authenticator
	sessions      SessionManager
	domains       DomainResolver
	metrics       metrics.MetricsCollector
	secureCookie  bool
}

// NewOIDCHandler はOIDCHandlerを生成する。
func NewOIDCHandler(
	flow FederatedFlow,
	authenticator auth.Authenticator,
	sessions SessionManager,
	domains DomainResolver,
	mc metrics.MetricsCollector,
	secureCookie bool,
) *OIDCHandler {
	if mc == nil {
		mc = metrics.Noop{}
	}
	return &OIDCHandler{
		flow:          flow,
		authenticator: authenticator,
		sessions:      sessions,
		domains:       domains,
		metrics:       mc,
		secureCookie:  secureCookie,
	}
}

// DomainMiddleware はリクエストのホストからDomainStrategyを解決してコンテキストに格納する。
// 許可リストにないホストは既定のストラテジーを使わずエラーページへリダイレクトする。
func (h *OIDCHandler) DomainMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ds, err := h.domains.Resolve(r.Host)
		if err != nil {
			slog.Warn("request from unknown domain",
				slog.String("host", r.Host),
				slog.String("path", r.URL.Path),
			)
			redirectAuthError(w, r, auth.FederatedErrorDomain, "unknown domain")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithDomain(r.Context(), ds)))
	})
}

// Login はIdPの認可エンドポイントへリダイレクトする。
// GET /api/login
func (h *OIDCHandler) Login(w http.ResponseWriter, r *http.Request) {
	ds, ok := auth.DomainFromContext(r.Context())
	if !ok {
		redirectAuthError(w, r, auth.FederatedErrorDomain, "unknown domain")
		return
	}

	authURL, stateToken, err := h.flow.Begin(ds)
	if err != nil {
		slog.Error("failed to begin oidc login",
			slog.String("host", r.Host),
			slog.String("error", err.Error()),
		)
		redirectAuthError(w, r, auth.FederatedErrorUnknown, "could not start login")
		return
	}

	// state・nonce・PKCE verifierを署名付きCookieでコールバックまで保持する
	http.SetCookie(w, &http.Cookie{
		Name:     auth.StateCookieName,
		Value:    stateToken,
		Path:     "/",
		MaxAge:   int(auth.StateTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, authURL, http.StatusFound)
}

// Callback は認可コードを交換し、セッションを確立してトップページへリダイレクトする。
// GET /api/callback
func (h *OIDCHandler) Callback(w http.ResponseWriter, r *http.Request) {
	h.clearStateCookie(w)

	principal, err := h.authenticator.Authenticate(r)
	if err != nil {
		h.metrics.RecordLogin(strategyOIDC, metrics.ResultFailure)
		var fedErr *auth.FederatedError
		if !errors.As(err, &fedErr) {
			fedErr = auth.NewFederatedError(auth.FederatedErrorUnknown, "login failed", err)
		}
		slog.Error("oidc callback failed",
			slog.String("host", r.Host),
			slog.String("type", string(fedErr.Type)),
			slog.String("error", err.Error()),
		)
		redirectAuthError(w, r, fedErr.Type, fedErr.Message)
		return
	}

	if _, err := h.sessions.Establish(r.Context(), w, r, principal.Session); err != nil {
		h.metrics.RecordLogin(strategyOIDC, metrics.ResultFailure)
		slog.Error("failed to establish federated session",
			slog.String("host", r.Host),
			slog.String("user_id", principal.User.ID),
			slog.String("error", err.Error()),
		)
		redirectAuthError(w, r, auth.FederatedErrorSession, "could not create session")
		return
	}

	h.metrics.RecordLogin(strategyOIDC, metrics.ResultSuccess)
	http.Redirect(w, r, "/", http.StatusFound)
}

// Logout はセッションを破棄し、IdPのログアウトエンドポイントへリダイレクトする。
// GET /api/logout
func (h *OIDCHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Destroy(r.Context(), w, r); err != nil {
		slog.Error("failed to destroy session", slog.String("error", err.Error()))
	}

	postLogout := "/"
	if ds, ok := auth.DomainFromContext(r.Context()); ok {
		postLogout = strings.TrimSuffix(ds.CallbackURL, "/api/callback") + "/"
	}
	http.Redirect(w, r, h.flow.EndSessionURL(postLogout), http.StatusFound)
}

func (h *OIDCHandler) clearStateCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.StateCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

// redirectAuthError はクライアントのエラーページへ種別と短い説明を付けてリダイレクトする。
func redirectAuthError(w http.ResponseWriter, r *http.Request, t auth.FederatedErrorType, message string) {
	q := url.Values{}
	q.Set("type", string(t))
	q.Set("message", message)
	http.Redirect(w, r, authErrorPath+"?"+q.Encode(), http.StatusFound)
}
