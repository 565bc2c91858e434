package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/marceconnect/marceconnect/internal/auth"
	"github.com/marceconnect/marceconnect/internal/metrics"
	"github.com/marceconnect/marceconnect/internal/middleware"
	"github.com/marceconnect/marceconnect/internal/model"
)

// strategyLocal はローカル認証のメトリクスラベル。
const strategyLocal = "local"

// SessionManager はハンドラーが必要とするセッション操作。
// ガード用のmiddleware.SessionManagerに確立と破棄を加えたもの。
type SessionManager interface {
	middleware.SessionManager
	Establish(ctx context.Context, w http.ResponseWriter, r *http.Request, data model.SessionData) (*model.Session, error)
	Destroy(ctx context.Context, w http.ResponseWriter, r *http.Request) error
}

// Registrar は新規登録のインターフェース。
type Registrar interface {
	Register(ctx context.Context, in auth.RegisterInput) (*model.User, error)
}

// AuthHandler はローカル認証（登録・ログイン・ログアウト）のHTTPハンドラー。
type AuthHandler struct {
	registrar     Registrar
	authenticator auth.Authenticator
	sessions      SessionManager
	metrics       metrics.MetricsCollector
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(registrar Registrar, authenticator auth.Authenticator, sessions SessionManager, mc metrics.MetricsCollector) *AuthHandler {
	if mc == nil {
		mc = metrics.Noop{}
	}
	return &AuthHandler{
		registrar:     registrar,
		authenticator: authenticator,
		sessions:      sessions,
		metrics:       mc,
	}
}

// Register は新規ユーザーを登録し、そのままログイン状態にする。
// POST /api/auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var in auth.RegisterInput
	if !decodeJSON(w, r, &in) {
		h.metrics.RecordRegistration(metrics.ResultFailure)
		return
	}

	u, err := h.registrar.Register(r.Context(), in)
	if err != nil {
		h.metrics.RecordRegistration(metrics.ResultFailure)
		handleServiceError(w, r, err)
		return
	}

	if _, err := h.sessions.Establish(r.Context(), w, r, model.LocalSession{UserID: u.ID}); err != nil {
		h.metrics.RecordRegistration(metrics.ResultFailure)
		slog.Error("failed to establish session after registration",
			slog.String("user_id", u.ID),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	h.metrics.RecordRegistration(metrics.ResultSuccess)
	writeJSON(w, r, http.StatusOK, toUserSummary(u))
}

// Login はメールアドレスとパスワードで認証し、セッションを確立する。
// POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	principal, err := h.authenticator.Authenticate(r)
	if err != nil {
		h.writeLoginError(w, r, err)
		return
	}

	if _, err := h.sessions.Establish(r.Context(), w, r, principal.Session); err != nil {
		h.metrics.RecordLogin(strategyLocal, metrics.ResultFailure)
		slog.Error("failed to establish session after login",
			slog.String("user_id", principal.User.ID),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	h.metrics.RecordLogin(strategyLocal, metrics.ResultSuccess)
	writeJSON(w, r, http.StatusOK, toUserSummary(principal.User))
}

// writeLoginError は認証失敗の理由に応じたレスポンスを書き込む。
// 未登録とパスワード誤りは同じINVALID_CREDENTIALSとして返す。
func (h *AuthHandler) writeLoginError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrMalformedRequest):
		h.metrics.RecordLogin(strategyLocal, metrics.ResultFailure)
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
	case errors.Is(err, auth.ErrTooManyAttempts):
		h.metrics.RecordLogin(strategyLocal, metrics.ResultBlocked)
		writeAPIErrorResponse(w, http.StatusTooManyRequests, model.NewTooManyAttemptsError())
	case errors.Is(err, auth.ErrInvalidCredentials):
		h.metrics.RecordLogin(strategyLocal, metrics.ResultFailure)
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewInvalidCredentialsError())
	case errors.Is(err, auth.ErrWrongSignupMethod):
		h.metrics.RecordLogin(strategyLocal, metrics.ResultFailure)
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewWrongSignupMethodError())
	case errors.Is(err, auth.ErrAccountBanned):
		h.metrics.RecordLogin(strategyLocal, metrics.ResultBanned)
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewAccountBannedError())
	default:
		h.metrics.RecordLogin(strategyLocal, metrics.ResultFailure)
		slog.Error("local login failed", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
	}
}

// LogoutRedirect はセッションを破棄してトップページにリダイレクトする。
// GET /api/logout
func (h *AuthHandler) LogoutRedirect(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Destroy(r.Context(), w, r); err != nil {
		// 削除に失敗してもCookieは失効させている
		slog.Error("failed to destroy session", slog.String("error", err.Error()))
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

// Logout はセッションを破棄してJSONで結果を返す。
// POST /api/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Destroy(r.Context(), w, r); err != nil {
		slog.Error("failed to destroy session", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"message": "Logged out successfully."})
}
