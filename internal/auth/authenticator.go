// Package auth はローカル認証とOIDCによるフェデレーション認証、認可判定、新規登録を提供する。
package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"github.com/marceconnect/marceconnect/internal/model"
)

var (
	// ErrMalformedRequest はログインリクエストのボディが解釈できない場合のエラー。
	ErrMalformedRequest = errors.New("malformed login request")
	// ErrTooManyAttempts はログイン失敗回数が上限に達した場合のエラー。
	ErrTooManyAttempts = errors.New("too many failed login attempts")
)

// Principal は認証に成功した主体と、確立すべきセッションのペイロード。
type Principal struct {
	User    *model.User
	Session model.SessionData
}

// Authenticator はリクエストから主体を認証する。
// ローカル認証とフェデレーション認証の2実装があり、どちらも同じ経路でセッションを確立する。
type Authenticator interface {
	Authenticate(r *http.Request) (*Principal, error)
}

// LoginThrottle はログイン失敗回数の制限を行う。
type LoginThrottle interface {
	Allow(ctx context.Context, key string) (bool, error)
	RecordFailure(ctx context.Context, key string) error
	Reset(ctx context.Context, key string) error
}

// LoginRequest はローカルログインのリクエストボディ。
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LocalAuthenticator はJSONボディのメールアドレスとパスワードで認証する。
type LocalAuthenticator struct {
	strategy *LocalStrategy
	throttle LoginThrottle
}

// NewLocalAuthenticator はLocalAuthenticatorを生成する。throttleはnilでもよい。
func NewLocalAuthenticator(strategy *LocalStrategy, throttle LoginThrottle) *LocalAuthenticator {
	return &LocalAuthenticator{strategy: strategy, throttle: throttle}
}

// Authenticate はリクエストボディの認証情報を検証する。
// 制限の判定や記録に失敗した場合はログに残して認証を続行する。
func (a *LocalAuthenticator) Authenticate(r *http.Request) (*Principal, error) {
	var req LoginRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		return nil, ErrMalformedRequest
	}
	ctx := r.Context()
	key := NormalizeEmail(req.Email)

	if a.throttle != nil && key != "" {
		allowed, err := a.throttle.Allow(ctx, key)
		if err != nil {
			slog.Warn("login throttle check failed", slog.String("error", err.Error()))
		} else if !allowed {
			return nil, ErrTooManyAttempts
		}
	}

	user, err := a.strategy.Verify(ctx, req.Email, req.Password)
	if err != nil {
		if a.throttle != nil && key != "" && errors.Is(err, ErrInvalidCredentials) {
			if terr := a.throttle.RecordFailure(ctx, key); terr != nil {
				slog.Warn("failed to record login failure", slog.String("error", terr.Error()))
			}
		}
		return nil, err
	}

	if a.throttle != nil {
		if terr := a.throttle.Reset(ctx, key); terr != nil {
			slog.Warn("failed to reset login failures", slog.String("error", terr.Error()))
		}
	}
	return &Principal{User: user, Session: model.LocalSession{UserID: user.ID}}, nil
}

// FederatedAuthenticator はOIDCのコールバックリクエストを認証する。
// ドメインはミドルウェアがコンテキストに格納したものを用いる。
type FederatedAuthenticator struct {
	strategy *FederatedStrategy
}

// NewFederatedAuthenticator はFederatedAuthenticatorを生成する。
func NewFederatedAuthenticator(strategy *FederatedStrategy) *FederatedAuthenticator {
	return &FederatedAuthenticator{strategy: strategy}
}

// Authenticate はコールバックのクエリとstate Cookieを検証し、主体を返す。
// 失敗時は*FederatedErrorを返す。
func (a *FederatedAuthenticator) Authenticate(r *http.Request) (*Principal, error) {
	ds, ok := DomainFromContext(r.Context())
	if !ok {
		return nil, NewFederatedError(FederatedErrorDomain, "unknown domain", ErrUnknownDomain)
	}

	q := r.URL.Query()
	if providerErr := q.Get("error"); providerErr != "" {
		return nil, NewFederatedError(FederatedErrorCallback, "provider returned an error",
			errors.New(providerErr+": "+q.Get("error_description")))
	}

	cookie, err := r.Cookie(StateCookieName)
	if err != nil || cookie.Value == "" {
		return nil, NewFederatedError(FederatedErrorCallback, "login flow expired", ErrInvalidState)
	}

	user, sess, err := a.strategy.Complete(r.Context(), ds, cookie.Value, q.Get("state"), q.Get("code"))
	if err != nil {
		return nil, err
	}
	return &Principal{User: user, Session: sess}, nil
}

// compile-time interface check
var (
	_ Authenticator = (*LocalAuthenticator)(nil)
	_ Authenticator = (*FederatedAuthenticator)(nil)
)
