package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/marceconnect/marceconnect/internal/model"
)

// SessionManager はガードが使用するセッション操作。
// session.Managerが満たす。
type SessionManager interface {
	Resolve(r *http.Request) (*model.Session, error)
	Update(ctx context.Context, w http.ResponseWriter, sess *model.Session, data model.SessionData) error
	Now() time.Time
}

// TokenRefresher は期限切れのフェデレーションセッションを更新する。
type TokenRefresher interface {
	Refresh(ctx context.Context, current model.FederatedSession) (model.FederatedSession, error)
}

// UserFinder は管理者ガードがユーザーを取得するためのインターフェース。
type UserFinder interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// RequireAuth はセッションを解決し、認証済みのリクエストのみを通すミドルウェアを返す。
// フェデレーションセッションのトークンが期限切れの場合は1回だけリフレッシュを試み、
// 成功すればセッションを書き換えて通過させる。refresherがnilの場合、期限切れは401とする。
// 通過したリクエストのコンテキストにはユーザーIDとセッションが注入される。
func RequireAuth(sessions SessionManager, refresher TokenRefresher) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, err := sessions.Resolve(r)
			if err != nil {
				slog.Error("failed to resolve session",
					slog.String("error", err.Error()),
					slog.String("path", r.URL.Path),
				)
				WriteInternalServerError(w)
				return
			}
			if sess == nil || sess.Data == nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			switch data := sess.Data.(type) {
			case model.LocalSession:
			case model.FederatedSession:
				if data.Expired(sessions.Now()) {
					if refresher == nil {
						WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
						return
					}
					refreshed, err := refresher.Refresh(r.Context(), data)
					if err != nil {
						slog.Warn("token refresh failed",
							slog.String("user_id", data.UserID),
							slog.String("error", err.Error()),
						)
						WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
						return
					}
					if err := sessions.Update(r.Context(), w, sess, refreshed); err != nil {
						slog.Error("failed to store refreshed session",
							slog.String("user_id", data.UserID),
							slog.String("error", err.Error()),
						)
						WriteInternalServerError(w)
						return
					}
				}
			default:
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			ctx := ContextWithUserID(r.Context(), sess.UserID())
			ctx = ContextWithSession(ctx, sess)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin は管理者のみを通すミドルウェアを返す。RequireAuthの後に配置する。
// 権限の変更を即時に反映するため、リクエストごとにユーザーを再取得する。
func RequireAdmin(users UserFinder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := UserIDFromContext(r.Context())
			if err != nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			user, err := users.FindByID(r.Context(), userID)
			if err != nil {
				slog.Error("failed to find user for admin check",
					slog.String("user_id", userID),
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}
			if user == nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			if !user.IsAdmin {
				WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), user)))
		})
	}
}
