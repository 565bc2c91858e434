package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/marceconnect/marceconnect/internal/middleware"
	"github.com/marceconnect/marceconnect/internal/model"
	"github.com/marceconnect/marceconnect/internal/user"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	Get(ctx context.Context, id string) (*model.User, error)
	UpdateProfile(ctx context.Context, id string, in user.ProfileInput) (*model.User, error)
}

// ModifyAuthorizer はリソース変更可否を判定する。
type ModifyAuthorizer interface {
	CanModifyResource(ctx context.Context, userID, authorID string) (bool, error)
}

// UserHandler はログイン中ユーザーとプロフィール編集のHTTPハンドラー。
type UserHandler struct {
	service    UserServiceInterface
	authorizer ModifyAuthorizer
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface, authorizer ModifyAuthorizer) *UserHandler {
	return &UserHandler{
		service:    service,
		authorizer: authorizer,
	}
}

// CurrentUser はログイン中のユーザー情報を返す。
// GET /api/auth/user
func (h *UserHandler) CurrentUser(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	u, err := h.service.Get(r.Context(), userID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toUserSummary(u))
}

// UpdateProfile はプロフィールを部分更新する。本人または管理者のみ実行できる。
// PUT /api/users/{id}
func (h *UserHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "id")

	// プロフィールは作成者IDで指定されるため、存在確認より前に権限を判定する
	if !authorizeModify(w, r, h.authorizer, targetID) {
		return
	}

	var in user.ProfileInput
	if !decodeJSON(w, r, &in) {
		return
	}

	u, err := h.service.UpdateProfile(r.Context(), targetID, in)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toUserSummary(u))
}

// authorizeModify はログイン中ユーザーがauthorIDのリソースを変更できるか判定する。
// 拒否した場合はレスポンスを書き込んでfalseを返す。
func authorizeModify(w http.ResponseWriter, r *http.Request, authorizer ModifyAuthorizer, authorID string) bool {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return false
	}

	ok, err := authorizer.CanModifyResource(r.Context(), userID, authorID)
	if err != nil {
		slog.Error("authorization check failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return false
	}
	if !ok {
		writeAPIErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
		return false
	}
	return true
}
