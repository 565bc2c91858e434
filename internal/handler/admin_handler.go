package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/marceconnect/marceconnect/internal/middleware"
	"github.com/marceconnect/marceconnect/internal/model"
	"github.com/marceconnect/marceconnect/internal/user"
)

// AdminServiceInterface は管理者ハンドラーが必要とするサービスインターフェース。
type AdminServiceInterface interface {
	Get(ctx context.Context, id string) (*model.User, error)
	List(ctx context.Context, limit, offset int) ([]*model.User, error)
	SetBanned(ctx context.Context, actorID, id string, banned bool) error
	SetAdmin(ctx context.Context, actorID, id string, admin bool) error
	ResetPassword(ctx context.Context, actorID, id string, in user.PasswordResetInput) error
}

type banRequest struct {
	Banned *bool `json:"banned"`
}

type adminFlagRequest struct {
	IsAdmin *bool `json:"isAdmin"`
}

// AdminHandler は管理者向けユーザー管理のHTTPハンドラー。
// 管理者判定はルーター側のRequireAdminで行う。
type AdminHandler struct {
	service AdminServiceInterface
}

// NewAdminHandler はAdminHandlerを生成する。
func NewAdminHandler(service AdminServiceInterface) *AdminHandler {
	return &AdminHandler{service: service}
}

// ListUsers はユーザー一覧を返す。
// GET /api/admin/users?limit=50&offset=0
func (h *AdminHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", user.DefaultListLimit)
	offset := queryInt(r, "offset", 0)

	users, err := h.service.List(r.Context(), limit, offset)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	summaries := make([]UserSummary, 0, len(users))
	for _, u := range users {
		summaries = append(summaries, toUserSummary(u))
	}
	writeJSON(w, r, http.StatusOK, summaries)
}

// GetUser はユーザーの詳細を返す。
// GET /api/admin/users/{id}
func (h *AdminHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toUserSummary(u))
}

// SetBanned はBANフラグを切り替える。
// PUT /api/admin/users/{id}/ban
func (h *AdminHandler) SetBanned(w http.ResponseWriter, r *http.Request) {
	var req banRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Banned == nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, requiredFieldError("banned"))
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.service.SetBanned(r.Context(), actorID(r), id, *req.Banned); err != nil {
		handleServiceError(w, r, err)
		return
	}
	h.writeUpdated(w, r, id)
}

// SetAdmin は管理者フラグを切り替える。
// PUT /api/admin/users/{id}/admin
func (h *AdminHandler) SetAdmin(w http.ResponseWriter, r *http.Request) {
	var req adminFlagRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.IsAdmin == nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, requiredFieldError("isAdmin"))
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.service.SetAdmin(r.Context(), actorID(r), id, *req.IsAdmin); err != nil {
		handleServiceError(w, r, err)
		return
	}
	h.writeUpdated(w, r, id)
}

// ResetPassword はパスワードを再設定する。
// PUT /api/admin/users/{id}/password
func (h *AdminHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var in user.PasswordResetInput
	if !decodeJSON(w, r, &in) {
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.service.ResetPassword(r.Context(), actorID(r), id, in); err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"message": "Password updated."})
}

// writeUpdated は更新後のユーザーを返す。
func (h *AdminHandler) writeUpdated(w http.ResponseWriter, r *http.Request, id string) {
	u, err := h.service.Get(r.Context(), id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toUserSummary(u))
}

func actorID(r *http.Request) string {
	id, _ := middleware.UserIDFromContext(r.Context())
	return id
}

func requiredFieldError(field string) *model.APIError {
	return model.NewValidationError([]model.FieldError{
		{Field: field, Message: "This field is required."},
	})
}

// queryInt はクエリパラメータを整数として読む。不正な値は既定値にする。
func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
