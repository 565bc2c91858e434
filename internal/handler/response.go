// Package handler はHTTPハンドラーとルーティングを提供する。
package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"github.com/marceconnect/marceconnect/internal/auth"
	"github.com/marceconnect/marceconnect/internal/middleware"
	"github.com/marceconnect/marceconnect/internal/model"
	"github.com/marceconnect/marceconnect/internal/user"
)

// UserSummary はクライアントに返すユーザー情報。パスワードハッシュは含めない。
type UserSummary struct {
	ID              string    `json:"id"`
	Email           string    `json:"email"`
	FirstName       string    `json:"firstName"`
	LastName        string    `json:"lastName"`
	ProfileImageURL string    `json:"profileImageUrl"`
	AccountType     string    `json:"accountType"`
	IsAdmin         bool      `json:"isAdmin"`
	IsBanned        bool      `json:"isBanned"`
	Bio             string    `json:"bio"`
	Location        string    `json:"location"`
	Phone           string    `json:"phone"`
	WhatsApp        string    `json:"whatsapp"`
	CompanyName     string    `json:"companyName"`
	Specialty       string    `json:"specialty"`
	ServiceArea     string    `json:"serviceArea"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func toUserSummary(u *model.User) UserSummary {
	return UserSummary{
		ID:              u.ID,
		Email:           u.Email,
		FirstName:       u.FirstName,
		LastName:        u.LastName,
		ProfileImageURL: u.ProfileImageURL,
		AccountType:     string(u.AccountType),
		IsAdmin:         u.IsAdmin,
		IsBanned:        u.IsBanned,
		Bio:             u.Bio,
		Location:        u.Location,
		Phone:           u.Phone,
		WhatsApp:        u.WhatsApp,
		CompanyName:     u.CompanyName,
		Specialty:       u.Specialty,
		ServiceArea:     u.ServiceArea,
		CreatedAt:       u.CreatedAt,
		UpdatedAt:       u.UpdatedAt,
	}
}

// writeJSON はステータスコードを指定してJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, v any) {
	render.Status(r, statusCode)
	render.JSON(w, r, v)
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *auth.ValidationError
	switch {
	case errors.As(err, &validationErr):
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError(validationErr.Fields))
	case errors.Is(err, auth.ErrDuplicateEmail):
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewEmailAlreadyRegisteredError())
	case errors.Is(err, user.ErrUserNotFound):
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewUserNotFoundError())
	default:
		// 想定外のエラーは詳細をログにのみ記録する
		slog.Error("internal server error",
			slog.String("error", err.Error()),
			slog.String("path", r.URL.Path),
		)
		middleware.WriteInternalServerError(w)
	}
}

// decodeJSON はリクエストボディをデコードし、失敗時はINVALID_REQUESTを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := render.DecodeJSON(r.Body, v); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return false
	}
	return true
}
