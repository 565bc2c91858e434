// Package user はプロフィール編集と管理者によるユーザー管理のドメインロジックを提供する。
package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/marceconnect/marceconnect/internal/auth"
	"github.com/marceconnect/marceconnect/internal/model"
	"github.com/marceconnect/marceconnect/internal/repository"
	"github.com/marceconnect/marceconnect/internal/security"
)

const (
	// DefaultListLimit は一覧取得で件数が指定されなかった場合の件数。
	DefaultListLimit = 50
	// MaxListLimit は一覧取得で指定できる最大件数。
	MaxListLimit = 200
)

// ErrUserNotFound は対象ユーザーが存在しない場合のエラー。
var ErrUserNotFound = errors.New("user not found")

// ProfileInput はプロフィール編集の入力。省略した項目は変更しない。
type ProfileInput struct {
	FirstName   *string `json:"firstName" validate:"omitnil,min=1,max=100"`
	LastName    *string `json:"lastName" validate:"omitnil,max=100"`
	Bio         *string `json:"bio" validate:"omitnil,max=5000"`
	Location    *string `json:"location" validate:"omitnil,max=200"`
	Phone       *string `json:"phone" validate:"omitnil,max=40"`
	WhatsApp    *string `json:"whatsapp" validate:"omitnil,max=40"`
	CompanyName *string `json:"companyName" validate:"omitnil,max=200"`
	Specialty   *string `json:"specialty" validate:"omitnil,max=200"`
	ServiceArea *string `json:"serviceArea" validate:"omitnil,max=200"`
}

// PasswordResetInput は管理者によるパスワード再設定の入力。
type PasswordResetInput struct {
	Password string `json:"password" validate:"required,min=6"`
}

// Service はプロフィールと管理操作のサービス層。
// 管理操作はそれぞれ1つのフラグまたはハッシュのみを更新し、他の項目やセッションには波及させない。
type Service struct {
	users     repository.UserRepository
	sanitizer *security.ProfileSanitizer
	hasher    *auth.PasswordHasher
	validate  *validator.Validate
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	users repository.UserRepository,
	sanitizer *security.ProfileSanitizer,
	hasher *auth.PasswordHasher,
	validate *validator.Validate,
) *Service {
	return &Service{
		users:     users,
		sanitizer: sanitizer,
		hasher:    hasher,
		validate:  validate,
	}
}

// Get は指定IDのユーザーを返す。存在しない場合はErrUserNotFoundを返す。
func (s *Service) Get(ctx context.Context, id string) (*model.User, error) {
	user, err := s.users.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}

// List はユーザー一覧を返す。limitは1〜MaxListLimitに丸める。
func (s *Service) List(ctx context.Context, limit, offset int) ([]*model.User, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	users, err := s.users.List(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

// UpdateProfile はプロフィールを検証・サニタイズして部分更新する。
// 権限の確認は呼び出し側で行う。
func (s *Service) UpdateProfile(ctx context.Context, id string, in ProfileInput) (*model.User, error) {
	if err := auth.ValidateStruct(s.validate, in); err != nil {
		return nil, err
	}

	update := s.sanitizer.SanitizeUpdate(model.ProfileUpdate{
		FirstName:   in.FirstName,
		LastName:    in.LastName,
		Bio:         in.Bio,
		Location:    in.Location,
		Phone:       in.Phone,
		WhatsApp:    in.WhatsApp,
		CompanyName: in.CompanyName,
		Specialty:   in.Specialty,
		ServiceArea: in.ServiceArea,
	})
	if update.FirstName != nil && *update.FirstName == "" {
		return nil, &auth.ValidationError{Fields: []model.FieldError{
			{Field: "firstName", Message: "This field is required."},
		}}
	}

	user, err := s.users.UpdateProfile(ctx, id, update)
	if errors.Is(err, repository.ErrUserNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update profile: %w", err)
	}
	return user, nil
}

// SetBanned はBANフラグを更新する。既存セッションは削除しない。
// BANされたユーザーは次回のローカルログインで拒否される。
func (s *Service) SetBanned(ctx context.Context, actorID, id string, banned bool) error {
	if err := s.users.SetBanned(ctx, id, banned); err != nil {
		return mapUpdateError(err, "ban flag")
	}
	slog.Info("user ban flag updated",
		slog.String("actor_id", actorID),
		slog.String("user_id", id),
		slog.Bool("banned", banned),
	)
	return nil
}

// SetAdmin は管理者フラグを更新する。
func (s *Service) SetAdmin(ctx context.Context, actorID, id string, admin bool) error {
	if err := s.users.SetAdmin(ctx, id, admin); err != nil {
		return mapUpdateError(err, "admin flag")
	}
	slog.Info("user admin flag updated",
		slog.String("actor_id", actorID),
		slog.String("user_id", id),
		slog.Bool("is_admin", admin),
	)
	return nil
}

// ResetPassword はパスワードを検証・ハッシュ化して置き換える。
// フェデレーション経由で作成したユーザーにもローカルログイン用のパスワードが設定される。
func (s *Service) ResetPassword(ctx context.Context, actorID, id string, in PasswordResetInput) error {
	if err := auth.ValidateStruct(s.validate, in); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return err
	}
	if err := s.users.SetPasswordHash(ctx, id, hash); err != nil {
		return mapUpdateError(err, "password hash")
	}
	slog.Info("user password reset",
		slog.String("actor_id", actorID),
		slog.String("user_id", id),
	)
	return nil
}

// PromoteByEmail はメールアドレスで指定したユーザーを管理者にする。
// 初期管理者の作成に使用する。
func (s *Service) PromoteByEmail(ctx context.Context, email string) (*model.User, error) {
	user, err := s.users.FindByEmail(ctx, auth.NormalizeEmail(email))
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	if err := s.SetAdmin(ctx, "cli", user.ID, true); err != nil {
		return nil, err
	}
	user.IsAdmin = true
	return user, nil
}

func mapUpdateError(err error, what string) error {
	if errors.Is(err, repository.ErrUserNotFound) {
		return ErrUserNotFound
	}
	return fmt.Errorf("failed to update %s: %w", what, err)
}
