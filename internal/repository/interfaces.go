// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"

	"github.com/marceconnect/marceconnect/internal/model"
)

var (
	// ErrDuplicateEmail はメールアドレスのユニーク制約違反を表す。
	ErrDuplicateEmail = errors.New("email already exists")
	// ErrUserNotFound は更新対象のユーザーが存在しないことを表す。
	ErrUserNotFound = errors.New("user not found")
)

// UserRepository はユーザー（認証情報ストア）の永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレスでユーザーを取得する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// Create はユーザーを作成する。
	// メールアドレスが既に存在する場合はErrDuplicateEmailを返す。
	Create(ctx context.Context, user *model.User) error

	// UpsertByEmail はメールアドレスをキーにユーザーを作成または更新する。
	// 競合時は氏名・プロフィール画像とupdated_atのみ更新し、保存後の行を返す。
	UpsertByEmail(ctx context.Context, user *model.User) (*model.User, error)

	// UpdateProfile はプロフィール項目を部分更新し、更新後の行を返す。
	UpdateProfile(ctx context.Context, id string, update model.ProfileUpdate) (*model.User, error)

	// List はユーザー一覧を作成日時の降順で返す。
	List(ctx context.Context, limit, offset int) ([]*model.User, error)

	// SetBanned はBANフラグを更新する。
	SetBanned(ctx context.Context, id string, banned bool) error

	// SetAdmin は管理者フラグを更新する。
	SetAdmin(ctx context.Context, id string, admin bool) error

	// SetPasswordHash はパスワードハッシュを置き換える。
	SetPasswordHash(ctx context.Context, id string, hash string) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Save はセッションを保存する。既存の場合はペイロードと有効期限を上書きする。
	Save(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteExpired は期限切れのセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context) (int64, error)
}
