package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/marceconnect/marceconnect/internal/model"
)

var (
	// ErrInvalidCredentials はメールアドレス未登録またはパスワード不一致を表す。
	// 両者を区別しないことでアカウントの列挙を防ぐ。
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrWrongSignupMethod はパスワードを持たないアカウントへのローカルログインを表す。
	ErrWrongSignupMethod = errors.New("wrong signup method")
	// ErrAccountBanned はBANされたアカウントのログインを表す。
	ErrAccountBanned = errors.New("account banned")
)

// EmailFinder はメールアドレスによるユーザー検索のインターフェース。
type EmailFinder interface {
	FindByEmail(ctx context.Context, email string) (*model.User, error)
}

// LocalStrategy はメールアドレスとパスワードによる認証を行う。
// セッションには触れず、検証済みのユーザーを返すだけにとどめる。
type LocalStrategy struct {
	users  EmailFinder
	hasher *PasswordHasher
}

// NewLocalStrategy はLocalStrategyを生成する。
func NewLocalStrategy(users EmailFinder, hasher *PasswordHasher) *LocalStrategy {
	return &LocalStrategy{users: users, hasher: hasher}
}

// Verify は認証情報を検証し、ユーザーを返す。
func (s *LocalStrategy) Verify(ctx context.Context, email, password string) (*model.User, error) {
	user, err := s.users.FindByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, ErrInvalidCredentials
	}
	if !user.HasPassword() {
		return nil, ErrWrongSignupMethod
	}
	if user.IsBanned {
		return nil, ErrAccountBanned
	}

	ok, err := s.hasher.Compare(*user.PasswordHash, password)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// NormalizeEmail は前後の空白を除去し小文字化する。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
