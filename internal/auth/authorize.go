package auth

import (
	"context"
	"fmt"

	"github.com/marceconnect/marceconnect/internal/model"
)

// UserGetter はIDによるユーザー取得のインターフェース。
type UserGetter interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// Authorizer はリソース変更可否の判定を行う。
// 管理者フラグは呼び出しのたびに取得し直し、キャッシュしない。
type Authorizer struct {
	users UserGetter
}

// NewAuthorizer はAuthorizerを生成する。
func NewAuthorizer(users UserGetter) *Authorizer {
	return &Authorizer{users: users}
}

// CanModifyResource は利用者がリソースの作成者本人か管理者であればtrueを返す。
func (a *Authorizer) CanModifyResource(ctx context.Context, userID, authorID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	if userID == authorID {
		return true, nil
	}

	user, err := a.users.FindByID(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("failed to load user for authorization: %w", err)
	}
	return user != nil && user.IsAdmin, nil
}
