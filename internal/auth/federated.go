package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/marceconnect/marceconnect/internal/model"
)

// FederatedErrorType はフェデレーション認証の失敗種別。
// クライアントはこの値で表示するエラー画面を切り替える。
type FederatedErrorType string

const (
	FederatedErrorDomain   FederatedErrorType = "domain"
	FederatedErrorCallback FederatedErrorType = "callback"
	FederatedErrorSession  FederatedErrorType = "session"
	FederatedErrorUnknown  FederatedErrorType = "unknown"
)

// FederatedError はフェデレーション認証の失敗を表す。
// Messageはクライアントに返す短い説明、Errはログにのみ出す詳細。
type FederatedError struct {
	Type    FederatedErrorType
	Message string
	Err     error
}

func (e *FederatedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("federated %s error: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("federated %s error: %s", e.Type, e.Message)
}

func (e *FederatedError) Unwrap() error { return e.Err }

// NewFederatedError はFederatedErrorを生成する。
func NewFederatedError(t FederatedErrorType, message string, err error) *FederatedError {
	return &FederatedError{Type: t, Message: message, Err: err}
}

// ErrNoRefreshToken はリフレッシュトークンを持たないセッションの更新を表す。
var ErrNoRefreshToken = errors.New("session has no refresh token")

// defaultTokenLifetime はIdPが有効期限を返さない場合に用いる有効期間。
const defaultTokenLifetime = time.Hour

// IdentityProvider はOIDCプロバイダーとのやり取りを抽象化する。
type IdentityProvider interface {
	AuthCodeURL(redirectURL string, fs FlowState) string
	Exchange(ctx context.Context, redirectURL, code, verifier, nonce string) (*TokenSet, error)
	Refresh(ctx context.Context, refreshToken string) (*TokenSet, error)
	EndSessionURL(postLogoutRedirectURL string) string
}

// UserUpserter はメールアドレスをキーにユーザーを作成・更新するインターフェース。
type UserUpserter interface {
	UpsertByEmail(ctx context.Context, user *model.User) (*model.User, error)
}

// FederatedStrategy はOIDCによるログインとトークンリフレッシュを行う。
type FederatedStrategy struct {
	provider IdentityProvider
	users    UserUpserter
	states   *StateCodec
	now      func() time.Time
}

// NewFederatedStrategy はFederatedStrategyを生成する。
func NewFederatedStrategy(provider IdentityProvider, users UserUpserter, states *StateCodec) *FederatedStrategy {
	return &FederatedStrategy{
		provider: provider,
		users:    users,
		states:   states,
		now:      time.Now,
	}
}

// Begin は認可リクエストのURLと、コールバックまで保持する署名付きstateを返す。
func (s *FederatedStrategy) Begin(ds DomainStrategy) (authURL, stateToken string, err error) {
	state, err := randomToken()
	if err != nil {
		return "", "", err
	}
	nonce, err := randomToken()
	if err != nil {
		return "", "", err
	}

	fs := FlowState{
		State:    state,
		Nonce:    nonce,
		Verifier: oauth2.GenerateVerifier(),
		Domain:   ds.FlowHost(),
	}
	stateToken, err = s.states.Encode(fs)
	if err != nil {
		return "", "", err
	}
	return s.provider.AuthCodeURL(ds.CallbackURL, fs), stateToken, nil
}

// Complete はコールバックを処理し、ユーザーとセッションペイロードを返す。
func (s *FederatedStrategy) Complete(ctx context.Context, ds DomainStrategy, stateToken, state, code string) (*model.User, model.FederatedSession, error) {
	fs, err := s.states.Decode(stateToken)
	if err != nil {
		return nil, model.FederatedSession{}, NewFederatedError(FederatedErrorCallback, "login flow expired", err)
	}
	if state == "" || fs.State != state {
		return nil, model.FederatedSession{}, NewFederatedError(FederatedErrorCallback, "state mismatch", ErrInvalidState)
	}
	if fs.Domain != ds.FlowHost() {
		return nil, model.FederatedSession{}, NewFederatedError(FederatedErrorDomain, "domain mismatch",
			fmt.Errorf("flow started on %s, completed on %s", fs.Domain, ds.FlowHost()))
	}
	if code == "" {
		return nil, model.FederatedSession{}, NewFederatedError(FederatedErrorCallback, "missing authorization code", nil)
	}

	tokens, err := s.provider.Exchange(ctx, ds.CallbackURL, code, fs.Verifier, fs.Nonce)
	if err != nil {
		return nil, model.FederatedSession{}, NewFederatedError(FederatedErrorCallback, "token exchange failed", err)
	}

	candidate, err := userFromClaims(tokens.IDToken, s.now())
	if err != nil {
		return nil, model.FederatedSession{}, NewFederatedError(FederatedErrorCallback, "no user returned", err)
	}

	user, err := s.users.UpsertByEmail(ctx, candidate)
	if err != nil {
		return nil, model.FederatedSession{}, NewFederatedError(FederatedErrorUnknown, "could not save user", err)
	}

	slog.Info("federated login",
		slog.String("user_id", user.ID),
		slog.String("strategy", ds.Name),
	)

	return user, model.FederatedSession{
		UserID:       user.ID,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		Claims:       tokens.IDToken.Claims,
		ExpiresAt:    s.expiresAt(tokens),
	}, nil
}

// Refresh は期限切れのセッションペイロードをリフレッシュトークンで1回だけ更新する。
func (s *FederatedStrategy) Refresh(ctx context.Context, current model.FederatedSession) (model.FederatedSession, error) {
	if current.RefreshToken == "" {
		return model.FederatedSession{}, ErrNoRefreshToken
	}

	tokens, err := s.provider.Refresh(ctx, current.RefreshToken)
	if err != nil {
		return model.FederatedSession{}, err
	}

	next := current
	next.AccessToken = tokens.AccessToken
	if tokens.RefreshToken != "" {
		next.RefreshToken = tokens.RefreshToken
	}
	if tokens.IDToken != nil {
		next.Claims = tokens.IDToken.Claims
	}
	next.ExpiresAt = s.expiresAt(tokens)
	return next, nil
}

// EndSessionURL はIdPのログアウトURLを返す。
func (s *FederatedStrategy) EndSessionURL(postLogoutRedirectURL string) string {
	return s.provider.EndSessionURL(postLogoutRedirectURL)
}

// expiresAt はIDトークンのexpを優先し、なければアクセストークンの有効期限を用いる。
func (s *FederatedStrategy) expiresAt(tokens *TokenSet) int64 {
	if tokens.IDToken != nil && !tokens.IDToken.Expiry.IsZero() {
		return tokens.IDToken.Expiry.Unix()
	}
	if !tokens.Expiry.IsZero() {
		return tokens.Expiry.Unix()
	}
	return s.now().Add(defaultTokenLifetime).Unix()
}

// userFromClaims はIDトークンのクレームからupsert用のユーザーを組み立てる。
// 新規作成時はsubをそのまま主キーにする。
func userFromClaims(id *IDToken, now time.Time) (*model.User, error) {
	if id == nil {
		return nil, ErrMissingIDToken
	}
	sub := id.Subject
	if sub == "" {
		sub = claimString(id.Claims, "sub")
	}
	email := NormalizeEmail(claimString(id.Claims, "email"))
	if sub == "" || email == "" {
		return nil, errors.New("id_token lacks sub or email")
	}

	return &model.User{
		ID:              sub,
		Email:           email,
		FirstName:       claimString(id.Claims, "first_name", "given_name"),
		LastName:        claimString(id.Claims, "last_name", "family_name"),
		ProfileImageURL: claimString(id.Claims, "profile_image_url", "picture"),
		AccountType:     model.AccountTypeUser,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// claimString は候補のキーを順に調べ、最初に見つかった文字列値を返す。
func claimString(claims map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := claims[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// randomToken はURLセーフな乱数文字列を生成する。
func randomToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
