package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// StateTTL はログインフロー用Cookieの有効期間。
const StateTTL = 10 * time.Minute

// StateCookieName はログインフロー用Cookieの名前。
const StateCookieName = "mc_oidc_state"

// ErrInvalidState はstateの不一致や署名不正を表す。
var ErrInvalidState = errors.New("invalid oidc state")

// FlowState は認可リクエストからコールバックまで持ち回る値。
type FlowState struct {
	State    string
	Nonce    string
	Verifier string // PKCE code_verifier
	Domain   string
}

type stateClaims struct {
	State    string `json:"st"`
	Nonce    string `json:"nn"`
	Verifier string `json:"cv"`
	Domain   string `json:"dm"`
	jwt.RegisteredClaims
}

// StateCodec はFlowStateをHS256署名付きJWTとしてCookieに載せる。
type StateCodec struct {
	secret []byte
	now    func() time.Time
}

// NewStateCodec はStateCodecを生成する。
func NewStateCodec(secret []byte) *StateCodec {
	return &StateCodec{secret: secret, now: time.Now}
}

// Encode はFlowStateを署名付きトークンに変換する。
func (c *StateCodec) Encode(fs FlowState) (string, error) {
	now := c.now()
	claims := stateClaims{
		State:    fs.State,
		Nonce:    fs.Nonce,
		Verifier: fs.Verifier,
		Domain:   fs.Domain,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(StateTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign state: %w", err)
	}
	return signed, nil
}

// Decode はトークンを検証し、FlowStateを復元する。
func (c *StateCodec) Decode(raw string) (FlowState, error) {
	claims := &stateClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return FlowState{}, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return FlowState{
		State:    claims.State,
		Nonce:    claims.Nonce,
		Verifier: claims.Verifier,
		Domain:   claims.Domain,
	}, nil
}
