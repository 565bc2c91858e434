package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SessionKind はセッションペイロードの種別タグ。
type SessionKind string

const (
	SessionKindLocal     SessionKind = "local"
	SessionKindFederated SessionKind = "federated"
)

// ErrUnknownSessionKind は未知の種別タグを持つペイロードを復元しようとした場合のエラー。
var ErrUnknownSessionKind = errors.New("unknown session kind")

// SessionData はセッションに保存するペイロード。
// LocalSession と FederatedSession のいずれかで、それ以外の実装は存在しない。
type SessionData interface {
	Kind() SessionKind
	Subject() string
	sessionData()
}

// LocalSession はローカル認証で確立したセッションのペイロード。
type LocalSession struct {
	UserID string `json:"userId"`
}

func (LocalSession) Kind() SessionKind { return SessionKindLocal }
func (s LocalSession) Subject() string { return s.UserID }
func (LocalSession) sessionData() {}

// FederatedSession はOIDCで確立したセッションのペイロード。
// トークン一式はセッション内にのみ保持し、別テーブルには保存しない。
type FederatedSession struct {
	UserID       string         `json:"userId"`
	AccessToken  string         `json:"accessToken"`
	RefreshToken string         `json:"refreshToken,omitempty"`
	Claims       map[string]any `json:"claims,omitempty"`
	ExpiresAt    int64          `json:"expiresAt"` // epoch秒
}

func (FederatedSession) Kind() SessionKind { return SessionKindFederated }
func (s FederatedSession) Subject() string { return s.UserID }
func (FederatedSession) sessionData() {}

// Expired は指定時刻がexpires_atを過ぎているかどうかを返す。
// expires_atちょうどはまだ有効とみなす。
func (s FederatedSession) Expired(now time.Time) bool {
	return now.Unix() > s.ExpiresAt
}

// Session はサーバー側に保持するログインセッションを表す。
type Session struct {
	ID        string
	Data      SessionData
	ExpiresAt time.Time
}

// UserID はセッションに紐づくユーザーIDを返す。
func (s *Session) UserID() string {
	if s == nil || s.Data == nil {
		return ""
	}
	return s.Data.Subject()
}

type sessionEnvelope struct {
	Kind      SessionKind       `json:"kind"`
	Local     *LocalSession     `json:"local,omitempty"`
	Federated *FederatedSession `json:"federated,omitempty"`
}

// EncodeSessionData はペイロードを種別タグ付きJSONに変換する。
func EncodeSessionData(data SessionData) ([]byte, error) {
	env := sessionEnvelope{}
	switch d := data.(type) {
	case LocalSession:
		env.Kind = SessionKindLocal
		env.Local = &d
	case *LocalSession:
		env.Kind = SessionKindLocal
		env.Local = d
	case FederatedSession:
		env.Kind = SessionKindFederated
		env.Federated = &d
	case *FederatedSession:
		env.Kind = SessionKindFederated
		env.Federated = d
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownSessionKind, data)
	}
	return json.Marshal(env)
}

// DecodeSessionData は種別タグ付きJSONからペイロードを復元する。
func DecodeSessionData(raw []byte) (SessionData, error) {
	var env sessionEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to decode session payload: %w", err)
	}

	switch env.Kind {
	case SessionKindLocal:
		if env.Local == nil || env.Local.UserID == "" {
			return nil, fmt.Errorf("local session payload is empty")
		}
		return *env.Local, nil
	case SessionKindFederated:
		if env.Federated == nil || env.Federated.UserID == "" {
			return nil, fmt.Errorf("federated session payload is empty")
		}
		return *env.Federated, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSessionKind, env.Kind)
	}
}
