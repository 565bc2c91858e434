// Package session はサーバー側セッションの確立・解決・更新・破棄を提供する。
// Cookieには署名付きのセッションIDのみを保持し、ペイロードはストアに置く。
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/marceconnect/marceconnect/internal/model"
)

// TTL はセッションの有効期間。最後の書き込みから起算する。
const TTL = 7 * 24 * time.Hour

// Store はセッションの永続化に必要なインターフェース。
// repository.SessionRepositoryの部分集合として定義する。
type Store interface {
	Save(ctx context.Context, session *model.Session) error
	FindByID(ctx context.Context, id string) (*model.Session, error)
	DeleteByID(ctx context.Context, id string) error
}

// Manager はセッションのライフサイクルを管理する。
// ローカル認証とフェデレーション認証の双方が同じManagerでセッションを確立する。
type Manager struct {
	store  Store
	signer signer
	policy CookiePolicy
	now    func() time.Time
}

// NewManager はManagerを生成する。secretはCookie署名鍵として使用する。
func NewManager(store Store, secret []byte, policy CookiePolicy) *Manager {
	return &Manager{
		store:  store,
		signer: signer{secret: secret},
		policy: policy,
		now:    time.Now,
	}
}

// Now はManagerが使用する現在時刻を返す。
func (m *Manager) Now() time.Time {
	return m.now()
}

// Establish は新しいセッションを作成し、Cookieを発行する。
// リクエストが既存セッションを参照している場合はそれを削除してIDをローテーションする。
func (m *Manager) Establish(ctx context.Context, w http.ResponseWriter, r *http.Request, data model.SessionData) (*model.Session, error) {
	if oldID, ok := m.sessionID(r); ok {
		if err := m.store.DeleteByID(ctx, oldID); err != nil {
			return nil, fmt.Errorf("failed to delete previous session: %w", err)
		}
	}

	sid, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	sess := &model.Session{
		ID:        sid,
		Data:      data,
		ExpiresAt: m.now().Add(TTL),
	}
	if err := m.store.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	m.setCookie(w, sess)
	return sess, nil
}

// Resolve はリクエストのCookieからセッションを取得する。
// Cookieがない、署名が不正、または期限切れの場合はnilを返す。
func (m *Manager) Resolve(r *http.Request) (*model.Session, error) {
	sid, ok := m.sessionID(r)
	if !ok {
		return nil, nil
	}

	sess, err := m.store.FindByID(r.Context(), sid)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if sess == nil || !sess.ExpiresAt.After(m.now()) {
		return nil, nil
	}
	return sess, nil
}

// Update はセッションのペイロードを書き換え、有効期限を延長する。
func (m *Manager) Update(ctx context.Context, w http.ResponseWriter, sess *model.Session, data model.SessionData) error {
	sess.Data = data
	sess.ExpiresAt = m.now().Add(TTL)
	if err := m.store.Save(ctx, sess); err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	m.setCookie(w, sess)
	return nil
}

// Destroy はセッションを削除し、Cookieを失効させる。
// セッションが存在しない場合もCookieの失効は行う。
func (m *Manager) Destroy(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	defer m.clearCookie(w)

	sid, ok := m.sessionID(r)
	if !ok {
		return nil
	}
	if err := m.store.DeleteByID(ctx, sid); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	slog.Info("session destroyed", slog.String("session_id", shortID(sid)))
	return nil
}

// sessionID は署名を検証したうえでCookieからセッションIDを取り出す。
func (m *Manager) sessionID(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(CookieName)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	return m.signer.verify(cookie.Value)
}

func (m *Manager) setCookie(w http.ResponseWriter, sess *model.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    m.signer.sign(sess.ID),
		Path:     "/",
		Domain:   m.policy.Domain,
		Expires:  sess.ExpiresAt,
		MaxAge:   int(TTL.Seconds()),
		HttpOnly: true,
		Secure:   m.policy.Secure,
		SameSite: m.policy.SameSite,
	})
}

func (m *Manager) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		Domain:   m.policy.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.policy.Secure,
		SameSite: m.policy.SameSite,
	})
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// shortID はログ出力用にセッションIDの先頭のみを返す。
func shortID(sid string) string {
	if len(sid) > 8 {
		return sid[:8]
	}
	return sid
}
