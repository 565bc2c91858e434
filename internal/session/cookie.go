package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strings"
)

// CookieName はセッションCookieの名前。
const CookieName = "mc_session"

// CookiePolicy はセッションCookieの属性を表す。
type CookiePolicy struct {
	Secure   bool
	SameSite http.SameSite
	Domain   string
}

// PolicyFor は実行環境に応じたCookie属性を返す。
// productionではSecureかつSameSite=Strict、それ以外ではSameSite=Laxで平文HTTPを許可する。
func PolicyFor(appEnv, domain string) CookiePolicy {
	if appEnv == "production" {
		return CookiePolicy{Secure: true, SameSite: http.SameSiteStrictMode, Domain: domain}
	}
	return CookiePolicy{Secure: false, SameSite: http.SameSiteLaxMode, Domain: domain}
}

// signer はセッションIDにHMAC-SHA256の署名を付与・検証する。
type signer struct {
	secret []byte
}

func (s signer) mac(sid string) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(sid))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// sign は "<sid>.<mac>" 形式のCookie値を返す。
func (s signer) sign(sid string) string {
	return sid + "." + s.mac(sid)
}

// verify はCookie値を検証し、セッションIDを返す。
// 形式不正または署名不一致の場合はfalseを返す。
func (s signer) verify(value string) (string, bool) {
	i := strings.LastIndexByte(value, '.')
	if i <= 0 || i == len(value)-1 {
		return "", false
	}
	sid, mac := value[:i], value[i+1:]
	if !hmac.Equal([]byte(mac), []byte(s.mac(sid))) {
		return "", false
	}
	return sid, true
}
