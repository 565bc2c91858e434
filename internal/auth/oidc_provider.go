package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"golang.org/x/oauth2"
)

// DefaultOIDCHTTPTimeout はIdPへのHTTP呼び出しのデフォルトタイムアウト。
const DefaultOIDCHTTPTimeout = 10 * time.Second

// ErrMissingIDToken はトークンレスポンスにid_tokenが含まれない場合のエラー。
var ErrMissingIDToken = errors.New("token response has no id_token")

// OIDCConfig はOIDCプロバイダーの設定。
type OIDCConfig struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	HTTPTimeout  time.Duration

	// テスト用に差し替え可能なHTTPクライアント
	HTTPClient *http.Client
}

// discoveryDocument は.well-known/openid-configurationのうち使用する項目。
type discoveryDocument struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
	EndSessionEndpoint    string `json:"end_session_endpoint"`
}

// IDToken は検証済みIDトークンの内容。
type IDToken struct {
	Subject string
	Expiry  time.Time
	Claims  map[string]any
}

// TokenSet はトークンエンドポイントから得たトークン一式。
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	IDToken      *IDToken // リフレッシュ時は返らないことがある
}

// OIDCProvider はOIDCプロバイダーとの認可コードフローを提供する。
// トークン交換とリフレッシュはoauth2、IDトークン検証はJWKSキャッシュで行う。
type OIDCProvider struct {
	cfg    OIDCConfig
	doc    discoveryDocument
	client *http.Client
	jwks   *jwk.Cache
	now    func() time.Time
}

// NewOIDCProvider はディスカバリドキュメントを取得してOIDCProviderを生成する。
// ctxはJWKSキャッシュの更新ループの寿命になる。
func NewOIDCProvider(ctx context.Context, cfg OIDCConfig) (*OIDCProvider, error) {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = DefaultOIDCHTTPTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.HTTPTimeout}
	}

	doc, err := discover(ctx, client, cfg.IssuerURL)
	if err != nil {
		return nil, err
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(doc.JWKSURI, jwk.WithHTTPClient(client), jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		return nil, fmt.Errorf("failed to register jwks: %w", err)
	}

	return &OIDCProvider{
		cfg:    cfg,
		doc:    doc,
		client: client,
		jwks:   cache,
		now:    time.Now,
	}, nil
}

func discover(ctx context.Context, client *http.Client, issuer string) (discoveryDocument, error) {
	endpoint := strings.TrimSuffix(issuer, "/") + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return discoveryDocument{}, fmt.Errorf("failed to create discovery request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return discoveryDocument{}, fmt.Errorf("discovery request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return discoveryDocument{}, fmt.Errorf("failed to read discovery response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return discoveryDocument{}, fmt.Errorf("discovery failed with status %d", resp.StatusCode)
	}

	var doc discoveryDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return discoveryDocument{}, fmt.Errorf("failed to parse discovery document: %w", err)
	}
	if doc.AuthorizationEndpoint == "" || doc.TokenEndpoint == "" || doc.JWKSURI == "" {
		return discoveryDocument{}, fmt.Errorf("discovery document is missing endpoints")
	}
	if doc.Issuer == "" {
		doc.Issuer = issuer
	}
	return doc, nil
}

func (p *OIDCProvider) oauthConfig(redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{"openid", "email", "profile", "offline_access"},
		// AutoDetectは失敗時に送り直すため、リフレッシュが2往復になりうる
		Endpoint: oauth2.Endpoint{
			AuthURL:   p.doc.AuthorizationEndpoint,
			TokenURL:  p.doc.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func (p *OIDCProvider) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.client)
}

// AuthCodeURL は認可エンドポイントへのリダイレクトURLを生成する。
// PKCE(S256)のチャレンジとnonceを付与する。
func (p *OIDCProvider) AuthCodeURL(redirectURL string, fs FlowState) string {
	return p.oauthConfig(redirectURL).AuthCodeURL(fs.State,
		oauth2.S256ChallengeOption(fs.Verifier),
		oauth2.SetAuthURLParam("nonce", fs.Nonce),
		oauth2.SetAuthURLParam("prompt", "login consent"),
	)
}

// Exchange は認可コードをトークンに交換し、IDトークンを検証する。
func (p *OIDCProvider) Exchange(ctx context.Context, redirectURL, code, verifier, nonce string) (*TokenSet, error) {
	tok, err := p.oauthConfig(redirectURL).Exchange(p.clientContext(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	rawID, _ := tok.Extra("id_token").(string)
	if rawID == "" {
		return nil, ErrMissingIDToken
	}
	id, err := p.VerifyIDToken(ctx, rawID, nonce)
	if err != nil {
		return nil, err
	}

	return &TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		IDToken:      id,
	}, nil
}

// Refresh はリフレッシュトークンでトークンを1回だけ再取得する。
// 新しいリフレッシュトークンが返らない場合は元の値を引き継ぐ。
func (p *OIDCProvider) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	src := p.oauthConfig("").TokenSource(p.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	set := &TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if set.RefreshToken == "" {
		set.RefreshToken = refreshToken
	}
	if rawID, _ := tok.Extra("id_token").(string); rawID != "" {
		id, err := p.VerifyIDToken(ctx, rawID, "")
		if err != nil {
			return nil, err
		}
		set.IDToken = id
	}
	return set, nil
}

// VerifyIDToken はIDトークンの署名とiss・aud・exp・nonceを検証する。
// nonceが空の場合はnonceの照合を行わない。
func (p *OIDCProvider) VerifyIDToken(ctx context.Context, raw, nonce string) (*IDToken, error) {
	keyset, err := p.jwks.Get(ctx, p.doc.JWKSURI)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch jwks: %w", err)
	}

	opts := []jwt.ParseOption{
		jwt.WithKeySet(keyset, jws.WithInferAlgorithmFromKey(true)),
		jwt.WithValidate(true),
		jwt.WithIssuer(p.doc.Issuer),
		jwt.WithAudience(p.cfg.ClientID),
		jwt.WithClock(jwt.ClockFunc(p.now)),
		jwt.WithAcceptableSkew(time.Minute),
	}
	if nonce != "" {
		opts = append(opts, jwt.WithClaimValue("nonce", nonce))
	}

	t, err := jwt.ParseString(raw, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to verify id_token: %w", err)
	}

	// jwt.TokenのAsMapはexpをtime.Timeで返すため、JSON経由で数値のまま取り出す
	buf, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to encode id_token claims: %w", err)
	}
	claims := map[string]any{}
	if err := json.Unmarshal(buf, &claims); err != nil {
		return nil, fmt.Errorf("failed to decode id_token claims: %w", err)
	}

	return &IDToken{
		Subject: t.Subject(),
		Expiry:  t.Expiration(),
		Claims:  claims,
	}, nil
}

// EndSessionURL はIdPのログアウトURLを生成する。
// IdPがend_session_endpointを公開していない場合はpostLogoutRedirectURLをそのまま返す。
func (p *OIDCProvider) EndSessionURL(postLogoutRedirectURL string) string {
	if p.doc.EndSessionEndpoint == "" {
		return postLogoutRedirectURL
	}
	u, err := url.Parse(p.doc.EndSessionEndpoint)
	if err != nil {
		return postLogoutRedirectURL
	}
	q := u.Query()
	q.Set("client_id", p.cfg.ClientID)
	q.Set("post_logout_redirect_uri", postLogoutRedirectURL)
	u.RawQuery = q.Encode()
	return u.String()
}

// compile-time interface check
var _ IdentityProvider = (*OIDCProvider)(nil)
