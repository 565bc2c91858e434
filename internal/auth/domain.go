package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
)

// ErrUnknownDomain はリクエストのホストが許可リストにない場合のエラー。
var ErrUnknownDomain = errors.New("unknown domain")

// DomainStrategy は配信ドメインごとのフェデレーション認証設定。
// Domainは許可リストに登録されたドメイン、Hostは実際にリクエストを受けたホスト名。
// コールバックURLはHost上に作るため、state Cookieがそのままコールバックに届く。
type DomainStrategy struct {
	Name        string // "oidc:<domain>"
	Domain      string
	Host        string
	CallbackURL string
}

// FlowHost はログインフローを固定するホスト名を返す。
func (s DomainStrategy) FlowHost() string {
	if s.Host != "" {
		return s.Host
	}
	return s.Domain
}

// DomainRegistry はドメインからDomainStrategyを引く不変のテーブル。
// 起動時に一度だけ構築し、以後は変更しない。
type DomainRegistry struct {
	strategies map[string]DomainStrategy
	// 接尾辞照合は長いドメインを優先する
	ordered []string
}

// NewDomainRegistry はカンマ区切りのドメイン一覧からDomainRegistryを構築する。
func NewDomainRegistry(domains []string) (*DomainRegistry, error) {
	reg := &DomainRegistry{strategies: make(map[string]DomainStrategy)}
	for _, d := range domains {
		domain := strings.ToLower(strings.TrimSpace(d))
		if domain == "" {
			continue
		}
		if strings.ContainsAny(domain, "/:@ ") {
			return nil, fmt.Errorf("invalid domain %q", d)
		}
		if _, dup := reg.strategies[domain]; dup {
			continue
		}
		reg.strategies[domain] = DomainStrategy{
			Name:   "oidc:" + domain,
			Domain: domain,
		}
		reg.ordered = append(reg.ordered, domain)
	}
	if len(reg.ordered) == 0 {
		return nil, errors.New("at least one domain is required")
	}
	sort.SliceStable(reg.ordered, func(i, j int) bool {
		return len(reg.ordered[i]) > len(reg.ordered[j])
	})
	return reg, nil
}

// Resolve はホスト名に対応するDomainStrategyを返す。
// ポートを除去したうえで完全一致、次にドット境界での接尾辞一致を試みる。
func (r *DomainRegistry) Resolve(host string) (DomainStrategy, error) {
	hostname := strings.ToLower(stripPort(host))
	if hostname == "" {
		return DomainStrategy{}, ErrUnknownDomain
	}
	if s, ok := r.strategies[hostname]; ok {
		return s.forHost(hostname), nil
	}
	for _, domain := range r.ordered {
		if strings.HasSuffix(hostname, "."+domain) {
			return r.strategies[domain].forHost(hostname), nil
		}
	}
	return DomainStrategy{}, ErrUnknownDomain
}

// forHost は照合に成功したホスト名でコールバックURLを組み立てる。
func (s DomainStrategy) forHost(hostname string) DomainStrategy {
	scheme := "https"
	if s.Domain == "localhost" {
		scheme = "http"
	}
	s.Host = hostname
	s.CallbackURL = scheme + "://" + hostname + "/api/callback"
	return s
}

// Domains は登録済みドメインの一覧を返す。
func (r *DomainRegistry) Domains() []string {
	out := make([]string, len(r.ordered))
	copy(out, r.ordered)
	return out
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

type domainContextKey struct{}

// ContextWithDomain はコンテキストに解決済みのDomainStrategyを格納する。
func ContextWithDomain(ctx context.Context, s DomainStrategy) context.Context {
	return context.WithValue(ctx, domainContextKey{}, s)
}

// DomainFromContext はコンテキストからDomainStrategyを取得する。
func DomainFromContext(ctx context.Context) (DomainStrategy, bool) {
	s, ok := ctx.Value(domainContextKey{}).(DomainStrategy)
	return s, ok
}
