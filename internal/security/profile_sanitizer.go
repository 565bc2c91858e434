// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ProfileSanitizer はユーザーが入力したプロフィール項目をサニタイズし、
// 他のユーザーの画面でのXSSを防ぐ。
package security

import (
	"html"
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/marceconnect/marceconnect/internal/model"
)

// ProfileSanitizer はプロフィール項目のサニタイズを行う。
// 自己紹介のみ簡単な書式を許可し、それ以外の項目はタグをすべて除去する。
type ProfileSanitizer struct {
	bio   *bluemonday.Policy
	plain *bluemonday.Policy
}

// NewProfileSanitizer はProfileSanitizerを生成する。
// 自己紹介で許可するもの:
//   - タグ: p, br, ul, ol, li, strong, em, a
//   - aのhref: httpsのみ。target="_blank"とrel="noopener noreferrer"を付与
func NewProfileSanitizer() *ProfileSanitizer {
	bio := bluemonday.NewPolicy()
	bio.AllowElements("p", "br", "ul", "ol", "li", "strong", "em")
	bio.AllowAttrs("href").OnElements("a")
	bio.AllowRelativeURLs(false)
	bio.AllowURLSchemeWithCustomPolicy("https", func(u *url.URL) bool {
		return u.Host != ""
	})
	bio.AddTargetBlankToFullyQualifiedLinks(true)
	bio.RequireNoReferrerOnLinks(true)

	return &ProfileSanitizer{
		bio:   bio,
		plain: bluemonday.StrictPolicy(),
	}
}

// SanitizeBio は自己紹介のHTMLをサニタイズする。
func (s *ProfileSanitizer) SanitizeBio(raw string) string {
	return strings.TrimSpace(s.bio.Sanitize(raw))
}

// SanitizeText はタグをすべて除去したプレーンテキストを返す。
// StrictPolicyはエスケープ済みの文字列を返すため、実体参照を元の文字に戻して保存する。
// 何度適用しても結果は変わらない。表示側でのエスケープが前提。
func (s *ProfileSanitizer) SanitizeText(raw string) string {
	return strings.TrimSpace(html.UnescapeString(s.plain.Sanitize(raw)))
}

// SanitizeUpdate はプロフィール更新の各項目をサニタイズした新しい値を返す。
// nilの項目はnilのまま残す。
func (s *ProfileSanitizer) SanitizeUpdate(in model.ProfileUpdate) model.ProfileUpdate {
	text := func(p *string) *string {
		if p == nil {
			return nil
		}
		v := s.SanitizeText(*p)
		return &v
	}
	out := model.ProfileUpdate{
		FirstName:   text(in.FirstName),
		LastName:    text(in.LastName),
		Location:    text(in.Location),
		Phone:       text(in.Phone),
		WhatsApp:    text(in.WhatsApp),
		CompanyName: text(in.CompanyName),
		Specialty:   text(in.Specialty),
		ServiceArea: text(in.ServiceArea),
	}
	if in.Bio != nil {
		v := s.SanitizeBio(*in.Bio)
		out.Bio = &v
	}
	return out
}
