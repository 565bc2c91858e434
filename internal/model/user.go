// Package model はドメインモデルを定義する。
package model

import "time"

// AccountType はアカウント種別を表す。閉じた集合で、これ以外の値は受け付けない。
type AccountType string

const (
	AccountTypeUser        AccountType = "USER"
	AccountTypeTechnical   AccountType = "TECHNICAL"
	AccountTypeCompany     AccountType = "COMPANY"
	AccountTypeMachineRep  AccountType = "MACHINE_REP"
	AccountTypeSoftwareRep AccountType = "SOFTWARE_REP"
)

// AccountTypes は有効なアカウント種別の一覧。
var AccountTypes = []AccountType{
	AccountTypeUser,
	AccountTypeTechnical,
	AccountTypeCompany,
	AccountTypeMachineRep,
	AccountTypeSoftwareRep,
}

// Valid はアカウント種別が定義済みの値かどうかを返す。
func (t AccountType) Valid() bool {
	for _, v := range AccountTypes {
		if t == v {
			return true
		}
	}
	return false
}

// Professional は業者向けプロフィールを持つ種別かどうかを返す。
func (t AccountType) Professional() bool {
	return t.Valid() && t != AccountTypeUser
}

// User は個人または組織のアカウントを表す。
// PasswordHashがnilのユーザーはフェデレーション経由でのみ作成されたもの。
type User struct {
	ID              string
	Email           string
	PasswordHash    *string
	FirstName       string
	LastName        string
	ProfileImageURL string
	IsAdmin         bool
	IsBanned        bool
	AccountType     AccountType

	// プロフィール（CRUD用の自由入力項目）
	Bio      string
	Location string
	Phone    string
	WhatsApp string

	// 業者向けプロフィール
	CompanyName string
	Specialty   string
	ServiceArea string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasPassword はローカル認証用のパスワードハッシュを持つかどうかを返す。
func (u *User) HasPassword() bool {
	return u.PasswordHash != nil && *u.PasswordHash != ""
}

// ProfileUpdate はプロフィール編集で変更可能な項目。
// nilのフィールドは変更しない。
type ProfileUpdate struct {
	FirstName   *string
	LastName    *string
	Bio         *string
	Location    *string
	Phone       *string
	WhatsApp    *string
	CompanyName *string
	Specialty   *string
	ServiceArea *string
}
