package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/marceconnect/marceconnect/internal/model"
	"github.com/marceconnect/marceconnect/internal/repository"
	"github.com/marceconnect/marceconnect/internal/security"
)

// ErrDuplicateEmail は登録済みのメールアドレスで登録しようとした場合のエラー。
var ErrDuplicateEmail = errors.New("email already registered")

// ValidationError は入力項目ごとのバリデーションエラーを保持する。
type ValidationError struct {
	Fields []model.FieldError
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		names = append(names, f.Field)
	}
	return "validation failed: " + strings.Join(names, ", ")
}

// RegisterInput は新規登録フォームの入力。
type RegisterInput struct {
	Email       string `json:"email" validate:"required,email"`
	Password    string `json:"password" validate:"required,min=6"`
	FirstName   string `json:"firstName" validate:"required"`
	LastName    string `json:"lastName"`
	AccountType string `json:"accountType" validate:"required,oneof=USER TECHNICAL COMPANY MACHINE_REP SOFTWARE_REP"`

	// 業者向けプロフィール。アカウント種別によって必須になる。
	CompanyName string `json:"companyName" validate:"max=200"`
	Specialty   string `json:"specialty" validate:"max=200"`
	ServiceArea string `json:"serviceArea" validate:"max=200"`

	Phone    string `json:"phone" validate:"max=40"`
	WhatsApp string `json:"whatsapp" validate:"max=40"`
	Location string `json:"location" validate:"max=200"`
}

// NewValidator はJSONタグ名でエラーを報告するバリデータを生成する。
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	v.RegisterStructValidation(registerStructLevel, RegisterInput{})
	return v
}

// registerStructLevel はアカウント種別に応じた条件付き必須項目を検証する。
func registerStructLevel(sl validator.StructLevel) {
	in := sl.Current().Interface().(RegisterInput)
	switch model.AccountType(in.AccountType) {
	case model.AccountTypeTechnical:
		if strings.TrimSpace(in.Specialty) == "" {
			sl.ReportError(in.Specialty, "specialty", "Specialty", "required_for_account_type", in.AccountType)
		}
		if strings.TrimSpace(in.ServiceArea) == "" {
			sl.ReportError(in.ServiceArea, "serviceArea", "ServiceArea", "required_for_account_type", in.AccountType)
		}
	case model.AccountTypeCompany, model.AccountTypeMachineRep, model.AccountTypeSoftwareRep:
		if strings.TrimSpace(in.CompanyName) == "" {
			sl.ReportError(in.CompanyName, "companyName", "CompanyName", "required_for_account_type", in.AccountType)
		}
	}
}

// ValidateStruct は構造体を検証し、失敗時は*ValidationErrorを返す。
func ValidateStruct(v *validator.Validate, s any) error {
	err := v.Struct(s)
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return fmt.Errorf("failed to validate input: %w", err)
	}
	fields := make([]model.FieldError, 0, len(ve))
	for _, fe := range ve {
		fields = append(fields, model.FieldError{Field: fe.Field(), Message: fieldMessage(fe)})
	}
	return &ValidationError{Fields: fields}
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "This field is required."
	case "email":
		return "Enter a valid email address."
	case "min":
		return fmt.Sprintf("Must be at least %s characters.", fe.Param())
	case "max":
		return fmt.Sprintf("Must be at most %s characters.", fe.Param())
	case "oneof":
		return fmt.Sprintf("Must be one of: %s.", strings.ReplaceAll(fe.Param(), " ", ", "))
	case "required_for_account_type":
		return fmt.Sprintf("This field is required for %s accounts.", fe.Param())
	default:
		return fmt.Sprintf("Invalid value (%s).", fe.Tag())
	}
}

// Registrar は新規ユーザー登録を行う。
// セッションの確立は呼び出し側が行う。
type Registrar struct {
	users     repository.UserRepository
	hasher    *PasswordHasher
	validate  *validator.Validate
	sanitizer *security.ProfileSanitizer
	now       func() time.Time
}

// NewRegistrar はRegistrarを生成する。
func NewRegistrar(users repository.UserRepository, hasher *PasswordHasher, validate *validator.Validate) *Registrar {
	return &Registrar{
		users:     users,
		hasher:    hasher,
		validate:  validate,
		sanitizer: security.NewProfileSanitizer(),
		now:       time.Now,
	}
}

// Register は入力を検証し、ユーザーを作成する。
// 事前の重複チェックに加え、同時登録による一意制約違反も同じErrDuplicateEmailとして返す。
func (r *Registrar) Register(ctx context.Context, in RegisterInput) (*model.User, error) {
	in.Email = NormalizeEmail(in.Email)
	// プロフィール更新と同じ規則で保存する
	for _, f := range []*string{
		&in.FirstName, &in.LastName, &in.CompanyName, &in.Specialty,
		&in.ServiceArea, &in.Phone, &in.WhatsApp, &in.Location,
	} {
		*f = r.sanitizer.SanitizeText(*f)
	}

	if err := ValidateStruct(r.validate, in); err != nil {
		return nil, err
	}

	existing, err := r.users.FindByEmail(ctx, in.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to check duplicate email: %w", err)
	}
	if existing != nil {
		return nil, ErrDuplicateEmail
	}

	hash, err := r.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}

	now := r.now()
	user := &model.User{
		ID:           uuid.New().String(),
		Email:        in.Email,
		PasswordHash: &hash,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		AccountType:  model.AccountType(in.AccountType),
		Location:     in.Location,
		Phone:        in.Phone,
		WhatsApp:     in.WhatsApp,
		CompanyName:  in.CompanyName,
		Specialty:    in.Specialty,
		ServiceArea:  in.ServiceArea,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := r.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, ErrDuplicateEmail
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	slog.Info("user registered",
		slog.String("user_id", user.ID),
		slog.String("account_type", string(user.AccountType)),
	)
	return user, nil
}
