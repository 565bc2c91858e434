package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/marceconnect/marceconnect/internal/model"
)

// pgUniqueViolation はPostgreSQLのunique_violationエラーコード。
const pgUniqueViolation = "23505"

// usersPrimaryKey はusers.idの主キー制約名。
const usersPrimaryKey = "users_pkey"

const userColumns = `id, email, password_hash, first_name, last_name, profile_image_url,
	is_admin, is_banned, account_type, bio, location, phone, whatsapp,
	company_name, specialty, service_area, created_at, updated_at`

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`,
		id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return user, nil
}

// FindByEmail はメールアドレスでユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`,
		email,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	return user, nil
}

// Create はユーザーを作成する。
// 同時登録で事前チェックをすり抜けた場合もユニーク制約違反をErrDuplicateEmailとして返す。
func (r *PostgresUserRepo) Create(ctx context.Context, user *model.User) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, first_name, last_name, profile_image_url,
			is_admin, is_banned, account_type, bio, location, phone, whatsapp,
			company_name, specialty, service_area, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		user.ID, user.Email, user.PasswordHash, user.FirstName, user.LastName, user.ProfileImageURL,
		user.IsAdmin, user.IsBanned, string(user.AccountType), user.Bio, user.Location, user.Phone, user.WhatsApp,
		user.CompanyName, user.Specialty, user.ServiceArea, user.CreatedAt, user.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateEmail
	}
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// UpsertByEmail はメールアドレスをキーにユーザーを作成または更新する。
// INSERT ... ON CONFLICTの1文で実行するため、同一ユーザーの初回ログインが
// 同時に走っても行が重複しない。
// IdP側でメールアドレスが変わった場合（同じidで別のメールアドレス）は主キーが衝突するため、
// idの行のメールアドレスとプロフィールを更新する。
func (r *PostgresUserRepo) UpsertByEmail(ctx context.Context, user *model.User) (*model.User, error) {
	saved, err := scanUser(r.db.QueryRowContext(ctx,
		`INSERT INTO users (id, email, first_name, last_name, profile_image_url, account_type, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		 ON CONFLICT (email) DO UPDATE SET
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			profile_image_url = EXCLUDED.profile_image_url,
			updated_at = EXCLUDED.updated_at
		 RETURNING `+userColumns,
		user.ID, user.Email, user.FirstName, user.LastName, user.ProfileImageURL,
		string(user.AccountType), user.UpdatedAt,
	))
	if err == nil {
		return saved, nil
	}
	if !isPrimaryKeyViolation(err) {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}

	saved, err = scanUser(r.db.QueryRowContext(ctx,
		`UPDATE users SET
			email = $2,
			first_name = $3,
			last_name = $4,
			profile_image_url = $5,
			updated_at = $6
		 WHERE id = $1
		 RETURNING `+userColumns,
		user.ID, user.Email, user.FirstName, user.LastName, user.ProfileImageURL, user.UpdatedAt,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateEmail
		}
		return nil, fmt.Errorf("failed to update user email: %w", err)
	}
	return saved, nil
}

// UpdateProfile はプロフィール項目を部分更新し、更新後の行を返す。
// nilのフィールドはCOALESCEで既存値を維持する。
func (r *PostgresUserRepo) UpdateProfile(ctx context.Context, id string, update model.ProfileUpdate) (*model.User, error) {
	saved, err := scanUser(r.db.QueryRowContext(ctx,
		`UPDATE users SET
			first_name = COALESCE($2, first_name),
			last_name = COALESCE($3, last_name),
			bio = COALESCE($4, bio),
			location = COALESCE($5, location),
			phone = COALESCE($6, phone),
			whatsapp = COALESCE($7, whatsapp),
			company_name = COALESCE($8, company_name),
			specialty = COALESCE($9, specialty),
			service_area = COALESCE($10, service_area),
			updated_at = now()
		 WHERE id = $1
		 RETURNING `+userColumns,
		id, update.FirstName, update.LastName, update.Bio, update.Location,
		update.Phone, update.WhatsApp, update.CompanyName, update.Specialty, update.ServiceArea,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update profile: %w", err)
	}
	return saved, nil
}

// List はユーザー一覧を作成日時の降順で返す。
func (r *PostgresUserRepo) List(ctx context.Context, limit, offset int) ([]*model.User, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*model.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate users: %w", err)
	}
	return users, nil
}

// SetBanned はBANフラグを更新する。
func (r *PostgresUserRepo) SetBanned(ctx context.Context, id string, banned bool) error {
	return r.updateOne(ctx, `UPDATE users SET is_banned = $2, updated_at = now() WHERE id = $1`, id, banned)
}

// SetAdmin は管理者フラグを更新する。
func (r *PostgresUserRepo) SetAdmin(ctx context.Context, id string, admin bool) error {
	return r.updateOne(ctx, `UPDATE users SET is_admin = $2, updated_at = now() WHERE id = $1`, id, admin)
}

// SetPasswordHash はパスワードハッシュを置き換える。
func (r *PostgresUserRepo) SetPasswordHash(ctx context.Context, id string, hash string) error {
	return r.updateOne(ctx, `UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1`, id, hash)
}

// updateOne は1行を対象とするUPDATEを実行する。対象行がなければErrUserNotFoundを返す。
func (r *PostgresUserRepo) updateOne(ctx context.Context, query string, id string, value any) error {
	result, err := r.db.ExecContext(ctx, query, id, value)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

func scanUser(row rowScanner) (*model.User, error) {
	user := &model.User{}
	var passwordHash sql.NullString
	var accountType string
	err := row.Scan(
		&user.ID, &user.Email, &passwordHash, &user.FirstName, &user.LastName, &user.ProfileImageURL,
		&user.IsAdmin, &user.IsBanned, &accountType, &user.Bio, &user.Location, &user.Phone, &user.WhatsApp,
		&user.CompanyName, &user.Specialty, &user.ServiceArea, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if passwordHash.Valid {
		hash := passwordHash.String
		user.PasswordHash = &hash
	}
	user.AccountType = model.AccountType(accountType)
	return user, nil
}

// isUniqueViolation はエラーがPostgreSQLのユニーク制約違反かどうかを判定する。
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgUniqueViolation
	}
	return err != nil && strings.Contains(err.Error(), "duplicate key value")
}

// isPrimaryKeyViolation はusersの主キー制約違反かどうかを判定する。
func isPrimaryKeyViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgUniqueViolation && pqErr.Constraint == usersPrimaryKey
	}
	return false
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
