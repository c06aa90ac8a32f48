package store

import (
	"context"
	"errors"
	"time"

	"vexaportal/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrDuplicateEmail  = errors.New("email already signed up")
	ErrAlreadyVerified = errors.New("signup already verified")
	ErrTokenExpired    = errors.New("verification token expired")
)

// Store 公测报名的持久层。只存报名表单和验证令牌哈希，
// 账务相关的数据一概不落库。
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) CreateBetaSignup(ctx context.Context, signup models.BetaSignup, tokenHash string, expiresAt time.Time) (models.BetaSignup, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO beta_signups (email, company, company_business, company_size,
			linkedin, twitter, main_platform, other_platform, use_case,
			status, token_hash, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, status, created_at`,
		signup.Email, signup.Company, signup.CompanyBusiness, signup.CompanySize,
		signup.LinkedIn, signup.Twitter, signup.MainPlatform, signup.OtherPlatform, signup.UseCase,
		models.BetaStatusPending, tokenHash, expiresAt,
	).Scan(&signup.ID, &signup.Status, &signup.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return models.BetaSignup{}, ErrDuplicateEmail
		}
		return models.BetaSignup{}, err
	}
	signup.TokenHash = tokenHash
	signup.ExpiresAt = expiresAt
	return signup, nil
}

// VerifyBetaSignup 按令牌哈希查找并标记验证。令牌只能用一次。
func (s *Store) VerifyBetaSignup(ctx context.Context, tokenHash string) (models.BetaSignup, error) {
	var signup models.BetaSignup
	err := s.pool.QueryRow(ctx, `
		SELECT id, email, company, company_business, company_size,
			linkedin, twitter, main_platform, other_platform, use_case,
			status, expires_at, verified_at, created_at
		FROM beta_signups WHERE token_hash = $1`, tokenHash,
	).Scan(&signup.ID, &signup.Email, &signup.Company, &signup.CompanyBusiness, &signup.CompanySize,
		&signup.LinkedIn, &signup.Twitter, &signup.MainPlatform, &signup.OtherPlatform, &signup.UseCase,
		&signup.Status, &signup.ExpiresAt, &signup.VerifiedAt, &signup.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.BetaSignup{}, ErrNotFound
	}
	if err != nil {
		return models.BetaSignup{}, err
	}
	if signup.VerifiedAt != nil {
		return models.BetaSignup{}, ErrAlreadyVerified
	}
	if time.Now().UTC().After(signup.ExpiresAt) {
		return models.BetaSignup{}, ErrTokenExpired
	}

	err = s.pool.QueryRow(ctx, `
		UPDATE beta_signups
		SET status = $1, verified_at = NOW()
		WHERE id = $2 AND verified_at IS NULL
		RETURNING status, verified_at`,
		models.BetaStatusVerified, signup.ID,
	).Scan(&signup.Status, &signup.VerifiedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// 并发验证抢先了一步
		return models.BetaSignup{}, ErrAlreadyVerified
	}
	if err != nil {
		return models.BetaSignup{}, err
	}
	return signup, nil
}

// CleanupExpiredSignups 清理过期且未验证的报名
func (s *Store) CleanupExpiredSignups(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM beta_signups
		WHERE verified_at IS NULL AND expires_at < NOW() - INTERVAL '7 days'`)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
