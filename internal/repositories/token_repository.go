package repositories

import (
	"context"
	"time"

	"github.com/anonto42/dzaleka-online/backend/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TokenRepository remembers signed-out session tokens.
type TokenRepository interface {
	Revoke(ctx context.Context, token *models.RevokedToken) error
	IsRevoked(ctx context.Context, id string) (bool, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

type postgresTokenRepository struct {
	db *gorm.DB
}

func NewPostgresTokenRepository(db *gorm.DB) TokenRepository {
	return &postgresTokenRepository{db: db}
}

func (r *postgresTokenRepository) Revoke(ctx context.Context, token *models.RevokedToken) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(token).Error
	return dbError("tokens.Revoke", err)
}

func (r *postgresTokenRepository) IsRevoked(ctx context.Context, id string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.RevokedToken{}).Where("id = ?", id).Count(&count).Error
	return count > 0, dbError("tokens.IsRevoked", err)
}

func (r *postgresTokenRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("expires_at < ?", now).Delete(&models.RevokedToken{})
	return res.RowsAffected, dbError("tokens.Purge", res.Error)
}
