package repositories

import (
	"context"
	"errors"
	"strings"

	"github.com/anonto42/dzaleka-online/backend/internal/apperr"
	"github.com/anonto42/dzaleka-online/backend/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UserRepository defines the interface for user data operations
type UserRepository interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetUsersByIDs(ctx context.Context, ids []string) (map[string]models.User, error)
	UpdateFields(ctx context.Context, id string, fields map[string]interface{}) error
	// UpdateActivity loads the user under a row lock, applies fn and saves the
	// streak columns in the same transaction.
	UpdateActivity(ctx context.Context, id string, fn func(u *models.User) error) error
	SearchUsers(ctx context.Context, query string, limit int) ([]models.User, error)
}

// PostgresUserRepository implements UserRepository for PostgreSQL
type PostgresUserRepository struct {
	db *gorm.DB
}

// NewPostgresUserRepository creates a new PostgresUserRepository
func NewPostgresUserRepository(db *gorm.DB) *PostgresUserRepository {
	return &PostgresUserRepository{db: db}
}

// EnsureUserIndexes adds the case-insensitive username index AutoMigrate
// cannot express.
func EnsureUserIndexes(db *gorm.DB) error {
	err := db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS idx_users_username_lower ON users (LOWER(username))").Error
	return dbError("users.EnsureIndexes", err)
}

// CreateUser creates a new user in PostgreSQL
func (r *PostgresUserRepository) CreateUser(ctx context.Context, user *models.User) error {
	user.Normalize()
	user.Username = models.NormalizeUsername(user.Username)
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || isUniqueViolation(err) {
			return userConflict(err)
		}
		return dbError("users.Create", err)
	}
	return nil
}

// userConflict maps a unique violation to the field that collided.
func userConflict(err error) error {
	if strings.Contains(err.Error(), "username") {
		return apperr.Validation("username already taken")
	}
	return apperr.Conflict("account already exists")
}

// GetUserByID retrieves a user by ID from PostgreSQL
func (r *PostgresUserRepository) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	return r.first(ctx, "users.GetByID", "id = ?", id)
}

// GetUserByEmail retrieves a user by email
func (r *PostgresUserRepository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.first(ctx, "users.GetByEmail", "LOWER(email) = LOWER(?)", email)
}

// GetUserByUsername retrieves a user by username
func (r *PostgresUserRepository) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return r.first(ctx, "users.GetByUsername", "LOWER(username) = LOWER(?)", username)
}

func (r *PostgresUserRepository) first(ctx context.Context, op, query string, arg interface{}) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Where(query, arg).First(&user).Error; err != nil {
		return nil, dbError(op, err)
	}
	user.Normalize()
	return &user, nil
}

// GetUsersByIDs returns the users found among ids, keyed by id.
func (r *PostgresUserRepository) GetUsersByIDs(ctx context.Context, ids []string) (map[string]models.User, error) {
	out := make(map[string]models.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var users []models.User
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, dbError("users.GetByIDs", err)
	}
	for _, u := range users {
		u.Normalize()
		out[u.ID] = u
	}
	return out, nil
}

// UpdateFields merges the given columns into the user row.
func (r *PostgresUserRepository) UpdateFields(ctx context.Context, id string, fields map[string]interface{}) error {
	if username, ok := fields["username"].(string); ok {
		fields["username"] = models.NormalizeUsername(username)
	}
	res := r.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) || isUniqueViolation(res.Error) {
			return userConflict(res.Error)
		}
		return dbError("users.UpdateFields", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("user not found")
	}
	return nil
}

func (r *PostgresUserRepository) UpdateActivity(ctx context.Context, id string, fn func(u *models.User) error) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user models.User
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&user).Error; err != nil {
			return err
		}
		if err := fn(&user); err != nil {
			return err
		}
		return tx.Model(&models.User{}).Where("id = ?", id).Updates(map[string]interface{}{
			"points":           user.Points,
			"streak":           user.Streak,
			"last_active_date": user.LastActiveDate,
		}).Error
	})
	return dbError("users.UpdateActivity", err)
}

// SearchUsers searches for users by name or username
func (r *PostgresUserRepository) SearchUsers(ctx context.Context, query string, limit int) ([]models.User, error) {
	var users []models.User
	pattern := "%" + strings.ToLower(query) + "%"
	err := r.db.WithContext(ctx).
		Where("LOWER(name) LIKE ? OR LOWER(username) LIKE ?", pattern, pattern).
		Order("username").Limit(limit).
		Find(&users).Error
	if err != nil {
		return nil, dbError("users.Search", err)
	}
	return users, nil
}
