package repository

import (
	"context"
	"errors"

	"agrolink/internal/models"
	"agrolink/internal/observability"

	"github.com/samber/lo"
	"gorm.io/gorm"
)

// ProfileRepository reads the profiles the messaging core renders.
type ProfileRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id uint) (*models.User, error)
	GetByIDs(ctx context.Context, ids []uint) ([]models.User, error)
}

type profileRepository struct {
	db  *gorm.DB
	log *observability.RepoLogger
}

// NewProfileRepository creates a new profile repository
func NewProfileRepository(db *gorm.DB) ProfileRepository {
	return &profileRepository{db: db, log: observability.NewRepoLogger("profiles")}
}

func (r *profileRepository) Create(ctx context.Context, user *models.User) error {
	if !user.Role.Valid() {
		return models.NewValidationError("unknown role " + string(user.Role))
	}
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		r.log.LogError(ctx, err, "create")
		return err
	}
	r.log.LogCreate(ctx, map[string]any{"profile_id": user.ID, "role": user.Role})
	return nil
}

func (r *profileRepository) GetByID(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).First(&user, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.NewNotFoundError("Profile", id)
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *profileRepository) GetByIDs(ctx context.Context, ids []uint) ([]models.User, error) {
	ids = lo.Uniq(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	var users []models.User
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Order("id ASC").Find(&users).Error
	return users, err
}
