package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/courseloom/courseloom-backend/internal/domain"
	"github.com/courseloom/courseloom-backend/internal/pkg/logger"
)

type ActivityRepo interface {
	Create(ctx context.Context, tx *gorm.DB, activity *domain.Activity) error
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.Activity, error)
	ListByAuthor(ctx context.Context, tx *gorm.DB, authorID uuid.UUID) ([]*domain.Activity, error)
	Update(ctx context.Context, tx *gorm.DB, activity *domain.Activity) error
	Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
}

type activityRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewActivityRepo(db *gorm.DB, baseLog *logger.Logger) ActivityRepo {
	return &activityRepo{db: db, log: baseLog.With("repo", "ActivityRepo")}
}

func (r *activityRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *activityRepo) Create(ctx context.Context, tx *gorm.DB, activity *domain.Activity) error {
	return r.conn(tx).WithContext(ctx).Create(activity).Error
}

func (r *activityRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.Activity, error) {
	var activity domain.Activity
	if err := r.conn(tx).WithContext(ctx).
		Where("id = ?", id).
		First(&activity).Error; err != nil {
		return nil, err
	}
	return &activity, nil
}

func (r *activityRepo) ListByAuthor(ctx context.Context, tx *gorm.DB, authorID uuid.UUID) ([]*domain.Activity, error) {
	var activities []*domain.Activity
	if err := r.conn(tx).WithContext(ctx).
		Where("author_id = ?", authorID).
		Order("created_at DESC").
		Find(&activities).Error; err != nil {
		return nil, err
	}
	return activities, nil
}

func (r *activityRepo) Update(ctx context.Context, tx *gorm.DB, activity *domain.Activity) error {
	return r.conn(tx).WithContext(ctx).Save(activity).Error
}

func (r *activityRepo) Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	return r.conn(tx).WithContext(ctx).
		Where("id = ?", id).
		Delete(&domain.Activity{}).Error
}
