package repos

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/courseloom/courseloom-backend/internal/domain"
	"github.com/courseloom/courseloom-backend/internal/pkg/logger"
)

// TranscriptFilter narrows ListByActivity. Zero values mean "any".
type TranscriptFilter struct {
	UserID          uuid.UUID
	EvaluationLevel string
	From            time.Time
	To              time.Time
}

// TranscriptRepo keeps one record per session. Create refuses a second
// insert for the same (activity, session) pair; a session that resumes and
// finalizes again goes through Update, which replaces only its own row.
type TranscriptRepo interface {
	Create(ctx context.Context, tx *gorm.DB, t *domain.CoachTranscript) error
	Update(ctx context.Context, tx *gorm.DB, t *domain.CoachTranscript) error
	GetBySessionID(ctx context.Context, tx *gorm.DB, sessionID uuid.UUID) (*domain.CoachTranscript, error)
	ListByActivity(ctx context.Context, tx *gorm.DB, activityID uuid.UUID, filter TranscriptFilter) ([]*domain.CoachTranscript, error)
}

type transcriptRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTranscriptRepo(db *gorm.DB, baseLog *logger.Logger) TranscriptRepo {
	return &transcriptRepo{db: db, log: baseLog.With("repo", "TranscriptRepo")}
}

func (r *transcriptRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *transcriptRepo) Create(ctx context.Context, tx *gorm.DB, t *domain.CoachTranscript) error {
	conn := r.conn(tx).WithContext(ctx)

	// Refuse a duplicate up front for a clean error; the unique index on
	// (activity_id, session_id) backs this under concurrency.
	var count int64
	if err := conn.Model(&domain.CoachTranscript{}).
		Where("activity_id = ? AND session_id = ?", t.ActivityID, t.SessionID).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("transcript already recorded for session %s", t.SessionID)
	}
	return conn.Create(t).Error
}

// Update replaces the stored payload and denormalized columns of the row
// matching the transcript's (activity_id, session_id). The scoping keeps a
// session from ever touching another session's record.
func (r *transcriptRepo) Update(ctx context.Context, tx *gorm.DB, t *domain.CoachTranscript) error {
	res := r.conn(tx).WithContext(ctx).
		Model(&domain.CoachTranscript{}).
		Where("activity_id = ? AND session_id = ?", t.ActivityID, t.SessionID).
		Updates(map[string]any{
			"payload":          t.Payload,
			"status":           t.Status,
			"evaluation_level": t.EvaluationLevel,
			"coverage_percent": t.CoveragePercent,
			"created_at":       t.CreatedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *transcriptRepo) GetBySessionID(ctx context.Context, tx *gorm.DB, sessionID uuid.UUID) (*domain.CoachTranscript, error) {
	var t domain.CoachTranscript
	if err := r.conn(tx).WithContext(ctx).
		Where("session_id = ?", sessionID).
		First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *transcriptRepo) ListByActivity(ctx context.Context, tx *gorm.DB, activityID uuid.UUID, filter TranscriptFilter) ([]*domain.CoachTranscript, error) {
	q := r.conn(tx).WithContext(ctx).
		Where("activity_id = ?", activityID)

	if filter.UserID != uuid.Nil {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if filter.EvaluationLevel != "" {
		q = q.Where("evaluation_level = ?", filter.EvaluationLevel)
	}
	if !filter.From.IsZero() {
		q = q.Where("created_at >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		q = q.Where("created_at < ?", filter.To)
	}

	var out []*domain.CoachTranscript
	if err := q.Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
