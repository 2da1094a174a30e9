// Package domain holds the persisted data model for the coaching backend.
package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type User struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Email     string    `gorm:"uniqueIndex;not null;column:email" json:"email"`
	Password  string    `gorm:"not null;column:password" json:"-"`
	FirstName string    `gorm:"not null;column:first_name" json:"first_name"`
	LastName  string    `gorm:"not null;column:last_name" json:"last_name"`

	AvatarKey   string `gorm:"column:avatar_key" json:"avatar_key"`
	AvatarColor string `gorm:"column:avatar_color" json:"avatar_color"`

	CreatedAt time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (User) TableName() string { return "user" }

type UserToken struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID       uuid.UUID `gorm:"type:uuid;not null;index;column:user_id" json:"user_id"`
	AccessToken  string    `gorm:"not null;index;column:access_token" json:"-"`
	RefreshToken string    `gorm:"not null;index;column:refresh_token" json:"-"`
	ExpiresAt    time.Time `gorm:"not null;column:expires_at" json:"expires_at"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
}

func (UserToken) TableName() string { return "user_token" }

// Activity is an authored learning activity. CoachConfig holds the full
// coaching configuration (guardrail, persona, rubric, timeout policy) as the
// author saved it.
type Activity struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	AuthorID    uuid.UUID `gorm:"type:uuid;not null;index;column:author_id" json:"author_id"`
	Title       string    `gorm:"not null;column:title" json:"title"`
	Description string    `gorm:"column:description" json:"description"`

	CoachConfig datatypes.JSON `gorm:"type:jsonb;column:coach_config" json:"coach_config"`

	CreatedAt time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Activity) TableName() string { return "activity" }

// CoachTranscript is the durable record of a finished coaching session.
// One row per session; the (activity_id, session_id) pair is unique so a
// transcript can never overwrite another session's record.
type CoachTranscript struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ActivityID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_transcript_activity_session;column:activity_id" json:"activity_id"`
	SessionID  uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_transcript_activity_session;column:session_id" json:"session_id"`
	UserID     uuid.UUID `gorm:"type:uuid;not null;index;column:user_id" json:"user_id"`

	// Payload is the full transcript: messages, summaries, coverage,
	// persona, rubric and evaluations.
	Payload datatypes.JSON `gorm:"type:jsonb;not null;column:payload" json:"payload"`

	// Denormalized for listing and filtering without unpacking the payload.
	Status          string  `gorm:"not null;column:status" json:"status"`
	EvaluationLevel string  `gorm:"index;column:evaluation_level" json:"evaluation_level"`
	CoveragePercent float64 `gorm:"column:coverage_percent" json:"coverage_percent"`

	CreatedAt time.Time `gorm:"not null;default:now();index" json:"created_at"`
}

func (CoachTranscript) TableName() string { return "coach_transcript" }
