package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/courseloom/courseloom-backend/internal/sse"
)

// CoachNotifier pushes out-of-band session lifecycle signals to the
// learner's SSE channel. Turn chunks never go through here; they stream on
// the turn request itself.
type CoachNotifier interface {
	SessionStarted(userID, sessionID, activityID uuid.UUID)
	SessionWarning(userID, sessionID uuid.UUID, remaining time.Duration)
	SessionExpired(userID, sessionID uuid.UUID)
	SessionEnded(userID, sessionID uuid.UUID)
}

type coachNotifier struct {
	emit SSEEmitter
}

func NewCoachNotifier(emit SSEEmitter) CoachNotifier {
	return &coachNotifier{emit: emit}
}

func (n *coachNotifier) SessionStarted(userID, sessionID, activityID uuid.UUID) {
	if n == nil || n.emit == nil || userID == uuid.Nil {
		return
	}
	n.emit.Emit(context.Background(), sse.SSEMessage{
		Channel: userID.String(),
		Event:   sse.SSEEventCoachSessionStarted,
		Data: map[string]any{
			"session_id":  sessionID,
			"activity_id": activityID,
		},
	})
}

func (n *coachNotifier) SessionWarning(userID, sessionID uuid.UUID, remaining time.Duration) {
	if n == nil || n.emit == nil || userID == uuid.Nil {
		return
	}
	n.emit.Emit(context.Background(), sse.SSEMessage{
		Channel: userID.String(),
		Event:   sse.SSEEventCoachSessionWarning,
		Data: map[string]any{
			"session_id":        sessionID,
			"remaining_seconds": int(remaining.Seconds()),
		},
	})
}

func (n *coachNotifier) SessionExpired(userID, sessionID uuid.UUID) {
	if n == nil || n.emit == nil || userID == uuid.Nil {
		return
	}
	n.emit.Emit(context.Background(), sse.SSEMessage{
		Channel: userID.String(),
		Event:   sse.SSEEventCoachSessionExpired,
		Data:    map[string]any{"session_id": sessionID},
	})
}

func (n *coachNotifier) SessionEnded(userID, sessionID uuid.UUID) {
	if n == nil || n.emit == nil || userID == uuid.Nil {
		return
	}
	n.emit.Emit(context.Background(), sse.SSEMessage{
		Channel: userID.String(),
		Event:   sse.SSEEventCoachSessionEnded,
		Data:    map[string]any{"session_id": sessionID},
	})
}
