package coaching

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Transcript is the persisted record of a session: the condensed history
// plus coverage, persona, evaluation and enough configuration to resume.
// Written at session end or on best-effort idle eviction; a session that
// resumes and finalizes again replaces its own record.
type Transcript struct {
	SessionID  uuid.UUID `json:"session_id"`
	ActivityID uuid.UUID `json:"activity_id"`
	UserID     uuid.UUID `json:"user_id"`

	Messages  []Message `json:"messages"`
	Summaries []string  `json:"summaries"`

	Guardrail       GuardrailConfig            `json:"guardrail"`
	Coverage        map[string]SectionCoverage `json:"coverage"`
	CoveragePercent float64                    `json:"coverage_percentage"`

	Persona PersonaConfig     `json:"persona"`
	Rubric  []RubricCriterion `json:"rubric,omitempty"`

	// Session configuration the activity row is not consulted for on
	// resume.
	Timeout       TimeoutPolicy `json:"timeout"`
	EvaluateTurns bool          `json:"evaluate_turns"`
	MaxBudget     int           `json:"max_budget,omitempty"`
	KeepRecent    int           `json:"keep_recent,omitempty"`

	TurnEvaluations []TurnEvaluation   `json:"turn_evaluations,omitempty"`
	Evaluation      *SessionEvaluation `json:"evaluation,omitempty"`

	// Status records how the session reached the store: ended or expired.
	Status    SessionStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}

// TranscriptStore is the durable persistence collaborator, keyed by
// (activity_id, session_id).
type TranscriptStore interface {
	// Save persists the transcript, replacing an earlier record of the
	// same session; it must never overwrite a different session's record.
	Save(ctx context.Context, t *Transcript) error
	// LoadBySession reconstructs enough state to resume the session.
	LoadBySession(ctx context.Context, sessionID uuid.UUID) (*Transcript, error)
}
