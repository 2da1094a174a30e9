package coaching

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type SessionStatus string

const (
	StatusCreated SessionStatus = "created"
	StatusActive  SessionStatus = "active"
	StatusEnded   SessionStatus = "ended"
	StatusExpired SessionStatus = "expired"
)

// TimeoutAction selects what happens when a session reaches its deadline.
type TimeoutAction string

const (
	TimeoutHardEnd         TimeoutAction = "hard_end"
	TimeoutWarnThenEnd     TimeoutAction = "warn_then_end"
	TimeoutExtendOnRequest TimeoutAction = "extend_on_request"
)

// TimeoutPolicy is configured per activity.
type TimeoutPolicy struct {
	Action TimeoutAction `json:"action"`
	// MaxDuration bounds the whole session; zero means no deadline.
	MaxDuration time.Duration `json:"max_duration"`
	// WarnBefore is how far ahead of the deadline a warn_then_end session
	// warns.
	WarnBefore time.Duration `json:"warn_before"`
	// Extension is granted per extend request under extend_on_request.
	Extension time.Duration `json:"extension"`
}

// ActivityConfig is the read-only configuration snapshot the
// content-authoring side hands the engine at session creation.
type ActivityConfig struct {
	ActivityID uuid.UUID         `json:"activity_id"`
	Guardrail  GuardrailConfig   `json:"guardrail"`
	Persona    PersonaConfig     `json:"persona"`
	Rubric     []RubricCriterion `json:"rubric,omitempty"`
	Timeout    TimeoutPolicy     `json:"timeout"`

	MaxBudget  int `json:"max_budget,omitempty"`
	KeepRecent int `json:"keep_recent,omitempty"`

	// EvaluateTurns enables per-turn rubric scoring during the session; the
	// session-end evaluation always runs.
	EvaluateTurns bool `json:"evaluate_turns"`
}

// Session is one live coaching dialogue. Every mutation of its conversation
// or coverage state is serialized through mu, making the session a
// single-threaded actor even though the process serves many sessions
// concurrently.
type Session struct {
	ID         uuid.UUID
	ActivityID uuid.UUID
	UserID     uuid.UUID

	mu      sync.Mutex
	status  SessionStatus
	conv    *Conversation
	guard   *Guardrail
	persona PersonaConfig
	rubric  []RubricCriterion
	timeout TimeoutPolicy

	turnEvals     []TurnEvaluation
	evaluateTurns bool
	maxBudget     int
	keepRecent    int

	// Exactly one reply generation may be in flight per session.
	inFlight   bool
	cancelTurn context.CancelFunc

	createdAt    time.Time
	lastActivity time.Time
	deadline     time.Time
	warned       bool
}

func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) Persona() PersonaConfig { return s.persona }

func (s *Session) CoveragePercentage() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.guard.CoveragePercentage()
}

// ContextView snapshots the generation context under the session lock.
func (s *Session) ContextView() ([]ContextEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	preamble, err := s.guard.BuildSystemPrompt(s.persona)
	if err != nil {
		return nil, err
	}
	return s.conv.Context(preamble), nil
}

// TurnEvaluations returns a copy of the per-turn evaluations so far.
func (s *Session) TurnEvaluations() []TurnEvaluation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TurnEvaluation, len(s.turnEvals))
	copy(out, s.turnEvals)
	return out
}

func (s *Session) touchLocked(now time.Time) {
	s.lastActivity = now
}

// beginTurn reserves the single in-flight slot. A concurrent learner turn is
// rejected, never queued.
func (s *Session) beginTurn(now time.Time, cancel context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case StatusEnded, StatusExpired:
		return ErrSessionAlreadyEnded
	}
	if s.inFlight {
		return ErrTurnInFlight
	}
	s.inFlight = true
	s.cancelTurn = cancel
	s.touchLocked(now)
	return nil
}

func (s *Session) finishTurn(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight = false
	s.cancelTurn = nil
	s.touchLocked(now)
}

// cancelInFlight aborts the streaming turn, if any.
func (s *Session) cancelInFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelTurn == nil {
		return false
	}
	s.cancelTurn()
	return true
}

// markEnded transitions to a terminal status exactly once.
func (s *Session) markEnded(terminal SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case StatusEnded, StatusExpired:
		return ErrSessionAlreadyEnded
	}
	s.status = terminal
	return nil
}
