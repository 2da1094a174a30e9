package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/courseloom/courseloom-backend/internal/coaching"
	"github.com/courseloom/courseloom-backend/internal/data/repos"
	"github.com/courseloom/courseloom-backend/internal/domain"
	"github.com/courseloom/courseloom-backend/internal/pkg/apierr"
	"github.com/courseloom/courseloom-backend/internal/pkg/logger"
	"github.com/courseloom/courseloom-backend/internal/platform/openai"
)

// CoachConfigDoc is the authoring-side wire format stored in
// activity.coach_config. Durations are whole seconds so authors never deal
// in nanoseconds.
type CoachConfigDoc struct {
	Guardrail coaching.GuardrailConfig   `json:"guardrail"`
	Persona   coaching.PersonaConfig     `json:"persona"`
	Rubric    []coaching.RubricCriterion `json:"rubric,omitempty"`

	TimeoutAction      coaching.TimeoutAction `json:"timeout_action,omitempty"`
	MaxDurationSeconds int                    `json:"max_duration_seconds,omitempty"`
	WarnBeforeSeconds  int                    `json:"warn_before_seconds,omitempty"`
	ExtensionSeconds   int                    `json:"extension_seconds,omitempty"`

	MaxBudget     int  `json:"max_budget,omitempty"`
	KeepRecent    int  `json:"keep_recent,omitempty"`
	EvaluateTurns bool `json:"evaluate_turns,omitempty"`
}

// ParseCoachConfig decodes and validates an activity's stored coach config.
func ParseCoachConfig(raw []byte, activityID uuid.UUID) (coaching.ActivityConfig, error) {
	var doc CoachConfigDoc
	if len(raw) == 0 {
		return coaching.ActivityConfig{}, fmt.Errorf("activity %s has no coach config", activityID)
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return coaching.ActivityConfig{}, fmt.Errorf("decode coach config: %w", err)
	}

	cfg := coaching.ActivityConfig{
		ActivityID: activityID,
		Guardrail:  doc.Guardrail,
		Persona:    doc.Persona,
		Rubric:     doc.Rubric,
		Timeout: coaching.TimeoutPolicy{
			Action:      doc.TimeoutAction,
			MaxDuration: time.Duration(doc.MaxDurationSeconds) * time.Second,
			WarnBefore:  time.Duration(doc.WarnBeforeSeconds) * time.Second,
			Extension:   time.Duration(doc.ExtensionSeconds) * time.Second,
		},
		MaxBudget:     doc.MaxBudget,
		KeepRecent:    doc.KeepRecent,
		EvaluateTurns: doc.EvaluateTurns,
	}
	if cfg.Persona.Name == "" {
		cfg.Persona = coaching.DefaultPersona()
	}
	if err := cfg.Guardrail.Validate(); err != nil {
		return coaching.ActivityConfig{}, err
	}
	if err := cfg.Persona.Validate(); err != nil {
		return coaching.ActivityConfig{}, err
	}
	return cfg, nil
}

// openAIGenerator adapts the Responses client to the engine's generation
// capability.
type openAIGenerator struct {
	client openai.Client
}

func NewOpenAIGenerator(client openai.Client) coaching.Generator {
	return &openAIGenerator{client: client}
}

func contextToTurns(view []coaching.ContextEntry) []openai.Turn {
	turns := make([]openai.Turn, 0, len(view))
	for _, e := range view {
		role := "user"
		switch e.Role {
		case "system":
			role = "system"
		case "coach":
			role = "assistant"
		}
		turns = append(turns, openai.Turn{Role: role, Content: e.Text})
	}
	return turns
}

func (g *openAIGenerator) StreamReply(ctx context.Context, view []coaching.ContextEntry, onDelta func(string)) (string, error) {
	return g.client.StreamText(ctx, contextToTurns(view), onDelta)
}

func (g *openAIGenerator) GenerateJSON(ctx context.Context, system, user, schemaName string, schema map[string]any) (map[string]any, error) {
	return g.client.GenerateJSON(ctx, system, user, schemaName, schema)
}

const summarizerPrompt = "Condense the following coaching exchange into a short factual summary. " +
	"Keep every point the learner made, every commitment, and every open thread. " +
	"Write at most 120 words. Output only the summary."

// openAISummarizer condenses compacted-away history with a plain text call.
type openAISummarizer struct {
	client openai.Client
}

func NewOpenAISummarizer(client openai.Client) coaching.Summarizer {
	return &openAISummarizer{client: client}
}

func (s *openAISummarizer) Summarize(ctx context.Context, messages []coaching.Message) (string, error) {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content.Canonical())
		b.WriteString("\n")
	}
	turns := []openai.Turn{
		{Role: "system", Content: summarizerPrompt},
		{Role: "user", Content: b.String()},
	}
	out, err := s.client.GenerateText(ctx, turns)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// gormTranscriptStore persists engine transcripts as coach_transcript rows.
type gormTranscriptStore struct {
	repo repos.TranscriptRepo
	log  *logger.Logger
}

func NewGormTranscriptStore(repo repos.TranscriptRepo, baseLog *logger.Logger) coaching.TranscriptStore {
	return &gormTranscriptStore{repo: repo, log: baseLog.With("component", "TranscriptStore")}
}

func (s *gormTranscriptStore) Save(ctx context.Context, t *coaching.Transcript) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal transcript payload: %w", err)
	}

	row := &domain.CoachTranscript{
		ID:              uuid.New(),
		ActivityID:      t.ActivityID,
		SessionID:       t.SessionID,
		UserID:          t.UserID,
		Payload:         payload,
		Status:          string(t.Status),
		CoveragePercent: t.CoveragePercent,
		CreatedAt:       t.CreatedAt,
	}
	if t.Evaluation != nil {
		row.EvaluationLevel = string(t.Evaluation.OverallLevel)
	}

	// A session that was evicted or ended, then resumed, finalizes again;
	// its earlier record is replaced in place.
	existing, err := s.repo.GetBySessionID(ctx, nil, t.SessionID)
	switch {
	case err == nil:
		if existing.ActivityID != t.ActivityID {
			return fmt.Errorf("session %s belongs to another activity", t.SessionID)
		}
		return s.repo.Update(ctx, nil, row)
	case errors.Is(err, gorm.ErrRecordNotFound):
		return s.repo.Create(ctx, nil, row)
	default:
		return err
	}
}

func (s *gormTranscriptStore) LoadBySession(ctx context.Context, sessionID uuid.UUID) (*coaching.Transcript, error) {
	row, err := s.repo.GetBySessionID(ctx, nil, sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, coaching.ErrSessionNotFound
		}
		return nil, err
	}
	var t coaching.Transcript
	if err := json.Unmarshal(row.Payload, &t); err != nil {
		return nil, fmt.Errorf("unmarshal transcript payload: %w", err)
	}
	return &t, nil
}

// CoachingService is the application-facing surface over the session
// engine: it resolves activities, enforces ownership, and relays lifecycle
// signals to the notifier.
type CoachingService interface {
	StartSession(ctx context.Context, userID, activityID uuid.UUID) (*coaching.Session, error)
	Turn(ctx context.Context, userID, sessionID uuid.UUID, content coaching.ContentPayload) (<-chan coaching.Event, error)
	Cancel(ctx context.Context, userID, sessionID uuid.UUID) (bool, error)
	End(ctx context.Context, userID, sessionID uuid.UUID) (*coaching.Transcript, error)
	Extend(ctx context.Context, userID, sessionID uuid.UUID) (time.Time, error)
	Resume(ctx context.Context, userID, sessionID uuid.UUID) (*coaching.Session, error)

	ListTranscripts(ctx context.Context, activityID uuid.UUID, filter repos.TranscriptFilter) ([]*domain.CoachTranscript, error)
	GetTranscript(ctx context.Context, sessionID uuid.UUID) (*coaching.Transcript, error)

	StartSweeper(ctx context.Context)
	DrainAll(ctx context.Context)
}

type coachingService struct {
	orch        *coaching.Orchestrator
	activities  repos.ActivityRepo
	transcripts repos.TranscriptRepo
	notifier    CoachNotifier
	log         *logger.Logger
}

func NewCoachingService(
	orch *coaching.Orchestrator,
	activities repos.ActivityRepo,
	transcripts repos.TranscriptRepo,
	notifier CoachNotifier,
	baseLog *logger.Logger,
) CoachingService {
	return &coachingService{
		orch:        orch,
		activities:  activities,
		transcripts: transcripts,
		notifier:    notifier,
		log:         baseLog.With("service", "CoachingService"),
	}
}

func (s *coachingService) StartSession(ctx context.Context, userID, activityID uuid.UUID) (*coaching.Session, error) {
	activity, err := s.activities.GetByID(ctx, nil, activityID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apierr.New(http.StatusNotFound, "activity_not_found", err)
		}
		return nil, apierr.New(http.StatusInternalServerError, "activity_lookup_failed", err)
	}

	cfg, err := ParseCoachConfig(activity.CoachConfig, activity.ID)
	if err != nil {
		return nil, apierr.New(http.StatusUnprocessableEntity, coaching.Kind(err), err)
	}

	session, err := s.orch.StartSession(ctx, cfg, userID)
	if err != nil {
		return nil, mapEngineError(err)
	}

	s.notifier.SessionStarted(userID, session.ID, activityID)
	return session, nil
}

func (s *coachingService) Turn(ctx context.Context, userID, sessionID uuid.UUID, content coaching.ContentPayload) (<-chan coaching.Event, error) {
	if err := s.authorize(userID, sessionID); err != nil {
		return nil, err
	}
	events, err := s.orch.Turn(ctx, sessionID, content)
	if err != nil {
		return nil, mapEngineError(err)
	}
	return events, nil
}

func (s *coachingService) Cancel(_ context.Context, userID, sessionID uuid.UUID) (bool, error) {
	if err := s.authorize(userID, sessionID); err != nil {
		return false, err
	}
	cancelled, err := s.orch.Cancel(sessionID)
	if err != nil {
		return false, mapEngineError(err)
	}
	return cancelled, nil
}

func (s *coachingService) End(ctx context.Context, userID, sessionID uuid.UUID) (*coaching.Transcript, error) {
	if err := s.authorize(userID, sessionID); err != nil {
		return nil, err
	}
	t, err := s.orch.End(ctx, sessionID)
	if err != nil {
		return nil, mapEngineError(err)
	}
	s.notifier.SessionEnded(userID, sessionID)
	return t, nil
}

func (s *coachingService) Extend(_ context.Context, userID, sessionID uuid.UUID) (time.Time, error) {
	if err := s.authorize(userID, sessionID); err != nil {
		return time.Time{}, err
	}
	deadline, err := s.orch.Extend(sessionID)
	if err != nil {
		return time.Time{}, mapEngineError(err)
	}
	return deadline, nil
}

func (s *coachingService) Resume(ctx context.Context, userID, sessionID uuid.UUID) (*coaching.Session, error) {
	session, err := s.orch.Resume(ctx, sessionID)
	if err != nil {
		return nil, mapEngineError(err)
	}
	if session.UserID != userID {
		return nil, apierr.New(http.StatusForbidden, "session_forbidden", errors.New("session belongs to another user"))
	}
	return session, nil
}

func (s *coachingService) ListTranscripts(ctx context.Context, activityID uuid.UUID, filter repos.TranscriptFilter) ([]*domain.CoachTranscript, error) {
	rows, err := s.transcripts.ListByActivity(ctx, nil, activityID, filter)
	if err != nil {
		return nil, apierr.New(http.StatusInternalServerError, "transcript_list_failed", err)
	}
	return rows, nil
}

func (s *coachingService) GetTranscript(ctx context.Context, sessionID uuid.UUID) (*coaching.Transcript, error) {
	row, err := s.transcripts.GetBySessionID(ctx, nil, sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apierr.New(http.StatusNotFound, "transcript_not_found", err)
		}
		return nil, apierr.New(http.StatusInternalServerError, "transcript_lookup_failed", err)
	}
	var t coaching.Transcript
	if err := json.Unmarshal(row.Payload, &t); err != nil {
		return nil, apierr.New(http.StatusInternalServerError, "transcript_decode_failed", err)
	}
	return &t, nil
}

func (s *coachingService) StartSweeper(ctx context.Context) {
	s.orch.RunSweeper(ctx)
}

func (s *coachingService) DrainAll(ctx context.Context) {
	s.orch.DrainAll(ctx)
}

// authorize checks the live session belongs to the caller. Ended sessions
// fall through to the engine so the caller gets the precise error.
func (s *coachingService) authorize(userID, sessionID uuid.UUID) error {
	session, err := s.orch.Registry().Get(sessionID)
	if err != nil {
		return nil
	}
	if session.UserID != userID {
		return apierr.New(http.StatusForbidden, "session_forbidden", errors.New("session belongs to another user"))
	}
	return nil
}

// mapEngineError translates engine sentinels into transport errors with
// stable codes.
func mapEngineError(err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, coaching.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, coaching.ErrSessionAlreadyEnded):
		status = http.StatusGone
	case errors.Is(err, coaching.ErrTurnInFlight):
		status = http.StatusConflict
	case errors.Is(err, coaching.ErrBudgetOverflow):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, coaching.ErrInvalidPersonaStyle), errors.Is(err, coaching.ErrInvalidGuardrailConfig):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, coaching.ErrGenerationTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, coaching.ErrGenerationUnavailable):
		status = http.StatusBadGateway
	}
	return apierr.New(status, coaching.Kind(err), err)
}
