package coaching

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/courseloom/courseloom-backend/internal/pkg/logger"
)

// Generator is the external generation capability: a stream of text deltas
// for coach replies, or a single structured result for evaluation calls.
type Generator interface {
	// StreamReply produces the full reply, invoking onDelta (which may be
	// nil) for each text delta as it arrives.
	StreamReply(ctx context.Context, view []ContextEntry, onDelta func(string)) (string, error)
	StructuredGenerator
}

// Notifier receives out-of-band session lifecycle signals for the transport
// boundary (warnings and expiries happen outside any request).
type Notifier interface {
	SessionWarning(userID, sessionID uuid.UUID, remaining time.Duration)
	SessionExpired(userID, sessionID uuid.UUID)
}

type OrchestratorOptions struct {
	Clock      Clock
	Eviction   EvictionPolicy
	Estimator  TokenEstimator
	MaxRetries int
	Backoff    time.Duration

	MaxBudget  int
	KeepRecent int
}

// Orchestrator composes persona, guardrail, conversation, evaluator and
// store into the per-session turn protocol, and owns the session registry.
type Orchestrator struct {
	reg      *Registry
	gen      Generator
	sum      Summarizer
	eval     *Evaluator
	store    TranscriptStore
	notifier Notifier

	est        TokenEstimator
	clock      Clock
	log        *logger.Logger
	maxRetries int
	backoff    time.Duration

	defaultBudget     int
	defaultKeepRecent int
}

func NewOrchestrator(gen Generator, sum Summarizer, store TranscriptStore, notifier Notifier, log *logger.Logger, opts OrchestratorOptions) *Orchestrator {
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.Estimator == nil {
		opts.Estimator = NewWordCountEstimator()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 2
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.MaxBudget <= 0 {
		opts.MaxBudget = DefaultMaxBudget
	}
	if opts.KeepRecent <= 0 {
		opts.KeepRecent = DefaultKeepRecent
	}
	if log != nil {
		log = log.With("component", "SessionOrchestrator")
	}
	return &Orchestrator{
		reg:               NewRegistry(opts.Clock, opts.Eviction, log),
		gen:               gen,
		sum:               sum,
		eval:              NewEvaluator(gen, log),
		store:             store,
		notifier:          notifier,
		est:               opts.Estimator,
		clock:             opts.Clock,
		log:               log,
		maxRetries:        opts.MaxRetries,
		backoff:           opts.Backoff,
		defaultBudget:     opts.MaxBudget,
		defaultKeepRecent: opts.KeepRecent,
	}
}

func (o *Orchestrator) Registry() *Registry { return o.reg }

// StartSession validates the activity configuration, builds the session and
// emits the opening coach message. Configuration failures are fatal: the
// session is never created.
func (o *Orchestrator) StartSession(ctx context.Context, cfg ActivityConfig, userID uuid.UUID) (*Session, error) {
	if err := cfg.Persona.Validate(); err != nil {
		return nil, err
	}
	guard, err := NewGuardrail(cfg.Guardrail)
	if err != nil {
		return nil, err
	}

	rubric := cfg.Rubric
	if len(rubric) == 0 {
		rubric, err = DefaultRubric()
		if err != nil {
			return nil, err
		}
	}

	now := o.clock.Now()
	budget := cfg.MaxBudget
	if budget <= 0 {
		budget = o.defaultBudget
	}
	keep := cfg.KeepRecent
	if keep <= 0 {
		keep = o.defaultKeepRecent
	}

	s := &Session{
		ID:            uuid.New(),
		ActivityID:    cfg.ActivityID,
		UserID:        userID,
		status:        StatusCreated,
		guard:         guard,
		persona:       cfg.Persona,
		rubric:        rubric,
		timeout:       cfg.Timeout,
		evaluateTurns: cfg.EvaluateTurns,
		maxBudget:     budget,
		keepRecent:    keep,
		createdAt:     now,
		lastActivity:  now,
	}
	s.conv = NewConversation(s.ID, ConversationOptions{
		MaxBudget:  budget,
		KeepRecent: keep,
		Estimator:  o.est,
		Summarizer: o.sum,
		Log:        o.log,
		Now:        o.clock.Now,
	})
	if cfg.Timeout.MaxDuration > 0 {
		s.deadline = now.Add(cfg.Timeout.MaxDuration)
	}

	opening := o.openingMessage(ctx, s)
	s.mu.Lock()
	if err := s.conv.AddMessage(ctx, RoleCoach, TextContent(opening)); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	// ACTIVE only once the first coach message exists.
	s.status = StatusActive
	s.mu.Unlock()

	if err := o.reg.Put(s); err != nil {
		return nil, err
	}
	if o.log != nil {
		o.log.Info("coaching session started",
			"session_id", s.ID, "activity_id", s.ActivityID, "user_id", userID)
	}
	return s, nil
}

// openingMessage asks the generation capability for a greeting shaped by the
// system prompt; on failure it falls back to a fixed greeting so session
// creation never depends on generator availability.
func (o *Orchestrator) openingMessage(ctx context.Context, s *Session) string {
	preamble, err := s.guard.BuildSystemPrompt(s.persona)
	if err != nil {
		// Persona already validated; unreachable in practice.
		preamble = ""
	}
	view := []ContextEntry{
		{Role: "system", Text: preamble},
		{Role: "system", Text: "Greet the learner and open the coaching conversation with one inviting question about the activity."},
	}
	reply, err := o.generateWithRetries(ctx, view, nil)
	if err == nil && strings.TrimSpace(reply) != "" {
		return reply
	}
	if o.log != nil {
		o.log.Warn("opening message generation failed, using fallback", "session_id", s.ID, "error", err)
	}
	name := strings.TrimSpace(s.persona.Name)
	if name == "" {
		name = "your coach"
	}
	return fmt.Sprintf("Hi, I'm %s. Let's talk through this activity together. What stood out to you first?", name)
}

// Turn runs one iteration of the ACTIVE loop and returns the ordered event
// stream for it. The stream is closed when the turn finishes; cancellation
// (via Cancel or the context) is observed at the next yield point.
func (o *Orchestrator) Turn(ctx context.Context, sessionID uuid.UUID, content ContentPayload) (<-chan Event, error) {
	s, err := o.reg.Get(sessionID)
	if err != nil {
		if o.reg.WasEnded(sessionID) {
			return nil, ErrSessionAlreadyEnded
		}
		return nil, err
	}

	turnCtx, cancel := context.WithCancel(ctx)
	if err := s.beginTurn(o.clock.Now(), cancel); err != nil {
		cancel()
		return nil, err
	}

	events := make(chan Event, 16)
	go o.runTurn(turnCtx, s, content, events)
	return events, nil
}

func (o *Orchestrator) runTurn(ctx context.Context, s *Session, content ContentPayload, events chan<- Event) {
	defer close(events)
	defer s.finishTurn(o.clock.Now())

	canonical := content.Canonical()

	// Coverage, append and context snapshot happen as one serialized step.
	s.mu.Lock()
	s.guard.UpdateCoverage(canonical)
	offTopic := s.guard.IsOffTopic(canonical)
	addErr := s.conv.AddMessage(ctx, RoleLearner, content)
	preamble, promptErr := s.guard.BuildSystemPrompt(s.persona)
	if offTopic {
		// Hidden corrective instruction for this generation call only; the
		// learner's text is never edited or dropped.
		preamble += "\n\nThe learner's last message drifted off-topic. Gently redirect them back to the activity in your reply."
	}
	view := s.conv.Context(preamble)
	s.mu.Unlock()

	if promptErr != nil {
		o.emitError(events, promptErr)
		return
	}
	if addErr != nil {
		o.emitError(events, addErr)
		return
	}

	var buf strings.Builder
	reply, genErr := o.generateWithRetries(ctx, view, func(delta string) {
		buf.WriteString(delta)
		events <- Event{Type: EventChunk, Chunk: delta}
	})

	if genErr != nil {
		if errors.Is(genErr, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			// Cancel policy: commit exactly one coach message flagged
			// partial=true holding whatever was buffered. The buffer lives
			// outside ConversationState until this point, so accounting can
			// never see a half-committed message.
			commitCtx := context.WithoutCancel(ctx)
			s.mu.Lock()
			err := s.conv.AddPartialMessage(commitCtx, RoleCoach, TextContent(buf.String()))
			s.mu.Unlock()
			if err != nil {
				o.emitError(events, err)
				return
			}
			events <- Event{Type: EventDone, Partial: true}
			return
		}
		o.emitError(events, genErr)
		return
	}

	s.mu.Lock()
	err := s.conv.AddMessage(ctx, RoleCoach, TextContent(reply))
	s.mu.Unlock()
	if err != nil {
		o.emitError(events, err)
		return
	}

	if o.shouldEvaluateTurns(s) {
		// Reproducibility: score against the exact view the reply was
		// generated from.
		if eval, err := o.eval.EvaluateTurn(ctx, view, s.rubric); err != nil {
			if o.log != nil {
				o.log.Warn("turn evaluation unavailable", "session_id", s.ID, "error", err)
			}
		} else {
			s.mu.Lock()
			s.turnEvals = append(s.turnEvals, *eval)
			s.mu.Unlock()
			events <- Event{Type: EventEvaluation, Evaluation: eval}
		}
	}

	events <- Event{Type: EventDone}
}

func (o *Orchestrator) shouldEvaluateTurns(s *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evaluateTurns
}

func (o *Orchestrator) emitError(events chan<- Event, err error) {
	events <- Event{Type: EventError, Reason: err.Error(), ErrorKind: Kind(err)}
}

// generateWithRetries runs the bounded retry policy. A failed attempt never
// mutates conversation state; retries stop once any delta has been streamed,
// since the transport has already seen partial output.
func (o *Orchestrator) generateWithRetries(ctx context.Context, view []ContextEntry, onDelta func(string)) (string, error) {
	var streamed bool
	wrapped := onDelta
	if onDelta != nil {
		wrapped = func(delta string) {
			streamed = true
			onDelta(delta)
		}
	}

	var lastErr error
	backoff := o.backoff
	for attempt := 0; attempt <= o.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		reply, err := o.gen.StreamReply(ctx, view, wrapped)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || streamed || attempt == o.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	if errors.Is(lastErr, context.Canceled) {
		return "", lastErr
	}
	if errors.Is(lastErr, context.DeadlineExceeded) {
		return "", fmt.Errorf("%w: %v", ErrGenerationTimeout, lastErr)
	}
	return "", fmt.Errorf("%w: %v", ErrGenerationUnavailable, lastErr)
}

// Cancel aborts the in-flight turn for the session, if any. Returns false
// when nothing was streaming.
func (o *Orchestrator) Cancel(sessionID uuid.UUID) (bool, error) {
	s, err := o.reg.Get(sessionID)
	if err != nil {
		return false, err
	}
	return s.cancelInFlight(), nil
}

// End finalizes the session: aggregate evaluation, persist, evict. Valid
// only from ACTIVE; a second call yields ErrSessionAlreadyEnded and no
// duplicate transcript.
func (o *Orchestrator) End(ctx context.Context, sessionID uuid.UUID) (*Transcript, error) {
	s, err := o.reg.Get(sessionID)
	if err != nil {
		if o.reg.WasEnded(sessionID) {
			return nil, ErrSessionAlreadyEnded
		}
		return nil, err
	}
	return o.finalize(ctx, s, StatusEnded)
}

// finalize claims the terminal transition, persists the transcript, then
// removes the in-memory entry, always in that order, so eviction can never
// drop state before it is saved.
func (o *Orchestrator) finalize(ctx context.Context, s *Session, terminal SessionStatus) (*Transcript, error) {
	if err := s.markEnded(terminal); err != nil {
		return nil, err
	}
	s.cancelInFlight()

	t := o.buildTranscript(s, terminal)
	if o.store != nil {
		if err := o.store.Save(ctx, t); err != nil {
			if o.log != nil {
				o.log.Error("transcript save failed", "session_id", s.ID, "error", err)
			}
			o.reg.MarkEnded(s.ID)
			o.reg.Remove(s.ID)
			return nil, err
		}
	}
	o.reg.MarkEnded(s.ID)
	o.reg.Remove(s.ID)
	if o.log != nil {
		o.log.Info("coaching session finalized", "session_id", s.ID, "status", terminal)
	}
	return t, nil
}

func (o *Orchestrator) buildTranscript(s *Session, terminal SessionStatus) *Transcript {
	s.mu.Lock()
	snap := s.conv.Snapshot()
	coverage := s.guard.CoverageState()
	coveragePct := s.guard.CoveragePercentage()
	guardCfg := s.guard.Config()
	evals := make([]TurnEvaluation, len(s.turnEvals))
	copy(evals, s.turnEvals)
	timeout := s.timeout
	evaluateTurns := s.evaluateTurns
	maxBudget := s.maxBudget
	keepRecent := s.keepRecent
	s.mu.Unlock()

	sessionEval := AggregateSession(evals)
	return &Transcript{
		SessionID:       s.ID,
		ActivityID:      s.ActivityID,
		UserID:          s.UserID,
		Messages:        snap.Messages,
		Summaries:       snap.Summaries,
		Guardrail:       guardCfg,
		Coverage:        coverage,
		CoveragePercent: coveragePct,
		Persona:         s.persona,
		Rubric:          s.rubric,
		Timeout:         timeout,
		EvaluateTurns:   evaluateTurns,
		MaxBudget:       maxBudget,
		KeepRecent:      keepRecent,
		TurnEvaluations: evals,
		Evaluation:      &sessionEval,
		Status:          terminal,
		CreatedAt:       o.clock.Now(),
	}
}

// Extend pushes the deadline out under the extend_on_request policy.
func (o *Orchestrator) Extend(sessionID uuid.UUID) (time.Time, error) {
	s, err := o.reg.Get(sessionID)
	if err != nil {
		return time.Time{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timeout.Action != TimeoutExtendOnRequest {
		return time.Time{}, fmt.Errorf("session timeout policy does not allow extension")
	}
	ext := s.timeout.Extension
	if ext <= 0 {
		ext = 10 * time.Minute
	}
	base := s.deadline
	now := o.clock.Now()
	if base.IsZero() || base.Before(now) {
		base = now
	}
	s.deadline = base.Add(ext)
	s.warned = false
	return s.deadline, nil
}

// Resume rebuilds a live session from its persisted transcript.
func (o *Orchestrator) Resume(ctx context.Context, sessionID uuid.UUID) (*Session, error) {
	if o.store == nil {
		return nil, ErrSessionNotFound
	}
	if s, err := o.reg.Get(sessionID); err == nil {
		return s, nil
	}
	t, err := o.store.LoadBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	guard, err := NewGuardrail(t.Guardrail)
	if err != nil {
		return nil, err
	}
	guard.RestoreCoverage(t.Coverage)

	now := o.clock.Now()
	budget := t.MaxBudget
	if budget <= 0 {
		budget = o.defaultBudget
	}
	keep := t.KeepRecent
	if keep <= 0 {
		keep = o.defaultKeepRecent
	}
	s := &Session{
		ID:            t.SessionID,
		ActivityID:    t.ActivityID,
		UserID:        t.UserID,
		status:        StatusActive,
		guard:         guard,
		persona:       t.Persona,
		rubric:        t.Rubric,
		timeout:       t.Timeout,
		evaluateTurns: t.EvaluateTurns,
		maxBudget:     budget,
		keepRecent:    keep,
		createdAt:     now,
		lastActivity:  now,
		turnEvals:     append([]TurnEvaluation(nil), t.TurnEvaluations...),
	}
	// The deadline restarts from the resume point rather than carrying a
	// stale absolute time from the first run.
	if t.Timeout.MaxDuration > 0 {
		s.deadline = now.Add(t.Timeout.MaxDuration)
	}
	s.conv = NewConversation(s.ID, ConversationOptions{
		MaxBudget:  budget,
		KeepRecent: keep,
		Estimator:  o.est,
		Summarizer: o.sum,
		Log:        o.log,
		Now:        o.clock.Now,
	})
	s.conv.Restore(ConversationSnapshot{
		SessionID: t.SessionID,
		Messages:  t.Messages,
		Summaries: t.Summaries,
	})

	if err := o.reg.Put(s); err != nil {
		return nil, err
	}
	return s, nil
}

// RunSweeper starts idle reclamation and timeout enforcement. Eviction
// persists the best-effort transcript before the registry entry is removed.
func (o *Orchestrator) RunSweeper(ctx context.Context) {
	o.reg.StartSweeper(ctx,
		func(s *Session, remaining time.Duration) {
			if o.notifier != nil {
				o.notifier.SessionWarning(s.UserID, s.ID, remaining)
			}
		},
		func(ctx context.Context, s *Session) {
			if _, err := o.finalize(ctx, s, StatusExpired); err != nil && !errors.Is(err, ErrSessionAlreadyEnded) {
				if o.log != nil {
					o.log.Warn("session expiry finalize failed", "session_id", s.ID, "error", err)
				}
			}
			if o.notifier != nil {
				o.notifier.SessionExpired(s.UserID, s.ID)
			}
		},
	)
}

// DrainAll ends every live session through the normal persistence path.
// Used at shutdown.
func (o *Orchestrator) DrainAll(ctx context.Context) {
	for _, s := range o.reg.Drain() {
		if _, err := o.finalize(ctx, s, StatusEnded); err != nil && !errors.Is(err, ErrSessionAlreadyEnded) {
			if o.log != nil {
				o.log.Warn("drain finalize failed", "session_id", s.ID, "error", err)
			}
		}
	}
}
