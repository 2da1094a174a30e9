package coaching

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// unitEstimator makes budgets plain word arithmetic: one token per word.
type unitEstimator struct{}

func (unitEstimator) Estimate(text string) int { return len(strings.Fields(text)) }

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(start time.Time) *fakeClock { return &fakeClock{t: start} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// stubSummarizer returns a fixed short summary unless failing is set.
type stubSummarizer struct {
	mu      sync.Mutex
	calls   int
	failing bool
	summary string
}

func (s *stubSummarizer) Summarize(_ context.Context, messages []Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failing {
		return "", fmt.Errorf("summarizer offline")
	}
	if s.summary != "" {
		return s.summary, nil
	}
	return fmt.Sprintf("condensed %d messages", len(messages)), nil
}

func (s *stubSummarizer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// stubGenerator scripts the generation capability. Replies are streamed
// word by word; deltas precede the block channel when one is set.
type stubGenerator struct {
	mu      sync.Mutex
	reply   string
	deltas  []string
	err     error
	failFor int

	// blockAfterDeltas holds the stream open after emitting deltas until the
	// context is cancelled. Used by cancellation tests.
	blockAfterDeltas bool

	jsonResult map[string]any
	jsonErr    error

	streamCalls int
	jsonCalls   int
}

func (g *stubGenerator) StreamReply(ctx context.Context, _ []ContextEntry, onDelta func(string)) (string, error) {
	g.mu.Lock()
	g.streamCalls++
	fail := g.failFor > 0
	if fail {
		g.failFor--
	}
	deltas := g.deltas
	reply := g.reply
	err := g.err
	block := g.blockAfterDeltas
	g.mu.Unlock()

	if fail {
		return "", fmt.Errorf("transient upstream failure")
	}
	if err != nil {
		return "", err
	}
	for _, d := range deltas {
		if onDelta != nil {
			onDelta(d)
		}
	}
	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if reply == "" {
		reply = strings.Join(deltas, "")
	}
	return reply, nil
}

func (g *stubGenerator) GenerateJSON(_ context.Context, _, _, _ string, _ map[string]any) (map[string]any, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.jsonCalls++
	if g.jsonErr != nil {
		return nil, g.jsonErr
	}
	return g.jsonResult, nil
}

// memStore is an in-memory TranscriptStore keeping one record per session;
// a later Save for the same session replaces the earlier record.
type memStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]*Transcript
	saves   int
	saveErr error
}

func newMemStore() *memStore { return &memStore{records: make(map[uuid.UUID]*Transcript)} }

func (s *memStore) Save(_ context.Context, t *Transcript) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	if prev, ok := s.records[t.SessionID]; ok && prev.ActivityID != t.ActivityID {
		return fmt.Errorf("session %s belongs to another activity", t.SessionID)
	}
	s.saves++
	s.records[t.SessionID] = t
	return nil
}

func (s *memStore) LoadBySession(_ context.Context, sessionID uuid.UUID) (*Transcript, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.records[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return t, nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *memStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *memStore) get(sessionID uuid.UUID) *Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[sessionID]
}

// recordingNotifier captures lifecycle signals.
type recordingNotifier struct {
	mu       sync.Mutex
	warnings []uuid.UUID
	expiries []uuid.UUID
}

func (n *recordingNotifier) SessionWarning(_, sessionID uuid.UUID, _ time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.warnings = append(n.warnings, sessionID)
}

func (n *recordingNotifier) SessionExpired(_, sessionID uuid.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.expiries = append(n.expiries, sessionID)
}

func validEvaluationJSON(rubric []RubricCriterion, level RubricLevel, score int) map[string]any {
	scores := map[string]any{}
	for _, c := range rubric {
		scores[c.ID] = float64(score)
	}
	return map[string]any{
		"rubric_level": string(level),
		"scores":       scores,
		"strengths":    []any{"clear reasoning"},
		"improvements": []any{"cite evidence"},
		"summary":      "solid turn",
	}
}

func testActivityConfig() ActivityConfig {
	return ActivityConfig{
		ActivityID: uuid.New(),
		Guardrail: GuardrailConfig{
			Strictness: StrictnessFlexible,
			RequiredSections: []Section{
				{ID: "causes", Label: "Causes", Keywords: []string{"cause", "origin"}},
				{ID: "effects", Label: "Effects", Keywords: []string{"effect", "impact"}},
			},
		},
		Persona: PersonaConfig{Name: "Ada", Style: StyleSupportive},
	}
}

func collectEvents(ch <-chan Event) []Event {
	var out []Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}
