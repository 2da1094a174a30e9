package coaching

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type orchFixture struct {
	orch     *Orchestrator
	gen      *stubGenerator
	sum      *stubSummarizer
	store    *memStore
	notifier *recordingNotifier
	clock    *fakeClock
}

func newOrchFixture(t *testing.T) *orchFixture {
	t.Helper()
	f := &orchFixture{
		gen:      &stubGenerator{reply: "Welcome aboard"},
		sum:      &stubSummarizer{},
		store:    newMemStore(),
		notifier: &recordingNotifier{},
		clock:    newFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
	}
	f.orch = NewOrchestrator(f.gen, f.sum, f.store, f.notifier, nil, OrchestratorOptions{
		Clock:     f.clock,
		Estimator: unitEstimator{},
		Backoff:   time.Millisecond,
	})
	return f
}

func (f *orchFixture) start(t *testing.T, cfg ActivityConfig) *Session {
	t.Helper()
	s, err := f.orch.StartSession(context.Background(), cfg, uuid.New())
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	return s
}

func (f *orchFixture) setGenerator(mut func(*stubGenerator)) {
	f.gen.mu.Lock()
	defer f.gen.mu.Unlock()
	mut(f.gen)
}

func TestStartSessionOpensWithCoachMessage(t *testing.T) {
	f := newOrchFixture(t)
	s := f.start(t, testActivityConfig())

	if s.Status() != StatusActive {
		t.Fatalf("status = %q, want active", s.Status())
	}
	msgs := s.conv.Messages()
	if len(msgs) != 1 || msgs[0].Role != RoleCoach {
		t.Fatalf("messages = %+v, want one coach message", msgs)
	}
	if msgs[0].Content.Canonical() != "Welcome aboard" {
		t.Fatalf("opening = %q", msgs[0].Content.Canonical())
	}
	if _, err := f.orch.Registry().Get(s.ID); err != nil {
		t.Fatalf("session not registered: %v", err)
	}
}

func TestStartSessionFallbackGreeting(t *testing.T) {
	f := newOrchFixture(t)
	f.setGenerator(func(g *stubGenerator) { g.err = fmt.Errorf("upstream down") })

	s := f.start(t, testActivityConfig())
	opening := s.conv.Messages()[0].Content.Canonical()
	if !strings.Contains(opening, "Ada") {
		t.Fatalf("fallback greeting missing persona name: %q", opening)
	}
	if s.Status() != StatusActive {
		t.Fatalf("status = %q", s.Status())
	}
}

func TestStartSessionRejectsBadConfig(t *testing.T) {
	f := newOrchFixture(t)

	cfg := testActivityConfig()
	cfg.Persona.Style = "sassy"
	if _, err := f.orch.StartSession(context.Background(), cfg, uuid.New()); !errors.Is(err, ErrInvalidPersonaStyle) {
		t.Fatalf("err = %v, want ErrInvalidPersonaStyle", err)
	}

	cfg = testActivityConfig()
	cfg.Guardrail.Strictness = "loose"
	if _, err := f.orch.StartSession(context.Background(), cfg, uuid.New()); !errors.Is(err, ErrInvalidGuardrailConfig) {
		t.Fatalf("err = %v, want ErrInvalidGuardrailConfig", err)
	}
	if f.orch.Registry().Len() != 0 {
		t.Fatal("rejected config left a registered session")
	}
}

func TestTurnEventOrder(t *testing.T) {
	f := newOrchFixture(t)
	cfg := testActivityConfig()
	cfg.EvaluateTurns = true
	cfg.Rubric = testRubric
	s := f.start(t, cfg)

	f.setGenerator(func(g *stubGenerator) {
		g.deltas = []string{"Good ", "point."}
		g.reply = ""
		g.jsonResult = validEvaluationJSON(testRubric, LevelProficient, 2)
	})

	ch, err := f.orch.Turn(context.Background(), s.ID, TextContent("the cause was taxation"))
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	events := collectEvents(ch)

	want := []EventType{EventChunk, EventChunk, EventEvaluation, EventDone}
	if len(events) != len(want) {
		t.Fatalf("got %d events %+v, want %d", len(events), events, len(want))
	}
	for i, ev := range events {
		if ev.Type != want[i] {
			t.Fatalf("event %d = %q, want %q", i, ev.Type, want[i])
		}
	}
	if events[0].Chunk != "Good " || events[1].Chunk != "point." {
		t.Fatalf("chunks = %q %q", events[0].Chunk, events[1].Chunk)
	}
	if events[2].Evaluation == nil || events[2].Evaluation.Level != LevelProficient {
		t.Fatalf("evaluation event = %+v", events[2])
	}
	if events[3].Partial {
		t.Fatal("done event flagged partial")
	}

	msgs := s.conv.Messages()
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3", len(msgs))
	}
	if msgs[2].Role != RoleCoach || msgs[2].Content.Canonical() != "Good point." {
		t.Fatalf("coach reply = %+v", msgs[2])
	}
	if len(s.TurnEvaluations()) != 1 {
		t.Fatal("turn evaluation not recorded")
	}
	if got := s.CoveragePercentage(); got != 0.5 {
		t.Fatalf("coverage = %v, want 0.5", got)
	}
}

func TestTurnEvaluationFailureIsSoft(t *testing.T) {
	f := newOrchFixture(t)
	cfg := testActivityConfig()
	cfg.EvaluateTurns = true
	cfg.Rubric = testRubric
	s := f.start(t, cfg)

	f.setGenerator(func(g *stubGenerator) {
		g.reply = "Tell me more."
		g.jsonErr = fmt.Errorf("scoring offline")
	})

	ch, err := f.orch.Turn(context.Background(), s.ID, TextContent("a thought"))
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	events := collectEvents(ch)
	if len(events) != 1 || events[0].Type != EventDone {
		t.Fatalf("events = %+v, want single done", events)
	}
	if len(s.TurnEvaluations()) != 0 {
		t.Fatal("failed evaluation was recorded")
	}
}

func TestTurnRetriesTransientFailure(t *testing.T) {
	f := newOrchFixture(t)
	s := f.start(t, testActivityConfig())

	f.setGenerator(func(g *stubGenerator) {
		g.failFor = 1
		g.reply = "All good"
	})

	ch, err := f.orch.Turn(context.Background(), s.ID, TextContent("hello"))
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	events := collectEvents(ch)
	if len(events) != 1 || events[0].Type != EventDone {
		t.Fatalf("events = %+v", events)
	}
	if last := s.conv.LastMessage(); last.Content.Canonical() != "All good" {
		t.Fatalf("reply = %q", last.Content.Canonical())
	}
}

func TestTurnGenerationExhaustedEmitsError(t *testing.T) {
	f := newOrchFixture(t)
	s := f.start(t, testActivityConfig())

	f.setGenerator(func(g *stubGenerator) { g.err = fmt.Errorf("permanently down") })

	ch, err := f.orch.Turn(context.Background(), s.ID, TextContent("hello"))
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	events := collectEvents(ch)
	if len(events) != 1 || events[0].Type != EventError {
		t.Fatalf("events = %+v", events)
	}
	if events[0].ErrorKind != "generation_unavailable" {
		t.Fatalf("error kind = %q", events[0].ErrorKind)
	}
	// The learner message is retained; only the reply failed.
	if last := s.conv.LastMessage(); last.Role != RoleLearner {
		t.Fatalf("last message role = %q", last.Role)
	}
}

func TestTurnBudgetOverflowEmitsError(t *testing.T) {
	f := newOrchFixture(t)
	cfg := testActivityConfig()
	cfg.MaxBudget = 10
	s := f.start(t, cfg)

	ch, err := f.orch.Turn(context.Background(), s.ID, TextContent(words(11)))
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	events := collectEvents(ch)
	if len(events) != 1 || events[0].Type != EventError {
		t.Fatalf("events = %+v", events)
	}
	if events[0].ErrorKind != "budget_overflow" {
		t.Fatalf("error kind = %q", events[0].ErrorKind)
	}
	if s.Status() != StatusActive {
		t.Fatal("budget overflow ended the session")
	}
}

func TestCancelCommitsSinglePartialMessage(t *testing.T) {
	f := newOrchFixture(t)
	s := f.start(t, testActivityConfig())

	f.setGenerator(func(g *stubGenerator) {
		g.deltas = []string{"Let's think ", "about this"}
		g.reply = ""
		g.blockAfterDeltas = true
	})

	ch, err := f.orch.Turn(context.Background(), s.ID, TextContent("a question"))
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}

	var events []Event
	for i := 0; i < 2; i++ {
		events = append(events, <-ch)
	}
	cancelled, err := f.orch.Cancel(s.ID)
	if err != nil || !cancelled {
		t.Fatalf("Cancel = %v, %v", cancelled, err)
	}
	for ev := range ch {
		events = append(events, ev)
	}

	last := events[len(events)-1]
	if last.Type != EventDone || !last.Partial {
		t.Fatalf("final event = %+v, want partial done", last)
	}

	var partials []Message
	for _, m := range s.conv.Messages() {
		if m.Partial {
			partials = append(partials, m)
		}
	}
	if len(partials) != 1 {
		t.Fatalf("partial messages = %d, want exactly 1", len(partials))
	}
	if got := partials[0].Content.Canonical(); got != "Let's think about this" {
		t.Fatalf("partial content = %q", got)
	}
	if partials[0].Role != RoleCoach {
		t.Fatalf("partial role = %q", partials[0].Role)
	}
}

func TestCancelWithNothingStreaming(t *testing.T) {
	f := newOrchFixture(t)
	s := f.start(t, testActivityConfig())
	cancelled, err := f.orch.Cancel(s.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled {
		t.Fatal("Cancel reported an in-flight turn")
	}
}

func TestConcurrentTurnRejected(t *testing.T) {
	f := newOrchFixture(t)
	s := f.start(t, testActivityConfig())

	f.setGenerator(func(g *stubGenerator) { g.blockAfterDeltas = true })

	ch, err := f.orch.Turn(context.Background(), s.ID, TextContent("first"))
	if err != nil {
		t.Fatalf("first Turn: %v", err)
	}
	if _, err := f.orch.Turn(context.Background(), s.ID, TextContent("second")); !errors.Is(err, ErrTurnInFlight) {
		t.Fatalf("second Turn err = %v, want ErrTurnInFlight", err)
	}

	if _, err := f.orch.Cancel(s.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	collectEvents(ch)

	// The slot frees up once the first turn finishes.
	f.setGenerator(func(g *stubGenerator) {
		g.blockAfterDeltas = false
		g.reply = "Back again"
	})
	ch, err = f.orch.Turn(context.Background(), s.ID, TextContent("third"))
	if err != nil {
		t.Fatalf("third Turn: %v", err)
	}
	collectEvents(ch)
}

func TestConcurrentSessionsAreIndependent(t *testing.T) {
	f := newOrchFixture(t)
	f.setGenerator(func(g *stubGenerator) { g.reply = "Reply" })

	sessions := make([]*Session, 4)
	for i := range sessions {
		sessions[i] = f.start(t, testActivityConfig())
	}

	var wg sync.WaitGroup
	errs := make([]error, len(sessions))
	for i, s := range sessions {
		wg.Add(1)
		go func(i int, s *Session) {
			defer wg.Done()
			for turn := 0; turn < 5; turn++ {
				ch, err := f.orch.Turn(context.Background(), s.ID, TextContent(fmt.Sprintf("turn %d", turn)))
				if err != nil {
					errs[i] = err
					return
				}
				for ev := range ch {
					if ev.Type == EventError {
						errs[i] = errors.New(ev.Reason)
						return
					}
				}
			}
		}(i, s)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("session %d: %v", i, err)
		}
	}
	for i, s := range sessions {
		// Opening message plus 5 learner/coach pairs.
		if got := len(s.conv.Messages()); got != 11 {
			t.Fatalf("session %d has %d messages, want 11", i, got)
		}
	}
}

func TestEndPersistsTranscriptOnce(t *testing.T) {
	f := newOrchFixture(t)
	cfg := testActivityConfig()
	cfg.EvaluateTurns = true
	cfg.Rubric = testRubric
	s := f.start(t, cfg)

	f.setGenerator(func(g *stubGenerator) {
		g.reply = "Noted."
		g.jsonResult = validEvaluationJSON(testRubric, LevelExemplary, 3)
	})
	ch, err := f.orch.Turn(context.Background(), s.ID, TextContent("the cause was taxation"))
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	collectEvents(ch)

	tr, err := f.orch.End(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if tr.Status != StatusEnded {
		t.Fatalf("transcript status = %q", tr.Status)
	}
	if tr.Evaluation == nil || tr.Evaluation.OverallLevel != LevelExemplary {
		t.Fatalf("session evaluation = %+v", tr.Evaluation)
	}
	if tr.CoveragePercent != 0.5 {
		t.Fatalf("coverage percent = %v", tr.CoveragePercent)
	}
	if f.store.count() != 1 {
		t.Fatalf("store has %d transcripts", f.store.count())
	}

	// A second end is told apart from an unknown session.
	if _, err := f.orch.End(context.Background(), s.ID); !errors.Is(err, ErrSessionAlreadyEnded) {
		t.Fatalf("second End err = %v, want ErrSessionAlreadyEnded", err)
	}
	if f.store.count() != 1 {
		t.Fatal("second End wrote a duplicate transcript")
	}
	if _, err := f.orch.End(context.Background(), uuid.New()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("unknown End err = %v, want ErrSessionNotFound", err)
	}
}

func TestTurnAfterEnd(t *testing.T) {
	f := newOrchFixture(t)
	s := f.start(t, testActivityConfig())
	if _, err := f.orch.End(context.Background(), s.ID); err != nil {
		t.Fatalf("End: %v", err)
	}
	if _, err := f.orch.Turn(context.Background(), s.ID, TextContent("hello?")); !errors.Is(err, ErrSessionAlreadyEnded) {
		t.Fatalf("err = %v, want ErrSessionAlreadyEnded", err)
	}
}

func TestEndFailurePreservesTranscriptError(t *testing.T) {
	f := newOrchFixture(t)
	s := f.start(t, testActivityConfig())
	f.store.saveErr = fmt.Errorf("database down")
	if _, err := f.orch.End(context.Background(), s.ID); err == nil {
		t.Fatal("End succeeded despite save failure")
	}
}

func TestExtendDeadline(t *testing.T) {
	f := newOrchFixture(t)
	cfg := testActivityConfig()
	cfg.Timeout = TimeoutPolicy{
		Action:      TimeoutExtendOnRequest,
		MaxDuration: 10 * time.Minute,
		Extension:   5 * time.Minute,
	}
	s := f.start(t, cfg)

	deadline, err := f.orch.Extend(s.ID)
	if err != nil {
		t.Fatalf("Extend: %v", err)
	}
	want := f.clock.Now().Add(15 * time.Minute)
	if !deadline.Equal(want) {
		t.Fatalf("deadline = %v, want %v", deadline, want)
	}

	cfg = testActivityConfig()
	cfg.Timeout = TimeoutPolicy{Action: TimeoutHardEnd, MaxDuration: 10 * time.Minute}
	other := f.start(t, cfg)
	if _, err := f.orch.Extend(other.ID); err == nil {
		t.Fatal("Extend succeeded under hard_end policy")
	}
}

func TestResumeRebuildsSession(t *testing.T) {
	f := newOrchFixture(t)
	cfg := testActivityConfig()
	s := f.start(t, cfg)

	f.setGenerator(func(g *stubGenerator) { g.reply = "Interesting." })
	ch, err := f.orch.Turn(context.Background(), s.ID, TextContent("taxation was the origin of it all"))
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	collectEvents(ch)
	wantMsgs := len(s.conv.Messages())
	wantCoverage := s.CoveragePercentage()

	if _, err := f.orch.End(context.Background(), s.ID); err != nil {
		t.Fatalf("End: %v", err)
	}

	// A fresh process sharing the store picks the session back up.
	other := &orchFixture{gen: &stubGenerator{reply: "Hello again"}, sum: &stubSummarizer{}, clock: f.clock}
	orch2 := NewOrchestrator(other.gen, other.sum, f.store, nil, nil, OrchestratorOptions{
		Clock: f.clock, Estimator: unitEstimator{}, Backoff: time.Millisecond,
	})
	resumed, err := orch2.Resume(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Status() != StatusActive {
		t.Fatalf("resumed status = %q", resumed.Status())
	}
	if got := len(resumed.conv.Messages()); got != wantMsgs {
		t.Fatalf("resumed messages = %d, want %d", got, wantMsgs)
	}
	if got := resumed.CoveragePercentage(); got != wantCoverage {
		t.Fatalf("resumed coverage = %v, want %v", got, wantCoverage)
	}

	ch, err = orch2.Turn(context.Background(), s.ID, TextContent("what was the effect?"))
	if err != nil {
		t.Fatalf("Turn after resume: %v", err)
	}
	collectEvents(ch)
	if got := len(resumed.conv.Messages()); got != wantMsgs+2 {
		t.Fatalf("messages after resumed turn = %d, want %d", got, wantMsgs+2)
	}
}

func TestEndAfterResumePersistsNewTurns(t *testing.T) {
	f := newOrchFixture(t)
	s := f.start(t, testActivityConfig())

	f.setGenerator(func(g *stubGenerator) { g.reply = "Tell me more." })
	ch, err := f.orch.Turn(context.Background(), s.ID, TextContent("it began with taxation"))
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	collectEvents(ch)

	if _, err := f.orch.End(context.Background(), s.ID); err != nil {
		t.Fatalf("End: %v", err)
	}

	resumed, err := f.orch.Resume(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	ch, err = f.orch.Turn(context.Background(), s.ID, TextContent("and the impact spread"))
	if err != nil {
		t.Fatalf("Turn after resume: %v", err)
	}
	collectEvents(ch)
	wantMsgs := len(resumed.conv.Messages())

	if _, err := f.orch.End(context.Background(), s.ID); err != nil {
		t.Fatalf("End after resume: %v", err)
	}

	if f.store.count() != 1 {
		t.Fatalf("store has %d records, want 1", f.store.count())
	}
	stored := f.store.get(s.ID)
	if stored == nil {
		t.Fatal("transcript missing from store")
	}
	if got := len(stored.Messages); got != wantMsgs {
		t.Fatalf("stored messages = %d, want %d", got, wantMsgs)
	}
	if f.store.saveCount() != 2 {
		t.Fatalf("saves = %d, want 2", f.store.saveCount())
	}
}

func TestResumeRestoresSessionConfiguration(t *testing.T) {
	f := newOrchFixture(t)
	cfg := testActivityConfig()
	cfg.Timeout = TimeoutPolicy{
		Action:      TimeoutWarnThenEnd,
		MaxDuration: 30 * time.Minute,
		WarnBefore:  5 * time.Minute,
	}
	cfg.EvaluateTurns = true
	cfg.MaxBudget = 500
	cfg.KeepRecent = 3
	s := f.start(t, cfg)

	if _, err := f.orch.End(context.Background(), s.ID); err != nil {
		t.Fatalf("End: %v", err)
	}

	resumed, err := f.orch.Resume(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.timeout != cfg.Timeout {
		t.Fatalf("timeout = %+v, want %+v", resumed.timeout, cfg.Timeout)
	}
	// Per-turn evaluation survives a resume even when no turn had been
	// evaluated yet.
	if !resumed.evaluateTurns {
		t.Fatal("evaluateTurns not restored")
	}
	if resumed.maxBudget != 500 || resumed.keepRecent != 3 {
		t.Fatalf("budget = %d keep = %d", resumed.maxBudget, resumed.keepRecent)
	}
	want := f.clock.Now().Add(30 * time.Minute)
	if !resumed.deadline.Equal(want) {
		t.Fatalf("deadline = %v, want %v", resumed.deadline, want)
	}
}

func TestResumeUnknownSession(t *testing.T) {
	f := newOrchFixture(t)
	if _, err := f.orch.Resume(context.Background(), uuid.New()); err == nil {
		t.Fatal("Resume of unknown session succeeded")
	}
}

func TestDrainAllPersistsEverySession(t *testing.T) {
	f := newOrchFixture(t)
	a := f.start(t, testActivityConfig())
	b := f.start(t, testActivityConfig())

	f.orch.DrainAll(context.Background())

	if f.store.count() != 2 {
		t.Fatalf("store has %d transcripts, want 2", f.store.count())
	}
	if f.orch.Registry().Len() != 0 {
		t.Fatal("registry not empty after drain")
	}
	for _, id := range []uuid.UUID{a.ID, b.ID} {
		tr, err := f.store.LoadBySession(context.Background(), id)
		if err != nil {
			t.Fatalf("transcript missing for %s: %v", id, err)
		}
		if tr.Status != StatusEnded {
			t.Fatalf("drained status = %q", tr.Status)
		}
	}
}
