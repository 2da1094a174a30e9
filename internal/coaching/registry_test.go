package coaching

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestSession(clock Clock, timeout TimeoutPolicy) *Session {
	now := clock.Now()
	s := &Session{
		ID:           uuid.New(),
		ActivityID:   uuid.New(),
		UserID:       uuid.New(),
		status:       StatusActive,
		timeout:      timeout,
		createdAt:    now,
		lastActivity: now,
	}
	if timeout.MaxDuration > 0 {
		s.deadline = now.Add(timeout.MaxDuration)
	}
	guard, err := NewGuardrail(GuardrailConfig{Strictness: StrictnessFlexible})
	if err != nil {
		panic(err)
	}
	s.guard = guard
	s.persona = DefaultPersona()
	s.conv = NewConversation(s.ID, ConversationOptions{Estimator: unitEstimator{}, Now: clock.Now})
	return s
}

func TestRegistryPutGetRemove(t *testing.T) {
	r := NewRegistry(newFakeClock(time.Now()), EvictionPolicy{}, nil)
	s := newTestSession(r.clock, TimeoutPolicy{})

	if _, err := r.Get(s.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
	if err := r.Put(s); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := r.Get(s.ID)
	if err != nil || got != s {
		t.Fatalf("Get = %v, %v", got, err)
	}
	r.Remove(s.ID)
	if r.Len() != 0 {
		t.Fatalf("Len = %d after remove", r.Len())
	}
}

func TestIdleSessionIsEvicted(t *testing.T) {
	clock := newFakeClock(time.Now())
	r := NewRegistry(clock, EvictionPolicy{MaxIdle: 30 * time.Minute}, nil)
	s := newTestSession(clock, TimeoutPolicy{})
	if err := r.Put(s); err != nil {
		t.Fatalf("Put: %v", err)
	}

	var expired []*Session
	clock.Advance(29 * time.Minute)
	r.Sweep(context.Background(), nil, func(_ context.Context, s *Session) { expired = append(expired, s) })
	if len(expired) != 0 {
		t.Fatal("session evicted before MaxIdle")
	}

	clock.Advance(2 * time.Minute)
	r.Sweep(context.Background(), nil, func(_ context.Context, s *Session) { expired = append(expired, s) })
	if len(expired) != 1 || expired[0].ID != s.ID {
		t.Fatalf("expired = %v", expired)
	}
	if r.Len() != 0 {
		t.Fatal("evicted session still registered")
	}
}

func TestEvictionPersistsBeforeRemoval(t *testing.T) {
	clock := newFakeClock(time.Now())
	r := NewRegistry(clock, EvictionPolicy{MaxIdle: time.Minute}, nil)
	s := newTestSession(clock, TimeoutPolicy{})
	if err := r.Put(s); err != nil {
		t.Fatalf("Put: %v", err)
	}

	clock.Advance(2 * time.Minute)
	r.Sweep(context.Background(), nil, func(_ context.Context, evicted *Session) {
		// The callback runs while the entry is still registered.
		if _, err := r.Get(evicted.ID); err != nil {
			t.Errorf("entry removed before expire callback: %v", err)
		}
	})
	if r.Len() != 0 {
		t.Fatal("entry not removed after sweep")
	}
}

func TestInFlightTurnCountsAsActivity(t *testing.T) {
	clock := newFakeClock(time.Now())
	r := NewRegistry(clock, EvictionPolicy{MaxIdle: time.Minute}, nil)
	s := newTestSession(clock, TimeoutPolicy{})
	if err := s.beginTurn(clock.Now(), func() {}); err != nil {
		t.Fatalf("beginTurn: %v", err)
	}
	if err := r.Put(s); err != nil {
		t.Fatalf("Put: %v", err)
	}

	clock.Advance(10 * time.Minute)
	r.Sweep(context.Background(), nil, func(_ context.Context, _ *Session) {
		t.Error("streaming session was evicted")
	})
	if r.Len() != 1 {
		t.Fatal("streaming session removed")
	}
}

func TestHardDeadlineExpires(t *testing.T) {
	clock := newFakeClock(time.Now())
	r := NewRegistry(clock, EvictionPolicy{MaxIdle: time.Hour}, nil)
	s := newTestSession(clock, TimeoutPolicy{Action: TimeoutHardEnd, MaxDuration: 10 * time.Minute})
	if err := r.Put(s); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Keep the session active so only the deadline can expire it.
	var expired int
	clock.Advance(9 * time.Minute)
	s.finishTurn(clock.Now())
	r.Sweep(context.Background(), nil, func(_ context.Context, _ *Session) { expired++ })
	if expired != 0 {
		t.Fatal("expired before deadline")
	}

	clock.Advance(2 * time.Minute)
	r.Sweep(context.Background(), nil, func(_ context.Context, _ *Session) { expired++ })
	if expired != 1 {
		t.Fatalf("expired = %d, want 1", expired)
	}
}

func TestWarnThenEndWarnsOnce(t *testing.T) {
	clock := newFakeClock(time.Now())
	r := NewRegistry(clock, EvictionPolicy{MaxIdle: time.Hour}, nil)
	s := newTestSession(clock, TimeoutPolicy{
		Action:      TimeoutWarnThenEnd,
		MaxDuration: 10 * time.Minute,
		WarnBefore:  2 * time.Minute,
	})
	if err := r.Put(s); err != nil {
		t.Fatalf("Put: %v", err)
	}

	var warns int
	var remaining time.Duration
	warn := func(_ *Session, d time.Duration) { warns++; remaining = d }

	clock.Advance(9 * time.Minute)
	s.finishTurn(clock.Now())
	r.Sweep(context.Background(), warn, nil)
	if warns != 1 {
		t.Fatalf("warns = %d, want 1", warns)
	}
	if remaining != time.Minute {
		t.Fatalf("remaining = %v, want 1m", remaining)
	}

	// A second sweep inside the warning window does not warn again.
	clock.Advance(30 * time.Second)
	s.finishTurn(clock.Now())
	r.Sweep(context.Background(), warn, nil)
	if warns != 1 {
		t.Fatalf("warns = %d after second sweep, want 1", warns)
	}

	var expired int
	clock.Advance(time.Minute)
	r.Sweep(context.Background(), warn, func(_ context.Context, _ *Session) { expired++ })
	if expired != 1 {
		t.Fatalf("expired = %d, want 1", expired)
	}
}

func TestEndedTombstones(t *testing.T) {
	clock := newFakeClock(time.Now())
	r := NewRegistry(clock, EvictionPolicy{}, nil)
	id := uuid.New()
	if r.WasEnded(id) {
		t.Fatal("fresh id reported ended")
	}
	r.MarkEnded(id)
	if !r.WasEnded(id) {
		t.Fatal("tombstone not recorded")
	}

	// Tombstones age out during sweeps instead of growing with every
	// session the process ever ended.
	clock.Advance(tombstoneTTL / 2)
	r.Sweep(context.Background(), nil, nil)
	if !r.WasEnded(id) {
		t.Fatal("tombstone dropped too early")
	}
	clock.Advance(tombstoneTTL)
	r.Sweep(context.Background(), nil, nil)
	if r.WasEnded(id) {
		t.Fatal("tombstone survived past its TTL")
	}
}

func TestDrainStopsAdmissions(t *testing.T) {
	clock := newFakeClock(time.Now())
	r := NewRegistry(clock, EvictionPolicy{}, nil)
	a := newTestSession(clock, TimeoutPolicy{})
	b := newTestSession(clock, TimeoutPolicy{})
	if err := r.Put(a); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := r.Put(b); err != nil {
		t.Fatalf("Put: %v", err)
	}

	drained := r.Drain()
	if len(drained) != 2 {
		t.Fatalf("drained %d sessions, want 2", len(drained))
	}
	if err := r.Put(newTestSession(clock, TimeoutPolicy{})); err == nil {
		t.Fatal("Put succeeded while draining")
	}
}
