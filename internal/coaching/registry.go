package coaching

import (
	"context"
	"time"

	"sync"

	"github.com/google/uuid"

	"github.com/courseloom/courseloom-backend/internal/pkg/logger"
)

// Clock is injected so eviction and timeout behavior is testable.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

func SystemClock() Clock { return systemClock{} }

// EvictionPolicy governs idle reclamation, decoupled from request handling.
type EvictionPolicy struct {
	MaxIdle       time.Duration
	SweepInterval time.Duration
}

func DefaultEvictionPolicy() EvictionPolicy {
	return EvictionPolicy{MaxIdle: 30 * time.Minute, SweepInterval: time.Minute}
}

// Registry owns the live sessions. Its lock is deliberately separate from the
// per-session locks so inserting or evicting entries can never race with
// in-flight use of another entry.
// Tombstones older than this are forgotten; by then a stale end() for the
// session reads as unknown rather than already-ended, which is acceptable.
const tombstoneTTL = time.Hour

type Registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
	ended    map[uuid.UUID]time.Time
	draining bool

	clock  Clock
	policy EvictionPolicy
	log    *logger.Logger
}

func NewRegistry(clock Clock, policy EvictionPolicy, log *logger.Logger) *Registry {
	if clock == nil {
		clock = SystemClock()
	}
	if policy.MaxIdle <= 0 {
		policy.MaxIdle = DefaultEvictionPolicy().MaxIdle
	}
	if policy.SweepInterval <= 0 {
		policy.SweepInterval = DefaultEvictionPolicy().SweepInterval
	}
	if log != nil {
		log = log.With("component", "SessionRegistry")
	}
	return &Registry{
		sessions: make(map[uuid.UUID]*Session),
		ended:    make(map[uuid.UUID]time.Time),
		clock:    clock,
		policy:   policy,
		log:      log,
	}
}

// MarkEnded leaves a tombstone so a second end() on the same id can be told
// apart from an id that never existed. Tombstones age out during sweeps.
func (r *Registry) MarkEnded(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended[id] = r.clock.Now()
}

func (r *Registry) pruneTombstones(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.ended {
		if now.Sub(t) >= tombstoneTTL {
			delete(r.ended, id)
		}
	}
}

func (r *Registry) WasEnded(id uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ended[id]
	return ok
}

func (r *Registry) Put(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining {
		return ErrSessionNotFound
	}
	r.sessions[s.ID] = s
	return nil
}

func (r *Registry) Get(id uuid.UUID) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// snapshot copies the live set so sweep callbacks run outside the registry
// lock.
func (r *Registry) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Drain stops admissions and returns every remaining session so the caller
// can persist them before shutdown.
func (r *Registry) Drain() []*Session {
	r.mu.Lock()
	r.draining = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[uuid.UUID]*Session)
	r.mu.Unlock()
	return sessions
}

// sweepState classifies a session for the sweeper.
type sweepState int

const (
	sweepKeep sweepState = iota
	sweepWarn
	sweepExpire
)

// classify decides the sweep action and, for a warning, the remaining time
// until the deadline. The remaining value is read under the session lock so
// a concurrent Extend cannot race the warning.
func (r *Registry) classify(s *Session, now time.Time) (sweepState, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusEnded || s.status == StatusExpired {
		return sweepKeep, 0
	}
	// A streaming turn counts as activity.
	if s.inFlight {
		return sweepKeep, 0
	}
	if !s.deadline.IsZero() {
		if !now.Before(s.deadline) {
			return sweepExpire, 0
		}
		if s.timeout.Action == TimeoutWarnThenEnd && !s.warned &&
			s.timeout.WarnBefore > 0 && now.After(s.deadline.Add(-s.timeout.WarnBefore)) {
			s.warned = true
			return sweepWarn, s.deadline.Sub(now)
		}
	}
	if now.Sub(s.lastActivity) >= r.policy.MaxIdle {
		return sweepExpire, 0
	}
	return sweepKeep, 0
}

// Sweep classifies every live session once. The expire callback must persist
// a best-effort snapshot before the entry is removed; removal happens only
// after the callback returns.
func (r *Registry) Sweep(ctx context.Context, warn func(*Session, time.Duration), expire func(context.Context, *Session)) {
	now := r.clock.Now()
	for _, s := range r.snapshot() {
		state, remaining := r.classify(s, now)
		switch state {
		case sweepWarn:
			if warn != nil {
				warn(s, remaining)
			}
		case sweepExpire:
			if expire != nil {
				expire(ctx, s)
			}
			r.Remove(s.ID)
		}
	}
	r.pruneTombstones(now)
}

// StartSweeper runs Sweep on the policy interval until ctx is done.
func (r *Registry) StartSweeper(ctx context.Context, warn func(*Session, time.Duration), expire func(context.Context, *Session)) {
	go func() {
		ticker := time.NewTicker(r.policy.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep(ctx, warn, expire)
			}
		}
	}()
}
