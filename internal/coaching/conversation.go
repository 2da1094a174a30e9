package coaching

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/courseloom/courseloom-backend/internal/pkg/logger"
)

type Role string

const (
	RoleLearner Role = "learner"
	RoleCoach   Role = "coach"
)

// Message is immutable once appended.
type Message struct {
	Role          Role           `json:"role"`
	Content       ContentPayload `json:"content"`
	Timestamp     time.Time      `json:"timestamp"`
	TokenEstimate int            `json:"token_estimate"`
	Partial       bool           `json:"partial,omitempty"`
}

// ContextEntry is one row of the representation handed to the generation
// capability. Roles are "system", "learner" or "coach".
type ContextEntry struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Summarizer condenses a run of older messages into one bounded string.
type Summarizer interface {
	Summarize(ctx context.Context, messages []Message) (string, error)
}

// compactTrigger is the budget fraction past which AddMessage compacts.
const compactTrigger = 0.8

const (
	DefaultMaxBudget  = 8000
	DefaultKeepRecent = 5
)

type ConversationOptions struct {
	MaxBudget  int
	KeepRecent int
	Estimator  TokenEstimator
	Summarizer Summarizer
	Log        *logger.Logger
	Now        func() time.Time
}

// Conversation maintains a bounded dialogue history: a recent raw-message
// window plus condensed summaries of everything older. The cumulative token
// estimate always equals the retained window plus the summaries; discarded
// raw messages are never counted.
type Conversation struct {
	sessionID  uuid.UUID
	messages   []Message
	summaries  []string
	cumulative int

	maxBudget  int
	keepRecent int
	estimator  TokenEstimator
	summarizer Summarizer
	log        *logger.Logger
	now        func() time.Time
}

func NewConversation(sessionID uuid.UUID, opts ConversationOptions) *Conversation {
	if opts.MaxBudget <= 0 {
		opts.MaxBudget = DefaultMaxBudget
	}
	if opts.KeepRecent <= 0 {
		opts.KeepRecent = DefaultKeepRecent
	}
	if opts.Estimator == nil {
		opts.Estimator = NewWordCountEstimator()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Conversation{
		sessionID:  sessionID,
		maxBudget:  opts.MaxBudget,
		keepRecent: opts.KeepRecent,
		estimator:  opts.Estimator,
		summarizer: opts.Summarizer,
		log:        opts.Log,
		now:        opts.Now,
	}
}

// AddMessage appends to the recent window, compacting when the cumulative
// estimate crosses the trigger fraction of the budget. When even compaction
// and shedding the oldest summaries cannot bring the total under budget the
// call fails with ErrBudgetOverflow; the only unrecoverable shape is a single
// message that alone exceeds the budget, which is rejected before appending.
func (c *Conversation) AddMessage(ctx context.Context, role Role, content ContentPayload) error {
	return c.add(ctx, role, content, false)
}

// AddPartialMessage appends a message flagged partial=true. Used for the
// committed remainder of a cancelled reply; accounting is identical to a
// full message.
func (c *Conversation) AddPartialMessage(ctx context.Context, role Role, content ContentPayload) error {
	return c.add(ctx, role, content, true)
}

func (c *Conversation) add(ctx context.Context, role Role, content ContentPayload, partial bool) error {
	est := c.estimator.Estimate(content.Canonical())
	if est > c.maxBudget {
		return fmt.Errorf("%w: message estimate %d exceeds budget %d", ErrBudgetOverflow, est, c.maxBudget)
	}

	c.messages = append(c.messages, Message{
		Role:          role,
		Content:       content,
		Timestamp:     c.now(),
		TokenEstimate: est,
		Partial:       partial,
	})
	c.cumulative += est

	if float64(c.cumulative) > compactTrigger*float64(c.maxBudget) {
		if err := c.Compact(ctx); err != nil {
			// Soft-fail: state untouched, retried at the next threshold breach.
			if c.log != nil {
				c.log.Warn("compaction skipped", "session_id", c.sessionID, "error", err)
			}
		}
	}

	for c.cumulative > c.maxBudget && len(c.summaries) > 0 {
		c.DropOldestSummary()
	}
	if c.cumulative > c.maxBudget {
		// The new message cannot fit; un-append it so the retained window
		// stays within budget. The turn fails, the history does not.
		c.messages = c.messages[:len(c.messages)-1]
		c.recompute()
		return fmt.Errorf("%w: conversation too long at %d tokens (budget %d)", ErrBudgetOverflow, c.cumulative+est, c.maxBudget)
	}
	return nil
}

// Compact condenses everything but the last keepRecent messages into one
// appended summary. A window at or under keepRecent makes it a no-op, so a
// second call with no intervening AddMessage changes nothing. On summarizer
// failure the state is left exactly as it was.
func (c *Conversation) Compact(ctx context.Context) error {
	if len(c.messages) <= c.keepRecent {
		return nil
	}
	if c.summarizer == nil {
		return fmt.Errorf("%w: no summarizer configured", ErrSummarizationUnavailable)
	}

	cut := len(c.messages) - c.keepRecent
	older := c.messages[:cut]
	summary, err := c.summarizer.Summarize(ctx, older)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSummarizationUnavailable, err)
	}

	c.summaries = append(c.summaries, summary)
	retained := make([]Message, c.keepRecent)
	copy(retained, c.messages[cut:])
	c.messages = retained
	c.recompute()
	return nil
}

// DropOldestSummary sheds the least recent condensed entry. Last-resort
// relief valve for budget overflow.
func (c *Conversation) DropOldestSummary() {
	if len(c.summaries) == 0 {
		return
	}
	c.summaries = c.summaries[1:]
	c.recompute()
}

func (c *Conversation) recompute() {
	total := 0
	for _, m := range c.messages {
		total += m.TokenEstimate
	}
	for _, s := range c.summaries {
		total += c.estimator.Estimate(s)
	}
	c.cumulative = total
}

// Context returns the only representation exposed to the generation
// capability: the system preamble, one synthesized prior-conversation entry
// built from all summaries (if any), then the recent window in order.
func (c *Conversation) Context(preamble string) []ContextEntry {
	out := make([]ContextEntry, 0, len(c.messages)+2)
	if preamble != "" {
		out = append(out, ContextEntry{Role: "system", Text: preamble})
	}
	if len(c.summaries) > 0 {
		out = append(out, ContextEntry{
			Role: "system",
			Text: "Previous conversation (condensed):\n" + strings.Join(c.summaries, "\n"),
		})
	}
	for _, m := range c.messages {
		out = append(out, ContextEntry{Role: string(m.Role), Text: m.Content.Canonical()})
	}
	return out
}

func (c *Conversation) TokenEstimate() int { return c.cumulative }
func (c *Conversation) MaxBudget() int     { return c.maxBudget }

// Messages returns a copy of the retained window.
func (c *Conversation) Messages() []Message {
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Summaries returns a copy of the condensed entries in order.
func (c *Conversation) Summaries() []string {
	out := make([]string, len(c.summaries))
	copy(out, c.summaries)
	return out
}

// LastMessage returns the most recent message, or nil for an empty window.
func (c *Conversation) LastMessage() *Message {
	if len(c.messages) == 0 {
		return nil
	}
	m := c.messages[len(c.messages)-1]
	return &m
}

// ConversationSnapshot is the serialized form used by transcript persistence.
type ConversationSnapshot struct {
	SessionID          uuid.UUID `json:"session_id"`
	Messages           []Message `json:"messages"`
	Summaries          []string  `json:"summaries"`
	CumulativeEstimate int       `json:"cumulative_estimate"`
}

func (c *Conversation) Snapshot() ConversationSnapshot {
	return ConversationSnapshot{
		SessionID:          c.sessionID,
		Messages:           c.Messages(),
		Summaries:          c.Summaries(),
		CumulativeEstimate: c.cumulative,
	}
}

// Restore replays a snapshot onto the conversation. The estimate is
// recomputed rather than trusted so a snapshot from an older estimator stays
// internally consistent.
func (c *Conversation) Restore(snap ConversationSnapshot) {
	if snap.SessionID != uuid.Nil {
		c.sessionID = snap.SessionID
	}
	c.messages = make([]Message, len(snap.Messages))
	copy(c.messages, snap.Messages)
	c.summaries = make([]string, len(snap.Summaries))
	copy(c.summaries, snap.Summaries)
	c.recompute()
}
