package coaching

import (
	"fmt"
	"strings"
)

type Strictness string

const (
	StrictnessStrict   Strictness = "strict"
	StrictnessFlexible Strictness = "flexible"
)

// Section is one instructor-required discussion point. Keywords drive the
// default containment matcher; an empty keyword list falls back to the label.
type Section struct {
	ID       string   `json:"id"`
	Label    string   `json:"label"`
	Keywords []string `json:"keywords,omitempty"`
}

// GuardrailConfig is supplied read-only at session creation and never mutated
// by the engine.
type GuardrailConfig struct {
	Strictness       Strictness `json:"topic_strictness"`
	RequiredSections []Section  `json:"required_sections"`
	SocraticEnabled  bool       `json:"socratic_enabled"`
}

func (c GuardrailConfig) Validate() error {
	switch c.Strictness {
	case StrictnessStrict, StrictnessFlexible:
	default:
		return fmt.Errorf("%w: unknown strictness %q", ErrInvalidGuardrailConfig, c.Strictness)
	}
	seen := map[string]bool{}
	for _, s := range c.RequiredSections {
		id := strings.TrimSpace(s.ID)
		if id == "" {
			return fmt.Errorf("%w: section with empty id", ErrInvalidGuardrailConfig)
		}
		if seen[id] {
			return fmt.Errorf("%w: duplicate section %q", ErrInvalidGuardrailConfig, id)
		}
		seen[id] = true
	}
	return nil
}

// SectionCoverage is the per-section state. Covered transitions are monotonic:
// false→true only, never back.
type SectionCoverage struct {
	Covered    bool    `json:"covered"`
	Confidence float64 `json:"confidence"`
}

// TopicMatcher decides whether a learner turn touches a section. The default
// is keyword containment; richer matchers (embeddings, classifiers) plug in
// here.
type TopicMatcher interface {
	Match(turnText string, section Section) (bool, float64)
}

type keywordMatcher struct{}

func (keywordMatcher) Match(turnText string, section Section) (bool, float64) {
	text := strings.ToLower(turnText)
	keywords := section.Keywords
	if len(keywords) == 0 {
		keywords = []string{section.Label}
	}
	hits := 0
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(text, kw) {
			hits++
		}
	}
	if hits == 0 {
		return false, 0
	}
	return true, float64(hits) / float64(len(keywords))
}

// Guardrail builds the coach's behavioral constraints and tracks topical
// coverage across turns. It shapes the coach's own instructions; it never
// edits or drops learner text.
type Guardrail struct {
	cfg      GuardrailConfig
	matcher  TopicMatcher
	coverage map[string]*SectionCoverage
}

func NewGuardrail(cfg GuardrailConfig) (*Guardrail, error) {
	return NewGuardrailWithMatcher(cfg, keywordMatcher{})
}

func NewGuardrailWithMatcher(cfg GuardrailConfig, matcher TopicMatcher) (*Guardrail, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cov := make(map[string]*SectionCoverage, len(cfg.RequiredSections))
	for _, s := range cfg.RequiredSections {
		cov[s.ID] = &SectionCoverage{}
	}
	return &Guardrail{cfg: cfg, matcher: matcher, coverage: cov}, nil
}

// BuildSystemPrompt composes the persona directive, the strictness directive,
// the required-section planning list (a coach-internal aid, not necessarily
// echoed to the learner) and the Socratic directive. Composition is
// deterministic: same inputs, same string.
func (g *Guardrail) BuildSystemPrompt(persona PersonaConfig) (string, error) {
	directive, err := persona.Directive()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(directive)
	b.WriteString("\n\n")

	switch g.cfg.Strictness {
	case StrictnessStrict:
		b.WriteString("Stay strictly on the topic of this activity. If the learner drifts, " +
			"redirect them back to the activity immediately.")
	default:
		b.WriteString("Keep the conversation anchored to this activity, but allow related " +
			"exploration when it serves the learner's understanding.")
	}

	if len(g.cfg.RequiredSections) > 0 {
		b.WriteString("\n\nOver the course of the session, make sure the discussion covers " +
			"(internal plan, do not recite verbatim):")
		for i, s := range g.cfg.RequiredSections {
			b.WriteString(fmt.Sprintf("\n%d. %s", i+1, s.Label))
		}
	}

	if g.cfg.SocraticEnabled || persona.Socratic {
		b.WriteString("\n\nUse the Socratic method: lead with questions that let the learner " +
			"reach conclusions themselves rather than stating answers outright.")
	}

	return b.String(), nil
}

// UpdateCoverage matches the turn against each required section and returns
// the ids newly covered by this call. Coverage is never removed; confidence
// only ratchets upward.
func (g *Guardrail) UpdateCoverage(turnText string) []string {
	var newly []string
	for _, s := range g.cfg.RequiredSections {
		state := g.coverage[s.ID]
		matched, conf := g.matcher.Match(turnText, s)
		if !matched {
			continue
		}
		if !state.Covered {
			newly = append(newly, s.ID)
		}
		state.Covered = true
		if conf > state.Confidence {
			state.Confidence = conf
		}
	}
	return newly
}

func (g *Guardrail) CoveragePercentage() float64 {
	total := len(g.cfg.RequiredSections)
	if total == 0 {
		return 1
	}
	covered := 0
	for _, s := range g.cfg.RequiredSections {
		if g.coverage[s.ID].Covered {
			covered++
		}
	}
	return float64(covered) / float64(total)
}

// IsOffTopic reports whether a turn looks off-topic under the configured
// strictness. Strict sessions flag any turn that touches no required section;
// flexible sessions tolerate exploration and never flag. A true result only
// ever means the orchestrator injects a hidden corrective instruction on the
// next generation call.
func (g *Guardrail) IsOffTopic(turnText string) bool {
	if g.cfg.Strictness != StrictnessStrict || len(g.cfg.RequiredSections) == 0 {
		return false
	}
	for _, s := range g.cfg.RequiredSections {
		if matched, _ := g.matcher.Match(turnText, s); matched {
			return false
		}
	}
	return true
}

// CoverageState returns a copy safe to persist.
func (g *Guardrail) CoverageState() map[string]SectionCoverage {
	out := make(map[string]SectionCoverage, len(g.coverage))
	for id, s := range g.coverage {
		out[id] = *s
	}
	return out
}

// RestoreCoverage replays persisted coverage onto a fresh guardrail. Unknown
// section ids are ignored; the config is the source of truth for which
// sections exist.
func (g *Guardrail) RestoreCoverage(state map[string]SectionCoverage) {
	for id, s := range state {
		if cur, ok := g.coverage[id]; ok {
			if s.Covered {
				cur.Covered = true
			}
			if s.Confidence > cur.Confidence {
				cur.Confidence = s.Confidence
			}
		}
	}
}

func (g *Guardrail) Config() GuardrailConfig { return g.cfg }
