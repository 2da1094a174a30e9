package coaching

import (
	"fmt"
	"strings"
)

// PersonaStyle is a closed enum; anything else fails session creation.
type PersonaStyle string

const (
	StyleSupportive  PersonaStyle = "supportive"
	StyleChallenging PersonaStyle = "challenging"
	StyleFormal      PersonaStyle = "formal"
	StyleFriendly    PersonaStyle = "friendly"
)

// PersonaConfig is immutable for the lifetime of a session.
type PersonaConfig struct {
	Name     string       `json:"name"`
	Style    PersonaStyle `json:"style"`
	Socratic bool         `json:"socratic"`
	Avatar   string       `json:"avatar,omitempty"`
}

var styleDirectives = map[PersonaStyle]string{
	StyleSupportive: "Be warm and encouraging. Acknowledge effort before correcting mistakes, " +
		"and frame feedback around what the learner can build on.",
	StyleChallenging: "Push the learner. Question assumptions, ask for justification, and raise " +
		"the difficulty when answers come easily. Stay respectful, never dismissive.",
	StyleFormal: "Keep a professional, precise register. Prefer complete explanations over " +
		"casual phrasing and avoid colloquialisms.",
	StyleFriendly: "Keep the tone conversational and approachable. Use plain language and " +
		"everyday examples.",
}

// Directive maps the style to its fixed behavioral directive text.
func (c PersonaConfig) Directive() (string, error) {
	d, ok := styleDirectives[c.Style]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidPersonaStyle, c.Style)
	}
	name := strings.TrimSpace(c.Name)
	if name == "" {
		name = "Coach"
	}
	return fmt.Sprintf("You are %s, an AI coach for this learning activity. %s", name, d), nil
}

// Validate fails with ErrInvalidPersonaStyle on an unrecognized style.
// Callers wanting a default must substitute one explicitly before calling;
// the engine never falls back silently.
func (c PersonaConfig) Validate() error {
	if _, ok := styleDirectives[c.Style]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidPersonaStyle, c.Style)
	}
	return nil
}

// DefaultPersona is the explicit substitute callers may opt into when an
// activity carries no persona configuration.
func DefaultPersona() PersonaConfig {
	return PersonaConfig{Name: "Coach", Style: StyleSupportive}
}
