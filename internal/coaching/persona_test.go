package coaching

import (
	"errors"
	"strings"
	"testing"
)

func TestPersonaValidate(t *testing.T) {
	tests := []struct {
		name    string
		style   PersonaStyle
		wantErr bool
	}{
		{"supportive", StyleSupportive, false},
		{"challenging", StyleChallenging, false},
		{"formal", StyleFormal, false},
		{"friendly", StyleFriendly, false},
		{"unknown", PersonaStyle("sarcastic"), true},
		{"empty", PersonaStyle(""), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := PersonaConfig{Name: "Ada", Style: tt.style}.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidPersonaStyle) {
					t.Fatalf("err = %v, want ErrInvalidPersonaStyle", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestPersonaDirective(t *testing.T) {
	d, err := PersonaConfig{Name: "Ada", Style: StyleChallenging}.Directive()
	if err != nil {
		t.Fatalf("Directive: %v", err)
	}
	if !strings.HasPrefix(d, "You are Ada, an AI coach") {
		t.Fatalf("directive missing persona name: %q", d)
	}
	if !strings.Contains(d, "Question assumptions") {
		t.Fatalf("directive missing style text: %q", d)
	}
}

func TestPersonaDirectiveBlankNameFallsBack(t *testing.T) {
	d, err := PersonaConfig{Name: "  ", Style: StyleFriendly}.Directive()
	if err != nil {
		t.Fatalf("Directive: %v", err)
	}
	if !strings.HasPrefix(d, "You are Coach,") {
		t.Fatalf("expected Coach fallback, got %q", d)
	}
}

func TestDefaultPersonaIsValid(t *testing.T) {
	if err := DefaultPersona().Validate(); err != nil {
		t.Fatalf("default persona invalid: %v", err)
	}
}
