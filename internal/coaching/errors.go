package coaching

import "errors"

// Engine error taxonomy. The sentinel messages double as stable
// machine-readable kinds surfaced at the transport boundary.
var (
	// ErrBudgetOverflow: context exceeds the token budget even after a
	// compaction attempt. Fatal to the current turn.
	ErrBudgetOverflow = errors.New("budget_overflow")

	// ErrSummarizationUnavailable: compaction skipped; retried at the next
	// threshold breach.
	ErrSummarizationUnavailable = errors.New("summarization_unavailable")

	// ErrGenerationUnavailable: reply generation failed after retries.
	ErrGenerationUnavailable = errors.New("generation_unavailable")

	// ErrGenerationTimeout: reply generation timed out after retries.
	ErrGenerationTimeout = errors.New("generation_timeout")

	// ErrEvaluationUnavailable: rubric scoring failed; the turn proceeds
	// without an evaluation payload.
	ErrEvaluationUnavailable = errors.New("evaluation_unavailable")

	// ErrInvalidPersonaStyle: unrecognized persona style at session creation.
	ErrInvalidPersonaStyle = errors.New("invalid_persona_style")

	// ErrInvalidGuardrailConfig: unusable guardrail configuration at session
	// creation.
	ErrInvalidGuardrailConfig = errors.New("invalid_guardrail_config")

	ErrSessionNotFound     = errors.New("session_not_found")
	ErrSessionAlreadyEnded = errors.New("session_already_ended")

	// ErrTurnInFlight: a reply is already streaming for this session; new
	// learner turns are rejected, not queued.
	ErrTurnInFlight = errors.New("turn_in_flight")
)

// Kind maps an engine error to its stable kind string, or "internal" for
// anything outside the taxonomy.
func Kind(err error) string {
	for _, sentinel := range []error{
		ErrBudgetOverflow,
		ErrSummarizationUnavailable,
		ErrGenerationUnavailable,
		ErrGenerationTimeout,
		ErrEvaluationUnavailable,
		ErrInvalidPersonaStyle,
		ErrInvalidGuardrailConfig,
		ErrSessionNotFound,
		ErrSessionAlreadyEnded,
		ErrTurnInFlight,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return "internal"
}
