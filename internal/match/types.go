// Package match ranks stored spells against incoming error payloads.
//
// The package is the read-only half of the engine: it never mutates
// spells and never performs access control. Candidate sets arrive
// pre-filtered to the caller's accessible repositories; trusting that
// boundary is an explicit contract with the spell store.
package match

import "strings"

// ErrorPayload is the canonical, comparable form of an incoming error
// or PR-metadata event. It is ephemeral and never persisted.
type ErrorPayload struct {
	ErrorType  string `json:"error_type"`
	Message    string `json:"message"`
	Context    string `json:"context"`
	StackTrace string `json:"stack_trace,omitempty"`

	// RepositoryID is the originating repository config ID when known.
	// Used only for the context-locality scoring bonus.
	RepositoryID string `json:"repository_id,omitempty"`
}

// MatchResult is one ranked candidate.
type MatchResult struct {
	SpellID string  `json:"spell_id"`
	Score   float64 `json:"score"`
}

// UnknownErrorType is substituted when a payload carries no error type.
const UnknownErrorType = "Unknown"

// PullRequestErrorType marks payloads synthesized from PR metadata
// rather than extracted error data.
const PullRequestErrorType = "PullRequestChange"

// contextDelimiter joins the fixed-order parts of a synthesized context.
const contextDelimiter = " | "

// maxContextFiles caps how many changed file paths a synthesized
// context lists before collapsing the rest into a "+N more" suffix.
const maxContextFiles = 5

// Normalize returns the canonical form of a caller-supplied payload:
// fields are whitespace-trimmed and a missing error type defaults to
// UnknownErrorType. It never fails; the webhook ingestion path must not
// be blocked by payload incompleteness.
func Normalize(p ErrorPayload) ErrorPayload {
	out := ErrorPayload{
		ErrorType:    strings.TrimSpace(p.ErrorType),
		Message:      strings.TrimSpace(p.Message),
		Context:      strings.TrimSpace(p.Context),
		StackTrace:   strings.TrimSpace(p.StackTrace),
		RepositoryID: strings.TrimSpace(p.RepositoryID),
	}
	if out.ErrorType == "" {
		out.ErrorType = UnknownErrorType
	}
	return out
}
