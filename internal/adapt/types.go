// Package adapt turns a stored spell into a concrete patch for a
// specific failing context. A prompt builder assembles the completion
// request, a validator enforces the structural contract on the raw
// response, and the engine glues both around a single bounded
// completion call. The builder and validator are pure functions;
// concurrent adaptations never share state.
package adapt

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/grimoire/internal/config"
)

// FailingContext pins an adaptation to an exact commit. Unlike an
// error payload it is caller-validated: a missing repository or a
// bogus SHA is a caller bug, not something to paper over.
type FailingContext struct {
	Repository  string `json:"repository"`
	CommitSHA   string `json:"commit_sha"`
	Language    string `json:"language,omitempty"`
	Version     string `json:"version,omitempty"`
	FailingTest string `json:"failing_test,omitempty"`
	StackTrace  string `json:"stack_trace,omitempty"`
}

var commitSHARe = regexp.MustCompile(`^[0-9a-fA-F]{7,40}$`)

// Validate checks required fields.
func (f *FailingContext) Validate() error {
	if strings.TrimSpace(f.Repository) == "" {
		return fmt.Errorf("repository is required")
	}
	if !commitSHARe.MatchString(f.CommitSHA) {
		return fmt.Errorf("commit_sha must be 7-40 hex characters, got %q", f.CommitSHA)
	}
	return nil
}

// AdaptationConstraints bound what a generated patch may touch.
// Immutable per call.
type AdaptationConstraints struct {
	MaxFiles         int      `json:"max_files"`
	ExcludedPatterns []string `json:"excluded_patterns"`
	PreserveStyle    bool     `json:"preserve_style"`
}

// DefaultConstraints returns the baseline limits.
func DefaultConstraints() *AdaptationConstraints {
	return &AdaptationConstraints{
		MaxFiles:         3,
		ExcludedPatterns: []string{"package.json", "*.lock"},
		PreserveStyle:    true,
	}
}

// ConstraintsFromConfig maps the configured adaptation section onto
// per-call constraints, falling back to defaults for unset values.
func ConstraintsFromConfig(cfg config.AdaptConfig) *AdaptationConstraints {
	c := DefaultConstraints()
	if cfg.MaxFiles >= 1 {
		c.MaxFiles = cfg.MaxFiles
	}
	if cfg.ExcludedPatterns != nil {
		c.ExcludedPatterns = cfg.ExcludedPatterns
	}
	c.PreserveStyle = cfg.PreserveStyle
	return c
}

// PatchResult is an accepted adaptation. Patch is byte-for-byte the
// text the provider returned; it is never reformatted so it stays
// git-applicable.
type PatchResult struct {
	Patch        string   `json:"patch"`
	FilesTouched []string `json:"files_touched"`
	Rationale    string   `json:"rationale"`
}

// ErrorCode tags the distinct ways an adaptation can fail, so callers
// can tell "the model failed" from "the model answered but the answer
// is unusable".
type ErrorCode string

const (
	// CodeMalformedResponse: the raw response was not valid JSON.
	CodeMalformedResponse ErrorCode = "malformed_response"
	// CodeUpstreamDeclined: the provider answered with an error object
	// instead of a patch.
	CodeUpstreamDeclined ErrorCode = "upstream_declined"
	// CodeInvalidDiffHeader: the patch does not start with a git diff
	// header line.
	CodeInvalidDiffHeader ErrorCode = "invalid_diff_header"
	// CodeInvalidDiffMarkers: the patch is missing ---, +++ or @@ lines.
	CodeInvalidDiffMarkers ErrorCode = "invalid_diff_markers"
	// CodePathMismatch: a path in the diff headers is absent from
	// files_touched.
	CodePathMismatch ErrorCode = "path_mismatch"
	// CodeConstraintViolation: files_touched breaches max_files or an
	// excluded pattern.
	CodeConstraintViolation ErrorCode = "constraint_violation"
	// CodeTimeout: the completion call exceeded its deadline.
	CodeTimeout ErrorCode = "timeout"
	// CodeUpstreamError: transport or provider failure.
	CodeUpstreamError ErrorCode = "upstream_error"
)

// PatchError is the tagged failure result of an adaptation.
type PatchError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *PatchError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newPatchError(code ErrorCode, format string, args ...any) *PatchError {
	return &PatchError{Code: code, Message: fmt.Sprintf(format, args...)}
}
