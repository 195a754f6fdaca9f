// Package spell defines stored fix patterns and their persistence.
//
// A spell is a repository-owned record mapping an error pattern to a
// canonical solution (the incantation). Spells are created manually or
// auto-generated after a failed match, and mutated only by human review
// or webhook reprocessing; the matching engine is a read-only consumer.
package spell

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Confidence bounds for spells.
const (
	MinConfidence = 0
	MaxConfidence = 100

	// AutoGeneratedConfidence is the initial confidence for drafts
	// produced by spellgen, pending human review.
	AutoGeneratedConfidence = 30

	// DefaultConfidence is the initial confidence for manually
	// created spells.
	DefaultConfidence = 50
)

// ErrNotFound is returned when a spell does not exist.
var ErrNotFound = errors.New("spell not found")

// Spell is a stored error-pattern-to-solution record.
type Spell struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	ErrorType    string   `json:"error_type"`
	ErrorPattern string   `json:"error_pattern"`
	SolutionCode string   `json:"solution_code"`
	Tags         []string `json:"tags"`

	// RepositoryID is the owning repository config. Ownership is
	// enforced by the access-control layer when candidate sets are
	// queried; the engine trusts pre-filtered input.
	RepositoryID string `json:"repository_id"`

	AutoGenerated   bool `json:"auto_generated"`
	HumanReviewed   bool `json:"human_reviewed"`
	ConfidenceScore int  `json:"confidence_score"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks record invariants before persistence.
func (s *Spell) Validate() error {
	if strings.TrimSpace(s.Title) == "" {
		return fmt.Errorf("spell title is required")
	}
	if strings.TrimSpace(s.ErrorPattern) == "" {
		return fmt.Errorf("spell error_pattern is required")
	}
	if strings.TrimSpace(s.SolutionCode) == "" {
		return fmt.Errorf("spell solution_code is required")
	}
	if s.ConfidenceScore < MinConfidence || s.ConfidenceScore > MaxConfidence {
		return fmt.Errorf("confidence_score must be in [%d,%d], got %d", MinConfidence, MaxConfidence, s.ConfidenceScore)
	}
	return nil
}

// Application records one adaptation of a spell into a concrete patch.
type Application struct {
	ID      string `json:"id"`
	SpellID string `json:"spell_id"`

	Repository  string `json:"repository"`
	CommitSHA   string `json:"commit_sha"`
	Language    string `json:"language,omitempty"`
	Version     string `json:"version,omitempty"`
	FailingTest string `json:"failing_test,omitempty"`
	StackTrace  string `json:"stack_trace,omitempty"`

	Patch        string   `json:"patch"`
	FilesTouched []string `json:"files_touched"`
	Rationale    string   `json:"rationale"`

	CreatedAt time.Time `json:"created_at"`
}

// RepoConfig registers a repository for webhook processing. Spells are
// owned through it.
type RepoConfig struct {
	ID            string    `json:"id"`
	RepoName      string    `json:"repo_name"` // "owner/repo"
	DefaultBranch string    `json:"default_branch"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
}

// WebhookLog records one webhook delivery and its processing outcome.
type WebhookLog struct {
	ID         string        `json:"id"`
	DeliveryID string        `json:"delivery_id"`
	Event      string        `json:"event"`
	Repo       string        `json:"repo"`
	PRNumber   int           `json:"pr_number"`
	Action     string        `json:"action"`
	Status     string        `json:"status"` // "success", "ignored", "error"
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	CreatedAt  time.Time     `json:"created_at"`
}
