package match

import (
	"fmt"
	"strings"
)

// PREvent is the PR metadata available to the webhook-integration path
// when no genuine error has been extracted.
type PREvent struct {
	Repo         string // "owner/repo"
	PRNumber     int
	Action       string
	ChangedFiles []string

	// RepositoryID is the resolved repository config ID, when the
	// repository is registered.
	RepositoryID string
}

// NormalizePREvent synthesizes a canonical payload from PR metadata.
// The context string concatenates, in fixed order: repository name, PR
// number, action, then up to five changed file paths with a "+N more"
// suffix when the list is longer. The fixed order keeps scoring
// deterministic across redeliveries of the same event.
func NormalizePREvent(ev PREvent) ErrorPayload {
	parts := []string{
		strings.TrimSpace(ev.Repo),
		fmt.Sprintf("PR #%d", ev.PRNumber),
		strings.TrimSpace(ev.Action),
	}

	files := ev.ChangedFiles
	if len(files) > maxContextFiles {
		parts = append(parts, files[:maxContextFiles]...)
		parts = append(parts, fmt.Sprintf("+%d more", len(files)-maxContextFiles))
	} else {
		parts = append(parts, files...)
	}

	return ErrorPayload{
		ErrorType:    PullRequestErrorType,
		Message:      fmt.Sprintf("Pull request %s in %s", ev.Action, ev.Repo),
		Context:      strings.Join(parts, contextDelimiter),
		RepositoryID: strings.TrimSpace(ev.RepositoryID),
	}
}
