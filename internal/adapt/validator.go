package adapt

import (
	"encoding/json"
	"path"
	"regexp"
	"strings"
)

// diffHeaderRe matches one "diff --git a/X b/Y" header line and
// captures both sides.
var diffHeaderRe = regexp.MustCompile(`(?m)^diff --git a/(\S+) b/(\S+)$`)

// rawPatchResponse is the JSON shape the prompt contract demands.
type rawPatchResponse struct {
	Patch        *string   `json:"patch"`
	FilesTouched *[]string `json:"files_touched"`
	Rationale    *string   `json:"rationale"`
	Error        *string   `json:"error"`
}

// Validate checks a raw completion response against the prompt's
// output contract and the adaptation constraints. It is a single-pass
// state machine where every stage short-circuits to a tagged
// *PatchError; an accepted patch is returned byte-for-byte, never
// reformatted. The validator only accepts or rejects, it never repairs.
func Validate(rawResponse string, constraints *AdaptationConstraints) (*PatchResult, *PatchError) {
	if constraints == nil {
		constraints = DefaultConstraints()
	}

	// Stage 1: parse.
	var raw rawPatchResponse
	if err := json.Unmarshal([]byte(rawResponse), &raw); err != nil {
		return nil, newPatchError(CodeMalformedResponse, "response is not valid JSON: %v", err)
	}

	// Stage 2: shape. A lone "error" key is the provider declining.
	if raw.Error != nil && raw.Patch == nil {
		return nil, newPatchError(CodeUpstreamDeclined, "%s", *raw.Error)
	}
	if raw.Patch == nil || raw.FilesTouched == nil || raw.Rationale == nil {
		return nil, newPatchError(CodeMalformedResponse, "response must contain patch, files_touched, and rationale")
	}
	patch := *raw.Patch
	filesTouched := *raw.FilesTouched

	// Stage 3: git diff header.
	firstLine, _, _ := strings.Cut(patch, "\n")
	if !diffHeaderRe.MatchString(firstLine) {
		return nil, newPatchError(CodeInvalidDiffHeader, "patch does not start with a git diff header")
	}

	// Stage 4: unified diff markers.
	if !hasLinePrefix(patch, "--- ") {
		return nil, newPatchError(CodeInvalidDiffMarkers, "patch is missing a --- line")
	}
	if !hasLinePrefix(patch, "+++ ") {
		return nil, newPatchError(CodeInvalidDiffMarkers, "patch is missing a +++ line")
	}
	if !hasLinePrefix(patch, "@@") {
		return nil, newPatchError(CodeInvalidDiffMarkers, "patch is missing an @@ hunk marker")
	}

	// Stage 5: every path in the diff headers must be declared in
	// files_touched. Both the a/ and b/ sides count so renames are
	// fully declared.
	touched := make(map[string]struct{}, len(filesTouched))
	for _, f := range filesTouched {
		touched[f] = struct{}{}
	}
	for _, m := range diffHeaderRe.FindAllStringSubmatch(patch, -1) {
		for _, p := range m[1:] {
			if _, ok := touched[p]; !ok {
				return nil, newPatchError(CodePathMismatch, "diff header references %q which is not in files_touched", p)
			}
		}
	}

	// Stage 6: constraints.
	if len(filesTouched) > constraints.MaxFiles {
		return nil, newPatchError(CodeConstraintViolation, "max_files: patch touches %d files, limit is %d", len(filesTouched), constraints.MaxFiles)
	}
	for _, f := range filesTouched {
		for _, pattern := range constraints.ExcludedPatterns {
			// Patterns match against both the full path and its base
			// name so "package.json" excludes the file anywhere in the
			// tree.
			if matched, _ := path.Match(pattern, f); matched {
				return nil, newPatchError(CodeConstraintViolation, "excluded_pattern: %q matches %q", f, pattern)
			}
			if matched, _ := path.Match(pattern, path.Base(f)); matched {
				return nil, newPatchError(CodeConstraintViolation, "excluded_pattern: %q matches %q", f, pattern)
			}
		}
	}

	return &PatchResult{
		Patch:        patch,
		FilesTouched: filesTouched,
		Rationale:    *raw.Rationale,
	}, nil
}

// hasLinePrefix reports whether any line of s starts with prefix.
func hasLinePrefix(s, prefix string) bool {
	if strings.HasPrefix(s, prefix) {
		return true
	}
	return strings.Contains(s, "\n"+prefix)
}
