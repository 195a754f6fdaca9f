package adapt

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/grimoire/internal/spell"
)

// extensionLanguages maps recognizable file extensions to language
// hints used when the caller did not supply one.
var extensionLanguages = map[string]string{
	".py":   "python",
	".js":   "javascript",
	".jsx":  "javascript",
	".ts":   "typescript",
	".tsx":  "typescript",
	".java": "java",
	".go":   "go",
	".rb":   "ruby",
	".rs":   "rust",
	".c":    "c",
	".cpp":  "c++",
	".cs":   "c#",
	".php":  "php",
}

var extensionRe = regexp.MustCompile(`\.[a-zA-Z0-9]+`)

// InferLanguage scans text (typically a spell's solution code) for the
// most frequent recognizable file extension and returns its language.
// Returns "" when nothing recognizable is found; inference never fails.
func InferLanguage(text string) string {
	counts := make(map[string]int)
	for _, ext := range extensionRe.FindAllString(text, -1) {
		if lang, ok := extensionLanguages[strings.ToLower(ext)]; ok {
			counts[lang]++
		}
	}

	best, bestCount := "", 0
	for lang, n := range counts {
		// Ties broken lexically so inference stays deterministic.
		if n > bestCount || (n == bestCount && lang < best) {
			best, bestCount = lang, n
		}
	}
	return best
}

// BuildPrompt assembles the completion request for adapting a spell's
// canonical solution to a specific failing commit. Pure function: the
// output always embeds the commit SHA, the failing test and stack
// trace when present, the solution code, and every constraint value.
func BuildPrompt(sp *spell.Spell, fc FailingContext, constraints *AdaptationConstraints) string {
	language := fc.Language
	if language == "" {
		language = InferLanguage(sp.SolutionCode)
	}

	var b strings.Builder

	b.WriteString("You are adapting a known fix pattern to a specific failing codebase.\n\n")

	b.WriteString("## Failing context\n")
	fmt.Fprintf(&b, "Repository: %s\n", fc.Repository)
	fmt.Fprintf(&b, "Commit: %s\n", fc.CommitSHA)
	if language != "" {
		fmt.Fprintf(&b, "Language: %s\n", language)
	}
	if fc.Version != "" {
		fmt.Fprintf(&b, "Version: %s\n", fc.Version)
	}
	if fc.FailingTest != "" {
		fmt.Fprintf(&b, "Failing test: %s\n", fc.FailingTest)
	}
	if fc.StackTrace != "" {
		fmt.Fprintf(&b, "\nStack trace:\n```\n%s\n```\n", fc.StackTrace)
	}

	b.WriteString("\n## Known fix pattern\n")
	fmt.Fprintf(&b, "Title: %s\n", sp.Title)
	if sp.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", sp.Description)
	}
	fmt.Fprintf(&b, "Error pattern: %s\n", sp.ErrorPattern)
	fmt.Fprintf(&b, "\nCanonical solution:\n```\n%s\n```\n", sp.SolutionCode)

	b.WriteString("\n## Constraints\n")
	fmt.Fprintf(&b, "- Touch at most %d files (max_files=%d).\n", constraints.MaxFiles, constraints.MaxFiles)
	for _, pattern := range constraints.ExcludedPatterns {
		fmt.Fprintf(&b, "- Never modify files matching: %s\n", pattern)
	}
	if constraints.PreserveStyle {
		b.WriteString("- Preserve the existing code style of the repository (preserve_style=true).\n")
	} else {
		b.WriteString("- Code style may be normalized (preserve_style=false).\n")
	}

	b.WriteString("\n## Output format\n")
	b.WriteString("Adapt the canonical solution into a git unified diff that applies cleanly ")
	fmt.Fprintf(&b, "at commit %s.\n", fc.CommitSHA)
	b.WriteString("Respond with ONLY a JSON object, no surrounding text or markdown fences, ")
	b.WriteString(`with exactly these keys: "patch" (the unified diff as a string, starting with "diff --git"), `)
	b.WriteString(`"files_touched" (array of file paths the patch modifies), `)
	b.WriteString(`"rationale" (short explanation of the adaptation).` + "\n")
	b.WriteString(`If you cannot produce a valid patch, respond with ONLY {"error": "<reason>"}.` + "\n")

	return b.String()
}
