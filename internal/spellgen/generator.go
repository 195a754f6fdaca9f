// Package spellgen drafts new spells when an incoming error matched
// nothing in the grimoire. Drafts are marked auto-generated with a low
// confidence score and stay out of the way until a human reviews them.
package spellgen

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/grimoire/internal/llm"
	"github.com/fyrsmithlabs/grimoire/internal/match"
	"github.com/fyrsmithlabs/grimoire/internal/spell"
)

const instrumentationName = "github.com/fyrsmithlabs/grimoire/internal/spellgen"

// SpellCreator is the subset of the spell store the generator needs.
type SpellCreator interface {
	Create(ctx context.Context, sp *spell.Spell) error
}

// Generator creates draft spells from unmatched error payloads.
type Generator struct {
	store     SpellCreator
	completer llm.Completer
	enabled   bool
	logger    *zap.Logger

	tracer     trace.Tracer
	meter      metric.Meter
	genCounter metric.Int64Counter
}

// NewGenerator creates a Generator. When enabled is false Generate is
// a no-op returning nil, so callers can wire it unconditionally.
func NewGenerator(store SpellCreator, completer llm.Completer, enabled bool, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}

	g := &Generator{
		store:     store,
		completer: completer,
		enabled:   enabled,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
		meter:     otel.Meter(instrumentationName),
	}
	g.initMetrics()
	return g
}

func (g *Generator) initMetrics() {
	var err error
	g.genCounter, err = g.meter.Int64Counter(
		"grimoire.spellgen.generated_total",
		metric.WithDescription("Total number of auto-generated spell drafts"),
		metric.WithUnit("{spell}"),
	)
	if err != nil {
		g.logger.Warn("failed to create generation counter", zap.Error(err))
	}
}

// spellContent is the JSON shape requested from the completer.
type spellContent struct {
	Title           string `json:"title"`
	Description     string `json:"description"`
	SolutionCode    string `json:"solution_code"`
	ConfidenceScore int    `json:"confidence_score"`
}

// Generate drafts and persists a new spell for the payload. Returns
// the created spell, or nil when auto-generation is disabled. Failures
// are returned so the caller can log them, but the webhook pipeline
// treats them as non-fatal.
func (g *Generator) Generate(ctx context.Context, payload match.ErrorPayload, ev *match.PREvent) (*spell.Spell, error) {
	if !g.enabled {
		g.logger.Debug("auto-generation disabled, skipping spell draft")
		return nil, nil
	}

	ctx, span := g.tracer.Start(ctx, "spellgen.generate")
	defer span.End()

	payload = match.Normalize(payload)
	span.SetAttributes(attribute.String("error_type", payload.ErrorType))

	raw, err := g.completer.Complete(ctx, buildContentPrompt(payload, ev))
	if err != nil {
		return nil, fmt.Errorf("spell content generation failed: %w", err)
	}

	var content spellContent
	if err := json.Unmarshal([]byte(raw), &content); err != nil {
		return nil, fmt.Errorf("spell content is not valid JSON: %w", err)
	}
	if content.Title == "" || content.SolutionCode == "" {
		return nil, fmt.Errorf("spell content is missing title or solution_code")
	}

	confidence := content.ConfidenceScore
	if confidence < spell.MinConfidence || confidence > spell.MaxConfidence {
		confidence = spell.AutoGeneratedConfidence
	}

	sp := &spell.Spell{
		Title:           truncate(content.Title, 255),
		Description:     content.Description,
		ErrorType:       payload.ErrorType,
		ErrorPattern:    ExtractErrorPattern(payload.Message),
		SolutionCode:    content.SolutionCode,
		Tags:            GenerateTags(payload, ev),
		RepositoryID:    payload.RepositoryID,
		AutoGenerated:   true,
		HumanReviewed:   false,
		ConfidenceScore: confidence,
	}

	if err := g.store.Create(ctx, sp); err != nil {
		return nil, fmt.Errorf("failed to persist draft spell: %w", err)
	}

	if g.genCounter != nil {
		g.genCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("error_type", payload.ErrorType),
		))
	}
	g.logger.Info("created auto-generated spell draft",
		zap.String("spell_id", sp.ID),
		zap.String("error_type", sp.ErrorType),
		zap.Int("confidence", sp.ConfidenceScore),
	)

	span.SetAttributes(attribute.String("spell_id", sp.ID))
	return sp, nil
}

func buildContentPrompt(payload match.ErrorPayload, ev *match.PREvent) string {
	var b strings.Builder
	b.WriteString("Draft a reusable fix pattern for the following error.\n\n")
	fmt.Fprintf(&b, "Error type: %s\n", payload.ErrorType)
	fmt.Fprintf(&b, "Message: %s\n", payload.Message)
	if payload.Context != "" {
		fmt.Fprintf(&b, "Context: %s\n", payload.Context)
	}
	if payload.StackTrace != "" {
		fmt.Fprintf(&b, "\nStack trace:\n```\n%s\n```\n", payload.StackTrace)
	}
	if ev != nil {
		fmt.Fprintf(&b, "\nObserved in pull request #%d of %s (%s).\n", ev.PRNumber, ev.Repo, ev.Action)
	}
	b.WriteString("\nRespond with ONLY a JSON object with exactly these keys: ")
	b.WriteString(`"title" (under 255 characters), "description", "solution_code" `)
	b.WriteString(`(a generic, adaptable fix), "confidence_score" (integer 0-100).` + "\n")
	return b.String()
}

var (
	singleQuotedRe = regexp.MustCompile(`'[^']*'`)
	doubleQuotedRe = regexp.MustCompile(`"[^"]*"`)
	numberRe       = regexp.MustCompile(`\b\d+\b`)
)

// ExtractErrorPattern generalizes an error message into a matchable
// pattern: quoted values and numbers become wildcards so the pattern
// matches the whole family of errors, not one occurrence.
func ExtractErrorPattern(message string) string {
	if message == "" {
		return ".*"
	}
	pattern := singleQuotedRe.ReplaceAllString(message, "'.*'")
	pattern = doubleQuotedRe.ReplaceAllString(pattern, `".*"`)
	pattern = numberRe.ReplaceAllString(pattern, `\d+`)
	return pattern
}

// languageExtensions are the file extensions turned into language tags.
var languageExtensions = map[string]struct{}{
	"py": {}, "js": {}, "ts": {}, "java": {}, "go": {},
	"rb": {}, "php": {}, "cpp": {}, "c": {},
}

// GenerateTags derives sorted tags from the error type and the changed
// files' extensions, always including "auto-generated".
func GenerateTags(payload match.ErrorPayload, ev *match.PREvent) []string {
	tags := map[string]struct{}{"auto-generated": {}}

	if t := strings.ToLower(strings.TrimSpace(payload.ErrorType)); t != "" {
		tags[t] = struct{}{}
	}
	if ev != nil {
		for _, f := range ev.ChangedFiles {
			idx := strings.LastIndex(f, ".")
			if idx < 0 || idx == len(f)-1 {
				continue
			}
			ext := strings.ToLower(f[idx+1:])
			if _, ok := languageExtensions[ext]; ok {
				tags[ext] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(tags))
	for t := range tags {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
