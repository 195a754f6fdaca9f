package match

import (
	"context"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/grimoire/internal/spell"
)

const instrumentationName = "github.com/fyrsmithlabs/grimoire/internal/match"

// RankerConfig holds ranking weights.
type RankerConfig struct {
	// RepoBonus is added when a candidate belongs to the payload's
	// originating repository. Must be >= the scorer's type bonus so
	// same-repository spells are preferred (context locality).
	RepoBonus float64
}

// DefaultRepoBonus keeps the locality bonus above DefaultTypeBonus.
const DefaultRepoBonus = 8

// DefaultRankerConfig returns the baseline weights.
func DefaultRankerConfig() *RankerConfig {
	return &RankerConfig{RepoBonus: DefaultRepoBonus}
}

// Ranker scores candidate spells against a payload and orders them.
// It holds no mutable state; concurrent Rank calls never interfere.
type Ranker struct {
	config *RankerConfig
	scorer Scorer
	logger *zap.Logger

	tracer      trace.Tracer
	meter       metric.Meter
	rankCounter metric.Int64Counter
}

// NewRanker creates a Ranker. A nil config or scorer selects defaults.
func NewRanker(cfg *RankerConfig, scorer Scorer, logger *zap.Logger) *Ranker {
	if cfg == nil {
		cfg = DefaultRankerConfig()
	}
	if scorer == nil {
		scorer = NewKeywordScorer(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Ranker{
		config: cfg,
		scorer: scorer,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	r.initMetrics()
	return r
}

func (r *Ranker) initMetrics() {
	var err error
	r.rankCounter, err = r.meter.Int64Counter(
		"grimoire.match.rankings_total",
		metric.WithDescription("Total number of spell ranking operations"),
		metric.WithUnit("{ranking}"),
	)
	if err != nil {
		r.logger.Warn("failed to create ranking counter", zap.Error(err))
	}
}

// Rank scores every candidate, sorts descending by score with ties
// broken by ascending spell ID, and returns the full ordered result.
// Candidates must already be scoped to the caller's accessible
// repositories. Ranking has no error path: an empty candidate set (or
// an all-zero-score result) is a valid, non-exceptional outcome, and
// callers decide how many top results to use.
func (r *Ranker) Rank(ctx context.Context, payload ErrorPayload, candidates []*spell.Spell) []MatchResult {
	ctx, span := r.tracer.Start(ctx, "match.rank")
	defer span.End()

	payload = Normalize(payload)

	span.SetAttributes(
		attribute.String("error_type", payload.ErrorType),
		attribute.Int("candidate_count", len(candidates)),
	)

	results := make([]MatchResult, 0, len(candidates))
	for _, sp := range candidates {
		score := r.scorer.Score(payload, sp)
		if payload.RepositoryID != "" && sp.RepositoryID == payload.RepositoryID {
			score += r.config.RepoBonus
		}
		results = append(results, MatchResult{SpellID: sp.ID, Score: score})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].SpellID < results[j].SpellID
	})

	if r.rankCounter != nil {
		r.rankCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.Int("result_count", len(results)),
		))
	}

	if len(results) > 0 {
		r.logger.Debug("ranked spells",
			zap.String("error_type", payload.ErrorType),
			zap.Int("candidates", len(candidates)),
			zap.String("top_spell_id", results[0].SpellID),
			zap.Float64("top_score", results[0].Score),
		)
	}

	span.SetAttributes(attribute.Int("result_count", len(results)))
	return results
}
