package match

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/grimoire/internal/spell"
)

func mkSpell(id, errorType string, tags []string, desc string) *spell.Spell {
	return &spell.Spell{
		ID:              id,
		Title:           "spell " + id,
		Description:     desc,
		ErrorType:       errorType,
		ErrorPattern:    "some pattern",
		SolutionCode:    "fix",
		Tags:            tags,
		ConfidenceScore: spell.DefaultConfidence,
	}
}

func TestNormalizeDefaults(t *testing.T) {
	p := Normalize(ErrorPayload{Message: "  boom  ", Context: "\tctx\n"})
	assert.Equal(t, UnknownErrorType, p.ErrorType)
	assert.Equal(t, "boom", p.Message)
	assert.Equal(t, "ctx", p.Context)
}

func TestNormalizePREventContextOrder(t *testing.T) {
	ev := PREvent{
		Repo:     "octo/hello",
		PRNumber: 42,
		Action:   "opened",
		ChangedFiles: []string{
			"a.py", "b.py", "c.py", "d.py", "e.py", "f.py", "g.py",
		},
	}
	p := NormalizePREvent(ev)

	assert.Equal(t, PullRequestErrorType, p.ErrorType)
	assert.Equal(t, "Pull request opened in octo/hello", p.Message)
	// Exactly the first 5 files, then the "+2 more" suffix.
	assert.Equal(t, "octo/hello | PR #42 | opened | a.py | b.py | c.py | d.py | e.py | +2 more", p.Context)
}

func TestNormalizePREventFewFiles(t *testing.T) {
	p := NormalizePREvent(PREvent{
		Repo:         "octo/hello",
		PRNumber:     1,
		Action:       "synchronize",
		ChangedFiles: []string{"main.go"},
	})
	assert.Equal(t, "octo/hello | PR #1 | synchronize | main.go", p.Context)
	assert.NotContains(t, p.Context, "more")
}

func TestKeywordScorerDeterminism(t *testing.T) {
	scorer := NewKeywordScorer(0)
	payload := Normalize(ErrorPayload{
		ErrorType: "TypeError",
		Message:   "cannot read length of undefined",
	})
	sp := mkSpell("s1", "TypeError", []string{"typeerror", "undefined"}, "array access guard")

	first := scorer.Score(payload, sp)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, scorer.Score(payload, sp))
	}
	assert.GreaterOrEqual(t, first, 0.0)
}

func TestKeywordScorerTypeBonusAndOverlap(t *testing.T) {
	scorer := NewKeywordScorer(5)
	payload := Normalize(ErrorPayload{
		ErrorType: "TypeError",
		Message:   "cannot read length of undefined",
		Context:   "",
	})

	matching := mkSpell("s1", "TypeError", []string{"typeerror", "undefined"}, "")
	unrelated := mkSpell("s2", "SyntaxError", []string{"parser"}, "unexpected token")

	assert.Greater(t, scorer.Score(payload, matching), scorer.Score(payload, unrelated))
}

func TestKeywordScorerToleratesEmptySpellFields(t *testing.T) {
	scorer := NewKeywordScorer(0)
	payload := Normalize(ErrorPayload{ErrorType: "TypeError", Message: "boom"})
	sp := &spell.Spell{ID: "s1", ErrorPattern: "boom", SolutionCode: "x", Title: "t"}

	assert.NotPanics(t, func() { scorer.Score(payload, sp) })
	assert.Greater(t, scorer.Score(payload, sp), 0.0)
}

func TestRankOrderingAndCompleteness(t *testing.T) {
	ranker := NewRanker(nil, nil, nil)
	payload := ErrorPayload{ErrorType: "TypeError", Message: "cannot read length of undefined"}

	candidates := []*spell.Spell{
		mkSpell("s3", "SyntaxError", nil, ""),
		mkSpell("s1", "TypeError", []string{"undefined"}, ""),
		mkSpell("s2", "TypeError", []string{"undefined"}, ""),
	}

	results := ranker.Rank(context.Background(), payload, candidates)
	require.Len(t, results, 3)

	// Sorted descending by score; equal scores ascending by spell ID.
	for i := 1; i < len(results); i++ {
		if results[i-1].Score == results[i].Score {
			assert.Less(t, results[i-1].SpellID, results[i].SpellID)
		} else {
			assert.Greater(t, results[i-1].Score, results[i].Score)
		}
	}

	// Each input id exactly once.
	seen := map[string]int{}
	for _, r := range results {
		seen[r.SpellID]++
	}
	assert.Equal(t, map[string]int{"s1": 1, "s2": 1, "s3": 1}, seen)

	// s1 and s2 are identical spells: tie broken by ascending id.
	assert.Equal(t, "s1", results[0].SpellID)
	assert.Equal(t, "s2", results[1].SpellID)
	assert.Equal(t, "s3", results[2].SpellID)
}

func TestRankEmptyCandidates(t *testing.T) {
	ranker := NewRanker(nil, nil, nil)
	results := ranker.Rank(context.Background(), ErrorPayload{Message: "boom"}, nil)
	assert.Empty(t, results)
}

func TestRankScenarioTypeErrorBeatsSyntaxError(t *testing.T) {
	ranker := NewRanker(nil, nil, nil)
	payload := ErrorPayload{
		ErrorType: "TypeError",
		Message:   "cannot read length of undefined",
		Context:   "",
	}

	typeSpell := mkSpell("a-type", "TypeError", []string{"typeerror", "undefined"}, "")
	syntaxSpell := mkSpell("b-syntax", "SyntaxError", nil, "")

	results := ranker.Rank(context.Background(), payload, []*spell.Spell{syntaxSpell, typeSpell})
	require.Len(t, results, 2)
	assert.Equal(t, "a-type", results[0].SpellID)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestRankRepositoryLocalityBonus(t *testing.T) {
	ranker := NewRanker(DefaultRankerConfig(), NewKeywordScorer(DefaultTypeBonus), nil)
	payload := ErrorPayload{
		ErrorType:    "TypeError",
		Message:      "cannot read length of undefined",
		RepositoryID: "repo-local",
	}

	// Same error type but foreign repository vs. same repository with a
	// non-matching type: locality must win because RepoBonus >= TypeBonus.
	foreign := mkSpell("s-foreign", "TypeError", nil, "")
	foreign.RepositoryID = "repo-other"
	local := mkSpell("s-local", "ValueError", nil, "")
	local.RepositoryID = "repo-local"

	results := ranker.Rank(context.Background(), payload, []*spell.Spell{foreign, local})
	require.Len(t, results, 2)
	assert.Equal(t, "s-local", results[0].SpellID)
}

func TestRankDeterministicAcrossCalls(t *testing.T) {
	ranker := NewRanker(nil, nil, nil)
	payload := ErrorPayload{ErrorType: "TypeError", Message: "undefined is not a function"}

	var candidates []*spell.Spell
	for i := 0; i < 20; i++ {
		candidates = append(candidates, mkSpell(fmt.Sprintf("s%02d", i), "TypeError", []string{"undefined"}, ""))
	}

	first := ranker.Rank(context.Background(), payload, candidates)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, ranker.Rank(context.Background(), payload, candidates))
	}
}
