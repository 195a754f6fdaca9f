package match

import (
	"strings"

	"github.com/fyrsmithlabs/grimoire/internal/spell"
)

// Scorer computes a relevance score between a normalized payload and a
// candidate spell. Implementations must be pure, deterministic, total
// functions over their inputs returning a non-negative number, higher
// meaning more relevant, and must tolerate spells with empty tags or
// descriptions. This is the single substitution point for a future
// embedding-based cosine-similarity implementation.
type Scorer interface {
	Score(payload ErrorPayload, sp *spell.Spell) float64
}

// KeywordScorer is the baseline word-overlap scorer. The score is the
// size of the intersection between the payload's and the spell's
// lowercase token sets, plus TypeBonus when the error types match
// case-insensitively. Integer-valued scores make ties common; the
// ranker's ordering rules resolve them deterministically.
type KeywordScorer struct {
	// TypeBonus is added on an exact (case-insensitive) error-type
	// match. Defaults to 5 when zero-valued via NewKeywordScorer.
	TypeBonus float64
}

// DefaultTypeBonus is the baseline same-error-type bonus.
const DefaultTypeBonus = 5

// NewKeywordScorer returns a KeywordScorer with the given type bonus,
// substituting DefaultTypeBonus when bonus is <= 0.
func NewKeywordScorer(bonus float64) *KeywordScorer {
	if bonus <= 0 {
		bonus = DefaultTypeBonus
	}
	return &KeywordScorer{TypeBonus: bonus}
}

// Score implements Scorer.
func (k *KeywordScorer) Score(payload ErrorPayload, sp *spell.Spell) float64 {
	payloadTokens := tokenSet(payload.Message + " " + payload.Context)
	spellTokens := tokenSet(sp.ErrorPattern + " " + sp.Description + " " + strings.Join(sp.Tags, " "))

	score := 0.0
	for tok := range payloadTokens {
		if spellTokens[tok] {
			score++
		}
	}

	if payload.ErrorType != "" && strings.EqualFold(payload.ErrorType, sp.ErrorType) {
		score += k.TypeBonus
	}

	return score
}

// tokenSet splits text into a set of lowercase words, stripping
// punctuation. Underscores are kept so identifiers survive intact.
func tokenSet(text string) map[string]bool {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !isWordRune(r)
	})

	set := make(map[string]bool, len(tokens))
	for _, tok := range tokens {
		set[tok] = true
	}
	return set
}

func isWordRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' ||
		(r >= 'A' && r <= 'Z')
}
