package matching_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slabscan/internal/gateway"
	"slabscan/internal/ledger"
	"slabscan/internal/matching"
	"slabscan/internal/testsupport"
)

func defaultOptions() matching.Options {
	return matching.Options{AutoAcceptThreshold: 0.85, TieEpsilon: 0.05, MaxCandidates: 25}
}

func catalog() *testsupport.FakeGateway {
	return &testsupport.FakeGateway{Cards: []gateway.CatalogCard{
		{CardID: "base1-58", Name: "Pikachu", Number: "58/102", SetID: "base1", SetName: "Base Set", Year: "1999"},
		{CardID: "jungle-60", Name: "Pikachu", Number: "60/64", SetID: "jungle", SetName: "Jungle", Year: "1999"},
		{CardID: "base1-4", Name: "Charizard", Number: "4/102", SetID: "base1", SetName: "Base Set", Year: "1999"},
		{CardID: "base2-4", Name: "Charizard", Number: "4/130", SetID: "base2", SetName: "Base Set 2", Year: "2000"},
	}}
}

func TestMatchCombinedResolves(t *testing.T) {
	engine := matching.NewEngine(catalog(), defaultOptions())
	result, err := engine.Match(context.Background(), matching.Input{
		Extracted: ledger.ExtractedData{PokemonName: "Pikachu", CardNumber: "58/102", SetName: "Base Set", Year: "1999"},
		OCRText:   "1999 POKEMON BASE SET 58/102 PIKACHU",
	})
	require.NoError(t, err)
	require.True(t, result.Resolved, "reason: %s", result.ReviewReason)

	top, ok := result.Top()
	require.True(t, ok)
	assert.Equal(t, "base1-58", top.CardID)
	assert.Equal(t, ledger.StrategyCombined, top.SearchStrategy)
	assert.InDelta(t, 0.95, top.Confidence, 1e-9)
	assert.Empty(t, result.NearCandidates)

	// base1-58 is found by several strategies; it must appear once.
	seen := 0
	for _, m := range result.Matches {
		if m.CardID == "base1-58" {
			seen++
		}
	}
	assert.Equal(t, 1, seen)
	require.NotEmpty(t, result.Sets)
	assert.Equal(t, "base1", result.Sets[0].SetID)
}

func TestMatchAmbiguousNeedsReview(t *testing.T) {
	engine := matching.NewEngine(catalog(), defaultOptions())
	result, err := engine.Match(context.Background(), matching.Input{
		Extracted: ledger.ExtractedData{PokemonName: "Charizard"},
	})
	require.NoError(t, err)
	assert.False(t, result.Resolved)
	assert.False(t, result.NoMatch)
	require.Len(t, result.NearCandidates, 2)
	assert.NotEmpty(t, result.ReviewReason)
}

func TestMatchNoCandidatesIsOutcome(t *testing.T) {
	engine := matching.NewEngine(catalog(), defaultOptions())
	result, err := engine.Match(context.Background(), matching.Input{
		Extracted: ledger.ExtractedData{PokemonName: "Missingno"},
	})
	require.NoError(t, err)
	assert.True(t, result.NoMatch)
	assert.False(t, result.Resolved)
}

type failingStrategy struct{ name ledger.SearchStrategy }

func (f failingStrategy) Name() ledger.SearchStrategy { return f.name }

func (f failingStrategy) Find(context.Context, matching.Catalog, matching.Input, int) ([]ledger.CardMatch, error) {
	return nil, errors.New("backend unavailable")
}

type fixedStrategy struct {
	name    ledger.SearchStrategy
	matches []ledger.CardMatch
}

func (f fixedStrategy) Name() ledger.SearchStrategy { return f.name }

func (f fixedStrategy) Find(context.Context, matching.Catalog, matching.Input, int) ([]ledger.CardMatch, error) {
	return f.matches, nil
}

func TestMatchIsolatesStrategyFailures(t *testing.T) {
	engine := matching.NewEngine(catalog(), defaultOptions(), matching.WithStrategies(
		failingStrategy{name: ledger.StrategyCombined},
		fixedStrategy{name: ledger.StrategyFulltext, matches: []ledger.CardMatch{{CardID: "x", Confidence: 0.6, SearchStrategy: ledger.StrategyFulltext}}},
	))
	result, err := engine.Match(context.Background(), matching.Input{})
	require.NoError(t, err)
	require.Len(t, result.Matches, 1)
	assert.Contains(t, result.StrategyErrors, ledger.StrategyCombined)
}

func TestMatchAllStrategiesFailing(t *testing.T) {
	engine := matching.NewEngine(catalog(), defaultOptions(), matching.WithStrategies(
		failingStrategy{name: ledger.StrategyCombined},
		failingStrategy{name: ledger.StrategyFulltext},
	))
	_, err := engine.Match(context.Background(), matching.Input{})
	require.Error(t, err)
}

func TestMergeKeepsHighestAndBreaksTiesByStrategy(t *testing.T) {
	merged := matching.Merge([]ledger.CardMatch{
		{CardID: "a", Confidence: 0.65, SearchStrategy: ledger.StrategyFulltext, Reasons: []string{"text"}},
		{CardID: "b", Confidence: 0.85, SearchStrategy: ledger.StrategyFulltext},
		{CardID: "a", Confidence: 0.85, SearchStrategy: ledger.StrategyFormatted, Reasons: []string{"number"}},
		{CardID: "c", Confidence: 0.85, SearchStrategy: ledger.StrategyFulltext},
		{CardID: "b", Confidence: 0.85, SearchStrategy: ledger.StrategyCombined},
	})
	require.Len(t, merged, 3)
	// b upgraded to combined at 0.85 ranks first, then a (formatted), then c.
	assert.Equal(t, []string{"b", "a", "c"}, []string{merged[0].CardID, merged[1].CardID, merged[2].CardID})
	assert.Equal(t, ledger.StrategyCombined, merged[0].SearchStrategy)
	assert.Equal(t, []string{"number"}, merged[1].Reasons)
}

func TestMergeStableByDiscoveryOrder(t *testing.T) {
	merged := matching.Merge([]ledger.CardMatch{
		{CardID: "z", Confidence: 0.5, SearchStrategy: ledger.StrategyManual},
		{CardID: "y", Confidence: 0.5, SearchStrategy: ledger.StrategyManual},
		{CardID: "x", Confidence: 0.5, SearchStrategy: ledger.StrategyManual},
	})
	assert.Equal(t, "z", merged[0].CardID)
	assert.Equal(t, "y", merged[1].CardID)
	assert.Equal(t, "x", merged[2].CardID)
}

func TestGroupSetsUsesMaxAndCount(t *testing.T) {
	sets := matching.GroupSets([]ledger.CardMatch{
		{CardID: "1", SetID: "s1", SetName: "One", Confidence: 0.9, SearchStrategy: ledger.StrategyFormatted},
		{CardID: "2", SetID: "s2", SetName: "Two", Confidence: 0.8, SearchStrategy: ledger.StrategyFulltext},
		{CardID: "3", SetID: "s1", SetName: "One", Confidence: 0.5, SearchStrategy: ledger.StrategyPokemonOnly},
		{CardID: "4", SetName: "Loose", Confidence: 0.4, SearchStrategy: ledger.StrategyPokemonOnly},
	})
	require.Len(t, sets, 3)
	assert.Equal(t, "s1", sets[0].SetID)
	assert.Equal(t, 2, sets[0].MatchingCardsCount)
	assert.InDelta(t, 0.9, sets[0].Confidence, 1e-9)
	assert.Equal(t, "Loose", sets[2].SetName)
}

func TestRankScenarioTwoCandidatesWithinEpsilon(t *testing.T) {
	engine := matching.NewEngine(nil, defaultOptions())
	result := engine.Rank([]ledger.CardMatch{
		{CardID: "A", Confidence: 0.90, SearchStrategy: ledger.StrategyFormatted},
		{CardID: "B", Confidence: 0.88, SearchStrategy: ledger.StrategyFormatted},
	})
	assert.False(t, result.Resolved)
	require.Len(t, result.NearCandidates, 2)
	assert.Equal(t, "A", result.NearCandidates[0].CardID)
	assert.Equal(t, "B", result.NearCandidates[1].CardID)
}

func TestRankGapExactlyEpsilonIsNotResolved(t *testing.T) {
	engine := matching.NewEngine(nil, defaultOptions())
	result := engine.Rank([]ledger.CardMatch{
		{CardID: "A", Confidence: 0.95, SearchStrategy: ledger.StrategyCombined},
		{CardID: "B", Confidence: 0.90, SearchStrategy: ledger.StrategyFormatted},
	})
	assert.False(t, result.Resolved)

	result = engine.Rank([]ledger.CardMatch{
		{CardID: "A", Confidence: 0.95, SearchStrategy: ledger.StrategyCombined},
		{CardID: "B", Confidence: 0.80, SearchStrategy: ledger.StrategyFormatted},
	})
	assert.True(t, result.Resolved)
}

func TestRankClampsOutOfRangeConfidence(t *testing.T) {
	engine := matching.NewEngine(nil, defaultOptions())
	result := engine.Rank([]ledger.CardMatch{
		{CardID: "low", Confidence: -0.2, SearchStrategy: ledger.StrategyFulltext},
		{CardID: "high", Confidence: 1.3, SearchStrategy: ledger.StrategyFormatted},
		{CardID: "dup", Confidence: 0.5, SearchStrategy: ledger.StrategyFulltext},
		{CardID: "dup", Confidence: 7, SearchStrategy: ledger.StrategyFulltext},
	})
	require.Len(t, result.Matches, 3)
	for _, m := range result.Matches {
		assert.GreaterOrEqual(t, m.Confidence, 0.0, m.CardID)
		assert.LessOrEqual(t, m.Confidence, 1.0, m.CardID)
	}
	assert.Equal(t, "high", result.Matches[0].CardID)
	assert.Equal(t, 1.0, result.Matches[0].Confidence)
	// Both clamp to 1; the tie is broken by strictness.
	assert.Equal(t, "dup", result.Matches[1].CardID)
	assert.Equal(t, 0.0, result.Matches[2].Confidence)
	assert.False(t, result.Resolved)
	for _, set := range result.Sets {
		assert.LessOrEqual(t, set.Confidence, 1.0)
	}
}

func TestRankBelowThreshold(t *testing.T) {
	engine := matching.NewEngine(nil, defaultOptions())
	result := engine.Rank([]ledger.CardMatch{{CardID: "A", Confidence: 0.6, SearchStrategy: ledger.StrategyFulltext}})
	assert.False(t, result.Resolved)
	assert.Contains(t, result.ReviewReason, "below threshold")
}

func TestFilterBySet(t *testing.T) {
	matches := []ledger.CardMatch{
		{CardID: "1", SetID: "s1"},
		{CardID: "2", SetID: "s2"},
		{CardID: "3", SetID: "s1"},
	}
	filtered := matching.FilterBySet(matches, ledger.SetRecommendation{SetID: "s1"})
	require.Len(t, filtered, 2)
	assert.Equal(t, "1", filtered[0].CardID)
	assert.Equal(t, "3", filtered[1].CardID)
}
