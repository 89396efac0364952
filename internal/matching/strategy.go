package matching

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"

	"slabscan/internal/fieldparse"
	"slabscan/internal/gateway"
	"slabscan/internal/ledger"
)

// Catalog is the catalogue search backend the strategies query.
type Catalog interface {
	SearchCards(ctx context.Context, query gateway.CardQuery) ([]gateway.CatalogCard, error)
}

// Input is what a strategy knows about a scan.
type Input struct {
	Extracted ledger.ExtractedData
	OCRText   string
}

// Strategy produces scored candidates. A strategy whose prerequisites are
// missing returns no candidates and no error.
type Strategy interface {
	Name() ledger.SearchStrategy
	Find(ctx context.Context, catalog Catalog, in Input, limit int) ([]ledger.CardMatch, error)
}

const (
	combinedBase    = 0.95
	formattedBase   = 0.85
	fulltextBase    = 0.65
	pokemonOnlyBase = 0.45
)

var formattedNumber = regexp.MustCompile(`^(?:\d{1,3}\s*/\s*\d{1,3}|#\s*[A-Za-z]{0,3}\d{1,4})$`)

// DefaultStrategies returns the built-in strategies, strictest first.
func DefaultStrategies() []Strategy {
	return []Strategy{
		combinedStrategy{},
		formattedStrategy{},
		fulltextStrategy{},
		pokemonOnlyStrategy{},
	}
}

type combinedStrategy struct{}

func (combinedStrategy) Name() ledger.SearchStrategy { return ledger.StrategyCombined }

func (s combinedStrategy) Find(ctx context.Context, catalog Catalog, in Input, limit int) ([]ledger.CardMatch, error) {
	d := in.Extracted
	if d.PokemonName == "" || d.CardNumber == "" || d.SetName == "" {
		return nil, nil
	}
	cards, err := catalog.SearchCards(ctx, gateway.CardQuery{Name: d.PokemonName, Number: d.CardNumber, SetName: d.SetName, Limit: limit})
	if err != nil {
		return nil, err
	}
	return score(cards, s.Name(), combinedBase, d, []string{"name, number and set agree"}), nil
}

type formattedStrategy struct{}

func (formattedStrategy) Name() ledger.SearchStrategy { return ledger.StrategyFormatted }

func (s formattedStrategy) Find(ctx context.Context, catalog Catalog, in Input, limit int) ([]ledger.CardMatch, error) {
	number := strings.TrimSpace(in.Extracted.CardNumber)
	if !formattedNumber.MatchString(number) {
		return nil, nil
	}
	cards, err := catalog.SearchCards(ctx, gateway.CardQuery{Number: number, Limit: limit})
	if err != nil {
		return nil, err
	}
	return score(cards, s.Name(), formattedBase, in.Extracted, []string{fmt.Sprintf("card number %s", number)}), nil
}

type fulltextStrategy struct{}

func (fulltextStrategy) Name() ledger.SearchStrategy { return ledger.StrategyFulltext }

func (s fulltextStrategy) Find(ctx context.Context, catalog Catalog, in Input, limit int) ([]ledger.CardMatch, error) {
	text := strings.Join(strings.Fields(fieldparse.Fold(in.OCRText)), " ")
	if text == "" {
		return nil, nil
	}
	cards, err := catalog.SearchCards(ctx, gateway.CardQuery{Text: text, Limit: limit})
	if err != nil {
		return nil, err
	}
	return score(cards, s.Name(), fulltextBase, in.Extracted, []string{"OCR text overlaps catalogue entry"}), nil
}

type pokemonOnlyStrategy struct{}

func (pokemonOnlyStrategy) Name() ledger.SearchStrategy { return ledger.StrategyPokemonOnly }

func (s pokemonOnlyStrategy) Find(ctx context.Context, catalog Catalog, in Input, limit int) ([]ledger.CardMatch, error) {
	name := in.Extracted.PokemonName
	if name == "" {
		return nil, nil
	}
	cards, err := catalog.SearchCards(ctx, gateway.CardQuery{Name: name, Limit: limit})
	if err != nil {
		return nil, err
	}
	return score(cards, s.Name(), pokemonOnlyBase, in.Extracted, []string{"name " + name}), nil
}

// score converts catalogue hits into candidates. The strategy base is
// scaled down for each extracted field the card disagrees with.
func score(cards []gateway.CatalogCard, strategy ledger.SearchStrategy, base float64, d ledger.ExtractedData, reasons []string) []ledger.CardMatch {
	out := make([]ledger.CardMatch, 0, len(cards))
	for _, card := range cards {
		confidence := base
		why := append([]string(nil), reasons...)

		if d.Year != "" && card.Year != "" {
			if d.Year == card.Year {
				why = append(why, "year "+card.Year+" matches")
			} else {
				confidence *= 0.85
				why = append(why, fmt.Sprintf("year %s differs from label %s", card.Year, d.Year))
			}
		}
		if d.SetName != "" && card.SetName != "" && strategy != ledger.StrategyCombined {
			if sameText(d.SetName, card.SetName) {
				why = append(why, "set "+card.SetName+" matches")
			} else {
				confidence *= 0.9
			}
		}
		if d.PokemonName != "" && strategy != ledger.StrategyCombined && strategy != ledger.StrategyPokemonOnly {
			if sameText(d.PokemonName, card.Name) {
				why = append(why, "name matches")
			} else {
				confidence *= 0.8
			}
		}

		out = append(out, ledger.CardMatch{
			CardID:         card.CardID,
			CardName:       card.Name,
			CardNumber:     card.Number,
			SetName:        card.SetName,
			SetID:          card.SetID,
			Year:           card.Year,
			Variety:        card.Variety,
			Rarity:         card.Rarity,
			Confidence:     clamp(confidence),
			SearchStrategy: strategy,
			Reasons:        why,
		})
	}
	return out
}

func sameText(a, b string) bool {
	a = strings.ToLower(fieldparse.NormalizeName(a))
	b = strings.ToLower(fieldparse.NormalizeName(b))
	return a != "" && b != "" && (a == b || strings.Contains(a, b) || strings.Contains(b, a))
}

func clamp(v float64) float64 {
	switch {
	case v < 0 || math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
