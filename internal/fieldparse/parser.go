package fieldparse

import (
	"context"
	"log/slog"

	"slabscan/internal/ledger"
	"slabscan/internal/logging"
)

// Parser extracts label fields from OCR text.
type Parser interface {
	Parse(ctx context.Context, text string) (ledger.ExtractedData, error)
}

// Chain runs parsers in order, merging results so earlier parsers win.
// A failing parser is logged and skipped.
type Chain struct {
	parsers []Parser
	logger  *slog.Logger
}

// NewChain builds a chain. Nil parsers are ignored.
func NewChain(logger *slog.Logger, parsers ...Parser) *Chain {
	kept := make([]Parser, 0, len(parsers))
	for _, p := range parsers {
		if p != nil {
			kept = append(kept, p)
		}
	}
	return &Chain{parsers: kept, logger: logging.NewComponentLogger(logger, "fieldparse")}
}

// Parse returns the merged result of all parsers.
func (c *Chain) Parse(ctx context.Context, text string) (ledger.ExtractedData, error) {
	var out ledger.ExtractedData
	for _, p := range c.parsers {
		if complete(out) {
			break
		}
		data, err := p.Parse(ctx, text)
		if err != nil {
			logging.WarnWithContext(logging.WithContext(ctx, c.logger), "field parser failed", "field_parse_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "remaining fields left to later parsers"),
				logging.String(logging.FieldErrorHint, "check parser credentials and OCR text quality"),
			)
			continue
		}
		out = out.Merge(data)
	}
	return out, nil
}

// Complete fills empty fields of data using the chain.
func (c *Chain) Complete(ctx context.Context, data ledger.ExtractedData, text string) ledger.ExtractedData {
	if complete(data) || text == "" {
		return data
	}
	parsed, _ := c.Parse(ctx, text)
	return data.Merge(parsed)
}

func complete(d ledger.ExtractedData) bool {
	return d.PokemonName != "" && d.CardNumber != "" && d.CertNumber != "" && d.Grade != "" && d.Year != ""
}
