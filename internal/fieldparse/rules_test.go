package fieldparse

import (
	"context"
	"errors"
	"testing"

	"github.com/google/generative-ai-go/genai"

	"slabscan/internal/ledger"
)

func TestParseRulesGradedLabel(t *testing.T) {
	text := "1999 POKEMON GAME #58\nPIKACHU-HOLO\nGEM MT 10\n12345678"
	got := ParseRules(text)
	want := ledger.ExtractedData{
		PokemonName: "Pikachu",
		CardNumber:  "#58",
		CertNumber:  "12345678",
		Grade:       "10",
		Year:        "1999",
		SetName:     "Game",
	}
	got.Confidence = 0
	if got != want {
		t.Fatalf("ParseRules = %#v, want %#v", got, want)
	}
}

func TestParseRulesSlashNumberAndAccents(t *testing.T) {
	got := ParseRules("2016 POKÉMON XY EVOLUTIONS 011/108\nCHARIZARD\nPSA 9\n987654321")
	if got.CardNumber != "011/108" {
		t.Fatalf("card number = %q", got.CardNumber)
	}
	if got.PokemonName != "Charizard" {
		t.Fatalf("name = %q", got.PokemonName)
	}
	if got.Grade != "9" || got.CertNumber != "987654321" || got.Year != "2016" {
		t.Fatalf("unexpected fields %#v", got)
	}
	if got.SetName != "Xy Evolutions" {
		t.Fatalf("set = %q", got.SetName)
	}
}

func TestParseRulesEmptyText(t *testing.T) {
	got := ParseRules("")
	if !got.Empty() || got.Confidence != 0 {
		t.Fatalf("expected empty result, got %#v", got)
	}
}

func TestNormalizeName(t *testing.T) {
	cases := map[string]string{
		"  MR.   MIME ": "Mr. Mime",
		"flabébé":       "Flabebe",
		"":              "",
	}
	for in, want := range cases {
		if got := NormalizeName(in); got != want {
			t.Fatalf("NormalizeName(%q) = %q, want %q", in, got, want)
		}
	}
}

type fakeGenerator struct {
	text string
	err  error
}

func (f fakeGenerator) GenerateContent(context.Context, ...genai.Part) (*genai.GenerateContentResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: &genai.Content{Parts: []genai.Part{genai.Text(f.text)}}}},
	}, nil
}

func TestGeminiParserDecodesFencedJSON(t *testing.T) {
	parser := &GeminiParser{model: fakeGenerator{text: "```json\n{\"pokemonName\":\"PIKACHU\",\"cardNumber\":\"58/102\",\"setName\":\"base set\",\"confidence\":1.4}\n```"}}
	got, err := parser.Parse(context.Background(), "some text")
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if got.PokemonName != "Pikachu" || got.CardNumber != "58/102" || got.SetName != "Base Set" || got.Confidence != 1 {
		t.Fatalf("unexpected result %#v", got)
	}
}

func TestChainFillsOnlyMissingFields(t *testing.T) {
	gemini := &GeminiParser{model: fakeGenerator{text: `{"pokemonName":"Raichu","setName":"Base Set","cardNumber":"14/102","confidence":0.7}`}}
	chain := NewChain(nil, RuleParser{}, gemini)
	got, err := chain.Parse(context.Background(), "1999 POKEMON GAME #58\nPIKACHU-HOLO\nGEM MT 10\n12345678")
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if got.PokemonName != "Pikachu" || got.CardNumber != "#58" {
		t.Fatalf("rule results must win, got %#v", got)
	}
	if got.SetName != "Game" {
		t.Fatalf("set from rules expected, got %q", got.SetName)
	}
}

func TestChainSkipsFailingParser(t *testing.T) {
	failing := &GeminiParser{model: fakeGenerator{err: errors.New("quota exceeded")}}
	chain := NewChain(nil, failing, RuleParser{})
	got, err := chain.Parse(context.Background(), "2000 POKEMON NEO #9\nLUGIA-HOLO\nMINT 9")
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if got.PokemonName != "Lugia" || got.Grade != "9" {
		t.Fatalf("unexpected result %#v", got)
	}
}

func TestChainCompleteKeepsExisting(t *testing.T) {
	chain := NewChain(nil, RuleParser{})
	existing := ledger.ExtractedData{PokemonName: "Mew", Confidence: 0.8}
	got := chain.Complete(context.Background(), existing, "1999 POKEMON GAME #58\nPIKACHU-HOLO\nGEM MT 10\n12345678")
	if got.PokemonName != "Mew" || got.CertNumber != "12345678" {
		t.Fatalf("unexpected completion %#v", got)
	}
}
