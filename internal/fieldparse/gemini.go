package fieldparse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"slabscan/internal/config"
	"slabscan/internal/ledger"
	"slabscan/internal/services"
)

const geminiPrompt = `You read OCR text from the label of a graded Pokemon trading card.
Return only a JSON object with these string keys: pokemonName, cardNumber, certNumber, grade, year, setName,
and a numeric key confidence between 0 and 1. Use an empty string for any field you cannot read.
cardNumber keeps the label's form (for example "025/102" or "#58"). grade is the numeric grade or "Authentic".

OCR text:
`

// contentGenerator is the part of *genai.GenerativeModel the parser uses.
type contentGenerator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// GeminiParser asks a Gemini model for label fields.
type GeminiParser struct {
	client *genai.Client
	model  contentGenerator
}

// NewGeminiParser creates a parser from config. It returns nil, nil when
// Gemini is disabled.
func NewGeminiParser(ctx context.Context, cfg *config.Config) (*GeminiParser, error) {
	if cfg == nil || !cfg.Gemini.Enabled {
		return nil, nil
	}
	if strings.TrimSpace(cfg.Gemini.APIKey) == "" {
		return nil, services.Wrap(services.ErrConfiguration, "fieldparse", "gemini", "gemini.api_key or GEMINI_API_KEY required", nil)
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.Gemini.APIKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	model := client.GenerativeModel(cfg.Gemini.Model)
	model.SetTemperature(0)
	model.ResponseMIMEType = "application/json"
	return &GeminiParser{client: client, model: model}, nil
}

// Close releases the underlying client.
func (g *GeminiParser) Close() error {
	if g == nil || g.client == nil {
		return nil
	}
	return g.client.Close()
}

// Parse implements Parser.
func (g *GeminiParser) Parse(ctx context.Context, text string) (ledger.ExtractedData, error) {
	var out ledger.ExtractedData
	if strings.TrimSpace(text) == "" {
		return out, services.Wrap(services.ErrValidation, "fieldparse", "gemini", "empty OCR text", nil)
	}
	resp, err := g.model.GenerateContent(ctx, genai.Text(geminiPrompt+text))
	if err != nil {
		return out, services.Wrap(services.ErrRemote, "fieldparse", "gemini", "generate content", err)
	}
	raw, err := firstText(resp)
	if err != nil {
		return out, services.Wrap(services.ErrRemote, "fieldparse", "gemini", "read response", err)
	}
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &out); err != nil {
		return ledger.ExtractedData{}, services.Wrap(services.ErrRemote, "fieldparse", "gemini", "decode fields", err)
	}
	out.PokemonName = NormalizeName(out.PokemonName)
	out.SetName = NormalizeName(out.SetName)
	out.CardNumber = strings.TrimSpace(out.CardNumber)
	out.CertNumber = strings.TrimSpace(out.CertNumber)
	out.Grade = strings.TrimSpace(out.Grade)
	out.Year = strings.TrimSpace(out.Year)
	if out.Confidence < 0 {
		out.Confidence = 0
	}
	if out.Confidence > 1 {
		out.Confidence = 1
	}
	return out, nil
}

func firstText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", errors.New("no candidates returned")
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", errors.New("empty content returned")
	}
	if txt, ok := candidate.Content.Parts[0].(genai.Text); ok {
		return string(txt), nil
	}
	return "", errors.New("unexpected response format")
}

func stripCodeFence(value string) string {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "```") {
		return value
	}
	value = strings.TrimPrefix(value, "```")
	value = strings.TrimPrefix(value, "json")
	value = strings.TrimSuffix(strings.TrimSpace(value), "```")
	return strings.TrimSpace(value)
}
