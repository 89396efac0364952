package fieldparse

import (
	"context"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"slabscan/internal/ledger"
)

var (
	certPattern     = regexp.MustCompile(`\b(\d{8,9})\b`)
	gradePattern    = regexp.MustCompile(`(?i)\b(GEM\s*MT|GEM\s*MINT|MINT|NM-MT|NM|EX-MT|EX|VG-EX|VG|GOOD|FAIR|PR)\s+(10|[1-9](?:\.5)?)\b`)
	authenticGrade  = regexp.MustCompile(`(?i)\bAUTHENTIC\b`)
	psaGradePattern = regexp.MustCompile(`(?i)\bPSA\s*(10|[1-9](?:\.5)?)\b`)
	yearPattern     = regexp.MustCompile(`\b(19[5-9]\d|20[0-4]\d)\b`)
	slashNumber     = regexp.MustCompile(`\b(\d{1,3})\s*/\s*(\d{1,3})\b`)
	hashNumber      = regexp.MustCompile(`#\s*([A-Za-z]{0,3}\d{1,4})\b`)
	varietySuffix   = regexp.MustCompile(`(?i)[-\s]+(HOLO|REV\.?\s*HOLO|REVERSE\s*HOLO|1ST\s*EDITION|SHADOWLESS|PROMO)\b.*$`)
)

var stopWords = map[string]struct{}{
	"POKEMON": {}, "P.M.": {}, "JAPANESE": {}, "ENGLISH": {}, "GAME": {}, "PSA": {}, "CGC": {}, "BGS": {},
	"HOLO": {}, "CERT": {}, "EDITION": {}, "SHADOWLESS": {}, "PROMO": {}, "AUTHENTIC": {},
}

// RuleParser extracts fields with regular expressions. It never fails.
type RuleParser struct{}

// Parse implements Parser.
func (RuleParser) Parse(_ context.Context, text string) (ledger.ExtractedData, error) {
	return ParseRules(text), nil
}

// ParseRules extracts label fields from OCR text.
func ParseRules(text string) ledger.ExtractedData {
	clean := Fold(text)
	var out ledger.ExtractedData
	found := 0

	if m := certPattern.FindStringSubmatch(clean); m != nil {
		out.CertNumber = m[1]
		found++
	}
	if m := psaGradePattern.FindStringSubmatch(clean); m != nil {
		out.Grade = m[1]
		found++
	} else if m := gradePattern.FindStringSubmatch(clean); m != nil {
		out.Grade = m[2]
		found++
	} else if authenticGrade.MatchString(clean) {
		out.Grade = "Authentic"
		found++
	}
	if m := yearPattern.FindStringSubmatch(clean); m != nil {
		out.Year = m[1]
		found++
	}

	numberLine := ""
	if m := slashNumber.FindStringSubmatch(clean); m != nil {
		out.CardNumber = m[1] + "/" + m[2]
		numberLine = lineContaining(clean, m[0])
		found++
	} else if loc := hashNumber.FindStringSubmatchIndex(clean); loc != nil {
		out.CardNumber = "#" + strings.ToUpper(clean[loc[2]:loc[3]])
		numberLine = lineContaining(clean, clean[loc[0]:loc[1]])
		found++
	}

	if name := extractName(clean, numberLine); name != "" {
		out.PokemonName = name
		found++
	}
	if set := extractSet(clean, out.Year); set != "" {
		out.SetName = set
	}

	out.Confidence = float64(found) / 5.0
	if out.Confidence > 1 {
		out.Confidence = 1
	}
	return out
}

func lineContaining(text, needle string) string {
	for _, line := range strings.Split(text, "\n") {
		if strings.Contains(line, needle) {
			return line
		}
	}
	return ""
}

// extractName takes the words after the card number on its line, or the
// first wordy line that carries no digits.
func extractName(text, numberLine string) string {
	if numberLine != "" {
		rest := ""
		if loc := hashNumber.FindStringIndex(numberLine); loc != nil {
			rest = numberLine[loc[1]:]
		} else if loc := slashNumber.FindStringIndex(numberLine); loc != nil {
			rest = numberLine[loc[1]:]
		}
		if name := nameCandidate(rest); name != "" {
			return name
		}
	}
	for _, line := range strings.Split(text, "\n") {
		if strings.IndexFunc(line, unicode.IsDigit) >= 0 {
			continue
		}
		if name := nameCandidate(line); name != "" {
			return name
		}
	}
	return ""
}

func nameCandidate(fragment string) string {
	fragment = gradePattern.ReplaceAllString(fragment, "")
	fragment = varietySuffix.ReplaceAllString(fragment, "")
	var words []string
	for _, word := range strings.Fields(fragment) {
		if strings.IndexFunc(word, unicode.IsDigit) >= 0 {
			continue
		}
		if _, stop := stopWords[strings.ToUpper(word)]; stop {
			continue
		}
		words = append(words, word)
	}
	if len(words) == 0 || len(words) > 4 {
		return ""
	}
	return NormalizeName(strings.Join(words, " "))
}

// extractSet reads the words between the year and the card number on the
// first line, the usual position of the set on graded labels.
func extractSet(text, year string) string {
	if year == "" {
		return ""
	}
	line := lineContaining(text, year)
	idx := strings.Index(line, year)
	rest := line[idx+len(year):]
	if cut := strings.IndexAny(rest, "#"); cut >= 0 {
		rest = rest[:cut]
	} else if loc := slashNumber.FindStringIndex(rest); loc != nil {
		rest = rest[:loc[0]]
	}
	var words []string
	for _, word := range strings.Fields(rest) {
		upper := strings.ToUpper(word)
		if upper == "POKEMON" || upper == "P.M." || strings.IndexFunc(word, unicode.IsDigit) >= 0 {
			continue
		}
		words = append(words, word)
	}
	if len(words) == 0 {
		return ""
	}
	return NormalizeName(strings.Join(words, " "))
}

// Fold strips diacritics so "POKÉMON" and "POKEMON" compare equal.
func Fold(text string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, text)
	if err != nil {
		return text
	}
	return out
}

// NormalizeName folds accents, collapses whitespace and title-cases a name.
func NormalizeName(name string) string {
	name = strings.Join(strings.Fields(Fold(name)), " ")
	if name == "" {
		return ""
	}
	// Casers carry state, so each call builds its own.
	return cases.Title(language.Und).String(strings.ToLower(name))
}
