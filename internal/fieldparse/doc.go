// Package fieldparse turns raw graded-label OCR text into structured
// ExtractedData. RuleParser applies regular expressions for certification
// numbers, grades, years, card numbers and names; GeminiParser asks a
// Gemini model for the same fields as JSON; Chain runs parsers in order and
// only fills fields the earlier parsers left empty.
package fieldparse
