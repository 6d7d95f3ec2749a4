package index

import (
	"regexp"
	"strings"
	"unicode"
)

// wordPattern matches letter/digit runs, underscores included so
// identifiers survive the first split.
var wordPattern = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// Tokenize splits text into lowercased index terms. Compound
// identifiers (camelCase, snake_case) common in technical documents are
// split into their parts so queries match either form. Tokens shorter
// than minLength are dropped.
func Tokenize(text string, minLength int) []string {
	var tokens []string
	for _, word := range wordPattern.FindAllString(text, -1) {
		for _, part := range splitCompound(word) {
			lower := strings.ToLower(part)
			if len(lower) >= minLength {
				tokens = append(tokens, lower)
			}
		}
	}
	return tokens
}

// splitCompound splits snake_case and camelCase identifiers.
func splitCompound(token string) []string {
	if strings.Contains(token, "_") {
		var result []string
		for _, part := range strings.Split(token, "_") {
			if part != "" {
				result = append(result, splitCamel(part)...)
			}
		}
		return result
	}
	return splitCamel(token)
}

// splitCamel splits camelCase and PascalCase, keeping acronyms whole:
// "parseHTTPRequest" becomes ["parse", "HTTP", "Request"].
func splitCamel(s string) []string {
	if s == "" {
		return nil
	}

	var result []string
	var current strings.Builder

	runes := []rune(s)
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prevIsLower := unicode.IsLower(runes[i-1])
			nextIsLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if prevIsLower || nextIsLower {
				if current.Len() > 0 {
					result = append(result, current.String())
					current.Reset()
				}
			}
		}
		current.WriteRune(r)
	}
	if current.Len() > 0 {
		result = append(result, current.String())
	}
	return result
}

// buildStopWordMap converts a stop word list to a lookup set.
func buildStopWordMap(stopWords []string) map[string]struct{} {
	m := make(map[string]struct{}, len(stopWords))
	for _, word := range stopWords {
		m[strings.ToLower(word)] = struct{}{}
	}
	return m
}
