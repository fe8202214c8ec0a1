package nucleus

import "math"

// Code-aware token estimation. Prose averages about four characters per
// token; code and structured text tokenize denser because of punctuation.
const (
	proseCharsPerToken = 4.0
	codeCharsPerToken  = 3.0
	symbolDensityCode  = 0.05
)

var codeSymbols = map[rune]bool{
	'{': true, '}': true, '(': true, ')': true, '[': true, ']': true,
	';': true, ':': true, '=': true, '<': true, '>': true,
	'+': true, '-': true, '*': true, '/': true, '\\': true,
	'"': true, '\'': true, '`': true, '|': true, '&': true,
}

// EstimateTokens returns a character-ratio estimate of the token count of
// text, using a denser ratio when the symbol density looks like code.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	total := 0
	symbols := 0
	for _, r := range text {
		total++
		if codeSymbols[r] {
			symbols++
		}
	}
	ratio := proseCharsPerToken
	if float64(symbols)/float64(total) > symbolDensityCode {
		ratio = codeCharsPerToken
	}
	return int(math.Ceil(float64(total) / ratio))
}
