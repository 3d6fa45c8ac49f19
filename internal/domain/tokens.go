package domain

import (
	"math"
	"unicode/utf16"
)

// charsPerToken is the fixed ratio used by ApproxTokens.
const charsPerToken = 3.5

// ApproxTokens is an approximate token count: the text length in UTF-16
// code units divided by 3.5, rounded up. It is not a tokenizer; clients
// display its output, so the formula must stay stable.
func ApproxTokens(text string) int {
	if text == "" {
		return 0
	}
	n := 0
	for _, r := range text {
		n += utf16.RuneLen(r)
	}
	return int(math.Ceil(float64(n) / charsPerToken))
}
