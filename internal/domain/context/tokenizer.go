package context

import (
	"unicode/utf8"
)

// Tokenizer estimates the token cost of a string without calling a model.
type Tokenizer interface {
	Count(text string) int
}

// SimpleTokenizer is a character-based estimator: ~4 chars/token for English,
// ~2 chars/token for CJK text, blended by rune class.
type SimpleTokenizer struct {
	charsPerToken float64
}

func NewSimpleTokenizer() *SimpleTokenizer {
	return &SimpleTokenizer{charsPerToken: 4.0}
}

func (t *SimpleTokenizer) Count(text string) int {
	cjk := 0
	for _, r := range text {
		if r >= 0x4E00 && r <= 0x9FFF {
			cjk++
		}
	}
	total := utf8.RuneCountInString(text)
	other := total - cjk
	tokens := float64(cjk)/2.0 + float64(other)/t.charsPerToken
	return int(tokens) + 1
}
