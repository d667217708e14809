package pipelines

import (
	"context"
	"strings"
	"unicode/utf8"
)

// TextCleaner collapses whitespace, drops empty text and caps its length in
// runes.
type TextCleaner struct {
	MaxRunes int
}

func (TextCleaner) Name() string { return "text_cleaner" }

func (c TextCleaner) Process(_ context.Context, text string) (string, bool, error) {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return "", false, nil
	}
	if c.MaxRunes > 0 && utf8.RuneCountInString(text) > c.MaxRunes {
		runes := []rune(text)
		text = string(runes[:c.MaxRunes])
	}
	return text, true, nil
}

// BannedWords drops text containing any of the configured words, or masks
// them when Mask is set. Matching is case-insensitive.
type BannedWords struct {
	words []string
	mask  string
}

func NewBannedWords(words []string, mask string) *BannedWords {
	filter := &BannedWords{mask: mask}
	for _, word := range words {
		if word = strings.ToLower(strings.TrimSpace(word)); word != "" {
			filter.words = append(filter.words, word)
		}
	}
	return filter
}

func (*BannedWords) Name() string { return "banned_words" }

func (b *BannedWords) Process(_ context.Context, text string) (string, bool, error) {
	lower := strings.ToLower(text)
	for _, word := range b.words {
		if !strings.Contains(lower, word) {
			continue
		}
		if b.mask == "" {
			return "", false, nil
		}
		text = replaceFold(text, word, b.mask)
		lower = strings.ToLower(text)
	}
	return text, true, nil
}

// replaceFold replaces every case-insensitive occurrence of word (already
// lower case) in text with a mask of the same rune length.
func replaceFold(text, word, mask string) string {
	var out strings.Builder
	wordRunes := utf8.RuneCountInString(word)
	runes := []rune(text)
	for i := 0; i < len(runes); {
		end := i + wordRunes
		if end <= len(runes) && strings.ToLower(string(runes[i:end])) == word {
			out.WriteString(strings.Repeat(mask, wordRunes))
			i = end
			continue
		}
		out.WriteRune(runes[i])
		i++
	}
	return out.String()
}
