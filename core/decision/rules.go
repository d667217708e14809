package decision

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/koscakluka/ema-live/core/intents"
)

// LexiconEntry lists keywords signalling one emotion.
type LexiconEntry struct {
	Emotion  intents.Emotion `yaml:"emotion"`
	Keywords []string        `yaml:"keywords"`
}

// Lexicon is the keyword table of the rule engine. Earlier entries win ties.
type Lexicon []LexiconEntry

// Validate rejects entries with an unknown emotion or no keywords.
func (l Lexicon) Validate() error {
	for _, entry := range l {
		if !entry.Emotion.Valid() {
			return fmt.Errorf("lexicon: unknown emotion %q", entry.Emotion)
		}
		if len(entry.Keywords) == 0 {
			return fmt.Errorf("lexicon: %s has no keywords", entry.Emotion)
		}
	}
	return nil
}

// DefaultLexicon returns the built-in Chinese and English keyword table.
func DefaultLexicon() Lexicon {
	return Lexicon{
		{Emotion: intents.EmotionHappy, Keywords: []string{
			"哈哈", "嘿嘿", "开心", "高兴", "快乐", "笑死", "好耶", "太棒",
			"haha", "hahaha", "lol", "lmao", "happy", "glad", "awesome", "yay", "😂", "😄",
		}},
		{Emotion: intents.EmotionLove, Keywords: []string{
			"喜欢", "爱你", "么么哒", "比心", "贴贴", "老婆",
			"love", "cute", "adorable", "<3", "❤", "😍",
		}},
		{Emotion: intents.EmotionSad, Keywords: []string{
			"难过", "伤心", "呜呜", "哭了", "心疼", "可怜", "失望",
			"sad", "cry", "crying", "unhappy", "miss you", "😢", "😭",
		}},
		{Emotion: intents.EmotionAngry, Keywords: []string{
			"生气", "愤怒", "气死", "烦死", "讨厌", "滚",
			"angry", "mad", "hate", "annoying", "furious", "😡",
		}},
		{Emotion: intents.EmotionSurprised, Keywords: []string{
			"哇", "天哪", "居然", "竟然", "真的假的", "卧槽",
			"wow", "omg", "whoa", "no way", "really?", "😮", "😱",
		}},
	}
}

// RuleEngine maps text to an emotion by keyword counting. It is the
// deterministic fallback of the intent parser.
type RuleEngine struct {
	lexicon Lexicon
}

func NewRuleEngine(lexicon Lexicon) *RuleEngine {
	normalized := make(Lexicon, 0, len(lexicon))
	for _, entry := range lexicon {
		keywords := make([]string, 0, len(entry.Keywords))
		for _, keyword := range entry.Keywords {
			if keyword = strings.ToLower(strings.TrimSpace(keyword)); keyword != "" {
				keywords = append(keywords, keyword)
			}
		}
		normalized = append(normalized, LexiconEntry{Emotion: entry.Emotion, Keywords: keywords})
	}
	return &RuleEngine{lexicon: normalized}
}

// Emotion returns the emotion whose keywords occur most often in text, or
// neutral when none occur.
func (r *RuleEngine) Emotion(text string) intents.Emotion {
	text = strings.ToLower(text)

	best, bestScore := intents.EmotionNeutral, 0
	for _, entry := range r.lexicon {
		score := 0
		for _, keyword := range entry.Keywords {
			score += countKeyword(text, keyword)
		}
		if score > bestScore {
			best, bestScore = entry.Emotion, score
		}
	}
	return best
}

// Intent builds the fallback intent for text: the matched emotion, the text
// as response and no actions.
func (r *RuleEngine) Intent(text string) intents.Intent {
	return intents.New(r.Emotion(text), text)
}

// countKeyword counts occurrences of keyword in text. A keyword edge made of
// a letter or digit must sit on a word boundary, so "mad" does not match
// "made". Scripts written without spaces (Han, kana, Hangul) match anywhere.
func countKeyword(text, keyword string) int {
	first, _ := utf8.DecodeRuneInString(keyword)
	last, _ := utf8.DecodeLastRuneInString(keyword)
	checkStart, checkEnd := isWordRune(first), isWordRune(last)

	count := 0
	for offset := 0; offset < len(text); {
		idx := strings.Index(text[offset:], keyword)
		if idx < 0 {
			break
		}
		start := offset + idx
		end := start + len(keyword)

		before, _ := utf8.DecodeLastRuneInString(text[:start])
		after, _ := utf8.DecodeRuneInString(text[end:])
		if (!checkStart || start == 0 || !isWordRune(before)) &&
			(!checkEnd || end == len(text) || !isWordRune(after)) {
			count++
			offset = end
			continue
		}
		_, size := utf8.DecodeRuneInString(text[start:])
		offset = start + size
	}
	return count
}

func isWordRune(r rune) bool {
	if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
		return false
	}
	return !unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul)
}
