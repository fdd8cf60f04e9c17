package agent

import "strings"

// sentenceEnd reports whether r terminates a sentence.
func sentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// SplitSentences cuts text into complete sentences and the trailing
// incomplete remainder. A sentence is complete once a terminator is followed
// by whitespace, so abbreviations mid-token and trailing terminators without
// a following space stay in the remainder until more text arrives.
func SplitSentences(text string) (complete []string, rest string) {
	runes := []rune(text)
	start := 0
	for i := 0; i < len(runes)-1; i++ {
		if sentenceEnd(runes[i]) && isSpace(runes[i+1]) {
			sentence := strings.TrimSpace(string(runes[start : i+1]))
			if sentence != "" {
				complete = append(complete, sentence)
			}
			start = i + 1
		}
	}
	return complete, strings.TrimLeft(string(runes[start:]), " \t\n\r")
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

// SentenceAggregator accumulates streamed text fragments and emits sentences
// as soon as they complete, so synthesis can start before generation ends.
type SentenceAggregator struct {
	pending string
}

// Push appends one fragment and returns any newly completed sentences.
func (a *SentenceAggregator) Push(delta string) []string {
	a.pending += delta
	complete, rest := SplitSentences(a.pending)
	a.pending = rest
	return complete
}

// Flush returns whatever incomplete text remains and clears the aggregator.
func (a *SentenceAggregator) Flush() string {
	out := strings.TrimSpace(a.pending)
	a.pending = ""
	return out
}

// Phrases that signal the assistant is wrapping up the conversation.
var closingPhrases = []string{
	"thank you for your order",
	"your order is confirmed",
	"is there anything else you need",
	"goodbye",
}

// IsClosingPhrase reports whether text contains a wrap-up phrase.
func IsClosingPhrase(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range closingPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
