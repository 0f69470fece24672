package analyzer

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rapportbot/rapport/internal/profile"
)

// valence maps sentiment-bearing words to scores in [-1, 1]. A deliberately
// small list: the point is a usable default signal without shipping a
// model, not lexical coverage. Scores follow the usual valence-lexicon
// convention (strongly negative to strongly positive).
var valence = map[string]float64{
	"amazing":    0.9,
	"awesome":    0.9,
	"awful":      -0.8,
	"bad":        -0.6,
	"beautiful":  0.7,
	"best":       0.8,
	"boring":     -0.5,
	"broken":     -0.5,
	"cool":       0.5,
	"excellent":  0.9,
	"excited":    0.7,
	"fantastic":  0.9,
	"fun":        0.6,
	"glad":       0.6,
	"good":       0.6,
	"great":      0.8,
	"happy":      0.7,
	"hate":       -0.9,
	"horrible":   -0.9,
	"interesting": 0.4,
	"like":       0.4,
	"love":       0.9,
	"lovely":     0.7,
	"mad":        -0.6,
	"nice":       0.5,
	"perfect":    0.9,
	"poor":       -0.5,
	"sad":        -0.7,
	"scared":     -0.6,
	"sorry":      -0.3,
	"terrible":   -0.9,
	"tired":      -0.4,
	"ugly":       -0.6,
	"upset":      -0.6,
	"wonderful":  0.8,
	"worst":      -0.9,
	"wrong":      -0.5,
}

// stopwords are high-frequency function words excluded from topic
// extraction.
var stopwords = map[string]bool{
	"about": true, "after": true, "again": true, "because": true,
	"been": true, "before": true, "being": true, "could": true,
	"doing": true, "down": true, "every": true, "from": true,
	"going": true, "have": true, "here": true, "just": true,
	"more": true, "much": true, "never": true, "only": true,
	"other": true, "over": true, "really": true, "should": true,
	"some": true, "something": true, "that": true, "their": true,
	"them": true, "then": true, "there": true, "these": true,
	"they": true, "thing": true, "think": true, "this": true,
	"very": true, "want": true, "were": true, "what": true,
	"when": true, "where": true, "which": true, "will": true,
	"with": true, "would": true, "your": true,
}

// Lexicon is the built-in analyzer: mean valence of sentiment-bearing
// words, plus content words as topics. Deterministic and I/O-free.
type Lexicon struct{}

// Analyze scores text against the valence lexicon and extracts topic
// tokens (lowercased alphabetic words of at least minTopicLen runes that
// are neither stopwords nor sentiment words), deduplicated in first-seen
// order. Messages with no sentiment-bearing words score 0.
//
// Empty, whitespace-only, or non-UTF-8 input fails with *ExtractionError.
func (Lexicon) Analyze(_ context.Context, text string) (profile.Signal, error) {
	if !utf8.ValidString(text) {
		return profile.Signal{}, &ExtractionError{Reason: "text is not valid UTF-8"}
	}
	if strings.TrimSpace(text) == "" {
		return profile.Signal{}, &ExtractionError{Reason: "text is empty"}
	}

	const minTopicLen = 4

	var (
		sum    float64
		hits   int
		topics []string
		seen   = map[string]bool{}
	)
	for _, word := range tokenize(text) {
		if score, ok := valence[word]; ok {
			sum += score
			hits++
			continue
		}
		if utf8.RuneCountInString(word) < minTopicLen || stopwords[word] || seen[word] {
			continue
		}
		seen[word] = true
		topics = append(topics, word)
	}

	sig := profile.Signal{Topics: topics}
	if hits > 0 {
		sig.Sentiment = sum / float64(hits)
	}
	return sig, nil
}

// tokenize lowercases text and splits it into alphabetic runs.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
}
