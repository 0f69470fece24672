// Package prompt renders a user profile and their current message into a
// generation prompt. Building is a pure function of its inputs: no I/O,
// no randomness, no clock.
package prompt

import (
	"fmt"
	"strings"

	"github.com/rapportbot/rapport/internal/profile"
)

// Clause literals. The register follows the conversational framing the
// generation model responds to best: profile context first, then the raw
// message, then the instruction to reply.
const (
	positiveClause = "The user seems positive."
	negativeClause = "The user seems negative."
	neutralClause  = "The user is neutral."
	topicFormat    = "They have been talking about %s."
	messagePrefix  = "Their message is: "
	closingClause  = "How should we respond?"
)

// Builder composes prompts within a character budget.
type Builder struct {
	// MaxChars caps the composed prompt length in runes. Zero or
	// negative means unlimited.
	MaxChars int
}

// Build renders p and message into a prompt. Exactly one sentiment clause
// is chosen by the sign of the average sentiment (the zero-merge neutral
// default lands on the neutral clause). The topic clause appears only
// when the profile has observed at least one topic. The message text is
// appended verbatim, followed by the fixed closing instruction.
//
// When the composed prompt would exceed MaxChars, the message clause is
// truncated from the end before anything else gives way: profile-derived
// context captures longer-term signal and outranks raw message length.
// Only if the budget cannot fit even an empty message clause are the
// topic clause and then the sentiment clause dropped; the closing
// instruction always survives.
func (b Builder) Build(p *profile.Profile, message string) string {
	var sentiment string
	switch avg := p.AvgSentiment(); {
	case avg > 0:
		sentiment = positiveClause
	case avg < 0:
		sentiment = negativeClause
	default:
		sentiment = neutralClause
	}

	var topic string
	if top, ok := p.TopTopic(); ok {
		topic = fmt.Sprintf(topicFormat, top)
	}

	if b.MaxChars <= 0 {
		return join(sentiment, topic, messagePrefix+message, closingClause)
	}

	// Fit the message clause into whatever the fixed clauses leave over,
	// then shed clauses in priority order if the frame alone is too big.
	for {
		frame := join(sentiment, topic, messagePrefix, closingClause)
		remaining := b.MaxChars - len([]rune(frame))
		if remaining >= 0 {
			return join(sentiment, topic, messagePrefix+truncate(message, remaining), closingClause)
		}
		switch {
		case topic != "":
			topic = ""
		case sentiment != "":
			sentiment = ""
		default:
			return closingClause
		}
	}
}

// join concatenates non-empty clauses with single spaces.
func join(clauses ...string) string {
	parts := clauses[:0:0]
	for _, c := range clauses {
		if c != "" {
			parts = append(parts, c)
		}
	}
	return strings.Join(parts, " ")
}

// truncate cuts s to at most n runes, never splitting a rune.
func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
