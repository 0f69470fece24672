package prompt

import (
	"strings"
	"testing"

	"github.com/rapportbot/rapport/internal/profile"
)

func buildProfile(t *testing.T, signals ...profile.Signal) *profile.Profile {
	t.Helper()
	p := profile.New("alice")
	for _, sig := range signals {
		var err error
		p, err = p.Merge(sig)
		if err != nil {
			t.Fatalf("merge: %v", err)
		}
	}
	return p
}

func TestBuildClauseOrder(t *testing.T) {
	p := buildProfile(t, profile.Signal{Sentiment: 0.6, Topics: []string{"technology"}})

	got := Builder{}.Build(p, "hi")

	wantInOrder := []string{
		"The user seems positive.",
		"technology",
		"hi",
		"How should we respond?",
	}
	pos := 0
	for _, want := range wantInOrder {
		idx := strings.Index(got[pos:], want)
		if idx < 0 {
			t.Fatalf("prompt missing %q after position %d:\n%s", want, pos, got)
		}
		pos += idx + len(want)
	}
}

func TestBuildSentimentClauses(t *testing.T) {
	tests := []struct {
		name      string
		sentiment float64
		want      string
		notWant   []string
	}{
		{"positive", 0.8, "The user seems positive.", []string{"negative", "neutral"}},
		{"negative", -0.8, "The user seems negative.", []string{"positive", "neutral"}},
		{"zero", 0, "The user is neutral.", []string{"positive", "negative"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := buildProfile(t, profile.Signal{Sentiment: tt.sentiment})
			got := Builder{}.Build(p, "hello")
			if !strings.Contains(got, tt.want) {
				t.Errorf("prompt missing %q:\n%s", tt.want, got)
			}
			for _, nw := range tt.notWant {
				if strings.Contains(got, nw) {
					t.Errorf("prompt should not contain %q (no blending):\n%s", nw, got)
				}
			}
		})
	}
}

func TestBuildEmptyProfileIsNeutral(t *testing.T) {
	got := Builder{}.Build(profile.New("alice"), "hello")
	if !strings.Contains(got, "The user is neutral.") {
		t.Errorf("zero-merge profile should render the neutral clause:\n%s", got)
	}
}

func TestBuildOmitsTopicClauseWhenNoTopics(t *testing.T) {
	p := buildProfile(t, profile.Signal{Sentiment: 0.5})
	got := Builder{}.Build(p, "hello")
	if strings.Contains(got, "talking about") {
		t.Errorf("prompt should omit topic clause for topicless profile:\n%s", got)
	}
}

func TestBuildMessageVerbatim(t *testing.T) {
	p := buildProfile(t, profile.Signal{Sentiment: 0.5})
	msg := "  WEIRD   spacing & <markup> preserved  "
	got := Builder{}.Build(p, msg)
	if !strings.Contains(got, msg) {
		t.Errorf("message not appended verbatim:\n%s", got)
	}
}

func TestBuildTruncatesMessageBeforeDroppingContext(t *testing.T) {
	p := buildProfile(t, profile.Signal{Sentiment: 0.9, Topics: []string{"music"}})
	long := strings.Repeat("x", 500)

	frame := Builder{}.Build(p, "")
	budget := len(frame) + 10
	got := Builder{MaxChars: budget}.Build(p, long)

	if len([]rune(got)) > budget {
		t.Fatalf("prompt length %d exceeds budget %d", len([]rune(got)), budget)
	}
	if !strings.Contains(got, "The user seems positive.") {
		t.Errorf("sentiment clause dropped before message was truncated:\n%s", got)
	}
	if !strings.Contains(got, "music") {
		t.Errorf("topic clause dropped before message was truncated:\n%s", got)
	}
	if !strings.Contains(got, "How should we respond?") {
		t.Errorf("closing instruction missing:\n%s", got)
	}
	if !strings.Contains(got, "xxxxxxxxxx") {
		t.Errorf("expected a truncated remnant of the message:\n%s", got)
	}
}

func TestBuildTinyBudgetKeepsClosing(t *testing.T) {
	p := buildProfile(t, profile.Signal{Sentiment: 0.9, Topics: []string{"music"}})
	got := Builder{MaxChars: len(closingClause)}.Build(p, "hello")
	if got != closingClause {
		t.Errorf("got %q, want bare closing instruction", got)
	}
}

func TestBuildDeterministic(t *testing.T) {
	p := buildProfile(t,
		profile.Signal{Sentiment: 0.2, Topics: []string{"food", "music"}},
		profile.Signal{Sentiment: -0.7, Topics: []string{"music"}},
	)
	b := Builder{MaxChars: 300}
	first := b.Build(p, "what's for dinner?")
	for i := 0; i < 5; i++ {
		if got := b.Build(p, "what's for dinner?"); got != first {
			t.Fatalf("build not deterministic:\n%s\nvs\n%s", got, first)
		}
	}
}
