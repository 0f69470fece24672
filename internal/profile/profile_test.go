package profile

import (
	"encoding/json"
	"math"
	"math/rand"
	"testing"
)

func mustMerge(t *testing.T, p *Profile, sig Signal) *Profile {
	t.Helper()
	out, err := p.Merge(sig)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	return out
}

func TestMergeAccumulates(t *testing.T) {
	p := New("alice")
	p = mustMerge(t, p, Signal{Sentiment: 0.5, Topics: []string{"music"}})
	p = mustMerge(t, p, Signal{Sentiment: -0.2, Topics: []string{"music", "food"}})

	if p.SentimentCount != 2 {
		t.Errorf("count = %d, want 2", p.SentimentCount)
	}
	if got := p.SentimentSum; math.Abs(got-0.3) > 1e-9 {
		t.Errorf("sum = %v, want 0.3", got)
	}
	if got := p.Topics.Count("music"); got != 2 {
		t.Errorf("music count = %d, want 2", got)
	}
	if got := p.Topics.Count("food"); got != 1 {
		t.Errorf("food count = %d, want 1", got)
	}
}

func TestMergeDoesNotMutateInput(t *testing.T) {
	p := New("alice")
	p = mustMerge(t, p, Signal{Sentiment: 1.0, Topics: []string{"tech"}})

	if _, err := p.Merge(Signal{Sentiment: 5.0, Topics: []string{"sports"}}); err != nil {
		t.Fatalf("merge: %v", err)
	}

	if p.SentimentCount != 1 {
		t.Errorf("input profile mutated: count = %d, want 1", p.SentimentCount)
	}
	if p.Topics.Count("sports") != 0 {
		t.Error("input profile mutated: gained topic from later merge")
	}
}

func TestMergeOrderIndependent(t *testing.T) {
	signals := []Signal{
		{Sentiment: 0.9, Topics: []string{"music"}},
		{Sentiment: -0.4, Topics: []string{"food", "music"}},
		{Sentiment: 0.1, Topics: nil},
		{Sentiment: -1.2, Topics: []string{"weather"}},
		{Sentiment: 2.5, Topics: []string{"food"}},
	}

	base := New("alice")
	for _, sig := range signals {
		base = mustMerge(t, base, sig)
	}

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 20; trial++ {
		shuffled := append([]Signal(nil), signals...)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		p := New("alice")
		for _, sig := range shuffled {
			p = mustMerge(t, p, sig)
		}

		if p.SentimentCount != base.SentimentCount {
			t.Fatalf("trial %d: count = %d, want %d", trial, p.SentimentCount, base.SentimentCount)
		}
		if math.Abs(p.SentimentSum-base.SentimentSum) > 1e-9 {
			t.Fatalf("trial %d: sum = %v, want %v", trial, p.SentimentSum, base.SentimentSum)
		}
		base.Topics.Each(func(topic string, count int64) {
			if got := p.Topics.Count(topic); got != count {
				t.Fatalf("trial %d: topic %q count = %d, want %d", trial, topic, got, count)
			}
		})
		if p.Topics.Len() != base.Topics.Len() {
			t.Fatalf("trial %d: %d topics, want %d", trial, p.Topics.Len(), base.Topics.Len())
		}
	}
}

func TestAvgSentiment(t *testing.T) {
	p := New("alice")
	for _, s := range []float64{0.5, -0.5, 1.0} {
		p = mustMerge(t, p, Signal{Sentiment: s})
	}

	want := 1.0 / 3.0
	if got := p.AvgSentiment(); math.Abs(got-want) > 1e-9 {
		t.Errorf("avg = %v, want %v", got, want)
	}
}

func TestAvgSentimentEmptyProfileIsNeutral(t *testing.T) {
	p := New("alice")
	got := p.AvgSentiment()
	if got != 0 {
		t.Errorf("avg = %v, want 0", got)
	}
	if math.IsNaN(got) {
		t.Error("avg is NaN, want neutral 0")
	}
}

func TestMergeRejectsNonFiniteSentiment(t *testing.T) {
	p := New("alice")
	for _, s := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if _, err := p.Merge(Signal{Sentiment: s}); err == nil {
			t.Errorf("merge(%v): expected error", s)
		}
	}

	// Out-of-range but finite values are accepted unchanged.
	merged, err := p.Merge(Signal{Sentiment: 123.4})
	if err != nil {
		t.Fatalf("merge finite: %v", err)
	}
	if merged.SentimentSum != 123.4 {
		t.Errorf("sum = %v, want 123.4 (no clamping)", merged.SentimentSum)
	}
}

func TestTopTopicTieBreaksOnFirstObservation(t *testing.T) {
	p := New("alice")
	p = mustMerge(t, p, Signal{Topics: []string{"sports"}})
	p = mustMerge(t, p, Signal{Topics: []string{"tech"}})
	p = mustMerge(t, p, Signal{Topics: []string{"tech"}})
	p = mustMerge(t, p, Signal{Topics: []string{"sports"}})

	topic, ok := p.TopTopic()
	if !ok {
		t.Fatal("expected a top topic")
	}
	if topic != "sports" {
		t.Errorf("top topic = %q, want \"sports\" (observed first)", topic)
	}
}

func TestTopTopicEmpty(t *testing.T) {
	p := New("alice")
	p = mustMerge(t, p, Signal{Sentiment: 0.3})

	if topic, ok := p.TopTopic(); ok {
		t.Errorf("expected no top topic, got %q", topic)
	}
}

func TestMergeDeduplicatesTopicsWithinSignal(t *testing.T) {
	p := New("alice")
	p = mustMerge(t, p, Signal{Topics: []string{"music", "music", ""}})

	if got := p.Topics.Count("music"); got != 1 {
		t.Errorf("music count = %d, want 1 (topics are a set per signal)", got)
	}
	if got := p.Topics.Count(""); got != 0 {
		t.Errorf("empty topic count = %d, want 0", got)
	}
}

func TestTopicCountsJSONPreservesOrder(t *testing.T) {
	p := New("alice")
	p = mustMerge(t, p, Signal{Topics: []string{"sports"}})
	p = mustMerge(t, p, Signal{Topics: []string{"tech"}})

	// Counts are tied, so the tie-break depends entirely on the stored
	// observation order surviving serialization.
	data, err := json.Marshal(p.Topics)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var restored TopicCounts
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	round := &Profile{UserID: "alice", SentimentCount: 2, Topics: restored}
	topic, ok := round.TopTopic()
	if !ok || topic != "sports" {
		t.Errorf("top topic after round-trip = %q (ok=%v), want \"sports\"", topic, ok)
	}
}
