// Package profile maintains per-user conversational profiles as running
// aggregates. A profile stores only accumulators (sentiment sum/count and
// per-topic observation counts), never raw message history, so folding a
// new signal in is O(1) and the result is independent of merge order.
package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrInvalidSignal reports a non-finite sentiment score from the extractor.
// Callers treat it like an extraction failure: the message is logged and
// skipped, the profile is left untouched.
var ErrInvalidSignal = errors.New("invalid signal: sentiment is not finite")

// Signal is one observation extracted from a single message: a sentiment
// score and the set of topic tokens mentioned.
type Signal struct {
	Sentiment float64  `json:"sentiment"`
	Topics    []string `json:"topics"`
}

// Profile is the running aggregate for one user. Version is the optimistic
// concurrency counter maintained by the store; it plays no part in merge
// semantics.
type Profile struct {
	UserID         string          `json:"user_id"`
	SentimentCount int64           `json:"sentiment_count"`
	SentimentSum   float64         `json:"sentiment_sum"`
	Topics         TopicCounts     `json:"topics"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	Version        int64           `json:"version"`
}

// New returns an empty profile for userID. An empty profile reports a
// neutral average sentiment and no top topic.
func New(userID string) *Profile {
	return &Profile{UserID: userID}
}

// Merge folds sig into p and returns the updated profile as a new value;
// p itself is not mutated, so a caller can safely retry a failed persist
// by re-reading and re-merging. Topics are treated as a set: a token
// repeated within one signal counts once.
//
// Merge fails only with ErrInvalidSignal when the sentiment is NaN or
// infinite. Out-of-range but finite scores are summed as-is.
func (p *Profile) Merge(sig Signal) (*Profile, error) {
	if math.IsNaN(sig.Sentiment) || math.IsInf(sig.Sentiment, 0) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignal, sig.Sentiment)
	}

	out := p.Clone()
	out.SentimentCount++
	out.SentimentSum += sig.Sentiment

	seen := make(map[string]bool, len(sig.Topics))
	for _, topic := range sig.Topics {
		if topic == "" || seen[topic] {
			continue
		}
		seen[topic] = true
		out.Topics.add(topic)
	}

	return out, nil
}

// AvgSentiment returns the mean of all observed sentiment scores. A
// profile with no merges reports 0 (neutral); it never divides by zero.
func (p *Profile) AvgSentiment() float64 {
	if p.SentimentCount == 0 {
		return 0
	}
	return p.SentimentSum / float64(p.SentimentCount)
}

// TopTopic returns the most frequently observed topic. Ties go to the
// topic observed first. ok is false when no topics have been observed.
func (p *Profile) TopTopic() (topic string, ok bool) {
	var best int64
	for _, t := range p.Topics.order {
		if n := p.Topics.counts[t]; n > best {
			best = n
			topic = t
			ok = true
		}
	}
	return topic, ok
}

// Clone returns a deep copy of p.
func (p *Profile) Clone() *Profile {
	out := &Profile{
		UserID:         p.UserID,
		SentimentCount: p.SentimentCount,
		SentimentSum:   p.SentimentSum,
		Topics:         p.Topics.clone(),
		Version:        p.Version,
	}
	if p.Metadata != nil {
		out.Metadata = append(json.RawMessage(nil), p.Metadata...)
	}
	return out
}

// TopicCounts tracks per-topic observation counts while preserving the
// order in which each topic was first observed. The order is what makes
// top-topic tie-breaking deterministic, so it is serialized along with
// the counts (as a JSON array) rather than relying on map iteration.
type TopicCounts struct {
	counts map[string]int64
	order  []string
}

// topicCount is the wire form of one entry.
type topicCount struct {
	Topic string `json:"topic"`
	Count int64  `json:"count"`
}

// add increments the count for topic, registering it at the end of the
// observation order on first sight.
func (tc *TopicCounts) add(topic string) {
	if tc.counts == nil {
		tc.counts = make(map[string]int64)
	}
	if _, exists := tc.counts[topic]; !exists {
		tc.order = append(tc.order, topic)
	}
	tc.counts[topic]++
}

// Count returns the observation count for topic (0 if never observed).
func (tc *TopicCounts) Count(topic string) int64 {
	return tc.counts[topic]
}

// Len returns the number of distinct topics observed.
func (tc *TopicCounts) Len() int {
	return len(tc.order)
}

// Each calls fn for every topic in first-observation order.
func (tc *TopicCounts) Each(fn func(topic string, count int64)) {
	for _, t := range tc.order {
		fn(t, tc.counts[t])
	}
}

func (tc TopicCounts) clone() TopicCounts {
	if tc.counts == nil {
		return TopicCounts{}
	}
	out := TopicCounts{
		counts: make(map[string]int64, len(tc.counts)),
		order:  append([]string(nil), tc.order...),
	}
	for t, n := range tc.counts {
		out.counts[t] = n
	}
	return out
}

// MarshalJSON encodes the counts as an ordered array so the
// first-observation order survives storage round-trips.
func (tc TopicCounts) MarshalJSON() ([]byte, error) {
	items := make([]topicCount, 0, len(tc.order))
	for _, t := range tc.order {
		items = append(items, topicCount{Topic: t, Count: tc.counts[t]})
	}
	return json.Marshal(items)
}

// UnmarshalJSON restores counts and observation order from the array form.
func (tc *TopicCounts) UnmarshalJSON(data []byte) error {
	var items []topicCount
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	*tc = TopicCounts{}
	for _, it := range items {
		if it.Count <= 0 {
			return fmt.Errorf("topic %q has non-positive count %d", it.Topic, it.Count)
		}
		if tc.counts == nil {
			tc.counts = make(map[string]int64, len(items))
		}
		if _, exists := tc.counts[it.Topic]; exists {
			return fmt.Errorf("duplicate topic %q", it.Topic)
		}
		tc.counts[it.Topic] = it.Count
		tc.order = append(tc.order, it.Topic)
	}
	return nil
}
