package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/rapportbot/rapport/internal/profile"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewWithDB(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func mergedProfile(t *testing.T, userID string, sigs ...profile.Signal) *profile.Profile {
	t.Helper()
	p := profile.New(userID)
	for _, sig := range sigs {
		var err error
		p, err = p.Merge(sig)
		if err != nil {
			t.Fatalf("merge: %v", err)
		}
	}
	return p
}

func TestGetProfileNotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.GetProfile(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestCommitMergeRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	p := mergedProfile(t, "alice",
		profile.Signal{Sentiment: 0.8, Topics: []string{"music", "guitars"}},
		profile.Signal{Sentiment: -0.2, Topics: []string{"work"}},
	)

	err := s.CommitMerge(ctx, p, 0, Entry{
		UserID: "alice", Message: "long day but the gig was great",
		SequenceID: 1, Sentiment: -0.2, Topics: []string{"work"},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := s.GetProfile(ctx, "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 1 {
		t.Errorf("version = %d, want 1", got.Version)
	}
	if got.SentimentCount != 2 {
		t.Errorf("sentiment_count = %d, want 2", got.SentimentCount)
	}
	if avg := got.AvgSentiment(); avg != 0.3 {
		t.Errorf("avg = %v, want 0.3", avg)
	}
	top, ok := got.TopTopic()
	if !ok || top != "music" {
		t.Errorf("top topic = %q/%v, want music (first observed wins ties)", top, ok)
	}
}

func TestCommitMergeTiedTopicOrderSurvivesReload(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	p := mergedProfile(t, "bob",
		profile.Signal{Topics: []string{"sports"}},
		profile.Signal{Topics: []string{"tech"}},
	)
	if err := s.CommitMerge(ctx, p, 0, Entry{UserID: "bob", Message: "m", SequenceID: 1}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := s.GetProfile(ctx, "bob")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	// Both topics have count 1; first observation must still win after
	// a storage round trip.
	top, ok := got.TopTopic()
	if !ok || top != "sports" {
		t.Errorf("top topic = %q/%v, want sports", top, ok)
	}
}

func TestCommitMergeVersionConflict(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	p := mergedProfile(t, "carol", profile.Signal{Sentiment: 0.5})
	if err := s.CommitMerge(ctx, p, 0, Entry{UserID: "carol", Message: "a", SequenceID: 1}); err != nil {
		t.Fatalf("first commit: %v", err)
	}

	// Stale writer still holds version 0.
	err := s.CommitMerge(ctx, p, 0, Entry{UserID: "carol", Message: "b", SequenceID: 2})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("error = %v, want ErrVersionConflict", err)
	}

	// The losing transaction must not have written its entry.
	entries, err := s.History(ctx, "carol", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("entries = %d, want 1 (conflicted write rolled back)", len(entries))
	}

	// Retrying at the current version succeeds.
	current, err := s.GetProfile(ctx, "carol")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	merged, err := current.Merge(profile.Signal{Sentiment: -0.1})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if err := s.CommitMerge(ctx, merged, current.Version, Entry{UserID: "carol", Message: "b", SequenceID: 2}); err != nil {
		t.Fatalf("retry commit: %v", err)
	}

	final, _ := s.GetProfile(ctx, "carol")
	if final.Version != 2 {
		t.Errorf("version = %d, want 2", final.Version)
	}
}

func TestCommitMergeDuplicateSequenceID(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	p := mergedProfile(t, "dave", profile.Signal{Sentiment: 0.5})
	if err := s.CommitMerge(ctx, p, 0, Entry{UserID: "dave", Message: "hi", SequenceID: 7}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	p2, _ := p.Merge(profile.Signal{Sentiment: 0.5})
	err := s.CommitMerge(ctx, p2, 1, Entry{UserID: "dave", Message: "hi", SequenceID: 7})
	if !errors.Is(err, ErrDuplicateEntry) {
		t.Fatalf("error = %v, want ErrDuplicateEntry", err)
	}

	// The duplicate must not have bumped the profile.
	got, _ := s.GetProfile(ctx, "dave")
	if got.Version != 1 {
		t.Errorf("version = %d, want 1 (duplicate rolled back)", got.Version)
	}
	if got.SentimentCount != 1 {
		t.Errorf("sentiment_count = %d, want 1", got.SentimentCount)
	}
}

func TestAppendEntryRaisesMarkWithoutProfile(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	err := s.AppendEntry(ctx, Entry{UserID: "erin", Message: "???", SequenceID: 3})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	mark, err := s.HighWaterMark(ctx, "erin")
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	if mark != 3 {
		t.Errorf("mark = %d, want 3", mark)
	}

	if _, err := s.GetProfile(ctx, "erin"); !errors.Is(err, ErrNotFound) {
		t.Errorf("profile error = %v, want ErrNotFound", err)
	}
}

func TestHighWaterMarkNeverLowers(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.AppendEntry(ctx, Entry{UserID: "finn", Message: "a", SequenceID: 10}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.AppendEntry(ctx, Entry{UserID: "finn", Message: "b", SequenceID: 4}); err != nil {
		t.Fatalf("append older: %v", err)
	}

	mark, _ := s.HighWaterMark(ctx, "finn")
	if mark != 10 {
		t.Errorf("mark = %d, want 10", mark)
	}
}

func TestHighWaterMarkUnknownUser(t *testing.T) {
	s := setupTestStore(t)

	mark, err := s.HighWaterMark(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	if mark != 0 {
		t.Errorf("mark = %d, want 0", mark)
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for seq := int64(1); seq <= 3; seq++ {
		if err := s.AppendEntry(ctx, Entry{UserID: "gail", Message: "m", SequenceID: seq}); err != nil {
			t.Fatalf("append %d: %v", seq, err)
		}
	}

	entries, err := s.History(ctx, "gail", 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].SequenceID != 3 || entries[1].SequenceID != 2 {
		t.Errorf("sequence order = [%d %d], want [3 2]", entries[0].SequenceID, entries[1].SequenceID)
	}
}
