// Package session runs the poll/extract/merge/reply pipeline.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rapportbot/rapport/internal/analyzer"
	"github.com/rapportbot/rapport/internal/llm"
	"github.com/rapportbot/rapport/internal/profile"
	"github.com/rapportbot/rapport/internal/prompt"
	"github.com/rapportbot/rapport/internal/store"
	"github.com/rapportbot/rapport/internal/transport"
)

// Store is the persistence surface the session needs. *store.Store
// satisfies it; tests substitute fakes.
type Store interface {
	GetProfile(ctx context.Context, userID string) (*profile.Profile, error)
	CommitMerge(ctx context.Context, p *profile.Profile, expectedVersion int64, entry store.Entry) error
	AppendEntry(ctx context.Context, entry store.Entry) error
	HighWaterMark(ctx context.Context, userID string) (int64, error)
	History(ctx context.Context, userID string, limit int) ([]store.Entry, error)
	Stats(ctx context.Context) map[string]any
}

// Config holds the session tuning knobs.
type Config struct {
	PollInterval time.Duration
	CallTimeout  time.Duration

	// GenerationRetries is the number of attempts before falling back
	// to FallbackReply. Non-retryable generation failures fall back
	// immediately.
	GenerationRetries int

	// PersistenceRetries bounds retries of transient storage failures.
	// Exhaustion stops the session; storage is load-bearing.
	PersistenceRetries int

	// ConflictRetries bounds re-read/re-merge cycles after a profile
	// version conflict.
	ConflictRetries int

	// TransportFailureLimit stops the poll loop after this many
	// consecutive poll or send failures.
	TransportFailureLimit int

	BackoffInitial time.Duration
	FallbackReply  string

	Params llm.Params
}

// Session orchestrates one bot instance: it polls the chat surface,
// extracts signals, merges them into profiles, and replies.
type Session struct {
	transport transport.Transport
	analyzer  analyzer.Analyzer
	generator llm.Client
	store     Store
	builder   prompt.Builder
	cfg       Config
	logger    *slog.Logger

	// In-memory high-water cache. The store remains authoritative;
	// this only avoids a read per message for users seen this run.
	marks   map[string]int64
	marksMu sync.Mutex

	processed          atomic.Int64
	duplicates         atomic.Int64
	extractionFailures atomic.Int64
	conflicts          atomic.Int64
	fallbacks          atomic.Int64
	started            time.Time

	// Consecutive poll and send failures share one counter: either
	// kind of outage past TransportFailureLimit stops the loop.
	transportFailures atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a session. Zero config fields get conservative defaults.
func New(t transport.Transport, a analyzer.Analyzer, g llm.Client, s Store, builder prompt.Builder, cfg Config, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.GenerationRetries <= 0 {
		cfg.GenerationRetries = 3
	}
	if cfg.PersistenceRetries <= 0 {
		cfg.PersistenceRetries = 5
	}
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = 5
	}
	if cfg.TransportFailureLimit <= 0 {
		cfg.TransportFailureLimit = 10
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 500 * time.Millisecond
	}
	if cfg.FallbackReply == "" {
		cfg.FallbackReply = "Sorry, I got distracted for a moment. Could you say that again?"
	}

	return &Session{
		transport: t,
		analyzer:  a,
		generator: g,
		store:     s,
		builder:   builder,
		cfg:       cfg,
		logger:    logger.With("component", "session"),
		marks:     make(map[string]int64),
		started:   time.Now(),
		stopCh:    make(chan struct{}),
	}
}

// Run polls until ctx is cancelled, Stop is called, or a fatal failure
// occurs: either TransportFailureLimit consecutive transport failures
// or persistence retry exhaustion. Messages within a batch are
// processed sequentially so each reply sees the profile state left by
// the previous message.
func (s *Session) Run(ctx context.Context) error {
	s.logger.Info("session started",
		"poll_interval", s.cfg.PollInterval.String(),
		"model", s.cfg.Params.Model,
	)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("session stopping", "reason", ctx.Err())
			return nil
		case <-s.stopCh:
			s.logger.Info("session stopping", "reason", "stop requested")
			return nil
		case <-ticker.C:
		}

		pollCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		batch, err := s.transport.Poll(pollCtx)
		cancel()
		if err != nil && !errors.Is(err, context.Canceled) {
			failures := s.transportFailure("poll", err)
			if failures >= s.cfg.TransportFailureLimit {
				return fmt.Errorf("transport failed %d times in a row: %w", failures, err)
			}
			s.sleep(ctx, s.backoff(failures-1))
			continue
		}
		s.transportFailures.Store(0)

		for _, msg := range batch {
			if err := s.ProcessMessage(ctx, msg); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// Stop asks Run to return after it finishes the message in flight.
// Safe to call from any goroutine, and more than once.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// ProcessMessage runs the full pipeline for one inbound message. The
// returned error is fatal to the session; recoverable problems degrade
// to a fallback reply or a skipped merge instead.
func (s *Session) ProcessMessage(ctx context.Context, msg transport.Message) error {
	logger := s.logger.With("user_id", msg.UserID, "sequence_id", msg.SequenceID)

	seen, err := s.alreadyIngested(ctx, msg)
	if err != nil {
		return err
	}
	if seen {
		s.duplicates.Add(1)
		logger.Debug("skipping replayed message")
		return nil
	}

	entry := store.Entry{
		UserID:     msg.UserID,
		Message:    msg.Text,
		SequenceID: msg.SequenceID,
		CreatedAt:  msg.Timestamp,
	}

	sig, err := s.analyze(ctx, msg.Text)
	if err != nil {
		var extErr *analyzer.ExtractionError
		if !errors.As(err, &extErr) {
			return err
		}
		return s.recordWithoutSignal(ctx, logger, entry, msg, err)
	}

	entry.Sentiment = sig.Sentiment
	entry.Topics = sig.Topics

	merged, err := s.commitMerge(ctx, logger, msg.UserID, sig, entry)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateEntry) {
			s.duplicates.Add(1)
			s.rememberMark(msg.UserID, msg.SequenceID)
			logger.Debug("entry already ingested, skipping")
			return nil
		}
		if errors.Is(err, profile.ErrInvalidSignal) {
			return s.recordWithoutSignal(ctx, logger, entry, msg, err)
		}
		return err
	}
	s.rememberMark(msg.UserID, msg.SequenceID)
	s.processed.Add(1)

	return s.reply(ctx, logger, merged, msg)
}

// recordWithoutSignal handles messages whose signal could not be used:
// extraction failures and signals the aggregator rejects. The message
// is recorded so it is never reprocessed, but the profile stays
// untouched. The user still gets a reply built from whatever we already
// know about them.
func (s *Session) recordWithoutSignal(ctx context.Context, logger *slog.Logger, entry store.Entry, msg transport.Message, cause error) error {
	s.extractionFailures.Add(1)
	logger.Warn("unusable signal, replying from existing profile", "error", cause)

	// A rejected signal may carry non-finite values the store cannot
	// represent; drop it from the record.
	entry.Sentiment = 0
	entry.Topics = nil

	if err := s.persist(ctx, func(ctx context.Context) error {
		return s.store.AppendEntry(ctx, entry)
	}); err != nil {
		if errors.Is(err, store.ErrDuplicateEntry) {
			s.duplicates.Add(1)
			s.rememberMark(msg.UserID, msg.SequenceID)
			return nil
		}
		return err
	}
	s.rememberMark(msg.UserID, msg.SequenceID)

	current, err := s.currentProfile(ctx, msg.UserID)
	if err != nil {
		return err
	}
	return s.reply(ctx, logger, current, msg)
}

// Ask runs the pipeline for a message that did not come through the
// transport, assigning it the next sequence id. Used by the CLI.
func (s *Session) Ask(ctx context.Context, userID, text string) (string, error) {
	mark, err := s.store.HighWaterMark(ctx, userID)
	if err != nil {
		return "", err
	}
	msg := transport.Message{
		UserID:     userID,
		Text:       text,
		SequenceID: mark + 1,
		Timestamp:  time.Now(),
	}

	seen, err := s.alreadyIngested(ctx, msg)
	if err != nil {
		return "", err
	}
	if seen {
		return "", fmt.Errorf("sequence %d already ingested for %s", msg.SequenceID, userID)
	}

	entry := store.Entry{
		UserID:     msg.UserID,
		Message:    msg.Text,
		SequenceID: msg.SequenceID,
		CreatedAt:  msg.Timestamp,
	}

	var p *profile.Profile
	sig, err := s.analyze(ctx, text)
	if err == nil {
		entry.Sentiment = sig.Sentiment
		entry.Topics = sig.Topics
		p, err = s.commitMerge(ctx, s.logger, userID, sig, entry)
	}
	if err != nil {
		var extErr *analyzer.ExtractionError
		if !errors.As(err, &extErr) && !errors.Is(err, profile.ErrInvalidSignal) {
			return "", err
		}
		entry.Sentiment = 0
		entry.Topics = nil
		if err := s.store.AppendEntry(ctx, entry); err != nil && !errors.Is(err, store.ErrDuplicateEntry) {
			return "", err
		}
		p, err = s.currentProfile(ctx, userID)
		if err != nil {
			return "", err
		}
	}
	s.rememberMark(userID, msg.SequenceID)

	return s.generate(ctx, s.logger, s.builder.Build(p, text))
}

// GetProfile returns the stored profile for a user.
func (s *Session) GetProfile(ctx context.Context, userID string) (*profile.Profile, error) {
	return s.store.GetProfile(ctx, userID)
}

// History returns the most recent chat log entries for a user.
func (s *Session) History(ctx context.Context, userID string, limit int) ([]store.Entry, error) {
	return s.store.History(ctx, userID, limit)
}

// Stats returns session counters merged with storage statistics.
func (s *Session) Stats(ctx context.Context) map[string]any {
	stats := s.store.Stats(ctx)
	stats["processed"] = s.processed.Load()
	stats["duplicates"] = s.duplicates.Load()
	stats["extraction_failures"] = s.extractionFailures.Load()
	stats["version_conflicts"] = s.conflicts.Load()
	stats["fallback_replies"] = s.fallbacks.Load()
	stats["uptime"] = time.Since(s.started).Round(time.Second).String()
	return stats
}

// alreadyIngested reports whether a sequence id is at or below the
// user's high-water mark.
func (s *Session) alreadyIngested(ctx context.Context, msg transport.Message) (bool, error) {
	s.marksMu.Lock()
	mark, cached := s.marks[msg.UserID]
	s.marksMu.Unlock()

	if !cached {
		var err error
		mark, err = s.store.HighWaterMark(ctx, msg.UserID)
		if err != nil {
			return false, err
		}
		s.rememberMark(msg.UserID, mark)
	}
	return msg.SequenceID <= mark, nil
}

func (s *Session) rememberMark(userID string, seq int64) {
	s.marksMu.Lock()
	if seq > s.marks[userID] {
		s.marks[userID] = seq
	}
	s.marksMu.Unlock()
}

func (s *Session) analyze(ctx context.Context, text string) (profile.Signal, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	return s.analyzer.Analyze(callCtx, text)
}

// commitMerge reads, merges, and writes the profile, retrying version
// conflicts with a fresh read each time. A signal the aggregator
// rejects surfaces as profile.ErrInvalidSignal.
func (s *Session) commitMerge(ctx context.Context, logger *slog.Logger, userID string, sig profile.Signal, entry store.Entry) (*profile.Profile, error) {
	for attempt := 0; ; attempt++ {
		current, err := s.currentProfile(ctx, userID)
		if err != nil {
			return nil, err
		}

		merged, err := current.Merge(sig)
		if err != nil {
			return nil, err
		}

		err = s.persist(ctx, func(ctx context.Context) error {
			return s.store.CommitMerge(ctx, merged, current.Version, entry)
		})
		if err == nil {
			return merged, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, err
		}

		s.conflicts.Add(1)
		if attempt+1 >= s.cfg.ConflictRetries {
			return nil, fmt.Errorf("profile merge for %s: %w", userID, err)
		}
		logger.Debug("version conflict, re-merging", "attempt", attempt+1)
	}
}

func (s *Session) currentProfile(ctx context.Context, userID string) (*profile.Profile, error) {
	p, err := s.store.GetProfile(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return profile.New(userID), nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// persist runs fn, retrying transient persistence failures with
// exponential backoff. Typed sentinels pass through untouched.
func (s *Session) persist(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < s.cfg.PersistenceRetries; attempt++ {
		if attempt > 0 {
			s.sleep(ctx, s.backoff(attempt-1))
		}
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		var pErr *store.PersistenceError
		if !errors.As(err, &pErr) {
			return err
		}
		lastErr = err
		s.logger.Warn("persistence failed, retrying", "attempt", attempt+1, "error", err)
	}
	return fmt.Errorf("persistence retries exhausted: %w", lastErr)
}

// reply builds the prompt, generates a response, and sends it.
func (s *Session) reply(ctx context.Context, logger *slog.Logger, p *profile.Profile, msg transport.Message) error {
	text, err := s.generate(ctx, logger, s.builder.Build(p, msg.Text))
	if err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	if err := s.transport.Send(sendCtx, msg.UserID, text); err != nil {
		// A lost reply is regrettable but the merge already happened;
		// dropping it beats replaying the whole pipeline. The failure
		// still counts against the transport, so a send-only outage
		// eventually stops the loop like a poll outage does.
		logger.Error("reply send failed", "error", err)
		if failures := s.transportFailure("send", err); failures >= s.cfg.TransportFailureLimit {
			return fmt.Errorf("transport failed %d times in a row: %w", failures, err)
		}
		return nil
	}
	s.transportFailures.Store(0)
	return nil
}

// transportFailure records a consecutive poll or send failure and
// returns the running count.
func (s *Session) transportFailure(op string, err error) int {
	failures := int(s.transportFailures.Add(1))
	s.logger.Warn(op+" failed",
		"error", err,
		"consecutive_failures", failures,
	)
	return failures
}

// generate calls the provider with retries. Non-retryable failures and
// retry exhaustion both degrade to the fallback reply.
func (s *Session) generate(ctx context.Context, logger *slog.Logger, promptText string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < s.cfg.GenerationRetries; attempt++ {
		if attempt > 0 {
			s.sleep(ctx, s.backoff(attempt-1))
		}
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		text, err := s.generator.Generate(callCtx, promptText, s.cfg.Params)
		cancel()
		if err == nil {
			if text == "" {
				// An empty completion is useless to the user.
				lastErr = fmt.Errorf("provider returned empty completion")
				continue
			}
			return text, nil
		}
		lastErr = err

		var genErr *llm.GenerationError
		if errors.As(err, &genErr) && !genErr.Retryable() {
			logger.Warn("generation rejected, using fallback", "error", err)
			s.fallbacks.Add(1)
			return s.cfg.FallbackReply, nil
		}
		if ctx.Err() != nil {
			break
		}
		logger.Warn("generation failed, retrying", "attempt", attempt+1, "error", err)
	}

	logger.Warn("generation retries exhausted, using fallback", "error", lastErr)
	s.fallbacks.Add(1)
	return s.cfg.FallbackReply, nil
}

// backoff returns the delay for a retry attempt, doubling from
// BackoffInitial. Attempt 0 gets the initial delay.
func (s *Session) backoff(attempt int) time.Duration {
	d := s.cfg.BackoffInitial
	for i := 0; i < attempt && d < 30*time.Second; i++ {
		d *= 2
	}
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

func (s *Session) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
