// Package analyzer extracts sentiment and topic signals from raw message
// text. The orchestrator treats analysis as a black box behind the
// Analyzer interface: the built-in lexicon analyzer needs no external
// service, while the remote analyzer delegates to an NLP sidecar.
package analyzer

import (
	"context"
	"fmt"

	"github.com/rapportbot/rapport/internal/profile"
)

// Analyzer converts one message into a signal.
type Analyzer interface {
	Analyze(ctx context.Context, text string) (profile.Signal, error)
}

// ExtractionError reports that a message could not be analyzed. The
// message's chat-log entry is still persisted; only the profile merge is
// skipped.
type ExtractionError struct {
	Reason string
	Err    error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extraction failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("extraction failed: %s", e.Reason)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}
