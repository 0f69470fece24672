package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/rapportbot/rapport/internal/httpkit"
	"github.com/rapportbot/rapport/internal/profile"
)

// Remote delegates analysis to an NLP sidecar service. The sidecar owns
// tokenization, tagging, and scoring; this client only speaks its wire
// format.
type Remote struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewRemote creates a client for the analyzer service at url.
func NewRemote(url string, logger *slog.Logger) *Remote {
	if logger == nil {
		logger = slog.Default()
	}
	return &Remote{
		url:    url,
		logger: logger.With("analyzer", "remote"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(30 * time.Second),
		),
	}
}

type analyzeRequest struct {
	Text string `json:"text"`
}

type analyzeResponse struct {
	Sentiment float64  `json:"sentiment"`
	Topics    []string `json:"topics"`
}

// Analyze posts the text to the sidecar and returns its signal. Any
// transport failure, non-2xx status, or undecodable body is surfaced as
// *ExtractionError so the orchestrator skips the merge but keeps the
// chat-log entry. A non-finite sentiment on the wire is passed through;
// the aggregator rejects it at merge time.
func (r *Remote) Analyze(ctx context.Context, text string) (profile.Signal, error) {
	if text == "" {
		return profile.Signal{}, &ExtractionError{Reason: "text is empty"}
	}

	body, err := json.Marshal(analyzeRequest{Text: text})
	if err != nil {
		return profile.Signal{}, &ExtractionError{Reason: "encode request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return profile.Signal{}, &ExtractionError{Reason: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return profile.Signal{}, &ExtractionError{Reason: "analyzer unreachable", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail := httpkit.ReadErrorBody(resp.Body, 512)
		r.logger.Warn("analyzer returned error status",
			"status", resp.StatusCode,
			"body", detail,
		)
		return profile.Signal{}, &ExtractionError{
			Reason: fmt.Sprintf("analyzer status %d", resp.StatusCode),
		}
	}

	var out analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return profile.Signal{}, &ExtractionError{Reason: "decode response", Err: err}
	}

	return profile.Signal{Sentiment: out.Sentiment, Topics: out.Topics}, nil
}
