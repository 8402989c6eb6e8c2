package extract

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
	"venuecal/internal/models"

	cohere "github.com/cohere-ai/cohere-go/v2"
	cohereclient "github.com/cohere-ai/cohere-go/v2/client"
)

// DefaultCohereModel is used when no model is configured.
const DefaultCohereModel = "command-r-plus"

// Cohere extracts events through the Cohere chat API.
type Cohere struct {
	client *cohereclient.Client
	model  string
	logger *slog.Logger
	now    func() time.Time
}

// NewCohere creates a Cohere extractor. apiKey is required.
func NewCohere(logger *slog.Logger, apiKey, model string, timeout time.Duration) (*Cohere, error) {
	if apiKey == "" {
		return nil, errors.New("COHERE_API_KEY is not set")
	}
	if model == "" {
		model = DefaultCohereModel
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return newCohere(logger, apiKey, model, &http.Client{Timeout: timeout}), nil
}

func newCohere(logger *slog.Logger, apiKey, model string, httpClient *http.Client) *Cohere {
	client := cohereclient.NewClient(
		cohereclient.WithToken(apiKey),
		cohereclient.WithHTTPClient(httpClient),
	)
	return &Cohere{client: client, model: model, logger: logger, now: time.Now}
}

func (c *Cohere) Extract(ctx context.Context, text string, venue models.VenueTarget) ([]models.EventCandidate, error) {
	preamble := Prompt(venue, c.now())
	temperature := 0.0
	resp, err := c.client.Chat(ctx, &cohere.ChatRequest{
		Message:     text,
		Model:       &c.model,
		Preamble:    &preamble,
		Temperature: &temperature,
	})
	if err != nil {
		return nil, &Error{Venue: venue.Name, Err: err}
	}
	if resp == nil {
		return nil, &Error{Venue: venue.Name, Err: errors.New("cohere chat returned empty response")}
	}

	events, err := ParseResponse(resp.Text, venue)
	if err != nil {
		c.logger.Debug("Unreadable cohere reply.", "venue", venue.Name, "reply", head(resp.Text, 500))
		return nil, &Error{Venue: venue.Name, Err: err}
	}
	return events, nil
}

// head truncates s to at most n runes.
func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
