package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"venuecal/internal/httpx"
	"venuecal/internal/models"
)

// OllamaConfig configures a local Ollama server.
type OllamaConfig struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Format   string          `json:"format"`
	Stream   bool            `json:"stream"`
}

type ollamaResponse struct {
	Message ollamaMessage `json:"message"`
}

// Ollama extracts events through the Ollama chat API.
type Ollama struct {
	cfg    OllamaConfig
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewOllama creates an Ollama extractor.
func NewOllama(logger *slog.Logger, cfg OllamaConfig) *Ollama {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "llama3.1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &Ollama{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}, logger: logger, now: time.Now}
}

// Extract asks the model once and, if the reply is not JSON, asks again
// with a correction turn.
func (o *Ollama) Extract(ctx context.Context, text string, venue models.VenueTarget) ([]models.EventCandidate, error) {
	messages := []ollamaMessage{
		{Role: "system", Content: Prompt(venue, o.now())},
		{Role: "user", Content: text},
	}

	content, err := o.chat(ctx, messages)
	if err != nil {
		return nil, &Error{Venue: venue.Name, Err: err}
	}
	events, err := ParseResponse(content, venue)
	if err == nil {
		return events, nil
	}
	if !errors.Is(err, ErrNotJSON) {
		return nil, &Error{Venue: venue.Name, Err: err}
	}

	o.logger.Info("Model reply was not JSON, asking again.", "venue", venue.Name)
	messages = append(messages,
		ollamaMessage{Role: "assistant", Content: content},
		ollamaMessage{Role: "user", Content: "That was not valid JSON. Reply with only the JSON array of events."},
	)
	content, err = o.chat(ctx, messages)
	if err != nil {
		return nil, &Error{Venue: venue.Name, Err: err}
	}
	events, err = ParseResponse(content, venue)
	if err != nil {
		return nil, &Error{Venue: venue.Name, Err: err}
	}
	return events, nil
}

func (o *Ollama) chat(ctx context.Context, messages []ollamaMessage) (string, error) {
	payload, err := json.Marshal(ollamaRequest{Model: o.cfg.Model, Messages: messages, Format: "json", Stream: false})
	if err != nil {
		return "", err
	}
	endpoint := strings.TrimSuffix(o.cfg.BaseURL, "/") + "/api/chat"

	var out ollamaResponse
	err = httpx.DoJSON(ctx, o.client, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, &out, httpx.DefaultRetryConfig())
	if err != nil {
		return "", err
	}
	return out.Message.Content, nil
}
