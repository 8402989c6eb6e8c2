package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
	"venuecal/internal/applescript"
	"venuecal/internal/caldav"
	"venuecal/internal/calendar"
	"venuecal/internal/config"
	"venuecal/internal/dedup"
	"venuecal/internal/extract"
	"venuecal/internal/fetch"
	"venuecal/internal/google"
	"venuecal/internal/httpx"
	"venuecal/internal/icsfile"
	"venuecal/internal/merge"
	"venuecal/internal/normalize"
	"venuecal/internal/pipeline"
)

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}

func openStore(ctx context.Context, logger *slog.Logger, cfg *config.Config) (dedup.Store, error) {
	store, err := dedup.Open(ctx, logger, dedup.Config{
		Backend:       cfg.Dedup.Backend,
		Path:          cfg.Dedup.Path,
		RedisAddr:     cfg.Dedup.RedisAddr,
		RedisPassword: cfg.Dedup.RedisPassword,
		RedisDB:       cfg.Dedup.RedisDB,
		RedisKey:      cfg.Dedup.RedisKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open dedup store: %w", err)
	}
	return store, nil
}

func buildExtractor(logger *slog.Logger, cfg *config.Config) (extract.Extractor, error) {
	timeout := time.Duration(cfg.ExtractTimeoutSeconds) * time.Second
	switch cfg.LLMBackend {
	case "cohere":
		return extract.NewCohere(logger, cfg.Cohere.APIKey, cfg.Cohere.Model, timeout)
	default:
		return extract.NewOllama(logger, extract.OllamaConfig{
			BaseURL: cfg.Ollama.BaseURL,
			Model:   cfg.Ollama.Model,
			Timeout: timeout,
		}), nil
	}
}

func buildSink(ctx context.Context, logger *slog.Logger, cfg *config.Config) (calendar.Sink, error) {
	loc := cfg.Location()
	switch backend := cfg.Backend(); backend {
	case "caldav":
		return caldav.New(ctx, logger, caldav.Config{
			Endpoint:     cfg.CalDAV.URL,
			Username:     cfg.CalDAV.Username,
			Password:     cfg.CalDAV.Password,
			CalendarName: cfg.CalendarName,
			CalendarPath: cfg.CalDAV.CalendarPath,
			Location:     loc,
		})
	case "google":
		return google.NewClient(ctx, logger, google.Config{
			CalendarID:   cfg.Google.CalendarID,
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			TokenFile:    cfg.Google.TokenFile,
			Location:     loc,
		})
	case "applescript":
		return applescript.New(logger, cfg.CalendarName, nil), nil
	case "ics":
		return icsfile.New(logger, cfg.ICSOutputDir, cfg.CalendarName, loc)
	default:
		return nil, fmt.Errorf("unknown calendar backend %q", backend)
	}
}

func buildPlanner(logger *slog.Logger, cfg *config.Config) *fetch.Planner {
	client := &http.Client{Timeout: time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second}
	router := fetch.Router{
		Static:  fetch.NewStaticFetcher(logger, client, httpx.DefaultRetryConfig()),
		Browser: fetch.NewBrowserFetcher(logger, time.Duration(cfg.Fetch.BrowserTimeoutSeconds)*time.Second),
	}
	return fetch.NewPlanner(logger, router, fetch.PlannerConfig{
		ShellThreshold: cfg.Fetch.SPATextThreshold,
		FallbackPaths:  cfg.Fetch.FallbackPaths,
	})
}

// buildPipeline wires every component. The caller closes the returned store.
func buildPipeline(ctx context.Context, logger *slog.Logger, cfg *config.Config, metrics *pipeline.Metrics) (*pipeline.Pipeline, dedup.Store, error) {
	if len(cfg.Venues) == 0 {
		return nil, nil, pipeline.ErrNoVenues
	}
	extractor, err := buildExtractor(logger, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create extractor: %w", err)
	}
	sink, err := buildSink(ctx, logger, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create %s calendar sink: %w", cfg.Backend(), err)
	}
	store, err := openStore(ctx, logger, cfg)
	if err != nil {
		return nil, nil, err
	}

	p := pipeline.New(logger, pipeline.Deps{
		Venues:     cfg.Targets(),
		Planner:    buildPlanner(logger, cfg),
		Extractor:  extractor,
		Normalizer: normalize.New(logger, cfg.DefaultEventDurationHours),
		Merger:     merge.New(logger),
		Store:      store,
		Sink:       sink,
		Metrics:    metrics,
	}, pipeline.Config{
		RequestDelay:   time.Duration(cfg.RequestDelaySeconds) * time.Second,
		ExtractTimeout: time.Duration(cfg.ExtractTimeoutSeconds) * time.Second,
		RetentionDays:  cfg.RetentionDays,
		SinkRetries:    cfg.SinkRetries,
	})
	return p, store, nil
}
