package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"
	"venuecal/internal/config"
	"venuecal/internal/google"
	"venuecal/internal/icsfile"
	"venuecal/internal/models"
	"venuecal/internal/pipeline"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "venuecal",
		Usage: "Scrape venue websites and add their events to a calendar.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: config.DefaultPath, EnvVars: []string{"VENUECAL_CONFIG"}, Usage: "Path to the venues config file."},
			&cli.StringFlag{Name: "log-level", Value: "info", EnvVars: []string{"LOG_LEVEL"}, Usage: "debug, info, warn or error."},
		},
		Commands: []*cli.Command{
			scrapeCommand(),
			listCommand(),
			exportCommand(),
			purgeCommand(),
			authCommand(),
			initCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.RunContext(ctx, os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, *slog.Logger, error) {
	logger := setupLogger(c.String("log-level"))
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, logger, err
	}
	return cfg, logger, nil
}

func scrapeCommand() *cli.Command {
	return &cli.Command{
		Name:  "scrape",
		Usage: "Scrape venues and add new events to the calendar.",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "dry-run", Usage: "Log what would be added without writing anything."},
			&cli.StringSliceFlag{Name: "venue", Usage: "Scrape only this venue (repeatable)."},
			&cli.BoolFlag{Name: "retry-empty", Usage: "Only scrape venues with no upcoming events recorded."},
			&cli.StringFlag{Name: "schedule", Usage: "Cron spec; keep running and scrape on this schedule."},
			&cli.StringFlag{Name: "metrics-file", Usage: "Write Prometheus metrics to this textfile after each run."},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig(c)
			if err != nil {
				return err
			}
			if c.Bool("dry-run") {
				logger.Info("Performing a dry run. No changes will be made.")
			}

			metrics := pipeline.NewMetrics()
			p, store, err := buildPipeline(c.Context, logger, cfg, metrics)
			if err != nil {
				return err
			}
			defer store.Close()

			opts := pipeline.Options{
				DryRun:     c.Bool("dry-run"),
				Venues:     c.StringSlice("venue"),
				RetryEmpty: c.Bool("retry-empty"),
			}
			runOnce := func() error {
				if _, err := p.Run(c.Context, opts); err != nil {
					return err
				}
				if path := c.String("metrics-file"); path != "" {
					if err := metrics.WriteTextfile(path); err != nil {
						logger.Error("Failed to write metrics file", "path", path, "error", err)
					}
				}
				return nil
			}

			spec := c.String("schedule")
			if spec == "" {
				return runOnce()
			}

			if err := runOnce(); err != nil {
				return err
			}
			cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
			scheduler := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))
			if _, err := scheduler.AddFunc(spec, func() {
				if err := runOnce(); err != nil {
					logger.Error("Scheduled run failed", "error", err)
				}
			}); err != nil {
				return fmt.Errorf("invalid schedule %q: %w", spec, err)
			}
			logger.Info("Starting scheduler.", "schedule", spec)
			scheduler.Start()
			<-c.Context.Done()
			logger.Info("Stopping scheduler, waiting for a running scrape to finish.")
			<-scheduler.Stop().Done()
			return nil
		},
	}
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List upcoming events already added to the calendar.",
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig(c)
			if err != nil {
				return err
			}
			store, err := openStore(c.Context, logger, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.Upcoming(c.Context, models.DateOf(time.Now()))
			if err != nil {
				return fmt.Errorf("failed to read records: %w", err)
			}
			if len(records) == 0 {
				fmt.Println("No upcoming events recorded.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DATE\tVENUE\tTITLE")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\n", r.Date, r.VenueName, r.Title)
			}
			return w.Flush()
		},
	}
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Export upcoming recorded events to an .ics file.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "Output path (default <ics_output_dir>/<calendar_name>.ics)."},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig(c)
			if err != nil {
				return err
			}
			store, err := openStore(c.Context, logger, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.Upcoming(c.Context, models.DateOf(time.Now()))
			if err != nil {
				return fmt.Errorf("failed to read records: %w", err)
			}
			var events []*models.Event
			for _, r := range records {
				if r.Event != nil {
					events = append(events, r.Event)
				}
			}

			out := c.String("output")
			if out == "" {
				if err := os.MkdirAll(cfg.ICSOutputDir, 0o755); err != nil {
					return err
				}
				out = filepath.Join(cfg.ICSOutputDir, icsfile.FileName(cfg.CalendarName))
			}
			if err := icsfile.Export(out, events, cfg.Location(), time.Now()); err != nil {
				return fmt.Errorf("failed to export: %w", err)
			}
			logger.Info("Exported events.", "count", len(events), "file", out)
			return nil
		},
	}
}

func purgeCommand() *cli.Command {
	return &cli.Command{
		Name:  "purge",
		Usage: "Remove dedup records for events older than the retention window.",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "days", Usage: "Retention in days (default retention_days)."},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig(c)
			if err != nil {
				return err
			}
			store, err := openStore(c.Context, logger, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			days := cfg.RetentionDays
			if c.IsSet("days") {
				days = c.Int("days")
			}
			n, err := store.Purge(c.Context, days, time.Now())
			if err != nil {
				return fmt.Errorf("failed to purge: %w", err)
			}
			logger.Info("Purged old records.", "removed", n, "olderThanDays", days)
			return nil
		},
	}
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authenticate with a Google account for the google calendar backend.",
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig(c)
			if err != nil {
				return err
			}
			logger.Info("Starting Google authentication flow.")

			oauthConfig, err := google.GetOAuthConfigForAuthFlow(cfg.Google.ClientID, cfg.Google.ClientSecret)
			if err != nil {
				return fmt.Errorf("failed to get google oauth config: %w", err)
			}

			authURL := oauthConfig.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
			fmt.Printf("Go to the following link in your browser then type the "+
				"authorization code: \n%v\n", authURL)

			fmt.Print("Enter Authorization Code: ")
			reader := bufio.NewReader(os.Stdin)
			authCode, _ := reader.ReadString('\n')
			authCode = strings.TrimSpace(authCode)

			token, err := google.TokenFromWeb(c.Context, oauthConfig, authCode)
			if err != nil {
				return fmt.Errorf("unable to retrieve token from web: %w", err)
			}
			if err := google.SaveToken(cfg.Google.TokenFile, token); err != nil {
				return fmt.Errorf("failed to save token: %w", err)
			}
			logger.Info("Successfully authenticated and saved token.", "file", cfg.Google.TokenFile)

			client, err := google.NewClient(c.Context, logger, google.Config{
				CalendarID:   cfg.Google.CalendarID,
				ClientID:     cfg.Google.ClientID,
				ClientSecret: cfg.Google.ClientSecret,
				TokenFile:    cfg.Google.TokenFile,
			})
			if err != nil {
				return err
			}
			calendars, err := client.ListCalendars(c.Context)
			if err != nil {
				logger.Warn("Could not list calendars", "error", err)
				return nil
			}
			fmt.Println("Calendars available for google.calendar_id:")
			for _, cal := range calendars {
				fmt.Println("  " + cal)
			}
			return nil
		},
	}
}

func initCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Write a starter config file.",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "force", Usage: "Overwrite an existing config file."},
		},
		Action: func(c *cli.Context) error {
			logger := setupLogger(c.String("log-level"))
			path := c.String("config")
			if _, err := os.Stat(path); err == nil && !c.Bool("force") {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}

			cfg := config.DefaultConfig()
			cfg.Venues = []config.Venue{{
				Name:     "Example Hall",
				URL:      "https://example.com/events",
				Location: "123 Main St, Springfield",
			}}
			if err := config.Save(path, cfg); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}
			logger.Info("Wrote starter config.", "file", path)
			return nil
		},
	}
}
