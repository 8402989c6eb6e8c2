// Package config loads venues.yaml: the venue list plus calendar, model and
// storage settings. Secrets come from the environment, not the file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
	"venuecal/internal/models"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the CLI looks for the config file.
const DefaultPath = "venues.yaml"

// Venue is one venue entry.
type Venue struct {
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`
	Location string `yaml:"location"`
	// RequiresBrowser is tri-state: unset lets the fetcher detect script shells.
	RequiresBrowser *bool `yaml:"requires_browser,omitempty"`
}

// CalDAVConfig configures the CalDAV backend. The password is read from
// CALDAV_PASSWORD when empty.
type CalDAVConfig struct {
	URL          string `yaml:"url"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password,omitempty"`
	CalendarPath string `yaml:"calendar_path,omitempty"`
}

// GoogleConfig configures the Google Calendar backend. Client credentials
// default to GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET.
type GoogleConfig struct {
	CalendarID   string `yaml:"calendar_id"`
	ClientID     string `yaml:"client_id,omitempty"`
	ClientSecret string `yaml:"client_secret,omitempty"`
	TokenFile    string `yaml:"token_file"`
}

type OllamaConfig struct {
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

type CohereConfig struct {
	Model  string `yaml:"model"`
	APIKey string `yaml:"-"`
}

// DedupConfig selects the dedup store.
type DedupConfig struct {
	Backend       string `yaml:"backend"`
	Path          string `yaml:"path"`
	RedisAddr     string `yaml:"redis_addr,omitempty"`
	RedisPassword string `yaml:"redis_password,omitempty"`
	RedisDB       int    `yaml:"redis_db,omitempty"`
	RedisKey      string `yaml:"redis_key,omitempty"`
}

type FetchConfig struct {
	TimeoutSeconds        int      `yaml:"timeout_seconds"`
	BrowserTimeoutSeconds int      `yaml:"browser_timeout_seconds"`
	SPATextThreshold      int      `yaml:"spa_text_threshold"`
	FallbackPaths         []string `yaml:"fallback_paths"`
}

// Config is the top-level application configuration.
type Config struct {
	CalendarName    string       `yaml:"calendar_name"`
	CalendarBackend string       `yaml:"calendar_backend"`
	CalDAV          CalDAVConfig `yaml:"caldav"`
	Google          GoogleConfig `yaml:"google"`
	ICSOutputDir    string       `yaml:"ics_output_dir"`
	// Timezone is the IANA zone event times are written in. Empty writes
	// floating times where the backend allows it.
	Timezone string `yaml:"timezone,omitempty"`

	LLMBackend string       `yaml:"llm_backend"`
	Ollama     OllamaConfig `yaml:"ollama"`
	Cohere     CohereConfig `yaml:"cohere"`

	Dedup DedupConfig `yaml:"dedup"`

	RequestDelaySeconds       int         `yaml:"request_delay_seconds"`
	DefaultEventDurationHours int         `yaml:"default_event_duration_hours"`
	RetentionDays             int         `yaml:"retention_days"`
	ExtractTimeoutSeconds     int         `yaml:"extract_timeout_seconds"`
	SinkRetries               int         `yaml:"sink_retries"`
	Fetch                     FetchConfig `yaml:"fetch"`

	Venues []Venue `yaml:"venues"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		CalendarName:    "Concerts",
		CalendarBackend: "auto",
		CalDAV:          CalDAVConfig{URL: "https://caldav.icloud.com/"},
		Google:          GoogleConfig{CalendarID: "primary", TokenFile: "token.json"},
		ICSOutputDir:    "output",
		LLMBackend:      "ollama",
		Ollama:          OllamaConfig{Model: "llama3.1", BaseURL: "http://localhost:11434"},
		Cohere:          CohereConfig{Model: "command-r-plus"},
		Dedup:           DedupConfig{Backend: "file", Path: "data/seen-events.json", RedisKey: "venuecal:seen"},

		RequestDelaySeconds:       2,
		DefaultEventDurationHours: 3,
		RetentionDays:             90,
		ExtractTimeoutSeconds:     180,
		SinkRetries:               3,
		Fetch: FetchConfig{
			TimeoutSeconds:        30,
			BrowserTimeoutSeconds: 45,
			SPATextThreshold:      500,
			FallbackPaths:         []string{"events", "calendar", "shows", "schedule"},
		},
		Venues: []Venue{},
	}
}

// Normalize fills in missing/zero values with defaults so partially filled
// configs still behave.
func (c *Config) Normalize() {
	d := DefaultConfig()
	setString := func(dst *string, def string) {
		*dst = strings.TrimSpace(*dst)
		if *dst == "" {
			*dst = def
		}
	}
	setInt := func(dst *int, def int) {
		if *dst <= 0 {
			*dst = def
		}
	}

	setString(&c.CalendarName, d.CalendarName)
	setString(&c.CalendarBackend, d.CalendarBackend)
	c.CalendarBackend = strings.ToLower(c.CalendarBackend)
	setString(&c.CalDAV.URL, d.CalDAV.URL)
	setString(&c.Google.CalendarID, d.Google.CalendarID)
	setString(&c.Google.TokenFile, d.Google.TokenFile)
	setString(&c.ICSOutputDir, d.ICSOutputDir)
	setString(&c.LLMBackend, d.LLMBackend)
	c.LLMBackend = strings.ToLower(c.LLMBackend)
	setString(&c.Ollama.Model, d.Ollama.Model)
	setString(&c.Ollama.BaseURL, d.Ollama.BaseURL)
	setString(&c.Cohere.Model, d.Cohere.Model)
	setString(&c.Dedup.Backend, d.Dedup.Backend)
	setString(&c.Dedup.Path, d.Dedup.Path)
	setString(&c.Dedup.RedisKey, d.Dedup.RedisKey)

	// A zero delay is a valid choice; only negative values are reset.
	if c.RequestDelaySeconds < 0 {
		c.RequestDelaySeconds = d.RequestDelaySeconds
	}
	if c.SinkRetries < 0 {
		c.SinkRetries = d.SinkRetries
	}
	setInt(&c.DefaultEventDurationHours, d.DefaultEventDurationHours)
	setInt(&c.RetentionDays, d.RetentionDays)
	setInt(&c.ExtractTimeoutSeconds, d.ExtractTimeoutSeconds)
	setInt(&c.Fetch.TimeoutSeconds, d.Fetch.TimeoutSeconds)
	setInt(&c.Fetch.BrowserTimeoutSeconds, d.Fetch.BrowserTimeoutSeconds)
	setInt(&c.Fetch.SPATextThreshold, d.Fetch.SPATextThreshold)
	if c.Fetch.FallbackPaths == nil {
		c.Fetch.FallbackPaths = d.Fetch.FallbackPaths
	}
	if c.Venues == nil {
		c.Venues = []Venue{}
	}
	for i := range c.Venues {
		v := &c.Venues[i]
		v.Name = strings.TrimSpace(v.Name)
		v.URL = strings.TrimSpace(v.URL)
		v.Location = strings.TrimSpace(v.Location)
	}
}

// ApplyEnv fills secrets from the environment. Values set in the file win.
func (c *Config) ApplyEnv() {
	fill := func(dst *string, key string) {
		if *dst == "" {
			*dst = os.Getenv(key)
		}
	}
	fill(&c.CalDAV.Username, "CALDAV_USERNAME")
	fill(&c.CalDAV.Password, "CALDAV_PASSWORD")
	fill(&c.Google.ClientID, "GOOGLE_CLIENT_ID")
	fill(&c.Google.ClientSecret, "GOOGLE_CLIENT_SECRET")
	fill(&c.Cohere.APIKey, "COHERE_API_KEY")
	fill(&c.Dedup.RedisPassword, "REDIS_PASSWORD")
	if v := os.Getenv("REDIS_ADDR"); v != "" && c.Dedup.RedisAddr == "" {
		c.Dedup.RedisAddr = v
	}
	if v, err := strconv.Atoi(os.Getenv("REQUEST_DELAY_SECONDS")); err == nil && v >= 0 {
		c.RequestDelaySeconds = v
	}
}

// Validate reports every problem in the config at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.CalendarBackend {
	case "auto", "applescript", "caldav", "google", "ics":
	default:
		errs = append(errs, fmt.Errorf("unknown calendar_backend %q", c.CalendarBackend))
	}
	switch c.LLMBackend {
	case "ollama", "cohere":
	default:
		errs = append(errs, fmt.Errorf("unknown llm_backend %q", c.LLMBackend))
	}
	switch c.Dedup.Backend {
	case "file", "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown dedup backend %q", c.Dedup.Backend))
	}
	if c.Dedup.Backend == "redis" && c.Dedup.RedisAddr == "" {
		errs = append(errs, errors.New("dedup backend redis needs redis_addr"))
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err))
		}
	}

	seen := make(map[string]bool)
	for i, v := range c.Venues {
		if v.Name == "" {
			errs = append(errs, fmt.Errorf("venue %d has no name", i+1))
			continue
		}
		if key := models.NormalizeText(v.Name); seen[key] {
			errs = append(errs, fmt.Errorf("venue %q is listed twice", v.Name))
		} else {
			seen[key] = true
		}
		u, err := url.Parse(v.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("venue %q: url must be http or https, got %q", v.Name, v.URL))
		}
	}
	return errors.Join(errs...)
}

// Backend resolves "auto" to the platform calendar on macOS and to the .ics
// file elsewhere.
func (c *Config) Backend() string {
	if c.CalendarBackend != "auto" {
		return c.CalendarBackend
	}
	if runtime.GOOS == "darwin" {
		return "applescript"
	}
	return "ics"
}

// Location returns the configured zone, or nil for floating times.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil
	}
	return loc
}

// Targets converts the venue entries to fetch targets.
func (c *Config) Targets() []models.VenueTarget {
	out := make([]models.VenueTarget, 0, len(c.Venues))
	for _, v := range c.Venues {
		out = append(out, models.VenueTarget{Name: v.Name, URL: v.URL, Location: v.Location, RequiresBrowser: v.RequiresBrowser})
	}
	return out
}

// ErrNotFound is returned by Load when the config file does not exist.
var ErrNotFound = errors.New("config file not found")

// Load reads, normalizes, applies environment secrets to and validates the
// config at path. A missing file is an error wrapping ErrNotFound; the init
// command writes a starter file.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s (run 'venuecal init' to create one)", ErrNotFound, path)
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	cfg.Normalize()
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path atomically with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".venuecal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
