package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"TagRelay/internal/domain"
)

const (
	configPathEnv  = "TAGRELAY_CONFIG"
	databaseDSNEnv = "TAGRELAY_DB_DSN"
	databaseDrvEnv = "TAGRELAY_DB_DRIVER"
	triggerEnv     = "TAGRELAY_TRIGGER"
	logLevelEnv    = "TAGRELAY_LOG_LEVEL"

	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"

	ModeSingle = "single"
	ModeThread = "thread"

	TypeMastodon = "mastodon"
	TypeBluesky  = "bluesky"
	TypeTelegram = "telegram"

	defaultDSN           = "tagrelay.db"
	defaultFederationTag = "don_tw"
	defaultURLLength     = 23
	defaultMessageLength = 140
	blueskyMessageLength = 300
	telegramMessageLen   = 4096
)

// Config holds every setting the relay needs.
type Config struct {
	Database  DatabaseConfig            `yaml:"database"`
	Operation OperationConfig           `yaml:"operation"`
	Endpoints map[string]EndpointConfig `yaml:"endpoints"`
	Logging   LoggingConfig             `yaml:"logging"`
	Metrics   MetricsConfig             `yaml:"metrics"`
}

// DatabaseConfig selects the record store backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// OperationConfig describes one relay direction.
type OperationConfig struct {
	Inbound       string `yaml:"inbound"`
	Outbound      string `yaml:"outbound"`
	Trigger       string `yaml:"trigger"`
	Mode          string `yaml:"mode"`
	FederationTag string `yaml:"federation_tag"`
	// StartReclaimAfter reverts Start records older than this to Waiting. Zero disables it.
	// A thread cut short by a crash is reclaimed whole, so its posted parts are sent again.
	StartReclaimAfter time.Duration `yaml:"start_reclaim_after"`
	DryRun            bool          `yaml:"dry_run"`
}

// Thread reports whether long posts are split into threads.
func (o OperationConfig) Thread() bool {
	return o.Mode == ModeThread
}

// TriggerTag extracts the tag from a "hashtag:<tag>" trigger.
func (o OperationConfig) TriggerTag() (string, error) {
	kind, value, ok := strings.Cut(o.Trigger, ":")
	if !ok {
		return "", &domain.ConfigError{Field: "operation.trigger", Reason: fmt.Sprintf("expected <kind>:<value>, got %q", o.Trigger)}
	}
	switch kind {
	case "hashtag":
		tag := strings.TrimPrefix(strings.TrimSpace(value), "#")
		if tag == "" {
			return "", &domain.ConfigError{Field: "operation.trigger", Reason: "empty hashtag"}
		}
		return tag, nil
	case "keyword", "user":
		return "", &domain.ConfigError{Field: "operation.trigger", Reason: fmt.Sprintf("%s triggers: %v", kind, domain.ErrNotImplemented)}
	default:
		return "", &domain.ConfigError{Field: "operation.trigger", Reason: fmt.Sprintf("unknown trigger kind %q", kind)}
	}
}

// EndpointConfig is one named platform account.
type EndpointConfig struct {
	Type string `yaml:"type"`

	// Server is the API base: Mastodon instance, Bluesky PDS or Telegram Bot API.
	Server       string `yaml:"server"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	AccessToken  string `yaml:"access_token"`
	Identifier   string `yaml:"identifier"`
	AppPassword  string `yaml:"app_password"`
	BotToken     string `yaml:"bot_token"`
	ChatID       string `yaml:"chat_id"`

	MessageLength  int           `yaml:"message_length"`
	URLLength      int           `yaml:"url_length"`
	AttachMediaURL *bool         `yaml:"attach_media_url"`
	AttachMedia    *bool         `yaml:"attach_media"`
	Since          string        `yaml:"since"`
	Until          string        `yaml:"until"`
	Limit          int           `yaml:"limit"`
	Timeout        time.Duration `yaml:"timeout"`
}

// RetainMediaURLs reports whether media links stay in the composed text.
func (e EndpointConfig) RetainMediaURLs() bool {
	return e.AttachMediaURL == nil || *e.AttachMediaURL
}

// UploadMedia reports whether attachments are uploaded with the first post.
func (e EndpointConfig) UploadMedia() bool {
	return e.AttachMedia == nil || *e.AttachMedia
}

// Query converts the discovery window to a fetch query.
func (e EndpointConfig) Query() domain.FetchQuery {
	return domain.FetchQuery{Since: e.Since, Until: e.Until, Limit: e.Limit}
}

// LoggingConfig sets the slog level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// MetricsConfig points at a node-exporter textfile; empty disables the flush.
type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

// Overrides carries command line flags that win over file and env values.
type Overrides struct {
	DBFile  string
	Trigger string
	Since   string
	Until   string
	Limit   int
	DryRun  bool
}

// Load reads .env, the YAML file at path (or TAGRELAY_CONFIG) and env overrides.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := defaultConfig()

	if path == "" {
		path = os.Getenv(configPathEnv)
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		var fileCfg Config
		if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		cfg = mergeConfig(cfg, fileCfg)
	}

	cfg.applyEnvOverrides()
	cfg.applyEndpointDefaults()

	return cfg, nil
}

// Parse decodes YAML without touching the environment.
func Parse(raw []byte) (Config, error) {
	var fileCfg Config
	if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg := mergeConfig(defaultConfig(), fileCfg)
	cfg.applyEndpointDefaults()
	return cfg, nil
}

// ApplyOverrides applies command line flags. Window flags target the inbound endpoint.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.DBFile != "" {
		c.Database.DSN = o.DBFile
	}
	if o.Trigger != "" {
		c.Operation.Trigger = o.Trigger
	}
	if o.DryRun {
		c.Operation.DryRun = true
	}

	ep, ok := c.Endpoints[c.Operation.Inbound]
	if !ok {
		return
	}
	if o.Since != "" {
		ep.Since = o.Since
	}
	if o.Until != "" {
		ep.Until = o.Until
	}
	if o.Limit > 0 {
		ep.Limit = o.Limit
	}
	c.Endpoints[c.Operation.Inbound] = ep
}

// Validate rejects configurations the relay cannot start with.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return &domain.ConfigError{Field: "database.driver", Reason: fmt.Sprintf("unsupported driver %q", c.Database.Driver)}
	}
	if c.Database.DSN == "" {
		return &domain.ConfigError{Field: "database.dsn", Reason: "required"}
	}

	if c.Operation.Mode != ModeSingle && c.Operation.Mode != ModeThread {
		return &domain.ConfigError{Field: "operation.mode", Reason: fmt.Sprintf("expected %s or %s, got %q", ModeSingle, ModeThread, c.Operation.Mode)}
	}
	if _, err := c.Operation.TriggerTag(); err != nil {
		return err
	}

	for _, dir := range []struct{ field, name string }{
		{"operation.inbound", c.Operation.Inbound},
		{"operation.outbound", c.Operation.Outbound},
	} {
		if dir.name == "" {
			return &domain.ConfigError{Field: dir.field, Reason: "required"}
		}
		if _, ok := c.Endpoints[dir.name]; !ok {
			return &domain.ConfigError{Field: dir.field, Reason: fmt.Sprintf("endpoint %q is not defined", dir.name)}
		}
	}

	for _, name := range c.EndpointNames() {
		ep := c.Endpoints[name]
		field := "endpoints." + name
		switch ep.Type {
		case TypeMastodon, TypeBluesky, TypeTelegram:
		default:
			return &domain.ConfigError{Field: field + ".type", Reason: fmt.Sprintf("unknown type %q", ep.Type)}
		}
		if ep.MessageLength <= 0 {
			return &domain.ConfigError{Field: field + ".message_length", Reason: "must be positive"}
		}
		if ep.Limit < 0 {
			return &domain.ConfigError{Field: field + ".limit", Reason: "must not be negative"}
		}
	}

	if ep := c.Endpoints[c.Operation.Inbound]; ep.Type != TypeMastodon {
		return &domain.ConfigError{Field: "operation.inbound", Reason: fmt.Sprintf("%s endpoints cannot be a source", ep.Type)}
	}

	return nil
}

// EndpointNames returns configured endpoint names in sorted order.
func (c Config) EndpointNames() []string {
	names := make([]string, 0, len(c.Endpoints))
	for name := range c.Endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(databaseDSNEnv); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv(databaseDrvEnv); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv(triggerEnv); v != "" {
		c.Operation.Trigger = v
	}
	if v := os.Getenv(logLevelEnv); v != "" {
		c.Logging.Level = v
	}

	for name, ep := range c.Endpoints {
		prefix := "TAGRELAY_" + envName(name) + "_"
		if v := os.Getenv(prefix + "ACCESS_TOKEN"); v != "" {
			ep.AccessToken = v
		}
		if v := os.Getenv(prefix + "APP_PASSWORD"); v != "" {
			ep.AppPassword = v
		}
		if v := os.Getenv(prefix + "BOT_TOKEN"); v != "" {
			ep.BotToken = v
		}
		c.Endpoints[name] = ep
	}
}

func (c *Config) applyEndpointDefaults() {
	for name, ep := range c.Endpoints {
		if ep.MessageLength == 0 {
			switch ep.Type {
			case TypeBluesky:
				ep.MessageLength = blueskyMessageLength
			case TypeTelegram:
				ep.MessageLength = telegramMessageLen
			default:
				ep.MessageLength = defaultMessageLength
			}
		}
		if ep.URLLength == 0 {
			ep.URLLength = defaultURLLength
		}
		if ep.Timeout == 0 {
			ep.Timeout = 30 * time.Second
		}
		c.Endpoints[name] = ep
	}
}

func envName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
}

func mergeConfig(base, override Config) Config {
	if override.Database.Driver != "" {
		base.Database.Driver = override.Database.Driver
	}
	if override.Database.DSN != "" {
		base.Database.DSN = override.Database.DSN
	}

	if override.Operation.Inbound != "" {
		base.Operation.Inbound = override.Operation.Inbound
	}
	if override.Operation.Outbound != "" {
		base.Operation.Outbound = override.Operation.Outbound
	}
	if override.Operation.Trigger != "" {
		base.Operation.Trigger = override.Operation.Trigger
	}
	if override.Operation.Mode != "" {
		base.Operation.Mode = override.Operation.Mode
	}
	if override.Operation.FederationTag != "" {
		base.Operation.FederationTag = strings.TrimPrefix(override.Operation.FederationTag, "#")
	}
	if override.Operation.StartReclaimAfter != 0 {
		base.Operation.StartReclaimAfter = override.Operation.StartReclaimAfter
	}
	base.Operation.DryRun = base.Operation.DryRun || override.Operation.DryRun

	if len(override.Endpoints) > 0 {
		base.Endpoints = make(map[string]EndpointConfig, len(override.Endpoints))
		for name, ep := range override.Endpoints {
			base.Endpoints[name] = ep
		}
	}

	if override.Logging.Level != "" {
		base.Logging.Level = override.Logging.Level
	}
	if override.Metrics.Textfile != "" {
		base.Metrics.Textfile = override.Metrics.Textfile
	}

	return base
}

func defaultConfig() Config {
	return Config{
		Database: DatabaseConfig{Driver: DriverSQLite, DSN: defaultDSN},
		Operation: OperationConfig{
			Mode:          ModeSingle,
			FederationTag: defaultFederationTag,
		},
		Endpoints: map[string]EndpointConfig{},
		Logging:   LoggingConfig{Level: "info"},
	}
}
