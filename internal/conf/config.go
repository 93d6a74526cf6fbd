// Package conf loads and validates folio settings.
package conf

import (
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/tphakala/folio/internal/errors"
)

// EnvPrefix is the prefix for environment variable overrides (FOLIO_WEBSERVER_LISTEN, ...).
const EnvPrefix = "FOLIO"

// Storage backends.
const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
	StorageMySQL  = "mysql"
)

// Settings is the root configuration.
type Settings struct {
	Site      SiteSettings      `mapstructure:"site" yaml:"site" json:"site"`
	WebServer WebServerSettings `mapstructure:"webserver" yaml:"webserver" json:"webserver"`
	Offline   OfflineSettings   `mapstructure:"offline" yaml:"offline" json:"offline"`
	Storage   StorageSettings   `mapstructure:"storage" yaml:"storage" json:"storage"`
	Signals   SignalSettings    `mapstructure:"signals" yaml:"signals" json:"signals"`
	Chat      ChatSettings      `mapstructure:"chat" yaml:"chat" json:"chat"`
	Telemetry TelemetrySettings `mapstructure:"telemetry" yaml:"telemetry" json:"telemetry"`
	Log       LogSettings       `mapstructure:"log" yaml:"log" json:"log"`
}

// SiteSettings describes the origin the offline worker caches for.
type SiteSettings struct {
	Name string `mapstructure:"name" yaml:"name" json:"name"`
	// Origin is the public scheme://host of the site. Requests to any other
	// origin are passed through uncached.
	Origin string `mapstructure:"origin" yaml:"origin" json:"origin"`
	// Upstream, when set, is where same-origin requests are fetched from.
	// Empty means the built-in static site handler is the network.
	Upstream string `mapstructure:"upstream" yaml:"upstream" json:"upstream"`
	// Root is a directory of site files served by the built-in handler.
	Root string `mapstructure:"root" yaml:"root" json:"root"`
}

// WebServerSettings configures the listener.
type WebServerSettings struct {
	Listen       string   `mapstructure:"listen" yaml:"listen" json:"listen"`
	Debug        bool     `mapstructure:"debug" yaml:"debug" json:"debug"`
	ReadTimeout  Duration `mapstructure:"read_timeout" yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout Duration `mapstructure:"write_timeout" yaml:"write_timeout" json:"write_timeout"`
}

// OfflineSettings configures the offline cache worker.
type OfflineSettings struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	// Generation is the cache generation tag. Bumping it is the only way to
	// invalidate previously cached content.
	Generation  string   `mapstructure:"generation" yaml:"generation" json:"generation"`
	Manifest    []string `mapstructure:"manifest" yaml:"manifest" json:"manifest"`
	OfflinePage string   `mapstructure:"offline_page" yaml:"offline_page" json:"offline_page"`
	// MaxEntryBytes caps the body size of a runtime cache write.
	MaxEntryBytes int64    `mapstructure:"max_entry_bytes" yaml:"max_entry_bytes" json:"max_entry_bytes"`
	WriteTimeout  Duration `mapstructure:"write_timeout" yaml:"write_timeout" json:"write_timeout"`
	// FetchTimeout bounds a single network fetch. Zero disables the bound.
	FetchTimeout Duration `mapstructure:"fetch_timeout" yaml:"fetch_timeout" json:"fetch_timeout"`
}

// StorageSettings selects the cache storage backend.
type StorageSettings struct {
	Backend string `mapstructure:"backend" yaml:"backend" json:"backend"`
	Path    string `mapstructure:"path" yaml:"path" json:"path"`
	DSN     string `mapstructure:"dsn" yaml:"dsn" json:"-"`
}

// SignalSettings configures external sinks for lifecycle signals.
type SignalSettings struct {
	MQTT   MQTTSettings   `mapstructure:"mqtt" yaml:"mqtt" json:"mqtt"`
	Notify NotifySettings `mapstructure:"notify" yaml:"notify" json:"notify"`
}

// MQTTSettings configures the MQTT signal publisher.
type MQTTSettings struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Broker   string `mapstructure:"broker" yaml:"broker" json:"broker"`
	Topic    string `mapstructure:"topic" yaml:"topic" json:"topic"`
	ClientID string `mapstructure:"client_id" yaml:"client_id" json:"client_id"`
	Username string `mapstructure:"username" yaml:"username" json:"username"`
	Password string `mapstructure:"password" yaml:"password" json:"-"`
}

// NotifySettings configures shoutrrr URLs notified on failed installs.
type NotifySettings struct {
	URLs     []string `mapstructure:"urls" yaml:"urls" json:"-"`
	Cooldown Duration `mapstructure:"cooldown" yaml:"cooldown" json:"cooldown"`
}

// ChatSettings configures the chat completion proxy.
type ChatSettings struct {
	Enabled      bool     `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Endpoint     string   `mapstructure:"endpoint" yaml:"endpoint" json:"endpoint"`
	APIKey       string   `mapstructure:"api_key" yaml:"api_key" json:"-"`
	Model        string   `mapstructure:"model" yaml:"model" json:"model"`
	SystemPrompt string   `mapstructure:"system_prompt" yaml:"system_prompt" json:"system_prompt"`
	Timeout      Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
}

// TelemetrySettings configures error reporting.
type TelemetrySettings struct {
	SentryDSN   string `mapstructure:"sentry_dsn" yaml:"sentry_dsn" json:"-"`
	Environment string `mapstructure:"environment" yaml:"environment" json:"environment"`
}

// LogSettings configures logging.
type LogSettings struct {
	Level string `mapstructure:"level" yaml:"level" json:"level"`
}

// DefaultManifest is the static manifest pre-cached at install time.
func DefaultManifest() []string {
	return []string{"/", "/offline.html", "/manifest.json", "/icon-192.jpg", "/icon-512.jpg"}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("site.name", "folio")
	v.SetDefault("site.origin", "http://localhost:8080")
	v.SetDefault("site.upstream", "")
	v.SetDefault("site.root", "")

	v.SetDefault("webserver.listen", ":8080")
	v.SetDefault("webserver.debug", false)
	v.SetDefault("webserver.read_timeout", "15s")
	v.SetDefault("webserver.write_timeout", "60s")

	v.SetDefault("offline.enabled", true)
	v.SetDefault("offline.generation", "folio-v1")
	v.SetDefault("offline.manifest", DefaultManifest())
	v.SetDefault("offline.offline_page", "/offline.html")
	v.SetDefault("offline.max_entry_bytes", 10<<20)
	v.SetDefault("offline.write_timeout", "5s")
	v.SetDefault("offline.fetch_timeout", "0s")

	v.SetDefault("storage.backend", StorageSQLite)
	v.SetDefault("storage.path", "folio-cache.db")

	v.SetDefault("signals.mqtt.enabled", false)
	v.SetDefault("signals.mqtt.topic", "folio/worker")
	v.SetDefault("signals.mqtt.client_id", "folio")
	v.SetDefault("signals.notify.cooldown", "15m")

	v.SetDefault("chat.enabled", false)
	v.SetDefault("chat.model", "sonar")
	v.SetDefault("chat.system_prompt", "You answer questions about this portfolio's owner, their projects and their experience. Be brief.")
	v.SetDefault("chat.timeout", "30s")

	v.SetDefault("telemetry.environment", "production")
	v.SetDefault("log.level", "info")
}

// NewViper returns a viper instance with defaults and env overrides applied.
// An empty path skips reading a config file.
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Newf("failed to read config file: %w", err).
				Component("conf").
				Category(errors.CategoryConfiguration).
				Context("path", path).
				Build()
		}
	}
	return v, nil
}

// Decode unmarshals and validates settings from v.
func Decode(v *viper.Viper) (*Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s, viper.DecodeHook(DurationDecodeHook())); err != nil {
		return nil, errors.Newf("failed to decode config: %w", err).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Load reads the config at path (optional) and returns validated settings
// together with the viper instance used, for later watching.
func Load(path string) (*Settings, *viper.Viper, error) {
	v, err := NewViper(path)
	if err != nil {
		return nil, nil, err
	}
	s, err := Decode(v)
	if err != nil {
		return nil, nil, err
	}
	return s, v, nil
}

// Watch re-decodes settings whenever the config file changes and passes
// valid results to onChange. Invalid edits are reported through onError and
// otherwise ignored, so the last good settings stay in effect.
func Watch(v *viper.Viper, onChange func(*Settings), onError func(error)) {
	v.OnConfigChange(func(_ fsnotify.Event) {
		s, err := Decode(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(s)
	})
	v.WatchConfig()
}

func validationError(field, msg string, value any) error {
	return errors.Newf("invalid %s: %s", field, msg).
		Component("conf").
		Category(errors.CategoryValidation).
		Context("field", field).
		Context("value", value).
		Build()
}

// Validate checks the settings for values the server cannot run with.
func (s *Settings) Validate() error {
	origin, err := url.Parse(s.Site.Origin)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return validationError("site.origin", "must be an absolute URL", s.Site.Origin)
	}
	if s.Site.Upstream != "" {
		up, err := url.Parse(s.Site.Upstream)
		if err != nil || up.Scheme == "" || up.Host == "" {
			return validationError("site.upstream", "must be an absolute URL", s.Site.Upstream)
		}
	}
	if s.Offline.Enabled {
		if strings.TrimSpace(s.Offline.Generation) == "" {
			return validationError("offline.generation", "must not be empty", s.Offline.Generation)
		}
		if len(s.Offline.Manifest) == 0 {
			return validationError("offline.manifest", "must list at least one URL", s.Offline.Manifest)
		}
		if s.Offline.OfflinePage != "" && !slices.Contains(s.Offline.Manifest, s.Offline.OfflinePage) {
			return validationError("offline.offline_page", "must be part of the manifest", s.Offline.OfflinePage)
		}
		if s.Offline.MaxEntryBytes <= 0 {
			return validationError("offline.max_entry_bytes", "must be positive", s.Offline.MaxEntryBytes)
		}
	}
	switch s.Storage.Backend {
	case StorageMemory:
	case StorageSQLite:
		if s.Storage.Path == "" {
			return validationError("storage.path", "required for sqlite", s.Storage.Path)
		}
	case StorageMySQL:
		if s.Storage.DSN == "" {
			return validationError("storage.dsn", "required for mysql", "")
		}
	default:
		return validationError("storage.backend", "must be memory, sqlite or mysql", s.Storage.Backend)
	}
	if s.Signals.MQTT.Enabled && s.Signals.MQTT.Broker == "" {
		return validationError("signals.mqtt.broker", "required when mqtt is enabled", "")
	}
	if s.Chat.Enabled && s.Chat.Endpoint == "" {
		return validationError("chat.endpoint", "required when chat is enabled", "")
	}
	return nil
}

// OriginURL returns the parsed site origin. Validate guarantees it parses.
func (s *Settings) OriginURL() *url.URL {
	u, _ := url.Parse(s.Site.Origin)
	return u
}

// WriteTimeoutStd returns the background cache write bound.
func (o OfflineSettings) WriteTimeoutStd() time.Duration {
	if o.WriteTimeout <= 0 {
		return 5 * time.Second
	}
	return o.WriteTimeout.Std()
}
