package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "CLINICSYNC"
	defaultHTTPAddress         = "127.0.0.1:8085"
	defaultDatabasePath        = "clinicsync.db"
	defaultLogLevel            = "info"
	defaultLogFormat           = "json"
	defaultBackendTimeout      = 15 * time.Second
	defaultBackendIssuer       = "clinicsync"
	defaultBackendAudience     = "clinic-backend"
	defaultBackendSubject      = "clinicsync-client"
	defaultTokenTTL            = 30 * time.Minute
	defaultCacheStaleness      = 10 * time.Second
	defaultRefreshInterval     = 60 * time.Second
	defaultFetchTimeout        = 15 * time.Second
	defaultQueueMaxAttempts    = 5
	defaultQueueBackoffBase    = time.Second
	defaultQueueBackoffMax     = time.Minute
	defaultQueueAttemptTimeout = 15 * time.Second
	defaultProbeInterval       = 15 * time.Second
	defaultProbeTimeout        = 5 * time.Second
	defaultReconnectBase       = 500 * time.Millisecond
	defaultReconnectMax        = 30 * time.Second
)

// AppConfig captures runtime configuration for the clinicsync process.
type AppConfig struct {
	HTTPAddress string

	BackendBaseURL       string
	BackendRealtimeURL   string
	BackendSigningSecret string
	BackendIssuer        string
	BackendAudience      string
	BackendSubject       string
	BackendTimeout       time.Duration
	BackendTokenTTL      time.Duration

	DatabasePath string
	LogLevel     string
	LogFormat    string

	CacheStaleness       time.Duration
	CacheRefreshInterval time.Duration
	CacheFetchTimeout    time.Duration

	QueueMaxAttempts    int
	QueueBackoffBase    time.Duration
	QueueBackoffMax     time.Duration
	QueueAttemptTimeout time.Duration

	NetworkProbeInterval time.Duration
	NetworkProbeTimeout  time.Duration

	RealtimeReconnectBase time.Duration
	RealtimeReconnectMax  time.Duration

	WatchScopes []string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("backend.issuer", defaultBackendIssuer)
	configViper.SetDefault("backend.audience", defaultBackendAudience)
	configViper.SetDefault("backend.subject", defaultBackendSubject)
	configViper.SetDefault("backend.timeout", defaultBackendTimeout)
	configViper.SetDefault("backend.token_ttl", defaultTokenTTL)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("cache.staleness", defaultCacheStaleness)
	configViper.SetDefault("cache.refresh_interval", defaultRefreshInterval)
	configViper.SetDefault("cache.fetch_timeout", defaultFetchTimeout)
	configViper.SetDefault("queue.max_attempts", defaultQueueMaxAttempts)
	configViper.SetDefault("queue.backoff_base", defaultQueueBackoffBase)
	configViper.SetDefault("queue.backoff_max", defaultQueueBackoffMax)
	configViper.SetDefault("queue.attempt_timeout", defaultQueueAttemptTimeout)
	configViper.SetDefault("network.probe_interval", defaultProbeInterval)
	configViper.SetDefault("network.probe_timeout", defaultProbeTimeout)
	configViper.SetDefault("realtime.reconnect_base", defaultReconnectBase)
	configViper.SetDefault("realtime.reconnect_max", defaultReconnectMax)
	configViper.SetDefault("scopes.watch", []string{})
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:           configViper.GetString("http.address"),
		BackendBaseURL:        configViper.GetString("backend.base_url"),
		BackendRealtimeURL:    configViper.GetString("backend.realtime_url"),
		BackendSigningSecret:  configViper.GetString("backend.signing_secret"),
		BackendIssuer:         configViper.GetString("backend.issuer"),
		BackendAudience:       configViper.GetString("backend.audience"),
		BackendSubject:        configViper.GetString("backend.subject"),
		BackendTimeout:        configViper.GetDuration("backend.timeout"),
		BackendTokenTTL:       configViper.GetDuration("backend.token_ttl"),
		DatabasePath:          configViper.GetString("database.path"),
		LogLevel:              configViper.GetString("log.level"),
		LogFormat:             configViper.GetString("log.format"),
		CacheStaleness:        configViper.GetDuration("cache.staleness"),
		CacheRefreshInterval:  configViper.GetDuration("cache.refresh_interval"),
		CacheFetchTimeout:     configViper.GetDuration("cache.fetch_timeout"),
		QueueMaxAttempts:      configViper.GetInt("queue.max_attempts"),
		QueueBackoffBase:      configViper.GetDuration("queue.backoff_base"),
		QueueBackoffMax:       configViper.GetDuration("queue.backoff_max"),
		QueueAttemptTimeout:   configViper.GetDuration("queue.attempt_timeout"),
		NetworkProbeInterval:  configViper.GetDuration("network.probe_interval"),
		NetworkProbeTimeout:   configViper.GetDuration("network.probe_timeout"),
		RealtimeReconnectBase: configViper.GetDuration("realtime.reconnect_base"),
		RealtimeReconnectMax:  configViper.GetDuration("realtime.reconnect_max"),
		WatchScopes:           normalizeScopes(configViper.GetStringSlice("scopes.watch")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.BackendBaseURL) == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	if _, err := url.ParseRequestURI(c.BackendBaseURL); err != nil {
		return fmt.Errorf("backend.base_url is invalid: %w", err)
	}
	if c.BackendRealtimeURL != "" {
		parsed, err := url.Parse(c.BackendRealtimeURL)
		if err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") {
			return fmt.Errorf("backend.realtime_url must be a ws:// or wss:// url")
		}
	}
	if strings.TrimSpace(c.BackendSigningSecret) == "" {
		return fmt.Errorf("backend.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console")
	}
	if c.CacheStaleness <= 0 {
		return fmt.Errorf("cache.staleness must be positive")
	}
	if c.CacheRefreshInterval <= 0 {
		return fmt.Errorf("cache.refresh_interval must be positive")
	}
	if c.QueueMaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be positive")
	}
	if c.QueueBackoffBase <= 0 || c.QueueBackoffMax < c.QueueBackoffBase {
		return fmt.Errorf("queue.backoff_max must be at least queue.backoff_base")
	}
	return nil
}

func normalizeScopes(raw []string) []string {
	scopes := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, entry := range raw {
		// env values arrive as one comma separated string
		for _, part := range strings.Split(entry, ",") {
			scope := strings.TrimSpace(part)
			if scope == "" {
				continue
			}
			if _, ok := seen[scope]; ok {
				continue
			}
			seen[scope] = struct{}{}
			scopes = append(scopes, scope)
		}
	}
	return scopes
}
