package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fleetlink/fleetlink/pkg/errdefs"
	"github.com/fleetlink/fleetlink/pkg/log"
)

// Default platform endpoints.
const (
	DefaultRestBaseURL  = "https://webapi.townshiptale.com/api"
	DefaultTokenURL     = "https://accounts.townshiptale.com/connect/token"
	DefaultWebSocketURL = "wss://websocket.townshiptale.com"
)

// Scopes recognised for bot credentials.
var KnownScopes = []string{
	"group.info",
	"group.invite",
	"group.join",
	"group.leave",
	"server.console",
	"server.view",
	"ws.group",
	"ws.group_bans",
	"ws.group_invites",
	"ws.group_members",
	"ws.group_servers",
}

var passwordHashPattern = regexp.MustCompile(`(?i)^[0-9a-f]{128}$`)

// Credentials identifies the principal. Exactly one of the two forms must
// be populated: bot (ClientID/ClientSecret/Scopes) or user
// (Username/Password).
type Credentials struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`

	Username string `yaml:"username"`
	// Password is either a plain password or an already-computed SHA-512
	// hex digest; digests are detected and passed through unhashed.
	Password string `yaml:"password"`
}

// IsBot reports whether the credentials describe a bot principal.
func (c *Credentials) IsBot() bool {
	return c.ClientID != ""
}

// IsUser reports whether the credentials describe a user principal.
func (c *Credentials) IsUser() bool {
	return c.Username != ""
}

// IsHashedPassword reports whether s already looks like a SHA-512 digest.
func IsHashedPassword(s string) bool {
	return passwordHashPattern.MatchString(s)
}

// Config holds all recognised client options. Durations replace the raw
// millisecond counts of the wire-level configuration.
type Config struct {
	Credentials Credentials `yaml:"credentials"`

	// Group filtering. A non-empty IncludedGroups list wins over
	// ExcludedGroups.
	IncludedGroups []int64 `yaml:"included_groups"`
	ExcludedGroups []int64 `yaml:"excluded_groups"`

	LogVerbosity log.Level `yaml:"log_verbosity"`
	LogPrefix    string    `yaml:"log_prefix"`

	MaxWorkerConcurrency         int `yaml:"max_worker_concurrency"`
	MaxSubscriptionsPerWebSocket int `yaml:"max_subscriptions_per_websocket"`
	MaxMissedServerHeartbeats    int `yaml:"max_missed_server_heartbeats"`

	ServerHeartbeatInterval       time.Duration `yaml:"server_heartbeat_interval"`
	ServerConnectionRecoveryDelay time.Duration `yaml:"server_connection_recovery_delay"`
	SupportedServerFleets         []string      `yaml:"supported_server_fleets"`

	WebSocketPingInterval            time.Duration `yaml:"websocket_ping_interval"`
	WebSocketMigrationInterval       time.Duration `yaml:"websocket_migration_interval"`
	WebSocketMigrationHandoverPeriod time.Duration `yaml:"websocket_migration_handover_period"`
	WebSocketMigrationRetryDelay     time.Duration `yaml:"websocket_migration_retry_delay"`
	WebSocketRecoveryRetryDelay      time.Duration `yaml:"websocket_recovery_retry_delay"`
	WebSocketRecoveryTimeout         time.Duration `yaml:"websocket_recovery_timeout"`
	WebSocketRequestAttempts         int           `yaml:"websocket_request_attempts"`
	WebSocketRequestRetryDelay       time.Duration `yaml:"websocket_request_retry_delay"`

	APIRequestAttempts   int           `yaml:"api_request_attempts"`
	APIRequestRetryDelay time.Duration `yaml:"api_request_retry_delay"`
	APIRequestTimeout    time.Duration `yaml:"api_request_timeout"`

	RestBaseURL  string `yaml:"rest_base_url"`
	TokenURL     string `yaml:"token_url"`
	WebSocketURL string `yaml:"websocket_url"`
	XAPIKey      string `yaml:"x_api_key"`
}

// ApplyDefaults fills zero-valued options with their defaults.
func (c *Config) ApplyDefaults() {
	if c.LogVerbosity == "" {
		c.LogVerbosity = log.InfoLevel
	}
	if c.MaxWorkerConcurrency == 0 {
		c.MaxWorkerConcurrency = 5
	}
	if c.MaxSubscriptionsPerWebSocket == 0 {
		c.MaxSubscriptionsPerWebSocket = 500
	}
	if c.MaxMissedServerHeartbeats == 0 {
		c.MaxMissedServerHeartbeats = 3
	}
	if c.ServerHeartbeatInterval == 0 {
		c.ServerHeartbeatInterval = 20 * time.Second
	}
	if c.ServerConnectionRecoveryDelay == 0 {
		c.ServerConnectionRecoveryDelay = 10 * time.Second
	}
	if c.SupportedServerFleets == nil {
		c.SupportedServerFleets = []string{"att-release", "att-quest"}
	}
	if c.WebSocketPingInterval == 0 {
		c.WebSocketPingInterval = 5 * time.Minute
	}
	if c.WebSocketMigrationInterval == 0 {
		c.WebSocketMigrationInterval = 110 * time.Minute
	}
	if c.WebSocketMigrationHandoverPeriod == 0 {
		c.WebSocketMigrationHandoverPeriod = 10 * time.Second
	}
	if c.WebSocketMigrationRetryDelay == 0 {
		c.WebSocketMigrationRetryDelay = 10 * time.Second
	}
	if c.WebSocketRecoveryRetryDelay == 0 {
		c.WebSocketRecoveryRetryDelay = 5 * time.Second
	}
	if c.WebSocketRecoveryTimeout == 0 {
		c.WebSocketRecoveryTimeout = 2 * time.Minute
	}
	if c.WebSocketRequestAttempts == 0 {
		c.WebSocketRequestAttempts = 3
	}
	if c.WebSocketRequestRetryDelay == 0 {
		c.WebSocketRequestRetryDelay = 3 * time.Second
	}
	if c.APIRequestAttempts == 0 {
		c.APIRequestAttempts = 3
	}
	if c.APIRequestRetryDelay == 0 {
		c.APIRequestRetryDelay = 3 * time.Second
	}
	if c.APIRequestTimeout == 0 {
		c.APIRequestTimeout = 5 * time.Second
	}
	if c.RestBaseURL == "" {
		c.RestBaseURL = DefaultRestBaseURL
	}
	if c.TokenURL == "" {
		c.TokenURL = DefaultTokenURL
	}
	if c.WebSocketURL == "" {
		c.WebSocketURL = DefaultWebSocketURL
	}
}

// Validate checks credential shape, scope membership, and list disjointness.
func (c *Config) Validate() error {
	bot, user := c.Credentials.IsBot(), c.Credentials.IsUser()
	switch {
	case bot && user:
		return errdefs.NewConfigError("credentials", "client and user credentials are mutually exclusive")
	case !bot && !user:
		return errdefs.NewConfigError("credentials", "either client or user credentials are required")
	}

	if bot {
		if c.Credentials.ClientSecret == "" {
			return errdefs.NewConfigError("credentials.client_secret", "required for client credentials")
		}
		for _, s := range c.Credentials.Scopes {
			if !isKnownScope(s) {
				return errdefs.NewConfigError("credentials.scopes", fmt.Sprintf("unknown scope %q", s))
			}
		}
	} else if c.Credentials.Password == "" {
		return errdefs.NewConfigError("credentials.password", "required for user credentials")
	}

	included := make(map[int64]struct{}, len(c.IncludedGroups))
	for _, id := range c.IncludedGroups {
		included[id] = struct{}{}
	}
	for _, id := range c.ExcludedGroups {
		if _, ok := included[id]; ok {
			return errdefs.NewConfigError("excluded_groups", fmt.Sprintf("group %d is both included and excluded", id))
		}
	}

	return nil
}

// rawConfig mirrors Config with durations as strings so the YAML file
// can say "20s" instead of nanosecond counts.
type rawConfig struct {
	Credentials Credentials `yaml:"credentials"`

	IncludedGroups []int64 `yaml:"included_groups"`
	ExcludedGroups []int64 `yaml:"excluded_groups"`

	LogVerbosity log.Level `yaml:"log_verbosity"`
	LogPrefix    string    `yaml:"log_prefix"`

	MaxWorkerConcurrency         int `yaml:"max_worker_concurrency"`
	MaxSubscriptionsPerWebSocket int `yaml:"max_subscriptions_per_websocket"`
	MaxMissedServerHeartbeats    int `yaml:"max_missed_server_heartbeats"`

	ServerHeartbeatInterval       string   `yaml:"server_heartbeat_interval"`
	ServerConnectionRecoveryDelay string   `yaml:"server_connection_recovery_delay"`
	SupportedServerFleets         []string `yaml:"supported_server_fleets"`

	WebSocketPingInterval            string `yaml:"websocket_ping_interval"`
	WebSocketMigrationInterval       string `yaml:"websocket_migration_interval"`
	WebSocketMigrationHandoverPeriod string `yaml:"websocket_migration_handover_period"`
	WebSocketMigrationRetryDelay     string `yaml:"websocket_migration_retry_delay"`
	WebSocketRecoveryRetryDelay      string `yaml:"websocket_recovery_retry_delay"`
	WebSocketRecoveryTimeout         string `yaml:"websocket_recovery_timeout"`
	WebSocketRequestAttempts         int    `yaml:"websocket_request_attempts"`
	WebSocketRequestRetryDelay       string `yaml:"websocket_request_retry_delay"`

	APIRequestAttempts   int    `yaml:"api_request_attempts"`
	APIRequestRetryDelay string `yaml:"api_request_retry_delay"`
	APIRequestTimeout    string `yaml:"api_request_timeout"`

	RestBaseURL  string `yaml:"rest_base_url"`
	TokenURL     string `yaml:"token_url"`
	WebSocketURL string `yaml:"websocket_url"`
	XAPIKey      string `yaml:"x_api_key"`
}

// Load reads a YAML configuration file, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg := Config{
		Credentials:                  raw.Credentials,
		IncludedGroups:               raw.IncludedGroups,
		ExcludedGroups:               raw.ExcludedGroups,
		LogVerbosity:                 raw.LogVerbosity,
		LogPrefix:                    raw.LogPrefix,
		MaxWorkerConcurrency:         raw.MaxWorkerConcurrency,
		MaxSubscriptionsPerWebSocket: raw.MaxSubscriptionsPerWebSocket,
		MaxMissedServerHeartbeats:    raw.MaxMissedServerHeartbeats,
		SupportedServerFleets:        raw.SupportedServerFleets,
		WebSocketRequestAttempts:     raw.WebSocketRequestAttempts,
		APIRequestAttempts:           raw.APIRequestAttempts,
		RestBaseURL:                  raw.RestBaseURL,
		TokenURL:                     raw.TokenURL,
		WebSocketURL:                 raw.WebSocketURL,
		XAPIKey:                      raw.XAPIKey,
	}

	durations := []struct {
		field string
		raw   string
		out   *time.Duration
	}{
		{"server_heartbeat_interval", raw.ServerHeartbeatInterval, &cfg.ServerHeartbeatInterval},
		{"server_connection_recovery_delay", raw.ServerConnectionRecoveryDelay, &cfg.ServerConnectionRecoveryDelay},
		{"websocket_ping_interval", raw.WebSocketPingInterval, &cfg.WebSocketPingInterval},
		{"websocket_migration_interval", raw.WebSocketMigrationInterval, &cfg.WebSocketMigrationInterval},
		{"websocket_migration_handover_period", raw.WebSocketMigrationHandoverPeriod, &cfg.WebSocketMigrationHandoverPeriod},
		{"websocket_migration_retry_delay", raw.WebSocketMigrationRetryDelay, &cfg.WebSocketMigrationRetryDelay},
		{"websocket_recovery_retry_delay", raw.WebSocketRecoveryRetryDelay, &cfg.WebSocketRecoveryRetryDelay},
		{"websocket_recovery_timeout", raw.WebSocketRecoveryTimeout, &cfg.WebSocketRecoveryTimeout},
		{"websocket_request_retry_delay", raw.WebSocketRequestRetryDelay, &cfg.WebSocketRequestRetryDelay},
		{"api_request_retry_delay", raw.APIRequestRetryDelay, &cfg.APIRequestRetryDelay},
		{"api_request_timeout", raw.APIRequestTimeout, &cfg.APIRequestTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, errdefs.NewConfigError(d.field, err.Error())
		}
		*d.out = parsed
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func isKnownScope(s string) bool {
	for _, known := range KnownScopes {
		if s == known {
			return true
		}
	}
	return false
}
