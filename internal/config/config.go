// Package config handles configuration loading, validation, and persistence
// for the Bastion session server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir     = "config"
	DefaultConfigFile    = "config.json"
	DefaultGamePort      = 7777
	DefaultDiscoveryPort = 7776
	DefaultAPIPort       = 5080
)

// Config is the root configuration structure for Bastion.
type Config struct {
	mu   sync.RWMutex
	path string

	ServerData      ServerData      `json:"server_data"`
	ApplicationData ApplicationData `json:"application_data"`
}

// ServerData describes the host and the simulation it runs.
type ServerData struct {
	// Identity
	Name          string `json:"svr_name"`
	Region        string `json:"svr_region"`
	ServerVersion string `json:"svr_version"`

	// Network
	BindAddress   string `json:"svr_bind_address"`
	GamePort      int    `json:"svr_game_port"`
	DiscoveryPort int    `json:"svr_discovery_port"`
	APIPort       int    `json:"svr_api_port"`

	// Capacity
	MaxSessions          int `json:"svr_max_sessions"`
	MaxPlayersPerSession int `json:"svr_max_players_per_session"`

	Transport TransportConfig `json:"transport"`
	Session   SessionConfig   `json:"session"`
}

// TransportConfig holds UDP transport tuning.
type TransportConfig struct {
	HandshakeTimeoutMS int `json:"handshake_timeout_ms"`
	PeerTimeoutMS      int `json:"peer_timeout_ms"`
	ResendIntervalMS   int `json:"resend_interval_ms"`
	PingIntervalMS     int `json:"ping_interval_ms"`
	MaxResends         int `json:"max_resends"`
	MaxQueuedEvents    int `json:"max_queued_events"`
	MaxDatagramSize    int `json:"max_datagram_size"`
}

// HandshakeTimeout is the window for a peer to complete Connect and auth.
func (t TransportConfig) HandshakeTimeout() time.Duration {
	return time.Duration(t.HandshakeTimeoutMS) * time.Millisecond
}

// PeerTimeout is the liveness window.
func (t TransportConfig) PeerTimeout() time.Duration {
	return time.Duration(t.PeerTimeoutMS) * time.Millisecond
}

// ResendInterval is the minimum reliable retransmit delay.
func (t TransportConfig) ResendInterval() time.Duration {
	return time.Duration(t.ResendIntervalMS) * time.Millisecond
}

// PingInterval is the keepalive period.
func (t TransportConfig) PingInterval() time.Duration {
	return time.Duration(t.PingIntervalMS) * time.Millisecond
}

// SessionConfig holds per-match simulation settings.
type SessionConfig struct {
	TickRate              int    `json:"tick_rate"`
	SnapshotIntervalTicks int    `json:"snapshot_interval_ticks"`
	StartingGold          int    `json:"starting_gold"`
	StartingLives         int    `json:"starting_lives"`
	MinPlayerTimeoutSec   int    `json:"min_player_timeout_sec"`
	IntermissionSec       int    `json:"intermission_sec"`
	AbandonTimeoutSec     int    `json:"abandon_timeout_sec"`
	ActionRatePerSec      int    `json:"action_rate_per_sec"`
	ActionBurst           int    `json:"action_burst"`
	InboundQueueSize      int    `json:"inbound_queue_size"`
	LoadoutTimeoutMS      int    `json:"loadout_timeout_ms"`
	SellRefundPercent     int    `json:"sell_refund_percent"`
	ResourceLifetimeSec   int    `json:"resource_lifetime_sec"`
	CatalogFile           string `json:"catalog_file"`
	MapsDirectory         string `json:"maps_directory"`
	DefaultMap            string `json:"default_map"`
	SeedSecret            string `json:"seed_secret"`
}

// ApplicationData contains ambient service configuration.
type ApplicationData struct {
	Timers        TimerConfig         `json:"timers"`
	Collaborators CollaboratorsConfig `json:"collaborators"`
	Cache         CacheConfig         `json:"cache"`
	Replay        ReplayConfig        `json:"replay"`
	MQTT          MQTTConfig          `json:"mqtt"`
	Security      SecurityConfig      `json:"security"`
	Logging       LoggingConfig       `json:"logging"`
}

// TimerConfig holds background task intervals.
type TimerConfig struct {
	HeartbeatInterval     int `json:"heartbeat_interval_sec"`
	LagCheckInterval      int `json:"lag_check_interval_sec"`
	LagThresholdMS        int `json:"lag_threshold_ms"`
	LagAlertCount         int `json:"lag_alert_count"`
	ReplayCleanupInterval int `json:"replay_cleanup_interval_sec"`
}

// CollaboratorsConfig points at the external services the engine consults.
type CollaboratorsConfig struct {
	AuthURL          string `json:"auth_url"`
	DataURL          string `json:"data_url"`
	BonusURL         string `json:"bonus_url"`
	OrchestratorURL  string `json:"orchestrator_url"`
	APIKey           string `json:"api_key"`
	RequestTimeoutMS int    `json:"request_timeout_ms"`
	DataBackend      string `json:"data_backend"`
	AuthDevMode      bool   `json:"auth_dev_mode"`
}

// RequestTimeout bounds every collaborator call.
func (c CollaboratorsConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// CacheConfig holds tower-bonus cache settings.
type CacheConfig struct {
	BonusTTLSec int `json:"bonus_ttl_sec"`
	BonusSize   int `json:"bonus_size"`
}

// ReplayConfig holds replay journal settings.
type ReplayConfig struct {
	Enabled       bool   `json:"enabled"`
	DatabasePath  string `json:"database_path"`
	RetentionDays int    `json:"retention_days"`
	BatchSize     int    `json:"batch_size"`
}

// MQTTConfig holds event sink settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	CAFile      string `json:"ca_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// SecurityConfig holds API security settings.
type SecurityConfig struct {
	APIToken       string   `json:"api_token"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	AuthDisabled   bool     `json:"auth_disabled"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Console    bool   `json:"console"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ServerData: ServerData{
			Name:                 "bastion",
			Region:               "local",
			ServerVersion:        "1.0.0",
			BindAddress:          "0.0.0.0",
			GamePort:             DefaultGamePort,
			DiscoveryPort:        DefaultDiscoveryPort,
			APIPort:              DefaultAPIPort,
			MaxSessions:          16,
			MaxPlayersPerSession: 4,
			Transport: TransportConfig{
				HandshakeTimeoutMS: 10000,
				PeerTimeoutMS:      15000,
				ResendIntervalMS:   200,
				PingIntervalMS:     1000,
				MaxResends:         20,
				MaxQueuedEvents:    4096,
				MaxDatagramSize:    1400,
			},
			Session: SessionConfig{
				TickRate:              20,
				SnapshotIntervalTicks: 40,
				StartingGold:          500,
				StartingLives:         20,
				MinPlayerTimeoutSec:   60,
				IntermissionSec:       10,
				AbandonTimeoutSec:     30,
				ActionRatePerSec:      10,
				ActionBurst:           20,
				InboundQueueSize:      1024,
				LoadoutTimeoutMS:      3000,
				SellRefundPercent:     70,
				ResourceLifetimeSec:   15,
				MapsDirectory:         "maps",
				DefaultMap:            "meadow",
			},
		},
		ApplicationData: ApplicationData{
			Timers: TimerConfig{
				HeartbeatInterval:     30,
				LagCheckInterval:      60,
				LagThresholdMS:        0,
				LagAlertCount:         20,
				ReplayCleanupInterval: 3600,
			},
			Collaborators: CollaboratorsConfig{
				RequestTimeoutMS: 2000,
				DataBackend:      "http",
				AuthDevMode:      true,
			},
			Cache: CacheConfig{
				BonusTTLSec: 300,
				BonusSize:   10000,
			},
			Replay: ReplayConfig{
				Enabled:       true,
				DatabasePath:  "data/bastion.db",
				RetentionDays: 7,
				BatchSize:     256,
			},
			MQTT: MQTTConfig{
				Enabled:     false,
				BrokerURL:   "localhost",
				Port:        1883,
				TopicPrefix: "bastion",
			},
			Security: SecurityConfig{
				RateLimitRPS: 50,
				AuthDisabled: false,
			},
			Logging: LoggingConfig{
				Level:      "info",
				Directory:  "logs",
				MaxSizeMB:  50,
				MaxBackups: 5,
				MaxAgeDays: 14,
				Console:    true,
			},
		},
	}
}

// Load reads configuration from a JSON file.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Re-save so config.json lists options added since it was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetServerData returns a copy of the server configuration.
func (c *Config) GetServerData() ServerData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ServerData
}

// SetServerData updates the server configuration.
func (c *Config) SetServerData(data ServerData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ServerData = data
}

// GetApplicationData returns a copy of the application configuration.
func (c *Config) GetApplicationData() ApplicationData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ApplicationData
}

// SetApplicationData updates the application configuration.
func (c *Config) SetApplicationData(data ApplicationData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ApplicationData = data
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// IsFirstRun returns true if no collaborator endpoints are configured and
// dev auth is off, meaning the server cannot admit anyone.
func (c *Config) IsFirstRun() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ApplicationData.Collaborators.AuthURL == "" && !c.ApplicationData.Collaborators.AuthDevMode
}
