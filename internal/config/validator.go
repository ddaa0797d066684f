package config

import (
	"fmt"
	"net"
	"os"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	validateServerData(&cfg.ServerData, result)
	validateApplicationData(&cfg.ApplicationData, result)

	return result
}

func validateServerData(data *ServerData, result *ValidationResult) {
	if strings.TrimSpace(data.Name) == "" {
		result.AddError("server_data.svr_name", "server name is required")
	}
	if net.ParseIP(data.BindAddress) == nil {
		result.AddError("server_data.svr_bind_address",
			fmt.Sprintf("invalid bind address: %q", data.BindAddress))
	}

	validatePort(data.GamePort, "server_data.svr_game_port", result)
	validatePort(data.APIPort, "server_data.svr_api_port", result)
	if data.DiscoveryPort != 0 {
		validatePort(data.DiscoveryPort, "server_data.svr_discovery_port", result)
	}

	ports := map[int]string{
		data.GamePort: "game",
		data.APIPort:  "api",
	}
	if data.DiscoveryPort != 0 {
		ports[data.DiscoveryPort] = "discovery"
	}
	want := 2
	if data.DiscoveryPort != 0 {
		want = 3
	}
	if len(ports) < want {
		result.AddError("server_data.ports", "port conflict detected: all ports must be unique")
	}

	if data.MaxSessions < 1 {
		result.AddError("server_data.svr_max_sessions", "must allow at least 1 session")
	}
	if data.MaxPlayersPerSession < 1 {
		result.AddError("server_data.svr_max_players_per_session", "must allow at least 1 player")
	}

	validateTransport(&data.Transport, result)
	validateSession(&data.Session, result)
}

func validateTransport(t *TransportConfig, result *ValidationResult) {
	if t.HandshakeTimeoutMS < 100 {
		result.AddError("transport.handshake_timeout_ms", "handshake timeout must be at least 100ms")
	}
	if t.PeerTimeoutMS < 1000 {
		result.AddError("transport.peer_timeout_ms", "peer timeout must be at least 1000ms")
	}
	if t.ResendIntervalMS < 10 {
		result.AddError("transport.resend_interval_ms", "resend interval must be at least 10ms")
	}
	if t.MaxResends < 1 {
		result.AddError("transport.max_resends", "must allow at least 1 resend")
	}
	if t.PingIntervalMS > 0 && t.PingIntervalMS >= t.PeerTimeoutMS {
		result.AddWarning("transport.ping_interval_ms",
			"ping interval is not shorter than the peer timeout, idle peers will expire")
	}
	if t.MaxDatagramSize > 0 && t.MaxDatagramSize < 512 {
		result.AddWarning("transport.max_datagram_size", "datagram size below 512 bytes will warn on most snapshots")
	}
}

func validateSession(s *SessionConfig, result *ValidationResult) {
	if s.TickRate < 1 || s.TickRate > 128 {
		result.AddError("session.tick_rate", fmt.Sprintf("tick rate %d out of range 1-128", s.TickRate))
	}
	if s.SnapshotIntervalTicks < 1 {
		result.AddError("session.snapshot_interval_ticks", "snapshot interval must be at least 1 tick")
	} else if s.SnapshotIntervalTicks == 1 {
		result.AddWarning("session.snapshot_interval_ticks", "a snapshot every tick defeats delta compression")
	}
	if s.StartingGold < 0 {
		result.AddError("session.starting_gold", "starting gold cannot be negative")
	}
	if s.StartingLives < 1 {
		result.AddError("session.starting_lives", "starting lives must be at least 1")
	}
	if s.InboundQueueSize < 16 {
		result.AddError("session.inbound_queue_size", "inbound queue must hold at least 16 commands")
	}
	if s.ActionRatePerSec < 1 {
		result.AddWarning("session.action_rate_per_sec", "action rate limiting is disabled")
	}
	if s.SellRefundPercent < 0 || s.SellRefundPercent > 100 {
		result.AddError("session.sell_refund_percent", "refund must be within 0-100")
	}
	if s.CatalogFile != "" {
		if _, err := os.Stat(s.CatalogFile); os.IsNotExist(err) {
			result.AddWarning("session.catalog_file",
				fmt.Sprintf("catalog file does not exist, built-in content will be used: %s", s.CatalogFile))
		}
	}
	if strings.TrimSpace(s.SeedSecret) == "" {
		result.AddWarning("session.seed_secret", "no seed secret set, combat rolls are predictable from the match id")
	}
}

func validateApplicationData(data *ApplicationData, result *ValidationResult) {
	validateTimers(&data.Timers, result)

	c := data.Collaborators
	if c.AuthURL == "" && !c.AuthDevMode {
		result.AddError("collaborators.auth_url", "an auth URL is required unless auth_dev_mode is enabled")
	}
	if c.AuthDevMode {
		result.AddWarning("collaborators.auth_dev_mode", "dev auth accepts unsigned tokens, do not use in production")
	}
	switch c.DataBackend {
	case "http":
		if c.DataURL == "" {
			result.AddWarning("collaborators.data_url", "no data URL set, players start with empty loadouts")
		}
	case "sqlite":
		if strings.TrimSpace(data.Replay.DatabasePath) == "" {
			result.AddError("collaborators.data_backend", "sqlite backend needs replay.database_path")
		}
	default:
		result.AddError("collaborators.data_backend",
			fmt.Sprintf("unknown data backend %q (want http or sqlite)", c.DataBackend))
	}
	if c.RequestTimeoutMS < 100 {
		result.AddError("collaborators.request_timeout_ms", "request timeout must be at least 100ms")
	}

	if data.Cache.BonusTTLSec < 1 {
		result.AddError("cache.bonus_ttl_sec", "bonus TTL must be at least 1 second")
	}
	if data.Cache.BonusSize < 1 {
		result.AddError("cache.bonus_size", "bonus cache must hold at least 1 entry")
	}

	if data.Replay.Enabled {
		if strings.TrimSpace(data.Replay.DatabasePath) == "" {
			result.AddError("replay.database_path", "database path is required when replays are enabled")
		}
		if data.Replay.RetentionDays < 1 {
			result.AddError("replay.retention_days", "retention days must be at least 1")
		}
	}

	if data.MQTT.Enabled {
		if strings.TrimSpace(data.MQTT.BrokerURL) == "" {
			result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if data.MQTT.Port < 1 || data.MQTT.Port > 65535 {
			result.AddError("mqtt.port", "invalid MQTT port")
		}
	}

	if !data.Security.AuthDisabled && strings.TrimSpace(data.Security.APIToken) == "" {
		result.AddWarning("security.api_token", "no API token set, protected API routes will reject every request")
	}
	if data.Security.RateLimitRPS < 1 {
		result.AddWarning("security.rate_limit_rps",
			"rate limit is disabled (0 RPS), this may expose the API to abuse")
	}
}

func validateTimers(timers *TimerConfig, result *ValidationResult) {
	if timers.HeartbeatInterval < 5 {
		result.AddWarning("timers.heartbeat_interval",
			"heartbeat interval less than 5s may cause excessive traffic")
	}
	if timers.ReplayCleanupInterval < 60 {
		result.AddWarning("timers.replay_cleanup_interval", "replay cleanup more than once a minute is wasteful")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// IsPortAvailable checks if a port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
