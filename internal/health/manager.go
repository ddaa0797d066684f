// Package health runs the periodic host checks of a Bastion server: the
// capacity heartbeat, disk utilization of the replay store and transport
// loss.
package health

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bastion-project/bastion/internal/config"
	"github.com/bastion-project/bastion/internal/connector"
	"github.com/bastion-project/bastion/internal/events"
	"github.com/bastion-project/bastion/internal/network"
	"github.com/bastion-project/bastion/internal/server"
	"github.com/bastion-project/bastion/internal/util"
)

// Host is the part of server.Manager the checks read.
type Host interface {
	Capacity() server.Capacity
	Uptime() time.Duration
	Transport() server.Transport
}

// Manager runs periodic health checks.
type Manager struct {
	cfg          *config.Config
	eventBus     *events.EventBus
	host         Host
	orchestrator *connector.OrchestratorClient
	version      string

	// sampling hooks, replaced in tests
	cpuUsage func() (float64, error)
	memUsage func() (*util.MemoryUsage, error)

	lastStats network.Stats
}

// NewManager creates a new health check manager. orchestrator may be nil.
func NewManager(
	cfg *config.Config,
	eventBus *events.EventBus,
	host Host,
	orchestrator *connector.OrchestratorClient,
	version string,
) *Manager {
	return &Manager{
		cfg:          cfg,
		eventBus:     eventBus,
		host:         host,
		orchestrator: orchestrator,
		version:      version,
		cpuUsage:     util.GetCPUUsage,
		memUsage:     util.GetMemoryUsage,
	}
}

// Start launches every check on its own ticker and blocks until ctx is
// cancelled.
func (m *Manager) Start(ctx context.Context) {
	timers := m.cfg.GetApplicationData().Timers

	checks := []struct {
		name     string
		interval int
		fn       func(context.Context)
	}{
		{"heartbeat", timers.HeartbeatInterval, m.heartbeat},
		{"disk_utilization", 300, m.checkDiskUtilization},
		{"transport_loss", timers.LagCheckInterval, m.checkTransportLoss},
	}

	started := 0
	for _, check := range checks {
		if check.interval <= 0 {
			continue
		}
		started++

		check := check
		go func() {
			ticker := time.NewTicker(time.Duration(check.interval) * time.Second)
			defer ticker.Stop()

			log.Debug().Str("check", check.name).Msg("running initial health check")
			check.fn(ctx)

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					check.fn(ctx)
				}
			}
		}()
	}

	log.Info().Int("checks", started).Msg("health check manager started")

	<-ctx.Done()
	log.Info().Msg("health check manager stopped")
}

// Heartbeat builds the current liveness and capacity summary.
func (m *Manager) Heartbeat() events.HeartbeatPayload {
	sd := m.cfg.GetServerData()
	c := m.host.Capacity()

	hb := events.HeartbeatPayload{
		Server:      sd.Name,
		Region:      sd.Region,
		Version:     m.version,
		Sessions:    c.Sessions,
		MaxSessions: c.MaxSessions,
		Players:     c.Players,
		Peers:       c.Peers,
		FreeSlots:   c.FreeSlots,
		UptimeSec:   int64(m.host.Uptime().Seconds()),
	}
	if pct, err := m.cpuUsage(); err == nil {
		hb.CPUPercent = pct
	}
	if mem, err := m.memUsage(); err == nil {
		hb.MemPercent = mem.UsedPercent
	}
	return hb
}

// heartbeat publishes the summary on the bus and reports it to the
// orchestrator.
func (m *Manager) heartbeat(ctx context.Context) {
	hb := m.Heartbeat()

	m.eventBus.Emit(ctx, events.Event{
		Type:    events.EventHeartbeat,
		Source:  "health_check",
		Payload: hb,
	})

	if m.orchestrator == nil || !m.orchestrator.Enabled() {
		return
	}
	if err := m.orchestrator.Heartbeat(ctx, hb); err != nil {
		log.Warn().Err(err).Msg("orchestrator heartbeat failed")
	}
}

// checkDiskUtilization watches the volume holding the replay database.
func (m *Manager) checkDiskUtilization(ctx context.Context) {
	replay := m.cfg.GetApplicationData().Replay
	if !replay.Enabled {
		return
	}
	path := filepath.Dir(replay.DatabasePath)

	usage, err := util.GetDiskUsage(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("disk utilization check failed")
		return
	}

	log.Debug().
		Float64("used_percent", usage.UsedPercent).
		Uint64("free_gb", usage.Free).
		Msg("disk utilization")

	level := diskLevel(usage.UsedPercent)
	if level == "" {
		return
	}
	log.Warn().Str("level", level).Msg(fmt.Sprintf("Disk usage at %.1f%% (%d GB free of %d GB total)",
		usage.UsedPercent, usage.Free, usage.Total))
}

// diskLevel maps utilization to an alert level; empty means healthy.
func diskLevel(usedPercent float64) string {
	switch {
	case usedPercent >= 98:
		return "critical"
	case usedPercent >= 95:
		return "error"
	case usedPercent >= 90:
		return "warning"
	default:
		return ""
	}
}

// checkTransportLoss reports the share of datagrams dropped since the last
// check.
func (m *Manager) checkTransportLoss(ctx context.Context) {
	now := m.host.Transport().Stats()
	prev := m.lastStats
	m.lastStats = now

	in := now.PacketsIn - prev.PacketsIn
	dropped := now.Dropped - prev.Dropped
	retransmits := now.Retransmits - prev.Retransmits
	if in == 0 {
		return
	}

	ratio := float64(dropped) / float64(in)
	ev := log.Debug()
	if ratio > 0.05 {
		ev = log.Warn()
	}
	ev.Uint64("packets_in", in).
		Uint64("dropped", dropped).
		Uint64("retransmits", retransmits).
		Int("peers", now.Peers).
		Msg("transport loss")
}
