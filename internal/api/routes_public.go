package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bastion-project/bastion/internal/util"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "bastion",
		"version": s.version,
	})
}

// handleGetServerInfo returns basic host information.
func (s *Server) handleGetServerInfo(c *gin.Context) {
	sd := s.cfg.GetServerData()
	sysInfo := util.GetSystemInfo()
	capacity := s.manager.Capacity()

	c.JSON(http.StatusOK, gin.H{
		"server_name":     sd.Name,
		"server_region":   sd.Region,
		"server_version":  sd.ServerVersion,
		"version":         s.version,
		"game_port":       sd.GamePort,
		"tick_rate":       sd.Session.TickRate,
		"sessions":        capacity.Sessions,
		"max_sessions":    capacity.MaxSessions,
		"free_slots":      capacity.FreeSlots,
		"uptime_sec":      int64(s.manager.Uptime().Seconds()),
		"platform":        sysInfo.Platform,
		"cpu_cores":       sysInfo.CPUCores,
		"total_memory_mb": sysInfo.TotalMemory,
	})
}

// handleGetCapacity returns the capacity figures the orchestrator places by.
func (s *Server) handleGetCapacity(c *gin.Context) {
	c.JSON(http.StatusOK, s.manager.Capacity())
}
