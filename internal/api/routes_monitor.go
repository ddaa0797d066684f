package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/bastion-project/bastion/internal/server"
	"github.com/bastion-project/bastion/internal/util"
)

// handleListSessions returns the status of every hosted session.
func (s *Server) handleListSessions(c *gin.Context) {
	sessions := s.manager.Sessions()
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

func (s *Server) handleGetSession(c *gin.Context) {
	info, ok := s.manager.Session(c.Param("match_id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, info)
}

// handleListPeers returns every transport peer, admitted or not.
func (s *Server) handleListPeers(c *gin.Context) {
	peers := s.manager.Transport().Peers()
	c.JSON(http.StatusOK, gin.H{
		"peers": peers,
		"total": len(peers),
	})
}

func (s *Server) handleTransportStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.manager.Transport().Stats())
}

// handleGetLag returns overrun history for every session.
func (s *Server) handleGetLag(c *gin.Context) {
	lag := s.manager.Lag()
	c.JSON(http.StatusOK, gin.H{
		"matches": lag.GetAllMatchData(),
		"alerts":  lag.CheckThresholds(),
	})
}

func (s *Server) handleGetMatchLag(c *gin.Context) {
	data, ok := s.manager.Lag().GetMatchData(c.Param("match_id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no lag data for match"})
		return
	}
	c.JSON(http.StatusOK, data)
}

// handleGetSystem returns host CPU, memory and process usage.
func (s *Server) handleGetSystem(c *gin.Context) {
	cpuPercent, err := util.GetCPUUsage()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	mem, err := util.GetMemoryUsage()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := gin.H{
		"cpu_percent": cpuPercent,
		"memory":      mem,
	}
	if proc, err := util.GetProcessUsage(); err == nil {
		resp["process"] = proc
	}
	c.JSON(http.StatusOK, resp)
}

// handleListReplays returns the most recent recorded matches.
func (s *Server) handleListReplays(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	records, err := s.manager.RecentReplays(c.Request.Context(), limit)
	if errors.Is(err, server.ErrReplaysDisabled) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"replays": records,
		"count":   len(records),
	})
}
