package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/bastion-project/bastion/internal/db"
	"github.com/bastion-project/bastion/internal/server"
)

// handleCreateSession accepts a session handoff from the orchestrator.
func (s *Server) handleCreateSession(c *gin.Context) {
	var req server.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	info, err := s.manager.CreateSession(req)
	if err != nil {
		c.JSON(createStatus(err), gin.H{"error": err.Error()})
		return
	}

	log.Info().
		Str("match_id", info.MatchID).
		Interface("client", c.Value("api_client")).
		Msg("API: session created")
	c.JSON(http.StatusCreated, info)
}

// createStatus maps CreateSession errors to HTTP status codes.
func createStatus(err error) int {
	switch {
	case errors.Is(err, server.ErrAtCapacity), errors.Is(err, server.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, server.ErrSessionExists), errors.Is(err, server.ErrUserBusy):
		return http.StatusConflict
	case errors.Is(err, server.ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type abortRequest struct {
	Reason string `json:"reason"`
}

// handleAbortSession ends a session with the aborted outcome.
func (s *Server) handleAbortSession(c *gin.Context) {
	matchID := c.Param("match_id")

	var req abortRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "aborted by operator"
	}

	if err := s.manager.Abort(matchID, req.Reason); err != nil {
		if errors.Is(err, server.ErrUnknownSession) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	log.Info().Str("match_id", matchID).Str("reason", req.Reason).Msg("API: session aborted")
	c.JSON(http.StatusAccepted, gin.H{"status": "aborting", "match_id": matchID})
}

// handleInvalidateBonuses drops a user's cached tower bonuses.
func (s *Server) handleInvalidateBonuses(c *gin.Context) {
	userID := c.Param("user_id")
	sessions := s.manager.InvalidateBonuses(userID)
	c.JSON(http.StatusOK, gin.H{
		"status":   "invalidated",
		"user_id":  userID,
		"sessions": sessions,
	})
}

// handleVerifyReplay re-runs a recorded match and compares digests.
func (s *Server) handleVerifyReplay(c *gin.Context) {
	result, err := s.manager.Verify(c.Request.Context(), c.Param("match_id"))
	switch {
	case err == nil:
	case errors.Is(err, db.ErrNotFound), errors.Is(err, server.ErrReplaysDisabled):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	default:
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	status := http.StatusOK
	if !result.Match {
		status = http.StatusConflict
	}
	c.JSON(status, result)
}
