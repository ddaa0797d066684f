package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bastion-project/bastion/internal/config"
)

const redacted = "***"

func redact(v string) string {
	if v == "" {
		return ""
	}
	return redacted
}

// handleGetConfig returns the running configuration with secrets masked.
func (s *Server) handleGetConfig(c *gin.Context) {
	sd := s.cfg.GetServerData()
	ad := s.cfg.GetApplicationData()

	sd.Session.SeedSecret = redact(sd.Session.SeedSecret)
	ad.Collaborators.APIKey = redact(ad.Collaborators.APIKey)
	ad.Security.APIToken = redact(ad.Security.APIToken)

	c.JSON(http.StatusOK, gin.H{
		"server_data":      sd,
		"application_data": ad,
	})
}

// handleValidateConfig reports validation errors and warnings for the
// running configuration.
func (s *Server) handleValidateConfig(c *gin.Context) {
	snapshot := &config.Config{
		ServerData:      s.cfg.GetServerData(),
		ApplicationData: s.cfg.GetApplicationData(),
	}
	result := config.Validate(snapshot)

	errs := make([]string, 0, len(result.Errors))
	for _, e := range result.Errors {
		errs = append(errs, e.Error())
	}
	warnings := make([]string, 0, len(result.Warnings))
	for _, w := range result.Warnings {
		warnings = append(warnings, w.Error())
	}

	c.JSON(http.StatusOK, gin.H{
		"valid":    result.IsValid(),
		"errors":   errs,
		"warnings": warnings,
	})
}
