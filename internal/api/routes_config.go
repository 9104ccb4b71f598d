package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/muco-project/muco-relay/internal/config"
)

type setRelayFieldRequest struct {
	Key   string      `json:"key" binding:"required"`
	Value interface{} `json:"value"`
}

// handleGetConfig returns the configuration with secrets masked.
func (s *Server) handleGetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.Redacted())
}

// handleSetRelayField updates one relay_data field, validates the result and
// saves it. Changes apply on the next relay start.
func (s *Server) handleSetRelayField(c *gin.Context) {
	var req setRelayFieldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	previous := s.cfg.GetRelayData()
	if err := s.cfg.UpdateRelayField(req.Key, req.Value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result := config.Validate(s.cfg)
	if !result.IsValid() {
		s.cfg.SetRelayData(previous)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "invalid configuration",
			"errors": result.Errors,
		})
		return
	}

	if err := s.cfg.Save(); err != nil {
		s.logger.Error().Err(err).Msg("API: failed to save config")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
		return
	}

	s.logger.Info().Str("key", req.Key).Str("client_ip", c.ClientIP()).Msg("API: relay config updated")
	c.JSON(http.StatusOK, gin.H{
		"status":   "updated",
		"data":     s.cfg.GetRelayData(),
		"warnings": result.Warnings,
	})
}
