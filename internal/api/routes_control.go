package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/muco-project/muco-relay/internal/relay"
)

type startRequest struct {
	Port int `json:"port"`
}

type loadExperienceRequest struct {
	Experience string `json:"experience"`
}

// handleStart starts the relay on the requested or configured port.
func (s *Server) handleStart(c *gin.Context) {
	var req startRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	port := req.Port
	if port == 0 {
		port = s.cfg.GetRelayData().Port
	}
	if port < 1 || port > 65535 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid port", "port": port})
		return
	}

	if err := s.manager.Start(uint16(port)); err != nil {
		if errors.Is(err, relay.ErrAlreadyRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": "relay already running", "port": s.manager.Port()})
			return
		}
		s.logger.Error().Err(err).Int("port", port).Msg("API: failed to start relay")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.logger.Info().Int("port", port).Str("client_ip", c.ClientIP()).Msg("API: relay started")
	c.JSON(http.StatusOK, gin.H{
		"status": "started",
		"port":   port,
	})
}

// handleStop stops the relay.
func (s *Server) handleStop(c *gin.Context) {
	if !s.manager.IsRunning() {
		c.JSON(http.StatusConflict, gin.H{"error": "relay not running"})
		return
	}
	if err := s.manager.Stop(); err != nil {
		s.logger.Error().Err(err).Msg("API: failed to stop relay")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.logger.Info().Str("client_ip", c.ClientIP()).Msg("API: relay stopped")
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

// handleLoadExperience broadcasts a load-experience command. An empty name
// loads the configured default experience.
func (s *Server) handleLoadExperience(c *gin.Context) {
	var req loadExperienceRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	name, sent, err := s.manager.LoadExperience(req.Experience)
	if err != nil {
		if errors.Is(err, relay.ErrNotRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": "relay not running"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.logger.Info().Str("experience", name).Str("client_ip", c.ClientIP()).Msg("API: experience loaded")
	c.JSON(http.StatusOK, gin.H{
		"status":     "loaded",
		"experience": name,
		"recipients": sent,
	})
}

// handleKick disconnects one peer.
func (s *Server) handleKick(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("identity"), 10, 16)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid identity"})
		return
	}

	if err := s.manager.Kick(relay.Identity(id)); err != nil {
		if errors.Is(err, relay.ErrUnknownIdentity) {
			c.JSON(http.StatusNotFound, gin.H{"error": "identity not connected", "identity": id})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.logger.Info().Uint64("identity", id).Str("client_ip", c.ClientIP()).Msg("API: peer kicked")
	c.JSON(http.StatusOK, gin.H{
		"status":   "kicked",
		"identity": id,
	})
}
