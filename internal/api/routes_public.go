package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/muco-project/muco-relay/internal/util"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": util.AppName,
		"version": util.Version,
	})
}

// handleServerInfo returns the relay endpoint and host description.
func (s *Server) handleServerInfo(c *gin.Context) {
	relayCfg := s.cfg.GetRelayData()
	sysInfo := util.GetSystemInfo()

	c.JSON(http.StatusOK, gin.H{
		"running":         s.manager.IsRunning(),
		"port":            s.manager.Port(),
		"configured_port": relayCfg.Port,
		"transport":       s.manager.Transport(),
		"mode":            string(s.manager.Server().Mode()),
		"websocket_path":  relayCfg.WebSocketPath,
		"experience":      s.manager.CurrentExperience(),
		"peers":           len(s.manager.Server().Roster()),
		"hostname":        sysInfo.Hostname,
		"os":              sysInfo.OS,
		"local_ip":        sysInfo.LocalIP,
		"version":         util.Version,
	})
}
