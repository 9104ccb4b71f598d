package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/muco-project/muco-relay/internal/util"
)

// handleRoster returns every joined peer with its device and transform.
func (s *Server) handleRoster(c *gin.Context) {
	roster := s.manager.Roster()
	c.JSON(http.StatusOK, gin.H{
		"peers": roster,
		"total": len(roster),
	})
}

// handleStats returns the relay counters.
func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.manager.Stats())
}

// handleDeviceInfo returns the device reports keyed by identity.
func (s *Server) handleDeviceInfo(c *gin.Context) {
	devices := s.manager.Devices()
	out := make(map[string]interface{}, len(devices))
	for id, info := range devices {
		out[strconv.Itoa(int(id))] = info
	}
	c.JSON(http.StatusOK, gin.H{
		"devices": out,
		"total":   len(out),
	})
}

// handleHealth returns the failing health checks.
func (s *Server) handleHealth(c *gin.Context) {
	if s.health == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "health checks disabled"})
		return
	}
	active := s.health.Active()
	status := "healthy"
	if len(active) > 0 {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  status,
		"failing": active,
	})
}

// handleSessions returns recent sessions from the journal.
func (s *Server) handleSessions(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal disabled"})
		return
	}
	sessions, err := s.journal.RecentSessions(queryLimit(c))
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read sessions")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// handleRuns returns recent relay runs from the journal.
func (s *Server) handleRuns(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal disabled"})
		return
	}
	runs, err := s.journal.RecentRuns(queryLimit(c))
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read relay runs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"runs":  runs,
		"count": len(runs),
	})
}

// handleCPUUsage returns current system CPU usage.
func (s *Server) handleCPUUsage(c *gin.Context) {
	usage, err := util.GetCPUUsage()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"cpu_percent": usage,
	})
}

// handleMemoryUsage returns current system memory usage.
func (s *Server) handleMemoryUsage(c *gin.Context) {
	mem, err := util.GetMemoryUsage()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, mem)
}

// handleProcessUsage returns resource usage of the relay process.
func (s *Server) handleProcessUsage(c *gin.Context) {
	usage, err := util.GetProcessUsage()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, usage)
}

// handleLogEntries returns recent log entries.
func (s *Server) handleLogEntries(c *gin.Context) {
	count, err := strconv.Atoi(c.DefaultQuery("count", "100"))
	if err != nil || count < 1 {
		count = 100
	}
	if count > 1000 {
		count = 1000
	}

	entries, err := readRecentLogEntries(s.cfg.GetApplicationData().Logging.Directory, count)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

func queryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}

// logEntry is a parsed log entry for the API response.
type logEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// readRecentLogEntries parses the last count JSON lines of the newest log file.
func readRecentLogEntries(logDir string, count int) ([]logEntry, error) {
	dirEntries, err := os.ReadDir(logDir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range dirEntries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".log" {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return []logEntry{}, nil
	}
	sort.Strings(names)

	data, err := os.ReadFile(filepath.Join(logDir, names[len(names)-1]))
	if err != nil {
		return nil, err
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	start := len(lines) - count
	if start < 0 {
		start = 0
	}

	// Known zerolog internal fields to exclude from "fields"
	knownKeys := map[string]bool{
		"level": true, "time": true, "message": true,
		"caller": true, "app": true,
	}

	result := make([]logEntry, 0, len(lines)-start)
	for _, line := range lines[start:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var raw map[string]interface{}
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			result = append(result, logEntry{Message: line})
			continue
		}

		entry := logEntry{
			Level:   stringFromMap(raw, "level"),
			Message: stringFromMap(raw, "message"),
		}
		if t, ok := raw["time"]; ok {
			entry.Timestamp = fmt.Sprintf("%v", t)
		}

		extra := make(map[string]interface{})
		for k, v := range raw {
			if !knownKeys[k] {
				extra[k] = v
			}
		}
		if len(extra) > 0 {
			entry.Fields = extra
		}

		result = append(result, entry)
	}

	return result, nil
}

// stringFromMap extracts a string value from a map, returning "" if missing.
func stringFromMap(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return ""
}
