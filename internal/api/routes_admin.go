package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/moonlight-project/moonlight/internal/auth"
	"github.com/moonlight-project/moonlight/internal/config"
	"github.com/moonlight-project/moonlight/internal/events"
)

// handleGetConnections lists the live socket connections.
func (s *Server) handleGetConnections(c *gin.Context) {
	conns := s.registry.All()

	type connInfo struct {
		ID           string `json:"id"`
		Kind         string `json:"kind"`
		RemoteAddr   string `json:"remote_addr"`
		ConnectedAt  string `json:"connected_at"`
		LastActivity string `json:"last_activity"`
	}

	out := make([]connInfo, 0, len(conns))
	for _, conn := range conns {
		out = append(out, connInfo{
			ID:           conn.ID.String(),
			Kind:         conn.Kind.String(),
			RemoteAddr:   conn.RemoteAddr(),
			ConnectedAt:  conn.ConnectedAt().Format(time.RFC3339),
			LastActivity: conn.LastActivity().Format(time.RFC3339),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"connections": out,
		"total":       len(out),
	})
}

// handleGetConfig returns the current configuration with secrets
// stripped.
func (s *Server) handleGetConfig(c *gin.Context) {
	server := s.cfg.ServerData
	server.TokenSigningKey = ""
	server.OAuthClientSecret = ""

	app := s.cfg.ApplicationData
	app.Discord.BotToken = ""
	app.MQTT.Password = ""

	c.JSON(http.StatusOK, gin.H{
		"server_data":      server,
		"application_data": app,
	})
}

// handleSetLogging updates the logging section and persists the config.
func (s *Server) handleSetLogging(c *gin.Context) {
	var logging config.LoggingConfig
	if err := c.ShouldBindJSON(&logging); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.cfg.ApplicationData.Logging = logging

	if err := s.cfg.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
		return
	}

	s.eventBus.Emit(c.Request.Context(), events.Event{
		Type:   events.EventConfigChanged,
		Source: "api",
		Payload: events.ConfigChangedPayload{
			Section: "logging",
		},
	})

	if v, ok := c.Get(identityKey); ok {
		identity := v.(auth.Identity)
		log.Info().Str("user", identity.Name).Msg("API: logging config updated")
	}

	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

// handleGetLogEntries returns recent log entries.
func (s *Server) handleGetLogEntries(c *gin.Context) {
	countStr := c.DefaultQuery("count", "100")
	count, err := strconv.Atoi(countStr)
	if err != nil || count < 1 {
		count = 100
	}
	if count > 1000 {
		count = 1000
	}

	logDir := s.cfg.ApplicationData.Logging.Directory
	entries, err := readRecentLogEntries(logDir, count)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// logEntry is a parsed log entry for the API response.
type logEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// readRecentLogEntries reads and parses the most recent log entries from log files.
// Zerolog writes JSON lines; we parse them into structured objects.
func readRecentLogEntries(logDir string, count int) ([]logEntry, error) {
	dirEntries, err := os.ReadDir(logDir)
	if err != nil {
		return nil, err
	}

	if len(dirEntries) == 0 {
		return []logEntry{}, nil
	}

	// Find the most recent log file
	var latestFile string
	for i := len(dirEntries) - 1; i >= 0; i-- {
		if !dirEntries[i].IsDir() && filepath.Ext(dirEntries[i].Name()) == ".log" {
			latestFile = filepath.Join(logDir, dirEntries[i].Name())
			break
		}
	}

	if latestFile == "" {
		return []logEntry{}, nil
	}

	data, err := os.ReadFile(latestFile)
	if err != nil {
		return nil, err
	}

	lines := strings.Split(string(data), "\n")

	// Take last N lines
	start := len(lines) - count
	if start < 0 {
		start = 0
	}

	// Known zerolog internal fields to exclude from "fields"
	knownKeys := map[string]bool{
		"level": true, "time": true, "message": true,
		"caller": true, "app": true,
	}

	result := make([]logEntry, 0, count)
	for _, line := range lines[start:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var raw map[string]interface{}
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			// Not valid JSON — include as a plain message
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
