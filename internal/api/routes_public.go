package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/moonlight-project/moonlight/internal/auth"
	"github.com/moonlight-project/moonlight/internal/config"
	"github.com/moonlight-project/moonlight/internal/models"
	"github.com/moonlight-project/moonlight/internal/util"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "moonlight",
	})
}

// handleStatus returns server identity and host metrics.
func (s *Server) handleStatus(c *gin.Context) {
	sysInfo := util.GetSystemInfo()

	resp := gin.H{
		"server_name":      s.cfg.ServerData.Name,
		"server_address":   s.cfg.ServerData.Address,
		"server_port":      s.cfg.ServerData.Port,
		"websocket_port":   s.cfg.ServerData.WebsocketPort,
		"protocol_version": config.ClientVersionCode,
		"uptime_seconds":   int(time.Since(s.startedAt).Seconds()),
		"connections":      s.registry.Count(),
		"tournaments":      len(s.manager.Tournaments()),
		"platform":         sysInfo.OS,
		"cpu_model":        sysInfo.CPUModel,
		"cpu_cores":        sysInfo.CPUCores,
		"total_memory_mb":  sysInfo.TotalMemory,
	}

	if usage, err := util.GetCPUUsage(); err == nil {
		resp["cpu_percent"] = usage
	}
	if mem, err := util.GetMemoryUsage(); err == nil {
		resp["memory_used_percent"] = mem.UsedPercent
	}
	if disk, err := util.GetDiskUsage("."); err == nil {
		resp["disk_used_percent"] = disk.UsedPercent
	}

	c.JSON(http.StatusOK, resp)
}

// tournamentSummary is the sanitized listing row: membership and
// settings, never users' play state.
type tournamentSummary struct {
	Guid             string `json:"guid"`
	Name             string `json:"name"`
	Image            string `json:"image,omitempty"`
	RequiresPassword bool   `json:"requires_password"`
	Users            int    `json:"users"`
	Matches          int    `json:"matches"`
	Qualifiers       int    `json:"qualifiers"`
}

// handleListTournaments returns summaries of all live tournaments.
func (s *Server) handleListTournaments(c *gin.Context) {
	tournaments := s.manager.Tournaments()

	summaries := make([]tournamentSummary, 0, len(tournaments))
	for _, t := range tournaments {
		summaries = append(summaries, tournamentSummary{
			Guid:             t.Guid,
			Name:             t.Settings.TournamentName,
			Image:            t.Settings.TournamentImage,
			RequiresPassword: t.Settings.RequiresPassword,
			Users:            len(t.Users),
			Matches:          len(t.Matches),
			Qualifiers:       len(t.Qualifiers),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"tournaments": summaries,
		"total":       len(summaries),
	})
}

// handleGetTournament returns one tournament's full view.
func (s *Server) handleGetTournament(c *gin.Context) {
	t, err := s.manager.GetTournament(c.Param("guid"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "tournament not found"})
		return
	}
	c.JSON(http.StatusOK, t)
}

// handleLeaderboard returns a qualifier map's ordered leaderboard.
// Events that hide scores from players require a mutating bearer token.
func (s *Server) handleLeaderboard(c *gin.Context) {
	tournamentID := c.Param("guid")
	eventID := c.Param("event")
	mapID := c.Param("map")

	event, _, err := s.manager.FindQualifierMap(tournamentID, eventID, mapID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	if event.Flags.Has(models.EventHideScoresFromPlayers) {
		identity := s.auth.Verify(extractBearerToken(c.GetHeader("Authorization")))
		if identity.Kind == auth.IdentityUnauthorized || !identity.CanMutate() {
			c.JSON(http.StatusForbidden, gin.H{"error": "scores are hidden for this event"})
			return
		}
	}

	entries, err := s.manager.Leaderboard(tournamentID, eventID, mapID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"event_id":    eventID,
		"map_id":      mapID,
		"leaderboard": entries,
	})
}
