package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/forge-project/forge/internal/events"
)

// handleGetConfig returns the full current configuration.
func (s *Server) handleGetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"network":          s.cfg.GetNetwork(),
		"discovery":        s.cfg.GetDiscovery(),
		"session":          s.cfg.GetSession(),
		"application_data": s.cfg.GetApplicationData(),
	})
}

// handleUpdateConfigField sets one key of the network, discovery or
// session section. Changes apply to sessions started afterwards.
func (s *Server) handleUpdateConfigField(c *gin.Context) {
	section := c.Param("section")
	key := c.Param("key")

	var body struct {
		Value interface{} `json:"value"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.cfg.ApplyField(section, key, body.Value)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !result.IsValid() {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":  "configuration invalid after update",
			"errors": result.Errors,
		})
		return
	}

	if err := s.cfg.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
		return
	}

	if s.eventBus != nil {
		s.eventBus.Emit(c.Request.Context(), events.Event{
			Type:   events.EventConfigChanged,
			Source: "api",
			Payload: events.ConfigChangedPayload{
				Section: section,
				Key:     key,
				Value:   body.Value,
			},
		})
	}

	log.Info().Str("section", section).Str("key", key).Msg("API: configuration updated")

	c.JSON(http.StatusOK, gin.H{
		"status":   "updated",
		"warnings": result.Warnings,
	})
}
