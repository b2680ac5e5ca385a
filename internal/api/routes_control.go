package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/forge-project/forge/internal/address"
	"github.com/forge-project/forge/internal/session"
)

// submit hands req to the controller and writes the outcome.
func (s *Server) submit(c *gin.Context, req session.Request) {
	st, err := s.ctrl.Submit(c.Request.Context(), req)
	if err != nil {
		writeRequestError(c, req, err)
		return
	}

	log.Info().
		Str("request", req.Kind.String()).
		Str("state", st.Leaf).
		Str("client_ip", c.ClientIP()).
		Msg("API: lifecycle request accepted")

	c.JSON(http.StatusAccepted, st)
}

// submitSimple serves a request that carries no body.
func (s *Server) submitSimple(build func() session.Request) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.submit(c, build())
	}
}

func writeRequestError(c *gin.Context, req session.Request, err error) {
	var rejected *session.RejectedError
	var invalid *address.ValidationError
	switch {
	case errors.As(err, &rejected):
		c.JSON(http.StatusConflict, gin.H{
			"error":  err.Error(),
			"reason": rejected.Reason.String(),
			"state":  rejected.State,
		})
	case errors.As(err, &invalid):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":  err.Error(),
			"reason": invalid.Reason.String(),
		})
	case errors.Is(err, session.ErrLoopStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
	default:
		log.Error().Err(err).Str("request", req.Kind.String()).Msg("API: lifecycle request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// handleConnect validates and submits a Connect request.
func (s *Server) handleConnect(c *gin.Context) {
	var body struct {
		Address     string `json:"address"`
		Fingerprint string `json:"fingerprint"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	fp := strings.TrimSpace(body.Fingerprint)
	if fp == "" {
		fp = s.cfg.GetNetwork().ExpectedFingerprint
	}
	s.submit(c, session.Connect(body.Address, fp))
}

// handleNavigate moves between menu screens.
func (s *Server) handleNavigate(c *gin.Context) {
	var body struct {
		Context string `json:"context" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	menu, ok := session.ParseMenuContext(body.Context)
	if !ok {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":  "unknown menu context",
			"reason": "unknown_menu_context",
		})
		return
	}
	s.submit(c, session.Navigate(menu))
}

// handleSetFocus pauses or resumes in-game focus.
func (s *Server) handleSetFocus(c *gin.Context) {
	var body struct {
		Focus string `json:"focus" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	focus, ok := session.ParseFocus(body.Focus)
	if !ok {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":  "unknown focus",
			"reason": "unknown_focus",
		})
		return
	}
	s.submit(c, session.SetFocus(focus))
}
