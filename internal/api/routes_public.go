package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/forge-project/forge/internal/util"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "forge",
		"version": util.Version,
	})
}

// handleGetStatus returns the latest published session status.
func (s *Server) handleGetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.Status())
}

// handleGetServers returns the LAN servers found while browsing.
func (s *Server) handleGetServers(c *gin.Context) {
	st := s.ctrl.Status()
	c.JSON(http.StatusOK, gin.H{
		"servers":  st.Servers,
		"total":    len(st.Servers),
		"browsing": st.State.Game == nil && st.State.Menu.Browsing(),
	})
}

// handleGetHost returns the hosting info while the local session is public.
func (s *Server) handleGetHost(c *gin.Context) {
	st := s.ctrl.Status()
	if st.Host == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "not hosting",
			"state": st.Leaf,
		})
		return
	}
	c.JSON(http.StatusOK, st.Host)
}

// handleGetSystem returns host machine information.
func (s *Server) handleGetSystem(c *gin.Context) {
	resp := gin.H{
		"system":   util.GetSystemInfo(),
		"local_ip": util.GetLocalIP(),
	}
	if mem, err := util.GetMemoryUsage(); err == nil {
		resp["memory"] = mem
	}
	if cpu, err := util.GetCPUUsage(); err == nil {
		resp["cpu_percent"] = cpu
	}
	c.JSON(http.StatusOK, resp)
}
