package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aether-os/aether/internal/integrations"
	"github.com/aether-os/aether/pkg/kernel"
)

// setupIntegrationRoutes adds the integration endpoints. Credentials are
// accepted once at registration and never returned.
func (s *Server) setupIntegrationRoutes(authed *gin.RouterGroup) {
	authed.GET("/integrations", s.handleIntegrationList)
	authed.POST("/integrations", s.handleIntegrationRegister)
	authed.POST("/integrations/:id/test", s.handleIntegrationTest)
	authed.POST("/integrations/:id/execute", s.handleIntegrationExecute)
	authed.GET("/integrations/:id/logs", s.handleIntegrationLogs)
	authed.DELETE("/integrations/:id", s.handleIntegrationDelete)
}

func (s *Server) handleIntegrationList(c *gin.Context) {
	recs, err := s.Integrations.List(c.Request.Context())
	if err != nil {
		s.abortError(c, err)
		return
	}
	// Sealed credentials stay server-side.
	out := make([]gin.H, 0, len(recs))
	for _, rec := range recs {
		out = append(out, gin.H{
			"id":        rec.ID,
			"type":      rec.Type,
			"name":      rec.Name,
			"status":    rec.Status,
			"createdAt": rec.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"integrations": out})
}

func (s *Server) handleIntegrationRegister(c *gin.Context) {
	var spec integrations.RegisterSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		s.abortError(c, kernel.InvalidArgument("bad integration payload: %v", err))
		return
	}
	rec, err := s.Integrations.Register(c.Request.Context(), spec)
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": rec.ID, "type": rec.Type, "name": rec.Name, "status": rec.Status})
}

func (s *Server) handleIntegrationTest(c *gin.Context) {
	result, err := s.Integrations.Test(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleIntegrationExecute(c *gin.Context) {
	var req struct {
		Action string         `json:"action"`
		Params map[string]any `json:"params"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortError(c, kernel.InvalidArgument("bad execute payload: %v", err))
		return
	}
	out, err := s.Integrations.Execute(c.Request.Context(), c.Param("id"), req.Action, req.Params)
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": out})
}

func (s *Server) handleIntegrationLogs(c *gin.Context) {
	logs, err := s.Integrations.GetLogs(c.Request.Context(), c.Param("id"), intQuery(c, "limit", 50))
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

func (s *Server) handleIntegrationDelete(c *gin.Context) {
	if err := s.Integrations.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "deleted": true})
}
