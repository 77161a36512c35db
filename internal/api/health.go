package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ruwiss/antigravity-claude-proxy/internal/registry"
)

// getHealthz reports liveness plus a courtesy per-model diagnostic: pool
// size and how many of those accounts are currently rate-limited.
func (s *Server) getHealthz(c *gin.Context) {
	total := s.pool.TotalCount()
	perModel := make(gin.H, len(registry.GetClaudeModels()))
	for _, m := range registry.GetClaudeModels() {
		available := len(s.pool.AvailableFor(m.ID))
		perModel[m.ID] = gin.H{
			"available": available,
			"limited":   total - available,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"pool_size": total,
		"models":    perModel,
	})
}
