package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ruwiss/antigravity-claude-proxy/internal/registry"
)

// getModels returns the static, configuration-derived catalog of models
// this proxy accepts on the request side.
func (s *Server) getModels(c *gin.Context) {
	models := registry.GetClaudeModels()
	data := make([]gin.H, 0, len(models))
	for _, m := range models {
		data = append(data, gin.H{
			"id":         m.ID,
			"max_tokens": m.MaxCompletionTokens,
			"family":     m.Type,
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}
