package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// listWorkers handles GET /api/v1/workers, reporting local backend
// workers with a live etcd lease. Returns an empty list when the
// server is backed by the grid backend, which has no registry.
func (s *Server) listWorkers(c *gin.Context) {
	if s.registry == nil {
		c.JSON(http.StatusOK, gin.H{"workers": []string{}, "count": 0})
		return
	}

	ids, err := s.registry.Live(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list workers: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"workers": ids, "count": len(ids)})
}
