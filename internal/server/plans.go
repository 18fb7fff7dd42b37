package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// ListPlans returns the offered catalog, or one pinned version with ?code=&version=.
func (s *Server) ListPlans(c *gin.Context) {
	code := strings.TrimSpace(c.Query("code"))
	rawVersion := strings.TrimSpace(c.Query("version"))
	if code == "" {
		c.JSON(http.StatusOK, gin.H{"data": s.catalog.List()})
		return
	}

	if rawVersion == "" {
		plan, err := s.catalog.Get(code)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": plan})
		return
	}

	version, err := strconv.Atoi(rawVersion)
	if err != nil || version <= 0 {
		AbortWithError(c, newValidationError("version", "invalid_version", "invalid version"))
		return
	}
	plan, err := s.catalog.GetVersion(code, version)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": plan})
}
