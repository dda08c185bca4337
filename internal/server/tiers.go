package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) GetTierProgress(c *gin.Context) {
	creatorID, err := parsePathID(c, "creatorId")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	progress, err := s.tierSvc.Progress(c.Request.Context(), creatorID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": progress})
}

func (s *Server) GetFoundingStatus(c *gin.Context) {
	status, err := s.tierSvc.FoundingStatus(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": status})
}
