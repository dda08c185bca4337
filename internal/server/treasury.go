package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	treasurydomain "github.com/smallbiznis/settlement/internal/treasury/domain"
	"github.com/smallbiznis/settlement/pkg/db/pagination"
)

func (s *Server) GetLatestReconciliation(c *gin.Context) {
	rec, err := s.treasurySvc.Latest(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": rec})
}

func (s *Server) ListReconciliations(c *gin.Context) {
	var query pagination.Pagination
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, newValidationError("page_size", "invalid_page_size", "invalid page size"))
		return
	}

	resp, err := s.treasurySvc.List(c.Request.Context(), treasurydomain.ListRequest{
		PageToken: query.PageToken,
		PageSize:  query.PageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Items, "page_info": resp.PageInfo})
}

// RunReconciliation triggers the weekly check on demand. A snapshot already
// taken today is returned as is.
func (s *Server) RunReconciliation(c *gin.Context) {
	rec, err := s.treasurySvc.Reconcile(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": rec})
}
