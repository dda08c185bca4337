package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	purchasedomain "github.com/smallbiznis/settlement/internal/purchase/domain"
)

func (s *Server) GetPurchase(c *gin.Context) {
	id, err := parsePathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	purchase, err := s.purchaseSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	payments, err := s.purchaseSvc.ListPayments(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": purchase, "payments": payments})
}

// RetryPurchase settles a purchase immediately instead of waiting for the
// retry scheduler. A purchase stuck in minting is resumed with its original
// relayer request.
func (s *Server) RetryPurchase(c *gin.Context) {
	id, err := parsePathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var query retryQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, newValidationError("resume", "invalid_resume", "invalid resume"))
		return
	}

	purchase, err := s.purchaseSvc.Settle(c.Request.Context(), id, purchasedomain.SettleOptions{Resume: query.Resume})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": purchase})
}

func (s *Server) GetBatch(c *gin.Context) {
	id, err := parsePathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	batch, err := s.batchSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	items, err := s.purchaseSvc.ListByBatch(c.Request.Context(), nil, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": batch, "items": items})
}
