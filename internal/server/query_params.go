package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

// retryQuery is bound from POST /admin/purchases/:id/retry.
type retryQuery struct {
	Resume bool `form:"resume"`
}

// parsePathID reads a positive snowflake id from a route parameter.
func parsePathID(c *gin.Context, name string) (snowflake.ID, error) {
	raw := strings.TrimSpace(c.Param(name))
	id, err := snowflake.ParseString(raw)
	if raw == "" || err != nil || id <= 0 {
		return 0, newValidationError(name, "invalid_"+name, "invalid "+name)
	}
	return id, nil
}
