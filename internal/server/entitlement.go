package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	subscriptiondomain "github.com/smallbiznis/tenantbilling/internal/subscription/domain"
)

func (s *Server) CheckEntitlement(c *gin.Context) {
	var delta int64
	if raw := strings.TrimSpace(c.Query("delta")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			AbortWithError(c, newValidationError("delta", "invalid_delta", "delta must be an integer"))
			return
		}
		delta = parsed
	}

	tenantID, ok := requestTenant(c, c.Param("tenantId"))
	if !ok {
		AbortWithError(c, subscriptiondomain.ErrInvalidTenant)
		return
	}

	decision, err := s.entitlements.CheckLimit(
		c.Request.Context(),
		tenantID,
		strings.TrimSpace(c.Param("resource")),
		delta,
	)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, decision)
}
