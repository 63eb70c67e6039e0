package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/tenantbilling/pkg/tenantctx"
)

// HeaderTenantID is set by the authenticating gateway in front of the API.
const HeaderTenantID = "X-Tenant-ID"

// TenantContext copies the authenticated tenant into the request context.
func TenantContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		if tenantID := strings.TrimSpace(c.GetHeader(HeaderTenantID)); tenantID != "" {
			c.Request = c.Request.WithContext(tenantctx.WithTenantID(c.Request.Context(), tenantID))
		}
		c.Next()
	}
}

// requestTenant resolves the tenant for a request body, preferring the
// authenticated tenant. A body naming a different tenant is rejected.
func requestTenant(c *gin.Context, bodyTenant string) (string, bool) {
	bodyTenant = strings.TrimSpace(bodyTenant)
	authTenant, ok := tenantctx.TenantID(c.Request.Context())
	if !ok {
		return bodyTenant, true
	}
	if bodyTenant != "" && bodyTenant != authTenant {
		return "", false
	}
	return authTenant, true
}
