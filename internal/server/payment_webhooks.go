package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/tenantbilling/internal/observability/logger"
	"go.uber.org/zap"
)

// maxWebhookBody bounds a single gateway delivery.
const maxWebhookBody = 1 << 20

func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	provider := s.webhookProvider(c)
	c.Set("payment_provider", provider)

	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			AbortWithError(c, ErrPayloadTooLarge)
			return
		}
		AbortWithError(c, invalidRequestError())
		return
	}

	outcome, err := s.webhookSvc.IngestWebhook(c.Request.Context(), provider, payload, c.Request.Header)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "outcome": outcome})
}

func (s *Server) WebhookRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.webhookLimiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		provider := s.webhookProvider(c)
		res, err := s.webhookLimiter.AllowProvider(ctx, provider)
		if err != nil {
			logger.FromContext(ctx).Warn("webhook rate limit check failed", zap.String("payment_provider", provider), zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !res.Allowed {
			if res.RetryAfter > 0 {
				c.Header("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())+1))
			}
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}

func (s *Server) webhookProvider(c *gin.Context) string {
	provider := strings.ToLower(strings.TrimSpace(c.Param("provider")))
	if provider == "" {
		provider = strings.ToLower(strings.TrimSpace(s.cfg.Payment.DefaultProvider))
	}
	return provider
}
