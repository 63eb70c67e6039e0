package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	subscriptiondomain "github.com/smallbiznis/tenantbilling/internal/subscription/domain"
	"github.com/smallbiznis/tenantbilling/pkg/tenantctx"
)

const maxInvoiceListLimit = 100

type changePlanRequest struct {
	NewPlanID       string `json:"new_plan_id"`
	ExpectedVersion int64  `json:"expected_version"`
}

type cancelRequest struct {
	ExpectedVersion int64 `json:"expected_version"`
	Immediate       bool  `json:"immediate"`
}

func (s *Server) CreateSubscription(c *gin.Context) {
	var req subscriptiondomain.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	tenantID, ok := requestTenant(c, req.TenantID)
	if !ok {
		AbortWithError(c, subscriptiondomain.ErrInvalidTenant)
		return
	}

	resp, err := s.subscriptionSvc.Create(c.Request.Context(), subscriptiondomain.CreateRequest{
		TenantID:        tenantID,
		PlanID:          strings.TrimSpace(req.PlanID),
		BillingInterval: strings.TrimSpace(req.BillingInterval),
		PaymentMethodID: req.PaymentMethodID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

func (s *Server) GetSubscription(c *gin.Context) {
	sub, ok := s.tenantSubscription(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}

func (s *Server) ListSubscriptionInvoices(c *gin.Context) {
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			AbortWithError(c, newValidationError("limit", "invalid_limit", "limit must be a positive integer"))
			return
		}
		limit = min(parsed, maxInvoiceListLimit)
	}
	if _, ok := s.tenantSubscription(c); !ok {
		return
	}

	invoices, err := s.subscriptionSvc.ListInvoices(c.Request.Context(), strings.TrimSpace(c.Param("id")), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"invoices": invoices})
}

func (s *Server) UpgradeSubscription(c *gin.Context) {
	req, ok := bindChangePlan(c)
	if !ok {
		return
	}
	if _, ok := s.tenantSubscription(c); !ok {
		return
	}

	resp, err := s.subscriptionSvc.Upgrade(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) DowngradeSubscription(c *gin.Context) {
	req, ok := bindChangePlan(c)
	if !ok {
		return
	}
	if _, ok := s.tenantSubscription(c); !ok {
		return
	}

	sub, err := s.subscriptionSvc.Downgrade(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}

func (s *Server) CancelSubscription(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if _, ok := s.tenantSubscription(c); !ok {
		return
	}

	resp, err := s.subscriptionSvc.Cancel(c.Request.Context(), subscriptiondomain.CancelRequest{
		SubscriptionID:  strings.TrimSpace(c.Param("id")),
		ExpectedVersion: req.ExpectedVersion,
		Immediate:       req.Immediate,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// tenantSubscription loads the subscription named in the path. Subscriptions
// of another tenant are reported as missing.
func (s *Server) tenantSubscription(c *gin.Context) (*subscriptiondomain.Subscription, bool) {
	sub, err := s.subscriptionSvc.Get(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return nil, false
	}
	if tenantID, ok := tenantctx.TenantID(c.Request.Context()); ok && sub.TenantID != tenantID {
		AbortWithError(c, subscriptiondomain.ErrSubscriptionNotFound)
		return nil, false
	}
	return sub, true
}

func bindChangePlan(c *gin.Context) (subscriptiondomain.ChangePlanRequest, bool) {
	var req changePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return subscriptiondomain.ChangePlanRequest{}, false
	}
	planID := strings.TrimSpace(req.NewPlanID)
	if planID == "" {
		AbortWithError(c, newValidationError("new_plan_id", "required", "new_plan_id is required"))
		return subscriptiondomain.ChangePlanRequest{}, false
	}
	return subscriptiondomain.ChangePlanRequest{
		SubscriptionID:  strings.TrimSpace(c.Param("id")),
		NewPlanID:       planID,
		ExpectedVersion: req.ExpectedVersion,
	}, true
}
