// Package entitlement answers whether a tenant may consume more of a
// plan-limited resource. It only reads subscription, plan, and usage state.
package entitlement

import (
	"context"
	"errors"

	obsmetrics "github.com/smallbiznis/tenantbilling/internal/observability/metrics"
	plandomain "github.com/smallbiznis/tenantbilling/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/tenantbilling/internal/subscription/domain"
	"github.com/smallbiznis/tenantbilling/internal/usage"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	ErrNoEntitledSubscription = errors.New("no_entitled_subscription")
	ErrInvalidDelta           = errors.New("invalid_delta")
)

type Decision struct {
	TenantID  string              `json:"tenant_id"`
	Resource  plandomain.Resource `json:"resource"`
	PlanID    string              `json:"plan_id"`
	Allowed   bool                `json:"allowed"`
	Limit     int64               `json:"limit"`
	Used      int64               `json:"used"`
	Remaining int64               `json:"remaining"`
	Unlimited bool                `json:"unlimited"`
}

type Resolver interface {
	CheckLimit(ctx context.Context, tenantID, resource string, requestedDelta int64) (Decision, error)
}

type Params struct {
	fx.In

	Log           *zap.Logger
	Subscriptions subscriptiondomain.Service
	Plans         plandomain.Service
	Counter       usage.Counter
	ObsMetrics    *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log           *zap.Logger
	subscriptions subscriptiondomain.Service
	plans         plandomain.Service
	counter       usage.Counter
	obsMetrics    *obsmetrics.Metrics
}

func NewResolver(p Params) Resolver {
	return &Service{
		log:           p.Log.Named("entitlement.resolver"),
		subscriptions: p.Subscriptions,
		plans:         p.Plans,
		counter:       p.Counter,
		obsMetrics:    p.ObsMetrics,
	}
}

// CheckLimit reports whether requestedDelta more units fit under the plan
// limit of the tenant's live subscription. A zero limit is unlimited.
func (s *Service) CheckLimit(ctx context.Context, tenantID, resource string, requestedDelta int64) (Decision, error) {
	res, err := plandomain.ParseResource(resource)
	if err != nil {
		return Decision{}, err
	}
	if requestedDelta < 0 {
		return Decision{}, ErrInvalidDelta
	}

	sub, err := s.subscriptions.GetLiveByTenant(ctx, tenantID)
	if errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
		return Decision{}, ErrNoEntitledSubscription
	}
	if err != nil {
		return Decision{}, err
	}
	if !sub.Status.Entitled() {
		return Decision{}, ErrNoEntitledSubscription
	}

	plan, err := s.plans.Get(ctx, sub.PlanID)
	if err != nil {
		return Decision{}, err
	}
	used, err := s.counter.Current(ctx, sub.TenantID, res)
	if err != nil {
		return Decision{}, err
	}

	decision := Decision{
		TenantID: sub.TenantID,
		Resource: res,
		PlanID:   plan.ID,
		Used:     used,
	}
	limit := plan.Limits.Limit(res)
	if limit == 0 {
		decision.Allowed = true
		decision.Unlimited = true
		return decision, nil
	}

	decision.Limit = limit
	decision.Remaining = max(limit-used, 0)
	decision.Allowed = used+requestedDelta <= limit
	if !decision.Allowed {
		s.obsMetrics.RecordEntitlementDenied(ctx, string(res))
		s.log.Debug("entitlement denied",
			zap.String("tenant_id", sub.TenantID),
			zap.String("resource", string(res)),
			zap.Int64("limit", limit),
			zap.Int64("used", used),
			zap.Int64("requested", requestedDelta),
		)
	}
	return decision, nil
}
