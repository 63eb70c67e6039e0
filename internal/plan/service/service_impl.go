package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/smallbiznis/tenantbilling/internal/cache"
	"github.com/smallbiznis/tenantbilling/internal/clock"
	plandomain "github.com/smallbiznis/tenantbilling/internal/plan/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const planCacheTTL = time.Minute

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Repo  plandomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  plandomain.Repository
	plans cache.Cache[string, plandomain.Plan]
}

func NewService(p ServiceParam) plandomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("plan.service"),
		clock: p.Clock,
		repo:  p.Repo,
		plans: cache.NewTTLCache[string, plandomain.Plan](),
	}
}

func (s *Service) Get(ctx context.Context, id string) (*plandomain.Plan, error) {
	id = plandomain.NormalizeID(id)
	if id == "" {
		return nil, plandomain.ErrPlanNotFound
	}
	if cached, ok := s.plans.Get(id); ok {
		return &cached, nil
	}

	item, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, plandomain.ErrPlanNotFound
	}
	s.plans.Set(id, *item, planCacheTTL)
	return item, nil
}

func (s *Service) ListActive(ctx context.Context) ([]plandomain.Plan, error) {
	return s.repo.ListActive(ctx, s.db)
}

// Upsert creates or updates a catalog entry. Billing terms of a plan that a
// live subscription references cannot change; publish a new plan id instead.
func (s *Service) Upsert(ctx context.Context, plan plandomain.Plan) (*plandomain.Plan, error) {
	plan, err := normalizePlan(plan)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.FindByID(ctx, tx, plan.ID)
		if err != nil {
			return err
		}
		plan.CreatedAt = now
		if existing != nil {
			plan.CreatedAt = existing.CreatedAt
			if !existing.SameTerms(plan) {
				referenced, err := s.repo.IsReferenced(ctx, tx, plan.ID)
				if err != nil {
					return err
				}
				if referenced {
					return plandomain.ErrPlanImmutable
				}
			}
		}
		plan.UpdatedAt = now
		return s.repo.Upsert(ctx, tx, &plan)
	})
	if err != nil {
		return nil, err
	}

	s.plans.Delete(plan.ID)
	return &plan, nil
}

func normalizePlan(plan plandomain.Plan) (plandomain.Plan, error) {
	plan.ID = plandomain.NormalizeID(plan.ID)
	plan.Name = strings.TrimSpace(plan.Name)
	plan.Currency = strings.ToUpper(strings.TrimSpace(plan.Currency))

	switch {
	case plan.ID == "", plan.Name == "":
		return plan, plandomain.ErrInvalidPlan
	case len(plan.Currency) != 3:
		return plan, plandomain.ErrInvalidPlan
	case plan.MonthlyPrice < 0, plan.YearlyPrice < 0:
		return plan, plandomain.ErrInvalidPlan
	case plan.TierRank < 0, plan.TrialDays < 0:
		return plan, plandomain.ErrInvalidPlan
	case plan.MaxLibraries < 0, plan.MaxUsers < 0, plan.MaxBookingsPerMonth < 0,
		plan.MaxStorageMB < 0, plan.MaxAPICallsPerDay < 0:
		return plan, plandomain.ErrInvalidPlan
	}
	if plan.Features == nil {
		plan.Features = []string{}
	}
	return plan, nil
}

func isImmutable(err error) bool {
	return errors.Is(err, plandomain.ErrPlanImmutable)
}
