package repository

import (
	"context"

	plandomain "github.com/smallbiznis/tenantbilling/internal/plan/domain"
	"github.com/smallbiznis/tenantbilling/pkg/db/option"
	"github.com/smallbiznis/tenantbilling/pkg/repository"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() plandomain.Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id string) (*plandomain.Plan, error) {
	var item plandomain.Plan
	err := db.WithContext(ctx).Raw(
		`SELECT id, name, monthly_price, yearly_price, currency, features,
			max_libraries, max_users, max_bookings_per_month, max_storage_mb, max_api_calls_per_day,
			tier_rank, trial_days, active, created_at, updated_at
		 FROM plans
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == "" {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListActive(ctx context.Context, db *gorm.DB) ([]plandomain.Plan, error) {
	store := repository.ProvideStore[plandomain.Plan](db)
	items, err := store.Find(ctx, &plandomain.Plan{Active: true},
		option.WithSortBy("tier_rank", false),
		option.WithSortBy("id", false),
	)
	if err != nil {
		return nil, err
	}
	out := make([]plandomain.Plan, 0, len(items))
	for _, item := range items {
		out = append(out, *item)
	}
	return out, nil
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, plan *plandomain.Plan) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO plans (
			id, name, monthly_price, yearly_price, currency, features,
			max_libraries, max_users, max_bookings_per_month, max_storage_mb, max_api_calls_per_day,
			tier_rank, trial_days, active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			monthly_price = excluded.monthly_price,
			yearly_price = excluded.yearly_price,
			currency = excluded.currency,
			features = excluded.features,
			max_libraries = excluded.max_libraries,
			max_users = excluded.max_users,
			max_bookings_per_month = excluded.max_bookings_per_month,
			max_storage_mb = excluded.max_storage_mb,
			max_api_calls_per_day = excluded.max_api_calls_per_day,
			tier_rank = excluded.tier_rank,
			trial_days = excluded.trial_days,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		plan.ID,
		plan.Name,
		plan.MonthlyPrice,
		plan.YearlyPrice,
		plan.Currency,
		plan.Features,
		plan.MaxLibraries,
		plan.MaxUsers,
		plan.MaxBookingsPerMonth,
		plan.MaxStorageMB,
		plan.MaxAPICallsPerDay,
		plan.TierRank,
		plan.TrialDays,
		plan.Active,
		plan.CreatedAt,
		plan.UpdatedAt,
	).Error
}

func (r *repo) IsReferenced(ctx context.Context, db *gorm.DB, id string) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1)
		 FROM subscriptions
		 WHERE (plan_id = ? OR pending_plan_id = ?)
		   AND status NOT IN ('canceled', 'incomplete_expired')`,
		id,
		id,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
