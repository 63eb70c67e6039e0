package service

import (
	"context"
	"fmt"

	"github.com/samber/lo"
	plandomain "github.com/smallbiznis/tenantbilling/internal/plan/domain"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type catalogEntry struct {
	ID           string            `mapstructure:"id"`
	Name         string            `mapstructure:"name"`
	MonthlyPrice int64             `mapstructure:"monthlyPrice"`
	YearlyPrice  int64             `mapstructure:"yearlyPrice"`
	Currency     string            `mapstructure:"currency"`
	Features     []string          `mapstructure:"features"`
	Limits       plandomain.Limits `mapstructure:"limits"`
	TierRank     int               `mapstructure:"tierRank"`
	TrialDays    int               `mapstructure:"trialDays"`
	Active       *bool             `mapstructure:"active"`
}

// SeedFromFile loads a YAML catalog (a top-level "plans" list) and upserts each entry.
// Entries whose terms would change a referenced plan are skipped and logged.
func (s *Service) SeedFromFile(ctx context.Context, path string) (int, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return 0, fmt.Errorf("read plan catalog: %w", err)
	}

	var entries []catalogEntry
	if err := v.UnmarshalKey("plans", &entries); err != nil {
		return 0, fmt.Errorf("decode plan catalog: %w", err)
	}
	if len(entries) == 0 {
		return 0, plandomain.ErrInvalidCatalog
	}

	ids := lo.Map(entries, func(e catalogEntry, _ int) string { return plandomain.NormalizeID(e.ID) })
	if dupes := lo.FindDuplicates(ids); len(dupes) > 0 {
		return 0, fmt.Errorf("%w: duplicate plan ids %v", plandomain.ErrInvalidCatalog, dupes)
	}

	applied := 0
	for _, entry := range entries {
		plan := plandomain.Plan{
			ID:           entry.ID,
			Name:         entry.Name,
			MonthlyPrice: entry.MonthlyPrice,
			YearlyPrice:  entry.YearlyPrice,
			Currency:     entry.Currency,
			Features:     entry.Features,
			Limits:       entry.Limits,
			TierRank:     entry.TierRank,
			TrialDays:    entry.TrialDays,
			Active:       lo.FromPtrOr(entry.Active, true),
		}
		if _, err := s.Upsert(ctx, plan); err != nil {
			if isImmutable(err) {
				s.log.Warn("catalog entry changes terms of a referenced plan, skipped",
					zap.String("plan_id", plandomain.NormalizeID(entry.ID)))
				continue
			}
			return applied, fmt.Errorf("seed plan %q: %w", entry.ID, err)
		}
		applied++
	}
	return applied, nil
}
