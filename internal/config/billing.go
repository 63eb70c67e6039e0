package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// BillingPolicy carries operator-tunable lifecycle policy. It is hot-reloaded from billing.yml.
type BillingPolicy struct {
	GracePeriodFailures     int               `mapstructure:"gracePeriodFailures"`
	CancelWhenUnpaid        bool              `mapstructure:"cancelWhenUnpaid"`
	RefundOnImmediateCancel bool              `mapstructure:"refundOnImmediateCancel"`
	CarryForwardCredit      bool              `mapstructure:"carryForwardCredit"`
	IncompleteExpiry        time.Duration     `mapstructure:"incompleteExpiry"`
	DefaultTaxRate          string            `mapstructure:"defaultTaxRate"`
	TenantTaxRates          map[string]string `mapstructure:"tenantTaxRates"`
}

func DefaultBillingPolicy() BillingPolicy {
	return BillingPolicy{
		GracePeriodFailures:     3,
		CancelWhenUnpaid:        true,
		RefundOnImmediateCancel: false,
		CarryForwardCredit:      true,
		IncompleteExpiry:        23 * time.Hour,
		DefaultTaxRate:          "0",
		TenantTaxRates:          map[string]string{},
	}
}

type BillingPolicyHolder struct {
	current atomic.Value // holds BillingPolicy
}

// NewStaticBillingPolicyHolder returns a holder that never reloads.
func NewStaticBillingPolicyHolder(policy BillingPolicy) *BillingPolicyHolder {
	holder := &BillingPolicyHolder{}
	holder.current.Store(policy)
	return holder
}

func NewBillingPolicyHolder(log *zap.Logger) (*BillingPolicyHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("billing.policy")

	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/tenantbilling/config")
	v.AddConfigPath("/etc/tenantbilling")
	v.AddConfigPath(".")

	v.SetEnvPrefix("TENANTBILLING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBillingPolicy()
	v.SetDefault("billing.gracePeriodFailures", defaults.GracePeriodFailures)
	v.SetDefault("billing.cancelWhenUnpaid", defaults.CancelWhenUnpaid)
	v.SetDefault("billing.refundOnImmediateCancel", defaults.RefundOnImmediateCancel)
	v.SetDefault("billing.carryForwardCredit", defaults.CarryForwardCredit)
	v.SetDefault("billing.incompleteExpiry", defaults.IncompleteExpiry)
	v.SetDefault("billing.defaultTaxRate", defaults.DefaultTaxRate)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileLoaded = false
	}

	var policy BillingPolicy
	if err := v.UnmarshalKey("billing", &policy); err != nil {
		return nil, err
	}
	if err := ValidateBillingPolicy(policy); err != nil {
		return nil, err
	}

	holder := &BillingPolicyHolder{}
	holder.current.Store(policy)

	if !fileLoaded {
		log.Info("billing.yml not found, using default policy")
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BillingPolicy
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Warn("reload failed", zap.Error(err))
			return
		}
		if err := ValidateBillingPolicy(updated); err != nil {
			log.Warn("invalid policy ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *BillingPolicyHolder) Get() BillingPolicy {
	if h == nil {
		return DefaultBillingPolicy()
	}
	policy, ok := h.current.Load().(BillingPolicy)
	if !ok {
		return DefaultBillingPolicy()
	}
	return policy
}

func ValidateBillingPolicy(policy BillingPolicy) error {
	if policy.GracePeriodFailures < 1 {
		return errors.New("billing.gracePeriodFailures must be at least 1")
	}
	if policy.IncompleteExpiry <= 0 {
		return errors.New("billing.incompleteExpiry must be positive")
	}
	if err := validateRate(policy.DefaultTaxRate); err != nil {
		return errors.New("billing.defaultTaxRate " + err.Error())
	}
	for tenant, rate := range policy.TenantTaxRates {
		if err := validateRate(rate); err != nil {
			return errors.New("billing.tenantTaxRates." + tenant + " " + err.Error())
		}
	}
	return nil
}

func validateRate(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	rate, err := decimal.NewFromString(raw)
	if err != nil {
		return errors.New("is not a decimal")
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return errors.New("must be between 0 and 1")
	}
	return nil
}
