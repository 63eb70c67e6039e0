// Package notify tells tenants about lifecycle changes that need their attention.
package notify

import (
	"context"
	"strings"
	"time"

	obscontext "github.com/smallbiznis/tenantbilling/internal/observability/context"
	"github.com/smallbiznis/tenantbilling/internal/observability/logger"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	EventSubscriptionActivated = "subscription.activated"
	EventSubscriptionPastDue   = "subscription.past_due"
	EventSubscriptionUnpaid    = "subscription.unpaid"
	EventSubscriptionCanceled  = "subscription.canceled"
	EventSubscriptionExpired   = "subscription.incomplete_expired"
	EventInvoiceIssued         = "invoice.issued"
)

type Event struct {
	Type           string
	TenantID       string
	SubscriptionID string
	InvoiceID      string
	Status         string
	At             time.Time
	Metadata       map[string]any
}

// Notifier delivers tenant-facing messages. Delivery is best effort and never
// rolls back the change that produced the event.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

type Params struct {
	fx.In

	Log *zap.Logger
}

type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(p Params) Notifier {
	return &LogNotifier{log: p.Log.Named("notify")}
}

func (n *LogNotifier) Notify(ctx context.Context, event Event) {
	if strings.TrimSpace(event.Type) == "" {
		return
	}
	fields := []zap.Field{
		zap.String("event", event.Type),
		zap.String("subscription_id", event.SubscriptionID),
		zap.String("status", event.Status),
		zap.Time("at", event.At),
	}
	if event.InvoiceID != "" {
		fields = append(fields, zap.String("invoice_id", event.InvoiceID))
	}
	for key, value := range event.Metadata {
		if key == "" {
			continue
		}
		fields = append(fields, zap.Any(key, value))
	}
	if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request_id", requestID))
	}
	logger.WithTenant(n.log, event.TenantID).Info("tenant notification", fields...)
}

var Module = fx.Module("notify",
	fx.Provide(NewLogNotifier),
)
