package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level OTLP instruments.
type Metrics struct {
	paymentEvents     metric.Int64Counter
	invoicesIssued    metric.Int64Counter
	invoiceAmount     metric.Int64Counter
	entitlementDenied metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "tenantbilling"
	}
	meter := provider.Meter(name)

	paymentEvents, err := meter.Int64Counter("tenantbilling_payment_events_total")
	if err != nil {
		return nil, err
	}
	invoicesIssued, err := meter.Int64Counter("tenantbilling_invoices_issued_total")
	if err != nil {
		return nil, err
	}
	invoiceAmount, err := meter.Int64Counter("tenantbilling_invoice_amount_minor_total")
	if err != nil {
		return nil, err
	}
	entitlementDenied, err := meter.Int64Counter("tenantbilling_entitlement_denied_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		paymentEvents:     paymentEvents,
		invoicesIssued:    invoicesIssued,
		invoiceAmount:     invoiceAmount,
		entitlementDenied: entitlementDenied,
	}, nil
}

// RecordPaymentEvent counts ingested gateway events.
func (m *Metrics) RecordPaymentEvent(ctx context.Context, provider, eventType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
	)
	m.paymentEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordInvoiceIssued counts issued invoices and their totals per currency.
func (m *Metrics) RecordInvoiceIssued(ctx context.Context, kind, currency string, total int64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("invoice_kind", strings.TrimSpace(kind)),
		attribute.String("currency", strings.ToUpper(strings.TrimSpace(currency))),
	)
	m.invoicesIssued.Add(ctx, 1, metric.WithAttributes(attrs...))
	if total > 0 {
		m.invoiceAmount.Add(ctx, total, metric.WithAttributes(attrs...))
	}
}

// RecordEntitlementDenied counts denied limit checks by resource.
func (m *Metrics) RecordEntitlementDenied(ctx context.Context, resource string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("resource", strings.TrimSpace(resource)))
	m.entitlementDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"provider":     {},
	"event_type":   {},
	"invoice_kind": {},
	"currency":     {},
	"resource":     {},
	"reason":       {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
