package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	JobReasonDeadlineExceeded     = "deadline_exceeded"
	JobReasonDBLockTimeout        = "db_lock_timeout"
	JobReasonSerializationFailure = "serialization_failure"
	JobReasonUniqueViolation      = "unique_violation"
	JobReasonVersionConflict      = "version_conflict"
	JobReasonUnknown              = "unknown"
)

const (
	RenewalResultRenewed  = "renewed"
	RenewalResultCanceled = "canceled"
	RenewalResultSkipped  = "skipped"
	RenewalResultLocked   = "locked"
	RenewalResultError    = "error"
)

const (
	EventOutcomeProcessed = "processed"
	EventOutcomeDuplicate = "duplicate"
	EventOutcomeFailed    = "failed"
)

// Billing captures lifecycle and scheduler health signals scraped from /metrics.
type Billing struct {
	transitions      *prometheus.CounterVec
	versionConflicts *prometheus.CounterVec
	invoices         *prometheus.CounterVec
	paymentEvents    *prometheus.CounterVec
	renewals         *prometheus.CounterVec
	jobRuns          *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	jobErrors        *prometheus.CounterVec
}

var (
	billingOnce    sync.Once
	billingMetrics *Billing
)

// NewBilling returns the process-wide billing metrics registered on the default registerer.
func NewBilling(cfg Config) *Billing {
	billingOnce.Do(func() {
		billingMetrics = NewBillingWithRegisterer(prometheus.DefaultRegisterer, cfg)
	})
	return billingMetrics
}

// NewBillingWithRegisterer builds billing metrics on a caller-owned registry.
func NewBillingWithRegisterer(registerer prometheus.Registerer, cfg Config) *Billing {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "tenantbilling"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &Billing{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tenantbilling_subscription_transitions_total",
			Help:        "Subscription lifecycle transitions by operation and state pair.",
			ConstLabels: constLabels,
		}, []string{"operation", "from", "to"}),
		versionConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tenantbilling_subscription_version_conflicts_total",
			Help:        "Optimistic concurrency rejections by operation.",
			ConstLabels: constLabels,
		}, []string{"operation"}),
		invoices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tenantbilling_invoices_total",
			Help:        "Invoices written by kind and resulting status.",
			ConstLabels: constLabels,
		}, []string{"kind", "status"}),
		paymentEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tenantbilling_payment_event_ingest_total",
			Help:        "Payment event ingestion outcomes by event type.",
			ConstLabels: constLabels,
		}, []string{"event_type", "outcome"}),
		renewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tenantbilling_renewals_total",
			Help:        "Renewal attempts by result.",
			ConstLabels: constLabels,
		}, []string{"result"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tenantbilling_scheduler_job_runs_total",
			Help:        "Scheduler job runs by name.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "tenantbilling_scheduler_job_duration_seconds",
			Help:        "Scheduler job latency.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tenantbilling_scheduler_job_errors_total",
			Help:        "Scheduler job errors by low-cardinality reason.",
			ConstLabels: constLabels,
		}, []string{"job", "reason"}),
	}

	registerer.MustRegister(
		m.transitions,
		m.versionConflicts,
		m.invoices,
		m.paymentEvents,
		m.renewals,
		m.jobRuns,
		m.jobDuration,
		m.jobErrors,
	)
	return m
}

func (m *Billing) IncTransition(operation, from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(operation, from, to).Inc()
}

func (m *Billing) IncVersionConflict(operation string) {
	if m == nil {
		return
	}
	m.versionConflicts.WithLabelValues(operation).Inc()
}

func (m *Billing) IncInvoice(kind, status string) {
	if m == nil {
		return
	}
	m.invoices.WithLabelValues(kind, status).Inc()
}

func (m *Billing) IncPaymentEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.paymentEvents.WithLabelValues(eventType, outcome).Inc()
}

func (m *Billing) IncRenewal(result string) {
	if m == nil {
		return
	}
	m.renewals.WithLabelValues(result).Inc()
}

func (m *Billing) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *Billing) ObserveJobDuration(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *Billing) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifyJobReason(err)).Inc()
}

// versionConflict is satisfied by domain errors that signal a CAS mismatch.
type versionConflict interface {
	VersionConflict() bool
}

// ClassifyJobReason maps an error to a bounded reason label.
func ClassifyJobReason(err error) string {
	if err == nil {
		return JobReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return JobReasonDeadlineExceeded
	}
	var vc versionConflict
	if errors.As(err, &vc) && vc.VersionConflict() {
		return JobReasonVersionConflict
	}
	if hasPGCode(err, "55P03") {
		return JobReasonDBLockTimeout
	}
	if hasPGCode(err, "40001") {
		return JobReasonSerializationFailure
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, "23505") {
		return JobReasonUniqueViolation
	}
	return JobReasonUnknown
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
