package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tenantbilling/internal/clock"
	"github.com/smallbiznis/tenantbilling/internal/config"
	"github.com/smallbiznis/tenantbilling/internal/entitlement"
	invoicedomain "github.com/smallbiznis/tenantbilling/internal/invoice/domain"
	invoicerepository "github.com/smallbiznis/tenantbilling/internal/invoice/repository"
	invoiceservice "github.com/smallbiznis/tenantbilling/internal/invoice/service"
	"github.com/smallbiznis/tenantbilling/internal/payment/adapters"
	"github.com/smallbiznis/tenantbilling/internal/payment/adapters/hmac"
	"github.com/smallbiznis/tenantbilling/internal/payment/adapters/stripe"
	paymentrepository "github.com/smallbiznis/tenantbilling/internal/payment/repository"
	paymentservice "github.com/smallbiznis/tenantbilling/internal/payment/service"
	"github.com/smallbiznis/tenantbilling/internal/payment/webhook"
	plandomain "github.com/smallbiznis/tenantbilling/internal/plan/domain"
	planrepository "github.com/smallbiznis/tenantbilling/internal/plan/repository"
	planservice "github.com/smallbiznis/tenantbilling/internal/plan/service"
	"github.com/smallbiznis/tenantbilling/internal/scheduler"
	"github.com/smallbiznis/tenantbilling/internal/server"
	subscriptiondomain "github.com/smallbiznis/tenantbilling/internal/subscription/domain"
	subscriptionrepository "github.com/smallbiznis/tenantbilling/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/tenantbilling/internal/subscription/service"
	"github.com/smallbiznis/tenantbilling/internal/usage"
	"github.com/smallbiznis/tenantbilling/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const webhookSecret = "e2e-secret"

var start = time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)

type zeroTax struct{}

func (zeroTax) RateFor(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

type testEnv struct {
	db        *gorm.DB
	clock     *clock.FakeClock
	engine    *gin.Engine
	counter   *usage.MemoryCounter
	scheduler *scheduler.Scheduler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := dbtest.Open(t)
	clk := clock.NewFakeClock(start)
	log := zap.NewNop()
	node, err := snowflake.NewNode(7)
	require.NoError(t, err)

	cfg := config.Config{
		Payment: config.PaymentConfig{
			DefaultProvider:   "hmac",
			HMACWebhookSecret: webhookSecret,
		},
	}
	policy := config.NewStaticBillingPolicyHolder(config.DefaultBillingPolicy())

	planRepo := planrepository.Provide()
	for _, plan := range []plandomain.Plan{
		{ID: "basic", Name: "Basic", MonthlyPrice: 1000, YearlyPrice: 10000, Currency: "USD", TierRank: 1, Active: true, Limits: plandomain.Limits{MaxUsers: 3}},
		{ID: "pro", Name: "Pro", MonthlyPrice: 3000, YearlyPrice: 30000, Currency: "USD", TierRank: 2, Active: true},
	} {
		plan := plan
		plan.CreatedAt = start
		plan.UpdatedAt = start
		require.NoError(t, planRepo.Upsert(context.Background(), db, &plan))
	}
	plans := planservice.NewService(planservice.ServiceParam{DB: db, Log: log, Clock: clk, Repo: planRepo})

	invoices := invoiceservice.NewService(invoiceservice.ServiceParam{
		Log:    log,
		GenID:  node,
		Clock:  clk,
		Repo:   invoicerepository.Provide(),
		Tax:    zeroTax{},
		Policy: policy,
	})

	subscriptions := subscriptionservice.NewService(subscriptionservice.ServiceParam{
		DB:       db,
		Log:      log,
		Clock:    clk,
		Config:   cfg,
		Policy:   policy,
		Repo:     subscriptionrepository.Provide(),
		Plans:    planRepo,
		Invoices: invoices,
	})

	payments := paymentservice.NewService(paymentservice.Params{
		DB:       db,
		Log:      log,
		Clock:    clk,
		Repo:     paymentrepository.Provide(),
		Outcomes: subscriptions,
	})
	webhooks := webhook.NewService(webhook.Params{
		Log:        log,
		PaymentSvc: payments,
		Adapters:   adapters.NewRegistry(stripe.NewFactory(), hmac.NewFactory()),
		Cfg:        cfg,
	})

	counter := usage.NewMemoryCounter(clk)
	resolver := entitlement.NewResolver(entitlement.Params{
		Log:           log,
		Subscriptions: subscriptions,
		Plans:         plans,
		Counter:       counter,
	})

	sched, err := scheduler.New(scheduler.Params{
		Log:             log,
		SubscriptionSvc: subscriptions,
		Clock:           clk,
		Config:          scheduler.Config{BatchSize: 10},
	})
	require.NoError(t, err)

	engine := gin.New()
	engine.Use(server.ErrorHandlingMiddleware())
	server.NewServer(server.ServerParams{
		Gin:             engine,
		Cfg:             cfg,
		Log:             log,
		SubscriptionSvc: subscriptions,
		PlanSvc:         plans,
		Entitlements:    resolver,
		WebhookSvc:      webhooks,
	})

	return &testEnv{db: db, clock: clk, engine: engine, counter: counter, scheduler: sched}
}

func (e *testEnv) request(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	return e.requestAs(t, "", method, path, body, out)
}

func (e *testEnv) requestAs(t *testing.T, tenantID, method, path string, body any, out any) int {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if tenantID != "" {
		req.Header.Set(server.HeaderTenantID, tenantID)
	}
	rec := httptest.NewRecorder()
	e.engine.ServeHTTP(rec, req)
	if out != nil && rec.Code < 300 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func (e *testEnv) deliver(t *testing.T, event map[string]any, signature string) (int, string) {
	t.Helper()
	raw, err := json.Marshal(event)
	require.NoError(t, err)
	if signature == "" {
		signature = hmac.Sign(webhookSecret, raw)
	}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment-events/hmac", bytes.NewReader(raw))
	req.Header.Set(hmac.SignatureHeader, signature)
	rec := httptest.NewRecorder()
	e.engine.ServeHTTP(rec, req)

	var resp struct {
		Outcome string `json:"outcome"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	return rec.Code, resp.Outcome
}

type subscriptionEnvelope struct {
	Subscription subscriptiondomain.Subscription `json:"subscription"`
	Invoice      *invoicedomain.Invoice          `json:"invoice"`
}

func (e *testEnv) subscription(t *testing.T, id string) subscriptiondomain.Subscription {
	t.Helper()
	var resp subscriptionEnvelope
	require.Equal(t, http.StatusOK, e.request(t, http.MethodGet, "/subscriptions/"+id, nil, &resp))
	return resp.Subscription
}

func TestSubscriptionLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	var created subscriptiondomain.CreateResult
	code := env.request(t, http.MethodPost, "/subscriptions", map[string]any{
		"tenant_id":        "tenant_e2e",
		"plan_id":          "basic",
		"billing_interval": "monthly",
	}, &created)
	require.Equal(t, http.StatusCreated, code)
	require.True(t, created.RequiresConfirmation)
	require.NotNil(t, created.Invoice)
	assert.Equal(t, int64(1000), created.Invoice.Total)
	subID := created.Subscription.ID

	code = env.request(t, http.MethodPost, "/subscriptions", map[string]any{
		"tenant_id":        "tenant_e2e",
		"plan_id":          "pro",
		"billing_interval": "monthly",
	}, nil)
	assert.Equal(t, http.StatusConflict, code)

	paid := map[string]any{
		"id":              "evt_initial",
		"type":            "charge.succeeded",
		"subscription_id": subID,
		"invoice_id":      created.Invoice.ID,
		"amount":          1000,
		"currency":        "usd",
	}
	code, outcome := env.deliver(t, paid, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "processed", outcome)

	sub := env.subscription(t, subID)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, sub.Status)

	code, outcome = env.deliver(t, paid, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "duplicate", outcome)
	assert.Equal(t, int64(1), dbtest.Count(t, env.db, `SELECT COUNT(*) FROM payment_events`))

	code, _ = env.deliver(t, map[string]any{"id": "evt_forged", "type": "charge.failed", "invoice_id": created.Invoice.ID}, "sha256=00")
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, env.subscription(t, subID).Status)

	require.NoError(t, env.counter.Set(context.Background(), "tenant_e2e", plandomain.ResourceUsers, 3))
	var decision entitlement.Decision
	require.Equal(t, http.StatusOK, env.request(t, http.MethodGet, "/entitlements/tenant_e2e/users?delta=1", nil, &decision))
	assert.False(t, decision.Allowed)
	assert.Equal(t, int64(3), decision.Limit)

	env.clock.Set(start.AddDate(0, 0, 15))
	var upgraded subscriptionEnvelope
	code = env.request(t, http.MethodPut, "/subscriptions/"+subID+"/upgrade", map[string]any{
		"new_plan_id":      "pro",
		"expected_version": sub.Version,
	}, &upgraded)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "pro", upgraded.Subscription.PlanID)
	require.NotNil(t, upgraded.Invoice)
	assert.Equal(t, invoicedomain.InvoiceKindProration, upgraded.Invoice.Kind)
	assert.Equal(t, int64(1000), upgraded.Invoice.Total)

	code = env.request(t, http.MethodPut, "/subscriptions/"+subID+"/downgrade", map[string]any{
		"new_plan_id":      "basic",
		"expected_version": sub.Version,
	}, nil)
	assert.Equal(t, http.StatusConflict, code)

	require.Equal(t, http.StatusOK, env.request(t, http.MethodGet, "/entitlements/tenant_e2e/users?delta=1", nil, &decision))
	assert.True(t, decision.Unlimited)

	env.clock.Set(start.AddDate(0, 1, 0).Add(time.Minute))
	require.NoError(t, env.scheduler.RunOnce(context.Background()))

	renewed := env.subscription(t, subID)
	assert.Equal(t, start.AddDate(0, 1, 0), renewed.CurrentPeriodStart.UTC())
	assert.Equal(t, int64(3000), renewed.Amount)

	var listed struct {
		Invoices []invoicedomain.Invoice `json:"invoices"`
	}
	require.Equal(t, http.StatusOK, env.request(t, http.MethodGet, "/subscriptions/"+subID+"/invoices", nil, &listed))
	require.Len(t, listed.Invoices, 3)
	assert.Equal(t, invoicedomain.InvoiceKindRenewal, listed.Invoices[0].Kind)

	var canceled subscriptionEnvelope
	code = env.request(t, http.MethodDelete, "/subscriptions/"+subID+"/cancel", map[string]any{
		"expected_version": renewed.Version,
		"immediate":        true,
	}, &canceled)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusCanceled, canceled.Subscription.Status)
	assert.Equal(t, int64(0), dbtest.Count(t, env.db, `SELECT COUNT(*) FROM invoices WHERE subscription_id = ? AND status = 'open'`, subID))

	code = env.request(t, http.MethodPut, "/subscriptions/"+subID+"/upgrade", map[string]any{
		"new_plan_id":      "pro",
		"expected_version": canceled.Subscription.Version,
	}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
}

func TestSubscriptionsAreTenantScoped(t *testing.T) {
	env := newTestEnv(t)

	var created subscriptiondomain.CreateResult
	code := env.requestAs(t, "tenant_a", http.MethodPost, "/subscriptions", map[string]any{
		"plan_id":          "basic",
		"billing_interval": "monthly",
	}, &created)
	require.Equal(t, http.StatusCreated, code)
	subID := created.Subscription.ID
	assert.Equal(t, "tenant_a", created.Subscription.TenantID)

	paths := []struct {
		method string
		path   string
		body   any
	}{
		{http.MethodGet, "/subscriptions/" + subID, nil},
		{http.MethodGet, "/subscriptions/" + subID + "/invoices", nil},
		{http.MethodPut, "/subscriptions/" + subID + "/upgrade", map[string]any{"new_plan_id": "pro", "expected_version": created.Subscription.Version}},
		{http.MethodPut, "/subscriptions/" + subID + "/downgrade", map[string]any{"new_plan_id": "basic", "expected_version": created.Subscription.Version}},
		{http.MethodDelete, "/subscriptions/" + subID + "/cancel", map[string]any{"expected_version": created.Subscription.Version, "immediate": true}},
	}
	for _, p := range paths {
		assert.Equal(t, http.StatusNotFound, env.requestAs(t, "tenant_b", p.method, p.path, p.body, nil), p.path)
	}

	var own subscriptionEnvelope
	require.Equal(t, http.StatusOK, env.requestAs(t, "tenant_a", http.MethodGet, "/subscriptions/"+subID, nil, &own))
	assert.Equal(t, subscriptiondomain.SubscriptionStatusIncomplete, own.Subscription.Status)
	assert.Equal(t, created.Subscription.Version, own.Subscription.Version)
	assert.Equal(t, int64(0), dbtest.Count(t, env.db, `SELECT COUNT(*) FROM invoices WHERE subscription_id = ? AND status <> 'open'`, subID))
}
