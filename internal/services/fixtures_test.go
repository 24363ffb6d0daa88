package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"coaching_billing_echo/internal/config"
	"coaching_billing_echo/internal/ecpay"
	"coaching_billing_echo/internal/models"
)

const (
	testMerchantID = "3002607"
	testHashKey    = "pwFHCqoQZGmho4w6"
	testHashIV     = "EkRm7iFT261dpevs"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), GormConfig("silent"))
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, AutoMigrate(db, zap.NewNop()))
	return db
}

func testConfig() *config.Config {
	return &config.Config{
		Env: "test",
		ECPay: config.ECPayConfig{
			MerchantID:    testMerchantID,
			HashKey:       testHashKey,
			HashIV:        testHashIV,
			Environment:   config.EnvironmentSandbox,
			BaseURL:       "https://payment-stage.ecpay.com.tw",
			TradeNoPrefix: "SUB",
		},
		URLs: config.URLConfig{
			APIBase:      "https://api.example.tw",
			FrontendBase: "https://app.example.tw",
		},
		Billing: config.BillingConfig{
			Currency:         "TWD",
			GracePeriod:      7 * 24 * time.Hour,
			FailureWindow:    7 * 24 * time.Hour,
			RetrySchedule:    []time.Duration{24 * time.Hour, 72 * time.Hour, 168 * time.Hour},
			MaxRetries:       3,
			MonthlyExecTimes: config.MaxMonthlyExecTimes,
			AnnualExecTimes:  config.MaxAnnualExecTimes,
		},
	}
}

// testClock is a settable clock shared by every service of a fixture.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeGateway struct {
	mu        sync.Mutex
	reauths   []string
	cancels   []string
	reauthErr error
	cancelErr error
}

func (g *fakeGateway) CheckoutURL() string {
	return "https://payment-stage.ecpay.com.tw" + ecpay.CheckoutPath
}

func (g *fakeGateway) ReAuth(_ context.Context, tradeNo string) (*ecpay.ActionResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.reauthErr != nil {
		return nil, g.reauthErr
	}
	g.reauths = append(g.reauths, tradeNo)
	return &ecpay.ActionResult{RtnCode: ecpay.RtnCodeSuccess, RtnMsg: "OK"}, nil
}

func (g *fakeGateway) CancelPeriod(_ context.Context, tradeNo string) (*ecpay.ActionResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelErr != nil {
		return nil, g.cancelErr
	}
	g.cancels = append(g.cancels, tradeNo)
	return &ecpay.ActionResult{RtnCode: ecpay.RtnCodeSuccess, RtnMsg: "OK"}, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func (n *recordingNotifier) Notify(_ context.Context, msg Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return nil
}

func (n *recordingNotifier) kinds() []NotificationKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]NotificationKind, 0, len(n.sent))
	for _, m := range n.sent {
		out = append(out, m.Kind)
	}
	return out
}

type billingFixture struct {
	t        *testing.T
	db       *gorm.DB
	cfg      *config.Config
	signer   *ecpay.Signer
	clock    *testClock
	gateway  *fakeGateway
	notifier *recordingNotifier

	auth          *AuthorizationService
	retry         *RetryEngine
	webhooks      *WebhookService
	subscriptions *SubscriptionService
	maintenance   *MaintenanceService
}

func newBillingFixture(t *testing.T) *billingFixture {
	t.Helper()
	f := &billingFixture{
		t:        t,
		db:       newTestDB(t),
		cfg:      testConfig(),
		signer:   ecpay.NewSigner(testHashKey, testHashIV),
		clock:    &testClock{now: time.Date(2025, 1, 10, 9, 30, 0, 0, time.UTC)},
		gateway:  &fakeGateway{},
		notifier: &recordingNotifier{},
	}
	deps := Deps{
		DB:       f.db,
		Config:   f.cfg,
		Signer:   f.signer,
		Gateway:  f.gateway,
		Notifier: f.notifier,
		Logger:   zap.NewNop(),
		Clock:    f.clock.Now,
	}
	f.auth = NewAuthorizationService(deps)
	f.retry = NewRetryEngine(deps)
	f.webhooks = NewWebhookService(deps, f.retry)
	f.subscriptions = NewSubscriptionService(deps, f.retry)
	f.maintenance = NewMaintenanceService(deps, f.retry, f.subscriptions)
	return f
}

func (f *billingFixture) createUser(email string) *models.User {
	f.t.Helper()
	user := &models.User{Email: email, Name: "Test User"}
	require.NoError(f.t, f.db.Create(user).Error)
	return user
}

// authorize issues and confirms a mandate, leaving the user with an ACTIVE
// subscription.
func (f *billingFixture) authorize(user *models.User, plan models.PlanID, cycle models.BillingCycle) *models.CreditAuthorization {
	f.t.Helper()
	res, err := f.auth.CreateAuthorization(context.Background(), user.ID, plan, cycle)
	require.NoError(f.t, err)

	ack := f.webhooks.ProcessAuthorization(context.Background(), f.signedAuthCallback(res.MerchantMemberID, "1"), "127.0.0.1")
	require.Equal(f.t, AckOK, ack)

	var auth models.CreditAuthorization
	require.NoError(f.t, f.db.First(&auth, res.AuthorizationID).Error)
	return &auth
}

func (f *billingFixture) signedAuthCallback(memberID, rtnCode string) map[string]string {
	return f.signer.SignForm(map[string]string{
		"MerchantID":       testMerchantID,
		"MerchantMemberID": memberID,
		"RtnCode":          rtnCode,
		"RtnMsg":           "Succeeded",
		"gwsr":             "11930001",
		"AuthCode":         "777777",
		"card4no":          "2222",
		"card6no":          "431195",
		"PeriodType":       "M",
		"Frequency":        "1",
		"ExecTimes":        "99",
		"amount":           "899",
	})
}

func (f *billingFixture) signedBillingCallback(memberID, gwsr, rtnCode string, amountTWD int64) map[string]string {
	msg := "paid"
	if rtnCode != "1" {
		msg = "Card declined"
	}
	return f.signer.SignForm(map[string]string{
		"MerchantID":       testMerchantID,
		"MerchantMemberID": memberID,
		"gwsr":             gwsr,
		"RtnCode":          rtnCode,
		"RtnMsg":           msg,
		"amount":           fmt.Sprint(amountTWD),
		"auth_code":        "777777",
		"process_date":     f.clock.Now().In(taipei).Format(processDateLayout),
	})
}

func (f *billingFixture) bill(auth *models.CreditAuthorization, gwsr, rtnCode string) WebhookAck {
	f.t.Helper()
	form := f.signedBillingCallback(auth.MerchantMemberID, gwsr, rtnCode, MinorToMajor(auth.Amount))
	return f.webhooks.ProcessBilling(context.Background(), form, "127.0.0.1")
}

func (f *billingFixture) subscription(userID string) *models.Subscription {
	f.t.Helper()
	var sub models.Subscription
	require.NoError(f.t, f.db.Where("user_id = ?", userID).Order("id DESC").First(&sub).Error)
	return &sub
}

func (f *billingFixture) user(userID string) *models.User {
	f.t.Helper()
	var user models.User
	require.NoError(f.t, f.db.First(&user, "id = ?", userID).Error)
	return &user
}

func (f *billingFixture) reloadAuth(id uint) *models.CreditAuthorization {
	f.t.Helper()
	var auth models.CreditAuthorization
	require.NoError(f.t, f.db.First(&auth, id).Error)
	return &auth
}

func (f *billingFixture) payment(gwsr string) *models.Payment {
	f.t.Helper()
	var p models.Payment
	require.NoError(f.t, f.db.Where("gateway_transaction_ref = ?", gwsr).First(&p).Error)
	return &p
}
