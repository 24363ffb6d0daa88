package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sandboxViper() *viper.Viper {
	v := newViper()
	v.Set("ECPAY_MERCHANT_ID", "3002607")
	v.Set("ECPAY_HASH_KEY", "pwFHCqoQZGmho4w6")
	v.Set("ECPAY_HASH_IV", "EkRm7iFT261dpevs")
	return v
}

func TestFromViperDefaults(t *testing.T) {
	cfg, err := FromViper(sandboxViper())
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, EnvironmentSandbox, cfg.ECPay.Environment)
	assert.Equal(t, "https://payment-stage.ecpay.com.tw", cfg.ECPay.BaseURL)
	assert.Equal(t, "SUB", cfg.ECPay.TradeNoPrefix)
	assert.Equal(t, 15*time.Second, cfg.ECPay.Timeout)

	assert.Equal(t, 7*24*time.Hour, cfg.Billing.GracePeriod)
	assert.Equal(t, 7*24*time.Hour, cfg.Billing.FailureWindow)
	assert.Equal(t, []time.Duration{24 * time.Hour, 72 * time.Hour, 168 * time.Hour}, cfg.Billing.RetrySchedule)
	assert.Equal(t, 3, cfg.Billing.MaxRetries)
	assert.Equal(t, MaxMonthlyExecTimes, cfg.Billing.MonthlyExecTimes)
	assert.Equal(t, MaxAnnualExecTimes, cfg.Billing.AnnualExecTimes)

	assert.Equal(t, "@every 5m", cfg.Worker.CronSpec)
	assert.Equal(t, 10*time.Minute, cfg.Worker.LockTTL)
	assert.False(t, cfg.IsProduction())
}

func TestCallbackURLs(t *testing.T) {
	u := URLConfig{APIBase: "https://api.example.tw/", FrontendBase: "https://app.example.tw"}
	assert.Equal(t, "https://api.example.tw/webhooks/ecpay-auth", u.AuthCallbackURL())
	assert.Equal(t, "https://api.example.tw/webhooks/ecpay-billing", u.BillingCallbackURL())
	assert.Equal(t, "https://app.example.tw/billing/result", u.SubscriptionResultURL())
	assert.Equal(t, "https://app.example.tw/billing", u.SubscriptionPageURL())
}

func TestFromViperRejects(t *testing.T) {
	tests := []struct {
		name string
		set  map[string]interface{}
	}{
		{"missing credentials", map[string]interface{}{"ECPAY_HASH_KEY": ""}},
		{"unknown environment", map[string]interface{}{"ECPAY_ENVIRONMENT": "staging"}},
		{"long prefix", map[string]interface{}{"ECPAY_TRADE_NO_PREFIX": "TOOLONG"}},
		{"monthly exec times above cap", map[string]interface{}{"BILLING_MONTHLY_EXEC_TIMES": 100}},
		{"annual exec times above cap", map[string]interface{}{"BILLING_ANNUAL_EXEC_TIMES": 10}},
		{"bad grace period", map[string]interface{}{"BILLING_GRACE_PERIOD": "a week"}},
		{"negative retry offset", map[string]interface{}{"BILLING_RETRY_SCHEDULE": "1d,-3d"}},
		{"zero retries", map[string]interface{}{"BILLING_MAX_RETRIES": 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := sandboxViper()
			for k, val := range tt.set {
				v.Set(k, val)
			}
			_, err := FromViper(v)
			assert.Error(t, err)
		})
	}
}

func TestProductionEnvironment(t *testing.T) {
	v := sandboxViper()
	v.Set("ECPAY_ENVIRONMENT", "PRODUCTION")
	cfg, err := FromViper(v)
	require.NoError(t, err)
	assert.Equal(t, "https://payment.ecpay.com.tw", cfg.ECPay.BaseURL)
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("7d")
	require.NoError(t, err)
	assert.Equal(t, 168*time.Hour, d)

	d, err = ParseDuration(" 90m ")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, d)

	_, err = ParseDuration("xd")
	assert.Error(t, err)
}

func TestParseSchedule(t *testing.T) {
	s, err := ParseSchedule("1d, 3d,,12h")
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{24 * time.Hour, 72 * time.Hour, 12 * time.Hour}, s)

	s, err = ParseSchedule("")
	require.NoError(t, err)
	assert.Empty(t, s)
}
