package config

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ECPay environments
const (
	EnvironmentSandbox    = "sandbox"
	EnvironmentProduction = "production"
)

// Gateway caps on ExecTimes per period type
const (
	MaxMonthlyExecTimes = 99
	MaxAnnualExecTimes  = 9
)

var gatewayBaseURLs = map[string]string{
	EnvironmentSandbox:    "https://payment-stage.ecpay.com.tw",
	EnvironmentProduction: "https://payment.ecpay.com.tw",
}

// Config is the full runtime configuration. It is built once in main and
// handed to constructors explicitly.
type Config struct {
	Env         string
	Port        string
	DatabaseURL string
	DBLogLevel  string
	RedisURL    string
	LogLevel    string
	LogFormat   string
	MetricsAddr string
	AdminToken  string

	ECPay    ECPayConfig
	URLs     URLConfig
	Billing  BillingConfig
	Worker   WorkerConfig
	SMTP     SMTPConfig
	WAHA     WAHAConfig
	Firebase FirebaseConfig
}

type ECPayConfig struct {
	MerchantID    string
	HashKey       string
	HashIV        string
	Environment   string
	BaseURL       string
	TradeNoPrefix string
	Timeout       time.Duration
}

// URLConfig holds the public base URLs. Gateway callback URLs are derived
// from APIBase.
type URLConfig struct {
	APIBase      string
	FrontendBase string
}

func (u URLConfig) AuthCallbackURL() string {
	return strings.TrimRight(u.APIBase, "/") + "/webhooks/ecpay-auth"
}

func (u URLConfig) BillingCallbackURL() string {
	return strings.TrimRight(u.APIBase, "/") + "/webhooks/ecpay-billing"
}

func (u URLConfig) SubscriptionResultURL() string {
	return strings.TrimRight(u.FrontendBase, "/") + "/billing/result"
}

func (u URLConfig) SubscriptionPageURL() string {
	return strings.TrimRight(u.FrontendBase, "/") + "/billing"
}

type BillingConfig struct {
	Currency         string
	GracePeriod      time.Duration
	FailureWindow    time.Duration
	RetrySchedule    []time.Duration
	MaxRetries       int
	MonthlyExecTimes int
	AnnualExecTimes  int
}

type WorkerConfig struct {
	CronSpec         string
	LockTTL          time.Duration
	MaintenanceRRule string
}

type SMTPConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	From     string
}

type WAHAConfig struct {
	BaseURL string
	APIKey  string
}

type FirebaseConfig struct {
	CredentialsPath string
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment")
	}
	return FromViper(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("ENV", "development")
	v.SetDefault("PORT", "8080")
	v.SetDefault("DB_LOG_LEVEL", "warn")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("METRICS_ADDR", ":9090")

	v.SetDefault("ECPAY_ENVIRONMENT", EnvironmentSandbox)
	v.SetDefault("ECPAY_TRADE_NO_PREFIX", "SUB")
	v.SetDefault("ECPAY_TIMEOUT", "15s")

	v.SetDefault("API_BASE_URL", "http://localhost:8080")
	v.SetDefault("FRONTEND_URL", "http://localhost:3000")

	v.SetDefault("BILLING_CURRENCY", "TWD")
	v.SetDefault("BILLING_GRACE_PERIOD", "7d")
	v.SetDefault("BILLING_FAILURE_WINDOW", "7d")
	v.SetDefault("BILLING_RETRY_SCHEDULE", "1d,3d,7d")
	v.SetDefault("BILLING_MAX_RETRIES", 3)
	v.SetDefault("BILLING_MONTHLY_EXEC_TIMES", MaxMonthlyExecTimes)
	v.SetDefault("BILLING_ANNUAL_EXEC_TIMES", MaxAnnualExecTimes)

	v.SetDefault("WORKER_CRON", "@every 5m")
	v.SetDefault("WORKER_LOCK_TTL", "10m")
	v.SetDefault("WORKER_MAINTENANCE_RRULE", "FREQ=HOURLY;INTERVAL=1")

	v.SetDefault("WAHA_BASE_URL", "http://waha:3000")
	v.SetDefault("FIREBASE_CREDENTIALS_PATH", "./firebase-service-account.json")
	return v
}

// FromViper builds a Config from an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	grace, err := ParseDuration(v.GetString("BILLING_GRACE_PERIOD"))
	if err != nil {
		return nil, fmt.Errorf("BILLING_GRACE_PERIOD: %w", err)
	}
	window, err := ParseDuration(v.GetString("BILLING_FAILURE_WINDOW"))
	if err != nil {
		return nil, fmt.Errorf("BILLING_FAILURE_WINDOW: %w", err)
	}
	schedule, err := ParseSchedule(v.GetString("BILLING_RETRY_SCHEDULE"))
	if err != nil {
		return nil, fmt.Errorf("BILLING_RETRY_SCHEDULE: %w", err)
	}
	lockTTL, err := ParseDuration(v.GetString("WORKER_LOCK_TTL"))
	if err != nil {
		return nil, fmt.Errorf("WORKER_LOCK_TTL: %w", err)
	}

	env := strings.ToLower(v.GetString("ECPAY_ENVIRONMENT"))
	cfg := &Config{
		Env:         v.GetString("ENV"),
		Port:        v.GetString("PORT"),
		DatabaseURL: v.GetString("DATABASE_URL"),
		DBLogLevel:  v.GetString("DB_LOG_LEVEL"),
		RedisURL:    v.GetString("REDIS_URL"),
		LogLevel:    v.GetString("LOG_LEVEL"),
		LogFormat:   v.GetString("LOG_FORMAT"),
		MetricsAddr: v.GetString("METRICS_ADDR"),
		AdminToken:  v.GetString("ADMIN_TOKEN"),
		ECPay: ECPayConfig{
			MerchantID:    v.GetString("ECPAY_MERCHANT_ID"),
			HashKey:       v.GetString("ECPAY_HASH_KEY"),
			HashIV:        v.GetString("ECPAY_HASH_IV"),
			Environment:   env,
			BaseURL:       gatewayBaseURLs[env],
			TradeNoPrefix: v.GetString("ECPAY_TRADE_NO_PREFIX"),
			Timeout:       v.GetDuration("ECPAY_TIMEOUT"),
		},
		URLs: URLConfig{
			APIBase:      v.GetString("API_BASE_URL"),
			FrontendBase: v.GetString("FRONTEND_URL"),
		},
		Billing: BillingConfig{
			Currency:         v.GetString("BILLING_CURRENCY"),
			GracePeriod:      grace,
			FailureWindow:    window,
			RetrySchedule:    schedule,
			MaxRetries:       v.GetInt("BILLING_MAX_RETRIES"),
			MonthlyExecTimes: v.GetInt("BILLING_MONTHLY_EXEC_TIMES"),
			AnnualExecTimes:  v.GetInt("BILLING_ANNUAL_EXEC_TIMES"),
		},
		Worker: WorkerConfig{
			CronSpec:         v.GetString("WORKER_CRON"),
			LockTTL:          lockTTL,
			MaintenanceRRule: v.GetString("WORKER_MAINTENANCE_RRULE"),
		},
		SMTP: SMTPConfig{
			Host:     v.GetString("SMTP_HOST"),
			Port:     v.GetString("SMTP_PORT"),
			User:     v.GetString("SMTP_USER"),
			Password: v.GetString("SMTP_PASS"),
			From:     v.GetString("EMAIL_FROM"),
		},
		WAHA: WAHAConfig{
			BaseURL: v.GetString("WAHA_BASE_URL"),
			APIKey:  v.GetString("WAHA_API_KEY"),
		},
		Firebase: FirebaseConfig{
			CredentialsPath: v.GetString("FIREBASE_CREDENTIALS_PATH"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the gateway or the retry engine cannot work with.
func (c *Config) Validate() error {
	var errs []error
	if c.ECPay.MerchantID == "" || c.ECPay.HashKey == "" || c.ECPay.HashIV == "" {
		errs = append(errs, errors.New("ECPAY_MERCHANT_ID, ECPAY_HASH_KEY and ECPAY_HASH_IV are required"))
	}
	if _, ok := gatewayBaseURLs[c.ECPay.Environment]; !ok {
		errs = append(errs, fmt.Errorf("unknown ECPAY_ENVIRONMENT %q", c.ECPay.Environment))
	}
	if c.ECPay.TradeNoPrefix == "" || len(c.ECPay.TradeNoPrefix) > 6 {
		errs = append(errs, errors.New("ECPAY_TRADE_NO_PREFIX must be 1-6 characters"))
	}
	if c.Billing.MonthlyExecTimes < 2 || c.Billing.MonthlyExecTimes > MaxMonthlyExecTimes {
		errs = append(errs, fmt.Errorf("BILLING_MONTHLY_EXEC_TIMES must be within 2-%d", MaxMonthlyExecTimes))
	}
	if c.Billing.AnnualExecTimes < 2 || c.Billing.AnnualExecTimes > MaxAnnualExecTimes {
		errs = append(errs, fmt.Errorf("BILLING_ANNUAL_EXEC_TIMES must be within 2-%d", MaxAnnualExecTimes))
	}
	if len(c.Billing.RetrySchedule) == 0 {
		errs = append(errs, errors.New("BILLING_RETRY_SCHEDULE must not be empty"))
	}
	if c.Billing.GracePeriod <= 0 || c.Billing.FailureWindow <= 0 {
		errs = append(errs, errors.New("grace period and failure window must be positive"))
	}
	if c.Billing.MaxRetries < 1 {
		errs = append(errs, errors.New("BILLING_MAX_RETRIES must be at least 1"))
	}
	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ParseDuration accepts Go durations plus a whole-day suffix ("7d").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, fmt.Errorf("invalid day count %q", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// ParseSchedule parses a comma separated list of durations, e.g. "1d,3d,7d".
func ParseSchedule(s string) ([]time.Duration, error) {
	var out []time.Duration
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		d, err := ParseDuration(part)
		if err != nil {
			return nil, err
		}
		if d <= 0 {
			return nil, fmt.Errorf("retry offset %q must be positive", part)
		}
		out = append(out, d)
	}
	return out, nil
}
