package ecpay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"coaching_billing_echo/internal/metrics"
)

// Gateway paths.
const (
	CheckoutPath     = "/Cashier/AioCheckOut/V5"
	PeriodActionPath = "/Cashier/CreditCardPeriodAction"
)

// Period actions accepted by CreditCardPeriodAction.
const (
	ActionReAuth = "ReAuth"
	ActionCancel = "Cancel"
)

// RtnCodeSuccess is the gateway's success return code.
const RtnCodeSuccess = "1"

var (
	// ErrUnavailable covers transport failures, non-2xx answers and an open breaker.
	ErrUnavailable = errors.New("ecpay: gateway unavailable")
	// ErrRejected means the gateway answered but refused the action.
	ErrRejected = errors.New("ecpay: action rejected")
)

// ClientConfig configures the outbound gateway client.
type ClientConfig struct {
	BaseURL    string
	MerchantID string
	Timeout    time.Duration
}

// ActionResult is the parsed answer to a period action.
type ActionResult struct {
	RtnCode string
	RtnMsg  string
	Raw     map[string]string
}

// Client talks to the ECPay cashier. Outbound calls go through a circuit breaker.
type Client struct {
	cfg     ClientConfig
	signer  *Signer
	http    *resty.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewClient(cfg ClientConfig, signer *Signer, logger *zap.Logger, m *metrics.Metrics) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	logger = logger.Named("ecpay")

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "text/html,text/plain")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ecpay-gateway",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrRejected)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Client{
		cfg:     cfg,
		signer:  signer,
		http:    httpClient,
		breaker: breaker,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// CheckoutURL is where the cardholder's browser posts the signed authorization form.
func (c *Client) CheckoutURL() string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + CheckoutPath
}

// ReAuth asks the gateway to charge the mandate identified by tradeNo again.
func (c *Client) ReAuth(ctx context.Context, tradeNo string) (*ActionResult, error) {
	return c.periodAction(ctx, tradeNo, ActionReAuth)
}

// CancelPeriod stops further billing on the mandate identified by tradeNo.
func (c *Client) CancelPeriod(ctx context.Context, tradeNo string) (*ActionResult, error) {
	return c.periodAction(ctx, tradeNo, ActionCancel)
}

func (c *Client) periodAction(ctx context.Context, tradeNo, action string) (*ActionResult, error) {
	if tradeNo == "" {
		return nil, fmt.Errorf("%w: empty merchant trade no", ErrRejected)
	}

	form := c.signer.SignForm(map[string]string{
		"MerchantID":      c.cfg.MerchantID,
		"MerchantTradeNo": tradeNo,
		"Action":          action,
		"TimeStamp":       strconv.FormatInt(c.now().Unix(), 10),
	})

	start := time.Now()
	out, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetFormData(form).
			Post(PeriodActionPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if resp.IsError() {
			return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode())
		}
		return parseActionResult(resp.String(), c.signer)
	})

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.metrics.ObserveGateway(action, outcome, time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		c.logger.Warn("Period action failed",
			zap.String("action", action),
			zap.String("merchant_trade_no", tradeNo),
			zap.Error(err))
		return nil, err
	}

	result := out.(*ActionResult)
	c.logger.Info("Period action completed",
		zap.String("action", action),
		zap.String("merchant_trade_no", tradeNo),
		zap.String("rtn_code", result.RtnCode))
	return result, nil
}

func parseActionResult(body string, signer *Signer) (*ActionResult, error) {
	values, err := url.ParseQuery(strings.TrimSpace(body))
	if err != nil {
		return nil, fmt.Errorf("%w: unreadable response: %v", ErrUnavailable, err)
	}
	raw := FormValues(values)
	if _, signed := raw[CheckMacValueField]; signed && !signer.Verify(raw) {
		return nil, fmt.Errorf("%w: response signature mismatch", ErrUnavailable)
	}

	result := &ActionResult{RtnCode: raw["RtnCode"], RtnMsg: raw["RtnMsg"], Raw: raw}
	if result.RtnCode != RtnCodeSuccess {
		return result, fmt.Errorf("%w: %s %s", ErrRejected, result.RtnCode, result.RtnMsg)
	}
	return result, nil
}
