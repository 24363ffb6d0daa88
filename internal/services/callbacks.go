package services

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"coaching_billing_echo/internal/ecpay"
)

// WebhookAck is the literal body the gateway expects back.
type WebhookAck string

const (
	AckOK             WebhookAck = "1|OK"
	AckError          WebhookAck = "0|Error"
	AckInvalidRequest WebhookAck = "0|Invalid request"
	AckNotFound       WebhookAck = "0|Not found"
	AckInvalidState   WebhookAck = "0|Invalid state"
)

const processDateLayout = "2006/01/02 15:04:05"

// AuthCallback is the authorization result posted to ReturnURL.
type AuthCallback struct {
	MerchantID       string
	MerchantMemberID string
	MerchantTradeNo  string
	RtnCode          string
	RtnMsg           string
	Gwsr             string
	AuthCode         string
	Card4No          string
	Card6No          string
	Raw              map[string]string
}

func (c *AuthCallback) Succeeded() bool { return c.RtnCode == ecpay.RtnCodeSuccess }

// BillingCallback is one periodic charge result posted to PeriodReturnURL.
// Amount is in whole TWD as sent by the gateway.
type BillingCallback struct {
	MerchantID       string
	MerchantMemberID string
	Gwsr             string
	Amount           int64
	HasAmount        bool
	ProcessDate      *time.Time
	AuthCode         string
	RtnCode          string
	RtnMsg           string
	Raw              map[string]string
}

func (c *BillingCallback) Succeeded() bool { return c.RtnCode == ecpay.RtnCodeSuccess }

// ParseAuthCallback validates the authorization callback fields. Either
// MerchantMemberID or MerchantTradeNo must identify the mandate.
func ParseAuthCallback(form map[string]string) (*AuthCallback, error) {
	cb := &AuthCallback{
		MerchantID:       strings.TrimSpace(form["MerchantID"]),
		MerchantMemberID: strings.TrimSpace(form["MerchantMemberID"]),
		MerchantTradeNo:  strings.TrimSpace(form["MerchantTradeNo"]),
		RtnCode:          strings.TrimSpace(form["RtnCode"]),
		RtnMsg:           form["RtnMsg"],
		Gwsr:             strings.TrimSpace(form["gwsr"]),
		AuthCode:         strings.TrimSpace(form["AuthCode"]),
		Card4No:          strings.TrimSpace(form["card4no"]),
		Card6No:          strings.TrimSpace(form["card6no"]),
		Raw:              form,
	}
	if cb.MerchantID == "" || cb.RtnCode == "" {
		return nil, fmt.Errorf("%w: MerchantID and RtnCode are required", ErrValidation)
	}
	if cb.MerchantMemberID == "" && cb.MerchantTradeNo == "" {
		return nil, fmt.Errorf("%w: MerchantMemberID is required", ErrValidation)
	}
	if len(cb.Card4No) > 4 {
		cb.Card4No = cb.Card4No[len(cb.Card4No)-4:]
	}
	return cb, nil
}

// ParseBillingCallback validates the periodic billing callback fields.
func ParseBillingCallback(form map[string]string) (*BillingCallback, error) {
	cb := &BillingCallback{
		MerchantID:       strings.TrimSpace(form["MerchantID"]),
		MerchantMemberID: strings.TrimSpace(form["MerchantMemberID"]),
		Gwsr:             strings.TrimSpace(form["gwsr"]),
		AuthCode:         strings.TrimSpace(form["auth_code"]),
		RtnCode:          strings.TrimSpace(form["RtnCode"]),
		RtnMsg:           form["RtnMsg"],
		Raw:              form,
	}
	if cb.MerchantID == "" || cb.MerchantMemberID == "" || cb.Gwsr == "" || cb.RtnCode == "" {
		return nil, fmt.Errorf("%w: MerchantID, MerchantMemberID, gwsr and RtnCode are required", ErrValidation)
	}

	if raw := strings.TrimSpace(form["amount"]); raw != "" {
		amount, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || amount < 0 {
			return nil, fmt.Errorf("%w: invalid amount %q", ErrValidation, raw)
		}
		cb.Amount = amount
		cb.HasAmount = true
	}

	if raw := strings.TrimSpace(form["process_date"]); raw != "" {
		t, err := time.ParseInLocation(processDateLayout, raw, taipei)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid process_date %q", ErrValidation, raw)
		}
		t = t.UTC()
		cb.ProcessDate = &t
	}
	return cb, nil
}

// cardBrand derives the card network from the first digits of the card.
func cardBrand(card6 string) string {
	switch {
	case card6 == "":
		return ""
	case strings.HasPrefix(card6, "4"):
		return "VISA"
	case strings.HasPrefix(card6, "34"), strings.HasPrefix(card6, "37"):
		return "AMEX"
	case strings.HasPrefix(card6, "35"):
		return "JCB"
	case strings.HasPrefix(card6, "5"), strings.HasPrefix(card6, "2"):
		return "MASTERCARD"
	case strings.HasPrefix(card6, "62"):
		return "UNIONPAY"
	}
	return "OTHER"
}
