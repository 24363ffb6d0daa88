package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"coaching_billing_echo/internal/ecpay"
	"coaching_billing_echo/internal/models"
)

// Gateway timestamps are Taiwan local time (UTC+8, no DST).
var taipei = time.FixedZone("Asia/Taipei", 8*60*60)

const merchantTradeDateLayout = "2006/01/02 15:04:05"

// AuthorizationResult is what the caller needs to send the cardholder to the
// gateway: an auto-submitting form posted to RedirectURL.
type AuthorizationResult struct {
	AuthorizationID  uint              `json:"authorization_id"`
	MerchantTradeNo  string            `json:"merchant_trade_no"`
	MerchantMemberID string            `json:"merchant_member_id"`
	RedirectURL      string            `json:"redirect_url"`
	FormData         map[string]string `json:"form_data"`
}

// AuthorizationService issues recurring credit card authorizations.
type AuthorizationService struct {
	deps   Deps
	logger *zap.Logger
}

func NewAuthorizationService(d Deps) *AuthorizationService {
	d = d.withDefaults()
	return &AuthorizationService{deps: d, logger: d.Logger.Named("authorization")}
}

// pendingAuthorizationTTL is how long an unanswered checkout blocks a new one.
const pendingAuthorizationTTL = 15 * time.Minute

// CreateAuthorization persists a PENDING mandate for the user and returns the
// signed checkout form for it.
func (s *AuthorizationService) CreateAuthorization(ctx context.Context, userID string, planID models.PlanID, cycle models.BillingCycle) (*AuthorizationResult, error) {
	plan, ok := models.LookupPlan(planID)
	if !ok || planID == models.PlanFree {
		return nil, fmt.Errorf("%w: unknown or unbillable plan %q", ErrValidation, planID)
	}
	amount, ok := plan.Price(cycle)
	if !ok {
		return nil, fmt.Errorf("%w: unknown billing cycle %q", ErrValidation, cycle)
	}

	cfg := s.deps.Config
	now := s.deps.now()
	periodType := cycle.PeriodType()
	execTimes := cfg.Billing.MonthlyExecTimes
	if periodType == models.PeriodTypeYear {
		execTimes = cfg.Billing.AnnualExecTimes
	}

	auth := models.CreditAuthorization{
		CreatedAt:        now,
		UserID:           userID,
		MerchantMemberID: ecpay.NewMerchantMemberID(cfg.ECPay.TradeNoPrefix, userID, now),
		MerchantTradeNo:  ecpay.NewMerchantTradeNo(cfg.ECPay.TradeNoPrefix, userID, now),
		PlanID:           planID,
		BillingCycle:     cycle,
		Amount:           amount,
		PeriodType:       periodType,
		Frequency:        1,
		PeriodAmount:     amount,
		ExecTimesCap:     execTimes,
		Status:           models.AuthorizationStatusPending,
	}

	err := s.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user models.User
		if err := tx.First(&user, "id = ?", userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: user %s", ErrNotFound, userID)
			}
			return err
		}

		var active int64
		if err := tx.Model(&models.CreditAuthorization{}).
			Where("user_id = ? AND status = ?", userID, models.AuthorizationStatusActive).
			Count(&active).Error; err != nil {
			return err
		}
		if active > 0 {
			return fmt.Errorf("%w: user already has an active authorization", ErrConflict)
		}

		var pending int64
		if err := tx.Model(&models.CreditAuthorization{}).
			Where("user_id = ? AND status = ? AND created_at > ?", userID, models.AuthorizationStatusPending, now.Add(-pendingAuthorizationTTL)).
			Count(&pending).Error; err != nil {
			return err
		}
		if pending > 0 {
			return fmt.Errorf("%w: checkout already in progress", ErrConflict)
		}

		if err := tx.Create(&auth).Error; err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: authorization already issued, retry shortly", ErrConflict)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	form := s.deps.Signer.SignForm(s.checkoutFields(&auth, plan, now))

	s.logger.Info("Authorization issued",
		zap.Uint("authorization_id", auth.ID),
		zap.String("user_id", userID),
		zap.String("plan_id", string(planID)),
		zap.String("billing_cycle", string(cycle)),
		zap.String("merchant_trade_no", auth.MerchantTradeNo))

	return &AuthorizationResult{
		AuthorizationID:  auth.ID,
		MerchantTradeNo:  auth.MerchantTradeNo,
		MerchantMemberID: auth.MerchantMemberID,
		RedirectURL:      s.deps.Gateway.CheckoutURL(),
		FormData:         form,
	}, nil
}

func (s *AuthorizationService) checkoutFields(auth *models.CreditAuthorization, plan models.PlanDefinition, now time.Time) map[string]string {
	cfg := s.deps.Config
	total := strconv.FormatInt(MinorToMajor(auth.Amount), 10)
	cycleLabel := "Monthly"
	if auth.BillingCycle == models.BillingCycleAnnual {
		cycleLabel = "Annual"
	}

	return map[string]string{
		"MerchantID":        cfg.ECPay.MerchantID,
		"MerchantTradeNo":   auth.MerchantTradeNo,
		"MerchantTradeDate": now.In(taipei).Format(merchantTradeDateLayout),
		"MerchantMemberID":  auth.MerchantMemberID,
		"PaymentType":       "aio",
		"TotalAmount":       total,
		"TradeDesc":         ecpay.SafeText("Coaching platform subscription", "Subscription", 200),
		"ItemName":          ecpay.SafeText(plan.Name+" plan "+cycleLabel, "Subscription", 200),
		"ReturnURL":         cfg.URLs.AuthCallbackURL(),
		"OrderResultURL":    cfg.URLs.SubscriptionResultURL(),
		"ClientBackURL":     cfg.URLs.SubscriptionPageURL(),
		"ChoosePayment":     "Credit",
		"EncryptType":       ecpay.EncryptTypeSHA256,
		"PeriodAmount":      total,
		"PeriodType":        auth.PeriodType.GatewayCode(),
		"Frequency":         strconv.Itoa(auth.Frequency),
		"ExecTimes":         strconv.Itoa(auth.ExecTimesCap),
		"PeriodReturnURL":   cfg.URLs.BillingCallbackURL(),
		"CustomField1":      string(auth.PlanID),
		"CustomField2":      string(auth.BillingCycle),
		"CustomField3":      auth.UserID,
	}
}
