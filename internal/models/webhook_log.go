package models

import (
	"time"

	"gorm.io/datatypes"
)

type WebhookKind string

const (
	WebhookKindAuthorization WebhookKind = "authorization"
	WebhookKindBilling       WebhookKind = "billing"
)

// WebhookLog records every gateway callback that passed signature verification.
type WebhookLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	Kind                  WebhookKind    `gorm:"type:varchar(20);not null;index" json:"kind"`
	MerchantMemberID      string         `gorm:"type:varchar(30);index" json:"merchant_member_id"`
	GatewayTransactionRef string         `gorm:"type:varchar(64)" json:"gateway_transaction_ref"`
	RtnCode               string         `gorm:"type:varchar(10)" json:"rtn_code"`
	Ack                   string         `gorm:"type:varchar(50)" json:"ack"`
	Payload               datatypes.JSON `json:"payload"`
}
