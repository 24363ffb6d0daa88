package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User represents an account of the coaching platform
type User struct {
	ID        string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	FirebaseUID string `gorm:"type:varchar(128);uniqueIndex" json:"-"`
	Name        string `gorm:"type:varchar(255)" json:"name"`
	Phone       string `gorm:"type:varchar(50)" json:"phone"`
	Email       string `gorm:"type:varchar(255);uniqueIndex" json:"email"`
	Plan        PlanID `gorm:"type:varchar(20);default:'FREE'" json:"plan"`

	// Relationships
	NotifPreference *UserNotifPreference `gorm:"foreignKey:UserID" json:"notif_preference,omitempty"`
	Subscriptions   []Subscription       `gorm:"foreignKey:UserID" json:"subscriptions,omitempty"`
}

// BeforeCreate assigns a UUID when none was set.
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Plan == "" {
		u.Plan = PlanFree
	}
	return nil
}
