package models

import (
	"time"
)

const (
	SubscriptionStatusActive  = "active"
	SubscriptionStatusExpired = "expired"
)

type Subscription struct {
	ID             uint   `gorm:"primaryKey"`
	TelegramID     int64  `gorm:"not null;index"`
	TariffID       string `gorm:"size:64;not null"`
	Status         string `gorm:"size:32;default:'active';index"`
	ExpiresAt      time.Time
	TrafficLimitGB float64
	TrafficUsedGB  float64 `gorm:"default:0"`
	IsTrial        bool    `gorm:"default:false"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SubscriptionWithUser is the shape the sweep works with: the subscription
// row joined with its owner.
type SubscriptionWithUser struct {
	Subscription
	UserTelegramID  int64
	MarzbanUsername string
}
