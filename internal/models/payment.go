package models

import (
	"time"
)

const (
	PaymentStatusPending  = "pending"
	PaymentStatusApproved = "approved"
	PaymentStatusRejected = "rejected"
)

type Payment struct {
	ID         uint    `gorm:"primaryKey"`
	TelegramID int64   `gorm:"not null;index"`
	Amount     float64 `gorm:"not null"`
	TariffID   string  `gorm:"size:64;not null"`
	Status     string  `gorm:"size:32;default:'pending';index"`
	Comment    string  `gorm:"size:64;uniqueIndex"` // token the user writes on the bank transfer
	CreatedAt  time.Time
	ReviewedAt *time.Time
	ReviewedBy *int64
}

// Terminal reports whether the payment has been reviewed.
func (p *Payment) Terminal() bool {
	return p.Status == PaymentStatusApproved || p.Status == PaymentStatusRejected
}

// PaymentWithUser joins a pending payment with the owner's telegram handle
// for the admin review queue.
type PaymentWithUser struct {
	Payment
	Username string
}
