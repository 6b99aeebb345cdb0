package models

import (
	"time"
)

type User struct {
	ID              uint   `gorm:"primaryKey"`
	TelegramID      int64  `gorm:"uniqueIndex;not null"`
	Username        string `gorm:"size:255"`
	MarzbanUsername string `gorm:"size:255;uniqueIndex;not null"`
	IsBanned        bool   `gorm:"default:false"`
	ReferredBy      *int64 `gorm:"index"` // telegram id of the referrer
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
