package models

import (
	"time"
)

// Referral is an immutable referrer -> referred edge, unique per referred
// user. BonusDays is recorded but no operation grants it yet.
type Referral struct {
	ID         uint  `gorm:"primaryKey"`
	ReferrerID int64 `gorm:"not null;index"`
	ReferredID int64 `gorm:"not null;uniqueIndex"`
	BonusDays  int   `gorm:"default:0"`
	CreatedAt  time.Time
}
