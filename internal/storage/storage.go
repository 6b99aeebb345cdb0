// Package storage is the entitlement store: users, subscriptions,
// payments and referrals over GORM/Postgres. Every write is a single
// statement or a single transaction; nothing here spans a network call.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"marzgate-bot/internal/models"
)

// ErrNotFound is the normal outcome for lookups of absent entities.
var ErrNotFound = errors.New("not found")

// ErrPaymentNotPending is returned when approving or rejecting a payment
// that has already been reviewed.
var ErrPaymentNotPending = errors.New("payment is not pending")

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Users

func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, telegramID int64) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Where("telegram_id = ?", telegramID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

func (s *Store) SetUserBanned(ctx context.Context, telegramID int64, banned bool) error {
	res := s.db.WithContext(ctx).Model(&models.User{}).
		Where("telegram_id = ?", telegramID).
		Update("is_banned", banned)
	if res.Error != nil {
		return fmt.Errorf("failed to update ban flag: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]models.User, error) {
	var users []models.User
	if err := s.db.WithContext(ctx).Find(&users).Error; err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

// Subscriptions

// GetActiveSubscription returns the most-recently-expiring active row
// whose expiry is still in the future, or ErrNotFound.
func (s *Store) GetActiveSubscription(ctx context.Context, telegramID int64) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.db.WithContext(ctx).
		Where("telegram_id = ? AND status = ? AND expires_at > ?",
			telegramID, models.SubscriptionStatusActive, time.Now().UTC()).
		Order("expires_at DESC").
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active subscription: %w", err)
	}
	return &sub, nil
}

func (s *Store) GetSubscription(ctx context.Context, id uint) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.db.WithContext(ctx).First(&sub, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return &sub, nil
}

// GetExpiredSubscriptions returns active rows whose expiry has passed,
// joined with the owning user.
func (s *Store) GetExpiredSubscriptions(ctx context.Context) ([]models.SubscriptionWithUser, error) {
	var rows []models.SubscriptionWithUser
	err := s.db.WithContext(ctx).Model(&models.Subscription{}).
		Select("subscriptions.*, users.telegram_id AS user_telegram_id, users.marzban_username").
		Joins("JOIN users ON users.telegram_id = subscriptions.telegram_id").
		Where("subscriptions.status = ? AND subscriptions.expires_at <= ?",
			models.SubscriptionStatusActive, time.Now().UTC()).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get expired subscriptions: %w", err)
	}
	return rows, nil
}

// GetExpiringSubscriptions returns active rows expiring in
// (now+fromHours, now+toHours]. Callers pass the next smaller lead time as
// fromHours so each warning window selects a row exactly once.
func (s *Store) GetExpiringSubscriptions(ctx context.Context, fromHours, toHours int) ([]models.SubscriptionWithUser, error) {
	now := time.Now().UTC()
	var rows []models.SubscriptionWithUser
	err := s.db.WithContext(ctx).Model(&models.Subscription{}).
		Select("subscriptions.*, users.telegram_id AS user_telegram_id, users.marzban_username").
		Joins("JOIN users ON users.telegram_id = subscriptions.telegram_id").
		Where("subscriptions.status = ? AND subscriptions.expires_at > ? AND subscriptions.expires_at <= ?",
			models.SubscriptionStatusActive,
			now.Add(time.Duration(fromHours)*time.Hour),
			now.Add(time.Duration(toHours)*time.Hour)).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get expiring subscriptions: %w", err)
	}
	return rows, nil
}

// GetActiveSubscriptionsWithUsers returns every active row for traffic sync.
func (s *Store) GetActiveSubscriptionsWithUsers(ctx context.Context) ([]models.SubscriptionWithUser, error) {
	var rows []models.SubscriptionWithUser
	err := s.db.WithContext(ctx).Model(&models.Subscription{}).
		Select("subscriptions.*, users.telegram_id AS user_telegram_id, users.marzban_username").
		Joins("JOIN users ON users.telegram_id = subscriptions.telegram_id").
		Where("subscriptions.status = ?", models.SubscriptionStatusActive).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get active subscriptions: %w", err)
	}
	return rows, nil
}

// HasUsedTrial is true iff any subscription row for the user carries the
// trial flag, regardless of status.
func (s *Store) HasUsedTrial(ctx context.Context, telegramID int64) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("telegram_id = ? AND is_trial = ?", telegramID, true).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check trial usage: %w", err)
	}
	return count > 0, nil
}

// ActivateSubscription inserts the new row and marks any prior active
// rows expired, in one transaction, so at most one active row per user
// survives an activation.
func (s *Store) ActivateSubscription(ctx context.Context, sub *models.Subscription) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Subscription{}).
			Where("telegram_id = ? AND status = ?", sub.TelegramID, models.SubscriptionStatusActive).
			Update("status", models.SubscriptionStatusExpired).Error; err != nil {
			return err
		}
		return tx.Create(sub).Error
	})
	if err != nil {
		return fmt.Errorf("failed to activate subscription: %w", err)
	}
	return nil
}

func (s *Store) UpdateSubscriptionStatus(ctx context.Context, id uint, status string) error {
	err := s.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("id = ?", id).
		Update("status", status).Error
	if err != nil {
		return fmt.Errorf("failed to update subscription status: %w", err)
	}
	return nil
}

func (s *Store) UpdateSubscriptionTraffic(ctx context.Context, id uint, usedGB float64) error {
	err := s.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("id = ?", id).
		Update("traffic_used_gb", usedGB).Error
	if err != nil {
		return fmt.Errorf("failed to update subscription traffic: %w", err)
	}
	return nil
}

// Payments

func (s *Store) AddPayment(ctx context.Context, payment *models.Payment) error {
	if err := s.db.WithContext(ctx).Create(payment).Error; err != nil {
		return fmt.Errorf("failed to add payment: %w", err)
	}
	return nil
}

func (s *Store) GetPayment(ctx context.Context, id uint) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.WithContext(ctx).First(&payment, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return &payment, nil
}

// GetPendingPayments returns the admin review queue, newest first.
func (s *Store) GetPendingPayments(ctx context.Context) ([]models.PaymentWithUser, error) {
	var rows []models.PaymentWithUser
	err := s.db.WithContext(ctx).Model(&models.Payment{}).
		Select("payments.*, users.username").
		Joins("JOIN users ON users.telegram_id = payments.telegram_id").
		Where("payments.status = ?", models.PaymentStatusPending).
		Order("payments.created_at DESC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get pending payments: %w", err)
	}
	return rows, nil
}

// ApproveAndActivate flips the payment pending -> approved and activates
// the subscription in the same transaction. A payment that is no longer
// pending fails the whole transaction with ErrPaymentNotPending.
func (s *Store) ApproveAndActivate(ctx context.Context, paymentID uint, reviewer int64, sub *models.Subscription) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		res := tx.Model(&models.Payment{}).
			Where("id = ? AND status = ?", paymentID, models.PaymentStatusPending).
			Updates(map[string]interface{}{
				"status":      models.PaymentStatusApproved,
				"reviewed_at": now,
				"reviewed_by": reviewer,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrPaymentNotPending
		}
		if err := tx.Model(&models.Subscription{}).
			Where("telegram_id = ? AND status = ?", sub.TelegramID, models.SubscriptionStatusActive).
			Update("status", models.SubscriptionStatusExpired).Error; err != nil {
			return err
		}
		return tx.Create(sub).Error
	})
	if errors.Is(err, ErrPaymentNotPending) {
		return ErrPaymentNotPending
	}
	if err != nil {
		return fmt.Errorf("failed to approve payment: %w", err)
	}
	return nil
}

// RejectPayment flips the payment pending -> rejected; a non-pending row
// returns ErrPaymentNotPending.
func (s *Store) RejectPayment(ctx context.Context, paymentID uint, reviewer int64) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ? AND status = ?", paymentID, models.PaymentStatusPending).
		Updates(map[string]interface{}{
			"status":      models.PaymentStatusRejected,
			"reviewed_at": now,
			"reviewed_by": reviewer,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to reject payment: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrPaymentNotPending
	}
	return nil
}

// DeleteTerminalPaymentsBefore physically removes reviewed payments older
// than the cutoff and returns how many rows were deleted.
func (s *Store) DeleteTerminalPaymentsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("status IN ? AND reviewed_at < ?",
			[]string{models.PaymentStatusApproved, models.PaymentStatusRejected}, cutoff).
		Delete(&models.Payment{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete old payments: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Referrals

// AddReferral records the referrer -> referred edge; a second referral
// for the same referred user is silently dropped.
func (s *Store) AddReferral(ctx context.Context, referral *models.Referral) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "referred_id"}},
			DoNothing: true,
		}).
		Create(referral).Error
	if err != nil {
		return fmt.Errorf("failed to add referral: %w", err)
	}
	return nil
}

func (s *Store) CountReferrals(ctx context.Context, referrerID int64) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Referral{}).
		Where("referrer_id = ?", referrerID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count referrals: %w", err)
	}
	return count, nil
}

// Statistics

type Statistics struct {
	TotalUsers          int64
	BannedUsers         int64
	ActiveSubscriptions int64
	PendingPayments     int64
}

func (s *Store) GetStatistics(ctx context.Context) (*Statistics, error) {
	var stats Statistics
	db := s.db.WithContext(ctx)

	if err := db.Model(&models.User{}).Count(&stats.TotalUsers).Error; err != nil {
		return nil, fmt.Errorf("failed to count users: %w", err)
	}
	if err := db.Model(&models.User{}).Where("is_banned = ?", true).Count(&stats.BannedUsers).Error; err != nil {
		return nil, fmt.Errorf("failed to count banned users: %w", err)
	}
	if err := db.Model(&models.Subscription{}).
		Where("status = ? AND expires_at > ?", models.SubscriptionStatusActive, time.Now().UTC()).
		Count(&stats.ActiveSubscriptions).Error; err != nil {
		return nil, fmt.Errorf("failed to count active subscriptions: %w", err)
	}
	if err := db.Model(&models.Payment{}).
		Where("status = ?", models.PaymentStatusPending).
		Count(&stats.PendingPayments).Error; err != nil {
		return nil, fmt.Errorf("failed to count pending payments: %w", err)
	}
	return &stats, nil
}
