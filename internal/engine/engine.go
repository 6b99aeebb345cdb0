// Package engine implements the subscription and payment lifecycle: the
// legal state transitions between trial, paid and expired entitlements,
// and the bookkeeping that keeps the local store and the remote panel in
// agreement.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"marzgate-bot/internal/lib/sl"
	"marzgate-bot/internal/marzban"
	"marzgate-bot/internal/models"
	"marzgate-bot/internal/storage"
	"marzgate-bot/internal/tariffs"
)

var (
	ErrTariffNotFound       = errors.New("tariff not found")
	ErrNotTrialTariff       = errors.New("tariff is not a trial tariff")
	ErrTrialAlreadyUsed     = errors.New("trial already used")
	ErrFreeTariff           = errors.New("tariff is free, use trial activation")
	ErrUserBanned           = errors.New("user is banned")
	ErrNoActiveSubscription = errors.New("no active subscription")
)

// Store is the slice of the entitlement store the engine needs.
type Store interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, telegramID int64) (*models.User, error)
	SetUserBanned(ctx context.Context, telegramID int64, banned bool) error

	HasUsedTrial(ctx context.Context, telegramID int64) (bool, error)
	GetActiveSubscription(ctx context.Context, telegramID int64) (*models.Subscription, error)
	GetSubscription(ctx context.Context, id uint) (*models.Subscription, error)
	ActivateSubscription(ctx context.Context, sub *models.Subscription) error
	UpdateSubscriptionStatus(ctx context.Context, id uint, status string) error

	AddPayment(ctx context.Context, payment *models.Payment) error
	GetPayment(ctx context.Context, id uint) (*models.Payment, error)
	ApproveAndActivate(ctx context.Context, paymentID uint, reviewer int64, sub *models.Subscription) error
	RejectPayment(ctx context.Context, paymentID uint, reviewer int64) error

	AddReferral(ctx context.Context, referral *models.Referral) error
}

// Panel is the slice of the panel gateway the engine needs.
type Panel interface {
	CreateUser(ctx context.Context, username string, dataLimit int64, expireUnix int64) (*marzban.PanelUser, error)
	GetUser(ctx context.Context, username string) (*marzban.PanelUser, error)
	ModifyUser(ctx context.Context, username string, upd marzban.UserUpdate) (*marzban.PanelUser, error)
	DeleteUser(ctx context.Context, username string) error
	CalculateExpireTimestamp(days int) int64
	SubscriptionLink(username string) string
}

// Catalog resolves tariff ids against the loaded plan catalog.
type Catalog interface {
	Get(id string) (tariffs.Tariff, bool)
}

type Engine struct {
	store   Store
	panel   Panel
	catalog Catalog
	log     *slog.Logger
	locks   *userLocks
}

func New(store Store, panel Panel, catalog Catalog, log *slog.Logger) *Engine {
	return &Engine{
		store:   store,
		panel:   panel,
		catalog: catalog,
		log:     log,
		locks:   newUserLocks(),
	}
}

// RegisterUser finds or creates the local user record. On first contact
// it derives a stable panel username and records the referral edge when a
// referrer is given (self-referrals are ignored).
func (e *Engine) RegisterUser(ctx context.Context, telegramID int64, username string, referredBy *int64) (*models.User, bool, error) {
	user, err := e.store.GetUser(ctx, telegramID)
	if err == nil {
		return user, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, err
	}

	if referredBy != nil && *referredBy == telegramID {
		referredBy = nil
	}

	user = &models.User{
		TelegramID:      telegramID,
		Username:        username,
		MarzbanUsername: generateMarzbanUsername(telegramID),
		ReferredBy:      referredBy,
	}
	if err := e.store.CreateUser(ctx, user); err != nil {
		return nil, false, err
	}

	if referredBy != nil {
		if err := e.store.AddReferral(ctx, &models.Referral{
			ReferrerID: *referredBy,
			ReferredID: telegramID,
		}); err != nil {
			e.log.Error("failed to record referral", sl.Err(err),
				"referrer", *referredBy, "referred", telegramID)
		}
	}

	return user, true, nil
}

// ActivateTrial provisions a trial subscription: remote account first,
// local row second. A remote failure aborts the transition with no local
// state written.
func (e *Engine) ActivateTrial(ctx context.Context, telegramID int64, tariffID string) (*models.Subscription, error) {
	tariff, ok := e.catalog.Get(tariffID)
	if !ok {
		return nil, ErrTariffNotFound
	}
	if !tariff.IsTrial {
		return nil, ErrNotTrialTariff
	}

	unlock := e.locks.lock(telegramID)
	defer unlock()

	user, err := e.store.GetUser(ctx, telegramID)
	if err != nil {
		return nil, err
	}
	if user.IsBanned {
		return nil, ErrUserBanned
	}

	used, err := e.store.HasUsedTrial(ctx, telegramID)
	if err != nil {
		return nil, err
	}
	if used {
		return nil, ErrTrialAlreadyUsed
	}

	dataLimit := marzban.GBToBytes(tariff.TrafficGB)
	expireUnix := e.panel.CalculateExpireTimestamp(tariff.DurationDays)

	if _, err := e.panel.CreateUser(ctx, user.MarzbanUsername, dataLimit, expireUnix); err != nil {
		return nil, fmt.Errorf("failed to provision panel account: %w", err)
	}

	sub := &models.Subscription{
		TelegramID:     telegramID,
		TariffID:       tariff.ID,
		Status:         models.SubscriptionStatusActive,
		ExpiresAt:      time.Now().UTC().AddDate(0, 0, tariff.DurationDays),
		TrafficLimitGB: tariff.TrafficGB,
		IsTrial:        true,
	}
	if err := e.store.ActivateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	e.log.Info("trial activated", "user", telegramID, "tariff", tariff.ID)
	return sub, nil
}

// InitiatePayment records a pending payment for a paid tariff and returns
// it with the unique comment token the user must attach to the transfer.
func (e *Engine) InitiatePayment(ctx context.Context, telegramID int64, tariffID string) (*models.Payment, error) {
	tariff, ok := e.catalog.Get(tariffID)
	if !ok {
		return nil, ErrTariffNotFound
	}
	if tariff.Price == 0 {
		return nil, ErrFreeTariff
	}

	user, err := e.store.GetUser(ctx, telegramID)
	if err != nil {
		return nil, err
	}
	if user.IsBanned {
		return nil, ErrUserBanned
	}

	payment := &models.Payment{
		TelegramID: telegramID,
		Amount:     tariff.Price,
		TariffID:   tariff.ID,
		Status:     models.PaymentStatusPending,
		Comment:    generatePaymentComment(),
	}
	if err := e.store.AddPayment(ctx, payment); err != nil {
		return nil, err
	}

	e.log.Info("payment initiated", "user", telegramID, "tariff", tariff.ID,
		"payment", payment.ID, "comment", payment.Comment)
	return payment, nil
}

// ApprovalResult carries what the command surface needs to notify the user.
type ApprovalResult struct {
	Payment      *models.Payment
	Subscription *models.Subscription
	Tariff       tariffs.Tariff
	Link         string
}

// ApprovePayment activates the paid subscription. With no active
// subscription the panel account is created fresh; with one, the new
// tariff's allowance is added to the remote limit and the expiry is reset
// to now+duration. The payment flip, the superseding of the prior row and
// the new row insert happen in one store transaction.
func (e *Engine) ApprovePayment(ctx context.Context, paymentID uint, reviewer int64) (*ApprovalResult, error) {
	payment, err := e.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status != models.PaymentStatusPending {
		return nil, storage.ErrPaymentNotPending
	}

	tariff, ok := e.catalog.Get(payment.TariffID)
	if !ok {
		return nil, ErrTariffNotFound
	}

	unlock := e.locks.lock(payment.TelegramID)
	defer unlock()

	// Re-read under the lock: a concurrent approval of the same payment
	// may have flipped it while we waited.
	payment, err = e.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status != models.PaymentStatusPending {
		return nil, storage.ErrPaymentNotPending
	}

	user, err := e.store.GetUser(ctx, payment.TelegramID)
	if err != nil {
		return nil, err
	}

	addedBytes := marzban.GBToBytes(tariff.TrafficGB)
	expireUnix := e.panel.CalculateExpireTimestamp(tariff.DurationDays)

	existing, err := e.store.GetActiveSubscription(ctx, payment.TelegramID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	if existing == nil {
		if _, err := e.panel.CreateUser(ctx, user.MarzbanUsername, addedBytes, expireUnix); err != nil {
			return nil, fmt.Errorf("failed to provision panel account: %w", err)
		}
	} else {
		remote, err := e.panel.GetUser(ctx, user.MarzbanUsername)
		if marzban.IsNotFound(err) {
			// Local row says active but the panel account is gone;
			// reprovision instead of failing the approval.
			if _, err := e.panel.CreateUser(ctx, user.MarzbanUsername, addedBytes, expireUnix); err != nil {
				return nil, fmt.Errorf("failed to reprovision panel account: %w", err)
			}
		} else if err != nil {
			return nil, fmt.Errorf("failed to fetch panel account: %w", err)
		} else {
			newLimit := remote.DataLimit + addedBytes
			upd := marzban.UserUpdate{DataLimit: &newLimit, Expire: &expireUnix}
			if _, err := e.panel.ModifyUser(ctx, user.MarzbanUsername, upd); err != nil {
				return nil, fmt.Errorf("failed to modify panel account: %w", err)
			}
		}
	}

	sub := &models.Subscription{
		TelegramID:     payment.TelegramID,
		TariffID:       tariff.ID,
		Status:         models.SubscriptionStatusActive,
		ExpiresAt:      time.Now().UTC().AddDate(0, 0, tariff.DurationDays),
		TrafficLimitGB: tariff.TrafficGB,
	}
	if err := e.store.ApproveAndActivate(ctx, paymentID, reviewer, sub); err != nil {
		return nil, err
	}

	e.log.Info("payment approved", "payment", paymentID, "user", payment.TelegramID,
		"tariff", tariff.ID, "reviewer", reviewer)

	return &ApprovalResult{
		Payment:      payment,
		Subscription: sub,
		Tariff:       tariff,
		Link:         e.panel.SubscriptionLink(user.MarzbanUsername),
	}, nil
}

// RejectPayment flips a pending payment to rejected. No subscription side
// effect.
func (e *Engine) RejectPayment(ctx context.Context, paymentID uint, reviewer int64) (*models.Payment, error) {
	payment, err := e.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if err := e.store.RejectPayment(ctx, paymentID, reviewer); err != nil {
		return nil, err
	}

	e.log.Info("payment rejected", "payment", paymentID, "user", payment.TelegramID,
		"reviewer", reviewer)
	return payment, nil
}

// GetStatus returns the user's active subscription, or nil when there is
// none; absence is a normal outcome, not an error.
func (e *Engine) GetStatus(ctx context.Context, telegramID int64) (*models.Subscription, error) {
	sub, err := e.store.GetActiveSubscription(ctx, telegramID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// GetLink returns the subscription URL for a user with an active
// subscription.
func (e *Engine) GetLink(ctx context.Context, telegramID int64) (string, error) {
	user, err := e.store.GetUser(ctx, telegramID)
	if err != nil {
		return "", err
	}
	sub, err := e.GetStatus(ctx, telegramID)
	if err != nil {
		return "", err
	}
	if sub == nil {
		return "", ErrNoActiveSubscription
	}
	return e.panel.SubscriptionLink(user.MarzbanUsername), nil
}

// ExpireSubscription performs the ACTIVE -> EXPIRED transition for one
// row: remote account deleted first, local row marked second. The row is
// re-read under the user lock so a racing renewal wins. A remote 404
// counts as already deprovisioned.
func (e *Engine) ExpireSubscription(ctx context.Context, subID uint, telegramID int64, marzbanUsername string) error {
	unlock := e.locks.lock(telegramID)
	defer unlock()

	sub, err := e.store.GetSubscription(ctx, subID)
	if err != nil {
		return err
	}
	if sub.Status != models.SubscriptionStatusActive || sub.ExpiresAt.After(time.Now().UTC()) {
		return nil // renewed or already expired since selection
	}

	if err := e.panel.DeleteUser(ctx, marzbanUsername); err != nil && !marzban.IsNotFound(err) {
		return fmt.Errorf("failed to delete panel account: %w", err)
	}

	if err := e.store.UpdateSubscriptionStatus(ctx, subID, models.SubscriptionStatusExpired); err != nil {
		return err
	}

	e.log.Info("subscription expired", "subscription", subID, "user", telegramID)
	return nil
}

// SetBanned flips the ban flag; banning also disables the panel account
// best-effort.
func (e *Engine) SetBanned(ctx context.Context, telegramID int64, banned bool) error {
	user, err := e.store.GetUser(ctx, telegramID)
	if err != nil {
		return err
	}
	if err := e.store.SetUserBanned(ctx, telegramID, banned); err != nil {
		return err
	}
	if banned {
		status := "disabled"
		if _, err := e.panel.ModifyUser(ctx, user.MarzbanUsername, marzban.UserUpdate{Status: &status}); err != nil {
			e.log.Error("failed to disable panel account", sl.Err(err), "user", telegramID)
		}
	}
	return nil
}

const usernameSuffixAlphabet = "abcdefghijklmnopqrstuvwxyz"

func generateMarzbanUsername(telegramID int64) string {
	var sb strings.Builder
	for range 4 {
		sb.WriteByte(usernameSuffixAlphabet[rand.Intn(len(usernameSuffixAlphabet))])
	}
	return fmt.Sprintf("user_%d_%s@vpn", telegramID, sb.String())
}

func generatePaymentComment() string {
	return "VPN-" + strings.ToUpper(uuid.NewString()[:8])
}
