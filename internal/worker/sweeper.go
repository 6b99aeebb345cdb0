// Package worker runs the periodic reconciliation sweep: expiry,
// expiration warnings, traffic sync and payment retention cleanup.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"marzgate-bot/internal/lib/sl"
	"marzgate-bot/internal/marzban"
	"marzgate-bot/internal/models"
)

// Each sweep sub-task gets its own deadline so one stuck remote call
// cannot stall the whole cycle.
const taskTimeout = 5 * time.Minute

// Store is the slice of the entitlement store the sweep reads and writes.
type Store interface {
	GetExpiredSubscriptions(ctx context.Context) ([]models.SubscriptionWithUser, error)
	GetExpiringSubscriptions(ctx context.Context, fromHours, toHours int) ([]models.SubscriptionWithUser, error)
	GetActiveSubscriptionsWithUsers(ctx context.Context) ([]models.SubscriptionWithUser, error)
	UpdateSubscriptionTraffic(ctx context.Context, id uint, usedGB float64) error
	DeleteTerminalPaymentsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Panel is the slice of the panel gateway used for traffic sync.
type Panel interface {
	GetUser(ctx context.Context, username string) (*marzban.PanelUser, error)
}

// Expirer performs the ACTIVE -> EXPIRED transition under the engine's
// per-user lock.
type Expirer interface {
	ExpireSubscription(ctx context.Context, subID uint, telegramID int64, marzbanUsername string) error
}

// Notifier sends user-facing messages; failures never roll back state.
type Notifier interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// Marker remembers which warnings were already sent so a subscription is
// warned once per lead time, not once per cycle.
type Marker interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string, ttl time.Duration) error
}

type Config struct {
	Interval             time.Duration
	NotifyBeforeHours    []int
	PaymentRetentionDays int
}

type Sweeper struct {
	store    Store
	panel    Panel
	expirer  Expirer
	notifier Notifier
	marker   Marker
	cfg      Config
	log      *slog.Logger
}

func NewSweeper(store Store, panel Panel, expirer Expirer, notifier Notifier, marker Marker, cfg Config, log *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Sweeper{
		store:    store,
		panel:    panel,
		expirer:  expirer,
		notifier: notifier,
		marker:   marker,
		cfg:      cfg,
		log:      log,
	}
}

// Run executes one cycle immediately and then on every tick until the
// context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.log.Info("sweep worker started", "interval", s.cfg.Interval)

	s.RunCycle(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweep worker stopped")
			return
		case <-ticker.C:
			s.RunCycle(ctx)
		}
	}
}

// RunCycle runs the four sub-tasks in order. A sub-task never aborts the
// cycle; a record never aborts its sub-task.
func (s *Sweeper) RunCycle(ctx context.Context) {
	s.expireDue(ctx)

	// Lead times form disjoint bands: a row less than 24h from expiry gets
	// the 24h warning only, not one per configured lead time.
	leads := make([]int, len(s.cfg.NotifyBeforeHours))
	copy(leads, s.cfg.NotifyBeforeHours)
	sort.Ints(leads)
	from := 0
	for _, hours := range leads {
		s.warnExpiring(ctx, from, hours)
		from = hours
	}

	s.syncTraffic(ctx)
	s.cleanupPayments(ctx)
}

func (s *Sweeper) expireDue(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, taskTimeout)
	defer cancel()

	expired, err := s.store.GetExpiredSubscriptions(ctx)
	if err != nil {
		s.log.Error("failed to select expired subscriptions", sl.Err(err))
		return
	}

	for _, sub := range expired {
		if err := s.expirer.ExpireSubscription(ctx, sub.ID, sub.UserTelegramID, sub.MarzbanUsername); err != nil {
			// Stays active; re-selected and retried next cycle.
			s.log.Error("failed to expire subscription", sl.Err(err), "subscription", sub.ID)
			continue
		}

		text := fmt.Sprintf(
			"⏰ Ваша подписка истекла!\n\n📦 Тариф: %s\n📅 Истекла: %s\n\nНажмите 💰 Тарифы чтобы продлить.",
			sub.TariffID, sub.ExpiresAt.Format("02.01.2006 15:04"))
		if err := s.notifier.SendMessage(ctx, sub.UserTelegramID, text); err != nil {
			s.log.Error("failed to notify expired user", sl.Err(err), "user", sub.UserTelegramID)
		}
	}

	if len(expired) > 0 {
		s.log.Info("expiry sweep finished", "processed", len(expired))
	}
}

func (s *Sweeper) warnExpiring(ctx context.Context, fromHours, hours int) {
	ctx, cancel := context.WithTimeout(ctx, taskTimeout)
	defer cancel()

	expiring, err := s.store.GetExpiringSubscriptions(ctx, fromHours, hours)
	if err != nil {
		s.log.Error("failed to select expiring subscriptions", sl.Err(err), "hours", hours)
		return
	}

	for _, sub := range expiring {
		key := fmt.Sprintf("notified:%dh:%d", hours, sub.ID)
		seen, err := s.marker.Seen(ctx, key)
		if err != nil {
			s.log.Error("failed to check notification marker", sl.Err(err), "key", key)
			continue
		}
		if seen {
			continue
		}

		used := marzban.FormatTraffic(marzban.GBToBytes(sub.TrafficUsedGB))
		limit := marzban.FormatTraffic(marzban.GBToBytes(sub.TrafficLimitGB))
		if remote, err := s.panel.GetUser(ctx, sub.MarzbanUsername); err == nil {
			used = marzban.FormatTraffic(remote.UsedTraffic)
			limit = marzban.FormatTraffic(remote.DataLimit)
		}

		left := time.Until(sub.ExpiresAt)
		text := fmt.Sprintf(
			"⚠️ Подписка скоро истекает!\n\n⏳ Осталось: %d дн. %d ч.\n📊 Трафик: %s / %s\n\nНажмите 💰 Тарифы чтобы продлить.",
			int(left.Hours())/24, int(left.Hours())%24, used, limit)

		if err := s.notifier.SendMessage(ctx, sub.UserTelegramID, text); err != nil {
			s.log.Error("failed to send expiration warning", sl.Err(err), "user", sub.UserTelegramID)
			continue
		}

		// Marker outlives the subscription so this lead time fires once.
		ttl := time.Duration(hours)*time.Hour + 24*time.Hour
		if err := s.marker.Mark(ctx, key, ttl); err != nil {
			s.log.Error("failed to set notification marker", sl.Err(err), "key", key)
		}
	}
}

func (s *Sweeper) syncTraffic(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, taskTimeout)
	defer cancel()

	subs, err := s.store.GetActiveSubscriptionsWithUsers(ctx)
	if err != nil {
		s.log.Error("failed to select active subscriptions", sl.Err(err))
		return
	}

	for _, sub := range subs {
		remote, err := s.panel.GetUser(ctx, sub.MarzbanUsername)
		if err != nil {
			s.log.Error("failed to fetch panel usage", sl.Err(err), "subscription", sub.ID)
			continue
		}
		usedGB := marzban.BytesToGB(remote.UsedTraffic)
		if err := s.store.UpdateSubscriptionTraffic(ctx, sub.ID, usedGB); err != nil {
			s.log.Error("failed to update traffic usage", sl.Err(err), "subscription", sub.ID)
		}
	}
}

func (s *Sweeper) cleanupPayments(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, taskTimeout)
	defer cancel()

	cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.PaymentRetentionDays)
	deleted, err := s.store.DeleteTerminalPaymentsBefore(ctx, cutoff)
	if err != nil {
		s.log.Error("failed to clean up old payments", sl.Err(err))
		return
	}
	if deleted > 0 {
		s.log.Info("cleaned up old payments", "deleted", deleted)
	}
}
