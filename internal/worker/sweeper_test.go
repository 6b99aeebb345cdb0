package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marzgate-bot/internal/marzban"
	"marzgate-bot/internal/models"
)

type fakeStore struct {
	expired  []models.SubscriptionWithUser
	expiring []models.SubscriptionWithUser
	active   []models.SubscriptionWithUser

	trafficUpdates map[uint]float64
	cleanupCutoffs []time.Time
}

func (f *fakeStore) GetExpiredSubscriptions(ctx context.Context) ([]models.SubscriptionWithUser, error) {
	return f.expired, nil
}

func (f *fakeStore) GetExpiringSubscriptions(ctx context.Context, fromHours, toHours int) ([]models.SubscriptionWithUser, error) {
	now := time.Now().UTC()
	lo := now.Add(time.Duration(fromHours) * time.Hour)
	hi := now.Add(time.Duration(toHours) * time.Hour)

	var out []models.SubscriptionWithUser
	for _, sub := range f.expiring {
		if sub.ExpiresAt.After(lo) && !sub.ExpiresAt.After(hi) {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (f *fakeStore) GetActiveSubscriptionsWithUsers(ctx context.Context) ([]models.SubscriptionWithUser, error) {
	return f.active, nil
}

func (f *fakeStore) UpdateSubscriptionTraffic(ctx context.Context, id uint, usedGB float64) error {
	if f.trafficUpdates == nil {
		f.trafficUpdates = make(map[uint]float64)
	}
	f.trafficUpdates[id] = usedGB
	return nil
}

func (f *fakeStore) DeleteTerminalPaymentsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	f.cleanupCutoffs = append(f.cleanupCutoffs, cutoff)
	return 0, nil
}

type fakePanel struct {
	users map[string]*marzban.PanelUser
}

func (f *fakePanel) GetUser(ctx context.Context, username string) (*marzban.PanelUser, error) {
	u, ok := f.users[username]
	if !ok {
		return nil, &marzban.APIError{Status: 404, Body: "not found"}
	}
	return u, nil
}

type fakeExpirer struct {
	failing map[uint]error
	expired []uint
}

func (f *fakeExpirer) ExpireSubscription(ctx context.Context, subID uint, telegramID int64, marzbanUsername string) error {
	if err, ok := f.failing[subID]; ok {
		return err
	}
	f.expired = append(f.expired, subID)
	return nil
}

type sentMessage struct {
	chatID int64
	text   string
}

type fakeNotifier struct {
	sent []sentMessage
}

func (f *fakeNotifier) SendMessage(ctx context.Context, chatID int64, text string) error {
	f.sent = append(f.sent, sentMessage{chatID: chatID, text: text})
	return nil
}

type memoryMarker struct {
	mu   sync.Mutex
	keys map[string]time.Duration
}

func newMemoryMarker() *memoryMarker {
	return &memoryMarker{keys: make(map[string]time.Duration)}
}

func (m *memoryMarker) Seen(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.keys[key]
	return ok, nil
}

func (m *memoryMarker) Mark(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = ttl
	return nil
}

func subWithUser(id uint, telegramID int64, expiresAt time.Time) models.SubscriptionWithUser {
	return models.SubscriptionWithUser{
		Subscription: models.Subscription{
			ID:             id,
			TelegramID:     telegramID,
			TariffID:       "month_1",
			Status:         models.SubscriptionStatusActive,
			ExpiresAt:      expiresAt,
			TrafficLimitGB: 100,
			TrafficUsedGB:  10,
		},
		UserTelegramID:  telegramID,
		MarzbanUsername: fmt.Sprintf("user_%d_abcd@vpn", telegramID),
	}
}

func newTestSweeper(store *fakeStore, panel *fakePanel, expirer *fakeExpirer, notifier *fakeNotifier, marker Marker, cfg Config) *Sweeper {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewSweeper(store, panel, expirer, notifier, marker, cfg, logger)
}

func TestSweepExpiresDueSubscriptions(t *testing.T) {
	past := time.Now().UTC().Add(-time.Hour)
	store := &fakeStore{
		expired: []models.SubscriptionWithUser{
			subWithUser(1, 100, past),
			subWithUser(2, 200, past),
			subWithUser(3, 300, past),
		},
	}
	expirer := &fakeExpirer{failing: map[uint]error{2: errors.New("panel down")}}
	notifier := &fakeNotifier{}

	s := newTestSweeper(store, &fakePanel{}, expirer, notifier, newMemoryMarker(), Config{})
	s.RunCycle(context.Background())

	// One transition fails and is left for the next cycle.
	assert.Equal(t, []uint{1, 3}, expirer.expired)

	require.Len(t, notifier.sent, 2)
	assert.Equal(t, int64(100), notifier.sent[0].chatID)
	assert.Equal(t, int64(300), notifier.sent[1].chatID)
	assert.Contains(t, notifier.sent[0].text, "истекла")
}

func TestSweepWarnsOncePerLeadTime(t *testing.T) {
	soon := time.Now().UTC().Add(20 * time.Hour)
	store := &fakeStore{
		expiring: []models.SubscriptionWithUser{subWithUser(5, 100, soon)},
	}
	notifier := &fakeNotifier{}
	marker := newMemoryMarker()

	s := newTestSweeper(store, &fakePanel{}, &fakeExpirer{}, notifier, marker, Config{
		NotifyBeforeHours: []int{24, 48},
	})

	s.RunCycle(context.Background())
	s.RunCycle(context.Background())

	// Two cycles, one warning: the marker suppresses the repeat.
	require.Len(t, notifier.sent, 1)
	assert.Contains(t, notifier.sent[0].text, "скоро истекает")

	ttl, ok := marker.keys["notified:24h:5"]
	require.True(t, ok)
	assert.Equal(t, 48*time.Hour, ttl)
}

func TestSweepWarnsInOneLeadTimeBandOnly(t *testing.T) {
	soon := time.Now().UTC().Add(20 * time.Hour)
	store := &fakeStore{
		expiring: []models.SubscriptionWithUser{subWithUser(5, 100, soon)},
	}
	notifier := &fakeNotifier{}
	marker := newMemoryMarker()

	// Unsorted on purpose; the cycle orders the bands itself.
	s := newTestSweeper(store, &fakePanel{}, &fakeExpirer{}, notifier, marker, Config{
		NotifyBeforeHours: []int{72, 24, 48},
	})
	s.RunCycle(context.Background())

	// A row 20h from expiry sits inside every raw window, but only the
	// smallest band claims it.
	require.Len(t, notifier.sent, 1)
	_, ok := marker.keys["notified:24h:5"]
	assert.True(t, ok)
	_, ok = marker.keys["notified:48h:5"]
	assert.False(t, ok)
	_, ok = marker.keys["notified:72h:5"]
	assert.False(t, ok)
}

func TestSweepWarnsFartherBandSeparately(t *testing.T) {
	store := &fakeStore{
		expiring: []models.SubscriptionWithUser{
			subWithUser(5, 100, time.Now().UTC().Add(20*time.Hour)),
			subWithUser(6, 200, time.Now().UTC().Add(40*time.Hour)),
		},
	}
	notifier := &fakeNotifier{}
	marker := newMemoryMarker()

	s := newTestSweeper(store, &fakePanel{}, &fakeExpirer{}, notifier, marker, Config{
		NotifyBeforeHours: []int{24, 48},
	})
	s.RunCycle(context.Background())

	require.Len(t, notifier.sent, 2)
	_, ok := marker.keys["notified:24h:5"]
	assert.True(t, ok)
	_, ok = marker.keys["notified:48h:6"]
	assert.True(t, ok)
}

func TestSweepWarningUsesRemoteTraffic(t *testing.T) {
	soon := time.Now().UTC().Add(20 * time.Hour)
	sub := subWithUser(5, 100, soon)
	store := &fakeStore{
		expiring: []models.SubscriptionWithUser{sub},
	}
	panel := &fakePanel{users: map[string]*marzban.PanelUser{
		sub.MarzbanUsername: {
			Username:    sub.MarzbanUsername,
			UsedTraffic: marzban.GBToBytes(42),
			DataLimit:   marzban.GBToBytes(100),
		},
	}}
	notifier := &fakeNotifier{}

	s := newTestSweeper(store, panel, &fakeExpirer{}, notifier, newMemoryMarker(), Config{
		NotifyBeforeHours: []int{24},
	})
	s.RunCycle(context.Background())

	require.Len(t, notifier.sent, 1)
	assert.Contains(t, notifier.sent[0].text, "42.00 GB / 100.00 GB")
}

func TestSweepWarningFallsBackToLocalTraffic(t *testing.T) {
	soon := time.Now().UTC().Add(20 * time.Hour)
	store := &fakeStore{
		expiring: []models.SubscriptionWithUser{subWithUser(5, 100, soon)},
	}
	notifier := &fakeNotifier{}

	// The panel knows no such user, so the stored usage is shown.
	s := newTestSweeper(store, &fakePanel{}, &fakeExpirer{}, notifier, newMemoryMarker(), Config{
		NotifyBeforeHours: []int{24},
	})
	s.RunCycle(context.Background())

	require.Len(t, notifier.sent, 1)
	assert.Contains(t, notifier.sent[0].text, "10.00 GB / 100.00 GB")
}

func TestSweepSyncsTraffic(t *testing.T) {
	active := []models.SubscriptionWithUser{
		subWithUser(1, 100, time.Now().UTC().Add(240*time.Hour)),
		subWithUser(2, 200, time.Now().UTC().Add(240*time.Hour)),
	}
	store := &fakeStore{active: active}
	panel := &fakePanel{users: map[string]*marzban.PanelUser{
		active[0].MarzbanUsername: {UsedTraffic: marzban.GBToBytes(2.5)},
		// The second user is missing on the panel and must be skipped.
	}}

	s := newTestSweeper(store, panel, &fakeExpirer{}, &fakeNotifier{}, newMemoryMarker(), Config{})
	s.RunCycle(context.Background())

	require.Len(t, store.trafficUpdates, 1)
	assert.InDelta(t, 2.5, store.trafficUpdates[1], 1e-9)
}

func TestSweepCleansUpOldPayments(t *testing.T) {
	store := &fakeStore{}

	s := newTestSweeper(store, &fakePanel{}, &fakeExpirer{}, &fakeNotifier{}, newMemoryMarker(), Config{
		PaymentRetentionDays: 30,
	})
	s.RunCycle(context.Background())

	require.Len(t, store.cleanupCutoffs, 1)
	expected := time.Now().UTC().AddDate(0, 0, -30)
	assert.WithinDuration(t, expected, store.cleanupCutoffs[0], time.Minute)
}

func TestSweepRunStopsOnContextCancel(t *testing.T) {
	store := &fakeStore{}
	s := newTestSweeper(store, &fakePanel{}, &fakeExpirer{}, &fakeNotifier{}, newMemoryMarker(), Config{
		Interval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}

	assert.True(t, len(store.cleanupCutoffs) >= 1)
}
