// Package bot is the Telegram command surface: it translates commands
// and callbacks into lifecycle engine calls and renders the results.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"

	"marzgate-bot/internal/config"
	"marzgate-bot/internal/engine"
	"marzgate-bot/internal/lib/sl"
	"marzgate-bot/internal/marzban"
	"marzgate-bot/internal/storage"
	"marzgate-bot/internal/tariffs"
)

type Bot struct {
	Instance *telego.Bot
	Engine   *engine.Engine
	Store    *storage.Store
	Catalog  *tariffs.Catalog
	Panel    *marzban.Client
	Cfg      *config.Config
	Log      *slog.Logger

	UserStates map[int64]string
	StatesMu   sync.RWMutex
}

func NewBot(token string, eng *engine.Engine, store *storage.Store, catalog *tariffs.Catalog, panel *marzban.Client, cfg *config.Config, log *slog.Logger) (*Bot, error) {
	tgBot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	return &Bot{
		Instance:   tgBot,
		Engine:     eng,
		Store:      store,
		Catalog:    catalog,
		Panel:      panel,
		Cfg:        cfg,
		Log:        log,
		UserStates: make(map[int64]string),
	}, nil
}

// SendMessage implements the sweep worker's notifier.
func (b *Bot) SendMessage(ctx context.Context, chatID int64, text string) error {
	_, err := b.Instance.SendMessage(ctx, tu.Message(tu.ID(chatID), text))
	return err
}

func (b *Bot) setState(telegramID int64, state string) {
	b.StatesMu.Lock()
	b.UserStates[telegramID] = state
	b.StatesMu.Unlock()
}

func (b *Bot) takeState(telegramID int64) string {
	b.StatesMu.Lock()
	defer b.StatesMu.Unlock()
	state := b.UserStates[telegramID]
	delete(b.UserStates, telegramID)
	return state
}

func (b *Bot) Start(ctx context.Context) error {
	updates, err := b.Instance.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start long polling: %w", err)
	}

	handler, err := th.NewBotHandler(b.Instance, updates)
	if err != nil {
		return fmt.Errorf("failed to create bot handler: %w", err)
	}

	b.registerUserHandlers(handler)
	b.registerAdminHandlers(handler)

	handler.Start()
	return nil
}

func (b *Bot) registerUserHandlers(handler *th.BotHandler) {
	// /start: register the user, capture the referral deep link.
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		message := update.Message
		telegramID := message.From.ID

		var referredBy *int64
		if parts := strings.Split(message.Text, " "); len(parts) > 1 && strings.HasPrefix(parts[1], "ref_") {
			if id, err := strconv.ParseInt(strings.TrimPrefix(parts[1], "ref_"), 10, 64); err == nil {
				referredBy = &id
			}
		}

		user, created, err := b.Engine.RegisterUser(ctx.Context(), telegramID, message.From.Username, referredBy)
		if err != nil {
			b.Log.Error("failed to register user", sl.Err(err), "user", telegramID)
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.Chat.ID), "❌ Ошибка при регистрации. Попробуйте позже."))
			return nil
		}

		if created && user.ReferredBy != nil {
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
				tu.ID(*user.ReferredBy),
				fmt.Sprintf("🎉 Ваш реферал @%s зарегистрировался!", message.From.Username),
			))
		}

		text := fmt.Sprintf("👋 С возвращением, @%s!\n\nВыберите действие в меню:", message.From.Username)
		if created {
			text = fmt.Sprintf("👋 Привет, @%s!\n\n🤖 Добро пожаловать в VPN бот!\n🔐 Быстрый и надежный VPN\n⚡ Мгновенная активация\n\nНажмите 🔑 Мой VPN чтобы начать!", message.From.Username)
		}

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.Chat.ID), text).WithReplyMarkup(mainKeyboard()))
		return nil
	}, th.CommandEqual("start"))

	// Main menu
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
			tu.ID(callback.From.ID), "🏠 Главное меню:").WithReplyMarkup(mainKeyboard()))
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
		return nil
	}, th.CallbackDataEqual("back_to_main"))

	// Tariff list
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		list := b.Catalog.List()

		text := "💰 Доступные тарифы:\n\n"
		for _, t := range list {
			text += fmt.Sprintf("%s\n💵 Цена: %.0f₽\n⏳ Срок: %d дн.\n📊 Трафик: %.0f GB\n🔗 Устройств: %d\n",
				t.Name, t.Price, t.DurationDays, t.TrafficGB, t.MaxIPs)
			if t.IsTrial {
				text += "✅ Пробный период\n"
			}
			text += "\n"
		}

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
			tu.ID(callback.From.ID), text).WithReplyMarkup(tariffsKeyboard(list)))
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
		return nil
	}, th.CallbackDataEqual("tariffs"))

	// Tariff selection
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		tariffID := strings.TrimPrefix(callback.Data, "tariff_")

		tariff, ok := b.Catalog.Get(tariffID)
		if !ok {
			_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID).WithText("❌ Тариф не найден").WithShowAlert())
			return nil
		}

		text := fmt.Sprintf("📦 Вы выбрали: %s\n\n💵 Цена: %.0f₽\n📊 Трафик: %.0f GB\n⏳ Срок: %d дн.\n🔗 Устройств: %d\n\n",
			tariff.Name, tariff.Price, tariff.TrafficGB, tariff.DurationDays, tariff.MaxIPs)

		var keyboard *telego.InlineKeyboardMarkup
		if tariff.Price == 0 && tariff.IsTrial {
			text += "🎁 Это бесплатный тариф!"
			keyboard = trialConfirmKeyboard(tariffID)
		} else {
			text += "💳 Оплатить для продолжения"
			keyboard = payConfirmKeyboard(tariffID)
		}

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
			tu.ID(callback.From.ID), text).WithReplyMarkup(keyboard))
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
		return nil
	}, th.CallbackDataPrefix("tariff_"))

	// Trial activation
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		telegramID := callback.From.ID
		tariffID := strings.TrimPrefix(callback.Data, "trial_")

		sub, err := b.Engine.ActivateTrial(ctx.Context(), telegramID, tariffID)
		if err != nil {
			_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID).WithText(trialErrorText(err)).WithShowAlert())
			return nil
		}

		link, err := b.Engine.GetLink(ctx.Context(), telegramID)
		if err != nil {
			b.Log.Error("failed to build subscription link", sl.Err(err), "user", telegramID)
		}

		text := fmt.Sprintf("✅ Подписка активирована!\n\n📦 Тариф: %s\n⏳ До: %s\n📊 Трафик: %.0f GB\n\n🔗 Ссылка для подключения:\n%s",
			sub.TariffID, sub.ExpiresAt.Format("02.01.2006"), sub.TrafficLimitGB, link)
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), text))
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID).WithText("✅ Подписка активирована!"))
		return nil
	}, th.CallbackDataPrefix("trial_"))

	// Paid tariff: create a pending payment with transfer instructions.
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		telegramID := callback.From.ID
		tariffID := strings.TrimPrefix(callback.Data, "pay_")

		payment, err := b.Engine.InitiatePayment(ctx.Context(), telegramID, tariffID)
		if err != nil {
			_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID).WithText(paymentErrorText(err)).WithShowAlert())
			return nil
		}

		tariff, _ := b.Catalog.Get(tariffID)
		text := fmt.Sprintf(
			"💳 Оплата подписки\n\n📦 Тариф: %s\n💵 Сумма: %.0f₽\n\n💳 Карта: %s\n👤 Получатель: %s\n\n⚠️ Важно: в комментарии к платежу укажите:\n🔢 %s\n\nПосле оплаты нажмите ✅ Подтверждаю оплату",
			tariff.Name, payment.Amount, b.Cfg.PaymentCardNumber, b.Cfg.PaymentCardHolder, payment.Comment)

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
			tu.ID(telegramID), text).WithReplyMarkup(paymentConfirmKeyboard(payment.ID)))
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
		return nil
	}, th.CallbackDataPrefix("pay_"))

	// User confirms the transfer was sent; admins review it manually.
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		telegramID := callback.From.ID
		paymentID, err := strconv.ParseUint(strings.TrimPrefix(callback.Data, "confirm_payment_"), 10, 32)
		if err != nil {
			return nil
		}

		payment, err := b.Store.GetPayment(ctx.Context(), uint(paymentID))
		if err != nil || payment.TelegramID != telegramID {
			_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID).WithText("❌ Платеж не найден").WithShowAlert())
			return nil
		}

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID),
			"✅ Вы подтвердили оплату\n\nОжидайте проверки администратором.\nОбычно проверка занимает до 24 часов."))

		for _, adminID := range b.Cfg.AdminIDs {
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(adminID),
				fmt.Sprintf("💰 Новый платеж #%d на %.0f₽ ожидает проверки (/admin).", payment.ID, payment.Amount)))
		}

		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
		return nil
	}, th.CallbackDataPrefix("confirm_payment_"))

	// Subscription status
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		telegramID := callback.From.ID

		sub, err := b.Engine.GetStatus(ctx.Context(), telegramID)
		if err != nil {
			b.Log.Error("failed to get status", sl.Err(err), "user", telegramID)
			_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID).WithText("❌ Ошибка при получении статуса").WithShowAlert())
			return nil
		}

		var text string
		if sub == nil {
			text = "📊 Статус подписки\n\n❌ У вас нет активной подписки\nНажмите 💰 Тарифы для выбора"
		} else {
			text = fmt.Sprintf(
				"📊 Статус подписки\n\n✅ Статус: Активна\n📦 Тариф: %s\n⏳ Истекает: %s\n📈 Трафик: %.2f / %.2f GB\n📅 Дата покупки: %s",
				sub.TariffID, sub.ExpiresAt.Format("02.01.2006 15:04"),
				sub.TrafficUsedGB, sub.TrafficLimitGB, sub.CreatedAt.Format("02.01.2006"))
		}

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
			tu.ID(telegramID), text).WithReplyMarkup(backKeyboard()))
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
		return nil
	}, th.CallbackDataEqual("status"))

	// Subscription link
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		telegramID := callback.From.ID

		link, err := b.Engine.GetLink(ctx.Context(), telegramID)
		if errors.Is(err, engine.ErrNoActiveSubscription) {
			_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID).WithText("❌ Нет активной подписки").WithShowAlert())
			return nil
		}
		if err != nil {
			b.Log.Error("failed to get link", sl.Err(err), "user", telegramID)
			_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID).WithText("❌ Ошибка при получении ссылки").WithShowAlert())
			return nil
		}

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID),
			fmt.Sprintf("🔗 Ваша ссылка для подключения:\n\n%s\n\nСкопируйте и вставьте в VPN клиент", link)))
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
		return nil
	}, th.CallbackDataEqual("get_link"))

	// Referral program
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		telegramID := callback.From.ID

		count, err := b.Store.CountReferrals(ctx.Context(), telegramID)
		if err != nil {
			b.Log.Error("failed to count referrals", sl.Err(err), "user", telegramID)
		}

		botUsername := ""
		if info, err := b.Instance.GetMe(ctx.Context()); err == nil {
			botUsername = info.Username
		}
		refLink := fmt.Sprintf("https://t.me/%s?start=ref_%d", botUsername, telegramID)

		text := fmt.Sprintf(
			"🎁 Реферальная программа\n\n👥 Ваши рефералы: %d\n\nПригласите друзей!\n\nВаша ссылка:\n%s",
			count, refLink)

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
			tu.ID(telegramID), text).WithReplyMarkup(backKeyboard()))
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
		return nil
	}, th.CallbackDataEqual("referrals"))

	// Help
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery

		text := "ℹ️ Помощь\n\n🔑 Мой VPN — управление подпиской\n💰 Тарифы — выбрать тариф\n📊 Статус — проверить статус\n🎁 Рефералы — пригласить друзей"
		if b.Cfg.SupportURL != "" {
			text += "\n\n📞 Поддержка: " + b.Cfg.SupportURL
		}
		if b.Cfg.ChannelURL != "" {
			text += "\n📣 Новости: " + b.Cfg.ChannelURL
		}

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
			tu.ID(callback.From.ID), text).WithReplyMarkup(backKeyboard()))
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
		return nil
	}, th.CallbackDataEqual("help"))
}

func trialErrorText(err error) string {
	switch {
	case errors.Is(err, engine.ErrTrialAlreadyUsed):
		return "❌ Вы уже использовали пробный период"
	case errors.Is(err, engine.ErrTariffNotFound):
		return "❌ Тариф не найден"
	case errors.Is(err, engine.ErrNotTrialTariff):
		return "❌ Этот тариф не является пробным"
	case errors.Is(err, engine.ErrUserBanned):
		return "❌ Доступ заблокирован"
	default:
		return "❌ Ошибка при активации подписки"
	}
}

func paymentErrorText(err error) string {
	switch {
	case errors.Is(err, engine.ErrTariffNotFound):
		return "❌ Тариф не найден"
	case errors.Is(err, engine.ErrFreeTariff):
		return "❌ Этот тариф бесплатный"
	case errors.Is(err, engine.ErrUserBanned):
		return "❌ Доступ заблокирован"
	default:
		return "❌ Ошибка при создании платежа"
	}
}
