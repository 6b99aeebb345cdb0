package bot

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"

	"marzgate-bot/internal/lib/sl"
	"marzgate-bot/internal/marzban"
	"marzgate-bot/internal/storage"
)

const (
	stateBroadcast  = "WAITING_BROADCAST"
	stateUserSearch = "WAITING_USER_SEARCH"
)

func (b *Bot) registerAdminHandlers(handler *th.BotHandler) {
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		message := update.Message
		if !b.Cfg.IsAdmin(message.From.ID) {
			return nil
		}
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
			tu.ID(message.Chat.ID), "👑 Админ Панель\n\nВыберите действие:").WithReplyMarkup(adminKeyboard()))
		return nil
	}, th.CommandEqual("admin"))

	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		if !b.Cfg.IsAdmin(callback.From.ID) {
			return nil
		}
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
			tu.ID(callback.From.ID), "👑 Админ Панель\n\nВыберите действие:").WithReplyMarkup(adminKeyboard()))
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
		return nil
	}, th.CallbackDataEqual("back_to_admin"))

	// Stats: local store counts plus panel system stats.
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		if !b.Cfg.IsAdmin(callback.From.ID) {
			return nil
		}

		stats, err := b.Store.GetStatistics(ctx.Context())
		if err != nil {
			b.Log.Error("failed to get statistics", sl.Err(err))
			_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID).WithText("❌ Ошибка при получении статистики").WithShowAlert())
			return nil
		}

		text := fmt.Sprintf(
			"📊 Статистика бота\n\n👥 Всего пользователей: %d\n🚫 Забанено: %d\n🔑 Активных подписок: %d\n💰 Ожидают оплаты: %d\n",
			stats.TotalUsers, stats.BannedUsers, stats.ActiveSubscriptions, stats.PendingPayments)

		if sys, err := b.Panel.GetSystemStats(ctx.Context()); err != nil {
			b.Log.Error("failed to get panel stats", sl.Err(err))
			text += "\n❌ Не удалось получить статистику панели"
		} else {
			text += fmt.Sprintf(
				"\n🖥 Панель:\n👥 Пользователей: %d\n✅ Активных: %d\n📥 Входящий: %s\n📤 Исходящий: %s",
				sys.TotalUser, sys.UsersActive,
				marzban.FormatTraffic(sys.IncomingBW), marzban.FormatTraffic(sys.OutgoingBW))
		}

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
			tu.ID(callback.From.ID), text).WithReplyMarkup(backToAdminKeyboard()))
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
		return nil
	}, th.CallbackDataEqual("admin_stats"))

	// Pending payment queue, newest first.
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		if !b.Cfg.IsAdmin(callback.From.ID) {
			return nil
		}

		payments, err := b.Store.GetPendingPayments(ctx.Context())
		if err != nil {
			b.Log.Error("failed to get pending payments", sl.Err(err))
			_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID).WithText("❌ Ошибка при получении платежей").WithShowAlert())
			return nil
		}

		if len(payments) == 0 {
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
				tu.ID(callback.From.ID), "💰 Платежи\n\n✅ Нет ожидающих платежей").WithReplyMarkup(backToAdminKeyboard()))
		} else {
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
				tu.ID(callback.From.ID),
				fmt.Sprintf("💰 Ожидают проверки (%d):", len(payments))).WithReplyMarkup(pendingPaymentsKeyboard(payments)))
		}
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
		return nil
	}, th.CallbackDataEqual("admin_payments"))

	// Payment details with review actions.
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		if !b.Cfg.IsAdmin(callback.From.ID) {
			return nil
		}
		paymentID, err := strconv.ParseUint(strings.TrimPrefix(callback.Data, "payment_view_"), 10, 32)
		if err != nil {
			return nil
		}

		payment, err := b.Store.GetPayment(ctx.Context(), uint(paymentID))
		if err != nil {
			_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID).WithText("❌ Платеж не найден").WithShowAlert())
			return nil
		}

		text := fmt.Sprintf(
			"💰 Детали платежа\n\nID: %d\n🆔 Telegram ID: %d\n💵 Сумма: %.0f₽\n📦 Тариф: %s\n🔢 Комментарий: %s\n📅 Создан: %s\n⏳ Статус: %s",
			payment.ID, payment.TelegramID, payment.Amount, payment.TariffID,
			payment.Comment, payment.CreatedAt.Format("02.01.2006 15:04"), payment.Status)

		msg := tu.Message(tu.ID(callback.From.ID), text)
		if !payment.Terminal() {
			msg = msg.WithReplyMarkup(paymentReviewKeyboard(payment.ID))
		} else {
			msg = msg.WithReplyMarkup(backToAdminKeyboard())
		}
		_, _ = ctx.Bot().SendMessage(ctx.Context(), msg)
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
		return nil
	}, th.CallbackDataPrefix("payment_view_"))

	// Approve: activates the subscription and notifies the user.
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		if !b.Cfg.IsAdmin(callback.From.ID) {
			return nil
		}
		paymentID, err := strconv.ParseUint(strings.TrimPrefix(callback.Data, "admin_approve_"), 10, 32)
		if err != nil {
			return nil
		}

		result, err := b.Engine.ApprovePayment(ctx.Context(), uint(paymentID), callback.From.ID)
		if err != nil {
			b.Log.Error("failed to approve payment", sl.Err(err), "payment", paymentID)
			_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID).WithText(approveErrorText(err)).WithShowAlert())
			return nil
		}

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
			tu.ID(result.Payment.TelegramID),
			fmt.Sprintf("✅ Ваша оплата одобрена!\n\n📦 Тариф: %s\n⏳ Срок: %d дн.\n📊 Трафик: %.0f GB\n\n🔗 Ссылка: %s",
				result.Tariff.Name, result.Tariff.DurationDays, result.Tariff.TrafficGB, result.Link)))

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
			tu.ID(callback.From.ID),
			fmt.Sprintf("✅ Платеж #%d одобрен!\nПользователь уведомлен.", paymentID)).WithReplyMarkup(backToAdminKeyboard()))
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID).WithText("✅ Платеж одобрен!"))
		return nil
	}, th.CallbackDataPrefix("admin_approve_"))

	// Reject: no subscription side effect, user notified.
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		if !b.Cfg.IsAdmin(callback.From.ID) {
			return nil
		}
		paymentID, err := strconv.ParseUint(strings.TrimPrefix(callback.Data, "admin_reject_"), 10, 32)
		if err != nil {
			return nil
		}

		payment, err := b.Engine.RejectPayment(ctx.Context(), uint(paymentID), callback.From.ID)
		if err != nil {
			b.Log.Error("failed to reject payment", sl.Err(err), "payment", paymentID)
			_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID).WithText(approveErrorText(err)).WithShowAlert())
			return nil
		}

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
			tu.ID(payment.TelegramID),
			fmt.Sprintf("❌ Ваша оплата #%d была отклонена.\n\nЕсли вы считаете это ошибкой, свяжитесь с поддержкой.", paymentID)))

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
			tu.ID(callback.From.ID),
			fmt.Sprintf("❌ Платеж #%d отклонен!\nПользователь уведомлен.", paymentID)).WithReplyMarkup(backToAdminKeyboard()))
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID).WithText("❌ Платеж отклонен!"))
		return nil
	}, th.CallbackDataPrefix("admin_reject_"))

	// User search
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		if !b.Cfg.IsAdmin(callback.From.ID) {
			return nil
		}
		b.setState(callback.From.ID, stateUserSearch)
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
			tu.ID(callback.From.ID), "🔍 Введите Telegram ID пользователя:").WithReplyMarkup(backToAdminKeyboard()))
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
		return nil
	}, th.CallbackDataEqual("admin_users"))

	// Ban toggle
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		if !b.Cfg.IsAdmin(callback.From.ID) {
			return nil
		}
		telegramID, err := strconv.ParseInt(strings.TrimPrefix(callback.Data, "admin_ban_"), 10, 64)
		if err != nil {
			return nil
		}

		user, err := b.Store.GetUser(ctx.Context(), telegramID)
		if err != nil {
			_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID).WithText("❌ Пользователь не найден").WithShowAlert())
			return nil
		}

		if err := b.Engine.SetBanned(ctx.Context(), telegramID, !user.IsBanned); err != nil {
			b.Log.Error("failed to toggle ban", sl.Err(err), "user", telegramID)
			_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID).WithText("❌ Ошибка").WithShowAlert())
			return nil
		}

		text := fmt.Sprintf("🚫 Пользователь @%s забанен", user.Username)
		if user.IsBanned {
			text = fmt.Sprintf("✅ Пользователь @%s разбанен", user.Username)
		}
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
			tu.ID(callback.From.ID), text).WithReplyMarkup(backToAdminKeyboard()))
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
		return nil
	}, th.CallbackDataPrefix("admin_ban_"))

	// Broadcast prompt
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		if !b.Cfg.IsAdmin(callback.From.ID) {
			return nil
		}
		b.setState(callback.From.ID, stateBroadcast)
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
			tu.ID(callback.From.ID),
			"📢 Рассылка\n\nОтправьте текст, который хотите разослать всем пользователям.").WithReplyMarkup(backToAdminKeyboard()))
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
		return nil
	}, th.CallbackDataEqual("admin_broadcast"))

	// Tariff catalog reload
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		if !b.Cfg.IsAdmin(callback.From.ID) {
			return nil
		}
		if err := b.Catalog.Reload(); err != nil {
			b.Log.Error("failed to reload tariffs", sl.Err(err))
			_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID).WithText("❌ Ошибка: "+err.Error()).WithShowAlert())
			return nil
		}
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID).WithText("✅ Тарифы обновлены"))
		return nil
	}, th.CallbackDataEqual("admin_reload_tariffs"))

	// Text input for stateful admin actions (search, broadcast).
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		message := update.Message
		telegramID := message.From.ID
		if !b.Cfg.IsAdmin(telegramID) {
			return nil
		}

		switch b.takeState(telegramID) {
		case stateUserSearch:
			b.handleUserSearch(ctx, telegramID, message.Text)
		case stateBroadcast:
			b.handleBroadcast(ctx, telegramID, message.Text)
		}
		return nil
	}, th.AnyMessageWithText())
}

func (b *Bot) handleUserSearch(ctx *th.Context, adminID int64, query string) {
	targetID, err := strconv.ParseInt(strings.TrimSpace(query), 10, 64)
	if err != nil {
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(adminID), "❌ Неверный формат ID"))
		return
	}

	user, err := b.Store.GetUser(ctx.Context(), targetID)
	if err != nil {
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
			tu.ID(adminID), "❌ Пользователь не найден").WithReplyMarkup(backToAdminKeyboard()))
		return
	}

	sub, err := b.Engine.GetStatus(ctx.Context(), targetID)
	if err != nil {
		b.Log.Error("failed to get status", sl.Err(err), "user", targetID)
	}

	text := fmt.Sprintf(
		"👤 Пользователь\n\nID: %d\nUsername: @%s\nПанель: %s\n📅 Регистрация: %s\n🚫 Бан: %v\n🔑 Подписка: %s",
		user.TelegramID, user.Username, user.MarzbanUsername,
		user.CreatedAt.Format("02.01.2006"), user.IsBanned, subscriptionLabel(sub != nil))
	if sub != nil {
		text += fmt.Sprintf("\n⏳ Истекает: %s", sub.ExpiresAt.Format("02.01.2006 15:04"))
	}

	_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
		tu.ID(adminID), text).WithReplyMarkup(userManagementKeyboard(user.TelegramID, user.IsBanned)))
}

func (b *Bot) handleBroadcast(ctx *th.Context, adminID int64, text string) {
	users, err := b.Store.ListUsers(ctx.Context())
	if err != nil {
		b.Log.Error("failed to list users for broadcast", sl.Err(err))
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(adminID), "❌ Ошибка при рассылке"))
		return
	}

	successCount, failCount := 0, 0
	for _, user := range users {
		if _, err := ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(user.TelegramID), text)); err != nil {
			b.Log.Error("failed to deliver broadcast", sl.Err(err), "user", user.TelegramID)
			failCount++
			continue
		}
		successCount++
	}

	_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
		tu.ID(adminID),
		fmt.Sprintf("📢 Рассылка завершена\n\n✅ Успешно: %d\n❌ Ошибок: %d\n👥 Всего: %d",
			successCount, failCount, len(users))).WithReplyMarkup(backToAdminKeyboard()))
}

func subscriptionLabel(active bool) string {
	if active {
		return "✅ Активна"
	}
	return "❌ Не активна"
}

func approveErrorText(err error) string {
	switch {
	case errors.Is(err, storage.ErrPaymentNotPending):
		return "❌ Платеж уже рассмотрен"
	case errors.Is(err, storage.ErrNotFound):
		return "❌ Платеж не найден"
	default:
		return "❌ Ошибка при обработке платежа"
	}
}
