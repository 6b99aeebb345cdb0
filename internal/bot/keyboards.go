package bot

import (
	"fmt"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"marzgate-bot/internal/models"
	"marzgate-bot/internal/tariffs"
)

func mainKeyboard() *telego.InlineKeyboardMarkup {
	return tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("🔑 Мой VPN").WithCallbackData("status"),
			tu.InlineKeyboardButton("💰 Тарифы").WithCallbackData("tariffs"),
		),
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("🔗 Получить ссылку").WithCallbackData("get_link"),
			tu.InlineKeyboardButton("🎁 Рефералы").WithCallbackData("referrals"),
		),
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("❓ Помощь").WithCallbackData("help"),
		),
	)
}

func backKeyboard() *telego.InlineKeyboardMarkup {
	return tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("« Назад").WithCallbackData("back_to_main"),
		),
	)
}

func tariffsKeyboard(list []tariffs.Tariff) *telego.InlineKeyboardMarkup {
	rows := make([][]telego.InlineKeyboardButton, 0, len(list)+1)
	for _, t := range list {
		rows = append(rows, tu.InlineKeyboardRow(
			tu.InlineKeyboardButton(fmt.Sprintf("%s — %.0f₽", t.Name, t.Price)).WithCallbackData("tariff_"+t.ID),
		))
	}
	rows = append(rows, tu.InlineKeyboardRow(
		tu.InlineKeyboardButton("« Назад").WithCallbackData("back_to_main"),
	))
	return tu.InlineKeyboard(rows...)
}

func trialConfirmKeyboard(tariffID string) *telego.InlineKeyboardMarkup {
	return tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("🎁 Активировать").WithCallbackData("trial_"+tariffID),
		),
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("« Назад").WithCallbackData("tariffs"),
		),
	)
}

func payConfirmKeyboard(tariffID string) *telego.InlineKeyboardMarkup {
	return tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("💳 Оплатить").WithCallbackData("pay_"+tariffID),
		),
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("« Назад").WithCallbackData("tariffs"),
		),
	)
}

func paymentConfirmKeyboard(paymentID uint) *telego.InlineKeyboardMarkup {
	return tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("✅ Подтверждаю оплату").WithCallbackData(fmt.Sprintf("confirm_payment_%d", paymentID)),
		),
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("« Назад").WithCallbackData("tariffs"),
		),
	)
}

func adminKeyboard() *telego.InlineKeyboardMarkup {
	return tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("📊 Статистика").WithCallbackData("admin_stats"),
			tu.InlineKeyboardButton("💰 Платежи").WithCallbackData("admin_payments"),
		),
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("👥 Пользователи").WithCallbackData("admin_users"),
			tu.InlineKeyboardButton("📢 Рассылка").WithCallbackData("admin_broadcast"),
		),
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("🔄 Обновить тарифы").WithCallbackData("admin_reload_tariffs"),
		),
	)
}

func pendingPaymentsKeyboard(payments []models.PaymentWithUser) *telego.InlineKeyboardMarkup {
	rows := make([][]telego.InlineKeyboardButton, 0, len(payments)+1)
	for _, p := range payments {
		rows = append(rows, tu.InlineKeyboardRow(
			tu.InlineKeyboardButton(fmt.Sprintf("#%d — %.0f₽ (@%s)", p.ID, p.Amount, p.Username)).
				WithCallbackData(fmt.Sprintf("payment_view_%d", p.ID)),
		))
	}
	rows = append(rows, tu.InlineKeyboardRow(
		tu.InlineKeyboardButton("« Назад").WithCallbackData("back_to_admin"),
	))
	return tu.InlineKeyboard(rows...)
}

func paymentReviewKeyboard(paymentID uint) *telego.InlineKeyboardMarkup {
	return tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("✅ Одобрить").WithCallbackData(fmt.Sprintf("admin_approve_%d", paymentID)),
			tu.InlineKeyboardButton("❌ Отклонить").WithCallbackData(fmt.Sprintf("admin_reject_%d", paymentID)),
		),
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("« Назад").WithCallbackData("admin_payments"),
		),
	)
}

func userManagementKeyboard(telegramID int64, banned bool) *telego.InlineKeyboardMarkup {
	banLabel := "🚫 Забанить"
	if banned {
		banLabel = "✅ Разбанить"
	}
	return tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton(banLabel).WithCallbackData(fmt.Sprintf("admin_ban_%d", telegramID)),
		),
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("« Назад").WithCallbackData("back_to_admin"),
		),
	)
}

func backToAdminKeyboard() *telego.InlineKeyboardMarkup {
	return tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("« Назад").WithCallbackData("back_to_admin"),
		),
	)
}
