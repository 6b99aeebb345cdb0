package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBUser     string
	DBPassword string
	DBName     string
	DBHost     string
	DBPort     string

	RedisHost     string
	RedisPort     string
	RedisPassword string

	BotToken string

	MarzbanPanelURL       string
	MarzbanUsername       string
	MarzbanPassword       string
	SubscriptionURLPrefix string

	PaymentCardNumber string
	PaymentCardHolder string

	AdminIDs             []int64
	NotifyBeforeHours    []int
	RefBonusDays         int
	PaymentRetentionDays int
	SweepInterval        time.Duration

	TariffsPath string
	SupportURL  string
	ChannelURL  string
}

func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	return &Config{
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "marzgate_bot"),
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		BotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),

		MarzbanPanelURL:       getEnv("MARZBAN_PANEL_URL", ""),
		MarzbanUsername:       getEnv("MARZBAN_USERNAME", ""),
		MarzbanPassword:       getEnv("MARZBAN_PASSWORD", ""),
		SubscriptionURLPrefix: getEnv("MARZBAN_SUBSCRIPTION_URL_PREFIX", ""),

		PaymentCardNumber: getEnv("PAYMENT_CARD_NUMBER", ""),
		PaymentCardHolder: getEnv("PAYMENT_CARD_HOLDER", ""),

		AdminIDs:             parseInt64List(getEnv("ADMIN_USER_IDS", "")),
		NotifyBeforeHours:    parseIntList(getEnv("NOTIFY_BEFORE_EXPIRE_HOURS", "24,48,72")),
		RefBonusDays:         getEnvInt("REF_BONUS_DAYS", 7),
		PaymentRetentionDays: getEnvInt("PAYMENT_RETENTION_DAYS", 30),
		SweepInterval:        getEnvDuration("SWEEP_INTERVAL", time.Hour),

		TariffsPath: getEnv("TARIFFS_PATH", "data/tariffs.json"),
		SupportURL:  getEnv("SUPPORT_URL", ""),
		ChannelURL:  getEnv("TG_CHANNEL", ""),
	}
}

// Validate fails fast on settings the bot cannot run without.
func (c *Config) Validate() error {
	var missing []string
	if c.BotToken == "" {
		missing = append(missing, "TELEGRAM_BOT_TOKEN")
	}
	if c.MarzbanPanelURL == "" {
		missing = append(missing, "MARZBAN_PANEL_URL")
	}
	if c.MarzbanUsername == "" {
		missing = append(missing, "MARZBAN_USERNAME")
	}
	if c.MarzbanPassword == "" {
		missing = append(missing, "MARZBAN_PASSWORD")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if len(c.AdminIDs) == 0 {
		return fmt.Errorf("no admin user IDs configured")
	}
	return nil
}

// IsAdmin reports whether a telegram id belongs to the configured admin set.
func (c *Config) IsAdmin(telegramID int64) bool {
	for _, id := range c.AdminIDs {
		if id == telegramID {
			return true
		}
	}
	return false
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func parseInt64List(raw string) []int64 {
	var out []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if n, err := strconv.ParseInt(part, 10, 64); err == nil {
			out = append(out, n)
		}
	}
	return out
}

func parseIntList(raw string) []int {
	var out []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if n, err := strconv.Atoi(part); err == nil {
			out = append(out, n)
		}
	}
	return out
}
