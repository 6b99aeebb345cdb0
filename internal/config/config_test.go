package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTestConfig() *Config {
	return &Config{
		BotToken:        "123:abc",
		MarzbanPanelURL: "https://panel.example.com",
		MarzbanUsername: "admin",
		MarzbanPassword: "secret",
		AdminIDs:        []int64{42},
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validTestConfig().Validate())

	t.Run("missing bot token", func(t *testing.T) {
		cfg := validTestConfig()
		cfg.BotToken = ""
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "TELEGRAM_BOT_TOKEN")
	})

	t.Run("missing panel settings", func(t *testing.T) {
		cfg := validTestConfig()
		cfg.MarzbanPanelURL = ""
		cfg.MarzbanPassword = ""
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "MARZBAN_PANEL_URL")
		assert.Contains(t, err.Error(), "MARZBAN_PASSWORD")
	})

	t.Run("no admins", func(t *testing.T) {
		cfg := validTestConfig()
		cfg.AdminIDs = nil
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "admin")
	})
}

func TestIsAdmin(t *testing.T) {
	cfg := &Config{AdminIDs: []int64{1, 2, 3}}
	assert.True(t, cfg.IsAdmin(2))
	assert.False(t, cfg.IsAdmin(4))
	assert.False(t, (&Config{}).IsAdmin(1))
}

func TestParseInt64List(t *testing.T) {
	assert.Equal(t, []int64{1, 2, 3}, parseInt64List("1,2,3"))
	assert.Equal(t, []int64{42}, parseInt64List(" 42 "))
	assert.Equal(t, []int64{1, 3}, parseInt64List("1,,oops,3"))
	assert.Nil(t, parseInt64List(""))
}

func TestParseIntList(t *testing.T) {
	assert.Equal(t, []int{24, 48, 72}, parseIntList("24, 48, 72"))
	assert.Nil(t, parseIntList(""))
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("MG_TEST_STR", "value")
	t.Setenv("MG_TEST_INT", "15")
	t.Setenv("MG_TEST_BAD_INT", "oops")
	t.Setenv("MG_TEST_DUR", "30m")

	assert.Equal(t, "value", getEnv("MG_TEST_STR", "fallback"))
	assert.Equal(t, "fallback", getEnv("MG_TEST_UNSET", "fallback"))

	assert.Equal(t, 15, getEnvInt("MG_TEST_INT", 7))
	assert.Equal(t, 7, getEnvInt("MG_TEST_BAD_INT", 7))
	assert.Equal(t, 7, getEnvInt("MG_TEST_UNSET", 7))

	assert.Equal(t, 30*time.Minute, getEnvDuration("MG_TEST_DUR", time.Hour))
	assert.Equal(t, time.Hour, getEnvDuration("MG_TEST_UNSET", time.Hour))
}
