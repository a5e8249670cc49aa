package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Port:                  "8375",
		Env:                   "development",
		JWTSecret:             "secure-secret-at-least-32-chars-long",
		DBDriver:              "postgres",
		DBPassword:            "secure-password",
		DBSSLMode:             "require",
		PresencePollInterval:  10 * time.Second,
		PresenceStaleAfter:    10 * time.Second,
		BackendCallTimeout:    5 * time.Second,
		RetryMaxAttempts:      3,
		HistoryPageSize:       50,
		NotificationQueueSize: 16,
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(c *Config)
		expectError bool
	}{
		{"valid development config", func(c *Config) {}, false},
		{"missing port", func(c *Config) { c.Port = "" }, true},
		{"missing jwt secret", func(c *Config) { c.JWTSecret = "" }, true},
		{"unknown driver", func(c *Config) { c.DBDriver = "mysql" }, true},
		{"sqlite driver", func(c *Config) { c.DBDriver = "sqlite" }, false},
		{"zero poll interval", func(c *Config) { c.PresencePollInterval = 0 }, true},
		{"stale window shorter than poll", func(c *Config) { c.PresenceStaleAfter = time.Second }, true},
		{"zero call timeout", func(c *Config) { c.BackendCallTimeout = 0 }, true},
		{"zero retry attempts", func(c *Config) { c.RetryMaxAttempts = 0 }, true},
		{"zero page size", func(c *Config) { c.HistoryPageSize = 0 }, true},
		{"zero queue size", func(c *Config) { c.NotificationQueueSize = 0 }, true},
		{"production with default secret", func(c *Config) {
			c.Env = "production"
			c.JWTSecret = "your-secret-key-change-in-production"
		}, true},
		{"production with short secret", func(c *Config) {
			c.Env = "prod"
			c.JWTSecret = "short"
		}, true},
		{"production with default db password", func(c *Config) {
			c.Env = "production"
			c.DBPassword = "password"
		}, true},
		{"production with sqlite ignores db password", func(c *Config) {
			c.Env = "production"
			c.DBDriver = "sqlite"
			c.DBPassword = ""
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)

			err := c.Validate()
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_Origins(t *testing.T) {
	c := &Config{AllowedOrigins: " http://a.test ,, http://b.test"}
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, c.Origins())
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("PORT", "9999")
	t.Setenv("PRESENCE_POLL_INTERVAL", "3s")
	t.Setenv("PRESENCE_STALE_AFTER", "6s")
	t.Setenv("REUSE_DIRECT_CONVERSATIONS", "false")

	c, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9999", c.Port)
	assert.Equal(t, 3*time.Second, c.PresencePollInterval)
	assert.Equal(t, 6*time.Second, c.PresenceStaleAfter)
	assert.False(t, c.ReuseDirectConversations)
	assert.Equal(t, 50, c.HistoryPageSize)
	assert.Equal(t, uint(3), c.RetryMaxAttempts)
}

func TestConfig_PresenceHeartbeatInterval(t *testing.T) {
	c := validConfig()
	assert.Equal(t, 5*time.Second, c.PresenceHeartbeatInterval())
	assert.Less(t, c.PresenceHeartbeatInterval(), c.PresenceStaleAfter)

	c.PresencePollInterval = 30 * time.Second
	c.PresenceStaleAfter = 40 * time.Second
	assert.Equal(t, 15*time.Second, c.PresenceHeartbeatInterval())

	c.PresencePollInterval = 2 * time.Second
	assert.Equal(t, time.Second, c.PresenceHeartbeatInterval())
}
