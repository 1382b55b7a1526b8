package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("PMP_TEST_DUR", "15s")
	assert.Equal(t, 15*time.Second, getEnvDuration("PMP_TEST_DUR", time.Second))

	t.Setenv("PMP_TEST_DUR", "7")
	assert.Equal(t, 7*time.Second, getEnvDuration("PMP_TEST_DUR", time.Second))

	t.Setenv("PMP_TEST_DUR", "soon")
	assert.Equal(t, time.Second, getEnvDuration("PMP_TEST_DUR", time.Second))
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PMP_LEASE_GRACE", "")
	t.Setenv("PMP_MESSAGE_ADDR", ":9000")
	t.Setenv("DB_DRIVER", "sqlite")

	cfg := Load()
	assert.Equal(t, ":9000", cfg.MessageAddr)
	assert.Equal(t, 30*time.Second, cfg.LeaseGrace)
	assert.Equal(t, 10*time.Second, cfg.KeepAliveInterval)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Empty(t, cfg.MinioEndpoint)
}
