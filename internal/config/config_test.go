package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "")
	t.Setenv("QUOTE_MAX_RETRIES", "")
	t.Setenv("INSTANCE_ID", "")

	cfg := Load()
	assert.Equal(t, 5, cfg.WorkerConcurrency)
	assert.Equal(t, 2, cfg.QuoteMaxRetries)
	assert.Equal(t, "store", cfg.LeaseBackend)
	assert.Equal(t, 30*time.Second, cfg.LeaseTTL)
	assert.True(t, cfg.WriteBackEnabled)
	assert.Equal(t, DefaultInstanceID(), cfg.InstanceID)
	assert.NotEmpty(t, cfg.InstanceID)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "3")
	t.Setenv("CARRIER_TIMEOUT", "2s")
	t.Setenv("WRITEBACK_ENABLED", "false")
	t.Setenv("STORE_DRIVER", "postgres")

	cfg := Load()
	assert.Equal(t, 3, cfg.WorkerConcurrency)
	assert.Equal(t, 2*time.Second, cfg.CarrierTimeout)
	assert.False(t, cfg.WriteBackEnabled)
	assert.Equal(t, "postgres", cfg.StoreDriver)
}

func TestMalformedValuesFallBack(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "lots")
	t.Setenv("LEASE_TTL", "soon")

	cfg := Load()
	assert.Equal(t, 5, cfg.WorkerConcurrency)
	assert.Equal(t, 30*time.Second, cfg.LeaseTTL)
}
