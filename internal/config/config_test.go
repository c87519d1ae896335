package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"milestonepay/internal/domain"
)

func TestDefaultsValidate(t *testing.T) {
	for _, mode := range []domain.PaymentMode{domain.ModeDirect, domain.ModeEscrow} {
		cfg := Default(mode)
		require.NoError(t, cfg.Validate(), mode)
		assert.Equal(t, mode, cfg.Mode)
		assert.Equal(t, "@every 30m", cfg.Scheduler.RetrySpec)
	}
	rate, err := Default(domain.ModeEscrow).Rate()
	require.NoError(t, err)
	assert.Equal(t, "0.1", rate.String())
}

func TestCommissionRateMustMatchMode(t *testing.T) {
	_, err := FromYAML([]byte("mode: direct\ncurrency: EUR\ncommission_rate: \"0.05\"\n"))
	assert.ErrorContains(t, err, "direct mode")

	_, err = FromYAML([]byte("mode: escrow\ncurrency: EUR\ncommission_rate: \"0\"\n"))
	assert.ErrorContains(t, err, "escrow mode")

	_, err = FromYAML([]byte("mode: escrow\ncurrency: EUR\ncommission_rate: \"1.5\"\n"))
	assert.Error(t, err)
}

func TestRejectsUnknownMode(t *testing.T) {
	_, err := FromYAML([]byte("mode: barter\ncurrency: EUR\n"))
	assert.ErrorContains(t, err, "config.mode")
}

func TestRejectsBadSchedule(t *testing.T) {
	_, err := FromYAML([]byte("mode: direct\ncurrency: EUR\nscheduler:\n  retry_spec: \"every sometimes\"\n"))
	assert.ErrorContains(t, err, "retry_spec")
}

func TestSubscriberEventsChecked(t *testing.T) {
	_, err := FromYAML([]byte("mode: direct\ncurrency: EUR\nsubscribers:\n  - url: http://x\n    events: [TrancheExploded]\n"))
	assert.ErrorContains(t, err, "unknown event")
}

func TestLimitsFallBack(t *testing.T) {
	var s SchedulerConfig
	assert.Equal(t, 7*24*time.Hour, s.PendingPaymentLimit())
	assert.Equal(t, 7*24*time.Hour, s.FundsHeldLimit())
	assert.Equal(t, 48*time.Hour, s.ValidatedLimit())
	assert.Equal(t, 30*time.Minute, s.CaptureGrace())
	s.CaptureGraceMinutes = 5
	assert.Equal(t, 5*time.Minute, s.CaptureGrace())
	var c Config
	assert.Equal(t, 10*time.Second, c.ProviderTimeout())
}

func TestLoadFromWorkspace(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(Path(dir))
	assert.ErrorContains(t, err, "not found")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "mpay.yml"), []byte(GenerateDefault(domain.ModeEscrow)), 0o644))
	cfg, err := Load(Path(dir))
	require.NoError(t, err)
	assert.Equal(t, domain.ModeEscrow, cfg.Mode)

	opt, err := LoadOptional(filepath.Join(dir, "missing.yml"))
	require.NoError(t, err)
	assert.Equal(t, domain.ModeDirect, opt.Mode)
}
