package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func coordinatorFlags(t *testing.T, args ...string) *viper.Viper {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddCommonFlags(fs, "order-service", "9090")
	AddCoordinatorFlags(fs)
	require.NoError(t, fs.Parse(args))
	v := viper.New()
	require.NoError(t, Bind(v, fs))
	return v
}

func TestDatabaseURLRequired(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	_, err := LoadCoordinator(coordinatorFlags(t))
	assert.EqualError(t, err, "DATABASE_URL is required")
}

func TestEnvFallbackAndFlagPrecedence(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env/db")
	t.Setenv("KAFKA_BROKERS", "k1:9092")
	t.Setenv("PREPARE_TIMEOUT", "2s")
	t.Setenv("PORT", "7000")

	cfg, err := LoadCoordinator(coordinatorFlags(t, "--port=9999", "--payments-addr=payments:9090"))
	require.NoError(t, err)
	assert.Equal(t, "postgres://env/db", cfg.DatabaseURL)
	assert.Equal(t, "k1:9092", cfg.KafkaBrokers)
	assert.Equal(t, "9999", cfg.Port)
	assert.Equal(t, "payments:9090", cfg.PaymentsAddr)
	assert.Equal(t, 2*time.Second, cfg.PrepareTimeout)
	assert.Equal(t, 30*time.Second, cfg.TxDeadline)
	assert.Equal(t, "order-service", cfg.Log.Service)
}

func TestCoordinatorTimeoutsChecked(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env/db")
	_, err := LoadCoordinator(coordinatorFlags(t, "--prepare-timeout=40s"))
	assert.ErrorContains(t, err, "shorter than prepare-timeout")
}

func TestParticipantDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env/db")
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddCommonFlags(fs, "payment-service", "9091")
	AddParticipantFlags(fs)
	require.NoError(t, fs.Parse([]string{"--async", "--workers=2"}))
	v := viper.New()
	require.NoError(t, Bind(v, fs))

	cfg, err := LoadParticipant(v)
	require.NoError(t, err)
	assert.True(t, cfg.Async)
	assert.Equal(t, 2, cfg.Workers)
	assert.True(t, cfg.Outbox)
	assert.Equal(t, time.Minute, cfg.InDoubtTimeout)
	assert.Equal(t, "9091", cfg.Port)
}
