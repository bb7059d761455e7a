package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager() *Manager {
	return NewManager(BreakerConfig{
		FailureThreshold: 3,
		FailureWindow:    time.Minute,
		RecoveryDelay:    20 * time.Millisecond,
	}, zerolog.Nop())
}

func TestClosedStatePassesThrough(t *testing.T) {
	m := newTestManager()
	res, err := m.Execute("openai", "gpt-test", func() (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", res)
	assert.Equal(t, StateClosed, m.State("openai", "gpt-test"))
}

func TestTripsOpenAfterConsecutiveFailuresWithinWindow(t *testing.T) {
	m := newTestManager()
	failing := func() (interface{}, error) { return nil, errors.New("upstream error") }

	for i := 0; i < 3; i++ {
		_, _ = m.Execute("openai", "gpt-test", failing)
	}

	assert.Equal(t, StateOpen, m.State("openai", "gpt-test"))

	_, err := m.Execute("openai", "gpt-test", func() (interface{}, error) { return "ok", nil })
	assert.Error(t, err, "OPEN breaker must reject without invoking fn")
}

func TestHalfOpenAllowsSingleProbe(t *testing.T) {
	m := newTestManager()
	failing := func() (interface{}, error) { return nil, errors.New("upstream error") }

	for i := 0; i < 3; i++ {
		_, _ = m.Execute("openai", "gpt-test", failing)
	}
	require.Equal(t, StateOpen, m.State("openai", "gpt-test"))

	time.Sleep(30 * time.Millisecond)

	res, err := m.Execute("openai", "gpt-test", func() (interface{}, error) { return "recovered", nil })
	require.NoError(t, err)
	assert.Equal(t, "recovered", res)
	assert.Equal(t, StateClosed, m.State("openai", "gpt-test"))
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	m := newTestManager()
	failing := func() (interface{}, error) { return nil, errors.New("upstream error") }

	for i := 0; i < 3; i++ {
		_, _ = m.Execute("openai", "gpt-test", failing)
	}
	time.Sleep(30 * time.Millisecond)

	_, err := m.Execute("openai", "gpt-test", failing)
	require.Error(t, err)
	assert.Equal(t, StateOpen, m.State("openai", "gpt-test"))
}

func TestBreakersAreIsolatedPerProviderModel(t *testing.T) {
	m := newTestManager()
	failing := func() (interface{}, error) { return nil, errors.New("upstream error") }

	for i := 0; i < 3; i++ {
		_, _ = m.Execute("openai", "gpt-test", failing)
	}
	require.Equal(t, StateOpen, m.State("openai", "gpt-test"))
	assert.Equal(t, StateClosed, m.State("openai", "gpt-other-model"))
	assert.Equal(t, StateClosed, m.State("anthropic", "claude-test"))
}

func TestEntrySnapshot(t *testing.T) {
	m := newTestManager()
	entry := m.Entry("openai", "gpt-test")
	assert.Equal(t, "openai", entry.Provider)
	assert.Equal(t, "gpt-test", entry.Model)
	assert.Equal(t, StateClosed, entry.State)
}
