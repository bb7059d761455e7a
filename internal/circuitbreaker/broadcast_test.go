package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestStartSubscriberAppliesPeerVersion(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	publisher := NewManager(BreakerConfig{FailureThreshold: 3, FailureWindow: time.Minute, RecoveryDelay: time.Second}, zerolog.Nop()).
		WithBroadcast(rdb, "circuit-state")
	subscriber := NewManager(BreakerConfig{FailureThreshold: 3, FailureWindow: time.Minute, RecoveryDelay: time.Second}, zerolog.Nop()).
		WithBroadcast(rdb, "circuit-state")

	subscriber.StartSubscriber()
	defer subscriber.StopSubscriber()

	failing := func() (interface{}, error) { return nil, errors.New("upstream error") }
	require.Eventually(t, func() bool {
		_, _ = publisher.Execute("openai", "gpt-test", failing)
		return publisher.State("openai", "gpt-test") == StateOpen
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		b := subscriber.getOrCreate("openai", "gpt-test")
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.version > 0
	}, 2*time.Second, 5*time.Millisecond, "subscriber never applied the publisher's broadcast version")
}

func TestStartSubscriberNoopWithoutBroadcast(t *testing.T) {
	m := NewManager(BreakerConfig{FailureThreshold: 3, FailureWindow: time.Minute, RecoveryDelay: time.Second}, zerolog.Nop())
	m.StartSubscriber()
	require.NoError(t, m.StopSubscriber())
}
