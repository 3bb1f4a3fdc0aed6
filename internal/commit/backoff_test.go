package commit

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/config"
)

func TestExponentialBackoff(t *testing.T) {
	b := ExponentialBackoff{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Multiplier: 2}
	assert.Equal(t, 10*time.Millisecond, b.Delay(1))
	assert.Equal(t, 20*time.Millisecond, b.Delay(2))
	assert.Equal(t, 40*time.Millisecond, b.Delay(3))
	assert.Equal(t, 50*time.Millisecond, b.Delay(4))
	assert.Equal(t, 50*time.Millisecond, b.Delay(30))
}

func TestExponentialBackoffUncappedSaturates(t *testing.T) {
	b := ExponentialBackoff{Initial: time.Second, Multiplier: 10}
	assert.Equal(t, time.Duration(math.MaxInt64), b.Delay(100))
	assert.Equal(t, time.Duration(math.MaxInt64), b.Delay(5000))

	jittered := ExponentialBackoff{Initial: time.Second, Multiplier: 10, Jitter: 1}
	for i := 0; i < 20; i++ {
		assert.GreaterOrEqual(t, jittered.Delay(100), time.Duration(0))
	}

	assert.Equal(t, time.Duration(0), ExponentialBackoff{Multiplier: 10}.Delay(5000))
}

func TestExponentialBackoffJitterStaysInRange(t *testing.T) {
	b := ExponentialBackoff{Initial: 100 * time.Millisecond, Multiplier: 2, Jitter: 0.5}
	for i := 0; i < 100; i++ {
		d := b.Delay(1)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 100*time.Millisecond)
	}
}

func TestBackoffFromConfig(t *testing.T) {
	b, err := BackoffFromConfig(config.Backoff{Strategy: "none"})
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), b.Delay(3))

	b, err = BackoffFromConfig(config.Backoff{Strategy: "constant", Initial: config.Duration{Duration: time.Second}})
	require.NoError(t, err)
	assert.Equal(t, time.Second, b.Delay(7))

	b, err = BackoffFromConfig(config.Default().Commit.Backoff)
	require.NoError(t, err)
	assert.IsType(t, ExponentialBackoff{}, b)

	_, err = BackoffFromConfig(config.Backoff{Strategy: "random"})
	assert.Error(t, err)
}
