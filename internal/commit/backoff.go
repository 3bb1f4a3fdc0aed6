package commit

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/config"
)

// Backoff decides how long to wait before retry number attempt (1-based).
type Backoff interface {
	Delay(attempt int) time.Duration
}

// NoBackoff retries immediately.
type NoBackoff struct{}

func (NoBackoff) Delay(int) time.Duration { return 0 }

// ConstantBackoff waits the same interval before every retry.
type ConstantBackoff struct {
	Interval time.Duration
}

func (b ConstantBackoff) Delay(int) time.Duration { return b.Interval }

// ExponentialBackoff grows the delay by Multiplier per retry, capped at Max.
// Jitter in [0,1] randomizes that fraction of the delay.
type ExponentialBackoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	if b.Initial <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 2
	}
	d := float64(b.Initial) * math.Pow(mult, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	d = math.Min(d, math.MaxInt64)
	if j := math.Min(math.Max(b.Jitter, 0), 1); j > 0 {
		d = d*(1-j) + d*j*rand.Float64()
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// BackoffFromConfig builds the strategy named by cfg.Strategy.
func BackoffFromConfig(cfg config.Backoff) (Backoff, error) {
	switch strings.ToLower(cfg.Strategy) {
	case "", "none":
		return NoBackoff{}, nil
	case "constant":
		return ConstantBackoff{Interval: cfg.Initial.Duration}, nil
	case "exponential":
		return ExponentialBackoff{
			Initial:    cfg.Initial.Duration,
			Max:        cfg.Max.Duration,
			Multiplier: cfg.Multiplier,
			Jitter:     cfg.Jitter,
		}, nil
	default:
		return nil, fmt.Errorf("unknown backoff strategy %q", cfg.Strategy)
	}
}
