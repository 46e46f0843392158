package dispatch

import "time"

// Config holds the dispatch tuning values.
type Config struct {
	OfferTTL     time.Duration
	SearchWindow time.Duration
	// BaseDelay doubles per attempt up to MaxDelay, then Jitter is applied.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// MinDelay is the floor for any scheduled round.
	MinDelay      time.Duration
	DeclineDelay  time.Duration
	Jitter        float64
	DeclineJitter float64
	// OffersPerRound caps how many drivers hold a live offer at once.
	OffersPerRound int
}

func DefaultConfig() Config {
	return Config{
		OfferTTL:       15 * time.Second,
		SearchWindow:   5 * time.Minute,
		BaseDelay:      2 * time.Second,
		MaxDelay:       30 * time.Second,
		MinDelay:       500 * time.Millisecond,
		DeclineDelay:   time.Second,
		Jitter:         0.2,
		DeclineJitter:  0.4,
		OffersPerRound: 3,
	}
}

// RetryDelay is the wait before the next round after attempts unanswered rounds.
func (c Config) RetryDelay(attempts int, rnd float64) time.Duration {
	return Backoff(attempts, c.BaseDelay, c.MaxDelay, c.MinDelay, c.Jitter, rnd)
}

// DeclineRedispatchDelay is the shorter wait after an explicit decline.
func (c Config) DeclineRedispatchDelay(rnd float64) time.Duration {
	return clampFloor(applyJitter(c.DeclineDelay, c.DeclineJitter, rnd), c.MinDelay)
}

// Backoff returns min(base*2^(attempts-1), max) scaled by a jitter factor in
// [1-jitter, 1+jitter] chosen by rnd in [0,1), never below floor.
func Backoff(attempts int, base, max, floor time.Duration, jitter, rnd float64) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		if max > 0 && d >= max {
			break
		}
		d *= 2
	}
	if max > 0 && d > max {
		d = max
	}
	return clampFloor(applyJitter(d, jitter, rnd), floor)
}

func applyJitter(d time.Duration, jitter, rnd float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	factor := 1 + jitter*(2*rnd-1)
	return time.Duration(float64(d) * factor)
}

func clampFloor(d, floor time.Duration) time.Duration {
	if d < floor {
		return floor
	}
	return d
}
