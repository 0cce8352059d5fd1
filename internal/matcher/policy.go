package matcher

import "time"

// Policy derives the expansion round and pool size from elapsed search time.
// Nothing here is persisted, so the result is the same on every tick and
// after a restart.
type Policy struct {
	RoundDuration      time.Duration
	InitialPoolSize    int
	ExpansionIncrement int
	MaxRounds          int
}

func DefaultPolicy() Policy {
	return Policy{
		RoundDuration:      30 * time.Second,
		InitialPoolSize:    15,
		ExpansionIncrement: 10,
		MaxRounds:          3,
	}
}

// Round is elapsed / RoundDuration, truncated. Negative elapsed (clock skew) is round 0.
func (p Policy) Round(elapsed time.Duration) int {
	if elapsed <= 0 || p.RoundDuration <= 0 {
		return 0
	}
	return int(elapsed / p.RoundDuration)
}

func (p Policy) PoolSize(round int) int {
	if round < 0 {
		round = 0
	}
	return p.InitialPoolSize + round*p.ExpansionIncrement
}

// TimedOut reports whether a request without offers should be abandoned.
func (p Policy) TimedOut(round int) bool {
	return round > p.MaxRounds
}
