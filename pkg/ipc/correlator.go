package ipc

import (
	"math/rand"

	"github.com/billm/m2mipc/internal/config"
)

// correlator draws correlation suffixes uniformly from [min, max)
type correlator struct {
	rnd      *rand.Rand
	min      int
	max      int
	attempts int
}

func newCorrelator(rnd *rand.Rand, cfg config.IPCConfig) *correlator {
	return &correlator{
		rnd:      rnd,
		min:      cfg.SuffixMin,
		max:      cfg.SuffixMax,
		attempts: cfg.MaxSuffixAttempts,
	}
}

// next returns a suffix. Callers hold the session lock, which also guards rnd.
func (c *correlator) next() int {
	return c.min + c.rnd.Intn(c.max-c.min)
}
