package launcher

import (
	"hash/fnv"
	"math/rand"
	"time"
)

// JitterSource provides deterministic, per-agent jitter values.
// Seeding by agent name keeps agents at stable relative offsets across
// restarts, so a fleet restarted together does not stay synchronized.
type JitterSource struct {
	configSeed int64
}

// NewJitterSource creates a new jitter source with the given config seed.
func NewJitterSource(configSeed int64) *JitterSource {
	return &JitterSource{configSeed: configSeed}
}

// NewJitterSourceFromTime creates a jitter source seeded from the current time.
func NewJitterSourceFromTime() *JitterSource {
	return NewJitterSource(time.Now().UnixNano())
}

// ForAgent returns a random number generator seeded for the named agent.
// The same name always produces the same sequence for a given config seed.
func (j *JitterSource) ForAgent(name string) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(name))
	seed := int64(h.Sum64()) ^ j.configSeed
	return rand.New(rand.NewSource(seed))
}

// AgentJitter returns a start delay for the named agent within [0, maxJitter).
func (j *JitterSource) AgentJitter(name string, maxJitter time.Duration) time.Duration {
	if maxJitter <= 0 {
		return 0
	}
	return time.Duration(j.ForAgent(name).Int63n(int64(maxJitter)))
}
