package engine

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/coder/quartz"
	"github.com/ethereum/go-ethereum/common"

	"github.com/lox/dilemmacell/internal/randutil"
)

// EntropySource supplies the value a new cell's round count is derived from.
// It is not a secret; participants can predict it.
type EntropySource interface {
	Entropy(creator common.Address) uint64
}

// ClockEntropy mixes the current time, a per-source sequence number and the
// creator's last address byte.
type ClockEntropy struct {
	clock quartz.Clock
	seq   atomic.Uint64
}

// NewClockEntropy returns a source reading clock.
func NewClockEntropy(clock quartz.Clock) *ClockEntropy {
	return &ClockEntropy{clock: clock}
}

func (c *ClockEntropy) Entropy(creator common.Address) uint64 {
	n := c.seq.Add(1)
	return n + uint64(c.clock.Now().Unix()) + uint64(creator[common.AddressLength-1])
}

// SeededEntropy draws from a deterministic generator, for demos and tests
// that need reproducible round counts.
type SeededEntropy struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSeededEntropy returns a source seeded with seed.
func NewSeededEntropy(seed int64) *SeededEntropy {
	return &SeededEntropy{rng: randutil.New(seed)}
}

func (s *SeededEntropy) Entropy(common.Address) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Uint64()
}
