package sim

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
)

// SimulationFault is an invalid state transition. It is fatal to the branch
// being simulated and nothing else.
type SimulationFault struct {
	Tick     int
	Resource string
	Reason   string
}

func (f *SimulationFault) Error() string {
	return fmt.Sprintf("simulation fault at tick %d on %s: %s", f.Tick, f.Resource, f.Reason)
}

// NewRand returns a PCG source seeded from the scenario seed and any number of
// labels (plan id, branch kind, ...). Equal inputs give equal streams.
func NewRand(seed uint64, labels ...string) *rand.Rand {
	h := sha256.New()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seed)
	h.Write(buf[:])
	for _, l := range labels {
		h.Write([]byte{0})
		h.Write([]byte(l))
	}
	sum := h.Sum(nil)
	return rand.New(rand.NewPCG(binary.BigEndian.Uint64(sum[:8]), binary.BigEndian.Uint64(sum[8:16])))
}

// SeedOf returns the first 64 bits of the seed derivation, for reporting.
func SeedOf(seed uint64, labels ...string) uint64 {
	return NewRand(seed, labels...).Uint64()
}
