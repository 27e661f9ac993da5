package benchmark

import (
	"math"
	mrand "math/rand"
	"sync/atomic"
)

// KeyDistribution controls how a KeyGenerator picks among NumKeys
// integer keys. Record keys in this engine are int64, unlike the
// variable-length byte-string keys in a hash index or LSM tree, so
// the generator works directly in key space rather than formatting
// and padding strings.
type KeyDistribution string

const (
	DistUniform    KeyDistribution = "uniform"    // all keys equally likely
	DistZipfian    KeyDistribution = "zipfian"    // hot/cold skew, 80/20-ish
	DistSequential KeyDistribution = "sequential" // monotonically increasing
	DistLatest     KeyDistribution = "latest"     // biased toward recently inserted keys
)

// KeyGenerator produces int64 keys in [0, NumKeys) according to a
// distribution, for driving a benchmark workload against an open
// table.
type KeyGenerator struct {
	numKeys      int
	distribution KeyDistribution
	rng          *mrand.Rand
	zipf         *mrand.Zipf
	seqCounter   atomic.Int64
}

func NewKeyGenerator(numKeys int, dist KeyDistribution, seed int64) *KeyGenerator {
	rng := mrand.New(mrand.NewSource(seed))
	kg := &KeyGenerator{numKeys: numKeys, distribution: dist, rng: rng}
	if dist == DistZipfian {
		kg.zipf = mrand.NewZipf(rng, 1.1, 1, uint64(numKeys-1))
	}
	return kg
}

// NextKey returns the next key for a read or write operation.
func (kg *KeyGenerator) NextKey() int64 {
	switch kg.distribution {
	case DistZipfian:
		return int64(kg.zipf.Uint64())
	case DistSequential:
		return kg.seqCounter.Add(1) % int64(kg.numKeys)
	case DistLatest:
		window := kg.numKeys / 10
		if window < 100 {
			window = 100
		}
		offset := int(math.Abs(kg.rng.NormFloat64()) * float64(window))
		k := kg.numKeys - 1 - offset
		if k < 0 {
			k = 0
		}
		return int64(k)
	default:
		return int64(kg.rng.Intn(kg.numKeys))
	}
}

// Sequential returns the nth key in insertion order, used during
// preload so the dataset populates 0..NumKeys-1 regardless of the
// workload's read/write distribution.
func (kg *KeyGenerator) Sequential(n int) int64 {
	return int64(n)
}
