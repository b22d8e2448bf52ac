package lsm

import (
	"encoding/binary"
	"hash/fnv"
	"math"
)

// BloomFilter is a fixed-capacity probabilistic set keyed by an int64
// timestamp (spec.md §4.1). No false negatives; false-positive rate rises
// monotonically with load, so callers must size it for the expected entry
// count at construction time.
type BloomFilter struct {
	bits      []uint64 // bit-packed, 64 bits per word
	m         uint64   // number of bits
	k         uint32   // number of hash functions
}

// NewBloomFilter sizes a filter for expectedEntries keys at bitsPerKey bits
// of filter per key (the teacher's falsePositiveRate parameterization is
// reframed here as bits-per-key, the parameterization spec.md §4.1 names).
func NewBloomFilter(expectedEntries int, bitsPerKey float64) *BloomFilter {
	if expectedEntries <= 0 {
		expectedEntries = 1
	}
	if bitsPerKey <= 0 {
		bitsPerKey = 10 // ~1% FPR at k=ln(2)*bitsPerKey
	}

	m := uint64(math.Ceil(float64(expectedEntries) * bitsPerKey))
	if m < 64 {
		m = 64
	}
	k := uint32(math.Round(bitsPerKey * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}

	words := (m + 63) / 64
	return &BloomFilter{
		bits: make([]uint64, words),
		m:    words * 64,
		k:    k,
	}
}

func (bf *BloomFilter) hashes(ts int64) (h1, h2 uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(ts))

	f1 := fnv.New64a()
	f1.Write(buf[:])
	h1 = f1.Sum64()

	f2 := fnv.New64a()
	f2.Write(buf[:])
	f2.Write([]byte{0xFF})
	h2 = f2.Sum64()
	if h2%2 == 0 {
		h2++
	}
	return h1, h2
}

// Insert adds a timestamp key to the filter.
func (bf *BloomFilter) Insert(ts int64) {
	h1, h2 := bf.hashes(ts)
	for i := uint32(0); i < bf.k; i++ {
		bit := (h1 + uint64(i)*h2) % bf.m
		bf.bits[bit/64] |= 1 << (bit % 64)
	}
}

// Contains reports "definitely absent" (false) or "possibly present" (true).
func (bf *BloomFilter) Contains(ts int64) bool {
	h1, h2 := bf.hashes(ts)
	for i := uint32(0); i < bf.k; i++ {
		bit := (h1 + uint64(i)*h2) % bf.m
		if bf.bits[bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}

// M returns the number of bits in the filter.
func (bf *BloomFilter) M() uint64 { return bf.m }

// K returns the number of hash functions.
func (bf *BloomFilter) K() uint32 { return bf.k }

// EstimateFalsePositiveRate estimates the current FPR given itemCount
// inserted keys: p = (1 - e^(-k*n/m))^k.
func (bf *BloomFilter) EstimateFalsePositiveRate(itemCount int) float64 {
	k := float64(bf.k)
	n := float64(itemCount)
	m := float64(bf.m)
	return math.Pow(1.0-math.Exp(-k*n/m), k)
}

// MarshalBinary serializes m, k, and the bit array per spec.md §6.2's
// [Bloom] section: m: u64, k: u32, bits: ceil(m/8) bytes.
func (bf *BloomFilter) MarshalBinary() []byte {
	byteCount := (bf.m + 7) / 8
	out := make([]byte, 8+4+byteCount)
	binary.LittleEndian.PutUint64(out[0:8], bf.m)
	binary.LittleEndian.PutUint32(out[8:12], bf.k)
	for i, word := range bf.bits {
		var wb [8]byte
		binary.LittleEndian.PutUint64(wb[:], word)
		off := 12 + i*8
		n := copy(out[off:], wb[:])
		if n < 8 {
			break
		}
	}
	return out
}

// UnmarshalBloomFilter deserializes a filter written by MarshalBinary.
func UnmarshalBloomFilter(data []byte) (*BloomFilter, error) {
	if len(data) < 12 {
		return nil, errShortBloom
	}
	m := binary.LittleEndian.Uint64(data[0:8])
	k := binary.LittleEndian.Uint32(data[8:12])
	words := (m + 63) / 64
	bits := make([]uint64, words)
	body := data[12:]
	for i := range bits {
		off := i * 8
		if off+8 > len(body) {
			var wb [8]byte
			copy(wb[:], body[off:])
			bits[i] = binary.LittleEndian.Uint64(wb[:])
			break
		}
		bits[i] = binary.LittleEndian.Uint64(body[off : off+8])
	}
	return &BloomFilter{bits: bits, m: words * 64, k: k}, nil
}

var errShortBloom = bloomError("truncated bloom filter payload")

type bloomError string

func (e bloomError) Error() string { return string(e) }
