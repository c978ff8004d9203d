package nickname

import "github.com/cespare/xxhash/v2"

// DefaultBloomMask sizes the filter at 8192 bits.
const DefaultBloomMask = 0x1FFF

// bloomFilter is a single-hash bit set used to rule out names that have no
// nickname cluster. It is written only while being built.
type bloomFilter struct {
	mask uint64
	bits []uint64
}

func newBloomFilter(mask uint64) *bloomFilter {
	return &bloomFilter{
		mask: mask,
		bits: make([]uint64, mask/64+1),
	}
}

func (b *bloomFilter) add(name string) {
	bit := xxhash.Sum64String(name) & b.mask
	b.bits[bit/64] |= 1 << (bit % 64)
}

func (b *bloomFilter) mayContain(name string) bool {
	bit := xxhash.Sum64String(name) & b.mask
	return b.bits[bit/64]&(1<<(bit%64)) != 0
}
