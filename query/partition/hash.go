package partition

import (
	"encoding/binary"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-metro"
)

// nullHash is the hash of a null key value.
const nullHash = 0x6c62272e07bb0142

// HashPartitioner hashes every key column of a row into one 64-bit value and
// reduces it modulo the number of partitions.
type HashPartitioner struct {
	numPartitions int
	keys          keyColumns

	hashes    []uint64
	colHashes []uint64
}

var _ Partitioner = (*HashPartitioner)(nil)

func NewHashPartitioner(numPartitions int, keys ...string) *HashPartitioner {
	return &HashPartitioner{
		numPartitions: numPartitions,
		keys:          keyColumns{names: keys},
	}
}

func (p *HashPartitioner) Open(schema *arrow.Schema) error {
	if p.numPartitions <= 0 {
		return fmt.Errorf("invalid number of partitions %d", p.numPartitions)
	}
	return p.keys.open(schema)
}

func (p *HashPartitioner) NumPartitions() int { return p.numPartitions }

func (p *HashPartitioner) Clone() Partitioner {
	return &HashPartitioner{
		numPartitions: p.numPartitions,
		keys:          p.keys.clone(),
	}
}

func (p *HashPartitioner) Partition(r arrow.Record, dst []int) error {
	if err := checkDst(r, dst); err != nil {
		return err
	}
	cols, err := p.keys.columns(r)
	if err != nil {
		return err
	}

	n := int(r.NumRows())
	if cap(p.hashes) < n {
		p.hashes = make([]uint64, n)
		p.colHashes = make([]uint64, n)
	}
	hashes := p.hashes[:n]
	colHashes := p.colHashes[:n]
	for i := range hashes {
		hashes[i] = 0
	}

	for _, col := range cols {
		if err := HashArray(col, colHashes); err != nil {
			return err
		}
		for i, h := range colHashes {
			hashes[i] = combine(hashes[i], h)
		}
	}

	m := uint64(p.numPartitions)
	for i, h := range hashes {
		dst[i] = int(h % m)
	}
	return nil
}

func combine(seed, h uint64) uint64 {
	return seed ^ (h + 0x9e3779b97f4a7c15 + (seed << 6) + (seed >> 2))
}

// HashArray writes the hash of every value of arr into dst. Nulls hash to a
// fixed value.
func HashArray(arr arrow.Array, dst []uint64) error {
	if len(dst) < arr.Len() {
		return fmt.Errorf("hash buffer holds %d entries, array has %d values", len(dst), arr.Len())
	}

	switch ar := arr.(type) {
	case *array.String:
		hashBytesArray(ar, dst, func(i int) []byte { return []byte(ar.Value(i)) })
	case *array.LargeString:
		hashBytesArray(ar, dst, func(i int) []byte { return []byte(ar.Value(i)) })
	case *array.Binary:
		hashBytesArray(ar, dst, ar.Value)
	case *array.Boolean:
		hashBooleanArray(ar, dst)
	case *array.Int8:
		hashFixedArray(ar, dst, func(i int) uint64 { return uint64(ar.Value(i)) })
	case *array.Int16:
		hashFixedArray(ar, dst, func(i int) uint64 { return uint64(ar.Value(i)) })
	case *array.Int32:
		hashFixedArray(ar, dst, func(i int) uint64 { return uint64(ar.Value(i)) })
	case *array.Int64:
		hashFixedArray(ar, dst, func(i int) uint64 { return uint64(ar.Value(i)) })
	case *array.Uint8:
		hashFixedArray(ar, dst, func(i int) uint64 { return uint64(ar.Value(i)) })
	case *array.Uint16:
		hashFixedArray(ar, dst, func(i int) uint64 { return uint64(ar.Value(i)) })
	case *array.Uint32:
		hashFixedArray(ar, dst, func(i int) uint64 { return uint64(ar.Value(i)) })
	case *array.Uint64:
		hashFixedArray(ar, dst, ar.Value)
	case *array.Float32:
		hashFixedArray(ar, dst, func(i int) uint64 { return uint64(float32Bits(ar.Value(i))) })
	case *array.Float64:
		hashFixedArray(ar, dst, func(i int) uint64 { return float64Bits(ar.Value(i)) })
	case *array.Timestamp:
		hashFixedArray(ar, dst, func(i int) uint64 { return uint64(ar.Value(i)) })
	case *array.Date32:
		hashFixedArray(ar, dst, func(i int) uint64 { return uint64(ar.Value(i)) })
	case *array.Dictionary:
		return hashDictionaryArray(ar, dst)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedType, arr.DataType())
	}
	return nil
}

func hashFixedArray(arr arrow.Array, dst []uint64, value func(int) uint64) {
	var buf [8]byte
	for i := 0; i < arr.Len(); i++ {
		if arr.IsNull(i) {
			dst[i] = nullHash
			continue
		}
		binary.LittleEndian.PutUint64(buf[:], value(i))
		dst[i] = xxhash.Sum64(buf[:])
	}
}

func hashBytesArray(arr arrow.Array, dst []uint64, value func(int) []byte) {
	for i := 0; i < arr.Len(); i++ {
		if arr.IsNull(i) {
			dst[i] = nullHash
			continue
		}
		dst[i] = metro.Hash64(value(i), 0)
	}
}

func hashBooleanArray(arr *array.Boolean, dst []uint64) {
	for i := 0; i < arr.Len(); i++ {
		switch {
		case arr.IsNull(i):
			dst[i] = nullHash
		case arr.Value(i):
			dst[i] = 2
		default:
			dst[i] = 1
		}
	}
}

func hashDictionaryArray(arr *array.Dictionary, dst []uint64) error {
	var value func(int) []byte
	switch dict := arr.Dictionary().(type) {
	case *array.Binary:
		value = dict.Value
	case *array.String:
		value = func(i int) []byte { return []byte(dict.Value(i)) }
	default:
		return fmt.Errorf("%w: dictionary of %s", ErrUnsupportedType, dict.DataType())
	}
	for i := 0; i < arr.Len(); i++ {
		if arr.IsNull(i) {
			dst[i] = nullHash
			continue
		}
		dst[i] = metro.Hash64(value(arr.GetValueIndex(i)), 0)
	}
	return nil
}
