package partition

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

var crc32Table = crc32.MakeTable(crc32.Castagnoli)

// CRC32Partitioner encodes the key values of a row into a buffer and takes
// its CRC32-C checksum modulo the number of partitions.
type CRC32Partitioner struct {
	numPartitions int
	keys          keyColumns

	buf []byte
}

var _ Partitioner = (*CRC32Partitioner)(nil)

func NewCRC32Partitioner(numPartitions int, keys ...string) *CRC32Partitioner {
	return &CRC32Partitioner{
		numPartitions: numPartitions,
		keys:          keyColumns{names: keys},
	}
}

// NewBucketPartitioner returns a partitioner mapping rows to one of
// numBuckets buckets. Buckets are assigned to channels with a bucket table.
func NewBucketPartitioner(numBuckets int, keys ...string) *CRC32Partitioner {
	return NewCRC32Partitioner(numBuckets, keys...)
}

func (p *CRC32Partitioner) Open(schema *arrow.Schema) error {
	if p.numPartitions <= 0 {
		return fmt.Errorf("invalid number of partitions %d", p.numPartitions)
	}
	return p.keys.open(schema)
}

func (p *CRC32Partitioner) NumPartitions() int { return p.numPartitions }

func (p *CRC32Partitioner) Clone() Partitioner {
	return &CRC32Partitioner{
		numPartitions: p.numPartitions,
		keys:          p.keys.clone(),
	}
}

func (p *CRC32Partitioner) Partition(r arrow.Record, dst []int) error {
	if err := checkDst(r, dst); err != nil {
		return err
	}
	cols, err := p.keys.columns(r)
	if err != nil {
		return err
	}

	m := uint32(p.numPartitions)
	for i := 0; i < int(r.NumRows()); i++ {
		p.buf = p.buf[:0]
		for _, col := range cols {
			p.buf, err = appendValue(p.buf, col, i)
			if err != nil {
				return err
			}
		}
		dst[i] = int(crc32.Update(0, crc32Table, p.buf) % m)
	}
	return nil
}

// appendValue appends an encoding of arr[i] to buf. Variable width values are
// length prefixed so that adjacent key columns cannot collide.
func appendValue(buf []byte, arr arrow.Array, i int) ([]byte, error) {
	if arr.IsNull(i) {
		return append(buf, 0), nil
	}
	buf = append(buf, 1)

	switch ar := arr.(type) {
	case *array.String:
		return appendBytes(buf, []byte(ar.Value(i))), nil
	case *array.LargeString:
		return appendBytes(buf, []byte(ar.Value(i))), nil
	case *array.Binary:
		return appendBytes(buf, ar.Value(i)), nil
	case *array.Boolean:
		if ar.Value(i) {
			return append(buf, 1), nil
		}
		return append(buf, 0), nil
	case *array.Int8:
		return append(buf, byte(ar.Value(i))), nil
	case *array.Int16:
		return binary.LittleEndian.AppendUint16(buf, uint16(ar.Value(i))), nil
	case *array.Int32:
		return binary.LittleEndian.AppendUint32(buf, uint32(ar.Value(i))), nil
	case *array.Int64:
		return binary.LittleEndian.AppendUint64(buf, uint64(ar.Value(i))), nil
	case *array.Uint8:
		return append(buf, ar.Value(i)), nil
	case *array.Uint16:
		return binary.LittleEndian.AppendUint16(buf, ar.Value(i)), nil
	case *array.Uint32:
		return binary.LittleEndian.AppendUint32(buf, ar.Value(i)), nil
	case *array.Uint64:
		return binary.LittleEndian.AppendUint64(buf, ar.Value(i)), nil
	case *array.Float32:
		return binary.LittleEndian.AppendUint32(buf, float32Bits(ar.Value(i))), nil
	case *array.Float64:
		return binary.LittleEndian.AppendUint64(buf, float64Bits(ar.Value(i))), nil
	case *array.Timestamp:
		return binary.LittleEndian.AppendUint64(buf, uint64(ar.Value(i))), nil
	case *array.Date32:
		return binary.LittleEndian.AppendUint32(buf, uint32(ar.Value(i))), nil
	case *array.Dictionary:
		switch dict := ar.Dictionary().(type) {
		case *array.Binary:
			return appendBytes(buf, dict.Value(ar.GetValueIndex(i))), nil
		case *array.String:
			return appendBytes(buf, []byte(dict.Value(ar.GetValueIndex(i)))), nil
		default:
			return nil, fmt.Errorf("%w: dictionary of %s", ErrUnsupportedType, dict.DataType())
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, arr.DataType())
	}
}

func appendBytes(buf, v []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(v)))
	return append(buf, v...)
}
