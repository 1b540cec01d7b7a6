// Package partition maps rows of an arrow record to channel indices.
package partition

import (
	"errors"
	"fmt"
	"math"

	"github.com/apache/arrow-go/v18/arrow"
)

var (
	ErrKeyColumnNotFound = errors.New("partition key column not found")
	ErrUnsupportedType   = errors.New("unsupported partition key type")
)

// Partitioner assigns every row of a record to a partition in
// [0, NumPartitions()). The same key values always map to the same partition.
// A Partitioner keeps scratch buffers and must not be shared between
// goroutines; use Clone to get one per sink.
type Partitioner interface {
	// Open resolves the key columns against schema.
	Open(schema *arrow.Schema) error
	// Partition writes the partition of row i of r into dst[i]. dst must hold
	// at least r.NumRows() entries.
	Partition(r arrow.Record, dst []int) error
	NumPartitions() int
	Clone() Partitioner
}

// PartitionRow returns the partition of a single row of r.
func PartitionRow(p Partitioner, r arrow.Record, row int) (int, error) {
	if row < 0 || int64(row) >= r.NumRows() {
		return 0, fmt.Errorf("row %d out of range for record with %d rows", row, r.NumRows())
	}
	slice := r.NewSlice(int64(row), int64(row)+1)
	defer slice.Release()

	dst := [1]int{}
	if err := p.Partition(slice, dst[:]); err != nil {
		return 0, err
	}
	return dst[0], nil
}

// keyColumns resolves column names to indices for a set of partition keys.
type keyColumns struct {
	names  []string
	idx    []int
	schema *arrow.Schema
}

func (k *keyColumns) open(schema *arrow.Schema) error {
	if len(k.names) == 0 {
		return fmt.Errorf("%w: no key columns configured", ErrKeyColumnNotFound)
	}
	idx := make([]int, 0, len(k.names))
	for _, name := range k.names {
		indices := schema.FieldIndices(name)
		if len(indices) == 0 {
			return fmt.Errorf("%w: %q", ErrKeyColumnNotFound, name)
		}
		idx = append(idx, indices[0])
	}
	k.idx = idx
	k.schema = schema
	return nil
}

// columns returns the key columns of r, opening against r's schema on first
// use or when the schema changed.
func (k *keyColumns) columns(r arrow.Record) ([]arrow.Array, error) {
	if k.schema == nil || (k.schema != r.Schema() && !k.schema.Equal(r.Schema())) {
		if err := k.open(r.Schema()); err != nil {
			return nil, err
		}
	}
	cols := make([]arrow.Array, len(k.idx))
	for i, idx := range k.idx {
		cols[i] = r.Column(idx)
	}
	return cols, nil
}

func (k keyColumns) clone() keyColumns {
	return keyColumns{names: append([]string(nil), k.names...)}
}

func checkDst(r arrow.Record, dst []int) error {
	if int64(len(dst)) < r.NumRows() {
		return fmt.Errorf("partition buffer holds %d entries, record has %d rows", len(dst), r.NumRows())
	}
	return nil
}

// float64Bits returns the bits of v with -0 folded into +0 and every NaN
// folded into one, so that equal keys hash alike.
func float64Bits(v float64) uint64 {
	switch {
	case v == 0:
		return 0
	case math.IsNaN(v):
		return math.Float64bits(math.NaN())
	}
	return math.Float64bits(v)
}

func float32Bits(v float32) uint32 {
	switch {
	case v == 0:
		return 0
	case math.IsNaN(float64(v)):
		return math.Float32bits(float32(math.NaN()))
	}
	return math.Float32bits(v)
}
