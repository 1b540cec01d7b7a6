// Package records contains helpers to cut and stitch arrow records as they
// move between exchange queues.
package records

import (
	"fmt"

	"github.com/RoaringBitmap/roaring"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/arrow/util"
)

// Size returns the byte estimate of r used for memory accounting. Slices
// report the size of the buffers they reference.
func Size(r arrow.Record) int64 {
	if r == nil {
		return 0
	}
	return util.TotalRecordSize(r)
}

type IndexRange struct {
	Start uint32
	End   uint32
}

// BuildIndexRanges returns a set of contiguous index ranges from the given
// sorted indices. ex: [1,2,7,8,9] would return [{Start:1, End:3},{Start:7,End:10}]
func BuildIndexRanges(indices []uint32) []IndexRange {
	if len(indices) == 0 {
		return nil
	}

	ranges := []IndexRange{}
	cur := IndexRange{
		Start: indices[0],
		End:   indices[0] + 1,
	}

	for _, i := range indices[1:] {
		if i == cur.End {
			cur.End++
		} else {
			ranges = append(ranges, cur)
			cur = IndexRange{
				Start: i,
				End:   i + 1,
			}
		}
	}

	return append(ranges, cur)
}

// Take returns a record holding only the rows of r selected by rows, in
// ascending row order. A selection that forms a single contiguous range is
// returned as a zero-copy slice. The returned record must be released by the
// caller.
func Take(pool memory.Allocator, r arrow.Record, rows *roaring.Bitmap) (arrow.Record, error) {
	if rows.IsEmpty() {
		return nil, fmt.Errorf("records: empty row selection")
	}
	if last := rows.Maximum(); int64(last) >= r.NumRows() {
		return nil, fmt.Errorf("records: row %d out of range for record with %d rows", last, r.NumRows())
	}

	ranges := BuildIndexRanges(rows.ToArray())
	if len(ranges) == 1 {
		return r.NewSlice(int64(ranges[0].Start), int64(ranges[0].End)), nil
	}

	totalRows := int64(0)
	recordRanges := make([]arrow.Record, len(ranges))
	for j, rng := range ranges {
		recordRanges[j] = r.NewSlice(int64(rng.Start), int64(rng.End))
		totalRows += int64(rng.End - rng.Start)
	}
	defer func() {
		for _, rr := range recordRanges {
			rr.Release()
		}
	}()

	return concatColumns(pool, r.Schema(), recordRanges, totalRows)
}

// Concat stitches records sharing a schema into a single record. A single
// input is retained and returned as is. The returned record must be released
// by the caller.
func Concat(pool memory.Allocator, recs []arrow.Record) (arrow.Record, error) {
	switch len(recs) {
	case 0:
		return nil, nil
	case 1:
		recs[0].Retain()
		return recs[0], nil
	}

	schema := recs[0].Schema()
	totalRows := int64(0)
	for _, r := range recs {
		if !r.Schema().Equal(schema) {
			return nil, fmt.Errorf("records: cannot concatenate records with different schemas: %s and %s", schema, r.Schema())
		}
		totalRows += r.NumRows()
	}

	return concatColumns(pool, schema, recs, totalRows)
}

func concatColumns(pool memory.Allocator, schema *arrow.Schema, recs []arrow.Record, totalRows int64) (arrow.Record, error) {
	cols := make([]arrow.Array, schema.NumFields())
	defer func() {
		for _, col := range cols {
			if col != nil {
				col.Release()
			}
		}
	}()

	colParts := make([]arrow.Array, len(recs))
	for i := range cols {
		for j, r := range recs {
			colParts[j] = r.Column(i)
		}

		var err error
		cols[i], err = array.Concatenate(colParts, pool)
		if err != nil {
			return nil, err
		}
	}

	return array.NewRecord(schema, cols, totalRows), nil
}
