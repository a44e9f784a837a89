package batchutil

import (
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/meridianlabs/bitempo/internal/hashing"
	"github.com/meridianlabs/bitempo/internal/temporal"
)

// Segment carries the synthesized temporal values and fingerprint of
// one emitted row.
type Segment struct {
	From     time.Time
	To       time.Time
	AsOfFrom time.Time
	AsOfTo   time.Time
	Hash     string
}

// Assemble builds an output batch from the given source rows, writing
// the four temporal columns and value_hash from the parallel segment
// list and projecting every other column from the source. The source
// schema is preserved exactly.
func Assemble(src arrow.Record, rows []int, segs []Segment, mem memory.Allocator) (arrow.Record, error) {
	if len(rows) != len(segs) {
		return nil, fmt.Errorf("row and segment lists differ in length: %d vs %d", len(rows), len(segs))
	}

	schema := src.Schema()
	cols := make([]arrow.Array, schema.NumFields())
	defer func() {
		for _, c := range cols {
			if c != nil {
				c.Release()
			}
		}
	}()

	instants := make([]time.Time, len(segs))
	for i := range schema.NumFields() {
		field := schema.Field(i)
		var (
			col arrow.Array
			err error
		)
		switch field.Name {
		case ColEffectiveFrom:
			for j, s := range segs {
				instants[j] = s.From
			}
			col, err = temporal.NewArrayFrom(field.Type, instants, mem)
		case ColEffectiveTo:
			for j, s := range segs {
				instants[j] = s.To
			}
			col, err = temporal.NewArrayFrom(field.Type, instants, mem)
		case ColAsOfFrom:
			for j, s := range segs {
				instants[j] = s.AsOfFrom
			}
			col, err = temporal.NewArrayFrom(field.Type, instants, mem)
		case ColAsOfTo:
			for j, s := range segs {
				instants[j] = s.AsOfTo
			}
			col, err = temporal.NewArrayFrom(field.Type, instants, mem)
		case hashing.HashColumn:
			b := array.NewStringBuilder(mem)
			for _, s := range segs {
				b.Append(s.Hash)
			}
			col = b.NewArray()
			b.Release()
		default:
			col, err = Take(src.Column(i), rows, mem)
		}
		if err != nil {
			return nil, err
		}
		cols[i] = col
	}
	return array.NewRecord(schema, cols, int64(len(rows))), nil
}

// BuildExpired copies the expired current rows with as_of_to set to
// the batch timestamp. Every other column, including as_of_from and
// the effective interval, is carried unchanged.
func BuildExpired(current arrow.Record, rows []int, asOfTo time.Time, mem memory.Allocator) (arrow.Record, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("cannot build expired records batch from empty indices")
	}

	schema := current.Schema()
	cols := make([]arrow.Array, schema.NumFields())
	defer func() {
		for _, c := range cols {
			if c != nil {
				c.Release()
			}
		}
	}()
	for i := range schema.NumFields() {
		field := schema.Field(i)
		var (
			col arrow.Array
			err error
		)
		if field.Name == ColAsOfTo {
			col, err = temporal.NewArrayOf(field.Type, asOfTo, len(rows), mem)
		} else {
			col, err = Take(current.Column(i), rows, mem)
		}
		if err != nil {
			return nil, err
		}
		cols[i] = col
	}
	return array.NewRecord(schema, cols, int64(len(rows))), nil
}

// BuildTombstones synthesizes bounded copies of current rows: the
// effective interval is truncated at the system date, as_of_from is
// the supplied instant and as_of_to is open-ended. The caller filters
// out rows whose effective_from lies after the system date.
func BuildTombstones(current arrow.Record, rows []int, systemDate, asOfFrom time.Time, mem memory.Allocator) (arrow.Record, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("cannot build tombstone batch from empty indices")
	}

	schema := current.Schema()
	cols := make([]arrow.Array, schema.NumFields())
	defer func() {
		for _, c := range cols {
			if c != nil {
				c.Release()
			}
		}
	}()
	for i := range schema.NumFields() {
		field := schema.Field(i)
		var (
			col arrow.Array
			err error
		)
		switch field.Name {
		case ColEffectiveTo:
			col, err = temporal.NewArrayOf(field.Type, systemDate, len(rows), mem)
		case ColAsOfFrom:
			col, err = temporal.NewArrayOf(field.Type, asOfFrom, len(rows), mem)
		case ColAsOfTo:
			col, err = temporal.NewArrayOf(field.Type, temporal.Max, len(rows), mem)
		default:
			col, err = Take(current.Column(i), rows, mem)
		}
		if err != nil {
			return nil, err
		}
		cols[i] = col
	}
	return array.NewRecord(schema, cols, int64(len(rows))), nil
}
