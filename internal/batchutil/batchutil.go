// Package batchutil assembles output record batches from selected
// source rows plus synthesized temporal and hash columns, and carries
// the post-processing passes over emitted batches.
//
// Assembly preserves the source schema exactly, including timestamp
// precision and timezone tags. Row projection dispatches once per
// column on element type; exotic types fall back to a slice-and-concat
// path.
package batchutil

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Names of the four required temporal columns.
const (
	ColEffectiveFrom = "effective_from"
	ColEffectiveTo   = "effective_to"
	ColAsOfFrom      = "as_of_from"
	ColAsOfTo        = "as_of_to"
)

// TemporalColumns lists the required temporal columns in schema-check
// order.
var TemporalColumns = []string{ColEffectiveFrom, ColEffectiveTo, ColAsOfFrom, ColAsOfTo}

// Column resolves a column of a record batch by field name.
func Column(rec arrow.Record, name string) (arrow.Array, error) {
	idxs := rec.Schema().FieldIndices(name)
	if len(idxs) == 0 {
		return nil, fmt.Errorf("column %q not found in record batch", name)
	}
	return rec.Column(idxs[0]), nil
}

// Take projects the given rows of one column into a new array. Common
// element types go through a typed builder; anything else takes the
// slice-and-concat path.
func Take(col arrow.Array, rows []int, mem memory.Allocator) (arrow.Array, error) {
	switch a := col.(type) {
	case *array.String:
		b := array.NewStringBuilder(mem)
		defer b.Release()
		for _, row := range rows {
			if a.IsNull(row) {
				b.AppendNull()
			} else {
				b.Append(a.Value(row))
			}
		}
		return b.NewArray(), nil
	case *array.Int8:
		b := array.NewInt8Builder(mem)
		defer b.Release()
		for _, row := range rows {
			if a.IsNull(row) {
				b.AppendNull()
			} else {
				b.Append(a.Value(row))
			}
		}
		return b.NewArray(), nil
	case *array.Int16:
		b := array.NewInt16Builder(mem)
		defer b.Release()
		for _, row := range rows {
			if a.IsNull(row) {
				b.AppendNull()
			} else {
				b.Append(a.Value(row))
			}
		}
		return b.NewArray(), nil
	case *array.Int32:
		b := array.NewInt32Builder(mem)
		defer b.Release()
		for _, row := range rows {
			if a.IsNull(row) {
				b.AppendNull()
			} else {
				b.Append(a.Value(row))
			}
		}
		return b.NewArray(), nil
	case *array.Int64:
		b := array.NewInt64Builder(mem)
		defer b.Release()
		for _, row := range rows {
			if a.IsNull(row) {
				b.AppendNull()
			} else {
				b.Append(a.Value(row))
			}
		}
		return b.NewArray(), nil
	case *array.Float32:
		b := array.NewFloat32Builder(mem)
		defer b.Release()
		for _, row := range rows {
			if a.IsNull(row) {
				b.AppendNull()
			} else {
				b.Append(a.Value(row))
			}
		}
		return b.NewArray(), nil
	case *array.Float64:
		b := array.NewFloat64Builder(mem)
		defer b.Release()
		for _, row := range rows {
			if a.IsNull(row) {
				b.AppendNull()
			} else {
				b.Append(a.Value(row))
			}
		}
		return b.NewArray(), nil
	case *array.Boolean:
		b := array.NewBooleanBuilder(mem)
		defer b.Release()
		for _, row := range rows {
			if a.IsNull(row) {
				b.AppendNull()
			} else {
				b.Append(a.Value(row))
			}
		}
		return b.NewArray(), nil
	case *array.Date32:
		b := array.NewDate32Builder(mem)
		defer b.Release()
		for _, row := range rows {
			if a.IsNull(row) {
				b.AppendNull()
			} else {
				b.Append(a.Value(row))
			}
		}
		return b.NewArray(), nil
	case *array.Date64:
		b := array.NewDate64Builder(mem)
		defer b.Release()
		for _, row := range rows {
			if a.IsNull(row) {
				b.AppendNull()
			} else {
				b.Append(a.Value(row))
			}
		}
		return b.NewArray(), nil
	case *array.Timestamp:
		b := array.NewTimestampBuilder(mem, a.DataType().(*arrow.TimestampType))
		defer b.Release()
		for _, row := range rows {
			if a.IsNull(row) {
				b.AppendNull()
			} else {
				b.Append(a.Value(row))
			}
		}
		return b.NewArray(), nil
	}

	// Slice-and-concat fallback for unusual element types.
	parts := make([]arrow.Array, 0, len(rows))
	defer func() {
		for _, p := range parts {
			p.Release()
		}
	}()
	for _, row := range rows {
		parts = append(parts, array.NewSlice(col, int64(row), int64(row+1)))
	}
	out, err := array.Concatenate(parts, mem)
	if err != nil {
		return nil, fmt.Errorf("failed to project column %s: %w", col.DataType(), err)
	}
	return out, nil
}

// TakeRows projects the given rows of a batch verbatim into a new
// batch with the same schema.
func TakeRows(rec arrow.Record, rows []int, mem memory.Allocator) (arrow.Record, error) {
	cols := make([]arrow.Array, rec.NumCols())
	defer func() {
		for _, c := range cols {
			if c != nil {
				c.Release()
			}
		}
	}()
	for i := range cols {
		col, err := Take(rec.Column(i), rows, mem)
		if err != nil {
			return nil, err
		}
		cols[i] = col
	}
	return array.NewRecord(rec.Schema(), cols, int64(len(rows))), nil
}

// SchemasCompatible reports whether two schemas can be concatenated,
// comparing field names, types and nullability and ignoring metadata.
func SchemasCompatible(a, b *arrow.Schema) bool {
	if a.NumFields() != b.NumFields() {
		return false
	}
	for i := range a.NumFields() {
		fa, fb := a.Field(i), b.Field(i)
		if fa.Name != fb.Name || !arrow.TypeEqual(fa.Type, fb.Type) || fa.Nullable != fb.Nullable {
			return false
		}
	}
	return true
}

// cleanSchema strips schema and field metadata so concatenation does
// not trip over provenance annotations.
func cleanSchema(s *arrow.Schema) *arrow.Schema {
	fields := make([]arrow.Field, s.NumFields())
	for i := range fields {
		f := s.Field(i)
		fields[i] = arrow.Field{Name: f.Name, Type: f.Type, Nullable: f.Nullable}
	}
	return arrow.NewSchema(fields, nil)
}

// Concat concatenates batches of compatible schemas into one batch.
func Concat(batches []arrow.Record, mem memory.Allocator) (arrow.Record, error) {
	if len(batches) == 0 {
		return nil, fmt.Errorf("cannot concatenate zero record batches")
	}
	if len(batches) == 1 {
		batches[0].Retain()
		return batches[0], nil
	}
	schema := cleanSchema(batches[0].Schema())
	for _, b := range batches[1:] {
		if !SchemasCompatible(schema, b.Schema()) {
			return nil, fmt.Errorf("schema mismatch in record batch concatenation")
		}
	}

	var total int64
	for _, b := range batches {
		total += b.NumRows()
	}
	cols := make([]arrow.Array, schema.NumFields())
	defer func() {
		for _, c := range cols {
			if c != nil {
				c.Release()
			}
		}
	}()
	for i := range cols {
		parts := make([]arrow.Array, len(batches))
		for j, b := range batches {
			parts[j] = b.Column(i)
		}
		col, err := array.Concatenate(parts, mem)
		if err != nil {
			return nil, fmt.Errorf("failed to concatenate column %s: %w", schema.Field(i).Name, err)
		}
		cols[i] = col
	}
	return array.NewRecord(schema, cols, total), nil
}
