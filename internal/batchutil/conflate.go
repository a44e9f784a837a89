package batchutil

import (
	"fmt"
	"sort"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/meridianlabs/bitempo/internal/hashing"
	"github.com/meridianlabs/bitempo/internal/partition"
	"github.com/meridianlabs/bitempo/internal/temporal"
)

// singleRow is the dedup/conflation view of a one-row batch.
type singleRow struct {
	idKey string
	from  time.Time
	to    time.Time
	hash  string
	rec   arrow.Record
}

func readSingleRow(rec arrow.Record, idColumns []string) (singleRow, error) {
	ids, err := partition.IDArrays(rec, idColumns)
	if err != nil {
		return singleRow{}, err
	}
	key, err := partition.AppendKey(nil, ids, 0)
	if err != nil {
		return singleRow{}, err
	}
	fromCol, err := Column(rec, ColEffectiveFrom)
	if err != nil {
		return singleRow{}, err
	}
	toCol, err := Column(rec, ColEffectiveTo)
	if err != nil {
		return singleRow{}, err
	}
	from, err := temporal.Extract(fromCol, 0)
	if err != nil {
		return singleRow{}, err
	}
	to, err := temporal.Extract(toCol, 0)
	if err != nil {
		return singleRow{}, err
	}
	hashes, err := hashing.Hashes(rec)
	if err != nil {
		return singleRow{}, err
	}
	return singleRow{idKey: string(key), from: from, to: to, hash: hashes.Value(0), rec: rec}, nil
}

// Dedup collapses emitted single-row batches that agree on identity
// key, effective interval and value hash. Identity participates in the
// key: rows with equal values under different identities are distinct.
// Multi-row batches pass through untouched.
func Dedup(batches []arrow.Record, idColumns []string) ([]arrow.Record, error) {
	if len(batches) <= 1 {
		return batches, nil
	}

	singles := make([]singleRow, 0, len(batches))
	var passthrough []arrow.Record
	for _, b := range batches {
		if b.NumRows() != 1 {
			passthrough = append(passthrough, b)
			continue
		}
		row, err := readSingleRow(b, idColumns)
		if err != nil {
			return nil, err
		}
		singles = append(singles, row)
	}

	sort.SliceStable(singles, func(i, j int) bool {
		a, b := singles[i], singles[j]
		if !a.from.Equal(b.from) {
			return a.from.Before(b.from)
		}
		if !a.to.Equal(b.to) {
			return a.to.Before(b.to)
		}
		if a.hash != b.hash {
			return a.hash < b.hash
		}
		return a.idKey < b.idKey
	})

	out := make([]arrow.Record, 0, len(batches))
	for i, row := range singles {
		if i > 0 {
			prev := singles[i-1]
			if prev.from.Equal(row.from) && prev.to.Equal(row.to) && prev.hash == row.hash && prev.idKey == row.idKey {
				continue
			}
		}
		out = append(out, row.rec)
	}
	return append(out, passthrough...), nil
}

// ConflateNeighbors merges consecutive single-row batches that share
// identity and value hash and whose effective intervals are exactly
// adjacent, extending the earlier batch's effective_to.
func ConflateNeighbors(batches []arrow.Record, idColumns []string, mem memory.Allocator) ([]arrow.Record, error) {
	if len(batches) <= 1 {
		return batches, nil
	}

	type entry struct {
		single singleRow
		isRow  bool
		rec    arrow.Record
		from   time.Time
	}
	entries := make([]entry, 0, len(batches))
	for _, b := range batches {
		if b.NumRows() == 1 {
			row, err := readSingleRow(b, idColumns)
			if err != nil {
				return nil, err
			}
			entries = append(entries, entry{single: row, isRow: true, rec: b, from: row.from})
			continue
		}
		fromCol, err := Column(b, ColEffectiveFrom)
		if err != nil {
			return nil, err
		}
		from, err := temporal.Extract(fromCol, 0)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry{rec: b, from: from})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].from.Before(entries[j].from)
	})

	out := make([]arrow.Record, 0, len(entries))
	cur := entries[0]
	for _, next := range entries[1:] {
		if cur.isRow && next.isRow &&
			cur.single.idKey == next.single.idKey &&
			cur.single.hash == next.single.hash &&
			cur.single.to.Equal(next.single.from) {
			merged, err := ExtendTo(cur.rec, next.single.to, mem)
			if err != nil {
				return nil, err
			}
			cur.rec = merged
			cur.single.rec = merged
			cur.single.to = next.single.to
			continue
		}
		out = append(out, cur.rec)
		cur = next
	}
	return append(out, cur.rec), nil
}

// ExtendTo rebuilds a batch with effective_to replaced by the given
// instant at the column's own precision and timezone.
func ExtendTo(rec arrow.Record, to time.Time, mem memory.Allocator) (arrow.Record, error) {
	schema := rec.Schema()
	cols := make([]arrow.Array, schema.NumFields())
	for i := range schema.NumFields() {
		field := schema.Field(i)
		if field.Name == ColEffectiveTo {
			col, err := temporal.NewArrayOf(field.Type, to, int(rec.NumRows()), mem)
			if err != nil {
				return nil, err
			}
			defer col.Release()
			cols[i] = col
			continue
		}
		cols[i] = rec.Column(i)
	}
	return array.NewRecord(schema, cols, rec.NumRows()), nil
}

// Consolidate concatenates batches of compatible schemas into chunks
// of roughly targetRows rows. When any batch's schema is incompatible
// with the first batch's, or every batch already holds more than 1000
// rows, all batches are returned untouched; compatible batches are not
// grouped apart from incompatible ones.
func Consolidate(batches []arrow.Record, targetRows int, mem memory.Allocator) ([]arrow.Record, error) {
	if len(batches) <= 1 {
		return batches, nil
	}

	allLarge := true
	for _, b := range batches {
		if int(b.NumRows()) <= 1000 {
			allLarge = false
			break
		}
	}
	if allLarge {
		return batches, nil
	}

	first := batches[0].Schema()
	for _, b := range batches[1:] {
		if !SchemasCompatible(first, b.Schema()) {
			return batches, nil
		}
	}

	table, err := Concat(batches, mem)
	if err != nil {
		return nil, fmt.Errorf("failed to consolidate batches: %w", err)
	}

	total := int(table.NumRows())
	if total <= targetRows {
		return []arrow.Record{table}, nil
	}
	var out []arrow.Record
	for offset := 0; offset < total; offset += targetRows {
		length := min(targetRows, total-offset)
		out = append(out, table.NewSlice(int64(offset), int64(offset+length)))
	}
	return out, nil
}

// ConflateInputs merges consecutive incoming rows of the same identity
// and value hash whose effective intervals are exactly adjacent,
// before processing. The earlier row of each run survives with its
// effective_to extended.
func ConflateInputs(updates arrow.Record, idColumns []string, mem memory.Allocator) (arrow.Record, error) {
	n := int(updates.NumRows())
	if n <= 1 {
		return updates, nil
	}

	ids, err := partition.IDArrays(updates, idColumns)
	if err != nil {
		return nil, err
	}
	hashes, err := hashing.Hashes(updates)
	if err != nil {
		return nil, err
	}
	cols := make(map[string]arrow.Array, 4)
	for _, name := range TemporalColumns {
		col, err := Column(updates, name)
		if err != nil {
			return nil, err
		}
		cols[name] = col
	}

	keys := make([]string, n)
	buf := make([]byte, 0, 64)
	for row := range n {
		buf = buf[:0]
		buf, err = partition.AppendKey(buf, ids, row)
		if err != nil {
			return nil, err
		}
		keys[row] = string(buf)
	}

	extract := func(name string, row int) (time.Time, error) {
		return temporal.Extract(cols[name], row)
	}

	rows := make([]int, 0, n)
	segs := make([]Segment, 0, n)
	merges := 0
	for row := 0; row < n; {
		from, err := extract(ColEffectiveFrom, row)
		if err != nil {
			return nil, err
		}
		to, err := extract(ColEffectiveTo, row)
		if err != nil {
			return nil, err
		}
		asOfFrom, err := extract(ColAsOfFrom, row)
		if err != nil {
			return nil, err
		}
		asOfTo, err := extract(ColAsOfTo, row)
		if err != nil {
			return nil, err
		}

		next := row + 1
		for next < n && keys[next] == keys[row] && hashes.Value(next) == hashes.Value(row) {
			nextFrom, err := extract(ColEffectiveFrom, next)
			if err != nil {
				return nil, err
			}
			if !nextFrom.Equal(to) {
				break
			}
			to, err = extract(ColEffectiveTo, next)
			if err != nil {
				return nil, err
			}
			merges++
			next++
		}

		rows = append(rows, row)
		segs = append(segs, Segment{From: from, To: to, AsOfFrom: asOfFrom, AsOfTo: asOfTo, Hash: hashes.Value(row)})
		row = next
	}

	if merges == 0 {
		return updates, nil
	}
	return Assemble(updates, rows, segs, mem)
}
