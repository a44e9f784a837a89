// Package partition groups the rows of the current-state and updates
// batches by their identity-key tuple.
//
// The partitioner operates on column arrays and row indices only; it
// never materializes row values. Keys are the concatenated text forms
// of the identity cells with a reserved separator, built into a single
// reusable buffer.
package partition

import (
	"fmt"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/meridianlabs/bitempo/internal/temporal"
)

// Separator joins identity-column text forms inside a key.
const Separator = '|'

const nullToken = "NULL"

// Group holds the row indices of one identity key in each input batch.
type Group struct {
	Current []int
	Updates []int
}

// IDArrays resolves the identity columns of a batch.
func IDArrays(rec arrow.Record, idColumns []string) ([]arrow.Array, error) {
	cols := make([]arrow.Array, len(idColumns))
	for i, name := range idColumns {
		idxs := rec.Schema().FieldIndices(name)
		if len(idxs) == 0 {
			return nil, fmt.Errorf("identity column %q not found in record batch", name)
		}
		cols[i] = rec.Column(idxs[0])
	}
	return cols, nil
}

// AppendKey appends the identity key of one row to buf and returns the
// extended slice.
func AppendKey(buf []byte, idArrays []arrow.Array, row int) ([]byte, error) {
	for i, col := range idArrays {
		if i > 0 {
			buf = append(buf, Separator)
		}
		if col.IsNull(row) {
			buf = append(buf, nullToken...)
			continue
		}
		switch a := col.(type) {
		case *array.String:
			buf = append(buf, a.Value(row)...)
		case *array.Int32:
			buf = strconv.AppendInt(buf, int64(a.Value(row)), 10)
		case *array.Int64:
			buf = strconv.AppendInt(buf, a.Value(row), 10)
		case *array.Float64:
			buf = strconv.AppendFloat(buf, a.Value(row), 'g', -1, 64)
		case *array.Boolean:
			buf = strconv.AppendBool(buf, a.Value(row))
		case *array.Date32:
			buf = strconv.AppendInt(buf, int64(a.Value(row)), 10)
		case *array.Timestamp:
			buf = strconv.AppendInt(buf, int64(a.Value(row)), 10)
		default:
			return nil, fmt.Errorf("%w: cannot build identity key from %s column", temporal.ErrUnsupportedType, col.DataType())
		}
	}
	return buf, nil
}

// BuildGroups maps each identity key to the row-index lists of both
// batches. The map is pre-sized from an estimate of one third of the
// combined row count.
func BuildGroups(current, updates arrow.Record, idColumns []string) (map[string]*Group, error) {
	currentIDs, err := IDArrays(current, idColumns)
	if err != nil {
		return nil, err
	}
	updateIDs, err := IDArrays(updates, idColumns)
	if err != nil {
		return nil, err
	}

	estimated := int(current.NumRows()+updates.NumRows()) / 3
	if estimated < 16 {
		estimated = 16
	}
	groups := make(map[string]*Group, estimated)

	buf := make([]byte, 0, 64)
	for row := range int(current.NumRows()) {
		buf = buf[:0]
		buf, err = AppendKey(buf, currentIDs, row)
		if err != nil {
			return nil, err
		}
		g, ok := groups[string(buf)]
		if !ok {
			g = &Group{}
			groups[string(buf)] = g
		}
		g.Current = append(g.Current, row)
	}
	for row := range int(updates.NumRows()) {
		buf = buf[:0]
		buf, err = AppendKey(buf, updateIDs, row)
		if err != nil {
			return nil, err
		}
		g, ok := groups[string(buf)]
		if !ok {
			g = &Group{}
			groups[string(buf)] = g
		}
		g.Updates = append(g.Updates, row)
	}
	return groups, nil
}
