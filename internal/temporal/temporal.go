// Package temporal converts between the columnar temporal encodings
// (date-days and timestamps at second through nanosecond precision,
// optionally timezone-tagged) and the engine's canonical instant type.
//
// The canonical instant is a UTC time.Time. Timezone tags on timestamp
// columns annotate display only; the stored values are epoch-based
// instants, so canonicalization ignores the tag and emission re-tags
// synthesized values with the column's original type.
package temporal

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

var (
	// ErrOverflow reports a conversion that does not fit the target
	// precision, e.g. the far-future sentinel written to a
	// nanosecond-precision column.
	ErrOverflow = errors.New("temporal overflow")

	// ErrUnsupportedType reports a column type the engine cannot read
	// or synthesize.
	ErrUnsupportedType = errors.New("unsupported column type")
)

// Max is the open-ended interval sentinel. It caps at 2262-04-11
// because downstream tools using nanosecond epochs cannot represent
// later instants.
var Max = time.Date(2262, time.April, 11, 23, 59, 59, 0, time.UTC)

// maxNano is the latest instant representable as int64 nanoseconds
// since the epoch.
var maxNano = time.Unix(0, math.MaxInt64).UTC()

// minNano is the earliest such instant.
var minNano = time.Unix(0, math.MinInt64).UTC()

// ParseSystemDate parses a calendar day in YYYY-MM-DD form to its
// midnight UTC instant.
func ParseSystemDate(s string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", s)
	}
	return t.UTC(), nil
}

// Extract reads the cell at row i of a temporal column as a canonical
// instant.
func Extract(arr arrow.Array, i int) (time.Time, error) {
	switch a := arr.(type) {
	case *array.Date32:
		return a.Value(i).ToTime(), nil
	case *array.Date64:
		return a.Value(i).ToTime(), nil
	case *array.Timestamp:
		unit := a.DataType().(*arrow.TimestampType).Unit
		return a.Value(i).ToTime(unit).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%w: %s is not a temporal column type", ErrUnsupportedType, arr.DataType())
}

// ToValue converts an instant to the raw cell value of the given
// temporal column type.
func ToValue(dt arrow.DataType, t time.Time) (int64, error) {
	switch typ := dt.(type) {
	case *arrow.TimestampType:
		switch typ.Unit {
		case arrow.Second:
			return t.Unix(), nil
		case arrow.Millisecond:
			return t.UnixMilli(), nil
		case arrow.Microsecond:
			return t.UnixMicro(), nil
		case arrow.Nanosecond:
			if t.After(maxNano) || t.Before(minNano) {
				return 0, fmt.Errorf("%w: %s does not fit nanosecond precision", ErrOverflow, t.Format(time.RFC3339))
			}
			return t.UnixNano(), nil
		}
		return 0, fmt.Errorf("%w: timestamp unit %s", ErrUnsupportedType, typ.Unit)
	case *arrow.Date32Type:
		return int64(arrow.Date32FromTime(t)), nil
	case *arrow.Date64Type:
		return int64(arrow.Date64FromTime(t)), nil
	}
	return 0, fmt.Errorf("%w: %s is not a temporal column type", ErrUnsupportedType, dt)
}

// NewArrayOf builds an n-element array of the instant t at the given
// temporal column type, preserving its precision and timezone tag.
func NewArrayOf(dt arrow.DataType, t time.Time, n int, mem memory.Allocator) (arrow.Array, error) {
	v, err := ToValue(dt, t)
	if err != nil {
		return nil, err
	}
	switch typ := dt.(type) {
	case *arrow.TimestampType:
		b := array.NewTimestampBuilder(mem, typ)
		defer b.Release()
		for range n {
			b.Append(arrow.Timestamp(v))
		}
		return b.NewArray(), nil
	case *arrow.Date32Type:
		b := array.NewDate32Builder(mem)
		defer b.Release()
		for range n {
			b.Append(arrow.Date32(v))
		}
		return b.NewArray(), nil
	case *arrow.Date64Type:
		b := array.NewDate64Builder(mem)
		defer b.Release()
		for range n {
			b.Append(arrow.Date64(v))
		}
		return b.NewArray(), nil
	}
	return nil, fmt.Errorf("%w: %s is not a temporal column type", ErrUnsupportedType, dt)
}

// NewArrayFrom builds an array holding one instant per element, all at
// the given temporal column type.
func NewArrayFrom(dt arrow.DataType, ts []time.Time, mem memory.Allocator) (arrow.Array, error) {
	switch typ := dt.(type) {
	case *arrow.TimestampType:
		b := array.NewTimestampBuilder(mem, typ)
		defer b.Release()
		for _, t := range ts {
			v, err := ToValue(dt, t)
			if err != nil {
				return nil, err
			}
			b.Append(arrow.Timestamp(v))
		}
		return b.NewArray(), nil
	case *arrow.Date32Type:
		b := array.NewDate32Builder(mem)
		defer b.Release()
		for _, t := range ts {
			b.Append(arrow.Date32FromTime(t))
		}
		return b.NewArray(), nil
	case *arrow.Date64Type:
		b := array.NewDate64Builder(mem)
		defer b.Release()
		for _, t := range ts {
			b.Append(arrow.Date64FromTime(t))
		}
		return b.NewArray(), nil
	}
	return nil, fmt.Errorf("%w: %s is not a temporal column type", ErrUnsupportedType, dt)
}

// IsTemporal reports whether dt is a column type Extract understands.
func IsTemporal(dt arrow.DataType) bool {
	switch dt.(type) {
	case *arrow.TimestampType, *arrow.Date32Type, *arrow.Date64Type:
		return true
	}
	return false
}
