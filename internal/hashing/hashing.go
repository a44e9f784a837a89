// Package hashing computes the stable value fingerprint over the value
// columns of a row.
//
// Each value cell contributes its raw little-endian byte representation
// to a per-row buffer. Integers narrower than 64 bits are widened
// before encoding so an upcast column hashes identically; finite
// floats with a zero fractional part that fit the signed 64-bit range
// are encoded as the equivalent integer; nulls contribute the literal
// bytes "NULL". The buffer is digested with xxhash64 (16 hex digits)
// or SHA-256 (64 hex digits).
package hashing

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cespare/xxhash/v2"

	"github.com/meridianlabs/bitempo/internal/temporal"
)

// HashColumn is the name of the fingerprint column.
const HashColumn = "value_hash"

// Algorithm selects the digest producing the fingerprint string. The
// choice must be stable across a run.
type Algorithm int

const (
	// XxHash is the default: a fast 64-bit non-cryptographic digest
	// emitted as 16 hex digits.
	XxHash Algorithm = iota
	// Sha256 emits 64 hex digits; kept for compatibility with stores
	// populated by earlier pipelines.
	Sha256
)

// Parse resolves the textual algorithm forms.
func Parse(s string) (Algorithm, error) {
	switch strings.ToLower(s) {
	case "xxhash", "xx":
		return XxHash, nil
	case "sha256", "sha":
		return Sha256, nil
	}
	return 0, fmt.Errorf("unknown hash algorithm: %s", s)
}

func (a Algorithm) String() string {
	switch a {
	case XxHash:
		return "xxhash"
	case Sha256:
		return "sha256"
	}
	return fmt.Sprintf("Algorithm(%d)", int(a))
}

func (a Algorithm) digest(buf []byte) string {
	if a == Sha256 {
		sum := sha256.Sum256(buf)
		return hex.EncodeToString(sum[:])
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(buf))
}

var nullToken = []byte("NULL")

// HashRows fingerprints the given rows of a record batch over its
// value columns.
func HashRows(rec arrow.Record, rows []int, valueColumns []string, algo Algorithm) ([]string, error) {
	cols := make([]arrow.Array, len(valueColumns))
	for i, name := range valueColumns {
		idxs := rec.Schema().FieldIndices(name)
		if len(idxs) == 0 {
			return nil, fmt.Errorf("column %q not found in record batch", name)
		}
		cols[i] = rec.Column(idxs[0])
	}

	hashes := make([]string, 0, len(rows))
	buf := make([]byte, 0, 1024)
	for _, row := range rows {
		buf = buf[:0]
		for _, col := range cols {
			var err error
			buf, err = appendCell(buf, col, row)
			if err != nil {
				return nil, err
			}
		}
		hashes = append(hashes, algo.digest(buf))
	}
	return hashes, nil
}

// appendCell serializes one cell into buf. The encoding is the
// normalization contract: changing it changes every stored hash.
func appendCell(buf []byte, col arrow.Array, row int) ([]byte, error) {
	if col.IsNull(row) {
		return append(buf, nullToken...), nil
	}

	switch a := col.(type) {
	case *array.String:
		return append(buf, a.Value(row)...), nil
	case *array.Int8:
		return appendInt64(buf, int64(a.Value(row))), nil
	case *array.Int16:
		return appendInt64(buf, int64(a.Value(row))), nil
	case *array.Int32:
		return appendInt64(buf, int64(a.Value(row))), nil
	case *array.Int64:
		return appendInt64(buf, a.Value(row)), nil
	case *array.Float32:
		return appendFloat(buf, float64(a.Value(row))), nil
	case *array.Float64:
		return appendFloat(buf, a.Value(row)), nil
	case *array.Boolean:
		if a.Value(row) {
			return append(buf, 1), nil
		}
		return append(buf, 0), nil
	case *array.Date32:
		return binary.LittleEndian.AppendUint32(buf, uint32(a.Value(row))), nil
	case *array.Date64:
		return appendInt64(buf, int64(a.Value(row))), nil
	case *array.Timestamp:
		return appendInt64(buf, int64(a.Value(row))), nil
	case *array.Decimal128:
		v := a.Value(row)
		buf = binary.LittleEndian.AppendUint64(buf, v.LowBits())
		return binary.LittleEndian.AppendUint64(buf, uint64(v.HighBits())), nil
	}
	return nil, fmt.Errorf("%w: cannot hash %s column", temporal.ErrUnsupportedType, col.DataType())
}

func appendInt64(buf []byte, v int64) []byte {
	return binary.LittleEndian.AppendUint64(buf, uint64(v))
}

// appendFloat encodes integer-valued finite floats as the equivalent
// int64 so 3.0 and 3 hash identically; everything else keeps its IEEE
// bit pattern.
func appendFloat(buf []byte, v float64) []byte {
	if v == math.Trunc(v) && !math.IsInf(v, 0) && !math.IsNaN(v) && v >= math.MinInt64 && v < math.MaxInt64 {
		return appendInt64(buf, int64(v))
	}
	return binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
}

// AddHashKey returns the batch with a populated value_hash column,
// added if absent and overwritten if present.
func AddHashKey(rec arrow.Record, valueColumns []string, algo Algorithm, mem memory.Allocator) (arrow.Record, error) {
	n := int(rec.NumRows())
	if n == 0 {
		return nil, fmt.Errorf("cannot add hash column to an empty record batch")
	}

	rows := make([]int, n)
	for i := range rows {
		rows[i] = i
	}
	hashes, err := HashRows(rec, rows, valueColumns, algo)
	if err != nil {
		return nil, err
	}

	b := array.NewStringBuilder(mem)
	defer b.Release()
	b.AppendValues(hashes, nil)
	hashArr := b.NewArray()
	defer hashArr.Release()

	schema := rec.Schema()
	if idxs := schema.FieldIndices(HashColumn); len(idxs) > 0 {
		cols := make([]arrow.Array, rec.NumCols())
		for i := range cols {
			cols[i] = rec.Column(i)
		}
		cols[idxs[0]] = hashArr
		return array.NewRecord(schema, cols, rec.NumRows()), nil
	}

	fields := make([]arrow.Field, 0, schema.NumFields()+1)
	fields = append(fields, schema.Fields()...)
	fields = append(fields, arrow.Field{Name: HashColumn, Type: arrow.BinaryTypes.String})
	cols := make([]arrow.Array, 0, rec.NumCols()+1)
	for i := range int(rec.NumCols()) {
		cols = append(cols, rec.Column(i))
	}
	cols = append(cols, hashArr)
	return array.NewRecord(arrow.NewSchema(fields, nil), cols, rec.NumRows()), nil
}

// Ensure returns the batch unchanged when its value_hash column exists
// and every value is non-empty; otherwise it computes the column.
func Ensure(rec arrow.Record, valueColumns []string, algo Algorithm, mem memory.Allocator) (arrow.Record, error) {
	if rec.NumRows() == 0 {
		return rec, nil
	}
	if idxs := rec.Schema().FieldIndices(HashColumn); len(idxs) > 0 {
		if col, ok := rec.Column(idxs[0]).(*array.String); ok {
			populated := true
			for i := 0; i < col.Len(); i++ {
				if col.IsNull(i) || col.Value(i) == "" {
					populated = false
					break
				}
			}
			if populated {
				return rec, nil
			}
		}
	}
	return AddHashKey(rec, valueColumns, algo, mem)
}

// Hashes returns the value_hash column of a batch. The engine calls
// Ensure before any path that reads hashes, so absence is structural.
func Hashes(rec arrow.Record) (*array.String, error) {
	idxs := rec.Schema().FieldIndices(HashColumn)
	if len(idxs) == 0 {
		return nil, fmt.Errorf("%s column not found in record batch", HashColumn)
	}
	col, ok := rec.Column(idxs[0]).(*array.String)
	if !ok {
		return nil, fmt.Errorf("%s column is not a string column", HashColumn)
	}
	return col, nil
}
