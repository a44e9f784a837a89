package bitempo

import (
	"sort"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/bitempo/internal/batchutil"
	"github.com/meridianlabs/bitempo/internal/metrics"
	"github.com/meridianlabs/bitempo/internal/temporal"
)

var (
	tsUTC   = &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}
	fakeNow = time.Date(2025, time.August, 1, 12, 0, 0, 0, time.UTC)
)

type row struct {
	id       int64
	field    string
	mv, px   float64
	effFrom  string
	effTo    string
	asOfFrom string
}

func day(t testing.TB, s string) time.Time {
	t.Helper()
	if s == "max" {
		return temporal.Max
	}
	parsed, err := time.Parse("2006-01-02", s)
	require.NoError(t, err)
	return parsed.UTC()
}

func mkBatch(t testing.TB, rows []row) arrow.Record {
	t.Helper()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "field", Type: arrow.BinaryTypes.String},
		{Name: "mv", Type: arrow.PrimitiveTypes.Float64},
		{Name: "px", Type: arrow.PrimitiveTypes.Float64},
		{Name: "effective_from", Type: tsUTC},
		{Name: "effective_to", Type: tsUTC},
		{Name: "as_of_from", Type: tsUTC},
		{Name: "as_of_to", Type: tsUTC},
	}, nil)
	b := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer b.Release()
	appendTS := func(fb array.Builder, s string) {
		fb.(*array.TimestampBuilder).Append(arrow.Timestamp(day(t, s).UnixMicro()))
	}
	for _, r := range rows {
		b.Field(0).(*array.Int64Builder).Append(r.id)
		b.Field(1).(*array.StringBuilder).Append(r.field)
		b.Field(2).(*array.Float64Builder).Append(r.mv)
		b.Field(3).(*array.Float64Builder).Append(r.px)
		appendTS(b.Field(4), r.effFrom)
		appendTS(b.Field(5), r.effTo)
		appendTS(b.Field(6), r.asOfFrom)
		appendTS(b.Field(7), "max")
	}
	return b.NewRecord()
}

func mkEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(Config{Clock: clockwork.NewFakeClockAt(fakeNow)})
	require.NoError(t, err)
	return e
}

type outRow struct {
	id       int64
	field    string
	mv, px   float64
	effFrom  string
	effTo    string
	asOfFrom string
}

func collectRows(t *testing.T, batches []arrow.Record) []outRow {
	t.Helper()
	format := func(ts time.Time) string {
		if ts.Equal(temporal.Max) {
			return "max"
		}
		return ts.Format("2006-01-02")
	}
	var out []outRow
	for _, b := range batches {
		id, err := batchutil.Column(b, "id")
		require.NoError(t, err)
		field, err := batchutil.Column(b, "field")
		require.NoError(t, err)
		mv, err := batchutil.Column(b, "mv")
		require.NoError(t, err)
		px, err := batchutil.Column(b, "px")
		require.NoError(t, err)
		effFrom, err := batchutil.Column(b, batchutil.ColEffectiveFrom)
		require.NoError(t, err)
		effTo, err := batchutil.Column(b, batchutil.ColEffectiveTo)
		require.NoError(t, err)
		asOfFrom, err := batchutil.Column(b, batchutil.ColAsOfFrom)
		require.NoError(t, err)
		for rowIdx := range int(b.NumRows()) {
			from, err := temporal.Extract(effFrom, rowIdx)
			require.NoError(t, err)
			to, err := temporal.Extract(effTo, rowIdx)
			require.NoError(t, err)
			asOf, err := temporal.Extract(asOfFrom, rowIdx)
			require.NoError(t, err)
			out = append(out, outRow{
				id:       id.(*array.Int64).Value(rowIdx),
				field:    field.(*array.String).Value(rowIdx),
				mv:       mv.(*array.Float64).Value(rowIdx),
				px:       px.(*array.Float64).Value(rowIdx),
				effFrom:  format(from),
				effTo:    format(to),
				asOfFrom: format(asOf),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].id != out[j].id {
			return out[i].id < out[j].id
		}
		return out[i].effFrom < out[j].effFrom
	})
	return out
}

func insertedRows(t *testing.T, cs *ChangeSet) []outRow {
	t.Helper()
	return collectRows(t, cs.ToInsert)
}

// Overwrite: same key, same interval, changed values.
func TestComputeChangesOverwrite(t *testing.T) {
	current := mkBatch(t, []row{
		{1234, "test", 300, 400, "2020-01-01", "2021-01-01", "2025-01-01"},
	})
	updates := mkBatch(t, []row{
		{1234, "test", 400, 300, "2020-01-01", "2021-01-01", "2025-07-27"},
	})

	cs, err := mkEngine(t).ComputeChanges(Request{
		CurrentState: current,
		Updates:      updates,
		IDColumns:    []string{"id", "field"},
		ValueColumns: []string{"mv", "px"},
		SystemDate:   "2025-07-27",
		Mode:         Delta,
	})
	require.NoError(t, err)

	require.Equal(t, []int{0}, cs.ToExpire)
	require.Equal(t, []outRow{
		{1234, "test", 400, 300, "2020-01-01", "2021-01-01", "2025-07-27"},
	}, insertedRows(t, cs))

	// The expired copy keeps its interval and as_of_from; only
	// as_of_to moves, to the batch timestamp.
	require.Len(t, cs.ExpiredRecords, 1)
	expired := cs.ExpiredRecords[0]
	require.EqualValues(t, 1, expired.NumRows())
	asOfTo, err := batchutil.Column(expired, batchutil.ColAsOfTo)
	require.NoError(t, err)
	got, err := temporal.Extract(asOfTo, 0)
	require.NoError(t, err)
	require.True(t, got.Equal(fakeNow))
}

// Head-slice conflation: a backdated overwrite of the head of a
// segment leaves two rows, the update and the surviving tail.
func TestComputeChangesHeadSlice(t *testing.T) {
	current := mkBatch(t, []row{
		{1234, "test", 300, 400, "2020-01-01", "2021-01-01", "2025-01-01"},
	})
	updates := mkBatch(t, []row{
		{1234, "test", 400, 300, "2019-01-01", "2020-06-01", "2025-07-27"},
	})

	cs, err := mkEngine(t).ComputeChanges(Request{
		CurrentState: current,
		Updates:      updates,
		IDColumns:    []string{"id", "field"},
		ValueColumns: []string{"mv", "px"},
		SystemDate:   "2025-07-27",
		Mode:         Delta,
	})
	require.NoError(t, err)

	require.Equal(t, []int{0}, cs.ToExpire)
	require.Equal(t, []outRow{
		{1234, "test", 400, 300, "2019-01-01", "2020-06-01", "2025-07-27"},
		{1234, "test", 300, 400, "2020-06-01", "2021-01-01", "2025-07-27"},
	}, insertedRows(t, cs))
}

// Overlay across several segments: head remainder, the update, tail
// remainder.
func TestComputeChangesOverlayMultiple(t *testing.T) {
	current := mkBatch(t, []row{
		{1234, "test", 1, 1, "2020-01-01", "2020-04-01", "2020-01-01"},
		{1234, "test", 3, 3, "2020-04-01", "2020-08-01", "2020-04-01"},
		{1234, "test", 4, 4, "2020-08-01", "max", "2020-08-01"},
	})
	updates := mkBatch(t, []row{
		{1234, "test", 2, 2, "2020-03-01", "2020-11-01", "2025-07-27"},
	})

	cs, err := mkEngine(t).ComputeChanges(Request{
		CurrentState: current,
		Updates:      updates,
		IDColumns:    []string{"id", "field"},
		ValueColumns: []string{"mv", "px"},
		SystemDate:   "2025-07-27",
		Mode:         Delta,
	})
	require.NoError(t, err)

	require.Equal(t, []int{0, 1, 2}, cs.ToExpire)
	require.Equal(t, []outRow{
		{1234, "test", 1, 1, "2020-01-01", "2020-03-01", "2025-07-27"},
		{1234, "test", 2, 2, "2020-03-01", "2020-11-01", "2025-07-27"},
		{1234, "test", 4, 4, "2020-11-01", "max", "2025-07-27"},
	}, insertedRows(t, cs))
}

// Backfill extension safety: an adjacent same-value current row must
// not be pulled into the rewrite.
func TestComputeChangesBackfillSafety(t *testing.T) {
	current := mkBatch(t, []row{
		{1, "k", 100, 0, "2024-01-01", "2024-01-02", "2024-01-01"},
		{1, "k", 200, 0, "2024-01-02", "2024-01-03", "2024-01-02"},
	})
	updates := mkBatch(t, []row{
		{1, "k", 100, 0, "2024-01-02", "2024-01-03", "2024-06-01"},
	})

	cs, err := mkEngine(t).ComputeChanges(Request{
		CurrentState: current,
		Updates:      updates,
		IDColumns:    []string{"id", "field"},
		ValueColumns: []string{"mv", "px"},
		SystemDate:   "2024-06-01",
		Mode:         Delta,
	})
	require.NoError(t, err)

	require.Equal(t, []int{1}, cs.ToExpire)
	require.Equal(t, []outRow{
		{1, "k", 100, 0, "2024-01-02", "2024-01-03", "2024-06-01"},
	}, insertedRows(t, cs))
}

// Full-state tombstoning skips rows that start after the system date.
func TestComputeChangesFutureRowSafety(t *testing.T) {
	current := mkBatch(t, []row{
		{1, "K", 100, 0, "2024-01-02", "max", "2024-01-01"},
	})
	updates := mkBatch(t, nil)

	cs, err := mkEngine(t).ComputeChanges(Request{
		CurrentState: current,
		Updates:      updates,
		IDColumns:    []string{"id", "field"},
		ValueColumns: []string{"mv", "px"},
		SystemDate:   "2024-01-01",
		Mode:         FullState,
	})
	require.NoError(t, err)

	require.Empty(t, cs.ToExpire)
	require.Empty(t, cs.ToInsert)
	require.Empty(t, cs.ExpiredRecords)
}

// Zero-width updates are silently filtered.
func TestComputeChangesEmptyRangeRejected(t *testing.T) {
	current := mkBatch(t, []row{
		{1, "k", 100, 0, "2020-01-01", "2021-01-01", "2020-01-01"},
	})
	updates := mkBatch(t, []row{
		{1, "k", 200, 0, "2020-03-01", "2020-03-01", "2024-01-01"},
	})

	cs, err := mkEngine(t).ComputeChanges(Request{
		CurrentState: current,
		Updates:      updates,
		IDColumns:    []string{"id", "field"},
		ValueColumns: []string{"mv", "px"},
		SystemDate:   "2024-01-01",
		Mode:         Delta,
	})
	require.NoError(t, err)

	require.Empty(t, cs.ToExpire)
	require.Empty(t, cs.ToInsert)
}

func TestComputeChangesEmptyCurrentFiltersZeroWidth(t *testing.T) {
	current := mkBatch(t, nil)
	updates := mkBatch(t, []row{
		{1, "k", 100, 0, "2020-01-01", "2020-01-01", "2024-01-01"},
		{1, "k", 200, 0, "2020-01-01", "2020-06-01", "2024-01-01"},
	})

	cs, err := mkEngine(t).ComputeChanges(Request{
		CurrentState: current,
		Updates:      updates,
		IDColumns:    []string{"id", "field"},
		ValueColumns: []string{"mv", "px"},
		SystemDate:   "2024-01-01",
		Mode:         Delta,
	})
	require.NoError(t, err)

	require.Empty(t, cs.ToExpire)
	require.Equal(t, []outRow{
		{1, "k", 200, 0, "2020-01-01", "2020-06-01", "2024-01-01"},
	}, insertedRows(t, cs))
}

// A no-change update produces zero expiries and zero inserts.
func TestComputeChangesNoChange(t *testing.T) {
	current := mkBatch(t, []row{
		{1, "k", 100, 0, "2020-01-01", "2021-01-01", "2020-01-01"},
	})
	updates := mkBatch(t, []row{
		{1, "k", 100, 0, "2020-03-01", "2020-06-01", "2024-01-01"},
	})

	cs, err := mkEngine(t).ComputeChanges(Request{
		CurrentState: current,
		Updates:      updates,
		IDColumns:    []string{"id", "field"},
		ValueColumns: []string{"mv", "px"},
		SystemDate:   "2024-01-01",
		Mode:         Delta,
	})
	require.NoError(t, err)

	require.Empty(t, cs.ToExpire)
	require.Empty(t, cs.ToInsert)
}

// Applying the same updates twice yields no further changes.
func TestComputeChangesIdempotent(t *testing.T) {
	current := mkBatch(t, []row{
		{1234, "test", 300, 400, "2020-01-01", "2021-01-01", "2025-01-01"},
	})
	updates := mkBatch(t, []row{
		{1234, "test", 400, 300, "2020-01-01", "2021-01-01", "2025-07-27"},
	})
	req := Request{
		CurrentState: current,
		Updates:      updates,
		IDColumns:    []string{"id", "field"},
		ValueColumns: []string{"mv", "px"},
		SystemDate:   "2025-07-27",
		Mode:         Delta,
	}

	engine := mkEngine(t)
	first, err := engine.ComputeChanges(req)
	require.NoError(t, err)
	require.Len(t, first.ToInsert, 1)

	// The surviving table after the first call is exactly the insert
	// set; the same updates against it are a no-change.
	req.CurrentState = first.ToInsert[0]
	second, err := engine.ComputeChanges(req)
	require.NoError(t, err)
	require.Empty(t, second.ToExpire)
	require.Empty(t, second.ToInsert)
}

func TestComputeChangesExpireIndicesSortedUnique(t *testing.T) {
	current := mkBatch(t, []row{
		{2, "b", 10, 0, "2020-01-01", "2021-01-01", "2020-01-01"},
		{1, "a", 20, 0, "2020-01-01", "2021-01-01", "2020-01-01"},
		{3, "c", 30, 0, "2020-01-01", "2021-01-01", "2020-01-01"},
	})
	updates := mkBatch(t, []row{
		{3, "c", 31, 0, "2020-01-01", "2021-01-01", "2024-01-01"},
		{1, "a", 21, 0, "2020-01-01", "2021-01-01", "2024-01-01"},
		{2, "b", 11, 0, "2020-01-01", "2021-01-01", "2024-01-01"},
	})

	cs, err := mkEngine(t).ComputeChanges(Request{
		CurrentState: current,
		Updates:      updates,
		IDColumns:    []string{"id", "field"},
		ValueColumns: []string{"mv", "px"},
		SystemDate:   "2024-01-01",
		Mode:         Delta,
	})
	require.NoError(t, err)

	require.Equal(t, []int{0, 1, 2}, cs.ToExpire)
	require.True(t, sort.IntsAreSorted(cs.ToExpire))
}

func TestComputeChangesConflateInputs(t *testing.T) {
	current := mkBatch(t, []row{
		{9, "other", 1, 0, "2020-01-01", "2021-01-01", "2020-01-01"},
	})
	updates := mkBatch(t, []row{
		{1, "k", 100, 0, "2022-01-01", "2022-06-01", "2024-01-01"},
		{1, "k", 100, 0, "2022-06-01", "2023-01-01", "2024-01-01"},
	})

	req := Request{
		CurrentState: current,
		Updates:      updates,
		IDColumns:    []string{"id", "field"},
		ValueColumns: []string{"mv", "px"},
		SystemDate:   "2024-01-01",
		Mode:         Delta,
	}

	cs, err := mkEngine(t).ComputeChanges(req)
	require.NoError(t, err)
	require.Len(t, insertedRows(t, cs), 2)

	req.ConflateInputs = true
	cs, err = mkEngine(t).ComputeChanges(req)
	require.NoError(t, err)
	require.Equal(t, []outRow{
		{1, "k", 100, 0, "2022-01-01", "2023-01-01", "2024-01-01"},
	}, insertedRows(t, cs))
}

func TestComputeChangesValidation(t *testing.T) {
	batch := mkBatch(t, []row{{1, "k", 100, 0, "2020-01-01", "2021-01-01", "2020-01-01"}})
	base := Request{
		CurrentState: batch,
		Updates:      batch,
		IDColumns:    []string{"id", "field"},
		ValueColumns: []string{"mv", "px"},
		SystemDate:   "2024-01-01",
		Mode:         Delta,
	}
	engine := mkEngine(t)

	req := base
	req.SystemDate = "01-01-2024"
	_, err := engine.ComputeChanges(req)
	require.Error(t, err)

	req = base
	req.Mode = UpdateMode(9)
	_, err = engine.ComputeChanges(req)
	require.Error(t, err)

	req = base
	req.IDColumns = nil
	_, err = engine.ComputeChanges(req)
	require.Error(t, err)

	req = base
	req.ValueColumns = []string{"absent"}
	_, err = engine.ComputeChanges(req)
	require.Error(t, err)

	req = base
	req.CurrentState = nil
	_, err = engine.ComputeChanges(req)
	require.Error(t, err)
}

func TestComputeChangesParallelMatchesSerial(t *testing.T) {
	var currentRows, updateRows []row
	for i := range 120 {
		currentRows = append(currentRows, row{int64(i), "k", float64(i), 0, "2020-01-01", "2021-01-01", "2020-01-01"})
		updateRows = append(updateRows, row{int64(i), "k", float64(i + 1000), 0, "2020-01-01", "2021-01-01", "2024-01-01"})
	}
	current := mkBatch(t, currentRows)
	updates := mkBatch(t, updateRows)

	req := Request{
		CurrentState: current,
		Updates:      updates,
		IDColumns:    []string{"id", "field"},
		ValueColumns: []string{"mv", "px"},
		SystemDate:   "2024-01-01",
		Mode:         Delta,
	}

	parallel, err := mkEngine(t).ComputeChanges(req)
	require.NoError(t, err)

	serial, err := func() (*ChangeSet, error) {
		e, err := New(Config{
			Clock:                  clockwork.NewFakeClockAt(fakeNow),
			ParallelGroupThreshold: 10000,
			ParallelRowThreshold:   1000000,
		})
		require.NoError(t, err)
		return e.ComputeChanges(req)
	}()
	require.NoError(t, err)

	require.Equal(t, serial.ToExpire, parallel.ToExpire)
	require.Equal(t, insertedRows(t, serial), insertedRows(t, parallel))
}

func TestComputeChangesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	e, err := New(Config{Clock: clockwork.NewFakeClockAt(fakeNow), Metrics: m})
	require.NoError(t, err)

	current := mkBatch(t, []row{{1, "k", 100, 0, "2020-01-01", "2021-01-01", "2020-01-01"}})
	updates := mkBatch(t, []row{{1, "k", 200, 0, "2020-01-01", "2021-01-01", "2024-01-01"}})

	_, err = e.ComputeChanges(Request{
		CurrentState: current,
		Updates:      updates,
		IDColumns:    []string{"id", "field"},
		ValueColumns: []string{"mv", "px"},
		SystemDate:   "2024-01-01",
		Mode:         Delta,
	})
	require.NoError(t, err)

	require.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.ExpiredRows))
	require.Equal(t, 1.0, testutil.ToFloat64(m.RowsIn.WithLabelValues("current")))
}

func TestParseUpdateMode(t *testing.T) {
	m, err := ParseUpdateMode("delta")
	require.NoError(t, err)
	require.Equal(t, Delta, m)
	m, err = ParseUpdateMode("full_state")
	require.NoError(t, err)
	require.Equal(t, FullState, m)
	_, err = ParseUpdateMode("replace")
	require.Error(t, err)
}

func TestAddHashKeyPublic(t *testing.T) {
	batch := mkBatch(t, []row{{1, "k", 100, 0, "2020-01-01", "2021-01-01", "2020-01-01"}})
	hashed, err := AddHashKey(batch, []string{"mv", "px"}, XxHash)
	require.NoError(t, err)
	require.Equal(t, batch.NumCols()+1, hashed.NumCols())

	again, err := AddHashKey(batch, []string{"mv", "px"}, XxHash)
	require.NoError(t, err)
	h1, err := batchutil.Column(hashed, "value_hash")
	require.NoError(t, err)
	h2, err := batchutil.Column(again, "value_hash")
	require.NoError(t, err)
	require.Equal(t, h1.(*array.String).Value(0), h2.(*array.String).Value(0))
}
