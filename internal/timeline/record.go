// Package timeline implements delta-mode change computation for one
// identity key: categorizing the current and incoming records by
// overlap, sweeping an event-sorted timeline over the overlapping
// subset and emitting non-overlapping output segments.
package timeline

import (
	"time"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/meridianlabs/bitempo/internal/batchutil"
	"github.com/meridianlabs/bitempo/internal/hashing"
	"github.com/meridianlabs/bitempo/internal/temporal"
)

// Record is the per-row view the sweep operates on. It carries only
// the fingerprint, the temporal bounds and the source row index;
// data columns stay in the source batch until emission.
type Record struct {
	Hash          string
	EffectiveFrom time.Time
	EffectiveTo   time.Time
	AsOfFrom      time.Time
	Row           int
}

// Materialize builds sweep records for the given rows of a batch. Only
// the rows of one key group are ever materialized.
func Materialize(rec arrow.Record, rows []int) ([]Record, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	effFrom, err := batchutil.Column(rec, batchutil.ColEffectiveFrom)
	if err != nil {
		return nil, err
	}
	effTo, err := batchutil.Column(rec, batchutil.ColEffectiveTo)
	if err != nil {
		return nil, err
	}
	asOfFrom, err := batchutil.Column(rec, batchutil.ColAsOfFrom)
	if err != nil {
		return nil, err
	}
	hashes, err := hashing.Hashes(rec)
	if err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		from, err := temporal.Extract(effFrom, row)
		if err != nil {
			return nil, err
		}
		to, err := temporal.Extract(effTo, row)
		if err != nil {
			return nil, err
		}
		asOf, err := temporal.Extract(asOfFrom, row)
		if err != nil {
			return nil, err
		}
		out = append(out, Record{
			Hash:          hashes.Value(row),
			EffectiveFrom: from,
			EffectiveTo:   to,
			AsOfFrom:      asOf,
			Row:           row,
		})
	}
	return out, nil
}
