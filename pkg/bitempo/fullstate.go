package bitempo

import (
	"time"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/meridianlabs/bitempo/internal/batchutil"
	"github.com/meridianlabs/bitempo/internal/hashing"
	"github.com/meridianlabs/bitempo/internal/temporal"
)

// interval is a half-open effective interval.
type interval struct {
	from time.Time
	to   time.Time
}

func (a interval) equal(b interval) bool {
	return a.from.Equal(b.from) && a.to.Equal(b.to)
}

func (a interval) adjacent(b interval) bool {
	return a.to.Equal(b.from) || b.to.Equal(a.from)
}

// boundsReader extracts effective intervals of one batch.
type boundsReader struct {
	from arrow.Array
	to   arrow.Array
}

func newBoundsReader(rec arrow.Record) (*boundsReader, error) {
	from, err := batchutil.Column(rec, batchutil.ColEffectiveFrom)
	if err != nil {
		return nil, err
	}
	to, err := batchutil.Column(rec, batchutil.ColEffectiveTo)
	if err != nil {
		return nil, err
	}
	return &boundsReader{from: from, to: to}, nil
}

func (r *boundsReader) at(row int) (interval, error) {
	from, err := temporal.Extract(r.from, row)
	if err != nil {
		return interval{}, err
	}
	to, err := temporal.Extract(r.to, row)
	if err != nil {
		return interval{}, err
	}
	return interval{from: from, to: to}, nil
}

// processFullState is the fast path for full-state mode: it compares
// fingerprints between the current and incoming rows of one key and
// decides per update whether to merge-adjacent, insert or no-op.
//
// When several current rows share the update's hash, an exact interval
// match wins over an adjacent one, so the search never stops at the
// first candidate.
func (e *Engine) processFullState(current, updates arrow.Record, curRows, updRows []int, batchTS time.Time) (groupResult, error) {
	curHashes, err := hashing.Hashes(current)
	if err != nil {
		return groupResult{}, err
	}
	updHashes, err := hashing.Hashes(updates)
	if err != nil {
		return groupResult{}, err
	}
	curBounds, err := newBoundsReader(current)
	if err != nil {
		return groupResult{}, err
	}
	updBounds, err := newBoundsReader(updates)
	if err != nil {
		return groupResult{}, err
	}

	var (
		res        groupResult
		toInsert   []int
		expiredAll bool
	)
	for _, updRow := range updRows {
		hash := updHashes.Value(updRow)
		updIv, err := updBounds.at(updRow)
		if err != nil {
			return groupResult{}, err
		}

		exactMatch := false
		adjacentRow := -1
		sameHashRow := -1
		var adjacentIv interval
		for _, curRow := range curRows {
			if curHashes.Value(curRow) != hash {
				continue
			}
			curIv, err := curBounds.at(curRow)
			if err != nil {
				return groupResult{}, err
			}
			if curIv.equal(updIv) {
				exactMatch = true
				break
			}
			if adjacentRow < 0 && curIv.adjacent(updIv) {
				adjacentRow = curRow
				adjacentIv = curIv
			}
			if sameHashRow < 0 {
				sameHashRow = curRow
			}
		}

		switch {
		case exactMatch:
			// Same values over the same interval: true no-change.
		case adjacentRow >= 0:
			// Same values over touching intervals: merge into one
			// segment spanning both.
			res.expire = append(res.expire, adjacentRow)
			merged := interval{from: minTime(adjacentIv.from, updIv.from), to: maxTime(adjacentIv.to, updIv.to)}
			seg := batchutil.Segment{
				From:     merged.from,
				To:       merged.to,
				AsOfFrom: batchTS,
				AsOfTo:   temporal.Max,
				Hash:     hash,
			}
			batch, err := batchutil.Assemble(updates, []int{updRow}, []batchutil.Segment{seg}, e.mem)
			if err != nil {
				return groupResult{}, err
			}
			res.inserts = append(res.inserts, batch)
		case sameHashRow >= 0:
			// Same values over an unrelated interval: a separate
			// segment, the matching current row stays.
			toInsert = append(toInsert, updRow)
		default:
			// Changed values: the whole key group is superseded.
			if !expiredAll {
				res.expire = append(res.expire, curRows...)
				expiredAll = true
			}
			toInsert = append(toInsert, updRow)
		}
	}

	if len(toInsert) > 0 {
		batch, err := batchutil.TakeRows(updates, toInsert, e.mem)
		if err != nil {
			return groupResult{}, err
		}
		res.inserts = append(res.inserts, batch)
	}
	return res, nil
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
