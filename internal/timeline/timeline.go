package timeline

import (
	"sort"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/meridianlabs/bitempo/internal/batchutil"
	"github.com/meridianlabs/bitempo/internal/temporal"
)

// eventType values encode the tie-break order at a shared instant:
// the previous current segment closes before the update opens, an
// update closes before a following current reopens, and adjacent
// updates compose rather than fuse.
type eventType int

const (
	evCurrentEnd eventType = iota
	evUpdateStart
	evUpdateEnd
	evCurrentStart
)

type event struct {
	at  time.Time
	typ eventType
	rec *Record
}

// ProcessGroup computes the delta-mode changeset for one identity key.
// It returns the current-row indices to expire and the emitted insert
// batches.
func ProcessGroup(current, updates arrow.Record, currentRecs, updateRecs []Record, mem memory.Allocator) ([]int, []arrow.Record, error) {
	overlappingCurrent, overlappingUpdates, nonOverlapping := Categorize(currentRecs, updateRecs)

	var inserts []arrow.Record
	if len(nonOverlapping) > 0 {
		rows := make([]int, len(nonOverlapping))
		segs := make([]batchutil.Segment, len(nonOverlapping))
		for i, r := range nonOverlapping {
			rows[i] = r.Row
			segs[i] = batchutil.Segment{
				From:     r.EffectiveFrom,
				To:       r.EffectiveTo,
				AsOfFrom: r.AsOfFrom,
				AsOfTo:   temporal.Max,
				Hash:     r.Hash,
			}
		}
		batch, err := batchutil.Assemble(updates, rows, segs, mem)
		if err != nil {
			return nil, nil, err
		}
		inserts = append(inserts, batch)
	}

	if len(overlappingCurrent) == 0 && len(overlappingUpdates) == 0 {
		return nil, inserts, nil
	}

	// Re-emitted current fragments share the as-of time of the update
	// that caused them.
	var updateAsOfFrom *time.Time
	if len(overlappingUpdates) > 0 {
		updateAsOfFrom = &overlappingUpdates[0].AsOfFrom
	}

	events := make([]event, 0, 2*(len(overlappingCurrent)+len(overlappingUpdates)))
	for _, r := range overlappingCurrent {
		events = append(events, event{at: r.EffectiveFrom, typ: evCurrentStart, rec: r})
		if !r.EffectiveTo.Equal(temporal.Max) {
			events = append(events, event{at: r.EffectiveTo, typ: evCurrentEnd, rec: r})
		}
	}
	for _, r := range overlappingUpdates {
		events = append(events, event{at: r.EffectiveFrom, typ: evUpdateStart, rec: r})
		if !r.EffectiveTo.Equal(temporal.Max) {
			events = append(events, event{at: r.EffectiveTo, typ: evUpdateEnd, rec: r})
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].at.Equal(events[j].at) {
			return events[i].at.Before(events[j].at)
		}
		return events[i].typ < events[j].typ
	})

	var (
		activeCurrent []*Record
		activeUpdates []*Record
		lastAt        *time.Time
	)
	emit := func(from, to time.Time) error {
		batch, err := emitSegment(from, to, activeCurrent, activeUpdates, current, updates, updateAsOfFrom, mem)
		if err != nil {
			return err
		}
		if batch != nil {
			inserts = append(inserts, batch)
		}
		return nil
	}

	for i := 0; i < len(events); {
		at := events[i].at

		// A gap between event instants with active state is a segment.
		if lastAt != nil && lastAt.Before(at) && (len(activeCurrent) > 0 || len(activeUpdates) > 0) {
			if err := emit(*lastAt, at); err != nil {
				return nil, nil, err
			}
		}

		for i < len(events) && events[i].at.Equal(at) {
			ev := events[i]
			switch ev.typ {
			case evCurrentStart:
				activeCurrent = append(activeCurrent, ev.rec)
			case evCurrentEnd:
				activeCurrent = retainOthers(activeCurrent, ev.rec)
			case evUpdateStart:
				activeUpdates = append(activeUpdates, ev.rec)
			case evUpdateEnd:
				activeUpdates = retainOthers(activeUpdates, ev.rec)
			}
			i++
		}
		lastAt = &at

		next := temporal.Max
		if i < len(events) {
			next = events[i].at
		}
		if (len(activeCurrent) > 0 || len(activeUpdates) > 0) && next.After(at) {
			if err := emit(at, next); err != nil {
				return nil, nil, err
			}
		}
	}

	expire := make([]int, 0, len(overlappingCurrent))
	for _, r := range overlappingCurrent {
		expire = append(expire, r.Row)
	}
	return expire, inserts, nil
}

// retainOthers drops the active records whose interval starts where
// the ending record's does.
func retainOthers(active []*Record, ended *Record) []*Record {
	out := active[:0]
	for _, r := range active {
		if !r.EffectiveFrom.Equal(ended.EffectiveFrom) {
			out = append(out, r)
		}
	}
	return out
}

// emitSegment emits one output segment for [from, to). An active
// update wins unless an active current row carries the same value
// hash, in which case the current row is re-segmented instead.
func emitSegment(from, to time.Time, activeCurrent, activeUpdates []*Record, current, updates arrow.Record, updateAsOfFrom *time.Time, mem memory.Allocator) (arrow.Record, error) {
	if !from.Before(to) {
		return nil, nil
	}

	var (
		rec        *Record
		fromUpdate bool
	)
	switch {
	case len(activeUpdates) > 0:
		update := activeUpdates[0]
		if len(activeCurrent) == 0 || update.Hash != activeCurrent[0].Hash {
			rec, fromUpdate = update, true
		} else {
			rec = activeCurrent[0]
		}
	case len(activeCurrent) > 0:
		rec = activeCurrent[0]
	default:
		return nil, nil
	}

	asOfFrom := rec.AsOfFrom
	if !fromUpdate && updateAsOfFrom != nil {
		asOfFrom = *updateAsOfFrom
	}

	seg := batchutil.Segment{
		From:     from,
		To:       to,
		AsOfFrom: asOfFrom,
		AsOfTo:   temporal.Max,
		Hash:     rec.Hash,
	}
	src := current
	if fromUpdate {
		src = updates
	}
	return batchutil.Assemble(src, []int{rec.Row}, []batchutil.Segment{seg}, mem)
}
