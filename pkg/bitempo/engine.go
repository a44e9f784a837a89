package bitempo

import (
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/jonboulle/clockwork"

	"github.com/meridianlabs/bitempo/internal/batchutil"
	"github.com/meridianlabs/bitempo/internal/hashing"
	"github.com/meridianlabs/bitempo/internal/metrics"
	"github.com/meridianlabs/bitempo/internal/partition"
	"github.com/meridianlabs/bitempo/internal/temporal"
	"github.com/meridianlabs/bitempo/internal/timeline"
)

const (
	defaultParallelGroupThreshold = 25
	defaultParallelRowThreshold   = 5000
	defaultPendingBatchThreshold  = 200
	defaultTargetBatchRows        = 10000
)

// Config configures an Engine. All fields are optional.
type Config struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Metrics *metrics.Metrics

	// Allocator backs every synthesized array.
	Allocator memory.Allocator

	// PoolSize caps concurrent per-key workers.
	PoolSize int

	// ParallelGroupThreshold and ParallelRowThreshold gate the
	// parallel path: below both, groups are processed serially to
	// avoid scheduling overhead.
	ParallelGroupThreshold int
	ParallelRowThreshold   int

	// PendingBatchThreshold triggers incremental consolidation of the
	// insert accumulator to bound peak memory.
	PendingBatchThreshold int

	// TargetBatchRows sizes the consolidated output chunks.
	TargetBatchRows int
}

// Validate fills defaults.
func (c *Config) Validate() error {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Allocator == nil {
		c.Allocator = memory.DefaultAllocator
	}
	if c.PoolSize == 0 {
		c.PoolSize = runtime.GOMAXPROCS(0)
	}
	if c.ParallelGroupThreshold == 0 {
		c.ParallelGroupThreshold = defaultParallelGroupThreshold
	}
	if c.ParallelRowThreshold == 0 {
		c.ParallelRowThreshold = defaultParallelRowThreshold
	}
	if c.PendingBatchThreshold == 0 {
		c.PendingBatchThreshold = defaultPendingBatchThreshold
	}
	if c.TargetBatchRows == 0 {
		c.TargetBatchRows = defaultTargetBatchRows
	}
	return nil
}

// Engine computes bitemporal changesets. One invocation takes read
// access of its inputs and runs to completion; the engine keeps no
// state between calls.
type Engine struct {
	log     *slog.Logger
	clock   clockwork.Clock
	metrics *metrics.Metrics
	mem     memory.Allocator
	cfg     Config
}

// New builds an Engine from the config.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		log:     cfg.Logger,
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
		mem:     cfg.Allocator,
		cfg:     cfg,
	}, nil
}

// groupResult accumulates the output of one identity-key group.
type groupResult struct {
	expire  []int
	inserts []arrow.Record
}

// ComputeChanges computes the minimal changeset turning the current
// state into one that absorbs the updates. A failed call performs no
// partial writes and leaves the inputs untouched.
func (e *Engine) ComputeChanges(req Request) (*ChangeSet, error) {
	start := e.clock.Now()
	cs, err := e.computeChanges(req)
	if e.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		e.metrics.RunsTotal.WithLabelValues(outcome).Inc()
		e.metrics.RunDuration.Observe(e.clock.Since(start).Seconds())
	}
	return cs, err
}

func (e *Engine) computeChanges(req Request) (*ChangeSet, error) {
	if req.CurrentState == nil || req.Updates == nil {
		return nil, fmt.Errorf("current state and updates record batches are required")
	}
	if req.Mode != Delta && req.Mode != FullState {
		return nil, fmt.Errorf("invalid update mode %d", int(req.Mode))
	}
	if len(req.IDColumns) == 0 {
		return nil, fmt.Errorf("identity column list must not be empty")
	}
	systemDate, err := temporal.ParseSystemDate(req.SystemDate)
	if err != nil {
		return nil, err
	}
	for _, rec := range []arrow.Record{req.CurrentState, req.Updates} {
		if err := validateColumns(rec, req); err != nil {
			return nil, err
		}
	}

	algo := hashing.Algorithm(req.HashAlgorithm)
	current, err := hashing.Ensure(req.CurrentState, req.ValueColumns, algo, e.mem)
	if err != nil {
		return nil, err
	}
	updates, err := hashing.Ensure(req.Updates, req.ValueColumns, algo, e.mem)
	if err != nil {
		return nil, err
	}
	if req.ConflateInputs && updates.NumRows() > 1 {
		updates, err = batchutil.ConflateInputs(updates, req.IDColumns, e.mem)
		if err != nil {
			return nil, err
		}
	}

	// One system instant for every side effect of this call.
	batchTS := e.clock.Now().UTC().Truncate(time.Microsecond)

	if e.metrics != nil {
		e.metrics.RowsIn.WithLabelValues("current").Add(float64(current.NumRows()))
		e.metrics.RowsIn.WithLabelValues("updates").Add(float64(updates.NumRows()))
	}

	if cs, done, err := e.emptyInputChangeset(current, updates, req, systemDate, batchTS); done || err != nil {
		return cs, err
	}

	groups, err := partition.BuildGroups(current, updates, req.IDColumns)
	if err != nil {
		return nil, err
	}

	consistentTS := batchTS
	if updates.NumRows() > 0 {
		if col, err := batchutil.Column(updates, batchutil.ColAsOfFrom); err == nil && !col.IsNull(0) {
			if t, err := temporal.Extract(col, 0); err == nil {
				consistentTS = t
			}
		}
	}

	totalRows := int(current.NumRows() + updates.NumRows())
	parallel := len(groups) > e.cfg.ParallelGroupThreshold || totalRows > e.cfg.ParallelRowThreshold

	var (
		toExpire []int
		toInsert []arrow.Record
	)
	reduce := func(res groupResult) error {
		toExpire = append(toExpire, res.expire...)
		toInsert = append(toInsert, res.inserts...)
		if len(toInsert) > e.cfg.PendingBatchThreshold {
			var err error
			if toInsert, err = batchutil.Dedup(toInsert, req.IDColumns); err != nil {
				return err
			}
			if toInsert, err = batchutil.Consolidate(toInsert, e.cfg.TargetBatchRows, e.mem); err != nil {
				return err
			}
		}
		return nil
	}

	if parallel {
		pool := pond.NewResultPool[groupResult](e.cfg.PoolSize)
		grp := pool.NewGroup()
		for _, g := range groups {
			grp.SubmitErr(func() (groupResult, error) {
				return e.processGroup(g, current, updates, req.Mode, systemDate, batchTS, consistentTS)
			})
		}
		results, err := grp.Wait()
		pool.StopAndWait()
		if err != nil {
			return nil, err
		}
		for _, res := range results {
			if err := reduce(res); err != nil {
				return nil, err
			}
		}
	} else {
		for _, g := range groups {
			res, err := e.processGroup(g, current, updates, req.Mode, systemDate, batchTS, consistentTS)
			if err != nil {
				return nil, err
			}
			if err := reduce(res); err != nil {
				return nil, err
			}
		}
	}

	cs, err := e.buildChangeset(toExpire, toInsert, current, req.IDColumns, batchTS)
	if err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.GroupsProcessed.Add(float64(len(groups)))
		e.metrics.InsertBatches.Add(float64(len(cs.ToInsert)))
		e.metrics.ExpiredRows.Add(float64(len(cs.ToExpire)))
	}
	e.log.Debug("computed changeset",
		"mode", req.Mode.String(),
		"groups", len(groups),
		"expire", len(cs.ToExpire),
		"insert_batches", len(cs.ToInsert),
	)
	return cs, nil
}

// validateColumns checks the presence of the temporal, identity and
// value columns.
func validateColumns(rec arrow.Record, req Request) error {
	schema := rec.Schema()
	for _, name := range batchutil.TemporalColumns {
		if len(schema.FieldIndices(name)) == 0 {
			return fmt.Errorf("required column %q not found in record batch", name)
		}
	}
	for _, name := range req.IDColumns {
		if len(schema.FieldIndices(name)) == 0 {
			return fmt.Errorf("identity column %q not found in record batch", name)
		}
	}
	for _, name := range req.ValueColumns {
		if len(schema.FieldIndices(name)) == 0 {
			return fmt.Errorf("value column %q not found in record batch", name)
		}
	}
	return nil
}

// emptyInputChangeset handles the quick paths for empty inputs.
func (e *Engine) emptyInputChangeset(current, updates arrow.Record, req Request, systemDate, batchTS time.Time) (*ChangeSet, bool, error) {
	if updates.NumRows() == 0 {
		if req.Mode == FullState && current.NumRows() > 0 {
			all := make([]int, int(current.NumRows()))
			for i := range all {
				all[i] = i
			}
			eligible, err := e.tombstoneEligible(current, all, systemDate)
			if err != nil {
				return nil, true, err
			}
			if len(eligible) == 0 {
				return &ChangeSet{}, true, nil
			}
			tombstones, err := batchutil.BuildTombstones(current, eligible, systemDate, batchTS, e.mem)
			if err != nil {
				return nil, true, err
			}
			expired, err := batchutil.BuildExpired(current, eligible, batchTS, e.mem)
			if err != nil {
				return nil, true, err
			}
			return &ChangeSet{
				ToExpire:       eligible,
				ToInsert:       []arrow.Record{tombstones},
				ExpiredRecords: []arrow.Record{expired},
			}, true, nil
		}
		return &ChangeSet{}, true, nil
	}

	if current.NumRows() == 0 {
		inserts, err := e.nonEmptyUpdates(updates)
		if err != nil {
			return nil, true, err
		}
		return &ChangeSet{ToInsert: inserts}, true, nil
	}
	return nil, false, nil
}

// nonEmptyUpdates returns the updates batch with zero-width effective
// intervals filtered out.
func (e *Engine) nonEmptyUpdates(updates arrow.Record) ([]arrow.Record, error) {
	fromCol, err := batchutil.Column(updates, batchutil.ColEffectiveFrom)
	if err != nil {
		return nil, err
	}
	toCol, err := batchutil.Column(updates, batchutil.ColEffectiveTo)
	if err != nil {
		return nil, err
	}
	n := int(updates.NumRows())
	keep := make([]int, 0, n)
	for row := range n {
		from, err := temporal.Extract(fromCol, row)
		if err != nil {
			return nil, err
		}
		to, err := temporal.Extract(toCol, row)
		if err != nil {
			return nil, err
		}
		if from.Before(to) {
			keep = append(keep, row)
		}
	}
	if len(keep) == 0 {
		return nil, nil
	}
	if len(keep) == n {
		return []arrow.Record{updates}, nil
	}
	filtered, err := batchutil.TakeRows(updates, keep, e.mem)
	if err != nil {
		return nil, err
	}
	return []arrow.Record{filtered}, nil
}

// tombstoneEligible drops rows whose effective interval starts after
// the system date: tombstoning them would produce an inverted
// interval, so a backfilled future row is left alone.
func (e *Engine) tombstoneEligible(current arrow.Record, rows []int, systemDate time.Time) ([]int, error) {
	fromCol, err := batchutil.Column(current, batchutil.ColEffectiveFrom)
	if err != nil {
		return nil, err
	}
	eligible := make([]int, 0, len(rows))
	for _, row := range rows {
		from, err := temporal.Extract(fromCol, row)
		if err != nil {
			return nil, err
		}
		if from.After(systemDate) {
			continue
		}
		eligible = append(eligible, row)
	}
	return eligible, nil
}

// processGroup computes the changes of one identity-key group.
func (e *Engine) processGroup(g *partition.Group, current, updates arrow.Record, mode UpdateMode, systemDate, batchTS, consistentTS time.Time) (groupResult, error) {
	if len(g.Updates) == 0 {
		if mode != FullState {
			return groupResult{}, nil
		}
		eligible, err := e.tombstoneEligible(current, g.Current, systemDate)
		if err != nil {
			return groupResult{}, err
		}
		if len(eligible) == 0 {
			return groupResult{}, nil
		}
		tombstones, err := batchutil.BuildTombstones(current, eligible, systemDate, consistentTS, e.mem)
		if err != nil {
			return groupResult{}, err
		}
		return groupResult{expire: eligible, inserts: []arrow.Record{tombstones}}, nil
	}

	if mode == FullState {
		return e.processFullState(current, updates, g.Current, g.Updates, batchTS)
	}

	currentRecs, err := timeline.Materialize(current, g.Current)
	if err != nil {
		return groupResult{}, err
	}
	updateRecs, err := timeline.Materialize(updates, g.Updates)
	if err != nil {
		return groupResult{}, err
	}
	expire, inserts, err := timeline.ProcessGroup(current, updates, currentRecs, updateRecs, e.mem)
	if err != nil {
		return groupResult{}, err
	}
	return groupResult{expire: expire, inserts: inserts}, nil
}

// buildChangeset applies the post-processing passes and assembles the
// final changeset.
func (e *Engine) buildChangeset(toExpire []int, toInsert []arrow.Record, current arrow.Record, idColumns []string, batchTS time.Time) (*ChangeSet, error) {
	sort.Ints(toExpire)
	toExpire = dedupeInts(toExpire)

	var err error
	if toInsert, err = batchutil.Dedup(toInsert, idColumns); err != nil {
		return nil, err
	}
	if toInsert, err = batchutil.ConflateNeighbors(toInsert, idColumns, e.mem); err != nil {
		return nil, err
	}
	if toInsert, err = batchutil.Consolidate(toInsert, e.cfg.TargetBatchRows, e.mem); err != nil {
		return nil, err
	}

	var expired []arrow.Record
	if len(toExpire) > 0 {
		batch, err := batchutil.BuildExpired(current, toExpire, batchTS, e.mem)
		if err != nil {
			return nil, err
		}
		expired = []arrow.Record{batch}
	}
	return &ChangeSet{ToExpire: toExpire, ToInsert: toInsert, ExpiredRecords: expired}, nil
}

func dedupeInts(sorted []int) []int {
	if len(sorted) == 0 {
		return sorted
	}
	out := sorted[:1]
	for _, v := range sorted[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}
