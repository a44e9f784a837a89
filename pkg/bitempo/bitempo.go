// Package bitempo computes minimal bitemporal changesets.
//
// Given a snapshot of a table whose rows carry an effective-time
// interval and an as-of interval, plus a batch of incoming updates,
// the engine computes which existing rows must be logically expired
// and which new rows must be inserted so that the table keeps
// satisfying the bitemporal invariants: per key, live rows have
// pairwise non-overlapping effective intervals, and adjacent live
// rows with equal value fingerprints are conflated.
//
// The engine is embedded in a host process and operates on Arrow
// record batches in memory. Input batches are shared, immutable
// references; output batches are newly owned. Storage, transport and
// query layers are external collaborators.
package bitempo

import (
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/meridianlabs/bitempo/internal/hashing"
	"github.com/meridianlabs/bitempo/internal/temporal"
)

// Errors the engine classifies beyond plain invalid input.
var (
	// ErrTemporalOverflow reports a temporal conversion that does not
	// fit the target precision.
	ErrTemporalOverflow = temporal.ErrOverflow
	// ErrUnsupportedType reports a column type the hasher, partitioner
	// or assembler does not handle.
	ErrUnsupportedType = temporal.ErrUnsupportedType
)

// UpdateMode selects how the incoming batch is interpreted.
type UpdateMode int

const (
	// Delta: the incoming batch describes changes; keys absent from it
	// are left alone.
	Delta UpdateMode = iota
	// FullState: the incoming batch describes the complete intended
	// state; absent keys are tombstoned subject to the backfill-safety
	// rule.
	FullState
)

// ParseUpdateMode resolves the textual mode forms.
func ParseUpdateMode(s string) (UpdateMode, error) {
	switch strings.ToLower(s) {
	case "delta":
		return Delta, nil
	case "full_state":
		return FullState, nil
	}
	return 0, fmt.Errorf("invalid update mode %q: must be delta or full_state", s)
}

func (m UpdateMode) String() string {
	switch m {
	case Delta:
		return "delta"
	case FullState:
		return "full_state"
	}
	return fmt.Sprintf("UpdateMode(%d)", int(m))
}

// HashAlgorithm selects the value fingerprint digest.
type HashAlgorithm int

const (
	// XxHash is the default 64-bit digest, emitted as 16 hex digits.
	XxHash HashAlgorithm = HashAlgorithm(hashing.XxHash)
	// Sha256 emits 64 hex digits.
	Sha256 HashAlgorithm = HashAlgorithm(hashing.Sha256)
)

// ParseHashAlgorithm resolves the textual algorithm forms xxhash/xx
// and sha256/sha.
func ParseHashAlgorithm(s string) (HashAlgorithm, error) {
	a, err := hashing.Parse(s)
	if err != nil {
		return 0, err
	}
	return HashAlgorithm(a), nil
}

func (a HashAlgorithm) String() string { return hashing.Algorithm(a).String() }

// Request carries the inputs of one change computation.
type Request struct {
	// CurrentState and Updates are record batches with a common schema
	// containing the identity columns, the value columns, the four
	// temporal columns and optionally value_hash.
	CurrentState arrow.Record
	Updates      arrow.Record

	// IDColumns is the non-empty ordered list of identity column
	// names.
	IDColumns []string
	// ValueColumns is the ordered list of value column names; it may
	// be empty.
	ValueColumns []string

	// SystemDate is a calendar day in YYYY-MM-DD form; tombstones
	// truncate their effective interval at this day.
	SystemDate string

	Mode UpdateMode

	// HashAlgorithm must be stable across the runs that populate one
	// table.
	HashAlgorithm HashAlgorithm

	// ConflateInputs merges consecutive same-identity same-hash
	// adjacent incoming rows before processing.
	ConflateInputs bool
}

// ChangeSet is the minimal changeset of one run.
type ChangeSet struct {
	// ToExpire lists row positions in the current state to be marked
	// expired, sorted and deduplicated.
	ToExpire []int
	// ToInsert lists the record batches to be inserted.
	ToInsert []arrow.Record
	// ExpiredRecords carries at most one batch of copies of the
	// expired current rows with as_of_to set to the batch timestamp.
	ExpiredRecords []arrow.Record
}

// AddHashKey returns the batch with a populated value_hash column,
// added if absent and overwritten if present, using the same hashing
// rules as the engine.
func AddHashKey(batch arrow.Record, valueFields []string, algorithm HashAlgorithm) (arrow.Record, error) {
	return hashing.AddHashKey(batch, valueFields, hashing.Algorithm(algorithm), memory.DefaultAllocator)
}
