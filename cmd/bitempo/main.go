// Command bitempo drives the bitemporal change engine over Arrow IPC
// streams on disk: it reads a current-state batch and an updates
// batch, computes the changeset and writes the insert and expired
// batches back as IPC streams.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/meridianlabs/bitempo/internal/batchutil"
	"github.com/meridianlabs/bitempo/pkg/bitempo"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var verbose bool

	root := &cobra.Command{
		Use:           "bitempo",
		Short:         "bitemporal timeseries change computation",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newComputeCmd(&verbose))
	root.AddCommand(newAddHashCmd(&verbose))
	return root.Execute()
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level: logLevel,
	}))
}

func newComputeCmd(verbose *bool) *cobra.Command {
	var (
		currentPath    string
		updatesPath    string
		idColumns      []string
		valueColumns   []string
		systemDate     string
		mode           string
		hashAlgorithm  string
		conflateInputs bool
		outDir         string
	)

	cmd := &cobra.Command{
		Use:   "compute",
		Short: "compute the changeset for a batch of updates",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(*verbose)
			mem := memory.DefaultAllocator

			updateMode, err := bitempo.ParseUpdateMode(mode)
			if err != nil {
				return err
			}
			algo, err := bitempo.ParseHashAlgorithm(hashAlgorithm)
			if err != nil {
				return err
			}

			current, err := readBatch(currentPath, mem)
			if err != nil {
				return fmt.Errorf("failed to read current state: %w", err)
			}
			updates, err := readBatch(updatesPath, mem)
			if err != nil {
				return fmt.Errorf("failed to read updates: %w", err)
			}

			engine, err := bitempo.New(bitempo.Config{Logger: log})
			if err != nil {
				return err
			}

			start := time.Now()
			cs, err := engine.ComputeChanges(bitempo.Request{
				CurrentState:   current,
				Updates:        updates,
				IDColumns:      idColumns,
				ValueColumns:   valueColumns,
				SystemDate:     systemDate,
				Mode:           updateMode,
				HashAlgorithm:  algo,
				ConflateInputs: conflateInputs,
			})
			if err != nil {
				return err
			}

			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return err
			}
			if err := writeBatches(filepath.Join(outDir, "inserts.arrow"), cs.ToInsert); err != nil {
				return err
			}
			if err := writeBatches(filepath.Join(outDir, "expired.arrow"), cs.ExpiredRecords); err != nil {
				return err
			}
			if err := writeExpireIndices(filepath.Join(outDir, "expire.json"), cs.ToExpire); err != nil {
				return err
			}

			log.Info("changeset written",
				"out_dir", outDir,
				"expire", len(cs.ToExpire),
				"insert_batches", len(cs.ToInsert),
				"duration", time.Since(start),
			)
			return nil
		},
	}

	cmd.Flags().StringVar(&currentPath, "current", "", "path to the current-state Arrow IPC stream")
	cmd.Flags().StringVar(&updatesPath, "updates", "", "path to the updates Arrow IPC stream")
	cmd.Flags().StringSliceVar(&idColumns, "id-columns", nil, "identity column names, in order")
	cmd.Flags().StringSliceVar(&valueColumns, "value-columns", nil, "value column names, in order")
	cmd.Flags().StringVar(&systemDate, "system-date", "", "system date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&mode, "mode", "delta", "update mode: delta or full_state")
	cmd.Flags().StringVar(&hashAlgorithm, "hash-algorithm", "xxhash", "value hash algorithm: xxhash or sha256")
	cmd.Flags().BoolVar(&conflateInputs, "conflate-inputs", false, "merge adjacent same-value incoming rows before processing")
	cmd.Flags().StringVar(&outDir, "out", "out", "output directory")
	for _, name := range []string{"current", "updates", "id-columns", "system-date"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func newAddHashCmd(verbose *bool) *cobra.Command {
	var (
		inPath        string
		outPath       string
		valueColumns  []string
		hashAlgorithm string
	)

	cmd := &cobra.Command{
		Use:   "add-hash",
		Short: "populate the value_hash column of a batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(*verbose)
			mem := memory.DefaultAllocator

			algo, err := bitempo.ParseHashAlgorithm(hashAlgorithm)
			if err != nil {
				return err
			}
			batch, err := readBatch(inPath, mem)
			if err != nil {
				return err
			}
			hashed, err := bitempo.AddHashKey(batch, valueColumns, algo)
			if err != nil {
				return err
			}
			if err := writeBatches(outPath, []arrow.Record{hashed}); err != nil {
				return err
			}
			log.Info("hash column written", "out", outPath, "rows", hashed.NumRows())
			return nil
		},
	}

	cmd.Flags().StringVar(&inPath, "in", "", "path to the input Arrow IPC stream")
	cmd.Flags().StringVar(&outPath, "out", "", "path to the output Arrow IPC stream")
	cmd.Flags().StringSliceVar(&valueColumns, "value-columns", nil, "value column names, in order")
	cmd.Flags().StringVar(&hashAlgorithm, "hash-algorithm", "xxhash", "value hash algorithm: xxhash or sha256")
	for _, name := range []string{"in", "out"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

// readBatch reads an IPC stream and concatenates its record batches
// into one.
func readBatch(path string, mem memory.Allocator) (arrow.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rdr, err := ipc.NewReader(f, ipc.WithAllocator(mem))
	if err != nil {
		return nil, fmt.Errorf("failed to open IPC stream %s: %w", path, err)
	}
	defer rdr.Release()

	var batches []arrow.Record
	for rdr.Next() {
		rec := rdr.Record()
		rec.Retain()
		batches = append(batches, rec)
	}
	if err := rdr.Err(); err != nil {
		return nil, fmt.Errorf("failed to read IPC stream %s: %w", path, err)
	}
	if len(batches) == 0 {
		return nil, fmt.Errorf("IPC stream %s holds no record batches", path)
	}
	defer func() {
		for _, b := range batches {
			b.Release()
		}
	}()
	return batchutil.Concat(batches, mem)
}

// writeBatches writes batches as one IPC stream. An empty batch list
// produces no file.
func writeBatches(path string, batches []arrow.Record) error {
	if len(batches) == 0 {
		return nil
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := ipc.NewWriter(f, ipc.WithSchema(batches[0].Schema()))
	for _, b := range batches {
		if err := w.Write(b); err != nil {
			w.Close()
			return fmt.Errorf("failed to write record batch to %s: %w", path, err)
		}
	}
	return w.Close()
}

func writeExpireIndices(path string, indices []int) error {
	if indices == nil {
		indices = []int{}
	}
	data, err := json.MarshalIndent(indices, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
