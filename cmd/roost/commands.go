package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Noofbiz/birdRoost/datasets"
	"github.com/Noofbiz/birdRoost/folds"
	"github.com/Noofbiz/birdRoost/images"
	"github.com/Noofbiz/birdRoost/labels"
	"github.com/Noofbiz/birdRoost/radar"
)

func splitCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "split",
		Short: "Write the fold table for the label table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := a.settings
			store, err := labels.LoadFile(a.fs, s.Labels, s.Images)
			if err != nil {
				return err
			}
			rows, err := folds.BuildTable(store, s.K)
			if err != nil {
				return err
			}
			if err := folds.WriteTableFile(a.fs, s.Folds, rows); err != nil {
				return err
			}

			a.log.Info("fold table written",
				zap.String("path", s.Folds),
				zap.Int("files", len(rows)),
				zap.Int("k", s.K),
				zap.Int("duplicate_labels", store.Duplicates()))
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d files in %d folds to %s\n", len(rows), s.K, s.Folds)
			return nil
		},
	}
}

func statsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Scan the rendered images and print the size of every set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, assignment, err := a.loadAssignment(cmd.Context())
			if err != nil {
				return err
			}
			pos, neg := store.Counts()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Labels: %d roost, %d no roost, %d duplicate rows\n", pos, neg, store.Duplicates())
			fmt.Fprint(out, assignment.Summary())
			return nil
		},
	}
}

func batchCommand(a *app) *cobra.Command {
	var (
		productArgs []string
		setArg      string
		dualPol     bool
		count       int
	)

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Draw balanced batches and print what they contain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := radar.ParseSet(setArg)
			if err != nil {
				return err
			}
			var products []radar.Product
			for _, arg := range productArgs {
				p, err := radar.ParseProduct(arg)
				if err != nil {
					return err
				}
				products = append(products, p)
			}

			store, assignment, err := a.loadAssignment(cmd.Context())
			if err != nil {
				return err
			}
			gen, err := a.newGenerator(cmd.Context(), store, assignment)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for i := range count {
				var batch *datasets.Batch
				if len(products) == 0 {
					batch, err = gen.GetAggregateBatch(set, dualPol, a.settings.BatchSize)
				} else {
					batch, err = gen.GetBatch(set, products, a.settings.BatchSize)
				}
				if err != nil {
					return err
				}
				printBatch(out, i, set, batch)
			}

			if excluded := gen.Excluded(); len(excluded) > 0 {
				a.log.Warn("files excluded after decode errors", zap.Strings("ids", excluded))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&productArgs, "product", "p", nil,
		"Radar product by index, key or name; repeat to stack channels (default: every product of the instrument class)")
	cmd.Flags().StringVar(&setArg, "set", radar.Training.String(), "Set to draw from: Training, Validation or Testing")
	cmd.Flags().BoolVar(&dualPol, "dual-pol", false, "Without --product, draw all four products from dual-pol files")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of batches to draw")
	return cmd
}

// loadAssignment loads the labels and the fold table, scans the image root
// and builds the fold assignment. Without a fold table on disk the folds are
// computed from the labels.
func (a *app) loadAssignment(ctx context.Context) (*labels.Store, *folds.Assignment, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s := a.settings

	store, err := labels.LoadFile(a.fs, s.Labels, s.Images)
	if err != nil {
		return nil, nil, err
	}
	catalog, err := folds.ScanCatalog(ctx, a.fs, s.Images, a.log)
	if err != nil {
		return nil, nil, err
	}

	opts := folds.Options{
		K:             s.K,
		ValidateIndex: s.ValidateIndex,
		TestIndex:     s.TestIndex,
		Rand:          seededRand(s.Seed),
		Logger:        a.log,
		Metrics:       a.metrics,
	}

	rows, err := folds.ReadTableFile(a.fs, s.Folds)
	if err != nil {
		if _, statErr := a.fs.Stat(s.Folds); !os.IsNotExist(statErr) {
			return nil, nil, err
		}
		a.log.Info("no fold table, computing folds from the labels", zap.String("path", s.Folds))
		assignment, err := folds.Assign(store, catalog, opts)
		return store, assignment, err
	}

	assignment, err := folds.AssignFromTable(store, catalog, rows, opts)
	return store, assignment, err
}

func (a *app) newGenerator(ctx context.Context, store *labels.Store, assignment *folds.Assignment) (*datasets.BatchGenerator, error) {
	s := a.settings
	mode := images.Lazy
	if s.HighMemory {
		mode = images.Eager
	}
	resolver, err := images.New(ctx, a.fs, store, images.Options{
		Mode:      mode,
		CropDim:   s.CropDim,
		CacheSize: s.CacheSize,
		Workers:   s.Workers,
		Logger:    a.log,
		Metrics:   a.metrics,
	})
	if err != nil {
		return nil, err
	}
	return datasets.NewBatchGenerator(store, assignment, resolver, datasets.Config{
		BatchSize:   s.BatchSize,
		Seed:        s.Seed,
		MaxResample: s.MaxResample,
		Logger:      a.log,
		Metrics:     a.metrics,
	})
}

// seededRand returns a source seeded with seed, or with the clock when seed
// is zero.
func seededRand(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}

func printBatch(out io.Writer, i int, set radar.Set, b *datasets.Batch) {
	pos, neg := b.Counts()
	names := make([]string, len(b.Products))
	for j, p := range b.Products {
		names[j] = p.Name()
	}
	fmt.Fprintf(out, "Batch %d (%s): %d roost, %d no roost, shape [%d,%d,%d,%d] channels %s\n",
		i, set, pos, neg, b.N, b.H, b.W, b.C, strings.Join(names, ","))
	for j, id := range b.IDs {
		label := "no roost"
		if b.IsRoost(j) {
			label = "roost"
		}
		fmt.Fprintf(out, "  %s %s\n", id, label)
	}
}
