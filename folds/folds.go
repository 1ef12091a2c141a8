// Package folds partitions the labeled files into k folds and derives the
// training, validation and testing sets from them.
//
// Folds are stratified by date: every file recorded on the same day lands in
// the same fold, so near-duplicate scans cannot leak between training and
// evaluation. Only files the renderer has produced images for are admitted.
package folds

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Noofbiz/birdRoost/labels"
	"github.com/Noofbiz/birdRoost/metrics"
	"github.com/Noofbiz/birdRoost/radar"
)

// DefaultK is the number of folds used when none is given.
const DefaultK = 5

// InvalidFoldIndexError reports a fold parameter outside [0, K), or a test
// fold equal to the validation fold.
type InvalidFoldIndexError struct {
	// Name of the offending parameter, e.g. "validate_index".
	Name  string
	Index int
	K     int

	// SameFold is set when both indices are in range but equal.
	SameFold bool
}

func (e *InvalidFoldIndexError) Error() string {
	if e.Name == "k" {
		return fmt.Sprintf("invalid fold count k=%d: need at least 2 folds", e.K)
	}
	if e.SameFold {
		return fmt.Sprintf("invalid fold index %s=%d: validate_index and test_index must differ", e.Name, e.Index)
	}
	return fmt.Sprintf("invalid fold index %s=%d: must be in [0, %d)", e.Name, e.Index, e.K)
}

// Options configures Assign and AssignFromTable.
type Options struct {
	K             int
	ValidateIndex int
	TestIndex     int

	// Rand shuffles the id lists. Defaults to a time seeded source.
	Rand    *rand.Rand
	Logger  *zap.Logger
	Metrics *metrics.DatasetMetrics
}

func (o *Options) validate() error {
	if o.K < 2 {
		return &InvalidFoldIndexError{Name: "k", Index: o.K, K: o.K}
	}
	if o.ValidateIndex < 0 || o.ValidateIndex >= o.K {
		return &InvalidFoldIndexError{Name: "validate_index", Index: o.ValidateIndex, K: o.K}
	}
	if o.TestIndex < 0 || o.TestIndex >= o.K {
		return &InvalidFoldIndexError{Name: "test_index", Index: o.TestIndex, K: o.K}
	}
	if o.ValidateIndex == o.TestIndex {
		return &InvalidFoldIndexError{Name: "test_index", Index: o.TestIndex, K: o.K, SameFold: true}
	}
	return nil
}

func (o *Options) setDefaults() {
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Class slots of the per-set id lists.
const (
	negative = 0
	positive = 1
)

func classOf(isRoost bool) int {
	if isRoost {
		return positive
	}
	return negative
}

// Assignment is the read-only result of fold assignment. For every set and
// class it holds the admitted ids, plus the subset recorded by
// dual-polarization instruments.
type Assignment struct {
	K             int
	ValidateIndex int
	TestIndex     int

	ids      [3][2][]string
	dualPol  [3][2][]string
	fold     map[string]int
	excluded []string
	catalog  *Catalog
}

// Assign computes the fold of every record by date (see BuildTable), drops
// the records the catalog has no image for, and splits the rest into sets.
// Invalid fold parameters are rejected before any work is done.
func Assign(store *labels.Store, catalog *Catalog, opts Options) (*Assignment, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if catalog == nil {
		return nil, errors.New("fold assignment needs an image catalog")
	}
	opts.setDefaults()

	return assign(store, catalog, foldNumbers(store, opts.K), opts), nil
}

// AssignFromTable is Assign with the folds read from a persisted fold table
// instead of being recomputed. Labeled files missing from the table are left
// out; table rows for unknown files are ignored.
func AssignFromTable(store *labels.Store, catalog *Catalog, rows []TableRow, opts Options) (*Assignment, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if catalog == nil {
		return nil, errors.New("fold assignment needs an image catalog")
	}
	opts.setDefaults()

	foldOf := make(map[string]int, len(rows))
	unknown := 0
	for _, row := range rows {
		if row.SplitIndex < 0 || row.SplitIndex >= opts.K {
			return nil, errors.Wrapf(&InvalidFoldIndexError{Name: "split_index", Index: row.SplitIndex, K: opts.K},
				"fold table entry %s", row.AWSFile)
		}
		if _, ok := store.Get(row.AWSFile); !ok {
			unknown++
			continue
		}
		if _, seen := foldOf[row.AWSFile]; !seen {
			foldOf[row.AWSFile] = row.SplitIndex
		}
	}
	if unknown > 0 {
		opts.Logger.Debug("fold table lists unlabeled files", zap.Int("count", unknown))
	}

	return assign(store, catalog, foldOf, opts), nil
}

func assign(store *labels.Store, catalog *Catalog, foldOf map[string]int, opts Options) *Assignment {
	a := &Assignment{
		K:             opts.K,
		ValidateIndex: opts.ValidateIndex,
		TestIndex:     opts.TestIndex,
		fold:          make(map[string]int, len(foldOf)),
		catalog:       catalog,
	}

	notInFolds, notRendered := 0, 0
	for _, r := range store.Records() {
		f, ok := foldOf[r.ID]
		if !ok {
			notInFolds++
			a.excluded = append(a.excluded, r.ID)
			continue
		}
		if !catalog.Rendered(r.ID) {
			notRendered++
			a.excluded = append(a.excluded, r.ID)
			opts.Logger.Debug("excluding file without rendered images", zap.String("id", r.ID))
			continue
		}

		a.fold[r.ID] = f
		set := a.setOfFold(f)
		c := classOf(r.IsRoost)
		a.ids[set][c] = append(a.ids[set][c], r.ID)
		if r.DualPol() {
			a.dualPol[set][c] = append(a.dualPol[set][c], r.ID)
		}
	}

	for s := range a.ids {
		for c := range a.ids[s] {
			shuffle(opts.Rand, a.ids[s][c])
			shuffle(opts.Rand, a.dualPol[s][c])
		}
	}

	pos, neg := 0, 0
	for s := range a.ids {
		pos += len(a.ids[s][positive])
		neg += len(a.ids[s][negative])
	}
	opts.Metrics.SetAdmitted(true, pos)
	opts.Metrics.SetAdmitted(false, neg)
	opts.Metrics.AddExcluded(metrics.ReasonNotRendered, notRendered)
	opts.Metrics.AddExcluded(metrics.ReasonNotInFolds, notInFolds)

	opts.Logger.Info("fold assignment built",
		zap.Int("k", a.K),
		zap.Int("validate_index", a.ValidateIndex),
		zap.Int("test_index", a.TestIndex),
		zap.Int("positive", pos),
		zap.Int("negative", neg),
		zap.Int("excluded_not_rendered", notRendered),
		zap.Int("excluded_not_in_folds", notInFolds))
	return a
}

func shuffle(rng *rand.Rand, ids []string) {
	rng.Shuffle(len(ids), func(i, j int) {
		ids[i], ids[j] = ids[j], ids[i]
	})
}

func (a *Assignment) setOfFold(f int) radar.Set {
	switch f {
	case a.ValidateIndex:
		return radar.Validation
	case a.TestIndex:
		return radar.Testing
	}
	return radar.Training
}

// IDs returns the admitted ids of a set and class, in draw order.
func (a *Assignment) IDs(set radar.Set, isRoost bool) []string {
	if set < radar.Validation || set > radar.Testing {
		return nil
	}
	return append([]string(nil), a.ids[set][classOf(isRoost)]...)
}

// DualPolIDs returns the admitted ids of a set and class that come from
// dual-polarization instruments, in draw order.
func (a *Assignment) DualPolIDs(set radar.Set, isRoost bool) []string {
	if set < radar.Validation || set > radar.Testing {
		return nil
	}
	return append([]string(nil), a.dualPol[set][classOf(isRoost)]...)
}

// Fold returns the fold of an admitted id.
func (a *Assignment) Fold(id string) (int, bool) {
	f, ok := a.fold[id]
	return f, ok
}

// SetOf returns the set an admitted id belongs to.
func (a *Assignment) SetOf(id string) (radar.Set, bool) {
	f, ok := a.fold[id]
	if !ok {
		return 0, false
	}
	return a.setOfFold(f), true
}

// Excluded returns the labeled ids that were left out, in insertion order.
func (a *Assignment) Excluded() []string {
	return append([]string(nil), a.excluded...)
}

// Catalog is the image catalog the assignment was filtered against.
func (a *Assignment) Catalog() *Catalog { return a.catalog }

// Summary describes the size of every set and how evenly the folds are
// filled.
type Summary struct {
	K        int
	Positive map[radar.Set]int
	Negative map[radar.Set]int
	// FoldSizes is the number of admitted files per fold.
	FoldSizes  []int
	FoldMean   float64
	FoldStdDev float64
	Excluded   int
}

// Summary computes the set sizes and fold balance.
func (a *Assignment) Summary() Summary {
	s := Summary{
		K:         a.K,
		Positive:  make(map[radar.Set]int, len(radar.Sets)),
		Negative:  make(map[radar.Set]int, len(radar.Sets)),
		FoldSizes: make([]int, a.K),
		Excluded:  len(a.excluded),
	}
	for _, set := range radar.Sets {
		s.Positive[set] = len(a.ids[set][positive])
		s.Negative[set] = len(a.ids[set][negative])
	}
	for _, f := range a.fold {
		s.FoldSizes[f]++
	}

	sizes := make(stats.Float64Data, len(s.FoldSizes))
	for i, n := range s.FoldSizes {
		sizes[i] = float64(n)
	}
	// errors only on empty input, which K >= 2 rules out
	s.FoldMean, _ = stats.Mean(sizes)
	s.FoldStdDev, _ = stats.StandardDeviation(sizes)
	return s
}

func (s Summary) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Folds: k=%d, sizes %v (mean %.1f, stddev %.1f), excluded %d\n",
		s.K, s.FoldSizes, s.FoldMean, s.FoldStdDev, s.Excluded)

	for _, set := range radar.Sets {
		fmt.Fprintf(&sb, "  %-10s roost: %d, no roost: %d\n", set, s.Positive[set], s.Negative[set])
	}
	return sb.String()
}
