package datasets

import (
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Noofbiz/birdRoost/folds"
	"github.com/Noofbiz/birdRoost/images"
	"github.com/Noofbiz/birdRoost/labels"
	"github.com/Noofbiz/birdRoost/metrics"
	"github.com/Noofbiz/birdRoost/radar"
)

const (
	// DefaultBatchSize is used when a call asks for a batch size <= 0.
	DefaultBatchSize = 32
	// DefaultMaxResample bounds the redraws of a single batch.
	DefaultMaxResample = 64
)

// Config configures a BatchGenerator.
type Config struct {
	BatchSize int
	// Seed for the draws. Zero seeds from the clock.
	Seed int64
	// MaxResample is the number of undecodable draws tolerated per batch.
	MaxResample int
	Logger      *zap.Logger
	Metrics     *metrics.DatasetMetrics
}

// ImageSource resolves one product image of a file. *images.Resolver is the
// implementation used outside of tests.
type ImageSource interface {
	Get(id string, p radar.Product) (*images.Image, error)
}

type poolKey struct {
	set     radar.Set
	index   IndexKind
	isRoost bool
	mask    uint8
}

// BatchGenerator draws balanced batches from a fold assignment.
//
// It is safe for concurrent use. The draws share one random source and are
// serialized; images are resolved outside the lock.
type BatchGenerator struct {
	store   *labels.Store
	folds   *folds.Assignment
	images  ImageSource
	cfg     Config
	log     *zap.Logger
	metrics *metrics.DatasetMetrics

	mu    sync.Mutex
	rng   *rand.Rand
	bad   map[string]bool
	pools map[poolKey][]string
}

// NewBatchGenerator returns a generator over assignment. Images are looked up
// through src.
func NewBatchGenerator(store *labels.Store, assignment *folds.Assignment, src ImageSource, cfg Config) (*BatchGenerator, error) {
	if store == nil || assignment == nil || src == nil {
		return nil, errors.New("batch generator needs a label store, a fold assignment and an image source")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxResample <= 0 {
		cfg.MaxResample = DefaultMaxResample
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &BatchGenerator{
		store:   store,
		folds:   assignment,
		images:  src,
		cfg:     cfg,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		bad:     make(map[string]bool),
		pools:   make(map[poolKey][]string),
	}, nil
}

// GetBatch draws a batch of the given products from set. The dual-pol index
// is used when any product needs it, the legacy index otherwise.
func (g *BatchGenerator) GetBatch(set radar.Set, products []radar.Product, batchSize int) (*Batch, error) {
	index := LegacyIndex
	if radar.NeedsDualPol(products) {
		index = DualPolIndex
	}
	return g.GetBatchFrom(set, index, products, batchSize)
}

// GetAggregateBatch draws a batch of every product a class of instrument
// renders: all four from the dual-pol index when dualPol is set, reflectivity
// and velocity from the legacy index otherwise.
func (g *BatchGenerator) GetAggregateBatch(set radar.Set, dualPol bool, batchSize int) (*Batch, error) {
	index := LegacyIndex
	if dualPol {
		index = DualPolIndex
	}
	return g.GetBatchFrom(set, index, radar.Channels(dualPol), batchSize)
}

// GetBatchFrom draws batchSize/2 roost and batchSize/2 non roost files from
// the given index of set, uniformly and with replacement, and stacks one
// image per product for each. Roosts come first.
//
// Files whose image for some product is missing from the catalog are never
// drawn. A drawn file whose image fails to decode is excluded from later
// draws and replaced, up to MaxResample times per batch.
func (g *BatchGenerator) GetBatchFrom(set radar.Set, index IndexKind, products []radar.Product, batchSize int) (*Batch, error) {
	if len(products) == 0 {
		return nil, errors.New("no products requested")
	}
	if batchSize <= 0 {
		batchSize = g.cfg.BatchSize
	}
	half := batchSize / 2
	if half == 0 {
		return nil, errors.Errorf("batch size %d is too small to balance", batchSize)
	}
	if index != LegacyIndex && index != DualPolIndex {
		return nil, errors.Errorf("unknown index %d", index)
	}
	if index == LegacyIndex {
		for _, p := range products {
			if p.DualPolOnly() {
				return nil, &ChannelMismatchError{Product: p, Index: index}
			}
		}
	}

	b := &batchBuilder{products: products}
	resamples := 0
	for _, isRoost := range []bool{true, false} {
		for range half {
			for {
				id, err := g.draw(set, index, isRoost, products)
				if err != nil {
					return nil, err
				}
				err = b.add(g.images, id, isRoost)
				if err == nil {
					break
				}

				var decodeErr *images.ImageDecodeError
				if !errors.As(err, &decodeErr) {
					if mismatch, ok := err.(*ChannelMismatchError); ok {
						mismatch.Index = index
					}
					return nil, err
				}
				g.markBad(id, decodeErr)
				resamples++
				g.metrics.IncrementResamples()
				if resamples > g.cfg.MaxResample {
					return nil, errors.Wrapf(ErrResampleExhausted, "%d redraws for a %s batch", resamples, set)
				}
			}
		}
	}

	batch := b.build()
	g.metrics.ObserveBatch(set.String(), batch.N)
	g.log.Debug("batch drawn",
		zap.Stringer("set", set),
		zap.Stringer("index", index),
		zap.Int("size", batch.N),
		zap.Int("channels", batch.C),
		zap.Int("resamples", resamples))
	return batch, nil
}

// draw picks one drawable id of a class.
func (g *BatchGenerator) draw(set radar.Set, index IndexKind, isRoost bool, products []radar.Product) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := poolKey{set: set, index: index, isRoost: isRoost, mask: radar.Mask(products)}
	pool, ok := g.pools[key]
	if !ok {
		pool = g.buildPool(set, index, isRoost, products)
		g.pools[key] = pool
	}

	if len(pool) == 0 {
		return "", errors.Wrapf(ErrEmptyIndex, "%s %s files in the %s index", set, className(isRoost), index)
	}
	return pool[g.rng.Intn(len(pool))], nil
}

// buildPool lists the ids of a class that have every product rendered and
// have not failed to decode. Called with g.mu held.
func (g *BatchGenerator) buildPool(set radar.Set, index IndexKind, isRoost bool, products []radar.Product) []string {
	var ids []string
	if index == DualPolIndex {
		ids = g.folds.DualPolIDs(set, isRoost)
	} else {
		ids = g.folds.IDs(set, isRoost)
	}

	catalog := g.folds.Catalog()
	pool := ids[:0]
	for _, id := range ids {
		if g.bad[id] || !catalog.HasAll(id, products) {
			continue
		}
		pool = append(pool, id)
	}
	return pool
}

// markBad excludes id from every later draw.
func (g *BatchGenerator) markBad(id string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.bad[id] {
		return
	}
	g.bad[id] = true
	for key, pool := range g.pools {
		for i, poolID := range pool {
			if poolID == id {
				g.pools[key] = append(pool[:i:i], pool[i+1:]...)
				break
			}
		}
	}
	g.log.Warn("excluding file with an undecodable image", zap.String("id", id), zap.Error(err))
}

// Excluded returns the ids dropped from sampling after a decode error.
func (g *BatchGenerator) Excluded() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ids := make([]string, 0, len(g.bad))
	for id := range g.bad {
		ids = append(ids, id)
	}
	return ids
}

// Assignment is the fold assignment the generator draws from.
func (g *BatchGenerator) Assignment() *folds.Assignment { return g.folds }

func className(isRoost bool) string {
	if isRoost {
		return "roost"
	}
	return "no roost"
}
