package datasets

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"io"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Noofbiz/birdRoost/folds"
	"github.com/Noofbiz/birdRoost/images"
	"github.com/Noofbiz/birdRoost/labels"
	"github.com/Noofbiz/birdRoost/metrics"
	"github.com/Noofbiz/birdRoost/radar"
)

const side = 4

// fakeImages serves side x side images whose every pixel is
// (product index + 1) / 10, so channel order can be checked.
type fakeImages struct {
	mu      sync.Mutex
	missing map[string]bool
	corrupt map[string]bool
	calls   map[string]int
}

func newFakeImages() *fakeImages {
	return &fakeImages{missing: map[string]bool{}, corrupt: map[string]bool{}, calls: map[string]int{}}
}

func (f *fakeImages) Get(id string, p radar.Product) (*images.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[id]++

	if f.corrupt[id] {
		return nil, &images.ImageDecodeError{ID: id, Product: p, Path: id, Err: errors.New("truncated")}
	}
	if f.missing[id+"/"+p.Name()] {
		return nil, nil
	}
	data := make([]float32, side*side)
	for i := range data {
		data[i] = float32(p.Index()+1) / 10
	}
	return &images.Image{Data: data, Height: side, Width: side}, nil
}

// makeRecords builds n records spread over `days` dates. The first `pos`
// records are roosts; even records come from dual-pol instruments.
func makeRecords(n, pos, days int) []*labels.Record {
	recs := make([]*labels.Record, n)
	for i := range n {
		version := 3
		if i%2 == 0 {
			version = 6
		}
		recs[i] = &labels.Record{
			ID:      fmt.Sprintf("KMOB201406%02d_%06d_V0%d", 1+i%days, i, version),
			IsRoost: i < pos,
		}
	}
	return recs
}

type fixture struct {
	store   *labels.Store
	catalog *folds.Catalog
	folds   *folds.Assignment
	images  *fakeImages
}

// newFixture is 10 roosts and 90 non roosts over 5 dates, with k=5,
// validation fold 3 and test fold 4. skip lists images missing from the
// catalog as id/product.
func newFixture(t *testing.T, skip map[string]bool) *fixture {
	t.Helper()
	store := labels.NewStore("/img", makeRecords(100, 10, 5))
	catalog := folds.NewCatalog()
	for _, r := range store.Records() {
		for _, p := range r.Channels() {
			if !skip[r.ID+"/"+p.Name()] {
				catalog.Add(r.ID, p)
			}
		}
	}
	a, err := folds.Assign(store, catalog, folds.Options{K: 5, ValidateIndex: 3, TestIndex: 4})
	require.NoError(t, err)
	return &fixture{store: store, catalog: catalog, folds: a, images: newFakeImages()}
}

func (f *fixture) generator(t *testing.T, cfg Config) *BatchGenerator {
	t.Helper()
	if cfg.Seed == 0 {
		cfg.Seed = 42
	}
	g, err := NewBatchGenerator(f.store, f.folds, f.images, cfg)
	require.NoError(t, err)
	return g
}

func TestBalanceAndLabels(t *testing.T) {
	f := newFixture(t, nil)
	g := f.generator(t, Config{})

	for range 20 {
		b, err := g.GetBatch(radar.Training, []radar.Product{radar.Reflectivity}, 8)
		require.NoError(t, err)
		require.Equal(t, 8, b.N)

		pos, neg := b.Counts()
		assert.Equal(t, 4, pos)
		assert.Equal(t, 4, neg)

		for i := range b.N {
			rec, ok := f.store.Get(b.IDs[i])
			require.True(t, ok)
			want := []float32{0, 1}
			if rec.IsRoost {
				want = []float32{1, 0}
			}
			assert.Equal(t, want, b.Labels[i*LabelDim:(i+1)*LabelDim], "label of %s", b.IDs[i])
			// roosts first
			assert.Equal(t, i < 4, rec.IsRoost)
		}
	}
}

func TestShapeContract(t *testing.T) {
	f := newFixture(t, nil)
	g := f.generator(t, Config{})

	tests := []struct {
		name     string
		draw     func() (*Batch, error)
		channels []radar.Product
	}{
		{"single product", func() (*Batch, error) {
			return g.GetBatch(radar.Training, []radar.Product{radar.Velocity}, 6)
		}, []radar.Product{radar.Velocity}},
		{"legacy aggregate", func() (*Batch, error) {
			return g.GetAggregateBatch(radar.Training, false, 6)
		}, radar.LegacyChannels},
		{"dual-pol aggregate", func() (*Batch, error) {
			return g.GetAggregateBatch(radar.Testing, true, 6)
		}, radar.DualPolChannels},
		{"dual-pol product picks the dual-pol index", func() (*Batch, error) {
			return g.GetBatch(radar.Validation, []radar.Product{radar.CorrelationCoefficient}, 4)
		}, []radar.Product{radar.CorrelationCoefficient}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := tt.draw()
			require.NoError(t, err)

			assert.Equal(t, len(tt.channels), b.C)
			assert.Equal(t, side, b.H)
			assert.Equal(t, side, b.W)
			assert.Len(t, b.Images, b.N*b.H*b.W*b.C)
			assert.Len(t, b.Labels, b.N*LabelDim)
			assert.Len(t, b.IDs, b.N)
			assert.Equal(t, tt.channels, b.Products)

			// channel last: every pixel carries one value per product
			ex := b.Example(b.N - 1)
			for px := range b.H * b.W {
				for ch, p := range tt.channels {
					assert.InDelta(t, float32(p.Index()+1)/10, ex[px*b.C+ch], 1e-6)
				}
			}

			if radar.NeedsDualPol(tt.channels) {
				for _, id := range b.IDs {
					assert.True(t, radar.IsDualPol(id), "%s is not dual-pol", id)
				}
			}
		})
	}
}

func TestScenarioTenNinety(t *testing.T) {
	f := newFixture(t, nil)
	g := f.generator(t, Config{})

	b, err := g.GetBatch(radar.Training, []radar.Product{radar.Reflectivity}, 8)
	require.NoError(t, err)

	imgT, labT, err := b.ToGomlxTensors()
	require.NoError(t, err)
	assert.Equal(t, []int{8, side, side, 1}, imgT.Shape().Dimensions)
	assert.Equal(t, []int{8, 2}, labT.Shape().Dimensions)

	for _, id := range b.IDs {
		set, ok := f.folds.SetOf(id)
		require.True(t, ok)
		assert.Equal(t, radar.Training, set)
	}

	// an odd size is truncated to keep the classes balanced
	b, err = g.GetBatch(radar.Training, []radar.Product{radar.Reflectivity}, 9)
	require.NoError(t, err)
	assert.Equal(t, 8, b.N)
}

func TestAbsentImagesNeverDrawn(t *testing.T) {
	// every third file has no velocity image
	skip := map[string]bool{}
	for i, r := range makeRecords(100, 10, 5) {
		if i%3 == 0 {
			skip[r.ID+"/"+radar.Velocity.Name()] = true
		}
	}
	f := newFixture(t, skip)
	for key := range skip {
		f.images.missing[key] = true
	}
	g := f.generator(t, Config{})

	for range 50 {
		b, err := g.GetAggregateBatch(radar.Training, false, 10)
		require.NoError(t, err)
		for _, id := range b.IDs {
			assert.False(t, skip[id+"/"+radar.Velocity.Name()], "%s has no velocity image", id)
		}
	}

	// reflectivity alone may still draw them
	_, err := g.GetBatch(radar.Training, []radar.Product{radar.Reflectivity}, 10)
	assert.NoError(t, err)
}

func TestChannelMismatch(t *testing.T) {
	f := newFixture(t, nil)
	g := f.generator(t, Config{})

	_, err := g.GetBatchFrom(radar.Training, LegacyIndex, []radar.Product{radar.DifferentialReflectivity}, 8)
	var mismatch *ChannelMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, radar.DifferentialReflectivity, mismatch.Product)
	assert.Equal(t, LegacyIndex, mismatch.Index)
	assert.Empty(t, mismatch.ID)

	// an image the catalog promised but the store no longer has
	for _, id := range f.folds.IDs(radar.Testing, true) {
		f.images.missing[id+"/"+radar.Reflectivity.Name()] = true
	}
	_, err = g.GetBatch(radar.Testing, []radar.Product{radar.Reflectivity}, 2)
	require.True(t, errors.As(err, &mismatch))
	assert.NotEmpty(t, mismatch.ID)
	assert.Contains(t, mismatch.Error(), mismatch.ID)
}

func TestDecodeErrorsAreResampled(t *testing.T) {
	f := newFixture(t, nil)
	m, err := metrics.NewDatasetMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	positives := f.folds.IDs(radar.Training, true)
	require.Len(t, positives, 6)
	corrupt := map[string]bool{positives[0]: true, positives[1]: true}
	for id := range corrupt {
		f.images.corrupt[id] = true
	}

	g := f.generator(t, Config{Metrics: m})
	for range 30 {
		b, err := g.GetBatch(radar.Training, radar.LegacyChannels, 8)
		require.NoError(t, err)
		pos, neg := b.Counts()
		assert.Equal(t, 4, pos)
		assert.Equal(t, 4, neg)
		for _, id := range b.IDs {
			assert.False(t, corrupt[id])
		}
	}

	excluded := g.Excluded()
	assert.NotEmpty(t, excluded)
	for _, id := range excluded {
		assert.True(t, corrupt[id])
	}
	assert.InDelta(t, float64(len(excluded)), testutil.ToFloat64(m.Resamples), 0)
	assert.InDelta(t, 30, testutil.ToFloat64(m.BatchesDrawn), 0)

	// once excluded a file is not drawn again
	for _, id := range excluded {
		assert.Equal(t, 1, f.images.calls[id])
	}
}

func TestResampleLimits(t *testing.T) {
	f := newFixture(t, nil)
	for _, id := range f.folds.IDs(radar.Training, true) {
		f.images.corrupt[id] = true
	}

	g := f.generator(t, Config{MaxResample: 1})
	_, err := g.GetBatch(radar.Training, []radar.Product{radar.Reflectivity}, 8)
	assert.True(t, errors.Is(err, ErrResampleExhausted), "got %v", err)

	// with a large budget every positive ends up excluded
	g = f.generator(t, Config{MaxResample: 100})
	_, err = g.GetBatch(radar.Training, []radar.Product{radar.Reflectivity}, 8)
	assert.True(t, errors.Is(err, ErrEmptyIndex), "got %v", err)
	assert.Len(t, g.Excluded(), 6)
}

func TestEmptyIndex(t *testing.T) {
	skip := map[string]bool{}
	for _, r := range makeRecords(100, 10, 5) {
		if r.IsRoost {
			skip[r.ID+"/"+radar.Reflectivity.Name()] = true
		}
	}
	f := newFixture(t, skip)
	g := f.generator(t, Config{})

	_, err := g.GetBatch(radar.Validation, []radar.Product{radar.Reflectivity}, 4)
	assert.True(t, errors.Is(err, ErrEmptyIndex))

	_, err = g.GetBatch(radar.Validation, nil, 4)
	assert.Error(t, err)
	_, err = g.GetBatch(radar.Validation, []radar.Product{radar.Velocity}, 1)
	assert.Error(t, err)
	_, err = g.GetBatchFrom(radar.Validation, IndexKind(5), []radar.Product{radar.Velocity}, 4)
	assert.Error(t, err)
}

func TestDeterministicDraws(t *testing.T) {
	f := newFixture(t, nil)
	g1 := f.generator(t, Config{Seed: 7})
	g2 := f.generator(t, Config{Seed: 7})

	for range 5 {
		b1, err := g1.GetAggregateBatch(radar.Training, false, 8)
		require.NoError(t, err)
		b2, err := g2.GetAggregateBatch(radar.Training, false, 8)
		require.NoError(t, err)
		assert.Equal(t, b1.IDs, b2.IDs)
	}
}

func TestConcurrentDraws(t *testing.T) {
	f := newFixture(t, nil)
	g := f.generator(t, Config{})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				b, err := g.GetBatch(radar.Training, []radar.Product{radar.Reflectivity}, 8)
				if assert.NoError(t, err) {
					assert.Equal(t, 8, b.N)
				}
			}
		}()
	}
	wg.Wait()
}

func TestDatasetYield(t *testing.T) {
	f := newFixture(t, nil)
	ds := NewDataset(f.generator(t, Config{}), radar.Training, radar.LegacyChannels, 6)
	ds.BatchesPerEpoch = 2
	assert.Equal(t, "Training/Reflectivity+Velocity", ds.Name())

	assert.Nil(t, ds.LastIDs())

	// trainers key compiled graphs by spec
	execs := map[any]int{}
	var specs []any
	for range 2 {
		spec, inputs, labels, err := ds.Yield()
		require.NoError(t, err)
		require.Len(t, inputs, 1)
		require.Len(t, labels, 1)
		assert.NotPanics(t, func() { execs[spec]++ })
		specs = append(specs, spec)
		assert.Len(t, ds.LastIDs(), 6)
		assert.Equal(t, []int{6, side, side, 2}, inputs[0].Shape().Dimensions)
		assert.Equal(t, []int{6, 2}, labels[0].Shape().Dimensions)
	}
	assert.Equal(t, specs[0], specs[1])
	assert.Equal(t, map[any]int{ds.Name(): 2}, execs)

	ids := ds.LastIDs()
	ids[0] = "changed"
	assert.NotEqual(t, "changed", ds.LastIDs()[0])
	_, _, _, err := ds.Yield()
	assert.Equal(t, io.EOF, err)

	ds.Reset()
	_, _, _, err = ds.Yield()
	assert.NoError(t, err)
}

func TestEmptyBatchTensors(t *testing.T) {
	_, _, err := (&Batch{}).ToGomlxTensors()
	assert.Error(t, err)
}

// writeImage writes a w x h gray PNG filled with v.
func writeImage(t *testing.T, fs afero.Fs, path string, w, h int, v uint8) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, afero.WriteFile(fs, path, buf.Bytes(), 0o644))
}

func TestGeneratorWithResolver(t *testing.T) {
	fs := afero.NewMemMapFs()
	root := "/images"
	store := labels.NewStore(root, makeRecords(20, 6, 2))
	for i, r := range store.Records() {
		for _, p := range r.Channels() {
			v := uint8(255)
			if i%2 == 1 {
				v = 0
			}
			writeImage(t, fs, r.ImagePath(p), 10, 10, v)
		}
	}
	// one roost is not rendered yet
	missing := store.IDs()[0]
	for _, p := range radar.DualPolChannels {
		require.NoError(t, fs.Remove(radar.ImagePath(root, missing, p)))
	}

	catalog, err := folds.ScanCatalog(context.Background(), fs, root, nil)
	require.NoError(t, err)
	a, err := folds.Assign(store, catalog, folds.Options{K: 2, ValidateIndex: 0, TestIndex: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{missing}, a.Excluded())

	res, err := images.New(context.Background(), fs, store, images.Options{Mode: images.Eager, CropDim: 3})
	require.NoError(t, err)

	g, err := NewBatchGenerator(store, a, res, Config{Seed: 1})
	require.NoError(t, err)

	for _, set := range []radar.Set{radar.Validation, radar.Testing} {
		b, err := g.GetAggregateBatch(set, false, 4)
		require.NoError(t, err)
		assert.Equal(t, 6, b.H)
		assert.Equal(t, 6, b.W)
		assert.Equal(t, 2, b.C)
		assert.NotContains(t, b.IDs, missing)
		for _, v := range b.Images {
			assert.True(t, v == 0 || v == 1)
		}
	}
}
