// Package images resolves the rendered radar product images of a labeled
// file into normalized grayscale arrays.
//
// A Resolver works in one of two modes. Eager decodes every image of every
// record when it is built and keeps the results for its lifetime; Lazy only
// stores where the images are and decodes on each Get, optionally keeping the
// most recent ones in an LRU cache.
//
// An image that does not exist yet is not an error: the renderer runs
// independently of label publication, so Get returns a nil Image and a nil
// error for it. Callers are expected to have filtered those files out with a
// catalog scan before drawing from them.
package images

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"runtime"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Noofbiz/birdRoost/labels"
	"github.com/Noofbiz/birdRoost/metrics"
	"github.com/Noofbiz/birdRoost/radar"
)

// DefaultCropDim is half the side of the square kept from the center of each
// image, giving 240x240 arrays.
const DefaultCropDim = 120

// Mode selects when images are decoded.
type Mode int

const (
	// Lazy decodes on every Get.
	Lazy Mode = iota
	// Eager decodes everything up front. Sometimes called high memory mode.
	Eager
)

func (m Mode) String() string {
	if m == Eager {
		return "eager"
	}
	return "lazy"
}

// Options configures a Resolver.
type Options struct {
	Mode Mode
	// CropDim defaults to DefaultCropDim.
	CropDim int
	// CacheSize is the number of decoded images kept in Lazy mode. Zero
	// disables the cache.
	CacheSize int
	// Workers bounds the parallel decoders used by Eager mode. Defaults to
	// the number of CPUs.
	Workers int
	Logger  *zap.Logger
	Metrics *metrics.DatasetMetrics
}

// Image is a single channel image, row-major, with values in [0, 1].
type Image struct {
	Data   []float32
	Height int
	Width  int
}

// At returns the value at row y, column x.
func (im *Image) At(y, x int) float32 {
	return im.Data[y*im.Width+x]
}

// ImageDecodeError reports an image file that exists but cannot be used.
type ImageDecodeError struct {
	Path    string
	ID      string
	Product radar.Product
	Err     error
}

func (e *ImageDecodeError) Error() string {
	return "failed to decode " + e.Product.Name() + " image of " + e.ID + " at " + e.Path + ": " + e.Err.Error()
}

func (e *ImageDecodeError) Unwrap() error { return e.Err }

type imageKey struct {
	id      string
	product int
}

type decoded struct {
	img *Image
	err error
}

// Resolver maps (id, product) pairs to images. It is safe for concurrent use.
type Resolver struct {
	fs    afero.Fs
	store *labels.Store
	opts  Options

	// Eager mode results, read-only once New returns.
	loaded map[imageKey]decoded
	// Lazy mode cache, nil when disabled.
	cache *lru.Cache
}

// New builds a Resolver over the records in store. In Eager mode it decodes
// every product image of every record before returning; ctx cancels that
// preload. Decode errors found while preloading do not fail New, they are
// kept and returned by Get.
func New(ctx context.Context, fs afero.Fs, store *labels.Store, opts Options) (*Resolver, error) {
	if opts.CropDim == 0 {
		opts.CropDim = DefaultCropDim
	}
	if opts.CropDim < 0 {
		return nil, errors.Errorf("invalid crop dim %d", opts.CropDim)
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	r := &Resolver{fs: fs, store: store, opts: opts}
	switch opts.Mode {
	case Eager:
		if err := r.preload(ctx); err != nil {
			return nil, err
		}
	case Lazy:
		if opts.CacheSize > 0 {
			cache, err := lru.New(opts.CacheSize)
			if err != nil {
				return nil, errors.Wrap(err, "failed to create image cache")
			}
			r.cache = cache
		}
	default:
		return nil, errors.Errorf("unknown image mode %d", opts.Mode)
	}
	return r, nil
}

// Mode returns the mode the resolver was built with.
func (r *Resolver) Mode() Mode { return r.opts.Mode }

// CropDim returns the half side of the images the resolver produces.
func (r *Resolver) CropDim() int { return r.opts.CropDim }

// Path is where the image of product p for id is stored.
func (r *Resolver) Path(id string, p radar.Product) string {
	if rec, ok := r.store.Get(id); ok {
		return rec.ImagePath(p)
	}
	return radar.ImagePath(r.store.Root(), id, p)
}

// Get returns the image of product p for id. A missing file yields nil, nil.
// A file that cannot be decoded, or is smaller than the crop window, yields
// an *ImageDecodeError.
func (r *Resolver) Get(id string, p radar.Product) (*Image, error) {
	key := imageKey{id: id, product: p.Index()}

	if r.loaded != nil {
		if d, ok := r.loaded[key]; ok {
			return d.img, d.err
		}
		// not a labeled record, fall through to a direct read
	}

	if r.cache != nil {
		if v, ok := r.cache.Get(key); ok {
			r.opts.Metrics.IncrementCacheHits()
			return v.(*Image), nil
		}
		r.opts.Metrics.IncrementCacheMisses()
	}

	img, err := r.decode(id, p)
	if err != nil {
		r.opts.Metrics.IncrementDecodeErrors(p.Name())
		return nil, err
	}
	if img != nil && r.cache != nil {
		r.cache.Add(key, img)
	}
	return img, nil
}

// preload decodes every product image of every record.
func (r *Resolver) preload(ctx context.Context) error {
	type job struct {
		key imageKey
		id  string
		p   radar.Product
	}
	var jobs []job
	for _, rec := range r.store.Records() {
		for _, p := range rec.Channels() {
			jobs = append(jobs, job{key: imageKey{id: rec.ID, product: p.Index()}, id: rec.ID, p: p})
		}
	}

	start := time.Now()
	loaded := make(map[imageKey]decoded, len(jobs))
	var mu sync.Mutex
	failed := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)
	for _, j := range jobs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			img, err := r.decode(j.id, j.p)
			mu.Lock()
			defer mu.Unlock()
			loaded[j.key] = decoded{img: img, err: err}
			if err != nil {
				failed++
				r.opts.Metrics.IncrementDecodeErrors(j.p.Name())
				r.opts.Logger.Warn("failed to decode image", zap.String("id", j.id),
					zap.String("product", j.p.Name()), zap.Error(err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "image preload cancelled")
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "image preload cancelled")
	}

	r.loaded = loaded
	r.opts.Logger.Info("images preloaded",
		zap.Int("images", len(jobs)),
		zap.Int("failed", failed),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// decode reads, converts and crops one image.
func (r *Resolver) decode(id string, p radar.Product) (*Image, error) {
	path := r.Path(id, p)
	f, err := r.fs.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &ImageDecodeError{Path: path, ID: id, Product: p, Err: err}
	}
	defer f.Close()

	start := time.Now()
	src, err := png.Decode(f)
	if err != nil {
		return nil, &ImageDecodeError{Path: path, ID: id, Product: p, Err: err}
	}
	img, err := CenterCrop(src, r.opts.CropDim)
	if err != nil {
		return nil, &ImageDecodeError{Path: path, ID: id, Product: p, Err: err}
	}
	r.opts.Metrics.ObserveDecodeDuration(time.Since(start).Seconds())
	return img, nil
}

// CenterCrop converts src to grayscale and keeps the central 2*dim x 2*dim
// window, normalized to [0, 1].
func CenterCrop(src image.Image, dim int) (*Image, error) {
	b := src.Bounds()
	side := 2 * dim
	if b.Dx() < side || b.Dy() < side {
		return nil, errors.Errorf("image is %dx%d, smaller than the %dx%d crop window", b.Dx(), b.Dy(), side, side)
	}

	y0 := b.Min.Y + b.Dy()/2 - dim
	x0 := b.Min.X + b.Dx()/2 - dim
	out := &Image{Data: make([]float32, side*side), Height: side, Width: side}

	if gray, ok := src.(*image.Gray); ok {
		for y := range side {
			row := gray.Pix[gray.PixOffset(x0, y0+y):]
			for x := range side {
				out.Data[y*side+x] = float32(row[x]) / 255
			}
		}
		return out, nil
	}

	for y := range side {
		for x := range side {
			g := color.Gray16Model.Convert(src.At(x0+x, y0+y)).(color.Gray16)
			out.Data[y*side+x] = float32(g.Y) / 65535
		}
	}
	return out, nil
}
