package datasets

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"

	"github.com/Noofbiz/birdRoost/images"
	"github.com/Noofbiz/birdRoost/radar"
)

// LabelDim is the width of a label row: [is_roost, not is_roost].
const LabelDim = 2

// Batch stores a batch in flat contiguous buffers.
type Batch struct {
	// Images is N x H x W x C, channel last.
	Images []float32
	// Labels is N x 2.
	Labels []float32
	// IDs names the file of every example.
	IDs []string
	// Products gives the product of every channel.
	Products []radar.Product

	N, H, W, C int
}

// Example returns the H x W x C image of example i.
func (b *Batch) Example(i int) []float32 {
	size := b.H * b.W * b.C
	return b.Images[i*size : (i+1)*size]
}

// IsRoost reports the class of example i.
func (b *Batch) IsRoost(i int) bool {
	return b.Labels[i*LabelDim] == 1
}

// Counts returns the number of roost and non roost examples.
func (b *Batch) Counts() (positive, negative int) {
	for i := range b.N {
		if b.IsRoost(i) {
			positive++
		} else {
			negative++
		}
	}
	return positive, negative
}

// ToGomlxTensors converts the batch to an images tensor of shape [N,H,W,C]
// and a labels tensor of shape [N,2].
func (b *Batch) ToGomlxTensors() (*tensors.Tensor, *tensors.Tensor, error) {
	if b.N == 0 {
		return nil, nil, errors.New("empty batch")
	}
	if len(b.Images) != b.N*b.H*b.W*b.C || len(b.Labels) != b.N*LabelDim {
		return nil, nil, errors.Errorf("batch buffers do not match shape [%d,%d,%d,%d]", b.N, b.H, b.W, b.C)
	}
	imgT := tensors.FromFlatDataAndDimensions(b.Images, b.N, b.H, b.W, b.C)
	labT := tensors.FromFlatDataAndDimensions(b.Labels, b.N, LabelDim)
	return imgT, labT, nil
}

// batchBuilder accumulates examples in draw order.
type batchBuilder struct {
	products []radar.Product
	h, w     int
	images   []float32
	labels   []float32
	ids      []string
}

// add resolves and interleaves one image per product for id. Nothing is
// appended when it fails.
func (b *batchBuilder) add(src ImageSource, id string, isRoost bool) error {
	channels := make([]*images.Image, len(b.products))
	for i, p := range b.products {
		img, err := src.Get(id, p)
		if err != nil {
			return err
		}
		if img == nil {
			return &ChannelMismatchError{Product: p, ID: id}
		}
		if b.h == 0 {
			b.h, b.w = img.Height, img.Width
		}
		if img.Height != b.h || img.Width != b.w {
			return errors.Errorf("%s image of %s is %dx%d, expected %dx%d", p.Name(), id, img.Width, img.Height, b.w, b.h)
		}
		channels[i] = img
	}

	c := len(channels)
	start := len(b.images)
	b.images = append(b.images, make([]float32, b.h*b.w*c)...)
	example := b.images[start:]
	for ch, img := range channels {
		for px, v := range img.Data {
			example[px*c+ch] = v
		}
	}

	if isRoost {
		b.labels = append(b.labels, 1, 0)
	} else {
		b.labels = append(b.labels, 0, 1)
	}
	b.ids = append(b.ids, id)
	return nil
}

func (b *batchBuilder) build() *Batch {
	return &Batch{
		Images:   b.images,
		Labels:   b.labels,
		IDs:      b.ids,
		Products: append([]radar.Product(nil), b.products...),
		N:        len(b.ids),
		H:        b.h,
		W:        b.w,
		C:        len(b.products),
	}
}
