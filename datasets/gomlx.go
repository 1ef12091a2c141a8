package datasets

import (
	"io"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"

	"github.com/Noofbiz/birdRoost/radar"
)

var _ train.Dataset = (*Dataset)(nil)

// Dataset serves batches of one set and product selection to gomlx training
// loops, implementing gomlx's train.Dataset.
type Dataset struct {
	gen       *BatchGenerator
	set       radar.Set
	products  []radar.Product
	batchSize int

	// BatchesPerEpoch ends an epoch with io.EOF after that many batches.
	// Zero never ends it, which is what training loops that count steps
	// expect.
	BatchesPerEpoch int
	yielded         int
	last            *Batch
}

// NewDataset wraps gen. batchSize <= 0 uses the generator's default.
func NewDataset(gen *BatchGenerator, set radar.Set, products []radar.Product, batchSize int) *Dataset {
	return &Dataset{
		gen:       gen,
		set:       set,
		products:  append([]radar.Product(nil), products...),
		batchSize: batchSize,
	}
}

// Name returns the name of the dataset, e.g. "Training/Reflectivity+Velocity".
func (d *Dataset) Name() string {
	names := make([]string, len(d.products))
	for i, p := range d.products {
		names[i] = p.Name()
	}
	return d.set.String() + "/" + strings.Join(names, "+")
}

// Yield returns the next batch: one images input and one labels tensor. The
// spec is the dataset's Name, the same for every batch, so trainers keep one
// compiled graph per dataset. LastIDs returns the files of the batch.
func (d *Dataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	if d.BatchesPerEpoch > 0 && d.yielded >= d.BatchesPerEpoch {
		return nil, nil, nil, io.EOF
	}
	batch, err := d.gen.GetBatch(d.set, d.products, d.batchSize)
	if err != nil {
		return nil, nil, nil, err
	}
	in, la, err := batch.ToGomlxTensors()
	if err != nil {
		return nil, nil, nil, err
	}
	d.yielded++
	d.last = batch
	return d.Name(), []*tensors.Tensor{in}, []*tensors.Tensor{la}, nil
}

// LastIDs returns the file ids of the last yielded batch, in row order, or
// nil before the first one.
func (d *Dataset) LastIDs() []string {
	if d.last == nil {
		return nil
	}
	return append([]string(nil), d.last.IDs...)
}

// Reset starts a new epoch. Draws are with replacement so there is nothing
// else to rewind.
func (d *Dataset) Reset() {
	d.yielded = 0
}
