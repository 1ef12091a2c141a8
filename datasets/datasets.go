package datasets

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/Noofbiz/birdRoost/radar"
)

// This file holds the pieces shared by the batch generator and its gomlx
// adapter.
//
// Layout and intended usage:
//
// BatchGenerator
//   - Built from a label store, a fold assignment and an image resolver
//   - Draws balanced batches: half roost, half no roost, with replacement
//   - Inputs per example: one 2*CropDim x 2*CropDim image per requested
//     radar product, stacked channel last
//   - Labels per example: [1, 0] for a roost, [0, 1] otherwise
//
// Dataset
//   - Wraps a BatchGenerator for one set and product selection so it can be
//     handed to gomlx training loops (Name, Yield, Reset)
//
// Batches are plain float32 buffers with shape metadata; ToGomlxTensors turns
// them into tensors.

// IndexKind picks which id lists a batch is drawn from.
type IndexKind int

const (
	// LegacyIndex holds every admitted file. Only reflectivity and velocity
	// can be drawn from it, since legacy instruments render nothing else.
	LegacyIndex IndexKind = iota
	// DualPolIndex holds the files from dual-polarization instruments.
	DualPolIndex
)

func (k IndexKind) String() string {
	switch k {
	case LegacyIndex:
		return "legacy"
	case DualPolIndex:
		return "dual-pol"
	}
	return fmt.Sprintf("IndexKind(%d)", int(k))
}

var (
	// ErrEmptyIndex is returned when a class has nothing to draw from for the
	// requested set and products.
	ErrEmptyIndex = errors.New("no drawable files")
	// ErrResampleExhausted is returned when too many draws of one batch hit
	// undecodable images.
	ErrResampleExhausted = errors.New("too many undecodable images")
)

// ChannelMismatchError reports a product that cannot be supplied for a
// batch: either it is dual-pol only and was requested from the legacy index,
// or a drawn file has no image for it.
type ChannelMismatchError struct {
	Product radar.Product
	Index   IndexKind
	// ID is empty when the request itself was rejected.
	ID string
}

func (e *ChannelMismatchError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("product %s is not available from the %s index", e.Product.Name(), e.Index)
	}
	return fmt.Sprintf("file %s has no %s image (drawn from the %s index)", e.ID, e.Product.Name(), e.Index)
}
