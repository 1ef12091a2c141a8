package radar

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// This file describes the radar products rendered for each NEXRAD file and
// the path layout the image renderer writes them to.
//
// File names follow the archive convention RRRRYYYYMMDD_HHMMSS_V0#, where
// RRRR is the radar site, YYYYMMDD the date and the trailing digit the
// volume coverage version. Versions 6 and above come from dual-polarization
// instruments, which render all four products; older (legacy) instruments
// only produce reflectivity and velocity.

// Product is one of the image modalities derived from a radar volume.
type Product struct {
	index   int
	key     string
	name    string
	dualPol bool
}

var (
	Reflectivity             = Product{index: 0, key: "reflectivity", name: "Reflectivity"}
	Velocity                 = Product{index: 1, key: "velocity", name: "Velocity"}
	CorrelationCoefficient   = Product{index: 2, key: "cc", name: "Correlation_Coefficient", dualPol: true}
	DifferentialReflectivity = Product{index: 3, key: "diff_reflectivity", name: "Differential_Reflectivity", dualPol: true}
)

// Products lists every product in index order.
var Products = []Product{Reflectivity, Velocity, CorrelationCoefficient, DifferentialReflectivity}

// LegacyChannels are the products every instrument renders.
var LegacyChannels = []Product{Reflectivity, Velocity}

// DualPolChannels are the products rendered for dual-polarization instruments.
var DualPolChannels = []Product{Reflectivity, Velocity, CorrelationCoefficient, DifferentialReflectivity}

// Channels returns DualPolChannels when dualPol is set and LegacyChannels
// otherwise.
func Channels(dualPol bool) []Product {
	if dualPol {
		return DualPolChannels
	}
	return LegacyChannels
}

// Index is the product's position in Products. It is also the numeric
// selector accepted on the command line.
func (p Product) Index() int { return p.index }

// Key is the short machine key, e.g. "cc".
func (p Product) Key() string { return p.key }

// Name is the display name used in image paths, e.g. "Correlation_Coefficient".
func (p Product) Name() string { return p.name }

// DualPolOnly reports whether only dual-polarization instruments render p.
func (p Product) DualPolOnly() bool { return p.dualPol }

// IsZero reports whether p is the zero Product.
func (p Product) IsZero() bool { return p.key == "" }

func (p Product) String() string { return p.name }

// ParseProduct accepts a numeric index, a machine key or a display name
// (case-insensitive).
func ParseProduct(s string) (Product, error) {
	s = strings.TrimSpace(s)
	if i, err := strconv.Atoi(s); err == nil {
		if i < 0 || i >= len(Products) {
			return Product{}, errors.Errorf("radar product index %d out of range [0, %d)", i, len(Products))
		}
		return Products[i], nil
	}
	for _, p := range Products {
		if strings.EqualFold(s, p.key) || strings.EqualFold(s, p.name) {
			return p, nil
		}
	}
	return Product{}, errors.Errorf("unknown radar product %q", s)
}

// NeedsDualPol reports whether any of the products is dual-pol only.
func NeedsDualPol(products []Product) bool {
	for _, p := range products {
		if p.dualPol {
			return true
		}
	}
	return false
}

// Mask packs products into a bit set keyed by Index.
func Mask(products []Product) uint8 {
	var m uint8
	for _, p := range products {
		if !p.IsZero() {
			m |= 1 << uint(p.index)
		}
	}
	return m
}

// Set is one of the machine learning sets built from the folds.
type Set int

const (
	Validation Set = iota
	Training
	Testing
)

// Sets lists every set in value order.
var Sets = []Set{Validation, Training, Testing}

func (s Set) String() string {
	switch s {
	case Validation:
		return "Validation"
	case Training:
		return "Training"
	case Testing:
		return "Testing"
	}
	return "Set(" + strconv.Itoa(int(s)) + ")"
}

// ParseSet accepts the set name in any case.
func ParseSet(s string) (Set, error) {
	for _, set := range Sets {
		if strings.EqualFold(strings.TrimSpace(s), set.String()) {
			return set, nil
		}
	}
	return 0, errors.Errorf("unknown set %q", s)
}

// MinIDLength is the shortest file name the date-based rules can slice.
const MinIDLength = 12

// GroupKey returns the date portion (YYYYMMDD) of a file name. Files recorded
// on the same day share a fold.
func GroupKey(id string) string {
	if len(id) < MinIDLength {
		return id
	}
	return id[4:12]
}

// IsDualPol reports whether the file name ends in a single version digit of
// 6 or more.
func IsDualPol(id string) bool {
	if id == "" {
		return false
	}
	last := id[len(id)-1]
	if last < '0' || last > '9' {
		return false
	}
	return last >= '6'
}

// BasePath returns RRRR/YYYY/MM/DD for a file name.
func BasePath(id string) string {
	id = filepath.Base(id)
	if len(id) < MinIDLength {
		return ""
	}
	return filepath.Join(id[0:4], id[4:8], id[8:10], id[10:12])
}

// ImageExt is the extension written by the image renderer.
const ImageExt = ".png"

// ImagePath builds root/<product>/RRRR/YYYY/MM/DD/<id>_<product>.png.
func ImagePath(root, id string, p Product) string {
	return filepath.Join(root, p.name, BasePath(id), id+"_"+p.name+ImageExt)
}

// ImageFileName returns the base name of a product image, <id>_<product>.png.
func ImageFileName(id string, p Product) string {
	return id + "_" + p.name + ImageExt
}
