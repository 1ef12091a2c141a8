package folds

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Noofbiz/birdRoost/radar"
)

// CompositeDir holds the full multi-panel render of each file, written by the
// renderer before it crops out the per-product images.
const CompositeDir = "All"

// Catalog records which images the renderer has produced. It is filled once
// by ScanCatalog (or by hand with Add in tests) and only read afterwards.
type Catalog struct {
	products  map[string]uint8
	composite map[string]bool
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		products:  make(map[string]uint8),
		composite: make(map[string]bool),
	}
}

// Add records that the image of product p exists for id.
func (c *Catalog) Add(id string, p radar.Product) {
	c.products[id] |= radar.Mask([]radar.Product{p})
}

// AddComposite records that the composite render exists for id.
func (c *Catalog) AddComposite(id string) {
	c.composite[id] = true
}

// Rendered reports whether any image exists for id.
func (c *Catalog) Rendered(id string) bool {
	return c.composite[id] || c.products[id] != 0
}

// Has reports whether the image of product p exists for id.
func (c *Catalog) Has(id string, p radar.Product) bool {
	m := radar.Mask([]radar.Product{p})
	return m != 0 && c.products[id]&m == m
}

// HasAll reports whether the images of every product exist for id.
func (c *Catalog) HasAll(id string, products []radar.Product) bool {
	m := radar.Mask(products)
	return c.products[id]&m == m
}

// Len returns the number of ids with at least one image.
func (c *Catalog) Len() int {
	n := len(c.products)
	for id := range c.composite {
		if c.products[id] == 0 {
			n++
		}
	}
	return n
}

// ScanCatalog walks root/<product> for every product, and root/All, and
// records every rendered image it finds. Product directories that do not
// exist yet are skipped. The directories are walked in parallel; ctx is
// checked between entries but a walk is never resumed, a cancelled scan has
// to be run again.
func ScanCatalog(ctx context.Context, fs afero.Fs, root string, log *zap.Logger) (*Catalog, error) {
	if log == nil {
		log = zap.NewNop()
	}

	found := make([][]string, len(radar.Products))
	var composites []string

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range radar.Products {
		suffix := "_" + p.Name() + radar.ImageExt
		g.Go(func() error {
			ids, err := scanDir(gctx, fs, filepath.Join(root, p.Name()), suffix)
			if err != nil {
				return errors.Wrapf(err, "failed to scan %s images", p.Name())
			}
			found[i] = ids
			return nil
		})
	}
	g.Go(func() error {
		ids, err := scanDir(gctx, fs, filepath.Join(root, CompositeDir), radar.ImageExt)
		if err != nil {
			return errors.Wrap(err, "failed to scan composite images")
		}
		composites = ids
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	c := NewCatalog()
	for i, p := range radar.Products {
		for _, id := range found[i] {
			c.Add(id, p)
		}
		log.Debug("scanned product images", zap.String("product", p.Name()), zap.Int("images", len(found[i])))
	}
	for _, id := range composites {
		c.AddComposite(id)
	}
	log.Info("image catalog built", zap.String("root", root), zap.Int("files", c.Len()))
	return c, nil
}

// scanDir returns the ids of all files under dir whose name ends in suffix.
func scanDir(ctx context.Context, fs afero.Fs, dir, suffix string) ([]string, error) {
	if _, err := fs.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var ids []string
	err := afero.Walk(fs, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if info.IsDir() {
			return nil
		}
		name := info.Name()
		if !strings.HasSuffix(name, suffix) || len(name) == len(suffix) {
			return nil
		}
		ids = append(ids, strings.TrimSuffix(name, suffix))
		return nil
	})
	return ids, err
}
