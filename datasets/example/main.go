package main

// Example command that loads the label table, scans the rendered images,
// builds the folds and converts a few balanced batches into gomlx tensors
// through the Dataset adapter.
//
// Images are decoded lazily, on each draw, with a small cache in front.
//
// Usage:
//   go run ./datasets/example -labels ml_labels.csv -images radar_images
//
// Note: this example expects the renderer to have written at least some
// images under -images. If no image is found for a class the example will
// print an error and exit.

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"

	"github.com/spf13/afero"

	"github.com/Noofbiz/birdRoost/datasets"
	"github.com/Noofbiz/birdRoost/folds"
	"github.com/Noofbiz/birdRoost/images"
	"github.com/Noofbiz/birdRoost/labels"
	"github.com/Noofbiz/birdRoost/radar"
)

func main() {
	labelsPath := flag.String("labels", "ml_labels.csv", "label table")
	imageRoot := flag.String("images", "radar_images", "root of the rendered images")
	batches := flag.Int("batches", 3, "batches to draw")
	flag.Parse()

	ctx := context.Background()
	fs := afero.NewOsFs()

	store, err := labels.LoadFile(fs, *labelsPath, *imageRoot)
	if err != nil {
		log.Fatalf("failed to load labels: %v", err)
	}
	pos, neg := store.Counts()
	fmt.Printf("Loaded %d labeled files (%d roost, %d no roost)\n", store.Len(), pos, neg)

	catalog, err := folds.ScanCatalog(ctx, fs, *imageRoot, nil)
	if err != nil {
		log.Fatalf("failed to scan images: %v", err)
	}
	assignment, err := folds.Assign(store, catalog, folds.Options{K: 5, ValidateIndex: 3, TestIndex: 4})
	if err != nil {
		log.Fatalf("failed to assign folds: %v", err)
	}
	fmt.Print(assignment.Summary())

	resolver, err := images.New(ctx, fs, store, images.Options{Mode: images.Lazy, CacheSize: 256})
	if err != nil {
		log.Fatalf("failed to create image resolver: %v", err)
	}
	gen, err := datasets.NewBatchGenerator(store, assignment, resolver, datasets.Config{Seed: 1})
	if err != nil {
		log.Fatalf("failed to create batch generator: %v", err)
	}

	ds := datasets.NewDataset(gen, radar.Training, radar.LegacyChannels, 8)
	ds.BatchesPerEpoch = *batches
	fmt.Printf("Drawing %d batches from %s\n", *batches, ds.Name())

	for {
		_, inputs, targets, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Fatalf("failed to draw a batch: %v", err)
		}
		ids := ds.LastIDs()
		fmt.Printf("Created tensors: images=%s labels=%s\n", inputs[0].Shape(), targets[0].Shape())
		fmt.Printf("  First example: %s\n", ids[0])
	}
}
