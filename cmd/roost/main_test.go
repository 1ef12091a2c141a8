package main

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Noofbiz/birdRoost/config"
	"github.com/Noofbiz/birdRoost/folds"
	"github.com/Noofbiz/birdRoost/metrics"
	"github.com/Noofbiz/birdRoost/radar"
)

// setupFiles writes a label table for 20 files over 4 dates and renders
// every image except those of the first file.
func setupFiles(t *testing.T) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()

	var csv strings.Builder
	csv.WriteString("AWS_file,Roost,roost_id,lat,lon,radius,roost_time,sunrise_time,radar\n")
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 8, 8))))

	for i := range 20 {
		version := 3
		if i%2 == 0 {
			version = 6
		}
		id := fmt.Sprintf("KMOB201406%02d_%06d_V0%d", 1+i%4, i, version)
		roost := i < 8
		fmt.Fprintf(&csv, "%s,%t,%d,30.5,-88.1,20,2014-06-01 10:00:00,2014-06-01 10:30:00,KMOB\n", id, roost, i)
		if i == 0 {
			continue
		}
		for _, p := range radar.Channels(version >= 6) {
			require.NoError(t, afero.WriteFile(fs, radar.ImagePath("/images", id, p), buf.Bytes(), 0o644))
		}
	}
	require.NoError(t, afero.WriteFile(fs, "/data/labels.csv", []byte(csv.String()), 0o644))
	return fs
}

func run(t *testing.T, fs afero.Fs, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(fs)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	common := []string{"--labels", "/data/labels.csv", "--folds", "/data/folds.csv", "--images", "/images",
		"--k", "4", "--validate-index", "2", "--test-index", "3", "--crop-dim", "2", "--seed", "5"}
	// subcommand, shared flags, then the test's own flags so they win
	full := append([]string{args[0]}, common...)
	cmd.SetArgs(append(full, args[1:]...))
	err := cmd.Execute()
	return out.String(), err
}

func TestSplitStatsBatch(t *testing.T) {
	fs := setupFiles(t)

	out, err := run(t, fs, "split")
	require.NoError(t, err)
	assert.Contains(t, out, "wrote 20 files in 4 folds")

	rows, err := folds.ReadTableFile(fs, "/data/folds.csv")
	require.NoError(t, err)
	assert.Len(t, rows, 20)

	out, err = run(t, fs, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "Labels: 8 roost, 12 no roost")
	assert.Contains(t, out, "excluded 1")

	out, err = run(t, fs, "batch", "--product", "reflectivity", "--product", "velocity", "--count", "2", "--batch-size", "4")
	require.NoError(t, err)
	assert.Contains(t, out, "Batch 0 (Training): 2 roost, 2 no roost, shape [4,4,4,2]")
	assert.Contains(t, out, "Batch 1 (Training)")

	out, err = run(t, fs, "batch", "--dual-pol", "--set", "validation", "--batch-size", "2", "--high-memory")
	require.NoError(t, err)
	assert.Contains(t, out, "shape [2,4,4,4]")
}

func TestBatchErrors(t *testing.T) {
	fs := setupFiles(t)

	_, err := run(t, fs, "batch", "--product", "nope")
	assert.Error(t, err)

	_, err = run(t, fs, "batch", "--set", "holdout")
	assert.Error(t, err)

	// differential reflectivity is never in the legacy index, but GetBatch
	// switches to the dual-pol one
	_, err = run(t, fs, "batch", "--product", "diff_reflectivity", "--batch-size", "2")
	assert.NoError(t, err)

	_, err = run(t, fs, "split", "--k", "1")
	assert.Error(t, err)
}

func TestInitializeErrors(t *testing.T) {
	newApp := func() *app {
		a := &app{fs: setupFiles(t), v: viper.New()}
		config.SetDefaults(a.v)
		a.v.Set("labels", "/data/labels.csv")
		return a
	}

	a := newApp()
	require.NoError(t, a.initialize())
	assert.NotNil(t, a.metrics)

	// metrics already registered on the shared registry
	b := newApp()
	b.registry = a.registry
	err := b.initialize()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to register metrics")
	var already prometheus.AlreadyRegisteredError
	assert.True(t, errors.As(err, &already), "got %v", err)

	c := newApp()
	c.registry = prometheus.NewRegistry()
	_, err = metrics.NewDatasetMetrics(c.registry)
	require.NoError(t, err)
	assert.Error(t, c.initialize())

	d := newApp()
	d.configFile = "/data/missing.yaml"
	err = d.initialize()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file /data/missing.yaml")
}
