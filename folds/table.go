package folds

import (
	"bytes"
	"io"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/Noofbiz/birdRoost/labels"
)

// TableRow is one row of the fold table: which fold a file belongs to.
type TableRow struct {
	AWSFile    string `csv:"AWS_file"`
	SplitIndex int    `csv:"split_index"`
}

// BuildTable splits the labeled files into k folds by date.
//
// Records are visited in insertion order. The first time a date is seen it
// is given the next fold number (a counter modulo k); every later record from
// the same date reuses it. The mapping is shared by both classes, so files
// from the same day can never end up on both sides of a train/test boundary.
// Rows are returned grouped by fold, in insertion order within a fold.
func BuildTable(store *labels.Store, k int) ([]TableRow, error) {
	if k < 2 {
		return nil, &InvalidFoldIndexError{Name: "k", Index: k, K: k}
	}

	foldOf := foldNumbers(store, k)
	byFold := make([][]string, k)
	for _, id := range store.IDs() {
		f := foldOf[id]
		byFold[f] = append(byFold[f], id)
	}

	rows := make([]TableRow, 0, store.Len())
	for f, ids := range byFold {
		for _, id := range ids {
			rows = append(rows, TableRow{AWSFile: id, SplitIndex: f})
		}
	}
	return rows, nil
}

// foldNumbers assigns every record in store a fold in [0, k).
func foldNumbers(store *labels.Store, k int) map[string]int {
	byGroup := make(map[string]int)
	foldOf := make(map[string]int, store.Len())
	next := 0
	for _, r := range store.Records() {
		key := r.GroupKey()
		f, ok := byGroup[key]
		if !ok {
			f = next
			byGroup[key] = f
			next = (next + 1) % k
		}
		foldOf[r.ID] = f
	}
	return foldOf
}

// ReadTable parses a fold table.
func ReadTable(r io.Reader) ([]TableRow, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read fold table")
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("fold table is empty")
	}

	var rows []TableRow
	if err := gocsv.UnmarshalBytes(data, &rows); err != nil {
		return nil, errors.Wrap(err, "failed to parse fold table")
	}
	for i, row := range rows {
		if row.AWSFile == "" {
			return nil, errors.Errorf("fold table row %d has no AWS_file", i+1)
		}
	}
	return rows, nil
}

// WriteTable writes rows as a CSV fold table with a header.
func WriteTable(w io.Writer, rows []TableRow) error {
	if err := gocsv.Marshal(rows, w); err != nil {
		return errors.Wrap(err, "failed to write fold table")
	}
	return nil
}

// ReadTableFile reads the fold table at path from fs.
func ReadTableFile(fs afero.Fs, path string) ([]TableRow, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open fold table %s", path)
	}
	defer f.Close()

	rows, err := ReadTable(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load fold table %s", path)
	}
	return rows, nil
}

// WriteTableFile writes the fold table to path on fs, replacing any existing
// file.
func WriteTableFile(fs afero.Fs, path string, rows []TableRow) error {
	f, err := fs.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create fold table %s", path)
	}
	if err := WriteTable(f, rows); err != nil {
		f.Close()
		return err
	}
	return errors.Wrapf(f.Close(), "failed to close fold table %s", path)
}
