// Package labels loads the machine learning label table: one row per NEXRAD
// file, saying whether the file contains a roost and where.
//
// The loaded Store is immutable. It is built once and handed by reference to
// the fold assigner and the batch generator.
package labels

import (
	"bytes"
	"encoding/csv"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/Noofbiz/birdRoost/radar"
)

// TimeLayout is the layout of the roost_time and sunrise_time columns.
const TimeLayout = "2006-01-02 15:04:05"

// Columns every label table must carry.
var requiredColumns = []string{
	"AWS_file", "Roost", "roost_id", "lat", "lon", "radius", "roost_time", "sunrise_time", "radar",
}

// Record holds everything known about a single labeled file.
type Record struct {
	// ID is the NEXRAD file name, RRRRYYYYMMDD_HHMMSS_V0#.
	ID string
	// IsRoost is true if the file contains a roost.
	IsRoost bool
	// RoostID identifies the roost, "-1" when there is none.
	RoostID string
	// Latitude and Longitude of the roost, NaN when not given.
	Latitude  float64
	Longitude float64
	// Radius of the roost, NaN when not given.
	Radius      float64
	RoostTime   time.Time
	SunriseTime time.Time
	// Radar is the four letter site code.
	Radar string

	root string
}

// GroupKey is the date portion of the file name. Records sharing it are
// always placed in the same fold.
func (r *Record) GroupKey() string { return radar.GroupKey(r.ID) }

// DualPol reports whether the file comes from a dual-polarization instrument.
func (r *Record) DualPol() bool { return radar.IsDualPol(r.ID) }

// Channels lists the products the renderer produces for this file.
func (r *Record) Channels() []radar.Product { return radar.Channels(r.DualPol()) }

// ImagePath is where the renderer writes the image of product p.
func (r *Record) ImagePath(p radar.Product) string { return radar.ImagePath(r.root, r.ID, p) }

// MalformedRecordError reports a label row that could not be turned into a
// Record. Row is the 1-based data row (the header is not counted).
type MalformedRecordError struct {
	Row    int
	Column string
	Value  string
	Err    error
}

func (e *MalformedRecordError) Error() string {
	if e.Column == "" {
		return "malformed label table: " + e.Err.Error()
	}
	if e.Row == 0 {
		return "malformed label table: column " + strconv.Quote(e.Column) + ": " + e.Err.Error()
	}
	return "malformed label row " + strconv.Itoa(e.Row) + ": column " + strconv.Quote(e.Column) +
		" value " + strconv.Quote(e.Value) + ": " + e.Err.Error()
}

func (e *MalformedRecordError) Unwrap() error { return e.Err }

// Store is the immutable id -> Record mapping. It remembers the order rows
// were first seen in, which the fold assignment depends on.
type Store struct {
	root       string
	order      []string
	byID       map[string]*Record
	duplicates int
}

// Len returns the number of distinct ids.
func (s *Store) Len() int { return len(s.order) }

// Get looks up a record by id.
func (s *Store) Get(id string) (*Record, bool) {
	r, ok := s.byID[id]
	return r, ok
}

// IDs returns the ids in insertion order.
func (s *Store) IDs() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Records returns the records in insertion order.
func (s *Store) Records() []*Record {
	out := make([]*Record, len(s.order))
	for i, id := range s.order {
		out[i] = s.byID[id]
	}
	return out
}

// Root is the image root the records resolve their paths against.
func (s *Store) Root() string { return s.root }

// Duplicates is the number of rows that repeated an earlier id.
func (s *Store) Duplicates() int { return s.duplicates }

// Counts returns the number of positive and negative records.
func (s *Store) Counts() (positive, negative int) {
	for _, r := range s.byID {
		if r.IsRoost {
			positive++
		} else {
			negative++
		}
	}
	return positive, negative
}

// NewStore builds a Store directly from records, in the given order. It is
// meant for callers that already hold parsed records; duplicate ids follow
// the same rule as Load.
func NewStore(root string, records []*Record) *Store {
	s := &Store{root: root, byID: make(map[string]*Record, len(records))}
	for _, r := range records {
		rec := *r
		rec.root = root
		s.add(&rec)
	}
	return s
}

// add inserts or replaces a record. A repeated id replaces the earlier fields
// but keeps the earlier position.
func (s *Store) add(r *Record) {
	if _, ok := s.byID[r.ID]; ok {
		s.duplicates++
	} else {
		s.order = append(s.order, r.ID)
	}
	s.byID[r.ID] = r
}

// labelRow mirrors a row of the label table. Everything is read as text so
// parse failures can be reported with their row and column.
type labelRow struct {
	AWSFile     string `csv:"AWS_file"`
	Roost       string `csv:"Roost"`
	RoostID     string `csv:"roost_id"`
	Lat         string `csv:"lat"`
	Lon         string `csv:"lon"`
	Radius      string `csv:"radius"`
	RoostTime   string `csv:"roost_time"`
	SunriseTime string `csv:"sunrise_time"`
	Radar       string `csv:"radar"`
}

// LoadFile reads the label table at path from fs.
func LoadFile(fs afero.Fs, path, root string) (*Store, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open label table %s", path)
	}
	defer f.Close()

	s, err := Load(f, root)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load label table %s", path)
	}
	return s, nil
}

// Load reads a label table. root is the directory the rendered images live
// under; every record resolves its image paths against it.
func Load(r io.Reader, root string) (*Store, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read label table")
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	if err := checkHeader(data); err != nil {
		return nil, err
	}

	var rows []*labelRow
	if err := gocsv.UnmarshalBytes(data, &rows); err != nil {
		return nil, &MalformedRecordError{Err: err}
	}

	s := &Store{root: root, byID: make(map[string]*Record, len(rows))}
	for i, row := range rows {
		rec, err := parseRow(i+1, row)
		if err != nil {
			return nil, err
		}
		rec.root = root
		s.add(rec)
	}
	return s, nil
}

// checkHeader verifies every required column is present.
func checkHeader(data []byte) error {
	header, err := csv.NewReader(bytes.NewReader(data)).Read()
	if err == io.EOF {
		return &MalformedRecordError{Column: requiredColumns[0], Err: errors.New("empty label table")}
	}
	if err != nil {
		return errors.Wrap(err, "failed to read label table header")
	}

	present := make(map[string]bool, len(header))
	for _, col := range header {
		present[strings.TrimSpace(col)] = true
	}
	for _, col := range requiredColumns {
		if !present[col] {
			return &MalformedRecordError{Column: col, Err: errors.New("required column not found")}
		}
	}
	return nil
}

func parseRow(n int, row *labelRow) (*Record, error) {
	malformed := func(col, val string, err error) error {
		return &MalformedRecordError{Row: n, Column: col, Value: val, Err: err}
	}

	id := strings.TrimSpace(row.AWSFile)
	if id == "" {
		return nil, malformed("AWS_file", row.AWSFile, errors.New("required field is empty"))
	}
	if len(id) < radar.MinIDLength {
		return nil, malformed("AWS_file", row.AWSFile, errors.Errorf("file name shorter than %d characters", radar.MinIDLength))
	}

	roost := strings.TrimSpace(row.Roost)
	if roost == "" {
		return nil, malformed("Roost", row.Roost, errors.New("required field is empty"))
	}
	isRoost, err := strconv.ParseBool(roost)
	if err != nil {
		return nil, malformed("Roost", row.Roost, err)
	}

	rec := &Record{
		ID:      id,
		IsRoost: isRoost,
		RoostID: strings.TrimSpace(row.RoostID),
		Radar:   strings.TrimSpace(row.Radar),
	}

	if rec.Latitude, err = parseOptionalFloat(row.Lat); err != nil {
		return nil, malformed("lat", row.Lat, err)
	}
	if rec.Longitude, err = parseOptionalFloat(row.Lon); err != nil {
		return nil, malformed("lon", row.Lon, err)
	}
	if rec.Radius, err = parseOptionalFloat(row.Radius); err != nil {
		return nil, malformed("radius", row.Radius, err)
	}
	if rec.RoostTime, err = parseTime(row.RoostTime); err != nil {
		return nil, malformed("roost_time", row.RoostTime, err)
	}
	if rec.SunriseTime, err = parseTime(row.SunriseTime); err != nil {
		return nil, malformed("sunrise_time", row.SunriseTime, err)
	}
	return rec, nil
}

func parseOptionalFloat(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("required field is empty")
	}
	return time.Parse(TimeLayout, s)
}
