package gateway

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"shipment-batch-engine/internal/checksum"
)

// CSVFile is a data source backed by a CSV file with a header row. Rows are keyed by
// keyColumn when set, otherwise by their 1-based position.
type CSVFile struct {
	path      string
	keyColumn string
	exclude   []string

	mu sync.Mutex
}

// NewCSVFile opens nothing; the file is read on every call. exclude names the columns left
// out of checksums (the write-back output columns).
func NewCSVFile(path, keyColumn string, exclude []string) *CSVFile {
	return &CSVFile{path: path, keyColumn: keyColumn, exclude: exclude}
}

func (f *CSVFile) Path() string { return f.path }

type csvTable struct {
	header  []string
	records [][]string
}

func (f *CSVFile) load() (csvTable, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return csvTable{}, fmt.Errorf("open %s: %w", f.path, err)
	}
	defer file.Close()

	r := csv.NewReader(file)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err == io.EOF {
		return csvTable{}, fmt.Errorf("%s: missing header row", f.path)
	}
	if err != nil {
		return csvTable{}, fmt.Errorf("read header: %w", err)
	}
	records, err := r.ReadAll()
	if err != nil {
		return csvTable{}, fmt.Errorf("read records: %w", err)
	}
	if f.keyColumn != "" && indexOf(header, f.keyColumn) < 0 {
		return csvTable{}, fmt.Errorf("%s: key column %q not in header", f.path, f.keyColumn)
	}
	return csvTable{header: header, records: records}, nil
}

func (t csvTable) fields(i int) map[string]string {
	rec := t.records[i]
	out := make(map[string]string, len(t.header))
	for c, name := range t.header {
		if c < len(rec) {
			out[name] = rec[c]
		} else {
			out[name] = ""
		}
	}
	return out
}

func (f *CSVFile) keyOf(t csvTable, i int) string {
	if f.keyColumn == "" {
		return strconv.Itoa(i + 1)
	}
	rec := t.records[i]
	if c := indexOf(t.header, f.keyColumn); c < len(rec) {
		return rec[c]
	}
	return ""
}

func (f *CSVFile) find(t csvTable, key string) (int, error) {
	for i := range t.records {
		if f.keyOf(t, i) == key {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%s row %q: %w", f.path, key, ErrRowNotFound)
}

func (f *CSVFile) ReadRows(_ context.Context) ([]Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, err := f.load()
	if err != nil {
		return nil, err
	}
	rows := make([]Row, 0, len(t.records))
	seen := make(map[string]int, len(t.records))
	for i := range t.records {
		key := f.keyOf(t, i)
		if prev, dup := seen[key]; dup {
			return nil, fmt.Errorf("%s: rows %d and %d share key %q", f.path, prev, i+1, key)
		}
		seen[key] = i + 1
		rows = append(rows, Row{Number: i + 1, Key: key, Fields: t.fields(i)})
	}
	return rows, nil
}

func (f *CSVFile) LiveChecksum(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, err := f.load()
	if err != nil {
		return "", err
	}
	i, err := f.find(t, key)
	if err != nil {
		return "", err
	}
	return checksum.Of(t.fields(i), f.exclude...), nil
}

// WriteBack rewrites the file with the outputs set on the keyed row. Output columns missing
// from the header are appended. The rewrite goes through a temp file and a rename.
func (f *CSVFile) WriteBack(_ context.Context, key string, outputs map[string]string, expectedChecksum string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, err := f.load()
	if err != nil {
		return err
	}
	i, err := f.find(t, key)
	if err != nil {
		return err
	}
	if !checksum.Equal(expectedChecksum, checksum.Of(t.fields(i), f.exclude...)) {
		return fmt.Errorf("%s row %q: %w", f.path, key, ErrConflict)
	}

	for col := range outputs {
		if indexOf(t.header, col) < 0 {
			t.header = append(t.header, col)
		}
	}
	for j, rec := range t.records {
		for len(rec) < len(t.header) {
			rec = append(rec, "")
		}
		t.records[j] = rec
	}
	for col, v := range outputs {
		t.records[i][indexOf(t.header, col)] = v
	}

	return f.save(t)
}

func (f *CSVFile) save(t csvTable) error {
	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(t.header); err != nil {
		tmp.Close()
		return fmt.Errorf("write header: %w", err)
	}
	if err := w.WriteAll(t.records); err != nil {
		tmp.Close()
		return fmt.Errorf("write records: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace %s: %w", f.path, err)
	}
	return nil
}

func indexOf(header []string, name string) int {
	for i, h := range header {
		if h == name {
			return i
		}
	}
	return -1
}
