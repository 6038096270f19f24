package conflate

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// ResultsHeader is the column order of the results file.
var ResultsHeader = []string{"neighborhood", "id_existing", "id_new", "match", "username", "time"}

// ErrResultsLocked is returned when another process holds the results file.
var ErrResultsLocked = errors.New("results file is in use by another process")

// ResultsFile is the CSV file holding the authoritative records of one dataset,
// guarded by an advisory lock so two servers never interleave rewrites.
type ResultsFile struct {
	Path string
	lock *flock.Flock
}

// NewResultsFile prepares a results file; the lock lives next to it.
func NewResultsFile(path string) *ResultsFile {
	return &ResultsFile{Path: path, lock: flock.New(path + ".lock")}
}

// Acquire takes the advisory lock without blocking.
func (f *ResultsFile) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return fmt.Errorf("creating results directory: %w", err)
	}
	ok, err := f.lock.TryLock()
	if err != nil {
		return fmt.Errorf("locking %s: %w", f.Path, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrResultsLocked, f.Path)
	}
	return nil
}

// Release drops the advisory lock.
func (f *ResultsFile) Release() error {
	return f.lock.Unlock()
}

// Load reads all records. A missing file yields no records.
func (f *ResultsFile) Load() ([]Record, error) {
	file, err := os.Open(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return []Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening results: %w", err)
	}
	defer file.Close()

	r := csv.NewReader(file)
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return []Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading results header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[h] = i
	}
	for _, h := range ResultsHeader {
		if _, ok := col[h]; !ok {
			return nil, fmt.Errorf("results file %s: missing column %q", f.Path, h)
		}
	}

	records := []Record{}
	for line := 2; ; line++ {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading results line %d: %w", line, err)
		}
		label, err := ParseLabel(row[col["match"]])
		if err != nil {
			return nil, fmt.Errorf("results line %d: %w", line, err)
		}
		t, err := time.ParseInLocation(TimeFormat, row[col["time"]], time.Local)
		if err != nil {
			return nil, fmt.Errorf("results line %d: %w", line, err)
		}
		records = append(records, Record{
			Neighborhood: row[col["neighborhood"]],
			IDExisting:   row[col["id_existing"]],
			IDNew:        row[col["id_new"]],
			Match:        label,
			Username:     row[col["username"]],
			Time:         t,
		})
	}
	return records, nil
}

// Write replaces the file contents with records.
func (f *ResultsFile) Write(records []Record) error {
	rows := make([][]string, len(records))
	for i, r := range records {
		rows[i] = []string{r.Neighborhood, r.IDExisting, r.IDNew, string(r.Match), r.Username, r.Time.Format(TimeFormat)}
	}
	return writeCSVAtomic(f.Path, ResultsHeader, rows)
}

// writeCSVAtomic writes to a temporary file in the target directory and renames it
// over path, so readers never observe a partial file.
func writeCSVAtomic(path string, header []string, rows [][]string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(header); err != nil {
		tmp.Close()
		return err
	}
	if err := w.WriteAll(rows); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}
