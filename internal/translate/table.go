package translate

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gocarina/gocsv"
)

// Result holds the alignment coefficients for one source image.
type Result struct {
	TifName string  `json:"tif_name" csv:"tif_name"`
	A       float64 `json:"a" csv:"a"`
	B       float64 `json:"b" csv:"b"`
	D       float64 `json:"d" csv:"d"`
	E       float64 `json:"e" csv:"e"`
	XOff    float64 `json:"xoff" csv:"xoff"`
	YOff    float64 `json:"yoff" csv:"yoff"`
}

// IdentityResult is the row emitted for a source without a target.
func IdentityResult(tifName string) Result {
	return Result{TifName: tifName, A: 1, E: 1}
}

// Table is an ordered list of results, one per source image.
type Table []Result

// WriteCSV writes a header row followed by one row per result.
func (t Table) WriteCSV(w io.Writer) error {
	return gocsv.Marshal([]Result(t), w)
}

// WriteFile writes the table to path through a temporary file in the same
// directory, so path only ever holds a complete table.
func (t Table) WriteFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".geoalign-*.csv")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := t.WriteCSV(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// ReadCSV parses a table previously written by WriteCSV.
func ReadCSV(r io.Reader) (Table, error) {
	var rows []Result
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return nil, fmt.Errorf("read result table: %w", err)
	}
	return Table(rows), nil
}
