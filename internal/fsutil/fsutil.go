package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Patterns for the files an input port may hold.
const (
	RasterPattern  = "*.tif"
	ArchivePattern = "*.zip"
)

var (
	ErrMissingDir       = errors.New("input folder does not exist")
	ErrNoArchive        = errors.New("no zip archive found")
	ErrMultipleArchives = errors.New("multiple zip archives found")
	ErrNoRasters        = errors.New("no tif files found")
)

// InputError ties a layout failure to the input port it occurred in.
type InputError struct {
	Port string
	Err  error
}

func (e *InputError) Error() string {
	switch {
	case errors.Is(e.Err, ErrMissingDir):
		return fmt.Sprintf("Input %s folder does not exist.", e.Port)
	case errors.Is(e.Err, ErrNoArchive):
		return fmt.Sprintf("No files with .zip extension found in input data port '%s'", e.Port)
	case errors.Is(e.Err, ErrMultipleArchives):
		return fmt.Sprintf("Multiple files with .zip extension found in input data port '%s'", e.Port)
	case errors.Is(e.Err, ErrNoRasters):
		return fmt.Sprintf("No files with .tif extension found in input data port '%s'", e.Port)
	default:
		return fmt.Sprintf("input data port '%s': %v", e.Port, e.Err)
	}
}

func (e *InputError) Unwrap() error { return e.Err }

// ListMatching returns the regular files directly inside dir whose name matches
// pattern, sorted by name. Matching is case-sensitive and hidden files are skipped.
func ListMatching(dir, pattern string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		ok, err := filepath.Match(pattern, name)
		if err != nil {
			return nil, err
		}
		if ok {
			files = append(files, filepath.Join(dir, name))
		}
	}
	return files, nil
}

// ListRasters returns the *.tif files directly inside dir.
func ListRasters(dir string) ([]string, error) {
	return ListMatching(dir, RasterPattern)
}

// IsRasterFile reports whether path would be picked up by ListRasters.
func IsRasterFile(path string) bool {
	ok, _ := filepath.Match(RasterPattern, filepath.Base(path))
	return ok
}

// IsArchiveFile reports whether path is a zip archive by name.
func IsArchiveFile(path string) bool {
	ok, _ := filepath.Match(ArchivePattern, filepath.Base(path))
	return ok
}

// PrepareInput checks the layout of one input port and returns its rasters.
// With unzip set, the port must hold exactly one archive, which is extracted
// in place and removed first.
func PrepareInput(port, dir string, unzip bool) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, &InputError{Port: port, Err: ErrMissingDir}
	}

	if unzip {
		if err := ExtractSingleArchive(dir); err != nil {
			return nil, &InputError{Port: port, Err: err}
		}
	}

	rasters, err := ListRasters(dir)
	if err != nil {
		return nil, &InputError{Port: port, Err: err}
	}
	if len(rasters) == 0 {
		return nil, &InputError{Port: port, Err: ErrNoRasters}
	}
	return rasters, nil
}
