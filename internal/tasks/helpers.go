package tasks

import (
	"errors"
	"log/slog"

	"geoalign/internal/raster"
	"geoalign/internal/storage"
	"geoalign/internal/translate"
)

// recordingReader caches the georeferencing of every raster it reads.
type recordingReader struct {
	RasterReader
	store *storage.Store
	log   *slog.Logger
}

func (r *recordingReader) ReadMetadata(path string) (raster.Metadata, error) {
	md, err := r.RasterReader.ReadMetadata(path)
	if err != nil || r.store == nil {
		return md, err
	}
	fp := md.Footprint()
	rec := storage.RasterRecord{
		FilePath:    path,
		CRS:         md.CRS.String(),
		Width:       md.Width,
		Height:      md.Height,
		PixelWidth:  md.Transform[0],
		PixelHeight: -md.Transform[4],
		MinX:        fp.Min[0],
		MinY:        fp.Min[1],
		MaxX:        fp.Max[0],
		MaxY:        fp.Max[1],
	}
	if err := r.store.RecordRasterMetadata(rec); err != nil {
		r.log.Debug("failed to cache raster metadata", "path", path, "error", err)
	}
	return md, nil
}

// StorageRows converts a result table into ledger rows. matched marks the
// positions that had a target.
func StorageRows(table translate.Table, matched map[int]bool) []storage.ResultRow {
	rows := make([]storage.ResultRow, len(table))
	for i, r := range table {
		rows[i] = storage.ResultRow{
			Position: i,
			TifName:  r.TifName,
			A:        r.A,
			B:        r.B,
			D:        r.D,
			E:        r.E,
			XOff:     r.XOff,
			YOff:     r.YOff,
			Matched:  matched[i],
		}
	}
	return rows
}

// TableFromRows rebuilds a result table from ledger rows.
func TableFromRows(rows []storage.ResultRow) translate.Table {
	t := make(translate.Table, len(rows))
	for i, r := range rows {
		t[i] = translate.Result{TifName: r.TifName, A: r.A, B: r.B, D: r.D, E: r.E, XOff: r.XOff, YOff: r.YOff}
	}
	return t
}

func asMismatch(err error) (*translate.MismatchError, bool) {
	var mm *translate.MismatchError
	ok := errors.As(err, &mm)
	return mm, ok
}
