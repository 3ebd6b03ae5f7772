package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Run statuses.
const (
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// ErrNotFound is returned for unknown run ids.
var ErrNotFound = errors.New("run not found")

// Store wraps SQLite-backed persistence for runs and their result tables.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path with the pure Go driver.
func New(path string) (*Store, error) {
	return Open("sqlite", path)
}

// Open opens the database at path with driver ("sqlite" for modernc.org/sqlite,
// "sqlite3" for mattn/go-sqlite3) and ensures the schema.
func Open(driver, path string) (*Store, error) {
	switch driver {
	case "sqlite", "sqlite3":
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases shared and serialises writers
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
            id TEXT PRIMARY KEY,
            status TEXT NOT NULL,
            source_dir TEXT,
            target_dir TEXT,
            output_path TEXT,
            options_json TEXT,
            row_count INTEGER DEFAULT 0,
            matched_count INTEGER DEFAULT 0,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS run_results (
            run_id TEXT NOT NULL,
            position INTEGER NOT NULL,
            tif_name TEXT NOT NULL,
            a REAL, b REAL, d REAL, e REAL, xoff REAL, yoff REAL,
            matched BOOLEAN DEFAULT FALSE,
            PRIMARY KEY (run_id, position)
        );`,
		`CREATE TABLE IF NOT EXISTS pair_events (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id TEXT NOT NULL,
            tif_name TEXT NOT NULL,
            kind TEXT NOT NULL,
            message TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS raster_metadata (
            file_path TEXT PRIMARY KEY,
            crs TEXT,
            width INTEGER,
            height INTEGER,
            pixel_width REAL,
            pixel_height REAL,
            min_x REAL, min_y REAL, max_x REAL, max_y REAL,
            updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_pair_events_run_id ON pair_events(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord captures persisted run info.
type RunRecord struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	SourceDir   string     `json:"source_dir"`
	TargetDir   string     `json:"target_dir"`
	OutputPath  string     `json:"output_path"`
	OptionsJSON string     `json:"options_json,omitempty"`
	Rows        int        `json:"rows"`
	Matched     int        `json:"matched"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ResultRow is one persisted row of a run's result table.
type ResultRow struct {
	Position int     `json:"position"`
	TifName  string  `json:"tif_name"`
	A        float64 `json:"a"`
	B        float64 `json:"b"`
	D        float64 `json:"d"`
	E        float64 `json:"e"`
	XOff     float64 `json:"xoff"`
	YOff     float64 `json:"yoff"`
	Matched  bool    `json:"matched"`
}

// PairEvent records something notable about one source image of a run.
type PairEvent struct {
	RunID   string    `json:"run_id"`
	TifName string    `json:"tif_name"`
	Kind    string    `json:"kind"` // matched, unmatched, rejected
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// RasterRecord caches the georeferencing of a raster file.
type RasterRecord struct {
	FilePath    string
	CRS         string
	Width       int
	Height      int
	PixelWidth  float64
	PixelHeight float64
	MinX, MinY  float64
	MaxX, MaxY  float64
}

// RecordRunQueued inserts a pending run.
func (s *Store) RecordRunQueued(rec RunRecord) error {
	if s == nil {
		return nil
	}
	status := rec.Status
	if status == "" {
		status = StatusQueued
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO runs (id, status, source_dir, target_dir, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, status, rec.SourceDir, rec.TargetDir, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordRunStart marks a run as running.
func (s *Store) RecordRunStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE runs SET status=?, started_at=CURRENT_TIMESTAMP WHERE id=?;`, StatusRunning, id)
	return err
}

// RecordRunResult finalizes a run with its status and counts.
func (s *Store) RecordRunResult(id, status string, rows, matched int, errMsg string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE runs SET status=?, completed_at=CURRENT_TIMESTAMP, row_count=?, matched_count=?, error_message=? WHERE id=?;`,
		status, rows, matched, errMsg, id)
	return err
}

// RecordRows replaces the stored result table of a run.
func (s *Store) RecordRows(runID string, rows []ResultRow) error {
	if s == nil {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM run_results WHERE run_id=?;`, runID); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO run_results (run_id, position, tif_name, a, b, d, e, xoff, yoff, matched) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if _, err := stmt.Exec(runID, r.Position, r.TifName, r.A, r.B, r.D, r.E, r.XOff, r.YOff, r.Matched); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RecordPairEvent appends an event for one source image.
func (s *Store) RecordPairEvent(ev PairEvent) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO pair_events (run_id, tif_name, kind, message) VALUES (?, ?, ?, ?);`,
		ev.RunID, ev.TifName, ev.Kind, ev.Message)
	return err
}

// RecordRasterMetadata stores the georeferencing of a raster.
func (s *Store) RecordRasterMetadata(rec RasterRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO raster_metadata (file_path, crs, width, height, pixel_width, pixel_height, min_x, min_y, max_x, max_y)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.FilePath, rec.CRS, rec.Width, rec.Height, rec.PixelWidth, rec.PixelHeight, rec.MinX, rec.MinY, rec.MaxX, rec.MaxY)
	return err
}

const runColumns = `id, status, source_dir, target_dir, output_path, options_json, row_count, matched_count, created_at, started_at, completed_at, error_message`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (RunRecord, error) {
	var rec RunRecord
	var source, target, output, options, errorMsg sql.NullString
	var started, completed sql.NullTime
	if err := sc.Scan(&rec.ID, &rec.Status, &source, &target, &output, &options, &rec.Rows, &rec.Matched, &rec.CreatedAt, &started, &completed, &errorMsg); err != nil {
		return rec, err
	}
	rec.SourceDir = source.String
	rec.TargetDir = target.String
	rec.OutputPath = output.String
	rec.OptionsJSON = options.String
	rec.Error = errorMsg.String
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	return rec, nil
}

// RecentRuns returns the latest runs up to limit, newest first.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Run fetches one run by id.
func (s *Store) Run(id string) (RunRecord, error) {
	if s == nil {
		return RunRecord{}, errors.New("store not initialized")
	}
	rec, err := scanRun(s.DB.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id=?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, ErrNotFound
	}
	return rec, err
}

// RunRows returns the stored result table of a run in source order.
func (s *Store) RunRows(runID string) ([]ResultRow, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT position, tif_name, a, b, d, e, xoff, yoff, matched FROM run_results WHERE run_id=? ORDER BY position;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ResultRow
	for rows.Next() {
		var r ResultRow
		if err := rows.Scan(&r.Position, &r.TifName, &r.A, &r.B, &r.D, &r.E, &r.XOff, &r.YOff, &r.Matched); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PairEvents returns the events of a run in insertion order.
func (s *Store) PairEvents(runID string) ([]PairEvent, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT run_id, tif_name, kind, message, created_at FROM pair_events WHERE run_id=? ORDER BY id;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PairEvent
	for rows.Next() {
		var ev PairEvent
		var msg sql.NullString
		if err := rows.Scan(&ev.RunID, &ev.TifName, &ev.Kind, &msg, &ev.At); err != nil {
			return nil, err
		}
		ev.Message = msg.String
		out = append(out, ev)
	}
	return out, rows.Err()
}

// RasterMetadata returns the cached georeferencing of a file.
func (s *Store) RasterMetadata(path string) (RasterRecord, error) {
	if s == nil {
		return RasterRecord{}, errors.New("store not initialized")
	}
	var rec RasterRecord
	err := s.DB.QueryRow(`SELECT file_path, crs, width, height, pixel_width, pixel_height, min_x, min_y, max_x, max_y FROM raster_metadata WHERE file_path=?;`, path).
		Scan(&rec.FilePath, &rec.CRS, &rec.Width, &rec.Height, &rec.PixelWidth, &rec.PixelHeight, &rec.MinX, &rec.MinY, &rec.MaxX, &rec.MaxY)
	return rec, err
}
