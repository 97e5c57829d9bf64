// Package store persists calibration results, one artifact per view count.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.viam.com/rdk/logging"
	"gonum.org/v1/gonum/mat"
)

// FileStore writes each camera-to-base result as
// {view_count}_views_ctor.json in its directory. Solves at different view
// counts produce distinct artifacts, so calibration quality can be compared
// against number of views after the session ends.
type FileStore struct {
	dir    string
	logger logging.Logger
}

// NewFileStore writes artifacts under dir, creating it on first save.
func NewFileStore(dir string, logger logging.Logger) *FileStore {
	return &FileStore{dir: dir, logger: logger}
}

// Save writes the 4x4 result as row-major JSON, keyed by view count.
func (s *FileStore) Save(result *mat.Dense, viewCount int) error {
	r, c := result.Dims()
	if r != 4 || c != 4 {
		return fmt.Errorf("result must be a 4x4 transform, got %dx%d", r, c)
	}
	rows := make([][]float64, 4)
	for i := range rows {
		rows[i] = make([]float64, 4)
		for j := range rows[i] {
			rows[i][j] = result.At(i, j)
		}
	}
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal calibration result: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	path := filepath.Join(s.dir, ArtifactName(viewCount))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write calibration result: %w", err)
	}
	s.logger.Infof("Saved calibration result for %d views to %s.", viewCount, path)
	return nil
}

// ArtifactName returns the file name used for a given view count.
func ArtifactName(viewCount int) string {
	return fmt.Sprintf("%d_views_ctor.json", viewCount)
}

// Load reads an artifact back into a 4x4 transform.
func Load(path string) (*mat.Dense, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read calibration result: %w", err)
	}
	var rows [][]float64
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parse calibration result: %w", err)
	}
	if len(rows) != 4 {
		return nil, fmt.Errorf("calibration result has %d rows, want 4", len(rows))
	}
	out := mat.NewDense(4, 4, nil)
	for i, row := range rows {
		if len(row) != 4 {
			return nil, fmt.Errorf("calibration result row %d has %d columns, want 4", i, len(row))
		}
		for j, v := range row {
			out.Set(i, j, v)
		}
	}
	return out, nil
}
