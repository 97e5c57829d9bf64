package store

import (
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/rdk/logging"
	"gonum.org/v1/gonum/mat"

	"eyeinhand/frames"
)

func TestSaveWritesOneArtifactPerViewCount(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir, logging.NewTestLogger(t))

	first, err := frames.FromVector([]float64{10, 20, 30, 0.1, 0.2, 0.3}, frames.ModeEuler)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save(first, 3); err != nil {
		t.Fatalf("save at 3 views failed: %v", err)
	}

	second, err := frames.FromVector([]float64{11, 21, 31, 0.15, 0.25, 0.35}, frames.ModeEuler)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save(second, 5); err != nil {
		t.Fatalf("save at 5 views failed: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d artifacts, want 2", len(entries))
	}

	// The earlier artifact is intact and still holds the earlier result.
	loaded, err := Load(filepath.Join(dir, ArtifactName(3)))
	if err != nil {
		t.Fatalf("load 3-view artifact: %v", err)
	}
	if !mat.EqualApprox(loaded, first, 1e-12) {
		t.Errorf("3-view artifact changed after a later save:\n%v\nwant\n%v",
			mat.Formatted(loaded), mat.Formatted(first))
	}

	loaded, err = Load(filepath.Join(dir, ArtifactName(5)))
	if err != nil {
		t.Fatalf("load 5-view artifact: %v", err)
	}
	if !mat.EqualApprox(loaded, second, 1e-12) {
		t.Errorf("5-view artifact round trip mismatch")
	}
}

func TestSaveRejectsNonTransform(t *testing.T) {
	s := NewFileStore(t.TempDir(), logging.NewTestLogger(t))
	if err := s.Save(mat.NewDense(3, 3, nil), 3); err == nil {
		t.Error("expected an error for a non-4x4 result")
	}
}

func TestSaveReportsWriteFailure(t *testing.T) {
	// Point the store at a path that exists as a regular file so MkdirAll
	// fails.
	dir := t.TempDir()
	blocked := filepath.Join(dir, "out")
	if err := os.WriteFile(blocked, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewFileStore(blocked, logging.NewTestLogger(t))
	if err := s.Save(frames.Identity(), 3); err == nil {
		t.Error("expected an error when the output directory is unusable")
	}
}

func TestLoadRejectsMalformedArtifacts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(path, []byte(`[[1,2],[3,4]]`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected an error for a malformed artifact")
	}
}
