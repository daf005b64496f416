package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// snapshotLayout names snapshot files after the event time.
const snapshotLayout = "20060102_150405.000"

// SnapshotSaver writes the event frame as a JPEG into a directory.
type SnapshotSaver struct {
	dir     string
	encoder Encoder
}

// NewSnapshotSaver creates dir if needed.
func NewSnapshotSaver(dir string, encoder Encoder) (*SnapshotSaver, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &SnapshotSaver{dir: dir, encoder: encoder}, nil
}

// Name implements AlertReporter.
func (s *SnapshotSaver) Name() string { return "snapshot" }

// Report implements AlertReporter and sets a.SnapshotPath.
func (s *SnapshotSaver) Report(ctx context.Context, a *Alert) error {
	if a.Frame == nil {
		return fmt.Errorf("alert %s has no frame", a.ID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := s.encoder.Encode(a.Frame)
	if err != nil {
		return err
	}

	path := filepath.Join(s.dir, snapshotName(a))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	a.SnapshotPath = path
	return nil
}

// snapshotName is the event time with millisecond precision, for example
// 20261017_142501.123.jpg.
func snapshotName(a *Alert) string {
	return a.Timestamp.Format(snapshotLayout) + ".jpg"
}
