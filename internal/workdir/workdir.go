// Package workdir manages the per-run working directory: creation,
// materialization of inputs, debug snapshots and removal.
package workdir

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"securityanalysis/internal/apperrors"
)

// Prefix is prepended to every working directory name.
const Prefix = "dynamic_security_analysis"

const (
	dumpDirName  = "dump"
	dumpFileName = "outputState.dmp"
)

// Dir is a working directory exclusively owned by one run.
type Dir struct {
	path string
}

// Create allocates a fresh, uniquely named directory under root.
func Create(root string) (*Dir, error) {
	if root == "" {
		root = os.TempDir()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, apperrors.WorkingDirectory("workdir.root", err)
	}
	path, err := os.MkdirTemp(root, Prefix+"_")
	if err != nil {
		return nil, apperrors.WorkingDirectory("workdir.create", err)
	}
	return &Dir{path: path}, nil
}

// Path returns the absolute directory path.
func (d *Dir) Path() string {
	return d.path
}

// Join resolves elem relative to the directory.
func (d *Dir) Join(elem ...string) string {
	return filepath.Join(append([]string{d.path}, elem...)...)
}

// MaterializeDump decompresses a gzip payload into dump/outputState.dmp and
// returns the file path.
func (d *Dir) MaterializeDump(gz []byte) (string, error) {
	dumpDir := d.Join(dumpDirName)
	if err := os.MkdirAll(dumpDir, 0o755); err != nil {
		return "", apperrors.WorkingDirectory("workdir.dumpDir", err)
	}
	raw, err := Unzip(gz)
	if err != nil {
		return "", apperrors.DumpFile(dumpDir, err)
	}
	path := filepath.Join(dumpDir, dumpFileName)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", apperrors.DumpFile(dumpDir, err)
	}
	return path, nil
}

// WriteFile writes data to name inside the directory.
func (d *Dir) WriteFile(name string, data []byte) (string, error) {
	path := d.Join(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", apperrors.WorkingDirectory("workdir.write", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", apperrors.WorkingDirectory("workdir.write", err)
	}
	return path, nil
}

// WriteJSON encodes v as JSON into name inside the directory.
func (d *Dir) WriteJSON(name string, v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", apperrors.WorkingDirectory("workdir.encode", fmt.Errorf("%s: %w", name, err))
	}
	return d.WriteFile(name, data)
}

// ReadJSON decodes name inside the directory into v. A missing file returns
// an error matching os.ErrNotExist.
func (d *Dir) ReadJSON(name string, v any) error {
	data, err := os.ReadFile(d.Join(name))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

// Remove deletes the directory tree. Removing an already removed directory
// is not an error.
func (d *Dir) Remove() error {
	if d == nil || d.path == "" {
		return nil
	}
	if err := os.RemoveAll(d.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove working directory %s: %w", d.path, err)
	}
	return nil
}
