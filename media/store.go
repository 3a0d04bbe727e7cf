package media

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	ErrUnknownDisk = errors.New("unknown disk")
	ErrOutsideDisk = errors.New("path resolves outside disk root")
)

// Disks maps disk labels to root directories on the local filesystem and
// resolves disk-relative paths against them.
type Disks struct {
	roots map[string]string // label -> absolute root
}

// NewDisks creates the disk set, resolving every root to an absolute path.
// Roots are created if missing.
func NewDisks(roots map[string]string) (*Disks, error) {
	resolved := make(map[string]string, len(roots))
	for label, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("invalid root '%s' for disk %s: %w", root, label, err)
		}
		if err := os.MkdirAll(abs, 0755); err != nil {
			return nil, fmt.Errorf("failed to create root directory '%s' for disk %s: %w", abs, label, err)
		}
		resolved[label] = abs
	}
	return &Disks{roots: resolved}, nil
}

// Labels returns the configured disk labels in sorted order
func (d *Disks) Labels() []string {
	labels := make([]string, 0, len(d.roots))
	for label := range d.roots {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// Has reports whether the label is configured
func (d *Disks) Has(disk string) bool {
	_, ok := d.roots[disk]
	return ok
}

// Root returns the absolute root of a disk
func (d *Disks) Root(disk string) (string, error) {
	root, ok := d.roots[disk]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownDisk, disk)
	}
	return root, nil
}

// Resolve joins the disk-relative path elements onto the disk root and
// rejects anything that escapes it.
func (d *Disks) Resolve(disk string, elem ...string) (string, error) {
	root, err := d.Root(disk)
	if err != nil {
		return "", err
	}
	// clean the relative path first to prevent simple traversal tricks
	rel := filepath.Clean(filepath.Join(elem...))
	sep := string(filepath.Separator)
	if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+sep) {
		return "", fmt.Errorf("%w: %s", ErrOutsideDisk, filepath.Join(elem...))
	}
	full := filepath.Join(root, rel)
	return full, nil
}

// Open opens a file on a disk for reading
func (d *Disks) Open(disk string, elem ...string) (*os.File, error) {
	full, err := d.Resolve(disk, elem...)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, fmt.Errorf("failed to open '%s' on disk %s: %w", filepath.Join(elem...), disk, err)
	}
	return f, nil
}

// ReadFile reads a whole file from a disk
func (d *Disks) ReadFile(disk string, elem ...string) ([]byte, error) {
	full, err := d.Resolve(disk, elem...)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("failed to read '%s' on disk %s: %w", filepath.Join(elem...), disk, err)
	}
	return data, nil
}

// Exists reports whether a regular file exists at the location
func (d *Disks) Exists(disk string, elem ...string) (bool, error) {
	full, err := d.Resolve(disk, elem...)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat '%s': %w", full, err)
	}
	return info.Mode().IsRegular(), nil
}

// Save writes data to the location, replacing any previous file atomically.
// Returns the absolute path written.
func (d *Disks) Save(disk, relPath string, data io.Reader) (string, error) {
	full, err := d.Resolve(disk, relPath)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory '%s': %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file in '%s': %w", dir, err)
	}
	if _, err := io.Copy(tmp, data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write data to '%s': %w", full, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to close temp file for '%s': %w", full, err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to move file into place at '%s': %w", full, err)
	}
	return full, nil
}

// Delete removes a file; a missing file is not an error
func (d *Disks) Delete(disk, relPath string) error {
	full, err := d.Resolve(disk, relPath)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete asset '%s': %w", relPath, err)
	}
	return nil
}
