// Package local implements storage.Backend on the operating system's
// filesystem. Segment files are preallocated with fallocate where the
// platform supports it, recovery scans read through a read-only memory
// mapping, and disk capacity is measured with statfs.
package local

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/exp/mmap"

	"github.com/davidvella/chunklog/storage"
)

// Backend stores log files in a single directory on the local filesystem.
type Backend struct {
	dir string
}

// New creates the directory if needed and returns a backend rooted at it.
func New(dir string) (*Backend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("local: failed to create directory %s: %w", dir, err)
	}
	return &Backend{dir: dir}, nil
}

// Dir returns the directory the backend is rooted at.
func (b *Backend) Dir() string {
	return b.dir
}

func (b *Backend) path(name string) string {
	return filepath.Join(b.dir, filepath.Base(name))
}

// CreatePreallocated creates name and reserves size bytes for it.
func (b *Backend) CreatePreallocated(name string, size int64) (storage.File, error) {
	file, err := os.OpenFile(b.path(name), os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("local: failed to create file %s: %w", name, err)
	}

	if err := preallocate(file, size); err != nil {
		file.Close()
		os.Remove(b.path(name))
		return nil, fmt.Errorf("local: failed to preallocate %d bytes for %s: %w", size, name, err)
	}

	return &localFile{file: file}, nil
}

// OpenExisting opens name for reading and writing.
func (b *Backend) OpenExisting(name string) (storage.File, error) {
	file, err := os.OpenFile(b.path(name), os.O_RDWR, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("local: failed to open file %s: %w", name, err)
	}
	return &localFile{file: file}, nil
}

// OpenReadOnly opens name through a read-only memory mapping.
func (b *Backend) OpenReadOnly(name string) (storage.ReadOnlyFile, error) {
	reader, err := mmap.Open(b.path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("local: mmap open failed for %s: %w", name, err)
	}
	return reader, nil
}

// Rename renames a file within the directory.
func (b *Backend) Rename(oldName, newName string) error {
	if err := os.Rename(b.path(oldName), b.path(newName)); err != nil {
		return fmt.Errorf("local: failed to rename %s to %s: %w", oldName, newName, err)
	}
	return nil
}

// Truncate resizes name to size bytes.
func (b *Backend) Truncate(name string, size int64) error {
	if err := os.Truncate(b.path(name), size); err != nil {
		return fmt.Errorf("local: failed to truncate %s: %w", name, err)
	}
	return nil
}

// Remove deletes name.
func (b *Backend) Remove(name string) error {
	if err := os.Remove(b.path(name)); err != nil {
		return fmt.Errorf("local: failed to delete %s: %w", name, err)
	}
	return nil
}

// List returns the names of all regular files in the directory.
func (b *Backend) List() ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("local: failed to list %s: %w", b.dir, err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() {
			files = append(files, entry.Name())
		}
	}
	return files, nil
}

// Size reports the physical size of name.
func (b *Backend) Size(name string) (int64, error) {
	info, err := os.Stat(b.path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, storage.ErrNotFound
		}
		return 0, fmt.Errorf("local: failed to stat %s: %w", name, err)
	}
	return info.Size(), nil
}

// Stats reports capacity of the volume holding the directory.
func (b *Backend) Stats() (storage.Stats, error) {
	return diskStats(b.dir)
}

// Sync makes directory-level changes durable.
func (b *Backend) Sync() error {
	dir, err := os.Open(b.dir)
	if err != nil {
		return fmt.Errorf("local: failed to open directory %s: %w", b.dir, err)
	}
	defer dir.Close()

	if err := dir.Sync(); err != nil {
		return fmt.Errorf("local: failed to sync directory %s: %w", b.dir, err)
	}
	return nil
}

type localFile struct {
	file *os.File
}

func (f *localFile) ReadAt(p []byte, off int64) (int, error) {
	return f.file.ReadAt(p, off)
}

func (f *localFile) WriteAt(p []byte, off int64) (int, error) {
	return f.file.WriteAt(p, off)
}

func (f *localFile) Sync() error {
	return f.file.Sync()
}

func (f *localFile) Size() (int64, error) {
	info, err := f.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (f *localFile) Close() error {
	return f.file.Close()
}
