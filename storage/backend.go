package storage

import (
	"errors"
	"io"
)

// Common errors returned by storage backends.
var (
	ErrNotFound         = errors.New("storage: file not found")
	ErrStatsUnavailable = errors.New("storage: disk statistics unavailable")
)

// File is an open log file. Reads and writes are positional so the engine
// can track its own cursor; nothing is implied about the OS file offset.
type File interface {
	io.ReaderAt
	io.WriterAt

	// Sync forces all written bytes to durable storage.
	Sync() error

	// Size reports the current physical size of the file, which may exceed
	// the bytes logically written due to preallocation.
	Size() (int64, error)

	Close() error
}

// ReadOnlyFile is a file opened for sequential scanning during recovery.
type ReadOnlyFile interface {
	io.ReaderAt
	io.Closer

	// Len reports the physical length of the file.
	Len() int
}

// Stats describes the capacity of the volume holding the log directory.
type Stats struct {
	TotalBytes uint64
	FreeBytes  uint64
}

// Backend abstracts the filesystem operations the log engine needs. All
// names are relative to the backend's log directory. Implementations must
// be safe for concurrent use.
type Backend interface {
	// CreatePreallocated creates a new file and reserves size bytes for it.
	// The file's physical size is at least size after a successful return.
	CreatePreallocated(name string, size int64) (File, error)

	// OpenExisting opens a file for reading and writing.
	OpenExisting(name string) (File, error)

	// OpenReadOnly opens a file for scanning.
	OpenReadOnly(name string) (ReadOnlyFile, error)

	// Rename atomically renames a file within the directory.
	Rename(oldName, newName string) error

	// Truncate resizes a file to size bytes.
	Truncate(name string, size int64) error

	// Remove deletes a file.
	Remove(name string) error

	// List returns the names of all regular files in the directory.
	List() ([]string, error)

	// Size reports the physical size of a named file.
	Size(name string) (int64, error)

	// Stats reports capacity of the underlying volume. Backends that cannot
	// measure it return ErrStatsUnavailable and the engine skips disk-usage
	// admission checks.
	Stats() (Stats, error)

	// Sync makes directory-level changes (create, rename, remove) durable.
	Sync() error
}
