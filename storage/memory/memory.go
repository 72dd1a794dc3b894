// Package memory implements storage.Backend entirely in memory. It exists
// for tests: it is deterministic, fast, and can simulate a crash that loses
// any suffix of the bytes written since the last sync.
//
// Every write is recorded in a journal until the file it targets is synced.
// Crash replays the synced state plus a caller-chosen number of journaled
// bytes, modelling a process that died while the operating system had
// committed only part of its buffered writes.
package memory

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/davidvella/chunklog/storage"
)

// Backend is an in-memory storage.Backend.
type Backend struct {
	mu     sync.Mutex
	live   map[string][]byte
	synced map[string][]byte
	ops    []writeOp
	stats  *storage.Stats
}

type writeOp struct {
	name string
	off  int64
	data []byte
}

// New returns an empty in-memory backend.
func New() *Backend {
	return &Backend{
		live:   make(map[string][]byte),
		synced: make(map[string][]byte),
	}
}

// SetStats fixes the values returned by Stats. Without it, Stats derives
// free space from a one-terabyte synthetic volume.
func (b *Backend) SetStats(total, free uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats = &storage.Stats{TotalBytes: total, FreeBytes: free}
}

// Crash returns a new backend holding the synced state plus the first
// unsyncedBytes bytes of writes that had not been synced, applied in the
// order they were issued. The final write may be applied partially.
func (b *Backend) Crash(unsyncedBytes int64) *Backend {
	b.mu.Lock()
	defer b.mu.Unlock()

	crashed := New()
	for name, data := range b.synced {
		crashed.live[name] = append([]byte(nil), data...)
		crashed.synced[name] = append([]byte(nil), data...)
	}

	remaining := unsyncedBytes
	for _, op := range b.ops {
		if remaining <= 0 {
			break
		}
		n := int64(len(op.data))
		if n > remaining {
			n = remaining
		}
		crashed.live[op.name] = applyWrite(crashed.live[op.name], op.off, op.data[:n])
		remaining -= n
	}

	for name, data := range crashed.live {
		crashed.synced[name] = append([]byte(nil), data...)
	}
	return crashed
}

func applyWrite(data []byte, off int64, p []byte) []byte {
	end := off + int64(len(p))
	if end > int64(len(data)) {
		grown := make([]byte, end)
		copy(grown, data)
		data = grown
	}
	copy(data[off:end], p)
	return data
}

// CreatePreallocated creates name as size zero-filled bytes.
func (b *Backend) CreatePreallocated(name string, size int64) (storage.File, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.live[name]; ok {
		return nil, fmt.Errorf("memory: file %s already exists", name)
	}
	b.live[name] = make([]byte, size)
	b.synced[name] = make([]byte, size)
	return &memoryFile{backend: b, name: name}, nil
}

// OpenExisting opens name for reading and writing.
func (b *Backend) OpenExisting(name string) (storage.File, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.live[name]; !ok {
		return nil, storage.ErrNotFound
	}
	return &memoryFile{backend: b, name: name}, nil
}

// OpenReadOnly opens a read-only snapshot of name's current contents.
func (b *Backend) OpenReadOnly(name string) (storage.ReadOnlyFile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, ok := b.live[name]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &readOnlyFile{data: append([]byte(nil), data...)}, nil
}

// Rename renames a file.
func (b *Backend) Rename(oldName, newName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, ok := b.live[oldName]
	if !ok {
		return storage.ErrNotFound
	}
	delete(b.live, oldName)
	b.live[newName] = data

	if data, ok := b.synced[oldName]; ok {
		delete(b.synced, oldName)
		b.synced[newName] = data
	}
	for i := range b.ops {
		if b.ops[i].name == oldName {
			b.ops[i].name = newName
		}
	}
	return nil
}

// Truncate resizes name to size bytes.
func (b *Backend) Truncate(name string, size int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, ok := b.live[name]
	if !ok {
		return storage.ErrNotFound
	}
	b.live[name] = resize(data, size)
	if data, ok := b.synced[name]; ok {
		b.synced[name] = resize(data, size)
	}
	return nil
}

func resize(data []byte, size int64) []byte {
	if size <= int64(len(data)) {
		return data[:size]
	}
	grown := make([]byte, size)
	copy(grown, data)
	return grown
}

// Remove deletes name.
func (b *Backend) Remove(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.live[name]; !ok {
		return storage.ErrNotFound
	}
	delete(b.live, name)
	delete(b.synced, name)
	return nil
}

// List returns all file names in sorted order.
func (b *Backend) List() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.live))
	for name := range b.live {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Size reports the size of name.
func (b *Backend) Size(name string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, ok := b.live[name]
	if !ok {
		return 0, storage.ErrNotFound
	}
	return int64(len(data)), nil
}

// Stats reports the configured or synthetic volume capacity.
func (b *Backend) Stats() (storage.Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stats != nil {
		return *b.stats, nil
	}

	const total = uint64(1) << 40
	var used uint64
	for _, data := range b.live {
		used += uint64(len(data))
	}
	return storage.Stats{TotalBytes: total, FreeBytes: total - used}, nil
}

// Sync marks every buffered write durable.
func (b *Backend) Sync() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.syncAllLocked()
	return nil
}

func (b *Backend) syncAllLocked() {
	for name, data := range b.live {
		b.synced[name] = append([]byte(nil), data...)
	}
	b.ops = nil
}

func (b *Backend) syncFileLocked(name string) {
	if data, ok := b.live[name]; ok {
		b.synced[name] = append([]byte(nil), data...)
	}
	remaining := b.ops[:0]
	for _, op := range b.ops {
		if op.name != name {
			remaining = append(remaining, op)
		}
	}
	b.ops = remaining
}

type memoryFile struct {
	backend *Backend
	name    string
}

func (f *memoryFile) ReadAt(p []byte, off int64) (int, error) {
	f.backend.mu.Lock()
	defer f.backend.mu.Unlock()

	data, ok := f.backend.live[f.name]
	if !ok {
		return 0, storage.ErrNotFound
	}
	if off >= int64(len(data)) {
		return 0, io.EOF
	}
	n := copy(p, data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memoryFile) WriteAt(p []byte, off int64) (int, error) {
	f.backend.mu.Lock()
	defer f.backend.mu.Unlock()

	data, ok := f.backend.live[f.name]
	if !ok {
		return 0, storage.ErrNotFound
	}
	f.backend.live[f.name] = applyWrite(data, off, p)
	f.backend.ops = append(f.backend.ops, writeOp{
		name: f.name,
		off:  off,
		data: append([]byte(nil), p...),
	})
	return len(p), nil
}

func (f *memoryFile) Sync() error {
	f.backend.mu.Lock()
	defer f.backend.mu.Unlock()
	f.backend.syncFileLocked(f.name)
	return nil
}

func (f *memoryFile) Size() (int64, error) {
	return f.backend.Size(f.name)
}

func (f *memoryFile) Close() error {
	return nil
}

type readOnlyFile struct {
	data []byte
}

func (f *readOnlyFile) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *readOnlyFile) Len() int {
	return len(f.data)
}

func (f *readOnlyFile) Close() error {
	return nil
}
