//go:build linux
// +build linux

package local

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/davidvella/chunklog/storage"
)

// preallocate reserves size bytes without writing them, so later appends
// never block on block allocation.
func preallocate(file *os.File, size int64) error {
	if size <= 0 {
		return nil
	}
	if err := unix.Fallocate(int(file.Fd()), 0, 0, size); err != nil {
		// Filesystems without fallocate support report EOPNOTSUPP.
		if err != unix.EOPNOTSUPP {
			return err
		}
		if err := file.Truncate(size); err != nil {
			return err
		}
	}

	_ = unix.Fadvise(int(file.Fd()), 0, 0, unix.FADV_SEQUENTIAL)
	return nil
}

func diskStats(dir string) (storage.Stats, error) {
	var fs unix.Statfs_t
	if err := unix.Statfs(dir, &fs); err != nil {
		return storage.Stats{}, err
	}
	return storage.Stats{
		TotalBytes: fs.Blocks * uint64(fs.Bsize),
		FreeBytes:  fs.Bavail * uint64(fs.Bsize),
	}, nil
}
