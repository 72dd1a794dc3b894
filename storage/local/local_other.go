//go:build !linux
// +build !linux

package local

import (
	"os"

	"github.com/davidvella/chunklog/storage"
)

func preallocate(file *os.File, size int64) error {
	if size <= 0 {
		return nil
	}
	return file.Truncate(size)
}

func diskStats(string) (storage.Stats, error) {
	return storage.Stats{}, storage.ErrStatsUnavailable
}
