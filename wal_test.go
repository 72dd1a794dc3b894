package chunklog_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidvella/chunklog"
	"github.com/davidvella/chunklog/storage/memory"
)

type recordedEntry struct {
	lsn   uint64
	entry []byte
}

// testManager is a LogManager that records every call. Its checkpoint
// behavior is configurable per test.
type testManager struct {
	mu        sync.Mutex
	recovered []recordedEntry
	sealed    [][]chunklog.SegmentInfo

	recoverErr   error
	reclaimAll   bool
	onCheckpoint func(chunklog.EntryWriter, []chunklog.SegmentInfo) ([]uint64, error)
}

func (m *testManager) Recover(lsn uint64, entry []byte) error {
	if m.recoverErr != nil {
		return m.recoverErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// append to a nil slice would turn an empty entry back into nil.
	m.recovered = append(m.recovered, recordedEntry{lsn: lsn, entry: append(make([]byte, 0, len(entry)), entry...)})
	return nil
}

func (m *testManager) Checkpoint(w chunklog.EntryWriter, sealed []chunklog.SegmentInfo) ([]uint64, error) {
	m.mu.Lock()
	m.sealed = append(m.sealed, append([]chunklog.SegmentInfo(nil), sealed...))
	m.mu.Unlock()

	if m.onCheckpoint != nil {
		return m.onCheckpoint(w, sealed)
	}
	if m.reclaimAll {
		reclaimable := make([]uint64, 0, len(sealed))
		for _, info := range sealed {
			reclaimable = append(reclaimable, info.Sequence)
		}
		return reclaimable, nil
	}
	return nil, nil
}

func (m *testManager) entries() []recordedEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]recordedEntry(nil), m.recovered...)
}

func memConfig(backend *memory.Backend) chunklog.Config {
	cfg := chunklog.DefaultConfig("")
	cfg.Backend = backend
	return cfg
}

func TestRoundTrip(t *testing.T) {
	backend := memory.New()

	log, err := chunklog.Open(memConfig(backend), chunklog.NopManager{})
	require.NoError(t, err)

	payloads := [][]byte{
		[]byte("first"),
		{},
		[]byte("third entry with a longer payload"),
		[]byte{0x00, 0x01, 0x02},
	}
	for _, payload := range payloads {
		_, err := log.Append(payload, chunklog.Buffered)
		require.NoError(t, err)
	}
	require.NoError(t, log.Close())

	manager := &testManager{}
	log, err = chunklog.Open(memConfig(backend), manager)
	require.NoError(t, err)
	defer log.Close()

	recovered := manager.entries()
	require.Len(t, recovered, len(payloads))
	for i, rec := range recovered {
		assert.Equal(t, uint64(i+1), rec.lsn)
		assert.Equal(t, payloads[i], rec.entry)
	}
}

func TestAppendPositions(t *testing.T) {
	backend := memory.New()
	log, err := chunklog.Open(memConfig(backend), chunklog.NopManager{})
	require.NoError(t, err)
	defer log.Close()

	first, err := log.Append([]byte("a"), chunklog.Buffered)
	require.NoError(t, err)
	second, err := log.Append([]byte("b"), chunklog.Buffered)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first.LSN)
	assert.Equal(t, uint64(2), second.LSN)
	assert.Equal(t, first.Segment, second.Segment)
	assert.Greater(t, second.Offset, first.Offset)
	assert.Equal(t, uint64(2), log.LastLSN())
}

func TestSyncedAppendIsDurable(t *testing.T) {
	backend := memory.New()
	log, err := chunklog.Open(memConfig(backend), chunklog.NopManager{})
	require.NoError(t, err)

	_, err = log.Append([]byte("must survive"), chunklog.Synced)
	require.NoError(t, err)

	// Crash without closing: everything unsynced is gone.
	crashed := backend.Crash(0)

	manager := &testManager{}
	recoveredLog, err := chunklog.Open(memConfig(crashed), manager)
	require.NoError(t, err)
	defer recoveredLog.Close()

	recovered := manager.entries()
	require.Len(t, recovered, 1)
	assert.Equal(t, []byte("must survive"), recovered[0].entry)
}

func TestExplicitSync(t *testing.T) {
	backend := memory.New()
	log, err := chunklog.Open(memConfig(backend), chunklog.NopManager{})
	require.NoError(t, err)

	_, err = log.Append([]byte("buffered"), chunklog.Buffered)
	require.NoError(t, err)
	require.NoError(t, log.Sync())

	crashed := backend.Crash(0)

	manager := &testManager{}
	recoveredLog, err := chunklog.Open(memConfig(crashed), manager)
	require.NoError(t, err)
	defer recoveredLog.Close()

	require.Len(t, manager.entries(), 1)
}

func TestConcurrentAppenders(t *testing.T) {
	const (
		writers          = 8
		entriesPerWriter = 25
	)

	backend := memory.New()
	log, err := chunklog.Open(memConfig(backend), chunklog.NopManager{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for writer := 0; writer < writers; writer++ {
		wg.Add(1)
		go func(writer int) {
			defer wg.Done()
			for i := 0; i < entriesPerWriter; i++ {
				payload := fmt.Sprintf("writer %d entry %d", writer, i)
				if _, err := log.Append([]byte(payload), chunklog.Buffered); err != nil {
					t.Errorf("append failed: %v", err)
					return
				}
			}
		}(writer)
	}
	wg.Wait()
	require.NoError(t, log.Close())

	manager := &testManager{}
	recoveredLog, err := chunklog.Open(memConfig(backend), manager)
	require.NoError(t, err)
	defer recoveredLog.Close()

	recovered := manager.entries()
	require.Len(t, recovered, writers*entriesPerWriter)

	seen := make(map[string]bool, len(recovered))
	for i, rec := range recovered {
		// LSNs form a gapless strictly increasing sequence.
		assert.Equal(t, uint64(i+1), rec.lsn)
		seen[string(rec.entry)] = true
	}
	for writer := 0; writer < writers; writer++ {
		for i := 0; i < entriesPerWriter; i++ {
			assert.True(t, seen[fmt.Sprintf("writer %d entry %d", writer, i)])
		}
	}
}

func TestDiskFull(t *testing.T) {
	backend := memory.New()
	log, err := chunklog.Open(memConfig(backend), chunklog.NopManager{})
	require.NoError(t, err)
	defer log.Close()

	backend.SetStats(1000, 10)

	_, err = log.Append(make([]byte, 50), chunklog.Buffered)
	assert.ErrorIs(t, err, chunklog.ErrDiskFull)

	// The rejected append left no state behind; freeing space lets the
	// next append through.
	backend.SetStats(1<<40, 1<<39)
	_, err = log.Append(make([]byte, 50), chunklog.Buffered)
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), log.LastLSN())
}

func TestQuotaExceeded(t *testing.T) {
	backend := memory.New()
	log, err := chunklog.Open(memConfig(backend), chunklog.NopManager{})
	require.NoError(t, err)
	defer log.Close()

	backend.SetStats(1000, 100)

	_, err = log.Append(make([]byte, 50), chunklog.Buffered)
	assert.ErrorIs(t, err, chunklog.ErrQuotaExceeded)
}

func TestQuotaDisabled(t *testing.T) {
	backend := memory.New()
	cfg := memConfig(backend)
	cfg.MaxDiskUsagePercent = 100

	log, err := chunklog.Open(cfg, chunklog.NopManager{})
	require.NoError(t, err)
	defer log.Close()

	backend.SetStats(1000, 100)

	_, err = log.Append(make([]byte, 50), chunklog.Buffered)
	assert.NoError(t, err)
}

func TestClosed(t *testing.T) {
	backend := memory.New()
	log, err := chunklog.Open(memConfig(backend), chunklog.NopManager{})
	require.NoError(t, err)

	require.NoError(t, log.Close())

	_, err = log.Append([]byte("late"), chunklog.Buffered)
	assert.ErrorIs(t, err, chunklog.ErrClosed)
	assert.ErrorIs(t, log.Sync(), chunklog.ErrClosed)
	assert.ErrorIs(t, log.Close(), chunklog.ErrClosed)
}

func TestVersionInfo(t *testing.T) {
	backend := memory.New()

	cfg := memConfig(backend)
	cfg.VersionInfo = []byte("v1")

	log, err := chunklog.Open(cfg, chunklog.NopManager{})
	require.NoError(t, err)
	assert.Nil(t, log.RecoveredVersionInfo())
	_, err = log.Append([]byte("entry"), chunklog.Buffered)
	require.NoError(t, err)
	require.NoError(t, log.Close())

	// A different tag does not block opening; the host reads the stored
	// tag and decides for itself.
	cfg.VersionInfo = []byte("v2")
	log, err = chunklog.Open(cfg, chunklog.NopManager{})
	require.NoError(t, err)
	defer log.Close()
	assert.Equal(t, []byte("v1"), log.RecoveredVersionInfo())
}

func TestDiskUsage(t *testing.T) {
	backend := memory.New()
	cfg := memConfig(backend)
	cfg.PreallocateBytes = 64 * 1024

	log, err := chunklog.Open(cfg, chunklog.NopManager{})
	require.NoError(t, err)
	defer log.Close()

	usage, err := log.DiskUsage()
	require.NoError(t, err)
	assert.Equal(t, int64(64*1024), usage)
}

func TestOpenOnLocalFilesystem(t *testing.T) {
	dir := t.TempDir()

	log, err := chunklog.Open(chunklog.DefaultConfig(dir), chunklog.NopManager{})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := log.Append([]byte(fmt.Sprintf("entry %d", i)), chunklog.Buffered)
		require.NoError(t, err)
	}
	require.NoError(t, log.Close())

	manager := &testManager{}
	log, err = chunklog.Open(chunklog.DefaultConfig(dir), manager)
	require.NoError(t, err)
	defer log.Close()

	recovered := manager.entries()
	require.Len(t, recovered, 10)
	for i, rec := range recovered {
		assert.Equal(t, fmt.Sprintf("entry %d", i), string(rec.entry))
	}
}
