package chunklog_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidvella/chunklog"
	"github.com/davidvella/chunklog/segment"
	"github.com/davidvella/chunklog/storage/memory"
)

// flipByte corrupts a single byte of a file in place.
func flipByte(t *testing.T, backend *memory.Backend, name string, off int64) {
	t.Helper()

	file, err := backend.OpenExisting(name)
	require.NoError(t, err)
	defer file.Close()

	buf := make([]byte, 1)
	_, err = file.ReadAt(buf, off)
	require.NoError(t, err)
	buf[0] ^= 0x40
	_, err = file.WriteAt(buf, off)
	require.NoError(t, err)
	require.NoError(t, file.Sync())
}

func TestReopenEmptyLog(t *testing.T) {
	backend := memory.New()

	log, err := chunklog.Open(memConfig(backend), chunklog.NopManager{})
	require.NoError(t, err)
	require.NoError(t, log.Close())

	manager := &testManager{}
	log, err = chunklog.Open(memConfig(backend), manager)
	require.NoError(t, err)
	defer log.Close()

	assert.Empty(t, manager.entries())

	pos, err := log.Append([]byte("first"), chunklog.Buffered)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), pos.LSN)
}

func TestTornTailDiscarded(t *testing.T) {
	backend := memory.New()
	cfg := memConfig(backend)
	cfg.BufferBytes = 1

	log, err := chunklog.Open(cfg, chunklog.NopManager{})
	require.NoError(t, err)

	_, err = log.Append([]byte("durable"), chunklog.Synced)
	require.NoError(t, err)
	_, err = log.Append(make([]byte, 100), chunklog.Buffered)
	require.NoError(t, err)

	// The crash commits only the first five bytes of the second entry's
	// chunk, leaving a torn tail after the durable entry.
	crashed := backend.Crash(5)

	manager := &testManager{}
	cfg.Backend = crashed
	log, err = chunklog.Open(cfg, manager)
	require.NoError(t, err)

	recovered := manager.entries()
	require.Len(t, recovered, 1)
	assert.Equal(t, []byte("durable"), recovered[0].entry)

	// The torn entry was never acknowledged; its sequence number is free.
	pos, err := log.Append([]byte("charlie"), chunklog.Buffered)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), pos.LSN)
	require.NoError(t, log.Close())

	manager = &testManager{}
	log, err = chunklog.Open(cfg, manager)
	require.NoError(t, err)
	defer log.Close()

	recovered = manager.entries()
	require.Len(t, recovered, 2)
	assert.Equal(t, []byte("durable"), recovered[0].entry)
	assert.Equal(t, []byte("charlie"), recovered[1].entry)
}

func TestSpanningEntryRecovered(t *testing.T) {
	backend := memory.New()
	cfg := memConfig(backend)
	cfg.PreallocateBytes = 1024

	log, err := chunklog.Open(cfg, chunklog.NopManager{})
	require.NoError(t, err)

	big := bytes.Repeat([]byte{0xAB}, 3000)
	pos, err := log.Append(big, chunklog.Buffered)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), pos.Segment)
	require.NoError(t, log.Close())

	names, err := backend.List()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(names), 3)

	manager := &testManager{}
	log, err = chunklog.Open(cfg, manager)
	require.NoError(t, err)
	defer log.Close()

	recovered := manager.entries()
	require.Len(t, recovered, 1)
	assert.Equal(t, uint64(1), recovered[0].lsn)
	assert.Equal(t, big, recovered[0].entry)
}

func TestCorruptionInSealedSegment(t *testing.T) {
	backend := memory.New()

	log, err := chunklog.Open(memConfig(backend), chunklog.NopManager{})
	require.NoError(t, err)
	_, err = log.Append([]byte("aaaa"), chunklog.Synced)
	require.NoError(t, err)
	require.NoError(t, log.Close())

	// Close sealed the segment, so a flip anywhere inside the sealed
	// region is unambiguous damage, not a torn tail.
	flipByte(t, backend, segment.Name(1), 39+9+8)

	_, err = chunklog.Open(memConfig(backend), chunklog.NopManager{})
	assert.ErrorIs(t, err, chunklog.ErrCorruption)
}

func TestFlipInUnsealedTailIsTorn(t *testing.T) {
	backend := memory.New()

	log, err := chunklog.Open(memConfig(backend), chunklog.NopManager{})
	require.NoError(t, err)
	_, err = log.Append([]byte("aaaa"), chunklog.Synced)
	require.NoError(t, err)
	_, err = log.Append([]byte("bbbb"), chunklog.Synced)
	require.NoError(t, err)

	// Crash instead of closing so the segment stays unsealed, then damage
	// the last entry. With nothing valid after it the flip cannot be told
	// apart from a torn tail, so it is treated as one.
	crashed := backend.Crash(0)
	flipByte(t, crashed, segment.Name(1), 60+9+8)

	manager := &testManager{}
	cfg := memConfig(crashed)
	log, err = chunklog.Open(cfg, manager)
	require.NoError(t, err)
	defer log.Close()

	recovered := manager.entries()
	require.Len(t, recovered, 1)
	assert.Equal(t, []byte("aaaa"), recovered[0].entry)
	assert.Equal(t, uint64(1), log.LastLSN())
}

func TestFlipBeforeValidChunkIsCorruption(t *testing.T) {
	backend := memory.New()

	log, err := chunklog.Open(memConfig(backend), chunklog.NopManager{})
	require.NoError(t, err)
	_, err = log.Append([]byte("aaaa"), chunklog.Synced)
	require.NoError(t, err)
	_, err = log.Append([]byte("bbbb"), chunklog.Synced)
	require.NoError(t, err)
	_, err = log.Append([]byte("cccc"), chunklog.Synced)
	require.NoError(t, err)

	// Same flip as the torn-tail case, but here a verifiable chunk follows
	// the damaged one. Data was written past the failure, so it cannot be
	// a torn tail.
	crashed := backend.Crash(0)
	flipByte(t, crashed, segment.Name(1), 60+9+8)

	_, err = chunklog.Open(memConfig(crashed), chunklog.NopManager{})
	assert.ErrorIs(t, err, chunklog.ErrCorruption)
}

func TestTornSpanningEntryDropsFragmentSegments(t *testing.T) {
	backend := memory.New()
	cfg := memConfig(backend)
	cfg.PreallocateBytes = 1024
	cfg.BufferBytes = 1

	log, err := chunklog.Open(cfg, chunklog.NopManager{})
	require.NoError(t, err)

	_, err = log.Append([]byte("head"), chunklog.Synced)
	require.NoError(t, err)

	// This entry spans into segment 2. Sealing segment 1 during the roll
	// synced its fragment; the crash then loses most of segment 2, keeping
	// its header and five bytes of the continuation chunk.
	_, err = log.Append(make([]byte, 1500), chunklog.Buffered)
	require.NoError(t, err)
	crashed := backend.Crash(39 + 5)

	manager := &testManager{}
	cfg.Backend = crashed
	log, err = chunklog.Open(cfg, manager)
	require.NoError(t, err)

	recovered := manager.entries()
	require.Len(t, recovered, 1)
	assert.Equal(t, []byte("head"), recovered[0].entry)

	// Segment 2 held nothing but fragments of the torn entry; it is gone
	// and writing restarted in a fresh segment.
	names, err := crashed.List()
	require.NoError(t, err)
	assert.NotContains(t, names, segment.Name(2))
	assert.Contains(t, names, segment.Name(3))

	pos, err := log.Append([]byte("after"), chunklog.Buffered)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), pos.LSN)
	require.NoError(t, log.Close())

	manager = &testManager{}
	log, err = chunklog.Open(cfg, manager)
	require.NoError(t, err)
	defer log.Close()

	recovered = manager.entries()
	require.Len(t, recovered, 2)
	assert.Equal(t, []byte("after"), recovered[1].entry)
}

// writeEntrySegment builds a segment file holding a single complete entry,
// bypassing the writer so tests can shape the file layout directly.
func writeEntrySegment(t *testing.T, backend *memory.Backend, sequence, lsn uint64, payload []byte) int64 {
	t.Helper()

	seg, err := segment.Create(backend, segment.Header{
		Sequence:          sequence,
		PreallocatedBytes: 1024,
		BaseLSN:           lsn,
	}, 16*1024)
	require.NoError(t, err)

	fragment := binary.LittleEndian.AppendUint64(nil, lsn)
	fragment = append(fragment, payload...)
	_, err = seg.AppendChunk(fragment, false)
	require.NoError(t, err)
	require.NoError(t, seg.Sync())

	cursor := seg.Cursor()
	require.NoError(t, seg.Close())
	return cursor
}

func TestTornTailDiscardsLaterSegments(t *testing.T) {
	backend := memory.New()

	// Segment 1 holds a good entry followed by a damaged chunk header: a
	// declared length with a checksum nothing written there can satisfy.
	end := writeEntrySegment(t, backend, 1, 1, []byte("alpha"))
	file, err := backend.OpenExisting(segment.Name(1))
	require.NoError(t, err)
	_, err = file.WriteAt([]byte{20, 0, 0, 0, 0xDE, 0xAD}, end)
	require.NoError(t, err)
	require.NoError(t, file.Sync())
	require.NoError(t, file.Close())

	// Segment 2 holds a well-formed entry, but it sits past the torn tail.
	writeEntrySegment(t, backend, 2, 3, []byte("gamma"))

	manager := &testManager{}
	cfg := memConfig(backend)
	cfg.PreallocateBytes = 1024
	log, err := chunklog.Open(cfg, manager)
	require.NoError(t, err)
	defer log.Close()

	// The log ends at the torn chunk. The entry behind it survives; the
	// entry past it follows a gap in the sequence and is discarded with
	// its segment.
	recovered := manager.entries()
	require.Len(t, recovered, 1)
	assert.Equal(t, uint64(1), recovered[0].lsn)
	assert.Equal(t, []byte("alpha"), recovered[0].entry)

	names, err := backend.List()
	require.NoError(t, err)
	assert.NotContains(t, names, segment.Name(2))

	pos, err := log.Append([]byte("bravo"), chunklog.Buffered)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), pos.LSN)
}

func TestCorruptHeaderBeforeLastSegmentFails(t *testing.T) {
	backend := memory.New()

	writeEntrySegment(t, backend, 1, 1, []byte("alpha"))
	writeEntrySegment(t, backend, 2, 2, []byte("bravo"))

	// A broken header on anything but the newest file is damage to settled
	// data, never a crash artifact.
	flipByte(t, backend, segment.Name(1), 0)

	_, err := chunklog.Open(memConfig(backend), chunklog.NopManager{})
	assert.ErrorIs(t, err, chunklog.ErrCorruption)
}

func TestHeaderlessTrailingFileRemoved(t *testing.T) {
	backend := memory.New()

	log, err := chunklog.Open(memConfig(backend), chunklog.NopManager{})
	require.NoError(t, err)
	_, err = log.Append([]byte("entry"), chunklog.Buffered)
	require.NoError(t, err)
	require.NoError(t, log.Close())

	// A crash between preallocation and the first flush leaves the next
	// segment file zero-filled.
	_, err = backend.CreatePreallocated(segment.Name(2), 1024)
	require.NoError(t, err)

	manager := &testManager{}
	log, err = chunklog.Open(memConfig(backend), manager)
	require.NoError(t, err)
	defer log.Close()

	require.Len(t, manager.entries(), 1)

	names, err := backend.List()
	require.NoError(t, err)
	assert.NotContains(t, names, segment.Name(2))
}

func TestPartialHeaderTrailingFileRemoved(t *testing.T) {
	backend := memory.New()

	log, err := chunklog.Open(memConfig(backend), chunklog.NopManager{})
	require.NoError(t, err)
	_, err = log.Append([]byte("entry"), chunklog.Buffered)
	require.NoError(t, err)
	require.NoError(t, log.Close())

	// A crash mid-flush can leave the newest file with only the first
	// bytes of its header. It is a crash artifact like the zero-filled
	// case, not corruption.
	file, err := backend.CreatePreallocated(segment.Name(2), 1024)
	require.NoError(t, err)
	_, err = file.WriteAt([]byte("CLOG"), 0)
	require.NoError(t, err)
	require.NoError(t, file.Sync())
	require.NoError(t, file.Close())

	manager := &testManager{}
	log, err = chunklog.Open(memConfig(backend), manager)
	require.NoError(t, err)
	defer log.Close()

	require.Len(t, manager.entries(), 1)

	names, err := backend.List()
	require.NoError(t, err)
	assert.NotContains(t, names, segment.Name(2))
}

func TestRecoveryAborted(t *testing.T) {
	backend := memory.New()

	log, err := chunklog.Open(memConfig(backend), chunklog.NopManager{})
	require.NoError(t, err)
	_, err = log.Append([]byte("entry"), chunklog.Buffered)
	require.NoError(t, err)
	require.NoError(t, log.Close())

	manager := &testManager{recoverErr: errors.New("apply failed")}
	_, err = chunklog.Open(memConfig(backend), manager)
	assert.ErrorIs(t, err, chunklog.ErrRecoveryAborted)
}
