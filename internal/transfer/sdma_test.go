package transfer

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NexusGPU/gpu-checkpoint/internal/kfd"
)

func TestChunkCopySmall(t *testing.T) {
	chunks := ChunkCopy(0x1000, 0x2000, 100)
	require.Len(t, chunks, 1)
	assert.Equal(t, CopyChunk{Src: 0x1000, Dst: 0x2000, Size: 100}, chunks[0])
}

func TestChunkCopyExactCover(t *testing.T) {
	const size = 2*MaxLinearCopy + 5
	chunks := ChunkCopy(0x10000, 0x900000, size)
	require.Len(t, chunks, 3)

	var total uint64
	next := CopyChunk{Src: 0x10000, Dst: 0x900000}
	for _, c := range chunks {
		assert.Equal(t, next.Src, c.Src)
		assert.Equal(t, next.Dst, c.Dst)
		assert.LessOrEqual(t, c.Size, uint32(MaxLinearCopy))
		next.Src += uint64(c.Size)
		next.Dst += uint64(c.Size)
		total += uint64(c.Size)
	}
	assert.Equal(t, uint64(size), total)
	assert.Equal(t, uint32(5), chunks[2].Size)
}

func TestChunkCopyZero(t *testing.T) {
	assert.Empty(t, ChunkCopy(0x1000, 0x2000, 0))
}

func TestLinearCopyIBRoundTrip(t *testing.T) {
	in := []CopyChunk{
		{Src: 0x1_2345_6789, Dst: 0xa_bcde_f012, Size: MaxLinearCopy},
		{Src: 0x1000, Dst: 0x2000, Size: 1},
	}
	ib := BuildLinearCopyIB(in)
	require.Len(t, ib, 2*linearCopyDwords)

	out, err := ParseLinearCopyIB(ib)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestParseLinearCopyIBPartialPacket(t *testing.T) {
	ib := BuildLinearCopyIB([]CopyChunk{{Src: 1, Dst: 2, Size: 3}})
	_, err := ParseLinearCopyIB(ib[:linearCopyDwords-1])
	assert.Error(t, err)
}

func TestParseLinearCopyIBBadOpcode(t *testing.T) {
	ib := BuildLinearCopyIB([]CopyChunk{{Src: 1, Dst: 2, Size: 3}})
	ib[0] = 0x42
	_, err := ParseLinearCopyIB(ib)
	assert.Error(t, err)
}

// fakeQueue executes submitted copies against plain byte slices, standing in
// for a real copy engine.
type fakeQueue struct {
	regions   map[uint64][]byte
	nextVA    uint64
	imports   map[int32][]byte
	submitted int
	closed    bool
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		regions: map[uint64][]byte{},
		imports: map[int32][]byte{},
		nextVA:  0x10_0000,
	}
}

func (q *fakeQueue) mapRegion(buf []byte) uint64 {
	va := q.nextVA
	q.regions[va] = buf
	q.nextVA += uint64(len(buf)) + 0x1000
	return va
}

func (q *fakeQueue) at(addr uint64, size uint32) ([]byte, error) {
	for base, buf := range q.regions {
		if addr >= base && addr+uint64(size) <= base+uint64(len(buf)) {
			off := addr - base
			return buf[off : off+uint64(size)], nil
		}
	}
	return nil, fmt.Errorf("no region covers [%#x,%#x)", addr, addr+uint64(size))
}

func (q *fakeQueue) ImportBuffer(dmabufFD int32, size uint64) (uint64, error) {
	buf, ok := q.imports[dmabufFD]
	if !ok {
		return 0, fmt.Errorf("unknown dmabuf %d", dmabufFD)
	}
	if uint64(len(buf)) != size {
		return 0, fmt.Errorf("dmabuf %d holds %d bytes, want %d", dmabufFD, len(buf), size)
	}
	return q.mapRegion(buf), nil
}

func (q *fakeQueue) AllocStaging(size uint64) (*StagingBuffer, error) {
	buf := make([]byte, size)
	return &StagingBuffer{GPUVA: q.mapRegion(buf), Data: buf}, nil
}

type fakeFence struct{ err error }

func (f fakeFence) Wait(time.Duration) error { return f.err }

func (q *fakeQueue) Submit(ib []uint32) (Fence, error) {
	chunks, err := ParseLinearCopyIB(ib)
	if err != nil {
		return nil, err
	}
	for _, c := range chunks {
		src, err := q.at(c.Src, c.Size)
		if err != nil {
			return nil, err
		}
		dst, err := q.at(c.Dst, c.Size)
		if err != nil {
			return nil, err
		}
		copy(dst, src)
	}
	q.submitted++
	return fakeFence{}, nil
}

func (q *fakeQueue) Close() error {
	q.closed = true
	return nil
}

func vramBO(size uint64, dmabufFD int32) *BO {
	return &BO{Rec: &kfd.BORecord{
		GPUID:      0x1111,
		Size:       size,
		AllocFlags: kfd.AllocFlagVRAM,
		DmabufFD:   dmabufFD,
	}}
}

func TestSDMAStrategyDrain(t *testing.T) {
	device := bytes.Repeat([]byte{0xab, 0xcd}, 2048)
	q := newFakeQueue()
	q.imports[5] = device

	s := &sdmaStrategy{open: func(int) (SDMAQueue, error) { return q, nil }}
	bo := vramBO(uint64(len(device)), 5)
	bo.Data = make([]byte, len(device))

	require.True(t, s.applicable(bo.Rec))
	require.NoError(t, s.run(Drain, &Job{GPUID: 0x1111}, -1, bo))
	assert.Equal(t, device, bo.Data)
	assert.Equal(t, 1, q.submitted)
	assert.True(t, q.closed)
}

func TestSDMAStrategyFill(t *testing.T) {
	device := make([]byte, 4096)
	q := newFakeQueue()
	q.imports[5] = device

	s := &sdmaStrategy{open: func(int) (SDMAQueue, error) { return q, nil }}
	bo := vramBO(uint64(len(device)), 5)
	bo.Data = bytes.Repeat([]byte{0x5a}, len(device))

	require.NoError(t, s.run(Fill, &Job{GPUID: 0x1111}, -1, bo))
	assert.Equal(t, bo.Data, device)
}

func TestSDMAStrategyNotApplicable(t *testing.T) {
	s := newSDMAStrategy()
	assert.False(t, s.applicable(&kfd.BORecord{AllocFlags: kfd.AllocFlagVRAM, DmabufFD: -1}))
	assert.False(t, s.applicable(&kfd.BORecord{AllocFlags: kfd.AllocFlagGTT, DmabufFD: 3}))
	assert.False(t, s.fatal())
}

func TestSDMAStrategyQueueOpenFails(t *testing.T) {
	s := &sdmaStrategy{open: func(int) (SDMAQueue, error) {
		return nil, fmt.Errorf("no engine")
	}}
	err := s.run(Drain, &Job{}, -1, vramBO(16, 5))
	assert.Error(t, err)
}
