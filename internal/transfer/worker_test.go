package transfer

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"runtime"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NexusGPU/gpu-checkpoint/internal/errdefs"
	"github.com/NexusGPU/gpu-checkpoint/internal/kfd"
)

// renderFile stands in for a render device: a regular file whose offsets
// play the role of device mmap offsets.
func renderFile(t *testing.T, size int) (*os.File, int) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "renderD")
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	require.NoError(t, f.Truncate(int64(size)))
	return f, int(f.Fd())
}

func TestMmapStrategyDrain(t *testing.T) {
	f, fd := renderFile(t, 8192)
	want := bytes.Repeat([]byte{0x77}, 4096)
	_, err := f.WriteAt(want, 4096)
	require.NoError(t, err)

	bo := &BO{
		Rec: &kfd.BORecord{
			Size:       4096,
			Offset:     4096,
			AllocFlags: kfd.AllocFlagVRAM | kfd.AllocFlagPublic,
		},
		Data: make([]byte, 4096),
	}
	s := mmapStrategy{}
	require.True(t, s.applicable(bo.Rec))
	require.NoError(t, s.run(Drain, &Job{RenderFD: fd}, -1, bo))
	assert.Equal(t, want, bo.Data)
}

func TestMmapStrategyFill(t *testing.T) {
	f, fd := renderFile(t, 8192)

	bo := &BO{
		Rec: &kfd.BORecord{
			Size:           4096,
			RestoredOffset: 4096,
			AllocFlags:     kfd.AllocFlagVRAM | kfd.AllocFlagPublic,
		},
		Data: bytes.Repeat([]byte{0x3c}, 4096),
	}
	require.NoError(t, mmapStrategy{}.run(Fill, &Job{RenderFD: fd}, -1, bo))

	got := make([]byte, 4096)
	_, err := f.ReadAt(got, 4096)
	require.NoError(t, err)
	assert.Equal(t, bo.Data, got)
}

func TestMmapStrategyNotApplicable(t *testing.T) {
	assert.False(t, mmapStrategy{}.applicable(&kfd.BORecord{AllocFlags: kfd.AllocFlagVRAM}))
	assert.True(t, mmapStrategy{}.fatal())
}

func openSelfMem(t *testing.T) int {
	t.Helper()
	f, err := os.OpenFile("/proc/self/mem", os.O_RDWR, 0)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return int(f.Fd())
}

func TestProcMemStrategyDrain(t *testing.T) {
	src := bytes.Repeat([]byte{0xe1, 0xe2}, 512)
	bo := &BO{
		Rec: &kfd.BORecord{
			Addr:       uint64(uintptr(unsafe.Pointer(&src[0]))),
			Size:       uint64(len(src)),
			AllocFlags: kfd.AllocFlagGTT,
		},
		Data: make([]byte, len(src)),
	}

	s := procMemStrategy{}
	require.True(t, s.applicable(bo.Rec))
	require.NoError(t, s.run(Drain, &Job{}, openSelfMem(t), bo))
	runtime.KeepAlive(src)
	assert.Equal(t, src, bo.Data)
}

func TestProcMemStrategyFill(t *testing.T) {
	f, fd := renderFile(t, 4096)

	bo := &BO{
		Rec:  &kfd.BORecord{Size: 4096, AllocFlags: kfd.AllocFlagGTT},
		Data: bytes.Repeat([]byte{0x42}, 4096),
	}
	require.NoError(t, procMemStrategy{}.run(Fill, &Job{RenderFD: fd}, openSelfMem(t), bo))

	got := make([]byte, 4096)
	_, err := f.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, bo.Data, got)
}

// stubStrategy records calls and returns a fixed result.
type stubStrategy struct {
	id      string
	ok      func(rec *kfd.BORecord) bool
	abort   bool
	err     error
	calls   int
	lastDir Direction
}

func (s *stubStrategy) name() string                      { return s.id }
func (s *stubStrategy) fatal() bool                       { return s.abort }
func (s *stubStrategy) applicable(r *kfd.BORecord) bool   { return s.ok == nil || s.ok(r) }
func (s *stubStrategy) run(d Direction, _ *Job, _ int, bo *BO) error {
	s.calls++
	s.lastDir = d
	if s.err != nil {
		return s.err
	}
	for i := range bo.Data {
		bo.Data[i] = 0x99
	}
	return nil
}

func gttBO(size uint64) *BO {
	return &BO{Rec: &kfd.BORecord{Size: size, AllocFlags: kfd.AllocFlagGTT}}
}

func selfJob(bos ...*BO) *Job {
	return &Job{GPUID: 0x1111, Pid: uint32(os.Getpid()), BOs: bos}
}

func TestEngineFallbackChain(t *testing.T) {
	flaky := &stubStrategy{id: "first", err: errors.New("engine wedged")}
	solid := &stubStrategy{id: "second"}
	e := &Engine{strategies: []strategy{flaky, solid}}

	bo := gttBO(64)
	require.NoError(t, e.Run(Drain, []*Job{selfJob(bo)}))
	assert.Equal(t, 1, flaky.calls)
	assert.Equal(t, 1, solid.calls)
	assert.Equal(t, bytes.Repeat([]byte{0x99}, 64), bo.Data)
}

func TestEngineFatalStrategyStops(t *testing.T) {
	bad := &stubStrategy{id: "first", abort: true, err: errors.New("bad mapping")}
	next := &stubStrategy{id: "second"}
	e := &Engine{strategies: []strategy{bad, next}}

	err := e.Run(Drain, []*Job{selfJob(gttBO(64))})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad mapping")
	assert.Equal(t, 0, next.calls)
}

func TestEngineExhaustedChain(t *testing.T) {
	e := &Engine{strategies: []strategy{
		&stubStrategy{id: "only", err: errors.New("nope")},
	}}
	err := e.Run(Drain, []*Job{selfJob(gttBO(64))})
	assert.ErrorIs(t, err, errdefs.ErrTransferFailure)
}

func TestEngineSkipsInapplicable(t *testing.T) {
	picky := &stubStrategy{id: "picky", ok: func(*kfd.BORecord) bool { return false }}
	catchall := &stubStrategy{id: "catchall"}
	e := &Engine{strategies: []strategy{picky, catchall}}

	require.NoError(t, e.Run(Fill, []*Job{selfJob(gttBO(8))}))
	assert.Equal(t, 0, picky.calls)
	assert.Equal(t, 1, catchall.calls)
	assert.Equal(t, Fill, catchall.lastDir)
}

func TestEngineSkipsUnmappable(t *testing.T) {
	s := &stubStrategy{id: "any"}
	e := &Engine{strategies: []strategy{s}}

	doorbell := &BO{Rec: &kfd.BORecord{Size: 8, AllocFlags: kfd.AllocFlagDoorbell}}
	require.NoError(t, e.Run(Drain, []*Job{selfJob(doorbell)}))
	assert.Equal(t, 0, s.calls)
	assert.Nil(t, doorbell.Data)
}

func TestEngineFirstErrorWins(t *testing.T) {
	fail := &stubStrategy{id: "s", ok: func(r *kfd.BORecord) bool { return r.Size == 32 }, abort: true, err: errors.New("boom")}
	e := &Engine{strategies: []strategy{fail, &stubStrategy{id: "ok"}}}

	jobs := []*Job{
		selfJob(gttBO(64)),
		{GPUID: 0x2222, Pid: uint32(os.Getpid()), BOs: []*BO{gttBO(32)}},
	}
	err := e.Run(Drain, jobs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), fmt.Sprintf("gpu %#x", 0x2222))

	// the healthy job still ran to completion
	assert.Len(t, jobs[0].BOs[0].Data, 64)
}

func TestEngineDrainAllocatesData(t *testing.T) {
	e := &Engine{strategies: []strategy{&stubStrategy{id: "any"}}}
	bo := gttBO(128)
	require.NoError(t, e.Run(Drain, []*Job{selfJob(bo)}))
	assert.Len(t, bo.Data, 128)
}

func TestNewEngineChainOrder(t *testing.T) {
	e := NewEngine()
	require.Len(t, e.strategies, 3)
	assert.Equal(t, "sdma", e.strategies[0].name())
	assert.Equal(t, "mmap", e.strategies[1].name())
	assert.Equal(t, "procmem", e.strategies[2].name())
}

func openFDCount(t *testing.T) int {
	t.Helper()
	ents, err := os.ReadDir("/proc/self/fd")
	require.NoError(t, err)
	return len(ents)
}

func TestEngineLeaksNoDescriptors(t *testing.T) {
	fail := &stubStrategy{id: "bad", abort: true, err: errors.New("boom")}
	e := &Engine{strategies: []strategy{fail}}
	jobs := []*Job{selfJob(gttBO(16)), selfJob(gttBO(16)), selfJob(gttBO(16))}

	before := openFDCount(t)
	require.Error(t, e.Run(Drain, jobs))
	assert.Equal(t, before, openFDCount(t), "every worker closes its memory file on failure")

	ok := &Engine{strategies: []strategy{&stubStrategy{id: "ok"}}}
	require.NoError(t, ok.Run(Drain, jobs))
	assert.Equal(t, before, openFDCount(t))
}
