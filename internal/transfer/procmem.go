package transfer

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/NexusGPU/gpu-checkpoint/internal/kfd"
)

// procMemStrategy goes through the process memory file. On drain it reads
// the buffer's mapping out of the checkpointed process. On fill it maps the
// restored allocation into the calling process and writes through the
// memory file, which reaches device pages an ordinary store cannot.
type procMemStrategy struct{}

func (procMemStrategy) name() string { return "procmem" }
func (procMemStrategy) fatal() bool  { return true }

func (procMemStrategy) applicable(rec *kfd.BORecord) bool { return true }

func (procMemStrategy) run(dir Direction, j *Job, memFD int, bo *BO) error {
	if dir == Drain {
		return readFull(memFD, bo.Data, int64(bo.Rec.Addr))
	}

	data, err := unix.Mmap(j.RenderFD, int64(bo.Rec.RestoredOffset), int(bo.Rec.Size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("map restored bo at %#x: %w", bo.Rec.RestoredOffset, err)
	}
	defer unix.Munmap(data)

	addr := int64(uintptr(unsafe.Pointer(&data[0])))
	return writeFull(memFD, bo.Data, addr)
}

func readFull(fd int, buf []byte, off int64) error {
	for len(buf) > 0 {
		n, err := unix.Pread(fd, buf, off)
		if err != nil {
			return fmt.Errorf("read process memory at %#x: %w", off, err)
		}
		if n == 0 {
			return fmt.Errorf("short read of process memory at %#x", off)
		}
		buf = buf[n:]
		off += int64(n)
	}
	return nil
}

func writeFull(fd int, buf []byte, off int64) error {
	for len(buf) > 0 {
		n, err := unix.Pwrite(fd, buf, off)
		if err != nil {
			return fmt.Errorf("write process memory at %#x: %w", off, err)
		}
		if n == 0 {
			return fmt.Errorf("short write of process memory at %#x", off)
		}
		buf = buf[n:]
		off += int64(n)
	}
	return nil
}
