package transfer

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/NexusGPU/gpu-checkpoint/internal/kfd"
)

// mmapStrategy maps host-visible device memory straight through the render
// node. Only large-BAR allocations expose their whole extent this way.
type mmapStrategy struct{}

func (mmapStrategy) name() string { return "mmap" }
func (mmapStrategy) fatal() bool  { return true }

func (mmapStrategy) applicable(rec *kfd.BORecord) bool {
	return rec.AllocFlags&kfd.AllocFlagPublic != 0
}

func (mmapStrategy) run(dir Direction, j *Job, memFD int, bo *BO) error {
	off := bo.Rec.Offset
	prot := unix.PROT_READ
	if dir == Fill {
		off = bo.Rec.RestoredOffset
		prot = unix.PROT_WRITE
	}
	data, err := unix.Mmap(j.RenderFD, int64(off), int(bo.Rec.Size), prot, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("map bo at %#x: %w", off, err)
	}
	defer unix.Munmap(data)

	if dir == Drain {
		copy(bo.Data, data)
	} else {
		copy(data, bo.Data)
	}
	return nil
}
