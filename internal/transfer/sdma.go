/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package transfer

import (
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/NexusGPU/gpu-checkpoint/internal/kfd"
)

// SDMA linear-copy packet layout.
const (
	sdmaOpCopy          = 1
	sdmaSubOpCopyLinear = 0

	// MaxLinearCopy is the largest byte count one linear-copy packet may
	// carry.
	MaxLinearCopy = 0x3fffe0

	linearCopyDwords = 7
)

// sdmaFenceTimeout bounds every fence wait so a wedged engine cannot hang a
// worker forever.
const sdmaFenceTimeout = 10 * time.Second

// CopyChunk is one engine copy of at most MaxLinearCopy bytes.
type CopyChunk struct {
	Src  uint64
	Dst  uint64
	Size uint32
}

// ChunkCopy splits a copy of size bytes from src to dst into packets the
// engine accepts. The chunks cover the range exactly, in order.
func ChunkCopy(src, dst, size uint64) []CopyChunk {
	chunks := make([]CopyChunk, 0, size/MaxLinearCopy+1)
	for size > 0 {
		n := size
		if n > MaxLinearCopy {
			n = MaxLinearCopy
		}
		chunks = append(chunks, CopyChunk{Src: src, Dst: dst, Size: uint32(n)})
		src += n
		dst += n
		size -= n
	}
	return chunks
}

// BuildLinearCopyIB encodes the chunks as an indirect buffer of linear-copy
// packets.
func BuildLinearCopyIB(chunks []CopyChunk) []uint32 {
	ib := make([]uint32, 0, len(chunks)*linearCopyDwords)
	for _, c := range chunks {
		ib = append(ib,
			sdmaOpCopy|sdmaSubOpCopyLinear<<8,
			c.Size-1,
			0,
			uint32(c.Src),
			uint32(c.Src>>32),
			uint32(c.Dst),
			uint32(c.Dst>>32),
		)
	}
	return ib
}

// ParseLinearCopyIB decodes an indirect buffer built by BuildLinearCopyIB.
func ParseLinearCopyIB(ib []uint32) ([]CopyChunk, error) {
	if len(ib)%linearCopyDwords != 0 {
		return nil, fmt.Errorf("indirect buffer of %d dwords is not whole packets", len(ib))
	}
	chunks := make([]CopyChunk, 0, len(ib)/linearCopyDwords)
	for i := 0; i < len(ib); i += linearCopyDwords {
		if op := ib[i] & 0xff; op != sdmaOpCopy {
			return nil, fmt.Errorf("packet %d: opcode %#x is not a copy", i/linearCopyDwords, op)
		}
		chunks = append(chunks, CopyChunk{
			Src:  uint64(ib[i+3]) | uint64(ib[i+4])<<32,
			Dst:  uint64(ib[i+5]) | uint64(ib[i+6])<<32,
			Size: ib[i+1] + 1,
		})
	}
	return chunks, nil
}

// Fence is a submitted copy awaiting completion.
type Fence interface {
	Wait(timeout time.Duration) error
}

// StagingBuffer is host-visible scratch memory with a GPU address.
type StagingBuffer struct {
	GPUVA uint64
	Data  []byte

	close func() error
}

func (s *StagingBuffer) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// SDMAQueue drives one copy engine on one GPU.
type SDMAQueue interface {
	// ImportBuffer maps a checkpointed allocation, named by its dmabuf
	// descriptor, into the engine's address space.
	ImportBuffer(dmabufFD int32, size uint64) (uint64, error)
	AllocStaging(size uint64) (*StagingBuffer, error)
	Submit(ib []uint32) (Fence, error)
	Close() error
}

// sdmaStrategy copies VRAM buffers through the GPU's copy engine, staging
// in host-visible memory. Any failure falls through to the next strategy.
type sdmaStrategy struct {
	open func(renderFD int) (SDMAQueue, error)
}

func newSDMAStrategy() *sdmaStrategy {
	return &sdmaStrategy{open: openRenderQueue}
}

func (s *sdmaStrategy) name() string { return "sdma" }
func (s *sdmaStrategy) fatal() bool  { return false }

func (s *sdmaStrategy) applicable(rec *kfd.BORecord) bool {
	return rec.AllocFlags&kfd.AllocFlagVRAM != 0 && rec.DmabufFD >= 0
}

func (s *sdmaStrategy) run(dir Direction, j *Job, memFD int, bo *BO) error {
	q, err := s.open(j.RenderFD)
	if err != nil {
		return err
	}
	defer q.Close()

	staging, err := q.AllocStaging(bo.Rec.Size)
	if err != nil {
		return err
	}
	defer staging.Close()

	va, err := q.ImportBuffer(bo.Rec.DmabufFD, bo.Rec.Size)
	if err != nil {
		return err
	}

	var chunks []CopyChunk
	if dir == Drain {
		chunks = ChunkCopy(va, staging.GPUVA, bo.Rec.Size)
	} else {
		copy(staging.Data, bo.Data)
		chunks = ChunkCopy(staging.GPUVA, va, bo.Rec.Size)
	}
	fence, err := q.Submit(BuildLinearCopyIB(chunks))
	if err != nil {
		return err
	}
	if err := fence.Wait(sdmaFenceTimeout); err != nil {
		return fmt.Errorf("copy fence: %w", err)
	}
	if dir == Drain {
		copy(bo.Data, staging.Data)
	}
	klog.V(3).Infof("sdma %s gpu %#x: %d bytes in %d packets",
		dir, j.GPUID, bo.Rec.Size, len(chunks))
	return nil
}
