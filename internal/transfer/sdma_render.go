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
	"runtime"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Render-node ioctl surface used by the copy engine path. Request numbers
// and argument layouts follow the kernel's DRM uapi.
const (
	drmIocType       = 'd'
	drmCommandBase   = 0x40
	drmPrimeToHandle = 0x2e

	amdgpuGemCreate = drmCommandBase + 0x00
	amdgpuGemMmap   = drmCommandBase + 0x01
	amdgpuCtx       = drmCommandBase + 0x02
	amdgpuCs        = drmCommandBase + 0x04
	amdgpuGemVA     = drmCommandBase + 0x08
	amdgpuWaitCs    = drmCommandBase + 0x09

	gemDomainGTT       = 0x2
	gemCreateCPUAccess = 0x1

	ctxOpAllocCtx = 1
	ctxOpFreeCtx  = 2

	vaOpMap         = 1
	vmPageReadable  = 1 << 1
	vmPageWriteable = 1 << 2

	chunkIDIB = 1
	hwIPDMA   = 2
)

func drmIowr(nr, size uintptr) uintptr {
	return 3<<30 | drmIocType<<8 | nr | size<<16
}

type drmPrimeHandle struct {
	handle uint32
	flags  uint32
	fd     int32
}

// The create, context, submit and wait arguments are kernel unions: the
// reply overlays the request from offset zero.
type gemCreateArgs struct {
	boSize      uint64
	alignment   uint64
	domains     uint64
	domainFlags uint64
}

type gemMmapArgs struct {
	handleOrAddr uint64
}

type ctxArgs struct {
	op       uint32
	flags    uint32
	ctxID    uint32
	priority int32
}

type gemVAArgs struct {
	handle     uint32
	_pad       uint32
	operation  uint32
	flags      uint32
	vaAddress  uint64
	offsetInBO uint64
	mapSize    uint64
}

type csChunkIB struct {
	_pad       uint32
	flags      uint32
	vaStart    uint64
	ibBytes    uint32
	ipType     uint32
	ipInstance uint32
	ring       uint32
}

type csChunk struct {
	chunkID   uint32
	lengthDW  uint32
	chunkData uint64
}

type csArgs struct {
	ctxID        uint32
	boListHandle uint32
	numChunks    uint32
	flags        uint32
	chunks       uint64
}

type waitCsArgs struct {
	handle     uint64
	timeoutNS  uint64
	ipType     uint32
	ipInstance uint32
	ring       uint32
	ctxID      uint32
}

func drmIoctl(fd int, req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
		runtime.KeepAlive(arg)
		if errno == 0 {
			return nil
		}
		if errno == unix.EINTR || errno == unix.EAGAIN {
			continue
		}
		return errno
	}
}

// renderQueue is the production SDMAQueue over an amdgpu render node.
type renderQueue struct {
	fd    int
	ctxID uint32

	// bump allocator for engine-visible addresses; the queue owns the
	// whole VA space of its short-lived DRM context
	nextVA uint64

	handles []uint32
}

func openRenderQueue(renderFD int) (SDMAQueue, error) {
	args := ctxArgs{op: ctxOpAllocCtx}
	if err := drmIoctl(renderFD, drmIowr(amdgpuCtx, unsafe.Sizeof(args)), unsafe.Pointer(&args)); err != nil {
		return nil, fmt.Errorf("create engine context: %w", err)
	}
	return &renderQueue{fd: renderFD, ctxID: args.op, nextVA: 1 << 20}, nil
}

func (q *renderQueue) allocVA(size uint64) uint64 {
	va := q.nextVA
	q.nextVA += (size + 0xffff) &^ uint64(0xffff)
	return va
}

func (q *renderQueue) mapHandle(handle uint32, size uint64) (uint64, error) {
	va := q.allocVA(size)
	args := gemVAArgs{
		handle:    handle,
		operation: vaOpMap,
		flags:     vmPageReadable | vmPageWriteable,
		vaAddress: va,
		mapSize:   size,
	}
	if err := drmIoctl(q.fd, drmIowr(amdgpuGemVA, unsafe.Sizeof(args)), unsafe.Pointer(&args)); err != nil {
		return 0, fmt.Errorf("map handle %d: %w", handle, err)
	}
	return va, nil
}

func (q *renderQueue) ImportBuffer(dmabufFD int32, size uint64) (uint64, error) {
	prime := drmPrimeHandle{fd: dmabufFD}
	if err := drmIoctl(q.fd, drmIowr(drmPrimeToHandle, unsafe.Sizeof(prime)), unsafe.Pointer(&prime)); err != nil {
		return 0, fmt.Errorf("import dmabuf: %w", err)
	}
	q.handles = append(q.handles, prime.handle)
	return q.mapHandle(prime.handle, size)
}

func (q *renderQueue) AllocStaging(size uint64) (*StagingBuffer, error) {
	create := gemCreateArgs{
		boSize:      size,
		alignment:   uint64(unix.Getpagesize()),
		domains:     gemDomainGTT,
		domainFlags: gemCreateCPUAccess,
	}
	if err := drmIoctl(q.fd, drmIowr(amdgpuGemCreate, unsafe.Sizeof(create)), unsafe.Pointer(&create)); err != nil {
		return nil, fmt.Errorf("alloc staging: %w", err)
	}
	handle := *(*uint32)(unsafe.Pointer(&create))
	q.handles = append(q.handles, handle)

	va, err := q.mapHandle(handle, size)
	if err != nil {
		return nil, err
	}

	mm := gemMmapArgs{handleOrAddr: uint64(handle)}
	if err := drmIoctl(q.fd, drmIowr(amdgpuGemMmap, unsafe.Sizeof(mm)), unsafe.Pointer(&mm)); err != nil {
		return nil, fmt.Errorf("staging mmap offset: %w", err)
	}
	data, err := unix.Mmap(q.fd, int64(mm.handleOrAddr), int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map staging: %w", err)
	}
	return &StagingBuffer{
		GPUVA: va,
		Data:  data,
		close: func() error { return unix.Munmap(data) },
	}, nil
}

func (q *renderQueue) Submit(ib []uint32) (Fence, error) {
	ibBytes := len(ib) * 4
	staging, err := q.AllocStaging(uint64(ibBytes))
	if err != nil {
		return nil, fmt.Errorf("alloc indirect buffer: %w", err)
	}
	for i, dw := range ib {
		staging.Data[i*4] = byte(dw)
		staging.Data[i*4+1] = byte(dw >> 8)
		staging.Data[i*4+2] = byte(dw >> 16)
		staging.Data[i*4+3] = byte(dw >> 24)
	}

	chunkIB := csChunkIB{
		vaStart: staging.GPUVA,
		ibBytes: uint32(ibBytes),
		ipType:  hwIPDMA,
	}
	chunk := csChunk{
		chunkID:   chunkIDIB,
		lengthDW:  uint32(unsafe.Sizeof(chunkIB) / 4),
		chunkData: uint64(uintptr(unsafe.Pointer(&chunkIB))),
	}
	chunkPtr := uint64(uintptr(unsafe.Pointer(&chunk)))
	cs := csArgs{
		ctxID:     q.ctxID,
		numChunks: 1,
		chunks:    uint64(uintptr(unsafe.Pointer(&chunkPtr))),
	}
	if err := drmIoctl(q.fd, drmIowr(amdgpuCs, unsafe.Sizeof(cs)), unsafe.Pointer(&cs)); err != nil {
		staging.Close()
		return nil, fmt.Errorf("submit: %w", err)
	}
	runtime.KeepAlive(&chunkIB)
	runtime.KeepAlive(&chunk)
	runtime.KeepAlive(&chunkPtr)
	return &renderFence{q: q, handle: *(*uint64)(unsafe.Pointer(&cs)), ib: staging}, nil
}

func (q *renderQueue) Close() error {
	args := ctxArgs{op: ctxOpFreeCtx, ctxID: q.ctxID}
	return drmIoctl(q.fd, drmIowr(amdgpuCtx, unsafe.Sizeof(args)), unsafe.Pointer(&args))
}

type renderFence struct {
	q      *renderQueue
	handle uint64
	ib     *StagingBuffer
}

func (f *renderFence) Wait(timeout time.Duration) error {
	defer f.ib.Close()
	args := waitCsArgs{
		handle:    f.handle,
		timeoutNS: uint64(timeout.Nanoseconds()),
		ipType:    hwIPDMA,
		ctxID:     f.q.ctxID,
	}
	if err := drmIoctl(f.q.fd, drmIowr(amdgpuWaitCs, unsafe.Sizeof(args)), unsafe.Pointer(&args)); err != nil {
		return err
	}
	if status := *(*uint64)(unsafe.Pointer(&args)); status != 0 {
		return fmt.Errorf("copy still pending after %s", timeout)
	}
	return nil
}
