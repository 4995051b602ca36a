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

package kfd

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"

	"github.com/NexusGPU/gpu-checkpoint/internal/errdefs"
)

// DefaultDevicePath is the compute driver's character device.
const DefaultDevicePath = "/dev/kfd"

// ioctl request encoding, _IOWR('K', nr, size).
const (
	iocWrite = 1
	iocRead  = 2

	iocNrShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30

	iocType = 'K'
)

func iowr(nr, size uintptr) uintptr {
	return (iocWrite|iocRead)<<iocDirShift |
		iocType<<iocTypeShift |
		nr<<iocNrShift |
		size<<iocSizeShift
}

// criuArgs is the wire header of the dumper and restorer ioctls. The payload
// pointer addresses the flat bucket blob.
type criuArgs struct {
	numObjects   uint64
	privDataSize uint64
	payload      uint64
	pid          uint32
	objectType   uint32
}

// processInfoArgs answers the pre-dump helper query.
type processInfoArgs struct {
	pid             uint32
	totalDevices    uint32
	totalBOs        uint64
	totalQueues     uint32
	totalEvents     uint32
	processPrivSize uint64
	devicesPrivSize uint64
	bosPrivSize     uint64
	queuesPrivSize  uint64
	eventsPrivSize  uint64
	eventPageOffset uint64
}

type pauseArgs struct {
	pid uint32
}

var (
	reqProcessInfo = iowr(0x20, unsafe.Sizeof(processInfoArgs{}))
	reqDumper      = iowr(0x21, unsafe.Sizeof(criuArgs{}))
	reqRestorer    = iowr(0x22, unsafe.Sizeof(criuArgs{}))
	reqPause       = iowr(0x23, unsafe.Sizeof(pauseArgs{}))
	reqResume      = iowr(0x24, unsafe.Sizeof(pauseArgs{}))
)

// Device is the production Driver over the /dev/kfd checkpoint ioctls,
// bound to one target process.
type Device struct {
	fd    int
	owned bool
	pid   uint32
	info  *ProcessInfo

	// event page mapping kept alive across restore
	eventPage []byte
}

var _ Driver = (*Device)(nil)

// OpenKFD opens the driver character device for the given target pid.
func OpenKFD(path string, pid uint32) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Device{fd: fd, owned: true, pid: pid}, nil
}

// FromFD wraps an already-open driver descriptor. The caller keeps
// ownership of the fd; Close will not release it.
func FromFD(fd int, pid uint32) *Device {
	return &Device{fd: fd, pid: pid}
}

func (d *Device) ioctl(op string, req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), req, uintptr(arg))
		runtime.KeepAlive(arg)
		if errno == 0 {
			return nil
		}
		if errno == unix.EINTR || errno == unix.EAGAIN {
			continue
		}
		return &errdefs.DriverError{Op: op, Errno: errno}
	}
}

// ProcessInfo queries object counts and private-data sizes for the target
// process. The answer is cached; all checkpoint calls size their buffers
// from it.
func (d *Device) ProcessInfo() (*ProcessInfo, error) {
	if d.info != nil {
		return d.info, nil
	}
	args := processInfoArgs{pid: d.pid}
	if err := d.ioctl("process-info", reqProcessInfo, unsafe.Pointer(&args)); err != nil {
		return nil, err
	}
	d.info = &ProcessInfo{
		Pid:             args.pid,
		TotalDevices:    args.totalDevices,
		TotalBOs:        args.totalBOs,
		TotalQueues:     args.totalQueues,
		TotalEvents:     args.totalEvents,
		ProcessPrivSize: args.processPrivSize,
		DevicesPrivSize: args.devicesPrivSize,
		BOsPrivSize:     args.bosPrivSize,
		QueuesPrivSize:  args.queuesPrivSize,
		EventsPrivSize:  args.eventsPrivSize,
		EventPageOffset: args.eventPageOffset,
	}
	klog.V(2).Infof("process %d: %d devices, %d bos, %d queues, %d events",
		args.pid, args.totalDevices, args.totalBOs, args.totalQueues, args.totalEvents)
	return d.info, nil
}

// dump runs one dumper ioctl and splits the driver-filled payload.
func (d *Device) dump(t ObjectType, count uint64, recordSize int, privSize uint64) (*Blob, error) {
	payload := make([]byte, count*uint64(recordSize)+privSize)
	args := criuArgs{
		numObjects:   count,
		privDataSize: privSize,
		pid:          d.pid,
		objectType:   uint32(t),
	}
	if len(payload) > 0 {
		args.payload = uint64(uintptr(unsafe.Pointer(&payload[0])))
	}
	if err := d.ioctl("checkpoint-"+t.String(), reqDumper, unsafe.Pointer(&args)); err != nil {
		return nil, err
	}
	runtime.KeepAlive(payload)
	return BlobFromWire(payload, count, recordSize)
}

// restore runs one restorer ioctl over a marshalled blob and leaves
// driver-written results in place.
func (d *Device) restore(t ObjectType, b *Blob) ([]byte, error) {
	payload := b.Wire()
	args := criuArgs{
		numObjects:   b.Count,
		privDataSize: uint64(len(b.Priv)),
		pid:          d.pid,
		objectType:   uint32(t),
	}
	if len(payload) > 0 {
		args.payload = uint64(uintptr(unsafe.Pointer(&payload[0])))
	}
	if err := d.ioctl("restore-"+t.String(), reqRestorer, unsafe.Pointer(&args)); err != nil {
		return nil, err
	}
	runtime.KeepAlive(payload)
	return payload, nil
}

func (d *Device) CheckpointProcess() (*ProcessRecord, error) {
	info, err := d.ProcessInfo()
	if err != nil {
		return nil, err
	}
	blob, err := d.dump(ObjectTypeProcess, 1, ProcessBucketSize, info.ProcessPrivSize)
	if err != nil {
		return nil, err
	}
	return UnmarshalProcess(blob)
}

func (d *Device) CheckpointDevices() ([]DeviceRecord, error) {
	info, err := d.ProcessInfo()
	if err != nil {
		return nil, err
	}
	blob, err := d.dump(ObjectTypeDevice, uint64(info.TotalDevices), DeviceBucketSize, info.DevicesPrivSize)
	if err != nil {
		return nil, err
	}
	return UnmarshalDevices(blob)
}

func (d *Device) CheckpointBOs() ([]BORecord, error) {
	info, err := d.ProcessInfo()
	if err != nil {
		return nil, err
	}
	blob, err := d.dump(ObjectTypeBO, info.TotalBOs, BOBucketSize, info.BOsPrivSize)
	if err != nil {
		return nil, err
	}
	return UnmarshalBOs(blob)
}

func (d *Device) CheckpointQueues() ([]QueueRecord, error) {
	info, err := d.ProcessInfo()
	if err != nil {
		return nil, err
	}
	blob, err := d.dump(ObjectTypeQueue, uint64(info.TotalQueues), QueueBucketSize, info.QueuesPrivSize)
	if err != nil {
		return nil, err
	}
	return UnmarshalQueues(blob)
}

func (d *Device) CheckpointEvents() ([]EventRecord, error) {
	info, err := d.ProcessInfo()
	if err != nil {
		return nil, err
	}
	blob, err := d.dump(ObjectTypeEvent, uint64(info.TotalEvents), EventBucketSize, info.EventsPrivSize)
	if err != nil {
		return nil, err
	}
	return UnmarshalEvents(blob)
}

func (d *Device) RestoreProcess(p *ProcessRecord) error {
	_, err := d.restore(ObjectTypeProcess, MarshalProcess(p))
	return err
}

func (d *Device) RestoreDevices(devs []DeviceRecord) error {
	_, err := d.restore(ObjectTypeDevice, MarshalDevices(devs))
	return err
}

// RestoreBOs re-creates the allocations. The driver fills each record's
// restored mmap offset, so the payload is parsed back after the call.
func (d *Device) RestoreBOs(bos []BORecord) ([]BORecord, error) {
	blob := MarshalBOs(bos)
	payload, err := d.restore(ObjectTypeBO, blob)
	if err != nil {
		return nil, err
	}
	out, err := BlobFromWire(payload, blob.Count, BOBucketSize)
	if err != nil {
		return nil, err
	}
	return UnmarshalBOs(out)
}

func (d *Device) RestoreQueues(queues []QueueRecord) error {
	_, err := d.restore(ObjectTypeQueue, MarshalQueues(queues))
	return err
}

// RestoreEvents maps the event page at its checkpointed offset before
// handing the records to the driver. The mapping stays alive for the life
// of the restored process.
func (d *Device) RestoreEvents(events []EventRecord, eventPageOffset uint64) error {
	if eventPageOffset != 0 && d.eventPage == nil {
		page, err := unix.Mmap(d.fd, int64(eventPageOffset), unix.Getpagesize(),
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			return fmt.Errorf("map event page at %#x: %w", eventPageOffset, err)
		}
		d.eventPage = page
	}
	_, err := d.restore(ObjectTypeEvent, MarshalEvents(events))
	return err
}

// Pause freezes execution on every device the process uses.
func (d *Device) Pause(pid uint32) error {
	args := pauseArgs{pid: pid}
	return d.ioctl("pause", reqPause, unsafe.Pointer(&args))
}

// Resume unfreezes the devices. Resume failures on the dump path leave the
// target unusable, so callers treat them as fatal even after a successful
// dump.
func (d *Device) Resume(pid uint32) error {
	args := pauseArgs{pid: pid}
	return d.ioctl("resume", reqResume, unsafe.Pointer(&args))
}

func (d *Device) Close() error {
	if !d.owned || d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}
