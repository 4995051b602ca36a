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

// Package kfd is the boundary to the compute driver's checkpoint ioctl
// surface. The kernel speaks a flat "bucket" layout (N fixed records
// followed by one contiguous private-data region, each record addressing its
// blob by offset and size); this package converts between that layout and
// typed records so nothing above it does offset arithmetic.
package kfd

// ObjectType selects the object category of a dumper/restorer call.
type ObjectType uint32

const (
	ObjectTypeProcess ObjectType = iota
	ObjectTypeDevice
	ObjectTypeBO
	ObjectTypeQueue
	ObjectTypeEvent
)

func (t ObjectType) String() string {
	switch t {
	case ObjectTypeProcess:
		return "process"
	case ObjectTypeDevice:
		return "device"
	case ObjectTypeBO:
		return "bo"
	case ObjectTypeQueue:
		return "queue"
	case ObjectTypeEvent:
		return "event"
	default:
		return "unknown"
	}
}

// Buffer-object allocation flags, as reported by the driver.
const (
	AllocFlagVRAM      = uint32(1) << 0
	AllocFlagGTT       = uint32(1) << 1
	AllocFlagUserptr   = uint32(1) << 2
	AllocFlagDoorbell  = uint32(1) << 3
	AllocFlagMMIORemap = uint32(1) << 4
	// AllocFlagPublic marks a large-BAR allocation whose whole extent is
	// host-mappable through the render device.
	AllocFlagPublic = uint32(1) << 23
)

// Event type tags used in EventRecord.Type.
const (
	EventTypeSignal      = 0
	EventTypeMemory      = 3
	EventTypeHWException = 4
)

// ProcessInfo is the helper query answered before any dump: object counts,
// per-category private-data sizes and the target pid.
type ProcessInfo struct {
	Pid          uint32
	TotalDevices uint32
	TotalBOs     uint64
	TotalQueues  uint32
	TotalEvents  uint32

	ProcessPrivSize uint64
	DevicesPrivSize uint64
	BOsPrivSize     uint64
	QueuesPrivSize  uint64
	EventsPrivSize  uint64

	EventPageOffset uint64
}

// ProcessRecord is the per-process state: one opaque driver blob.
type ProcessRecord struct {
	Priv []byte
}

// DeviceRecord is one GPU as the driver sees it. UserGPUID is the stable id
// assigned where the workload first launched; ActualGPUID is this host's id.
// DRMFD is only meaningful on restore, where the plugin hands the driver an
// open render-device descriptor for the target GPU.
type DeviceRecord struct {
	UserGPUID   uint32
	ActualGPUID uint32
	DRMFD       int32
	Priv        []byte
}

// BORecord is one buffer object. RestoredOffset is filled by the driver on
// restore and names the new mmap offset for the re-created allocation.
type BORecord struct {
	GPUID          uint32
	Addr           uint64
	Size           uint64
	Offset         uint64
	RestoredOffset uint64
	AllocFlags     uint32
	DmabufFD       int32
	Priv           []byte
}

// IsMappable reports whether the BO occupies VRAM or GTT and therefore has
// contents worth transferring.
func (b *BORecord) IsMappable() bool {
	return b.AllocFlags&(AllocFlagVRAM|AllocFlagGTT) != 0
}

// QueueRecord is one compute queue plus its variable-length sub-buffers.
type QueueRecord struct {
	GPUID                  uint32
	Type                   uint32
	Format                 uint32
	QID                    uint32
	Address                uint64
	Size                   uint64
	Priority               uint32
	Percent                uint32
	ReadPtrAddr            uint64
	WritePtrAddr           uint64
	DoorbellID             uint32
	DoorbellOffset         uint64
	IsGWS                  bool
	SDMAID                 uint32
	EopRingBufferAddress   uint64
	EopRingBufferSize      uint64
	CtxSaveRestoreAddress  uint64
	CtxSaveRestoreAreaSize uint64

	Priv     []byte
	CUMask   []byte
	MQD      []byte
	CtlStack []byte
}

// EventRecord is one synchronization event. The exception fields form a
// variant selected by Type.
type EventRecord struct {
	EventID   uint32
	Type      uint32
	AutoReset bool
	Signaled  bool

	MemExcFailNotPresent bool
	MemExcFailReadOnly   bool
	MemExcFailNoExecute  bool
	MemExcVA             uint64
	MemExcGPUID          uint32

	HWExcResetType  uint32
	HWExcResetCause uint32
	HWExcMemoryLost uint32
	HWExcGPUID      uint32

	Priv []byte
}

// Driver is the checkpoint surface of the compute driver. The production
// implementation wraps /dev/kfd ioctls; tests use Fake.
type Driver interface {
	ProcessInfo() (*ProcessInfo, error)

	CheckpointProcess() (*ProcessRecord, error)
	CheckpointDevices() ([]DeviceRecord, error)
	CheckpointBOs() ([]BORecord, error)
	CheckpointQueues() ([]QueueRecord, error)
	CheckpointEvents() ([]EventRecord, error)

	RestoreProcess(*ProcessRecord) error
	RestoreDevices([]DeviceRecord) error
	// RestoreBOs re-creates the allocations and returns the records with
	// RestoredOffset filled in.
	RestoreBOs([]BORecord) ([]BORecord, error)
	RestoreQueues([]QueueRecord) error
	RestoreEvents(events []EventRecord, eventPageOffset uint64) error

	Pause(pid uint32) error
	Resume(pid uint32) error
	Close() error
}
