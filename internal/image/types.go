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

// Package image defines the on-disk record family for one checkpointed GPU
// compute context and the binary codec that packs and unpacks it. Field
// order is fixed by the schema, variable-length fields are length-prefixed,
// and encoding the same aggregate twice yields identical bytes.
package image

// ProcessEntry captures the per-process driver state blob.
type ProcessEntry struct {
	PrivateData []byte
}

// IOLinkEntry is one stored interconnect edge of a device.
type IOLinkEntry struct {
	Type   uint32
	NodeTo uint32
}

// DeviceEntry is one stored topology node. CPU nodes carry only NodeID and
// CPUCoresCount; GPU nodes carry the full property set plus the driver's
// opaque per-device blob.
type DeviceEntry struct {
	NodeID uint32
	// GPUID is the user-visible device id (first-launch host), zero for CPUs.
	GPUID uint32

	CPUCoresCount          uint32
	SimdCount              uint32
	MemBanksCount          uint32
	CachesCount            uint32
	IOLinksCount           uint32
	MaxWavesPerSimd        uint32
	LdsSizeKiB             uint32
	NumGWS                 uint32
	WaveFrontSize          uint32
	ArrayCount             uint32
	SimdArraysPerEngine    uint32
	CUPerSimdArray         uint32
	SimdPerCU              uint32
	MaxSlotsScratchCU      uint32
	VendorID               uint32
	DeviceID               uint32
	Domain                 uint32
	DRMRenderMinor         uint32
	HiveID                 uint64
	NumSDMAEngines         uint32
	NumSDMAXGMIEngines     uint32
	NumSDMAQueuesPerEngine uint32
	NumCPQueues            uint32
	FWVersion              uint32
	Capability             uint32
	SDMAFWVersion          uint32
	VRAMPublic             bool
	VRAMSize               uint64

	IOLinks     []IOLinkEntry
	PrivateData []byte
}

// BOEntry is one stored buffer object. RawData is present only for VRAM and
// GTT resident buffers and must be exactly Size bytes when non-nil.
type BOEntry struct {
	GPUID      uint32
	Addr       uint64
	Size       uint64
	Offset     uint64
	AllocFlags uint32

	PrivateData []byte
	RawData     []byte
}

// QueueEntry is one stored compute queue with its variable-length sub-buffers.
type QueueEntry struct {
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

	PrivateData []byte
	CUMask      []byte
	MQD         []byte
	CtlStack    []byte
}

// Event type tags stored in EventEntry.Type, matching the driver's event
// taxonomy.
const (
	EventTypeSignal       = 0
	EventTypeNodeChange   = 1
	EventTypeDeviceChange = 2
	EventTypeMemory       = 3
	EventTypeHWException  = 4
)

// EventEntry is one stored synchronization event. The exception fields form
// a variant selected by Type.
type EventEntry struct {
	EventID   uint32
	Type      uint32
	AutoReset bool
	Signaled  bool

	// Memory-exception variant (Type == EventTypeMemory).
	MemExcFailNotPresent bool
	MemExcFailReadOnly   bool
	MemExcFailNoExecute  bool
	MemExcVA             uint64
	MemExcGPUID          uint32

	// HW-exception variant (Type == EventTypeHWException).
	HWExcResetType  uint32
	HWExcResetCause uint32
	HWExcMemoryLost uint32
	HWExcGPUID      uint32

	PrivateData []byte
}

// Image is the root aggregate written to one checkpoint image file.
type Image struct {
	Pid     uint32
	NumGPUs uint32
	NumCPUs uint32

	SharedMemSize   uint64
	SharedMemMagic  uint32
	EventPageOffset uint64

	Process *ProcessEntry
	Devices []*DeviceEntry
	BOs     []*BOEntry
	Queues  []*QueueEntry
	Events  []*EventEntry
}

// RenderNodeImage is the short image stored when the plugin is invoked for a
// render device file instead of the primary control file.
type RenderNodeImage struct {
	GPUID uint32
}
