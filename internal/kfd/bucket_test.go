package kfd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NexusGPU/gpu-checkpoint/internal/errdefs"
)

func TestProcessRoundTrip(t *testing.T) {
	in := &ProcessRecord{Priv: []byte{0xde, 0xad, 0xbe, 0xef}}

	b := MarshalProcess(in)
	assert.Equal(t, uint64(1), b.Count)
	assert.Len(t, b.Records, ProcessBucketSize)

	out, err := UnmarshalProcess(b)
	require.NoError(t, err)
	assert.Equal(t, in.Priv, out.Priv)
}

func TestProcessBadCount(t *testing.T) {
	b := MarshalProcess(&ProcessRecord{Priv: []byte{1}})
	b.Count = 2
	_, err := UnmarshalProcess(b)
	assert.ErrorIs(t, err, errdefs.ErrCorruptImage)
}

func TestDevicesRoundTrip(t *testing.T) {
	in := []DeviceRecord{
		{UserGPUID: 0x1111, ActualGPUID: 0xaaaa, DRMFD: 7, Priv: []byte{1, 2, 3}},
		{UserGPUID: 0x2222, ActualGPUID: 0xbbbb, DRMFD: -1, Priv: []byte{4}},
	}

	b := MarshalDevices(in)
	assert.Equal(t, uint64(2), b.Count)
	assert.Len(t, b.Records, 2*DeviceBucketSize)

	out, err := UnmarshalDevices(b)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestBOsRoundTrip(t *testing.T) {
	in := []BORecord{
		{
			GPUID:          0x1111,
			Addr:           0x7f00_0000_0000,
			Size:           0x10000,
			Offset:         0x4000_0000,
			RestoredOffset: 0x5000_0000,
			AllocFlags:     AllocFlagVRAM | AllocFlagPublic,
			DmabufFD:       12,
			Priv:           []byte{9, 8, 7, 6},
		},
		{
			GPUID:      0x1111,
			Addr:       0x7f00_1000_0000,
			Size:       0x1000,
			AllocFlags: AllocFlagGTT,
			DmabufFD:   -1,
			Priv:       []byte{5},
		},
	}

	b := MarshalBOs(in)
	out, err := UnmarshalBOs(b)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.True(t, out[0].IsMappable())
}

func TestQueuesRoundTrip(t *testing.T) {
	in := []QueueRecord{
		{
			GPUID:                  0x1111,
			Type:                   2,
			Format:                 4,
			QID:                    3,
			Address:                0x7f00_0000_0000,
			Size:                   0x1000,
			Priority:               7,
			Percent:                100,
			ReadPtrAddr:            0x7f00_0000_2000,
			WritePtrAddr:           0x7f00_0000_2008,
			DoorbellID:             9,
			DoorbellOffset:         0x2000,
			IsGWS:                  true,
			SDMAID:                 1,
			EopRingBufferAddress:   0x7f00_0000_3000,
			EopRingBufferSize:      0x800,
			CtxSaveRestoreAddress:  0x7f00_0000_4000,
			CtxSaveRestoreAreaSize: 0x2000,
			Priv:                   []byte{1, 1, 2, 3},
			CUMask:                 []byte{0xff, 0x0f},
			MQD:                    []byte{0xaa, 0xbb, 0xcc},
			CtlStack:               []byte{0x11, 0x22, 0x33, 0x44, 0x55},
		},
		{
			GPUID:    0x2222,
			QID:      4,
			Priv:     []byte{8},
			CUMask:   []byte{0x01},
			MQD:      []byte{0x02},
			CtlStack: []byte{0x03},
		},
	}

	b := MarshalQueues(in)
	assert.Len(t, b.Records, 2*QueueBucketSize)

	out, err := UnmarshalQueues(b)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestEventsRoundTrip(t *testing.T) {
	in := []EventRecord{
		{EventID: 1, Type: EventTypeSignal, AutoReset: true, Signaled: true, Priv: []byte{1}},
		{
			EventID:              2,
			Type:                 EventTypeMemory,
			MemExcFailNotPresent: true,
			MemExcVA:             0x7f12_0000_0000,
			MemExcGPUID:          0x1111,
			Priv:                 []byte{2},
		},
		{
			EventID:         3,
			Type:            EventTypeHWException,
			HWExcResetType:  1,
			HWExcResetCause: 2,
			HWExcMemoryLost: 1,
			HWExcGPUID:      0x1111,
			Priv:            []byte{3},
		},
	}

	b := MarshalEvents(in)
	out, err := UnmarshalEvents(b)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestWireSplitsBack(t *testing.T) {
	in := []BORecord{
		{GPUID: 0x1111, Addr: 0x1000, Size: 0x2000, AllocFlags: AllocFlagVRAM, DmabufFD: -1, Priv: []byte{1, 2}},
	}
	wire := MarshalBOs(in).Wire()

	b, err := BlobFromWire(wire, 1, BOBucketSize)
	require.NoError(t, err)
	out, err := UnmarshalBOs(b)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestBlobFromWireShortPayload(t *testing.T) {
	_, err := BlobFromWire(make([]byte, BOBucketSize-1), 1, BOBucketSize)
	assert.ErrorIs(t, err, errdefs.ErrCorruptImage)
}

func TestUnmarshalShortRecords(t *testing.T) {
	b := &Blob{Count: 3, Records: make([]byte, 2*DeviceBucketSize)}
	_, err := UnmarshalDevices(b)
	assert.ErrorIs(t, err, errdefs.ErrCorruptImage)
}

func TestUnmarshalPrivOutOfRange(t *testing.T) {
	b := MarshalDevices([]DeviceRecord{{UserGPUID: 1, Priv: []byte{1, 2, 3}}})
	b.Priv = b.Priv[:1]
	_, err := UnmarshalDevices(b)
	assert.ErrorIs(t, err, errdefs.ErrCorruptImage)
}
