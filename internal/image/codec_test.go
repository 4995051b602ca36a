package image

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NexusGPU/gpu-checkpoint/internal/errdefs"
)

func sampleImage() *Image {
	return &Image{
		Pid:             1234,
		NumGPUs:         2,
		NumCPUs:         1,
		SharedMemSize:   4096,
		SharedMemMagic:  0xcafe,
		EventPageOffset: 0x8000000000000000,
		Process:         &ProcessEntry{PrivateData: []byte{1, 2, 3, 4}},
		Devices: []*DeviceEntry{
			{NodeID: 0, CPUCoresCount: 16},
			{
				NodeID:         1,
				GPUID:          0x1002,
				SimdCount:      256,
				CachesCount:    16,
				NumGWS:         64,
				FWVersion:      440,
				SDMAFWVersion:  40,
				DRMRenderMinor: 128,
				HiveID:         0xdeadbeef00112233,
				VRAMPublic:     true,
				VRAMSize:       1 << 34,
				IOLinks: []IOLinkEntry{
					{Type: 11, NodeTo: 0},
					{Type: 2, NodeTo: 2},
				},
				PrivateData: []byte{9, 8, 7},
			},
		},
		BOs: []*BOEntry{
			{
				GPUID:       0x1002,
				Addr:        0x7f0000000000,
				Size:        8,
				Offset:      0x100000,
				AllocFlags:  1,
				PrivateData: []byte{5},
				RawData:     []byte{0, 1, 2, 3, 4, 5, 6, 7},
			},
			{
				GPUID:       0x1002,
				Addr:        0x7f0000010000,
				Size:        1 << 20,
				Offset:      0x200000,
				AllocFlags:  1 << 3,
				PrivateData: []byte{6, 6},
			},
		},
		Queues: []*QueueEntry{
			{
				GPUID:                  0x1002,
				Type:                   2,
				Format:                 4,
				QID:                    1,
				Address:                0x7f0000020000,
				Size:                   0x1000,
				Priority:               7,
				Percent:                100,
				ReadPtrAddr:            0x7f0000021000,
				WritePtrAddr:           0x7f0000022000,
				DoorbellID:             3,
				DoorbellOffset:         0x400,
				IsGWS:                  true,
				SDMAID:                 1,
				EopRingBufferAddress:   0x7f0000023000,
				EopRingBufferSize:      0x800,
				CtxSaveRestoreAddress:  0x7f0000024000,
				CtxSaveRestoreAreaSize: 0x10000,
				PrivateData:            []byte{1},
				CUMask:                 []byte{0xff, 0x0f},
				MQD:                    []byte{2, 2, 2},
				CtlStack:               []byte{3, 3, 3, 3},
			},
		},
		Events: []*EventEntry{
			{EventID: 1, Type: EventTypeSignal, AutoReset: true, Signaled: true, PrivateData: []byte{4}},
			{
				EventID:              2,
				Type:                 EventTypeMemory,
				MemExcFailNotPresent: true,
				MemExcVA:             0x7f0000030000,
				MemExcGPUID:          0x1002,
				PrivateData:          []byte{5},
			},
			{
				EventID:         3,
				Type:            EventTypeHWException,
				HWExcResetType:  1,
				HWExcResetCause: 2,
				HWExcMemoryLost: 1,
				HWExcGPUID:      0x1002,
				PrivateData:     []byte{6},
			},
		},
	}
}

func TestImageRoundTrip(t *testing.T) {
	img := sampleImage()
	data := Encode(img)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, img, got)
}

func TestEncodeDeterministic(t *testing.T) {
	img := sampleImage()
	assert.Equal(t, Encode(img), Encode(img))
}

func TestDecodeTruncated(t *testing.T) {
	data := Encode(sampleImage())
	// every proper prefix must fail, never panic or succeed
	for _, n := range []int{0, 4, len(Magic), len(Magic) + 3, len(data) / 2, len(data) - 1} {
		_, err := Decode(data[:n])
		assert.ErrorIs(t, err, errdefs.ErrCorruptImage, "prefix of %d bytes", n)
	}
}

func TestDecodeTrailingGarbage(t *testing.T) {
	data := append(Encode(sampleImage()), 0xff)
	_, err := Decode(data)
	assert.ErrorIs(t, err, errdefs.ErrCorruptImage)
}

func TestDecodeBadMagic(t *testing.T) {
	data := Encode(sampleImage())
	data[0] ^= 0xff
	_, err := Decode(data)
	assert.ErrorIs(t, err, errdefs.ErrCorruptImage)
}

func TestDecodeBadVersion(t *testing.T) {
	data := Encode(sampleImage())
	data[len(Magic)] = 99
	_, err := Decode(data)
	assert.ErrorIs(t, err, errdefs.ErrCorruptImage)
}

func TestDecodeRawDataSizeMismatch(t *testing.T) {
	img := sampleImage()
	img.BOs = img.BOs[:1]
	img.BOs[0].Size = 9 // declared size disagrees with the 8-byte payload
	_, err := Decode(Encode(img))
	assert.ErrorIs(t, err, errdefs.ErrCorruptImage)
}

func TestRenderNodeRoundTrip(t *testing.T) {
	rn := &RenderNodeImage{GPUID: 0xbeef}
	got, err := DecodeRenderNode(EncodeRenderNode(rn))
	require.NoError(t, err)
	assert.Equal(t, rn, got)
}

func TestRenderNodeRejectsFullImage(t *testing.T) {
	_, err := DecodeRenderNode(Encode(sampleImage()))
	assert.ErrorIs(t, err, errdefs.ErrCorruptImage)
}

func TestZeroSizeRawDataRoundTrip(t *testing.T) {
	img := &Image{
		BOs: []*BOEntry{
			{GPUID: 0x1111, Size: 0, AllocFlags: 1, RawData: []byte{}},
			{GPUID: 0x1111, Size: 0, AllocFlags: 1},
		},
	}
	got, err := Decode(Encode(img))
	require.NoError(t, err)
	require.Len(t, got.BOs, 2)
	assert.NotNil(t, got.BOs[0].RawData, "presence flag survives an empty payload")
	assert.Empty(t, got.BOs[0].RawData)
	assert.Nil(t, got.BOs[1].RawData)
	assert.Equal(t, img.BOs, got.BOs)
}
