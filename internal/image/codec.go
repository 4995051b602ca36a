package image

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/NexusGPU/gpu-checkpoint/internal/errdefs"
)

// On-disk magics and the current schema version. The layout is the CRIU
// image discipline: an 8-byte magic, a version word, then fixed-order
// little-endian fields with length-prefixed byte strings.
const (
	Magic           = "GPUCRIMG"
	RenderNodeMagic = "GPUCRRND"
	Version         = 1
)

type writer struct {
	buf bytes.Buffer
}

func (w *writer) u8(v uint8)   { w.buf.WriteByte(v) }
func (w *writer) u32(v uint32) { _ = binary.Write(&w.buf, binary.LittleEndian, v) }
func (w *writer) u64(v uint64) { _ = binary.Write(&w.buf, binary.LittleEndian, v) }

func (w *writer) flag(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

// blob writes a length-prefixed byte string. nil and empty encode the same.
func (w *writer) blob(b []byte) {
	w.u32(uint32(len(b)))
	w.buf.Write(b)
}

type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf(format+": %w", append(args, errdefs.ErrCorruptImage)...)
	}
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.b) {
		r.fail("truncated at offset %d (want %d bytes of %d)", r.off, n, len(r.b))
		return nil
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) flag() bool { return r.u8() != 0 }

// blob mirrors writer.blob; a zero length decodes to nil.
func (r *reader) blob() []byte {
	n := r.u32()
	if n == 0 {
		return nil
	}
	b := r.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// Encode packs the aggregate into its canonical byte form.
func Encode(img *Image) []byte {
	w := &writer{}
	w.buf.WriteString(Magic)
	w.u32(Version)

	w.u32(img.Pid)
	w.u32(img.NumGPUs)
	w.u32(img.NumCPUs)
	w.u64(img.SharedMemSize)
	w.u32(img.SharedMemMagic)
	w.u64(img.EventPageOffset)

	if img.Process != nil {
		w.flag(true)
		w.blob(img.Process.PrivateData)
	} else {
		w.flag(false)
	}

	w.u32(uint32(len(img.Devices)))
	for _, d := range img.Devices {
		encodeDevice(w, d)
	}
	w.u32(uint32(len(img.BOs)))
	for _, bo := range img.BOs {
		encodeBO(w, bo)
	}
	w.u32(uint32(len(img.Queues)))
	for _, q := range img.Queues {
		encodeQueue(w, q)
	}
	w.u32(uint32(len(img.Events)))
	for _, ev := range img.Events {
		encodeEvent(w, ev)
	}
	return w.buf.Bytes()
}

// Decode unpacks an image, failing with ErrCorruptImage on any truncation,
// length mismatch or trailing garbage.
func Decode(data []byte) (*Image, error) {
	r := &reader{b: data}
	if magic := r.take(len(Magic)); magic == nil || string(magic) != Magic {
		return nil, fmt.Errorf("bad image magic: %w", errdefs.ErrCorruptImage)
	}
	if v := r.u32(); r.err == nil && v != Version {
		return nil, fmt.Errorf("unsupported image version %d: %w", v, errdefs.ErrCorruptImage)
	}

	img := &Image{}
	img.Pid = r.u32()
	img.NumGPUs = r.u32()
	img.NumCPUs = r.u32()
	img.SharedMemSize = r.u64()
	img.SharedMemMagic = r.u32()
	img.EventPageOffset = r.u64()

	if r.flag() {
		img.Process = &ProcessEntry{PrivateData: r.blob()}
	}

	for i, n := 0, int(r.u32()); i < n && r.err == nil; i++ {
		img.Devices = append(img.Devices, decodeDevice(r))
	}
	for i, n := 0, int(r.u32()); i < n && r.err == nil; i++ {
		img.BOs = append(img.BOs, decodeBO(r))
	}
	for i, n := 0, int(r.u32()); i < n && r.err == nil; i++ {
		img.Queues = append(img.Queues, decodeQueue(r))
	}
	for i, n := 0, int(r.u32()); i < n && r.err == nil; i++ {
		img.Events = append(img.Events, decodeEvent(r))
	}

	if r.err != nil {
		return nil, r.err
	}
	if r.off != len(r.b) {
		return nil, fmt.Errorf("%d trailing bytes after image: %w", len(r.b)-r.off, errdefs.ErrCorruptImage)
	}
	return img, nil
}

func encodeDevice(w *writer, d *DeviceEntry) {
	w.u32(d.NodeID)
	w.u32(d.GPUID)
	w.u32(d.CPUCoresCount)
	w.u32(d.SimdCount)
	w.u32(d.MemBanksCount)
	w.u32(d.CachesCount)
	w.u32(d.IOLinksCount)
	w.u32(d.MaxWavesPerSimd)
	w.u32(d.LdsSizeKiB)
	w.u32(d.NumGWS)
	w.u32(d.WaveFrontSize)
	w.u32(d.ArrayCount)
	w.u32(d.SimdArraysPerEngine)
	w.u32(d.CUPerSimdArray)
	w.u32(d.SimdPerCU)
	w.u32(d.MaxSlotsScratchCU)
	w.u32(d.VendorID)
	w.u32(d.DeviceID)
	w.u32(d.Domain)
	w.u32(d.DRMRenderMinor)
	w.u64(d.HiveID)
	w.u32(d.NumSDMAEngines)
	w.u32(d.NumSDMAXGMIEngines)
	w.u32(d.NumSDMAQueuesPerEngine)
	w.u32(d.NumCPQueues)
	w.u32(d.FWVersion)
	w.u32(d.Capability)
	w.u32(d.SDMAFWVersion)
	w.flag(d.VRAMPublic)
	w.u64(d.VRAMSize)

	w.u32(uint32(len(d.IOLinks)))
	for _, l := range d.IOLinks {
		w.u32(l.Type)
		w.u32(l.NodeTo)
	}
	w.blob(d.PrivateData)
}

func decodeDevice(r *reader) *DeviceEntry {
	d := &DeviceEntry{}
	d.NodeID = r.u32()
	d.GPUID = r.u32()
	d.CPUCoresCount = r.u32()
	d.SimdCount = r.u32()
	d.MemBanksCount = r.u32()
	d.CachesCount = r.u32()
	d.IOLinksCount = r.u32()
	d.MaxWavesPerSimd = r.u32()
	d.LdsSizeKiB = r.u32()
	d.NumGWS = r.u32()
	d.WaveFrontSize = r.u32()
	d.ArrayCount = r.u32()
	d.SimdArraysPerEngine = r.u32()
	d.CUPerSimdArray = r.u32()
	d.SimdPerCU = r.u32()
	d.MaxSlotsScratchCU = r.u32()
	d.VendorID = r.u32()
	d.DeviceID = r.u32()
	d.Domain = r.u32()
	d.DRMRenderMinor = r.u32()
	d.HiveID = r.u64()
	d.NumSDMAEngines = r.u32()
	d.NumSDMAXGMIEngines = r.u32()
	d.NumSDMAQueuesPerEngine = r.u32()
	d.NumCPQueues = r.u32()
	d.FWVersion = r.u32()
	d.Capability = r.u32()
	d.SDMAFWVersion = r.u32()
	d.VRAMPublic = r.flag()
	d.VRAMSize = r.u64()

	for i, n := 0, int(r.u32()); i < n && r.err == nil; i++ {
		d.IOLinks = append(d.IOLinks, IOLinkEntry{Type: r.u32(), NodeTo: r.u32()})
	}
	d.PrivateData = r.blob()
	return d
}

func encodeBO(w *writer, bo *BOEntry) {
	w.u32(bo.GPUID)
	w.u64(bo.Addr)
	w.u64(bo.Size)
	w.u64(bo.Offset)
	w.u32(bo.AllocFlags)
	w.blob(bo.PrivateData)
	if bo.RawData != nil {
		w.flag(true)
		w.blob(bo.RawData)
	} else {
		w.flag(false)
	}
}

func decodeBO(r *reader) *BOEntry {
	bo := &BOEntry{}
	bo.GPUID = r.u32()
	bo.Addr = r.u64()
	bo.Size = r.u64()
	bo.Offset = r.u64()
	bo.AllocFlags = r.u32()
	bo.PrivateData = r.blob()
	if r.flag() {
		// the presence flag survives even for zero-size buffers
		if bo.RawData = r.blob(); bo.RawData == nil {
			bo.RawData = []byte{}
		}
		if r.err == nil && uint64(len(bo.RawData)) != bo.Size {
			r.fail("bo raw data is %d bytes, declared size %d", len(bo.RawData), bo.Size)
		}
	}
	return bo
}

func encodeQueue(w *writer, q *QueueEntry) {
	w.u32(q.GPUID)
	w.u32(q.Type)
	w.u32(q.Format)
	w.u32(q.QID)
	w.u64(q.Address)
	w.u64(q.Size)
	w.u32(q.Priority)
	w.u32(q.Percent)
	w.u64(q.ReadPtrAddr)
	w.u64(q.WritePtrAddr)
	w.u32(q.DoorbellID)
	w.u64(q.DoorbellOffset)
	w.flag(q.IsGWS)
	w.u32(q.SDMAID)
	w.u64(q.EopRingBufferAddress)
	w.u64(q.EopRingBufferSize)
	w.u64(q.CtxSaveRestoreAddress)
	w.u64(q.CtxSaveRestoreAreaSize)
	w.blob(q.PrivateData)
	w.blob(q.CUMask)
	w.blob(q.MQD)
	w.blob(q.CtlStack)
}

func decodeQueue(r *reader) *QueueEntry {
	q := &QueueEntry{}
	q.GPUID = r.u32()
	q.Type = r.u32()
	q.Format = r.u32()
	q.QID = r.u32()
	q.Address = r.u64()
	q.Size = r.u64()
	q.Priority = r.u32()
	q.Percent = r.u32()
	q.ReadPtrAddr = r.u64()
	q.WritePtrAddr = r.u64()
	q.DoorbellID = r.u32()
	q.DoorbellOffset = r.u64()
	q.IsGWS = r.flag()
	q.SDMAID = r.u32()
	q.EopRingBufferAddress = r.u64()
	q.EopRingBufferSize = r.u64()
	q.CtxSaveRestoreAddress = r.u64()
	q.CtxSaveRestoreAreaSize = r.u64()
	q.PrivateData = r.blob()
	q.CUMask = r.blob()
	q.MQD = r.blob()
	q.CtlStack = r.blob()
	return q
}

func encodeEvent(w *writer, ev *EventEntry) {
	w.u32(ev.EventID)
	w.u32(ev.Type)
	w.flag(ev.AutoReset)
	w.flag(ev.Signaled)
	w.flag(ev.MemExcFailNotPresent)
	w.flag(ev.MemExcFailReadOnly)
	w.flag(ev.MemExcFailNoExecute)
	w.u64(ev.MemExcVA)
	w.u32(ev.MemExcGPUID)
	w.u32(ev.HWExcResetType)
	w.u32(ev.HWExcResetCause)
	w.u32(ev.HWExcMemoryLost)
	w.u32(ev.HWExcGPUID)
	w.blob(ev.PrivateData)
}

func decodeEvent(r *reader) *EventEntry {
	ev := &EventEntry{}
	ev.EventID = r.u32()
	ev.Type = r.u32()
	ev.AutoReset = r.flag()
	ev.Signaled = r.flag()
	ev.MemExcFailNotPresent = r.flag()
	ev.MemExcFailReadOnly = r.flag()
	ev.MemExcFailNoExecute = r.flag()
	ev.MemExcVA = r.u64()
	ev.MemExcGPUID = r.u32()
	ev.HWExcResetType = r.u32()
	ev.HWExcResetCause = r.u32()
	ev.HWExcMemoryLost = r.u32()
	ev.HWExcGPUID = r.u32()
	ev.PrivateData = r.blob()
	return ev
}

// EncodeRenderNode packs the short render-device-only image.
func EncodeRenderNode(rn *RenderNodeImage) []byte {
	w := &writer{}
	w.buf.WriteString(RenderNodeMagic)
	w.u32(Version)
	w.u32(rn.GPUID)
	return w.buf.Bytes()
}

// DecodeRenderNode unpacks a render-device-only image.
func DecodeRenderNode(data []byte) (*RenderNodeImage, error) {
	r := &reader{b: data}
	if magic := r.take(len(RenderNodeMagic)); magic == nil || string(magic) != RenderNodeMagic {
		return nil, fmt.Errorf("bad render node magic: %w", errdefs.ErrCorruptImage)
	}
	if v := r.u32(); r.err == nil && v != Version {
		return nil, fmt.Errorf("unsupported image version %d: %w", v, errdefs.ErrCorruptImage)
	}
	rn := &RenderNodeImage{GPUID: r.u32()}
	if r.err != nil {
		return nil, r.err
	}
	if r.off != len(r.b) {
		return nil, fmt.Errorf("trailing bytes after render node image: %w", errdefs.ErrCorruptImage)
	}
	return rn, nil
}
