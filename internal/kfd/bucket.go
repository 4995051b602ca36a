package kfd

import (
	"encoding/binary"
	"fmt"

	"github.com/NexusGPU/gpu-checkpoint/internal/errdefs"
)

// Fixed wire sizes of the per-category bucket records.
const (
	ProcessBucketSize = 16
	DeviceBucketSize  = 28
	BOBucketSize      = 60
	QueueBucketSize   = 144
	EventBucketSize   = 72
)

// Blob is the wire form of one dumper/restorer payload: Count fixed records
// followed by the shared private-data region. Records never overlap in the
// region; every (offset,size) pair is bounds-checked on the way out.
type Blob struct {
	Count   uint64
	Records []byte
	Priv    []byte
}

// Wire returns the contiguous byte form handed to (or received from) the
// driver.
func (b *Blob) Wire() []byte {
	out := make([]byte, 0, len(b.Records)+len(b.Priv))
	out = append(out, b.Records...)
	return append(out, b.Priv...)
}

// BlobFromWire splits a driver-filled payload back into records and private
// region.
func BlobFromWire(data []byte, count uint64, recordSize int) (*Blob, error) {
	recBytes := int(count) * recordSize
	if recBytes > len(data) {
		return nil, fmt.Errorf("bucket payload holds %d bytes, need %d records of %d: %w",
			len(data), count, recordSize, errdefs.ErrCorruptImage)
	}
	return &Blob{Count: count, Records: data[:recBytes], Priv: data[recBytes:]}, nil
}

// record is a bounds-checked writer/reader over one fixed-size bucket.
type record struct {
	b   []byte
	off int
	err error
}

func (r *record) fail() {
	if r.err == nil {
		r.err = fmt.Errorf("bucket record overrun at %d of %d: %w",
			r.off, len(r.b), errdefs.ErrCorruptImage)
	}
}

func (r *record) put32(v uint32) {
	if r.off+4 > len(r.b) {
		r.fail()
		return
	}
	binary.LittleEndian.PutUint32(r.b[r.off:], v)
	r.off += 4
}

func (r *record) put64(v uint64) {
	if r.off+8 > len(r.b) {
		r.fail()
		return
	}
	binary.LittleEndian.PutUint64(r.b[r.off:], v)
	r.off += 8
}

func (r *record) putBool(v bool) {
	if v {
		r.put32(1)
	} else {
		r.put32(0)
	}
}

func (r *record) get32() uint32 {
	if r.off+4 > len(r.b) {
		r.fail()
		return 0
	}
	v := binary.LittleEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v
}

func (r *record) get64() uint64 {
	if r.off+8 > len(r.b) {
		r.fail()
		return 0
	}
	v := binary.LittleEndian.Uint64(r.b[r.off:])
	r.off += 8
	return v
}

func (r *record) getBool() bool { return r.get32() != 0 }

// region accumulates private-data blobs, handing out non-overlapping
// (offset,size) pairs.
type region struct {
	buf []byte
}

func (rg *region) place(b []byte) (offset, size uint64) {
	offset = uint64(len(rg.buf))
	rg.buf = append(rg.buf, b...)
	return offset, uint64(len(b))
}

func checkRecords(b *Blob, recordSize int) error {
	if int(b.Count)*recordSize > len(b.Records) {
		return fmt.Errorf("bucket holds %d record bytes, need %d*%d: %w",
			len(b.Records), b.Count, recordSize, errdefs.ErrCorruptImage)
	}
	return nil
}

func sliceRegion(priv []byte, offset, size uint64) ([]byte, error) {
	end := offset + size
	if end < offset || end > uint64(len(priv)) {
		return nil, fmt.Errorf("private data [%d,%d) outside %d-byte region: %w",
			offset, end, len(priv), errdefs.ErrCorruptImage)
	}
	out := make([]byte, size)
	copy(out, priv[offset:end])
	return out, nil
}

// MarshalProcess packs the single process record.
func MarshalProcess(p *ProcessRecord) *Blob {
	var rg region
	rec := record{b: make([]byte, ProcessBucketSize)}
	off, size := rg.place(p.Priv)
	rec.put64(off)
	rec.put64(size)
	return &Blob{Count: 1, Records: rec.b, Priv: rg.buf}
}

// UnmarshalProcess unpacks the single process record.
func UnmarshalProcess(b *Blob) (*ProcessRecord, error) {
	if b.Count != 1 {
		return nil, fmt.Errorf("process payload with %d records: %w", b.Count, errdefs.ErrCorruptImage)
	}
	rec := record{b: b.Records}
	off, size := rec.get64(), rec.get64()
	if rec.err != nil {
		return nil, rec.err
	}
	priv, err := sliceRegion(b.Priv, off, size)
	if err != nil {
		return nil, err
	}
	return &ProcessRecord{Priv: priv}, nil
}

// MarshalDevices packs device records into the flat bucket layout.
func MarshalDevices(devs []DeviceRecord) *Blob {
	var rg region
	records := make([]byte, len(devs)*DeviceBucketSize)
	for i, d := range devs {
		rec := record{b: records[i*DeviceBucketSize : (i+1)*DeviceBucketSize]}
		off, size := rg.place(d.Priv)
		rec.put32(d.UserGPUID)
		rec.put32(d.ActualGPUID)
		rec.put32(uint32(d.DRMFD))
		rec.put64(off)
		rec.put64(size)
	}
	return &Blob{Count: uint64(len(devs)), Records: records, Priv: rg.buf}
}

// UnmarshalDevices unpacks device records.
func UnmarshalDevices(b *Blob) ([]DeviceRecord, error) {
	if err := checkRecords(b, DeviceBucketSize); err != nil {
		return nil, err
	}
	devs := make([]DeviceRecord, 0, b.Count)
	for i := 0; i < int(b.Count); i++ {
		rec := record{b: b.Records[i*DeviceBucketSize : (i+1)*DeviceBucketSize]}
		d := DeviceRecord{
			UserGPUID:   rec.get32(),
			ActualGPUID: rec.get32(),
			DRMFD:       int32(rec.get32()),
		}
		off, size := rec.get64(), rec.get64()
		if rec.err != nil {
			return nil, rec.err
		}
		priv, err := sliceRegion(b.Priv, off, size)
		if err != nil {
			return nil, err
		}
		d.Priv = priv
		devs = append(devs, d)
	}
	return devs, nil
}

// MarshalBOs packs buffer-object records.
func MarshalBOs(bos []BORecord) *Blob {
	var rg region
	records := make([]byte, len(bos)*BOBucketSize)
	for i, bo := range bos {
		rec := record{b: records[i*BOBucketSize : (i+1)*BOBucketSize]}
		off, size := rg.place(bo.Priv)
		rec.put64(bo.Addr)
		rec.put64(bo.Size)
		rec.put64(bo.Offset)
		rec.put64(bo.RestoredOffset)
		rec.put32(bo.GPUID)
		rec.put32(bo.AllocFlags)
		rec.put32(uint32(bo.DmabufFD))
		rec.put64(off)
		rec.put64(size)
	}
	return &Blob{Count: uint64(len(bos)), Records: records, Priv: rg.buf}
}

// UnmarshalBOs unpacks buffer-object records.
func UnmarshalBOs(b *Blob) ([]BORecord, error) {
	if err := checkRecords(b, BOBucketSize); err != nil {
		return nil, err
	}
	bos := make([]BORecord, 0, b.Count)
	for i := 0; i < int(b.Count); i++ {
		rec := record{b: b.Records[i*BOBucketSize : (i+1)*BOBucketSize]}
		bo := BORecord{
			Addr:           rec.get64(),
			Size:           rec.get64(),
			Offset:         rec.get64(),
			RestoredOffset: rec.get64(),
			GPUID:          rec.get32(),
			AllocFlags:     rec.get32(),
			DmabufFD:       int32(rec.get32()),
		}
		off, size := rec.get64(), rec.get64()
		if rec.err != nil {
			return nil, rec.err
		}
		priv, err := sliceRegion(b.Priv, off, size)
		if err != nil {
			return nil, err
		}
		bo.Priv = priv
		bos = append(bos, bo)
	}
	return bos, nil
}

// MarshalQueues packs queue records. The cu-mask, descriptor and control
// stack of each queue are placed back-to-back in the shared region starting
// at the record's data offset.
func MarshalQueues(queues []QueueRecord) *Blob {
	var rg region
	records := make([]byte, len(queues)*QueueBucketSize)
	for i, q := range queues {
		rec := record{b: records[i*QueueBucketSize : (i+1)*QueueBucketSize]}
		privOff, privSize := rg.place(q.Priv)
		dataOff, _ := rg.place(q.CUMask)
		rg.place(q.MQD)
		rg.place(q.CtlStack)

		rec.put32(q.GPUID)
		rec.put32(q.Type)
		rec.put32(q.Format)
		rec.put32(q.QID)
		rec.put64(q.Address)
		rec.put64(q.Size)
		rec.put32(q.Priority)
		rec.put32(q.Percent)
		rec.put64(q.ReadPtrAddr)
		rec.put64(q.WritePtrAddr)
		rec.put32(q.DoorbellID)
		rec.put64(q.DoorbellOffset)
		rec.putBool(q.IsGWS)
		rec.put32(q.SDMAID)
		rec.put64(q.EopRingBufferAddress)
		rec.put64(q.EopRingBufferSize)
		rec.put64(q.CtxSaveRestoreAddress)
		rec.put64(q.CtxSaveRestoreAreaSize)
		rec.put32(uint32(len(q.CUMask)))
		rec.put32(uint32(len(q.MQD)))
		rec.put32(uint32(len(q.CtlStack)))
		rec.put64(dataOff)
		rec.put64(privOff)
		rec.put64(privSize)
	}
	return &Blob{Count: uint64(len(queues)), Records: records, Priv: rg.buf}
}

// UnmarshalQueues unpacks queue records.
func UnmarshalQueues(b *Blob) ([]QueueRecord, error) {
	if err := checkRecords(b, QueueBucketSize); err != nil {
		return nil, err
	}
	queues := make([]QueueRecord, 0, b.Count)
	for i := 0; i < int(b.Count); i++ {
		rec := record{b: b.Records[i*QueueBucketSize : (i+1)*QueueBucketSize]}
		q := QueueRecord{
			GPUID:        rec.get32(),
			Type:         rec.get32(),
			Format:       rec.get32(),
			QID:          rec.get32(),
			Address:      rec.get64(),
			Size:         rec.get64(),
			Priority:     rec.get32(),
			Percent:      rec.get32(),
			ReadPtrAddr:  rec.get64(),
			WritePtrAddr: rec.get64(),
			DoorbellID:   rec.get32(),
		}
		q.DoorbellOffset = rec.get64()
		q.IsGWS = rec.getBool()
		q.SDMAID = rec.get32()
		q.EopRingBufferAddress = rec.get64()
		q.EopRingBufferSize = rec.get64()
		q.CtxSaveRestoreAddress = rec.get64()
		q.CtxSaveRestoreAreaSize = rec.get64()
		cuMaskSize := rec.get32()
		mqdSize := rec.get32()
		ctlStackSize := rec.get32()
		dataOff := rec.get64()
		privOff, privSize := rec.get64(), rec.get64()
		if rec.err != nil {
			return nil, rec.err
		}

		var err error
		if q.Priv, err = sliceRegion(b.Priv, privOff, privSize); err != nil {
			return nil, err
		}
		if q.CUMask, err = sliceRegion(b.Priv, dataOff, uint64(cuMaskSize)); err != nil {
			return nil, err
		}
		if q.MQD, err = sliceRegion(b.Priv, dataOff+uint64(cuMaskSize), uint64(mqdSize)); err != nil {
			return nil, err
		}
		if q.CtlStack, err = sliceRegion(b.Priv, dataOff+uint64(cuMaskSize)+uint64(mqdSize), uint64(ctlStackSize)); err != nil {
			return nil, err
		}
		queues = append(queues, q)
	}
	return queues, nil
}

// MarshalEvents packs event records.
func MarshalEvents(events []EventRecord) *Blob {
	var rg region
	records := make([]byte, len(events)*EventBucketSize)
	for i, ev := range events {
		rec := record{b: records[i*EventBucketSize : (i+1)*EventBucketSize]}
		off, size := rg.place(ev.Priv)
		rec.put32(ev.EventID)
		rec.put32(ev.Type)
		rec.putBool(ev.AutoReset)
		rec.putBool(ev.Signaled)
		rec.putBool(ev.MemExcFailNotPresent)
		rec.putBool(ev.MemExcFailReadOnly)
		rec.putBool(ev.MemExcFailNoExecute)
		rec.put64(ev.MemExcVA)
		rec.put32(ev.MemExcGPUID)
		rec.put32(ev.HWExcResetType)
		rec.put32(ev.HWExcResetCause)
		rec.put32(ev.HWExcMemoryLost)
		rec.put32(ev.HWExcGPUID)
		rec.put64(off)
		rec.put64(size)
	}
	return &Blob{Count: uint64(len(events)), Records: records, Priv: rg.buf}
}

// UnmarshalEvents unpacks event records.
func UnmarshalEvents(b *Blob) ([]EventRecord, error) {
	if err := checkRecords(b, EventBucketSize); err != nil {
		return nil, err
	}
	events := make([]EventRecord, 0, b.Count)
	for i := 0; i < int(b.Count); i++ {
		rec := record{b: b.Records[i*EventBucketSize : (i+1)*EventBucketSize]}
		ev := EventRecord{
			EventID:              rec.get32(),
			Type:                 rec.get32(),
			AutoReset:            rec.getBool(),
			Signaled:             rec.getBool(),
			MemExcFailNotPresent: rec.getBool(),
			MemExcFailReadOnly:   rec.getBool(),
			MemExcFailNoExecute:  rec.getBool(),
			MemExcVA:             rec.get64(),
			MemExcGPUID:          rec.get32(),
			HWExcResetType:       rec.get32(),
			HWExcResetCause:      rec.get32(),
			HWExcMemoryLost:      rec.get32(),
			HWExcGPUID:           rec.get32(),
		}
		off, size := rec.get64(), rec.get64()
		if rec.err != nil {
			return nil, rec.err
		}
		priv, err := sliceRegion(b.Priv, off, size)
		if err != nil {
			return nil, err
		}
		ev.Priv = priv
		events = append(events, ev)
	}
	return events, nil
}
