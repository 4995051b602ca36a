package kfd

// Fake is an in-memory Driver for tests. Checkpoint calls serve the
// configured records; restore calls capture their arguments and assign
// deterministic restored offsets.
type Fake struct {
	Info    ProcessInfo
	Process ProcessRecord
	Devices []DeviceRecord
	BOs     []BORecord
	Queues  []QueueRecord
	Events  []EventRecord

	// Fail, when set, is returned by every driver call.
	Fail error

	RestoredProcess *ProcessRecord
	RestoredDevices []DeviceRecord
	RestoredBOs     []BORecord
	RestoredQueues  []QueueRecord
	RestoredEvents  []EventRecord
	RestoredEvtPage uint64

	PausedPids  []uint32
	ResumedPids []uint32
	Calls       int
	Closed      bool

	// RestoredOffsetBase seeds the offsets handed out by RestoreBOs; each
	// record gets base + index*0x1000.
	RestoredOffsetBase uint64
}

var _ Driver = (*Fake)(nil)

func (f *Fake) step() error {
	f.Calls++
	return f.Fail
}

func (f *Fake) ProcessInfo() (*ProcessInfo, error) {
	if err := f.step(); err != nil {
		return nil, err
	}
	info := f.Info
	return &info, nil
}

func (f *Fake) CheckpointProcess() (*ProcessRecord, error) {
	if err := f.step(); err != nil {
		return nil, err
	}
	p := f.Process
	return &p, nil
}

func (f *Fake) CheckpointDevices() ([]DeviceRecord, error) {
	if err := f.step(); err != nil {
		return nil, err
	}
	return append([]DeviceRecord(nil), f.Devices...), nil
}

func (f *Fake) CheckpointBOs() ([]BORecord, error) {
	if err := f.step(); err != nil {
		return nil, err
	}
	return append([]BORecord(nil), f.BOs...), nil
}

func (f *Fake) CheckpointQueues() ([]QueueRecord, error) {
	if err := f.step(); err != nil {
		return nil, err
	}
	return append([]QueueRecord(nil), f.Queues...), nil
}

func (f *Fake) CheckpointEvents() ([]EventRecord, error) {
	if err := f.step(); err != nil {
		return nil, err
	}
	return append([]EventRecord(nil), f.Events...), nil
}

func (f *Fake) RestoreProcess(p *ProcessRecord) error {
	if err := f.step(); err != nil {
		return err
	}
	f.RestoredProcess = p
	return nil
}

func (f *Fake) RestoreDevices(devs []DeviceRecord) error {
	if err := f.step(); err != nil {
		return err
	}
	f.RestoredDevices = append([]DeviceRecord(nil), devs...)
	return nil
}

func (f *Fake) RestoreBOs(bos []BORecord) ([]BORecord, error) {
	if err := f.step(); err != nil {
		return nil, err
	}
	out := append([]BORecord(nil), bos...)
	for i := range out {
		out[i].RestoredOffset = f.RestoredOffsetBase + uint64(i)*0x1000
	}
	f.RestoredBOs = out
	return out, nil
}

func (f *Fake) RestoreQueues(queues []QueueRecord) error {
	if err := f.step(); err != nil {
		return err
	}
	f.RestoredQueues = append([]QueueRecord(nil), queues...)
	return nil
}

func (f *Fake) RestoreEvents(events []EventRecord, eventPageOffset uint64) error {
	if err := f.step(); err != nil {
		return err
	}
	f.RestoredEvents = append([]EventRecord(nil), events...)
	f.RestoredEvtPage = eventPageOffset
	return nil
}

func (f *Fake) Pause(pid uint32) error {
	if err := f.step(); err != nil {
		return err
	}
	f.PausedPids = append(f.PausedPids, pid)
	return nil
}

func (f *Fake) Resume(pid uint32) error {
	if err := f.step(); err != nil {
		return err
	}
	f.ResumedPids = append(f.ResumedPids, pid)
	return nil
}

func (f *Fake) Close() error {
	f.Closed = true
	return nil
}
