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

package plugin

import (
	"fmt"
	"os"

	"k8s.io/klog/v2"

	"github.com/NexusGPU/gpu-checkpoint/internal/devicemap"
	"github.com/NexusGPU/gpu-checkpoint/internal/errdefs"
	"github.com/NexusGPU/gpu-checkpoint/internal/image"
	"github.com/NexusGPU/gpu-checkpoint/internal/kfd"
	"github.com/NexusGPU/gpu-checkpoint/internal/topology"
	"github.com/NexusGPU/gpu-checkpoint/internal/transfer"
)

// Dump checkpoints the device file behind fd for process pid. Control files
// trigger a full process dump; render files store only a device-identity
// record. Files of neither kind are not ours.
func (p *Plugin) Dump(fd int, id, pid uint32) error {
	kind, minor, err := p.classify(fd)
	if err != nil {
		return err
	}
	switch kind {
	case KindControl:
		return p.dumpProcess(fd, id, pid)
	case KindRender:
		return p.dumpRenderNode(id, minor)
	default:
		return fmt.Errorf("descriptor %d is not a compute device: %w", fd, errdefs.ErrNotSupported)
	}
}

// dumpRenderNode stores the identity of the GPU behind a render device
// file. The id recorded is the user-visible one, which at dump time equals
// the host's.
func (p *Plugin) dumpRenderNode(id, minor uint32) error {
	sys, err := p.localTopology()
	if err != nil {
		return err
	}
	defer sys.CloseRenderFDs()

	node, err := sys.NodeByRenderMinor(minor)
	if err != nil {
		return err
	}
	data := image.EncodeRenderNode(&image.RenderNodeImage{GPUID: node.GPUID})
	klog.V(1).Infof("dump: render minor %d is gpu %#x, image id %d", minor, node.GPUID, id)
	return os.WriteFile(p.renderImagePath(id), data, 0o600)
}

func (p *Plugin) dumpProcess(fd int, id, pid uint32) (err error) {
	drv := p.cfg.DriverFromFD(fd, pid)

	sys, lerr := p.localTopology()
	if lerr != nil {
		return lerr
	}
	defer sys.CloseRenderFDs()

	if err := drv.Pause(pid); err != nil {
		return fmt.Errorf("pause process %d: %w", pid, err)
	}
	defer func() {
		// a process left paused is unusable, so a resume failure is
		// fatal even after a clean dump
		if rerr := drv.Resume(pid); rerr != nil && err == nil {
			err = fmt.Errorf("resume process %d: %w", pid, rerr)
		}
	}()

	info, err := drv.ProcessInfo()
	if err != nil {
		return err
	}
	proc, err := drv.CheckpointProcess()
	if err != nil {
		return err
	}
	devs, err := drv.CheckpointDevices()
	if err != nil {
		return err
	}
	bos, err := drv.CheckpointBOs()
	if err != nil {
		return err
	}

	// actual-to-user id map; at dump time these usually coincide unless
	// the process was itself restored before
	ids := &devicemap.Map{}
	privByGPU := make(map[uint32][]byte, len(devs))
	for _, d := range devs {
		ids.Add(d.ActualGPUID, d.UserGPUID)
		privByGPU[d.UserGPUID] = d.Priv
	}

	jobs, pairs, err := p.drainJobs(sys, pid, bos)
	if err != nil {
		return err
	}
	if err := p.cfg.Engine.Run(transfer.Drain, jobs); err != nil {
		return err
	}

	queues, err := drv.CheckpointQueues()
	if err != nil {
		return err
	}
	events, err := drv.CheckpointEvents()
	if err != nil {
		return err
	}

	img := &image.Image{
		Pid:             pid,
		NumGPUs:         uint32(len(sys.GPUs())),
		NumCPUs:         uint32(sys.NumNodes() - len(sys.GPUs())),
		EventPageOffset: info.EventPageOffset,
		Process:         &image.ProcessEntry{PrivateData: proc.Priv},
		Devices:         deviceEntries(sys, ids, privByGPU),
	}
	p.captureSharedMem(img)

	for i, bo := range bos {
		userID := ids.Get(bo.GPUID)
		if userID == 0 {
			return fmt.Errorf("bo at %#x names unknown gpu %#x: %w",
				bo.Addr, bo.GPUID, errdefs.ErrNoSuchDevice)
		}
		entry := &image.BOEntry{
			GPUID:       userID,
			Addr:        bo.Addr,
			Size:        bo.Size,
			Offset:      bo.Offset,
			AllocFlags:  bo.AllocFlags,
			PrivateData: bo.Priv,
		}
		if bo.IsMappable() {
			entry.RawData = pairs[i].Data
		}
		img.BOs = append(img.BOs, entry)
	}
	for _, q := range queues {
		userID := ids.Get(q.GPUID)
		if userID == 0 {
			return fmt.Errorf("queue %d names unknown gpu %#x: %w",
				q.QID, q.GPUID, errdefs.ErrNoSuchDevice)
		}
		img.Queues = append(img.Queues, queueEntry(&q, userID))
	}
	for _, ev := range events {
		entry := eventEntry(&ev)
		if entry.MemExcGPUID != 0 {
			if entry.MemExcGPUID = ids.Get(entry.MemExcGPUID); entry.MemExcGPUID == 0 {
				return fmt.Errorf("event %d names unknown gpu %#x: %w",
					ev.EventID, ev.MemExcGPUID, errdefs.ErrNoSuchDevice)
			}
		}
		if entry.HWExcGPUID != 0 {
			if entry.HWExcGPUID = ids.Get(entry.HWExcGPUID); entry.HWExcGPUID == 0 {
				return fmt.Errorf("event %d names unknown gpu %#x: %w",
					ev.EventID, ev.HWExcGPUID, errdefs.ErrNoSuchDevice)
			}
		}
		img.Events = append(img.Events, entry)
	}

	// writing the image is the last step; a failure anywhere above
	// leaves no file claiming a complete dump
	if err := os.WriteFile(p.statePath(id), image.Encode(img), 0o600); err != nil {
		return fmt.Errorf("write image %d: %w", id, err)
	}
	klog.Infof("dump: process %d, %d gpus, %d bos, %d queues, %d events, image id %d",
		pid, img.NumGPUs, len(img.BOs), len(img.Queues), len(img.Events), id)
	return nil
}

// drainJobs groups the mappable buffers into one transfer job per GPU. The
// returned pair slice is index-aligned with bos so payloads can be matched
// back after the workers join.
func (p *Plugin) drainJobs(sys *topology.System, pid uint32, bos []kfd.BORecord) ([]*transfer.Job, []*transfer.BO, error) {
	pairs := make([]*transfer.BO, len(bos))
	byGPU := make(map[uint32]*transfer.Job)
	var jobs []*transfer.Job
	for i := range bos {
		rec := &bos[i]
		pairs[i] = &transfer.BO{Rec: rec}
		if !rec.IsMappable() {
			continue
		}
		job := byGPU[rec.GPUID]
		if job == nil {
			node, err := sys.NodeByGPUID(rec.GPUID)
			if err != nil {
				return nil, nil, err
			}
			renderFD, err := sys.RenderFD(node)
			if err != nil {
				return nil, nil, err
			}
			job = &transfer.Job{GPUID: rec.GPUID, Pid: pid, RenderFD: renderFD}
			byGPU[rec.GPUID] = job
			jobs = append(jobs, job)
		}
		job.BOs = append(job.BOs, pairs[i])
	}
	return jobs, pairs, nil
}

func queueEntry(q *kfd.QueueRecord, userID uint32) *image.QueueEntry {
	return &image.QueueEntry{
		GPUID:                  userID,
		Type:                   q.Type,
		Format:                 q.Format,
		QID:                    q.QID,
		Address:                q.Address,
		Size:                   q.Size,
		Priority:               q.Priority,
		Percent:                q.Percent,
		ReadPtrAddr:            q.ReadPtrAddr,
		WritePtrAddr:           q.WritePtrAddr,
		DoorbellID:             q.DoorbellID,
		DoorbellOffset:         q.DoorbellOffset,
		IsGWS:                  q.IsGWS,
		SDMAID:                 q.SDMAID,
		EopRingBufferAddress:   q.EopRingBufferAddress,
		EopRingBufferSize:      q.EopRingBufferSize,
		CtxSaveRestoreAddress:  q.CtxSaveRestoreAddress,
		CtxSaveRestoreAreaSize: q.CtxSaveRestoreAreaSize,
		PrivateData:            q.Priv,
		CUMask:                 q.CUMask,
		MQD:                    q.MQD,
		CtlStack:               q.CtlStack,
	}
}

func eventEntry(ev *kfd.EventRecord) *image.EventEntry {
	return &image.EventEntry{
		EventID:              ev.EventID,
		Type:                 ev.Type,
		AutoReset:            ev.AutoReset,
		Signaled:             ev.Signaled,
		MemExcFailNotPresent: ev.MemExcFailNotPresent,
		MemExcFailReadOnly:   ev.MemExcFailReadOnly,
		MemExcFailNoExecute:  ev.MemExcFailNoExecute,
		MemExcVA:             ev.MemExcVA,
		MemExcGPUID:          ev.MemExcGPUID,
		HWExcResetType:       ev.HWExcResetType,
		HWExcResetCause:      ev.HWExcResetCause,
		HWExcMemoryLost:      ev.HWExcMemoryLost,
		HWExcGPUID:           ev.HWExcGPUID,
		PrivateData:          ev.Priv,
	}
}
