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

	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"

	"github.com/NexusGPU/gpu-checkpoint/internal/errdefs"
	"github.com/NexusGPU/gpu-checkpoint/internal/image"
	"github.com/NexusGPU/gpu-checkpoint/internal/kfd"
	"github.com/NexusGPU/gpu-checkpoint/internal/match"
	"github.com/NexusGPU/gpu-checkpoint/internal/topology"
	"github.com/NexusGPU/gpu-checkpoint/internal/transfer"
)

// Restore re-creates the device state stored under image id and returns the
// descriptor the restored process will own. A full state image yields the
// control device; a render-node image yields the remapped render device.
func (p *Plugin) Restore(id uint32) (int, error) {
	if _, err := os.Stat(p.statePath(id)); err == nil {
		return p.restoreProcess(id)
	}
	return p.restoreRenderNode(id)
}

// restoreRenderNode resolves a device-identity record against the restore
// map built by the preceding full restore.
func (p *Plugin) restoreRenderNode(id uint32) (int, error) {
	data, err := os.ReadFile(p.renderImagePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return -1, fmt.Errorf("no image for id %d: %w", id, errdefs.ErrNotFound)
		}
		return -1, err
	}
	rn, err := image.DecodeRenderNode(data)
	if err != nil {
		return -1, err
	}

	actual := p.restoreMap.Get(rn.GPUID)
	if actual == 0 {
		return -1, fmt.Errorf("gpu %#x not in restore map yet: %w", rn.GPUID, errdefs.ErrNotFound)
	}
	sys, err := p.localTopology()
	if err != nil {
		return -1, err
	}
	defer sys.CloseRenderFDs()
	node, err := sys.NodeByGPUID(actual)
	if err != nil {
		return -1, err
	}

	// opened fresh; ownership passes to the orchestrator
	fd, err := unix.Open(p.renderPath(node.DRMRenderMinor), unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("open render device for gpu %#x: %w", actual, err)
	}
	klog.V(1).Infof("restore: image id %d, gpu %#x onto %#x, render minor %d",
		id, rn.GPUID, actual, node.DRMRenderMinor)
	return fd, nil
}

func (p *Plugin) restoreProcess(id uint32) (int, error) {
	data, err := os.ReadFile(p.statePath(id))
	if err != nil {
		return -1, err
	}
	img, err := image.Decode(data)
	if err != nil {
		return -1, err
	}

	ckpt := systemFromEntries(img.Devices, "checkpoint")
	if err := topology.DetermineValidLinks(ckpt); err != nil {
		return -1, err
	}
	local, err := p.localTopology()
	if err != nil {
		return -1, err
	}
	defer local.CloseRenderFDs()

	// the matcher runs before the control device is touched, so an
	// unsatisfiable restore makes no driver calls at all
	restoreMap, err := match.BuildRestoreMap(ckpt, local, p.checks)
	if err != nil {
		return -1, err
	}
	p.restoreMap = restoreMap

	pid := p.targetPid()
	fd, err := p.cfg.OpenControl()
	if err != nil {
		return -1, err
	}
	drv := p.cfg.DriverFromFD(fd, pid)
	if err := p.restoreState(drv, img, ckpt, local); err != nil {
		unix.Close(fd)
		return -1, err
	}
	klog.Infof("restore: process %d, %d bos, %d queues, %d events, image id %d",
		pid, len(img.BOs), len(img.Queues), len(img.Events), id)
	return fd, nil
}

func (p *Plugin) restoreState(drv kfd.Driver, img *image.Image, ckpt, local *topology.System) error {
	if err := drv.RestoreProcess(&kfd.ProcessRecord{Priv: img.Process.PrivateData}); err != nil {
		return err
	}

	devs := make([]kfd.DeviceRecord, 0, len(img.Devices))
	for _, e := range img.Devices {
		if e.GPUID == 0 {
			continue
		}
		actual, node, err := p.mapGPU(local, e.GPUID)
		if err != nil {
			return err
		}
		renderFD, err := local.RenderFD(node)
		if err != nil {
			return err
		}
		devs = append(devs, kfd.DeviceRecord{
			UserGPUID:   e.GPUID,
			ActualGPUID: actual,
			DRMFD:       int32(renderFD),
			Priv:        e.PrivateData,
		})
	}
	if err := drv.RestoreDevices(devs); err != nil {
		return err
	}

	bos := make([]kfd.BORecord, 0, len(img.BOs))
	for _, e := range img.BOs {
		actual, _, err := p.mapGPU(local, e.GPUID)
		if err != nil {
			return err
		}
		bos = append(bos, kfd.BORecord{
			GPUID:      actual,
			Addr:       e.Addr,
			Size:       e.Size,
			Offset:     e.Offset,
			AllocFlags: e.AllocFlags,
			DmabufFD:   -1,
			Priv:       e.PrivateData,
		})
	}
	restored, err := drv.RestoreBOs(bos)
	if err != nil {
		return err
	}
	if len(restored) != len(img.BOs) {
		return fmt.Errorf("driver restored %d of %d bos: %w",
			len(restored), len(img.BOs), errdefs.ErrCorruptImage)
	}

	if err := p.stageRemaps(img, restored, ckpt, local); err != nil {
		return err
	}

	jobs, err := p.fillJobs(local, img, restored)
	if err != nil {
		return err
	}
	if err := p.cfg.Engine.Run(transfer.Fill, jobs); err != nil {
		return err
	}

	queues := make([]kfd.QueueRecord, 0, len(img.Queues))
	for _, e := range img.Queues {
		actual, _, err := p.mapGPU(local, e.GPUID)
		if err != nil {
			return err
		}
		queues = append(queues, queueRecord(e, actual))
	}
	if err := drv.RestoreQueues(queues); err != nil {
		return err
	}

	events := make([]kfd.EventRecord, 0, len(img.Events))
	for _, e := range img.Events {
		ev := eventRecord(e)
		if ev.MemExcGPUID != 0 {
			if ev.MemExcGPUID, _, err = p.mapGPU(local, ev.MemExcGPUID); err != nil {
				return err
			}
		}
		if ev.HWExcGPUID != 0 {
			if ev.HWExcGPUID, _, err = p.mapGPU(local, ev.HWExcGPUID); err != nil {
				return err
			}
		}
		events = append(events, ev)
	}
	if err := drv.RestoreEvents(events, img.EventPageOffset); err != nil {
		return err
	}

	return p.restoreSharedMem(img)
}

// mapGPU translates a user-visible GPU id into this host's id and node.
func (p *Plugin) mapGPU(local *topology.System, userID uint32) (uint32, *topology.Node, error) {
	actual := p.restoreMap.Get(userID)
	if actual == 0 {
		return 0, nil, fmt.Errorf("gpu %#x has no mapping: %w", userID, errdefs.ErrNoSuchDevice)
	}
	node, err := local.NodeByGPUID(actual)
	if err != nil {
		return 0, nil, err
	}
	return actual, node, nil
}

// stageRemaps records, per re-created buffer, how the process's device
// mappings must be rewritten. The entries are consumed one by one by the
// mapping hook during process restore.
func (p *Plugin) stageRemaps(img *image.Image, restored []kfd.BORecord, ckpt, local *topology.System) error {
	for i, e := range img.BOs {
		if restored[i].AllocFlags&(kfd.AllocFlagVRAM|kfd.AllocFlagGTT|kfd.AllocFlagDoorbell|kfd.AllocFlagMMIORemap) == 0 {
			continue
		}
		oldNode, err := ckpt.NodeByGPUID(e.GPUID)
		if err != nil {
			return err
		}
		_, newNode, err := p.mapGPU(local, e.GPUID)
		if err != nil {
			return err
		}
		p.remaps = append(p.remaps, VMARemap{
			OldPath:  p.renderPath(oldNode.DRMRenderMinor),
			Addr:     e.Addr,
			OldPgoff: e.Offset,
			NewPath:  p.renderPath(newNode.DRMRenderMinor),
			NewPgoff: restored[i].RestoredOffset,
		})
	}
	return nil
}

// fillJobs groups restored buffers into one transfer job per GPU, pairing
// each with its stored payload. The jobs run against the calling process,
// which holds the fresh allocations.
func (p *Plugin) fillJobs(local *topology.System, img *image.Image, restored []kfd.BORecord) ([]*transfer.Job, error) {
	byGPU := make(map[uint32]*transfer.Job)
	var jobs []*transfer.Job
	for i := range restored {
		rec := &restored[i]
		if !rec.IsMappable() || img.BOs[i].RawData == nil {
			continue
		}
		job := byGPU[rec.GPUID]
		if job == nil {
			node, err := local.NodeByGPUID(rec.GPUID)
			if err != nil {
				return nil, err
			}
			renderFD, err := local.RenderFD(node)
			if err != nil {
				return nil, err
			}
			job = &transfer.Job{GPUID: rec.GPUID, Pid: uint32(os.Getpid()), RenderFD: renderFD}
			byGPU[rec.GPUID] = job
			jobs = append(jobs, job)
		}
		job.BOs = append(job.BOs, &transfer.BO{Rec: rec, Data: img.BOs[i].RawData})
	}
	return jobs, nil
}

func queueRecord(e *image.QueueEntry, actual uint32) kfd.QueueRecord {
	return kfd.QueueRecord{
		GPUID:                  actual,
		Type:                   e.Type,
		Format:                 e.Format,
		QID:                    e.QID,
		Address:                e.Address,
		Size:                   e.Size,
		Priority:               e.Priority,
		Percent:                e.Percent,
		ReadPtrAddr:            e.ReadPtrAddr,
		WritePtrAddr:           e.WritePtrAddr,
		DoorbellID:             e.DoorbellID,
		DoorbellOffset:         e.DoorbellOffset,
		IsGWS:                  e.IsGWS,
		SDMAID:                 e.SDMAID,
		EopRingBufferAddress:   e.EopRingBufferAddress,
		EopRingBufferSize:      e.EopRingBufferSize,
		CtxSaveRestoreAddress:  e.CtxSaveRestoreAddress,
		CtxSaveRestoreAreaSize: e.CtxSaveRestoreAreaSize,
		Priv:                   e.PrivateData,
		CUMask:                 e.CUMask,
		MQD:                    e.MQD,
		CtlStack:               e.CtlStack,
	}
}

func eventRecord(e *image.EventEntry) kfd.EventRecord {
	return kfd.EventRecord{
		EventID:              e.EventID,
		Type:                 e.Type,
		AutoReset:            e.AutoReset,
		Signaled:             e.Signaled,
		MemExcFailNotPresent: e.MemExcFailNotPresent,
		MemExcFailReadOnly:   e.MemExcFailReadOnly,
		MemExcFailNoExecute:  e.MemExcFailNoExecute,
		MemExcVA:             e.MemExcVA,
		MemExcGPUID:          e.MemExcGPUID,
		HWExcResetType:       e.HWExcResetType,
		HWExcResetCause:      e.HWExcResetCause,
		HWExcMemoryLost:      e.HWExcMemoryLost,
		HWExcGPUID:           e.HWExcGPUID,
		Priv:                 e.PrivateData,
	}
}
