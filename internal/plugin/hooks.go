package plugin

import (
	"fmt"

	"github.com/NexusGPU/gpu-checkpoint/internal/errdefs"
)

// Orchestrator-facing hook adapters. Statuses follow the plugin boundary
// convention: zero for success or no-op, positive when a rewrite was
// performed, negative errno otherwise.

// DumpExtFile checkpoints the device file behind fd under image id.
func (p *Plugin) DumpExtFile(fd int, id, pid uint32) int {
	return errdefs.Code(p.Dump(fd, id, pid))
}

// RestoreExtFile re-creates device state for image id, returning the
// descriptor the restored process will own, or a negative status.
func (p *Plugin) RestoreExtFile(id uint32) int {
	fd, err := p.Restore(id)
	if err != nil {
		return errdefs.Code(err)
	}
	return fd
}

// HandleDeviceVMA accepts mappings of this plugin's devices and rejects
// everything else.
func (p *Plugin) HandleDeviceVMA(fd int) int {
	kind, _, err := p.classify(fd)
	if err != nil {
		return errdefs.Code(err)
	}
	if kind == KindOther {
		return errdefs.Code(fmt.Errorf("mapping is not a compute device: %w", errdefs.ErrNotSupported))
	}
	return 0
}

// UpdateVMAMapHook rewrites one candidate mapping. It returns 1 with the
// replacement when the mapping belongs to a re-created buffer and 0 when it
// is not ours.
func (p *Plugin) UpdateVMAMapHook(oldPath string, addr, oldPgoff uint64) (int, string, uint64) {
	matched, newPath, newPgoff := p.UpdateVMAMap(oldPath, addr, oldPgoff)
	if !matched {
		return 0, "", 0
	}
	return 1, newPath, newPgoff
}

// ResumeDevicesLateHook unpauses the restored process's devices.
func (p *Plugin) ResumeDevicesLateHook(pid uint32) int {
	return errdefs.Code(p.ResumeDevicesLate(pid))
}
