package plugin

import (
	"fmt"

	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

// ResumeDevicesLate unpauses the restored process's compute queues and
// event delivery once the orchestrator has finished rebuilding it.
func (p *Plugin) ResumeDevicesLate(pid uint32) error {
	fd, err := p.cfg.OpenControl()
	if err != nil {
		return fmt.Errorf("open control device: %w", err)
	}
	defer unix.Close(fd)
	drv := p.cfg.DriverFromFD(fd, pid)

	if err := drv.Resume(pid); err != nil {
		return fmt.Errorf("resume process %d: %w", pid, err)
	}
	klog.V(1).Infof("late resume of process %d", pid)
	return nil
}
