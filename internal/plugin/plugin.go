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

// Package plugin is the checkpoint/restore façade for GPU compute state.
// The orchestrator drives it through a small set of lifecycle hooks; the
// plugin walks the driver's checkpoint surface, the sysfs topology and the
// transfer engine to produce or consume one image per process.
package plugin

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"

	"github.com/NexusGPU/gpu-checkpoint/internal/devicemap"
	"github.com/NexusGPU/gpu-checkpoint/internal/kfd"
	"github.com/NexusGPU/gpu-checkpoint/internal/match"
	"github.com/NexusGPU/gpu-checkpoint/internal/topology"
	"github.com/NexusGPU/gpu-checkpoint/internal/transfer"
)

// Stage mirrors the orchestrator's lifecycle stage passed to Init and Fini.
type Stage int

const (
	StageDump Stage = iota
	StageRestore
)

func (s Stage) String() string {
	if s == StageDump {
		return "dump"
	}
	return "restore"
}

// FileKind classifies the device file a hook was invoked for.
type FileKind int

const (
	KindOther FileKind = iota
	KindControl
	KindRender
)

// Config carries paths and constructors. The zero value selects production
// defaults; tests point the fields at fixtures and fakes.
type Config struct {
	// ImageDir receives and serves the image files.
	ImageDir string

	SysfsRoot  string
	DevicePath string
	ShmPath    string
	SemPath    string

	// TargetPid is the process whose device state is restored. Zero
	// means the calling process.
	TargetPid uint32

	// RenderPath overrides the render-device path layout.
	RenderPath func(minor uint32) string

	// OpenControl opens the control device for restore and returns the
	// raw descriptor handed back to the orchestrator.
	OpenControl func() (int, error)

	// DriverFromFD wraps a control descriptor in a Driver.
	DriverFromFD func(fd int, pid uint32) kfd.Driver

	// Classify tells control files from render files. The default goes
	// by the descriptor's device numbers.
	Classify func(fd int) (FileKind, uint32, error)

	// Checks overrides the matcher toggles normally read from the
	// environment at restore init.
	Checks *match.Checks

	Engine *transfer.Engine
}

func (c Config) withDefaults() Config {
	if c.SysfsRoot == "" {
		c.SysfsRoot = topology.DefaultSysfsRoot
	}
	if c.DevicePath == "" {
		c.DevicePath = ControlDevicePath
	}
	if c.ShmPath == "" {
		c.ShmPath = SharedMemPath
	}
	if c.SemPath == "" {
		c.SemPath = SemaphorePath
	}
	if c.OpenControl == nil {
		path := c.DevicePath
		c.OpenControl = func() (int, error) {
			return unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
		}
	}
	if c.DriverFromFD == nil {
		c.DriverFromFD = func(fd int, pid uint32) kfd.Driver {
			return kfd.FromFD(fd, pid)
		}
	}
	if c.Engine == nil {
		c.Engine = transfer.NewEngine()
	}
	return c
}

// Plugin is one checkpoint/restore context. All mutation happens on the
// coordinator; transfer workers only ever see frozen slices.
type Plugin struct {
	cfg Config

	checks     match.Checks
	restoreMap *devicemap.Map
	remaps     []VMARemap

	// control descriptor produced by restore, owned by the orchestrator
	// afterwards
	controlFD int
}

// New builds a Plugin. Init must run before any hook.
func New(cfg Config) *Plugin {
	return &Plugin{
		cfg:        cfg.withDefaults(),
		checks:     match.DefaultChecks(),
		restoreMap: &devicemap.Map{},
		controlFD:  -1,
	}
}

// Init prepares per-invocation state. The matcher toggles are read once
// here, on the restore side only.
func (p *Plugin) Init(stage Stage) error {
	if stage == StageRestore {
		if p.cfg.Checks != nil {
			p.checks = *p.cfg.Checks
		} else {
			p.checks = match.ChecksFromEnv()
		}
	}
	p.restoreMap.Clear()
	p.remaps = nil
	klog.V(1).Infof("gpu checkpoint plugin: init for %s", stage)
	return nil
}

// Fini tears the invocation down. It never fails; leftover state is only
// logged.
func (p *Plugin) Fini(stage Stage, status int) {
	if len(p.remaps) > 0 {
		klog.Warningf("fini for %s: %d mapping rewrites were never consumed", stage, len(p.remaps))
	}
	p.restoreMap.Clear()
	p.remaps = nil
	klog.V(1).Infof("gpu checkpoint plugin: fini for %s, status %d", stage, status)
}

func (p *Plugin) targetPid() uint32 {
	if p.cfg.TargetPid != 0 {
		return p.cfg.TargetPid
	}
	return uint32(os.Getpid())
}

func (p *Plugin) renderPath(minor uint32) string {
	if p.cfg.RenderPath != nil {
		return p.cfg.RenderPath(minor)
	}
	return fmt.Sprintf("%s%d", renderPathPrefix, minor)
}

func (p *Plugin) statePath(id uint32) string {
	return filepath.Join(p.cfg.ImageDir, fmt.Sprintf(stateImageFmt, id))
}

func (p *Plugin) renderImagePath(id uint32) string {
	return filepath.Join(p.cfg.ImageDir, fmt.Sprintf(renderImageFmt, id))
}

// classify tells which device file a hook argument refers to.
func (p *Plugin) classify(fd int) (FileKind, uint32, error) {
	if p.cfg.Classify != nil {
		return p.cfg.Classify(fd)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return KindOther, 0, fmt.Errorf("stat descriptor %d: %w", fd, err)
	}
	var ctl unix.Stat_t
	if err := unix.Stat(p.cfg.DevicePath, &ctl); err == nil && st.Rdev == ctl.Rdev {
		return KindControl, 0, nil
	}
	if unix.Major(st.Rdev) == drmRenderMajor {
		return KindRender, unix.Minor(st.Rdev), nil
	}
	return KindOther, 0, nil
}

// localTopology parses and link-validates the host topology.
func (p *Plugin) localTopology() (*topology.System, error) {
	sys, err := topology.Parse(p.cfg.SysfsRoot, "local")
	if err != nil {
		return nil, err
	}
	if p.cfg.RenderPath != nil {
		sys.SetRenderPath(p.cfg.RenderPath)
	}
	if err := topology.DetermineValidLinks(sys); err != nil {
		return nil, err
	}
	return sys, nil
}
