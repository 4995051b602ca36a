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

// Package topology models the compute-node graph of one host: CPU and GPU
// nodes plus their interconnect links, as exposed by the KFD sysfs tree. A
// System is built either by parsing the running host (dump and restore) or by
// reconstructing the checkpoint-time host from stored device records.
package topology

import (
	"fmt"

	"github.com/samber/lo"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"

	"github.com/NexusGPU/gpu-checkpoint/internal/errdefs"
)

// IOLink is a directed interconnect edge between two nodes. Valid is set by
// the DetermineValidLinks pass, never by the parser.
type IOLink struct {
	Type     uint32
	NodeFrom uint32
	NodeTo   uint32
	Valid    bool
}

// Node is one CPU or GPU in a System. GPUID is zero for CPU nodes.
type Node struct {
	ID    uint32
	GPUID uint32

	CPUCoresCount          uint32
	SimdCount              uint32
	MemBanksCount          uint32
	CachesCount            uint32
	IOLinksCount           uint32
	MaxWavesPerSimd        uint32
	LdsSizeKiB             uint32
	NumGWS                 uint32
	WaveFrontSize          uint32
	ArrayCount             uint32
	SimdArraysPerEngine    uint32
	CUPerSimdArray         uint32
	SimdPerCU              uint32
	MaxSlotsScratchCU      uint32
	VendorID               uint32
	DeviceID               uint32
	Domain                 uint32
	DRMRenderMinor         uint32
	HiveID                 uint64
	NumSDMAEngines         uint32
	NumSDMAXGMIEngines     uint32
	NumSDMAQueuesPerEngine uint32
	NumCPQueues            uint32
	FWVersion              uint32
	Capability             uint32
	SDMAFWVersion          uint32
	VRAMPublic             bool
	VRAMSize               uint64

	IOLinks []*IOLink

	renderFD   int
	renderOpen bool
}

// IsGPU reports whether the node is a GPU. CPU-only nodes never carry a
// device identifier.
func (n *Node) IsGPU() bool { return n.GPUID != 0 }

// System is the node graph of one host. Nodes keep their declaration order;
// that order is the contract for index-based queries and for the first-fit
// behavior of the restore matcher.
type System struct {
	label      string
	nodes      []*Node
	renderPath func(minor uint32) string
}

// NewSystem returns an empty System. label is used only in logs to tell the
// checkpoint-side instance from the local one.
func NewSystem(label string) *System {
	return &System{
		label:      label,
		renderPath: defaultRenderPath,
	}
}

func defaultRenderPath(minor uint32) string {
	return fmt.Sprintf("/dev/dri/renderD%d", minor)
}

// SetRenderPath overrides the render-device path layout. Tests point it at
// plain files.
func (s *System) SetRenderPath(fn func(minor uint32) string) { s.renderPath = fn }

// AddNode appends a node. Declaration order is preserved.
func (s *System) AddNode(n *Node) *Node {
	n.renderFD = -1
	s.nodes = append(s.nodes, n)
	return n
}

// Nodes returns all nodes in declaration order.
func (s *System) Nodes() []*Node { return s.nodes }

// GPUs returns the GPU nodes in declaration order.
func (s *System) GPUs() []*Node {
	return lo.Filter(s.nodes, func(n *Node, _ int) bool { return n.IsGPU() })
}

// NumNodes returns the total node count.
func (s *System) NumNodes() int { return len(s.nodes) }

// NodeByID looks a node up by its stable topology node id.
func (s *System) NodeByID(id uint32) (*Node, error) {
	for _, n := range s.nodes {
		if n.ID == id {
			return n, nil
		}
	}
	return nil, fmt.Errorf("%s topology: node id %d: %w", s.label, id, errdefs.ErrNotFound)
}

// NodeByGPUID looks a GPU node up by device identifier.
func (s *System) NodeByGPUID(gpuID uint32) (*Node, error) {
	for _, n := range s.nodes {
		if n.GPUID == gpuID && n.IsGPU() {
			return n, nil
		}
	}
	return nil, fmt.Errorf("%s topology: gpu id 0x%04x: %w", s.label, gpuID, errdefs.ErrNotFound)
}

// NodeByRenderMinor looks a GPU node up by its render-device minor number.
func (s *System) NodeByRenderMinor(minor uint32) (*Node, error) {
	for _, n := range s.nodes {
		if n.IsGPU() && n.DRMRenderMinor == minor {
			return n, nil
		}
	}
	return nil, fmt.Errorf("%s topology: render minor %d: %w", s.label, minor, errdefs.ErrNotFound)
}

// GPUByIndex returns the i-th GPU node in declaration order.
func (s *System) GPUByIndex(i int) (*Node, error) {
	gpus := s.GPUs()
	if i < 0 || i >= len(gpus) {
		return nil, fmt.Errorf("%s topology: gpu index %d of %d: %w", s.label, i, len(gpus), errdefs.ErrNotFound)
	}
	return gpus[i], nil
}

// RenderFD returns an open file descriptor for the node's render device,
// opening and caching it on first use. Cached descriptors stay open until
// CloseRenderFDs.
func (s *System) RenderFD(n *Node) (int, error) {
	if !n.IsGPU() {
		return -1, fmt.Errorf("%s topology: node %d is not a GPU: %w", s.label, n.ID, errdefs.ErrNotFound)
	}
	if n.renderOpen {
		return n.renderFD, nil
	}
	path := s.renderPath(n.DRMRenderMinor)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("open %s: %w", path, err)
	}
	n.renderFD = fd
	n.renderOpen = true
	klog.V(3).Infof("%s topology: opened %s for gpu 0x%04x", s.label, path, n.GPUID)
	return fd, nil
}

// CloseRenderFDs closes every cached render-device descriptor. Every dump or
// restore must call this on all exit paths, or descriptors leak across GPUs.
func (s *System) CloseRenderFDs() {
	for _, n := range s.nodes {
		if n.renderOpen {
			if err := unix.Close(n.renderFD); err != nil {
				klog.Warningf("%s topology: closing renderD%d: %v", s.label, n.DRMRenderMinor, err)
			}
			n.renderFD = -1
			n.renderOpen = false
		}
	}
}

// AddIOLink records a directed link from node n.
func (n *Node) AddIOLink(linkType, nodeTo uint32) *IOLink {
	l := &IOLink{Type: linkType, NodeFrom: n.ID, NodeTo: nodeTo}
	n.IOLinks = append(n.IOLinks, l)
	return l
}

// ValidIOLinks returns the links marked usable by DetermineValidLinks.
func (n *Node) ValidIOLinks() []*IOLink {
	return lo.Filter(n.IOLinks, func(l *IOLink, _ int) bool { return l.Valid })
}
