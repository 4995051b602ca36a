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

// Package match assigns checkpoint-time GPUs to local GPUs on the restore
// host. Matching is first-fit in topology declaration order, which keeps the
// result deterministic across runs; it is not globally optimal. A restore is
// all-or-nothing: one unmatched checkpoint GPU fails the whole call, because
// a silent mismatch corrupts restored compute state.
package match

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/NexusGPU/gpu-checkpoint/internal/devicemap"
	"github.com/NexusGPU/gpu-checkpoint/internal/errdefs"
	"github.com/NexusGPU/gpu-checkpoint/internal/topology"
)

type predicate struct {
	name    string
	enabled func(Checks) bool
	ok      func(src, dst *topology.Node) bool
}

var predicates = []predicate{
	{
		name:    "fw-version",
		enabled: func(c Checks) bool { return c.FWVersion },
		ok:      func(s, d *topology.Node) bool { return s.FWVersion == d.FWVersion },
	},
	{
		name:    "sdma-fw-version",
		enabled: func(c Checks) bool { return c.SDMAFWVersion },
		ok:      func(s, d *topology.Node) bool { return s.SDMAFWVersion == d.SDMAFWVersion },
	},
	{
		name:    "caches-count",
		enabled: func(c Checks) bool { return c.CachesCount },
		ok:      func(s, d *topology.Node) bool { return s.CachesCount == d.CachesCount },
	},
	{
		name:    "num-gws",
		enabled: func(c Checks) bool { return c.NumGWS },
		ok:      func(s, d *topology.Node) bool { return s.NumGWS == d.NumGWS },
	},
	{
		name:    "vram-size",
		enabled: func(c Checks) bool { return c.VRAMSize },
		ok:      func(s, d *topology.Node) bool { return d.VRAMSize >= s.VRAMSize },
	},
	{
		name:    "numa-affinity",
		enabled: func(c Checks) bool { return c.NUMA },
		ok:      func(s, d *topology.Node) bool { return usableLinkCount(s) == usableLinkCount(d) },
	},
}

// usableLinkCount counts a GPU's usable interconnect links, the shape proxy
// used to compare NUMA placement between hosts.
func usableLinkCount(n *topology.Node) int {
	count := 0
	for _, l := range n.IOLinks {
		if !l.Valid {
			continue
		}
		count++
	}
	return count
}

// BuildRestoreMap computes the user-id to actual-id mapping that places every
// checkpoint GPU on a compatible local GPU. Each local GPU is used at most
// once. Returns ErrTopologyMismatch when the local host cannot structurally
// host the checkpoint, ErrNoCompatibleDevice when a checkpoint GPU has no
// compatible candidate left.
func BuildRestoreMap(src, dst *topology.System, checks Checks) (*devicemap.Map, error) {
	srcGPUs := src.GPUs()
	dstGPUs := dst.GPUs()

	if len(srcGPUs) == 0 {
		return nil, fmt.Errorf("checkpoint topology has no GPUs: %w", errdefs.ErrTopologyMismatch)
	}
	if len(dstGPUs) < len(srcGPUs) {
		return nil, fmt.Errorf("checkpoint needs %d GPUs, local host has %d: %w",
			len(srcGPUs), len(dstGPUs), errdefs.ErrTopologyMismatch)
	}

	restoreMap := &devicemap.Map{}
	used := make(map[uint32]bool, len(dstGPUs))

	for _, srcNode := range srcGPUs {
		matched := false
		for _, dstNode := range dstGPUs {
			if used[dstNode.GPUID] {
				continue
			}
			if reason := incompatible(srcNode, dstNode, checks); reason != "" {
				klog.V(2).Infof("matcher: gpu 0x%04x vs local 0x%04x: %s failed",
					srcNode.GPUID, dstNode.GPUID, reason)
				continue
			}
			restoreMap.Add(dstNode.GPUID, srcNode.GPUID)
			used[dstNode.GPUID] = true
			matched = true
			klog.Infof("matcher: checkpoint gpu 0x%04x -> local gpu 0x%04x (renderD%d)",
				srcNode.GPUID, dstNode.GPUID, dstNode.DRMRenderMinor)
			break
		}
		if !matched {
			return nil, fmt.Errorf("checkpoint gpu 0x%04x has no compatible local device: %w",
				srcNode.GPUID, errdefs.ErrNoCompatibleDevice)
		}
	}
	return restoreMap, nil
}

// incompatible returns the name of the first enabled predicate the pair
// fails, or "" when the pair is compatible.
func incompatible(src, dst *topology.Node, checks Checks) string {
	for _, p := range predicates {
		if !p.enabled(checks) {
			continue
		}
		if !p.ok(src, dst) {
			return p.name
		}
	}
	return ""
}
