package plugin

import (
	"github.com/NexusGPU/gpu-checkpoint/internal/devicemap"
	"github.com/NexusGPU/gpu-checkpoint/internal/image"
	"github.com/NexusGPU/gpu-checkpoint/internal/topology"
)

// deviceEntries flattens the host topology into image records. GPU ids are
// stored in user-visible form; GPU nodes take their opaque driver blob from
// the matching checkpoint record and CPU nodes carry only their core count.
func deviceEntries(sys *topology.System, ids *devicemap.Map, privByGPU map[uint32][]byte) []*image.DeviceEntry {
	entries := make([]*image.DeviceEntry, 0, sys.NumNodes())
	for _, n := range sys.Nodes() {
		e := &image.DeviceEntry{
			NodeID:        n.ID,
			GPUID:         n.GPUID,
			CPUCoresCount: n.CPUCoresCount,
		}
		if n.IsGPU() {
			// GPUs the process never attached keep their host id
			if userID := ids.Get(n.GPUID); userID != 0 {
				e.GPUID = userID
			}
			e.SimdCount = n.SimdCount
			e.MemBanksCount = n.MemBanksCount
			e.CachesCount = n.CachesCount
			e.IOLinksCount = n.IOLinksCount
			e.MaxWavesPerSimd = n.MaxWavesPerSimd
			e.LdsSizeKiB = n.LdsSizeKiB
			e.NumGWS = n.NumGWS
			e.WaveFrontSize = n.WaveFrontSize
			e.ArrayCount = n.ArrayCount
			e.SimdArraysPerEngine = n.SimdArraysPerEngine
			e.CUPerSimdArray = n.CUPerSimdArray
			e.SimdPerCU = n.SimdPerCU
			e.MaxSlotsScratchCU = n.MaxSlotsScratchCU
			e.VendorID = n.VendorID
			e.DeviceID = n.DeviceID
			e.Domain = n.Domain
			e.DRMRenderMinor = n.DRMRenderMinor
			e.HiveID = n.HiveID
			e.NumSDMAEngines = n.NumSDMAEngines
			e.NumSDMAXGMIEngines = n.NumSDMAXGMIEngines
			e.NumSDMAQueuesPerEngine = n.NumSDMAQueuesPerEngine
			e.NumCPQueues = n.NumCPQueues
			e.FWVersion = n.FWVersion
			e.Capability = n.Capability
			e.SDMAFWVersion = n.SDMAFWVersion
			e.VRAMPublic = n.VRAMPublic
			e.VRAMSize = n.VRAMSize
			e.PrivateData = privByGPU[e.GPUID]
			for _, l := range n.ValidIOLinks() {
				e.IOLinks = append(e.IOLinks, image.IOLinkEntry{Type: l.Type, NodeTo: l.NodeTo})
			}
		}
		entries = append(entries, e)
	}
	return entries
}

// systemFromEntries rebuilds the checkpoint-time topology from image
// records.
func systemFromEntries(entries []*image.DeviceEntry, label string) *topology.System {
	sys := topology.NewSystem(label)
	for _, e := range entries {
		n := sys.AddNode(&topology.Node{
			ID:            e.NodeID,
			GPUID:         e.GPUID,
			CPUCoresCount: e.CPUCoresCount,

			SimdCount:              e.SimdCount,
			MemBanksCount:          e.MemBanksCount,
			CachesCount:            e.CachesCount,
			IOLinksCount:           e.IOLinksCount,
			MaxWavesPerSimd:        e.MaxWavesPerSimd,
			LdsSizeKiB:             e.LdsSizeKiB,
			NumGWS:                 e.NumGWS,
			WaveFrontSize:          e.WaveFrontSize,
			ArrayCount:             e.ArrayCount,
			SimdArraysPerEngine:    e.SimdArraysPerEngine,
			CUPerSimdArray:         e.CUPerSimdArray,
			SimdPerCU:              e.SimdPerCU,
			MaxSlotsScratchCU:      e.MaxSlotsScratchCU,
			VendorID:               e.VendorID,
			DeviceID:               e.DeviceID,
			Domain:                 e.Domain,
			DRMRenderMinor:         e.DRMRenderMinor,
			HiveID:                 e.HiveID,
			NumSDMAEngines:         e.NumSDMAEngines,
			NumSDMAXGMIEngines:     e.NumSDMAXGMIEngines,
			NumSDMAQueuesPerEngine: e.NumSDMAQueuesPerEngine,
			NumCPQueues:            e.NumCPQueues,
			FWVersion:              e.FWVersion,
			Capability:             e.Capability,
			SDMAFWVersion:          e.SDMAFWVersion,
			VRAMPublic:             e.VRAMPublic,
			VRAMSize:               e.VRAMSize,
		})
		for _, l := range e.IOLinks {
			n.AddIOLink(l.Type, l.NodeTo)
		}
	}
	return sys
}
