package topology

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"k8s.io/klog/v2"
)

// DefaultSysfsRoot is the KFD topology tree of the running host.
const DefaultSysfsRoot = "/sys/class/kfd/kfd/topology"

// Memory-bank heap types as reported in mem_banks properties.
const (
	heapTypeFBPublic  = 1
	heapTypeFBPrivate = 2
)

// Parse reads the hierarchical node description under root (the KFD sysfs
// layout: nodes/<id>/{gpu_id,properties,io_links/*,mem_banks/*}) and builds
// the node graph. label tags the instance in logs ("checkpoint" or "local").
func Parse(root, label string) (*System, error) {
	nodesDir := filepath.Join(root, "nodes")
	dirents, err := os.ReadDir(nodesDir)
	if err != nil {
		return nil, fmt.Errorf("%s topology: reading %s: %w", label, nodesDir, err)
	}

	ids := make([]int, 0, len(dirents))
	for _, de := range dirents {
		id, convErr := strconv.Atoi(de.Name())
		if convErr != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)

	sys := NewSystem(label)
	for _, id := range ids {
		nodeDir := filepath.Join(nodesDir, strconv.Itoa(id))
		node, parseErr := parseNode(nodeDir, uint32(id))
		if parseErr != nil {
			return nil, fmt.Errorf("%s topology: node %d: %w", label, id, parseErr)
		}
		sys.AddNode(node)
	}

	if len(sys.nodes) == 0 {
		return nil, fmt.Errorf("%s topology: no nodes under %s", label, nodesDir)
	}
	klog.Infof("%s topology: parsed %d nodes (%d GPUs) from %s",
		label, sys.NumNodes(), len(sys.GPUs()), root)
	return sys, nil
}

func parseNode(nodeDir string, id uint32) (*Node, error) {
	props, err := readProperties(filepath.Join(nodeDir, "properties"))
	if err != nil {
		return nil, err
	}

	node := &Node{
		ID:                     id,
		CPUCoresCount:          uint32(props["cpu_cores_count"]),
		SimdCount:              uint32(props["simd_count"]),
		MemBanksCount:          uint32(props["mem_banks_count"]),
		CachesCount:            uint32(props["caches_count"]),
		IOLinksCount:           uint32(props["io_links_count"]),
		MaxWavesPerSimd:        uint32(props["max_waves_per_simd"]),
		LdsSizeKiB:             uint32(props["lds_size_in_kb"]),
		NumGWS:                 uint32(props["num_gws"]),
		WaveFrontSize:          uint32(props["wave_front_size"]),
		ArrayCount:             uint32(props["array_count"]),
		SimdArraysPerEngine:    uint32(props["simd_arrays_per_engine"]),
		CUPerSimdArray:         uint32(props["cu_per_simd_array"]),
		SimdPerCU:              uint32(props["simd_per_cu"]),
		MaxSlotsScratchCU:      uint32(props["max_slots_scratch_cu"]),
		VendorID:               uint32(props["vendor_id"]),
		DeviceID:               uint32(props["device_id"]),
		Domain:                 uint32(props["domain"]),
		DRMRenderMinor:         uint32(props["drm_render_minor"]),
		HiveID:                 props["hive_id"],
		NumSDMAEngines:         uint32(props["num_sdma_engines"]),
		NumSDMAXGMIEngines:     uint32(props["num_sdma_xgmi_engines"]),
		NumSDMAQueuesPerEngine: uint32(props["num_sdma_queues_per_engine"]),
		NumCPQueues:            uint32(props["num_cp_queues"]),
		FWVersion:              uint32(props["fw_version"]),
		Capability:             uint32(props["capability"]),
		SDMAFWVersion:          uint32(props["sdma_fw_version"]),
	}

	// Only GPU nodes carry a gpu_id file with a non-zero value.
	if raw, readErr := os.ReadFile(filepath.Join(nodeDir, "gpu_id")); readErr == nil {
		gpuID, convErr := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 32)
		if convErr != nil {
			return nil, fmt.Errorf("bad gpu_id: %w", convErr)
		}
		node.GPUID = uint32(gpuID)
	}

	if err := parseMemBanks(nodeDir, node); err != nil {
		return nil, err
	}
	if err := parseIOLinks(nodeDir, node); err != nil {
		return nil, err
	}
	return node, nil
}

// parseMemBanks derives VRAM size and host visibility from the node's memory
// banks. A public framebuffer bank means the whole aperture is CPU-mappable
// (large BAR).
func parseMemBanks(nodeDir string, node *Node) error {
	bankDirs, err := filepath.Glob(filepath.Join(nodeDir, "mem_banks", "*", "properties"))
	if err != nil {
		return err
	}
	for _, propPath := range bankDirs {
		props, readErr := readProperties(propPath)
		if readErr != nil {
			return readErr
		}
		switch props["heap_type"] {
		case heapTypeFBPublic:
			node.VRAMSize += props["size_in_bytes"]
			node.VRAMPublic = true
		case heapTypeFBPrivate:
			node.VRAMSize += props["size_in_bytes"]
		}
	}
	return nil
}

func parseIOLinks(nodeDir string, node *Node) error {
	linkDirs, err := filepath.Glob(filepath.Join(nodeDir, "io_links", "*", "properties"))
	if err != nil {
		return err
	}
	sort.Strings(linkDirs)
	for _, propPath := range linkDirs {
		props, readErr := readProperties(propPath)
		if readErr != nil {
			return readErr
		}
		node.AddIOLink(uint32(props["type"]), uint32(props["node_to"]))
	}
	return nil
}

// readProperties scans a KFD properties file: one "<name> <value>" pair per
// line, values decimal or hex.
func readProperties(path string) (map[string]uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	props := make(map[string]uint64, 32)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		v, convErr := strconv.ParseUint(fields[1], 0, 64)
		if convErr != nil {
			continue
		}
		props[fields[0]] = v
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", path, err)
	}
	return props, nil
}
