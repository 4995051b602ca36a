package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NexusGPU/gpu-checkpoint/internal/errdefs"
	"github.com/NexusGPU/gpu-checkpoint/internal/topology"
)

func testGPU(gpuID uint32) *topology.Node {
	return &topology.Node{
		ID:            gpuID & 0xff,
		GPUID:         gpuID,
		FWVersion:     440,
		SDMAFWVersion: 40,
		CachesCount:   16,
		NumGWS:        64,
		VRAMSize:      1 << 34,
	}
}

func testSystem(label string, gpus ...*topology.Node) *topology.System {
	sys := topology.NewSystem(label)
	sys.AddNode(&topology.Node{ID: 0, CPUCoresCount: 8})
	for _, g := range gpus {
		sys.AddNode(g)
	}
	return sys
}

func TestBuildRestoreMapIdentical(t *testing.T) {
	src := testSystem("ckpt", testGPU(0x1111), testGPU(0x2222))
	dst := testSystem("local", testGPU(0x1111), testGPU(0x2222))

	m, err := BuildRestoreMap(src, dst, DefaultChecks())
	require.NoError(t, err)
	assert.Equal(t, uint32(0x1111), m.Get(0x1111))
	assert.Equal(t, uint32(0x2222), m.Get(0x2222))
}

func TestBuildRestoreMapSupersetBijection(t *testing.T) {
	src := testSystem("ckpt", testGPU(0x1111), testGPU(0x2222))
	dst := testSystem("local", testGPU(0xaaaa), testGPU(0xbbbb), testGPU(0xcccc))

	m, err := BuildRestoreMap(src, dst, DefaultChecks())
	require.NoError(t, err)

	// first-fit in declaration order, each destination used at most once
	assert.Equal(t, uint32(0xaaaa), m.Get(0x1111))
	assert.Equal(t, uint32(0xbbbb), m.Get(0x2222))
	assert.Equal(t, 2, m.Len())
}

func TestBuildRestoreMapFewerGPUs(t *testing.T) {
	src := testSystem("ckpt", testGPU(0x1111), testGPU(0x2222))
	dst := testSystem("local", testGPU(0x1111))

	_, err := BuildRestoreMap(src, dst, DefaultChecks())
	assert.ErrorIs(t, err, errdefs.ErrTopologyMismatch)
}

func TestBuildRestoreMapNoGPUsInCheckpoint(t *testing.T) {
	src := testSystem("ckpt")
	dst := testSystem("local", testGPU(0x1111))

	_, err := BuildRestoreMap(src, dst, DefaultChecks())
	assert.ErrorIs(t, err, errdefs.ErrTopologyMismatch)
}

func TestBuildRestoreMapNoCompatibleDevice(t *testing.T) {
	src := testSystem("ckpt", testGPU(0x1111), testGPU(0x2222))

	weak := testGPU(0xbbbb)
	weak.VRAMSize = 1 << 30 // smaller than the checkpointed GPU's
	dst := testSystem("local", testGPU(0xaaaa), weak)

	_, err := BuildRestoreMap(src, dst, DefaultChecks())
	assert.ErrorIs(t, err, errdefs.ErrNoCompatibleDevice)
}

func TestBuildRestoreMapPredicates(t *testing.T) {
	mutations := map[string]func(*topology.Node){
		"fw-version":      func(n *topology.Node) { n.FWVersion = 441 },
		"sdma-fw-version": func(n *topology.Node) { n.SDMAFWVersion = 41 },
		"caches-count":    func(n *topology.Node) { n.CachesCount = 8 },
		"num-gws":         func(n *topology.Node) { n.NumGWS = 0 },
		"vram-size":       func(n *topology.Node) { n.VRAMSize = 1 << 30 },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			src := testSystem("ckpt", testGPU(0x1111))
			bad := testGPU(0xaaaa)
			mutate(bad)
			dst := testSystem("local", bad)

			_, err := BuildRestoreMap(src, dst, DefaultChecks())
			assert.ErrorIs(t, err, errdefs.ErrNoCompatibleDevice)
		})
	}
}

func TestBuildRestoreMapVRAMGrowthAllowed(t *testing.T) {
	src := testSystem("ckpt", testGPU(0x1111))
	big := testGPU(0xaaaa)
	big.VRAMSize = 1 << 36
	dst := testSystem("local", big)

	m, err := BuildRestoreMap(src, dst, DefaultChecks())
	require.NoError(t, err)
	assert.Equal(t, uint32(0xaaaa), m.Get(0x1111))
}

func TestBuildRestoreMapNUMAShape(t *testing.T) {
	src := testSystem("ckpt", testGPU(0x1111))
	srcGPU := src.GPUs()[0]
	srcGPU.AddIOLink(11, 0).Valid = true

	dst := testSystem("local", testGPU(0xaaaa))

	_, err := BuildRestoreMap(src, dst, DefaultChecks())
	assert.ErrorIs(t, err, errdefs.ErrNoCompatibleDevice, "link counts differ")

	dst.GPUs()[0].AddIOLink(11, 0).Valid = true
	m, err := BuildRestoreMap(src, dst, DefaultChecks())
	require.NoError(t, err)
	assert.Equal(t, uint32(0xaaaa), m.Get(0x1111))
}

func TestBuildRestoreMapAllChecksDisabled(t *testing.T) {
	// a wildly different destination still matches first-fit when every
	// predicate is off
	src := testSystem("ckpt", testGPU(0x1111), testGPU(0x2222))
	odd1, odd2 := testGPU(0xaaaa), testGPU(0xbbbb)
	odd1.FWVersion, odd1.VRAMSize = 1, 1
	odd2.CachesCount, odd2.NumGWS = 1, 1
	dst := testSystem("local", odd1, odd2)

	m, err := BuildRestoreMap(src, dst, Checks{})
	require.NoError(t, err)
	assert.Equal(t, uint32(0xaaaa), m.Get(0x1111))
	assert.Equal(t, uint32(0xbbbb), m.Get(0x2222))
}

func TestChecksFromEnv(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		assert.Equal(t, DefaultChecks(), ChecksFromEnv())
	})

	t.Run("disable", func(t *testing.T) {
		t.Setenv(EnvFWVersionCheck, "NO")
		t.Setenv(EnvVRAMSizeCheck, "0")
		t.Setenv(EnvNUMACheck, "false")

		c := ChecksFromEnv()
		assert.False(t, c.FWVersion)
		assert.False(t, c.VRAMSize)
		assert.False(t, c.NUMA)
		assert.True(t, c.SDMAFWVersion)
		assert.True(t, c.CachesCount)
		assert.True(t, c.NumGWS)
	})

	t.Run("invalid value keeps default", func(t *testing.T) {
		t.Setenv(EnvNumGWSCheck, "maybe")
		assert.True(t, ChecksFromEnv().NumGWS)
	})
}
