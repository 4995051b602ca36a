package match

import (
	"os"
	"strings"

	"k8s.io/klog/v2"
)

// Environment switches controlling which hardware-compatibility predicates
// the restore matcher enforces. Read once at restore-stage initialization.
const (
	EnvFWVersionCheck     = "GPU_CR_FW_VER_CHECK"
	EnvSDMAFWVersionCheck = "GPU_CR_SDMA_FW_VER_CHECK"
	EnvCachesCountCheck   = "GPU_CR_CACHES_COUNT_CHECK"
	EnvNumGWSCheck        = "GPU_CR_NUM_GWS_CHECK"
	EnvVRAMSizeCheck      = "GPU_CR_VRAM_SIZE_CHECK"
	EnvNUMACheck          = "GPU_CR_NUMA_CHECK"
)

// Checks selects the compatibility predicates the matcher enforces. All
// enabled by default.
type Checks struct {
	FWVersion     bool
	SDMAFWVersion bool
	CachesCount   bool
	NumGWS        bool
	VRAMSize      bool
	NUMA          bool
}

// DefaultChecks returns the all-enabled predicate set.
func DefaultChecks() Checks {
	return Checks{
		FWVersion:     true,
		SDMAFWVersion: true,
		CachesCount:   true,
		NumGWS:        true,
		VRAMSize:      true,
		NUMA:          true,
	}
}

// ChecksFromEnv applies the six environment toggles on top of the defaults.
// Accepted values (case-insensitive): 1/0, yes/no, true/false. Anything else
// logs a warning and leaves the default in place.
func ChecksFromEnv() Checks {
	c := DefaultChecks()
	getenvBool(EnvFWVersionCheck, &c.FWVersion)
	getenvBool(EnvSDMAFWVersionCheck, &c.SDMAFWVersion)
	getenvBool(EnvCachesCountCheck, &c.CachesCount)
	getenvBool(EnvNumGWSCheck, &c.NumGWS)
	getenvBool(EnvVRAMSizeCheck, &c.VRAMSize)
	getenvBool(EnvNUMACheck, &c.NUMA)
	return c
}

func getenvBool(name string, value *bool) {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return
	}
	switch strings.ToLower(raw) {
	case "1", "yes", "true":
		*value = true
	case "0", "no", "false":
		*value = false
	default:
		klog.Warningf("ignoring invalid value %s=%q, expecting yes/no", name, raw)
	}
	klog.Infof("param: %s:%v", name, *value)
}
