package plugin

// Well-known paths of the driver and the cooperating userspace runtime.
const (
	ControlDevicePath = "/dev/kfd"

	// Scratch file and companion named semaphore of the userspace
	// runtime. Both are carried verbatim, never interpreted.
	SharedMemPath = "/dev/shm/hsakmt_shared_mem"
	SemaphorePath = "/dev/shm/sem.hsakmt_semaphore"

	// drmRenderMajor is the character-device major of render nodes.
	drmRenderMajor = 226

	renderPathPrefix = "/dev/dri/renderD"
)

// Image file names, keyed by the orchestrator's file id.
const (
	stateImageFmt  = "gpu-state.%d.img"
	renderImageFmt = "renderD.%d.img"
)
