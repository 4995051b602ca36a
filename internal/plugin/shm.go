package plugin

import (
	"encoding/binary"
	"fmt"
	"os"

	"k8s.io/klog/v2"

	"github.com/NexusGPU/gpu-checkpoint/internal/image"
)

// captureSharedMem records the size and magic word of the userspace
// runtime's scratch file. The contents travel with the process's ordinary
// memory dump; only enough is kept here to re-create the file.
func (p *Plugin) captureSharedMem(img *image.Image) {
	st, err := os.Stat(p.cfg.ShmPath)
	if err != nil {
		// processes without the runtime have no scratch file
		return
	}
	img.SharedMemSize = uint64(st.Size())

	f, err := os.Open(p.cfg.ShmPath)
	if err != nil {
		klog.Warningf("shared memory at %s is not readable: %v", p.cfg.ShmPath, err)
		return
	}
	defer f.Close()
	var magic [4]byte
	if _, err := f.ReadAt(magic[:], 0); err == nil {
		img.SharedMemMagic = binary.LittleEndian.Uint32(magic[:])
	}
}

// restoreSharedMem re-creates the scratch file and its companion named
// semaphore. Both are carried verbatim; the runtime in the restored process
// re-attaches to them by path.
func (p *Plugin) restoreSharedMem(img *image.Image) error {
	if img.SharedMemSize == 0 {
		return nil
	}

	f, err := os.OpenFile(p.cfg.ShmPath, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return fmt.Errorf("recreate shared memory: %w", err)
	}
	defer f.Close()
	if err := f.Truncate(int64(img.SharedMemSize)); err != nil {
		return fmt.Errorf("size shared memory to %d: %w", img.SharedMemSize, err)
	}
	var magic [4]byte
	binary.LittleEndian.PutUint32(magic[:], img.SharedMemMagic)
	if _, err := f.WriteAt(magic[:], 0); err != nil {
		return fmt.Errorf("write shared memory magic: %w", err)
	}

	// an unlocked POSIX semaphore in the glibc layout: value one, no
	// waiters
	var sem [32]byte
	binary.LittleEndian.PutUint64(sem[:], 1)
	if err := os.WriteFile(p.cfg.SemPath, sem[:], 0o666); err != nil {
		return fmt.Errorf("recreate semaphore: %w", err)
	}
	klog.V(1).Infof("restored shared memory, %d bytes, magic %#x",
		img.SharedMemSize, img.SharedMemMagic)
	return nil
}
