// Package errdefs defines the error taxonomy shared by all checkpoint and
// restore components. Callers classify failures with errors.Is/errors.As and
// the orchestrator-facing hooks collapse them into negative status codes via
// Code.
package errdefs

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	// ErrNotFound reports a topology query miss (node id, render minor or
	// index not present in the parsed system).
	ErrNotFound = errors.New("not found")

	// ErrNoSuchDevice reports a device-id map miss. A mapped id of zero is
	// never valid and always converts to this error.
	ErrNoSuchDevice = errors.New("no such device")

	// ErrTopologyMismatch reports a destination topology that is structurally
	// unable to host the checkpointed one (e.g. fewer GPUs).
	ErrTopologyMismatch = errors.New("topology mismatch")

	// ErrNoCompatibleDevice reports that at least one checkpointed GPU has no
	// compatible destination under the enabled compatibility checks.
	ErrNoCompatibleDevice = errors.New("no compatible device")

	// ErrCorruptImage reports a truncated or length-inconsistent image.
	ErrCorruptImage = errors.New("corrupt checkpoint image")

	// ErrTransferFailure reports that every transfer strategy for a buffer
	// object was exhausted.
	ErrTransferFailure = errors.New("buffer transfer failure")

	// ErrValidation reports that no usable interconnect topology remains
	// after the link validation pass.
	ErrValidation = errors.New("topology validation failed")

	// ErrNotSupported reports a file or mapping that does not belong to
	// this plugin's devices.
	ErrNotSupported = errors.New("not supported")
)

// DriverError wraps a failed driver ioctl together with the underlying errno.
type DriverError struct {
	Op    string
	Errno unix.Errno
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("driver %s ioctl failed: %v", e.Op, e.Errno)
}

func (e *DriverError) Unwrap() error { return e.Errno }

// Code maps an error onto the negative status-code convention of the plugin
// hook boundary. nil maps to 0.
func Code(err error) int {
	if err == nil {
		return 0
	}

	var drvErr *DriverError
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNoSuchDevice):
		return -int(unix.ENODEV)
	case errors.Is(err, ErrTopologyMismatch), errors.Is(err, ErrNoCompatibleDevice),
		errors.Is(err, ErrNotSupported):
		return -int(unix.ENOTSUP)
	case errors.Is(err, ErrCorruptImage):
		return -int(unix.EBADF)
	case errors.Is(err, unix.ENOMEM):
		return -int(unix.ENOMEM)
	case errors.As(err, &drvErr):
		return -int(drvErr.Errno)
	case errors.Is(err, ErrTransferFailure), errors.Is(err, ErrValidation):
		return -int(unix.EIO)
	default:
		return -int(unix.EINVAL)
	}
}
