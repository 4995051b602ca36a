package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"not found", ErrNotFound, -int(unix.ENODEV)},
		{"no such device", ErrNoSuchDevice, -int(unix.ENODEV)},
		{"topology mismatch", ErrTopologyMismatch, -int(unix.ENOTSUP)},
		{"no compatible device", ErrNoCompatibleDevice, -int(unix.ENOTSUP)},
		{"not supported", ErrNotSupported, -int(unix.ENOTSUP)},
		{"corrupt image", ErrCorruptImage, -int(unix.EBADF)},
		{"transfer failure", ErrTransferFailure, -int(unix.EIO)},
		{"validation", ErrValidation, -int(unix.EIO)},
		{"out of memory", unix.ENOMEM, -int(unix.ENOMEM)},
		{"unclassified", errors.New("boom"), -int(unix.EINVAL)},
		{
			"wrapped keeps its class",
			fmt.Errorf("gpu 0x1111: %w", ErrNoCompatibleDevice),
			-int(unix.ENOTSUP),
		},
		{
			"driver errno passes through",
			fmt.Errorf("restore: %w", &DriverError{Op: "restorer", Errno: unix.EAGAIN}),
			-int(unix.EAGAIN),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Code(tc.err))
		})
	}
}

func TestDriverErrorUnwrap(t *testing.T) {
	err := &DriverError{Op: "pause", Errno: unix.EINTR}
	assert.ErrorIs(t, err, unix.EINTR)
	assert.Contains(t, err.Error(), "pause")
}
