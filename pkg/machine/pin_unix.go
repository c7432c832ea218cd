//go:build unix

package machine

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

type mlockPinner struct{}

// NewPinner returns a Pinner backed by mlock(2), the closest analog of
// the DPMI lock services on a paging host.
func NewPinner() Pinner {
	return mlockPinner{}
}

func (mlockPinner) Pin(p unsafe.Pointer, size uintptr) error {
	return unix.Mlock(unsafe.Slice((*byte)(p), size))
}
