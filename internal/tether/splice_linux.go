//go:build linux

package tether

import (
	"errors"

	"golang.org/x/sys/unix"
)

// errSpliceUnsupported signals the caller to fall back to the
// read/write copy path — returned when the kernel itself reports
// splice(2) is not available (ENOSYS), e.g. under some sandboxes.
var errSpliceUnsupported = errors.New("tether: splice unsupported")

// splice moves exactly n bytes from src to dst using splice(2) with
// SPLICE_F_MOVE, the zero-copy fast path §4.5 specifies for the case
// where both ends are pipes or one end is a pipe and the other a
// regular/character fd (stdin/stdout here).
func splice(src, dst, n int) error {
	remaining := n
	for remaining > 0 {
		moved, err := unix.Splice(src, nil, dst, nil, remaining, unix.SPLICE_F_MOVE)
		if err != nil {
			if err == unix.ENOSYS {
				return errSpliceUnsupported
			}
			return err
		}
		if moved == 0 {
			return nil
		}
		remaining -= int(moved)
	}
	return nil
}
