//go:build !linux

package tether

import "errors"

// errSpliceUnsupported is always returned on non-Linux platforms,
// which lack splice(2); the caller falls back to copyViaBuffer.
var errSpliceUnsupported = errors.New("tether: splice unsupported")

func splice(src, dst, n int) error {
	return errSpliceUnsupported
}
