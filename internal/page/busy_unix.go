//go:build unix || linux || darwin || freebsd || openbsd || netbsd

package page

import (
	"errors"

	"golang.org/x/sys/unix"
)

// isBusy reports whether a file delete failed because the file is still in
// use. Only busy errors are retried; everything else propagates.
func isBusy(err error) bool {
	return errors.Is(err, unix.EBUSY) || errors.Is(err, unix.ETXTBSY)
}
