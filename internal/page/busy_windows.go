//go:build windows

package page

import (
	"errors"

	"golang.org/x/sys/windows"
)

// isBusy reports whether a file delete failed because the file is still in
// use. On Windows a mapped file cannot be unlinked until every view of it
// has been released, which surfaces as a sharing violation.
func isBusy(err error) bool {
	return errors.Is(err, windows.ERROR_SHARING_VIOLATION) ||
		errors.Is(err, windows.ERROR_ACCESS_DENIED)
}
