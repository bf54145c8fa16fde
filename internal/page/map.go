package page

import (
	"github.com/fastsoft/fastqueue/internal/fs"
	"github.com/fastsoft/fastqueue/internal/mmap"
)

// mapFile establishes the read-write shared mapping for an open page file.
func mapFile(file fs.File, size int) (*mmap.Mapping, error) {
	return mmap.Map(file.Fd(), size)
}
