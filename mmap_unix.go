//go:build unix

package turbocache

import "golang.org/x/sys/unix"

// mmapHeader maps the first size bytes of fd read-only and MAP_SHARED.
// Writes to the header always go through positioned writes on the same file
// descriptor (never through this mapping), so the kernel page cache keeps
// this read-only view coherent with them (§5, §9).
func mmapHeader(fd int, size int) ([]byte, error) {
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, ioErr("mmap header", err)
	}
	return data, nil
}

func munmapHeader(data []byte) error {
	if err := unix.Munmap(data); err != nil {
		return ioErr("munmap header", err)
	}
	return nil
}
