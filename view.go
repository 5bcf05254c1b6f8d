package sectembed

import (
	"bytes"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// View is a read-only span of embedded bytes inside a mapped image. It
// borrows the image's memory: there is nothing to free, and for the running
// program's own image (see Self) it stays valid for the life of the process.
type View struct {
	b    []byte
	addr uint64
}

// span returns mem from offset start up to end, with its capacity clipped
// so the view can not be appended into the image. It requires
// start <= end <= len(mem). An empty result still points into mem.
func span(mem []byte, start, end uint64) ([]byte, error) {
	if end < start {
		return nil, fmt.Errorf("%w: region ends at %#x before it starts at %#x", ErrCorruptImage, end, start)
	}
	if end > uint64(len(mem)) {
		return nil, fmt.Errorf("%w: region [%#x, %#x) lies outside the %d byte image", ErrCorruptImage, start, end, len(mem))
	}
	return mem[start:end:end], nil
}

// viewOf returns the view of mem between the file offsets start and end,
// recording addr as its link-time address.
func viewOf(mem []byte, start, end, addr uint64) (View, error) {
	b, err := span(mem, start, end)
	if err != nil {
		return View{}, err
	}
	return View{b: b, addr: addr}, nil
}

// Bytes returns the embedded bytes. They are owned by the image and must
// not be modified.
func (v View) Bytes() []byte {
	return v.b
}

// Len returns the number of embedded bytes
func (v View) Len() int {
	return len(v.b)
}

// Addr returns the address the linker gave the start of the region
func (v View) Addr() uint64 {
	return v.addr
}

// String returns a copy of the embedded bytes as a string
func (v View) String() string {
	return string(v.b)
}

// Equal reports whether the view holds exactly b
func (v View) Equal(b []byte) bool {
	return bytes.Equal(v.b, b)
}

// Clone returns a copy of the embedded bytes that outlives the image
func (v View) Clone() []byte {
	return bytes.Clone(v.b)
}

// Sum64 returns the xxhash digest of the embedded bytes
func (v View) Sum64() uint64 {
	return xxhash.Sum64(v.b)
}
