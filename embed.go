package sectembed

import (
	"fmt"
	"os"

	"go.uber.org/zap"
)

// Object is the result of embedding one buffer: a fixed-size block that is
// placed verbatim in its region, bound to a retained global symbol.
type Object struct {
	Region Region
	Symbol string
	Target Target
	Site   CallSite

	data []byte
}

// Data returns the embedded bytes. The slice must not be modified.
func (o *Object) Data() []byte {
	return o.data
}

// Size returns the number of embedded bytes
func (o *Object) Size() int {
	return len(o.data)
}

// Embedder turns byte buffers into region objects for one target
type Embedder struct {
	target Target
	limit  int64
	logger *zap.Logger
}

// NewEmbedder returns an Embedder for the target. Targets whose object
// format has no named regions with boundary symbols are rejected here.
func NewEmbedder(target Target, opts ...Option) (*Embedder, error) {
	if err := target.Check(); err != nil {
		return nil, err
	}
	o := newOptions(opts)
	limit := target.MaxRegionSize()
	if o.maxRegionSize > 0 && o.maxRegionSize < limit {
		limit = o.maxRegionSize
	}
	return &Embedder{
		target: target,
		limit:  limit,
		logger: o.logger,
	}, nil
}

// Target returns the target objects are built for
func (e *Embedder) Target() Target {
	return e.target
}

// Embed places data in region r. The caller's file and line are recorded so
// that a second embedding of r can be reported where it happened.
func (e *Embedder) Embed(r Region, data []byte) (*Object, error) {
	return e.EmbedAt(callerSite(1), r, data, len(data))
}

// EmbedFile reads the file at path and places its content in region r
func (e *Embedder) EmbedFile(r Region, path string) (*Object, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s for region %s: %w", path, r, err)
	}
	return e.EmbedAt(CallSite{File: path}, r, data, len(data))
}

// EmbedAt places data in region r, attributing it to site. size is the
// length the caller expects data to have.
func (e *Embedder) EmbedAt(site CallSite, r Region, data []byte, size int) (*Object, error) {
	region, err := e.target.Canonical(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", site, err)
	}
	if int64(size) > e.limit {
		return nil, &RegionTooLargeError{Region: region, Size: int64(size), Limit: e.limit, Site: site}
	}
	block, err := pin(data, size)
	if err != nil {
		return nil, &SizeMismatchError{Region: region, Claimed: size, Actual: len(data), Site: site}
	}

	obj := &Object{
		Region: region,
		Symbol: SymbolName(region),
		Target: e.target,
		Site:   site,
		data:   block,
	}
	e.logger.Debug("embedded region",
		zap.Stringer("region", region),
		zap.String("symbol", obj.Symbol),
		zap.Int("size", obj.Size()),
		zap.Stringer("site", site))
	return obj, nil
}

// pin turns a buffer into a block of exactly size bytes. The block is a
// private copy with its capacity fixed to its length, so it is the bytes
// themselves that end up in the region and nothing can grow it in place.
func pin(data []byte, size int) ([]byte, error) {
	if size < 0 || len(data) != size {
		return nil, fmt.Errorf("buffer is %d bytes, not %d", len(data), size)
	}
	block := make([]byte, size)
	copy(block, data)
	return block[:size:size], nil
}
