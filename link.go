package sectembed

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/google/renameio/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Kind is the kind of file a Linker produces
type Kind int

const (
	// KindImage is a linked image with addresses assigned and the region
	// boundary symbols synthesized, as a program's own binary has them.
	KindImage Kind = iota
	// KindObject is a relocatable object (a .syso) for a system linker, which
	// then synthesizes the boundaries and rejects duplicates itself.
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// ParseKind parses "image" or "object"
func ParseKind(s string) (Kind, error) {
	switch s {
	case "image", "":
		return KindImage, nil
	case "object", "syso":
		return KindObject, nil
	default:
		return -1, fmt.Errorf("unknown output kind %q", s)
	}
}

// SymbolKind tells region symbols from boundary markers
type SymbolKind int

const (
	SymbolRegion SymbolKind = iota
	SymbolStart
	SymbolEnd
)

// Section is a region placed in an image
type Section struct {
	Region Region
	Addr   uint64 // link-time address
	Offset uint64 // file offset
	Site   CallSite

	data []byte
}

// Size returns the exact number of bytes in the section
func (s *Section) Size() uint64 {
	return uint64(len(s.data))
}

// Symbol is a symbol defined by an image
type Symbol struct {
	Name    string
	Kind    SymbolKind
	Addr    uint64
	Section int // index into Image.Sections
}

// Image is the output of a successful link
type Image struct {
	Target   Target
	Kind     Kind
	Sections []Section
	Symbols  []Symbol

	raw []byte
}

// Bytes returns the serialized image
func (img *Image) Bytes() []byte {
	return img.raw
}

// WriteTo writes the serialized image to w
func (img *Image) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(img.raw)
	return int64(n), err
}

// WriteFile atomically replaces the file at path with the image
func (img *Image) WriteFile(path string) error {
	if err := renameio.WriteFile(path, img.raw, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

type reference struct {
	region Region
	site   CallSite
}

// Linker combines region objects into an image. Each region may be defined
// by exactly one object, and each required region must be defined.
// A Linker is not safe for concurrent use.
type Linker struct {
	target  Target
	kind    Kind
	logger  *zap.Logger
	objects []*Object
	refs    []reference
}

// NewLinker returns a Linker for the target
func NewLinker(target Target, opts ...Option) (*Linker, error) {
	if err := target.Check(); err != nil {
		return nil, err
	}
	o := newOptions(opts)
	if o.kind != KindImage && o.kind != KindObject {
		return nil, fmt.Errorf("unknown output kind %d", o.kind)
	}
	return &Linker{
		target: target,
		kind:   o.kind,
		logger: o.logger,
	}, nil
}

// Add adds objects to the link
func (l *Linker) Add(objs ...*Object) {
	for _, obj := range objs {
		if obj != nil {
			l.objects = append(l.objects, obj)
		}
	}
}

// Require records that the program reads region r. Link fails if no object
// defines it, the way an unresolved symbol reference fails a link.
func (l *Linker) Require(r Region) {
	l.RequireAt(callerSite(1), r)
}

// RequireAt is Require with an explicit call site
func (l *Linker) RequireAt(site CallSite, r Region) {
	l.refs = append(l.refs, reference{region: r, site: site})
}

// Link checks every definition and reference and lays out the image.
// All problems found are returned together.
func (l *Linker) Link() (*Image, error) {
	var errs error

	defs := make(map[string]*Object, len(l.objects))
	for _, obj := range l.objects {
		if obj.Target != l.target {
			errs = multierr.Append(errs, &TargetMismatchError{Symbol: obj.Symbol, Object: obj.Target, Linker: l.target, Site: obj.Site})
			continue
		}
		if first, ok := defs[obj.Symbol]; ok {
			errs = multierr.Append(errs, &DuplicateSymbolError{Symbol: obj.Symbol, Region: obj.Region, First: first.Site, Second: obj.Site})
			continue
		}
		defs[obj.Symbol] = obj
	}

	for _, ref := range l.refs {
		region, err := l.target.Canonical(ref.region)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", ref.site, err))
			continue
		}
		sym := SymbolName(region)
		if _, ok := defs[sym]; !ok {
			errs = multierr.Append(errs, &UndefinedSymbolError{Symbol: sym, Region: region, Site: ref.site})
		}
	}

	if errs != nil {
		l.logger.Debug("link failed", zap.Int("errors", len(multierr.Errors(errs))))
		return nil, errs
	}

	objs := make([]*Object, 0, len(defs))
	for _, obj := range defs {
		objs = append(objs, obj)
	}
	// segments must stay contiguous in the file
	sort.Slice(objs, func(i, j int) bool {
		a, b := objs[i].Region, objs[j].Region
		if a.Segment != b.Segment {
			return a.Segment < b.Segment
		}
		return a.Section < b.Section
	})

	img := &Image{
		Target:   l.target,
		Kind:     l.kind,
		Sections: make([]Section, len(objs)),
	}
	for i, obj := range objs {
		img.Sections[i] = Section{Region: obj.Region, Site: obj.Site, data: obj.data}
	}

	var (
		buf bytes.Buffer
		err error
	)
	switch l.target.Format() {
	case FormatMachO:
		err = img.writeMachO(&buf)
	case FormatELF:
		err = img.writeELF(&buf)
	default:
		err = l.target.Check()
	}
	if err != nil {
		return nil, err
	}
	img.raw = buf.Bytes()

	l.logger.Info("linked",
		zap.Stringer("target", l.target),
		zap.Stringer("kind", l.kind),
		zap.Int("regions", len(img.Sections)),
		zap.Int("bytes", len(img.raw)))
	return img, nil
}

// defineSymbols fills in the region symbols, and for images the boundary
// markers a linker synthesizes for every named region.
func (img *Image) defineSymbols() {
	f := img.Target.Format()
	img.Symbols = img.Symbols[:0]
	for i := range img.Sections {
		s := &img.Sections[i]
		img.Symbols = append(img.Symbols, Symbol{Name: SymbolName(s.Region), Kind: SymbolRegion, Addr: s.Addr, Section: i})
		if img.Kind != KindImage {
			continue
		}
		img.Symbols = append(img.Symbols,
			Symbol{Name: StartSymbol(f, s.Region), Kind: SymbolStart, Addr: s.Addr, Section: i},
			Symbol{Name: EndSymbol(f, s.Region), Kind: SymbolEnd, Addr: s.Addr + s.Size(), Section: i},
		)
	}
}

func alignUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}

func padTo(buf *bytes.Buffer, off uint64) {
	for uint64(buf.Len()) < off {
		buf.WriteByte(0)
	}
}
