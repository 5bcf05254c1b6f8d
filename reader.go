package sectembed

import (
	"bytes"
	"debug/elf"
	"debug/macho"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
)

type sectionInfo struct {
	region Region
	off    uint64 // file offset within the reader's memory
	addr   uint64
	size   uint64
}

type symbolInfo struct {
	value   uint64 // address, section relative symbols already adjusted
	section int    // index into Reader.sections, -1 for absolute symbols
	size    uint64
	sized   bool // Mach-O symbols carry no size
	dup     bool
}

// Reader finds embedded regions in a linked binary or object file.
// Read may be called from any number of goroutines.
type Reader struct {
	mem       []byte
	format    Format
	sections  []sectionInfo
	symbols   map[string]symbolInfo
	unmap     func() error
	permanent bool
}

// NewReader returns a Reader over an image held in memory, for instance the
// bytes of a linked Image. Views returned by the reader point into mem.
func NewReader(mem []byte) (*Reader, error) {
	r := &Reader{
		mem:     mem,
		symbols: make(map[string]symbolInfo),
	}
	if len(mem) < 4 {
		return nil, fmt.Errorf("%w: %d bytes is too short for an object file", ErrCorruptImage, len(mem))
	}

	var err error
	switch {
	case bytes.HasPrefix(mem, []byte(elf.ELFMAG)):
		r.format = FormatELF
		err = r.loadELF()
	case binary.BigEndian.Uint32(mem) == fatMagic:
		r.format = FormatMachO
		err = r.loadFat()
	case isMachO(mem):
		r.format = FormatMachO
		var f *macho.File
		if f, err = macho.NewFile(bytes.NewReader(mem)); err == nil {
			err = r.loadMachO(f, 0)
		}
	default:
		return nil, fmt.Errorf("%w: not an ELF or Mach-O file", ErrCorruptImage)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptImage, err)
	}
	return r, nil
}

// OpenFile maps the binary at path read-only and returns a Reader over it.
// Views stay valid until Close is called.
func OpenFile(path string) (*Reader, error) {
	mem, unmap, err := mapFile(path)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(mem)
	if err != nil {
		unmap()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r.unmap = unmap
	return r, nil
}

var self struct {
	once sync.Once
	r    *Reader
	err  error
}

// Self returns a Reader over the running program's own executable. The
// image is mapped once and never unmapped, so its views are valid for the
// life of the process.
func Self() (*Reader, error) {
	self.once.Do(func() {
		path, err := os.Executable()
		if err != nil {
			self.err = fmt.Errorf("locating the executable: %w", err)
			return
		}
		r, err := OpenFile(path)
		if err != nil {
			self.err = err
			return
		}
		r.permanent = true
		self.r = r
	})
	return self.r, self.err
}

// Read returns the bytes embedded in region r of the running program
func Read(r Region) (View, error) {
	rd, err := Self()
	if err != nil {
		return View{}, err
	}
	return rd.Read(r)
}

// Format returns the object file format of the image
func (r *Reader) Format() Format {
	return r.format
}

// Close unmaps a file opened with OpenFile. Views must not be used after
// Close. Closing the Reader returned by Self does nothing.
func (r *Reader) Close() error {
	if r.permanent || r.unmap == nil {
		return nil
	}
	unmap := r.unmap
	r.unmap = nil
	r.mem = nil
	return unmap()
}

// Read returns the bytes embedded in region r. The start is the region's
// symbol and the end is the linker's end-of-region symbol, or the end of
// the region's section for files that do not carry it. The length is the
// unsigned difference of the two. A region whose section the linker dropped
// was empty and reads as zero bytes.
func (r *Reader) Read(region Region) (View, error) {
	region, err := canonical(r.format, region)
	if err != nil {
		return View{}, err
	}
	name := SymbolName(region)
	start, ok := r.symbols[name]
	if !ok {
		return View{}, &UndefinedSymbolError{Symbol: name, Region: region}
	}
	if start.dup {
		return View{}, fmt.Errorf("%w: symbol `%s` is defined more than once", ErrCorruptImage, name)
	}
	if start.section < 0 || r.sections[start.section].region != region {
		// Linkers drop empty output sections and move their symbols to a
		// neighbouring section or make them absolute.
		if !r.hasSection(region) && (!start.sized || start.size == 0) {
			return viewOf(r.mem, 0, 0, start.value)
		}
		where := "absolute"
		if start.section >= 0 {
			where = "in section " + r.sections[start.section].region.String()
		}
		return View{}, fmt.Errorf("%w: symbol `%s` is %s", ErrCorruptImage, name, where)
	}
	sec := r.sections[start.section]
	if start.value < sec.addr || start.value > sec.addr+sec.size {
		return View{}, fmt.Errorf("%w: symbol `%s` at %#x lies outside section %s", ErrCorruptImage, name, start.value, sec.region)
	}

	endAddr := sec.addr + sec.size
	if end, ok := r.symbols[EndSymbol(r.format, region)]; ok {
		if end.section != start.section {
			return View{}, fmt.Errorf("%w: end of region %s is in another section", ErrCorruptImage, region)
		}
		endAddr = end.value
	}
	if endAddr < start.value {
		return View{}, fmt.Errorf("%w: region %s ends at %#x before it starts at %#x", ErrCorruptImage, region, endAddr, start.value)
	}

	startOff := sec.off + (start.value - sec.addr)
	return viewOf(r.mem, startOff, startOff+(endAddr-start.value), start.value)
}

// Regions returns every embedded region in the image, sorted by name
func (r *Reader) Regions() []Region {
	var regions []Region
	for name := range r.symbols {
		if region, ok := regionOf(name); ok {
			regions = append(regions, region)
		}
	}
	sort.Slice(regions, func(i, j int) bool {
		return regions[i].String() < regions[j].String()
	})
	return regions
}

func (r *Reader) hasSection(region Region) bool {
	for _, sec := range r.sections {
		if sec.region == region {
			return true
		}
	}
	return false
}

func (r *Reader) addSymbol(name string, sym symbolInfo) {
	if prev, ok := r.symbols[name]; ok {
		prev.dup = true
		r.symbols[name] = prev
		return
	}
	r.symbols[name] = sym
}

// regionOf decodes a region symbol name back into its region
func regionOf(name string) (Region, bool) {
	escaped, ok := strings.CutPrefix(name, symbolPrefix)
	if !ok {
		return Region{}, false
	}
	var sb strings.Builder
	for i := 0; i < len(escaped); i++ {
		c := escaped[i]
		if c != '$' {
			sb.WriteByte(c)
			continue
		}
		if i+2 >= len(escaped) {
			return Region{}, false
		}
		b, err := strconv.ParseUint(escaped[i+1:i+3], 16, 8)
		if err != nil {
			return Region{}, false
		}
		sb.WriteByte(byte(b))
		i += 2
	}
	region, err := ParseRegion(sb.String())
	if err != nil || SymbolName(region) != name {
		return Region{}, false
	}
	return region, true
}

func isMachO(mem []byte) bool {
	switch binary.LittleEndian.Uint32(mem) {
	case macho.Magic64, macho.Magic32, mhCigam64:
		return true
	}
	return false
}

// loadMachO records the sections and symbols of a Mach-O file that starts
// at base within the reader's memory.
func (r *Reader) loadMachO(f *macho.File, base uint64) error {
	for _, s := range f.Sections {
		r.sections = append(r.sections, sectionInfo{
			region: Region{Segment: s.Seg, Section: s.Name},
			off:    base + uint64(s.Offset),
			addr:   s.Addr,
			size:   s.Size,
		})
	}
	if f.Symtab == nil {
		return nil
	}
	for _, sym := range f.Symtab.Syms {
		switch {
		case sym.Type&nType == nAbs:
			r.addSymbol(sym.Name, symbolInfo{value: sym.Value, section: -1})
		case sym.Type&nType == nSect && sym.Sect != 0 && int(sym.Sect) <= len(f.Sections):
			r.addSymbol(sym.Name, symbolInfo{value: sym.Value, section: int(sym.Sect) - 1})
		}
	}
	return nil
}

// loadFat picks the slice of a universal binary that matches the running
// program, or the first one.
func (r *Reader) loadFat() error {
	ff, err := macho.NewFatFile(bytes.NewReader(r.mem))
	if err != nil {
		return err
	}
	if len(ff.Arches) == 0 {
		return errors.New("universal binary without architectures")
	}
	arch := ff.Arches[0]
	want, _, _ := machoCPU(DefaultTarget().Arch)
	for _, a := range ff.Arches {
		if uint32(a.Cpu) == want {
			arch = a
			break
		}
	}
	return r.loadMachO(arch.File, uint64(arch.Offset))
}

func (r *Reader) loadELF() error {
	f, err := elf.NewFile(bytes.NewReader(r.mem))
	if err != nil {
		return err
	}
	for _, s := range f.Sections {
		info := sectionInfo{
			region: Region{Section: s.Name},
			off:    s.Offset,
			addr:   s.Addr,
			size:   s.Size,
		}
		if s.Type == elf.SHT_NOBITS {
			info.size = 0
		}
		r.sections = append(r.sections, info)
	}

	syms, err := f.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return err
	}
	relocatable := f.Type == elf.ET_REL
	for _, sym := range syms {
		info := symbolInfo{value: sym.Value, section: int(sym.Section), size: sym.Size, sized: true}
		switch {
		case sym.Section == elf.SHN_ABS:
			info.section = -1
		case sym.Section == elf.SHN_UNDEF || sym.Section >= elf.SHN_LORESERVE || info.section >= len(f.Sections):
			continue
		case relocatable:
			info.value += f.Sections[info.section].Addr // section relative
		}
		r.addSymbol(sym.Name, info)
	}
	return nil
}
