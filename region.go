package sectembed

import (
	"fmt"
	"strings"
)

// machoNameLen is the width of the segname and sectname fields
const machoNameLen = 16

// defaultSegment is where Mach-O regions without a segment are placed
const defaultSegment = "__TEXT"

// symbolPrefix starts every region symbol
const symbolPrefix = "_EMBED_"

// Region is a named area of a binary. Mach-O regions are a (segment, section)
// pair, ELF regions only have a section name.
type Region struct {
	Segment string
	Section string
}

// ParseRegion parses "__TEXT,__info_plist" or "cfg"
func ParseRegion(name string) (Region, error) {
	if name == "" {
		return Region{}, fmt.Errorf("invalid region: empty name")
	}
	seg, sect, ok := strings.Cut(name, ",")
	if !ok {
		return Region{Section: name}, nil
	}
	if seg == "" || sect == "" {
		return Region{}, fmt.Errorf("invalid region %q: expected <segment>,<section>", name)
	}
	return Region{Segment: seg, Section: sect}, nil
}

// MustParseRegion is like ParseRegion but panics on error.
// It is meant for package level variables.
func MustParseRegion(name string) Region {
	r, err := ParseRegion(name)
	if err != nil {
		panic(err)
	}
	return r
}

func (r Region) String() string {
	if r.Segment == "" {
		return r.Section
	}
	return r.Segment + "," + r.Section
}

// Canonical returns the region as it is named in the target's object files.
// Mach-O regions without a segment are placed in __TEXT.
func (t Target) Canonical(r Region) (Region, error) {
	if err := t.Check(); err != nil {
		return Region{}, err
	}
	return canonical(t.Format(), r)
}

func canonical(f Format, r Region) (Region, error) {
	switch f {
	case FormatMachO:
		if r.Segment == "" {
			r.Segment = defaultSegment
		}
		if err := validMachOName("segment", r.Segment); err != nil {
			return Region{}, err
		}
		if strings.Contains(r.Segment, ",") {
			return Region{}, fmt.Errorf("invalid region %q: segment contains a comma", r)
		}
		if err := validMachOName("section", r.Section); err != nil {
			return Region{}, err
		}
		return r, nil
	case FormatELF:
		if r.Segment != "" {
			return Region{}, fmt.Errorf("invalid region %q: ELF regions have no segment", r)
		}
		// GNU ld only synthesizes __start_ and __stop_ for these
		if !isCIdentifier(r.Section) {
			return Region{}, fmt.Errorf("invalid region %q: ELF region names must be C identifiers", r)
		}
		return r, nil
	default:
		return Region{}, fmt.Errorf("%w: %s has no named regions", ErrUnsupportedTarget, f)
	}
}

func validMachOName(what, name string) error {
	if name == "" {
		return fmt.Errorf("invalid region: empty Mach-O %s name", what)
	}
	if len(name) > machoNameLen {
		return fmt.Errorf("invalid region: Mach-O %s name %q is longer than %d bytes", what, name, machoNameLen)
	}
	if strings.IndexByte(name, 0) >= 0 {
		return fmt.Errorf("invalid region: Mach-O %s name %q contains NUL", what, name)
	}
	return nil
}

func isCIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// SymbolName returns the global symbol bound to the bytes embedded in r.
// It depends on nothing but the region, so two embeddings of one region
// always collide at link time, wherever they are made. Distinct canonical
// regions get distinct names: bytes outside [A-Za-z0-9_] are written as $xx.
func SymbolName(r Region) string {
	const hex = "0123456789abcdef"
	name := r.String()
	var sb strings.Builder
	sb.Grow(len(symbolPrefix) + len(name))
	sb.WriteString(symbolPrefix)
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			sb.WriteByte(c)
		default:
			sb.WriteByte('$')
			sb.WriteByte(hex[c>>4])
			sb.WriteByte(hex[c&0xf])
		}
	}
	return sb.String()
}

// StartSymbol returns the name the linker gives the first address of r
func StartSymbol(f Format, r Region) string {
	switch f {
	case FormatMachO:
		return "section$start$" + r.Segment + "$" + r.Section
	default:
		return "__start_" + r.Section
	}
}

// EndSymbol returns the name the linker gives the first address past r
func EndSymbol(f Format, r Region) string {
	switch f {
	case FormatMachO:
		return "section$end$" + r.Segment + "$" + r.Section
	default:
		return "__stop_" + r.Section
	}
}
