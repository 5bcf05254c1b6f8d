package sectembed

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
)

const (
	// elfImageBase is where linked images are loaded
	elfImageBase = 0x400000
	elfPageSize  = 0x1000

	// SHF_GNU_RETAIN keeps a section through ld --gc-sections
	shfGNURetain = 0x200000

	// elfMaxRegions keeps every section index, including the three tables
	// after the regions, below SHN_LORESERVE
	elfMaxRegions = int(elf.SHN_LORESERVE) - 4
)

var (
	elfHeaderSize  = uint64(binary.Size(elf.Header64{}))
	elfProgSize    = uint64(binary.Size(elf.Prog64{}))
	elfSectionSize = uint64(binary.Size(elf.Section64{}))
	elfSymSize     = uint64(binary.Size(elf.Sym64{}))
)

// stringTable builds an ELF string table, first byte null
type stringTable struct {
	buf bytes.Buffer
}

func newStringTable() *stringTable {
	st := &stringTable{}
	st.buf.WriteByte(0)
	return st
}

func (st *stringTable) add(s string) uint32 {
	off := uint32(st.buf.Len())
	st.buf.WriteString(s)
	st.buf.WriteByte(0)
	return off
}

// writeELF lays out and writes an ELF64 file holding the image's regions.
//
// Layout: header, program header (images only), region data, .symtab,
// .strtab, .shstrtab, section headers. Section indexes are 0 (null), one
// per region, then .symtab, .strtab and .shstrtab.
func (img *Image) writeELF(buf *bytes.Buffer) error {
	if len(img.Sections) >= elfMaxRegions {
		return fmt.Errorf("ELF files hold at most %d regions, got %d", elfMaxRegions-1, len(img.Sections))
	}
	image := img.Kind == KindImage

	var phnum uint64
	if image {
		phnum = 1 // one read-only LOAD segment
	}

	dataOff := elfHeaderSize + phnum*elfProgSize
	off := dataOff
	for i := range img.Sections {
		s := &img.Sections[i]
		s.Offset = off
		if image {
			s.Addr = elfImageBase + off
		} else {
			s.Addr = 0
		}
		off += s.Size()
	}
	dataEnd := off

	img.defineSymbols()

	nregions := uint64(len(img.Sections))
	strtabIndex := nregions + 2
	shstrtabIndex := nregions + 3
	shnum := nregions + 4

	// Symbols, index 0 is the null symbol
	strtab := newStringTable()
	syms := make([]elf.Sym64, 1, len(img.Symbols)+1)
	for _, sym := range img.Symbols {
		s := elf.Sym64{
			Name:  strtab.add(sym.Name),
			Shndx: uint16(sym.Section + 1),
		}
		if image {
			s.Value = sym.Addr
		} else {
			s.Value = sym.Addr - img.Sections[sym.Section].Addr // section relative
		}
		if sym.Kind == SymbolRegion {
			s.Info = elf.ST_INFO(elf.STB_GLOBAL, elf.STT_OBJECT)
			s.Size = img.Sections[sym.Section].Size()
		} else {
			s.Info = elf.ST_INFO(elf.STB_GLOBAL, elf.STT_NOTYPE)
		}
		syms = append(syms, s)
	}

	shstrtab := newStringTable()
	regionNames := make([]uint32, len(img.Sections))
	for i, s := range img.Sections {
		regionNames[i] = shstrtab.add(s.Region.Section)
	}
	symtabName := shstrtab.add(".symtab")
	strtabName := shstrtab.add(".strtab")
	shstrtabName := shstrtab.add(".shstrtab")

	symOff := alignUp(dataEnd, 8)
	symSize := uint64(len(syms)) * elfSymSize
	strOff := symOff + symSize
	strSize := uint64(strtab.buf.Len())
	shstrOff := strOff + strSize
	shstrSize := uint64(shstrtab.buf.Len())
	shOff := alignUp(shstrOff+shstrSize, 8)

	// ELF header
	header := elf.Header64{
		Machine:   elfMachine(img.Target.Arch),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     shOff,
		Ehsize:    uint16(elfHeaderSize),
		Shentsize: uint16(elfSectionSize),
		Shnum:     uint16(shnum),
		Shstrndx:  uint16(shstrtabIndex),
	}
	copy(header.Ident[:], elf.ELFMAG)
	header.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	header.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	header.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	header.Ident[elf.EI_OSABI] = byte(elf.ELFOSABI_NONE)
	if img.Target.OS == OSFreeBSD {
		header.Ident[elf.EI_OSABI] = byte(elf.ELFOSABI_FREEBSD)
	}
	if image {
		header.Type = uint16(elf.ET_EXEC)
		header.Phoff = elfHeaderSize
		header.Phentsize = uint16(elfProgSize)
		header.Phnum = uint16(phnum)
	} else {
		header.Type = uint16(elf.ET_REL)
	}
	binary.Write(buf, binary.LittleEndian, &header)

	// Program header
	if image {
		prog := elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(elf.PF_R),
			Off:    0,
			Vaddr:  elfImageBase,
			Paddr:  elfImageBase,
			Filesz: dataEnd,
			Memsz:  dataEnd,
			Align:  elfPageSize,
		}
		binary.Write(buf, binary.LittleEndian, &prog)
	}

	// Region data, byte aligned so that each section is exactly its bytes
	for _, s := range img.Sections {
		buf.Write(s.data)
	}

	padTo(buf, symOff)
	for _, s := range syms {
		binary.Write(buf, binary.LittleEndian, &s)
	}
	buf.Write(strtab.buf.Bytes())
	buf.Write(shstrtab.buf.Bytes())

	// Section headers
	padTo(buf, shOff)
	binary.Write(buf, binary.LittleEndian, &elf.Section64{})
	for i, s := range img.Sections {
		sh := elf.Section64{
			Name:      regionNames[i],
			Type:      uint32(elf.SHT_PROGBITS),
			Flags:     uint64(elf.SHF_ALLOC) | shfGNURetain,
			Addr:      s.Addr,
			Off:       s.Offset,
			Size:      s.Size(),
			Addralign: 1,
		}
		binary.Write(buf, binary.LittleEndian, &sh)
	}
	sections := []elf.Section64{
		{
			Name:      symtabName,
			Type:      uint32(elf.SHT_SYMTAB),
			Off:       symOff,
			Size:      symSize,
			Link:      uint32(strtabIndex),
			Info:      1, // first non-local symbol
			Addralign: 8,
			Entsize:   elfSymSize,
		},
		{
			Name:      strtabName,
			Type:      uint32(elf.SHT_STRTAB),
			Off:       strOff,
			Size:      strSize,
			Addralign: 1,
		},
		{
			Name:      shstrtabName,
			Type:      uint32(elf.SHT_STRTAB),
			Off:       shstrOff,
			Size:      shstrSize,
			Addralign: 1,
		},
	}
	for i := range sections {
		binary.Write(buf, binary.LittleEndian, &sections[i])
	}

	return nil
}
