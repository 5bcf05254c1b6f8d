package sectembed

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Mach-O constants
const (
	mhMagic64           = 0xfeedfacf // 64-bit magic number
	mhCigam64           = 0xcffaedfe // NXSwapInt(mhMagic64)
	fatMagic            = 0xcafebabe // universal binary, big endian
	cpuTypeX86_64       = 0x01000007 // x86_64
	cpuTypeARM64        = 0x0100000c // ARM64
	cpuSubtypeX86_64All = 0x00000003
	cpuSubtypeARM64All  = 0x00000000

	// File types
	mhObject = 0x1 // Relocatable object file
	mhBundle = 0x8 // Linked image without an entry point

	// Flags
	mhNoUndefs              = 0x1
	mhSubsectionsViaSymbols = 0x2000

	// Load commands
	lcSegment64 = 0x19
	lcSymtab    = 0x2

	// Protection flags
	vmProtRead    = 0x01
	vmProtWrite   = 0x02
	vmProtExecute = 0x04

	// Section types and attributes
	sRegular         = 0x0
	sAttrNoDeadStrip = 0x10000000 // ld -dead_strip must keep the section
)

// Symbol type flags
const (
	nExt         = 0x1  // External symbol
	nType        = 0x0e // Type mask
	nAbs         = 0x2  // Absolute symbol
	nSect        = 0xe  // Defined in section
	nNoDeadStrip = 0x20 // n_desc: symbol is not to be dead stripped
)

// machoImageBase is where linked images start, above the 4GB zero page
const machoImageBase = 0x100000000

// machoHeader64 represents the Mach-O 64-bit header
type machoHeader64 struct {
	Magic      uint32
	CPUType    uint32
	CPUSubtype uint32
	FileType   uint32
	NCmds      uint32
	SizeOfCmds uint32
	Flags      uint32
	Reserved   uint32
}

// segmentCommand64 represents a 64-bit segment load command
type segmentCommand64 struct {
	Cmd      uint32
	CmdSize  uint32
	SegName  [16]byte
	VMAddr   uint64
	VMSize   uint64
	FileOff  uint64
	FileSize uint64
	MaxProt  uint32
	InitProt uint32
	NSects   uint32
	Flags    uint32
}

// machoSection64 represents a 64-bit section within a segment
type machoSection64 struct {
	SectName  [16]byte
	SegName   [16]byte
	Addr      uint64
	Size      uint64
	Offset    uint32
	Align     uint32
	Reloff    uint32
	Nreloc    uint32
	Flags     uint32
	Reserved1 uint32
	Reserved2 uint32
	Reserved3 uint32
}

// symtabCommand represents the symbol table load command
type symtabCommand struct {
	Cmd     uint32
	CmdSize uint32
	Symoff  uint32
	Nsyms   uint32
	Stroff  uint32
	Strsize uint32
}

// nlist64 represents a 64-bit symbol table entry
type nlist64 struct {
	N_strx  uint32 // String table index
	N_type  uint8  // Symbol type
	N_sect  uint8  // Section number
	N_desc  uint16 // Description
	N_value uint64 // Symbol value
}

var (
	machoHeaderSize  = uint64(binary.Size(machoHeader64{}))
	machoSegmentSize = uint64(binary.Size(segmentCommand64{}))
	machoSectionSize = uint64(binary.Size(machoSection64{}))
	machoSymtabSize  = uint64(binary.Size(symtabCommand{}))
	machoNlistSize   = uint64(binary.Size(nlist64{}))
)

func machoCPU(arch Arch) (cpuType, cpuSubtype uint32, err error) {
	switch arch {
	case ArchX86_64:
		return cpuTypeX86_64, cpuSubtypeX86_64All, nil
	case ArchARM64:
		return cpuTypeARM64, cpuSubtypeARM64All, nil
	default:
		return 0, 0, fmt.Errorf("%w: architecture %s for Mach-O", ErrUnsupportedTarget, arch)
	}
}

// machoSegment is a run of sections sharing a segment name
type machoSegment struct {
	name  string
	first int // index of the first section
	count int
}

// machoSegments groups the sections into segments. Objects put every
// section in one unnamed segment, like an assembler does.
func (img *Image) machoSegments() []machoSegment {
	if img.Kind == KindObject {
		return []machoSegment{{first: 0, count: len(img.Sections)}}
	}
	var segs []machoSegment
	for i, s := range img.Sections {
		if n := len(segs); n > 0 && segs[n-1].name == s.Region.Segment {
			segs[n-1].count++
			continue
		}
		segs = append(segs, machoSegment{name: s.Region.Segment, first: i, count: 1})
	}
	return segs
}

// writeMachO lays out and writes a Mach-O file holding the image's regions
func (img *Image) writeMachO(buf *bytes.Buffer) error {
	cpuType, cpuSubtype, err := machoCPU(img.Target.Arch)
	if err != nil {
		return err
	}

	segs := img.machoSegments()

	// Load command sizes
	cmdsSize := machoSymtabSize
	for _, seg := range segs {
		cmdsSize += machoSegmentSize + uint64(seg.count)*machoSectionSize
	}

	// Section data follows the load commands, byte aligned so that each
	// section is exactly its region's bytes
	dataOff := alignUp(machoHeaderSize+cmdsSize, 16)
	off := dataOff
	for i := range img.Sections {
		s := &img.Sections[i]
		s.Offset = off
		if img.Kind == KindObject {
			s.Addr = off - dataOff
		} else {
			s.Addr = machoImageBase + off
		}
		off += s.Size()
	}
	dataEnd := off
	if dataEnd > uint64(img.Target.MaxRegionSize()) {
		return fmt.Errorf("Mach-O image of %d bytes does not fit 32-bit section offsets", dataEnd)
	}

	img.defineSymbols()

	// String table, first byte must be null
	var strtab bytes.Buffer
	strtab.WriteByte(0)
	symtab := make([]nlist64, 0, len(img.Symbols))
	for _, sym := range img.Symbols {
		strOffset := uint32(strtab.Len())
		strtab.WriteString(sym.Name)
		strtab.WriteByte(0)

		var desc uint16
		if sym.Kind == SymbolRegion {
			desc = nNoDeadStrip
		}
		symtab = append(symtab, nlist64{
			N_strx:  strOffset,
			N_type:  nSect | nExt,
			N_sect:  uint8(sym.Section + 1), // 1-based section ordinal
			N_desc:  desc,
			N_value: sym.Addr,
		})
	}
	if len(img.Sections) > 255 {
		return fmt.Errorf("Mach-O images hold at most 255 sections, got %d", len(img.Sections))
	}

	symOff := alignUp(dataEnd, 8)
	strOff := symOff + uint64(len(symtab))*machoNlistSize

	// Header
	header := machoHeader64{
		Magic:      mhMagic64,
		CPUType:    cpuType,
		CPUSubtype: cpuSubtype,
		NCmds:      uint32(len(segs) + 1),
		SizeOfCmds: uint32(cmdsSize),
	}
	if img.Kind == KindObject {
		header.FileType = mhObject
		header.Flags = mhSubsectionsViaSymbols
	} else {
		header.FileType = mhBundle
		header.Flags = mhNoUndefs
	}
	binary.Write(buf, binary.LittleEndian, &header)

	// lcSegment64 with its sections
	for _, seg := range segs {
		sects := img.Sections[seg.first : seg.first+seg.count]
		cmd := segmentCommand64{
			Cmd:     lcSegment64,
			CmdSize: uint32(machoSegmentSize + uint64(seg.count)*machoSectionSize),
			NSects:  uint32(seg.count),
		}
		copy(cmd.SegName[:], seg.name)
		if len(sects) > 0 {
			start, end := sects[0], sects[len(sects)-1]
			cmd.VMAddr = start.Addr
			cmd.VMSize = end.Addr + end.Size() - start.Addr
			cmd.FileOff = start.Offset
			cmd.FileSize = end.Offset + end.Size() - start.Offset
		}
		if img.Kind == KindObject {
			cmd.MaxProt = vmProtRead | vmProtWrite | vmProtExecute
			cmd.InitProt = vmProtRead | vmProtWrite | vmProtExecute
		} else {
			cmd.MaxProt = vmProtRead
			cmd.InitProt = vmProtRead
		}
		binary.Write(buf, binary.LittleEndian, &cmd)

		for _, s := range sects {
			sect := machoSection64{
				Addr:   s.Addr,
				Size:   s.Size(),
				Offset: uint32(s.Offset),
				Align:  0, // 2^0, no padding inside the region
				Flags:  sRegular | sAttrNoDeadStrip,
			}
			copy(sect.SectName[:], s.Region.Section)
			copy(sect.SegName[:], s.Region.Segment)
			binary.Write(buf, binary.LittleEndian, &sect)
		}
	}

	// lcSymtab
	symtabCmd := symtabCommand{
		Cmd:     lcSymtab,
		CmdSize: uint32(machoSymtabSize),
		Symoff:  uint32(symOff),
		Nsyms:   uint32(len(symtab)),
		Stroff:  uint32(strOff),
		Strsize: uint32(strtab.Len()),
	}
	binary.Write(buf, binary.LittleEndian, &symtabCmd)

	if uint64(buf.Len()) != machoHeaderSize+cmdsSize {
		return fmt.Errorf("load commands size mismatch: expected %d, got %d", machoHeaderSize+cmdsSize, buf.Len())
	}

	// Section data
	padTo(buf, dataOff)
	for _, s := range img.Sections {
		buf.Write(s.data)
	}

	// Symbol and string tables
	padTo(buf, symOff)
	for _, sym := range symtab {
		binary.Write(buf, binary.LittleEndian, &sym)
	}
	buf.Write(strtab.Bytes())

	return nil
}
