package sectembed

import (
	"bytes"
	"debug/elf"
	"debug/macho"
	"fmt"
	"testing"
)

// TestELFStructure tests the headers and flags of written ELF files
func TestELFStructure(t *testing.T) {
	tests := []struct {
		kind  Kind
		typ   elf.Type
		progs int
	}{
		{KindImage, elf.ET_EXEC, 1},
		{KindObject, elf.ET_REL, 0},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			img := linkRegions(t, Target{Arch: ArchARM64, OS: OSLinux}, tt.kind, "cfg", "data")
			f, err := elf.NewFile(bytes.NewReader(img.Bytes()))
			if err != nil {
				t.Fatalf("Failed to parse ELF: %v", err)
			}
			if f.Type != tt.typ || f.Machine != elf.EM_AARCH64 || f.Class != elf.ELFCLASS64 {
				t.Errorf("Header is %v %v %v", f.Type, f.Machine, f.Class)
			}
			if len(f.Progs) != tt.progs {
				t.Errorf("Got %d program headers, want %d", len(f.Progs), tt.progs)
			}

			s := f.Section("cfg")
			if s == nil {
				t.Fatal("No cfg section")
			}
			if s.Flags&shfGNURetain == 0 || s.Flags&elf.SHF_ALLOC == 0 {
				t.Errorf("Section flags = %v, want ALLOC and GNU_RETAIN", s.Flags)
			}
			data, err := s.Data()
			if err != nil || string(data) != "data" {
				t.Errorf("Section data = %q, %v", data, err)
			}

			syms, err := f.Symbols()
			if err != nil {
				t.Fatalf("Symbols failed: %v", err)
			}
			found := false
			for _, sym := range syms {
				if sym.Name == "_EMBED_cfg" {
					found = true
					if elf.ST_BIND(sym.Info) != elf.STB_GLOBAL || sym.Size != 4 {
						t.Errorf("Region symbol bind %v size %d", elf.ST_BIND(sym.Info), sym.Size)
					}
				}
			}
			if !found {
				t.Error("No _EMBED_cfg symbol")
			}
		})
	}
}

// TestMachOStructure tests the headers and flags of written Mach-O files
func TestMachOStructure(t *testing.T) {
	tests := []struct {
		kind Kind
		typ  macho.Type
	}{
		{KindImage, macho.TypeBundle},
		{KindObject, macho.TypeObj},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			img := linkRegions(t, machoTarget, tt.kind, "__DATA,__cfg", "data", "__TEXT,__info_plist", "<plist/>")
			f, err := macho.NewFile(bytes.NewReader(img.Bytes()))
			if err != nil {
				t.Fatalf("Failed to parse Mach-O: %v", err)
			}
			if f.Type != tt.typ || f.Cpu != macho.CpuArm64 {
				t.Errorf("Header is %v %v", f.Type, f.Cpu)
			}

			s := f.Section("__cfg")
			if s == nil || s.Seg != "__DATA" {
				t.Fatalf("No __DATA,__cfg section: %+v", s)
			}
			if s.Flags&sAttrNoDeadStrip == 0 {
				t.Errorf("Section flags = %#x, want sAttrNoDeadStrip", s.Flags)
			}
			data, err := s.Data()
			if err != nil || string(data) != "data" {
				t.Errorf("Section data = %q, %v", data, err)
			}

			if tt.kind == KindImage && f.Segment("__DATA") == nil {
				t.Error("Image has no __DATA segment")
			}

			found := false
			for _, sym := range f.Symtab.Syms {
				if sym.Name == SymbolName(MustParseRegion("__DATA,__cfg")) {
					found = true
					if sym.Desc&nNoDeadStrip == 0 || sym.Type&nExt == 0 {
						t.Errorf("Region symbol type %#x desc %#x", sym.Type, sym.Desc)
					}
				}
			}
			if !found {
				t.Error("No region symbol for __DATA,__cfg")
			}
		})
	}
}

// TestMachOTooManySections tests the section ordinal limit
func TestMachOTooManySections(t *testing.T) {
	emb := newTestEmbedder(t, machoTarget)
	lnk := newTestLinker(t, machoTarget)
	for i := 0; i < 256; i++ {
		lnk.Add(mustEmbedAt(t, emb, CallSite{}, fmt.Sprintf("s%03d", i), "x"))
	}
	if _, err := lnk.Link(); err == nil {
		t.Error("Link of 256 Mach-O sections succeeded")
	}
}

// TestELFTooManySections tests that section indexes stay below SHN_LORESERVE
func TestELFTooManySections(t *testing.T) {
	emb := newTestEmbedder(t, elfTarget)
	lnk := newTestLinker(t, elfTarget, WithKind(KindObject))
	for i := 0; i < elfMaxRegions; i++ {
		lnk.Add(mustEmbedAt(t, emb, CallSite{}, fmt.Sprintf("s%d", i), "x"))
	}
	if _, err := lnk.Link(); err == nil {
		t.Errorf("Link of %d ELF sections succeeded", elfMaxRegions)
	}
}
