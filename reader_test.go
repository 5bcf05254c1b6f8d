package sectembed

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
)

// linkRegions embeds name/data pairs and links them
func linkRegions(t *testing.T, target Target, kind Kind, regions ...string) *Image {
	t.Helper()
	if len(regions)%2 != 0 {
		t.Fatal("linkRegions needs name and data pairs")
	}
	emb := newTestEmbedder(t, target)
	lnk := newTestLinker(t, target, WithKind(kind))
	for i := 0; i < len(regions); i += 2 {
		lnk.Add(mustEmbedAt(t, emb, CallSite{File: "test", Line: i/2 + 1}, regions[i], regions[i+1]))
	}
	img, err := lnk.Link()
	if err != nil {
		t.Fatalf("Link failed: %v", err)
	}
	return img
}

func newTestReader(t *testing.T, img *Image) *Reader {
	t.Helper()
	r, err := NewReader(img.Bytes())
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	return r
}

var readTests = []struct {
	target Target
	kind   Kind
	region string
}{
	{elfTarget, KindImage, "cfg"},
	{elfTarget, KindObject, "cfg"},
	{Target{Arch: ArchARM64, OS: OSLinux}, KindImage, "cfg"},
	{Target{Arch: ArchRiscv64, OS: OSFreeBSD}, KindImage, "cfg"},
	{machoTarget, KindImage, "__DATA,__cfg"},
	{machoTarget, KindObject, "__DATA,__cfg"},
	{Target{Arch: ArchX86_64, OS: OSDarwin}, KindImage, "cfg"},
}

// TestReadRoundTrip tests that the bytes read are exactly the bytes embedded
func TestReadRoundTrip(t *testing.T) {
	data := make([]byte, 42)
	for i := range data {
		data[i] = byte(i * 7)
	}

	for _, tt := range readTests {
		t.Run(tt.target.String()+"/"+tt.kind.String(), func(t *testing.T) {
			img := linkRegions(t, tt.target, tt.kind, tt.region, string(data))
			r := newTestReader(t, img)

			if r.Format() != tt.target.Format() {
				t.Errorf("Format = %s, want %s", r.Format(), tt.target.Format())
			}
			v, err := r.Read(MustParseRegion(tt.region))
			if err != nil {
				t.Fatalf("Read failed: %v", err)
			}
			if v.Len() != 42 {
				t.Fatalf("Len = %d, want 42", v.Len())
			}
			if !v.Equal(data) {
				t.Errorf("Read %x, want %x", v.Bytes(), data)
			}
			if v.Addr() != img.Sections[0].Addr {
				t.Errorf("Addr = %#x, want %#x", v.Addr(), img.Sections[0].Addr)
			}
		})
	}
}

// TestReadEmpty tests that an empty region reads back as zero bytes
func TestReadEmpty(t *testing.T) {
	for _, tt := range readTests {
		t.Run(tt.target.String()+"/"+tt.kind.String(), func(t *testing.T) {
			img := linkRegions(t, tt.target, tt.kind, "after", "x", "empty", "", "before", "y")
			r := newTestReader(t, img)

			v, err := r.Read(Region{Section: "empty"})
			if err != nil {
				t.Fatalf("Read failed: %v", err)
			}
			if v.Len() != 0 {
				t.Errorf("Len = %d, want 0", v.Len())
			}
			if v.Bytes() == nil {
				t.Error("Bytes of an empty region is nil")
			}
		})
	}
}

// TestReadIndependentRegions tests that regions do not overlap
func TestReadIndependentRegions(t *testing.T) {
	for _, target := range []Target{elfTarget, machoTarget} {
		t.Run(target.String(), func(t *testing.T) {
			img := linkRegions(t, target, KindImage, "a", "A", "b", "BB")
			r := newTestReader(t, img)

			a, err := r.Read(Region{Section: "a"})
			if err != nil {
				t.Fatalf("Read(a) failed: %v", err)
			}
			b, err := r.Read(Region{Section: "b"})
			if err != nil {
				t.Fatalf("Read(b) failed: %v", err)
			}
			if a.String() != "A" || b.String() != "BB" {
				t.Errorf("Read %q and %q, want A and BB", a, b)
			}
			// a view can not be grown into its neighbour
			if cap(a.Bytes()) != 1 {
				t.Errorf("cap(a) = %d, want 1", cap(a.Bytes()))
			}
		})
	}
}

// TestReadNotFound tests reading a region that is not in the image
func TestReadNotFound(t *testing.T) {
	for _, target := range []Target{elfTarget, machoTarget} {
		img := linkRegions(t, target, KindImage, "cfg", "x")
		r := newTestReader(t, img)

		_, err := r.Read(Region{Section: "other"})
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("%s: Read(other) error = %v, want ErrNotFound", target, err)
		}
	}

	r := newTestReader(t, linkRegions(t, elfTarget, KindImage, "cfg", "x"))
	if _, err := r.Read(Region{Segment: "__TEXT", Section: "cfg"}); err == nil {
		t.Error("Read of a Mach-O style region from an ELF image succeeded")
	}
}

// TestReadCorrupt tests that malformed input is reported as corrupt
func TestReadCorrupt(t *testing.T) {
	elfImg := linkRegions(t, elfTarget, KindImage, "cfg", "data").Bytes()
	machoImg := linkRegions(t, machoTarget, KindImage, "cfg", "data").Bytes()

	inputs := map[string][]byte{
		"short":            {0x7f},
		"garbage":          bytes.Repeat([]byte("garbage!"), 16),
		"truncated ELF":    elfImg[:80],
		"truncated Mach-O": machoImg[:40],
	}
	for name, mem := range inputs {
		if _, err := NewReader(mem); !errors.Is(err, ErrCorruptImage) {
			t.Errorf("%s: NewReader error = %v, want ErrCorruptImage", name, err)
		}
	}
}

// TestRegions tests listing the regions of an image
func TestRegions(t *testing.T) {
	img := linkRegions(t, machoTarget, KindImage,
		"cfg", "1",
		"__DATA,__cfg", "2",
		"__TEXT,__info_plist", "3",
	)
	r := newTestReader(t, img)

	want := []Region{
		{Segment: "__DATA", Section: "__cfg"},
		{Segment: "__TEXT", Section: "__info_plist"},
		{Segment: "__TEXT", Section: "cfg"},
	}
	if diff := cmp.Diff(want, r.Regions()); diff != "" {
		t.Errorf("Regions mismatch (-want +got):\n%s", diff)
	}
}

// TestOpenFile tests reading regions from a mapped file
func TestOpenFile(t *testing.T) {
	for _, tt := range readTests {
		t.Run(tt.target.String()+"/"+tt.kind.String(), func(t *testing.T) {
			img := linkRegions(t, tt.target, tt.kind, tt.region, "mapped")
			path := filepath.Join(t.TempDir(), "regions.out")
			if err := img.WriteFile(path); err != nil {
				t.Fatalf("WriteFile failed: %v", err)
			}

			r, err := OpenFile(path)
			if err != nil {
				t.Fatalf("OpenFile failed: %v", err)
			}
			v, err := r.Read(MustParseRegion(tt.region))
			if err != nil {
				t.Fatalf("Read failed: %v", err)
			}
			got := v.Clone()
			if err := r.Close(); err != nil {
				t.Errorf("Close failed: %v", err)
			}
			if string(got) != "mapped" {
				t.Errorf("Read %q, want mapped", got)
			}
		})
	}
}

// TestOpenFileErrors tests opening missing and empty files
func TestOpenFileErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := OpenFile(filepath.Join(dir, "missing")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("OpenFile(missing) error = %v, want ErrNotExist", err)
	}

	empty := filepath.Join(dir, "empty")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
	if _, err := OpenFile(empty); !errors.Is(err, ErrCorruptImage) {
		t.Errorf("OpenFile(empty) error = %v, want ErrCorruptImage", err)
	}
}

// TestReadConcurrent tests that one Reader serves many goroutines
func TestReadConcurrent(t *testing.T) {
	var pairs []string
	for i := 0; i < 16; i++ {
		pairs = append(pairs, fmt.Sprintf("r%d", i), fmt.Sprintf("region %d", i))
	}
	img := linkRegions(t, elfTarget, KindImage, pairs...)
	r := newTestReader(t, img)

	var g errgroup.Group
	for i := 0; i < 64; i++ {
		n := i % 16
		g.Go(func() error {
			v, err := r.Read(Region{Section: fmt.Sprintf("r%d", n)})
			if err != nil {
				return err
			}
			if want := fmt.Sprintf("region %d", n); v.String() != want {
				return fmt.Errorf("read %q, want %q", v, want)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

// TestSelf tests reading from the running test binary, which embeds nothing
func TestSelf(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("PE images have no named regions")
	}
	r, err := Self()
	if err != nil {
		t.Fatalf("Self failed: %v", err)
	}
	again, _ := Self()
	if again != r {
		t.Error("Self mapped the executable twice")
	}
	if err := r.Close(); err != nil {
		t.Errorf("Close of the permanent reader failed: %v", err)
	}
	if _, err := Read(Region{Section: "nosuch"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Read error = %v, want ErrNotFound", err)
	}
}

// TestReadDroppedEmptySection tests an empty region whose section the
// linker removed, leaving its symbol in a neighbouring section
func TestReadDroppedEmptySection(t *testing.T) {
	mem := []byte("abcd")
	tests := []struct {
		name    string
		sym     symbolInfo
		wantErr bool
	}{
		{"moved", symbolInfo{value: 0x1004, section: 0, sized: true}, false},
		{"absolute", symbolInfo{value: 0x1004, section: -1, sized: true}, false},
		{"unsized", symbolInfo{value: 0x1002, section: 0}, false},
		{"not empty", symbolInfo{value: 0x1000, section: 0, size: 4, sized: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Reader{
				mem:      mem,
				format:   FormatELF,
				sections: []sectionInfo{{region: Region{Section: ".eh_frame_hdr"}, off: 0, addr: 0x1000, size: 4}},
				symbols:  map[string]symbolInfo{"_EMBED_cfg": tt.sym},
			}
			v, err := r.Read(Region{Section: "cfg"})
			if tt.wantErr {
				if !errors.Is(err, ErrCorruptImage) {
					t.Errorf("Read error = %v, want ErrCorruptImage", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Read failed: %v", err)
			}
			if v.Len() != 0 || v.Bytes() == nil || v.Addr() != tt.sym.value {
				t.Errorf("View = %q len %d addr %#x, want empty at %#x", v, v.Len(), v.Addr(), tt.sym.value)
			}
		})
	}

	// a symbol outside its own region's section is still corrupt
	r := &Reader{
		mem:    mem,
		format: FormatELF,
		sections: []sectionInfo{
			{region: Region{Section: "other"}, off: 0, addr: 0x1000, size: 2},
			{region: Region{Section: "cfg"}, off: 2, addr: 0x1002, size: 2},
		},
		symbols: map[string]symbolInfo{"_EMBED_cfg": {value: 0x1000, section: 0, sized: true}},
	}
	if _, err := r.Read(Region{Section: "cfg"}); !errors.Is(err, ErrCorruptImage) {
		t.Errorf("Read error = %v, want ErrCorruptImage", err)
	}
	if diff := cmp.Diff([]Region{{Section: "cfg"}}, r.Regions()); diff != "" {
		t.Errorf("Regions mismatch (-want +got):\n%s", diff)
	}
}

// TestReadSystemLinked tests objects linked into an executable by GNU ld,
// which drops empty sections
func TestReadSystemLinked(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("needs a GNU ld for the host")
	}
	ld, err := exec.LookPath("ld")
	if err != nil {
		t.Skip("ld not found")
	}
	target := DefaultTarget()
	if err := target.Check(); err != nil {
		t.Skipf("no writer for %s: %v", target, err)
	}

	img := linkRegions(t, target, KindObject, "cfg", "hello-region", "empty", "")
	dir := t.TempDir()
	obj := filepath.Join(dir, "regions.o")
	if err := img.WriteFile(obj); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	out := filepath.Join(dir, "app")
	if output, err := exec.Command(ld, "-e", "0", "-o", out, obj).CombinedOutput(); err != nil {
		t.Fatalf("ld failed: %v\n%s", err, output)
	}

	r, err := OpenFile(out)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	defer r.Close()

	v, err := r.Read(Region{Section: "cfg"})
	if err != nil || v.String() != "hello-region" {
		t.Errorf("Read(cfg) = %q, %v", v, err)
	}
	v, err = r.Read(Region{Section: "empty"})
	if err != nil {
		t.Fatalf("Read(empty) failed: %v", err)
	}
	if v.Len() != 0 {
		t.Errorf("Read(empty) = %q, want no bytes", v)
	}
	if diff := cmp.Diff([]Region{{Section: "cfg"}, {Section: "empty"}}, r.Regions()); diff != "" {
		t.Errorf("Regions mismatch (-want +got):\n%s", diff)
	}
}
