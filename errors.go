package sectembed

import (
	"errors"
	"fmt"
	"runtime"
	"strconv"

	"github.com/dustin/go-humanize"
)

var (
	// ErrNotFound is returned when a region is not present in an image
	ErrNotFound = errors.New("region not found")
	// ErrCorruptImage is returned when an image's symbols and sections disagree
	ErrCorruptImage = errors.New("corrupt image")
)

// CallSite is the place an embedding or a reference was made.
// For manifests it is the manifest file and line.
type CallSite struct {
	File string
	Line int
}

func (s CallSite) String() string {
	if s.File == "" {
		return "<unknown>"
	}
	if s.Line <= 0 {
		return s.File
	}
	return s.File + ":" + strconv.Itoa(s.Line)
}

// callerSite returns the call site skip frames above its caller
func callerSite(skip int) CallSite {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return CallSite{}
	}
	return CallSite{File: file, Line: line}
}

// SizeMismatchError is returned when the claimed length of a buffer is not
// its actual length.
type SizeMismatchError struct {
	Region  Region
	Claimed int
	Actual  int
	Site    CallSite
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("%s: region %s: buffer is %d bytes, but %d bytes were claimed", e.Site, e.Region, e.Actual, e.Claimed)
}

// RegionTooLargeError is returned when a buffer does not fit in a region
type RegionTooLargeError struct {
	Region Region
	Size   int64
	Limit  int64
	Site   CallSite
}

func (e *RegionTooLargeError) Error() string {
	return fmt.Sprintf("%s: region %s: %s exceeds the region size limit of %s",
		e.Site, e.Region, humanize.IBytes(uint64(e.Size)), humanize.IBytes(uint64(e.Limit)))
}

// DuplicateSymbolError is returned when one region is embedded twice
type DuplicateSymbolError struct {
	Symbol string
	Region Region
	First  CallSite
	Second CallSite
}

func (e *DuplicateSymbolError) Error() string {
	return fmt.Sprintf("%s: symbol `%s` is already defined (region %s first embedded at %s)",
		e.Second, e.Symbol, e.Region, e.First)
}

// UndefinedSymbolError is returned when a region is read but never embedded
type UndefinedSymbolError struct {
	Symbol string
	Region Region
	Site   CallSite
}

func (e *UndefinedSymbolError) Error() string {
	return fmt.Sprintf("%s: undefined symbol `%s` (region %s is read but never embedded)", e.Site, e.Symbol, e.Region)
}

// Is lets errors.Is(err, ErrNotFound) match undefined symbols
func (e *UndefinedSymbolError) Is(target error) bool {
	return target == ErrNotFound
}

// TargetMismatchError is returned when an object built for one target is
// linked for another.
type TargetMismatchError struct {
	Symbol string
	Object Target
	Linker Target
	Site   CallSite
}

func (e *TargetMismatchError) Error() string {
	return fmt.Sprintf("%s: symbol `%s` was built for %s, linking for %s", e.Site, e.Symbol, e.Object, e.Linker)
}
