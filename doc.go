// Package sectembed places the exact bytes of a small resource, such as an
// Info.plist, in a named region of a binary, where tools that read the
// binary's structure find it without running the program.
//
// An Embedder turns a buffer into an Object: a fixed-size block bound to a
// retained global symbol whose name depends only on the region. A Linker
// combines objects into an Image and rejects two objects for one region, or
// a required region that nothing defines, before anything runs. A Reader
// maps a linked binary read-only and returns a View of a region: the bytes
// between the region's symbol and its end-of-region boundary.
//
// Regions map onto object files like this:
//
//	Mach-O  region "SEG,sect"  boundaries section$start$SEG$sect, section$end$SEG$sect
//	ELF     region "name"      boundaries __start_name, __stop_name
//
// PE has no boundary symbols and is not supported.
package sectembed
