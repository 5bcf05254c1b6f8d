package sectembed

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"howett.net/plist"
)

// Property list regions that macOS reads from a binary.
// Info.plist is needed to obtain certain permissions on macOS 10.15 and
// later, launchd.plist to make launchd daemons and user agents.
var (
	InfoPlist    = Region{Segment: "__TEXT", Section: "__info_plist"}
	LaunchdPlist = Region{Segment: "__TEXT", Section: "__launchd_plist"}
)

// ErrNotPlist is returned for content that is not a property list
var ErrNotPlist = errors.New("not a property list")

// CheckPlist accepts XML and binary property lists that parse. Text
// (OpenStep) property lists are not accepted in a binary.
func CheckPlist(data []byte) error {
	trimmed := bytes.TrimLeft(data, " \t\r\n\ufeff")
	switch {
	case bytes.HasPrefix(data, []byte("bplist00")):
	case bytes.HasPrefix(trimmed, []byte("<?xml")), bytes.HasPrefix(trimmed, []byte("<plist")):
		if !bytes.Contains(trimmed, []byte("<plist")) {
			return fmt.Errorf("%w: XML without a <plist> element", ErrNotPlist)
		}
	default:
		return ErrNotPlist
	}
	var v interface{}
	if _, err := plist.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("%w: %v", ErrNotPlist, err)
	}
	return nil
}

// EmbedInfoPlist embeds an Info.plist in __TEXT,__info_plist. The bytes are
// embedded as given; use CheckPlist first to validate them.
// Only one Info.plist may be embedded in a program.
func (e *Embedder) EmbedInfoPlist(data []byte) (*Object, error) {
	return e.EmbedAt(callerSite(1), InfoPlist, data, len(data))
}

// EmbedLaunchdPlist embeds a launchd.plist in __TEXT,__launchd_plist, as
// given. Only one launchd.plist may be embedded in a program.
func (e *Embedder) EmbedLaunchdPlist(data []byte) (*Object, error) {
	return e.EmbedAt(callerSite(1), LaunchdPlist, data, len(data))
}

// EmbedInfoPlistFile embeds the Info.plist file at path
func (e *Embedder) EmbedInfoPlistFile(path string) (*Object, error) {
	return e.embedPlistFile(InfoPlist, path)
}

// EmbedLaunchdPlistFile embeds the launchd.plist file at path
func (e *Embedder) EmbedLaunchdPlistFile(path string) (*Object, error) {
	return e.embedPlistFile(LaunchdPlist, path)
}

func (e *Embedder) embedPlistFile(r Region, path string) (*Object, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s for region %s: %w", path, r, err)
	}
	return e.EmbedAt(CallSite{File: path}, r, data, len(data))
}

// GetInfoPlist returns the Info.plist embedded in the image
func (r *Reader) GetInfoPlist() (View, error) {
	return r.Read(InfoPlist)
}

// GetLaunchdPlist returns the launchd.plist embedded in the image
func (r *Reader) GetLaunchdPlist() (View, error) {
	return r.Read(LaunchdPlist)
}
