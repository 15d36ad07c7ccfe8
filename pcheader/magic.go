/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/
package pcheader

import (
	"encoding/binary"
	"fmt"
)

// DetectMagic resolves the first four bytes of raw, read little-endian as the
// linker writes them, to a version tag.
func (r *Registry) DetectMagic(raw []byte) (VersionTag, error) {
	if len(raw) < magicSize {
		return "", &LayoutMismatchError{
			Field:  "magic",
			Size:   magicSize,
			Reason: fmt.Sprintf("only %d bytes available", len(raw)),
		}
	}
	return r.Lookup(binary.LittleEndian.Uint32(raw))
}

// DetectAt reads the magic at addr and resolves it to a version tag.
// An unrecognized magic is an error: guessing a layout would corrupt every
// offset decoded after it.
func (r *Registry) DetectAt(bytes ByteAccessor, addr uint64, bounds Bounds) (VersionTag, error) {
	if err := bounds.validate(); err != nil {
		return "", err
	}
	if !bounds.ContainsRange(addr, magicSize) {
		return "", &LayoutMismatchError{
			Field:  "magic",
			Addr:   addr,
			Size:   magicSize,
			Reason: fmt.Sprintf("read exceeds module bounds %s", bounds),
		}
	}
	raw, err := readExact(bytes, addr, magicSize, "magic")
	if err != nil {
		return "", err
	}
	return r.DetectMagic(raw)
}
