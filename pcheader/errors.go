/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/
package pcheader

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRegistryConflict is returned by Registry.With when an entry would
	// change an already published magic, tag or schema.
	ErrRegistryConflict = errors.New("registry entry conflicts with a published entry")

	// ErrInvalidBounds is returned when a module address range is empty or inverted.
	ErrInvalidBounds = errors.New("invalid module bounds")
)

// UnknownMagicError is returned when a 4-byte header value matches no registered magic.
type UnknownMagicError struct {
	Magic uint32
}

func (e *UnknownMagicError) Error() string {
	return fmt.Sprintf("unknown pclntab magic 0x%08x", e.Magic)
}

// UnsupportedVersionError is returned when a tag is known but has no registered schema.
type UnsupportedVersionError struct {
	Tag    VersionTag
	Schema string
}

func (e *UnsupportedVersionError) Error() string {
	if e.Schema == "" {
		return fmt.Sprintf("pclntab version %s has no registered layout", e.Tag)
	}
	return fmt.Sprintf("pclntab version %s uses layout %s, which is not registered", e.Tag, e.Schema)
}

// LayoutMismatchError is returned when the bytes at the header location
// cannot hold the declared schema.
type LayoutMismatchError struct {
	Field  string
	Addr   uint64
	Size   uint64
	Reason string
}

func (e *LayoutMismatchError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("layout mismatch at 0x%x (%d bytes): %s", e.Addr, e.Size, e.Reason)
	}
	return fmt.Sprintf("layout mismatch in field %s at 0x%x (%d bytes): %s", e.Field, e.Addr, e.Size, e.Reason)
}

// OutOfBoundsOffsetError is returned when a relative offset resolves outside the module.
type OutOfBoundsOffsetError struct {
	Field  string
	Offset uint64
	Addr   uint64
	Bounds Bounds
}

func (e *OutOfBoundsOffsetError) Error() string {
	return fmt.Sprintf("%s 0x%x resolves to 0x%x, outside module %s", e.Field, e.Offset, e.Addr, e.Bounds)
}

// SymbolNotFoundError is returned when none of the anchor symbol names resolve.
type SymbolNotFoundError struct {
	Names []string
}

func (e *SymbolNotFoundError) Error() string {
	return fmt.Sprintf("symbol not found: %s", strings.Join(e.Names, ", "))
}

// RegionConflictError reports existing data at an address the materializer
// wanted to type. Under ConflictSkip it is a warning, under ConflictFail an error.
type RegionConflictError struct {
	Addr     uint64
	Schema   string
	Existing string // schema already present, empty for untyped data
}

func (e *RegionConflictError) Error() string {
	existing := e.Existing
	if existing == "" {
		existing = "untyped data"
	}
	return fmt.Sprintf("cannot create %s at 0x%x: %s already present", e.Schema, e.Addr, existing)
}

// MemoryAccessError wraps a failure of the ByteAccessor collaborator.
type MemoryAccessError struct {
	Addr uint64
	Size uint64
	Err  error
}

func (e *MemoryAccessError) Error() string {
	return fmt.Sprintf("failed to read %d bytes at 0x%x: %v", e.Size, e.Addr, e.Err)
}

func (e *MemoryAccessError) Unwrap() error { return e.Err }

// AnalysisError is the single outcome reported for an aborted module.
// It records the state the driver was in and the originating error.
type AnalysisError struct {
	State  State
	Anchor uint64
	Err    error
}

func (e *AnalysisError) Error() string {
	if e.Anchor == 0 {
		return fmt.Sprintf("pclntab analysis aborted in state %s: %v", e.State, e.Err)
	}
	return fmt.Sprintf("pclntab analysis of header at 0x%x aborted in state %s: %v", e.Anchor, e.State, e.Err)
}

func (e *AnalysisError) Unwrap() error { return e.Err }
