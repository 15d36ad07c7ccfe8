/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

// Package pcheader locates and decodes the pclntab header (pcHeader) that the
// Go linker emits at the start of runtime.pclntab, and turns the offsets it
// holds into the absolute addresses of the funcnametab, cutab, filetab, pctab
// and pclntab sub-tables.
//
// The header layout changes between compiler releases. Layouts are described
// as data in a Registry, so supporting a new release means registering a magic
// and a field schema rather than adding code paths.
package pcheader

import (
	"fmt"
	"sort"
	"sync"

	"golang.org/x/exp/slices"
)

// VersionTag identifies a known pclntab layout.
type VersionTag string

// Tags are named after the first runtime version that emitted the magic.
const (
	Pclntab118 VersionTag = "1.18"
	Pclntab120 VersionTag = "1.20"
)

const (
	// https://github.com/golang/go/commit/d3ad216f8e7ea7699fe44990c65213c26aba907d
	MagicPclntab118 uint32 = 0xFFFFFFF0
	// https://github.com/golang/go/commit/0f8dffd0aa71ed996d32e77701ac5ec0bc7cde01
	MagicPclntab120 uint32 = 0xFFFFFFF1
)

// SchemaPcHeaderV0 is the pcHeader layout shared by the 1.18 and 1.20 magics.
const SchemaPcHeaderV0 = "pcHeaderV0"

// FieldRole says how a decoded header value is interpreted.
type FieldRole uint8

const (
	RoleRawByte FieldRole = iota
	RoleFixedMagic
	RoleCount
	RoleAbsoluteAddress
	RoleRelativeOffset
)

func (r FieldRole) String() string {
	switch r {
	case RoleRawByte:
		return "RawByte"
	case RoleFixedMagic:
		return "FixedMagic"
	case RoleCount:
		return "Count"
	case RoleAbsoluteAddress:
		return "AbsoluteAddress"
	case RoleRelativeOffset:
		return "RelativeOffset"
	}
	return fmt.Sprintf("FieldRole(%d)", uint8(r))
}

// FieldSpec describes one header field. Fields are laid out back to back in
// declaration order. Size is the width in bytes; when SizeFrom names an
// earlier field, that field's decoded value is the width instead.
type FieldSpec struct {
	Name     string
	Size     uint
	SizeFrom string
	Role     FieldRole
	Doc      string
}

// pcHeaderV0 follows runtime.pcHeader as of Go 1.18.
// https://github.com/golang/go/blob/5639fcae7fee2cf04c1b87e9a81155ee3bb6ed71/src/runtime/symtab.go#L395
var pcHeaderV0 = []FieldSpec{
	{Name: "magic", Size: 4, Role: RoleFixedMagic, Doc: "pclntab magic, selects the layout"},
	{Name: "pad0", Size: 1, Role: RoleRawByte, Doc: "first padding byte"},
	{Name: "pad1", Size: 1, Role: RoleRawByte, Doc: "second padding byte"},
	{Name: "minLC", Size: 1, Role: RoleRawByte, Doc: "min instruction size"},
	{Name: "ptrSize", Size: 1, Role: RoleRawByte, Doc: "size of a ptr in bytes"},
	{Name: "nfunc", Size: 4, Role: RoleCount, Doc: "number of functions in the module"},
	{Name: "nfiles", Size: 4, Role: RoleCount, Doc: "number of entries in the file tab"},
	{Name: "textStart", SizeFrom: "ptrSize", Role: RoleAbsoluteAddress, Doc: "base for function entry PC offsets in this module, equal to moduledata.text"},
	{Name: "funcnameOffset", SizeFrom: "ptrSize", Role: RoleRelativeOffset, Doc: "offset to the funcnametab variable from pcHeader"},
	{Name: "cuOffset", SizeFrom: "ptrSize", Role: RoleRelativeOffset, Doc: "offset to the cutab variable from pcHeader"},
	{Name: "filetabOffset", SizeFrom: "ptrSize", Role: RoleRelativeOffset, Doc: "offset to the filetab variable from pcHeader"},
	{Name: "pctabOffset", SizeFrom: "ptrSize", Role: RoleRelativeOffset, Doc: "offset to the pctab variable from pcHeader"},
	{Name: "pclnOffset", SizeFrom: "ptrSize", Role: RoleRelativeOffset, Doc: "offset to the pclntab variable from pcHeader"},
}

// RegistryEntry binds a magic to a tag and the tag to a schema name.
// Fields, when set, registers the schema itself under Schema.
type RegistryEntry struct {
	Magic  uint32
	Tag    VersionTag
	Schema string
	Fields []FieldSpec
}

// pcHeaderNative is pcHeaderV0 with nfunc and nfiles widened to ptrSize, the
// way the runtime declares them (int and uint). It differs from pcHeaderV0
// only for 64-bit modules.
var pcHeaderNative = func() []FieldSpec {
	fields := slices.Clone(pcHeaderV0)
	for i := range fields {
		if fields[i].Role == RoleCount {
			fields[i].Size = 0
			fields[i].SizeFrom = "ptrSize"
		}
	}
	return fields
}()

// SchemaPcHeaderNative names pcHeaderNative.
const SchemaPcHeaderNative = "pcHeaderNative"

var nativeEntries = []RegistryEntry{
	{Magic: MagicPclntab118, Tag: Pclntab118, Schema: SchemaPcHeaderNative, Fields: pcHeaderNative},
	{Magic: MagicPclntab120, Tag: Pclntab120, Schema: SchemaPcHeaderNative, Fields: pcHeaderNative},
}

var defaultEntries = []RegistryEntry{
	{Magic: MagicPclntab118, Tag: Pclntab118, Schema: SchemaPcHeaderV0, Fields: pcHeaderV0},
	{Magic: MagicPclntab120, Tag: Pclntab120, Schema: SchemaPcHeaderV0, Fields: pcHeaderV0},
}

// Registry maps magics to version tags and tags to field schemas.
// A Registry is never modified after construction, so it can be shared by
// any number of concurrent analyses without locking.
type Registry struct {
	magics    map[uint32]VersionTag
	tagMagic  map[VersionTag]uint32
	tagSchema map[VersionTag]string
	schemas   map[string][]FieldSpec
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the process-wide registry of the layouts this
// package knows about.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		reg, err := NewRegistry().With(defaultEntries...)
		if err != nil {
			panic(fmt.Sprintf("pcheader: invalid built-in registry: %v", err))
		}
		defaultRegistry = reg
	})
	return defaultRegistry
}

var (
	nativeRegistry     *Registry
	nativeRegistryOnce sync.Once
)

// NativeRegistry returns a registry binding the same magics and tags as
// DefaultRegistry to pcHeaderNative. Use it for headers emitted by a 64-bit
// linker.
func NativeRegistry() *Registry {
	nativeRegistryOnce.Do(func() {
		reg, err := NewRegistry().With(nativeEntries...)
		if err != nil {
			panic(fmt.Sprintf("pcheader: invalid native registry: %v", err))
		}
		nativeRegistry = reg
	})
	return nativeRegistry
}

// RegistryForLayout returns DefaultRegistry for "v0" (or "") and
// NativeRegistry for "native".
func RegistryForLayout(layout string) (*Registry, error) {
	switch layout {
	case "", "v0":
		return DefaultRegistry(), nil
	case "native":
		return NativeRegistry(), nil
	}
	return nil, fmt.Errorf("unknown header layout %q (want v0 or native)", layout)
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		magics:    map[uint32]VersionTag{},
		tagMagic:  map[VersionTag]uint32{},
		tagSchema: map[VersionTag]string{},
		schemas:   map[string][]FieldSpec{},
	}
}

// With returns a new registry holding r's entries plus the given ones.
// r itself is left untouched. Entries that repeat an existing binding
// exactly are accepted; entries that would change one fail with
// ErrRegistryConflict.
func (r *Registry) With(entries ...RegistryEntry) (*Registry, error) {
	next := r.clone()
	for _, entry := range entries {
		if err := next.add(entry); err != nil {
			return nil, err
		}
	}
	return next, nil
}

func (r *Registry) clone() *Registry {
	next := NewRegistry()
	for k, v := range r.magics {
		next.magics[k] = v
	}
	for k, v := range r.tagMagic {
		next.tagMagic[k] = v
	}
	for k, v := range r.tagSchema {
		next.tagSchema[k] = v
	}
	// schema slices are immutable once registered
	for k, v := range r.schemas {
		next.schemas[k] = v
	}
	return next
}

func (r *Registry) add(entry RegistryEntry) error {
	if entry.Tag == "" {
		return fmt.Errorf("registry entry for magic 0x%08x has no tag", entry.Magic)
	}
	if entry.Schema == "" {
		return fmt.Errorf("registry entry %s has no schema name", entry.Tag)
	}

	if tag, ok := r.magics[entry.Magic]; ok && tag != entry.Tag {
		return fmt.Errorf("%w: magic 0x%08x already maps to %s", ErrRegistryConflict, entry.Magic, tag)
	}
	if magic, ok := r.tagMagic[entry.Tag]; ok && magic != entry.Magic {
		return fmt.Errorf("%w: tag %s already uses magic 0x%08x", ErrRegistryConflict, entry.Tag, magic)
	}
	if schema, ok := r.tagSchema[entry.Tag]; ok && schema != entry.Schema {
		return fmt.Errorf("%w: tag %s already uses schema %s", ErrRegistryConflict, entry.Tag, schema)
	}

	if entry.Fields != nil {
		if existing, ok := r.schemas[entry.Schema]; ok {
			if !slices.Equal(existing, entry.Fields) {
				return fmt.Errorf("%w: schema %s already registered with different fields", ErrRegistryConflict, entry.Schema)
			}
		} else {
			if err := validateSchema(entry.Schema, entry.Fields); err != nil {
				return err
			}
			r.schemas[entry.Schema] = slices.Clone(entry.Fields)
		}
	}

	r.magics[entry.Magic] = entry.Tag
	r.tagMagic[entry.Tag] = entry.Magic
	r.tagSchema[entry.Tag] = entry.Schema
	return nil
}

func validateSchema(name string, fields []FieldSpec) error {
	seen := make(map[string]FieldSpec, len(fields))
	magics := 0
	for i, field := range fields {
		if field.Name == "" {
			return fmt.Errorf("schema %s: field %d has no name", name, i)
		}
		if _, dup := seen[field.Name]; dup {
			return fmt.Errorf("schema %s: duplicate field %s", name, field.Name)
		}

		if field.SizeFrom != "" {
			src, ok := seen[field.SizeFrom]
			if !ok {
				return fmt.Errorf("schema %s: field %s takes its size from %s, which is not declared before it", name, field.Name, field.SizeFrom)
			}
			if src.Role != RoleRawByte && src.Role != RoleCount {
				return fmt.Errorf("schema %s: field %s takes its size from %s field %s", name, field.Name, src.Role, src.Name)
			}
		} else if !validWidth(uint64(field.Size)) {
			return fmt.Errorf("schema %s: field %s has unsupported size %d", name, field.Name, field.Size)
		}

		if field.Role == RoleFixedMagic {
			magics++
			if field.Size != 4 || field.SizeFrom != "" {
				return fmt.Errorf("schema %s: magic field %s must be 4 bytes wide", name, field.Name)
			}
		}
		seen[field.Name] = field
	}
	if magics != 1 {
		return fmt.Errorf("schema %s: expected exactly one magic field, found %d", name, magics)
	}
	return nil
}

func validWidth(size uint64) bool {
	switch size {
	case 1, 2, 4, 8:
		return true
	}
	return false
}

// Lookup resolves a magic value to its version tag.
func (r *Registry) Lookup(magic uint32) (VersionTag, error) {
	tag, ok := r.magics[magic]
	if !ok {
		return "", &UnknownMagicError{Magic: magic}
	}
	return tag, nil
}

// Schema returns the ordered field layout for tag. The returned slice is a copy.
func (r *Registry) Schema(tag VersionTag) ([]FieldSpec, error) {
	name, ok := r.tagSchema[tag]
	if !ok {
		return nil, &UnsupportedVersionError{Tag: tag}
	}
	fields, ok := r.schemas[name]
	if !ok {
		return nil, &UnsupportedVersionError{Tag: tag, Schema: name}
	}
	return slices.Clone(fields), nil
}

// SchemaName returns the name of the schema registered for tag.
func (r *Registry) SchemaName(tag VersionTag) (string, bool) {
	name, ok := r.tagSchema[tag]
	return name, ok
}

// Magic returns the magic registered for tag.
func (r *Registry) Magic(tag VersionTag) (uint32, bool) {
	magic, ok := r.tagMagic[tag]
	return magic, ok
}

// Magics returns every registered magic in ascending order.
func (r *Registry) Magics() []uint32 {
	magics := make([]uint32, 0, len(r.magics))
	for magic := range r.magics {
		magics = append(magics, magic)
	}
	sort.Slice(magics, func(i, j int) bool { return magics[i] < magics[j] })
	return magics
}

// Tags returns every registered tag in ascending order of its magic.
func (r *Registry) Tags() []VersionTag {
	var tags []VersionTag
	for _, magic := range r.Magics() {
		tags = append(tags, r.magics[magic])
	}
	return tags
}
