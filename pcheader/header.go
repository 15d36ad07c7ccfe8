/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/
package pcheader

import (
	"encoding/binary"
	"fmt"

	"github.com/elliotchance/orderedmap"
)

// magicSize is the width of the magic that opens every pclntab header.
const magicSize = 4

// Field is one decoded header field.
type Field struct {
	FieldSpec
	Offset uint64 // from the header base
	Width  uint64 // bytes actually decoded
	Value  uint64
}

// HeaderRecord holds the decoded fields of one pcHeader, keyed by name and
// kept in schema order.
type HeaderRecord struct {
	Tag           VersionTag
	Schema        string
	ConsumedBytes uint64

	fields *orderedmap.OrderedMap // name -> Field
}

func newHeaderRecord(tag VersionTag, schema string) *HeaderRecord {
	return &HeaderRecord{
		Tag:    tag,
		Schema: schema,
		fields: orderedmap.NewOrderedMap(),
	}
}

func (h *HeaderRecord) add(f Field) {
	h.fields.Set(f.Name, f)
	h.ConsumedBytes = f.Offset + f.Width
}

// Field returns the named field.
func (h *HeaderRecord) Field(name string) (Field, bool) {
	v, ok := h.fields.Get(name)
	if !ok {
		return Field{}, false
	}
	return v.(Field), true
}

// Value returns the decoded value of the named field.
func (h *HeaderRecord) Value(name string) (uint64, bool) {
	f, ok := h.Field(name)
	return f.Value, ok
}

// Offset returns where the named field is stored, relative to the header base.
func (h *HeaderRecord) Offset(name string) (uint64, bool) {
	f, ok := h.Field(name)
	return f.Offset, ok
}

// Fields returns all fields in schema order.
func (h *HeaderRecord) Fields() []Field {
	fields := make([]Field, 0, h.fields.Len())
	for el := h.fields.Front(); el != nil; el = el.Next() {
		fields = append(fields, el.Value.(Field))
	}
	return fields
}

// Len is the number of decoded fields.
func (h *HeaderRecord) Len() int {
	return h.fields.Len()
}

// Equal reports whether two records hold the same tag, layout and values.
func (h *HeaderRecord) Equal(other *HeaderRecord) bool {
	if h == nil || other == nil {
		return h == other
	}
	if h.Tag != other.Tag || h.Schema != other.Schema || h.ConsumedBytes != other.ConsumedBytes || h.Len() != other.Len() {
		return false
	}
	a, b := h.Fields(), other.Fields()
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// widthOf returns the byte width of spec, resolving SizeFrom against the
// fields decoded so far.
func (h *HeaderRecord) widthOf(spec FieldSpec, base uint64) (uint64, error) {
	if spec.SizeFrom == "" {
		return uint64(spec.Size), nil
	}
	width, ok := h.Value(spec.SizeFrom)
	if !ok {
		return 0, &LayoutMismatchError{Field: spec.Name, Addr: base + h.ConsumedBytes, Reason: fmt.Sprintf("size field %s not decoded", spec.SizeFrom)}
	}
	if !validWidth(width) {
		src, _ := h.Field(spec.SizeFrom)
		return 0, &LayoutMismatchError{
			Field:  spec.Name,
			Addr:   base + src.Offset,
			Size:   width,
			Reason: fmt.Sprintf("%s %d is not a decodable width", spec.SizeFrom, width),
		}
	}
	return width, nil
}

func decodeUint(raw []byte) uint64 {
	switch len(raw) {
	case 1:
		return uint64(raw[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(raw))
	case 4:
		return uint64(binary.LittleEndian.Uint32(raw))
	case 8:
		return binary.LittleEndian.Uint64(raw)
	}
	panic(fmt.Sprintf("pcheader: cannot decode %d byte integer", len(raw)))
}

// readExact reads size bytes at addr. The range must already be known to lie
// inside the module.
func readExact(bytes ByteAccessor, addr uint64, size uint64, field string) ([]byte, error) {
	raw, err := bytes.ReadAt(addr, int(size))
	if err != nil {
		return nil, &MemoryAccessError{Addr: addr, Size: size, Err: err}
	}
	if uint64(len(raw)) < size {
		return nil, &LayoutMismatchError{
			Field:  field,
			Addr:   addr,
			Size:   size,
			Reason: fmt.Sprintf("only %d bytes mapped", len(raw)),
		}
	}
	return raw[:size], nil
}

// ParseHeader decodes the header at base using the schema registered for tag.
// Every read is checked against bounds before the accessor is consulted.
func (r *Registry) ParseHeader(bytes ByteAccessor, base uint64, bounds Bounds, tag VersionTag) (*HeaderRecord, error) {
	if err := bounds.validate(); err != nil {
		return nil, err
	}
	specs, err := r.Schema(tag)
	if err != nil {
		return nil, err
	}
	schema, _ := r.SchemaName(tag)
	magic, _ := r.Magic(tag)

	rec := newHeaderRecord(tag, schema)
	var offset uint64
	for _, spec := range specs {
		width, err := rec.widthOf(spec, base)
		if err != nil {
			return nil, err
		}

		addr := base + offset
		if addr < base || !bounds.ContainsRange(addr, width) {
			return nil, &LayoutMismatchError{
				Field:  spec.Name,
				Addr:   addr,
				Size:   width,
				Reason: fmt.Sprintf("read exceeds module bounds %s", bounds),
			}
		}

		raw, err := readExact(bytes, addr, width, spec.Name)
		if err != nil {
			return nil, err
		}
		value := decodeUint(raw)

		if spec.Role == RoleFixedMagic && value != uint64(magic) {
			return nil, &LayoutMismatchError{
				Field:  spec.Name,
				Addr:   addr,
				Size:   width,
				Reason: fmt.Sprintf("magic 0x%08x does not match 0x%08x registered for %s", value, magic, tag),
			}
		}

		rec.add(Field{FieldSpec: spec, Offset: offset, Width: width, Value: value})
		offset += width
	}
	return rec, nil
}
