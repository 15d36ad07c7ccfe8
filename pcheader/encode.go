/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/
package pcheader

import (
	"encoding/binary"
	"fmt"
)

// BuildHeader lays out a record for tag from named values, the way the
// linker would. The magic field defaults to the tag's registered magic and
// every other field defaults to zero. Values that do not fit their field
// width are rejected.
func (r *Registry) BuildHeader(tag VersionTag, values map[string]uint64) (*HeaderRecord, error) {
	specs, err := r.Schema(tag)
	if err != nil {
		return nil, err
	}
	schema, _ := r.SchemaName(tag)
	magic, _ := r.Magic(tag)

	known := make(map[string]bool, len(specs))
	rec := newHeaderRecord(tag, schema)
	var offset uint64
	for _, spec := range specs {
		known[spec.Name] = true
		width, err := rec.widthOf(spec, 0)
		if err != nil {
			return nil, err
		}

		value, ok := values[spec.Name]
		if spec.Role == RoleFixedMagic {
			if ok && value != uint64(magic) {
				return nil, fmt.Errorf("field %s: 0x%x is not the magic registered for %s", spec.Name, value, tag)
			}
			value = uint64(magic)
		}
		if width < 8 && value>>(8*width) != 0 {
			return nil, fmt.Errorf("field %s: 0x%x does not fit in %d bytes", spec.Name, value, width)
		}

		rec.add(Field{FieldSpec: spec, Offset: offset, Width: width, Value: value})
		offset += width
	}

	for name := range values {
		if !known[name] {
			return nil, fmt.Errorf("schema %s has no field %s", schema, name)
		}
	}
	return rec, nil
}

// EncodeHeader serializes rec back into the little-endian layout ParseHeader reads.
func EncodeHeader(rec *HeaderRecord) []byte {
	buf := make([]byte, rec.ConsumedBytes)
	for _, f := range rec.Fields() {
		dst := buf[f.Offset : f.Offset+f.Width]
		switch f.Width {
		case 1:
			dst[0] = byte(f.Value)
		case 2:
			binary.LittleEndian.PutUint16(dst, uint16(f.Value))
		case 4:
			binary.LittleEndian.PutUint32(dst, uint32(f.Value))
		case 8:
			binary.LittleEndian.PutUint64(dst, f.Value)
		}
	}
	return buf
}
