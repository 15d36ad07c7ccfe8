/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/
package objfile

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
)

const (
	DefaultPageSize   = 4096
	DefaultCachePages = 256
)

// Accessor reads the virtual address space of a File in fixed size pages,
// keeping recently used pages in an LRU cache. It implements
// pcheader.ByteAccessor and is safe for concurrent use.
type Accessor struct {
	raw      rawFile
	pageSize uint64
	pages    *lru.Cache // page address -> []byte, short at the end of a mapping
}

// Accessor returns a cached reader over f. pageSize must be a power of two.
func (f *File) Accessor(pageSize int, cachePages int) (*Accessor, error) {
	if pageSize <= 0 || pageSize&(pageSize-1) != 0 {
		return nil, fmt.Errorf("page size %d is not a power of two", pageSize)
	}
	pages, err := lru.New(cachePages)
	if err != nil {
		return nil, err
	}
	return &Accessor{raw: f.raw, pageSize: uint64(pageSize), pages: pages}, nil
}

func (a *Accessor) page(addr uint64) ([]byte, error) {
	if v, ok := a.pages.Get(addr); ok {
		return v.([]byte), nil
	}
	data, err := a.raw.read_memory(addr, a.pageSize)
	if err != nil {
		return nil, err
	}
	a.pages.Add(addr, data)
	return data, nil
}

// ReadAt returns up to n bytes at addr. Fewer bytes are returned when the
// mapping holding addr ends first.
func (a *Accessor) ReadAt(addr uint64, n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("negative read size %d", n)
	}
	out := make([]byte, 0, n)
	for len(out) < n {
		cur := addr + uint64(len(out))
		pageAddr := cur &^ (a.pageSize - 1)
		data, err := a.page(pageAddr)
		if err != nil {
			if len(out) > 0 {
				break
			}
			// the mapping may start inside the page
			return a.raw.read_memory(addr, uint64(n))
		}
		off := cur - pageAddr
		if off >= uint64(len(data)) {
			break
		}
		chunk := data[off:]
		if want := n - len(out); len(chunk) > want {
			chunk = chunk[:want]
		}
		out = append(out, chunk...)
		if uint64(len(data)) < a.pageSize {
			break
		}
	}
	return out, nil
}

// Len is the number of cached pages.
func (a *Accessor) Len() int {
	return a.pages.Len()
}
