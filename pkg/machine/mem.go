package machine

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/exp/slices"
)

const pageSize = 0x1000

// pageCacheSize bounds the page-lookup cache. Exception-time accesses
// cluster around a handful of pages (stack, faulting code, packet
// targets), so a small cache absorbs nearly all region searches.
const pageCacheSize = 64

// Region describes one mapped range of the simulated address space.
type Region struct {
	Addr     uint32
	Size     uint32
	Writable bool
}

func (r Region) contains(addr uint32) bool {
	return addr-r.Addr < r.Size
}

// SparseMem is a paged sparse memory: regions declare what is mapped,
// pages are allocated on first touch. Accesses outside any region
// report a fault through the Memory interface.
type SparseMem struct {
	regions []Region
	pages   map[uint32][]byte
	cache   *lru.Cache // page base -> []byte, skips the region search
}

// NewSparseMem builds a memory from the given regions. Overlapping
// regions are rejected.
func NewSparseMem(regions ...Region) (*SparseMem, error) {
	cache, err := lru.New(pageCacheSize)
	if err != nil {
		return nil, err
	}
	m := &SparseMem{
		pages: make(map[uint32][]byte),
		cache: cache,
	}
	for _, r := range regions {
		if err := m.Map(r); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Map adds a region to the address space.
func (m *SparseMem) Map(r Region) error {
	if r.Size == 0 {
		return fmt.Errorf("empty region at %#x", r.Addr)
	}
	if r.Addr+r.Size < r.Addr {
		return fmt.Errorf("region at %#x wraps the address space", r.Addr)
	}
	for _, prev := range m.regions {
		if r.Addr < prev.Addr+prev.Size && prev.Addr < r.Addr+r.Size {
			return fmt.Errorf("region at %#x overlaps region at %#x", r.Addr, prev.Addr)
		}
	}
	m.regions = append(m.regions, r)
	slices.SortFunc(m.regions, func(a, b Region) bool {
		return a.Addr < b.Addr
	})
	return nil
}

func (m *SparseMem) region(addr uint32) *Region {
	i, _ := slices.BinarySearchFunc(m.regions, addr, func(r Region, addr uint32) int {
		switch {
		case r.contains(addr):
			return 0
		case r.Addr > addr:
			return 1
		default:
			return -1
		}
	})
	if i < len(m.regions) && m.regions[i].contains(addr) {
		return &m.regions[i]
	}
	return nil
}

// page returns the page backing addr, or nil when addr is unmapped.
func (m *SparseMem) page(addr uint32) []byte {
	base := addr &^ (pageSize - 1)
	if pg, ok := m.cache.Get(base); ok {
		return pg.([]byte)
	}
	r := m.region(addr)
	if r == nil {
		return nil
	}
	pg, ok := m.pages[base]
	if !ok {
		pg = make([]byte, pageSize)
		m.pages[base] = pg
	}
	// only pages a single region covers whole may skip the region
	// search; a partly mapped page must be checked on every access
	if r.contains(base) && r.contains(base+pageSize-1) {
		m.cache.Add(base, pg)
	}
	return pg
}

func (m *SparseMem) LoadByte(addr uint32) (byte, bool) {
	pg := m.page(addr)
	if pg == nil {
		return 0, false
	}
	return pg[addr&(pageSize-1)], true
}

func (m *SparseMem) StoreByte(addr uint32, v byte) bool {
	r := m.region(addr)
	if r == nil || !r.Writable {
		return false
	}
	pg := m.page(addr)
	pg[addr&(pageSize-1)] = v
	return true
}

// Load reads a little-endian value of the given width, faulting if any
// byte is unmapped.
func (m *SparseMem) Load(addr uint32, width int) (uint32, bool) {
	var v uint32
	for i := 0; i < width; i++ {
		b, ok := m.LoadByte(addr + uint32(i))
		if !ok {
			return 0, false
		}
		v |= uint32(b) << (8 * i)
	}
	return v, true
}

// Store writes a little-endian value of the given width.
func (m *SparseMem) Store(addr uint32, v uint32, width int) bool {
	for i := 0; i < width; i++ {
		if !m.StoreByte(addr+uint32(i), byte(v>>(8*i))) {
			return false
		}
	}
	return true
}

// LoadImage copies a program image into memory, ignoring region write
// protection. Used to place code before the machine starts.
func (m *SparseMem) LoadImage(addr uint32, image []byte) error {
	for i, b := range image {
		a := addr + uint32(i)
		pg := m.page(a)
		if pg == nil {
			return fmt.Errorf("image byte %d at %#x is outside mapped memory", i, a)
		}
		pg[a&(pageSize-1)] = b
	}
	return nil
}
