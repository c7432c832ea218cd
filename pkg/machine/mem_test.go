package machine

import "testing"

func TestSparseMemLoadStore(t *testing.T) {
	m, err := NewSparseMem(
		Region{Addr: 0x1000, Size: 0x100, Writable: true},
		Region{Addr: 0x8000, Size: 0x100},
	)
	if err != nil {
		t.Fatal(err)
	}

	if !m.StoreByte(0x1010, 0xab) {
		t.Fatal("store to writable region failed")
	}
	b, ok := m.LoadByte(0x1010)
	if !ok || b != 0xab {
		t.Errorf("load = (%#x, %v), want (0xab, true)", b, ok)
	}

	// unmapped
	if _, ok := m.LoadByte(0x5000); ok {
		t.Error("load from unmapped address succeeded")
	}
	if m.StoreByte(0x5000, 1) {
		t.Error("store to unmapped address succeeded")
	}

	// read-only region
	if b, ok := m.LoadByte(0x8000); !ok || b != 0 {
		t.Errorf("read-only load = (%#x, %v), want (0, true)", b, ok)
	}
	if m.StoreByte(0x8000, 1) {
		t.Error("store to read-only region succeeded")
	}

	// region boundaries
	if _, ok := m.LoadByte(0x10ff); !ok {
		t.Error("load at last region byte failed")
	}
	if _, ok := m.LoadByte(0x1100); ok {
		t.Error("load one past region end succeeded")
	}
}

func TestSparseMemWideAccess(t *testing.T) {
	m, err := NewSparseMem(Region{Addr: 0x1000, Size: 0x2000, Writable: true})
	if err != nil {
		t.Fatal(err)
	}

	if !m.Store(0x1ffe, 0x11223344, 4) {
		t.Fatal("store across page boundary failed")
	}
	v, ok := m.Load(0x1ffe, 4)
	if !ok || v != 0x11223344 {
		t.Errorf("load = (%#x, %v), want (0x11223344, true)", v, ok)
	}

	// partial overlap with the end of the region faults
	if m.Store(0x2ffe, 0x1, 4) {
		t.Error("store straddling region end succeeded")
	}
}

func TestSparseMemOverlap(t *testing.T) {
	_, err := NewSparseMem(
		Region{Addr: 0x1000, Size: 0x1000},
		Region{Addr: 0x1800, Size: 0x1000},
	)
	if err == nil {
		t.Error("overlapping regions accepted")
	}

	m, err := NewSparseMem(Region{Addr: 0x1000, Size: 0x1000})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Map(Region{Addr: 0x1000, Size: 1}); err == nil {
		t.Error("duplicate region accepted")
	}
	if err := m.Map(Region{Addr: 0xffffffff, Size: 2}); err == nil {
		t.Error("wrapping region accepted")
	}
	if err := m.Map(Region{Addr: 0x3000, Size: 0}); err == nil {
		t.Error("empty region accepted")
	}
}

func TestLoadImage(t *testing.T) {
	m, err := NewSparseMem(Region{Addr: 0x1000, Size: 0x100})
	if err != nil {
		t.Fatal(err)
	}
	// images land even in read-only regions
	if err := m.LoadImage(0x1000, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	for i, want := range []byte{1, 2, 3} {
		if b, ok := m.LoadByte(0x1000 + uint32(i)); !ok || b != want {
			t.Errorf("byte %d = (%#x, %v), want %#x", i, b, ok, want)
		}
	}
	if err := m.LoadImage(0x10fe, []byte{1, 2, 3}); err == nil {
		t.Error("image spilling past the region accepted")
	}
}
