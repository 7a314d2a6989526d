package mempages

import "testing"

func TestMappedPagesOffsetOfAddress(t *testing.T) {
	p := NewMappedPages(0x1000, make([]byte, 0x2000), Present|Writable)

	off, ok := p.OffsetOfAddress(0x1800)
	if !ok || off != 0x800 {
		t.Fatalf("OffsetOfAddress(0x1800) = (%d, %v), want (0x800, true)", off, ok)
	}

	if _, ok := p.OffsetOfAddress(0x3000); ok {
		t.Fatalf("OffsetOfAddress(0x3000) should be out of range")
	}
	if _, ok := p.OffsetOfAddress(0xfff); ok {
		t.Fatalf("OffsetOfAddress(0xfff) should be below base")
	}
}

func TestMappedPagesWriteByteRequiresWritable(t *testing.T) {
	p := NewMappedPages(0x1000, make([]byte, 0x10), Present)
	if err := p.WriteByte(0, 0xff); err == nil {
		t.Fatalf("WriteByte on a read-only mapping should fail")
	}

	rw := NewMappedPages(0x1000, make([]byte, 0x10), Present|Writable)
	if err := rw.WriteByte(4, 0xff); err != nil {
		t.Fatalf("WriteByte: %v", err)
	}
	if rw.Bytes()[4] != 0xff {
		t.Fatalf("WriteByte didn't take effect")
	}
	if err := rw.WriteByte(0x10, 1); err == nil {
		t.Fatalf("WriteByte at out-of-range offset should fail")
	}
}

func TestMappedPagesDoubleUnmapPanics(t *testing.T) {
	p := NewMappedPages(0x1000, make([]byte, 0x10), Present)
	if err := p.Unmap(); err != nil {
		t.Fatalf("first Unmap: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Fatalf("second Unmap should panic")
		}
	}()
	_ = p.Unmap()
}

func TestSharedOffsetOfAddress(t *testing.T) {
	s := NewShared(NewMappedPages(0x2000, make([]byte, 0x1000), Present))
	off, ok := s.OffsetOfAddress(0x2100)
	if !ok || off != 0x100 {
		t.Fatalf("Shared.OffsetOfAddress = (%d, %v), want (0x100, true)", off, ok)
	}
	if s.Base() != 0x2000 {
		t.Fatalf("Shared.Base() = %#x, want 0x2000", s.Base())
	}
	if s.Size() != 0x1000 {
		t.Fatalf("Shared.Size() = %#x, want 0x1000", s.Size())
	}
}

func TestPageAligned(t *testing.T) {
	cases := []struct {
		addr uintptr
		want bool
	}{
		{0, true},
		{PGSIZE, true},
		{PGSIZE + 1, false},
		{PGSIZE / 2, false},
	}
	for _, c := range cases {
		if got := PageAligned(c.addr); got != c.want {
			t.Errorf("PageAligned(%#x) = %v, want %v", c.addr, got, c.want)
		}
	}
}
