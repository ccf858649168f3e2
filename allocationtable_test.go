package exfat

import (
	"testing"

	"github.com/oranix/go-xfat/internal/blockdev"
)

func newTestFAT(t *testing.T) *FileAllocationTable {
	t.Helper()

	md := blockdev.NewMemoryDevice(512, 4)
	bcm := NewBlockCacheManager(md, DefaultCacheCapacity)

	fat := NewFileAllocationTable(bcm, 0, 4, 9)

	if err := FormatFAT(fat); err != nil {
		t.Fatal(err)
	}

	return fat
}

func TestFormatFAT_StampsReservedEntries(t *testing.T) {
	fat := newTestFAT(t)

	cl, err := fat.bcm.Get(0)
	if err != nil {
		t.Fatal(err)
	}

	var e0, e1 uint32
	cl.Read(func(buf []byte) {
		e0 = defaultEncoding.Uint32(buf[0:4])
		e1 = defaultEncoding.Uint32(buf[4:8])
	})
	fat.bcm.Release(cl)

	if e0 != 0xfffffff8 {
		t.Fatalf("entry 0 not stamped: 0x%08x", e0)
	}
	if e1 != 0xffffffff {
		t.Fatalf("entry 1 not stamped: 0x%08x", e1)
	}
}

func TestFileAllocationTable_SetNextGetNextRoundTrip(t *testing.T) {
	fat := newTestFAT(t)

	if err := fat.SetNext(2, 5); err != nil {
		t.Fatal(err)
	}

	next, ok, err := fat.GetNext(2)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatalf("expected a resolvable entry")
	}
	if next != 5 {
		t.Fatalf("expected next=5, got %d", next)
	}
}

func TestFileAllocationTable_GetNextOnReservedIDs(t *testing.T) {
	fat := newTestFAT(t)

	for _, id := range []uint32{0, 1, ClusterIDBad, ClusterIDEOF} {
		_, ok, err := fat.GetNext(id)
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Fatalf("expected reserved cluster id (%d) to be unresolvable", id)
		}
	}
}

func TestFileAllocationTable_SetNextOnReservedIDReturnsError(t *testing.T) {
	fat := newTestFAT(t)

	if err := fat.SetNext(1, 2); err == nil {
		t.Fatalf("expected SetNext on a reserved cluster id to return an error")
	}
}
