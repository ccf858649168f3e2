package exfat

import (
	"testing"

	"github.com/oranix/go-xfat/internal/blockdev"
)

func TestBlockCacheManager_GetReadsThrough(t *testing.T) {
	md := blockdev.NewMemoryDevice(512, 4)

	seed := make([]byte, 512)
	seed[0] = 0xaa
	if err := md.WriteBlock(2, seed); err != nil {
		t.Fatal(err)
	}

	bcm := NewBlockCacheManager(md, DefaultCacheCapacity)

	cl, err := bcm.Get(2)
	if err != nil {
		t.Fatal(err)
	}

	var got byte
	cl.Read(func(buf []byte) {
		got = buf[0]
	})

	if got != 0xaa {
		t.Fatalf("expected 0xaa, got 0x%02x", got)
	}

	bcm.Release(cl)
}

func TestBlockCacheManager_ModifyMarksDirtyAndSyncs(t *testing.T) {
	md := blockdev.NewMemoryDevice(512, 4)
	bcm := NewBlockCacheManager(md, DefaultCacheCapacity)

	cl, err := bcm.Get(0)
	if err != nil {
		t.Fatal(err)
	}

	cl.Modify(func(buf []byte) {
		buf[1] = 0x42
	})

	bcm.Release(cl)

	if err := bcm.SyncAll(); err != nil {
		t.Fatal(err)
	}

	raw := make([]byte, 512)
	if err := md.ReadBlock(0, raw); err != nil {
		t.Fatal(err)
	}

	if raw[1] != 0x42 {
		t.Fatalf("write-back did not reach the device: 0x%02x", raw[1])
	}
}

func TestBlockCacheManager_EvictsLeastRecentlyUsed(t *testing.T) {
	md := blockdev.NewMemoryDevice(512, 8)
	bcm := NewBlockCacheManager(md, 2)

	cl0, err := bcm.Get(0)
	if err != nil {
		t.Fatal(err)
	}
	bcm.Release(cl0)

	cl1, err := bcm.Get(1)
	if err != nil {
		t.Fatal(err)
	}
	bcm.Release(cl1)

	// Pulling in block 2 should evict block 0, the least recently touched.
	cl2, err := bcm.Get(2)
	if err != nil {
		t.Fatal(err)
	}
	bcm.Release(cl2)

	if _, found := bcm.lines[0]; found {
		t.Fatalf("block 0 should have been evicted")
	}
	if _, found := bcm.lines[1]; !found {
		t.Fatalf("block 1 should still be cached")
	}
}

func TestBlockCacheManager_SkipsPinnedLineOnEviction(t *testing.T) {
	md := blockdev.NewMemoryDevice(512, 8)
	bcm := NewBlockCacheManager(md, 2)

	cl0, err := bcm.Get(0)
	if err != nil {
		t.Fatal(err)
	}
	// cl0 stays pinned (no Release).

	cl1, err := bcm.Get(1)
	if err != nil {
		t.Fatal(err)
	}
	bcm.Release(cl1)

	cl2, err := bcm.Get(2)
	if err != nil {
		t.Fatal(err)
	}
	bcm.Release(cl2)

	if _, found := bcm.lines[0]; !found {
		t.Fatalf("pinned block 0 should not have been evicted")
	}
	if _, found := bcm.lines[1]; found {
		t.Fatalf("block 1 should have been evicted instead of the pinned line")
	}

	bcm.Release(cl0)
}

func TestBlockCacheManager_DirectZeroBypassesAndUpdatesCache(t *testing.T) {
	md := blockdev.NewMemoryDevice(512, 4)
	bcm := NewBlockCacheManager(md, DefaultCacheCapacity)

	cl, err := bcm.Get(3)
	if err != nil {
		t.Fatal(err)
	}
	cl.Modify(func(buf []byte) {
		buf[0] = 0xff
	})
	bcm.Release(cl)

	if err := bcm.DirectZero(3); err != nil {
		t.Fatal(err)
	}

	cl, err = bcm.Get(3)
	if err != nil {
		t.Fatal(err)
	}

	var got byte
	cl.Read(func(buf []byte) {
		got = buf[0]
	})
	bcm.Release(cl)

	if got != 0 {
		t.Fatalf("expected cached line to reflect the zero-fill, got 0x%02x", got)
	}

	raw := make([]byte, 512)
	if err := md.ReadBlock(3, raw); err != nil {
		t.Fatal(err)
	}
	for _, b := range raw {
		if b != 0 {
			t.Fatalf("device block was not zero-filled")
		}
	}
}
