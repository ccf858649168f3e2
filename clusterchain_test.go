package exfat

import (
	"testing"

	"github.com/oranix/go-xfat/internal/blockdev"
)

func newTestClusterChainManager(t *testing.T, clusterCount uint32, sectorsPerCluster uint32) *ClusterChainManager {
	t.Helper()

	const blockSize = 512

	fatBlocks := uint32(4)
	bitmapBlocks := uint32(4)
	heapOffset := fatBlocks + bitmapBlocks

	md := blockdev.NewMemoryDevice(blockSize, heapOffset+clusterCount*sectorsPerCluster)
	bcm := NewBlockCacheManager(md, DefaultCacheCapacity)

	fat := NewFileAllocationTable(bcm, 0, fatBlocks, 9)
	if err := FormatFAT(fat); err != nil {
		t.Fatal(err)
	}

	bitmap, err := FormatClusterBitmap(bcm, fatBlocks, blockSize, clusterCount)
	if err != nil {
		t.Fatal(err)
	}

	return NewClusterChainManager(bcm, bitmap, fat, heapOffset, sectorsPerCluster)
}

func TestClusterChainManager_AllocateChainContiguous(t *testing.T) {
	cm := newTestClusterChainManager(t, 32, 1)

	head, isFragment, err := cm.AllocateChain(ClusterIDEOF, 4, false)
	if err != nil {
		t.Fatal(err)
	}
	if isFragment {
		t.Fatalf("expected a contiguous allocation on an empty bitmap")
	}

	// A contiguous chain writes no FAT successor pointers; its clusters are
	// found arithmetically from head. Confirm they were actually marked
	// allocated in the bitmap.
	for id := head; id < head+4; id++ {
		allocated, err := cm.bitmap.IsAllocated(id)
		if err != nil {
			t.Fatal(err)
		}
		if !allocated {
			t.Fatalf("cluster (%d) should be allocated", id)
		}
	}
}

func TestClusterChainManager_AppendClusterStaysContiguous(t *testing.T) {
	cm := newTestClusterChainManager(t, 32, 1)

	head, isFragment, err := cm.AllocateChain(ClusterIDEOF, 2, false)
	if err != nil {
		t.Fatal(err)
	}
	if isFragment {
		t.Fatalf("expected contiguous chain")
	}

	tail := head + 1

	next, isFragment, err := cm.AppendCluster(head, 2, tail, false)
	if err != nil {
		t.Fatal(err)
	}
	if isFragment {
		t.Fatalf("appending the immediately-following cluster should stay contiguous")
	}
	if next != tail+1 {
		t.Fatalf("expected contiguous successor (%d), got (%d)", tail+1, next)
	}
}

func TestClusterChainManager_AppendClusterPromotesToFragmented(t *testing.T) {
	cm := newTestClusterChainManager(t, 32, 1)

	head, _, err := cm.AllocateChain(ClusterIDEOF, 2, false)
	if err != nil {
		t.Fatal(err)
	}

	tail := head + 1

	// Occupy the immediately-following cluster so the next append cannot
	// stay contiguous.
	if _, err := cm.bitmap.Allocate(tail + 1); err != nil {
		t.Fatal(err)
	}

	next, isFragment, err := cm.AppendCluster(head, 2, tail, false)
	if err != nil {
		t.Fatal(err)
	}
	if !isFragment {
		t.Fatalf("expected the chain to be promoted to fragmented")
	}

	// The prefix must now carry real FAT successor pointers.
	got, ok, err := cm.fat.GetNext(head)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || got != tail {
		t.Fatalf("expected head -> tail FAT link after promotion, got (%d, %v)", got, ok)
	}

	gotNext, ok, err := cm.fat.GetNext(tail)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || gotNext != next {
		t.Fatalf("expected tail -> new cluster FAT link, got (%d, %v)", gotNext, ok)
	}
}

func TestClusterChainManager_FreeChainFragmented(t *testing.T) {
	cm := newTestClusterChainManager(t, 32, 1)

	head, _, err := cm.AllocateChain(ClusterIDEOF, 2, false)
	if err != nil {
		t.Fatal(err)
	}

	// Force fragmentation so FreeChain must walk the FAT.
	other, err := cm.bitmap.Allocate(head + 5)
	if err != nil {
		t.Fatal(err)
	}
	_ = other

	if err := cm.fat.SetNext(head, head+5); err != nil {
		t.Fatal(err)
	}
	if err := cm.fat.SetNext(head+5, ClusterIDEOF); err != nil {
		t.Fatal(err)
	}

	if err := cm.FreeChain(head, 2, true); err != nil {
		t.Fatal(err)
	}

	for _, id := range []uint32{head, head + 5} {
		allocated, err := cm.bitmap.IsAllocated(id)
		if err != nil {
			t.Fatal(err)
		}
		if allocated {
			t.Fatalf("cluster (%d) should have been freed", id)
		}
	}
}

func TestClusterChainManager_FreeChainContiguous(t *testing.T) {
	cm := newTestClusterChainManager(t, 32, 1)

	head, isFragment, err := cm.AllocateChain(ClusterIDEOF, 3, false)
	if err != nil {
		t.Fatal(err)
	}
	if isFragment {
		t.Fatalf("expected contiguous chain")
	}

	if err := cm.FreeChain(head, 3, false); err != nil {
		t.Fatal(err)
	}

	for id := head; id < head+3; id++ {
		allocated, err := cm.bitmap.IsAllocated(id)
		if err != nil {
			t.Fatal(err)
		}
		if allocated {
			t.Fatalf("cluster (%d) should have been freed", id)
		}
	}
}

func TestClusterChainManager_AllocateChainOutOfSpace(t *testing.T) {
	cm := newTestClusterChainManager(t, 4, 1)

	_, _, err := cm.AllocateChain(ClusterIDEOF, 8, false)
	if err == nil {
		t.Fatalf("expected an out-of-space error")
	}
}
