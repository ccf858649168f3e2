package exfat

import (
	"testing"

	"github.com/oranix/go-xfat/internal/blockdev"
)

func newTestBitmap(t *testing.T, clusterCount uint32) *ClusterBitmap {
	t.Helper()

	md := blockdev.NewMemoryDevice(512, 8)
	bcm := NewBlockCacheManager(md, DefaultCacheCapacity)

	cb, err := FormatClusterBitmap(bcm, 0, 512, clusterCount)
	if err != nil {
		t.Fatal(err)
	}

	return cb
}

func TestFormatClusterBitmap_PreallocatesFixedClusters(t *testing.T) {
	cb := newTestBitmap(t, 64)

	for _, id := range []uint32{ClusterIDBitmap, ClusterIDUpCaseTable, ClusterIDRoot} {
		set, err := cb.IsAllocated(id)
		if err != nil {
			t.Fatal(err)
		}
		if !set {
			t.Fatalf("cluster (%d) should be preallocated", id)
		}
	}

	if cb.UsedClusterCount() != 3 {
		t.Fatalf("expected 3 used clusters, got %d", cb.UsedClusterCount())
	}
}

func TestClusterBitmap_AllocateAndFree(t *testing.T) {
	cb := newTestBitmap(t, 64)

	id, err := cb.Allocate(ClusterIDFirstValid)
	if err != nil {
		t.Fatal(err)
	}

	if id != 5 {
		t.Fatalf("expected first free cluster to be 5, got %d", id)
	}

	set, err := cb.IsAllocated(id)
	if err != nil {
		t.Fatal(err)
	}
	if !set {
		t.Fatalf("cluster (%d) should now be allocated", id)
	}

	if err := cb.Free(id); err != nil {
		t.Fatal(err)
	}

	set, err = cb.IsAllocated(id)
	if err != nil {
		t.Fatal(err)
	}
	if set {
		t.Fatalf("cluster (%d) should be free again", id)
	}
}

func TestClusterBitmap_AllocateHintPrefersContiguity(t *testing.T) {
	cb := newTestBitmap(t, 64)

	first, err := cb.Allocate(ClusterIDFirstValid)
	if err != nil {
		t.Fatal(err)
	}

	second, err := cb.Allocate(first + 1)
	if err != nil {
		t.Fatal(err)
	}

	if second != first+1 {
		t.Fatalf("expected contiguous allocation, got (%d) then (%d)", first, second)
	}
}

func TestClusterBitmap_AllocateWrapsAroundWhenTailIsFull(t *testing.T) {
	cb := newTestBitmap(t, 8)

	// Clusters 2,3,4 are preallocated; fill 5,6,7,8,9 entirely.
	for id := uint32(5); id <= 9; id++ {
		if _, err := cb.Allocate(id); err != nil {
			t.Fatal(err)
		}
	}

	// Free the earliest cluster so the wraparound phase has somewhere to
	// land.
	if err := cb.Free(5); err != nil {
		t.Fatal(err)
	}

	got, err := cb.Allocate(9)
	if err != nil {
		t.Fatal(err)
	}

	if got != 5 {
		t.Fatalf("expected wraparound to find cluster 5, got %d", got)
	}
}

func TestClusterBitmap_FreeUnallocatedReturnsError(t *testing.T) {
	cb := newTestBitmap(t, 64)

	if err := cb.Free(40); err == nil {
		t.Fatalf("expected Free of an unallocated cluster to return an error")
	}
}

func TestClusterBitmap_AllocateOutOfSpace(t *testing.T) {
	cb := newTestBitmap(t, 3)

	if _, err := cb.Allocate(ClusterIDFirstValid); err == nil {
		t.Fatalf("expected Allocate on a full bitmap to return an error")
	}
}
