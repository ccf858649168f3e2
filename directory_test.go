package exfat

import (
	"testing"
	"time"
)

// newTestDirectoryManager wires a DirectoryManager over a freshly formatted
// cluster heap and returns it alongside the DirectoryRef for a root directory
// occupying exactly one cluster (IsFragment=true, ClusterCount=0 so scans
// walk to chain exhaustion, mirroring Volume.rootMetadata/RootRef).
func newTestDirectoryManager(t *testing.T, clusterCount uint32, sectorsPerCluster uint32) (*DirectoryManager, DirectoryRef) {
	t.Helper()

	cm := newTestClusterChainManager(t, clusterCount, sectorsPerCluster)
	upcase := GenerateUpCaseTable()

	head, _, err := cm.AllocateChain(ClusterIDEOF, 1, false)
	if err != nil {
		t.Fatal(err)
	}

	// The ref below always describes this directory as fragmented (mirroring
	// RootRef), so its chain needs a real FAT terminator even though a
	// single-cluster AllocateChain call doesn't produce one on its own.
	if err := cm.fat.SetNext(head, ClusterIDEOF); err != nil {
		t.Fatal(err)
	}

	dm := NewDirectoryManager(cm, upcase)

	return dm, DirectoryRef{FirstCluster: head, IsFragment: true}
}

func testFileMeta(name string) FileMetadata {
	now := time.Now().UTC()
	return FileMetadata{
		Name:         name,
		CreateTime:   now,
		ModifyTime:   now,
		AccessTime:   now,
		FirstCluster: ClusterIDEOF,
	}
}

func TestDirectoryManager_CreateFindLookup(t *testing.T) {
	dm, root := newTestDirectoryManager(t, 32, 1)

	meta := testFileMeta("A.TXT")

	_, _, err := dm.Create(root, meta)
	if err != nil {
		t.Fatal(err)
	}

	got, found, err := dm.Lookup(root, "A.TXT")
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatalf("expected to find A.TXT")
	}
	if got.Name != "A.TXT" {
		t.Fatalf("unexpected name: %q", got.Name)
	}
}

func TestDirectoryManager_CreateRejectsDuplicateName(t *testing.T) {
	dm, root := newTestDirectoryManager(t, 32, 1)

	meta := testFileMeta("A.TXT")

	if _, _, err := dm.Create(root, meta); err != nil {
		t.Fatal(err)
	}

	if _, _, err := dm.Create(root, meta); err == nil {
		t.Fatalf("expected a duplicate-name error")
	}
}

func TestDirectoryManager_List(t *testing.T) {
	dm, root := newTestDirectoryManager(t, 32, 1)

	names := []string{"A.TXT", "B.TXT", "C.TXT"}
	for _, n := range names {
		if _, _, err := dm.Create(root, testFileMeta(n)); err != nil {
			t.Fatal(err)
		}
	}

	metas, err := dm.List(root)
	if err != nil {
		t.Fatal(err)
	}

	if len(metas) != len(names) {
		t.Fatalf("expected %d entries, got %d", len(names), len(metas))
	}
}

func TestDirectoryManager_DeleteThenLookupMisses(t *testing.T) {
	dm, root := newTestDirectoryManager(t, 32, 1)

	meta := testFileMeta("GONE.TXT")
	if _, _, err := dm.Create(root, meta); err != nil {
		t.Fatal(err)
	}

	if err := dm.Delete(root, "GONE.TXT"); err != nil {
		t.Fatal(err)
	}

	_, found, err := dm.Lookup(root, "GONE.TXT")
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatalf("expected GONE.TXT to no longer be found after delete")
	}
}

func TestDirectoryManager_ModifyPreservesNameUpdatesSize(t *testing.T) {
	dm, root := newTestDirectoryManager(t, 32, 1)

	meta := testFileMeta("GROW.TXT")
	if _, _, err := dm.Create(root, meta); err != nil {
		t.Fatal(err)
	}

	updated := meta
	updated.DataLength = 4096
	updated.ValidLength = 4096
	updated.FirstCluster = 9

	if err := dm.Modify(root, updated); err != nil {
		t.Fatal(err)
	}

	got, found, err := dm.Lookup(root, "GROW.TXT")
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatalf("expected GROW.TXT to still be found")
	}
	if got.DataLength != 4096 {
		t.Fatalf("expected updated data length 4096, got %d", got.DataLength)
	}
	if got.FirstCluster != 9 {
		t.Fatalf("expected updated first cluster 9, got %d", got.FirstCluster)
	}
}

func TestDirectoryManager_CreateGrowsChainWhenFull(t *testing.T) {
	// One sector per cluster leaves very little room (16 slots), so a
	// handful of creates forces Create to append a new cluster.
	dm, root := newTestDirectoryManager(t, 32, 1)

	for i := 0; i < 8; i++ {
		name := string(rune('A'+i)) + ".TXT"
		if _, _, err := dm.Create(root, testFileMeta(name)); err != nil {
			t.Fatal(err)
		}
	}

	metas, err := dm.List(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(metas) != 8 {
		t.Fatalf("expected 8 entries after chain growth, got %d", len(metas))
	}
}

func TestDirectoryManager_TidyCompactsDeletedSlots(t *testing.T) {
	dm, root := newTestDirectoryManager(t, 32, 1)

	for _, n := range []string{"A.TXT", "B.TXT", "C.TXT"} {
		if _, _, err := dm.Create(root, testFileMeta(n)); err != nil {
			t.Fatal(err)
		}
	}

	if err := dm.Delete(root, "B.TXT"); err != nil {
		t.Fatal(err)
	}

	if err := dm.Tidy(root); err != nil {
		t.Fatal(err)
	}

	metas, err := dm.List(root)
	if err != nil {
		t.Fatal(err)
	}

	if len(metas) != 2 {
		t.Fatalf("expected 2 surviving entries after tidy, got %d", len(metas))
	}
}
