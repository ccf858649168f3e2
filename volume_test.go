package exfat

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oranix/go-xfat/internal/blockdev"
)

const testVolumeSectors = 2048

func newTestVolume(t *testing.T) *Volume {
	t.Helper()

	md := blockdev.NewMemoryDevice(512, testVolumeSectors)

	v, err := FormatVolume(md, FormatParams{
		BytesPerSector:     512,
		SectorsPerCluster:  8,
		VolumeLength:       testVolumeSectors,
		VolumeLabel:        "TESTVOL",
		VolumeSerialNumber: 0x12345678,
	})
	if err != nil {
		t.Fatal(err)
	}

	return v
}

func TestMount_RoundTripsAFormattedVolume(t *testing.T) {
	md := blockdev.NewMemoryDevice(512, testVolumeSectors)

	_, err := FormatVolume(md, FormatParams{
		BytesPerSector:    512,
		SectorsPerCluster: 8,
		VolumeLength:      testVolumeSectors,
	})
	if err != nil {
		t.Fatal(err)
	}

	v, err := Mount(md)
	if err != nil {
		t.Fatal(err)
	}

	_, meta, found, err := v.Find("/")
	if err != nil {
		t.Fatal(err)
	}
	if !found || !meta.IsDirectory {
		t.Fatalf("expected root to resolve as a directory")
	}
}

func TestVolume_FindRootHasNoParent(t *testing.T) {
	v := newTestVolume(t)

	parent, meta, found, err := v.Find("/")
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatalf("expected root to be found")
	}
	if parent != nil {
		t.Fatalf("expected root to have no parent")
	}
	if !meta.IsDirectory {
		t.Fatalf("expected root to be a directory")
	}
}

func TestVolume_TouchThenFind(t *testing.T) {
	v := newTestVolume(t)

	parent, meta, err := v.Touch("/hello.txt", FileAttributes(0), MinTimestampMillis)
	if err != nil {
		t.Fatal(err)
	}
	if !parent.IsDirectory {
		t.Fatalf("expected parent metadata to describe the root directory")
	}
	if meta.Name != "hello.txt" {
		t.Fatalf("unexpected name: %q", meta.Name)
	}

	foundParent, entry, found, err := v.Find("/hello.txt")
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatalf("expected to find the newly touched file")
	}
	if foundParent == nil {
		t.Fatalf("expected a non-root entry to carry a parent")
	}
	if entry.Name != "hello.txt" {
		t.Fatalf("unexpected found name: %q", entry.Name)
	}
}

func TestVolume_TouchDirectoryAndNestedFile(t *testing.T) {
	v := newTestVolume(t)

	_, _, err := v.Touch("/sub", FileAttributes(16), MinTimestampMillis)
	if err != nil {
		t.Fatal(err)
	}

	_, meta, err := v.Touch("/sub/inner.txt", FileAttributes(0), MinTimestampMillis)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Name != "inner.txt" {
		t.Fatalf("unexpected name: %q", meta.Name)
	}

	_, found, foundOk, err := v.Find("/sub/inner.txt")
	if err != nil {
		t.Fatal(err)
	}
	if !foundOk {
		t.Fatalf("expected to resolve the nested file")
	}
	if found.IsDirectory {
		t.Fatalf("expected the nested entry to be a file")
	}
}

func TestVolume_TouchRejectsMissingParent(t *testing.T) {
	v := newTestVolume(t)

	_, _, err := v.Touch("/nope/inner.txt", FileAttributes(0), MinTimestampMillis)
	if err == nil {
		t.Fatalf("expected an error creating a file under a nonexistent parent")
	}
}

func TestVolume_TouchRejectsOutOfRangeTimestamp(t *testing.T) {
	v := newTestVolume(t)

	_, _, err := v.Touch("/x.txt", FileAttributes(0), MinTimestampMillis-1)
	if err == nil {
		t.Fatalf("expected a timestamp range error")
	}
}

func TestVolume_List(t *testing.T) {
	v := newTestVolume(t)

	for _, name := range []string{"/a.txt", "/b.txt", "/c.txt"} {
		if _, _, err := v.Touch(name, FileAttributes(0), MinTimestampMillis); err != nil {
			t.Fatal(err)
		}
	}

	metas, err := v.List("/")
	if err != nil {
		t.Fatal(err)
	}
	if len(metas) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(metas))
	}
}

func TestVolume_WriteReadUpdateMetadataRoundTrip(t *testing.T) {
	v := newTestVolume(t)

	parentMeta, meta, err := v.Touch("/data.bin", FileAttributes(0), MinTimestampMillis)
	require.NoError(t, err)

	payload := []byte("the quick brown fox")

	n, err := v.Write(&meta, 0, payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	require.NoError(t, v.UpdateMetadata(parentMeta, meta))

	_, refound, found, err := v.Find("/data.bin")
	require.NoError(t, err)
	require.True(t, found, "expected to re-find data.bin")
	require.Equal(t, uint64(len(payload)), refound.DataLength)

	buf := make([]byte, len(payload))
	got, err := v.Read(refound, 0, buf)
	require.NoError(t, err)
	require.Equal(t, len(payload), got)
	require.True(t, bytes.Equal(buf, payload), "read-back mismatch: %q != %q", buf, payload)
}

func TestVolume_ClearTruncatesContent(t *testing.T) {
	v := newTestVolume(t)

	parentMeta, meta, err := v.Touch("/data.bin", FileAttributes(0), MinTimestampMillis)
	if err != nil {
		t.Fatal(err)
	}

	n, err := v.Write(&meta, 0, []byte("some bytes"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 10 {
		t.Fatalf("expected to write 10 bytes, wrote %d", n)
	}
	if err := v.UpdateMetadata(parentMeta, meta); err != nil {
		t.Fatal(err)
	}

	cleared, err := v.Clear(meta, MinTimestampMillis)
	if err != nil {
		t.Fatal(err)
	}
	if cleared.DataLength != 0 {
		t.Fatalf("expected zero data length after clear, got %d", cleared.DataLength)
	}

	if err := v.UpdateMetadata(parentMeta, cleared); err != nil {
		t.Fatal(err)
	}

	_, refound, found, err := v.Find("/data.bin")
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatalf("expected data.bin to still exist")
	}
	if refound.DataLength != 0 {
		t.Fatalf("expected persisted zero data length, got %d", refound.DataLength)
	}
}

func TestVolume_DeleteRemovesEntry(t *testing.T) {
	v := newTestVolume(t)

	if _, _, err := v.Touch("/gone.txt", FileAttributes(0), MinTimestampMillis); err != nil {
		t.Fatal(err)
	}

	if err := v.Delete("/gone.txt"); err != nil {
		t.Fatal(err)
	}

	_, _, found, err := v.Find("/gone.txt")
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatalf("expected gone.txt to no longer be found")
	}
}

func TestVolume_DeleteRejectsNonEmptyDirectory(t *testing.T) {
	v := newTestVolume(t)

	if _, _, err := v.Touch("/dir", FileAttributes(16), MinTimestampMillis); err != nil {
		t.Fatal(err)
	}
	if _, _, err := v.Touch("/dir/child.txt", FileAttributes(0), MinTimestampMillis); err != nil {
		t.Fatal(err)
	}

	if err := v.Delete("/dir"); err == nil {
		t.Fatalf("expected deleting a non-empty directory to fail")
	}
}

func TestVolume_MoveRenamesEntry(t *testing.T) {
	v := newTestVolume(t)

	if _, _, err := v.Touch("/old.txt", FileAttributes(0), MinTimestampMillis); err != nil {
		t.Fatal(err)
	}

	_, moved, err := v.Move("/old.txt", "/new.txt", MinTimestampMillis)
	if err != nil {
		t.Fatal(err)
	}
	if moved.Name != "new.txt" {
		t.Fatalf("unexpected moved name: %q", moved.Name)
	}

	_, _, found, err := v.Find("/old.txt")
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatalf("expected old.txt to no longer resolve")
	}

	_, refound, found, err := v.Find("/new.txt")
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatalf("expected new.txt to resolve")
	}
	if refound.Name != "new.txt" {
		t.Fatalf("unexpected resolved name: %q", refound.Name)
	}
}

func TestVolume_MoveAcrossDirectories(t *testing.T) {
	v := newTestVolume(t)

	_, _, err := v.Touch("/dir", FileAttributes(16), MinTimestampMillis)
	require.NoError(t, err)
	_, _, err = v.Touch("/file.txt", FileAttributes(0), MinTimestampMillis)
	require.NoError(t, err)

	_, moved, err := v.Move("/file.txt", "/dir/file.txt", MinTimestampMillis)
	require.NoError(t, err)
	require.Equal(t, "file.txt", moved.Name)

	metas, err := v.List("/dir")
	require.NoError(t, err)
	require.Len(t, metas, 1)

	rootMetas, err := v.List("/")
	require.NoError(t, err)
	for _, m := range rootMetas {
		require.NotEqual(t, "file.txt", m.Name, "expected file.txt to no longer appear at root")
	}
}

func TestVolume_SyncFlushesCache(t *testing.T) {
	v := newTestVolume(t)

	if _, _, err := v.Touch("/a.txt", FileAttributes(0), MinTimestampMillis); err != nil {
		t.Fatal(err)
	}

	if err := v.Sync(); err != nil {
		t.Fatal(err)
	}
}
