package exfat

import (
	"bytes"
	"testing"
)

func newTestFileContentManager(t *testing.T, clusterCount uint32, sectorsPerCluster uint32) *FileContentManager {
	t.Helper()

	cm := newTestClusterChainManager(t, clusterCount, sectorsPerCluster)
	return NewFileContentManager(cm)
}

func emptyFileMeta() FileMetadata {
	return FileMetadata{
		Name:         "F.TXT",
		FirstCluster: ClusterIDEOF,
	}
}

func TestFileContentManager_WriteThenReadRoundTrip(t *testing.T) {
	fc := newTestFileContentManager(t, 32, 1)

	meta := emptyFileMeta()
	payload := []byte("hello, exfat")

	updated, n, err := fc.WriteAt(meta, 0, payload)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(payload) {
		t.Fatalf("expected to write %d bytes, wrote %d", len(payload), n)
	}
	if updated.DataLength != uint64(len(payload)) {
		t.Fatalf("expected data length %d, got %d", len(payload), updated.DataLength)
	}

	buf := make([]byte, len(payload))
	got, err := fc.ReadAt(updated, 0, buf)
	if err != nil {
		t.Fatal(err)
	}
	if got != len(payload) {
		t.Fatalf("expected to read %d bytes, got %d", len(payload), got)
	}
	if !bytes.Equal(buf, payload) {
		t.Fatalf("read-back mismatch: %q != %q", buf, payload)
	}
}

func TestFileContentManager_WriteSpanningMultipleClusters(t *testing.T) {
	const sectorsPerCluster = 1
	fc := newTestFileContentManager(t, 32, sectorsPerCluster)

	clusterSize := int(fc.clusterBytes())
	payload := bytes.Repeat([]byte{0xab}, clusterSize*3+17)

	meta := emptyFileMeta()

	updated, n, err := fc.WriteAt(meta, 0, payload)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(payload) {
		t.Fatalf("expected to write %d bytes, wrote %d", len(payload), n)
	}

	buf := make([]byte, len(payload))
	got, err := fc.ReadAt(updated, 0, buf)
	if err != nil {
		t.Fatal(err)
	}
	if got != len(payload) {
		t.Fatalf("expected to read %d bytes, got %d", len(payload), got)
	}
	if !bytes.Equal(buf, payload) {
		t.Fatalf("read-back mismatch across cluster boundaries")
	}
}

func TestFileContentManager_WriteAtOffsetExpands(t *testing.T) {
	fc := newTestFileContentManager(t, 32, 1)

	meta := emptyFileMeta()

	updated, _, err := fc.WriteAt(meta, 0, []byte("abc"))
	if err != nil {
		t.Fatal(err)
	}

	// This offset lands in the next cluster, forcing Expand to run.
	farOffset := fc.clusterBytes() + 4
	updated, n, err := fc.WriteAt(updated, farOffset, []byte("xyz"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("expected 3 bytes written, got %d", n)
	}
	wantSize := farOffset + 3
	if updated.DataLength != wantSize {
		t.Fatalf("expected data length %d, got %d", wantSize, updated.DataLength)
	}

	buf := make([]byte, 3)
	if _, err := fc.ReadAt(updated, farOffset, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, []byte("xyz")) {
		t.Fatalf("unexpected tail bytes: %q", buf)
	}
}

func TestFileContentManager_ReadAtOrPastEndOfFileReturnsZero(t *testing.T) {
	fc := newTestFileContentManager(t, 32, 1)

	meta := emptyFileMeta()
	updated, _, err := fc.WriteAt(meta, 0, []byte("abc"))
	if err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 10)
	n, err := fc.ReadAt(updated, 3, buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected 0 bytes read at EOF, got %d", n)
	}
}

func TestFileContentManager_WriteRejectsReadOnly(t *testing.T) {
	fc := newTestFileContentManager(t, 32, 1)

	meta := emptyFileMeta()
	meta.Attributes = FileAttributes(1) // read-only

	_, _, err := fc.WriteAt(meta, 0, []byte("x"))
	if err == nil {
		t.Fatalf("expected a read-only error")
	}
}

func TestFileContentManager_WriteRejectsDirectory(t *testing.T) {
	fc := newTestFileContentManager(t, 32, 1)

	meta := emptyFileMeta()
	meta.IsDirectory = true

	_, _, err := fc.WriteAt(meta, 0, []byte("x"))
	if err == nil {
		t.Fatalf("expected a directory write error")
	}
}

func TestFileContentManager_Clear(t *testing.T) {
	fc := newTestFileContentManager(t, 32, 1)

	meta := emptyFileMeta()
	updated, _, err := fc.WriteAt(meta, 0, []byte("some content"))
	if err != nil {
		t.Fatal(err)
	}

	cleared, err := fc.Clear(updated)
	if err != nil {
		t.Fatal(err)
	}

	if cleared.DataLength != 0 {
		t.Fatalf("expected zero data length after clear, got %d", cleared.DataLength)
	}
	if cleared.FirstCluster != ClusterIDEOF {
		t.Fatalf("expected first cluster reset to EOF, got %d", cleared.FirstCluster)
	}
}
