package exfat

import (
	"testing"
	"time"
)

func TestEncodeDecodeEntrySet_RoundTrip(t *testing.T) {
	ct := time.Date(2024, time.March, 14, 9, 26, 30, 0, time.UTC)

	meta := FileMetadata{
		Name:         "HELLO.TXT",
		IsDirectory:  false,
		Attributes:   FileAttributes(0x20),
		CreateTime:   ct,
		ModifyTime:   ct,
		AccessTime:   ct,
		FirstCluster: 7,
		DataLength:   1024,
		ValidLength:  1024,
		NoFatChain:   true,
		NameHash:     HashName(GenerateUpCaseTable(), "HELLO.TXT"),
	}

	entries, err := EncodeEntrySet(meta)
	if err != nil {
		t.Fatal(err)
	}

	// File + Stream Extension + 1 name entry ("HELLO.TXT" is 9 code units).
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}

	decoded, err := DecodeEntrySet(entries)
	if err != nil {
		t.Fatal(err)
	}

	if decoded.Name != meta.Name {
		t.Fatalf("name mismatch: %q != %q", decoded.Name, meta.Name)
	}
	if decoded.IsDirectory != meta.IsDirectory {
		t.Fatalf("directory bit mismatch")
	}
	if decoded.FirstCluster != meta.FirstCluster {
		t.Fatalf("first cluster mismatch: %d != %d", decoded.FirstCluster, meta.FirstCluster)
	}
	if decoded.DataLength != meta.DataLength {
		t.Fatalf("data length mismatch: %d != %d", decoded.DataLength, meta.DataLength)
	}
	if decoded.NoFatChain != meta.NoFatChain {
		t.Fatalf("no-fat-chain bit mismatch")
	}
	if decoded.NameHash != meta.NameHash {
		t.Fatalf("name hash mismatch: 0x%04x != 0x%04x", decoded.NameHash, meta.NameHash)
	}
	if !decoded.CreateTime.Equal(ct) {
		t.Fatalf("create time mismatch: %v != %v", decoded.CreateTime, ct)
	}
}

func TestEncodeEntrySet_LongNameSpansMultipleEntries(t *testing.T) {
	longName := ""
	for i := 0; i < 20; i++ {
		longName += "X"
	}

	meta := FileMetadata{
		Name:        longName,
		CreateTime:  time.Now().UTC(),
		ModifyTime:  time.Now().UTC(),
		AccessTime:  time.Now().UTC(),
		FirstCluster: ClusterIDEOF,
	}

	entries, err := EncodeEntrySet(meta)
	if err != nil {
		t.Fatal(err)
	}

	// 20 code units need ceil(20/15) = 2 name entries, plus file + stream.
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}

	decoded, err := DecodeEntrySet(entries)
	if err != nil {
		t.Fatal(err)
	}

	if decoded.Name != longName {
		t.Fatalf("name did not round-trip: %q != %q", decoded.Name, longName)
	}
}

func TestDecodeEntrySet_RejectsChecksumMismatch(t *testing.T) {
	meta := FileMetadata{
		Name:        "A.TXT",
		CreateTime:  time.Now().UTC(),
		ModifyTime:  time.Now().UTC(),
		AccessTime:  time.Now().UTC(),
		FirstCluster: ClusterIDEOF,
	}

	entries, err := EncodeEntrySet(meta)
	if err != nil {
		t.Fatal(err)
	}

	// Corrupt a byte of the file name entry so the stored checksum no longer
	// matches.
	entries[2][4] ^= 0xff

	if _, err := DecodeEntrySet(entries); err == nil {
		t.Fatalf("expected a checksum mismatch error")
	}
}

func TestEncodeEntrySet_RejectsEmptyName(t *testing.T) {
	meta := FileMetadata{
		Name:        "",
		CreateTime:  time.Now().UTC(),
		ModifyTime:  time.Now().UTC(),
		AccessTime:  time.Now().UTC(),
	}

	if _, err := EncodeEntrySet(meta); err == nil {
		t.Fatalf("expected an error encoding an empty name")
	}
}
