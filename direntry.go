package exfat

import (
	"time"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"

	"github.com/oranix/go-xfat/internal/names"
)

// Entry-type tag values (§4.7's on-disk entry-type table). The teacher only
// ever tests these bits through EntryType's accessor methods; naming the tags
// explicitly here is what the write path (building entries from scratch,
// rather than classifying ones already on disk) needs.
const (
	EntryTypeEndOfDirectory   EntryType = 0x00
	EntryTypeAllocationBitmap EntryType = 0x81
	EntryTypeUpcaseTable      EntryType = 0x82
	EntryTypeVolumeLabel      EntryType = 0x83
	EntryTypeVolumeGuid       EntryType = 0xa0
	EntryTypeTexFATPadding    EntryType = 0xa1
	EntryTypeFile             EntryType = 0x85
	EntryTypeStreamExtension  EntryType = 0xc0
	EntryTypeFileName         EntryType = 0xc1
	EntryTypeVendorExtension  EntryType = 0xe0
	EntryTypeVendorAllocation EntryType = 0xe1
)

// maxNameCodeUnitsPerEntry is how many UTF-16 code units a single file-name
// directory entry holds (its 30-byte FileName field, 15 * 2 bytes).
const maxNameCodeUnitsPerEntry = 15

// maxNameCodeUnits is the largest name §4.7/§6.3 allow (stream extension's
// NameLength is a single byte).
const maxNameCodeUnits = 255

// entrySetChecksum implements §4.8: a 16-bit right-rotate-and-add over every
// byte of every entry in the set, except that while processing the file
// entry (the first), the SetChecksum field itself (bytes 2-3) is skipped.
func entrySetChecksum(entries [][32]byte) uint16 {
	var h uint16

	for i, e := range entries {
		for j, b := range e {
			if i == 0 && (j == 2 || j == 3) {
				continue
			}
			h = (h >> 1) | (h << 15)
			h += uint16(b)
		}
	}

	return h
}

// FileMetadata is the in-memory representation of one directory entry set
// (§3's "file metadata" entity): everything a File directory entry plus its
// Stream Extension and File Name entries together describe.
type FileMetadata struct {
	Name          string
	IsDirectory   bool
	Attributes    FileAttributes
	CreateTime    time.Time
	ModifyTime    time.Time
	AccessTime    time.Time
	FirstCluster  uint32
	DataLength    uint64
	ValidLength   uint64
	NoFatChain    bool // the stream is a contiguous run, not a FAT-linked chain
	NameHash      uint16
}

// encodeTimestamp packs a time.Time into the bitfields ExfatTimestamp's
// Second/Minute/.../Year accessors expect, at the format's 2-second
// resolution (§9's design note on timestamp granularity).
func encodeTimestamp(t time.Time) ExfatTimestamp {
	year := uint32(t.Year()-1980) & 0x7f
	month := uint32(t.Month()) & 0x0f
	day := uint32(t.Day()) & 0x1f
	hour := uint32(t.Hour()) & 0x1f
	minute := uint32(t.Minute()) & 0x3f
	second := uint32(t.Second()/2) & 0x1f

	return ExfatTimestamp(second | minute<<5 | hour<<11 | day<<16 | month<<21 | year<<25)
}

// encode10msIncrement recovers the sub-2-second remainder encodeTimestamp's
// halved seconds field drops, in the on-disk 10ms units (range 0-199).
func encode10msIncrement(t time.Time) uint8 {
	remainderMillis := (t.Second()%2)*1000 + t.Nanosecond()/1e6
	return uint8(remainderMillis / 10)
}

// We always store timestamps as UTC with the offset fields marked
// not-present (high bit clear). The teacher's TimestampWithOffset feeds the
// raw UtcOffset byte to time.FixedZone as a second count, which doesn't
// match the real 15-minutes-per-unit/valid-bit encoding those bytes use on
// disk; rather than reproduce that mismatch on the write side, entries this
// package writes leave the offset fields at zero, which both reads back as
// UTC under the teacher's own decode and avoids the ambiguity entirely.
const timestampUtcOffset = 0

// buildFileAndStreamEntries packs meta's File and Stream Extension entries
// (the two slots both create and modify rewrite; the secondary count and
// name hash/length are supplied separately since modify must preserve the
// name entries already on disk rather than re-deriving them from meta.Name).
func buildFileAndStreamEntries(meta FileMetadata, secondaryCount uint8, nameLength uint8, nameHash uint16) (file [32]byte, stream [32]byte, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	attrs := meta.Attributes
	if meta.IsDirectory {
		attrs |= 0x10
	}

	ct := encodeTimestamp(meta.CreateTime)
	mt := encodeTimestamp(meta.ModifyTime)
	at := encodeTimestamp(meta.AccessTime)

	fileEntry := ExfatFileDirectoryEntry{
		EntryType:                 EntryTypeFile,
		SecondaryCountRaw:         secondaryCount,
		FileAttributes:            attrs,
		CreateTimestampRaw:        ct,
		LastModifiedTimestampRaw:  mt,
		LastAccessedTimestampRaw:  at,
		Create10msIncrement:       encode10msIncrement(meta.CreateTime),
		LastModified10msIncrement: encode10msIncrement(meta.ModifyTime),
		CreateUtcOffset:           timestampUtcOffset,
		LastModifiedUtcOffset:     timestampUtcOffset,
		LastAccessedUtcOffset:     timestampUtcOffset,
	}

	var secondaryFlags GeneralSecondaryFlags
	if meta.FirstCluster != 0 {
		secondaryFlags |= 1 // IsAllocationPossible
	}
	if meta.NoFatChain {
		secondaryFlags |= 2 // NoFatChain
	}

	streamEntry := ExfatStreamExtensionDirectoryEntry{
		EntryType:             EntryTypeStreamExtension,
		GeneralSecondaryFlags: secondaryFlags,
		NameLength:            nameLength,
		NameHash:              nameHash,
		ValidDataLength:       meta.ValidLength,
		FirstCluster:          meta.FirstCluster,
		DataLength:            meta.DataLength,
	}

	rawFile, err := restruct.Pack(defaultEncoding, &fileEntry)
	log.PanicIf(err)

	rawStream, err := restruct.Pack(defaultEncoding, &streamEntry)
	log.PanicIf(err)

	return toEntryBytes(rawFile), toEntryBytes(rawStream), nil
}

// EncodeEntrySet builds the on-disk 32-byte entry set (File + Stream
// Extension + N File Name entries) for meta, stamping the entry-set
// checksum (§4.8) last, matching FileMetaData::to_entries in the original.
func EncodeEntrySet(meta FileMetadata) (entries [][32]byte, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	nameBytes, err := names.EncodeBytes(meta.Name)
	log.PanicIf(err)

	codeUnitCount := len(nameBytes) / 2
	if codeUnitCount == 0 {
		log.Panicf("cannot encode an entry set for an empty name")
	}
	if codeUnitCount > maxNameCodeUnits {
		log.Panicf("name too long: (%d) code units > (%d)", codeUnitCount, maxNameCodeUnits)
	}

	nameEntryCount := (codeUnitCount + maxNameCodeUnitsPerEntry - 1) / maxNameCodeUnitsPerEntry

	file, stream, err := buildFileAndStreamEntries(meta, uint8(1+nameEntryCount), uint8(codeUnitCount), meta.NameHash)
	log.PanicIf(err)

	entries = make([][32]byte, 0, 2+nameEntryCount)
	entries = append(entries, file, stream)

	for i := 0; i < nameEntryCount; i++ {
		var nameBuf [30]byte

		start := i * maxNameCodeUnitsPerEntry * 2
		end := start + maxNameCodeUnitsPerEntry*2
		if end > len(nameBytes) {
			end = len(nameBytes)
		}

		copy(nameBuf[:], nameBytes[start:end])

		nameEntry := ExfatFileNameDirectoryEntry{
			EntryType:             EntryTypeFileName,
			GeneralSecondaryFlags: 0,
			FileName:              nameBuf,
		}

		rawName, err := restruct.Pack(defaultEncoding, &nameEntry)
		log.PanicIf(err)
		entries = append(entries, toEntryBytes(rawName))
	}

	checksum := entrySetChecksum(entries)
	defaultEncoding.PutUint16(entries[0][2:4], checksum)

	return entries, nil
}

func toEntryBytes(raw []byte) [32]byte {
	var out [32]byte
	copy(out[:], raw)
	return out
}

// DecodeEntrySet parses an on-disk entry set back into FileMetadata,
// validating the entry-set checksum and the primary/secondary structure
// (§4.8/§4.9's scan state machine, applied to one already-collected set
// rather than scanning a directory stream).
func DecodeEntrySet(entries [][32]byte) (meta FileMetadata, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	if len(entries) < 2 {
		log.Panicf("entry set too short: (%d) entries", len(entries))
	}

	var fileEntry ExfatFileDirectoryEntry
	err = restruct.Unpack(entries[0][:], defaultEncoding, &fileEntry)
	log.PanicIf(err)

	if fileEntry.EntryType.TypeCode() != EntryTypeFile.TypeCode() || !fileEntry.EntryType.IsPrimary() {
		log.Panicf("first entry in set is not a file entry: (0x%02x)", uint8(fileEntry.EntryType))
	}

	wantCount := int(fileEntry.SecondaryCountRaw) + 1
	if wantCount != len(entries) {
		log.Panicf("entry set declares (%d) entries but (%d) were given", wantCount, len(entries))
	}

	got := entrySetChecksum(entries)
	if got != fileEntry.SetChecksum {
		log.Panicf("entry set checksum mismatch: computed=(0x%04x) stored=(0x%04x)", got, fileEntry.SetChecksum)
	}

	var streamEntry ExfatStreamExtensionDirectoryEntry
	err = restruct.Unpack(entries[1][:], defaultEncoding, &streamEntry)
	log.PanicIf(err)

	if streamEntry.EntryType.TypeCode() != EntryTypeStreamExtension.TypeCode() || !streamEntry.EntryType.IsSecondary() {
		log.Panicf("second entry in set is not a stream extension entry: (0x%02x)", uint8(streamEntry.EntryType))
	}

	wantBytes := int(streamEntry.NameLength) * 2
	nameBytes := make([]byte, 0, wantBytes)

	for _, raw := range entries[2:] {
		var nameEntry ExfatFileNameDirectoryEntry
		err = restruct.Unpack(raw[:], defaultEncoding, &nameEntry)
		log.PanicIf(err)

		if nameEntry.EntryType.TypeCode() != EntryTypeFileName.TypeCode() || !nameEntry.EntryType.IsSecondary() {
			log.Panicf("expected a file-name entry, found (0x%02x)", uint8(nameEntry.EntryType))
		}

		remaining := wantBytes - len(nameBytes)
		if remaining > len(nameEntry.FileName) {
			remaining = len(nameEntry.FileName)
		}
		nameBytes = append(nameBytes, nameEntry.FileName[:remaining]...)
	}

	name, err := names.DecodeBytes(nameBytes)
	log.PanicIf(err)

	meta = FileMetadata{
		Name:         name,
		IsDirectory:  fileEntry.FileAttributes.IsDirectory(),
		Attributes:   fileEntry.FileAttributes,
		CreateTime:   fileEntry.CreateTimestamp(),
		ModifyTime:   fileEntry.LastModifiedTimestamp(),
		AccessTime:   fileEntry.LastAccessedTimestamp(),
		FirstCluster: streamEntry.FirstCluster,
		DataLength:   streamEntry.DataLength,
		ValidLength:  streamEntry.ValidDataLength,
		NoFatChain:   streamEntry.GeneralSecondaryFlags.NoFatChain(),
		NameHash:     streamEntry.NameHash,
	}

	return meta, nil
}
