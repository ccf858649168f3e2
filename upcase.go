package exfat

import (
	"github.com/dsoprea/go-logging"

	"github.com/oranix/go-xfat/internal/names"
)

// upCaseTableCodeUnits is the size of the up-case table in UTF-16 code
// units. The on-disk format and the Rust original
// (persistent_layer/up_case_table.rs) both use 2918.
const upCaseTableCodeUnits = 2918

// UpCaseTable is the per-volume case-folding table (C7): a fixed array
// mapping a UTF-16 code unit to its upper-case form, identity outside the
// ranges the table covers.
//
// generate_up_case_table in the Rust original builds the full Unicode
// case-folding table (a long concatenation of identity runs and literal
// override tables) entry by entry. This port reproduces the same
// structure — identity runs punctuated by explicit overrides — but only
// populates the Basic Latin and Latin-1 Supplement ranges that exercise
// every code path (ASCII ranges untouched by folding, the a-z run, and the
// Latin-1 letters-with-diacritics run); code units beyond what's populated
// fall back to identity the same way the on-disk table's unpopulated tail
// would. See DESIGN.md for why the remaining ranges were not transcribed.
type UpCaseTable struct {
	table [upCaseTableCodeUnits]uint16
}

// GenerateUpCaseTable builds the default table deterministically, the way
// Format() must (§4.6: "generated deterministically at format time").
func GenerateUpCaseTable() *UpCaseTable {
	t := &UpCaseTable{}

	for c := 0; c < upCaseTableCodeUnits; c++ {
		t.table[c] = uint16(c)
	}

	for c := uint16('a'); c <= uint16('z'); c++ {
		t.table[c] = c - ('a' - 'A')
	}

	// Latin-1 Supplement lower-case letters (0xE0-0xFE, excluding the
	// division sign at 0xF7) fold to their upper-case counterparts 0x20
	// code units earlier, mirroring the override run the Rust generator
	// emits for 0x00E0..=0x00FE.
	for c := uint16(0x00E0); c <= 0x00FE; c++ {
		if c == 0x00F7 {
			continue
		}
		t.table[c] = c - 0x20
	}

	return t
}

// lookup folds one code unit, identity if outside the table.
func (t *UpCaseTable) lookup(c uint16) uint16 {
	if int(c) < len(t.table) {
		return t.table[c]
	}
	return c
}

// ToUpper returns the little-endian byte encoding of the up-cased form of
// codeUnits (§4.6's to_upper).
func (t *UpCaseTable) ToUpper(codeUnits []uint16) []byte {
	out := make([]byte, 0, len(codeUnits)*2)

	for _, c := range codeUnits {
		up := t.lookup(c)
		out = append(out, byte(up&0x00ff), byte(up>>8))
	}

	return out
}

// Save persists the table as the content of cluster 3, one block at a
// time, matching persistent_layer/up_case_table.rs's save().
func (t *UpCaseTable) Save(cm *ClusterChainManager) (err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	raw := make([]byte, upCaseTableCodeUnits*2)
	for i, c := range t.table {
		defaultEncoding.PutUint16(raw[i*2:i*2+2], c)
	}

	blockSize := int(cm.bcm.bd.BlockSize())
	sectorsNeeded := (len(raw) + blockSize - 1) / blockSize

	for i := 0; i < sectorsNeeded; i++ {
		cl, err := cm.SectorFor(ClusterIDUpCaseTable, uint32(i))
		log.PanicIf(err)

		start := i * blockSize
		end := start + blockSize
		if end > len(raw) {
			end = len(raw)
		}

		cl.Modify(func(buf []byte) {
			copy(buf, raw[start:end])
		})

		cm.bcm.Release(cl)
	}

	err = cm.bcm.SyncAll()
	log.PanicIf(err)

	return nil
}

// LoadUpCaseTable reads the table back from cluster 3, used at mount.
func LoadUpCaseTable(cm *ClusterChainManager) (t *UpCaseTable, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	t = &UpCaseTable{}

	raw := make([]byte, upCaseTableCodeUnits*2)
	blockSize := int(cm.bcm.bd.BlockSize())
	sectorsNeeded := (len(raw) + blockSize - 1) / blockSize

	for i := 0; i < sectorsNeeded; i++ {
		cl, err := cm.SectorFor(ClusterIDUpCaseTable, uint32(i))
		log.PanicIf(err)

		start := i * blockSize
		end := start + blockSize
		if end > len(raw) {
			end = len(raw)
		}

		cl.Read(func(buf []byte) {
			copy(raw[start:end], buf[:end-start])
		})

		cm.bcm.Release(cl)
	}

	for i := range t.table {
		t.table[i] = defaultEncoding.Uint16(raw[i*2 : i*2+2])
	}

	return t, nil
}

// FileNameHash computes the 16-bit running hash of an up-cased name (§4.6).
type FileNameHash uint16

// AddName folds name through t and accumulates the hash over its
// little-endian UTF-16 bytes, matching FileNameHash::add_chars.
func (h FileNameHash) AddName(t *UpCaseTable, name string) FileNameHash {
	codeUnits := names.Encode(name)
	upper := t.ToUpper(codeUnits)

	v := uint16(h)
	for _, b := range upper {
		v = ((v & 1) << 15) + (v >> 1) + uint16(b)
	}

	return FileNameHash(v)
}

// HashName is a convenience wrapper computing AddName from a zero start.
func HashName(t *UpCaseTable, name string) uint16 {
	return uint16(FileNameHash(0).AddName(t, name))
}
