package exfat

import (
	"github.com/dsoprea/go-logging"
)

// FileAllocationTable is the FAT (C5): a flat table of 32-bit little-endian
// successor pointers indexed by cluster ID, grounded in
// original_source/fs/src/ex_fat/cluster_chain/fat.rs.
type FileAllocationTable struct {
	bcm                 *BlockCacheManager
	bytesPerSectorShift uint8
	startBlock          uint32
	length              uint32 // in blocks
}

// NewFileAllocationTable wraps the FAT region described by the boot sector.
func NewFileAllocationTable(bcm *BlockCacheManager, startBlock uint32, length uint32, bytesPerSectorShift uint8) *FileAllocationTable {
	return &FileAllocationTable{
		bcm:                 bcm,
		bytesPerSectorShift: bytesPerSectorShift,
		startBlock:          startBlock,
		length:              length,
	}
}

// translate converts a cluster ID to the (block, byte-offset-within-block)
// of its FAT entry, per §4.4's formula.
func (fat *FileAllocationTable) translate(clusterID uint32) (block uint32, offset uint32) {
	block = fat.startBlock + (clusterID >> (fat.bytesPerSectorShift - 2))
	offset = (clusterID & (((1 << fat.bytesPerSectorShift) >> 2) - 1)) << 2
	return block, offset
}

// FormatFAT zero-fills the FAT region, then stamps the two reserved header
// entries (§4.4: entries 0 and 1 are the reserved sentinels
// 0xFFFFFFF8/0xFFFFFFFF).
func FormatFAT(fat *FileAllocationTable) (err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	zero := make([]byte, fat.bcm.bd.BlockSize())
	for i := uint32(0); i < fat.length; i++ {
		cl, err := fat.bcm.Get(fat.startBlock + i)
		log.PanicIf(err)

		cl.Modify(func(buf []byte) {
			copy(buf, zero)
		})

		fat.bcm.Release(cl)
	}

	first, err := fat.bcm.Get(fat.startBlock)
	log.PanicIf(err)

	first.Modify(func(buf []byte) {
		defaultEncoding.PutUint32(buf[0:4], 0xfffffff8)
		defaultEncoding.PutUint32(buf[4:8], 0xffffffff)
	})

	fat.bcm.Release(first)

	return nil
}

// GetNext returns the successor of clusterID, or (0, false) if clusterID is
// not a valid, resolvable cluster reference (0, 1, bad, or EOF — §4.4).
func (fat *FileAllocationTable) GetNext(clusterID uint32) (next uint32, ok bool, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	if IsReservedClusterID(clusterID) {
		return 0, false, nil
	}

	block, offset := fat.translate(clusterID)

	cl, err := fat.bcm.Get(block)
	log.PanicIf(err)
	defer fat.bcm.Release(cl)

	cl.Read(func(buf []byte) {
		next = defaultEncoding.Uint32(buf[offset : offset+4])
	})

	return next, true, nil
}

// SetNext writes the successor pointer for clusterID. Only the cluster
// chain manager calls this (§4.5: "It is the only component that writes the
// FAT").
func (fat *FileAllocationTable) SetNext(clusterID uint32, next uint32) (err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	if IsReservedClusterID(clusterID) {
		log.Panicf("cannot set FAT entry for reserved cluster id (%d)", clusterID)
	}

	block, offset := fat.translate(clusterID)

	cl, err := fat.bcm.Get(block)
	log.PanicIf(err)
	defer fat.bcm.Release(cl)

	cl.Modify(func(buf []byte) {
		defaultEncoding.PutUint32(buf[offset:offset+4], next)
	})

	return nil
}
