package exfat

import (
	"encoding/binary"

	"github.com/dsoprea/go-logging"
)

// defaultEncoding is the byte order used for every on-disk structure in this
// package. exFAT is little-endian throughout.
var defaultEncoding = binary.LittleEndian

// Reserved and sentinel cluster IDs (§3, §4.4).
const (
	// ClusterIDFirstValid is the first cluster number in the cluster heap.
	// Cluster numbers 0 and 1 are reserved and never appear on disk.
	ClusterIDFirstValid = uint32(2)

	// ClusterIDBad marks a cluster that has been retired due to a media
	// failure.
	ClusterIDBad = uint32(0xfffffff7)

	// ClusterIDEOF marks the end of a cluster chain.
	ClusterIDEOF = uint32(0xffffffff)

	// ClusterIDBitmap is the fixed location of the allocation-bitmap's
	// single-cluster content (the bitmap directory entry always points here
	// for volumes formatted by this package).
	ClusterIDBitmap = uint32(2)

	// ClusterIDUpCaseTable is the fixed location of the up-case table's
	// content for volumes formatted by this package.
	ClusterIDUpCaseTable = uint32(3)

	// ClusterIDRoot is the fixed first cluster of the root directory for
	// volumes formatted by this package.
	ClusterIDRoot = uint32(4)
)

// IsReservedClusterID returns true for the sentinels that never identify a
// real, allocatable cluster.
func IsReservedClusterID(id uint32) bool {
	return id == 0 || id == 1 || id == ClusterIDBad || id == ClusterIDEOF
}

// BlockDevice is the lowest-level interface this package consumes (C1). It
// models a fixed-size-block storage medium: every block is exactly
// BlockSize() bytes, reads and writes are whole-block and synchronous, and
// failures are reported through the returned error (there is no partial
// I/O; callers in this package turn a non-nil error into a panic with
// log.PanicIf and recover it at the nearest exported function).
type BlockDevice interface {
	// ReadBlock reads the block at the given index into buf, which must be
	// exactly BlockSize() bytes.
	ReadBlock(id uint32, buf []byte) (err error)

	// WriteBlock writes buf, which must be exactly BlockSize() bytes, to the
	// block at the given index.
	WriteBlock(id uint32, buf []byte) (err error)

	// NumBlocks returns the total number of addressable blocks on the
	// device.
	NumBlocks() (n uint32)

	// BlockSize returns the fixed block size in bytes.
	BlockSize() (size uint32)
}

// checkBlockSize panics if buf is not exactly the device's block size. The
// implementations in internal/blockdev do not call it; they check the
// buffer length themselves at the top of ReadBlock/WriteBlock.
func checkBlockSize(bd BlockDevice, buf []byte) {
	if uint32(len(buf)) != bd.BlockSize() {
		log.Panicf("buffer is not block-sized: (%d) != (%d)", len(buf), bd.BlockSize())
	}
}
