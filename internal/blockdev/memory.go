// Package blockdev provides BlockDevice implementations backed by a
// process's memory and by a host file, grounded in the teacher's own
// io.ReadSeeker-backed access pattern (structures.go) generalized to support
// writes.
package blockdev

import (
	"github.com/dsoprea/go-logging"
)

// MemoryDevice is an in-memory BlockDevice, used by this package's tests the
// way the teacher's testing_common.go points tests at fixture files: here we
// just allocate the fixture in RAM instead of reading it from disk.
type MemoryDevice struct {
	blockSize uint32
	blocks    [][]byte
}

// NewMemoryDevice allocates a zero-filled device of the given geometry.
func NewMemoryDevice(blockSize uint32, numBlocks uint32) *MemoryDevice {
	blocks := make([][]byte, numBlocks)
	for i := range blocks {
		blocks[i] = make([]byte, blockSize)
	}

	return &MemoryDevice{
		blockSize: blockSize,
		blocks:    blocks,
	}
}

// ReadBlock implements exfat.BlockDevice.
func (md *MemoryDevice) ReadBlock(id uint32, buf []byte) (err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	if uint32(len(buf)) != md.blockSize {
		log.Panicf("buffer is not block-sized: (%d) != (%d)", len(buf), md.blockSize)
	}

	if id >= uint32(len(md.blocks)) {
		log.Panicf("block index out of range: (%d) >= (%d)", id, len(md.blocks))
	}

	copy(buf, md.blocks[id])

	return nil
}

// WriteBlock implements exfat.BlockDevice.
func (md *MemoryDevice) WriteBlock(id uint32, buf []byte) (err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	if uint32(len(buf)) != md.blockSize {
		log.Panicf("buffer is not block-sized: (%d) != (%d)", len(buf), md.blockSize)
	}

	if id >= uint32(len(md.blocks)) {
		log.Panicf("block index out of range: (%d) >= (%d)", id, len(md.blocks))
	}

	copy(md.blocks[id], buf)

	return nil
}

// NumBlocks implements exfat.BlockDevice.
func (md *MemoryDevice) NumBlocks() uint32 {
	return uint32(len(md.blocks))
}

// BlockSize implements exfat.BlockDevice.
func (md *MemoryDevice) BlockSize() uint32 {
	return md.blockSize
}
