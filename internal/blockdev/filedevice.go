package blockdev

import (
	"os"

	"github.com/dsoprea/go-logging"
	"golang.org/x/sys/unix"
)

// FileDevice is a BlockDevice backed by a regular host file. It takes an
// advisory exclusive flock for the lifetime of the device, the same single-
// writer discipline ostafen-digler applies to the recovered-image file
// handles it mounts: the original kernel filesystem never needed this (it
// owned the only handle to the block device by construction), but a host
// process sharing a file with other processes does.
type FileDevice struct {
	f         *os.File
	blockSize uint32
	numBlocks uint32
}

// OpenFileDevice opens path as a block device of the given geometry. The
// file must already exist and be at least numBlocks*blockSize bytes (Format
// callers should create/truncate it first).
func OpenFileDevice(path string, blockSize uint32, numBlocks uint32) (fd *FileDevice, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	log.PanicIf(err)

	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		f.Close()
		log.Panicf("volume file is already locked by another process: [%s]: %s", path, err)
	}

	fi, err := f.Stat()
	log.PanicIf(err)

	required := int64(blockSize) * int64(numBlocks)
	if fi.Size() < required {
		f.Close()
		log.Panicf("volume file too small: (%d) < (%d)", fi.Size(), required)
	}

	return &FileDevice{
		f:         f,
		blockSize: blockSize,
		numBlocks: numBlocks,
	}, nil
}

// CreateFileDevice creates (or truncates) path to hold a device of the given
// geometry and returns it already locked.
func CreateFileDevice(path string, blockSize uint32, numBlocks uint32) (fd *FileDevice, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	log.PanicIf(err)

	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		f.Close()
		log.Panicf("volume file is already locked by another process: [%s]: %s", path, err)
	}

	err = f.Truncate(int64(blockSize) * int64(numBlocks))
	log.PanicIf(err)

	return &FileDevice{
		f:         f,
		blockSize: blockSize,
		numBlocks: numBlocks,
	}, nil
}

// ReadBlock implements exfat.BlockDevice.
func (fd *FileDevice) ReadBlock(id uint32, buf []byte) (err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	if uint32(len(buf)) != fd.blockSize {
		log.Panicf("buffer is not block-sized: (%d) != (%d)", len(buf), fd.blockSize)
	}

	if id >= fd.numBlocks {
		log.Panicf("block index out of range: (%d) >= (%d)", id, fd.numBlocks)
	}

	_, err = fd.f.ReadAt(buf, int64(id)*int64(fd.blockSize))
	log.PanicIf(err)

	return nil
}

// WriteBlock implements exfat.BlockDevice.
func (fd *FileDevice) WriteBlock(id uint32, buf []byte) (err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	if uint32(len(buf)) != fd.blockSize {
		log.Panicf("buffer is not block-sized: (%d) != (%d)", len(buf), fd.blockSize)
	}

	if id >= fd.numBlocks {
		log.Panicf("block index out of range: (%d) >= (%d)", id, fd.numBlocks)
	}

	_, err = fd.f.WriteAt(buf, int64(id)*int64(fd.blockSize))
	log.PanicIf(err)

	return nil
}

// NumBlocks implements exfat.BlockDevice.
func (fd *FileDevice) NumBlocks() uint32 {
	return fd.numBlocks
}

// BlockSize implements exfat.BlockDevice.
func (fd *FileDevice) BlockSize() uint32 {
	return fd.blockSize
}

// Sync flushes the file's in-kernel buffers to the storage medium, using
// fdatasync (metadata-light) in preference to a full fsync since only block
// contents, never file length, change after creation.
func (fd *FileDevice) Sync() (err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	err = unix.Fdatasync(int(fd.f.Fd()))
	log.PanicIf(err)

	return nil
}

// Close releases the advisory lock and closes the underlying file.
func (fd *FileDevice) Close() (err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	err = unix.Flock(int(fd.f.Fd()), unix.LOCK_UN)
	log.PanicIf(err)

	err = fd.f.Close()
	log.PanicIf(err)

	return nil
}
