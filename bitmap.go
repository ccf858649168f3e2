package exfat

import (
	"math/bits"

	"github.com/dsoprea/go-logging"
)

// ClusterBitmap is the cluster allocation bitmap (C4): one bit per cluster
// in the heap, bit b corresponding to cluster b+2. Grounded in
// original_source/fs/src/ex_fat/cluster_chain/cluster_bitmap.rs's
// ClusterAllocBitmap, including its three-phase hinted search.
type ClusterBitmap struct {
	bcm           *BlockCacheManager
	startBlock    uint32
	blockCount    uint32
	blockBits     uint32 // bits per block = block_size * 8
	clusterCount  uint32
	usedClusters  uint32
}

// NewClusterBitmap wraps the bitmap region starting at startBlock.
// blockSize and clusterCount come from the mounted/formatted boot sector.
func NewClusterBitmap(bcm *BlockCacheManager, startBlock uint32, blockSize uint32, clusterCount uint32) *ClusterBitmap {
	blockBits := blockSize * 8
	blockCount := (clusterCount + blockBits - 1) / blockBits

	return &ClusterBitmap{
		bcm:          bcm,
		startBlock:   startBlock,
		blockCount:   blockCount,
		blockBits:    blockBits,
		clusterCount: clusterCount,
	}
}

// translate returns the block index and bit offset within that block for
// the given cluster ID.
func (cb *ClusterBitmap) translate(clusterID uint32) (block uint32, bit uint32) {
	pos := clusterID - ClusterIDFirstValid
	return cb.startBlock + pos/cb.blockBits, pos % cb.blockBits
}

// CountAllocated scans every bitmap block and sums popcount, used once at
// mount to seed the used-cluster count (§4.3's count_allocated).
func (cb *ClusterBitmap) CountAllocated() (count uint32, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	for i := uint32(0); i < cb.blockCount; i++ {
		cl, err := cb.bcm.Get(cb.startBlock + i)
		log.PanicIf(err)

		cl.Read(func(buf []byte) {
			for _, b := range buf {
				count += uint32(bits.OnesCount8(b))
			}
		})

		cb.bcm.Release(cl)
	}

	cb.usedClusters = count

	return count, nil
}

func (cb *ClusterBitmap) readBit(clusterID uint32) (set bool, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	block, bit := cb.translate(clusterID)

	cl, err := cb.bcm.Get(block)
	log.PanicIf(err)
	defer cb.bcm.Release(cl)

	cl.Read(func(buf []byte) {
		set = buf[bit/8]&(1<<(bit%8)) != 0
	})

	return set, nil
}

func (cb *ClusterBitmap) writeBit(clusterID uint32, value bool) (err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	block, bit := cb.translate(clusterID)

	cl, err := cb.bcm.Get(block)
	log.PanicIf(err)
	defer cb.bcm.Release(cl)

	cl.Modify(func(buf []byte) {
		if value {
			buf[bit/8] |= 1 << (bit % 8)
		} else {
			buf[bit/8] &^= 1 << (bit % 8)
		}
	})

	return nil
}

// IsAllocated reports whether the given cluster's bit is set.
func (cb *ClusterBitmap) IsAllocated(clusterID uint32) (bool, error) {
	return cb.readBit(clusterID)
}

// UsedClusterCount returns the cached count from the most recent
// CountAllocated/Allocate/Free.
func (cb *ClusterBitmap) UsedClusterCount() uint32 {
	return cb.usedClusters
}

// ClusterCount returns the total number of clusters in the heap.
func (cb *ClusterBitmap) ClusterCount() uint32 {
	return cb.clusterCount
}

// Allocate finds the first free cluster nearest hint and marks it
// allocated, implementing §4.3's three-phase search: the tail of the hint's
// own block, then subsequent blocks with wraparound, then the head of the
// hint's own block. This keeps a chain extended with hint=tail+1 as close
// to physically contiguous as possible.
func (cb *ClusterBitmap) Allocate(hint uint32) (clusterID uint32, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	if hint < ClusterIDFirstValid || hint >= ClusterIDFirstValid+cb.clusterCount {
		hint = ClusterIDFirstValid
	}

	found, ok, err := cb.scanFrom(hint, ClusterIDFirstValid+cb.clusterCount)
	log.PanicIf(err)

	if !ok {
		found, ok, err = cb.scanFrom(ClusterIDFirstValid, hint)
		log.PanicIf(err)
	}

	if !ok {
		log.Panicf("no free cluster available (bitmap full)")
	}

	err = cb.writeBit(found, true)
	log.PanicIf(err)

	cb.usedClusters++

	return found, nil
}

// scanFrom looks for the first clear bit in [from, to).
func (cb *ClusterBitmap) scanFrom(from, to uint32) (clusterID uint32, found bool, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	for id := from; id < to; id++ {
		set, err := cb.readBit(id)
		log.PanicIf(err)

		if !set {
			return id, true, nil
		}
	}

	return 0, false, nil
}

// Free clears the given cluster's bit. Returns an error if it was not
// already set (§4.3's free(id) asserts this).
func (cb *ClusterBitmap) Free(clusterID uint32) (err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	set, err := cb.readBit(clusterID)
	log.PanicIf(err)

	if !set {
		log.Panicf("cluster (%d) was not allocated", clusterID)
	}

	err = cb.writeBit(clusterID, false)
	log.PanicIf(err)

	cb.usedClusters--

	return nil
}

// FormatClusterBitmap zero-fills the bitmap region and marks clusters 2
// (bitmap), 3 (up-case table), and 4 (root directory) allocated, the fixed
// layout this package's Format uses.
func FormatClusterBitmap(bcm *BlockCacheManager, startBlock uint32, blockSize uint32, clusterCount uint32) (cb *ClusterBitmap, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	cb = NewClusterBitmap(bcm, startBlock, blockSize, clusterCount)

	zero := make([]byte, blockSize)
	for i := uint32(0); i < cb.blockCount; i++ {
		cl, err := bcm.Get(startBlock + i)
		log.PanicIf(err)

		cl.Modify(func(buf []byte) {
			copy(buf, zero)
		})

		bcm.Release(cl)
	}

	for _, preallocated := range []uint32{ClusterIDBitmap, ClusterIDUpCaseTable, ClusterIDRoot} {
		err = cb.writeBit(preallocated, true)
		log.PanicIf(err)

		cb.usedClusters++
	}

	return cb, nil
}
