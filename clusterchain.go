package exfat

import (
	"sync"

	"github.com/dsoprea/go-logging"
)

// ClusterChainManager composes the bitmap and FAT into chain-level
// operations and is the sole writer of the FAT (C6), grounded in
// original_source/fs/src/ex_fat/cluster_chain/mod.rs's ClusterManager.
type ClusterChainManager struct {
	mu sync.RWMutex

	bcm               *BlockCacheManager
	bitmap            *ClusterBitmap
	fat               *FileAllocationTable
	clusterHeapOffset uint32
	sectorsPerCluster uint32
}

// NewClusterChainManager assembles a chain manager over an already-wired
// bitmap and FAT.
func NewClusterChainManager(bcm *BlockCacheManager, bitmap *ClusterBitmap, fat *FileAllocationTable, clusterHeapOffset uint32, sectorsPerCluster uint32) *ClusterChainManager {
	return &ClusterChainManager{
		bcm:               bcm,
		bitmap:            bitmap,
		fat:               fat,
		clusterHeapOffset: clusterHeapOffset,
		sectorsPerCluster: sectorsPerCluster,
	}
}

// SectorsPerCluster returns the cluster size in sectors.
func (cm *ClusterChainManager) SectorsPerCluster() uint32 {
	return cm.sectorsPerCluster
}

// clusterBlock returns the absolute block index of the given
// sector-within-cluster of clusterID.
func (cm *ClusterChainManager) clusterBlock(clusterID uint32, sectorOffset uint32) uint32 {
	return cm.clusterHeapOffset + (clusterID-ClusterIDFirstValid)*cm.sectorsPerCluster + sectorOffset
}

// SectorFor resolves a cache handle for one sector within a cluster,
// asserting the offset is in range (§4.5's sector_for). It does not walk
// the chain.
func (cm *ClusterChainManager) SectorFor(clusterID uint32, sectorOffset uint32) (cl *CacheLine, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	if sectorOffset >= cm.sectorsPerCluster {
		log.Panicf("sector offset out of range: (%d) >= (%d)", sectorOffset, cm.sectorsPerCluster)
	}

	cm.mu.RLock()
	defer cm.mu.RUnlock()

	cl, err = cm.bcm.Get(cm.clusterBlock(clusterID, sectorOffset))
	log.PanicIf(err)

	return cl, nil
}

// NextInChain delegates to the FAT (§4.5's next_in_chain). Callers walking
// a contiguous chain must instead compute successors arithmetically.
func (cm *ClusterChainManager) NextInChain(clusterID uint32) (next uint32, ok bool, err error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	return cm.fat.GetNext(clusterID)
}

func (cm *ClusterChainManager) clearCluster(clusterID uint32) (err error) {
	for i := uint32(0); i < cm.sectorsPerCluster; i++ {
		err = cm.bcm.DirectZero(cm.clusterBlock(clusterID, i))
		if err != nil {
			return err
		}
	}
	return nil
}

// AllocateChain allocates a new chain of length clusters (§4.5's
// allocate_chain). hint is the preferred first cluster ("no preference" is
// expressed as ClusterIDEOF); hintIsFragment tells the allocator whether
// hint is a hard continuation request (extending an existing fragmented
// chain) or just a locality hint. It returns the chain's head and whether
// the chain ended up fragmented.
func (cm *ClusterChainManager) AllocateChain(hint uint32, length uint32, hintIsFragment bool) (head uint32, isFragment bool, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	if length == 0 {
		log.Panicf("cannot allocate a zero-length chain")
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.bitmap.UsedClusterCount()+length > cm.bitmap.ClusterCount() {
		return 0, false, log.Errorf("out of space: used=(%d) want=(%d) total=(%d)", cm.bitmap.UsedClusterCount(), length, cm.bitmap.ClusterCount())
	}

	isFragment = hintIsFragment

	allocHint := hint
	if allocHint == ClusterIDEOF {
		allocHint = ClusterIDFirstValid
	}

	first, err := cm.bitmap.Allocate(allocHint)
	log.PanicIf(err)

	if hint == ClusterIDEOF {
		head = first
	} else if first != hint {
		head = first
		isFragment = true
	} else {
		head = hint
	}

	err = cm.clearCluster(first)
	log.PanicIf(err)

	if isFragment {
		err = cm.fat.SetNext(first, ClusterIDEOF)
		log.PanicIf(err)
	}

	chainLen := uint32(1)
	current := first

	for chainLen < length {
		wantNext := current + 1

		next, err := cm.bitmap.Allocate(wantNext)
		log.PanicIf(err)

		if next != wantNext && !isFragment {
			// The chain built so far was contiguous but this cluster broke
			// it: promote the whole prefix to fragmented in one pass
			// (§4.5's contiguous-to-fragmented conversion).
			err = cm.stampContiguousRunLocked(head, chainLen)
			log.PanicIf(err)

			isFragment = true
		}

		err = cm.clearCluster(next)
		log.PanicIf(err)

		if isFragment {
			err = cm.fat.SetNext(current, next)
			log.PanicIf(err)

			err = cm.fat.SetNext(next, ClusterIDEOF)
			log.PanicIf(err)
		}

		chainLen++
		current = next
	}

	err = cm.bcm.SyncAll()
	log.PanicIf(err)

	return head, isFragment, nil
}

// stampContiguousRunLocked writes FAT successor pointers for a run of len
// physically-consecutive clusters starting at head, terminating the last
// one at EOF. cm.mu must already be held for writing.
func (cm *ClusterChainManager) stampContiguousRunLocked(head uint32, length uint32) (err error) {
	if length == 0 {
		log.Panicf("cannot stamp a zero-length run")
	}

	current := head
	for remaining := length; remaining > 1; remaining-- {
		err = cm.fat.SetNext(current, current+1)
		if err != nil {
			return err
		}
		current++
	}

	return cm.fat.SetNext(current, ClusterIDEOF)
}

// AppendCluster extends an existing chain by one cluster, hinting the
// allocator at prevTail+1 so a still-contiguous chain stays contiguous
// whenever possible. If the new cluster lands elsewhere, the whole chain
// (identified by head/currentLength/wasFragment) is promoted to fragmented
// first. Returns the new cluster ID and whether the chain is now
// fragmented.
func (cm *ClusterChainManager) AppendCluster(head uint32, currentLength uint32, prevTail uint32, wasFragment bool) (newCluster uint32, isFragment bool, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.bitmap.UsedClusterCount()+1 > cm.bitmap.ClusterCount() {
		return 0, wasFragment, log.Errorf("out of space extending chain at head (%d)", head)
	}

	isFragment = wasFragment
	wantNext := prevTail + 1

	next, err := cm.bitmap.Allocate(wantNext)
	log.PanicIf(err)

	if next != wantNext && !isFragment {
		err = cm.stampContiguousRunLocked(head, currentLength)
		log.PanicIf(err)

		isFragment = true
	}

	err = cm.clearCluster(next)
	log.PanicIf(err)

	if isFragment {
		err = cm.fat.SetNext(prevTail, next)
		log.PanicIf(err)

		err = cm.fat.SetNext(next, ClusterIDEOF)
		log.PanicIf(err)
	}

	err = cm.bcm.SyncAll()
	log.PanicIf(err)

	return next, isFragment, nil
}

// FreeChain releases every cluster in a chain of the given length starting
// at head (§4.5's free_chain): walking the FAT if fragmented, or clearing a
// run of consecutive bits if contiguous.
func (cm *ClusterChainManager) FreeChain(head uint32, length uint32, isFragment bool) (err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	if length == 0 {
		return nil
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if isFragment {
		current := head
		for i := uint32(0); i < length; i++ {
			next, ok, err := cm.fat.GetNext(current)
			log.PanicIf(err)

			err = cm.bitmap.Free(current)
			log.PanicIf(err)

			if i+1 < length {
				if !ok {
					log.Panicf("fragmented chain ended early after (%d) of (%d) clusters", i+1, length)
				}
				current = next
			}
		}
	} else {
		current := head
		for i := uint32(0); i < length; i++ {
			err = cm.bitmap.Free(current)
			log.PanicIf(err)

			current++
		}
	}

	err = cm.bcm.SyncAll()
	log.PanicIf(err)

	return nil
}
