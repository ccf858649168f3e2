package exfat

import (
	"container/list"
	"sync"

	"github.com/dsoprea/go-logging"
)

// DefaultCacheCapacity is the default number of cache lines a
// BlockCacheManager holds before it starts evicting, matching the
// BlockCacheManager::max_cache_blocks constant the original kernel driver
// hard-codes.
const DefaultCacheCapacity = 16

// CacheLine is one cached block (C2). It carries its own read-write lock so
// that readers may proceed concurrently while a writer has exclusive access,
// per §5's per-line-lock concurrency model.
type CacheLine struct {
	mu      sync.RWMutex
	blockID uint32
	buffer  []byte
	dirty   bool

	// pins counts outstanding Read/Write handles obtained through
	// BlockCacheManager.Get. A pinned line must not be evicted (§9's
	// known-gap fix): the manager checks this under its own lock before
	// reusing a line's slot.
	pins int32

	bd      BlockDevice
	element *list.Element
}

// BlockID returns the block index this line caches.
func (cl *CacheLine) BlockID() uint32 {
	return cl.blockID
}

// Read takes the line's read lock and invokes fn with the cached buffer. fn
// must not retain buf past the call.
func (cl *CacheLine) Read(fn func(buf []byte)) {
	cl.mu.RLock()
	defer cl.mu.RUnlock()

	fn(cl.buffer)
}

// Modify takes the line's write lock, invokes fn with the mutable buffer,
// and marks the line dirty. fn must not retain buf past the call.
func (cl *CacheLine) Modify(fn func(buf []byte)) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	fn(cl.buffer)
	cl.dirty = true
}

// sync writes the line back to the device if dirty and clears the dirty
// flag. Caller must hold cl.mu for writing (BlockCacheManager.SyncAll takes
// it around each call).
func (cl *CacheLine) sync() (err error) {
	if !cl.dirty {
		return nil
	}

	err = cl.bd.WriteBlock(cl.blockID, cl.buffer)
	log.PanicIf(err)

	cl.dirty = false

	return nil
}

// BlockCacheManager is a bounded, LRU, write-back cache over a BlockDevice
// (C2), grounded in original_source/fs/src/block_device/block_cache/mod.rs's
// BlockCacheManager: a map from block ID to line plus a doubly-linked
// recency queue, evicting the least-recently-used *unpinned* line when a
// miss would overflow the configured capacity.
type BlockCacheManager struct {
	mu       sync.Mutex
	bd       BlockDevice
	capacity int
	lines    map[uint32]*CacheLine
	lru      *list.List // front = least recently used, back = most recently used
}

// NewBlockCacheManager wraps bd with a cache of the given line capacity.
func NewBlockCacheManager(bd BlockDevice, capacity int) *BlockCacheManager {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}

	return &BlockCacheManager{
		bd:       bd,
		capacity: capacity,
		lines:    make(map[uint32]*CacheLine),
		lru:      list.New(),
	}
}

// Get returns the cache line for the given block, reading it from the
// device on a miss and evicting the LRU unpinned line first if the cache is
// full. The caller must call Release when done with the returned handle so
// that it becomes eligible for eviction again.
func (bcm *BlockCacheManager) Get(id uint32) (cl *CacheLine, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	bcm.mu.Lock()
	defer bcm.mu.Unlock()

	if cl, found := bcm.lines[id]; found {
		bcm.lru.MoveToBack(cl.element)
		cl.pins++
		return cl, nil
	}

	if len(bcm.lines) >= bcm.capacity {
		err = bcm.evictOneLocked()
		log.PanicIf(err)
	}

	buf := make([]byte, bcm.bd.BlockSize())

	err = bcm.bd.ReadBlock(id, buf)
	log.PanicIf(err)

	cl = &CacheLine{
		blockID: id,
		buffer:  buf,
		bd:      bcm.bd,
		pins:    1,
	}
	cl.element = bcm.lru.PushBack(cl)
	bcm.lines[id] = cl

	return cl, nil
}

// Release returns a handle obtained from Get, making the line eligible for
// eviction once its pin count reaches zero.
func (bcm *BlockCacheManager) Release(cl *CacheLine) {
	bcm.mu.Lock()
	defer bcm.mu.Unlock()

	cl.pins--
}

// evictOneLocked removes the least-recently-used unpinned line, writing it
// back first if dirty. bcm.mu must already be held. This is the §9 fix to
// the original driver's disuse(): a still-borrowed line is skipped rather
// than evicted out from under its caller.
func (bcm *BlockCacheManager) evictOneLocked() (err error) {
	for e := bcm.lru.Front(); e != nil; e = e.Next() {
		cl := e.Value.(*CacheLine)
		if cl.pins > 0 {
			continue
		}

		cl.mu.Lock()
		err = cl.sync()
		cl.mu.Unlock()
		log.PanicIf(err)

		bcm.lru.Remove(e)
		delete(bcm.lines, cl.blockID)

		return nil
	}

	log.Panicf("block cache full of pinned lines; cannot evict (capacity=%d)", bcm.capacity)

	return nil
}

// SyncAll writes back every dirty line and clears their dirty flags. Called
// at the end of every chain-modifying operation (§5) and at unmount.
func (bcm *BlockCacheManager) SyncAll() (err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	bcm.mu.Lock()
	defer bcm.mu.Unlock()

	for e := bcm.lru.Front(); e != nil; e = e.Next() {
		cl := e.Value.(*CacheLine)

		cl.mu.Lock()
		err = cl.sync()
		cl.mu.Unlock()
		log.PanicIf(err)
	}

	return nil
}

// DirectZero bypasses the cache entirely and writes a zero-filled block
// straight to the device, used by the cluster chain manager to wipe a
// freshly allocated cluster without paying for a cache round-trip per
// block.
func (bcm *BlockCacheManager) DirectZero(id uint32) (err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	buf := make([]byte, bcm.bd.BlockSize())

	err = bcm.bd.WriteBlock(id, buf)
	log.PanicIf(err)

	bcm.mu.Lock()
	if cl, found := bcm.lines[id]; found {
		cl.mu.Lock()
		copy(cl.buffer, buf)
		cl.dirty = false
		cl.mu.Unlock()
	}
	bcm.mu.Unlock()

	return nil
}
