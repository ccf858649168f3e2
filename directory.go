package exfat

import (
	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
)

// DirectoryRef identifies where a directory's entries live: its chain head,
// whether that chain is FAT-linked (fragmented) or a contiguous run, and —
// for everything but the root directory — how many clusters the chain is
// known to span. A zero ClusterCount means "unknown, walk the FAT to EOF",
// which only the root directory needs (§4.9: "the root directory's chain
// starts at first_cluster_of_root_directory, always treated as fragmented";
// the format has nowhere to record the root's own size).
type DirectoryRef struct {
	FirstCluster uint32
	IsFragment   bool
	ClusterCount uint32
}

// DirectoryManager implements C9's find/lookup/list/create/delete/modify
// over a directory's entry-set stream, grounded in
// original_source/fs/src/ex_fat/index_entry_manage.rs's IndexEntryManager.
type DirectoryManager struct {
	cm     *ClusterChainManager
	upcase *UpCaseTable
}

// NewDirectoryManager builds a directory manager over an already-wired
// chain manager and up-case table.
func NewDirectoryManager(cm *ClusterChainManager, upcase *UpCaseTable) *DirectoryManager {
	return &DirectoryManager{cm: cm, upcase: upcase}
}

// RootRef builds the DirectoryRef for the volume root, whose first cluster
// comes from the boot sector.
func (dm *DirectoryManager) RootRef(rootFirstCluster uint32) DirectoryRef {
	return DirectoryRef{FirstCluster: rootFirstCluster, IsFragment: true}
}

// clusterBytes returns the size in bytes of one cluster.
func (dm *DirectoryManager) clusterBytes() uint64 {
	return uint64(dm.cm.SectorsPerCluster()) * uint64(dm.cm.bcm.bd.BlockSize())
}

// RefFor builds the DirectoryRef describing meta's own directory stream.
// meta must describe a directory (IsDirectory==true).
func (dm *DirectoryManager) RefFor(meta FileMetadata) (ref DirectoryRef, err error) {
	if !meta.IsDirectory {
		return DirectoryRef{}, log.Errorf("metadata for (%s) does not describe a directory", meta.Name)
	}

	count := (meta.DataLength + dm.clusterBytes() - 1) / dm.clusterBytes()

	return DirectoryRef{
		FirstCluster: meta.FirstCluster,
		IsFragment:   !meta.NoFatChain,
		ClusterCount: uint32(count),
	}, nil
}

// resolveClusters returns the physical cluster IDs backing ref, in stream
// order. For a fragmented ref with ClusterCount==0 (the root), it walks the
// FAT to EOF; otherwise it walks (or computes, for a contiguous ref)
// exactly ClusterCount clusters.
func (dm *DirectoryManager) resolveClusters(ref DirectoryRef) (clusters []uint32, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	if !ref.IsFragment {
		if ref.ClusterCount == 0 {
			log.Panicf("contiguous directory ref at cluster (%d) has no known cluster count", ref.FirstCluster)
		}

		clusters = make([]uint32, ref.ClusterCount)
		for i := range clusters {
			clusters[i] = ref.FirstCluster + uint32(i)
		}

		return clusters, nil
	}

	current := ref.FirstCluster
	clusters = append(clusters, current)

	for ref.ClusterCount == 0 || uint32(len(clusters)) < ref.ClusterCount {
		next, ok, err := dm.cm.NextInChain(current)
		log.PanicIf(err)

		// GetNext reports ok=true whenever current itself was resolvable,
		// even when the value it read back is the EOF/bad sentinel, so chain
		// exhaustion is detected by inspecting next, not just ok.
		if !ok || IsReservedClusterID(next) {
			if ref.ClusterCount == 0 {
				break
			}
			log.Panicf("directory chain at (%d) ended after (%d) of (%d) declared clusters", ref.FirstCluster, len(clusters), ref.ClusterCount)
		}

		clusters = append(clusters, next)
		current = next
	}

	return clusters, nil
}

// entriesPerSector and entriesPerCluster describe the 32-byte-slot grid a
// directory stream is divided into.
func (dm *DirectoryManager) entriesPerSector() uint32 {
	return dm.cm.bcm.bd.BlockSize() / 32
}

func (dm *DirectoryManager) entriesPerCluster() uint32 {
	return dm.entriesPerSector() * dm.cm.SectorsPerCluster()
}

func (dm *DirectoryManager) totalSlots(clusters []uint32) uint32 {
	return uint32(len(clusters)) * dm.entriesPerCluster()
}

// slotLocation resolves a global slot index to the cluster/sector/offset
// that holds it. A 32-byte slot never straddles a sector boundary, since
// the sector size is always a multiple of 32.
func (dm *DirectoryManager) slotLocation(clusters []uint32, slotIndex uint32) (clusterID uint32, sector uint32, offset uint32) {
	perCluster := dm.entriesPerCluster()
	perSector := dm.entriesPerSector()

	clusterIdx := slotIndex / perCluster
	within := slotIndex % perCluster

	return clusters[clusterIdx], within / perSector, (within % perSector) * 32
}

func (dm *DirectoryManager) readSlot(clusters []uint32, slotIndex uint32) (slot [32]byte, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	clusterID, sector, offset := dm.slotLocation(clusters, slotIndex)

	cl, err := dm.cm.SectorFor(clusterID, sector)
	log.PanicIf(err)
	defer dm.cm.bcm.Release(cl)

	cl.Read(func(buf []byte) {
		copy(slot[:], buf[offset:offset+32])
	})

	return slot, nil
}

func (dm *DirectoryManager) writeSlot(clusters []uint32, slotIndex uint32, slot [32]byte) (err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	clusterID, sector, offset := dm.slotLocation(clusters, slotIndex)

	cl, err := dm.cm.SectorFor(clusterID, sector)
	log.PanicIf(err)
	defer dm.cm.bcm.Release(cl)

	cl.Modify(func(buf []byte) {
		copy(buf[offset:offset+32], slot[:])
	})

	return nil
}

// located describes one decoded entry set found during a scan: its first
// slot index, how many slots it occupies (1 + secondary count), and its
// decoded metadata.
type located struct {
	startSlot  uint32
	slotCount  uint32
	metadata   FileMetadata
}

// scan walks ref's entry-set stream from the start, invoking visit for
// every well-formed candidate set. visit returns true to stop the scan
// early (the caller found what it wanted). Terminates on a 0x00 entry, on
// chain exhaustion, or when visit asks to stop (§4.9).
func (dm *DirectoryManager) scan(ref DirectoryRef, visit func(located) (stop bool)) (err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	clusters, err := dm.resolveClusters(ref)
	log.PanicIf(err)

	total := dm.totalSlots(clusters)

	for slotIndex := uint32(0); slotIndex < total; {
		slot, err := dm.readSlot(clusters, slotIndex)
		log.PanicIf(err)

		entryType := EntryType(slot[0])

		if entryType.IsEndOfDirectory() {
			break
		}

		if entryType.IsInUse() && entryType.IsPrimary() && entryType.TypeCode() == EntryTypeFile.TypeCode() {
			secondaryCount := uint32(slot[1])
			setSlotCount := secondaryCount + 1

			if slotIndex+setSlotCount > total {
				log.Panicf("entry set at slot (%d) overruns directory stream", slotIndex)
			}

			raw := make([][32]byte, setSlotCount)
			raw[0] = slot

			for i := uint32(1); i < setSlotCount; i++ {
				raw[i], err = dm.readSlot(clusters, slotIndex+i)
				log.PanicIf(err)
			}

			meta, err := DecodeEntrySet(raw)
			log.PanicIf(err)

			if visit(located{startSlot: slotIndex, slotCount: setSlotCount, metadata: meta}) {
				return nil
			}

			slotIndex += setSlotCount
		} else {
			// Stray secondary entry, deleted (in-use bit clear) entry, or a
			// benign type this manager doesn't interpret: skip one slot
			// (§4.7's "skipped on scan").
			slotIndex++
		}
	}

	return nil
}

// Find locates the entry set named name directly under parent.
func (dm *DirectoryManager) Find(parent DirectoryRef, name string) (result located, found bool, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	err = dm.scan(parent, func(l located) bool {
		if l.metadata.Name == name {
			result = l
			found = true
			return true
		}
		return false
	})
	log.PanicIf(err)

	return result, found, nil
}

// Lookup is Find without the slot bookkeeping.
func (dm *DirectoryManager) Lookup(parent DirectoryRef, name string) (meta FileMetadata, found bool, err error) {
	l, found, err := dm.Find(parent, name)
	if err != nil || !found {
		return FileMetadata{}, found, err
	}

	return l.metadata, true, nil
}

// List decodes every valid entry set directly under parent.
func (dm *DirectoryManager) List(parent DirectoryRef) (metas []FileMetadata, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	err = dm.scan(parent, func(l located) bool {
		metas = append(metas, l.metadata)
		return false
	})
	log.PanicIf(err)

	return metas, nil
}

// findFirstFreeSlot returns the slot index of the first 0x00 (end-of-
// directory) entry, or total if the chain is exhausted without one (which
// should not happen for a well-formed directory, but Create handles it by
// treating it the same as "need one more cluster").
func (dm *DirectoryManager) findFirstFreeSlot(clusters []uint32) (slotIndex uint32, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	total := dm.totalSlots(clusters)

	for i := uint32(0); i < total; i++ {
		slot, err := dm.readSlot(clusters, i)
		log.PanicIf(err)

		if EntryType(slot[0]).IsEndOfDirectory() {
			return i, nil
		}
	}

	return total, nil
}

// Create adds a new entry set for meta under parent, rejecting a duplicate
// name, extending parent's chain by one cluster first if there isn't room
// (§4.9). It returns the (possibly updated, if the chain grew) DirectoryRef
// and the directory's new byte size; the caller persists both into parent's
// own metadata via Modify, except for the root directory, which has none.
func (dm *DirectoryManager) Create(parent DirectoryRef, meta FileMetadata) (updated DirectoryRef, newSize uint64, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	if _, found, ferr := dm.Find(parent, meta.Name); ferr != nil {
		return DirectoryRef{}, 0, ferr
	} else if found {
		return DirectoryRef{}, 0, log.Errorf("an entry named (%s) already exists", meta.Name)
	}

	meta.NameHash = HashName(dm.upcase, meta.Name)

	entries, err := EncodeEntrySet(meta)
	log.PanicIf(err)

	clusters, err := dm.resolveClusters(parent)
	log.PanicIf(err)

	updated = parent

	freeSlot, err := dm.findFirstFreeSlot(clusters)
	log.PanicIf(err)

	if freeSlot+uint32(len(entries)) > dm.totalSlots(clusters) {
		tail := clusters[len(clusters)-1]
		newCluster, isFragment, aerr := dm.cm.AppendCluster(updated.FirstCluster, uint32(len(clusters)), tail, updated.IsFragment)
		log.PanicIf(aerr)

		clusters = append(clusters, newCluster)
		updated.IsFragment = isFragment
		updated.ClusterCount = uint32(len(clusters))
	}

	for i, e := range entries {
		err = dm.writeSlot(clusters, freeSlot+uint32(i), e)
		log.PanicIf(err)
	}

	newSize = uint64(len(clusters)) * dm.clusterBytes()
	updated.ClusterCount = uint32(len(clusters))

	err = dm.cm.bcm.SyncAll()
	log.PanicIf(err)

	return updated, newSize, nil
}

// Delete clears the in-use bit on name's primary and secondary entries.
// Slots are left in place, unzeroed and uncompacted (§4.9; compaction is
// Tidy's job).
func (dm *DirectoryManager) Delete(parent DirectoryRef, name string) (err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	l, found, err := dm.Find(parent, name)
	log.PanicIf(err)

	if !found {
		return log.Errorf("no entry named (%s)", name)
	}

	clusters, err := dm.resolveClusters(parent)
	log.PanicIf(err)

	for i := uint32(0); i < l.slotCount; i++ {
		slot, err := dm.readSlot(clusters, l.startSlot+i)
		log.PanicIf(err)

		slot[0] &^= 0x80 // clear IsInUse

		err = dm.writeSlot(clusters, l.startSlot+i, slot)
		log.PanicIf(err)
	}

	err = dm.cm.bcm.SyncAll()
	log.PanicIf(err)

	return nil
}

// Modify overwrites the File and Stream Extension entries of an existing
// entry set in place with meta's values, recomputing the entry-set
// checksum. The name entries, and hence the name itself, are left
// untouched — renaming goes through the facade's delete-then-create
// (§4.9).
func (dm *DirectoryManager) Modify(parent DirectoryRef, meta FileMetadata) (err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	l, found, err := dm.Find(parent, meta.Name)
	log.PanicIf(err)

	if !found {
		return log.Errorf("no entry named (%s)", meta.Name)
	}

	clusters, err := dm.resolveClusters(parent)
	log.PanicIf(err)

	raw := make([][32]byte, l.slotCount)
	for i := uint32(0); i < l.slotCount; i++ {
		raw[i], err = dm.readSlot(clusters, l.startSlot+i)
		log.PanicIf(err)
	}

	var oldStream ExfatStreamExtensionDirectoryEntry
	err = restruct.Unpack(raw[1][:], defaultEncoding, &oldStream)
	log.PanicIf(err)

	secondaryCount := uint8(l.slotCount - 1)

	file, stream, err := buildFileAndStreamEntries(meta, secondaryCount, oldStream.NameLength, oldStream.NameHash)
	log.PanicIf(err)

	raw[0] = file
	raw[1] = stream

	checksum := entrySetChecksum(raw)
	defaultEncoding.PutUint16(raw[0][2:4], checksum)

	err = dm.writeSlot(clusters, l.startSlot, raw[0])
	log.PanicIf(err)

	err = dm.writeSlot(clusters, l.startSlot+1, raw[1])
	log.PanicIf(err)

	err = dm.cm.bcm.SyncAll()
	log.PanicIf(err)

	return nil
}

// Tidy compacts parent's entry-set stream in place, packing every in-use
// entry set toward the front and writing a single 0x00 terminator after the
// last one, reclaiming the slots Delete leaves behind. This is not part of
// the original read-only driver; it is a supplemented maintenance operation
// (§9 lists eager compaction as an explicit non-goal, but an on-demand one
// is useful and cheap to provide once writes exist).
func (dm *DirectoryManager) Tidy(parent DirectoryRef) (err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	clusters, err := dm.resolveClusters(parent)
	log.PanicIf(err)

	var live [][32]byte

	err = dm.scan(parent, func(l located) bool {
		for i := uint32(0); i < l.slotCount; i++ {
			slot, rerr := dm.readSlot(clusters, l.startSlot+i)
			log.PanicIf(rerr)
			live = append(live, slot)
		}
		return false
	})
	log.PanicIf(err)

	total := dm.totalSlots(clusters)
	if uint32(len(live)) > total {
		log.Panicf("compacted entries (%d) exceed directory capacity (%d)", len(live), total)
	}

	var zero [32]byte
	for i := uint32(0); i < total; i++ {
		var slot [32]byte
		if i < uint32(len(live)) {
			slot = live[i]
		} else {
			slot = zero
		}

		err = dm.writeSlot(clusters, i, slot)
		log.PanicIf(err)
	}

	err = dm.cm.bcm.SyncAll()
	log.PanicIf(err)

	return nil
}
