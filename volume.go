package exfat

import (
	"strings"
	"time"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
)

// Timestamp bounds §4.11 imposes on every facade call that accepts one: the
// on-disk year field is 7 bits biased by 1980, so 1980-01-01 through
// 2107-12-31 inclusive is all it can represent.
const (
	MinTimestampMillis = int64(315532800000)
	MaxTimestampMillis = int64(4354819199000)
)

// Volume is the filesystem facade (C11), composing the block cache, boot
// region, bitmap, FAT, chain manager, up-case table, directory manager, and
// file content manager into the operations external collaborators use.
// Grounded in original_source/fs/src/ex_fat/mod.rs's ExFAT struct.
type Volume struct {
	bd     BlockDevice
	bcm    *BlockCacheManager
	bsh    BootSectorHeader
	bitmap *ClusterBitmap
	fat    *FileAllocationTable
	cm     *ClusterChainManager
	upcase *UpCaseTable
	dm     *DirectoryManager
	fc     *FileContentManager
}

func validateTimestampMillis(ms int64) (err error) {
	if ms < MinTimestampMillis || ms > MaxTimestampMillis {
		return log.Errorf("timestamp (%d ms) outside representable range [%d, %d]", ms, MinTimestampMillis, MaxTimestampMillis)
	}
	return nil
}

// Mount opens an already-formatted volume on bd.
func Mount(bd BlockDevice) (v *Volume, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	bcm := NewBlockCacheManager(bd, DefaultCacheCapacity)

	bsh, err := MountBootSector(bd)
	log.PanicIf(err)

	return assembleVolume(bcm, bsh)
}

func assembleVolume(bcm *BlockCacheManager, bsh BootSectorHeader) (v *Volume, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	bitmapStart := bsh.ClusterHeapOffset
	bitmap := NewClusterBitmap(bcm, bitmapStart, bcm.bd.BlockSize(), bsh.ClusterCount)

	_, err = bitmap.CountAllocated()
	log.PanicIf(err)

	fat := NewFileAllocationTable(bcm, bsh.FatOffset, bsh.FatLength, bsh.BytesPerSectorShift)

	sectorsPerCluster := uint32(1) << bsh.SectorsPerClusterShift
	cm := NewClusterChainManager(bcm, bitmap, fat, bsh.ClusterHeapOffset, sectorsPerCluster)

	upcase, err := LoadUpCaseTable(cm)
	log.PanicIf(err)

	dm := NewDirectoryManager(cm, upcase)
	fc := NewFileContentManager(cm)

	return &Volume{
		bd:     bcm.bd,
		bcm:    bcm,
		bsh:    bsh,
		bitmap: bitmap,
		fat:    fat,
		cm:     cm,
		upcase: upcase,
		dm:     dm,
		fc:     fc,
	}, nil
}

// FormatVolume lays out a brand-new volume on bd and mounts it, composing
// bootsector.Format with FormatFAT, FormatClusterBitmap, and a freshly
// generated up-case table (§4.2-§4.7).
func FormatVolume(bd BlockDevice, p FormatParams) (v *Volume, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	bsh, err := Format(bd, p)
	log.PanicIf(err)

	bcm := NewBlockCacheManager(bd, DefaultCacheCapacity)

	fat := NewFileAllocationTable(bcm, bsh.FatOffset, bsh.FatLength, bsh.BytesPerSectorShift)
	err = FormatFAT(fat)
	log.PanicIf(err)

	bitmap, err := FormatClusterBitmap(bcm, bsh.ClusterHeapOffset, bcm.bd.BlockSize(), bsh.ClusterCount)
	log.PanicIf(err)

	sectorsPerCluster := uint32(1) << bsh.SectorsPerClusterShift
	cm := NewClusterChainManager(bcm, bitmap, fat, bsh.ClusterHeapOffset, sectorsPerCluster)

	// The root directory occupies its fixed single cluster (4); clear it so
	// the first scan sees an immediate 0x00 end-of-directory marker, and
	// terminate its chain since RootRef always describes the root as
	// fragmented (there is no stream extension entry to carry a cluster
	// count for it).
	err = cm.clearCluster(ClusterIDRoot)
	log.PanicIf(err)

	err = fat.SetNext(ClusterIDRoot, ClusterIDEOF)
	log.PanicIf(err)

	upcase := GenerateUpCaseTable()
	err = upcase.Save(cm)
	log.PanicIf(err)

	if p.VolumeLabel != "" {
		err = writeVolumeLabel(bcm, bsh, p.VolumeLabel)
		log.PanicIf(err)
	}

	err = bcm.SyncAll()
	log.PanicIf(err)

	dm := NewDirectoryManager(cm, upcase)
	fc := NewFileContentManager(cm)

	return &Volume{
		bd:     bd,
		bcm:    bcm,
		bsh:    bsh,
		bitmap: bitmap,
		fat:    fat,
		cm:     cm,
		upcase: upcase,
		dm:     dm,
		fc:     fc,
	}, nil
}

// writeVolumeLabel is a supplemented convenience: format()'s spec lists a
// volume label argument, but the label itself lives in a benign directory
// entry (§4.7's 0x83), not the boot sector, so format() stamps it into the
// freshly cleared root directory.
func writeVolumeLabel(bcm *BlockCacheManager, bsh BootSectorHeader, label string) (err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	codeUnits := []uint16{}
	for _, r := range label {
		if r > 0xffff {
			continue
		}
		codeUnits = append(codeUnits, uint16(r))
	}
	if len(codeUnits) > 11 {
		codeUnits = codeUnits[:11]
	}

	var labelBytes [30]byte
	for i, c := range codeUnits {
		defaultEncoding.PutUint16(labelBytes[i*2:i*2+2], c)
	}

	entry := ExfatVolumeLabelDirectoryEntry{
		EntryType:      EntryTypeVolumeLabel,
		CharacterCount: uint8(len(codeUnits)),
		VolumeLabel:    labelBytes,
	}

	raw, err := restruct.Pack(defaultEncoding, &entry)
	log.PanicIf(err)

	sectorsPerCluster := uint32(1) << bsh.SectorsPerClusterShift
	heapBlock := bsh.ClusterHeapOffset + (ClusterIDRoot-ClusterIDFirstValid)*sectorsPerCluster

	cl, err := bcm.Get(heapBlock)
	log.PanicIf(err)

	cl.Modify(func(buf []byte) {
		copy(buf[0:32], raw)
	})

	bcm.Release(cl)

	return nil
}

// Path resolution -----------------------------------------------------------

func splitPath(path string) []string {
	parts := strings.Split(path, "/")

	segments := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			segments = append(segments, p)
		}
	}

	return segments
}

// rootMetadata is the distinguished metadata variant for "/" (§4.11): no
// backing entry set, a directory, its stream is the root's chain.
func (v *Volume) rootMetadata() FileMetadata {
	return FileMetadata{
		Name:         "",
		IsDirectory:  true,
		FirstCluster: v.bsh.FirstClusterOfRootDirectory,
		NoFatChain:   false,
	}
}

func (v *Volume) isRoot(meta FileMetadata) bool {
	return meta.FirstCluster == v.bsh.FirstClusterOfRootDirectory && meta.DataLength == 0 && meta.Name == ""
}

func (v *Volume) refFor(meta FileMetadata) (DirectoryRef, error) {
	if v.isRoot(meta) {
		return v.dm.RootRef(v.bsh.FirstClusterOfRootDirectory), nil
	}
	return v.dm.RefFor(meta)
}

// Find resolves path to its metadata, walking each component through the
// directory manager starting from the root (§6.4): find(path) ->
// (Option<parent_metadata>, metadata). parent is nil exactly when path names
// the root, which has no parent of its own.
func (v *Volume) Find(path string) (parent *FileMetadata, meta FileMetadata, found bool, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	segments := splitPath(path)

	current := v.rootMetadata()
	if len(segments) == 0 {
		return nil, current, true, nil
	}

	var parentMeta FileMetadata

	for i, name := range segments {
		ref, rerr := v.refFor(current)
		log.PanicIf(rerr)

		next, ok, ferr := v.dm.Lookup(ref, name)
		log.PanicIf(ferr)

		if !ok {
			return nil, FileMetadata{}, false, nil
		}

		if i < len(segments)-1 && !next.IsDirectory {
			return nil, FileMetadata{}, false, log.Errorf("(%s) is not a directory", name)
		}

		parentMeta = current
		current = next
	}

	return &parentMeta, current, true, nil
}

// findOne is Find without the Option<parent> plumbing, for call sites that
// only need the resolved metadata itself.
func (v *Volume) findOne(path string) (meta FileMetadata, found bool, err error) {
	_, meta, found, err = v.Find(path)
	return meta, found, err
}

// List returns the metadata of every entry directly under path.
func (v *Volume) List(path string) (metas []FileMetadata, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	meta, found, err := v.findOne(path)
	log.PanicIf(err)

	if !found {
		return nil, log.Errorf("no such path (%s)", path)
	}
	if !meta.IsDirectory {
		return nil, log.Errorf("(%s) is not a directory", path)
	}

	ref, err := v.refFor(meta)
	log.PanicIf(err)

	return v.dm.List(ref)
}

func splitParentChild(path string) (parentPath string, name string, err error) {
	segments := splitPath(path)
	if len(segments) == 0 {
		return "", "", log.Errorf("cannot operate on the root directory itself")
	}

	name = segments[len(segments)-1]
	parentPath = "/" + strings.Join(segments[:len(segments)-1], "/")

	return parentPath, name, nil
}

// Touch creates a new, empty file or directory at path with the given
// attributes, stamping every timestamp field to timestampMs (§6.4):
// touch(path, attributes, timestamp_ms) -> (parent_metadata, metadata). The
// entry is a directory iff attrs carries the directory attribute bit.
func (v *Volume) Touch(path string, attrs FileAttributes, timestampMs int64) (parent FileMetadata, meta FileMetadata, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	err = validateTimestampMillis(timestampMs)
	log.PanicIf(err)

	parentPath, name, err := splitParentChild(path)
	log.PanicIf(err)

	parentMeta, found, err := v.findOne(parentPath)
	log.PanicIf(err)
	if !found || !parentMeta.IsDirectory {
		return FileMetadata{}, FileMetadata{}, log.Errorf("parent directory (%s) does not exist", parentPath)
	}

	isDirectory := attrs.IsDirectory()

	t := time.UnixMilli(timestampMs).UTC()

	meta = FileMetadata{
		Name:        name,
		IsDirectory: isDirectory,
		Attributes:  attrs,
		CreateTime:  t,
		ModifyTime:  t,
		AccessTime:  t,
	}

	if isDirectory {
		head, isFragment, aerr := v.cm.AllocateChain(ClusterIDEOF, 1, false)
		log.PanicIf(aerr)

		err = v.cm.clearCluster(head)
		log.PanicIf(err)

		meta.FirstCluster = head
		meta.NoFatChain = !isFragment
		meta.DataLength = uint64(v.cm.SectorsPerCluster()) * uint64(v.bd.BlockSize())
		meta.ValidLength = meta.DataLength
	} else {
		meta.FirstCluster = ClusterIDEOF
	}

	parentRef, err := v.refFor(parentMeta)
	log.PanicIf(err)

	newParentRef, newParentSize, err := v.dm.Create(parentRef, meta)
	log.PanicIf(err)

	parentMeta, err = v.persistParentSize(parentPath, parentMeta, newParentRef, newParentSize)
	log.PanicIf(err)

	err = v.bcm.SyncAll()
	log.PanicIf(err)

	return parentMeta, meta, nil
}

// persistParentSize writes parentMeta's grown DataLength back through
// Modify, skipping the root directory, which has no entry set of its own to
// update (§4.11), and returns the metadata callers should now hold for
// parentMeta (DataLength/ValidLength refreshed when they changed).
// parentPath is the path Touch/Move already resolved parentMeta from, so no
// re-resolution is needed here.
func (v *Volume) persistParentSize(parentPath string, parentMeta FileMetadata, parentRef DirectoryRef, newSize uint64) (updated FileMetadata, err error) {
	noFatChain := !parentRef.IsFragment

	if parentPath == "/" || parentPath == "" {
		return parentMeta, nil
	}
	if newSize == parentMeta.DataLength && noFatChain == parentMeta.NoFatChain {
		return parentMeta, nil
	}

	updated = parentMeta
	updated.DataLength = newSize
	updated.ValidLength = newSize
	updated.NoFatChain = noFatChain

	grandparentPath, _, err := splitParentChild(parentPath)
	if err != nil {
		return parentMeta, err
	}

	grandparentMeta, found, err := v.findOne(grandparentPath)
	if err != nil {
		return parentMeta, err
	}
	if !found {
		return parentMeta, log.Errorf("could not locate parent of (%s) to persist size", parentMeta.Name)
	}

	grandparentRef, err := v.refFor(grandparentMeta)
	if err != nil {
		return parentMeta, err
	}

	if err = v.dm.Modify(grandparentRef, updated); err != nil {
		return parentMeta, err
	}

	return updated, nil
}

// Delete removes the entry at path (§6.4). Rejects non-empty directories.
func (v *Volume) Delete(path string) (err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	meta, found, err := v.findOne(path)
	log.PanicIf(err)
	if !found {
		return log.Errorf("no such path (%s)", path)
	}

	if meta.IsDirectory {
		ref, rerr := v.refFor(meta)
		log.PanicIf(rerr)

		children, lerr := v.dm.List(ref)
		log.PanicIf(lerr)

		if len(children) > 0 {
			return log.Errorf("directory (%s) is not empty", path)
		}
	}

	parentPath, name, err := splitParentChild(path)
	log.PanicIf(err)

	parentMeta, found, err := v.findOne(parentPath)
	log.PanicIf(err)
	if !found {
		return log.Errorf("no such parent (%s)", parentPath)
	}

	parentRef, err := v.refFor(parentMeta)
	log.PanicIf(err)

	err = v.dm.Delete(parentRef, name)
	log.PanicIf(err)

	if meta.FirstCluster != 0 && meta.FirstCluster != ClusterIDEOF {
		clusterCount := uint32((meta.DataLength + uint64(v.cm.SectorsPerCluster())*uint64(v.bd.BlockSize()) - 1) / (uint64(v.cm.SectorsPerCluster()) * uint64(v.bd.BlockSize())))
		err = v.cm.FreeChain(meta.FirstCluster, clusterCount, !meta.NoFatChain)
		log.PanicIf(err)
	}

	err = v.bcm.SyncAll()
	log.PanicIf(err)

	return nil
}

// Clear truncates meta's content to zero length, freeing its chain (§6.4):
// clear(file_metadata, timestamp_ms). Like write, it does not persist the
// result; the caller must follow with update_metadata using the returned
// value.
func (v *Volume) Clear(meta FileMetadata, timestampMs int64) (updated FileMetadata, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	err = validateTimestampMillis(timestampMs)
	log.PanicIf(err)

	if meta.IsDirectory {
		return FileMetadata{}, log.Errorf("(%s) is a directory", meta.Name)
	}

	updated, err = v.fc.Clear(meta)
	log.PanicIf(err)

	updated.ModifyTime = time.UnixMilli(timestampMs).UTC()

	return updated, nil
}

// Read reads file data starting at the given byte offset (§6.4; wraps the
// file content manager).
func (v *Volume) Read(meta FileMetadata, offset uint64, buf []byte) (n int, err error) {
	return v.fc.ReadAt(meta, offset, buf)
}

// Write writes file data, mutating *meta in place with the resulting size,
// first cluster, and contiguity, and returns only the byte count written
// (§6.4): write(file_metadata, offset, buf) -> bytes_written. Nothing is
// persisted here; the caller must follow with update_metadata, passing the
// now-updated *meta.
func (v *Volume) Write(meta *FileMetadata, offset uint64, buf []byte) (n int, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	updated, n, err := v.fc.WriteAt(*meta, offset, buf)
	log.PanicIf(err)

	*meta = updated

	return n, nil
}

// UpdateMetadata persists mutated fields of metadata (attributes, timestamps,
// size, first cluster) into parentMetadata's directory stream (§6.4):
// update_metadata(parent_metadata, metadata).
func (v *Volume) UpdateMetadata(parentMetadata FileMetadata, metadata FileMetadata) (err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	parentRef, err := v.refFor(parentMetadata)
	log.PanicIf(err)

	return v.dm.Modify(parentRef, metadata)
}

// Move renames/relocates an entry via delete-then-create (§4.9 documents
// this is how the directory manager's modify intentionally does not support
// renames), returning the destination's parent metadata alongside the moved
// entry's metadata (§6.4): move(old, new, timestamp_ms) -> (parent_metadata,
// metadata).
func (v *Volume) Move(oldPath string, newPath string, timestampMs int64) (parent FileMetadata, meta FileMetadata, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	err = validateTimestampMillis(timestampMs)
	log.PanicIf(err)

	meta, found, err := v.findOne(oldPath)
	log.PanicIf(err)
	if !found {
		return FileMetadata{}, FileMetadata{}, log.Errorf("no such path (%s)", oldPath)
	}

	newParentPath, newName, err := splitParentChild(newPath)
	log.PanicIf(err)

	newParentMeta, found, err := v.findOne(newParentPath)
	log.PanicIf(err)
	if !found || !newParentMeta.IsDirectory {
		return FileMetadata{}, FileMetadata{}, log.Errorf("destination parent (%s) does not exist", newParentPath)
	}

	oldParentPath, oldName, err := splitParentChild(oldPath)
	log.PanicIf(err)

	oldParentMeta, found, err := v.findOne(oldParentPath)
	log.PanicIf(err)
	if !found {
		return FileMetadata{}, FileMetadata{}, log.Errorf("no such parent (%s)", oldParentPath)
	}

	moved := meta
	moved.Name = newName
	moved.ModifyTime = time.UnixMilli(timestampMs).UTC()

	newParentRef, err := v.refFor(newParentMeta)
	log.PanicIf(err)

	updatedNewParentRef, newParentSize, err := v.dm.Create(newParentRef, moved)
	log.PanicIf(err)

	newParentMeta, err = v.persistParentSize(newParentPath, newParentMeta, updatedNewParentRef, newParentSize)
	log.PanicIf(err)

	oldParentRef, err := v.refFor(oldParentMeta)
	log.PanicIf(err)

	err = v.dm.Delete(oldParentRef, oldName)
	log.PanicIf(err)

	err = v.bcm.SyncAll()
	log.PanicIf(err)

	return newParentMeta, moved, nil
}

// Sync flushes every dirty cache line, standing in for unmount's implicit
// sync (§4.11: "unmount (implicit via destroy): syncs cache").
func (v *Volume) Sync() error {
	return v.bcm.SyncAll()
}
