package exfat

import (
	"github.com/dsoprea/go-logging"
)

// FileContentManager implements C10's read_at/write_at/expand/clear over a
// file's cluster chain, grounded in
// original_source/fs/src/ex_fat/file_manage.rs's FileManager.
type FileContentManager struct {
	cm *ClusterChainManager
}

// NewFileContentManager wraps an already-wired chain manager.
func NewFileContentManager(cm *ClusterChainManager) *FileContentManager {
	return &FileContentManager{cm: cm}
}

func (fc *FileContentManager) clusterBytes() uint64 {
	return uint64(fc.cm.SectorsPerCluster()) * uint64(fc.cm.bcm.bd.BlockSize())
}

// clusterAt walks meta's chain to the cluster holding byte offset off,
// returning that cluster and the offset's position within it.
func (fc *FileContentManager) clusterAt(meta FileMetadata, off uint64) (clusterID uint32, withinCluster uint64, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	clusterIndex := off / fc.clusterBytes()
	withinCluster = off % fc.clusterBytes()

	if meta.NoFatChain {
		return meta.FirstCluster + uint32(clusterIndex), withinCluster, nil
	}

	current := meta.FirstCluster
	for i := uint64(0); i < clusterIndex; i++ {
		next, ok, nerr := fc.cm.NextInChain(current)
		log.PanicIf(nerr)

		if !ok {
			log.Panicf("chain at (%d) ended before reaching offset (%d)", meta.FirstCluster, off)
		}

		current = next
	}

	return current, withinCluster, nil
}

// ReadAt reads into buf starting at offset off, returning the number of
// bytes actually read (zero once off >= meta.DataLength, per §4.10).
func (fc *FileContentManager) ReadAt(meta FileMetadata, off uint64, buf []byte) (n int, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	if off >= meta.DataLength {
		return 0, nil
	}

	blockSize := uint64(fc.cm.bcm.bd.BlockSize())

	remaining := len(buf)
	cursor := off

	for remaining > 0 && cursor < meta.DataLength {
		clusterID, withinCluster, cerr := fc.clusterAt(meta, cursor)
		log.PanicIf(cerr)

		sector := uint32(withinCluster / blockSize)
		withinSector := withinCluster % blockSize

		chunk := blockSize - withinSector
		if fileRemaining := meta.DataLength - cursor; uint64(chunk) > fileRemaining {
			chunk = fileRemaining
		}
		if uint64(remaining) < chunk {
			chunk = uint64(remaining)
		}

		cl, serr := fc.cm.SectorFor(clusterID, sector)
		log.PanicIf(serr)

		cl.Read(func(sbuf []byte) {
			copy(buf[n:n+int(chunk)], sbuf[withinSector:withinSector+chunk])
		})

		fc.cm.bcm.Release(cl)

		n += int(chunk)
		cursor += chunk
		remaining -= int(chunk)
	}

	return n, nil
}

// Expand grows meta's chain by delta clusters, allocating each new cluster
// with a locality hint of the current tail+1 (or "no preference" if the file
// was empty),
// promoting a contiguous chain to fragmented if the new clusters don't
// extend it contiguously (§4.10). The caller persists the updated metadata.
func (fc *FileContentManager) Expand(meta FileMetadata, delta uint32) (updated FileMetadata, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	if delta == 0 {
		return meta, nil
	}

	updated = meta

	if meta.FirstCluster == ClusterIDEOF || meta.FirstCluster == 0 {
		head, isFragment, aerr := fc.cm.AllocateChain(ClusterIDEOF, delta, false)
		log.PanicIf(aerr)

		updated.FirstCluster = head
		updated.NoFatChain = !isFragment

		return updated, nil
	}

	currentClusterCount := (meta.DataLength + fc.clusterBytes() - 1) / fc.clusterBytes()
	if currentClusterCount == 0 {
		currentClusterCount = 1
	}

	tail, _, terr := fc.clusterAt(meta, (currentClusterCount-1)*fc.clusterBytes())
	log.PanicIf(terr)

	isFragment := !meta.NoFatChain
	currentLength := uint32(currentClusterCount)

	for i := uint32(0); i < delta; i++ {
		newCluster, nowFragment, aerr := fc.cm.AppendCluster(updated.FirstCluster, currentLength, tail, isFragment)
		log.PanicIf(aerr)

		isFragment = nowFragment
		tail = newCluster
		currentLength++
	}

	updated.NoFatChain = !isFragment

	return updated, nil
}

// WriteAt writes buf at offset off, expanding the chain first if the write
// extends past the current allocation (§4.10: new_size = max(size,
// offset+len), expand(meta, delta) before the sectorwise copy). Rejects
// directories and read-only files. The caller persists the returned
// metadata via the directory manager's Modify.
func (fc *FileContentManager) WriteAt(meta FileMetadata, off uint64, buf []byte) (updated FileMetadata, n int, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	if meta.IsDirectory {
		return meta, 0, log.Errorf("cannot write file data to a directory")
	}
	if meta.Attributes.IsReadOnly() {
		return meta, 0, log.Errorf("(%s) is read-only", meta.Name)
	}

	updated = meta

	newSize := meta.DataLength
	if off+uint64(len(buf)) > newSize {
		newSize = off + uint64(len(buf))
	}

	if newSize > meta.DataLength {
		oldClusterCount := (meta.DataLength + fc.clusterBytes() - 1) / fc.clusterBytes()
		newClusterCount := (newSize + fc.clusterBytes() - 1) / fc.clusterBytes()

		if newClusterCount > oldClusterCount {
			updated, err = fc.Expand(updated, uint32(newClusterCount-oldClusterCount))
			log.PanicIf(err)
		}
	}

	updated.DataLength = newSize
	updated.ValidLength = newSize

	blockSize := uint64(fc.cm.bcm.bd.BlockSize())

	remaining := len(buf)
	cursor := off

	for remaining > 0 {
		clusterID, withinCluster, cerr := fc.clusterAt(updated, cursor)
		log.PanicIf(cerr)

		sector := uint32(withinCluster / blockSize)
		withinSector := withinCluster % blockSize

		chunk := blockSize - withinSector
		if uint64(remaining) < chunk {
			chunk = uint64(remaining)
		}

		cl, serr := fc.cm.SectorFor(clusterID, sector)
		log.PanicIf(serr)

		cl.Modify(func(sbuf []byte) {
			copy(sbuf[withinSector:withinSector+chunk], buf[n:n+int(chunk)])
		})

		fc.cm.bcm.Release(cl)

		n += int(chunk)
		cursor += chunk
		remaining -= int(chunk)
	}

	err = fc.cm.bcm.SyncAll()
	log.PanicIf(err)

	return updated, n, nil
}

// Clear frees meta's entire chain and resets its size and first cluster to
// empty. The caller persists the returned metadata.
func (fc *FileContentManager) Clear(meta FileMetadata) (updated FileMetadata, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	updated = meta

	if meta.FirstCluster != 0 && meta.FirstCluster != ClusterIDEOF && meta.DataLength > 0 {
		clusterCount := uint32((meta.DataLength + fc.clusterBytes() - 1) / fc.clusterBytes())

		err = fc.cm.FreeChain(meta.FirstCluster, clusterCount, !meta.NoFatChain)
		log.PanicIf(err)
	}

	updated.FirstCluster = ClusterIDEOF
	updated.DataLength = 0
	updated.ValidLength = 0
	updated.NoFatChain = false

	return updated, nil
}
