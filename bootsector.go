package exfat

import (
	"encoding/binary"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
)

// Boot-region geometry constants (§4.2, §6.2).
const (
	bootRegionBlockCount      = 12
	extendedBootSectorsStart  = 1
	extendedBootSectorsEnd    = 8
	extendedBootSignatureTail = uint32(0xaa550000)
	boundaryChecksumBlock     = 11
)

// BootChecksum accumulates the 32-bit boot-region checksum (§4.2): a
// byte-at-a-time right-rotate-and-add over blocks 0..=10, skipping the
// volume-flags and percent-in-use bytes of block 0. Grounded directly in
// original_source/fs/src/ex_fat/boot_sector.rs's BootChecksum::add_sector.
type BootChecksum uint32

// AddBlock folds one block's bytes into the running checksum. isBootSector
// must be true only for block 0 (the boot sector itself carries the
// volatile fields that are excluded).
func (c BootChecksum) AddBlock(block []byte, isBootSector bool) BootChecksum {
	checksum := uint32(c)

	for index, b := range block {
		if isBootSector && (index == 106 || index == 107 || index == 112) {
			continue
		}

		checksum = ((checksum << 31) | (checksum >> 1)) + uint32(b)
	}

	return BootChecksum(checksum)
}

// computeBootRegionChecksum reads blocks 0..=10 back from bd and folds them
// into a single checksum, matching the format-time and mount-time
// computation described in §4.2.
func computeBootRegionChecksum(bd BlockDevice) (checksum uint32, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	var c BootChecksum
	buf := make([]byte, bd.BlockSize())

	for i := uint32(0); i < boundaryChecksumBlock; i++ {
		err = bd.ReadBlock(i, buf)
		log.PanicIf(err)

		c = c.AddBlock(buf, i == 0)
	}

	return uint32(c), nil
}

// FormatParams describes the geometry format() needs to lay out the boot
// region, FAT, and cluster heap (§4.2).
type FormatParams struct {
	BytesPerSector     uint32
	SectorsPerCluster  uint32
	VolumeLength       uint64 // in sectors
	VolumeLabel        string
	VolumeSerialNumber uint32
}

// layout is the derived geometry format() computes from FormatParams,
// following §4.2's formulas verbatim.
type layout struct {
	bytesPerSectorShift    uint8
	sectorsPerClusterShift uint8
	bootReserve            uint32
	fatOffset              uint32
	fatLength              uint32
	clusterHeapOffset      uint32
	clusterCount           uint32
}

func trailingZeros32(v uint32) uint8 {
	n := uint8(0)
	for v > 1 {
		v >>= 1
		n++
	}
	return n
}

func computeLayout(p FormatParams) layout {
	l := layout{
		bytesPerSectorShift:    trailingZeros32(p.BytesPerSector),
		sectorsPerClusterShift: trailingZeros32(p.SectorsPerCluster),
		bootReserve:            24,
	}

	// Round the boot region up to a cluster boundary.
	if rem := l.bootReserve % p.SectorsPerCluster; rem != 0 {
		l.bootReserve += p.SectorsPerCluster - rem
	}

	l.fatOffset = l.bootReserve

	usableSectors := uint32(p.VolumeLength) - l.bootReserve
	clustersUpperBound := usableSectors / p.SectorsPerCluster

	// Minimal F such that F*S*block_size/4 >= clusterCount + 2, where
	// clusterCount is what is left of the usable sectors after the F-cluster
	// FAT, divided by S; solved by
	// iterating upward from the smallest plausible FAT length; volumes in
	// this package are small enough that this converges in a handful of
	// steps.
	fatLen := uint32(1)
	for {
		entriesPerFat := (fatLen * p.SectorsPerCluster * p.BytesPerSector) / 4
		heapSectors := usableSectors - fatLen*p.SectorsPerCluster
		clusterCount := heapSectors / p.SectorsPerCluster

		if entriesPerFat >= clusterCount+2 {
			l.fatLength = fatLen * p.SectorsPerCluster
			l.clusterHeapOffset = l.fatOffset + l.fatLength
			l.clusterCount = clusterCount
			break
		}

		fatLen++

		if fatLen > clustersUpperBound+1 {
			log.Panicf("could not converge on a FAT length for volume length (%d)", p.VolumeLength)
		}
	}

	return l
}

// Format writes a fresh boot region (boot sector, extended boot sectors,
// OEM parameters region, reserved sectors, and checksum block) to bd,
// following §4.2. It does not format the FAT, bitmap, up-case table, or
// root directory; FormatVolume composes this with FormatFAT,
// FormatClusterBitmap, and the up-case table writer.
func Format(bd BlockDevice, p FormatParams) (bsh BootSectorHeader, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	l := computeLayout(p)

	bsh = BootSectorHeader{
		JumpBoot:                    [3]byte{0xeb, 0x76, 0x90},
		FileSystemName:              [8]byte{'E', 'X', 'F', 'A', 'T', ' ', ' ', ' '},
		PartitionOffset:             0,
		VolumeLength:                p.VolumeLength,
		FatOffset:                   l.fatOffset,
		FatLength:                   l.fatLength,
		ClusterHeapOffset:           l.clusterHeapOffset,
		ClusterCount:                l.clusterCount,
		FirstClusterOfRootDirectory: ClusterIDRoot,
		VolumeSerialNumber:          p.VolumeSerialNumber,
		FileSystemRevision:          [2]uint8{0, 1},
		VolumeFlags:                 0,
		BytesPerSectorShift:         l.bytesPerSectorShift,
		SectorsPerClusterShift:      l.sectorsPerClusterShift,
		NumberOfFats:                1,
		DriveSelect:                 0,
		PercentInUse:                0xff,
		BootSignature:               0xaa55,
	}

	raw, err := restruct.Pack(defaultEncoding, &bsh)
	log.PanicIf(err)

	block0 := make([]byte, p.BytesPerSector)
	copy(block0, raw)

	err = bd.WriteBlock(0, block0)
	log.PanicIf(err)

	extended := make([]byte, p.BytesPerSector)
	binary.LittleEndian.PutUint32(extended[len(extended)-4:], extendedBootSignatureTail)

	for i := uint32(extendedBootSectorsStart); i <= extendedBootSectorsEnd; i++ {
		err = bd.WriteBlock(i, extended)
		log.PanicIf(err)
	}

	zero := make([]byte, p.BytesPerSector)
	for i := uint32(9); i <= 10; i++ {
		err = bd.WriteBlock(i, zero)
		log.PanicIf(err)
	}

	checksum, err := computeBootRegionChecksum(bd)
	log.PanicIf(err)

	checksumBlock := make([]byte, p.BytesPerSector)
	for i := 0; i+4 <= len(checksumBlock); i += 4 {
		binary.LittleEndian.PutUint32(checksumBlock[i:i+4], checksum)
	}

	err = bd.WriteBlock(boundaryChecksumBlock, checksumBlock)
	log.PanicIf(err)

	return bsh, nil
}

// MountBootSector reads and validates the boot region (§4.2), returning the
// decoded boot sector. It scans forward from block 0 for the exFAT signature
// (§9 notes this can misread a device with multiple candidate boot regions;
// callers that know their layout should use MountBootSectorAt).
func MountBootSector(bd BlockDevice) (bsh BootSectorHeader, err error) {
	raw := make([]byte, bd.BlockSize())

	for i := uint32(0); i < bd.NumBlocks(); i++ {
		if err := bd.ReadBlock(i, raw); err != nil {
			return bsh, err
		}

		if string(raw[3:11]) == "EXFAT   " && raw[510] == 0x55 && raw[511] == 0xaa {
			return MountBootSectorAt(bd, i)
		}
	}

	return bsh, log.Errorf("no exFAT boot sector found")
}

// MountBootSectorAt is like MountBootSector but reads the boot sector at an
// explicit block index, for callers that know their exact layout (§9).
func MountBootSectorAt(bd BlockDevice, bootBlock uint32) (bsh BootSectorHeader, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	raw := make([]byte, bd.BlockSize())

	err = bd.ReadBlock(bootBlock, raw)
	log.PanicIf(err)

	err = restruct.Unpack(raw, defaultEncoding, &bsh)
	log.PanicIf(err)

	err = validateBootSector(bsh)
	log.PanicIf(err)

	checksum, err := computeBootRegionChecksum(bd)
	log.PanicIf(err)

	checksumBlock := make([]byte, bd.BlockSize())
	err = bd.ReadBlock(boundaryChecksumBlock, checksumBlock)
	log.PanicIf(err)

	if binary.LittleEndian.Uint32(checksumBlock[:4]) != checksum {
		log.Panicf("boot-region checksum mismatch: stored (0x%08x) != computed (0x%08x)", binary.LittleEndian.Uint32(checksumBlock[:4]), checksum)
	}

	return bsh, nil
}

// validateBootSector implements §4.2's structural validation list.
func validateBootSector(bsh BootSectorHeader) (err error) {
	if bsh.BootSignature != 0xaa55 {
		return log.Errorf("invalid boot signature: (0x%04x)", bsh.BootSignature)
	}

	if string(bsh.FileSystemName[:]) != "EXFAT   " {
		return log.Errorf("invalid filesystem name: [%s]", string(bsh.FileSystemName[:]))
	}

	for _, b := range bsh.MustBeZero {
		if b != 0 {
			return log.Errorf("must-be-zero field is not all zeros")
		}
	}

	if bsh.NumberOfFats != 1 {
		return log.Errorf("unsupported number of FATs: (%d)", bsh.NumberOfFats)
	}

	if bsh.BytesPerSectorShift != 9 {
		return log.Errorf("unsupported bytes-per-sector-shift: (%d)", bsh.BytesPerSectorShift)
	}

	if bsh.SectorsPerClusterShift > 16 {
		return log.Errorf("sectors-per-cluster-shift too large: (%d)", bsh.SectorsPerClusterShift)
	}

	if (bsh.FatLength << bsh.BytesPerSectorShift) < ((bsh.ClusterCount + 2) << 2) {
		return log.Errorf("FAT too small for cluster count: fat_length=(%d) cluster_count=(%d)", bsh.FatLength, bsh.ClusterCount)
	}

	if bsh.ClusterHeapOffset < bsh.FatOffset+bsh.FatLength {
		return log.Errorf("cluster heap offset precedes FAT end: (%d) < (%d)", bsh.ClusterHeapOffset, bsh.FatOffset+bsh.FatLength)
	}

	if bsh.VolumeFlags.IsDirty() {
		return log.Errorf("volume was not properly unmounted; run fsck")
	}

	if bsh.VolumeFlags.HasHadMediaFailures() {
		return log.Errorf("medium has reported failures; some data may be lost")
	}

	return nil
}
