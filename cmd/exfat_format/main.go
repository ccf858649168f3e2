package main

import (
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/jessevdk/go-flags"

	exfat "github.com/oranix/go-xfat"
	"github.com/oranix/go-xfat/internal/blockdev"
)

type rootParameters struct {
	Filepath          string `short:"f" long:"filepath" description:"File-path to create the volume image at" required:"true"`
	VolumeSectors     uint64 `short:"s" long:"volume-sectors" description:"Volume size, in sectors" required:"true"`
	BytesPerSector    uint32 `long:"bytes-per-sector" description:"Bytes per sector" default:"512"`
	SectorsPerCluster uint32 `long:"sectors-per-cluster" description:"Sectors per cluster" default:"8"`
	VolumeLabel       string `short:"l" long:"label" description:"Volume label"`
}

var (
	rootArguments = new(rootParameters)
)

func main() {
	defer func() {
		if state := recover(); state != nil {
			err := log.Wrap(state.(error))
			log.PrintError(err)
			os.Exit(-1)
		}
	}()

	p := flags.NewParser(rootArguments, flags.Default)

	_, err := p.Parse()
	if err != nil {
		os.Exit(1)
	}

	numBlocks := uint32(rootArguments.VolumeSectors)

	fd, err := blockdev.CreateFileDevice(rootArguments.Filepath, rootArguments.BytesPerSector, numBlocks)
	log.PanicIf(err)

	defer fd.Close()

	params := exfat.FormatParams{
		BytesPerSector:    rootArguments.BytesPerSector,
		SectorsPerCluster: rootArguments.SectorsPerCluster,
		VolumeLength:      rootArguments.VolumeSectors,
		VolumeLabel:       rootArguments.VolumeLabel,
	}

	_, err = exfat.FormatVolume(fd, params)
	log.PanicIf(err)

	err = fd.Sync()
	log.PanicIf(err)
}
