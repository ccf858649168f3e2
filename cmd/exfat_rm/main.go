package main

import (
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/jessevdk/go-flags"

	exfat "github.com/oranix/go-xfat"
	"github.com/oranix/go-xfat/internal/blockdev"
)

type rootParameters struct {
	FilesystemFilepath string `short:"f" long:"filesystem-filepath" description:"File-path of exFAT filesystem" required:"true"`
	EntryPath          string `short:"p" long:"path" description:"Path of the entry to remove (use forward slashes)" required:"true"`
	BytesPerSector     uint32 `long:"bytes-per-sector" description:"Bytes per sector" default:"512"`
	VolumeSectors      uint64 `long:"volume-sectors" description:"Volume size, in sectors, as originally formatted" required:"true"`
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

	fd, err := blockdev.OpenFileDevice(rootArguments.FilesystemFilepath, rootArguments.BytesPerSector, uint32(rootArguments.VolumeSectors))
	log.PanicIf(err)

	defer fd.Close()

	v, err := exfat.Mount(fd)
	log.PanicIf(err)

	err = v.Delete(rootArguments.EntryPath)
	log.PanicIf(err)

	err = v.Sync()
	log.PanicIf(err)

	err = fd.Sync()
	log.PanicIf(err)
}
