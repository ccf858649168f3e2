package main

import (
	"os"
	"time"

	"github.com/dsoprea/go-logging"
	"github.com/jessevdk/go-flags"

	exfat "github.com/oranix/go-xfat"
	"github.com/oranix/go-xfat/internal/blockdev"
)

type rootParameters struct {
	FilesystemFilepath string `short:"f" long:"filesystem-filepath" description:"File-path of exFAT filesystem" required:"true"`
	EntryPath          string `short:"p" long:"path" description:"Path of the entry to create (use forward slashes)" required:"true"`
	Directory          bool   `short:"d" long:"directory" description:"Create a directory instead of an empty file"`
	ReadOnly           bool   `long:"read-only" description:"Set the read-only attribute"`
	Hidden             bool   `long:"hidden" description:"Set the hidden attribute"`
	BytesPerSector     uint32 `long:"bytes-per-sector" description:"Bytes per sector" default:"512"`
	VolumeSectors      uint64 `long:"volume-sectors" description:"Volume size, in sectors, as originally formatted" required:"true"`
}

var (
	rootArguments = new(rootParameters)
)

func attributesFrom(p *rootParameters) exfat.FileAttributes {
	var attrs exfat.FileAttributes

	if p.ReadOnly {
		attrs |= 1
	}
	if p.Hidden {
		attrs |= 2
	}
	if p.Directory {
		attrs |= 16
	}

	return attrs
}

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

	nowMillis := time.Now().UnixMilli()

	_, _, err = v.Touch(rootArguments.EntryPath, attributesFrom(rootArguments), nowMillis)
	log.PanicIf(err)

	err = v.Sync()
	log.PanicIf(err)

	err = fd.Sync()
	log.PanicIf(err)
}
