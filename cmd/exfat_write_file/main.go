package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dsoprea/go-logging"
	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"

	exfat "github.com/oranix/go-xfat"
	"github.com/oranix/go-xfat/internal/blockdev"
)

type rootParameters struct {
	FilesystemFilepath string `short:"f" long:"filesystem-filepath" description:"File-path of exFAT filesystem" required:"true"`
	SourceFilepath     string `short:"i" long:"input-filepath" description:"Local file to copy in" required:"true"`
	EntryPath          string `short:"p" long:"path" description:"Destination path inside the filesystem (use forward slashes)" required:"true"`
	BytesPerSector     uint32 `long:"bytes-per-sector" description:"Bytes per sector" default:"512"`
	VolumeSectors      uint64 `long:"volume-sectors" description:"Volume size, in sectors, as originally formatted" required:"true"`
}

var (
	rootArguments = new(rootParameters)
)

const writeChunkSize = 1 << 20

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

	src, err := os.Open(rootArguments.SourceFilepath)
	log.PanicIf(err)

	defer src.Close()

	fd, err := blockdev.OpenFileDevice(rootArguments.FilesystemFilepath, rootArguments.BytesPerSector, uint32(rootArguments.VolumeSectors))
	log.PanicIf(err)

	defer fd.Close()

	v, err := exfat.Mount(fd)
	log.PanicIf(err)

	nowMillis := time.Now().UnixMilli()

	parentPtr, meta, found, err := v.Find(rootArguments.EntryPath)
	log.PanicIf(err)

	var parentMeta exfat.FileMetadata

	if !found {
		parentMeta, meta, err = v.Touch(rootArguments.EntryPath, exfat.FileAttributes(0), nowMillis)
		log.PanicIf(err)
	} else {
		if meta.IsDirectory {
			log.Panicf("(%s) is a directory", rootArguments.EntryPath)
		}
		if parentPtr == nil {
			log.Panicf("(%s) has no parent", rootArguments.EntryPath)
		}
		parentMeta = *parentPtr
	}

	buf := make([]byte, writeChunkSize)
	var offset uint64
	var total uint64

	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			written, werr := v.Write(&meta, offset, buf[:n])
			log.PanicIf(werr)

			offset += uint64(written)
			total += uint64(written)
		}

		if rerr == io.EOF {
			break
		}
		log.PanicIf(rerr)
	}

	err = v.UpdateMetadata(parentMeta, meta)
	log.PanicIf(err)

	err = v.Sync()
	log.PanicIf(err)

	err = fd.Sync()
	log.PanicIf(err)

	fmt.Printf("%s bytes written to %s\n", humanize.Comma(int64(total)), rootArguments.EntryPath)
}
