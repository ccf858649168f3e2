//go:build linux
// +build linux

package main

import (
	"os"
	"os/signal"
	"syscall"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
	"github.com/dsoprea/go-logging"
	"github.com/jessevdk/go-flags"

	exfat "github.com/oranix/go-xfat"
	"github.com/oranix/go-xfat/internal/blockdev"
	xfatfuse "github.com/oranix/go-xfat/internal/fusefs"
)

type rootParameters struct {
	FilesystemFilepath string `short:"f" long:"filesystem-filepath" description:"File-path of exFAT filesystem" required:"true"`
	Mountpoint         string `short:"m" long:"mountpoint" description:"Directory to mount the filesystem at" required:"true"`
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

	c, err := fuse.Mount(rootArguments.Mountpoint)
	log.PanicIf(err)

	defer c.Close()

	root := xfatfuse.New(v)

	go func() {
		srv := fusefs.New(c, nil)

		serveErr := srv.Serve(root)
		if serveErr != nil {
			log.PrintError(log.Wrap(serveErr))
		}
	}()

	waitForUnmount(rootArguments.Mountpoint)

	err = v.Sync()
	log.PanicIf(err)

	err = fd.Sync()
	log.PanicIf(err)
}

// waitForUnmount blocks until SIGINT/SIGTERM, then asks the kernel to
// unmount, following ostafen-digler's internal/fuse.waitForUmount.
func waitForUnmount(mountpoint string) {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)

	<-sigc

	err := fuse.Unmount(mountpoint)
	log.PanicIf(err)
}
