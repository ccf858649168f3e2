//go:build linux
// +build linux

// Package fusefs exposes a mounted Volume through bazil.org/fuse, grounded
// in ostafen-digler's internal/fuse package (there, a read-only view over
// recovered files; here, the same Node/Dir/File split but backed by a
// writable exfat.Volume instead of an io.ReaderAt).
package fusefs

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"

	exfat "github.com/oranix/go-xfat"
)

// FS is the root of the mounted tree, wrapping a mounted Volume.
type FS struct {
	v *exfat.Volume

	mtx sync.Mutex
}

// New wraps an already-mounted volume for serving over FUSE.
func New(v *exfat.Volume) *FS {
	return &FS{v: v}
}

func (f *FS) Root() (fs.Node, error) {
	return &Dir{fs: f, path: "/"}, nil
}

func joinPath(dir, name string) string {
	if dir == "/" || dir == "" {
		return "/" + name
	}
	return dir + "/" + name
}

func attrFromMetadata(a *fuse.Attr, meta exfat.FileMetadata) {
	if meta.IsDirectory {
		a.Mode = os.ModeDir | 0755
	} else {
		mode := os.FileMode(0644)
		if meta.Attributes.IsReadOnly() {
			mode = 0444
		}
		a.Mode = mode
	}

	a.Size = meta.DataLength
	a.Mtime = meta.ModifyTime
	a.Ctime = meta.ModifyTime
	a.Crtime = meta.CreateTime
	a.Atime = meta.AccessTime
}

// Dir implements fs.Node, fs.NodeStringLookuper, fs.HandleReadDirAller,
// fs.NodeCreater, fs.NodeMkdirer, and fs.NodeRemover over one directory
// path. Unlike ostafen-digler's Dir (a fixed map built once at mount time),
// every method here re-resolves path against the volume, since entries can
// be created and removed after mount.
type Dir struct {
	fs   *FS
	path string
}

func (d *Dir) Attr(ctx context.Context, a *fuse.Attr) error {
	d.fs.mtx.Lock()
	defer d.fs.mtx.Unlock()

	_, meta, found, err := d.fs.v.Find(d.path)
	if err != nil {
		return err
	}
	if !found {
		return fuse.ENOENT
	}

	attrFromMetadata(a, meta)

	return nil
}

func (d *Dir) Lookup(ctx context.Context, name string) (fs.Node, error) {
	d.fs.mtx.Lock()
	defer d.fs.mtx.Unlock()

	childPath := joinPath(d.path, name)

	_, meta, found, err := d.fs.v.Find(childPath)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fuse.ENOENT
	}

	if meta.IsDirectory {
		return &Dir{fs: d.fs, path: childPath}, nil
	}

	return &File{fs: d.fs, path: childPath}, nil
}

func (d *Dir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	d.fs.mtx.Lock()
	defer d.fs.mtx.Unlock()

	metas, err := d.fs.v.List(d.path)
	if err != nil {
		return nil, err
	}

	entries := make([]fuse.Dirent, len(metas))
	for i, m := range metas {
		typ := fuse.DT_File
		if m.IsDirectory {
			typ = fuse.DT_Dir
		}

		entries[i] = fuse.Dirent{
			Name: m.Name,
			Type: typ,
		}
	}

	return entries, nil
}

func (d *Dir) Create(ctx context.Context, req *fuse.CreateRequest, resp *fuse.CreateResponse) (fs.Node, fs.Handle, error) {
	d.fs.mtx.Lock()
	defer d.fs.mtx.Unlock()

	childPath := joinPath(d.path, req.Name)

	_, _, err := d.fs.v.Touch(childPath, exfat.FileAttributes(0), time.Now().UnixMilli())
	if err != nil {
		return nil, nil, err
	}

	f := &File{fs: d.fs, path: childPath}

	return f, f, nil
}

func (d *Dir) Mkdir(ctx context.Context, req *fuse.MkdirRequest) (fs.Node, error) {
	d.fs.mtx.Lock()
	defer d.fs.mtx.Unlock()

	childPath := joinPath(d.path, req.Name)

	_, _, err := d.fs.v.Touch(childPath, exfat.FileAttributes(16), time.Now().UnixMilli())
	if err != nil {
		return nil, err
	}

	return &Dir{fs: d.fs, path: childPath}, nil
}

func (d *Dir) Remove(ctx context.Context, req *fuse.RemoveRequest) error {
	d.fs.mtx.Lock()
	defer d.fs.mtx.Unlock()

	return d.fs.v.Delete(joinPath(d.path, req.Name))
}

// File implements fs.Node, fs.HandleReader, fs.HandleWriter, and
// fs.NodeFsyncer over one file path.
type File struct {
	fs   *FS
	path string
}

func (f *File) Attr(ctx context.Context, a *fuse.Attr) error {
	f.fs.mtx.Lock()
	defer f.fs.mtx.Unlock()

	_, meta, found, err := f.fs.v.Find(f.path)
	if err != nil {
		return err
	}
	if !found {
		return fuse.ENOENT
	}

	attrFromMetadata(a, meta)

	return nil
}

func (f *File) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	f.fs.mtx.Lock()
	defer f.fs.mtx.Unlock()

	_, meta, found, err := f.fs.v.Find(f.path)
	if err != nil {
		return err
	}
	if !found {
		return fuse.ENOENT
	}

	buf := make([]byte, req.Size)

	n, err := f.fs.v.Read(meta, uint64(req.Offset), buf)
	if err != nil {
		return err
	}

	resp.Data = buf[:n]

	return nil
}

func (f *File) Write(ctx context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	f.fs.mtx.Lock()
	defer f.fs.mtx.Unlock()

	parentPtr, meta, found, err := f.fs.v.Find(f.path)
	if err != nil {
		return err
	}
	if !found {
		return fuse.ENOENT
	}
	if parentPtr == nil {
		return errors.New("a regular file was resolved with no parent")
	}

	n, err := f.fs.v.Write(&meta, uint64(req.Offset), req.Data)
	if err != nil {
		return err
	}

	meta.ModifyTime = time.Now().UTC()

	if err := f.fs.v.UpdateMetadata(*parentPtr, meta); err != nil {
		return err
	}

	resp.Size = n

	return nil
}

func (f *File) Fsync(ctx context.Context, req *fuse.FsyncRequest) error {
	f.fs.mtx.Lock()
	defer f.fs.mtx.Unlock()

	return f.fs.v.Sync()
}
