// Package fs simulates the filesystem collaborator the process table holds
// open-file and cwd references into (component C's ofile/cwd fields), and
// the begin_op/end_op log-transaction discipline Exit waits on before it
// closes a process's files. It does not implement a disk layout; afero's in-memory filesystem
// stands in for the block device, the same "simulate the collaborator,
// don't reimplement its internals" stance mm takes for physical memory.
package fs

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Inode is a reference to one file or directory. The zero value is the nil
// inode; a valid Inode's Path is always absolute.
type Inode struct {
	Path string
	fs   *AferoFS
}

// Valid reports whether i refers to an actual inode rather than the zero
// value (an unused ofile slot or a process with no cwd yet, i.e. before
// userinit has run).
func (i Inode) Valid() bool { return i.fs != nil }

// OpenFile is one entry in a process's open-file table (NOFile slots per
// Proc). Ref-counted because fork duplicates the parent's table without
// duplicating the underlying file (proc.c's filedup discipline).
type OpenFile struct {
	inode  Inode
	offset int64
	flags  int
	refs   *atomic.Int32
}

// Dup increments the file's refcount and returns a second OpenFile sharing
// the same refcount and underlying inode, the value fork() installs into the
// child's table for every file the parent has open. The offset is copied,
// not shared: each copy starts at the original's current offset and
// advances independently afterwards.
func (f OpenFile) Dup() OpenFile {
	if f.refs != nil {
		f.refs.Add(1)
	}
	return f
}

// Valid reports whether the slot holds an open file.
func (f OpenFile) Valid() bool { return f.refs != nil }

// FS is the filesystem contract the kernel package depends on: enough to
// open/create paths and read/write through them, look up the initial
// root/cwd, and bracket a
// multi-step operation in the begin_op/end_op transaction discipline that
// bounds how much of the simulated log a single syscall can consume.
type FS interface {
	Root() Inode
	Open(ctx context.Context, cwd Inode, path string, create bool) (OpenFile, error)
	Close(ctx context.Context, f OpenFile) error
	Read(ctx context.Context, f *OpenFile, p []byte) (int, error)
	Write(ctx context.Context, f *OpenFile, p []byte) (int, error)

	// BeginOp/EndOp bracket a filesystem-modifying operation the way the
	// original's logging layer does, so Exit can wait for in-flight
	// writes through the open files it is about to close to drain before
	// tearing the process down.
	BeginOp(ctx context.Context)
	EndOp(ctx context.Context)

	// Sync blocks until every BeginOp/EndOp bracket currently in flight
	// has closed. Exit calls this before freeing a process's open files
	// so a write a dying process started can't land on a closed file.
	Sync(ctx context.Context)
}

// AferoFS implements FS on top of an in-memory afero filesystem, with one
// PathLock per known inode path guarding hierarchical namei-style access.
type AferoFS struct {
	afs afero.Fs

	mu    sync.Mutex // guards locks map only, never held across I/O
	locks map[string]*PathLock

	opWG sync.WaitGroup
}

// NewAferoFS returns an empty filesystem rooted at "/".
func NewAferoFS() *AferoFS {
	afs := afero.NewMemMapFs()
	_ = afs.MkdirAll("/", 0o755)
	return &AferoFS{
		afs:   afs,
		locks: make(map[string]*PathLock),
	}
}

func (a *AferoFS) lockFor(path string) *PathLock {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[path]
	if !ok {
		l = NewPathLock()
		a.locks[path] = l
	}
	return l
}

// ancestorDirs returns every directory namei descends through on its way to
// full, root first, not including full itself. "/a/b/c.txt" yields
// ["/", "/a", "/a/b"].
func ancestorDirs(full string) []string {
	trimmed := strings.TrimPrefix(full, "/")
	if trimmed == "" {
		return nil
	}
	parts := strings.Split(trimmed, "/")
	dirs := make([]string, 0, len(parts))
	dirs = append(dirs, "/")
	prefix := ""
	for i := 0; i < len(parts)-1; i++ {
		prefix += "/" + parts[i]
		dirs = append(dirs, prefix)
	}
	return dirs
}

// walkLock takes this PathLock's hierarchical intention locks the way namei
// does on its way down to full: IS (or IX, for a walk ending in a write) on
// every ancestor directory, then the real S (or X) lock on the leaf inode
// itself. It returns an unlock function that releases every lock it took,
// deepest first.
func (a *AferoFS) walkLock(full string, exclusive bool) func() {
	dirs := ancestorDirs(full)
	held := make([]*PathLock, 0, len(dirs)+1)
	for _, dir := range dirs {
		l := a.lockFor(dir)
		if exclusive {
			l.IXLock()
		} else {
			l.ISLock()
		}
		held = append(held, l)
	}

	leaf := a.lockFor(full)
	if exclusive {
		leaf.XLock()
	} else {
		leaf.SLock()
	}
	held = append(held, leaf)

	return func() {
		last := len(held) - 1
		if exclusive {
			held[last].XUnlock()
		} else {
			held[last].SUnlock()
		}
		for i := last - 1; i >= 0; i-- {
			if exclusive {
				held[i].IXUnlock()
			} else {
				held[i].ISUnlock()
			}
		}
	}
}

func (a *AferoFS) Root() Inode {
	return Inode{Path: "/", fs: a}
}

func (a *AferoFS) Open(ctx context.Context, cwd Inode, path string, create bool) (OpenFile, error) {
	full := resolve(cwd, path)
	unlock := a.walkLock(full, create)
	defer unlock()

	if create {
		f, err := a.afs.OpenFile(full, 0o644|0, 0o644)
		if err != nil {
			if err = a.afs.MkdirAll(parentDir(full), 0o755); err != nil {
				return OpenFile{}, errors.Wrapf(err, "fs: create %s", full)
			}
			f, err = a.afs.Create(full)
			if err != nil {
				return OpenFile{}, errors.Wrapf(err, "fs: create %s", full)
			}
		}
		_ = f.Close()
	} else {
		if exists, err := afero.Exists(a.afs, full); err != nil || !exists {
			return OpenFile{}, errors.Errorf("fs: open %s: not found", full)
		}
	}

	var refs atomic.Int32
	refs.Store(1)
	return OpenFile{
		inode: Inode{Path: full, fs: a},
		refs:  &refs,
	}, nil
}

func (a *AferoFS) Close(ctx context.Context, f OpenFile) error {
	if f.refs == nil {
		return errors.New("fs: close of invalid file")
	}
	if f.refs.Add(-1) > 0 {
		return nil
	}
	return nil
}

func (a *AferoFS) Read(ctx context.Context, f *OpenFile, p []byte) (int, error) {
	unlock := a.walkLock(f.inode.Path, false)
	defer unlock()

	file, err := a.afs.Open(f.inode.Path)
	if err != nil {
		return 0, errors.Wrapf(err, "fs: read %s", f.inode.Path)
	}
	defer file.Close()

	n, err := file.ReadAt(p, f.offset)
	f.offset += int64(n)
	if err == io.EOF {
		err = nil
	}
	return n, err
}

func (a *AferoFS) Write(ctx context.Context, f *OpenFile, p []byte) (int, error) {
	a.BeginOp(ctx)
	defer a.EndOp(ctx)

	unlock := a.walkLock(f.inode.Path, true)
	defer unlock()

	file, err := a.afs.OpenFile(f.inode.Path, os.O_RDWR, 0o644)
	if err != nil {
		return 0, errors.Wrapf(err, "fs: write %s", f.inode.Path)
	}
	defer file.Close()

	n, err := file.WriteAt(p, f.offset)
	f.offset += int64(n)
	return n, err
}

func (a *AferoFS) BeginOp(ctx context.Context) {
	a.opWG.Add(1)
}

func (a *AferoFS) EndOp(ctx context.Context) {
	a.opWG.Done()
}

func (a *AferoFS) Sync(ctx context.Context) {
	a.opWG.Wait()
}

func resolve(cwd Inode, path string) string {
	if len(path) > 0 && path[0] == '/' {
		return path
	}
	if !cwd.Valid() {
		return "/" + path
	}
	if cwd.Path == "/" {
		return "/" + path
	}
	return cwd.Path + "/" + path
}

func parentDir(path string) string {
	for i := len(path) - 1; i > 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "/"
}
