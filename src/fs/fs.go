// Package fs is the block-level file system the process core
// consumes: a flat root directory over a sector device, fronted by a
// write-through block cache. Executables opened by the loader are
// held with writes denied until the process exits.
package fs

import (
	"bytes"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"defs"
	"util"
)

// / BSIZE is the device sector size.
const BSIZE = 512

// / NAME_MAX is the longest file name the directory stores.
const NAME_MAX = 14

// / On-image layout constants. Sector 0 holds the superblock; the
// / directory table follows from sector 1; file data is contiguous
// / after the directory.
const (
	MAGIC    = 0x53464b55 // "UKFS"
	DIRENTSZ = 32
)

// / Fslock serializes file system operations issued by the system
// / call layer, as a single global lock.
var Fslock sync.Mutex

// / Bdev_i abstracts the sector device under the file system.
type Bdev_i interface {
	Bread(bn int) ([]uint8, error)
	Bwrite(bn int, src []uint8) error
	Nsec() int
}

// / Membdev_t is a memory-backed sector device: a boot image plus a
// / run of free sectors for files created at run time.
type Membdev_t struct {
	sync.Mutex
	buf []uint8
}

// / Mkmembdev wraps a boot image in a device, appending extra free
// / sectors beyond the image.
func Mkmembdev(img []uint8, extra int) *Membdev_t {
	sz := util.Roundup(len(img), BSIZE) + extra*BSIZE
	buf := make([]uint8, sz)
	copy(buf, img)
	return &Membdev_t{buf: buf}
}

// / Bread returns a copy of sector bn.
func (bd *Membdev_t) Bread(bn int) ([]uint8, error) {
	bd.Lock()
	defer bd.Unlock()
	off := bn * BSIZE
	if off < 0 || off+BSIZE > len(bd.buf) {
		return nil, errors.Errorf("fs: sector %v out of range", bn)
	}
	dst := make([]uint8, BSIZE)
	copy(dst, bd.buf[off:off+BSIZE])
	return dst, nil
}

// / Bwrite stores sector bn.
func (bd *Membdev_t) Bwrite(bn int, src []uint8) error {
	bd.Lock()
	defer bd.Unlock()
	off := bn * BSIZE
	if off < 0 || off+BSIZE > len(bd.buf) {
		return errors.Errorf("fs: sector %v out of range", bn)
	}
	copy(bd.buf[off:off+BSIZE], src)
	return nil
}

// / Nsec returns the device size in sectors.
func (bd *Membdev_t) Nsec() int {
	bd.Lock()
	defer bd.Unlock()
	return len(bd.buf) / BSIZE
}

// bcache_t caches whole sectors, write-through.
type bcache_t struct {
	dev Bdev_i
	c   *lru.Cache[int, []uint8]
}

func mkbcache(dev Bdev_i, nent int) *bcache_t {
	if nent <= 0 {
		nent = 64
	}
	c, err := lru.New[int, []uint8](nent)
	if err != nil {
		panic("bad cache size")
	}
	return &bcache_t{dev: dev, c: c}
}

func (bc *bcache_t) bread(bn int) ([]uint8, error) {
	if blk, ok := bc.c.Get(bn); ok {
		return blk, nil
	}
	blk, err := bc.dev.Bread(bn)
	if err != nil {
		return nil, err
	}
	bc.c.Add(bn, blk)
	return blk, nil
}

func (bc *bcache_t) bwrite(bn int, src []uint8) error {
	if err := bc.dev.Bwrite(bn, src); err != nil {
		return err
	}
	blk := make([]uint8, BSIZE)
	copy(blk, src)
	bc.c.Add(bn, blk)
	return nil
}

type inode_t struct {
	name string
	size int
	// data sectors in file order; contiguous when mkfs laid the
	// file out, arbitrary once the file has grown at run time
	secs     []int
	opens    int
	denycnt  int
	unlinked bool
}

// / FS_t is a mounted file system. The mutex guards the directory,
// / the free map, and all inode metadata.
type FS_t struct {
	sync.Mutex
	bc    *bcache_t
	files map[string]*inode_t
	// per-sector allocation state
	used []bool
}

// / Mount reads the superblock and directory from dev and returns the
// / mounted file system.
func Mount(dev Bdev_i, cachesectors int) (*FS_t, error) {
	fs := &FS_t{}
	fs.bc = mkbcache(dev, cachesectors)
	fs.files = make(map[string]*inode_t)
	fs.used = make([]bool, dev.Nsec())
	if len(fs.used) > 0 {
		fs.used[0] = true
	}

	sb, err := fs.bc.bread(0)
	if err != nil {
		return nil, err
	}
	if util.Readn(sb, 4, 0) != MAGIC {
		return nil, errors.New("fs: bad superblock magic")
	}
	nfiles := util.Readn(sb, 4, 4)

	dirbytes := nfiles * DIRENTSZ
	dirsecs := util.Roundup(dirbytes, BSIZE) / BSIZE
	dir := make([]uint8, 0, dirsecs*BSIZE)
	for i := 0; i < dirsecs; i++ {
		blk, err := fs.bc.bread(1 + i)
		if err != nil {
			return nil, err
		}
		fs.used[1+i] = true
		dir = append(dir, blk...)
	}

	for i := 0; i < nfiles; i++ {
		ent := dir[i*DIRENTSZ : (i+1)*DIRENTSZ]
		nb := ent[:20]
		if z := bytes.IndexByte(nb, 0); z >= 0 {
			nb = nb[:z]
		}
		name := string(nb)
		start := util.Readn(ent, 4, 20)
		size := util.Readn(ent, 4, 24)
		nsec := util.Roundup(size, BSIZE) / BSIZE
		ino := &inode_t{name: name, size: size}
		for s := 0; s < nsec; s++ {
			ino.secs = append(ino.secs, start+s)
			if start+s >= len(fs.used) {
				return nil, errors.Errorf("fs: %v extends past device", name)
			}
			fs.used[start+s] = true
		}
		fs.files[name] = ino
	}
	return fs, nil
}

// allocsec allocates one free sector; fs lock held.
func (fs *FS_t) allocsec() (int, bool) {
	for i, u := range fs.used {
		if !u {
			fs.used[i] = true
			return i, true
		}
	}
	return 0, false
}

func (fs *FS_t) freesecs(ino *inode_t) {
	for _, s := range ino.secs {
		fs.used[s] = false
	}
	ino.secs = nil
}

// / Fs_create makes a zero-filled file of the given size. It fails if
// / the name exists, is empty or too long, or space runs out.
func (fs *FS_t) Fs_create(name string, size int) bool {
	if name == "" || len(name) > NAME_MAX || size < 0 {
		return false
	}
	fs.Lock()
	defer fs.Unlock()
	if _, ok := fs.files[name]; ok {
		return false
	}
	ino := &inode_t{name: name, size: size}
	nsec := util.Roundup(size, BSIZE) / BSIZE
	zero := make([]uint8, BSIZE)
	for i := 0; i < nsec; i++ {
		s, ok := fs.allocsec()
		if !ok {
			fs.freesecs(ino)
			return false
		}
		if fs.bc.bwrite(s, zero) != nil {
			fs.freesecs(ino)
			return false
		}
		ino.secs = append(ino.secs, s)
	}
	fs.files[name] = ino
	return true
}

// / Fs_remove unlinks a file. Open handles keep working; the sectors
// / free when the last one closes.
func (fs *FS_t) Fs_remove(name string) bool {
	fs.Lock()
	defer fs.Unlock()
	ino, ok := fs.files[name]
	if !ok {
		return false
	}
	delete(fs.files, name)
	ino.unlinked = true
	if ino.opens == 0 {
		fs.freesecs(ino)
	}
	return true
}

// / Fs_open opens an existing file at position zero.
func (fs *FS_t) Fs_open(name string) (*File_t, defs.Err_t) {
	fs.Lock()
	defer fs.Unlock()
	ino, ok := fs.files[name]
	if !ok {
		return nil, -defs.ENOENT
	}
	ino.opens++
	return &File_t{fs: fs, ino: ino}, 0
}

// / File_t is an open file handle with an independent position.
type File_t struct {
	fs     *FS_t
	ino    *inode_t
	pos    int
	denied bool
	closed bool
}

// / Len returns the file size in bytes.
func (f *File_t) Len() int {
	f.fs.Lock()
	defer f.fs.Unlock()
	return f.ino.size
}

// / Seek sets the handle position.
func (f *File_t) Seek(pos int) {
	f.fs.Lock()
	defer f.fs.Unlock()
	if pos >= 0 {
		f.pos = pos
	}
}

// / Tell returns the handle position.
func (f *File_t) Tell() int {
	f.fs.Lock()
	defer f.fs.Unlock()
	return f.pos
}

// / Read_at fills dst from the file starting at off without moving
// / the handle position. It returns the bytes transferred.
func (f *File_t) Read_at(dst []uint8, off int) (int, defs.Err_t) {
	f.fs.Lock()
	defer f.fs.Unlock()
	return f.readat(dst, off)
}

func (f *File_t) readat(dst []uint8, off int) (int, defs.Err_t) {
	if off < 0 {
		return 0, -defs.EINVAL
	}
	if off >= f.ino.size {
		return 0, 0
	}
	if off+len(dst) > f.ino.size {
		dst = dst[:f.ino.size-off]
	}
	done := 0
	for done < len(dst) {
		sn := (off + done) / BSIZE
		so := (off + done) % BSIZE
		blk, err := f.fs.bc.bread(f.ino.secs[sn])
		if err != nil {
			return done, -defs.EIO
		}
		done += copy(dst[done:], blk[so:])
	}
	return done, 0
}

// / Read fills dst from the handle position and advances it.
func (f *File_t) Read(dst []uint8) (int, defs.Err_t) {
	f.fs.Lock()
	defer f.fs.Unlock()
	n, err := f.readat(dst, f.pos)
	f.pos += n
	return n, err
}

// / Write stores src at the handle position, growing the file as
// / needed. Writes to a file with writers denied transfer nothing.
func (f *File_t) Write(src []uint8) (int, defs.Err_t) {
	f.fs.Lock()
	defer f.fs.Unlock()
	if f.ino.denycnt > 0 {
		return 0, 0
	}
	off := f.pos
	end := off + len(src)
	for end > len(f.ino.secs)*BSIZE {
		s, ok := f.fs.allocsec()
		if !ok {
			break
		}
		zero := make([]uint8, BSIZE)
		if f.fs.bc.bwrite(s, zero) != nil {
			f.fs.used[s] = false
			break
		}
		f.ino.secs = append(f.ino.secs, s)
	}
	if end > len(f.ino.secs)*BSIZE {
		end = len(f.ino.secs) * BSIZE
	}
	if end <= off {
		return 0, 0
	}
	src = src[:end-off]
	done := 0
	for done < len(src) {
		sn := (off + done) / BSIZE
		so := (off + done) % BSIZE
		blk, err := f.fs.bc.bread(f.ino.secs[sn])
		if err != nil {
			break
		}
		n := copy(blk[so:], src[done:])
		if f.fs.bc.bwrite(f.ino.secs[sn], blk) != nil {
			break
		}
		done += n
	}
	f.pos += done
	if f.pos > f.ino.size {
		f.ino.size = f.pos
	}
	return done, 0
}

// / Deny_write blocks writes to the underlying file until this handle
// / re-allows or closes. The loader holds executables this way.
func (f *File_t) Deny_write() {
	f.fs.Lock()
	defer f.fs.Unlock()
	if !f.denied {
		f.denied = true
		f.ino.denycnt++
	}
}

// / Allow_write undoes Deny_write for this handle.
func (f *File_t) Allow_write() {
	f.fs.Lock()
	defer f.fs.Unlock()
	if f.denied {
		f.denied = false
		f.ino.denycnt--
	}
}

// / Close drops the handle, re-allowing writes it denied and freeing
// / the file's sectors if it was unlinked and this was the last open.
func (f *File_t) Close() {
	f.fs.Lock()
	defer f.fs.Unlock()
	if f.closed {
		panic("double close")
	}
	f.closed = true
	if f.denied {
		f.denied = false
		f.ino.denycnt--
	}
	f.ino.opens--
	if f.ino.opens == 0 && f.ino.unlinked {
		f.fs.freesecs(f.ino)
	}
}
