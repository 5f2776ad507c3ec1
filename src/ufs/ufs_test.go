package ufs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"elf"
	"fs"
	"mem"
)

func mount(t *testing.T, files map[string][]uint8) *fs.FS_t {
	dev := fs.Mkmembdev(Mkfsimg(files), 256)
	fsys, err := fs.Mount(dev, 16)
	require.NoError(t, err)
	return fsys
}

func TestMkelfParses(t *testing.T) {
	text := []uint8("some program text")
	img, err := Mkprog(text)
	require.NoError(t, err)

	ehdr, ok := elf.Ehdr_parse(img)
	require.True(t, ok)
	assert.True(t, ehdr.Sanity())
	assert.Equal(t, ENTRY_VA, int(ehdr.Entry))

	require.Equal(t, 1, int(ehdr.Phnum))
	ph, ok := elf.Phdr_parse(img[ehdr.Phoff:])
	require.True(t, ok)
	assert.Equal(t, uint32(elf.PT_LOAD), ph.Type)
	assert.True(t, ph.Validate_load(len(img)))
	// the segment's file bytes are the text
	assert.Equal(t, text, img[ph.Off:int(ph.Off)+len(text)])
	// file offset and vaddr agree modulo the page size
	assert.Equal(t, int(ph.Vaddr)&mem.PGOFFSET, int(ph.Off)&mem.PGOFFSET)
}

func TestMkelfSegments(t *testing.T) {
	img, err := Mkelf(ENTRY_VA, []Eseg_t{
		{Vaddr: ENTRY_VA, Flags: elf.PF_R | elf.PF_X, Data: []uint8("text")},
		{Vaddr: 0x8060020, Flags: elf.PF_R | elf.PF_W, Data: []uint8("data"), Memsz: 0x2000},
	})
	require.NoError(t, err)
	ehdr, ok := elf.Ehdr_parse(img)
	require.True(t, ok)
	require.Equal(t, 2, int(ehdr.Phnum))
	for i := 0; i < 2; i++ {
		ph, ok := elf.Phdr_parse(img[int(ehdr.Phoff)+i*elf.PHDR_SZ:])
		require.True(t, ok)
		assert.True(t, ph.Validate_load(len(img)), "segment %v", i)
	}
}

func TestMountReadsFiles(t *testing.T) {
	big := make([]uint8, 3*fs.BSIZE+17)
	for i := range big {
		big[i] = uint8(i * 7)
	}
	fsys := mount(t, map[string][]uint8{
		"echo": []uint8("echo body"),
		"big":  big,
	})

	f, err := fsys.Fs_open("big")
	require.Equal(t, 0, int(err))
	assert.Equal(t, len(big), f.Len())
	got := make([]uint8, len(big))
	n, rerr := f.Read(got)
	require.Equal(t, 0, int(rerr))
	assert.Equal(t, len(big), n)
	assert.Equal(t, big, got)
	f.Close()

	_, err = fsys.Fs_open("missing")
	assert.NotEqual(t, 0, int(err))
}

func TestReadAtSeekTell(t *testing.T) {
	fsys := mount(t, map[string][]uint8{"f": []uint8("0123456789")})
	f, err := fsys.Fs_open("f")
	require.Equal(t, 0, int(err))
	defer f.Close()

	buf := make([]uint8, 4)
	n, rerr := f.Read_at(buf, 3)
	require.Equal(t, 0, int(rerr))
	assert.Equal(t, 4, n)
	assert.Equal(t, "3456", string(buf))
	// Read_at does not move the position
	assert.Equal(t, 0, f.Tell())

	f.Seek(8)
	n, rerr = f.Read(buf)
	require.Equal(t, 0, int(rerr))
	assert.Equal(t, 2, n)
	assert.Equal(t, "89", string(buf[:2]))
	assert.Equal(t, 10, f.Tell())
}

func TestCreateWriteGrow(t *testing.T) {
	fsys := mount(t, map[string][]uint8{})
	require.True(t, fsys.Fs_create("new", 100))
	assert.False(t, fsys.Fs_create("new", 0))

	f, err := fsys.Fs_open("new")
	require.Equal(t, 0, int(err))
	defer f.Close()
	assert.Equal(t, 100, f.Len())

	// a created file reads as zeros
	buf := make([]uint8, 100)
	n, _ := f.Read(buf)
	assert.Equal(t, 100, n)
	for _, b := range buf {
		assert.Equal(t, uint8(0), b)
	}

	// grow past the original allocation
	f.Seek(90)
	data := make([]uint8, 2*fs.BSIZE)
	for i := range data {
		data[i] = uint8(i)
	}
	n, werr := f.Write(data)
	require.Equal(t, 0, int(werr))
	assert.Equal(t, len(data), n)
	assert.Equal(t, 90+len(data), f.Len())

	back := make([]uint8, len(data))
	_, rerr := f.Read_at(back, 90)
	require.Equal(t, 0, int(rerr))
	assert.Equal(t, data, back)
}

func TestDenyWrite(t *testing.T) {
	fsys := mount(t, map[string][]uint8{"bin": []uint8("exec me")})
	f, err := fsys.Fs_open("bin")
	require.Equal(t, 0, int(err))
	f.Deny_write()

	w, err := fsys.Fs_open("bin")
	require.Equal(t, 0, int(err))
	n, _ := w.Write([]uint8("x"))
	assert.Equal(t, 0, n)

	// closing the denying handle re-allows writes
	f.Close()
	n, _ = w.Write([]uint8("x"))
	assert.Equal(t, 1, n)
	w.Close()
}

func TestRemoveWhileOpen(t *testing.T) {
	fsys := mount(t, map[string][]uint8{"doomed": []uint8("contents")})
	f, err := fsys.Fs_open("doomed")
	require.Equal(t, 0, int(err))

	require.True(t, fsys.Fs_remove("doomed"))
	assert.False(t, fsys.Fs_remove("doomed"))
	_, err = fsys.Fs_open("doomed")
	assert.NotEqual(t, 0, int(err))

	// the open handle still works
	buf := make([]uint8, 8)
	n, rerr := f.Read(buf)
	require.Equal(t, 0, int(rerr))
	assert.Equal(t, "contents", string(buf[:n]))
	f.Close()
}
