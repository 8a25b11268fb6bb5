package fs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R-YaTian/ftpd/ftp/ringbuffer"
)

func newTestFS(t *testing.T) (*FS, string) {
	t.Helper()
	root := t.TempDir()
	return New(root, nil, nil), root
}

func TestRealAndVirtual(t *testing.T) {
	f, root := newTestFS(t)

	assert.Equal(t, filepath.Join(root, "a/b"), f.Real("/a/b"))
	assert.Equal(t, "/a/b", f.Virtual(filepath.Join(root, "a/b")))
	assert.Equal(t, "/", f.Virtual(root))
}

func TestStatAndLstat(t *testing.T) {
	f, root := newTestFS(t)

	require.NoError(t, os.WriteFile(filepath.Join(root, "file.bin"), []byte("12345"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "dir"), 0o755))
	require.NoError(t, os.Symlink("file.bin", filepath.Join(root, "link")))

	st, err := f.Stat("/file.bin")
	require.NoError(t, err)
	assert.True(t, st.IsRegular())
	assert.Equal(t, int64(5), st.Size)

	st, err = f.Stat("/dir")
	require.NoError(t, err)
	assert.True(t, st.IsDir())

	// Stat follows the link, Lstat does not
	st, err = f.Stat("/link")
	require.NoError(t, err)
	assert.True(t, st.IsRegular())

	st, err = f.Lstat("/link")
	require.NoError(t, err)
	assert.False(t, st.IsRegular())
	assert.False(t, st.IsDir())
}

func TestMTimeHook(t *testing.T) {
	root := t.TempDir()
	fixed := time.Date(2020, 4, 1, 12, 0, 0, 0, time.UTC)
	enabled := false

	f := New(root,
		func(string) (time.Time, error) { return fixed, nil },
		func() bool { return enabled })

	require.NoError(t, os.WriteFile(filepath.Join(root, "f"), nil, 0o644))

	st, err := f.Stat("/f")
	require.NoError(t, err)
	assert.NotEqual(t, fixed, st.ModTime)

	enabled = true
	st, err = f.Stat("/f")
	require.NoError(t, err)
	assert.Equal(t, fixed, st.ModTime)
}

func TestOpenReadWithOffset(t *testing.T) {
	f, root := newTestFS(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "f"), []byte("0123456789"), 0o644))

	h, err := f.OpenRead("/f", 4)
	require.NoError(t, err)
	defer h.Close()

	rb := ringbuffer.New(64)
	n, err := h.ReadInto(rb)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, []byte("456789"), rb.UsedSlice())

	n, err = h.ReadInto(rb)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestOpenWriteRestartTruncates(t *testing.T) {
	f, root := newTestFS(t)
	target := filepath.Join(root, "a.bin")
	require.NoError(t, os.WriteFile(target, []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, 0o644))

	h, err := f.OpenWrite("/a.bin", 5, false)
	require.NoError(t, err)

	rb := ringbuffer.New(16)
	copy(rb.FreeSlice(), []byte{0xAA, 0xBB, 0xCC})
	rb.MarkUsed(3)

	_, err = h.WriteFrom(rb)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2, 3, 4, 0xAA, 0xBB, 0xCC}, data)
}

func TestOpenWriteAppend(t *testing.T) {
	f, root := newTestFS(t)
	target := filepath.Join(root, "log")
	require.NoError(t, os.WriteFile(target, []byte("one"), 0o644))

	h, err := f.OpenWrite("/log", 0, true)
	require.NoError(t, err)

	rb := ringbuffer.New(16)
	copy(rb.FreeSlice(), "two")
	rb.MarkUsed(3)

	_, err = h.WriteFrom(rb)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "onetwo", string(data))
}

func TestDirIteration(t *testing.T) {
	f, root := newTestFS(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "x"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "y"), nil, 0o644))

	d, err := f.OpenDir("/")
	require.NoError(t, err)
	defer d.Close()

	var names []string
	for {
		name, err := d.Next()
		require.NoError(t, err)
		if name == "" {
			break
		}
		names = append(names, name)
	}

	assert.ElementsMatch(t, []string{"x", "y"}, names)
}

func TestGlob(t *testing.T) {
	f, root := newTestFS(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "c.bin"), nil, 0o644))

	paths, err := f.Glob("/*.txt")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"/a.txt", "/b.txt"}, paths)
}
