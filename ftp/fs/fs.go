// Package fs is the local filesystem backend. All FTP paths are
// virtual absolute paths resolved against a root directory; the
// transfer engines move bytes between the ring buffers and buffered
// file handles created here.
package fs

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// MTimeHook looks up a modification time out-of-band (some platforms
// report bogus mtimes through stat). The hook receives the real path.
type MTimeHook func(path string) (time.Time, error)

// Info is the stat result consumed by the listing formatter. Mode
// carries the raw unix mode bits including the file type.
type Info struct {
	Mode    uint32
	Nlink   uint64
	UID     uint32
	GID     uint32
	Size    int64
	ModTime time.Time
}

// IsDir reports whether the entry is a directory.
func (i Info) IsDir() bool {
	return i.Mode&unix.S_IFMT == unix.S_IFDIR
}

// IsRegular reports whether the entry is a regular file.
func (i Info) IsRegular() bool {
	return i.Mode&unix.S_IFMT == unix.S_IFREG
}

// FS resolves virtual paths against a root directory.
type FS struct {
	root      string
	mtimeHook MTimeHook
	hookOn    func() bool
}

// New creates an FS rooted at root. mtimeHook may be nil; hookOn gates
// it at call time (SITE MTIME toggles it).
func New(root string, mtimeHook MTimeHook, hookOn func() bool) *FS {
	if root == "" {
		root = "/"
	}

	log.WithFields(log.Fields{"root": root}).Info("fs::New local filesystem backend initialized")

	return &FS{
		root:      root,
		mtimeHook: mtimeHook,
		hookOn:    hookOn,
	}
}

// Real maps a virtual absolute path to a host path.
func (f *FS) Real(vpath string) string {
	return filepath.Join(f.root, filepath.FromSlash(vpath))
}

// Virtual maps a host path back into the virtual tree.
func (f *FS) Virtual(real string) string {
	rel, err := filepath.Rel(f.root, real)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "/"
	}
	if rel == "." {
		return "/"
	}

	return "/" + filepath.ToSlash(rel)
}

func (f *FS) applyHook(real string, info *Info) {
	if f.mtimeHook == nil || f.hookOn == nil || !f.hookOn() {
		return
	}

	mtime, err := f.mtimeHook(real)
	if err != nil {
		log.WithFields(log.Fields{"path": real, "err": err}).Warn("fs::FS::applyHook mtime lookup failed")
		return
	}

	info.ModTime = mtime
}

func infoFromStat(st *unix.Stat_t) Info {
	return Info{
		Mode:    uint32(st.Mode),
		Nlink:   uint64(st.Nlink),
		UID:     st.Uid,
		GID:     st.Gid,
		Size:    st.Size,
		ModTime: time.Unix(st.Mtim.Sec, st.Mtim.Nsec),
	}
}

// Stat stats a virtual path, following symlinks.
func (f *FS) Stat(vpath string) (Info, error) {
	var st unix.Stat_t
	real := f.Real(vpath)

	if err := unix.Stat(real, &st); err != nil {
		return Info{}, err
	}

	info := infoFromStat(&st)
	f.applyHook(real, &info)
	return info, nil
}

// Lstat stats a virtual path without following symlinks.
func (f *FS) Lstat(vpath string) (Info, error) {
	var st unix.Stat_t
	real := f.Real(vpath)

	if err := unix.Lstat(real, &st); err != nil {
		return Info{}, err
	}

	info := infoFromStat(&st)
	f.applyHook(real, &info)
	return info, nil
}

// Remove unlinks a file.
func (f *FS) Remove(vpath string) error {
	return unix.Unlink(f.Real(vpath))
}

// Mkdir creates a directory.
func (f *FS) Mkdir(vpath string) error {
	return unix.Mkdir(f.Real(vpath), 0o755)
}

// Rmdir removes a directory.
func (f *FS) Rmdir(vpath string) error {
	return unix.Rmdir(f.Real(vpath))
}

// Rename renames a file or directory.
func (f *FS) Rename(from, to string) error {
	return unix.Rename(f.Real(from), f.Real(to))
}

// Glob expands a shell pattern, returning virtual paths.
func (f *FS) Glob(vpattern string) ([]string, error) {
	matches, err := filepath.Glob(f.Real(vpattern))
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(matches))
	for _, m := range matches {
		paths = append(paths, f.Virtual(m))
	}

	return paths, nil
}

// FreeSpace reports the space available to the served tree as a
// human-readable string.
func (f *FS) FreeSpace() (string, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(f.root, &st); err != nil {
		return "", err
	}

	return humanize.IBytes(uint64(st.Bavail) * uint64(st.Bsize)), nil
}

// PrintSize formats a byte count for status display.
func PrintSize(n uint64) string {
	return humanize.IBytes(n)
}
