package fs

import (
	"io"
	"os"
)

// Dir iterates a directory one entry at a time, the granularity the
// list transfer engine wants.
type Dir struct {
	d *os.File
}

// OpenDir opens a virtual directory for iteration.
func (f *FS) OpenDir(vpath string) (*Dir, error) {
	h, err := os.Open(f.Real(vpath))
	if err != nil {
		return nil, err
	}

	return &Dir{d: h}, nil
}

// Next returns the next entry name, or "" at the end of the directory.
func (d *Dir) Next() (string, error) {
	names, err := d.d.Readdirnames(1)
	if err == io.EOF {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", nil
	}

	return names[0], nil
}

// Close releases the directory handle.
func (d *Dir) Close() error {
	return d.d.Close()
}
