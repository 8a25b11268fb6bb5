package fs

import (
	"bufio"
	"io"
	"os"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/R-YaTian/ftpd/ftp/ringbuffer"
)

// FileBufferSize is the stdio-style buffer in front of every open
// transfer file.
const FileBufferSize = 256 * 1024

// File is an open transfer file. Reads and writes go through a buffer
// sized for large sequential transfers and move data directly to and
// from the session ring buffers.
type File struct {
	f  *os.File
	br *bufio.Reader
	bw *bufio.Writer

	pos      int64
	truncate bool
}

// OpenRead opens a file for RETR, seeking to offset when a restart
// position is pending.
func (f *FS) OpenRead(vpath string, offset int64) (*File, error) {
	h, err := os.Open(f.Real(vpath))
	if err != nil {
		return nil, err
	}

	if offset != 0 {
		if _, err := h.Seek(offset, 0); err != nil {
			h.Close()
			return nil, err
		}
	}

	return &File{
		f:   h,
		br:  bufio.NewReaderSize(h, FileBufferSize),
		pos: offset,
	}, nil
}

// OpenWrite opens a file for STOR or APPE. A restart offset on a plain
// STOR opens read-write without truncation, seeks, and truncates at
// the final position when the transfer completes.
func (f *FS) OpenWrite(vpath string, offset int64, appendMode bool) (*File, error) {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	truncate := false

	switch {
	case appendMode:
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	case offset != 0:
		flags = os.O_RDWR | os.O_CREATE
		truncate = true
	}

	h, err := os.OpenFile(f.Real(vpath), flags, 0o644)
	if err != nil {
		return nil, err
	}

	if !appendMode && offset != 0 {
		if _, err := h.Seek(offset, 0); err != nil {
			h.Close()
			return nil, err
		}
	}

	return &File{
		f:        h,
		bw:       bufio.NewWriterSize(h, FileBufferSize),
		pos:      offset,
		truncate: truncate,
	}, nil
}

// ReadInto fills the buffer's free region from the file. Returns 0,
// nil at end of file.
func (fl *File) ReadInto(rb *ringbuffer.RingBuffer) (int, error) {
	free := rb.FreeSlice()
	if len(free) == 0 {
		return 0, nil
	}

	n, err := fl.br.Read(free)
	if n > 0 {
		rb.MarkUsed(n)
		fl.pos += int64(n)
		return n, nil
	}

	if err == nil || err == io.EOF {
		return 0, nil
	}

	return 0, err
}

// WriteFrom commits the buffer's used region to the file.
func (fl *File) WriteFrom(rb *ringbuffer.RingBuffer) (int, error) {
	used := rb.UsedSlice()
	if len(used) == 0 {
		return 0, nil
	}

	n, err := fl.bw.Write(used)
	if n > 0 {
		rb.MarkFree(n)
		fl.pos += int64(n)
	}
	if err != nil {
		return n, err
	}

	return n, nil
}

// Position returns the current file offset.
func (fl *File) Position() int64 {
	return fl.pos
}

// Close flushes pending writes, applies the restart truncation and
// releases the handle.
func (fl *File) Close() error {
	var result *multierror.Error

	if fl.bw != nil {
		if err := fl.bw.Flush(); err != nil {
			result = multierror.Append(result, err)
		}

		if fl.truncate {
			if err := fl.f.Truncate(fl.pos); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}

	if err := fl.f.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	if err := result.ErrorOrNil(); err != nil {
		log.WithFields(log.Fields{"name": fl.f.Name(), "err": err}).Warn("fs::File::Close failed")
		return err
	}

	return nil
}
