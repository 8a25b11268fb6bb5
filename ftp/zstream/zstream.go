// Package zstream adapts the DEFLATE codec to the slice-in/slice-out
// shape the transfer engines need (draft-preston-ftpext-deflate-04,
// MODE Z).
package zstream

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/klauspost/compress/flate"
	log "github.com/sirupsen/logrus"
)

// Status reports the stream state after a Process call.
type Status int

const (
	// Running means the codec can accept more input.
	Running Status = iota
	// StreamEnd means the DEFLATE stream is complete and fully drained.
	StreamEnd
)

// Codec is a streaming compressor or decompressor. Process consumes
// bytes from in, produces bytes into out and never blocks on I/O.
// finish signals that no further input will arrive; for a deflater it
// triggers the final flush, for an inflater it is an error unless the
// stream already ended.
type Codec interface {
	io.Closer
	Process(in, out []byte, finish bool) (consumed, produced int, status Status, err error)
}

type deflater struct {
	w      *flate.Writer
	buf    bytes.Buffer
	closed bool
}

// NewDeflater creates the compressing side of the codec (RETR and
// directory listings). level follows MODE Z LEVEL semantics, 0-9.
func NewDeflater(level int) (Codec, error) {
	log.WithFields(log.Fields{"level": level}).Debug("zstream::NewDeflater called")

	d := &deflater{}

	w, err := flate.NewWriter(&d.buf, level)
	if err != nil {
		return nil, err
	}

	d.w = w
	return d, nil
}

func (d *deflater) Process(in, out []byte, finish bool) (int, int, Status, error) {
	consumed := 0

	if !d.closed && len(in) > 0 {
		if _, err := d.w.Write(in); err != nil {
			return 0, 0, Running, err
		}
		consumed = len(in)
	}

	if finish && !d.closed {
		if err := d.w.Close(); err != nil {
			return consumed, 0, Running, err
		}
		d.closed = true
	}

	produced := copy(out, d.buf.Bytes())
	d.buf.Next(produced)

	if d.closed && d.buf.Len() == 0 {
		return consumed, produced, StreamEnd, nil
	}

	return consumed, produced, Running, nil
}

func (d *deflater) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	return d.w.Close()
}

// errDrained unblocks pending pipe writers once the decompressor is
// done with its input.
var errDrained = errors.New("zstream: inflate stream drained")

type inflater struct {
	pw   *io.PipeWriter
	done chan struct{}

	mu  sync.Mutex
	out bytes.Buffer
	end bool
	err error
}

// NewInflater creates the decompressing side of the codec (STOR and
// APPE). The pull-based flate reader runs on its own goroutine fed
// through a pipe so Process keeps the non-blocking push shape.
func NewInflater() Codec {
	log.Debug("zstream::NewInflater called")

	pr, pw := io.Pipe()

	i := &inflater{
		pw:   pw,
		done: make(chan struct{}),
	}

	go func() {
		defer close(i.done)

		fr := flate.NewReader(pr)
		chunk := make([]byte, 32*1024)

		for {
			n, err := fr.Read(chunk)
			if n > 0 {
				i.mu.Lock()
				i.out.Write(chunk[:n])
				i.mu.Unlock()
			}

			if err == io.EOF {
				i.mu.Lock()
				i.end = true
				i.mu.Unlock()
				pr.CloseWithError(errDrained)
				return
			}
			if err != nil {
				i.mu.Lock()
				i.err = err
				i.mu.Unlock()
				pr.CloseWithError(errDrained)
				return
			}
		}
	}()

	return i
}

func (i *inflater) Process(in, out []byte, finish bool) (int, int, Status, error) {
	consumed := 0

	if len(in) > 0 {
		n, err := i.pw.Write(in)
		consumed = n

		if err != nil {
			i.mu.Lock()
			end, ferr := i.end, i.err
			i.mu.Unlock()

			if ferr != nil {
				return consumed, 0, Running, ferr
			}
			if end {
				// trailing bytes after the final block are discarded
				consumed = len(in)
			} else {
				return consumed, 0, Running, err
			}
		}
	}

	if finish {
		i.pw.Close()
		<-i.done
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.err != nil {
		return consumed, 0, Running, i.err
	}

	produced := copy(out, i.out.Bytes())
	i.out.Next(produced)

	if finish && !i.end {
		return consumed, produced, Running, io.ErrUnexpectedEOF
	}

	if i.end && i.out.Len() == 0 {
		return consumed, produced, StreamEnd, nil
	}

	return consumed, produced, Running, nil
}

func (i *inflater) Close() error {
	i.pw.CloseWithError(errDrained)
	<-i.done
	return nil
}
