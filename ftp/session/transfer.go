package session

import (
	"path"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/R-YaTian/ftpd/ftp/dirent"
	"github.com/R-YaTian/ftpd/ftp/fs"
	"github.com/R-YaTian/ftpd/ftp/ftppath"
	"github.com/R-YaTian/ftpd/ftp/zstream"
)

type xferFileMode int

const (
	xferRetr xferFileMode = iota
	xferStor
	xferAppe
)

// xferFile sets up a RETR, STOR or APPE transfer: codec, file handle,
// restart offset and the data connection.
func (ses *Session) xferFile(args string, mode xferFileMode) {
	ses.zFlushed = false
	ses.eof = false

	ses.xferBuffer.Clear()
	ses.zStreamBuffer.Clear()

	if ses.deflate {
		var err error
		if mode == xferRetr {
			ses.codec, err = zstream.NewDeflater(ses.cfg.DeflateLevel())
		} else {
			ses.codec = zstream.NewInflater()
		}

		if err != nil {
			ses.sendStatementf("550 %s\r\n", err)
			ses.setState(stateCommand, true, true)
			return
		}
	}

	// build the path of the file to transfer
	filePath, err := ses.buildResolvedPath(ses.cwd, args)
	if err != nil {
		ses.sendStatementf("553 %s\r\n", err)
		ses.setState(stateCommand, true, true)
		return
	}

	switch {
	case filePath == devZeroPath:
		ses.devZero = true

	case mode == xferRetr:
		st, err := ses.fsys.Stat(filePath)
		if err != nil {
			ses.sendStatementf("450 %s\r\n", err)
			ses.setState(stateCommand, false, false)
			return
		}

		ses.file, err = ses.fsys.OpenRead(filePath, ses.restartPosition)
		if err != nil {
			ses.sendStatementf("450 %s\r\n", err)
			ses.setState(stateCommand, false, false)
			return
		}

		ses.fileSize = st.Size
		ses.filePosition = ses.restartPosition

	default:
		appendMode := mode == xferAppe

		offset := ses.restartPosition
		if appendMode {
			offset = 0
		}

		ses.file, err = ses.fsys.OpenWrite(filePath, offset, appendMode)
		if err != nil {
			ses.sendStatementf("450 %s\r\n", err)
			ses.setState(stateCommand, false, false)
			return
		}

		ses.bridge.UpdateFreeSpace()
		ses.filePosition = ses.restartPosition
	}

	if !ses.port && !ses.pasv {
		// Prior PORT or PASV required
		ses.sendStatement("503 Bad sequence of commands\r\n")
		ses.setState(stateCommand, true, true)
		return
	}

	ses.setState(stateDataConnect, false, true)

	if ses.port && !ses.dataConnect() {
		ses.sendStatement("425 Can't open data connection\r\n")
		ses.setState(stateCommand, true, true)
		return
	}

	if mode == xferRetr {
		ses.recv = false
		ses.send = true
		ses.transfer = (*Session).retrieveTransfer
	} else {
		ses.recv = true
		ses.send = false
		ses.transfer = (*Session).storeTransfer
	}

	ses.workItem = filePath
	ses.xferStart = time.Now()

	log.WithFields(log.Fields{
		"path": filePath,
		"mode": mode,
	}).Info("session::Session::xferFile transfer starting")
}

// xferDir sets up a LIST, NLST, MLSD, MLST or STAT transfer.
// workaround retries with the flag stripped for clients that send
// "LIST -a" style arguments.
func (ses *Session) xferDir(args string, mode dirent.Mode, workaround bool) {
	ses.xferDirMode = mode
	ses.recv = false
	ses.send = true
	ses.zFlushed = false
	ses.eof = false

	ses.filePosition = 0
	ses.zStreamPosition = 0
	ses.xferBuffer.Clear()
	ses.zStreamBuffer.Clear()

	if ses.deflate {
		var err error
		ses.codec, err = zstream.NewDeflater(ses.cfg.DeflateLevel())
		if err != nil {
			ses.sendStatementf("550 %s\r\n", err)
			ses.setState(stateCommand, true, true)
			return
		}
	}

	ses.transfer = (*Session).listTransfer

	if len(args) > 0 {
		// work around broken clients that think LIST -a/-l is valid
		needWorkaround := workaround && len(args) >= 2 && args[0] == '-' &&
			(args[1] == 'a' || args[1] == 'l') &&
			(len(args) == 2 || args[2] == ' ')

		stripped := ""
		if needWorkaround && len(args) > 2 {
			stripped = args[3:]
		}

		dirPath, err := ses.buildResolvedPath(ses.cwd, args)
		if err != nil {
			if needWorkaround {
				ses.xferDir(stripped, mode, false)
				return
			}

			ses.sendStatementf("550 %s\r\n", err)
			ses.setState(stateCommand, true, true)
			return
		}

		st, err := ses.fsys.Stat(dirPath)
		if err != nil {
			if needWorkaround {
				ses.xferDir(stripped, mode, false)
				return
			}

			ses.sendStatementf("550 %s\r\n", err)
			ses.setState(stateCommand, true, true)
			return
		}

		switch {
		case mode == dirent.Mlst:
			if err := ses.fillDirent(st, ftppath.Encode(dirPath, false), ""); err != nil {
				ses.sendStatementf("550 %s\r\n", err)
				ses.setState(stateCommand, true, true)
				return
			}

			ses.workItem = dirPath

		case st.IsDir():
			ses.dir, err = ses.fsys.OpenDir(dirPath)
			if err != nil {
				ses.sendStatementf("550 %s\r\n", err)
				ses.setState(stateCommand, true, true)
				return
			}

			// set as lwd
			ses.lwd = dirPath

			if mode == dirent.Mlsd && ses.facts.Type {
				// send this directory as type=cdir
				if err := ses.fillDirent(st, ftppath.Encode(ses.lwd, false), "cdir"); err != nil {
					ses.sendStatementf("550 %s\r\n", err)
					ses.setState(stateCommand, true, true)
					return
				}
			}

			ses.workItem = ses.lwd

		case mode == dirent.Mlsd:
			// specified a file instead of a directory for MLSD
			ses.sendStatementf("501 %s\r\n", unix.ENOTDIR)
			ses.setState(stateCommand, true, true)
			return

		default:
			var name string
			if mode == dirent.Nlst {
				// NLST uses the whole path name
				name = ftppath.Encode(dirPath, false)
			} else {
				// everything else uses the basename
				name = ftppath.Encode(path.Base(dirPath), false)
			}

			if err := ses.fillDirent(st, name, ""); err != nil {
				ses.sendStatementf("550 %s\r\n", err)
				ses.setState(stateCommand, true, true)
				return
			}

			ses.workItem = dirPath
		}
	} else if mode == dirent.Mlst {
		st, err := ses.fsys.Stat(ses.cwd)
		if err == nil {
			err = ses.fillDirent(st, ftppath.Encode(ses.cwd, false), "")
		}
		if err != nil {
			ses.sendStatementf("550 %s\r\n", err)
			ses.setState(stateCommand, true, true)
			return
		}

		ses.workItem = ses.cwd
	} else {
		dir, err := ses.fsys.OpenDir(ses.cwd)
		if err != nil {
			ses.sendStatementf("550 %s\r\n", err)
			ses.setState(stateCommand, true, true)
			return
		}

		ses.dir = dir

		// set the cwd as the lwd
		ses.lwd = ses.cwd

		if mode == dirent.Mlsd && ses.facts.Type {
			st, err := ses.fsys.Stat(ses.lwd)
			if err == nil {
				err = ses.fillDirent(st, ftppath.Encode(ses.lwd, false), "cdir")
			}
			if err != nil {
				ses.sendStatementf("550 %s\r\n", err)
				ses.setState(stateCommand, true, true)
				return
			}
		}

		ses.workItem = ses.lwd
	}

	ses.xferStart = time.Now()

	if mode == dirent.Mlst || mode == dirent.Stat {
		// these send their data over the command socket
		ses.sendStatement("250-Status\r\n")
		ses.setState(stateDataTransfer, true, true)
		ses.dataSocket = ses.commandSocket
		ses.send = true
		return
	}

	if !ses.port && !ses.pasv {
		// Prior PORT or PASV required
		ses.sendStatement("503 Bad sequence of commands\r\n")
		ses.setState(stateCommand, true, true)
		return
	}

	ses.setState(stateDataConnect, false, true)
	ses.send = true

	if ses.port && !ses.dataConnect() {
		ses.sendStatement("425 Can't open data connection\r\n")
		ses.setState(stateCommand, true, true)
	}
}

// globList sets up an NLST over the expansion of a wildcard pattern.
func (ses *Session) globList(args string) {
	pattern := ftppath.Build(ses.cwd, args)

	paths, err := ses.fsys.Glob(pattern)
	if err != nil {
		ses.sendStatementf("501 %s\r\n", err)
		ses.setState(stateCommand, false, false)
		return
	}
	if len(paths) == 0 {
		ses.sendStatement("501 no match\r\n")
		ses.setState(stateCommand, false, false)
		return
	}

	ses.zFlushed = false
	ses.eof = false
	ses.filePosition = 0
	ses.xferBuffer.Clear()
	ses.zStreamBuffer.Clear()

	ses.globPaths = paths
	ses.globNext = 0
	ses.transfer = (*Session).globTransfer

	if !ses.port && !ses.pasv {
		// Prior PORT or PASV required
		ses.sendStatement("503 Bad sequence of commands\r\n")
		ses.setState(stateCommand, true, true)
		return
	}

	ses.setState(stateDataConnect, false, true)
	ses.send = true
	ses.workItem = pattern
	ses.xferStart = time.Now()

	if ses.port && !ses.dataConnect() {
		ses.sendStatement("425 Can't open data connection\r\n")
		ses.setState(stateCommand, true, true)
	}
}

// fillDirent formats one entry into the active transfer buffer.
func (ses *Session) fillDirent(st fs.Info, name, typeOverride string) error {
	ioBuffer := ses.xferBuffer
	if ses.deflate {
		ioBuffer = ses.zStreamBuffer
	}

	n, err := dirent.Format(ioBuffer, ses.xferDirMode, ses.facts, ses.timestamp, st, name, typeOverride)
	if err != nil {
		return err
	}

	ses.filePosition += int64(n)
	return nil
}

// deflateStep pushes pending bytes through the compressor. flush
// signals end of input.
func (ses *Session) deflateStep(flush bool) bool {
	consumed, produced, status, err := ses.codec.Process(
		ses.zStreamBuffer.UsedSlice(), ses.xferBuffer.FreeSlice(), flush)
	if err != nil {
		ses.sendStatementf("501 %s\r\n", err)
		ses.setState(stateCommand, true, true)
		return false
	}

	ses.zStreamBuffer.MarkFree(consumed)
	ses.xferBuffer.MarkUsed(produced)
	ses.zStreamPosition += int64(produced)

	if status == zstream.StreamEnd {
		ses.zFlushed = true
	}

	return true
}

// inflateStep pushes received bytes through the decompressor. finish
// signals that the data connection hit EOF.
func (ses *Session) inflateStep(finish bool) bool {
	consumed, produced, status, err := ses.codec.Process(
		ses.zStreamBuffer.UsedSlice(), ses.xferBuffer.FreeSlice(), finish)
	if err != nil {
		ses.sendStatementf("501 %s\r\n", err)
		ses.setState(stateCommand, true, true)
		return false
	}

	ses.zStreamBuffer.MarkFree(consumed)
	ses.xferBuffer.MarkUsed(produced)
	ses.zStreamPosition += int64(consumed)

	if status == zstream.StreamEnd {
		ses.zFlushed = true
	}

	return true
}

func (ses *Session) finishXfer(code string) {
	if ses.file != nil {
		err := ses.file.Close()
		ses.file = nil

		if err != nil {
			ses.sendStatementf("451 %s\r\n", err)
			ses.setState(stateCommand, true, true)
			return
		}
	}

	log.WithFields(log.Fields{
		"workItem": ses.workItem,
		"bytes":    fs.PrintSize(uint64(ses.filePosition)),
		"elapsed":  time.Since(ses.xferStart).Round(time.Millisecond),
	}).Info("session::Session::finishXfer transfer completed")

	ses.sendStatement(code)
	ses.setState(stateCommand, true, true)
}

// retrieveTransfer pumps file -> (deflate) -> data socket. It returns
// true while it can make progress.
func (ses *Session) retrieveTransfer() bool {
	if ses.xferBuffer.Empty() {
		ses.xferBuffer.Clear()

		ioBuffer := ses.xferBuffer
		if ses.deflate {
			ioBuffer = ses.zStreamBuffer
		}

		if !ses.zStreamBuffer.Empty() {
			return ses.deflateStep(false)
		}

		if ses.deflate && !ses.zFlushed && ses.eof {
			return ses.deflateStep(true)
		}

		ses.zStreamBuffer.Clear()

		if ses.eof && (ses.deflate == ses.zFlushed) {
			ses.finishXfer("226 OK\r\n")
			return false
		}

		if !ses.devZero {
			n, err := ses.file.ReadInto(ioBuffer)
			if err != nil {
				ses.sendStatementf("451 %s\r\n", err)
				ses.setState(stateCommand, true, true)
				return false
			}

			if n == 0 {
				// reached end of file
				ses.eof = true
				return true
			}

			ses.filePosition += int64(n)
		} else {
			free := ioBuffer.FreeSlice()
			for i := range free {
				free[i] = 0
			}
			ioBuffer.MarkUsed(len(free))

			ses.filePosition += int64(len(free))
		}

		if ses.deflate {
			return true
		}
	}

	n, err := ses.dataSocket.Write(ses.xferBuffer)
	if err != nil || n == 0 {
		if err == unix.EAGAIN {
			return false
		}

		ses.sendStatement("426 Connection broken during transfer\r\n")
		ses.setState(stateCommand, true, true)
		return false
	}

	ses.timestamp = time.Now()

	// we can try to read/send more data
	return true
}

// storeTransfer pumps data socket -> (inflate) -> file.
func (ses *Session) storeTransfer() bool {
	if ses.xferBuffer.Empty() {
		ses.xferBuffer.Clear()

		if !ses.zStreamBuffer.Empty() {
			return ses.inflateStep(false)
		}

		if ses.deflate && !ses.zFlushed && ses.eof {
			return ses.inflateStep(true)
		}

		if ses.eof && (ses.deflate == ses.zFlushed) {
			ses.finishXfer("226 OK\r\n")
			return false
		}

		ioBuffer := ses.xferBuffer
		if ses.deflate {
			ioBuffer = ses.zStreamBuffer
		}
		ioBuffer.Coalesce()

		n, err := ses.dataSocket.Read(ioBuffer)
		if err != nil {
			if err == unix.EAGAIN {
				return false
			}

			ses.sendStatementf("451 %s\r\n", err)
			ses.setState(stateCommand, true, true)
			return false
		}

		if n == 0 {
			// peer finished sending
			ses.eof = true
			return true
		}

		ses.timestamp = time.Now()

		if ses.deflate {
			return true
		}
	}

	if !ses.devZero {
		_, err := ses.file.WriteFrom(ses.xferBuffer)
		if err != nil {
			ses.sendStatementf("426 %s\r\n", err)
			ses.setState(stateCommand, true, true)
			return false
		}

		ses.filePosition = ses.file.Position()
	} else {
		ses.filePosition += int64(ses.xferBuffer.UsedSize())
		ses.xferBuffer.Clear()
	}

	return true
}

// listTransfer pumps directory entries -> (deflate) -> data socket.
// MLST and STAT ride the control socket instead.
func (ses *Session) listTransfer() bool {
	for ses.xferBuffer.Empty() {
		ses.xferBuffer.Clear()

		if !ses.zStreamBuffer.Empty() {
			return ses.deflateStep(false)
		}

		if ses.deflate && !ses.zFlushed && ses.eof {
			return ses.deflateStep(true)
		}

		ses.zStreamBuffer.Clear()

		// MLST and STAT complete over the control channel
		code := "226 OK\r\n"
		if ses.xferDirMode == dirent.Mlst || ses.xferDirMode == dirent.Stat {
			code = "250 OK\r\n"
		}

		if ses.eof && (ses.deflate == ses.zFlushed) {
			ses.finishXfer(code)
			return false
		}

		if ses.dir == nil {
			// single pre-formatted entry (file argument or MLST)
			ses.eof = true
			return true
		}

		name, err := ses.dir.Next()
		if err != nil {
			ses.sendStatementf("451 %s\r\n", err)
			ses.setState(stateCommand, true, true)
			return false
		}
		if name == "" {
			// we have exhausted the directory listing
			ses.eof = true
			return true
		}

		if name == "." || name == ".." {
			continue
		}

		if ses.xferDirMode == dirent.Nlst {
			// NLST gives the whole path name
			encoded := ftppath.Encode(ftppath.Build(ses.lwd, name), false)
			if err := ses.fillDirent(fs.Info{}, encoded, ""); err != nil {
				ses.sendStatementf("501 %s\r\n", unix.ENOMEM)
				ses.setState(stateCommand, true, true)
				return false
			}
		} else {
			fullPath := ftppath.Build(ses.lwd, name)

			st, err := ses.fsys.Lstat(fullPath)
			if err != nil {
				log.WithFields(log.Fields{
					"path": fullPath,
					"err":  err,
				}).Warn("session::Session::listTransfer skipping entry")
				continue
			}

			if err := ses.fillDirent(st, ftppath.Encode(name, false), ""); err != nil {
				ses.sendStatementf("425 %s\r\n", err)
				ses.setState(stateCommand, true, true)
				return false
			}
		}

		if ses.deflate {
			return true
		}
	}

	n, err := ses.dataSocket.Write(ses.xferBuffer)
	if err != nil || n == 0 {
		if err == unix.EAGAIN {
			return false
		}

		ses.sendStatement("426 Connection broken during transfer\r\n")
		ses.setState(stateCommand, true, true)
		return false
	}

	ses.timestamp = time.Now()

	// we can try to send more data
	return true
}

// globTransfer pumps wildcard NLST entries to the data socket.
func (ses *Session) globTransfer() bool {
	if ses.xferBuffer.Empty() {
		ses.xferBuffer.Clear()

		if ses.globNext >= len(ses.globPaths) {
			// we have exhausted the glob listing
			ses.finishXfer("226 OK\r\n")
			return false
		}

		entry := ftppath.Encode(ses.globPaths[ses.globNext], false) + "\r\n"
		ses.globNext++

		if ses.xferBuffer.FreeSize() < len(entry) {
			ses.sendStatementf("501 %s\r\n", unix.ENOMEM)
			ses.setState(stateCommand, true, true)
			return false
		}

		copy(ses.xferBuffer.FreeSlice(), entry)
		ses.xferBuffer.MarkUsed(len(entry))
		ses.filePosition += int64(len(entry))
	}

	n, err := ses.dataSocket.Write(ses.xferBuffer)
	if err != nil || n == 0 {
		if err == unix.EAGAIN {
			return false
		}

		ses.sendStatement("426 Connection broken during transfer\r\n")
		ses.setState(stateCommand, true, true)
		return false
	}

	ses.timestamp = time.Now()

	return true
}
