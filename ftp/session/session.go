// Package session handles one FTP control connection: command
// parsing, dispatch, the data connection state machine and the
// transfer engines. Sessions are driven entirely by the poll
// scheduler; no session call blocks.
package session

import (
	"bytes"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/R-YaTian/ftpd/ftp/config"
	"github.com/R-YaTian/ftpd/ftp/dirent"
	"github.com/R-YaTian/ftpd/ftp/fs"
	"github.com/R-YaTian/ftpd/ftp/ftppath"
	"github.com/R-YaTian/ftpd/ftp/portassigner"
	"github.com/R-YaTian/ftpd/ftp/ringbuffer"
	"github.com/R-YaTian/ftpd/ftp/socket"
	"github.com/R-YaTian/ftpd/ftp/zstream"
	"github.com/R-YaTian/ftpd/identity"
	basicidentity "github.com/R-YaTian/ftpd/identity/basic"
)

const (
	commandBufferSize  = 4 * 1024
	responseBufferSize = 4 * 1024
	xferBufferSize     = 64 * 1024
	sockBufferSize     = 64 * 1024

	idleTimeout = 60 * time.Second

	telnetDataMark = 0xF2

	devZeroPath = "/devZero"
)

type sessionState int

const (
	stateCommand sessionState = iota
	stateDataConnect
	stateDataTransfer
)

func (s sessionState) String() string {
	switch s {
	case stateCommand:
		return "Command"
	case stateDataConnect:
		return "Data Connect"
	case stateDataTransfer:
		return "Data Transfer"
	}
	return "?"
}

// Bridge is the server-side surface a session needs: free space
// bookkeeping, uptime and the mDNS hostname hook.
type Bridge interface {
	FreeSpace() string
	UpdateFreeSpace()
	StartTime() time.Time
	SetMdnsHostname(name string)
}

type transferFunc func(*Session) bool

// Session is one connected FTP control channel and its data channel.
type Session struct {
	cfg    *config.Config
	bridge Bridge
	fsys   *fs.FS
	pa     portassigner.PortAssigner

	commandSocket *socket.Socket
	pasvSocket    *socket.Socket
	dataSocket    *socket.Socket
	pendingClose  []*socket.Socket

	commandBuffer  *ringbuffer.RingBuffer
	responseBuffer *ringbuffer.RingBuffer
	xferBuffer     *ringbuffer.RingBuffer
	zStreamBuffer  *ringbuffer.RingBuffer

	id identity.Identity

	state   sessionState
	pasv    bool
	port    bool
	recv    bool
	send    bool
	urgent  bool
	deflate bool

	zFlushed bool
	eof      bool
	devZero  bool

	facts       dirent.Facts
	xferDirMode dirent.Mode

	restartPosition int64
	filePosition    int64
	fileSize        int64
	zStreamPosition int64

	cwd      string
	lwd      string
	rename   string
	workItem string

	portAddr *unix.SockaddrInet4
	pasvPort int

	timestamp   time.Time
	xferStart   time.Time
	handledTick bool

	file     *fs.File
	dir      *fs.Dir
	codec    zstream.Codec
	transfer transferFunc

	globPaths []string
	globNext  int
}

// New creates a session around an accepted control socket and greets
// the peer.
func New(cfg *config.Config, bridge Bridge, fsys *fs.FS, pa portassigner.PortAssigner, commandSocket *socket.Socket) *Session {
	ses := &Session{
		cfg:    cfg,
		bridge: bridge,
		fsys:   fsys,
		pa:     pa,

		commandSocket: commandSocket,

		commandBuffer:  ringbuffer.New(commandBufferSize),
		responseBuffer: ringbuffer.New(responseBufferSize),
		xferBuffer:     ringbuffer.New(xferBufferSize),
		zStreamBuffer:  ringbuffer.New(xferBufferSize),

		id: basicidentity.New("", cfg.User() == "", cfg.Pass() == ""),

		state:     stateCommand,
		facts:     dirent.AllFacts(),
		cwd:       "/",
		lwd:       "/",
		timestamp: time.Now(),
	}

	if err := commandSocket.SetNonBlocking(); err != nil {
		log.WithFields(log.Fields{"err": err}).Warn("session::New setNonBlocking failed")
	}

	ses.sendStatement("220 Hello!\r\n")

	return ses
}

func (ses *Session) String() string {
	return fmt.Sprintf("{id:%s, state:%s, cwd:%s}", ses.id, ses.state, ses.cwd)
}

func (ses *Session) authorized() bool {
	return ses.id.Authenticated()
}

// Dead reports whether every socket of the session has been released.
func (ses *Session) Dead() bool {
	return ses.commandSocket == nil &&
		ses.pasvSocket == nil &&
		ses.dataSocket == nil &&
		len(ses.pendingClose) == 0
}

// Close force-releases every resource the session still holds.
func (ses *Session) Close() error {
	var result *multierror.Error

	sockets := []*socket.Socket{ses.commandSocket, ses.pasvSocket}
	if ses.dataSocket != ses.commandSocket {
		sockets = append(sockets, ses.dataSocket)
	}
	sockets = append(sockets, ses.pendingClose...)

	for _, s := range sockets {
		if s == nil {
			continue
		}
		if err := s.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	ses.commandSocket = nil
	ses.pasvSocket = nil
	ses.dataSocket = nil
	ses.pendingClose = nil

	ses.setState(stateCommand, false, false)

	return result.ErrorOrNil()
}

// setState transitions the session. Entering COMMAND clears all
// transfer state: restart offset, cursors, codec and work item.
func (ses *Session) setState(state sessionState, closePasv, closeData bool) {
	ses.state = state
	ses.timestamp = time.Now()

	if closePasv {
		ses.closePasv()
	}
	if closeData {
		ses.closeData()
	}

	if state == stateCommand {
		ses.restartPosition = 0
		ses.fileSize = 0
		ses.filePosition = 0
		ses.workItem = ""
		ses.devZero = false

		if ses.file != nil {
			ses.file.Close()
			ses.file = nil
		}
		if ses.dir != nil {
			ses.dir.Close()
			ses.dir = nil
		}
		if ses.codec != nil {
			ses.codec.Close()
			ses.codec = nil
		}

		ses.globPaths = nil
		ses.globNext = 0
	}
}

// enqueueClose half-closes a socket and parks it until the peer's FIN
// or RST shows up in the poll loop.
func (ses *Session) enqueueClose(s *socket.Socket) {
	s.Shutdown(socket.ShutWR)
	s.SetLinger(true, 0)
	ses.pendingClose = append(ses.pendingClose, s)
}

func (ses *Session) closeCommand() {
	if ses.commandSocket == nil {
		return
	}

	s := ses.commandSocket
	ses.commandSocket = nil

	if ses.dataSocket == s {
		// shared for a control-channel listing; released via closeData
		return
	}

	ses.enqueueClose(s)
}

func (ses *Session) closePasv() {
	if ses.pasvSocket != nil {
		ses.pasvSocket.Close()
		ses.pasvSocket = nil
	}

	if ses.pasvPort != 0 && ses.pa != nil {
		ses.pa.ReleasePort(ses.pasvPort)
		ses.pasvPort = 0
	}
}

func (ses *Session) closeData() {
	ses.recv = false
	ses.send = false

	if ses.dataSocket == nil {
		return
	}

	s := ses.dataSocket
	ses.dataSocket = nil

	if ses.commandSocket == s {
		// aliased control socket stays open
		return
	}

	ses.enqueueClose(s)
}

// sendStatement queues a response and immediately tries to flush it.
func (ses *Session) sendStatement(statement string) {
	if ses.commandSocket == nil {
		return
	}

	log.WithFields(log.Fields{
		"response": strings.TrimRight(statement, "\r\n"),
	}).Debug("session::Session::sendStatement")

	if len(statement) > ses.responseBuffer.FreeSize() {
		log.WithFields(log.Fields{"ses": ses}).Error("session::Session::sendStatement response buffer overflow")
		ses.closeCommand()
		return
	}

	copy(ses.responseBuffer.FreeSlice(), statement)
	ses.responseBuffer.MarkUsed(len(statement))

	_, err := ses.commandSocket.Write(ses.responseBuffer)
	if err != nil {
		if err == unix.EAGAIN {
			return
		}

		log.WithFields(log.Fields{"ses": ses, "err": err}).Warn("session::Session::sendStatement write failed")
		ses.closeCommand()
		return
	}

	ses.timestamp = time.Now()
	ses.responseBuffer.Coalesce()
}

func (ses *Session) sendStatementf(format string, args ...interface{}) {
	ses.sendStatement(fmt.Sprintf(format, args...))
}

// writeResponse drains buffered response bytes on POLLOUT.
func (ses *Session) writeResponse() {
	n, err := ses.commandSocket.Write(ses.responseBuffer)
	if err != nil {
		if err == unix.EAGAIN {
			return
		}
		ses.closeCommand()
		return
	}

	if n > 0 {
		ses.timestamp = time.Now()
		ses.responseBuffer.Coalesce()
	}
}

// buildResolvedPath joins a command argument onto cwd and normalizes
// it. The parent of the result must exist and be a directory.
func (ses *Session) buildResolvedPath(cwd, arg string) (string, error) {
	built := ftppath.Build(cwd, arg)

	st, err := ses.fsys.Stat(path.Dir(built))
	if err != nil {
		return "", err
	}
	if !st.IsDir() {
		return "", unix.ENOTDIR
	}

	return ftppath.Clean(built), nil
}

func (ses *Session) changeDir(arg string) error {
	if arg == ".." {
		pos := strings.LastIndexByte(ses.cwd, '/')
		if pos <= 0 {
			ses.cwd = "/"
		} else {
			ses.cwd = ses.cwd[:pos]
		}
		return nil
	}

	p, err := ses.buildResolvedPath(ses.cwd, arg)
	if err != nil {
		return err
	}

	st, err := ses.fsys.Stat(p)
	if err != nil {
		return err
	}
	if !st.IsDir() {
		return unix.ENOTDIR
	}

	ses.cwd = p
	return nil
}

// parseCommandLine finds the first complete command in buf. It
// returns the line without its delimiter and the number of bytes to
// consume, or 0 when no full line has arrived yet.
func parseCommandLine(buf []byte) ([]byte, int) {
	for i := 0; i < len(buf); i++ {
		if buf[i] == '\r' && i+1 < len(buf) && buf[i+1] == '\n' {
			return buf[:i], i + 2
		}
		if buf[i] == '\n' {
			return buf[:i], i + 1
		}
	}

	return nil, 0
}

func splitCommand(line string) (string, string) {
	if i := strings.IndexAny(line, " \t"); i >= 0 {
		return line[:i], line[i+1:]
	}

	return line, ""
}

// readCommand services POLLIN/POLLPRI on the control socket: urgent
// data handling, buffering, and dispatch of every complete line.
func (ses *Session) readCommand(revents int16) {
	if ses.commandSocket == nil {
		return
	}

	if revents&socket.PollPri != 0 {
		ses.urgent = true

		atMark, err := ses.commandSocket.AtMark()
		if err != nil {
			ses.closeCommand()
			return
		}

		if !atMark {
			// discard in-band data up to the urgent pointer
			ses.commandBuffer.Clear()
			if _, err := ses.commandSocket.Read(ses.commandBuffer); err != nil && err != unix.EAGAIN {
				ses.closeCommand()
				return
			}
			ses.timestamp = time.Now()
			return
		}

		if _, err := ses.commandSocket.ReadOOB(); err != nil {
			// EWOULDBLOCK means out-of-band data is still on the way
			if err != unix.EAGAIN {
				ses.closeCommand()
				return
			}
		}

		ses.timestamp = time.Now()
		ses.commandBuffer.Clear()
		return
	}

	if revents&socket.PollIn != 0 {
		if ses.commandBuffer.FreeSize() == 0 {
			log.WithFields(log.Fields{"ses": ses}).Error("session::Session::readCommand exceeded command buffer size")
			ses.closeCommand()
			return
		}

		n, err := ses.commandSocket.Read(ses.commandBuffer)
		if err != nil {
			if err != unix.EAGAIN {
				ses.closeCommand()
			}
			return
		}

		if n == 0 {
			log.WithFields(log.Fields{"ses": ses}).Info("session::Session::readCommand peer closed connection")
			ses.closeCommand()
			return
		}

		ses.timestamp = time.Now()

		if ses.urgent {
			// look for the telnet data mark
			used := ses.commandBuffer.UsedSlice()
			idx := bytes.IndexByte(used, telnetDataMark)
			if idx < 0 {
				return
			}

			// ignore everything preceding the data mark
			ses.commandBuffer.MarkFree(idx + 1)
			ses.commandBuffer.Coalesce()
			ses.urgent = false
		}
	}

	for ses.commandSocket != nil {
		line, consumed := parseCommandLine(ses.commandBuffer.UsedSlice())
		if consumed == 0 {
			return
		}

		ftppath.Decode(line)
		ses.dispatch(string(line))

		ses.commandBuffer.MarkFree(consumed)
		ses.commandBuffer.Coalesce()
	}
}

func (ses *Session) dispatch(line string) {
	verb, args := splitCommand(line)

	logged := line
	upper := strings.ToUpper(verb)
	if upper == "USER" || upper == "PASS" {
		logged = upper + " ******"
	}
	log.WithFields(log.Fields{"cmd": logged}).Info("session::Session::dispatch received command")

	ses.timestamp = time.Now()

	entry := lookupHandler(verb)
	if entry == nil {
		response := `502 Invalid command "` + ftppath.Encode(verb, false)
		if args != "" {
			response += " " + ftppath.Encode(args, false)
		}
		response += "\"\r\n"

		ses.sendStatement(response)
		return
	}

	if ses.state != stateCommand {
		// only a handful of commands are valid mid-transfer
		if !entry.duringTransfer {
			ses.sendStatement("503 Invalid command during transfer\r\n")
			ses.setState(stateCommand, true, true)
			ses.closeCommand()
			return
		}
	} else if upper != "RNTO" {
		// clear the rename origin for every command except RNTO
		ses.rename = ""
	}

	cl := newCmdList(ses, args, entry.process)
	if entry.needsAuth {
		cl.requireAuth()
	}
	cl.Execute()
}
