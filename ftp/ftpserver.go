// Package ftp handles the ftp server
// main class. Import this and call the New
// method.
package ftp

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/mindflavor/goserializer"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/R-YaTian/ftpd/ftp/config"
	"github.com/R-YaTian/ftpd/ftp/fs"
	"github.com/R-YaTian/ftpd/ftp/portassigner"
	"github.com/R-YaTian/ftpd/ftp/session"
	"github.com/R-YaTian/ftpd/ftp/socket"
)

const listenBacklog = 5

// MdnsHook is called whenever SITE HOST changes the advertised
// hostname.
type MdnsHook func(hostname string)

// Server owns the listening socket and multiplexes every session on a
// single poll loop.
type Server struct {
	cfg  *config.Config
	fsys *fs.FS
	pa   portassigner.PortAssigner

	listener *socket.Socket
	sessions []*session.Session
	port     int

	handler   serializer.Serializer
	freeSpace string
	startTime time.Time
	mdnsHook  MdnsHook

	alive atomic.Bool
	done  chan struct{}
}

// New creates a server serving rootDir on the configured control
// port. Pass port 0 via the config to let the kernel choose (tests).
func New(cfg *config.Config, rootDir string, mdnsHook MdnsHook) (*Server, error) {
	srv := &Server{
		cfg:       cfg,
		fsys:      fs.New(rootDir, cfg.MTimeHook(), cfg.GetMTime),
		handler:   serializer.New(),
		startTime: time.Now(),
		mdnsHook:  mdnsHook,
		done:      make(chan struct{}),
	}

	if min, max := cfg.PasvRange(); min > 0 && max > min {
		srv.pa = portassigner.New(min, max)
	}

	listener, err := socket.Create()
	if err != nil {
		return nil, err
	}

	listener.SetReuseAddr()

	if err := listener.Bind(&unix.SockaddrInet4{Port: cfg.Port()}); err != nil {
		listener.Close()
		return nil, fmt.Errorf("ftp: bind port %d: %w", cfg.Port(), err)
	}

	if err := listener.Listen(listenBacklog); err != nil {
		listener.Close()
		return nil, fmt.Errorf("ftp: listen: %w", err)
	}

	listener.SetNonBlocking()

	name, err := listener.SockName()
	if err != nil {
		listener.Close()
		return nil, err
	}

	srv.listener = listener
	srv.port = name.Port

	srv.UpdateFreeSpace()
	srv.alive.Store(true)

	log.WithFields(log.Fields{
		"port":     srv.port,
		"root":     rootDir,
		"tzOffset": srv.TzOffset(),
	}).Info("ftp::New command port opened")

	return srv, nil
}

// Port returns the bound control port.
func (srv *Server) Port() int {
	return srv.port
}

// Run drives the accept and session poll loop until Close is called.
func (srv *Server) Run() error {
	defer close(srv.done)

	for srv.alive.Load() {
		if err := srv.tick(); err != nil {
			srv.shutdown()
			return err
		}
	}

	srv.shutdown()
	return nil
}

func (srv *Server) tick() error {
	// poll the listener; block here only when there is no session to
	// schedule
	timeout := time.Duration(0)
	if len(srv.sessions) == 0 {
		timeout = session.PollTimeout
	}

	infos := []socket.PollInfo{{Socket: srv.listener, Events: socket.PollIn}}
	if _, err := socket.Poll(infos, timeout); err != nil {
		log.WithFields(log.Fields{"err": err}).Error("ftp::Server::tick listener poll failed")
		return err
	}

	if infos[0].REvents&socket.PollIn != 0 {
		srv.acceptPending()
	}

	if len(srv.sessions) > 0 {
		if err := session.Poll(srv.sessions); err != nil {
			return err
		}
	}

	srv.reapSessions()
	return nil
}

func (srv *Server) acceptPending() {
	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
				log.WithFields(log.Fields{"err": err}).Warn("ftp::Server::acceptPending accept failed")
			}
			return
		}

		ses := session.New(srv.cfg, srv, srv.fsys, srv.pa, conn)
		srv.sessions = append(srv.sessions, ses)

		log.WithFields(log.Fields{
			"sessions": len(srv.sessions),
		}).Info("ftp::Server::acceptPending session started")
	}
}

func (srv *Server) reapSessions() {
	alive := srv.sessions[:0]

	for _, ses := range srv.sessions {
		if ses.Dead() {
			ses.Close()
			log.WithFields(log.Fields{"ses": ses}).Info("ftp::Server::reapSessions session terminated")
			continue
		}

		alive = append(alive, ses)
	}

	srv.sessions = alive
}

func (srv *Server) shutdown() {
	var result *multierror.Error

	if err := srv.listener.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	for _, ses := range srv.sessions {
		if err := ses.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	srv.sessions = nil

	if srv.pa != nil {
		srv.pa.Close()
	}

	if err := result.ErrorOrNil(); err != nil {
		log.WithFields(log.Fields{"err": err}).Warn("ftp::Server::shutdown close errors")
	}
}

// Close stops the loop and waits for Run to return.
func (srv *Server) Close() {
	if srv.alive.CompareAndSwap(true, false) {
		<-srv.done
	}
}

// FreeSpace returns the last sampled free-space string.
func (srv *Server) FreeSpace() string {
	return srv.handler.Serialize(func() interface{} {
		return srv.freeSpace
	}).(string)
}

// UpdateFreeSpace refreshes the free-space sample; sessions call it
// after every mutating filesystem operation.
func (srv *Server) UpdateFreeSpace() {
	space, err := srv.fsys.FreeSpace()
	if err != nil {
		log.WithFields(log.Fields{"err": err}).Warn("ftp::Server::UpdateFreeSpace statfs failed")
		return
	}

	srv.handler.Serialize(func() interface{} {
		srv.freeSpace = space
		return nil
	})
}

// StartTime returns when the server came up.
func (srv *Server) StartTime() time.Time {
	return srv.startTime
}

// TzOffset returns the local UTC offset in seconds.
func (srv *Server) TzOffset() int {
	_, offset := time.Now().Zone()
	return offset
}

// SetMdnsHostname forwards a SITE HOST change to the advertising
// layer.
func (srv *Server) SetMdnsHostname(name string) {
	log.WithFields(log.Fields{"hostname": name}).Info("ftp::Server::SetMdnsHostname called")

	if srv.mdnsHook != nil {
		srv.mdnsHook(name)
	}
}
